package auth

import "errors"

// Sentinel errors returned by the auth gateway. The HTTP layer maps each one
// to a stable API code.
var (
	ErrInvalidCredentials     = errors.New("invalid credentials")
	ErrUserInactive           = errors.New("user inactive")
	ErrInvalidToken           = errors.New("invalid or expired token")
	ErrSessionRevoked         = errors.New("session revoked")
	ErrRoleMismatch           = errors.New("session role does not match token")
	ErrReplayDetected         = errors.New("refresh token replay detected")
	ErrStepUpRequired         = errors.New("step-up verification required")
	ErrChallengeExpired       = errors.New("challenge expired")
	ErrCredentialNotFound     = errors.New("credential not found")
	ErrSignCountRegression    = errors.New("authenticator sign count did not increase")
	ErrWebAuthnFailed         = errors.New("webauthn verification failed")
	ErrPendingLoginInvalid    = errors.New("pending login expired or already used")
	ErrOAuthDisabled          = errors.New("telegram sign-in disabled for account")
	ErrOAuthNotConfigured     = errors.New("telegram sign-in not configured")
	ErrOAuthGloballyDisabled  = errors.New("telegram sign-in disabled")
	ErrBotNotConfigured       = errors.New("telegram bot not configured")
	ErrInvalidTelegramPayload = errors.New("invalid telegram payload")
	ErrTelegramUserNotFound   = errors.New("no account linked to telegram user")
	ErrPasswordTooShort       = errors.New("password too short")
	ErrInvalidPassword        = errors.New("current password is wrong")
	ErrUsernameTaken          = errors.New("username taken")
	ErrInvalidInput           = errors.New("invalid input")
	ErrTelegramIDTaken        = errors.New("telegram id already linked")
	ErrSelfModification       = errors.New("cannot demote, deactivate or delete own account")
)
