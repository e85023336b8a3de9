// Package apierrors provides the stable machine-readable error codes returned
// by the operator and bot APIs, with their default messages and HTTP statuses.
package apierrors

import "net/http"

// Core error codes - registered automatically at init
const (
	// Authentication
	CodeInvalidCredentials  = "invalid_credentials"
	CodeUserInactive        = "user_inactive"
	CodeRateLimited         = "rate_limited"
	CodeInvalidToken        = "invalid_token"
	CodeSessionRevoked      = "session_revoked"
	CodeRoleMismatch        = "role_mismatch"
	CodeRefreshReplay       = "refresh_replay_detected"
	CodeUnauthorized        = "unauthorized"
	CodeForbidden           = "forbidden"
	CodeCSRFInvalid         = "csrf_invalid"
	CodeMustChangePassword  = "must_change_password"
	CodePasswordTooShort    = "password_too_short"
	CodeInvalidPassword     = "invalid_password"
	CodeUsernameTaken       = "username_taken"
	CodePendingLoginInvalid = "pending_login_invalid"
	CodeTelegramIDTaken     = "telegram_id_taken"
	CodeSelfModification    = "self_modification"

	// Step-up / WebAuthn
	CodeStepUpRequired      = "stepup_required"
	CodeChallengeExpired    = "challenge_expired"
	CodeCredentialNotFound  = "credential_not_found"
	CodeSignCountRegression = "sign_count_regression"
	CodeWebAuthnFailed      = "webauthn_failed"

	// Telegram
	CodeOAuthDisabled    = "oauth_disabled"
	CodeNotConfigured    = "not_configured"
	CodeGloballyDisabled = "globally_disabled"
	CodeBotNotConfigured = "bot_not_configured"
	CodeInvalidPayload   = "invalid_payload"
	CodeUserNotFound     = "user_not_found"

	// Request / resource
	CodeInvalidRequest    = "invalid_request"
	CodeInvalidID         = "invalid_id"
	CodeNotFound          = "not_found"
	CodeConflict          = "conflict"
	CodeInvalidTransition = "invalid_transition"
	CodePayloadTooLarge   = "payload_too_large"

	// Server
	CodeInternalError      = "internal_error"
	CodeServiceUnavailable = "service_unavailable"
)

var coreErrors = []ErrorCode{
	{Code: CodeInvalidCredentials, Message: "Invalid username or password", HTTPStatus: http.StatusUnauthorized},
	{Code: CodeUserInactive, Message: "Account is disabled", HTTPStatus: http.StatusForbidden},
	{Code: CodeRateLimited, Message: "Too many requests", HTTPStatus: http.StatusTooManyRequests},
	{Code: CodeInvalidToken, Message: "Invalid or expired token", HTTPStatus: http.StatusUnauthorized},
	{Code: CodeSessionRevoked, Message: "Session has been revoked", HTTPStatus: http.StatusUnauthorized},
	{Code: CodeRoleMismatch, Message: "Session role changed, please sign in again", HTTPStatus: http.StatusUnauthorized},
	{Code: CodeRefreshReplay, Message: "Refresh token reuse detected, all related sessions were revoked", HTTPStatus: http.StatusUnauthorized},
	{Code: CodeUnauthorized, Message: "Authentication required", HTTPStatus: http.StatusUnauthorized},
	{Code: CodeForbidden, Message: "Permission denied", HTTPStatus: http.StatusForbidden},
	{Code: CodeCSRFInvalid, Message: "CSRF token missing or invalid", HTTPStatus: http.StatusForbidden},
	{Code: CodeMustChangePassword, Message: "Password change required", HTTPStatus: http.StatusForbidden},
	{Code: CodePasswordTooShort, Message: "Password must be at least 6 characters", HTTPStatus: http.StatusBadRequest},
	{Code: CodeInvalidPassword, Message: "Current password is incorrect", HTTPStatus: http.StatusBadRequest},
	{Code: CodeUsernameTaken, Message: "Username is already taken", HTTPStatus: http.StatusConflict},
	{Code: CodePendingLoginInvalid, Message: "Login attempt expired or already used", HTTPStatus: http.StatusUnauthorized},
	{Code: CodeTelegramIDTaken, Message: "Telegram ID is already linked to another account", HTTPStatus: http.StatusConflict},
	{Code: CodeSelfModification, Message: "You cannot demote, deactivate or delete your own account", HTTPStatus: http.StatusConflict},

	{Code: CodeStepUpRequired, Message: "Recent passkey verification required", HTTPStatus: http.StatusUnauthorized},
	{Code: CodeChallengeExpired, Message: "Challenge expired or already used", HTTPStatus: http.StatusBadRequest},
	{Code: CodeCredentialNotFound, Message: "Passkey not found", HTTPStatus: http.StatusNotFound},
	{Code: CodeSignCountRegression, Message: "Passkey signature counter did not increase", HTTPStatus: http.StatusUnauthorized},
	{Code: CodeWebAuthnFailed, Message: "Passkey verification failed", HTTPStatus: http.StatusUnauthorized},

	{Code: CodeOAuthDisabled, Message: "Telegram login is disabled for this account", HTTPStatus: http.StatusForbidden},
	{Code: CodeNotConfigured, Message: "Telegram login is not configured", HTTPStatus: http.StatusInternalServerError},
	{Code: CodeGloballyDisabled, Message: "Telegram login is disabled", HTTPStatus: http.StatusForbidden},
	{Code: CodeBotNotConfigured, Message: "Telegram bot token is not configured", HTTPStatus: http.StatusInternalServerError},
	{Code: CodeInvalidPayload, Message: "Telegram payload verification failed", HTTPStatus: http.StatusUnauthorized},
	{Code: CodeUserNotFound, Message: "No account is linked to this Telegram user", HTTPStatus: http.StatusForbidden},

	{Code: CodeInvalidRequest, Message: "Invalid request body", HTTPStatus: http.StatusBadRequest},
	{Code: CodeInvalidID, Message: "Invalid ID format", HTTPStatus: http.StatusBadRequest},
	{Code: CodeNotFound, Message: "Resource not found", HTTPStatus: http.StatusNotFound},
	{Code: CodeConflict, Message: "Resource conflict", HTTPStatus: http.StatusConflict},
	{Code: CodeInvalidTransition, Message: "Action is not allowed in the current chat status", HTTPStatus: http.StatusConflict},
	{Code: CodePayloadTooLarge, Message: "Attachment is too large to deliver", HTTPStatus: http.StatusRequestEntityTooLarge},

	{Code: CodeInternalError, Message: "Internal server error", HTTPStatus: http.StatusInternalServerError},
	{Code: CodeServiceUnavailable, Message: "Service temporarily unavailable", HTTPStatus: http.StatusServiceUnavailable},
}

func init() {
	for _, e := range coreErrors {
		Registry.Register(e)
	}
}
