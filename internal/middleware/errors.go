package middleware

import (
	"errors"
	"log"
	"net/http"

	"github.com/supportpanel/server/internal/apierrors"
	"github.com/supportpanel/server/internal/auth"
	"github.com/supportpanel/server/internal/botclient"
	"github.com/supportpanel/server/internal/broadcast"
	"github.com/supportpanel/server/internal/chat"
	"github.com/supportpanel/server/internal/repo"
	"github.com/supportpanel/server/internal/settings"
)

// errorCodes maps domain sentinels to API codes. Order matters only where
// one error wraps another; the first match wins.
var errorCodes = []struct {
	err  error
	code string
}{
	{auth.ErrInvalidCredentials, apierrors.CodeInvalidCredentials},
	{auth.ErrUserInactive, apierrors.CodeUserInactive},
	{auth.ErrInvalidToken, apierrors.CodeInvalidToken},
	{auth.ErrSessionRevoked, apierrors.CodeSessionRevoked},
	{auth.ErrRoleMismatch, apierrors.CodeRoleMismatch},
	{auth.ErrReplayDetected, apierrors.CodeRefreshReplay},
	{auth.ErrStepUpRequired, apierrors.CodeStepUpRequired},
	{auth.ErrChallengeExpired, apierrors.CodeChallengeExpired},
	{auth.ErrCredentialNotFound, apierrors.CodeCredentialNotFound},
	{auth.ErrSignCountRegression, apierrors.CodeSignCountRegression},
	{auth.ErrWebAuthnFailed, apierrors.CodeWebAuthnFailed},
	{auth.ErrPendingLoginInvalid, apierrors.CodePendingLoginInvalid},
	{auth.ErrOAuthDisabled, apierrors.CodeOAuthDisabled},
	{auth.ErrOAuthNotConfigured, apierrors.CodeNotConfigured},
	{auth.ErrOAuthGloballyDisabled, apierrors.CodeGloballyDisabled},
	{auth.ErrBotNotConfigured, apierrors.CodeBotNotConfigured},
	{auth.ErrInvalidTelegramPayload, apierrors.CodeInvalidPayload},
	{auth.ErrTelegramUserNotFound, apierrors.CodeUserNotFound},
	{auth.ErrPasswordTooShort, apierrors.CodePasswordTooShort},
	{auth.ErrInvalidPassword, apierrors.CodeInvalidPassword},
	{auth.ErrUsernameTaken, apierrors.CodeUsernameTaken},
	{auth.ErrInvalidInput, apierrors.CodeInvalidRequest},
	{auth.ErrTelegramIDTaken, apierrors.CodeTelegramIDTaken},
	{auth.ErrSelfModification, apierrors.CodeSelfModification},

	{chat.ErrInvalidTransition, apierrors.CodeInvalidTransition},
	{chat.ErrInvalidInput, apierrors.CodeInvalidRequest},
	{broadcast.ErrInvalidInput, apierrors.CodeInvalidRequest},
	{botclient.ErrPayloadTooLarge, apierrors.CodePayloadTooLarge},
	{botclient.ErrUnavailable, apierrors.CodeServiceUnavailable},
	{settings.ErrInvalidValue, apierrors.CodeInvalidRequest},
	{settings.ErrInvalidBotToken, apierrors.CodeInvalidRequest},

	{repo.ErrNotFound, apierrors.CodeNotFound},
	{repo.ErrConflict, apierrors.CodeConflict},
}

// CodeFor returns the API code for err, or internal_error when err is not a
// known domain error.
func CodeFor(err error) string {
	for _, m := range errorCodes {
		if errors.Is(err, m.err) {
			return m.code
		}
	}
	return apierrors.CodeInternalError
}

// WriteError writes err as an API error. Unknown errors are logged and
// reported as internal_error without details.
func WriteError(w http.ResponseWriter, err error) {
	code := CodeFor(err)
	if code == apierrors.CodeInternalError {
		log.Printf("http: internal error: %v", err)
	}
	apierrors.Error(w, code)
}
