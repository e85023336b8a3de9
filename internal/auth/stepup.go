package auth

import "time"

// StepUpMaxAge is the freshness window for sensitive operations.
const StepUpMaxAge = 300 * time.Second

// IsFresh reports whether the last factor check recorded in claims happened
// within maxAge of now. Tokens without mfa_at are never fresh.
func IsFresh(claims *Claims, now time.Time, maxAge time.Duration) bool {
	if claims == nil || claims.MFAAt == 0 {
		return false
	}
	age := now.Unix() - claims.MFAAt
	return age >= 0 && age <= int64(maxAge/time.Second)
}
