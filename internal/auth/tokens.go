package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/supportpanel/server/internal/config"
	"github.com/supportpanel/server/internal/model"
)

// Token types carried in the "type" claim.
const (
	TokenAccess  = "access"
	TokenRefresh = "refresh"
)

// Claims is the payload of both access and refresh tokens.
type Claims struct {
	Role      string `json:"role,omitempty"`
	SessionID string `json:"sid"`
	FamilyID  string `json:"fid,omitempty"`
	MFALevel  string `json:"mfa_level,omitempty"`
	MFAAt     int64  `json:"mfa_at,omitempty"`
	Type      string `json:"type"`
	jwt.RegisteredClaims
}

// UserID parses the subject claim.
func (c *Claims) UserID() (uuid.UUID, error) {
	return uuid.Parse(c.Subject)
}

// Session parses the session id claim.
func (c *Claims) Session() (uuid.UUID, error) {
	return uuid.Parse(c.SessionID)
}

// Family parses the family id claim (refresh tokens only).
func (c *Claims) Family() (uuid.UUID, error) {
	return uuid.Parse(c.FamilyID)
}

// TokenCodec signs and verifies access and refresh tokens
type TokenCodec struct {
	method     jwt.SigningMethod
	signKey    any
	verifyKey  any
	issuer     string
	audience   string
	accessTTL  time.Duration
	refreshTTL time.Duration
	now        func() time.Time
}

// NewTokenCodec creates a codec from configuration
func NewTokenCodec(cfg config.JWTConfig) (*TokenCodec, error) {
	method, signKey, verifyKey, err := signingKeys(cfg)
	if err != nil {
		return nil, fmt.Errorf("jwt keys: %w", err)
	}
	c := &TokenCodec{
		method:     method,
		signKey:    signKey,
		verifyKey:  verifyKey,
		issuer:     cfg.Issuer,
		audience:   cfg.Audience,
		accessTTL:  cfg.AccessTTL,
		refreshTTL: cfg.RefreshTTL,
		now:        time.Now,
	}
	if c.accessTTL <= 0 {
		c.accessTTL = 10 * time.Minute
	}
	if c.refreshTTL <= 0 {
		c.refreshTTL = 30 * 24 * time.Hour
	}
	return c, nil
}

// AccessTTL is the lifetime of access tokens
func (c *TokenCodec) AccessTTL() time.Duration { return c.accessTTL }

// RefreshTTL is the lifetime of refresh tokens
func (c *TokenCodec) RefreshTTL() time.Duration { return c.refreshTTL }

// IssueAccess creates an access token. mfaAt is the time of the last
// successful factor check and drives step-up freshness.
func (c *TokenCodec) IssueAccess(userID uuid.UUID, role model.Role, sessionID uuid.UUID, mfaLevel string, mfaAt time.Time) (string, error) {
	claims := &Claims{
		Role:      role.String(),
		SessionID: sessionID.String(),
		MFALevel:  mfaLevel,
		Type:      TokenAccess,
	}
	if !mfaAt.IsZero() {
		claims.MFAAt = mfaAt.Unix()
	}
	return c.sign(claims, userID, c.accessTTL)
}

// IssueRefresh creates a refresh token bound to a session and its family.
// mfaAt is carried so a rotation keeps the original factor time.
func (c *TokenCodec) IssueRefresh(userID, sessionID, familyID uuid.UUID, mfaLevel string, mfaAt time.Time) (string, error) {
	claims := &Claims{
		SessionID: sessionID.String(),
		FamilyID:  familyID.String(),
		MFALevel:  mfaLevel,
		Type:      TokenRefresh,
	}
	if !mfaAt.IsZero() {
		claims.MFAAt = mfaAt.Unix()
	}
	return c.sign(claims, userID, c.refreshTTL)
}

func (c *TokenCodec) sign(claims *Claims, userID uuid.UUID, ttl time.Duration) (string, error) {
	now := c.now()
	claims.RegisteredClaims = jwt.RegisteredClaims{
		Subject:   userID.String(),
		Issuer:    c.issuer,
		Audience:  jwt.ClaimStrings{c.audience},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		ID:        uuid.NewString(),
	}
	token := jwt.NewWithClaims(c.method, claims)
	tokenString, err := token.SignedString(c.signKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign %s token: %w", claims.Type, err)
	}
	return tokenString, nil
}

// Decode verifies signature, algorithm, issuer, audience and expiry, and
// requires the token to be of wantType. Every failure wraps ErrInvalidToken.
func (c *TokenCodec) Decode(tokenString, wantType string) (*Claims, error) {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{c.method.Alg()}),
		jwt.WithIssuer(c.issuer),
		jwt.WithAudience(c.audience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(c.now),
	)
	claims := &Claims{}
	token, err := parser.ParseWithClaims(tokenString, claims, func(*jwt.Token) (interface{}, error) {
		return c.verifyKey, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}
	if claims.Type != wantType {
		return nil, fmt.Errorf("%w: expected %s token, got %q", ErrInvalidToken, wantType, claims.Type)
	}
	if _, err := claims.UserID(); err != nil {
		return nil, fmt.Errorf("%w: bad subject", ErrInvalidToken)
	}
	if _, err := claims.Session(); err != nil {
		return nil, fmt.Errorf("%w: bad session id", ErrInvalidToken)
	}
	if wantType == TokenRefresh {
		if _, err := claims.Family(); err != nil {
			return nil, fmt.Errorf("%w: bad family id", ErrInvalidToken)
		}
	}
	return claims, nil
}
