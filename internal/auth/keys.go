package auth

import (
	"fmt"
	"os"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/supportpanel/server/internal/config"
)

// signingKeys resolves the signing method and its key pair. For HS256 both
// keys are the shared secret; for RS256/ES256 verification only ever uses
// the public key.
func signingKeys(cfg config.JWTConfig) (jwt.SigningMethod, any, any, error) {
	switch strings.ToUpper(cfg.Algorithm) {
	case "", "HS256":
		if cfg.Secret == "" {
			return nil, nil, nil, fmt.Errorf("HS256 requires a secret")
		}
		secret := []byte(cfg.Secret)
		return jwt.SigningMethodHS256, secret, secret, nil

	case "RS256":
		privPEM, pubPEM, err := loadPEMPair(cfg)
		if err != nil {
			return nil, nil, nil, err
		}
		priv, err := jwt.ParseRSAPrivateKeyFromPEM(privPEM)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("parse RSA private key: %w", err)
		}
		pub, err := jwt.ParseRSAPublicKeyFromPEM(pubPEM)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("parse RSA public key: %w", err)
		}
		return jwt.SigningMethodRS256, priv, pub, nil

	case "ES256":
		privPEM, pubPEM, err := loadPEMPair(cfg)
		if err != nil {
			return nil, nil, nil, err
		}
		priv, err := jwt.ParseECPrivateKeyFromPEM(privPEM)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("parse EC private key: %w", err)
		}
		pub, err := jwt.ParseECPublicKeyFromPEM(pubPEM)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("parse EC public key: %w", err)
		}
		return jwt.SigningMethodES256, priv, pub, nil
	}
	return nil, nil, nil, fmt.Errorf("unsupported algorithm %q", cfg.Algorithm)
}

func loadPEMPair(cfg config.JWTConfig) ([]byte, []byte, error) {
	priv, err := readPEM(cfg.PrivateKey)
	if err != nil {
		return nil, nil, fmt.Errorf("private key: %w", err)
	}
	pub, err := readPEM(cfg.PublicKey)
	if err != nil {
		return nil, nil, fmt.Errorf("public key: %w", err)
	}
	return priv, pub, nil
}

// readPEM accepts inline PEM text or a path to a PEM file.
func readPEM(v string) ([]byte, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil, fmt.Errorf("empty")
	}
	if strings.HasPrefix(v, "-----BEGIN") {
		// Env files often carry PEM with literal \n sequences.
		return []byte(strings.ReplaceAll(v, `\n`, "\n")), nil
	}
	b, err := os.ReadFile(v)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", v, err)
	}
	return b, nil
}
