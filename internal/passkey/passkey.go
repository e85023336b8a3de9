package passkey

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"
	"github.com/supportpanel/server/internal/config"
	"github.com/supportpanel/server/internal/model"
)

var (
	// ErrInvalidResponse is returned when the browser response cannot be parsed.
	ErrInvalidResponse = errors.New("invalid webauthn response")
	// ErrVerification is returned when the assertion or attestation fails validation.
	ErrVerification = errors.New("webauthn verification failed")
)

// Assertion is the outcome of a successful login ceremony.
type Assertion struct {
	CredentialID []byte
	SignCount    uint32
	BackupState  bool
	CloneWarning bool
}

// Ceremonies runs WebAuthn registration and assertion for one operator.
// sessionData is opaque to callers and must be handed back unchanged.
type Ceremonies interface {
	BeginLogin(u model.User, creds []model.WebAuthnCredential) (options any, sessionData []byte, err error)
	FinishLogin(u model.User, creds []model.WebAuthnCredential, sessionData, body []byte) (Assertion, error)
	BeginRegistration(u model.User, creds []model.WebAuthnCredential) (options any, sessionData []byte, err error)
	FinishRegistration(u model.User, creds []model.WebAuthnCredential, sessionData, body []byte) (model.WebAuthnCredential, error)
}

// RelyingParty is the go-webauthn backed Ceremonies implementation.
type RelyingParty struct {
	wa *webauthn.WebAuthn
}

// New builds a relying party from configuration.
func New(cfg config.WebAuthnConfig) (*RelyingParty, error) {
	wa, err := webauthn.New(&webauthn.Config{
		RPID:          cfg.RPID,
		RPDisplayName: cfg.RPName,
		RPOrigins:     cfg.Origins,
	})
	if err != nil {
		return nil, fmt.Errorf("webauthn config: %w", err)
	}
	return &RelyingParty{wa: wa}, nil
}

// BeginLogin issues assertion options restricted to the user's credentials.
func (rp *RelyingParty) BeginLogin(u model.User, creds []model.WebAuthnCredential) (any, []byte, error) {
	wu := newUser(u, creds)
	assertion, session, err := rp.wa.BeginLogin(wu,
		webauthn.WithAllowedCredentials(webauthn.Credentials(wu.creds).CredentialDescriptors()),
		webauthn.WithUserVerification(protocol.VerificationPreferred),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("begin login: %w", err)
	}
	raw, err := json.Marshal(session)
	if err != nil {
		return nil, nil, fmt.Errorf("encode session: %w", err)
	}
	return assertion, raw, nil
}

// FinishLogin validates an assertion against the stored ceremony.
func (rp *RelyingParty) FinishLogin(u model.User, creds []model.WebAuthnCredential, sessionData, body []byte) (Assertion, error) {
	var session webauthn.SessionData
	if err := json.Unmarshal(sessionData, &session); err != nil {
		return Assertion{}, fmt.Errorf("decode session: %w", err)
	}
	parsed, err := protocol.ParseCredentialRequestResponseBytes(body)
	if err != nil {
		return Assertion{}, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	cred, err := rp.wa.ValidateLogin(newUser(u, creds), session, parsed)
	if err != nil {
		return Assertion{}, fmt.Errorf("%w: %v", ErrVerification, err)
	}
	return Assertion{
		CredentialID: cred.ID,
		SignCount:    cred.Authenticator.SignCount,
		BackupState:  cred.Flags.BackupState,
		CloneWarning: cred.Authenticator.CloneWarning,
	}, nil
}

// BeginRegistration issues creation options excluding already registered credentials.
func (rp *RelyingParty) BeginRegistration(u model.User, creds []model.WebAuthnCredential) (any, []byte, error) {
	wu := newUser(u, creds)
	creation, session, err := rp.wa.BeginRegistration(wu,
		webauthn.WithExclusions(webauthn.Credentials(wu.creds).CredentialDescriptors()),
		webauthn.WithResidentKeyRequirement(protocol.ResidentKeyRequirementPreferred),
		webauthn.WithConveyancePreference(protocol.PreferNoAttestation),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("begin registration: %w", err)
	}
	raw, err := json.Marshal(session)
	if err != nil {
		return nil, nil, fmt.Errorf("encode session: %w", err)
	}
	return creation, raw, nil
}

// FinishRegistration validates an attestation and returns the credential to persist.
func (rp *RelyingParty) FinishRegistration(u model.User, creds []model.WebAuthnCredential, sessionData, body []byte) (model.WebAuthnCredential, error) {
	var session webauthn.SessionData
	if err := json.Unmarshal(sessionData, &session); err != nil {
		return model.WebAuthnCredential{}, fmt.Errorf("decode session: %w", err)
	}
	parsed, err := protocol.ParseCredentialCreationResponseBytes(body)
	if err != nil {
		return model.WebAuthnCredential{}, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	cred, err := rp.wa.CreateCredential(newUser(u, creds), session, parsed)
	if err != nil {
		return model.WebAuthnCredential{}, fmt.Errorf("%w: %v", ErrVerification, err)
	}
	transports := make([]string, 0, len(cred.Transport))
	for _, t := range cred.Transport {
		transports = append(transports, string(t))
	}
	return model.WebAuthnCredential{
		UserID:          u.ID,
		CredentialID:    cred.ID,
		PublicKey:       cred.PublicKey,
		SignCount:       cred.Authenticator.SignCount,
		Transports:      FilterTransports(transports),
		AAGUID:          cred.Authenticator.AAGUID,
		AttestationType: cred.AttestationType,
		BackupEligible:  cred.Flags.BackupEligible,
		BackupState:     cred.Flags.BackupState,
	}, nil
}

var knownTransports = map[string]protocol.AuthenticatorTransport{
	string(protocol.USB):       protocol.USB,
	string(protocol.NFC):       protocol.NFC,
	string(protocol.BLE):       protocol.BLE,
	string(protocol.Internal):  protocol.Internal,
	string(protocol.Hybrid):    protocol.Hybrid,
	string(protocol.SmartCard): protocol.SmartCard,
}

// FilterTransports drops transport hints browsers are not expected to understand.
func FilterTransports(in []string) []string {
	out := make([]string, 0, len(in))
	for _, t := range in {
		if _, ok := knownTransports[t]; ok {
			out = append(out, t)
		}
	}
	return out
}

// ParseCredentialID extracts the credential id from an assertion body.
func ParseCredentialID(body []byte) ([]byte, error) {
	var payload struct {
		ID    string `json:"id"`
		RawID string `json:"rawId"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	id := payload.RawID
	if id == "" {
		id = payload.ID
	}
	if id == "" {
		return nil, fmt.Errorf("%w: missing credential id", ErrInvalidResponse)
	}
	decoded, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(id, "="))
	if err != nil {
		return nil, fmt.Errorf("%w: credential id: %v", ErrInvalidResponse, err)
	}
	return decoded, nil
}

// EncodeCredentialID renders a credential id the way browsers send it.
func EncodeCredentialID(id []byte) string {
	return base64.RawURLEncoding.EncodeToString(id)
}
