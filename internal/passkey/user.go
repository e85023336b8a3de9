package passkey

import (
	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"
	"github.com/supportpanel/server/internal/model"
)

// user adapts an operator and its stored credentials to webauthn.User.
type user struct {
	u     model.User
	creds []webauthn.Credential
}

func newUser(u model.User, creds []model.WebAuthnCredential) *user {
	out := make([]webauthn.Credential, 0, len(creds))
	for _, c := range creds {
		out = append(out, toLibraryCredential(c))
	}
	return &user{u: u, creds: out}
}

func (w *user) WebAuthnID() []byte {
	id := w.u.ID
	return id[:]
}

func (w *user) WebAuthnName() string {
	if w.u.Username != nil && *w.u.Username != "" {
		return *w.u.Username
	}
	return w.u.ID.String()
}

func (w *user) WebAuthnDisplayName() string { return w.WebAuthnName() }

func (w *user) WebAuthnCredentials() []webauthn.Credential { return w.creds }

// toLibraryCredential restores the stored record. Backup flags are carried
// over because assertion validation rejects a changed BackupEligible bit.
func toLibraryCredential(c model.WebAuthnCredential) webauthn.Credential {
	transports := make([]protocol.AuthenticatorTransport, 0, len(c.Transports))
	for _, t := range FilterTransports(c.Transports) {
		transports = append(transports, knownTransports[t])
	}
	return webauthn.Credential{
		ID:              c.CredentialID,
		PublicKey:       c.PublicKey,
		AttestationType: c.AttestationType,
		Transport:       transports,
		Flags: webauthn.CredentialFlags{
			BackupEligible: c.BackupEligible,
			BackupState:    c.BackupState,
		},
		Authenticator: webauthn.Authenticator{
			AAGUID:    c.AAGUID,
			SignCount: c.SignCount,
		},
	}
}
