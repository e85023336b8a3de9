// Package memstore is an in-memory repo.Store used by unit and end-to-end
// tests that do not have PostgreSQL available.
package memstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/supportpanel/server/internal/model"
	"github.com/supportpanel/server/internal/repo"
)

type data struct {
	users       map[uuid.UUID]model.User
	sessions    map[uuid.UUID]model.Session
	pending     map[uuid.UUID]model.PendingLogin
	credentials map[uuid.UUID]model.WebAuthnCredential
	audit       []model.AuditEntry
	chats       map[uuid.UUID]model.Chat
	messages    map[uuid.UUID]model.Message
	settings    map[string]json.RawMessage
	templates   map[uuid.UUID]model.Template
	broadcasts  map[uuid.UUID]model.Broadcast
	deliveries  map[uuid.UUID]map[uuid.UUID]bool
}

func newData() data {
	return data{
		users:       make(map[uuid.UUID]model.User),
		sessions:    make(map[uuid.UUID]model.Session),
		pending:     make(map[uuid.UUID]model.PendingLogin),
		credentials: make(map[uuid.UUID]model.WebAuthnCredential),
		chats:       make(map[uuid.UUID]model.Chat),
		messages:    make(map[uuid.UUID]model.Message),
		settings:    make(map[string]json.RawMessage),
		templates:   make(map[uuid.UUID]model.Template),
		broadcasts:  make(map[uuid.UUID]model.Broadcast),
		deliveries:  make(map[uuid.UUID]map[uuid.UUID]bool),
	}
}

func (d data) clone() data {
	c := newData()
	for k, v := range d.users {
		c.users[k] = v
	}
	for k, v := range d.sessions {
		c.sessions[k] = v
	}
	for k, v := range d.pending {
		c.pending[k] = v
	}
	for k, v := range d.credentials {
		c.credentials[k] = v
	}
	c.audit = append([]model.AuditEntry(nil), d.audit...)
	for k, v := range d.chats {
		c.chats[k] = v
	}
	for k, v := range d.messages {
		c.messages[k] = v
	}
	for k, v := range d.settings {
		c.settings[k] = v
	}
	for k, v := range d.templates {
		c.templates[k] = v
	}
	for k, v := range d.broadcasts {
		c.broadcasts[k] = v
	}
	for k, v := range d.deliveries {
		m := make(map[uuid.UUID]bool, len(v))
		for ck, ok := range v {
			m[ck] = ok
		}
		c.deliveries[k] = m
	}
	return c
}

// Store keeps every table in maps guarded by one mutex. Transactions are
// serialized and roll back by restoring a snapshot.
type Store struct {
	mu   sync.Mutex
	txMu sync.Mutex
	d    data
	last time.Time
}

// New returns an empty Store.
func New() *Store {
	return &Store{d: newData()}
}

var _ repo.Store = (*Store)(nil)

func (s *Store) WithinTx(ctx context.Context, fn func(repo.Repos) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	s.mu.Lock()
	snapshot := s.d.clone()
	s.mu.Unlock()

	if err := fn(s); err != nil {
		s.mu.Lock()
		s.d = snapshot
		s.mu.Unlock()
		return err
	}
	return nil
}

// now returns a strictly increasing timestamp so ordering by created_at is stable.
func (s *Store) now() time.Time {
	t := time.Now().UTC()
	if !t.After(s.last) {
		t = s.last.Add(time.Microsecond)
	}
	s.last = t
	return t
}

func (s *Store) Users() repo.UserRepo                 { return users{s} }
func (s *Store) Sessions() repo.SessionRepo           { return sessions{s} }
func (s *Store) PendingLogins() repo.PendingLoginRepo { return pendings{s} }
func (s *Store) Credentials() repo.CredentialRepo     { return credentials{s} }
func (s *Store) Audit() repo.AuditRepo                { return audits{s} }
func (s *Store) Chats() repo.ChatRepo                 { return chats{s} }
func (s *Store) Messages() repo.MessageRepo           { return messages{s} }
func (s *Store) Settings() repo.SettingRepo           { return settings{s} }
func (s *Store) Templates() repo.TemplateRepo         { return templates{s} }
func (s *Store) Broadcasts() repo.BroadcastRepo       { return broadcasts{s} }

func notFound(what string) error { return fmt.Errorf("%s: %w", what, repo.ErrNotFound) }

// ---- users ----

type users struct{ s *Store }

func (r users) GetByID(_ context.Context, id uuid.UUID) (model.User, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	u, ok := r.s.d.users[id]
	if !ok {
		return model.User{}, notFound("user")
	}
	return u, nil
}

func (r users) GetByUsername(_ context.Context, username string) (model.User, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, u := range r.s.d.users {
		if u.Username != nil && *u.Username == username {
			return u, nil
		}
	}
	return model.User{}, notFound("user")
}

func (r users) GetByTelegramID(_ context.Context, telegramUserID int64) (model.User, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, u := range r.s.d.users {
		if u.TelegramUserID != nil && *u.TelegramUserID == telegramUserID {
			return u, nil
		}
	}
	return model.User{}, notFound("user")
}

func (r users) conflicts(u model.User) bool {
	for _, other := range r.s.d.users {
		if other.ID == u.ID {
			continue
		}
		if u.Username != nil && other.Username != nil && *u.Username == *other.Username {
			return true
		}
		if u.TelegramUserID != nil && other.TelegramUserID != nil && *u.TelegramUserID == *other.TelegramUserID {
			return true
		}
	}
	return false
}

func (r users) Create(_ context.Context, u *model.User) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	if r.conflicts(*u) {
		return fmt.Errorf("insert user: %w", repo.ErrConflict)
	}
	u.CreatedAt = r.s.now()
	r.s.d.users[u.ID] = *u
	return nil
}

func (r users) update(id uuid.UUID, fn func(*model.User) error) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	u, ok := r.s.d.users[id]
	if !ok {
		return notFound("user")
	}
	if err := fn(&u); err != nil {
		return err
	}
	r.s.d.users[id] = u
	return nil
}

func (r users) UpdatePassword(_ context.Context, id uuid.UUID, passwordHash string) error {
	return r.update(id, func(u *model.User) error {
		u.PasswordHash = passwordHash
		u.MustChangePassword = false
		return nil
	})
}

func (r users) UpdateUsername(_ context.Context, id uuid.UUID, username string) error {
	return r.update(id, func(u *model.User) error {
		next := *u
		next.Username = &username
		if r.conflicts(next) {
			return fmt.Errorf("update username: %w", repo.ErrConflict)
		}
		*u = next
		return nil
	})
}

func (r users) SetTelegramOAuth(_ context.Context, id uuid.UUID, enabled bool) error {
	return r.update(id, func(u *model.User) error {
		u.TelegramOAuthEnabled = enabled
		return nil
	})
}

func (r users) List(_ context.Context) ([]model.User, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	out := make([]model.User, 0, len(r.s.d.users))
	for _, u := range r.s.d.users {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r users) Update(_ context.Context, u model.User) error {
	return r.update(u.ID, func(cur *model.User) error {
		if r.conflicts(u) {
			return fmt.Errorf("update user: %w", repo.ErrConflict)
		}
		u.CreatedAt = cur.CreatedAt
		*cur = u
		return nil
	})
}

// Delete mirrors the foreign keys: owned rows go, references are nulled.
func (r users) Delete(_ context.Context, id uuid.UUID) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	d := &r.s.d
	if _, ok := d.users[id]; !ok {
		return notFound("user")
	}
	delete(d.users, id)
	for k, v := range d.sessions {
		if v.UserID == id {
			delete(d.sessions, k)
		}
	}
	for k, v := range d.pending {
		if v.UserID == id {
			delete(d.pending, k)
		}
	}
	for k, v := range d.credentials {
		if v.UserID == id {
			delete(d.credentials, k)
		}
	}
	for k, c := range d.chats {
		if c.AssignedUserID != nil && *c.AssignedUserID == id {
			c.AssignedUserID = nil
		}
		if c.EscalatedToUserID != nil && *c.EscalatedToUserID == id {
			c.EscalatedToUserID = nil
		}
		d.chats[k] = c
	}
	for k, m := range d.messages {
		if m.SentByUserID != nil && *m.SentByUserID == id {
			m.SentByUserID = nil
			d.messages[k] = m
		}
	}
	for k, b := range d.broadcasts {
		if b.CreatedByUserID != nil && *b.CreatedByUserID == id {
			b.CreatedByUserID = nil
			d.broadcasts[k] = b
		}
	}
	return nil
}

// ---- sessions ----

type sessions struct{ s *Store }

func (r sessions) Create(_ context.Context, sess *model.Session) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, dup := r.s.d.sessions[sess.ID]; dup {
		return fmt.Errorf("insert session: %w", repo.ErrConflict)
	}
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = r.s.now()
	}
	sess.LastUsedAt = sess.CreatedAt
	r.s.d.sessions[sess.ID] = *sess
	return nil
}

func (r sessions) GetByID(_ context.Context, id uuid.UUID) (model.Session, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	sess, ok := r.s.d.sessions[id]
	if !ok {
		return model.Session{}, notFound("session")
	}
	return sess, nil
}

func (r sessions) Rotate(_ context.Context, id uuid.UUID, oldHash, newHash string, now time.Time) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	sess, ok := r.s.d.sessions[id]
	if !ok || sess.RevokedAt != nil || sess.RefreshHash != oldHash {
		return false, nil
	}
	sess.RefreshHash = newHash
	sess.LastUsedAt = now
	r.s.d.sessions[id] = sess
	return true, nil
}

func (r sessions) Revoke(_ context.Context, id uuid.UUID, now time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	sess, ok := r.s.d.sessions[id]
	if ok && sess.RevokedAt == nil {
		sess.RevokedAt = &now
		r.s.d.sessions[id] = sess
	}
	return nil
}

func (r sessions) revokeWhere(match func(model.Session) bool, now time.Time) int64 {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var n int64
	for id, sess := range r.s.d.sessions {
		if sess.RevokedAt == nil && match(sess) {
			at := now
			sess.RevokedAt = &at
			r.s.d.sessions[id] = sess
			n++
		}
	}
	return n
}

func (r sessions) RevokeFamily(_ context.Context, familyID uuid.UUID, now time.Time) (int64, error) {
	return r.revokeWhere(func(s model.Session) bool { return s.FamilyID == familyID }, now), nil
}

func (r sessions) RevokeAllForUser(_ context.Context, userID uuid.UUID, now time.Time) (int64, error) {
	return r.revokeWhere(func(s model.Session) bool { return s.UserID == userID }, now), nil
}

// ---- pending logins ----

type pendings struct{ s *Store }

func (r pendings) Create(_ context.Context, p *model.PendingLogin) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	p.CreatedAt = r.s.now()
	r.s.d.pending[p.ID] = *p
	return nil
}

func (r pendings) GetByID(_ context.Context, id uuid.UUID) (model.PendingLogin, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	p, ok := r.s.d.pending[id]
	if !ok {
		return model.PendingLogin{}, notFound("pending login")
	}
	return p, nil
}

func (r pendings) Consume(_ context.Context, id uuid.UUID, now time.Time) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	p, ok := r.s.d.pending[id]
	if !ok || p.ConsumedAt != nil || !p.ExpiresAt.After(now) {
		return false, nil
	}
	p.ConsumedAt = &now
	r.s.d.pending[id] = p
	return true, nil
}

func (r pendings) DeleteExpired(_ context.Context, before time.Time) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var n int64
	for id, p := range r.s.d.pending {
		if p.ExpiresAt.Before(before) {
			delete(r.s.d.pending, id)
			n++
		}
	}
	return n, nil
}

// ---- webauthn credentials ----

type credentials struct{ s *Store }

func (r credentials) ListByUser(_ context.Context, userID uuid.UUID) ([]model.WebAuthnCredential, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []model.WebAuthnCredential
	for _, c := range r.s.d.credentials {
		if c.UserID == userID {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r credentials) GetByCredentialID(_ context.Context, credentialID []byte) (model.WebAuthnCredential, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, c := range r.s.d.credentials {
		if bytes.Equal(c.CredentialID, credentialID) {
			return c, nil
		}
	}
	return model.WebAuthnCredential{}, notFound("webauthn credential")
}

func (r credentials) Create(_ context.Context, c *model.WebAuthnCredential) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, other := range r.s.d.credentials {
		if bytes.Equal(other.CredentialID, c.CredentialID) {
			return fmt.Errorf("insert webauthn credential: %w", repo.ErrConflict)
		}
	}
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	c.CreatedAt = r.s.now()
	r.s.d.credentials[c.ID] = *c
	return nil
}

func (r credentials) UpdateUsage(_ context.Context, id uuid.UUID, signCount uint32, backupState bool, usedAt time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c, ok := r.s.d.credentials[id]
	if !ok {
		return notFound("webauthn credential")
	}
	if signCount > c.SignCount {
		c.SignCount = signCount
	}
	c.BackupState = backupState
	c.LastUsedAt = &usedAt
	r.s.d.credentials[id] = c
	return nil
}

func (r credentials) DeleteForUser(_ context.Context, userID uuid.UUID, credentialID []byte) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for id, c := range r.s.d.credentials {
		if c.UserID == userID && bytes.Equal(c.CredentialID, credentialID) {
			delete(r.s.d.credentials, id)
			return nil
		}
	}
	return notFound("webauthn credential")
}

// ---- audit ----

type audits struct{ s *Store }

func (r audits) Create(_ context.Context, e *model.AuditEntry) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = r.s.now()
	}
	r.s.d.audit = append(r.s.d.audit, *e)
	return nil
}

func (r audits) ListRecent(_ context.Context, limit int) ([]model.AuditEntry, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []model.AuditEntry
	for i := len(r.s.d.audit) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, r.s.d.audit[i])
	}
	return out, nil
}

// AuditEvents returns the event types recorded so far, oldest first.
func (s *Store) AuditEvents() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.d.audit))
	for i, e := range s.d.audit {
		out[i] = e.EventType
	}
	return out
}

// ---- chats ----

type chats struct{ s *Store }

func (r chats) get(match func(model.Chat) bool) (model.Chat, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, c := range r.s.d.chats {
		if match(c) {
			return c, nil
		}
	}
	return model.Chat{}, notFound("chat")
}

func (r chats) GetByID(_ context.Context, id uuid.UUID) (model.Chat, error) {
	return r.get(func(c model.Chat) bool { return c.ID == id })
}

func (r chats) GetByTgID(_ context.Context, tgID int64) (model.Chat, error) {
	return r.get(func(c model.Chat) bool { return c.TgID == tgID })
}

func (r chats) LockByID(ctx context.Context, id uuid.UUID) (model.Chat, error) {
	return r.GetByID(ctx, id)
}

func (r chats) LockByTgID(ctx context.Context, tgID int64) (model.Chat, error) {
	return r.GetByTgID(ctx, tgID)
}

func (r chats) Create(_ context.Context, c *model.Chat) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, other := range r.s.d.chats {
		if other.TgID == c.TgID {
			return fmt.Errorf("insert chat: %w", repo.ErrConflict)
		}
	}
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	c.CreatedAt = r.s.now()
	r.s.d.chats[c.ID] = *c
	return nil
}

func (r chats) Update(_ context.Context, c *model.Chat) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.d.chats[c.ID]; !ok {
		return notFound("chat")
	}
	stored := *c
	stored.LastMessagePreview = nil
	r.s.d.chats[c.ID] = stored
	return nil
}

func (r chats) TouchLastMessage(_ context.Context, id uuid.UUID, at time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if c, ok := r.s.d.chats[id]; ok {
		c.LastMessageAt = &at
		r.s.d.chats[id] = c
	}
	return nil
}

func (r chats) matchesTab(c model.Chat, tab string) bool {
	switch tab {
	case repo.TabNew:
		return c.Status == model.ChatNew
	case repo.TabActive:
		return c.Status == model.ChatActive
	case repo.TabClosed:
		return c.Status == model.ChatClosed
	case repo.TabEscalated, repo.TabTransferred:
		return c.Status == model.ChatEscalated
	case repo.TabUnanswered:
		return c.UnreadCount > 0
	}
	return true
}

func containsFold(p *string, needle string) bool {
	return p != nil && strings.Contains(strings.ToLower(*p), needle)
}

func (r chats) matchesSearch(c model.Chat, search string, messagesOnly bool) bool {
	needle := strings.ToLower(search)
	for _, m := range r.s.d.messages {
		if m.ChatID == c.ID && containsFold(m.Text, needle) {
			return true
		}
	}
	if messagesOnly {
		return false
	}
	if containsFold(c.TgUsername, needle) || containsFold(c.FirstName, needle) || containsFold(c.LastName, needle) {
		return true
	}
	if tgID, err := strconv.ParseInt(search, 10, 64); err == nil && tgID == c.TgID {
		return true
	}
	if id, err := uuid.Parse(search); err == nil && id == c.ID {
		return true
	}
	return false
}

// before reports whether a sorts ahead of b in newest-activity order.
func before(a, b model.Chat) bool {
	switch {
	case a.LastMessageAt == nil && b.LastMessageAt == nil:
	case a.LastMessageAt == nil:
		return false
	case b.LastMessageAt == nil:
		return true
	case !a.LastMessageAt.Equal(*b.LastMessageAt):
		return a.LastMessageAt.After(*b.LastMessageAt)
	}
	return bytes.Compare(a.ID[:], b.ID[:]) > 0
}

func (r chats) preview(chatID uuid.UUID) *string {
	var latest *model.Message
	for _, m := range r.s.d.messages {
		if m.ChatID != chatID {
			continue
		}
		if latest == nil || m.CreatedAt.After(latest.CreatedAt) {
			m := m
			latest = &m
		}
	}
	if latest == nil {
		return nil
	}
	if latest.Text != nil {
		return latest.Text
	}
	t := string(latest.Type)
	return &t
}

func (r chats) List(_ context.Context, f repo.ChatFilter) ([]model.Chat, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	search := strings.TrimSpace(f.Search)
	var out []model.Chat
	for _, c := range r.s.d.chats {
		if !r.matchesTab(c, f.Tab) {
			continue
		}
		if search != "" && !r.matchesSearch(c, search, f.MessagesOnly) {
			continue
		}
		if f.Cursor != nil {
			if c.LastMessageAt == nil {
				continue
			}
			pivot := model.Chat{ID: f.Cursor.ID, LastMessageAt: &f.Cursor.LastMessageAt}
			if !before(pivot, c) {
				continue
			}
		}
		c.LastMessagePreview = r.preview(c.ID)
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return before(out[i], out[j]) })

	limit := f.Limit
	if limit <= 0 || limit > 100 {
		limit = 30
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r chats) ListByStatuses(_ context.Context, statuses []model.ChatStatus) ([]model.Chat, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []model.Chat
	for _, c := range r.s.d.chats {
		if len(statuses) == 0 {
			out = append(out, c)
			continue
		}
		for _, st := range statuses {
			if c.Status == st {
				out = append(out, c)
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r chats) Delete(_ context.Context, id uuid.UUID) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.d.chats[id]; !ok {
		return notFound("chat")
	}
	delete(r.s.d.chats, id)
	for mid, m := range r.s.d.messages {
		if m.ChatID == id {
			delete(r.s.d.messages, mid)
		}
	}
	return nil
}

// ---- messages ----

type messages struct{ s *Store }

func (r messages) Create(_ context.Context, m *model.Message) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.d.chats[m.ChatID]; !ok {
		return fmt.Errorf("insert message: chat %s missing", m.ChatID)
	}
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	m.CreatedAt = r.s.now()
	for i := range m.Attachments {
		if m.Attachments[i].ID == uuid.Nil {
			m.Attachments[i].ID = uuid.New()
		}
		m.Attachments[i].MessageID = m.ID
		m.Attachments[i].CreatedAt = m.CreatedAt
	}
	r.s.d.messages[m.ID] = *m
	return nil
}

func (r messages) GetByID(_ context.Context, chatID, id uuid.UUID) (model.Message, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	m, ok := r.s.d.messages[id]
	if !ok || m.ChatID != chatID {
		return model.Message{}, notFound("message")
	}
	return m, nil
}

func (r messages) GetByTelegramID(_ context.Context, chatID uuid.UUID, telegramMessageID int64) (model.Message, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var found *model.Message
	for _, m := range r.s.d.messages {
		if m.ChatID == chatID && m.TelegramMessageID != nil && *m.TelegramMessageID == telegramMessageID {
			if found == nil || m.CreatedAt.After(found.CreatedAt) {
				m := m
				found = &m
			}
		}
	}
	if found == nil {
		return model.Message{}, notFound("message")
	}
	return *found, nil
}

func (r messages) ListByChat(_ context.Context, chatID uuid.UUID, cursor *repo.MessageCursor, limit int) ([]model.Message, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	newer := func(a, b model.Message) bool {
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return bytes.Compare(a.ID[:], b.ID[:]) > 0
	}
	var out []model.Message
	for _, m := range r.s.d.messages {
		if m.ChatID != chatID {
			continue
		}
		if cursor != nil && !newer(model.Message{ID: cursor.ID, CreatedAt: cursor.CreatedAt}, m) {
			continue
		}
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return newer(out[i], out[j]) })
	if limit <= 0 || limit > 100 {
		limit = 30
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r messages) UpdateText(_ context.Context, id uuid.UUID, text *string, editedAt time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	m, ok := r.s.d.messages[id]
	if !ok {
		return notFound("message")
	}
	m.Text = text
	m.IsEdited = true
	m.EditedAt = &editedAt
	r.s.d.messages[id] = m
	return nil
}

func (r messages) SetTelegramMessageID(_ context.Context, id uuid.UUID, telegramMessageID int64) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	m, ok := r.s.d.messages[id]
	if !ok {
		return notFound("message")
	}
	m.TelegramMessageID = &telegramMessageID
	r.s.d.messages[id] = m
	return nil
}

func (r messages) Delete(_ context.Context, chatID, id uuid.UUID) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	m, ok := r.s.d.messages[id]
	if !ok || m.ChatID != chatID {
		return notFound("message")
	}
	delete(r.s.d.messages, id)
	return nil
}

// ---- settings ----

type settings struct{ s *Store }

func (r settings) Get(_ context.Context, key string) (json.RawMessage, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	v, ok := r.s.d.settings[key]
	if !ok {
		return nil, notFound("setting")
	}
	return v, nil
}

func (r settings) Put(_ context.Context, key string, value json.RawMessage) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.d.settings[key] = append(json.RawMessage(nil), value...)
	return nil
}

// ---- templates ----

type templates struct{ s *Store }

func (r templates) List(_ context.Context) ([]model.Template, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []model.Template
	for _, t := range r.s.d.templates {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Title < out[j].Title })
	return out, nil
}

func (r templates) GetByID(_ context.Context, id uuid.UUID) (model.Template, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	t, ok := r.s.d.templates[id]
	if !ok {
		return model.Template{}, notFound("template")
	}
	return t, nil
}

func (r templates) Create(_ context.Context, t *model.Template) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	t.CreatedAt = r.s.now()
	t.UpdatedAt = t.CreatedAt
	r.s.d.templates[t.ID] = *t
	return nil
}

func (r templates) Update(_ context.Context, t *model.Template) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	old, ok := r.s.d.templates[t.ID]
	if !ok {
		return notFound("template")
	}
	t.CreatedAt = old.CreatedAt
	t.UpdatedAt = r.s.now()
	r.s.d.templates[t.ID] = *t
	return nil
}

func (r templates) Delete(_ context.Context, id uuid.UUID) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.d.templates[id]; !ok {
		return notFound("template")
	}
	delete(r.s.d.templates, id)
	return nil
}

// ---- broadcasts ----

type broadcasts struct{ s *Store }

func (r broadcasts) Create(_ context.Context, b *model.Broadcast) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if b.ID == uuid.Nil {
		b.ID = uuid.New()
	}
	if len(b.TargetStatuses) == 0 {
		b.TargetStatuses = []string{"all"}
	}
	if b.Status == "" {
		b.Status = model.BroadcastPending
	}
	b.CreatedAt = r.s.now()
	r.s.d.broadcasts[b.ID] = *b
	return nil
}

func (r broadcasts) GetByID(_ context.Context, id uuid.UUID) (model.Broadcast, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	b, ok := r.s.d.broadcasts[id]
	if !ok {
		return model.Broadcast{}, notFound("broadcast")
	}
	return b, nil
}

func (r broadcasts) List(_ context.Context, limit int) ([]model.Broadcast, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []model.Broadcast
	for _, b := range r.s.d.broadcasts {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r broadcasts) claim(b model.Broadcast, now time.Time) model.Broadcast {
	b.Status = model.BroadcastInProgress
	if b.StartedAt == nil {
		b.StartedAt = &now
	}
	r.s.d.broadcasts[b.ID] = b
	return b
}

func (r broadcasts) Claim(_ context.Context, id uuid.UUID, now time.Time) (model.Broadcast, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	b, ok := r.s.d.broadcasts[id]
	if !ok || b.Status != model.BroadcastPending {
		return model.Broadcast{}, notFound("pending broadcast")
	}
	return r.claim(b, now), nil
}

func (r broadcasts) ClaimNext(_ context.Context, now time.Time) (model.Broadcast, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var next *model.Broadcast
	for _, b := range r.s.d.broadcasts {
		if b.Status != model.BroadcastPending {
			continue
		}
		if next == nil || b.CreatedAt.Before(next.CreatedAt) {
			b := b
			next = &b
		}
	}
	if next == nil {
		return model.Broadcast{}, notFound("pending broadcast")
	}
	return r.claim(*next, now), nil
}

func (r broadcasts) RequeueInProgress(_ context.Context) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var n int64
	for id, b := range r.s.d.broadcasts {
		if b.Status == model.BroadcastInProgress {
			b.Status = model.BroadcastPending
			r.s.d.broadcasts[id] = b
			n++
		}
	}
	return n, nil
}

func (r broadcasts) RecordDelivery(_ context.Context, broadcastID, chatID uuid.UUID, ok bool) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	ledger := r.s.d.deliveries[broadcastID]
	if ledger == nil {
		ledger = make(map[uuid.UUID]bool)
		r.s.d.deliveries[broadcastID] = ledger
	}
	if _, dup := ledger[chatID]; dup {
		return false, nil
	}
	ledger[chatID] = ok
	return true, nil
}

func (r broadcasts) DeliveredChatIDs(_ context.Context, broadcastID uuid.UUID) (map[uuid.UUID]bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	out := make(map[uuid.UUID]bool)
	for id := range r.s.d.deliveries[broadcastID] {
		out[id] = true
	}
	return out, nil
}

func (r broadcasts) DeliveryStats(_ context.Context, broadcastID uuid.UUID) (int, int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var sent, failed int
	for _, ok := range r.s.d.deliveries[broadcastID] {
		if ok {
			sent++
		} else {
			failed++
		}
	}
	return sent, failed, nil
}

func (r broadcasts) Complete(_ context.Context, id uuid.UUID, stats model.BroadcastStats, now time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	b, ok := r.s.d.broadcasts[id]
	if !ok {
		return notFound("broadcast")
	}
	b.Status = model.BroadcastCompleted
	b.Stats = stats
	b.CompletedAt = &now
	r.s.d.broadcasts[id] = b
	return nil
}
