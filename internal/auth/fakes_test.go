package auth

import (
	"context"
	"strconv"
	"sync"
	"time"

	"crm-auth/internal/device"
)

// fakeStore is an in-memory Store for service tests.
type fakeStore struct {
	mu sync.Mutex

	users         map[string]User // by id
	verifications map[string]struct {
		token     string
		expiresAt time.Time
	} // by user id
	resets map[string]struct {
		userID    string
		expiresAt time.Time
	} // by token
	codes map[string]struct {
		code      string
		expiresAt time.Time
	} // by user id + purpose

	nextID int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		users: make(map[string]User),
		verifications: make(map[string]struct {
			token     string
			expiresAt time.Time
		}),
		resets: make(map[string]struct {
			userID    string
			expiresAt time.Time
		}),
		codes: make(map[string]struct {
			code      string
			expiresAt time.Time
		}),
	}
}

func (f *fakeStore) codeKey(userID string, purpose TwoFactorPurpose) string {
	return userID + "/" + string(purpose)
}

func (f *fakeStore) CreateUser(_ context.Context, email, passwordHash, verificationToken string, verificationExpiry time.Time) (User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, u := range f.users {
		if u.Email == email {
			return User{}, ErrEmailTaken
		}
	}

	f.nextID++
	user := User{
		ID:           "user-" + strconv.Itoa(f.nextID),
		Email:        email,
		PasswordHash: passwordHash,
		CreatedAt:    time.Now().UTC(),
		UpdatedAt:    time.Now().UTC(),
	}
	f.users[user.ID] = user
	f.verifications[user.ID] = struct {
		token     string
		expiresAt time.Time
	}{verificationToken, verificationExpiry}

	return user, nil
}

func (f *fakeStore) GetUserByEmail(_ context.Context, email string) (User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, u := range f.users {
		if u.Email == email {
			return u, nil
		}
	}
	return User{}, ErrNotFound
}

func (f *fakeStore) GetUserByID(_ context.Context, id string) (User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	u, ok := f.users[id]
	if !ok {
		return User{}, ErrNotFound
	}
	return u, nil
}

func (f *fakeStore) MarkEmailVerified(_ context.Context, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	u, ok := f.users[userID]
	if !ok {
		return ErrNotFound
	}
	u.IsVerified = true
	f.users[userID] = u
	delete(f.verifications, userID)
	return nil
}

func (f *fakeStore) FindEmailVerification(_ context.Context, userID, token string) (time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	v, ok := f.verifications[userID]
	if !ok || v.token != token {
		return time.Time{}, ErrNotFound
	}
	return v.expiresAt, nil
}

func (f *fakeStore) UpsertEmailVerification(_ context.Context, userID, token string, expiresAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.verifications[userID] = struct {
		token     string
		expiresAt time.Time
	}{token, expiresAt}
	return nil
}

func (f *fakeStore) UpsertPasswordReset(_ context.Context, userID, token string, expiresAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	for existing, r := range f.resets {
		if r.userID == userID {
			delete(f.resets, existing)
		}
	}
	f.resets[token] = struct {
		userID    string
		expiresAt time.Time
	}{userID, expiresAt}
	return nil
}

func (f *fakeStore) GetPasswordResetByToken(_ context.Context, token string) (string, time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	r, ok := f.resets[token]
	if !ok {
		return "", time.Time{}, ErrNotFound
	}
	return r.userID, r.expiresAt, nil
}

func (f *fakeStore) UpdatePasswordAndDeleteReset(_ context.Context, userID, passwordHash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	u, ok := f.users[userID]
	if !ok {
		return ErrNotFound
	}
	u.PasswordHash = passwordHash
	f.users[userID] = u
	for token, r := range f.resets {
		if r.userID == userID {
			delete(f.resets, token)
		}
	}
	return nil
}

func (f *fakeStore) UpdatePassword(_ context.Context, userID, passwordHash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	u, ok := f.users[userID]
	if !ok {
		return ErrNotFound
	}
	u.PasswordHash = passwordHash
	f.users[userID] = u
	return nil
}

func (f *fakeStore) SetTwoFactorEnabled(_ context.Context, userID string, enabled bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	u, ok := f.users[userID]
	if !ok {
		return ErrNotFound
	}
	u.IsTwoFactorEnabled = enabled
	f.users[userID] = u
	if !enabled {
		for key := range f.codes {
			delete(f.codes, key)
		}
	}
	return nil
}

func (f *fakeStore) ReplaceTwoFactorCode(_ context.Context, userID string, purpose TwoFactorPurpose, code string, expiresAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.codes[f.codeKey(userID, purpose)] = struct {
		code      string
		expiresAt time.Time
	}{code, expiresAt}
	return nil
}

func (f *fakeStore) ConsumeTwoFactorCode(_ context.Context, userID, code string, purpose TwoFactorPurpose) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	key := f.codeKey(userID, purpose)
	c, ok := f.codes[key]
	if !ok || c.code != code || time.Now().UTC().After(c.expiresAt) {
		return ErrInvalidOrExpiredCode
	}
	delete(f.codes, key)
	return nil
}

// activeCode exposes the last issued code so tests can complete flows
// without intercepting mail.
func (f *fakeStore) activeCode(userID string, purpose TwoFactorPurpose) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.codes[f.codeKey(userID, purpose)].code
}

// fakeSessions is an in-memory SessionStore.
type fakeSessions struct {
	mu sync.Mutex

	sessions map[string]Session
	tokens   map[string]string // session id -> token hash

	nextID int
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{
		sessions: make(map[string]Session),
		tokens:   make(map[string]string),
	}
}

func (f *fakeSessions) FindSessionByRefreshToken(_ context.Context, userID, tokenHash string) (Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for id, hash := range f.tokens {
		s := f.sessions[id]
		if hash == tokenHash && s.UserID == userID && s.ExpiresAt.After(time.Now().UTC()) {
			return s, nil
		}
	}
	return Session{}, ErrNotFound
}

func (f *fakeSessions) FindSessionByFingerprint(_ context.Context, userID, ipAddress string, d device.Info) (Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, s := range f.sessions {
		if s.UserID == userID && s.IPAddress == ipAddress &&
			s.DeviceType == d.Type && s.Browser == d.Browser && s.OS == d.OS &&
			s.ExpiresAt.After(time.Now().UTC()) {
			return s, nil
		}
	}
	return Session{}, ErrNotFound
}

func (f *fakeSessions) RotateRefreshToken(_ context.Context, sessionID, newTokenHash string, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.sessions[sessionID]; !ok {
		return ErrNotFound
	}
	f.tokens[sessionID] = newTokenHash
	s := f.sessions[sessionID]
	s.LastUsedAt = time.Now().UTC()
	f.sessions[sessionID] = s
	return nil
}

func (f *fakeSessions) CreateSession(_ context.Context, session Session, tokenHash string, _ time.Time) (Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.nextID++
	session.ID = "session-" + strconv.Itoa(f.nextID)
	session.CreatedAt = time.Now().UTC()
	session.LastUsedAt = session.CreatedAt
	f.sessions[session.ID] = session
	f.tokens[session.ID] = tokenHash
	return session, nil
}

func (f *fakeSessions) ListSessions(_ context.Context, userID string) ([]SessionInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []SessionInfo
	for _, s := range f.sessions {
		if s.UserID != userID {
			continue
		}
		out = append(out, SessionInfo{
			ID:         s.ID,
			IPAddress:  s.IPAddress,
			UserAgent:  s.UserAgent,
			DeviceType: s.DeviceType,
			DeviceName: s.DeviceName,
			Browser:    s.Browser,
			OS:         s.OS,
			LastUsedAt: s.LastUsedAt,
			CreatedAt:  s.CreatedAt,
		})
	}
	return out, nil
}

func (f *fakeSessions) DeleteSession(_ context.Context, userID, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	s, ok := f.sessions[sessionID]
	if !ok || s.UserID != userID {
		return ErrNotFound
	}
	delete(f.sessions, sessionID)
	delete(f.tokens, sessionID)
	return nil
}

func (f *fakeSessions) DeleteSessionByRefreshToken(_ context.Context, userID, tokenHash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	for id, hash := range f.tokens {
		if hash == tokenHash && f.sessions[id].UserID == userID {
			delete(f.sessions, id)
			delete(f.tokens, id)
			return nil
		}
	}
	return ErrNotFound
}

func (f *fakeSessions) DeleteAllSessions(_ context.Context, userID string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var count int64
	for id, s := range f.sessions {
		if s.UserID == userID {
			delete(f.sessions, id)
			delete(f.tokens, id)
			count++
		}
	}
	return count, nil
}

func (f *fakeSessions) count(userID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	n := 0
	for _, s := range f.sessions {
		if s.UserID == userID {
			n++
		}
	}
	return n
}

// recordingMailer captures dispatched mail instead of sending it.
type recordingMailer struct {
	mu sync.Mutex

	verifications []string // tokens
	codes         []string
	resets        []string // tokens
	failNext      error
}

func (m *recordingMailer) SendVerificationEmail(_ context.Context, _, _, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failNext != nil {
		err := m.failNext
		m.failNext = nil
		return err
	}
	m.verifications = append(m.verifications, token)
	return nil
}

func (m *recordingMailer) SendTwoFactorEmail(_ context.Context, _, code string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failNext != nil {
		err := m.failNext
		m.failNext = nil
		return err
	}
	m.codes = append(m.codes, code)
	return nil
}

func (m *recordingMailer) SendPasswordResetEmail(_ context.Context, _, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failNext != nil {
		err := m.failNext
		m.failNext = nil
		return err
	}
	m.resets = append(m.resets, token)
	return nil
}

func (m *recordingMailer) lastVerificationToken() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.verifications) == 0 {
		return ""
	}
	return m.verifications[len(m.verifications)-1]
}

func (m *recordingMailer) lastResetToken() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.resets) == 0 {
		return ""
	}
	return m.resets[len(m.resets)-1]
}

func (m *recordingMailer) lastCode() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.codes) == 0 {
		return ""
	}
	return m.codes[len(m.codes)-1]
}

// testEnv wires a Service over the fakes with fast token lifetimes.
type testEnv struct {
	service  *Service
	store    *fakeStore
	sessions *fakeSessions
	mailer   *recordingMailer
	minter   *Minter
}

func newTestEnv() *testEnv {
	store := newFakeStore()
	sessions := newFakeSessions()
	mailer := &recordingMailer{}
	minter := NewMinter("access-secret", "refresh-secret")

	return &testEnv{
		service:  NewService(store, sessions, minter, mailer),
		store:    store,
		sessions: sessions,
		mailer:   mailer,
		minter:   minter,
	}
}

// registerVerified registers and verifies a user in one step.
func (e *testEnv) registerVerified(t interface {
	Helper()
	Fatalf(string, ...any)
}, email, password string) User {
	t.Helper()

	ctx := context.Background()
	user, err := e.service.Register(ctx, email, password)
	if err != nil {
		t.Fatalf("Register error: %v", err)
	}
	verified, err := e.service.VerifyEmail(ctx, user.ID, e.mailer.lastVerificationToken())
	if err != nil {
		t.Fatalf("VerifyEmail error: %v", err)
	}
	return verified
}
