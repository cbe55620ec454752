package login

import (
	"encoding/json"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"forgemud/internal/conn"
	"forgemud/internal/store"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestValidName(t *testing.T) {
	for name, want := range map[string]bool{
		"Bob":              true,
		"testhero":         true,
		"Ab":               false,
		"toolongnameforthis": false,
		"with space":       false,
		"d1git":            false,
		"":                 false,
	} {
		if got := ValidName(name); got != want {
			t.Errorf("ValidName(%q) = %v, want %v", name, got, want)
		}
	}
}

func TestCanonicalName(t *testing.T) {
	if got := CanonicalName("tEstHero"); got != "Testhero" {
		t.Errorf("CanonicalName = %q", got)
	}
}

func TestPasswordRoundTrip(t *testing.T) {
	hash, salt, err := HashPassword("hunter22")
	if err != nil {
		t.Fatal(err)
	}
	if len(hash) != scryptKeyLen || len(salt) != scryptSaltLen {
		t.Errorf("hash/salt sizes: %d/%d", len(hash), len(salt))
	}
	if !VerifyPassword("hunter22", hash, salt) {
		t.Error("correct password rejected")
	}
	if VerifyPassword("hunter23", hash, salt) {
		t.Error("wrong password accepted")
	}
}

func TestTokenStore(t *testing.T) {
	ts := NewTokenStore(time.Minute)
	now := time.Unix(1000, 0)
	ts.now = func() time.Time { return now }

	tok, expires := ts.Issue("Testhero")
	if !expires.Equal(now.Add(time.Minute)) {
		t.Errorf("expiry = %v, want %v", expires, now.Add(time.Minute))
	}
	name, ok := ts.Redeem(tok)
	if !ok || name != "Testhero" {
		t.Fatalf("Redeem = %q, %v", name, ok)
	}
	// Single use.
	if _, ok := ts.Redeem(tok); ok {
		t.Error("token redeemed twice")
	}

	tok, _ = ts.Issue("Testhero")
	now = now.Add(2 * time.Minute)
	if _, ok := ts.Redeem(tok); ok {
		t.Error("expired token redeemed")
	}

	tok, _ = ts.Issue("Testhero")
	ts.Revoke("Testhero")
	if _, ok := ts.Redeem(tok); ok {
		t.Error("revoked token redeemed")
	}
}

// memTransport is an in-memory line transport for flow tests.
type memTransport struct {
	mu      sync.Mutex
	inbound chan string
	written []string
	closed  bool
}

func newMemTransport() *memTransport {
	return &memTransport{inbound: make(chan string, 64)}
}

func (m *memTransport) ReadLine() (string, error) {
	line, ok := <-m.inbound
	if !ok {
		return "", io.EOF
	}
	return line, nil
}

func (m *memTransport) WriteLine(line string) error {
	m.mu.Lock()
	m.written = append(m.written, line)
	m.mu.Unlock()
	return nil
}

func (m *memTransport) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		close(m.inbound)
	}
	return nil
}

func (m *memTransport) RemoteAddr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 4000}
}

func (m *memTransport) output() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return strings.Join(m.written, "\n")
}

// fakeBinder records the handoff.
type fakeBinder struct {
	mu       sync.Mutex
	entered  string
	isNew    bool
	isFirst  bool
	online   map[string]bool
	tookOver string
}

func (b *fakeBinder) EnterWorld(s *conn.Session, acct *store.AccountRecord, isNew, isFirst bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entered = acct.Name
	b.isNew = isNew
	b.isFirst = isFirst
}

func (b *fakeBinder) IsOnline(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.online[name]
}

func (b *fakeBinder) Takeover(s *conn.Session, acct *store.AccountRecord) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tookOver = acct.Name
}

func newTestDaemon(t *testing.T) (*Daemon, *store.AccountStore, *fakeBinder) {
	t.Helper()
	accounts, err := store.NewAccountStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	binder := &fakeBinder{online: make(map[string]bool)}
	d := New(accounts, NewTokenStore(time.Minute), binder, "Welcome to ForgeMUD.", 3, nil)
	return d, accounts, binder
}

func startFlow(t *testing.T, d *Daemon) (*memTransport, *conn.Session) {
	t.Helper()
	tr := newMemTransport()
	s := conn.NewSession(tr, nil, 0, nil)
	d.Adopt(s)
	s.Start(0)
	t.Cleanup(s.Close)
	return tr, s
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestFlow_Registration(t *testing.T) {
	d, accounts, binder := newTestDaemon(t)
	tr, _ := startFlow(t, d)

	for _, line := range []string{"testhero", "hunter22", "hunter22", "", "male"} {
		tr.inbound <- line
	}

	waitFor(t, func() bool {
		binder.mu.Lock()
		defer binder.mu.Unlock()
		return binder.entered != ""
	})

	binder.mu.Lock()
	if binder.entered != "Testhero" || !binder.isNew || !binder.isFirst {
		t.Errorf("handoff = %q new=%v first=%v", binder.entered, binder.isNew, binder.isFirst)
	}
	binder.mu.Unlock()

	acct, err := accounts.Load("testhero")
	if err != nil {
		t.Fatal(err)
	}
	if !VerifyPassword("hunter22", acct.PasswordHash, acct.Salt) {
		t.Error("stored hash does not verify")
	}
	if acct.Gender != "male" {
		t.Errorf("gender = %q", acct.Gender)
	}
	session, ok := lastFrame(tr, "\x00[SESSION]")
	if !ok {
		t.Fatal("no session token issued")
	}
	if session["type"] != "session_token" || session["token"] == "" || session["expiresAt"] == nil {
		t.Errorf("SESSION frame = %v", session)
	}
}

// A brand-new player types a fresh name, picks a password, confirms it,
// gives an email and answers the gender menu numerically. The first
// account on the mud comes out an administrator candidate.
func TestFlow_FirstCharacterCreation(t *testing.T) {
	d, accounts, binder := newTestDaemon(t)
	tr, _ := startFlow(t, d)

	for _, line := range []string{"TestHero", "password123", "password123", "test@example.com", "1"} {
		tr.inbound <- line
	}

	waitFor(t, func() bool {
		binder.mu.Lock()
		defer binder.mu.Unlock()
		return binder.entered != ""
	})

	binder.mu.Lock()
	if binder.entered != "Testhero" || !binder.isNew || !binder.isFirst {
		t.Errorf("handoff = %q new=%v first=%v", binder.entered, binder.isNew, binder.isFirst)
	}
	binder.mu.Unlock()

	acct, err := accounts.Load("Testhero")
	if err != nil {
		t.Fatal(err)
	}
	if acct.Gender != "male" {
		t.Errorf("gender = %q, want male", acct.Gender)
	}
	if acct.Email != "test@example.com" {
		t.Errorf("email = %q", acct.Email)
	}
	if !VerifyPassword("password123", acct.PasswordHash, acct.Salt) {
		t.Error("stored hash does not verify")
	}
	if !strings.Contains(tr.output(), "No such character. Creating Testhero.") {
		t.Errorf("missing creation notice:\n%s", tr.output())
	}
}

func TestFlow_SecondAccountNotFirst(t *testing.T) {
	d, accounts, binder := newTestDaemon(t)
	hash, salt, _ := HashPassword("password1")
	if err := accounts.Save(&store.AccountRecord{Name: "Elder", PasswordHash: hash, Salt: salt}); err != nil {
		t.Fatal(err)
	}

	tr, _ := startFlow(t, d)
	for _, line := range []string{"newbie", "hunter22", "hunter22", "", "neutral"} {
		tr.inbound <- line
	}
	waitFor(t, func() bool {
		binder.mu.Lock()
		defer binder.mu.Unlock()
		return binder.entered != ""
	})
	binder.mu.Lock()
	defer binder.mu.Unlock()
	if binder.isFirst {
		t.Error("second account flagged as first")
	}
}

// One wrong password earns the exact refusal line and a fresh prompt;
// the right password on the next try still gets in.
func TestFlow_WrongPasswordRetry(t *testing.T) {
	d, accounts, binder := newTestDaemon(t)
	hash, salt, _ := HashPassword("correcthorse")
	if err := accounts.Save(&store.AccountRecord{Name: "Testhero", PasswordHash: hash, Salt: salt}); err != nil {
		t.Fatal(err)
	}

	tr, _ := startFlow(t, d)
	tr.inbound <- "TestHero"
	tr.inbound <- "wrongpassword"
	tr.inbound <- "correcthorse"

	waitFor(t, func() bool {
		binder.mu.Lock()
		defer binder.mu.Unlock()
		return binder.entered == "Testhero"
	})
	if !strings.Contains(tr.output(), "Incorrect password.") {
		t.Errorf("missing refusal line:\n%s", tr.output())
	}
}

func TestFlow_WrongPasswordDisconnects(t *testing.T) {
	d, accounts, binder := newTestDaemon(t)
	hash, salt, _ := HashPassword("correcthorse")
	if err := accounts.Save(&store.AccountRecord{Name: "Testhero", PasswordHash: hash, Salt: salt}); err != nil {
		t.Fatal(err)
	}

	tr, s := startFlow(t, d)
	tr.inbound <- "testhero"
	for i := 0; i < 3; i++ {
		tr.inbound <- "wrongpass"
	}

	<-s.Done()
	if !strings.Contains(tr.output(), "Too many failed attempts.") {
		t.Errorf("missing lockout message:\n%s", tr.output())
	}
	binder.mu.Lock()
	defer binder.mu.Unlock()
	if binder.entered != "" {
		t.Error("entered world despite bad password")
	}
}

func TestFlow_LegacyPasswordUpgrade(t *testing.T) {
	d, accounts, binder := newTestDaemon(t)
	if err := accounts.Save(&store.AccountRecord{Name: "Oldtimer", LegacyPassword: "plaintext1"}); err != nil {
		t.Fatal(err)
	}

	tr, _ := startFlow(t, d)
	tr.inbound <- "oldtimer"
	tr.inbound <- "plaintext1"

	waitFor(t, func() bool {
		binder.mu.Lock()
		defer binder.mu.Unlock()
		return binder.entered == "Oldtimer"
	})

	acct, err := accounts.Load("oldtimer")
	if err != nil {
		t.Fatal(err)
	}
	if acct.LegacyPassword != "" {
		t.Error("legacy password not cleared")
	}
	if !VerifyPassword("plaintext1", acct.PasswordHash, acct.Salt) {
		t.Error("upgraded hash does not verify")
	}
}

func TestFlow_TakeoverWhenOnline(t *testing.T) {
	d, accounts, binder := newTestDaemon(t)
	hash, salt, _ := HashPassword("correcthorse")
	if err := accounts.Save(&store.AccountRecord{Name: "Testhero", PasswordHash: hash, Salt: salt}); err != nil {
		t.Fatal(err)
	}
	binder.online["Testhero"] = true

	tr, _ := startFlow(t, d)
	tr.inbound <- "testhero"
	tr.inbound <- "correcthorse"

	waitFor(t, func() bool {
		binder.mu.Lock()
		defer binder.mu.Unlock()
		return binder.tookOver == "Testhero"
	})
	binder.mu.Lock()
	defer binder.mu.Unlock()
	if binder.entered != "" {
		t.Error("EnterWorld called for a takeover")
	}
}

func authFrame(req map[string]any) string {
	data, _ := json.Marshal(req)
	return "\x00[AUTH_REQ]" + string(data)
}

// lastFrame finds the most recent frame with the given subchannel
// prefix and decodes its body.
func lastFrame(tr *memTransport, prefix string) (map[string]any, bool) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	for i := len(tr.written) - 1; i >= 0; i-- {
		if strings.HasPrefix(tr.written[i], prefix) {
			var body map[string]any
			if err := json.Unmarshal([]byte(tr.written[i][len(prefix):]), &body); err == nil {
				return body, true
			}
		}
	}
	return nil, false
}

func lastAuthResult(tr *memTransport) (map[string]any, bool) {
	return lastFrame(tr, "\x00[AUTH]")
}

func TestAuthReq_LoginSuccess(t *testing.T) {
	d, accounts, binder := newTestDaemon(t)
	hash, salt, _ := HashPassword("correcthorse")
	if err := accounts.Save(&store.AccountRecord{Name: "Testhero", PasswordHash: hash, Salt: salt}); err != nil {
		t.Fatal(err)
	}

	tr, _ := startFlow(t, d)
	tr.inbound <- authFrame(map[string]any{"type": "login", "name": "testhero", "password": "correcthorse"})

	waitFor(t, func() bool {
		binder.mu.Lock()
		defer binder.mu.Unlock()
		return binder.entered == "Testhero"
	})
	body, ok := lastAuthResult(tr)
	if !ok || body["success"] != true {
		t.Errorf("AUTH result = %v", body)
	}
}

func TestAuthReq_ErrorCodes(t *testing.T) {
	d, accounts, _ := newTestDaemon(t)
	hash, salt, _ := HashPassword("correcthorse")
	if err := accounts.Save(&store.AccountRecord{Name: "Testhero", PasswordHash: hash, Salt: salt}); err != nil {
		t.Fatal(err)
	}

	cases := []struct {
		req  map[string]any
		code string
	}{
		{map[string]any{"type": "login", "name": "nobody", "password": "x"}, CodeUserNotFound},
		{map[string]any{"type": "login", "name": "testhero", "password": "wrong"}, CodeInvalidCredentials},
		{map[string]any{"type": "register", "name": "testhero", "password": "hunter22"}, CodeNameTaken},
		{map[string]any{"type": "register", "name": "x", "password": "hunter22"}, CodeValidationError},
		{map[string]any{"type": "register", "name": "newbie", "password": "hunter22", "confirm_password": "hunter23"}, CodeValidationError},
	}
	for _, tc := range cases {
		tr, _ := startFlow(t, d)
		tr.inbound <- authFrame(tc.req)
		waitFor(t, func() bool {
			_, ok := lastAuthResult(tr)
			return ok
		})
		body, _ := lastAuthResult(tr)
		if body["success"] != false || body["error_code"] != tc.code {
			t.Errorf("req %v: reply = %v, want error_code %s", tc.req, body, tc.code)
		}
		if tc.code == CodeUserNotFound && body["requires_registration"] != true {
			t.Errorf("req %v: missing requires_registration in %v", tc.req, body)
		}
	}
}

// A stale or bogus resume token is answered on the SESSION subchannel so
// the client falls back to the credential flow.
func TestAuthReq_BadTokenSessionInvalid(t *testing.T) {
	d, _, binder := newTestDaemon(t)
	tr, _ := startFlow(t, d)
	tr.inbound <- authFrame(map[string]any{"type": "token", "token": "bogus"})

	waitFor(t, func() bool {
		_, ok := lastFrame(tr, "\x00[SESSION]")
		return ok
	})
	body, _ := lastFrame(tr, "\x00[SESSION]")
	if body["type"] != "session_invalid" {
		t.Errorf("SESSION frame = %v", body)
	}
	binder.mu.Lock()
	defer binder.mu.Unlock()
	if binder.entered != "" {
		t.Error("entered world on a bad token")
	}
}

func TestAuthReq_TokenReconnect(t *testing.T) {
	d, accounts, binder := newTestDaemon(t)
	hash, salt, _ := HashPassword("correcthorse")
	if err := accounts.Save(&store.AccountRecord{Name: "Testhero", PasswordHash: hash, Salt: salt}); err != nil {
		t.Fatal(err)
	}
	tok, _ := d.Tokens().Issue("Testhero")

	tr, _ := startFlow(t, d)
	tr.inbound <- authFrame(map[string]any{"type": "token", "token": tok})

	waitFor(t, func() bool {
		binder.mu.Lock()
		defer binder.mu.Unlock()
		return binder.entered == "Testhero"
	})
}
