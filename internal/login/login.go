package login

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"forgemud/internal/conn"
	"forgemud/internal/store"
)

// Binder is the driver's side of the handoff. Once a session has
// authenticated, the daemon hands it over and is done with it.
type Binder interface {
	// EnterWorld binds a session to a character. isNew marks a freshly
	// created account; isFirst marks the very first account on this mud.
	EnterWorld(s *conn.Session, acct *store.AccountRecord, isNew, isFirst bool)
	// IsOnline reports whether the character is already in the world.
	IsOnline(name string) bool
	// Takeover rebinds an online character to a new session, dropping the
	// old link.
	Takeover(s *conn.Session, acct *store.AccountRecord)
}

// Auth error codes carried on the AUTH subchannel.
const (
	CodeInvalidCredentials = "invalid_credentials"
	CodeUserNotFound       = "user_not_found"
	CodeNameTaken          = "name_taken"
	CodeValidationError    = "validation_error"
	CodeSessionInvalid     = "session_invalid"
)

type state int

const (
	stateName state = iota
	statePassword
	stateNewPassword
	stateConfirmPassword
	stateEmail
	stateGender
	stateDone
)

// Daemon runs the login flow for every new session.
type Daemon struct {
	accounts    *store.AccountStore
	tokens      *TokenStore
	binder      Binder
	log         *zap.Logger
	greeting    string
	maxAttempts int
}

// New creates a login daemon. maxAttempts bounds failed password tries
// before disconnect; zero means three.
func New(accounts *store.AccountStore, tokens *TokenStore, binder Binder, greeting string, maxAttempts int, log *zap.Logger) *Daemon {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Daemon{
		accounts:    accounts,
		tokens:      tokens,
		binder:      binder,
		log:         log,
		greeting:    greeting,
		maxAttempts: maxAttempts,
	}
}

// Tokens exposes the reconnect token store.
func (d *Daemon) Tokens() *TokenStore { return d.tokens }

// Adopt takes ownership of a fresh session and starts the flow.
func (d *Daemon) Adopt(s *conn.Session) {
	f := &flow{d: d, s: s, state: stateName}
	s.SetOwner(f)
	if d.greeting != "" {
		s.SendLine(d.greeting)
	}
	s.SendLine("What is your name?")
}

// flow is the per-session login state machine. All methods run on the
// session's read goroutine, so no locking is needed.
type flow struct {
	d     *Daemon
	s     *conn.Session
	state state

	name     string
	acct     *store.AccountRecord
	password string
	email    string
	attempts int
}

func (f *flow) OnDisconnect(*conn.Session) {
	f.state = stateDone
}

func (f *flow) OnLine(s *conn.Session, line string) {
	line = strings.TrimSpace(line)
	switch f.state {
	case stateName:
		f.handleName(line)
	case statePassword:
		f.handlePassword(line)
	case stateNewPassword:
		f.handleNewPassword(line)
	case stateConfirmPassword:
		f.handleConfirmPassword(line)
	case stateEmail:
		f.handleEmail(line)
	case stateGender:
		f.handleGender(line)
	}
}

func (f *flow) handleName(line string) {
	if !ValidName(line) {
		f.s.SendLine("Names are 3 to 16 letters. What is your name?")
		return
	}
	f.name = CanonicalName(line)
	_, err := f.d.accounts.Load(f.name)
	switch {
	case err == nil:
		f.state = statePassword
		f.s.SendLine("Password:")
	case errors.Is(err, store.ErrAccountNotFound):
		f.state = stateNewPassword
		f.s.SendLine(fmt.Sprintf("No such character. Creating %s.", f.name))
		f.s.SendLine("Choose a password (6 characters or more):")
	default:
		f.d.log.Error("account load failed", zap.String("name", f.name), zap.Error(err))
		f.s.SendLine("Something went wrong. Try again later.")
		f.s.Close()
	}
}

func (f *flow) handlePassword(line string) {
	acct, err := f.d.accounts.Load(f.name)
	if err != nil {
		f.s.SendLine("Something went wrong. Try again later.")
		f.s.Close()
		return
	}
	if !f.verify(acct, line) {
		f.attempts++
		if f.attempts >= f.d.maxAttempts {
			f.s.SendLine("Too many failed attempts.")
			f.s.Close()
			return
		}
		f.s.SendLine("Incorrect password.")
		f.s.SendLine("Password:")
		return
	}
	f.finish(acct, false)
}

// verify checks a password and transparently upgrades legacy plaintext
// records to scrypt on first successful use.
func (f *flow) verify(acct *store.AccountRecord, password string) bool {
	if acct.LegacyPassword != "" {
		if acct.LegacyPassword != password {
			return false
		}
		hash, salt, err := HashPassword(password)
		if err == nil {
			acct.PasswordHash = hash
			acct.Salt = salt
			acct.LegacyPassword = ""
			if err := f.d.accounts.Save(acct); err != nil {
				f.d.log.Warn("legacy password upgrade not persisted",
					zap.String("name", acct.Name), zap.Error(err))
			} else {
				f.d.log.Info("legacy password upgraded", zap.String("name", acct.Name))
			}
		}
		return true
	}
	return VerifyPassword(password, acct.PasswordHash, acct.Salt)
}

func (f *flow) handleNewPassword(line string) {
	if len(line) < minPasswordLen {
		f.s.SendLine("Too short. Choose a password (6 characters or more):")
		return
	}
	f.password = line
	f.state = stateConfirmPassword
	f.s.SendLine("Again, to confirm:")
}

func (f *flow) handleConfirmPassword(line string) {
	if line != f.password {
		f.password = ""
		f.state = stateNewPassword
		f.s.SendLine("They don't match. Choose a password (6 characters or more):")
		return
	}
	f.state = stateEmail
	f.s.SendLine("Email address (optional, press return to skip):")
}

func (f *flow) handleEmail(line string) {
	if line != "" && !strings.Contains(line, "@") {
		f.s.SendLine("That doesn't look like an email. Again (or press return to skip):")
		return
	}
	f.email = line
	f.state = stateGender
	f.s.SendLine("Gender? (male/female/neutral)")
}

func (f *flow) handleGender(line string) {
	gender, ok := parseGender(line)
	if !ok {
		f.s.SendLine("Please answer male, female or neutral (or 1, 2, 3).")
		return
	}
	f.create(f.name, f.password, f.email, gender)
}

// parseGender accepts the words and their classic numeric menu forms.
func parseGender(line string) (string, bool) {
	switch strings.ToLower(line) {
	case "male", "1":
		return "male", true
	case "female", "2":
		return "female", true
	case "neutral", "3":
		return "neutral", true
	}
	return "", false
}

// create registers the account and enters the world. The name is
// re-checked at write time; another session may have claimed it during
// this flow.
func (f *flow) create(name, password, email, gender string) {
	if _, err := f.d.accounts.Load(name); err == nil {
		f.s.SendLine("That name was just taken. What is your name?")
		f.state = stateName
		return
	}
	hash, salt, err := HashPassword(password)
	if err != nil {
		f.d.log.Error("password hash failed", zap.Error(err))
		f.s.SendLine("Something went wrong. Try again later.")
		f.s.Close()
		return
	}
	isFirst := f.d.accounts.Count() == 0
	acct := &store.AccountRecord{
		Name:         name,
		PasswordHash: hash,
		Salt:         salt,
		Email:        email,
		Gender:       gender,
		CreatedAt:    time.Now(),
	}
	if err := f.d.accounts.Save(acct); err != nil {
		f.d.log.Error("account save failed", zap.String("name", name), zap.Error(err))
		f.s.SendLine("Something went wrong. Try again later.")
		f.s.Close()
		return
	}
	f.d.log.Info("character created",
		zap.String("name", name), zap.Bool("first", isFirst),
		zap.String("remote", f.s.RemoteAddr()))
	f.enter(acct, true, isFirst)
}

func (f *flow) finish(acct *store.AccountRecord, isNew bool) {
	f.enter(acct, isNew, false)
}

func (f *flow) enter(acct *store.AccountRecord, isNew, isFirst bool) {
	f.state = stateDone
	acct.LastLoginAt = time.Now()
	if err := f.d.accounts.Save(acct); err != nil {
		f.d.log.Warn("last login stamp not persisted", zap.String("name", acct.Name), zap.Error(err))
	}

	token, expires := f.d.tokens.Issue(acct.Name)
	f.s.SendFrame(conn.TagSession, map[string]any{
		"type":      "session_token",
		"token":     token,
		"name":      acct.Name,
		"expiresAt": expires.UnixMilli(),
	})

	if f.d.binder.IsOnline(acct.Name) {
		f.s.SendLine("Reconnecting to your existing character.")
		f.d.binder.Takeover(f.s, acct)
		return
	}
	f.d.binder.EnterWorld(f.s, acct, isNew, isFirst)
}

// authRequest is the structured client-driven flow. GUI clients skip the
// prompts entirely.
type authRequest struct {
	Type            string `json:"type"`
	Name            string `json:"name"`
	Password        string `json:"password"`
	ConfirmPassword string `json:"confirm_password"`
	Email           string `json:"email"`
	Gender          string `json:"gender"`
	Token           string `json:"token"`
}

func (f *flow) OnFrame(s *conn.Session, tag conn.Tag, payload json.RawMessage) {
	if tag != conn.TagAuthReq {
		return
	}
	if f.state == stateDone {
		return
	}
	var req authRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		f.reject(CodeValidationError, "malformed auth request")
		return
	}
	switch req.Type {
	case "login":
		f.authLogin(&req)
	case "register":
		f.authRegister(&req)
	case "token":
		f.authToken(&req)
	default:
		f.reject(CodeValidationError, fmt.Sprintf("unknown auth type %q", req.Type))
	}
}

func (f *flow) authLogin(req *authRequest) {
	if !ValidName(req.Name) {
		f.reject(CodeValidationError, "names are 3 to 16 letters")
		return
	}
	name := CanonicalName(req.Name)
	acct, err := f.d.accounts.Load(name)
	if errors.Is(err, store.ErrAccountNotFound) {
		f.reject(CodeUserNotFound, "no such character")
		return
	}
	if err != nil {
		f.reject(CodeValidationError, "storage error")
		return
	}
	f.name = name
	if !f.verify(acct, req.Password) {
		f.attempts++
		if f.attempts >= f.d.maxAttempts {
			f.reject(CodeInvalidCredentials, "too many failed attempts")
			f.s.Close()
			return
		}
		f.reject(CodeInvalidCredentials, "wrong password")
		return
	}
	f.accept(name)
	f.finish(acct, false)
}

func (f *flow) authRegister(req *authRequest) {
	if !ValidName(req.Name) {
		f.reject(CodeValidationError, "names are 3 to 16 letters")
		return
	}
	name := CanonicalName(req.Name)
	if _, err := f.d.accounts.Load(name); err == nil {
		f.reject(CodeNameTaken, "that name is taken")
		return
	}
	if len(req.Password) < minPasswordLen {
		f.reject(CodeValidationError, "password must be 6 characters or more")
		return
	}
	if req.ConfirmPassword != "" && req.ConfirmPassword != req.Password {
		f.reject(CodeValidationError, "passwords do not match")
		return
	}
	gender := "neutral"
	if req.Gender != "" {
		var ok bool
		if gender, ok = parseGender(req.Gender); !ok {
			f.reject(CodeValidationError, "gender must be male, female or neutral")
			return
		}
	}
	f.name = name
	f.accept(name)
	f.create(name, req.Password, req.Email, gender)
}

func (f *flow) authToken(req *authRequest) {
	name, ok := f.d.tokens.Redeem(req.Token)
	if !ok {
		f.sessionInvalid()
		return
	}
	acct, err := f.d.accounts.Load(name)
	if err != nil {
		f.sessionInvalid()
		return
	}
	f.name = name
	f.accept(name)
	f.finish(acct, false)
}

func (f *flow) accept(name string) {
	f.s.SendFrame(conn.TagAuth, map[string]any{"success": true, "name": name})
}

func (f *flow) reject(code, msg string) {
	frame := map[string]any{"success": false, "error": msg, "error_code": code}
	if code == CodeUserNotFound {
		frame["requires_registration"] = true
	}
	f.s.SendFrame(conn.TagAuth, frame)
}

// sessionInvalid answers an expired or unknown resume token on the
// SESSION subchannel; the client falls back to a fresh login.
func (f *flow) sessionInvalid() {
	f.s.SendFrame(conn.TagSession, map[string]any{"type": "session_invalid"})
}
