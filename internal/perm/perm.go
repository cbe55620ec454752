// Package perm implements the level/domain write policy and the bounded
// audit log. A nil subject means an internal driver action and is treated
// as Administrator.
package perm

import (
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Level is a monotonically increasing permission level.
type Level int

const (
	Player Level = iota
	Builder
	SeniorBuilder
	Administrator
)

func (l Level) String() string {
	switch l {
	case Player:
		return "player"
	case Builder:
		return "builder"
	case SeniorBuilder:
		return "senior_builder"
	case Administrator:
		return "administrator"
	default:
		return "unknown"
	}
}

// ParseLevel maps a stored level name back to a Level.
func ParseLevel(s string) (Level, bool) {
	switch strings.ToLower(s) {
	case "player":
		return Player, true
	case "builder":
		return Builder, true
	case "senior_builder", "seniorbuilder":
		return SeniorBuilder, true
	case "administrator", "admin":
		return Administrator, true
	}
	return Player, false
}

// Grant is the stored permission record for one subject.
type Grant struct {
	Subject string   `json:"subject"`
	Level   Level    `json:"level"`
	Domains []string `json:"domains,omitempty"`
}

// Action is the audited operation kind.
type Action string

const (
	ActionRead   Action = "read"
	ActionWrite  Action = "write"
	ActionGrant  Action = "grant"
	ActionRevoke Action = "revoke"
)

// AuditEntry is one record in the bounded in-memory audit log.
type AuditEntry struct {
	Timestamp time.Time `json:"ts"`
	Subject   string    `json:"subject"`
	Action    Action    `json:"action"`
	Target    string    `json:"target"`
	Success   bool      `json:"success"`
}

// SharedLibraryRoot is writable by SeniorBuilder and above.
const SharedLibraryRoot = "/lib/"

// DefaultProtectedPrefixes block writes for everyone below Administrator,
// even Builders whose domain encompasses them.
var DefaultProtectedPrefixes = []string{
	"/std/", "/core/", "/daemon/", "/master", "/simul_efun",
}

// Manager holds the grants, the protected prefix set, and the audit ring.
type Manager struct {
	mu        sync.RWMutex
	logger    *zap.Logger
	grants    map[string]*Grant // key: normalized subject name
	protected []string
	audit     []AuditEntry
	auditCap  int
	auditHead int
	auditLen  int
}

// New creates a manager with the default protected prefixes and an audit
// ring of capacity auditCap (default 4096 when <= 0).
func New(logger *zap.Logger, auditCap int) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if auditCap <= 0 {
		auditCap = 4096
	}
	return &Manager{
		logger:    logger.Named("perm"),
		grants:    make(map[string]*Grant),
		protected: append([]string(nil), DefaultProtectedPrefixes...),
		audit:     make([]AuditEntry, auditCap),
		auditCap:  auditCap,
	}
}

func normalize(subject string) string {
	return strings.ToLower(strings.TrimSpace(subject))
}

// SetLevel installs or updates a subject's level.
func (m *Manager) SetLevel(subject string, level Level) {
	key := normalize(subject)
	m.mu.Lock()
	g, ok := m.grants[key]
	if !ok {
		g = &Grant{Subject: key}
		m.grants[key] = g
	}
	g.Level = level
	m.mu.Unlock()
	m.record(key, ActionGrant, level.String(), true)
}

// LevelOf returns the subject's level; unknown subjects are Players.
func (m *Manager) LevelOf(subject string) Level {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if g, ok := m.grants[normalize(subject)]; ok {
		return g.Level
	}
	return Player
}

// AddDomain grants a subject write access under a path prefix.
func (m *Manager) AddDomain(subject, prefix string) {
	key := normalize(subject)
	m.mu.Lock()
	g, ok := m.grants[key]
	if !ok {
		g = &Grant{Subject: key}
		m.grants[key] = g
	}
	g.Domains = append(g.Domains, prefix)
	m.mu.Unlock()
	m.record(key, ActionGrant, prefix, true)
}

// RemoveDomain revokes a domain prefix.
func (m *Manager) RemoveDomain(subject, prefix string) {
	key := normalize(subject)
	m.mu.Lock()
	if g, ok := m.grants[key]; ok {
		for i, d := range g.Domains {
			if d == prefix {
				g.Domains = append(g.Domains[:i], g.Domains[i+1:]...)
				break
			}
		}
	}
	m.mu.Unlock()
	m.record(key, ActionRevoke, prefix, true)
}

// DomainsOf returns a copy of the subject's domain prefixes.
func (m *Manager) DomainsOf(subject string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if g, ok := m.grants[normalize(subject)]; ok {
		return append([]string(nil), g.Domains...)
	}
	return nil
}

// CanRead reports whether subject may read path. Anyone may read any
// non-secret path; secrecy is the store's concern, not the policy's.
func (m *Manager) CanRead(subject *string, path string) bool {
	name := "driver"
	if subject != nil {
		name = normalize(*subject)
	}
	m.record(name, ActionRead, path, true)
	return true
}

// CanWrite applies the write policy: Administrator always; SeniorBuilder
// under the shared library root; Builder under an owned domain unless the
// path is protected. A nil subject is the driver itself.
func (m *Manager) CanWrite(subject *string, path string) bool {
	if subject == nil {
		m.record("driver", ActionWrite, path, true)
		return true
	}
	name := normalize(*subject)

	m.mu.RLock()
	level := Player
	var domains []string
	if g, ok := m.grants[name]; ok {
		level = g.Level
		domains = g.Domains
	}
	protected := m.isProtectedLocked(path)
	m.mu.RUnlock()

	ok := false
	switch {
	case level == Administrator:
		ok = true
	case protected:
		ok = false
	case level == SeniorBuilder && strings.HasPrefix(path, SharedLibraryRoot):
		ok = true
	case level >= Builder:
		for _, d := range domains {
			if strings.HasPrefix(path, d) {
				ok = true
				break
			}
		}
	}

	m.record(name, ActionWrite, path, ok)
	return ok
}

func (m *Manager) isProtectedLocked(path string) bool {
	for _, p := range m.protected {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}

// IsProtected reports whether path falls under a protected prefix.
func (m *Manager) IsProtected(path string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.isProtectedLocked(path)
}

// record appends to the audit ring, evicting the oldest entry when full.
func (m *Manager) record(subject string, action Action, target string, success bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	idx := (m.auditHead + m.auditLen) % m.auditCap
	m.audit[idx] = AuditEntry{
		Timestamp: time.Now(),
		Subject:   subject,
		Action:    action,
		Target:    target,
		Success:   success,
	}
	if m.auditLen < m.auditCap {
		m.auditLen++
	} else {
		m.auditHead = (m.auditHead + 1) % m.auditCap
	}
}

// AuditLog returns the audit entries oldest-first.
func (m *Manager) AuditLog() []AuditEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]AuditEntry, 0, m.auditLen)
	for i := 0; i < m.auditLen; i++ {
		out = append(out, m.audit[(m.auditHead+i)%m.auditCap])
	}
	return out
}

// Snapshot returns every grant, for persistence.
func (m *Manager) Snapshot() []Grant {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Grant, 0, len(m.grants))
	for _, g := range m.grants {
		cp := *g
		cp.Domains = append([]string(nil), g.Domains...)
		out = append(out, cp)
	}
	return out
}

// Restore replaces the grant table from persisted records.
func (m *Manager) Restore(grants []Grant) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.grants = make(map[string]*Grant, len(grants))
	for _, g := range grants {
		cp := g
		cp.Subject = normalize(g.Subject)
		m.grants[cp.Subject] = &cp
	}
}
