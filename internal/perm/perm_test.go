package perm

import (
	"fmt"
	"testing"
)

func TestWritePolicy(t *testing.T) {
	m := New(nil, 0)
	m.SetLevel("Admin", Administrator)
	m.SetLevel("Senior", SeniorBuilder)
	m.SetLevel("Bob", Builder)
	m.AddDomain("Bob", "/areas/castle/")
	m.SetLevel("Pleb", Player)

	sub := func(s string) *string { return &s }

	tests := []struct {
		subject *string
		path    string
		want    bool
	}{
		{nil, "/std/object.go", true},                    // driver bypasses everything
		{sub("Admin"), "/std/object.go", true},           // administrator bypasses protection
		{sub("Admin"), "/master.go", true},
		{sub("Senior"), "/lib/string_utils.go", true},    // shared library root
		{sub("Senior"), "/areas/castle/room.go", false},  // not their domain, not /lib/
		{sub("Senior"), "/std/object.go", false},         // protected
		{sub("Bob"), "/areas/castle/room.go", true},      // own domain
		{sub("Bob"), "/areas/forest/room.go", false},     // not their domain
		{sub("Bob"), "/std/object.go", false},            // protected beats domain
		{sub("Pleb"), "/areas/castle/room.go", false},    // players never write
		{sub("nobody"), "/lib/x.go", false},              // unknown subject is a player
	}
	for _, tc := range tests {
		name := "driver"
		if tc.subject != nil {
			name = *tc.subject
		}
		if got := m.CanWrite(tc.subject, tc.path); got != tc.want {
			t.Errorf("CanWrite(%s, %s) = %v, want %v", name, tc.path, got, tc.want)
		}
	}
}

func TestProtectedDomainOverlap(t *testing.T) {
	m := New(nil, 0)
	// A builder granted a domain that encompasses a protected prefix still
	// cannot write under it.
	m.SetLevel("greedy", Builder)
	m.AddDomain("greedy", "/")

	s := "greedy"
	if m.CanWrite(&s, "/std/object.go") {
		t.Error("protected prefix writable through encompassing domain")
	}
	if !m.CanWrite(&s, "/areas/anywhere.go") {
		t.Error("unprotected path under domain should be writable")
	}
}

func TestCaseNormalization(t *testing.T) {
	m := New(nil, 0)
	m.SetLevel("TestHero", Administrator)

	if m.LevelOf("testhero") != Administrator {
		t.Error("subject names should be case-normalized")
	}
	if m.LevelOf("TESTHERO") != Administrator {
		t.Error("subject names should be case-normalized")
	}
}

func TestAuditLog_RecordsChecks(t *testing.T) {
	m := New(nil, 16)
	m.SetLevel("bob", Builder)
	m.AddDomain("bob", "/areas/castle/")

	s := "bob"
	m.CanWrite(&s, "/areas/castle/room.ts")
	m.CanWrite(&s, "/std/object.ts")

	log := m.AuditLog()
	var writes []AuditEntry
	for _, e := range log {
		if e.Action == ActionWrite {
			writes = append(writes, e)
		}
	}
	if len(writes) != 2 {
		t.Fatalf("expected 2 write audit entries, got %d", len(writes))
	}
	if !writes[0].Success || writes[0].Target != "/areas/castle/room.ts" {
		t.Errorf("first write entry wrong: %+v", writes[0])
	}
	if writes[1].Success || writes[1].Target != "/std/object.ts" {
		t.Errorf("second write entry wrong: %+v", writes[1])
	}
}

func TestAuditLog_BoundedEviction(t *testing.T) {
	m := New(nil, 8)
	for i := 0; i < 20; i++ {
		m.CanRead(nil, fmt.Sprintf("/file%d", i))
	}
	log := m.AuditLog()
	if len(log) != 8 {
		t.Fatalf("expected 8 entries after eviction, got %d", len(log))
	}
	if log[0].Target != "/file12" || log[7].Target != "/file19" {
		t.Errorf("oldest entries not evicted: first=%s last=%s", log[0].Target, log[7].Target)
	}
}

func TestSnapshotRestore(t *testing.T) {
	m := New(nil, 0)
	m.SetLevel("bob", Builder)
	m.AddDomain("bob", "/areas/castle/")
	m.SetLevel("eve", SeniorBuilder)

	m2 := New(nil, 0)
	m2.Restore(m.Snapshot())

	if m2.LevelOf("bob") != Builder {
		t.Error("level lost in round-trip")
	}
	d := m2.DomainsOf("bob")
	if len(d) != 1 || d[0] != "/areas/castle/" {
		t.Errorf("domains lost in round-trip: %v", d)
	}
	if m2.LevelOf("eve") != SeniorBuilder {
		t.Error("second grant lost")
	}
}

func TestParseLevel(t *testing.T) {
	for _, tc := range []struct {
		in   string
		want Level
		ok   bool
	}{
		{"player", Player, true},
		{"Builder", Builder, true},
		{"senior_builder", SeniorBuilder, true},
		{"admin", Administrator, true},
		{"administrator", Administrator, true},
		{"wizard", Player, false},
	} {
		got, ok := ParseLevel(tc.in)
		if got != tc.want || ok != tc.ok {
			t.Errorf("ParseLevel(%q) = %v,%v want %v,%v", tc.in, got, ok, tc.want, tc.ok)
		}
	}
}
