package store

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

func TestPlayerStore_RoundTrip(t *testing.T) {
	ps, err := NewPlayerStore(t.TempDir(), nil)
	if err != nil {
		t.Fatal(err)
	}

	rec := &PlayerRecord{
		Name:     "Testhero",
		Location: "/areas/town/square",
		State: SavedState{Properties: map[string]any{
			"hp":    float64(100),
			"title": "the Brave",
		}},
		Inventory: []string{"/std/sword", "/std/lantern"},
	}
	if err := ps.Save(rec); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := ps.Load("testhero") // case-insensitive
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	// name, location and state.properties are byte-identical; savedAt is
	// stamped on save and excluded from the comparison.
	if diff := cmp.Diff(rec, got, cmpopts.IgnoreFields(PlayerRecord{}, "SavedAt")); diff != "" {
		t.Errorf("round-trip mismatch (-want +got):\n%s", diff)
	}
	if got.SavedAt.IsZero() {
		t.Error("savedAt not stamped")
	}
}

func TestPlayerStore_NotFound(t *testing.T) {
	ps, _ := NewPlayerStore(t.TempDir(), nil)
	if _, err := ps.Load("ghost"); !errors.Is(err, ErrPlayerNotFound) {
		t.Errorf("Expected ErrPlayerNotFound, got %v", err)
	}
	if ps.Exists("ghost") {
		t.Error("Exists should be false for missing player")
	}
}

func TestPlayerStore_List(t *testing.T) {
	ps, _ := NewPlayerStore(t.TempDir(), nil)
	for _, n := range []string{"Zed", "Amy", "Mid"} {
		if err := ps.Save(&PlayerRecord{Name: n}); err != nil {
			t.Fatal(err)
		}
	}
	names, err := ps.List()
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"amy", "mid", "zed"}, names); diff != "" {
		t.Errorf("List (-want +got):\n%s", diff)
	}
}

func TestAccountStore_RoundTripAndCount(t *testing.T) {
	as, err := NewAccountStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if as.Count() != 0 {
		t.Errorf("fresh store count = %d", as.Count())
	}

	rec := &AccountRecord{
		Name:         "Testhero",
		PasswordHash: []byte{1, 2, 3},
		Salt:         []byte{4, 5, 6},
		Email:        "test@example.com",
		Gender:       "male",
	}
	if err := as.Save(rec); err != nil {
		t.Fatal(err)
	}
	if as.Count() != 1 {
		t.Errorf("count after save = %d", as.Count())
	}

	got, err := as.Load("TESTHERO")
	if err != nil {
		t.Fatal(err)
	}
	if got.Email != "test@example.com" || string(got.PasswordHash) != string(rec.PasswordHash) {
		t.Errorf("account fields lost: %+v", got)
	}
}

func TestKV_CRUD(t *testing.T) {
	kv, err := NewKV(t.TempDir(), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer kv.Close()

	if err := kv.Save("guild", "warriors", `{"members":3}`); err != nil {
		t.Fatalf("Save: %v", err)
	}
	v, err := kv.Load("guild", "warriors")
	if err != nil || v != `{"members":3}` {
		t.Fatalf("Load: %v %q", err, v)
	}

	// Last write wins.
	if err := kv.Save("guild", "warriors", `{"members":4}`); err != nil {
		t.Fatal(err)
	}
	v, _ = kv.Load("guild", "warriors")
	if v != `{"members":4}` {
		t.Errorf("overwrite lost: %q", v)
	}

	_ = kv.Save("guild", "mages", `{}`)
	_ = kv.Save("quest", "dragon", `{}`)

	keys, err := kv.ListKeys("guild")
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"mages", "warriors"}, keys); diff != "" {
		t.Errorf("ListKeys (-want +got):\n%s", diff)
	}

	if err := kv.Delete("guild", "warriors"); err != nil {
		t.Fatal(err)
	}
	if _, err := kv.Load("guild", "warriors"); !errors.Is(err, ErrKeyNotFound) {
		t.Errorf("Expected ErrKeyNotFound after delete, got %v", err)
	}
	// Deleting a missing key is fine.
	if err := kv.Delete("guild", "warriors"); err != nil {
		t.Errorf("second delete errored: %v", err)
	}
}
