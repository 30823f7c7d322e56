package sqlitestate

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/securecheckio/rules-engine/internal/domain/matchstate"
)

func openTest(t *testing.T) *Provider {
	t.Helper()
	p, err := Open(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { p.Close() })
	return p
}

func TestGetMissReturnsNilNil(t *testing.T) {
	p := openTest(t)
	tuple := matchstate.Tuple{TokenID: "t", ConversationID: "c"}
	state, err := p.Get(context.Background(), tuple)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if state != nil {
		t.Fatalf("expected nil for miss")
	}
}

func TestSaveThenGetRoundTrips(t *testing.T) {
	p := openTest(t)
	tuple := matchstate.Tuple{TokenID: "t", ConversationID: "c"}
	want := matchstate.New(tuple, 5000)
	want.Flags["flagged"] = true

	if err := p.Save(context.Background(), want); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	got, err := p.Get(context.Background(), tuple)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got == nil || got.ID != want.ID || !got.Flags["flagged"] {
		t.Fatalf("round-tripped state mismatch: got %+v", got)
	}
}

func TestSaveUpserts(t *testing.T) {
	p := openTest(t)
	tuple := matchstate.Tuple{TokenID: "t", ConversationID: "c"}

	s1 := matchstate.New(tuple, 0)
	p.Save(context.Background(), s1)

	s2 := s1.Clone()
	s2.Flags["x"] = true
	if err := p.Save(context.Background(), s2); err != nil {
		t.Fatalf("Save() update error = %v", err)
	}

	got, err := p.Get(context.Background(), tuple)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if !got.Flags["x"] {
		t.Fatalf("expected upsert to overwrite prior row")
	}
}

func TestPurgeExpiredDeletesOldRows(t *testing.T) {
	p := openTest(t)
	tuple := matchstate.Tuple{TokenID: "t", ConversationID: "c"}
	s := matchstate.New(tuple, 0)
	s.ExpiresAt = 100
	p.Save(context.Background(), s)

	n, err := p.PurgeExpired(context.Background(), 200)
	if err != nil {
		t.Fatalf("PurgeExpired() error = %v", err)
	}
	if n != 1 {
		t.Fatalf("PurgeExpired() = %d, want 1", n)
	}

	got, _ := p.Get(context.Background(), tuple)
	if got != nil {
		t.Fatalf("expected row to be purged")
	}
}
