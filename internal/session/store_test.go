package session

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"echo-transcript/internal/history"
)

func snapshotWith(t *testing.T, texts ...string) history.Snapshot {
	t.Helper()
	st := history.NewState()
	for _, text := range texts {
		if _, err := st.Insert(UserMessage(text)); err != nil {
			t.Fatal(err)
		}
	}
	return st.Snapshot()
}

func TestFileStoreSaveLoadList(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	dir := t.TempDir()
	clock := time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC)
	s := &FileStore{Dir: dir, Now: func() time.Time { return clock }}

	a, err := s.Save(ctx, Record{Workdir: "/a", Snapshot: snapshotWith(t, "fix the flaky test", "and lint")})
	if err != nil {
		t.Fatalf("Save a: %v", err)
	}
	clock = clock.Add(time.Minute)
	b, err := s.Save(ctx, Record{Workdir: "/b", Snapshot: snapshotWith(t, "write docs")})
	if err != nil {
		t.Fatalf("Save b: %v", err)
	}
	if a.ID == "" || a.Revision == "" || a.Title != "fix the flaky test" {
		t.Fatalf("a = %+v", a)
	}

	got, err := s.Load(ctx, a.ID)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(got.Snapshot.Records) != 2 || got.Workdir != "/a" || !got.Updated.Equal(a.Updated) {
		t.Fatalf("loaded = %+v", got)
	}

	all, err := s.List(ctx, "")
	if err != nil || len(all) != 2 || all[0].ID != b.ID {
		t.Fatalf("List all = %+v, %v", all, err)
	}
	onlyA, err := s.List(ctx, "/a")
	if err != nil || len(onlyA) != 1 || onlyA[0].ID != a.ID || onlyA[0].Records != 2 {
		t.Fatalf("List /a = %+v, %v", onlyA, err)
	}
	latest, err := s.Latest(ctx, "/a")
	if err != nil || latest.ID != a.ID {
		t.Fatalf("Latest /a = %+v, %v", latest, err)
	}

	// Saving again keeps the id and issues a new revision.
	clock = clock.Add(time.Minute)
	again, err := s.Save(ctx, got)
	if err != nil || again.ID != a.ID || again.Revision == a.Revision {
		t.Fatalf("resave = %+v, %v", again, err)
	}
	if latest, _ := s.Latest(ctx, ""); latest.ID != a.ID {
		t.Fatalf("latest after resave = %s", latest.ID)
	}
}

func TestFileStoreErrors(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	dir := t.TempDir()
	s := NewFileStore(dir)

	if _, err := s.Load(ctx, "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Load missing = %v", err)
	}
	if _, err := s.Load(ctx, "../escape"); err == nil || errors.Is(err, ErrNotFound) {
		t.Fatalf("Load traversal = %v", err)
	}
	if _, err := s.Latest(ctx, ""); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Latest empty = %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "broken.json"), []byte("{"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Load(ctx, "broken"); !errors.Is(err, history.ErrCorruptSnapshot) {
		t.Fatalf("Load broken = %v", err)
	}
	if infos, err := s.List(ctx, ""); err != nil || len(infos) != 0 {
		t.Fatalf("List should skip broken files: %+v, %v", infos, err)
	}
	if _, err := (&FileStore{}).Save(ctx, Record{}); err == nil {
		t.Fatalf("empty dir should fail")
	}
	if infos, err := NewFileStore(filepath.Join(dir, "missing")).List(ctx, ""); err != nil || infos != nil {
		t.Fatalf("List missing dir = %+v, %v", infos, err)
	}
}

func TestTitle(t *testing.T) {
	t.Parallel()

	long := "a very long first prompt that goes on and on well past the sixty rune limit"
	tests := []struct {
		snap history.Snapshot
		want string
	}{
		{snapshotWith(t), ""},
		{snapshotWith(t, "\n  \nsecond line wins"), "second line wins"},
		{snapshotWith(t, long), string([]rune(long)[:60]) + "…"},
	}
	for _, tt := range tests {
		if got := Title(tt.snap); got != tt.want {
			t.Fatalf("Title = %q want %q", got, tt.want)
		}
	}
}
