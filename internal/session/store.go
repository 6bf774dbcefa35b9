package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"echo-transcript/internal/history"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// ErrNotFound 表示会话不存在。
var ErrNotFound = errors.New("session: not found")

// Record 是一份持久化的对话快照。
type Record struct {
	ID       string           `json:"id"`
	Workdir  string           `json:"workdir,omitempty"`
	Title    string           `json:"title,omitempty"`
	Revision string           `json:"revision,omitempty"`
	Updated  time.Time        `json:"updated"`
	Snapshot history.Snapshot `json:"snapshot"`
}

// Info 是 List 返回的摘要，不带快照内容。
type Info struct {
	ID       string
	Workdir  string
	Title    string
	Revision string
	Updated  time.Time
	Records  int
}

func (r Record) info() Info {
	return Info{
		ID:       r.ID,
		Workdir:  r.Workdir,
		Title:    r.Title,
		Revision: r.Revision,
		Updated:  r.Updated,
		Records:  len(r.Snapshot.Records),
	}
}

// SnapshotStore persists transcript snapshots.
//
// Save assigns ID (when empty), Revision and Updated and returns the stored record.
// Latest and List filter by workdir unless workdir is empty.
type SnapshotStore interface {
	Save(ctx context.Context, rec Record) (Record, error)
	Load(ctx context.Context, id string) (Record, error)
	Latest(ctx context.Context, workdir string) (Record, error)
	List(ctx context.Context, workdir string) ([]Info, error)
}

func stamp(rec Record, now time.Time) Record {
	if strings.TrimSpace(rec.ID) == "" {
		rec.ID = uuid.NewString()
	}
	rec.Revision = ulid.Make().String()
	rec.Updated = now.UTC()
	if rec.Title == "" {
		rec.Title = Title(rec.Snapshot)
	}
	return rec
}

// Title 取第一条用户消息的首行作为会话标题。
func Title(snap history.Snapshot) string {
	for _, e := range snap.Records {
		pm, ok := e.Record.(history.PlainMessage)
		if !ok || pm.Role != history.RoleUser {
			continue
		}
		for _, l := range pm.Lines {
			line := strings.TrimSpace(history.SpansText(l.Spans))
			if line == "" {
				continue
			}
			if r := []rune(line); len(r) > 60 {
				line = string(r[:60]) + "…"
			}
			return line
		}
	}
	return ""
}

// FileStore keeps one JSON file per session under Dir.
type FileStore struct {
	Dir string
	Now func() time.Time
}

// NewFileStore returns a FileStore rooted at dir.
func NewFileStore(dir string) *FileStore {
	return &FileStore{Dir: dir}
}

func (s *FileStore) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *FileStore) ensureDir() (string, error) {
	if s == nil || strings.TrimSpace(s.Dir) == "" {
		return "", errors.New("session: store dir is empty")
	}
	if err := os.MkdirAll(s.Dir, 0o755); err != nil {
		return "", err
	}
	return s.Dir, nil
}

func (s *FileStore) path(id string) (string, error) {
	if id == "" || id != filepath.Base(id) || strings.HasPrefix(id, ".") {
		return "", fmt.Errorf("session: invalid id %q", id)
	}
	return filepath.Join(s.Dir, id+".json"), nil
}

// Save 写入快照。先写临时文件再 rename，避免半截文件。
func (s *FileStore) Save(ctx context.Context, rec Record) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}
	if _, err := s.ensureDir(); err != nil {
		return Record{}, err
	}
	rec = stamp(rec, s.now())
	path, err := s.path(rec.ID)
	if err != nil {
		return Record{}, err
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return Record{}, err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return Record{}, err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return Record{}, err
	}
	return rec, nil
}

func (s *FileStore) Load(ctx context.Context, id string) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}
	path, err := s.path(id)
	if err != nil {
		return Record{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Record{}, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return Record{}, err
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, fmt.Errorf("%w: %s: %v", history.ErrCorruptSnapshot, id, err)
	}
	return rec, nil
}

func (s *FileStore) Latest(ctx context.Context, workdir string) (Record, error) {
	infos, err := s.List(ctx, workdir)
	if err != nil {
		return Record{}, err
	}
	if len(infos) == 0 {
		return Record{}, ErrNotFound
	}
	return s.Load(ctx, infos[0].ID)
}

func (s *FileStore) listIDs() ([]string, error) {
	entries, err := os.ReadDir(s.Dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		ids = append(ids, trimExt(e.Name()))
	}
	return ids, nil
}

func trimExt(name string) string {
	return name[:len(name)-len(filepath.Ext(name))]
}

// List 按更新时间倒序返回会话摘要。损坏的文件被跳过。
func (s *FileStore) List(ctx context.Context, workdir string) ([]Info, error) {
	ids, err := s.listIDs()
	if err != nil {
		return nil, err
	}
	var out []Info
	for _, id := range ids {
		rec, err := s.Load(ctx, id)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			continue
		}
		if workdir == "" || rec.Workdir == "" || samePath(rec.Workdir, workdir) {
			out = append(out, rec.info())
		}
	}
	sortInfos(out)
	return out, nil
}

func sortInfos(infos []Info) {
	sort.SliceStable(infos, func(i, j int) bool {
		if infos[i].Updated.Equal(infos[j].Updated) {
			return infos[i].Revision > infos[j].Revision
		}
		return infos[i].Updated.After(infos[j].Updated)
	})
}

func samePath(a, b string) bool {
	if a == b {
		return true
	}
	absA, errA := filepath.Abs(a)
	absB, errB := filepath.Abs(b)
	if errA != nil || errB != nil {
		return a == b
	}
	return absA == absB
}
