package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	logx "opscron/pkg/logx"
)

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.breadcrumbs.jsonl      (append-only JSON Lines)
//   - <prefix>.lastrun.snapshot.json  (periodic snapshot)
//   - <prefix>.lastrun.journal.jsonl  (append-only journal)
//   - <prefix>.dedup.snapshot.json
//   - <prefix>.dedup.journal.jsonl
//
// Journals are periodically compacted into their snapshot.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	crumbPath string
	crumbFile *os.File

	lastRun *journaledMap
	dedup   *journaledMap
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	crumbPath := prefix + ".breadcrumbs.jsonl"
	cf, err := os.OpenFile(crumbPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}

	lastRun, err := openJournaledMap(prefix+".lastrun", false)
	if err != nil {
		_ = cf.Close()
		return nil, err
	}
	dedup, err := openJournaledMap(prefix+".dedup", true)
	if err != nil {
		_ = cf.Close()
		_ = lastRun.close()
		return nil, err
	}

	return &fileStore{
		log:       log,
		crumbPath: crumbPath,
		crumbFile: cf,
		lastRun:   lastRun,
		dedup:     dedup,
	}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	if s.crumbFile != nil {
		errs = append(errs, s.crumbFile.Close())
		s.crumbFile = nil
	}
	errs = append(errs, s.lastRun.close(), s.dedup.close())
	return errors.Join(errs...)
}

func (s *fileStore) PersistLastRun(_ context.Context, job string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.putLocked(s.lastRun, job, at)
}

func (s *fileStore) LastRun(_ context.Context, job string) (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastRun.get(job)
}

func (s *fileStore) PutDedup(_ context.Context, key string, until time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.putLocked(s.dedup, key, until)
}

func (s *fileStore) GetDedup(_ context.Context, key string) (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dedup.get(key)
}

func (s *fileStore) putLocked(m *journaledMap, key string, at time.Time) error {
	if err := m.put(key, at); err != nil {
		return err
	}
	if m.compactErr != nil {
		s.log.Debug("journal compact failed", logx.Err(m.compactErr))
		m.compactErr = nil
	}
	return nil
}

func (s *fileStore) AppendBreadcrumb(_ context.Context, b Breadcrumb) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.crumbFile == nil {
		return ErrClosed
	}
	return json.NewEncoder(s.crumbFile).Encode(b)
}

func (s *fileStore) RecentBreadcrumbs(ctx context.Context, job string, limit int) ([]Breadcrumb, error) {
	limit = normLimit(limit)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.crumbFile == nil {
		return nil, ErrClosed
	}

	f, err := os.Open(s.crumbPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	// Ring of the newest matches.
	ring := make([]Breadcrumb, 0, limit)
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var b Breadcrumb
		if err := json.Unmarshal(sc.Bytes(), &b); err != nil {
			continue
		}
		if job != "" && b.Job != job {
			continue
		}
		if len(ring) == limit {
			ring = append(ring[:0], ring[1:]...)
		}
		ring = append(ring, b)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}

	out := make([]Breadcrumb, len(ring))
	for i := range ring {
		out[i] = ring[len(ring)-1-i]
	}
	return out, nil
}

// journaledMap is a string -> unix-milli map persisted as snapshot + journal.
type journaledMap struct {
	snapshotPath string
	journal      *os.File
	m            map[string]int64
	writes       int
	expiring     bool
	compactErr   error
}

type journalRecord struct {
	Key string `json:"key"`
	At  int64  `json:"at"`
}

func openJournaledMap(prefix string, expiring bool) (*journaledMap, error) {
	jm := &journaledMap{
		snapshotPath: prefix + ".snapshot.json",
		m:            map[string]int64{},
		expiring:     expiring,
	}
	_ = loadSnapshot(jm.snapshotPath, jm.m)
	_ = replayJournal(prefix+".journal.jsonl", jm.m)
	jm.prune()

	jf, err := os.OpenFile(prefix+".journal.jsonl", os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	jm.journal = jf
	return jm, nil
}

func (j *journaledMap) get(key string) (time.Time, bool, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return time.Time{}, false, nil
	}
	ms, ok := j.m[key]
	if !ok {
		return time.Time{}, false, nil
	}
	return time.UnixMilli(ms), true, nil
}

// put appends a record. A failed compaction is kept in compactErr and does not fail the write.
func (j *journaledMap) put(key string, at time.Time) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil
	}
	if j.journal == nil {
		return ErrClosed
	}
	ms := at.UnixMilli()
	j.m[key] = ms
	if err := json.NewEncoder(j.journal).Encode(journalRecord{Key: key, At: ms}); err != nil {
		return err
	}
	j.writes++
	if j.writes%1000 == 0 {
		j.compactErr = j.compact()
	}
	return nil
}

func (j *journaledMap) compact() error {
	j.prune()
	tmp := j.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(j.m); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, j.snapshotPath); err != nil {
		return err
	}
	if err := j.journal.Truncate(0); err != nil {
		return err
	}
	_, err = j.journal.Seek(0, 2)
	return err
}

func (j *journaledMap) prune() {
	if !j.expiring {
		return
	}
	now := time.Now().UnixMilli()
	for k, v := range j.m {
		if v < now {
			delete(j.m, k)
		}
	}
}

func (j *journaledMap) close() error {
	if j == nil || j.journal == nil {
		return nil
	}
	err := j.journal.Close()
	j.journal = nil
	return err
}

func loadSnapshot(path string, out map[string]int64) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var m map[string]int64
	if err := json.NewDecoder(f).Decode(&m); err != nil {
		return err
	}
	for k, v := range m {
		out[k] = v
	}
	return nil
}

func replayJournal(path string, out map[string]int64) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	s := bufio.NewScanner(f)
	for s.Scan() {
		var r journalRecord
		if err := json.Unmarshal(s.Bytes(), &r); err != nil {
			continue
		}
		if r.Key == "" {
			continue
		}
		out[r.Key] = r.At
	}
	return s.Err()
}
