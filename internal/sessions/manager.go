package sessions

import (
	"bufio"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/gofrs/flock"

	"github.com/nanobot-ai/nanobot/internal/bus"
	"github.com/nanobot-ai/nanobot/internal/errs"
)

// Turn is one appended conversation record.
type Turn struct {
	Role    string                `json:"role"`
	Content string                `json:"content"`
	TS      time.Time             `json:"ts"`
	Media   []bus.MediaDescriptor `json:"media,omitempty"`
}

// Settings are mutable per-session settings, last-writer-wins.
type Settings struct {
	Model             string `json:"model,omitempty"`
	Verbosity         string `json:"verbosity,omitempty"`
	RestrictWorkspace bool   `json:"restrict_workspace"`
	SenderID          string `json:"sender_id,omitempty"`
}

// Session is the in-memory view of one session_key's history + settings.
type Session struct {
	Key      string
	Turns    []Turn
	Settings Settings
	Updated  time.Time
}

// Info is a lightweight descriptor returned by List.
type Info struct {
	Key       string    `json:"key"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Store is the SessionStore: append-only per-session history files with
// atomic writes, protected by a per-key advisory file lock so two
// processes serialize on the same session. An in-process LRU caches
// parsed sessions; cross-process writes are detected by file mtime.
type Store struct {
	dir   string
	cache *lru.Cache[string, *cachedSession]

	locksMu sync.Mutex
	locks   map[string]*flock.Flock

	// archiver, when set, mirrors every appended turn to a durable backend
	// (Postgres). Best-effort: archive failures are logged, never surfaced.
	archiver Archiver

	// malformed counts skipped malformed lines across all loads, for telemetry.
	malformedMu sync.Mutex
	malformed   int64
}

// Archiver mirrors appended turns to a secondary store.
type Archiver interface {
	AppendTurn(key string, t Turn) error
}

// SetArchiver wires an optional turn archiver. Call before serving traffic.
func (s *Store) SetArchiver(a Archiver) { s.archiver = a }

type cachedSession struct {
	session *Session
	mtime   time.Time
}

// NewStore creates a Store rooted at dir (typically "<datadir>/sessions").
// cacheSize<=0 uses the default of 256 entries.
func NewStore(dir string, cacheSize int) (*Store, error) {
	if cacheSize <= 0 {
		cacheSize = 256
	}
	if dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errs.New(errs.Fatal, "sessions.NewStore", err)
		}
	}
	c, err := lru.New[string, *cachedSession](cacheSize)
	if err != nil {
		return nil, errs.New(errs.Fatal, "sessions.NewStore", err)
	}
	return &Store{dir: dir, cache: c, locks: make(map[string]*flock.Flock)}, nil
}

// MalformedCount returns the running count of malformed records skipped
// since startup, for telemetry.
func (s *Store) MalformedCount() int64 {
	s.malformedMu.Lock()
	defer s.malformedMu.Unlock()
	return s.malformed
}

func (s *Store) lockFor(safeKey string) *flock.Flock {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	if l, ok := s.locks[safeKey]; ok {
		return l
	}
	l := flock.New(filepath.Join(s.dir, safeKey+".lock"))
	s.locks[safeKey] = l
	return l
}

func (s *Store) logPath(safeKey string) string      { return filepath.Join(s.dir, safeKey+".log") }
func (s *Store) settingsPath(safeKey string) string { return filepath.Join(s.dir, safeKey+".settings") }

// Load reads the full history for session_key, skipping malformed records.
// Returns an empty Session if no record exists yet — "load" never fails the
// call for a missing session.
func (s *Store) Load(key string) (*Session, error) {
	safeKey := SafeKey(key)

	info, statErr := os.Stat(s.logPath(safeKey))
	if statErr == nil {
		if cached, ok := s.cache.Get(key); ok && cached.mtime.Equal(info.ModTime()) {
			return cloneSession(cached.session), nil
		}
	}

	lk := s.lockFor(safeKey)
	if err := lk.RLock(); err != nil {
		return nil, errs.New(errs.Resource, "sessions.Load", err)
	}
	defer lk.Unlock()

	sess := &Session{Key: key}
	f, err := os.Open(s.logPath(safeKey))
	if err != nil {
		if os.IsNotExist(err) {
			s.loadSettingsLocked(safeKey, sess)
			return sess, nil
		}
		return nil, errs.New(errs.External, "sessions.Load", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(strings.TrimSpace(string(line))) == 0 {
			continue
		}
		var t Turn
		if err := json.Unmarshal(line, &t); err != nil {
			s.malformedMu.Lock()
			s.malformed++
			s.malformedMu.Unlock()
			continue
		}
		sess.Turns = append(sess.Turns, t)
	}

	s.loadSettingsLocked(safeKey, sess)

	if info == nil {
		info, _ = os.Stat(s.logPath(safeKey))
	}
	if info != nil {
		sess.Updated = info.ModTime()
		s.cache.Add(key, &cachedSession{session: cloneSession(sess), mtime: info.ModTime()})
	}
	return sess, nil
}

func (s *Store) loadSettingsLocked(safeKey string, sess *Session) {
	data, err := os.ReadFile(s.settingsPath(safeKey))
	if err != nil {
		return
	}
	var st Settings
	if err := json.Unmarshal(data, &st); err == nil {
		sess.Settings = st
	}
}

// Append writes one turn to the session's history, serialized under the
// per-key advisory lock and written atomically (temp file + rename over the
// whole log — matching the store's write-then-rename discipline for every
// mutation, not just the final one).
func (s *Store) Append(key string, turn Turn) error {
	if s.dir == "" {
		return nil
	}
	safeKey := SafeKey(key)
	lk := s.lockFor(safeKey)
	if err := lk.Lock(); err != nil {
		return errs.New(errs.Resource, "sessions.Append", err)
	}
	defer lk.Unlock()

	existing, err := s.readLogLocked(safeKey)
	if err != nil {
		return err
	}
	existing = append(existing, turn)

	if err := s.writeLogLocked(safeKey, existing); err != nil {
		return err
	}

	s.cache.Remove(key)

	if s.archiver != nil {
		if err := s.archiver.AppendTurn(key, turn); err != nil {
			slog.Warn("session archive append failed", "key", key, "error", err)
		}
	}
	return nil
}

func (s *Store) readLogLocked(safeKey string) ([]Turn, error) {
	f, err := os.Open(s.logPath(safeKey))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errs.New(errs.External, "sessions.Append", err)
	}
	defer f.Close()

	var turns []Turn
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(strings.TrimSpace(string(line))) == 0 {
			continue
		}
		var t Turn
		if err := json.Unmarshal(line, &t); err != nil {
			s.malformedMu.Lock()
			s.malformed++
			s.malformedMu.Unlock()
			continue
		}
		turns = append(turns, t)
	}
	return turns, nil
}

func (s *Store) writeLogLocked(safeKey string, turns []Turn) error {
	var sb strings.Builder
	enc := json.NewEncoder(&sb)
	for _, t := range turns {
		if err := enc.Encode(t); err != nil {
			return errs.New(errs.Fatal, "sessions.Append", err)
		}
	}
	return atomicWrite(s.dir, s.logPath(safeKey), []byte(sb.String()))
}

// SaveSettings persists session settings under the same locking discipline.
func (s *Store) SaveSettings(key string, settings Settings) error {
	if s.dir == "" {
		return nil
	}
	safeKey := SafeKey(key)
	lk := s.lockFor(safeKey)
	if err := lk.Lock(); err != nil {
		return errs.New(errs.Resource, "sessions.SaveSettings", err)
	}
	defer lk.Unlock()

	data, err := json.Marshal(settings)
	if err != nil {
		return errs.New(errs.Fatal, "sessions.SaveSettings", err)
	}
	if err := atomicWrite(s.dir, s.settingsPath(safeKey), data); err != nil {
		return err
	}
	s.cache.Remove(key)
	return nil
}

// List returns metadata for all known sessions.
func (s *Store) List() ([]Info, error) {
	if s.dir == "" {
		return nil, nil
	}
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errs.New(errs.External, "sessions.List", err)
	}
	var out []Info
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".log") {
			continue
		}
		fi, err := e.Info()
		if err != nil {
			continue
		}
		out = append(out, Info{Key: strings.TrimSuffix(e.Name(), ".log"), UpdatedAt: fi.ModTime()})
	}
	return out, nil
}

// Delete removes both the history and settings records for session_key.
func (s *Store) Delete(key string) error {
	if s.dir == "" {
		return nil
	}
	safeKey := SafeKey(key)
	lk := s.lockFor(safeKey)
	if err := lk.Lock(); err != nil {
		return errs.New(errs.Resource, "sessions.Delete", err)
	}
	defer lk.Unlock()

	s.cache.Remove(key)
	var firstErr error
	for _, p := range []string{s.logPath(safeKey), s.settingsPath(safeKey)} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) && firstErr == nil {
			firstErr = err
		}
	}
	if firstErr != nil {
		return errs.New(errs.External, "sessions.Delete", firstErr)
	}
	return nil
}

func cloneSession(s *Session) *Session {
	out := &Session{Key: s.Key, Settings: s.Settings, Updated: s.Updated}
	out.Turns = make([]Turn, len(s.Turns))
	copy(out.Turns, s.Turns)
	return out
}

// atomicWrite writes data to path via a temp file in dir, fsync, then
// rename — the write either lands in full or not at all.
func atomicWrite(dir, path string, data []byte) error {
	tmp, err := os.CreateTemp(dir, "sess-*.tmp")
	if err != nil {
		return errs.New(errs.External, "sessions.atomicWrite", err)
	}
	tmpPath := tmp.Name()
	cleanup := true
	defer func() {
		if cleanup {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return errs.New(errs.External, "sessions.atomicWrite", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return errs.New(errs.External, "sessions.atomicWrite", err)
	}
	if err := tmp.Close(); err != nil {
		return errs.New(errs.External, "sessions.atomicWrite", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return errs.New(errs.External, "sessions.atomicWrite", err)
	}
	cleanup = false
	return nil
}

