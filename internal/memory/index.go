// Package memory implements the MemoryIndex: markdown daily notes on disk
// as the canonical source, with a derived SQLite FTS5 index for retrieval.
package memory

import (
	"database/sql"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"
	_ "modernc.org/sqlite"

	"github.com/nanobot-ai/nanobot/internal/errs"
	"github.com/nanobot-ai/nanobot/internal/sessions"
)

// Scope addresses a note namespace: global, one session, or one user.
type Scope struct {
	Kind string // "global", "session", "user"
	Key  string // empty for global
}

func GlobalScope() Scope          { return Scope{Kind: "global"} }
func SessionScope(k string) Scope { return Scope{Kind: "session", Key: k} }
func UserScope(k string) Scope    { return Scope{Kind: "user", Key: k} }

// String is the scope's stored identity. The key goes through the same
// safe-key mapping as the note directory, so a rebuild from files indexes
// under exactly the identity live inserts use.
func (s Scope) String() string {
	if s.Kind == "global" || s.Key == "" {
		return s.Kind
	}
	return s.Kind + ":" + sessions.SafeKey(s.Key)
}

// dir returns the scope's note directory relative to the memory root.
func (s Scope) dir() string {
	switch s.Kind {
	case "session":
		return filepath.Join("sessions", sessions.SafeKey(s.Key))
	case "user":
		return filepath.Join("users", sessions.SafeKey(s.Key))
	default:
		return "global"
	}
}

// Chunk is one retrieved note fragment.
type Chunk struct {
	Scope Scope
	Text  string
	TS    time.Time
	Score float64
}

// Index owns the memory database: single writer, many readers through
// short transactions. When FTS5 is unavailable the index degrades to a
// substring scan over the same table.
type Index struct {
	root string
	db   *sql.DB

	writeMu sync.Mutex
	ftsOK   bool

	locksMu sync.Mutex
	locks   map[string]*flock.Flock
}

// Open creates or opens the index at root (typically workspace/memory),
// with the database at dbPath (memory.db under the same root).
func Open(root, dbPath string) (*Index, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, errs.New(errs.Fatal, "memory.Open", err)
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, errs.New(errs.Fatal, "memory.Open", err)
	}
	db.SetMaxOpenConns(1)

	idx := &Index{root: root, db: db, locks: make(map[string]*flock.Flock)}
	if err := idx.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return idx, nil
}

func (i *Index) initSchema() error {
	if _, err := i.db.Exec(`CREATE TABLE IF NOT EXISTS chunks (
		id INTEGER PRIMARY KEY,
		scope TEXT NOT NULL,
		text TEXT NOT NULL,
		ts INTEGER NOT NULL
	)`); err != nil {
		return errs.New(errs.Fatal, "memory.initSchema", err)
	}

	// FTS5 may be absent from the driver build; retrieval then falls back
	// to substring matching over the chunks table.
	if _, err := i.db.Exec(`CREATE VIRTUAL TABLE IF NOT EXISTS chunks_fts
		USING fts5(text, content='chunks', content_rowid='id')`); err != nil {
		slog.Warn("memory: FTS5 unavailable, falling back to substring search", "error", err)
		i.ftsOK = false
		return nil
	}
	i.ftsOK = true
	return nil
}

// Close releases the database handle.
func (i *Index) Close() error { return i.db.Close() }

// Insert indexes one chunk of text for a scope.
func (i *Index) Insert(scope Scope, text string, ts time.Time) error {
	i.writeMu.Lock()
	defer i.writeMu.Unlock()
	return i.insertLocked(scope.String(), text, ts)
}

// insertLocked takes the scope's stored identity directly so Rebuild can
// pass already-safe directory names without re-mapping them.
func (i *Index) insertLocked(scopeStr, text string, ts time.Time) error {
	res, err := i.db.Exec(`INSERT INTO chunks (scope, text, ts) VALUES (?, ?, ?)`,
		scopeStr, text, ts.Unix())
	if err != nil {
		return errs.New(errs.External, "memory.Insert", err)
	}
	if i.ftsOK {
		id, _ := res.LastInsertId()
		if _, err := i.db.Exec(`INSERT INTO chunks_fts (rowid, text) VALUES (?, ?)`, id, text); err != nil {
			return errs.New(errs.External, "memory.Insert", err)
		}
	}
	return nil
}

// Retrieve returns the top-k chunks for a scope ranked by FTS score, or by
// recency among substring matches when FTS is unavailable.
func (i *Index) Retrieve(scope Scope, query string, k int) ([]Chunk, error) {
	if k <= 0 {
		k = 5
	}
	if strings.TrimSpace(query) == "" {
		return nil, nil
	}

	if i.ftsOK {
		chunks, err := i.retrieveFTS(scope, query, k)
		if err == nil {
			return chunks, nil
		}
		// A query that FTS rejects (stray operators etc.) falls back rather
		// than failing retrieval.
		slog.Debug("memory: FTS query failed, using substring fallback", "error", err)
	}
	return i.retrieveSubstring(scope, query, k)
}

func (i *Index) retrieveFTS(scope Scope, query string, k int) ([]Chunk, error) {
	rows, err := i.db.Query(
		`SELECT c.scope, c.text, c.ts, bm25(chunks_fts) AS score
		 FROM chunks_fts JOIN chunks c ON c.id = chunks_fts.rowid
		 WHERE chunks_fts MATCH ? AND c.scope = ?
		 ORDER BY score LIMIT ?`,
		ftsQuote(query), scope.String(), k)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanChunks(rows)
}

func (i *Index) retrieveSubstring(scope Scope, query string, k int) ([]Chunk, error) {
	rows, err := i.db.Query(
		`SELECT scope, text, ts, 0.0 FROM chunks
		 WHERE scope = ? AND text LIKE ? ESCAPE '\'
		 ORDER BY ts DESC LIMIT ?`,
		scope.String(), "%"+escapeLike(query)+"%", k)
	if err != nil {
		return nil, errs.New(errs.External, "memory.Retrieve", err)
	}
	defer rows.Close()
	return scanChunks(rows)
}

func scanChunks(rows *sql.Rows) ([]Chunk, error) {
	var out []Chunk
	for rows.Next() {
		var (
			scopeStr string
			text     string
			ts       int64
			score    float64
		)
		if err := rows.Scan(&scopeStr, &text, &ts, &score); err != nil {
			return nil, errs.New(errs.External, "memory.Retrieve", err)
		}
		out = append(out, Chunk{Scope: parseScope(scopeStr), Text: text, TS: time.Unix(ts, 0).UTC(), Score: score})
	}
	return out, rows.Err()
}

func parseScope(s string) Scope {
	kind, key, found := strings.Cut(s, ":")
	if !found {
		return Scope{Kind: s}
	}
	return Scope{Kind: kind, Key: key}
}

// ftsQuote wraps each whitespace-separated term in double quotes so user
// text cannot inject FTS5 operators.
func ftsQuote(q string) string {
	fields := strings.Fields(q)
	for n, f := range fields {
		fields[n] = `"` + strings.ReplaceAll(f, `"`, `""`) + `"`
	}
	return strings.Join(fields, " ")
}

func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `%`, `\%`)
	return strings.ReplaceAll(s, `_`, `\_`)
}

// AppendToday appends text to the scope's daily note file under a per-file
// advisory lock, then indexes the chunk. The note file is canonical; the
// index is a derived view.
func (i *Index) AppendToday(scope Scope, text string) error {
	dir := filepath.Join(i.root, scope.dir())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errs.New(errs.External, "memory.AppendToday", err)
	}

	now := time.Now().UTC()
	path := filepath.Join(dir, now.Format("2006-01-02")+".md")

	lk := i.lockFor(path)
	if err := lk.Lock(); err != nil {
		return errs.New(errs.Resource, "memory.AppendToday", err)
	}
	defer lk.Unlock()

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return errs.New(errs.External, "memory.AppendToday", err)
	}
	entry := fmt.Sprintf("\n## %s\n\n%s\n", now.Format(time.RFC3339), strings.TrimSpace(text))
	if _, err := f.WriteString(entry); err != nil {
		f.Close()
		return errs.New(errs.External, "memory.AppendToday", err)
	}
	if err := f.Close(); err != nil {
		return errs.New(errs.External, "memory.AppendToday", err)
	}

	i.writeMu.Lock()
	defer i.writeMu.Unlock()
	return i.insertLocked(scope.String(), text, now)
}

func (i *Index) lockFor(path string) *flock.Flock {
	i.locksMu.Lock()
	defer i.locksMu.Unlock()
	if l, ok := i.locks[path]; ok {
		return l
	}
	l := flock.New(path + ".lock")
	i.locks[path] = l
	return l
}

// Rebuild drops the index and re-scans every note file beneath the memory
// root. Idempotent: rebuilding twice yields the same index.
func (i *Index) Rebuild() error {
	i.writeMu.Lock()
	defer i.writeMu.Unlock()

	if _, err := i.db.Exec(`DELETE FROM chunks`); err != nil {
		return errs.New(errs.External, "memory.Rebuild", err)
	}
	if i.ftsOK {
		if _, err := i.db.Exec(`INSERT INTO chunks_fts (chunks_fts) VALUES ('delete-all')`); err != nil {
			return errs.New(errs.External, "memory.Rebuild", err)
		}
	}

	// Directory names are already safe-mapped, so the stored identity is
	// rebuilt by string concatenation, never by re-mapping.
	type scopeDir struct {
		scopeStr string
		dir      string
	}
	var dirs []scopeDir
	dirs = append(dirs, scopeDir{"global", filepath.Join(i.root, "global")})
	for _, kind := range []string{"sessions", "users"} {
		parent := filepath.Join(i.root, kind)
		entries, err := os.ReadDir(parent)
		if err != nil {
			continue
		}
		for _, e := range entries {
			if !e.IsDir() {
				continue
			}
			scopeStr := strings.TrimSuffix(kind, "s") + ":" + e.Name()
			dirs = append(dirs, scopeDir{scopeStr, filepath.Join(parent, e.Name())})
		}
	}

	for _, sd := range dirs {
		if err := i.rebuildDir(sd.scopeStr, sd.dir); err != nil {
			return err
		}
	}
	return nil
}

func (i *Index) rebuildDir(scopeStr, dir string) error {
	var files []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() && strings.HasSuffix(path, ".md") {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil
	}
	sort.Strings(files)

	for _, path := range files {
		data, err := os.ReadFile(path)
		if err != nil {
			slog.Warn("memory: rebuild skipping unreadable note", "path", path, "error", err)
			continue
		}
		ts := noteTimestamp(path)
		for _, chunk := range splitNote(string(data)) {
			if err := i.insertLocked(scopeStr, chunk, ts); err != nil {
				return err
			}
		}
	}
	return nil
}

// noteTimestamp derives a timestamp from the daily note filename, falling
// back to the file mtime.
func noteTimestamp(path string) time.Time {
	base := strings.TrimSuffix(filepath.Base(path), ".md")
	if t, err := time.Parse("2006-01-02", base); err == nil {
		return t
	}
	if fi, err := os.Stat(path); err == nil {
		return fi.ModTime().UTC()
	}
	return time.Now().UTC()
}

// splitNote chunks a note file on its "## " entry headings; a file without
// headings is one chunk.
func splitNote(text string) []string {
	parts := strings.Split(text, "\n## ")
	var out []string
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
