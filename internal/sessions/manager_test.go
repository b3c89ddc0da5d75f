package sessions

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nanobot-ai/nanobot/internal/bus"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(t.TempDir(), 8)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return s
}

// Session replay: loading reconstructs the exact appended sequence.
func TestAppendThenLoadReplaysTurns(t *testing.T) {
	s := newTestStore(t)
	key := "telegram:42"

	want := []string{"one", "two", "three"}
	for _, content := range want {
		if err := s.Append(key, Turn{Role: "user", Content: content, TS: time.Now().UTC()}); err != nil {
			t.Fatalf("Append(%q): %v", content, err)
		}
	}

	sess, err := s.Load(key)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(sess.Turns) != len(want) {
		t.Fatalf("got %d turns, want %d", len(sess.Turns), len(want))
	}
	for i, content := range want {
		if sess.Turns[i].Content != content {
			t.Errorf("turn %d = %q, want %q", i, sess.Turns[i].Content, content)
		}
	}
}

func TestLoadMissingSessionIsEmptyNotError(t *testing.T) {
	s := newTestStore(t)
	sess, err := s.Load("never:seen")
	if err != nil {
		t.Fatalf("Load of missing session: %v", err)
	}
	if len(sess.Turns) != 0 {
		t.Errorf("missing session has %d turns", len(sess.Turns))
	}
}

// Malformed records are counted and dropped, never failing the load.
func TestLoadSkipsMalformedRecords(t *testing.T) {
	s := newTestStore(t)
	key := "telegram:7"

	if err := s.Append(key, Turn{Role: "user", Content: "good", TS: time.Now().UTC()}); err != nil {
		t.Fatalf("Append: %v", err)
	}

	// Corrupt the log by hand: one garbage line between two valid records.
	path := filepath.Join(s.dir, SafeKey(key)+".log")
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	data = append(data, []byte("{not json\n")...)
	data = append(data, []byte(`{"role":"assistant","content":"after","ts":"2025-01-02T03:04:05Z"}`+"\n")...)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write log: %v", err)
	}

	before := s.MalformedCount()
	sess, err := s.Load(key)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(sess.Turns) != 2 {
		t.Fatalf("got %d turns, want 2 (malformed dropped)", len(sess.Turns))
	}
	if sess.Turns[1].Content != "after" {
		t.Errorf("second turn = %q", sess.Turns[1].Content)
	}
	if s.MalformedCount() != before+1 {
		t.Errorf("malformed count %d, want %d", s.MalformedCount(), before+1)
	}
}

func TestSettingsRoundTrip(t *testing.T) {
	s := newTestStore(t)
	key := "webui:local"

	want := Settings{Model: "test-model", Verbosity: "high", RestrictWorkspace: true, SenderID: "u1"}
	if err := s.SaveSettings(key, want); err != nil {
		t.Fatalf("SaveSettings: %v", err)
	}

	sess, err := s.Load(key)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if sess.Settings != want {
		t.Errorf("settings = %+v, want %+v", sess.Settings, want)
	}
}

func TestDeleteRemovesHistoryAndSettings(t *testing.T) {
	s := newTestStore(t)
	key := "telegram:9"

	if err := s.Append(key, Turn{Role: "user", Content: "x", TS: time.Now().UTC()}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := s.SaveSettings(key, Settings{Model: "m"}); err != nil {
		t.Fatalf("SaveSettings: %v", err)
	}
	if err := s.Delete(key); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	for _, suffix := range []string{".log", ".settings"} {
		if _, err := os.Stat(filepath.Join(s.dir, SafeKey(key)+suffix)); !os.IsNotExist(err) {
			t.Errorf("%s still exists after delete", suffix)
		}
	}
}

func TestListReportsSessions(t *testing.T) {
	s := newTestStore(t)
	for _, key := range []string{"a:1", "b:2"} {
		if err := s.Append(key, Turn{Role: "user", Content: "x", TS: time.Now().UTC()}); err != nil {
			t.Fatalf("Append(%s): %v", key, err)
		}
	}
	infos, err := s.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(infos) != 2 {
		t.Errorf("got %d sessions, want 2", len(infos))
	}
}

func TestSafeKeyDeterministicAndCollisionFree(t *testing.T) {
	a := SafeKey("chan:42")
	b := SafeKey("chan?42") // sanitizes to the same chan_42
	if a == b {
		t.Errorf("distinct keys mapped to the same safe key %q", a)
	}
	// A pure function of the key: stable within and across processes, and
	// independent of which colliding key is seen first.
	if again := SafeKey("chan:42"); again != a {
		t.Errorf("SafeKey not stable: %q then %q", a, again)
	}
	// An already-safe key is left untouched and idempotent.
	if got := SafeKey("chan_42"); got != "chan_42" {
		t.Errorf("safe key rewritten to %q", got)
	}
	if got := SafeKey(a); got != a {
		t.Errorf("SafeKey not idempotent: %q -> %q", a, got)
	}
}

func TestKeyForTrustAndDefault(t *testing.T) {
	tests := []struct {
		name string
		msg  bus.InboundMessage
		want string
	}{
		{
			name: "default shape",
			msg:  bus.InboundMessage{Channel: "telegram", ChatID: "42"},
			want: "telegram:42",
		},
		{
			name: "untrusted override ignored",
			msg: bus.InboundMessage{Channel: "telegram", ChatID: "42",
				Metadata: map[string]string{"session_key": "spoofed"}},
			want: "telegram:42",
		},
		{
			name: "trusted override honored",
			msg: bus.InboundMessage{Channel: "webui", ChatID: "x", Trusted: true,
				Metadata: map[string]string{"session_key": "custom:route"}},
			want: "custom:route",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KeyFor(tt.msg); got != tt.want {
				t.Errorf("KeyFor = %q, want %q", got, tt.want)
			}
		})
	}
}
