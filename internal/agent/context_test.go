package agent

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nanobot-ai/nanobot/internal/bootstrap"
	"github.com/nanobot-ai/nanobot/internal/bus"
	"github.com/nanobot-ai/nanobot/internal/sessions"
)

func TestBuildOrdersSystemHistoryCurrent(t *testing.T) {
	ws := t.TempDir()
	if err := os.WriteFile(filepath.Join(ws, bootstrap.IdentityFile), []byte("# Identity\nassistant"), 0o644); err != nil {
		t.Fatal(err)
	}
	b := NewContextBuilder(ws, nil, nil, ContextCaps{})

	sess := &sessions.Session{
		Key: "telegram:1",
		Turns: []sessions.Turn{
			{Role: "user", Content: "earlier question", TS: time.Now()},
			{Role: "assistant", Content: "earlier answer", TS: time.Now()},
		},
	}
	msgs := b.Build(sess, bus.InboundMessage{Channel: "telegram", ChatID: "1", Content: "now"}, sessions.Settings{})

	if len(msgs) != 4 {
		t.Fatalf("got %d messages, want 4", len(msgs))
	}
	if msgs[0].Role != "system" || !strings.Contains(msgs[0].Content, "assistant") {
		t.Errorf("first message is not the system prompt: %+v", msgs[0])
	}
	if msgs[1].Content != "earlier question" || msgs[2].Content != "earlier answer" {
		t.Errorf("history out of order: %q, %q", msgs[1].Content, msgs[2].Content)
	}
	if msgs[3].Role != "user" || msgs[3].Content != "now" {
		t.Errorf("last message is not the current one: %+v", msgs[3])
	}
}

func TestHistoryCapDropsOldestNeverReorders(t *testing.T) {
	b := NewContextBuilder(t.TempDir(), nil, nil, ContextCaps{HistoryMaxChars: 30})

	var turns []sessions.Turn
	for _, c := range []string{"aaaaaaaaaa", "bbbbbbbbbb", "cccccccccc", "dddddddddd"} {
		turns = append(turns, sessions.Turn{Role: "user", Content: c})
	}
	msgs := b.historyMessages(turns)

	if len(msgs) >= 4 {
		t.Fatalf("nothing was dropped: %d messages", len(msgs))
	}
	// Whatever survived must be a suffix of the original sequence.
	want := []string{"aaaaaaaaaa", "bbbbbbbbbb", "cccccccccc", "dddddddddd"}
	offset := len(want) - len(msgs)
	for i, m := range msgs {
		if m.Content != want[offset+i] {
			t.Errorf("message %d = %q, want %q", i, m.Content, want[offset+i])
		}
	}
}

func TestOversizedMediaOmittedWithNote(t *testing.T) {
	ws := t.TempDir()
	big := filepath.Join(ws, "big.png")
	if err := os.WriteFile(big, make([]byte, 2048), 0o644); err != nil {
		t.Fatal(err)
	}
	b := NewContextBuilder(ws, nil, nil, ContextCaps{MediaMaxBytes: 1024})

	msgs := b.Build(&sessions.Session{Key: "k"}, bus.InboundMessage{
		Channel: "webui", ChatID: "1", Content: "look",
		Media: []bus.MediaDescriptor{{Path: "big.png", Mime: "image/png"}},
	}, sessions.Settings{})

	last := msgs[len(msgs)-1]
	if len(last.Images) != 0 {
		t.Error("oversized image was attached")
	}
	if !strings.Contains(last.Content, "omitted") {
		t.Errorf("no omission note in %q", last.Content)
	}
}

func TestUnreadableMediaOmittedWithNote(t *testing.T) {
	b := NewContextBuilder(t.TempDir(), nil, nil, ContextCaps{})
	msgs := b.Build(&sessions.Session{Key: "k"}, bus.InboundMessage{
		Channel: "webui", ChatID: "1", Content: "look",
		Media: []bus.MediaDescriptor{{Path: "missing.png", Mime: "image/png"}},
	}, sessions.Settings{})

	last := msgs[len(msgs)-1]
	if len(last.Images) != 0 {
		t.Error("missing image was attached")
	}
	if !strings.Contains(last.Content, "could not be read") {
		t.Errorf("no note in %q", last.Content)
	}
}

func TestReadableMediaAttached(t *testing.T) {
	ws := t.TempDir()
	img := filepath.Join(ws, "pic.jpg")
	if err := os.WriteFile(img, []byte("jpegdata"), 0o644); err != nil {
		t.Fatal(err)
	}
	b := NewContextBuilder(ws, nil, nil, ContextCaps{})

	msgs := b.Build(&sessions.Session{Key: "k"}, bus.InboundMessage{
		Channel: "webui", ChatID: "1", Content: "see",
		Media: []bus.MediaDescriptor{{Path: "pic.jpg"}},
	}, sessions.Settings{})

	last := msgs[len(msgs)-1]
	if len(last.Images) != 1 {
		t.Fatalf("got %d images, want 1", len(last.Images))
	}
	if last.Images[0].MimeType != "image/jpeg" {
		t.Errorf("mime = %q", last.Images[0].MimeType)
	}
}

func TestNormalizeMediaRewritesDescriptors(t *testing.T) {
	ws := t.TempDir()
	b := NewContextBuilder(ws, nil, nil, ContextCaps{})

	got := b.NormalizeMedia([]bus.MediaDescriptor{
		{Path: filepath.Join(ws, "shots", "a.png"), Mime: "image/png"},
		{Path: "/etc/hosts", Mime: "text/plain"},
	})
	if got[0].Path != filepath.Join("shots", "a.png") {
		t.Errorf("in-workspace path = %q, want workspace-relative", got[0].Path)
	}
	if got[1].Path != "/etc/hosts" {
		t.Errorf("outside path rewritten to %q", got[1].Path)
	}
	if got[0].Mime != "image/png" {
		t.Error("mime dropped during normalization")
	}
}

func TestNormalizeMediaPath(t *testing.T) {
	ws := "/data/workspace"
	tests := []struct {
		in   string
		want string
	}{
		{"/data/workspace/a/b.png", "a/b.png"},
		{"/etc/passwd", "/etc/passwd"},
		{"relative.png", "relative.png"},
	}
	for _, tt := range tests {
		if got := NormalizeMediaPath(tt.in, ws); got != tt.want {
			t.Errorf("NormalizeMediaPath(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
