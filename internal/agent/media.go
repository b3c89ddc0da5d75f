package agent

import (
	"encoding/base64"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/nanobot-ai/nanobot/internal/bus"
	"github.com/nanobot-ai/nanobot/internal/providers"
)

// loadMedia reads the attachable descriptors and returns base64 image
// content for the LLM plus a note for each descriptor that had to be
// omitted (oversized, unreadable, or not an image).
func loadMedia(descriptors []bus.MediaDescriptor, workspace string, maxBytes int64) ([]providers.ImageContent, []string) {
	var images []providers.ImageContent
	var notes []string

	for _, d := range descriptors {
		path := resolveMediaPath(d.Path, workspace)

		mime := d.Mime
		if mime == "" {
			mime = inferImageMime(path)
		}
		if !strings.HasPrefix(mime, "image/") {
			notes = append(notes, fmt.Sprintf("[attachment %s (%s) not inlined]", d.Path, mime))
			continue
		}

		fi, err := os.Stat(path)
		if err != nil {
			slog.Warn("media: unreadable attachment", "path", path, "error", err)
			notes = append(notes, fmt.Sprintf("[attachment %s could not be read]", d.Path))
			continue
		}
		if fi.Size() > maxBytes {
			slog.Warn("media: oversized attachment skipped", "path", path, "size", fi.Size())
			notes = append(notes, fmt.Sprintf("[attachment %s omitted: %d bytes exceeds the %d byte cap]", d.Path, fi.Size(), maxBytes))
			continue
		}

		data, err := os.ReadFile(path)
		if err != nil {
			notes = append(notes, fmt.Sprintf("[attachment %s could not be read]", d.Path))
			continue
		}

		images = append(images, providers.ImageContent{
			MimeType: mime,
			Data:     base64.StdEncoding.EncodeToString(data),
		})
	}
	return images, notes
}

// resolveMediaPath resolves a workspace-relative descriptor path; absolute
// paths are preserved verbatim.
func resolveMediaPath(path, workspace string) string {
	if filepath.IsAbs(path) || workspace == "" {
		return path
	}
	return filepath.Join(workspace, path)
}

// normalizeMedia rewrites each descriptor's path to be workspace-relative
// when it lies inside the workspace, before the turn is persisted.
func normalizeMedia(descriptors []bus.MediaDescriptor, workspace string) []bus.MediaDescriptor {
	if len(descriptors) == 0 {
		return descriptors
	}
	out := make([]bus.MediaDescriptor, len(descriptors))
	for i, d := range descriptors {
		d.Path = NormalizeMediaPath(d.Path, workspace)
		out[i] = d
	}
	return out
}

// NormalizeMediaPath rewrites p to be workspace-relative when it lies
// inside the workspace; paths outside are preserved verbatim.
func NormalizeMediaPath(p, workspace string) string {
	if workspace == "" || !filepath.IsAbs(p) {
		return p
	}
	rel, err := filepath.Rel(workspace, p)
	if err != nil || strings.HasPrefix(rel, "..") {
		return p
	}
	return rel
}

// inferImageMime returns the MIME type for supported image extensions, or
// "" if not an image.
func inferImageMime(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".gif":
		return "image/gif"
	case ".webp":
		return "image/webp"
	default:
		return ""
	}
}
