// Package skills implements the SkillsRegistry: markdown skill packages
// (one directory per skill, each with a SKILL.md) enumerated at startup
// and loaded on demand.
package skills

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/nanobot-ai/nanobot/internal/errs"
)

// SkillFile is the manifest filename every skill directory must contain.
const SkillFile = "SKILL.md"

// Skill is one enumerated skill package.
type Skill struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	Version     string `yaml:"version,omitempty"`
	Path        string `yaml:"-"`
}

// Registry enumerates and loads skills beneath a root directory.
type Registry struct {
	root string

	mu     sync.RWMutex
	skills map[string]Skill
}

// NewRegistry scans root for skill directories. A missing root is an empty
// registry, not an error.
func NewRegistry(root string) (*Registry, error) {
	r := &Registry{root: root, skills: make(map[string]Skill)}
	if err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// Reload re-enumerates the skills directory. Directories with a malformed
// SKILL.md are skipped with a warning rather than failing the scan.
func (r *Registry) Reload() error {
	entries, err := os.ReadDir(r.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errs.New(errs.External, "skills.Reload", err)
	}

	found := make(map[string]Skill)
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		path := filepath.Join(r.root, e.Name(), SkillFile)
		s, err := parseSkillFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				slog.Warn("skills: skipping skill with unreadable or malformed manifest", "path", path, "error", err)
			}
			continue
		}
		if s.Name == "" {
			s.Name = e.Name()
		}
		s.Path = filepath.Join(r.root, e.Name())
		found[s.Name] = s
	}

	r.mu.Lock()
	r.skills = found
	r.mu.Unlock()
	return nil
}

// List returns all skills sorted by name (deterministic).
func (r *Registry) List() []Skill {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Skill, 0, len(r.skills))
	for _, s := range r.skills {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Load returns the full instruction body of the named skill.
func (r *Registry) Load(name string) (string, error) {
	r.mu.RLock()
	s, ok := r.skills[name]
	r.mu.RUnlock()
	if !ok {
		return "", errs.New(errs.Validation, "skills.Load", fmt.Errorf("unknown skill %q", name))
	}
	_, body, err := readSkillFile(filepath.Join(s.Path, SkillFile))
	if err != nil {
		return "", errs.New(errs.External, "skills.Load", err)
	}
	return body, nil
}

// Summary renders the skill list for the system prompt, bounded to
// maxChars. Skills past the budget are elided with a count marker.
func (r *Registry) Summary(maxChars int) string {
	all := r.List()
	if len(all) == 0 {
		return ""
	}

	var sb strings.Builder
	sb.WriteString("Available skills:\n")
	elided := 0
	for _, s := range all {
		line := fmt.Sprintf("- %s: %s\n", s.Name, s.Description)
		if maxChars > 0 && sb.Len()+len(line) > maxChars {
			elided++
			continue
		}
		sb.WriteString(line)
	}
	if elided > 0 {
		sb.WriteString(fmt.Sprintf("(+%d more skills)\n", elided))
	}
	return sb.String()
}

// parseSkillFile reads frontmatter metadata only.
func parseSkillFile(path string) (Skill, error) {
	s, _, err := readSkillFile(path)
	return s, err
}

// readSkillFile splits a SKILL.md into YAML frontmatter and markdown body.
// The frontmatter is delimited by "---" lines at the top of the file; a
// file without frontmatter is all body.
func readSkillFile(path string) (Skill, string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Skill{}, "", err
	}
	text := string(data)

	var s Skill
	body := text
	if strings.HasPrefix(text, "---\n") {
		rest := text[4:]
		if end := strings.Index(rest, "\n---"); end >= 0 {
			front := rest[:end]
			body = strings.TrimLeft(rest[end+4:], "\n")
			if err := yaml.Unmarshal([]byte(front), &s); err != nil {
				return Skill{}, "", fmt.Errorf("parse frontmatter in %s: %w", path, err)
			}
		}
	}
	return s, body, nil
}
