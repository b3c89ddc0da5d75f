package skills

import (
	"archive/zip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/nanobot-ai/nanobot/internal/errs"
)

// maxSkillEntryBytes caps a single extracted file to guard against
// decompression bombs.
const maxSkillEntryBytes = 16 * 1024 * 1024

// Install unpacks a .skill archive (a zip) into the skills directory.
// Every entry path must stay within the skills root after cleaning, and
// symlinks are rejected outright. Returns the installed skill's name.
func (r *Registry) Install(archivePath string) (string, error) {
	zr, err := zip.OpenReader(archivePath)
	if err != nil {
		return "", errs.New(errs.Validation, "skills.Install", fmt.Errorf("open archive: %w", err))
	}
	defer zr.Close()

	root, err := filepath.Abs(r.root)
	if err != nil {
		return "", errs.New(errs.External, "skills.Install", err)
	}

	// Validate every entry before writing anything.
	hasManifest := false
	for _, f := range zr.File {
		if f.Mode()&os.ModeSymlink != 0 {
			return "", errs.New(errs.Validation, "skills.Install",
				fmt.Errorf("archive entry %q is a symlink", f.Name))
		}
		dest, err := secureJoin(root, f.Name)
		if err != nil {
			return "", errs.New(errs.Validation, "skills.Install", err)
		}
		if filepath.Base(dest) == SkillFile {
			hasManifest = true
		}
	}
	if !hasManifest {
		return "", errs.New(errs.Validation, "skills.Install",
			fmt.Errorf("archive contains no %s", SkillFile))
	}

	var topDir string
	for _, f := range zr.File {
		dest, _ := secureJoin(root, f.Name)
		if topDir == "" {
			rel, _ := filepath.Rel(root, dest)
			if parts := strings.SplitN(rel, string(filepath.Separator), 2); len(parts) > 0 && parts[0] != "." {
				topDir = parts[0]
			}
		}

		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(dest, 0o755); err != nil {
				return "", errs.New(errs.External, "skills.Install", err)
			}
			continue
		}
		if err := extractEntry(f, dest); err != nil {
			return "", err
		}
	}

	if err := r.Reload(); err != nil {
		return "", err
	}
	return topDir, nil
}

func extractEntry(f *zip.File, dest string) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return errs.New(errs.External, "skills.Install", err)
	}
	src, err := f.Open()
	if err != nil {
		return errs.New(errs.Validation, "skills.Install", err)
	}
	defer src.Close()

	out, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return errs.New(errs.External, "skills.Install", err)
	}
	_, err = io.Copy(out, io.LimitReader(src, maxSkillEntryBytes))
	if closeErr := out.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(dest)
		return errs.New(errs.External, "skills.Install", err)
	}
	return nil
}

// secureJoin joins name under root and verifies the result cannot escape
// root through ../ segments or absolute paths.
func secureJoin(root, name string) (string, error) {
	if filepath.IsAbs(name) {
		return "", fmt.Errorf("archive entry %q has an absolute path", name)
	}
	dest := filepath.Join(root, filepath.Clean(name))
	if dest != root && !strings.HasPrefix(dest, root+string(filepath.Separator)) {
		return "", fmt.Errorf("archive entry %q escapes the skills directory", name)
	}
	return dest, nil
}
