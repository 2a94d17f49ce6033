// Package workdir confines session working directories to an approved root
// and lets clients browse it when picking where a session should run.
package workdir

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const maxFileSize = 1024 * 1024 // 1MB

var langExts = map[string]string{
	".go":   "go",
	".js":   "javascript",
	".ts":   "typescript",
	".py":   "python",
	".rs":   "rust",
	".rb":   "ruby",
	".java": "java",
	".c":    "c",
	".cpp":  "cpp",
	".h":    "c",
	".css":  "css",
	".html": "html",
	".json": "json",
	".yaml": "yaml",
	".yml":  "yaml",
	".toml": "toml",
	".md":   "markdown",
	".sh":   "bash",
	".sql":  "sql",
	".mod":  "go",
}

// Browser resolves and validates paths against the approved root.
type Browser struct {
	root   string // symlink-resolved approved root
	logger *slog.Logger
}

// New builds a browser rooted at root. The root is resolved through
// symlinks once so later containment checks compare like with like.
func New(root string, logger *slog.Logger) *Browser {
	resolved, err := filepath.EvalSymlinks(root)
	if err != nil {
		resolved = filepath.Clean(root)
	}
	return &Browser{root: resolved, logger: logger}
}

// Root returns the approved root.
func (b *Browser) Root() string { return b.root }

// Resolve turns a requested working directory into an absolute path under
// the root, or fails. Empty means the root itself; relative paths are
// joined onto it.
func (b *Browser) Resolve(dir string) (string, error) {
	if dir == "" {
		return b.root, nil
	}
	if !filepath.IsAbs(dir) {
		dir = filepath.Join(b.root, dir)
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("invalid path: %w", err)
	}
	if err := b.validatePath(abs); err != nil {
		return "", err
	}
	return abs, nil
}

// Entry is one directory listing item.
type Entry struct {
	Name    string `json:"name"`
	Type    string `json:"type"` // "dir" or "file"
	ModTime string `json:"modTime"`
}

// Listing is the result of browsing one directory.
type Listing struct {
	Path    string  `json:"path"`
	Entries []Entry `json:"entries"`
}

// List returns the contents of a directory under the root. Dotfiles are
// skipped unless hidden is set.
func (b *Browser) List(dir string, hidden bool) (*Listing, error) {
	abs, err := b.Resolve(dir)
	if err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(abs)
	if err != nil {
		return nil, fmt.Errorf("cannot read directory: %w", err)
	}

	out := &Listing{Path: abs, Entries: make([]Entry, 0, len(entries))}
	for _, e := range entries {
		if !hidden && strings.HasPrefix(e.Name(), ".") {
			continue
		}
		kind := "file"
		if e.IsDir() {
			kind = "dir"
		}
		modTime := time.Time{}
		if info, err := e.Info(); err == nil {
			modTime = info.ModTime()
		}
		out.Entries = append(out.Entries, Entry{
			Name:    e.Name(),
			Type:    kind,
			ModTime: modTime.UTC().Format(time.RFC3339),
		})
	}
	return out, nil
}

// FileView is a text file's content plus display hints.
type FileView struct {
	Path     string `json:"path"`
	Content  string `json:"content"`
	Language string `json:"language,omitempty"`
	Size     int64  `json:"size"`
}

// View reads a text file under the root. Binary and oversized files are
// rejected rather than dumped at a chat client.
func (b *Browser) View(path string) (*FileView, error) {
	abs, err := b.Resolve(path)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("file not found: %w", err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("path is a directory")
	}
	if info.Size() > maxFileSize {
		return nil, fmt.Errorf("file too large: %d bytes (max %d)", info.Size(), maxFileSize)
	}

	content, err := os.ReadFile(abs)
	if err != nil {
		return nil, fmt.Errorf("cannot read file: %w", err)
	}
	if isBinary(content) {
		return nil, fmt.Errorf("unsupported file type: binary")
	}

	return &FileView{
		Path:     abs,
		Content:  string(content),
		Language: langExts[strings.ToLower(filepath.Ext(abs))],
		Size:     info.Size(),
	}, nil
}

// validatePath resolves symlinks so a link inside the root cannot reach
// outside it.
func (b *Browser) validatePath(path string) error {
	resolved, err := filepath.EvalSymlinks(path)
	if err != nil {
		// path may not exist yet, resolve the parent instead
		resolved, err = filepath.EvalSymlinks(filepath.Dir(path))
		if err != nil {
			return fmt.Errorf("access denied: cannot resolve path")
		}
		resolved = filepath.Join(resolved, filepath.Base(path))
	}

	if resolved == b.root {
		return nil
	}
	// separator suffix so /home/user-evil does not match /home/user
	if strings.HasPrefix(resolved, b.root+string(filepath.Separator)) {
		return nil
	}
	return fmt.Errorf("access denied: path must be under %s", b.root)
}

func isBinary(data []byte) bool {
	check := data
	if len(check) > 512 {
		check = check[:512]
	}
	for _, c := range check {
		if c == 0 {
			return true
		}
	}
	return false
}
