// Package storage resolves the on-disk layout of conversation contexts and
// persona records.
package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Dirs provides platform-native directory resolution with XDG support.
type Dirs struct {
	Config string // User configuration (config.yaml)
	Data   string // Persistent data (contexts, personas, retrieval stores)
}

// ResolveDirs returns platform-appropriate directories.
func ResolveDirs() *Dirs {
	return &Dirs{
		Config: resolveDir("XDG_CONFIG_HOME", platformConfigDefault()),
		Data:   resolveDir("XDG_DATA_HOME", platformDataDefault()),
	}
}

func resolveDir(envVar, fallback string) string {
	if dir := os.Getenv(envVar); dir != "" {
		return filepath.Join(dir, "huaer")
	}
	return fallback
}

// ConfigDir returns the config subdirectory path.
func (d *Dirs) ConfigDir(subpath ...string) string {
	return filepath.Join(append([]string{d.Config}, subpath...)...)
}

// =============================================================================
// Layout
// =============================================================================

// Layout maps context keys and persona scopes onto the data directory.
//
//	<root>/public/base.json
//	<root>/private/private_config.json
//	<root>/groups/<id>/group_config.json
//	<context-dir>/rag_base/
//	<scope-root>/personas/persona_<name>/<name>.json
//	<scope-root>/personas/persona_<name>/rag_<name>/
type Layout struct {
	Root string
}

func NewLayout(root string) Layout {
	return Layout{Root: root}
}

const (
	PublicKey  = "public"
	PrivateKey = "private"
)

// ContextDir returns the base directory of a context.
func (l Layout) ContextDir(key string) string {
	switch key {
	case PublicKey:
		return filepath.Join(l.Root, "public")
	case PrivateKey:
		return filepath.Join(l.Root, "private")
	}
	return filepath.Join(l.Root, "groups", key)
}

// ConfigFile returns the durable state blob of a context.
func (l Layout) ConfigFile(key string) string {
	switch key {
	case PublicKey:
		return filepath.Join(l.ContextDir(key), "base.json")
	case PrivateKey:
		return filepath.Join(l.ContextDir(key), "private_config.json")
	}
	return filepath.Join(l.ContextDir(key), "group_config.json")
}

// BaseRetrievalDir is the retrieval location a context falls back to when no
// persona record owns it.
func (l Layout) BaseRetrievalDir(key string) string {
	return filepath.Join(l.ContextDir(key), "rag_base")
}

// PersonaRoot returns the directory holding records of a scope. The private
// scope is rooted at the owning context, the public scope at the public
// context.
func (l Layout) PersonaRoot(key string, public bool) string {
	if public {
		return filepath.Join(l.ContextDir(PublicKey), "personas")
	}
	return filepath.Join(l.ContextDir(key), "personas")
}

func (l Layout) PersonaDir(key string, public bool, name string) string {
	return filepath.Join(l.PersonaRoot(key, public), "persona_"+name)
}

func (l Layout) PersonaFile(key string, public bool, name string) string {
	return filepath.Join(l.PersonaDir(key, public, name), name+".json")
}

func (l Layout) PersonaRetrievalDir(key string, public bool, name string) string {
	return filepath.Join(l.PersonaDir(key, public, name), "rag_"+name)
}

// PersonaName extracts the record name from a directory entry under a
// persona root, reporting false for foreign entries.
func PersonaName(entry string) (string, bool) {
	name, ok := strings.CutPrefix(entry, "persona_")
	if !ok || name == "" {
		return "", false
	}
	return name, true
}

// =============================================================================
// Files
// =============================================================================

// EnsureDir creates a directory with the specified permissions if it doesn't exist.
func EnsureDir(path string, perm os.FileMode) error {
	if perm == 0 {
		perm = 0755
	}
	return os.MkdirAll(path, perm)
}

// WriteFileAtomic writes to a temp file next to path and renames it into
// place so readers never observe a partial file.
func WriteFileAtomic(path string, data []byte) error {
	if err := EnsureDir(filepath.Dir(path), 0); err != nil {
		return fmt.Errorf("create parent directory: %w", err)
	}

	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}

// Exists reports whether path exists.
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
