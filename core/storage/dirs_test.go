package storage

import (
	"os"
	"path/filepath"
	"testing"
)

func TestResolveDirsXDGOverride(t *testing.T) {
	tmpDir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", tmpDir)
	t.Setenv("XDG_DATA_HOME", tmpDir)

	dirs := ResolveDirs()

	expected := filepath.Join(tmpDir, "huaer")
	if dirs.Config != expected {
		t.Errorf("Config: got %s, want %s", dirs.Config, expected)
	}
	if dirs.Data != expected {
		t.Errorf("Data: got %s, want %s", dirs.Data, expected)
	}
	if got := dirs.ConfigDir("config.yaml"); got != filepath.Join(expected, "config.yaml") {
		t.Errorf("ConfigDir: got %s", got)
	}
}

func TestLayoutContextFiles(t *testing.T) {
	l := NewLayout("/data")

	tests := []struct {
		key  string
		dir  string
		file string
	}{
		{PublicKey, "/data/public", "/data/public/base.json"},
		{PrivateKey, "/data/private", "/data/private/private_config.json"},
		{"123456", "/data/groups/123456", "/data/groups/123456/group_config.json"},
	}

	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			if got := l.ContextDir(tt.key); got != filepath.FromSlash(tt.dir) {
				t.Errorf("ContextDir: got %s, want %s", got, tt.dir)
			}
			if got := l.ConfigFile(tt.key); got != filepath.FromSlash(tt.file) {
				t.Errorf("ConfigFile: got %s, want %s", got, tt.file)
			}
		})
	}
}

func TestLayoutPersonaPaths(t *testing.T) {
	l := NewLayout("/data")

	if got := l.PersonaFile("42", false, "neko"); got != filepath.FromSlash("/data/groups/42/personas/persona_neko/neko.json") {
		t.Errorf("private PersonaFile: got %s", got)
	}
	if got := l.PersonaFile("42", true, "neko"); got != filepath.FromSlash("/data/public/personas/persona_neko/neko.json") {
		t.Errorf("public PersonaFile: got %s", got)
	}
	if got := l.PersonaRetrievalDir("42", true, "neko"); got != filepath.FromSlash("/data/public/personas/persona_neko/rag_neko") {
		t.Errorf("PersonaRetrievalDir: got %s", got)
	}
}

func TestPersonaName(t *testing.T) {
	if name, ok := PersonaName("persona_neko"); !ok || name != "neko" {
		t.Errorf("PersonaName: got %q %v", name, ok)
	}
	if _, ok := PersonaName("persona_"); ok {
		t.Error("empty name should be rejected")
	}
	if _, ok := PersonaName("rag_neko"); ok {
		t.Error("foreign entry should be rejected")
	}
}

func TestWriteFileAtomic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "state.json")

	if err := WriteFileAtomic(path, []byte(`{"rd":6}`)); err != nil {
		t.Fatalf("WriteFileAtomic failed: %v", err)
	}
	if err := WriteFileAtomic(path, []byte(`{"rd":8}`)); err != nil {
		t.Fatalf("second WriteFileAtomic failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	if string(data) != `{"rd":8}` {
		t.Errorf("content: got %s", data)
	}
	if Exists(path + ".tmp") {
		t.Error("temp file should not remain")
	}
}
