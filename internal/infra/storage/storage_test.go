package storage_test

import (
	"os"
	"path/filepath"
	"testing"

	"telesmasher/internal/infra/storage"
)

func TestAtomicWriteFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "state.json")

	if err := storage.AtomicWriteFile(path, []byte(`{"ok":true}`)); err != nil {
		t.Fatalf("AtomicWriteFile() error = %v", err)
	}

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if string(got) != `{"ok":true}` {
		t.Fatalf("file content = %q, want %q", got, `{"ok":true}`)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat() error = %v", err)
	}
	if perm := info.Mode().Perm(); perm != storage.DefaultFilePerm {
		t.Fatalf("file perm = %o, want %o", perm, storage.DefaultFilePerm)
	}

	// Повторная запись заменяет содержимое, не оставляя temp-файлов.
	if err = storage.AtomicWriteFile(path, []byte("v2")); err != nil {
		t.Fatalf("AtomicWriteFile() second write error = %v", err)
	}
	entries, err := os.ReadDir(filepath.Dir(path))
	if err != nil {
		t.Fatalf("ReadDir() error = %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("dir entries = %d, want 1 (no temp leftovers)", len(entries))
	}
}

func TestScratchDir(t *testing.T) {
	t.Parallel()

	base := filepath.Join(t.TempDir(), "media")
	first, err := storage.ScratchDir(base)
	if err != nil {
		t.Fatalf("ScratchDir() error = %v", err)
	}
	second, err := storage.ScratchDir(base)
	if err != nil {
		t.Fatalf("ScratchDir() second call error = %v", err)
	}
	if first == second {
		t.Fatalf("ScratchDir() returned same dir twice: %q", first)
	}
	for _, dir := range []string{first, second} {
		info, statErr := os.Stat(dir)
		if statErr != nil {
			t.Fatalf("Stat(%q) error = %v", dir, statErr)
		}
		if !info.IsDir() {
			t.Fatalf("ScratchDir() %q is not a directory", dir)
		}
	}
}

func TestSecureDelete(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		size int
	}{
		{name: "small file", size: 128},
		{name: "multi chunk file", size: 200_000},
		{name: "empty file", size: 0},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			path := filepath.Join(t.TempDir(), "secret.bin")
			data := make([]byte, tc.size)
			for i := range data {
				data[i] = byte(i % 251)
			}
			if err := os.WriteFile(path, data, 0o600); err != nil {
				t.Fatalf("WriteFile() error = %v", err)
			}

			if err := storage.SecureDelete(path); err != nil {
				t.Fatalf("SecureDelete() error = %v", err)
			}
			if _, err := os.Stat(path); !os.IsNotExist(err) {
				t.Fatalf("Stat() after SecureDelete = %v, want not-exist", err)
			}
		})
	}
}

func TestSecureDeleteMissingFile(t *testing.T) {
	t.Parallel()

	if err := storage.SecureDelete(filepath.Join(t.TempDir(), "absent")); err != nil {
		t.Fatalf("SecureDelete(missing) error = %v, want nil", err)
	}
}
