package blob

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	return s
}

func TestStore_PutGet(t *testing.T) {
	s := newTestStore(t)

	t.Run("round trip", func(t *testing.T) {
		data := []byte("worksheet bytes")
		if err := s.Put("sheets/abc/original.jpg", data); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
		got, err := s.Get("sheets/abc/original.jpg")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if !bytes.Equal(got, data) {
			t.Errorf("got %q, want %q", got, data)
		}
	})

	t.Run("overwrite replaces", func(t *testing.T) {
		if err := s.Put("k", []byte("one")); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
		if err := s.Put("k", []byte("two")); err != nil {
			t.Fatalf("second Put failed: %v", err)
		}
		got, err := s.Get("k")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if string(got) != "two" {
			t.Errorf("got %q, want %q", got, "two")
		}
	})

	t.Run("missing key", func(t *testing.T) {
		_, err := s.Get("nope")
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})
}

func TestStore_Delete(t *testing.T) {
	s := newTestStore(t)

	if err := s.Put("sheets/x/original.png", []byte("data")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if !s.Exists("sheets/x/original.png") {
		t.Fatal("blob should exist")
	}
	if err := s.Delete("sheets/x/original.png"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if s.Exists("sheets/x/original.png") {
		t.Error("blob should be gone")
	}

	// Deleting a missing key is not an error
	if err := s.Delete("sheets/x/original.png"); err != nil {
		t.Errorf("second Delete failed: %v", err)
	}
}

func TestStore_DeletePrefix(t *testing.T) {
	s := newTestStore(t)

	keys := []string{
		"sheets/a/original.jpg",
		"sheets/a/original_processed.jpg",
		"sheets/b/original.jpg",
	}
	for _, k := range keys {
		if err := s.Put(k, []byte("x")); err != nil {
			t.Fatalf("Put %s failed: %v", k, err)
		}
	}

	if err := s.DeletePrefix("sheets/a"); err != nil {
		t.Fatalf("DeletePrefix failed: %v", err)
	}
	if s.Exists("sheets/a/original.jpg") || s.Exists("sheets/a/original_processed.jpg") {
		t.Error("sheet a blobs should be gone")
	}
	if !s.Exists("sheets/b/original.jpg") {
		t.Error("sheet b blob should survive")
	}
}

func TestStore_InvalidKeys(t *testing.T) {
	tmpDir := t.TempDir()
	s, err := NewStore(filepath.Join(tmpDir, "blobs"))
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	t.Run("empty key rejected", func(t *testing.T) {
		if err := s.Put("", []byte("x")); !errors.Is(err, ErrInvalidKey) {
			t.Errorf("Put: expected ErrInvalidKey, got %v", err)
		}
		if _, err := s.Get(""); !errors.Is(err, ErrInvalidKey) {
			t.Errorf("Get: expected ErrInvalidKey, got %v", err)
		}
	})

	t.Run("traversal cannot escape root", func(t *testing.T) {
		// Plant a file outside the root that traversal must not reach
		secret := filepath.Join(tmpDir, "secret.txt")
		if err := os.WriteFile(secret, []byte("secret"), 0o644); err != nil {
			t.Fatalf("failed to write secret: %v", err)
		}

		for _, key := range []string{"../secret.txt", "a/../../secret.txt"} {
			if _, err := s.Get(key); !errors.Is(err, ErrNotFound) {
				t.Errorf("Get(%q): expected ErrNotFound, got %v", key, err)
			}
		}

		// A traversal Put lands inside the root, never outside it
		if err := s.Put("../escaped.txt", []byte("x")); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
		if _, err := os.Stat(filepath.Join(tmpDir, "escaped.txt")); err == nil {
			t.Error("traversal key escaped the store root")
		}
	})
}

func TestProcessedKey(t *testing.T) {
	tests := []struct {
		key  string
		want string
	}{
		{"sheets/x/original.jpg", "sheets/x/original_processed.jpg"},
		{"sheets/x/original.pdf", "sheets/x/original_processed.pdf"},
		{"noext", "noext_processed"},
	}
	for _, tt := range tests {
		if got := ProcessedKey(tt.key); got != tt.want {
			t.Errorf("ProcessedKey(%q) = %q, want %q", tt.key, got, tt.want)
		}
	}
}
