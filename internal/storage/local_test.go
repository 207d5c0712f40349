package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestUploadWritesFile(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "uploads")
	u, err := NewLocalUploader(dir, "", 1024, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}

	url, err := u.Upload(context.Background(), []byte("pdf bytes"), "Quote.PDF")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(url, "/uploads/") || !strings.HasSuffix(url, ".pdf") {
		t.Fatalf("url = %s", url)
	}
	got, err := os.ReadFile(filepath.Join(dir, strings.TrimPrefix(url, "/uploads/")))
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "pdf bytes" {
		t.Fatalf("saved %q", got)
	}
}

func TestUploadBaseURL(t *testing.T) {
	u, err := NewLocalUploader(t.TempDir(), "https://cdn.example.com/files/", 0, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	url, err := u.Upload(context.Background(), []byte("x"), "a.png")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(url, "https://cdn.example.com/files/") || strings.Contains(url, "files//") {
		t.Fatalf("url = %s", url)
	}
}

func TestUploadRejects(t *testing.T) {
	u, err := NewLocalUploader(t.TempDir(), "", 4, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := u.Upload(context.Background(), nil, "a.txt"); !errors.Is(err, ErrEmptyUpload) {
		t.Fatalf("empty upload: %v", err)
	}
	if _, err := u.Upload(context.Background(), []byte("too large"), "a.txt"); err == nil {
		t.Fatal("oversized upload accepted")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := u.Upload(ctx, []byte("ok"), "a.txt"); !errors.Is(err, context.Canceled) {
		t.Fatalf("cancelled upload: %v", err)
	}
}
