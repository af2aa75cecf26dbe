package workspace

import (
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"
)

func TestNormalizeCollapsesInnerDots(t *testing.T) {
	got, err := Normalize("a/b/../c")
	if err != nil {
		t.Fatalf("Normalize error: %v", err)
	}
	if got != "a/c" {
		t.Fatalf("expected a/c, got %q", got)
	}
}

func TestNormalizeRejectsTraversal(t *testing.T) {
	cases := []string{
		"../../etc/passwd",
		"..",
		"a/../../b",
		"/etc/passwd",
		"",
		".registry/file_registry.json",
	}
	for _, c := range cases {
		if _, err := Normalize(c); !errors.Is(err, ErrPathTraversal) {
			t.Fatalf("Normalize(%q) expected ErrPathTraversal, got %v", c, err)
		}
	}
}

func TestResolverLayout(t *testing.T) {
	root := t.TempDir()
	r := NewResolver(root)

	orig, err := r.OriginalPath("proj1", "main", "notes/protocol.pdf")
	if err != nil {
		t.Fatalf("OriginalPath error: %v", err)
	}
	want := filepath.Join(root, "proj1", "main", "originals", "notes", "protocol.pdf")
	if orig != want {
		t.Fatalf("original path mismatch: got %q want %q", orig, want)
	}

	conv, err := r.ConvertedPath("proj1", "main", "notes/protocol.pdf")
	if err != nil {
		t.Fatalf("ConvertedPath error: %v", err)
	}
	want = filepath.Join(root, "proj1", "main", ".registry", "converted", "notes", "protocol.pdf.md")
	if conv != want {
		t.Fatalf("converted path mismatch: got %q want %q", conv, want)
	}

	ledger, err := r.LedgerPath("proj1", "main")
	if err != nil {
		t.Fatalf("LedgerPath error: %v", err)
	}
	want = filepath.Join(root, "proj1", "main", ".registry", "file_registry.json")
	if ledger != want {
		t.Fatalf("ledger path mismatch: got %q want %q", ledger, want)
	}
}

func TestResolverRejectsBadIdentifiers(t *testing.T) {
	r := NewResolver(t.TempDir())
	if _, err := r.OriginalPath("../proj", "main", "a.txt"); !errors.Is(err, ErrPathTraversal) {
		t.Fatalf("expected ErrPathTraversal for project id, got %v", err)
	}
	if _, err := r.OriginalPath("proj1", "a/b", "a.txt"); !errors.Is(err, ErrPathTraversal) {
		t.Fatalf("expected ErrPathTraversal for workspace, got %v", err)
	}
	if _, err := r.OriginalPath("proj1", "main", "../../etc/passwd"); !errors.Is(err, ErrPathTraversal) {
		t.Fatalf("expected ErrPathTraversal for relative path, got %v", err)
	}
}

func TestResolverRejectsSymlinkEscape(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("symlinks unavailable")
	}
	root := t.TempDir()
	outside := t.TempDir()
	r := NewResolver(root)

	base := filepath.Join(root, "proj1", "main", "originals")
	if err := os.MkdirAll(base, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.Symlink(outside, filepath.Join(base, "leak")); err != nil {
		t.Fatalf("symlink: %v", err)
	}

	if _, err := r.OriginalPath("proj1", "main", "leak/secret.txt"); !errors.Is(err, ErrPathTraversal) {
		t.Fatalf("expected ErrPathTraversal via symlink, got %v", err)
	}
}
