package workdir

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

func testBrowser(t *testing.T) (*Browser, string) {
	t.Helper()
	root := t.TempDir()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(root, logger), root
}

func TestResolve_Containment(t *testing.T) {
	b, root := testBrowser(t)

	sub := filepath.Join(root, "project")
	if err := os.Mkdir(sub, 0o755); err != nil {
		t.Fatal(err)
	}

	got, err := b.Resolve(sub)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got != b.Root()+string(filepath.Separator)+"project" && got != sub {
		t.Fatalf("unexpected path: %q", got)
	}

	// empty means the root
	if got, err := b.Resolve(""); err != nil || got != b.Root() {
		t.Fatalf("empty should resolve to root, got %q, %v", got, err)
	}

	// relative joins onto the root
	if _, err := b.Resolve("project"); err != nil {
		t.Fatalf("relative resolve: %v", err)
	}

	// escapes are rejected
	if _, err := b.Resolve("/etc"); err == nil {
		t.Fatal("expected rejection outside root")
	}
	if _, err := b.Resolve("../../etc"); err == nil {
		t.Fatal("expected rejection of traversal")
	}
}

func TestResolve_SymlinkEscape(t *testing.T) {
	b, root := testBrowser(t)

	outside := t.TempDir()
	link := filepath.Join(root, "sneaky")
	if err := os.Symlink(outside, link); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}

	if _, err := b.Resolve(link); err == nil {
		t.Fatal("symlink pointing outside the root must be rejected")
	}
}

func TestList_SkipsDotfiles(t *testing.T) {
	b, root := testBrowser(t)

	os.Mkdir(filepath.Join(root, "src"), 0o755)
	os.WriteFile(filepath.Join(root, "main.go"), []byte("package main"), 0o644)
	os.WriteFile(filepath.Join(root, ".env"), []byte("SECRET=1"), 0o644)

	listing, err := b.List("", false)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(listing.Entries) != 2 {
		t.Fatalf("expected 2 entries, got %+v", listing.Entries)
	}

	withHidden, err := b.List("", true)
	if err != nil {
		t.Fatalf("list hidden: %v", err)
	}
	if len(withHidden.Entries) != 3 {
		t.Fatalf("expected 3 entries with hidden, got %+v", withHidden.Entries)
	}
}

func TestView_TextFile(t *testing.T) {
	b, root := testBrowser(t)

	path := filepath.Join(root, "main.go")
	os.WriteFile(path, []byte("package main\n"), 0o644)

	view, err := b.View(path)
	if err != nil {
		t.Fatalf("view: %v", err)
	}
	if view.Content != "package main\n" || view.Language != "go" {
		t.Fatalf("unexpected view: %+v", view)
	}
}

func TestView_RejectsBinary(t *testing.T) {
	b, root := testBrowser(t)

	path := filepath.Join(root, "blob.bin")
	os.WriteFile(path, []byte{0x7f, 0x45, 0x4c, 0x46, 0x00, 0x01}, 0o644)

	if _, err := b.View(path); err == nil {
		t.Fatal("binary files must be rejected")
	}
}

func TestView_RejectsDirectory(t *testing.T) {
	b, root := testBrowser(t)
	if _, err := b.View(root); err == nil {
		t.Fatal("directories must be rejected")
	}
}
