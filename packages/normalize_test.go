package packages

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stagecraft/stagecraft/internal/log"
)

func TestNormalizeRewritesAbsoluteSymlinks(t *testing.T) {
	installDir := t.TempDir()

	libDir := filepath.Join(installDir, "usr", "lib")
	if err := os.MkdirAll(libDir, 0755); err != nil {
		t.Fatalf("Failed to create lib dir: %v", err)
	}
	target := filepath.Join(libDir, "libfoo.so.1")
	if err := os.WriteFile(target, []byte("elf"), 0644); err != nil {
		t.Fatalf("Failed to write target: %v", err)
	}
	link := filepath.Join(libDir, "libfoo.so")
	if err := os.Symlink("/usr/lib/libfoo.so.1", link); err != nil {
		t.Fatalf("Failed to create symlink: %v", err)
	}

	if err := normalize(installDir, log.WithComponent("test")); err != nil {
		t.Fatalf("normalize failed: %v", err)
	}

	got, err := os.Readlink(link)
	if err != nil {
		t.Fatalf("Failed to read link: %v", err)
	}
	if got != "libfoo.so.1" {
		t.Errorf("Expected relative link libfoo.so.1, got %q", got)
	}
}

func TestNormalizeLeavesRelativeSymlinks(t *testing.T) {
	installDir := t.TempDir()

	if err := os.WriteFile(filepath.Join(installDir, "a"), []byte("x"), 0644); err != nil {
		t.Fatalf("Failed to write file: %v", err)
	}
	link := filepath.Join(installDir, "b")
	if err := os.Symlink("a", link); err != nil {
		t.Fatalf("Failed to create symlink: %v", err)
	}

	if err := normalize(installDir, log.WithComponent("test")); err != nil {
		t.Fatalf("normalize failed: %v", err)
	}

	got, err := os.Readlink(link)
	if err != nil {
		t.Fatalf("Failed to read link: %v", err)
	}
	if got != "a" {
		t.Errorf("Expected link left as a, got %q", got)
	}
}

func TestNormalizeLeavesDanglingAbsoluteSymlinks(t *testing.T) {
	installDir := t.TempDir()

	link := filepath.Join(installDir, "dangling")
	if err := os.Symlink("/not/in/tree", link); err != nil {
		t.Fatalf("Failed to create symlink: %v", err)
	}

	if err := normalize(installDir, log.WithComponent("test")); err != nil {
		t.Fatalf("normalize failed: %v", err)
	}

	got, err := os.Readlink(link)
	if err != nil {
		t.Fatalf("Failed to read link: %v", err)
	}
	if got != "/not/in/tree" {
		t.Errorf("Expected dangling link untouched, got %q", got)
	}
}

func TestNormalizeRewritesPkgConfigPrefix(t *testing.T) {
	installDir := t.TempDir()

	pcDir := filepath.Join(installDir, "usr", "lib", "pkgconfig")
	if err := os.MkdirAll(pcDir, 0755); err != nil {
		t.Fatalf("Failed to create pkgconfig dir: %v", err)
	}
	pc := filepath.Join(pcDir, "foo.pc")
	content := "prefix=/usr\nexec_prefix=${prefix}\nName: foo\n"
	if err := os.WriteFile(pc, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write pc file: %v", err)
	}

	if err := normalize(installDir, log.WithComponent("test")); err != nil {
		t.Fatalf("normalize failed: %v", err)
	}

	data, err := os.ReadFile(pc)
	if err != nil {
		t.Fatalf("Failed to read pc file: %v", err)
	}
	want := "prefix=" + filepath.Join(installDir, "usr") + "\nexec_prefix=${prefix}\nName: foo\n"
	if string(data) != want {
		t.Errorf("Expected %q, got %q", want, string(data))
	}
}
