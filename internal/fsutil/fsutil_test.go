package fsutil

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o640); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return string(b)
}

func TestCopyFile(t *testing.T) {
	tests := []struct {
		name string
		opts CopyOptions
	}{
		{"in place", CopyOptions{}},
		{"atomic", CopyOptions{Atomic: true}},
		{"atomic verified", CopyOptions{Atomic: true, VerifyChecksum: true}},
		{"no clobber", CopyOptions{NoClobber: true}},
		{"atomic no clobber", CopyOptions{Atomic: true, NoClobber: true}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			src := filepath.Join(dir, "src.bin")
			dst := filepath.Join(dir, "out", "dst.bin")
			if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
				t.Fatal(err)
			}
			writeFile(t, src, strings.Repeat("payload", 10000))

			if err := CopyFile(src, dst, tt.opts); err != nil {
				t.Fatalf("CopyFile() error = %v", err)
			}
			if readFile(t, dst) != readFile(t, src) {
				t.Error("destination content differs from source")
			}
			if _, err := os.Stat(src); err != nil {
				t.Error("copy removed the source")
			}
			entries, _ := os.ReadDir(filepath.Dir(dst))
			for _, e := range entries {
				if IsTemp(e.Name()) {
					t.Errorf("temporary file left behind: %s", e.Name())
				}
			}
			info, _ := os.Stat(dst)
			if info.Mode().Perm() != 0o640 {
				t.Errorf("mode = %v, want 0640", info.Mode().Perm())
			}
		})
	}
}

func TestCopyFile_NoClobberRefusesExisting(t *testing.T) {
	for _, atomic := range []bool{false, true} {
		dir := t.TempDir()
		src := filepath.Join(dir, "src")
		dst := filepath.Join(dir, "dst")
		writeFile(t, src, "new")
		writeFile(t, dst, "old")

		err := CopyFile(src, dst, CopyOptions{Atomic: atomic, NoClobber: true})
		if !errors.Is(err, fs.ErrExist) {
			t.Errorf("atomic=%v: error = %v, want fs.ErrExist", atomic, err)
		}
		if readFile(t, dst) != "old" {
			t.Errorf("atomic=%v: existing destination was modified", atomic)
		}
	}
}

func TestCopyFile_OverwriteReplaces(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	dst := filepath.Join(dir, "dst")
	writeFile(t, src, "new")
	writeFile(t, dst, "old content that is longer")

	if err := CopyFile(src, dst, CopyOptions{Atomic: true}); err != nil {
		t.Fatalf("CopyFile() error = %v", err)
	}
	if got := readFile(t, dst); got != "new" {
		t.Errorf("content = %q, want new", got)
	}
}

func TestCopyFile_MissingSource(t *testing.T) {
	dir := t.TempDir()
	err := CopyFile(filepath.Join(dir, "nope"), filepath.Join(dir, "dst"), CopyOptions{})
	if !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("error = %v, want fs.ErrNotExist", err)
	}
}

func TestCopyFile_Directory(t *testing.T) {
	dir := t.TempDir()
	if err := CopyFile(dir, filepath.Join(dir, "x"), CopyOptions{}); err == nil {
		t.Error("copying a directory should fail")
	}
}

func TestMoveFile(t *testing.T) {
	for _, noClobber := range []bool{false, true} {
		dir := t.TempDir()
		src := filepath.Join(dir, "a.txt")
		dst := filepath.Join(dir, "b.txt")
		writeFile(t, src, "hello")

		if err := MoveFile(src, dst, CopyOptions{NoClobber: noClobber}); err != nil {
			t.Fatalf("noClobber=%v: MoveFile() error = %v", noClobber, err)
		}
		if _, err := os.Stat(src); !os.IsNotExist(err) {
			t.Errorf("noClobber=%v: source still exists", noClobber)
		}
		if readFile(t, dst) != "hello" {
			t.Errorf("noClobber=%v: destination content wrong", noClobber)
		}
	}
}

func TestMoveFile_NoClobberKeepsSource(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "a.txt")
	dst := filepath.Join(dir, "b.txt")
	writeFile(t, src, "new")
	writeFile(t, dst, "old")

	err := MoveFile(src, dst, CopyOptions{NoClobber: true})
	if !errors.Is(err, fs.ErrExist) {
		t.Fatalf("error = %v, want fs.ErrExist", err)
	}
	if readFile(t, src) != "new" || readFile(t, dst) != "old" {
		t.Error("failed move must leave both files untouched")
	}
}

func TestChecksum(t *testing.T) {
	path := filepath.Join(t.TempDir(), "f")
	writeFile(t, path, "abc")

	got, err := Checksum(path)
	if err != nil {
		t.Fatalf("Checksum() error = %v", err)
	}
	const want = "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad"
	if got != want {
		t.Errorf("Checksum() = %s, want %s", got, want)
	}
}

func TestSecureRemove(t *testing.T) {
	path := filepath.Join(t.TempDir(), "secret")
	writeFile(t, path, strings.Repeat("s", 100000))

	if err := SecureRemove(path); err != nil {
		t.Fatalf("SecureRemove() error = %v", err)
	}
	if ok, _ := Exists(path); ok {
		t.Error("file still exists")
	}
	if err := SecureRemove(path); !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("second SecureRemove error = %v, want fs.ErrNotExist", err)
	}
}

func TestExistsAndIsTemp(t *testing.T) {
	dir := t.TempDir()
	if ok, err := Exists(dir); !ok || err != nil {
		t.Errorf("Exists(dir) = %v, %v", ok, err)
	}
	if ok, err := Exists(filepath.Join(dir, "nope")); ok || err != nil {
		t.Errorf("Exists(missing) = %v, %v", ok, err)
	}
	if !IsTemp("/x/" + TempPrefix + "123") {
		t.Error("IsTemp should match temp prefix")
	}
	if IsTemp("/x/report.pdf") {
		t.Error("IsTemp matched a regular file")
	}
	if !IsInternal("/dl/report.pdf" + SidecarSuffix) {
		t.Error("IsInternal should match sidecars")
	}
	if IsInternal("/x/report.pdf") {
		t.Error("IsInternal matched a regular file")
	}
}
