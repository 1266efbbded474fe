package pipeline

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const caddyfile = "example.com {\n\treverse_proxy 127.0.0.1:8080\n}\n"

func TestPatchIsIdempotent(t *testing.T) {
	blocks := []Block{
		{Name: "headers", Body: "header {\n\t-Server\n}"},
		{Name: "metrics", Body: ":9180 {\n\tmetrics\n}\n"},
	}
	once, inserted, err := Patch([]byte(caddyfile), blocks)
	if err != nil {
		t.Fatal(err)
	}
	if len(inserted) != 2 {
		t.Fatalf("expected 2 blocks inserted, got %v", inserted)
	}
	twice, inserted, err := Patch(once, blocks)
	if err != nil {
		t.Fatal(err)
	}
	if len(inserted) != 0 {
		t.Errorf("second patch inserted %v", inserted)
	}
	if !bytes.Equal(once, twice) {
		t.Errorf("second patch changed content:\n%s\n---\n%s", once, twice)
	}
	if !strings.Contains(string(once), "# BEGIN tiergate:headers\nheader {") ||
		!strings.Contains(string(once), "# END tiergate:metrics\n") {
		t.Errorf("unexpected markers:\n%s", once)
	}
}

func TestPatchAddsNewlineBeforeBlock(t *testing.T) {
	out, _, err := Patch([]byte("no trailing newline"), []Block{{Name: "a", Body: "x"}})
	if err != nil {
		t.Fatal(err)
	}
	want := "no trailing newline\n# BEGIN tiergate:a\nx\n# END tiergate:a\n"
	if string(out) != want {
		t.Errorf("got %q, want %q", out, want)
	}
}

func TestPatchRejectsMalformed(t *testing.T) {
	tests := []struct {
		name    string
		content string
		blocks  []Block
	}{
		{"begin without end", "# BEGIN tiergate:a\nx\n", []Block{{Name: "a"}}},
		{"end without begin", "x\n# END tiergate:a\n", []Block{{Name: "a"}}},
		{"end before begin", "# END tiergate:a\n# BEGIN tiergate:a\n", []Block{{Name: "a"}}},
		{"bad name", "", []Block{{Name: "A B"}}},
		{"duplicate", "", []Block{{Name: "a"}, {Name: "a"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, _, err := Patch([]byte(tt.content), tt.blocks); !errors.Is(err, ErrMarker) {
				t.Fatalf("expected ErrMarker, got %v", err)
			}
		})
	}
}

func TestPatchFileLeavesUnchangedFileAlone(t *testing.T) {
	path := filepath.Join(t.TempDir(), "Caddyfile")
	os.WriteFile(path, []byte(caddyfile), 0640)
	blocks := []Block{{Name: "a", Body: "x"}}

	if _, err := PatchFile(path, blocks); err != nil {
		t.Fatal(err)
	}
	before, _ := os.Stat(path)
	inserted, err := PatchFile(path, blocks)
	if err != nil {
		t.Fatal(err)
	}
	if len(inserted) != 0 {
		t.Errorf("expected no insertion, got %v", inserted)
	}
	after, _ := os.Stat(path)
	if !after.ModTime().Equal(before.ModTime()) || after.Mode().Perm() != 0640 {
		t.Errorf("file rewritten or mode changed: %v %v", after.ModTime(), after.Mode())
	}
}
