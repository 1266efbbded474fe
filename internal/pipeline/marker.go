package pipeline

import (
	"bytes"
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/ppiankov/tiergate/internal/pipeline/backup"
)

const markerPrefix = "tiergate:"

var blockName = regexp.MustCompile(`^[a-z0-9][a-z0-9_.-]*$`)

// Block is a named snippet inserted between marker comments.
type Block struct {
	Name string
	Body string
}

// BeginMarker returns the opening marker line for name.
func BeginMarker(name string) string { return "# BEGIN " + markerPrefix + name }

// EndMarker returns the closing marker line for name.
func EndMarker(name string) string { return "# END " + markerPrefix + name }

// Patch appends each block not already present in content. It returns the
// new content and the names of the blocks it inserted; when none were
// inserted the content is returned unchanged.
func Patch(content []byte, blocks []Block) ([]byte, []string, error) {
	lines := map[string]int{}
	for i, l := range strings.Split(string(content), "\n") {
		l = strings.TrimSpace(l)
		if _, ok := lines[l]; !ok {
			lines[l] = i
		}
	}

	out := bytes.NewBuffer(append([]byte(nil), content...))
	var inserted []string
	seen := map[string]bool{}
	for _, b := range blocks {
		if !blockName.MatchString(b.Name) {
			return nil, nil, fmt.Errorf("%w: invalid block name %q", ErrMarker, b.Name)
		}
		if seen[b.Name] {
			return nil, nil, fmt.Errorf("%w: duplicate block %q", ErrMarker, b.Name)
		}
		seen[b.Name] = true

		begin, hasBegin := lines[BeginMarker(b.Name)]
		end, hasEnd := lines[EndMarker(b.Name)]
		switch {
		case hasBegin && hasEnd && end > begin:
			continue
		case hasBegin || hasEnd:
			return nil, nil, fmt.Errorf("%w: %s has unbalanced markers", ErrMarker, b.Name)
		}

		if out.Len() > 0 && !bytes.HasSuffix(out.Bytes(), []byte("\n")) {
			out.WriteByte('\n')
		}
		out.WriteString(BeginMarker(b.Name) + "\n")
		if body := strings.TrimRight(b.Body, "\n"); body != "" {
			out.WriteString(body + "\n")
		}
		out.WriteString(EndMarker(b.Name) + "\n")
		inserted = append(inserted, b.Name)
	}
	if len(inserted) == 0 {
		return content, nil, nil
	}
	return out.Bytes(), inserted, nil
}

// PatchFile applies Patch to the file at path. The file is only rewritten
// when a block was inserted.
func PatchFile(path string, blocks []Block) ([]string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	patched, inserted, err := Patch(data, blocks)
	if err != nil || len(inserted) == 0 {
		return nil, err
	}
	if err := backup.WriteAtomic(path, patched, info.Mode().Perm()); err != nil {
		return nil, fmt.Errorf("write %s: %w", path, err)
	}
	return inserted, nil
}
