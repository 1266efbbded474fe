// Package backup keeps checksummed snapshots of configuration artifacts.
//
// Layout under the store root:
//
//	<artifact>/<id>/manifest.json
//	<artifact>/<id>/<nn>-<basename>
//	<artifact>/latest
//
// latest holds the id of the newest complete snapshot and is rewritten
// only after that snapshot has been verified on disk.
package backup

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	manifestName = "manifest.json"
	latestName   = "latest"
	partialExt   = ".partial"
	idLayout     = "20060102T150405.000Z"
)

var (
	// ErrIntegrity means a source or a stored copy failed an integrity check.
	ErrIntegrity = errors.New("backup integrity failure")
	// ErrNotFound means no snapshot matched.
	ErrNotFound = errors.New("backup not found")
)

var artifactPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_.-]*$`)

// File is one captured source file.
type File struct {
	Source string      `json:"source"`
	Name   string      `json:"name"`
	Size   int64       `json:"size"`
	Mode   fs.FileMode `json:"mode"`
	SHA256 string      `json:"sha256"`
}

// Manifest describes one snapshot.
type Manifest struct {
	ID        string    `json:"id"`
	Artifact  string    `json:"artifact"`
	CreatedAt time.Time `json:"created_at"`
	Files     []File    `json:"files"`
}

// Store manages snapshots below a root directory.
type Store struct {
	root string
	now  func() time.Time
}

// NewStore returns a store rooted at dir.
func NewStore(dir string) *Store {
	return &Store{root: dir, now: time.Now}
}

// Root returns the store directory.
func (s *Store) Root() string { return s.root }

func (s *Store) artifactDir(artifact string) (string, error) {
	if !artifactPattern.MatchString(artifact) {
		return "", fmt.Errorf("invalid artifact name %q", artifact)
	}
	return filepath.Join(s.root, artifact), nil
}

// Snapshot copies files into a new snapshot for artifact. Zero-byte or
// missing sources abort before anything is written.
func (s *Store) Snapshot(artifact string, files []string) (*Manifest, error) {
	dir, err := s.artifactDir(artifact)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("%w: no files to snapshot", ErrIntegrity)
	}

	type source struct {
		path string
		data []byte
		mode fs.FileMode
	}
	sources := make([]source, 0, len(files))
	for _, f := range files {
		info, err := os.Stat(f)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrIntegrity, err)
		}
		if !info.Mode().IsRegular() {
			return nil, fmt.Errorf("%w: %s is not a regular file", ErrIntegrity, f)
		}
		if info.Size() == 0 {
			return nil, fmt.Errorf("%w: %s is empty", ErrIntegrity, f)
		}
		data, err := os.ReadFile(f)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrIntegrity, err)
		}
		if len(data) == 0 {
			return nil, fmt.Errorf("%w: %s is empty", ErrIntegrity, f)
		}
		sources = append(sources, source{path: f, data: data, mode: info.Mode().Perm()})
	}

	created := s.now().UTC()
	m := &Manifest{
		ID:        created.Format(idLayout) + "-" + uuid.NewString()[:8],
		Artifact:  artifact,
		CreatedAt: created,
	}

	partial := filepath.Join(dir, m.ID+partialExt)
	if err := os.MkdirAll(partial, 0700); err != nil {
		return nil, fmt.Errorf("create snapshot dir: %w", err)
	}
	cleanup := func() { os.RemoveAll(partial) }

	for i, src := range sources {
		name := fmt.Sprintf("%02d-%s", i, filepath.Base(src.path))
		if err := os.WriteFile(filepath.Join(partial, name), src.data, 0600); err != nil {
			cleanup()
			return nil, fmt.Errorf("write copy of %s: %w", src.path, err)
		}
		m.Files = append(m.Files, File{
			Source: src.path,
			Name:   name,
			Size:   int64(len(src.data)),
			Mode:   src.mode,
			SHA256: hashBytes(src.data),
		})
	}

	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		cleanup()
		return nil, err
	}
	if err := os.WriteFile(filepath.Join(partial, manifestName), data, 0600); err != nil {
		cleanup()
		return nil, fmt.Errorf("write manifest: %w", err)
	}
	if err := verifyDir(partial, m); err != nil {
		cleanup()
		return nil, err
	}

	final := filepath.Join(dir, m.ID)
	if err := os.Rename(partial, final); err != nil {
		cleanup()
		return nil, fmt.Errorf("finalize snapshot: %w", err)
	}
	if err := WriteAtomic(filepath.Join(dir, latestName), []byte(m.ID+"\n"), 0600); err != nil {
		return nil, fmt.Errorf("update latest pointer: %w", err)
	}
	return m, nil
}

// Latest returns the snapshot the latest pointer names.
func (s *Store) Latest(artifact string) (*Manifest, error) {
	dir, err := s.artifactDir(artifact)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(dir, latestName))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: no snapshot of %s", ErrNotFound, artifact)
	}
	if err != nil {
		return nil, err
	}
	return s.Get(artifact, strings.TrimSpace(string(data)))
}

// Get loads one snapshot manifest.
func (s *Store) Get(artifact, id string) (*Manifest, error) {
	dir, err := s.artifactDir(artifact)
	if err != nil {
		return nil, err
	}
	if id == "" || id != filepath.Base(id) || strings.HasPrefix(id, ".") || strings.HasSuffix(id, partialExt) {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	data, err := os.ReadFile(filepath.Join(dir, id, manifestName))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, artifact, id)
	}
	if err != nil {
		return nil, err
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: manifest %s: %v", ErrIntegrity, id, err)
	}
	if m.ID != id || m.Artifact != artifact {
		return nil, fmt.Errorf("%w: manifest %s does not match its location", ErrIntegrity, id)
	}
	return &m, nil
}

// List returns complete snapshots of artifact, newest first.
func (s *Store) List(artifact string) ([]Manifest, error) {
	dir, err := s.artifactDir(artifact)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []Manifest
	for _, e := range entries {
		if !e.IsDir() || strings.HasSuffix(e.Name(), partialExt) {
			continue
		}
		m, err := s.Get(artifact, e.Name())
		if err != nil {
			continue
		}
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// Verify re-hashes every stored copy against the manifest.
func (s *Store) Verify(m *Manifest) error {
	dir, err := s.artifactDir(m.Artifact)
	if err != nil {
		return err
	}
	return verifyDir(filepath.Join(dir, m.ID), m)
}

// Restore verifies the snapshot and writes every copy back over its source.
func (s *Store) Restore(m *Manifest) error {
	if err := s.Verify(m); err != nil {
		return err
	}
	dir, _ := s.artifactDir(m.Artifact)
	for _, f := range m.Files {
		data, err := os.ReadFile(filepath.Join(dir, m.ID, f.Name))
		if err != nil {
			return fmt.Errorf("read copy %s: %w", f.Name, err)
		}
		mode := f.Mode
		if mode == 0 {
			mode = 0644
		}
		if err := WriteAtomic(f.Source, data, mode); err != nil {
			return fmt.Errorf("restore %s: %w", f.Source, err)
		}
	}
	return nil
}

// Prune removes all but the newest keep snapshots. The snapshot latest
// points at is never removed.
func (s *Store) Prune(artifact string, keep int) ([]string, error) {
	if keep < 1 {
		keep = 1
	}
	list, err := s.List(artifact)
	if err != nil {
		return nil, err
	}
	latestID := ""
	if m, err := s.Latest(artifact); err == nil {
		latestID = m.ID
	}
	dir, _ := s.artifactDir(artifact)

	var removed []string
	for i, m := range list {
		if i < keep || m.ID == latestID {
			continue
		}
		if err := os.RemoveAll(filepath.Join(dir, m.ID)); err != nil {
			return removed, fmt.Errorf("remove %s: %w", m.ID, err)
		}
		removed = append(removed, m.ID)
	}
	return removed, nil
}

func verifyDir(dir string, m *Manifest) error {
	if len(m.Files) == 0 {
		return fmt.Errorf("%w: snapshot %s lists no files", ErrIntegrity, m.ID)
	}
	for _, f := range m.Files {
		if f.Name != filepath.Base(f.Name) {
			return fmt.Errorf("%w: bad file name %q in %s", ErrIntegrity, f.Name, m.ID)
		}
		sum, size, err := hashFile(filepath.Join(dir, f.Name))
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrIntegrity, f.Name, err)
		}
		if size != f.Size || sum != f.SHA256 {
			return fmt.Errorf("%w: %s checksum mismatch in %s", ErrIntegrity, f.Name, m.ID)
		}
	}
	return nil
}

func hashFile(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()

	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

func hashBytes(b []byte) string {
	h := sha256.Sum256(b)
	return hex.EncodeToString(h[:])
}

// WriteAtomic writes via a temp file in the target directory and renames.
func WriteAtomic(path string, data []byte, mode fs.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	name := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(name)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(name)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(name)
		return err
	}
	if err := os.Chmod(name, mode); err != nil {
		os.Remove(name)
		return err
	}
	return os.Rename(name, path)
}
