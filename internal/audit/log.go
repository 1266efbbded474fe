package audit

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// GenesisHash is the prev_hash for the first entry in a new audit log.
const GenesisHash = "sha256:0000000000000000000000000000000000000000000000000000000000000000"

// TimestampFormat is the layout used in audit entry timestamps.
const TimestampFormat = "2006-01-02T15:04:05.000Z"

// maxLineSize bounds a single JSONL line when scanning. Command output is
// never recorded, so entries stay small.
const maxLineSize = 1 << 20

// Log is an append-only JSONL audit log with SHA-256 hash chaining.
// Each entry's prev_hash is the hash of the previous entry's JSON line,
// forming a tamper-evident chain.
//
// Many gateway processes append to the same file. Record holds an
// exclusive flock for the duration of the append and re-reads the chain
// tail whenever another process has written since our last append.
type Log struct {
	path     string
	file     *os.File
	prevHash string
	size     int64
	mu       sync.Mutex
}

// Open opens (or creates) an audit log file for appending.
// If the file already exists, it reads the last line to recover the chain tail.
func Open(path string) (*Log, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("audit: create directory: %w", err)
	}

	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("audit: open file: %w", err)
	}

	l := &Log{path: path, file: file, prevHash: GenesisHash}
	if err := l.syncTail(); err != nil {
		file.Close()
		return nil, err
	}
	return l, nil
}

// Path returns the file backing the log.
func (l *Log) Path() string {
	return l.path
}

// Record appends an Entry to the log with hash chaining.
// It sets the entry's PrevHash and Timestamp (if empty), marshals to JSON,
// writes the line, and syncs to disk.
func (l *Log) Record(entry Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	fd := int(l.file.Fd())
	if err := unix.Flock(fd, unix.LOCK_EX); err != nil {
		return fmt.Errorf("audit: lock: %w", err)
	}
	defer unix.Flock(fd, unix.LOCK_UN)

	info, err := l.file.Stat()
	if err != nil {
		return fmt.Errorf("audit: stat: %w", err)
	}
	if info.Size() != l.size {
		if err := l.syncTail(); err != nil {
			return err
		}
	}

	if entry.Timestamp == "" {
		entry.Timestamp = time.Now().UTC().Format(TimestampFormat)
	}
	entry.PrevHash = l.prevHash

	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("audit: marshal entry: %w", err)
	}

	n, err := l.file.Write(append(line, '\n'))
	if err != nil {
		return fmt.Errorf("audit: write entry: %w", err)
	}

	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("audit: sync: %w", err)
	}

	l.prevHash = HashLine(line)
	l.size += int64(n)
	return nil
}

// Close flushes and closes the underlying file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}

// syncTail recomputes prevHash and size from the file on disk.
func (l *Log) syncTail() error {
	f, err := os.Open(l.path)
	if err != nil {
		return fmt.Errorf("audit: read existing log: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	var lastLine []byte
	var size int64
	for scanner.Scan() {
		raw := scanner.Bytes()
		size += int64(len(raw)) + 1
		lastLine = append(lastLine[:0], raw...)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("audit: scan existing log: %w", err)
	}

	l.prevHash = GenesisHash
	if len(lastLine) > 0 {
		l.prevHash = HashLine(lastLine)
	}
	if info, err := f.Stat(); err == nil {
		size = info.Size()
	}
	l.size = size
	return nil
}

// HashLine returns "sha256:<hex>" of the given bytes.
func HashLine(line []byte) string {
	h := sha256.Sum256(line)
	return "sha256:" + hex.EncodeToString(h[:])
}

// HashCommand returns the digest recorded in Request.CommandHash.
func HashCommand(cmd string) string {
	return HashLine([]byte(cmd))
}
