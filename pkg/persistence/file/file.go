// Package file provides file-based persistence: the in-memory store replayed
// from, and appended to, a JSON lines journal.
package file

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/dukex/orion/pkg/persistence/memory"
)

const journalFile = "orion-journal.jsonl"

type journalLine struct {
	Kind string          `json:"kind"`
	At   time.Time       `json:"at"`
	Data json.RawMessage `json:"data"`
}

// Persistence implements the persistence.Persistence interface using the file system.
type Persistence struct {
	*memory.Persistence

	root    string
	journal *journal
}

// NewPersistence opens (or creates) the journal under root and replays it.
func NewPersistence(root string) (*Persistence, error) {
	cleanRoot := strings.Replace(root, "file://", "", 1)

	err := os.MkdirAll(cleanRoot, 0o750)
	if err != nil {
		return nil, fmt.Errorf("failed to create persistence root %s: %w", cleanRoot, err)
	}

	path := filepath.Join(cleanRoot, journalFile)

	handle, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal %s: %w", path, err)
	}

	j := &journal{file: handle}
	store := memory.NewPersistence(memory.WithJournal(j))

	// Restore applies journaled mutations without writing them again.
	err = replay(path, store)
	if err != nil {
		_ = j.close()

		return nil, err
	}

	return &Persistence{
		Persistence: store,
		root:        cleanRoot,
		journal:     j,
	}, nil
}

// Close closes the journal file.
func (fp *Persistence) Close(_ context.Context) error {
	return fp.journal.close()
}

// HealthCheck checks that the root directory still exists.
func (fp *Persistence) HealthCheck(_ context.Context) error {
	if _, err := os.Stat(fp.root); os.IsNotExist(err) {
		return os.ErrNotExist
	}

	return nil
}

func replay(path string, store *memory.Persistence) error {
	handle, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}

	if err != nil {
		return fmt.Errorf("failed to open journal %s: %w", path, err)
	}

	defer func() { _ = handle.Close() }()

	scanner := bufio.NewScanner(handle)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	lineNo := 0

	for scanner.Scan() {
		lineNo++

		raw := scanner.Bytes()
		if len(strings.TrimSpace(string(raw))) == 0 {
			continue
		}

		var line journalLine
		if err := json.Unmarshal(raw, &line); err != nil {
			return fmt.Errorf("corrupt journal line %d: %w", lineNo, err)
		}

		if err := store.Restore(line.Kind, line.Data); err != nil {
			return fmt.Errorf("failed to replay journal line %d (%s): %w", lineNo, line.Kind, err)
		}
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read journal %s: %w", path, err)
	}

	return nil
}

type journal struct {
	mu   sync.Mutex
	file *os.File
}

// Append writes one line and syncs it before the mutation is applied.
func (j *journal) Append(kind string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", kind, err)
	}

	line, err := json.Marshal(journalLine{Kind: kind, At: time.Now().UTC(), Data: data})
	if err != nil {
		return fmt.Errorf("failed to encode journal line: %w", err)
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	if _, err := j.file.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("failed to write journal: %w", err)
	}

	return j.file.Sync()
}

func (j *journal) close() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if err := j.file.Close(); err != nil {
		return fmt.Errorf("failed to close journal: %w", err)
	}

	return nil
}
