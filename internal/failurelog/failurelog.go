// Package failurelog records listing pages that could not be fetched, as a
// JSON array on disk.
package failurelog

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
)

// Record is one abandoned listing page.
type Record struct {
	City      string    `json:"city"`
	Category  string    `json:"category"`
	URL       string    `json:"url"`
	Timestamp time.Time `json:"timestamp"`
}

// Log appends records to a JSON array file. Appends are serialized within the
// process by a mutex and across processes by a lock file beside the log.
type Log struct {
	path string
	mu   sync.Mutex
	lock *flock.Flock
	now  func() time.Time
}

func New(path string) *Log {
	return &Log{
		path: path,
		lock: flock.New(path + ".lock"),
		now:  time.Now,
	}
}

func (l *Log) Path() string { return l.path }

// Append adds a record, stamping it with the current time when unset.
// Existing records are never rewritten or dropped.
func (l *Log) Append(r Record) error {
	if r.Timestamp.IsZero() {
		r.Timestamp = l.now().UTC()
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return fmt.Errorf("creating failure log dir: %w", err)
	}
	if err := l.lock.Lock(); err != nil {
		return fmt.Errorf("locking failure log: %w", err)
	}
	defer func() { _ = l.lock.Unlock() }()

	records, err := read(l.path)
	if err != nil {
		return err
	}
	records = append(records, r)

	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding failure log: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(l.path), filepath.Base(l.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("writing failure log: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("writing failure log: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("writing failure log: %w", err)
	}
	if err := os.Rename(tmp.Name(), l.path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("replacing failure log: %w", err)
	}
	return nil
}

// Records returns every record in file order.
func (l *Log) Records() ([]Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return read(l.path)
}

func read(path string) ([]Record, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading failure log: %w", err)
	}
	if len(data) == 0 {
		return nil, nil
	}

	var records []Record
	if err := json.Unmarshal(data, &records); err != nil {
		// A damaged log is left in place rather than overwritten.
		return nil, fmt.Errorf("parsing failure log %s: %w", path, err)
	}
	return records, nil
}
