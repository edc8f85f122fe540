package relay

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
)

// Journal is the write-ahead mirror of the write-back buffer. A restart
// replays ReadAll into the buffer, so the unflushed set survives crashes.
//
// Contract:
//   - Append records a newly buffered message.
//   - ReadAll returns every message appended and not yet truncated away.
//   - Truncate rewrites the journal to exactly the still-pending set after a
//     flush confirms removals.
type Journal interface {
	Append(m Message) error
	ReadAll() ([]Message, error)
	Truncate(pending []Message) error
	Close() error
}

// NopJournal discards everything. Used when no data directory is configured;
// the durability contract then only covers the process lifetime.
type NopJournal struct{}

func (NopJournal) Append(Message) error        { return nil }
func (NopJournal) ReadAll() ([]Message, error) { return nil, nil }
func (NopJournal) Truncate([]Message) error    { return nil }
func (NopJournal) Close() error                { return nil }

// FileJournal is a JSON-lines journal: appends are O(1) single-line writes,
// truncation rewrites the file atomically via rename.
type FileJournal struct {
	path string

	mu sync.Mutex
	f  *os.File
}

// NewFileJournal opens (creating if needed) a journal file at path.
func NewFileJournal(path string) (*FileJournal, error) {
	if path == "" {
		return nil, errors.New("relay: empty journal path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("journal dir: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("journal open: %w", err)
	}
	return &FileJournal{path: path, f: f}, nil
}

// Append writes one message as a JSON line and syncs it to disk.
func (j *FileJournal) Append(m Message) error {
	b, err := json.Marshal(m)
	if err != nil {
		return err
	}
	b = append(b, '\n')

	j.mu.Lock()
	defer j.mu.Unlock()

	if j.f == nil {
		return errors.New("relay: journal closed")
	}
	if _, err := j.f.Write(b); err != nil {
		return fmt.Errorf("journal append: %w", err)
	}
	return j.f.Sync()
}

// ReadAll parses every journal line. A torn final line (partial write from a
// crash mid-append) is tolerated and dropped.
func (j *FileJournal) ReadAll() ([]Message, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	f, err := os.Open(j.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var out []Message
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64<<10), 1<<20)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var m Message
		if err := json.Unmarshal(line, &m); err != nil {
			// Torn tail from an interrupted append: stop here.
			break
		}
		out = append(out, m)
	}
	if err := sc.Err(); err != nil && !errors.Is(err, io.EOF) {
		return out, err
	}
	return out, nil
}

// Truncate atomically rewrites the journal to exactly the pending set.
func (j *FileJournal) Truncate(pending []Message) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	tmp := j.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("journal tmp: %w", err)
	}

	w := bufio.NewWriter(f)
	for _, m := range pending {
		b, err := json.Marshal(m)
		if err != nil {
			f.Close()
			return err
		}
		b = append(b, '\n')
		if _, err := w.Write(b); err != nil {
			f.Close()
			return err
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, j.path); err != nil {
		return fmt.Errorf("journal rename: %w", err)
	}

	// Reopen the append handle on the new file.
	if j.f != nil {
		_ = j.f.Close()
	}
	j.f, err = os.OpenFile(j.path, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("journal reopen: %w", err)
	}
	return nil
}

// Close releases the append handle.
func (j *FileJournal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.f == nil {
		return nil
	}
	err := j.f.Close()
	j.f = nil
	return err
}
