package message

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"imsdk/internal/store"
)

// FileSidecar durably records latency-first messages in a single JSON file
// (rewritten whole on each change) before an async worker writes them to
// the store, so a message not yet in the store survives a restart and is
// drained by RecoverPending. It serves the Message Manager's async persist
// path (spec §4.9); the Send Queue keeps no file of its own.
type FileSidecar struct {
	mu   sync.Mutex
	path string
}

// NewFileSidecar opens (or creates) the sidecar file at path.
func NewFileSidecar(path string) (*FileSidecar, error) {
	s := &FileSidecar{path: path}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := s.writeLocked(map[string]store.MessageRow{}); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *FileSidecar) readLocked() (map[string]store.MessageRow, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return map[string]store.MessageRow{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("sidecar: read: %w", err)
	}
	if len(data) == 0 {
		return map[string]store.MessageRow{}, nil
	}
	var rows map[string]store.MessageRow
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, fmt.Errorf("sidecar: decode: %w", err)
	}
	return rows, nil
}

func (s *FileSidecar) writeLocked(rows map[string]store.MessageRow) error {
	data, err := json.Marshal(rows)
	if err != nil {
		return fmt.Errorf("sidecar: encode: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("sidecar: write temp: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("sidecar: rename: %w", err)
	}
	return nil
}

// Stage durably records row before it is handed to an async worker.
func (s *FileSidecar) Stage(row store.MessageRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := s.readLocked()
	if err != nil {
		return err
	}
	rows[row.MessageID] = row
	return s.writeLocked(rows)
}

// Clear removes messageID from the sidecar once the async write succeeds.
func (s *FileSidecar) Clear(messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := s.readLocked()
	if err != nil {
		return err
	}
	if _, ok := rows[messageID]; !ok {
		return nil
	}
	delete(rows, messageID)
	return s.writeLocked(rows)
}

// Pending returns every staged-but-unwritten message, for startup recovery.
func (s *FileSidecar) Pending() ([]store.MessageRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := s.readLocked()
	if err != nil {
		return nil, err
	}
	out := make([]store.MessageRow, 0, len(rows))
	for _, r := range rows {
		out = append(out, r)
	}
	return out, nil
}
