// internal/state/selection.go
package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/user/kbdesk/internal/types"
)

// selection is the on-disk shape of selection.json.
type selection struct {
	ConversationID types.ID  `json:"conversation_id,omitempty"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// SelectionStore remembers the active conversation between CLI invocations,
// standing in for the in-page selection of an interactive client.
type SelectionStore struct {
	path string
	mu   sync.RWMutex
}

// NewSelectionStore creates a SelectionStore at <root>/selection.json.
func NewSelectionStore(root string) *SelectionStore {
	return &SelectionStore{path: filepath.Join(root, "selection.json")}
}

// Selected returns the active conversation id, or "" when none is selected.
func (s *SelectionStore) Selected() (types.ID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sel, err := s.load()
	if err != nil {
		return "", err
	}
	return sel.ConversationID, nil
}

// Select stores id as the active conversation. An empty id clears the selection.
func (s *SelectionStore) Select(id types.ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.save(&selection{ConversationID: id, UpdatedAt: time.Now()})
}

func (s *SelectionStore) load() (*selection, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return &selection{}, nil
		}
		return nil, fmt.Errorf("read selection file: %w", err)
	}

	var sel selection
	if err := json.Unmarshal(data, &sel); err != nil {
		return nil, fmt.Errorf("unmarshal selection: %w", err)
	}
	return &sel, nil
}

// save writes the selection using atomic write (temp file + rename).
func (s *SelectionStore) save(sel *selection) error {
	data, err := json.MarshalIndent(sel, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal selection: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create selection dir: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write temp selection file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename temp selection file: %w", err)
	}
	return nil
}
