package sandbox

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
)

// recoveryFile persists the ids of open sandbox containers so a crashed
// process can clean them up on the next start.
type recoveryFile struct {
	mu   sync.Mutex
	path string
}

type recoveryState struct {
	Containers []string `json:"containers"`
}

func newRecoveryFile(path string) *recoveryFile {
	if path == "" {
		path = filepath.Join(os.TempDir(), "ensemble-sandbox.json")
	}
	return &recoveryFile{path: path}
}

// load returns the recorded container ids. A missing or corrupt file
// reads as empty.
func (f *recoveryFile) load() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, err := os.ReadFile(f.path)
	if err != nil {
		return nil
	}
	var state recoveryState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil
	}
	return state.Containers
}

// store atomically replaces the recorded container ids. An empty list
// removes the file.
func (f *recoveryFile) store(ids []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(ids) == 0 {
		_ = os.Remove(f.path)
		return
	}
	data, err := json.Marshal(recoveryState{Containers: ids})
	if err != nil {
		return
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return
	}
	_ = os.Rename(tmp, f.path)
}

func (f *recoveryFile) clear() {
	f.store(nil)
}
