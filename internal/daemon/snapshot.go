package daemon

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// atomicWriteJSON marshals v and writes it to path via a temp file plus
// rename, so a reader never observes a partially-written snapshot.
func atomicWriteJSON(path string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp snapshot file: %w", err)
	}
	tmpPath := tmp.Name()
	ok := false
	defer func() {
		if !ok {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp snapshot file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("rename snapshot file: %w", err)
	}
	ok = true
	return nil
}

// connectedAgentsSnapshot is connected-agents.json (§6): who is on the wire
// right now, split by entity type.
type connectedAgentsSnapshot struct {
	Agents    []string `json:"agents"`
	Users     []string `json:"users"`
	UpdatedAt int64    `json:"updatedAt"`
}

// processingStateSnapshot is processing-state.json (§6): agents whose PTY is
// mid-creation, refreshed every 500ms and withheld during shutdown so a
// reader never sees a spawn that will never finish.
type processingStateSnapshot struct {
	ProcessingAgents []string `json:"processingAgents"`
	UpdatedAt        int64    `json:"updatedAt"`
}
