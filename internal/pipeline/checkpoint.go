package pipeline

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// Checkpoint records which phases have completed per batch, so a rerun
// can skip straight to the remaining work.
type Checkpoint struct {
	path string

	Phases map[string][]string `json:"phases"`
}

// LoadCheckpoint reads the checkpoint file; a missing file is an empty
// checkpoint.
func LoadCheckpoint(path string) (*Checkpoint, error) {
	cp := &Checkpoint{path: path, Phases: make(map[string][]string)}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return cp, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read checkpoint %s: %w", path, err)
	}
	if err := json.Unmarshal(data, cp); err != nil {
		return nil, fmt.Errorf("parse checkpoint %s: %w", path, err)
	}
	if cp.Phases == nil {
		cp.Phases = make(map[string][]string)
	}
	return cp, nil
}

// Done reports whether the phase already completed for the batch.
func (c *Checkpoint) Done(batch, phase string) bool {
	for _, p := range c.Phases[batch] {
		if p == phase {
			return true
		}
	}
	return false
}

// MarkDone records a completed phase and persists the file atomically.
func (c *Checkpoint) MarkDone(batch, phase string) error {
	if !c.Done(batch, phase) {
		c.Phases[batch] = append(c.Phases[batch], phase)
	}
	return c.save()
}

// Clear forgets a batch entirely (used by forced restarts).
func (c *Checkpoint) Clear(batch string) error {
	delete(c.Phases, batch)
	return c.save()
}

func (c *Checkpoint) save() error {
	if c.path == "" {
		return errors.New("checkpoint has no backing path")
	}
	if err := os.MkdirAll(filepath.Dir(c.path), 0o755); err != nil {
		return fmt.Errorf("create checkpoint directory: %w", err)
	}
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}
	tmp := c.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write checkpoint: %w", err)
	}
	if err := os.Rename(tmp, c.path); err != nil {
		return fmt.Errorf("replace checkpoint: %w", err)
	}
	return nil
}
