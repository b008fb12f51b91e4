package llm

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"
)

// persistIfExtended writes the cooldown state file whenever an endpoint's
// cooldown reaches the terminal (60s) progressive step, so a process
// restart cannot bypass it (spec.md §4.1 "Persisted state", §4.1
// "Cooldown schedule": "Extended cooldowns ... are persisted to disk").
func (p *Pool) persistIfExtended(st *ProviderState) {
	snap := st.Snapshot()
	if !snap.IsExtended {
		return
	}
	p.saveCooldownState()
}

// persistIfCleared writes the cooldown state file after a success; it saves
// every time, whether or not a cooldown was cleared.
func (p *Pool) persistIfCleared(st *ProviderState) {
	p.saveCooldownState()
}

func (p *Pool) saveCooldownState() {
	if p.cooldownStatePath == "" {
		return
	}
	p.mu.RLock()
	state := make(map[string]Snapshot, len(p.states))
	for _, st := range p.states {
		snap := st.Snapshot()
		if snap.IsExtended {
			state[snap.EndpointName] = snap
		}
	}
	p.mu.RUnlock()

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return
	}
	writeFileAtomic(p.cooldownStatePath, data)
}

func (p *Pool) loadCooldownState() {
	if p.cooldownStatePath == "" {
		return
	}
	data, err := os.ReadFile(p.cooldownStatePath)
	if err != nil {
		return
	}
	var state map[string]Snapshot
	if err := json.Unmarshal(data, &state); err != nil {
		return
	}
	now := time.Now()
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, st := range p.states {
		if snap, ok := state[st.Endpoint().Name]; ok {
			st.RestoreExtended(snap, now)
		}
	}
}

// writeFileAtomic writes via a tempfile + rename, per spec.md §6.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}
