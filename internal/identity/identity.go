// Package identity loads and refreshes the agent's identity context files:
// SOUL.md (core philosophy), AGENT.md (behavior rules), USER.md (user
// profile) and MEMORY.md (refreshed nightly by consolidation). Grounded on
// the teacher's internal/bootstrap template-seeding pattern, generalized
// from a fixed template list to the four named files spec.md §6 describes,
// each with a *.example companion materialized on first run.
package identity

import (
	"embed"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

//go:embed templates/*.example
var templateFS embed.FS

const (
	SoulFile   = "SOUL.md"
	AgentFile  = "AGENT.md"
	UserFile   = "USER.md"
	MemoryFile = "MEMORY.md"
)

// files lists the identity files in load/display order.
var files = []string{SoulFile, AgentFile, UserFile, MemoryFile}

// ContextFile is one loaded identity document.
type ContextFile struct {
	Name    string
	Path    string
	Content string
	// Seeded is true if this file did not exist and was materialized from
	// its *.example companion on this call.
	Seeded bool
}

// Bundle is the full set of identity context files for one agent.
type Bundle struct {
	Dir   string
	Soul  ContextFile
	Agent ContextFile
	User  ContextFile
	Memory ContextFile
}

// Load reads (and seeds, if absent) the identity directory's four context
// files, materializing each from its embedded *.example template when the
// file doesn't exist yet (spec.md §6: "Each has a *.example companion used
// to materialize a default").
func Load(dir string) (*Bundle, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("identity: create dir: %w", err)
	}

	loaded := make(map[string]ContextFile, len(files))
	for _, name := range files {
		cf, err := loadOne(dir, name)
		if err != nil {
			return nil, err
		}
		loaded[name] = cf
	}

	return &Bundle{
		Dir:    dir,
		Soul:   loaded[SoulFile],
		Agent:  loaded[AgentFile],
		User:   loaded[UserFile],
		Memory: loaded[MemoryFile],
	}, nil
}

func loadOne(dir, name string) (ContextFile, error) {
	path := filepath.Join(dir, name)
	data, err := os.ReadFile(path)
	if err == nil {
		return ContextFile{Name: name, Path: path, Content: string(data)}, nil
	}
	if !os.IsNotExist(err) {
		return ContextFile{}, fmt.Errorf("identity: read %s: %w", name, err)
	}

	content, seedErr := seedFromTemplate(path, name)
	if seedErr != nil {
		slog.Warn("identity: no template to seed, starting empty", "file", name, "error", seedErr)
		return ContextFile{Name: name, Path: path, Seeded: true}, nil
	}
	return ContextFile{Name: name, Path: path, Content: content, Seeded: true}, nil
}

// seedFromTemplate writes name's *.example content to path (O_EXCL, so a
// concurrent seed never clobbers a file written after the caller's failed
// read) and returns the content written.
func seedFromTemplate(path, name string) (string, error) {
	content, err := templateFS.ReadFile(filepath.Join("templates", name+".example"))
	if err != nil {
		return "", fmt.Errorf("no embedded template for %s: %w", name, err)
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		if os.IsExist(err) {
			return string(content), nil
		}
		return "", err
	}
	defer f.Close()
	if _, err := f.Write(content); err != nil {
		return "", err
	}
	return string(content), nil
}

// RefreshMemory overwrites MEMORY.md with freshly consolidated content
// (called by the nightly consolidation job, spec.md §4.5).
func RefreshMemory(dir, content string) error {
	path := filepath.Join(dir, MemoryFile)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(content), 0644); err != nil {
		return fmt.Errorf("identity: write memory: %w", err)
	}
	return os.Rename(tmp, path)
}

// RefreshUser overwrites USER.md with a freshly bucketed user profile
// (called by the nightly consolidation job when any profile memory exists).
func RefreshUser(dir, content string) error {
	path := filepath.Join(dir, UserFile)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(content), 0644); err != nil {
		return fmt.Errorf("identity: write user profile: %w", err)
	}
	return os.Rename(tmp, path)
}

// SystemPromptSections renders the bundle's loaded content in the fixed
// order an agent's system prompt assembles identity material (spec.md §4.3).
func (b *Bundle) SystemPromptSections() []ContextFile {
	return []ContextFile{b.Soul, b.Agent, b.User, b.Memory}
}
