// Package skills loads Agent Skills (the SKILL.md convention:
// https://agentskills.io/specification) from a fixed set of standard
// directories, distinguishing system skills (bundled with the workspace)
// from external ones (installed by the user or an agent tool). Grounded on
// the teacher's internal/bootstrap template pattern for file layout and
// original_source's skills/loader.py for the directory-discovery and
// progressive-disclosure shape (SPEC_FULL.md §D).
package skills

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// directories lists the standard skill roots, in priority order: project
// skills beat user-global skills with the same name.
func directories(workspace, globalDir string) []string {
	dirs := []string{filepath.Join(workspace, "skills")}
	if globalDir != "" {
		dirs = append(dirs, globalDir)
	}
	return dirs
}

// Skill is one parsed SKILL.md definition.
type Skill struct {
	Name        string
	Description string
	Detail      string // full body, shown only when the skill is invoked (progressive disclosure)
	Dir         string // directory containing SKILL.md and any supporting files
	System      bool   // bundled with the workspace rather than user-installed
	AllowedTools []string
}

// frontMatter is the YAML header a SKILL.md file starts with.
type frontMatter struct {
	Name         string   `yaml:"name"`
	Description  string   `yaml:"description"`
	System       bool     `yaml:"system"`
	AllowedTools []string `yaml:"allowed-tools"`
}

// Loader discovers and parses skills from the standard directories.
// Safe for concurrent use; reloads replace the catalog atomically.
type Loader struct {
	workspace string
	globalDir string
	extra     string // optional extra directory (e.g. a per-agent override), may be ""

	mu     sync.RWMutex
	skills map[string]Skill

	allowlist map[string]bool // non-nil means restrict external skills to this set
}

func NewLoader(workspace, globalDir, extra string) *Loader {
	l := &Loader{workspace: workspace, globalDir: globalDir, extra: extra, skills: map[string]Skill{}}
	if err := l.Reload(); err != nil {
		// Starting with an empty catalog is recoverable; the watcher (if
		// started) will pick up skills as directories appear.
	}
	return l
}

// Reload re-scans every standard directory and replaces the catalog.
func (l *Loader) Reload() error {
	dirs := directories(l.workspace, l.globalDir)
	if l.extra != "" {
		dirs = append(dirs, l.extra)
	}

	found := map[string]Skill{}
	var firstErr error
	for _, dir := range dirs {
		system := dir == filepath.Join(l.workspace, "skills")
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue // directory absent is normal, not an error
		}
		for _, e := range entries {
			if !e.IsDir() {
				continue
			}
			skillDir := filepath.Join(dir, e.Name())
			sk, err := parseSkillDir(skillDir)
			if err != nil {
				if firstErr == nil {
					firstErr = err
				}
				continue
			}
			if _, dup := found[sk.Name]; dup && dir != l.extra {
				continue // an earlier standard directory already supplied this name
			}
			sk.System = system || sk.System
			found[sk.Name] = sk
		}
	}

	l.mu.Lock()
	l.skills = found
	l.mu.Unlock()
	return firstErr
}

func parseSkillDir(dir string) (Skill, error) {
	data, err := os.ReadFile(filepath.Join(dir, "SKILL.md"))
	if err != nil {
		return Skill{}, fmt.Errorf("skills: read %s: %w", dir, err)
	}
	fm, body, err := splitFrontMatter(data)
	if err != nil {
		return Skill{}, fmt.Errorf("skills: parse %s: %w", dir, err)
	}
	if fm.Name == "" {
		fm.Name = filepath.Base(dir)
	}
	return Skill{
		Name:         fm.Name,
		Description:  fm.Description,
		Detail:       body,
		Dir:          dir,
		System:       fm.System,
		AllowedTools: fm.AllowedTools,
	}, nil
}

// splitFrontMatter parses a `---\n...\n---\n` YAML header followed by the
// Markdown body, matching the Agent Skills SKILL.md convention.
func splitFrontMatter(data []byte) (frontMatter, string, error) {
	var fm frontMatter
	scanner := bufio.NewScanner(strings.NewReader(string(data)))
	if !scanner.Scan() || strings.TrimSpace(scanner.Text()) != "---" {
		return fm, string(data), fmt.Errorf("missing front matter")
	}
	var header strings.Builder
	closed := false
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "---" {
			closed = true
			break
		}
		header.WriteString(line)
		header.WriteString("\n")
	}
	if !closed {
		return fm, string(data), fmt.Errorf("unterminated front matter")
	}
	if err := yaml.Unmarshal([]byte(header.String()), &fm); err != nil {
		return fm, string(data), fmt.Errorf("invalid front matter yaml: %w", err)
	}

	var body strings.Builder
	for scanner.Scan() {
		body.WriteString(scanner.Text())
		body.WriteString("\n")
	}
	return fm, strings.TrimSpace(body.String()), nil
}

// ListSkills returns the current catalog, sorted by name.
func (l *Loader) ListSkills() []Skill {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Skill, 0, len(l.skills))
	for _, s := range l.skills {
		if l.allowlist != nil && !s.System && !l.allowlist[s.Name] {
			continue
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Get returns one skill by name.
func (l *Loader) Get(name string) (Skill, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	s, ok := l.skills[name]
	return s, ok
}

// SetExternalAllowlist restricts non-system skills to the given name set.
// A nil set removes the restriction.
func (l *Loader) SetExternalAllowlist(names []string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if names == nil {
		l.allowlist = nil
		return
	}
	set := make(map[string]bool, len(names))
	for _, n := range names {
		set[n] = true
	}
	l.allowlist = set
}

// Catalog renders a compact listing of every visible skill — name and
// one-line description only, per the progressive-disclosure principle: the
// full SKILL.md body is read on demand, not loaded into every prompt.
func (l *Loader) Catalog() string {
	skills := l.ListSkills()
	if len(skills) == 0 {
		return "No skills installed."
	}
	var b strings.Builder
	for _, s := range skills {
		fmt.Fprintf(&b, "- %s: %s\n", s.Name, s.Description)
	}
	return b.String()
}
