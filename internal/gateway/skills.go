package gateway

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

// skillNameRe restricts skill names to safe filename material.
var skillNameRe = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)

// SkillInfo summarizes one skill file for listing.
type SkillInfo struct {
	Name      string `json:"name"`
	Size      int64  `json:"size"`
	UpdatedAt int64  `json:"updatedAt"` // unix ms
}

// SkillStore manages the skill library: one markdown file per skill under
// the skills directory. Skills are behavior snippets the assistant loads
// by name.
type SkillStore struct {
	dir string
}

// NewSkillStore roots the store at dir.
func NewSkillStore(dir string) *SkillStore {
	return &SkillStore{dir: dir}
}

func (s *SkillStore) path(name string) (string, error) {
	if !skillNameRe.MatchString(name) {
		return "", fmt.Errorf("invalid skill name %q (want lowercase letters, digits, - or _)", name)
	}
	return filepath.Join(s.dir, name+".md"), nil
}

// List returns all skills sorted by name. A missing directory is an empty
// library, not an error.
func (s *SkillStore) List() ([]SkillInfo, error) {
	entries, err := os.ReadDir(s.dir)
	if os.IsNotExist(err) {
		return []SkillInfo{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read skills dir: %w", err)
	}

	var out []SkillInfo
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".md") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		out = append(out, SkillInfo{
			Name:      strings.TrimSuffix(e.Name(), ".md"),
			Size:      info.Size(),
			UpdatedAt: info.ModTime().UnixMilli(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	if out == nil {
		out = []SkillInfo{}
	}
	return out, nil
}

// Get reads one skill's content.
func (s *SkillStore) Get(name string) (string, error) {
	p, err := s.path(name)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(p)
	if os.IsNotExist(err) {
		return "", fmt.Errorf("no skill named %q", name)
	}
	if err != nil {
		return "", fmt.Errorf("read skill: %w", err)
	}
	return string(data), nil
}

// Put creates or replaces a skill atomically.
func (s *SkillStore) Put(name, content string) error {
	p, err := s.path(name)
	if err != nil {
		return err
	}
	if strings.TrimSpace(content) == "" {
		return fmt.Errorf("skill content must not be empty")
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("create skills dir: %w", err)
	}
	tmp := p + ".tmp"
	if err := os.WriteFile(tmp, []byte(content), 0o644); err != nil {
		return fmt.Errorf("write skill: %w", err)
	}
	return os.Rename(tmp, p)
}

// Delete removes a skill.
func (s *SkillStore) Delete(name string) error {
	p, err := s.path(name)
	if err != nil {
		return err
	}
	if err := os.Remove(p); os.IsNotExist(err) {
		return fmt.Errorf("no skill named %q", name)
	} else if err != nil {
		return fmt.Errorf("delete skill: %w", err)
	}
	return nil
}
