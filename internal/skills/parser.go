package skills

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	// SkillFilename is the per-directory skill definition file.
	SkillFilename = "SKILL.md"

	// FrontmatterDelimiter marks the beginning and end of YAML frontmatter.
	FrontmatterDelimiter = "---"
)

// LoadManifestFile parses a YAML skill manifest document.
func LoadManifestFile(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	return ParseManifest(data)
}

// ParseManifest parses YAML manifest content.
func ParseManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// LoadManifestDir builds a manifest from a directory of skills, one
// subdirectory per skill with a SKILL.md whose YAML frontmatter carries the
// skill record. The markdown body is ignored by the gateway core.
func LoadManifestDir(dir string) (*Manifest, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read skills dir: %w", err)
	}

	m := &Manifest{}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		path := filepath.Join(dir, entry.Name(), SkillFilename)
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		skill, err := ParseSkillFile(data)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		m.Skills = append(m.Skills, skill)
	}

	sort.Slice(m.Skills, func(i, j int) bool { return m.Skills[i].ID < m.Skills[j].ID })
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// ParseSkillFile parses SKILL.md content: YAML frontmatter between "---"
// delimiters followed by a markdown body.
func ParseSkillFile(data []byte) (*Skill, error) {
	frontmatter, err := splitFrontmatter(data)
	if err != nil {
		return nil, err
	}

	var skill Skill
	if err := yaml.Unmarshal(frontmatter, &skill); err != nil {
		return nil, fmt.Errorf("parse frontmatter: %w", err)
	}
	if err := skill.Validate(); err != nil {
		return nil, err
	}
	return &skill, nil
}

// splitFrontmatter extracts the YAML frontmatter block.
func splitFrontmatter(data []byte) ([]byte, error) {
	scanner := bufio.NewScanner(bytes.NewReader(data))

	if !scanner.Scan() {
		return nil, fmt.Errorf("empty file")
	}
	if strings.TrimSpace(scanner.Text()) != FrontmatterDelimiter {
		return nil, fmt.Errorf("missing opening frontmatter delimiter")
	}

	var lines []string
	closed := false
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == FrontmatterDelimiter {
			closed = true
			break
		}
		lines = append(lines, line)
	}
	if !closed {
		return nil, fmt.Errorf("missing closing frontmatter delimiter")
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scanner error: %w", err)
	}

	return []byte(strings.Join(lines, "\n")), nil
}
