// Package taskfile parses the markdown task files `run --task <path>`
// points at (spec.md §8 testable property: "frontmatter-only, body-only,
// and frontmatter-overrides-body cases yield identical {allowlist_add,
// verification_tier}"). The YAML frontmatter block is decoded with plain
// yaml.Unmarshal, so unknown keys are ignored (unlike internal/config's
// strict decode).
package taskfile

import (
	"bytes"
	"strings"

	"gopkg.in/yaml.v3"
)

// Meta is the task-local metadata a task file may declare, layered on
// top of the run's base scope and verification config (spec.md §4.D:
// "task-local allowlist_add, additive only").
type Meta struct {
	AllowlistAdd     []string `yaml:"allowlist_add"`
	VerificationTier string   `yaml:"verification_tier"`
}

// Task is a parsed task file: its metadata plus the markdown body the
// plan worker receives as its prompt.
type Task struct {
	Meta Meta
	Body string
}

const frontmatterDelim = "---"

// Parse splits raw into an optional YAML frontmatter block and a body,
// then fills any field the frontmatter left unset from the body's own
// "Key: value" directive lines. Frontmatter always wins when both
// specify the same field.
func Parse(raw []byte) (*Task, error) {
	fm, body := splitFrontmatter(raw)

	var meta Meta
	if fm != "" {
		if err := yaml.Unmarshal([]byte(fm), &meta); err != nil {
			return nil, err
		}
	}

	bodyMeta := parseBodyDirectives(body)
	if len(meta.AllowlistAdd) == 0 {
		meta.AllowlistAdd = bodyMeta.AllowlistAdd
	}
	if meta.VerificationTier == "" {
		meta.VerificationTier = bodyMeta.VerificationTier
	}

	return &Task{Meta: meta, Body: strings.TrimSpace(body)}, nil
}

// splitFrontmatter returns the YAML between a leading "---" delimiter
// pair and the remaining body. A file with no leading "---" line has no
// frontmatter; the whole file is the body.
func splitFrontmatter(raw []byte) (frontmatter, body string) {
	text := string(bytes.ReplaceAll(raw, []byte("\r\n"), []byte("\n")))
	lines := strings.Split(text, "\n")
	if len(lines) == 0 || strings.TrimSpace(lines[0]) != frontmatterDelim {
		return "", text
	}
	for i := 1; i < len(lines); i++ {
		if strings.TrimSpace(lines[i]) == frontmatterDelim {
			return strings.Join(lines[1:i], "\n"), strings.Join(lines[i+1:], "\n")
		}
	}
	// Unterminated frontmatter block: treat the whole file as body rather
	// than silently dropping content.
	return "", text
}

// parseBodyDirectives scans body for standalone "Allowlist-Add: a, b"
// and "Verification-Tier: tier1" lines, the fallback spelling for task
// files with no YAML frontmatter.
func parseBodyDirectives(body string) Meta {
	var meta Meta
	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimSpace(line)
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		value = strings.TrimSpace(value)
		switch strings.ToLower(strings.TrimSpace(key)) {
		case "allowlist-add":
			for _, g := range strings.Split(value, ",") {
				if g = strings.TrimSpace(g); g != "" {
					meta.AllowlistAdd = append(meta.AllowlistAdd, g)
				}
			}
		case "verification-tier":
			meta.VerificationTier = value
		}
	}
	return meta
}
