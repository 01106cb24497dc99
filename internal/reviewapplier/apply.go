package reviewapplier

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// fuzzyThreshold is the normalized-whitespace similarity a candidate line must
// clear for code_replace to apply a fuzzy match.
const fuzzyThreshold = 0.8

func (a *Applier) apply(c Change) error {
	abs := a.absPath(c.Path)

	switch c.Type {
	case TypeFileCreate:
		return writeFile(abs, c.NewContent)
	case TypeFileEdit:
		return writeFile(abs, c.NewContent)
	case TypeFileDelete:
		if err := os.Remove(abs); err != nil && !os.IsNotExist(err) {
			return err
		}
		return nil
	case TypeCodeReplace:
		return a.applyCodeReplace(abs, c)
	case TypeLineDelete:
		return a.applyLineDelete(abs, c)
	case TypeLineInsert:
		return a.applyLineInsert(abs, c)
	case TypeRefactor:
		return a.applyRefactor(abs, c)
	default:
		return fmt.Errorf("unknown change type %q", c.Type)
	}
}

func writeFile(abs, content string) error {
	if err := os.MkdirAll(filepath.Dir(abs), 0755); err != nil {
		return fmt.Errorf("create parent directory: %w", err)
	}
	return os.WriteFile(abs, []byte(content), 0644)
}

func readFile(abs string) (string, error) {
	data, err := os.ReadFile(abs)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// applyCodeReplace performs an exact string replace when Line is unset; when set,
// it replaces the exact line's text. If the exact match fails, a fuzzy line matcher
// over normalized whitespace is tried.
func (a *Applier) applyCodeReplace(abs string, c Change) error {
	content, err := readFile(abs)
	if err != nil {
		return err
	}

	if c.Line > 0 {
		lines := strings.Split(content, "\n")
		idx := c.Line - 1
		if idx < 0 || idx >= len(lines) {
			return fmt.Errorf("line %d out of range for %s", c.Line, c.Path)
		}
		lines[idx] = c.NewContent
		return writeFile(abs, strings.Join(lines, "\n"))
	}

	if strings.Contains(content, c.OldContent) {
		updated := strings.Replace(content, c.OldContent, c.NewContent, 1)
		return writeFile(abs, updated)
	}

	// Exact match failed; try a fuzzy line match on normalized whitespace.
	lines := strings.Split(content, "\n")
	target := normalizeWhitespace(c.OldContent)
	bestIdx, bestScore := -1, 0.0
	for i, line := range lines {
		score := lineSimilarity(normalizeWhitespace(line), target)
		if score > bestScore {
			bestScore, bestIdx = score, i
		}
	}
	if bestIdx < 0 || bestScore < fuzzyThreshold {
		return fmt.Errorf("old_content not found in %s, exact and fuzzy match both failed", c.Path)
	}
	lines[bestIdx] = c.NewContent
	return writeFile(abs, strings.Join(lines, "\n"))
}

func (a *Applier) applyLineDelete(abs string, c Change) error {
	content, err := readFile(abs)
	if err != nil {
		return err
	}
	lines := strings.Split(content, "\n")
	start, end := c.Line-1, c.EndLine-1
	if end < start {
		end = start
	}
	if start < 0 || end >= len(lines) {
		return fmt.Errorf("line range %d-%d out of range for %s", c.Line, c.EndLine, c.Path)
	}
	remaining := append(append([]string{}, lines[:start]...), lines[end+1:]...)
	return writeFile(abs, strings.Join(remaining, "\n"))
}

func (a *Applier) applyLineInsert(abs string, c Change) error {
	content, err := readFile(abs)
	if err != nil {
		return err
	}
	lines := strings.Split(content, "\n")
	if c.Line < 0 || c.Line > len(lines) {
		return fmt.Errorf("line %d out of range for %s", c.Line, c.Path)
	}
	out := make([]string, 0, len(lines)+1)
	out = append(out, lines[:c.Line]...)
	out = append(out, c.NewContent)
	out = append(out, lines[c.Line:]...)
	return writeFile(abs, strings.Join(out, "\n"))
}

// applyRefactor performs a whole-file identifier rename (OldContent -> NewContent).
// No language awareness is applied; this is a literal
// token replace, matching the pluggable pattern-matching strategy design note.
func (a *Applier) applyRefactor(abs string, c Change) error {
	content, err := readFile(abs)
	if err != nil {
		return err
	}
	updated := strings.ReplaceAll(content, c.OldContent, c.NewContent)
	return writeFile(abs, updated)
}

// normalizeWhitespace drops all whitespace, so lines differing only in spacing
// compare equal.
func normalizeWhitespace(s string) string {
	fields := strings.Fields(s)
	return strings.Join(fields, "")
}

// lineSimilarity is a Dice-coefficient-style ratio over character bigrams, cheap
// and adequate for single-line fuzzy matching.
func lineSimilarity(a, b string) float64 {
	if a == b {
		return 1
	}
	if len(a) < 2 || len(b) < 2 {
		if a == b {
			return 1
		}
		return 0
	}
	bigrams := func(s string) map[string]int {
		m := map[string]int{}
		for i := 0; i+1 < len(s); i++ {
			m[s[i:i+2]]++
		}
		return m
	}
	ba, bb := bigrams(a), bigrams(b)
	overlap := 0
	for k, v := range ba {
		if vb, ok := bb[k]; ok {
			if v < vb {
				overlap += v
			} else {
				overlap += vb
			}
		}
	}
	total := 0
	for _, v := range ba {
		total += v
	}
	for _, v := range bb {
		total += v
	}
	if total == 0 {
		return 0
	}
	return 2 * float64(overlap) / float64(total)
}
