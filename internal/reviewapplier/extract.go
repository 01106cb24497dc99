package reviewapplier

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Extract turns a review's free text into change proposals. It is a pure
// function: text in, proposals out, composed from small independent pattern rules
// rather than one giant regex.
func Extract(text string) []Change {
	var changes []Change
	n := 0
	next := func() string {
		n++
		return fmt.Sprintf("C%03d", n)
	}

	for _, c := range extractAnnotatedBlocks(text) {
		c.ID = next()
		changes = append(changes, c)
	}
	for _, c := range extractReplaceBlocks(text) {
		c.ID = next()
		changes = append(changes, c)
	}
	for _, c := range extractLineChange(text) {
		c.ID = next()
		changes = append(changes, c)
	}
	for _, c := range extractLineDelete(text) {
		c.ID = next()
		changes = append(changes, c)
	}
	for _, c := range extractLineInsert(text) {
		c.ID = next()
		changes = append(changes, c)
	}
	for _, c := range extractRefactor(text) {
		c.ID = next()
		changes = append(changes, c)
	}
	return changes
}

var (
	fencePattern = regexp.MustCompile("(?s)```[a-zA-Z0-9_+-]*\\n(.*?)```")
	pathLikePattern = regexp.MustCompile(`\b[\w./-]+\.[a-zA-Z0-9]{1,6}\b`)
	createMarkerPattern = regexp.MustCompile(`(?i)\b(create|new file)\b`)

	replaceBlockPattern = regexp.MustCompile("(?is)replace\\s+[`'\"](.*?)[`'\"]\\s+with\\s+[`'\"](.*?)[`'\"](?:\\s+in\\s+([^\\s,:;]*[^\\s,.:;]))?")
	lineChangePattern   = regexp.MustCompile(`(?i)at\s+([^\s:]+):(\d+)\s+change\s+[` + "`" + `'"](.*?)[` + "`" + `'"]\s+to\s+[` + "`" + `'"](.*?)[` + "`" + `'"]`)
	lineDeletePattern   = regexp.MustCompile(`(?i)delete\s+lines?\s+(\d+)(?:-(\d+))?\s+in\s+([^\s,:;]*[^\s,.:;])`)
	lineInsertPattern   = regexp.MustCompile(`(?i)insert\s+after\s+line\s+(\d+)\s+in\s+([^\s,:;]*[^\s,.:;])\s*:\s*(.+)`)
	refactorPattern     = regexp.MustCompile(`(?i)refactor\s+(function|class|variable)\s+(\S+)\s+to\s+(\S+)\s+in\s+([^\s,:;]*[^\s,.:;])`)
)

// extractAnnotatedBlocks finds fenced code blocks and looks at the ≤200 characters
// of prose preceding the fence for an embedded path and a create/edit marker.
func extractAnnotatedBlocks(text string) []Change {
	var out []Change
	for _, loc := range fencePattern.FindAllStringSubmatchIndex(text, -1) {
		fenceStart, fenceEnd := loc[0], loc[1]
		bodyStart, bodyEnd := loc[2], loc[3]
		body := text[bodyStart:bodyEnd]

		precedeFrom := fenceStart - 200
		if precedeFrom < 0 {
			precedeFrom = 0
		}
		preamble := text[precedeFrom:fenceStart]

		pathMatch := lastMatch(pathLikePattern, preamble)
		if pathMatch == "" {
			continue
		}

		typ := TypeFileEdit
		if createMarkerPattern.MatchString(preamble) {
			typ = TypeFileCreate
		}
		out = append(out, Change{
			Type:        typ,
			Path:        pathMatch,
			NewContent:  body,
			Description: "extracted from annotated code block",
		})
		_ = fenceEnd
	}
	return out
}

func lastMatch(re *regexp.Regexp, s string) string {
	matches := re.FindAllString(s, -1)
	if len(matches) == 0 {
		return ""
	}
	return matches[len(matches)-1]
}

func extractReplaceBlocks(text string) []Change {
	var out []Change
	for _, m := range replaceBlockPattern.FindAllStringSubmatch(text, -1) {
		out = append(out, Change{
			Type:        TypeCodeReplace,
			Path:        strings.TrimSpace(m[3]),
			OldContent:  m[1],
			NewContent:  m[2],
			Description: "extracted from replace-with block",
		})
	}
	return out
}

func extractLineChange(text string) []Change {
	var out []Change
	for _, m := range lineChangePattern.FindAllStringSubmatch(text, -1) {
		line, _ := strconv.Atoi(m[2])
		out = append(out, Change{
			Type:        TypeCodeReplace,
			Path:        m[1],
			Line:        line,
			OldContent:  m[3],
			NewContent:  m[4],
			Description: "extracted from line-specific change instruction",
		})
	}
	return out
}

func extractLineDelete(text string) []Change {
	var out []Change
	for _, m := range lineDeletePattern.FindAllStringSubmatch(text, -1) {
		start, _ := strconv.Atoi(m[1])
		end := start
		if m[2] != "" {
			end, _ = strconv.Atoi(m[2])
		}
		out = append(out, Change{
			Type:        TypeLineDelete,
			Path:        m[3],
			Line:        start,
			EndLine:     end,
			Description: "extracted from delete-line instruction",
		})
	}
	return out
}

func extractLineInsert(text string) []Change {
	var out []Change
	for _, m := range lineInsertPattern.FindAllStringSubmatch(text, -1) {
		line, _ := strconv.Atoi(m[1])
		content := strings.TrimRight(strings.SplitN(m[3], "\n", 2)[0], " \t")
		out = append(out, Change{
			Type:        TypeLineInsert,
			Path:        m[2],
			Line:        line,
			NewContent:  content,
			Description: "extracted from insert-after-line instruction",
		})
	}
	return out
}

func extractRefactor(text string) []Change {
	var out []Change
	for _, m := range refactorPattern.FindAllStringSubmatch(text, -1) {
		out = append(out, Change{
			Type:        TypeRefactor,
			Path:        m[4],
			OldContent:  m[2],
			NewContent:  m[3],
			Description: fmt.Sprintf("refactor %s %s to %s", m[1], m[2], m[3]),
		})
	}
	return out
}
