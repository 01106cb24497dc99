package reviewapplier

import (
	"fmt"
	"regexp"
	"strings"
)

// blocklistPatterns rejects change content matching known-dangerous shapes:
// destructive shell commands, fork bombs, dynamic eval, and shell-out patterns.
var blocklistPatterns = []*regexp.Regexp{
	regexp.MustCompile(`rm\s+-rf\s+/(?:\s|$)`),
	regexp.MustCompile(`:\(\)\s*\{\s*:\|\s*:\s*&\s*\}\s*;\s*:`), // fork bomb
	regexp.MustCompile(`(?i)\beval\s*\(\s*(input|request|os\.environ|process\.argv)`),
	regexp.MustCompile(`(?i)subprocess\.(Popen|call|run)\s*\([^)]*shell\s*=\s*True`),
	regexp.MustCompile(`(?i)\bexec\.Command\s*\(\s*"(sh|bash)"\s*,\s*"-c"`),
}

// bracedExtensions is the set of source extensions whose proposed content gets a
// lightweight curly-brace balance check as a syntax sanity check. The applier stays
// language-agnostic, so this is a structural balance check, not a real parser.
var bracedExtensions = map[string]bool{
	".go": true, ".js": true, ".ts": true, ".java": true, ".c": true, ".cpp": true,
	".cs": true, ".rs": true, ".json": true,
}

func (a *Applier) validate(c Change) error {
	if c.Path == "" {
		return fmt.Errorf("change has no target path")
	}

	abs := a.absPath(c.Path)
	switch c.Type {
	case TypeFileEdit:
		if !fileExists(abs) {
			return fmt.Errorf("file_edit target %s does not exist", c.Path)
		}
	case TypeFileCreate:
		if fileExists(abs) {
			return fmt.Errorf("file_create target %s already exists", c.Path)
		}
	case TypeFileDelete, TypeLineDelete, TypeLineInsert, TypeCodeReplace, TypeRefactor:
		if !fileExists(abs) {
			return fmt.Errorf("%s target %s does not exist", c.Type, c.Path)
		}
	}

	if err := checkBlocklist(c.NewContent); err != nil {
		return err
	}
	if err := checkBlocklist(c.OldContent); err != nil {
		return err
	}

	if c.NewContent != "" {
		if ext := extensionOf(c.Path); bracedExtensions[ext] {
			if !bracesBalanced(c.NewContent) {
				return fmt.Errorf("proposed content for %s has unbalanced braces", c.Path)
			}
		}
	}

	return nil
}

func checkBlocklist(content string) error {
	if content == "" {
		return nil
	}
	for _, re := range blocklistPatterns {
		if re.MatchString(content) {
			return fmt.Errorf("content matches blocked pattern %q", re.String())
		}
	}
	return nil
}

func extensionOf(path string) string {
	idx := strings.LastIndex(path, ".")
	if idx < 0 {
		return ""
	}
	return path[idx:]
}

func bracesBalanced(content string) bool {
	depth := 0
	for _, r := range content {
		switch r {
		case '{':
			depth++
		case '}':
			depth--
		}
		if depth < 0 {
			return false
		}
	}
	return depth == 0
}
