package reviewer

import (
	"regexp"
	"strings"
)

const (
	maxLineLength      = 120
	maxFunctionLines   = 60
	maxFunctionParams  = 5
	maxFileChars       = 10000
)

var (
	secretPattern = regexp.MustCompile(`(?i)(api[_-]?key|secret|password|passwd|token)\s*[:=]\s*['"][A-Za-z0-9\-_/+=]{8,}['"]`)
	// unsafeConcatPattern catches string-concatenated SQL/shell built from a variable,
	// the classic injection shape across languages ("query(" / "execute(" / "exec(" fed
	// a `+`-built string).
	unsafeConcatPattern = regexp.MustCompile(`(?i)(query|execute|exec)\s*\(\s*["'][^"']*["']\s*\+`)
	dynamicEvalPattern  = regexp.MustCompile(`(?i)\b(eval|exec)\s*\(|__import__\s*\(`)
	bareCatchPattern    = regexp.MustCompile(`(?i)(except\s*:\s*$|catch\s*\(\s*\)|catch\s*\{\s*\}|except\s+Exception\s*:\s*pass)`)
	todoPattern         = regexp.MustCompile(`(?i)\b(TODO|FIXME)\b`)
	funcHeaderPattern   = regexp.MustCompile(`(?i)\bfunc(tion)?\s+\w+\s*\(([^)]*)\)`)
)

// analyzeFile runs every pattern-based check over one produced/modified file's
// content.
func analyzeFile(path, content string) []Finding {
	var findings []Finding

	if secretPattern.MatchString(content) {
		findings = append(findings, Finding{
			Category: "security", Severity: SeverityCritical,
			Title:       "possible hard-coded secret",
			Description: "a string resembling an API key, password, or token is hard-coded",
			Location:    path,
		})
	}
	if unsafeConcatPattern.MatchString(content) {
		findings = append(findings, Finding{
			Category: "security", Severity: SeverityHigh,
			Title:       "unsafe string concatenation into a query/exec sink",
			Description: "building a query or command via string concatenation is injection-prone; use a parameterized call",
			Location:    path,
		})
	}
	if dynamicEvalPattern.MatchString(content) {
		findings = append(findings, Finding{
			Category: "security", Severity: SeverityHigh,
			Title:       "dynamic eval/exec usage",
			Description: "evaluating or importing dynamically constructed code is a common injection vector",
			Location:    path,
		})
	}
	if bareCatchPattern.MatchString(content) {
		findings = append(findings, Finding{
			Category: "code-quality", Severity: SeverityMedium,
			Title:       "bare catch-all",
			Description: "an empty or bare exception handler silently swallows errors",
			Location:    path,
		})
	}

	lines := strings.Split(content, "\n")
	for i, line := range lines {
		if len(line) > maxLineLength {
			findings = append(findings, Finding{
				Category: "code-quality", Severity: SeverityLow,
				Title:       "line exceeds length limit",
				Description: "line is longer than 120 characters",
				Location:    locationAt(path, i+1),
			})
		}
		if todoPattern.MatchString(line) {
			findings = append(findings, Finding{
				Category: "code-quality", Severity: SeverityInfo,
				Title:       "TODO/FIXME marker",
				Description: "unresolved marker left in code",
				Location:    locationAt(path, i+1),
				Snippet:     strings.TrimSpace(line),
			})
		}
	}

	for _, length := range functionLineLengths(content) {
		if length > maxFunctionLines {
			findings = append(findings, Finding{
				Category: "code-quality", Severity: SeverityMedium,
				Title:       "function exceeds line-count threshold",
				Description: "a function body is longer than the configured threshold",
				Location:    path,
			})
		}
	}
	for _, count := range functionParamCounts(content) {
		if count > maxFunctionParams {
			findings = append(findings, Finding{
				Category: "code-quality", Severity: SeverityLow,
				Title:       "function has too many parameters",
				Description: "a function declares more than the configured threshold of parameters",
				Location:    path,
			})
		}
	}

	if len(content) > maxFileChars {
		findings = append(findings, Finding{
			Category: "size", Severity: SeverityLow,
			Title:       "oversized file",
			Description: "file exceeds 10,000 characters; consider splitting it",
			Location:    path,
		})
	}

	return findings
}

func locationAt(path string, line int) string {
	return path + ":" + itoa(line)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// functionLineLengths returns the body-line-count of each function found via a
// brace-counting scan starting at each function header match.
func functionLineLengths(content string) []int {
	lines := strings.Split(content, "\n")
	var lengths []int
	for i, line := range lines {
		if !funcHeaderPattern.MatchString(line) {
			continue
		}
		depth := strings.Count(line, "{") - strings.Count(line, "}")
		if depth <= 0 {
			continue // header with no opening brace on this line (or a one-liner); skip
		}
		j := i + 1
		for ; j < len(lines) && depth > 0; j++ {
			depth += strings.Count(lines[j], "{") - strings.Count(lines[j], "}")
		}
		lengths = append(lengths, j-i)
	}
	return lengths
}

// functionParamCounts returns the parameter count of every function header found.
func functionParamCounts(content string) []int {
	var counts []int
	for _, m := range funcHeaderPattern.FindAllStringSubmatch(content, -1) {
		params := strings.TrimSpace(m[2])
		if params == "" {
			counts = append(counts, 0)
			continue
		}
		counts = append(counts, len(strings.Split(params, ",")))
	}
	return counts
}
