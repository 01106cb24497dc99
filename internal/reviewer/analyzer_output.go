package reviewer

import "strings"

var (
	positiveMarkers   = []string{"success", "done", "passed", "completed"}
	negativeMarkers   = []string{"error", "failed", "exception"}
	warningMarkers    = []string{"warning", "deprecated"}
	incompleteMarkers = []string{"todo", "not implemented", "placeholder"}
)

// analyzeOutput counts marker words, flags incompleteness, and (when an expected
// output is given) compares similarity.
func analyzeOutput(output, expected string) ([]Finding, map[string]any) {
	lower := strings.ToLower(output)
	metrics := map[string]any{
		"positive_markers": countAny(lower, positiveMarkers),
		"negative_markers": countAny(lower, negativeMarkers),
		"warning_markers":  countAny(lower, warningMarkers),
	}

	var findings []Finding
	if containsAny(output, incompleteMarkers...) {
		findings = append(findings, Finding{
			Category: "completeness", Severity: SeverityMedium,
			Title:       "output indicates incomplete work",
			Description: "the worker's output mentions TODO, 'not implemented', or 'placeholder'",
		})
	}

	if expected != "" {
		sim := similarity(output, expected)
		metrics["expected_similarity"] = sim
		if sim < 0.3 {
			findings = append(findings, Finding{
				Category: "completeness", Severity: SeverityHigh,
				Title:       "output diverges from expected result",
				Description: "output has low textual similarity to the expected output",
			})
		}
	}

	return findings, metrics
}

func countAny(lower string, needles []string) int {
	total := 0
	for _, n := range needles {
		total += strings.Count(lower, n)
	}
	return total
}

// similarity approximates Python's difflib.SequenceMatcher ratio: 2*M/T where M is
// the longest-common-subsequence length and T is the combined length of both
// strings.
func similarity(a, b string) float64 {
	if a == "" && b == "" {
		return 1
	}
	m := lcsLength(a, b)
	total := len(a) + len(b)
	if total == 0 {
		return 1
	}
	return 2 * float64(m) / float64(total)
}

func lcsLength(a, b string) int {
	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)
	for i := 1; i <= len(a); i++ {
		for j := 1; j <= len(b); j++ {
			if a[i-1] == b[j-1] {
				curr[j] = prev[j-1] + 1
			} else if prev[j] >= curr[j-1] {
				curr[j] = prev[j]
			} else {
				curr[j] = curr[j-1]
			}
		}
		prev, curr = curr, prev
	}
	return prev[len(b)]
}
