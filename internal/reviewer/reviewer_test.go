package reviewer

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestReviewPassesCleanOutput(t *testing.T) {
	files := []FileChange{{Path: "README.md", Content: "# Project\n\nA one-line description.\n"}}
	report := Review("reviewer-1", "1", files, "task completed, README.md created successfully", "", DefaultConfig())
	require.True(t, report.Pass)
	require.False(t, report.FollowUpRequired)
	require.Equal(t, float64(1), report.Score)
}

func TestReviewFlagsHardcodedSecret(t *testing.T) {
	files := []FileChange{{Path: "config.go", Content: `api_key = "sk-1234567890abcdef"`}}
	report := Review("reviewer-1", "1", files, "done", "", DefaultConfig())
	require.False(t, report.Pass)
	require.True(t, report.FollowUpRequired)

	var found bool
	for _, f := range report.Findings {
		if f.Severity == SeverityCritical {
			found = true
		}
	}
	require.True(t, found)
}

func TestReviewFlagsLongLinesAndTODOs(t *testing.T) {
	longLine := strings.Repeat("x", 150)
	content := longLine + "\n// TODO: clean this up\n"
	files := []FileChange{{Path: "main.go", Content: content}}
	report := Review("reviewer-1", "1", files, "completed", "", DefaultConfig())

	var categories []string
	for _, f := range report.Findings {
		categories = append(categories, f.Title)
	}
	require.Contains(t, categories, "line exceeds length limit")
	require.Contains(t, categories, "TODO/FIXME marker")
}

func TestReviewFlagsIncompleteOutput(t *testing.T) {
	report := Review("reviewer-1", "1", nil, "still a placeholder, not implemented yet", "", DefaultConfig())
	found := false
	for _, f := range report.Findings {
		if f.Category == "completeness" {
			found = true
		}
	}
	require.True(t, found)
}

func TestSimilarityIdenticalStringsIsOne(t *testing.T) {
	require.Equal(t, float64(1), similarity("hello world", "hello world"))
}

func TestSimilarityDivergesScoresLow(t *testing.T) {
	sim := similarity("abcdefgh", "zyxwvuts")
	require.Less(t, sim, 0.3)
}
