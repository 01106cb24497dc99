// Package llmworker implements the worker protocol against an OpenAI-compatible
// chat-completion endpoint. It is the one concrete Worker this repo ships; tests
// and the orchestrator otherwise treat workers as the abstract protocol.
package llmworker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/kef2001/claude-code-ochestrator-sub002/internal/worker"
)

// systemPrompt instructs the model to answer with the structured result shape the
// orchestrator expects. Prompt construction for the task itself is out of scope
//; this is only the envelope.
const systemPrompt = `You are a task worker. Complete the task described by the user.
If you create or modify files, end your reply with a JSON line of the form
{"created_files": [...], "modified_files": [...]}.`

// Worker talks to one model on an OpenAI-compatible endpoint.
type Worker struct {
	client  *openai.Client
	modelID string
	timeout time.Duration
	logger  *slog.Logger

	started      time.Time
	lastActivity time.Time
}

// New constructs a Worker for modelID against the given endpoint. apiKey may be
// empty for local endpoints (Ollama and friends accept any key).
func New(endpoint, apiKey, modelID string, timeout time.Duration, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	cfg := openai.DefaultConfig(apiKey)
	cfg.BaseURL = endpoint
	return &Worker{
		client:  openai.NewClientWithConfig(cfg),
		modelID: modelID,
		timeout: timeout,
		logger:  logger,
		started: time.Now(),
	}
}

// fileReport is the trailing JSON line a worker reply may carry.
type fileReport struct {
	CreatedFiles  []string `json:"created_files"`
	ModifiedFiles []string `json:"modified_files"`
}

// Execute sends the prompt to the model and maps the reply onto the worker
// protocol's structured result. The overall call is bounded by the configured
// worker timeout.
func (w *Worker) Execute(ctx context.Context, prompt string, allowedTools []string) (worker.ExecuteResult, error) {
	if w.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.timeout)
		defer cancel()
	}
	w.lastActivity = time.Now()

	userContent := prompt
	if len(allowedTools) > 0 {
		userContent = fmt.Sprintf("%s\n\nAllowed tools: %s", prompt, strings.Join(allowedTools, ", "))
	}

	resp, err := w.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: w.modelID,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: userContent},
		},
	})
	if err != nil {
		return worker.ExecuteResult{Success: false, Error: err.Error()}, err
	}
	if len(resp.Choices) == 0 {
		return worker.ExecuteResult{Success: false, Error: "empty completion", RequestID: resp.ID},
			fmt.Errorf("model %s returned no choices", w.modelID)
	}

	content := resp.Choices[0].Message.Content
	created, modified := parseFileReport(content)

	return worker.ExecuteResult{
		Success:       true,
		Output:        content,
		Usage:         worker.Usage{TokensUsed: resp.Usage.TotalTokens},
		RequestID:     resp.ID,
		CreatedFiles:  created,
		ModifiedFiles: modified,
	}, nil
}

// parseFileReport scans the reply bottom-up for the trailing file-report line.
func parseFileReport(content string) (created, modified []string) {
	lines := strings.Split(strings.TrimSpace(content), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if !strings.HasPrefix(line, "{") {
			continue
		}
		var rep fileReport
		if err := json.Unmarshal([]byte(line), &rep); err == nil &&
			(rep.CreatedFiles != nil || rep.ModifiedFiles != nil) {
			return rep.CreatedFiles, rep.ModifiedFiles
		}
	}
	return nil, nil
}

// Heartbeat reports liveness. An LLM endpoint has no per-worker process to probe,
// so the heartbeat reflects this client's own activity.
func (w *Worker) Heartbeat(ctx context.Context) (worker.Heartbeat, error) {
	return worker.Heartbeat{
		Status:       "alive",
		Uptime:       time.Since(w.started),
		LastActivity: w.lastActivity,
	}, nil
}
