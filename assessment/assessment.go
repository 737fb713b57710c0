// Package assessment implements the LLM-backed task triage client from
// SPEC_FULL.md §4 (the assess phase): it asks the model whether a pending
// task is simple, medium, or complex, whether it should be decomposed into
// subtasks, and which model should execute it.
//
// Grounded on original_source/agent_queue/core/assessment_engine.py for the
// batch/single prompt templates and the conservative-default fallback on a
// malformed response, wired to github.com/anthropics/anthropic-sdk-go (the
// go-claw example's declared dependency) in the teacher's request/response
// struct-building idiom.
package assessment

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/cogwheel-dev/taskqueue/log"
	"github.com/cogwheel-dev/taskqueue/store"
)

// Client triages tasks via an LLM call. Construct one per engine instance
// and share it with the scheduler.
type Client struct {
	anthropic anthropic.Client
	model     string
}

func New(apiKey, model string) *Client {
	return &Client{
		anthropic: anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:     model,
	}
}

// batchPromptTemplate mirrors assessment_engine.py's batch prompt: every
// pending task's title/description, asking for one JSON object per task.
const batchPromptTemplate = `You are triaging a queue of coding tasks before they are assigned to an autonomous coding agent.

For each task below, decide:
- complexity: "simple", "medium", or "complex"
- recommended_model: the model name best suited to the task ("sonnet" or "opus")
- should_decompose: true only if the task is complex enough that it should be split into independent subtasks
- subtasks: if should_decompose is true, a list of short subtask titles; otherwise an empty list
- reasoning: one or two sentences explaining the call
- comment: an optional short note to leave on the task for the user, or null

Respond with a JSON array, one object per task in the same order, with exactly these fields: id, complexity, recommended_model, should_decompose, subtasks, reasoning, comment.

Tasks:
%s`

const singlePromptTemplate = `You are triaging one coding task before it is assigned to an autonomous coding agent.

Task title: %s
Task description: %s

Decide complexity ("simple", "medium", or "complex"), recommended_model ("sonnet" or "opus"), should_decompose (true only if it should be split into independent subtasks), subtasks (a list of short subtask titles if should_decompose, else empty), reasoning (one or two sentences), and comment (an optional short note for the user, or null).

Respond with a single JSON object with exactly these fields: complexity, recommended_model, should_decompose, subtasks, reasoning, comment.`

type rawAssessment struct {
	ID               int64    `json:"id"`
	Complexity       string   `json:"complexity"`
	RecommendedModel string   `json:"recommended_model"`
	ShouldDecompose  bool     `json:"should_decompose"`
	Subtasks         []string `json:"subtasks"`
	Reasoning        string   `json:"reasoning"`
	Comment          *string  `json:"comment"`
}

// conservativeDefault is what assessment_engine.py falls back to when the
// model's response can't be parsed: treat the task as medium complexity,
// recommend the default model, and never decompose on a guess.
func conservativeDefault(defaultModel string) store.AssessmentResult {
	return store.AssessmentResult{
		Complexity:       store.ComplexityMedium,
		RecommendedModel: defaultModel,
		ShouldDecompose:  false,
		Reasoning:        "assessment response could not be parsed; defaulting to medium complexity",
	}
}

// AssessSingle triages one task.
func (c *Client) AssessSingle(ctx context.Context, task *store.Task) (store.AssessmentResult, error) {
	prompt := fmt.Sprintf(singlePromptTemplate, task.Title, task.Description)

	text, err := c.complete(ctx, prompt)
	if err != nil {
		return conservativeDefault(c.model), fmt.Errorf("assessment call failed for task %d: %w", task.ID, err)
	}

	var raw rawAssessment
	if err := json.Unmarshal([]byte(stripCodeFence(text)), &raw); err != nil {
		log.WarningLog.Printf("failed to parse assessment response for task %d, using conservative default: %v", task.ID, err)
		return conservativeDefault(c.model), nil
	}

	return toResult(raw, c.model), nil
}

// AssessBatch triages several tasks in one call, cutting LLM round-trips
// during a heavy heartbeat. Results are returned in the same order as
// tasks; a task missing from (or unparseable in) the response gets the
// conservative default rather than failing the whole batch.
func (c *Client) AssessBatch(ctx context.Context, tasks []*store.Task) ([]store.AssessmentResult, error) {
	if len(tasks) == 0 {
		return nil, nil
	}
	if len(tasks) == 1 {
		result, err := c.AssessSingle(ctx, tasks[0])
		return []store.AssessmentResult{result}, err
	}

	var sb strings.Builder
	for _, t := range tasks {
		fmt.Fprintf(&sb, "- id=%d title=%q description=%q\n", t.ID, t.Title, t.Description)
	}
	prompt := fmt.Sprintf(batchPromptTemplate, sb.String())

	text, err := c.complete(ctx, prompt)
	if err != nil {
		results := make([]store.AssessmentResult, len(tasks))
		for i := range results {
			results[i] = conservativeDefault(c.model)
		}
		return results, fmt.Errorf("batch assessment call failed: %w", err)
	}

	var raws []rawAssessment
	if err := json.Unmarshal([]byte(stripCodeFence(text)), &raws); err != nil {
		log.WarningLog.Printf("failed to parse batch assessment response, using conservative defaults: %v", err)
		results := make([]store.AssessmentResult, len(tasks))
		for i := range results {
			results[i] = conservativeDefault(c.model)
		}
		return results, nil
	}

	byID := make(map[int64]rawAssessment, len(raws))
	for _, r := range raws {
		byID[r.ID] = r
	}

	results := make([]store.AssessmentResult, len(tasks))
	for i, t := range tasks {
		if raw, ok := byID[t.ID]; ok {
			results[i] = toResult(raw, c.model)
		} else {
			results[i] = conservativeDefault(c.model)
		}
	}

	return results, nil
}

func toResult(raw rawAssessment, defaultModel string) store.AssessmentResult {
	complexity, err := store.NewComplexity(raw.Complexity)
	if err != nil {
		complexity = store.ComplexityMedium
	}

	model := raw.RecommendedModel
	if model == "" {
		model = defaultModel
	}

	return store.AssessmentResult{
		Complexity:       complexity,
		RecommendedModel: model,
		ShouldDecompose:  raw.ShouldDecompose,
		Subtasks:         raw.Subtasks,
		Reasoning:        raw.Reasoning,
		Comment:          raw.Comment,
	}
}

// stripCodeFence removes a leading/trailing markdown code fence, since
// models routinely wrap JSON responses in ```json ... ``` despite
// instructions not to.
func stripCodeFence(text string) string {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "```") {
		return text
	}
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	return strings.TrimSpace(text)
}

func (c *Client) complete(ctx context.Context, prompt string) (string, error) {
	message, err := c.anthropic.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model),
		MaxTokens: 2048,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	for _, block := range message.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	return sb.String(), nil
}
