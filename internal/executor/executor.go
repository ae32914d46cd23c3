// Package executor runs tasks through a bounded plan/act/observe loop.
// Each iteration asks the LLM for a response plus optional actions; actions
// resolve against a table of (stubbed) external services or recurse as
// subtasks one level deep.
package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/openminer/minerd/internal/extract"
	"github.com/openminer/minerd/internal/provider"
)

const plannerSystemPrompt = `You are an intelligent AI assistant that solves tasks efficiently and autonomously.

RESPONSE FORMAT (JSON):
{
    "response": "your answer or reasoning",
    "actions": []
}

CRITICAL: MINIMIZE ACTIONS - YOU CAN SOLVE MOST TASKS DIRECTLY!

WHEN TO USE ACTIONS (RARE):
- DON'T use actions if you can solve the task yourself
- DON'T break tasks into unnecessary steps
- ONLY use actions when you ABSOLUTELY need:
   - Real-time external data (search, API calls, file access)
   - Actual code execution or system operations
   - Information you genuinely don't have access to

ACTION RULES:
- Both "task" and "input" fields MUST be strings
- Never use JSON objects or arrays for "input"
- Generate MINIMUM number of actions (1-2 max, prefer 0)
- Each action has overhead - only use if essential

DECISION LOGIC:
1. CAN YOU ANSWER NOW? -> Provide complete answer, set actions to []
2. NEED REAL-TIME DATA? -> Only then use external tool actions
3. CAN YOU REASON THROUGH IT? -> Do it yourself, set actions to []

EXAMPLES (ACTIONS NEEDED):

Need Real-Time Search:
{
    "response": "I need to search for current information to provide the latest details.",
    "actions": [
        {"task": "search", "input": "Python 3.12 new features official documentation"}
    ]
}

Need File Access:
{
    "response": "I need to read the configuration file to provide accurate information.",
    "actions": [
        {"task": "read_file", "input": "config.json"}
    ]
}

REMEMBER:
- Default to actions: [] - solve tasks yourself!
- Actions have computational cost - use sparingly
- You're capable of math, coding, analysis, reasoning - do it directly!
- Only use actions for external data you can't access
- Maximum 1-2 actions, prefer 0`

// MaxDepthResponse is returned instead of calling the LLM when a subtask
// chain exceeds the recursion ceiling.
const MaxDepthResponse = "Task too complex - maximum recursion depth exceeded."

const subtaskIterations = 2

// externalServices maps action names to the stub service that claims them.
// Matching is by normalized substring so "web_search", "websearch" and
// "Search the web" all resolve to the same service.
var externalServices = []struct {
	key  string
	name string
}{
	{"search", "Web search service"},
	{"web_search", "Web search service"},
	{"google_search", "Web search service"},
	{"api_call", "External API service"},
	{"read_file", "File system service"},
	{"write_file", "File system service"},
	{"execute_code", "Code execution service"},
	{"run_python", "Python execution service"},
	{"run_javascript", "JavaScript execution service"},
	{"database_query", "Database service"},
	{"scrape_webpage", "Web scraping service"},
	{"send_email", "Email service"},
	{"http_request", "HTTP service"},
}

// observation records one executed action and its result.
type observation struct {
	Task   string
	Input  string
	Result string
}

// Executor drives the recursive task loop against an LLM provider.
type Executor struct {
	provider      provider.LLMProvider
	maxIterations int
	maxDepth      int
	temperature   float64
}

// New builds an executor. maxIterations bounds planning rounds per task,
// maxDepth bounds subtask recursion.
func New(p provider.LLMProvider, maxIterations, maxDepth int) *Executor {
	if maxIterations <= 0 {
		maxIterations = 3
	}
	if maxDepth <= 0 {
		maxDepth = 1
	}
	return &Executor{provider: p, maxIterations: maxIterations, maxDepth: maxDepth, temperature: 0.7}
}

// Execute runs a top-level task and returns the final synthesized answer.
// playbookContext, when non-empty, is appended to the system prompt as
// user preferences.
func (e *Executor) Execute(ctx context.Context, task, input, playbookContext string) (string, error) {
	return e.run(ctx, task, input, playbookContext, e.maxIterations, 0)
}

func (e *Executor) run(ctx context.Context, task, input, playbookContext string, maxIterations, depth int) (string, error) {
	if depth > e.maxDepth {
		slog.Warn("max recursion depth reached", "task", truncate(task, 50))
		return MaxDepthResponse, nil
	}

	systemPrompt := plannerSystemPrompt
	if playbookContext != "" {
		systemPrompt += "\n\nUSER PREFERENCES:\n" + playbookContext + "\n\nFollow these preferences in your response."
	}

	var observations []observation

	for iteration := 0; iteration < maxIterations; iteration++ {
		slog.Info("executor iteration", "iteration", iteration+1, "max", maxIterations, "depth", depth, "task", truncate(task, 50))

		fullInput := input
		if len(observations) > 0 {
			fullInput = input + "\n\nPrevious actions and their results:\n" + formatObservations(observations) +
				"\n\nBased on these observations, provide the final answer or next actions."
		}

		taskPrompt := fmt.Sprintf("Task: %s\nInput: %s\n\nAnalyze this task and respond in JSON format with your response and any needed actions.", task, fullInput)

		resp, err := e.provider.Chat(ctx, &provider.ChatRequest{
			Messages:    provider.BuildMessages(systemPrompt, nil, taskPrompt),
			Temperature: e.temperature,
			JSONMode:    true,
		})
		if err != nil {
			return "", fmt.Errorf("plan task: %w", err)
		}

		parsed := extract.Object(resp.Content)
		responseText, _ := parsed["response"].(string)
		actions := parseActions(parsed["actions"])

		if len(actions) == 0 {
			slog.Info("no more actions needed", "depth", depth)
			return responseText, nil
		}

		slog.Info("executing actions", "count", len(actions), "depth", depth)
		for _, act := range actions {
			result := e.executeAction(ctx, act, playbookContext, depth+1)
			observations = append(observations, observation{Task: act.Task, Input: act.Input, Result: result})
		}
	}

	// Iteration budget exhausted: one synthesis pass over everything
	// observed.
	finalPrompt := fmt.Sprintf("Task: %s\nInput: %s\n\nActions executed and their results:\n%s\n\nBased on all these observations, provide a comprehensive final answer.",
		task, input, formatObservations(observations))

	resp, err := e.provider.Chat(ctx, &provider.ChatRequest{
		Messages:    provider.BuildMessages("Synthesize a final answer based on the observations.", nil, finalPrompt),
		Temperature: e.temperature,
	})
	if err != nil {
		return "", fmt.Errorf("synthesize answer: %w", err)
	}
	return resp.Content, nil
}

// action is one planned step: an external service call or a subtask.
type action struct {
	Task  string
	Input string
}

// parseActions validates the raw actions array. Malformed elements are
// skipped individually; non-string inputs are JSON-serialized.
func parseActions(raw any) []action {
	items, ok := raw.([]any)
	if !ok {
		return nil
	}
	var actions []action
	for _, item := range items {
		obj, ok := item.(map[string]any)
		if !ok {
			slog.Warn("invalid action format", "action", item)
			continue
		}
		task, ok := obj["task"].(string)
		if !ok {
			slog.Warn("invalid action format", "action", item)
			continue
		}
		rawInput, present := obj["input"]
		if !present {
			slog.Warn("invalid action format", "action", item)
			continue
		}
		input, ok := rawInput.(string)
		if !ok {
			data, err := json.Marshal(rawInput)
			if err != nil {
				slog.Warn("unserializable action input", "task", task)
				continue
			}
			input = string(data)
		}
		actions = append(actions, action{Task: task, Input: input})
	}
	return actions
}

// executeAction resolves one action: stubbed external service or recursive
// subtask. It always returns an observation string, never an error.
func (e *Executor) executeAction(ctx context.Context, act action, playbookContext string, depth int) string {
	if name, ok := matchExternalService(act.Task); ok {
		slog.Info("action matched external service", "task", act.Task, "service", name)
		return fmt.Sprintf("[%s available but not implemented in this demo. In production, this would execute: %s with input: %s...]",
			name, act.Task, truncate(act.Input, 100))
	}

	slog.Info("action treated as subtask", "task", act.Task, "depth", depth)
	result, err := e.run(ctx, act.Task, act.Input, playbookContext, subtaskIterations, depth)
	if err != nil {
		slog.Error("subtask failed", "task", act.Task, "error", err)
		return fmt.Sprintf("Error executing subtask: %s", err)
	}
	return result
}

// matchExternalService checks whether the action name refers to a known
// external service.
func matchExternalService(task string) (string, bool) {
	normalized := normalizeServiceName(task)
	for _, svc := range externalServices {
		if strings.Contains(normalized, normalizeServiceName(svc.key)) {
			return svc.name, true
		}
	}
	return "", false
}

func normalizeServiceName(s string) string {
	s = strings.ToLower(s)
	s = strings.ReplaceAll(s, "_", "")
	return strings.ReplaceAll(s, "-", "")
}

func formatObservations(observations []observation) string {
	parts := make([]string, 0, len(observations))
	for i, obs := range observations {
		parts = append(parts, fmt.Sprintf("Action %d: %s\nInput: %s\nResult: %s", i+1, obs.Task, obs.Input, obs.Result))
	}
	return strings.Join(parts, "\n\n")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
