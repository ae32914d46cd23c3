package components

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/openminer/minerd/internal/conversation"
	"github.com/openminer/minerd/internal/extract"
	"github.com/openminer/minerd/internal/playbook"
	"github.com/openminer/minerd/internal/provider"
)

const historyWindow = 5

// Service executes components against the LLM provider and the playbook
// and conversation stores.
type Service struct {
	provider      provider.LLMProvider
	store         *playbook.Store
	extractor     *playbook.Extractor
	applier       *playbook.Applier
	conversations *conversation.Store
}

// NewService wires the component layer.
func NewService(p provider.LLMProvider, store *playbook.Store, extractor *playbook.Extractor, applier *playbook.Applier, conversations *conversation.Store) *Service {
	return &Service{provider: p, store: store, extractor: extractor, applier: applier, conversations: conversations}
}

const completeSystemPrompt = `You are an intelligent AI assistant that helps users complete tasks.

IMPORTANT: Respond in JSON format with two fields:
{
  "immediate_response": "Your natural language explanation of what you did or your answer",
  "notebook": "Updated notebook content OR 'no update'"
}

Guidelines for notebook field:
- If task is conversational only: Return "no update"
- If there's ONE notebook and no changes needed: Return "no update"
- If there's ONE notebook and changes needed: Return the updated version
- If there are MULTIPLE notebooks: You MUST create new content (combine/choose/merge) - NEVER "no update"
- If creating new notebook: Return the full content
- Always provide valid JSON`

// Complete processes queries with optional history and playbook context.
func (s *Service) Complete(ctx context.Context, in *Input) (*Output, error) {
	slog.Info("component complete", "cid", in.CID, "task", in.Task)

	inputText := formatInputItems(in.Input)
	previous := formatPreviousOutputs(in.PreviousOutputs, "Previous component outputs:")
	history, playbookContext := s.contextAdditions(ctx, in, "complete")

	systemPrompt := completeSystemPrompt
	if playbookContext != "" {
		systemPrompt += "\n\nUser preferences and context:\n" + playbookContext
	}
	taskPrompt := fmt.Sprintf("Task: %s\n\nInput:\n%s\n%s\n\nComplete this task and respond in JSON format.", in.Task, inputText, previous)

	resp, err := s.provider.Chat(ctx, &provider.ChatRequest{
		Messages:    provider.BuildMessages(systemPrompt, history, taskPrompt),
		Temperature: 0.7,
	})
	if err != nil {
		return nil, fmt.Errorf("complete: %w", err)
	}

	immediate, notebook := parseCanvasResponse(resp.Content, "complete")
	notebook = resolveNotebook(notebook, in.PreviousOutputs, "complete")

	s.record(ctx, in.CID, fmt.Sprintf("Task: %s\n%s", in.Task, inputText), immediate, "complete")
	return s.output(in, immediate, notebook, "complete"), nil
}

const refineSystemPrompt = `You are an AI assistant that refines and improves outputs.

IMPORTANT: Respond in JSON format:
{
  "immediate_response": "Explanation of what you refined and why",
  "notebook": "The refined/improved content OR 'no update'"
}

Guidelines for notebook field:
- If providing feedback only: Set notebook to "no update"
- If there's ONE notebook and no improvements needed: Set to "no update"
- If there's ONE notebook and improvements needed: Write the improved version
- If there are MULTIPLE notebooks: You MUST create new content (refine one, combine, or merge) - NEVER "no update"
- Always provide valid JSON`

// Refine improves previously produced outputs.
func (s *Service) Refine(ctx context.Context, in *Input) (*Output, error) {
	slog.Info("component refine", "cid", in.CID, "task", in.Task)

	inputText := formatInputItems(in.Input)
	previous := formatPreviousOutputs(in.PreviousOutputs, "Previous outputs to refine:")
	history, playbookContext := s.contextAdditions(ctx, in, "refine")

	systemPrompt := refineSystemPrompt
	if playbookContext != "" {
		systemPrompt += "\n\nUser preferences:\n" + playbookContext
	}
	taskPrompt := fmt.Sprintf("Task: %s\n\nOriginal Input:\n%s\n%s\n\nRefine and improve the outputs. Respond in JSON format.", in.Task, inputText, previous)

	resp, err := s.provider.Chat(ctx, &provider.ChatRequest{
		Messages:    provider.BuildMessages(systemPrompt, history, taskPrompt),
		Temperature: 0.7,
	})
	if err != nil {
		return nil, fmt.Errorf("refine: %w", err)
	}

	immediate, notebook := parseCanvasResponse(resp.Content, "refine")
	notebook = resolveNotebook(notebook, in.PreviousOutputs, "refine")

	s.record(ctx, in.CID, "Refine task: "+in.Task, immediate, "refine")
	return s.output(in, immediate, notebook, "refine"), nil
}

// Feedback analyzes previous outputs and returns free-text critique. It is
// conversational only: the notebook is never updated.
func (s *Service) Feedback(ctx context.Context, in *Input) (*Output, error) {
	slog.Info("component feedback", "cid", in.CID, "task", in.Task)

	outputs := formatPreviousOutputs(in.PreviousOutputs, "Outputs to analyze:")
	history, playbookContext := s.contextAdditions(ctx, in, "feedback")

	systemPrompt := "You are an AI assistant that provides constructive feedback."
	if playbookContext != "" {
		systemPrompt += "\n" + playbookContext
	}
	taskPrompt := fmt.Sprintf(`Task: %s
%s

Analyze the outputs and provide structured feedback:

For each output, identify:
1. Strengths (what works well)
2. Weaknesses (what could be improved)
3. Specific suggestions for improvement

Format your feedback clearly with sections.`, in.Task, outputs)

	resp, err := s.provider.Chat(ctx, &provider.ChatRequest{
		Messages:    provider.BuildMessages(systemPrompt, history, taskPrompt),
		Temperature: 0.7,
	})
	if err != nil {
		return nil, fmt.Errorf("feedback: %w", err)
	}

	s.record(ctx, in.CID, "Feedback request: "+in.Task, resp.Content, "feedback")
	return s.output(in, resp.Content, NoUpdate, "feedback"), nil
}

// HumanFeedback runs the insight pipeline: extract insights from the
// feedback text and apply them to the playbook.
func (s *Service) HumanFeedback(ctx context.Context, in *Input) (*Output, error) {
	slog.Info("component human_feedback", "cid", in.CID, "task", in.Task)

	var parts []string
	for _, item := range in.Input {
		if item.UserQuery != "" {
			parts = append(parts, item.UserQuery)
		}
	}
	feedbackText := strings.Join(parts, "\n")
	if strings.TrimSpace(feedbackText) == "" {
		return s.output(in, "No feedback text provided.", NoUpdate, "human_feedback"), nil
	}

	convContext := s.recentContext(ctx, in.CID)

	result, err := s.extractor.Extract(ctx, in.CID, feedbackText, convContext)
	if err != nil {
		return nil, fmt.Errorf("extract insights: %w", err)
	}
	batch, err := s.applier.Apply(ctx, in.CID, result.Insights, feedbackText, result.LLMResponse)
	if err != nil {
		return nil, fmt.Errorf("apply insights: %w", err)
	}

	message := summarizeInsights(result.Insights, len(batch.Entries))
	notebook := NoUpdate
	if len(result.Insights) > 0 {
		data, err := json.MarshalIndent(map[string]any{
			"feedback":           feedbackText,
			"insights_extracted": len(result.Insights),
			"entries_modified":   len(batch.Entries),
			"insights":           result.Insights,
		}, "", "  ")
		if err == nil {
			notebook = string(data)
		}
	}

	s.record(ctx, in.CID, "User feedback: "+feedbackText, message, "human_feedback")
	return s.output(in, message, notebook, "human_feedback"), nil
}

const summarySystemPrompt = `You are an AI assistant that creates concise, comprehensive summaries.

IMPORTANT: Respond in JSON format with two fields:
{
  "immediate_response": "Your summary explanation",
  "notebook": "Summarized notebook content OR 'no update'"
}

Guidelines for notebook field:
- If there's NO notebook content in inputs: Return "no update"
- If there's ONE notebook to summarize: Return the summarized version
- If there are MULTIPLE notebooks: Create a combined summary
- Always provide valid JSON`

// Summary condenses previous outputs into one.
func (s *Service) Summary(ctx context.Context, in *Input) (*Output, error) {
	slog.Info("component summary", "cid", in.CID, "task", in.Task)

	if len(in.PreviousOutputs) == 0 {
		return s.output(in, "No previous outputs to summarize.", NoUpdate, "summary"), nil
	}

	combined := combinePreviousOutputs(in.PreviousOutputs)
	history, playbookContext := s.contextAdditions(ctx, in, "summary")

	systemPrompt := summarySystemPrompt
	if playbookContext != "" {
		systemPrompt += "\n\nUser preferences:\n" + playbookContext
	}
	taskPrompt := fmt.Sprintf(`Task: %s

Content to summarize:
%s

Create a comprehensive summary that:
1. Captures the main points and key insights
2. Maintains important details
3. Removes redundancy
4. Organizes information logically

Respond in JSON format.`, in.Task, combined)

	resp, err := s.provider.Chat(ctx, &provider.ChatRequest{
		Messages:    provider.BuildMessages(systemPrompt, history, taskPrompt),
		Temperature: 0.5,
	})
	if err != nil {
		return nil, fmt.Errorf("summary: %w", err)
	}

	immediate, notebook := parseCanvasResponse(resp.Content, "summary")
	notebook = resolveNotebook(notebook, in.PreviousOutputs, "summary")

	s.record(ctx, in.CID, "Summarize: "+in.Task, immediate, "summary")
	return s.output(in, immediate, notebook, "summary"), nil
}

const aggregateSystemPrompt = `You are an AI assistant that aggregates multiple outputs using majority voting.

IMPORTANT: Respond in JSON format with two fields:
{
  "immediate_response": "Your explanation of the consensus and voting results",
  "notebook": "The aggregated/consensus notebook content OR 'no update'"
}

Guidelines for notebook field:
- If there's NO notebook content in inputs: Return "no update"
- If there's ONE notebook: Return it as-is (or "no update" if no changes)
- If there are MULTIPLE notebooks: Create aggregated version using majority voting
- Use majority voting: Choose the most common content or merge agreements
- Always provide valid JSON`

// Aggregate performs majority voting across previous outputs.
func (s *Service) Aggregate(ctx context.Context, in *Input) (*Output, error) {
	slog.Info("component aggregate", "cid", in.CID, "task", in.Task)

	if len(in.PreviousOutputs) == 0 {
		return s.output(in, "No previous outputs to aggregate.", NoUpdate, "aggregate"), nil
	}

	var blocks []string
	for i, prev := range in.PreviousOutputs {
		block := fmt.Sprintf("Output %d [%s]:\nResponse: %s\n", i+1, prev.Component, prev.Output.ImmediateResponse)
		if prev.Output.Notebook != "" && prev.Output.Notebook != NoUpdate {
			block += "Notebook: " + prev.Output.Notebook + "\n"
		}
		blocks = append(blocks, block)
	}
	combined := strings.Join(blocks, "\n\n---\n\n")

	history, playbookContext := s.contextAdditions(ctx, in, "aggregate")
	systemPrompt := aggregateSystemPrompt
	if playbookContext != "" {
		systemPrompt += "\n\nUser preferences:\n" + playbookContext
	}
	taskPrompt := fmt.Sprintf(`Task: %s

Multiple outputs to aggregate:
%s

Analyze these outputs and determine the consensus answer by:
1. Identifying common themes and agreements
2. Noting where outputs differ
3. Using majority voting logic to determine the most supported answer
4. Highlighting any important minority opinions

Respond in JSON format.`, in.Task, combined)

	resp, err := s.provider.Chat(ctx, &provider.ChatRequest{
		Messages:    provider.BuildMessages(systemPrompt, history, taskPrompt),
		Temperature: 0.3,
	})
	if err != nil {
		return nil, fmt.Errorf("aggregate: %w", err)
	}

	immediate, notebook := parseCanvasResponse(resp.Content, "aggregate")
	notebook = resolveNotebook(notebook, in.PreviousOutputs, "aggregate")

	s.record(ctx, in.CID, "Aggregate: "+in.Task, immediate, "aggregate")
	return s.output(in, immediate, notebook, "aggregate"), nil
}

// PlaybookContext returns the formatted playbook block for a conversation.
func (s *Service) PlaybookContext(ctx context.Context, cid string) (string, error) {
	entries, err := s.store.ListEntries(ctx, cid, playbook.ListOptions{})
	if err != nil {
		return "", err
	}
	return playbook.FormatContext(entries), nil
}

func (s *Service) output(in *Input, immediate, notebook, component string) *Output {
	return &Output{
		CID:       in.CID,
		Task:      in.Task,
		Input:     in.Input,
		Output:    OutputData{ImmediateResponse: immediate, Notebook: notebook},
		Component: component,
	}
}

// contextAdditions loads the recent message window and playbook context
// according to the request flags. Failures degrade to empty context.
func (s *Service) contextAdditions(ctx context.Context, in *Input, component string) ([]provider.Message, string) {
	var history []provider.Message
	if in.UseConversationHistory {
		msgs, err := s.conversations.Messages(ctx, in.CID, historyWindow)
		if err != nil {
			slog.Warn("failed to load history", "component", component, "cid", in.CID, "error", err)
		}
		for _, m := range msgs {
			history = append(history, provider.Message{Role: m.Role, Content: m.Content})
		}
		slog.Info("using conversation history", "component", component, "messages", len(history))
	}

	playbookContext := ""
	if in.UsePlaybook {
		entries, err := s.store.ListEntries(ctx, in.CID, playbook.ListOptions{})
		if err != nil {
			slog.Warn("failed to load playbook", "component", component, "cid", in.CID, "error", err)
		} else if len(entries) > 0 {
			playbookContext = playbook.FormatContext(entries)
			slog.Info("using playbook", "component", component, "entries", len(entries))
		}
	}
	return history, playbookContext
}

// recentContext renders the last few messages for insight extraction.
func (s *Service) recentContext(ctx context.Context, cid string) string {
	msgs, err := s.conversations.Messages(ctx, cid, historyWindow)
	if err != nil || len(msgs) == 0 {
		return ""
	}
	var lines []string
	for _, m := range msgs {
		content := m.Content
		if len(content) > 100 {
			content = content[:100] + "..."
		}
		lines = append(lines, m.Role+": "+content)
	}
	return strings.Join(lines, "\n")
}

// record appends the exchange to the message window. Best effort: history
// is a cache, the playbook is the durable memory.
func (s *Service) record(ctx context.Context, cid, userMsg, assistantMsg, component string) {
	extra := map[string]any{"component": component}
	if _, err := s.conversations.AddMessage(ctx, cid, "user", userMsg, extra); err != nil {
		slog.Warn("failed to record user message", "cid", cid, "error", err)
		return
	}
	if _, err := s.conversations.AddMessage(ctx, cid, "assistant", assistantMsg, extra); err != nil {
		slog.Warn("failed to record assistant message", "cid", cid, "error", err)
	}
}

func formatInputItems(items []InputItem) string {
	var parts []string
	for i, item := range items {
		parts = append(parts, fmt.Sprintf("Query %d: %s", i+1, item.UserQuery))
	}
	return strings.Join(parts, "\n\n")
}

func formatPreviousOutputs(prev []PreviousOutput, header string) string {
	if len(prev) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("\n\n" + header + "\n")
	for _, p := range prev {
		b.WriteString(fmt.Sprintf("\n[%s] %s:\n", p.Component, p.Task))
		b.WriteString("  Response: " + p.Output.ImmediateResponse + "\n")
		if p.Output.Notebook != "" && p.Output.Notebook != NoUpdate {
			b.WriteString("  Notebook: " + p.Output.Notebook + "\n")
		}
	}
	return b.String()
}

func combinePreviousOutputs(prev []PreviousOutput) string {
	var blocks []string
	for _, p := range prev {
		block := fmt.Sprintf("[%s] %s:\nResponse: %s\n", p.Component, p.Task, p.Output.ImmediateResponse)
		if p.Output.Notebook != "" && p.Output.Notebook != NoUpdate {
			block += "Notebook: " + p.Output.Notebook + "\n"
		}
		blocks = append(blocks, block)
	}
	return strings.Join(blocks, "\n\n---\n\n")
}

// parseCanvasResponse splits an LLM response into the immediate answer and
// the notebook channel. Unparseable responses degrade to (raw, "no update").
func parseCanvasResponse(raw, component string) (string, string) {
	parsed := extract.Object(raw)

	immediate, ok := parsed["immediate_response"].(string)
	if !ok {
		slog.Warn("response missing immediate_response, using raw text", "component", component)
		return raw, NoUpdate
	}

	notebook := NoUpdate
	switch nb := parsed["notebook"].(type) {
	case nil:
	case string:
		notebook = nb
	case map[string]any:
		slog.Warn("notebook returned as object, serializing", "component", component)
		if data, err := json.MarshalIndent(nb, "", "  "); err == nil {
			notebook = string(data)
		}
	default:
		slog.Warn("notebook is not a string, converting", "component", component)
		notebook = fmt.Sprint(nb)
	}
	return immediate, notebook
}

// resolveNotebook substitutes "no update" with the most recent previous
// notebook so chained components always see the live document.
func resolveNotebook(notebook string, prev []PreviousOutput, component string) string {
	if notebook != NoUpdate {
		return notebook
	}
	for _, p := range prev {
		if p.Output.Notebook != "" && p.Output.Notebook != NoUpdate {
			slog.Info("resolved notebook from previous output", "component", component, "source", p.Component)
			return p.Output.Notebook
		}
	}
	return NoUpdate
}

func summarizeInsights(insights []playbook.Insight, entryCount int) string {
	if len(insights) == 0 {
		return "Thank you for your feedback. However, I couldn't extract any " +
			"actionable insights to add to your playbook. Your feedback has " +
			"been stored in the conversation history for context."
	}

	var b strings.Builder
	b.WriteString("Thank you for your feedback! I've analyzed it and extracted the following insights:\n")
	for _, in := range insights {
		b.WriteString(fmt.Sprintf("\n- %s (%s)\n  Key: %s\n  Value: %s\n  Confidence: %.0f%%\n",
			titleCase(in.InsightType), in.Operation, in.Key, in.Value, in.Confidence*100))
		if len(in.Tags) > 0 {
			b.WriteString("  Tags: " + strings.Join(in.Tags, ", ") + "\n")
		}
	}
	b.WriteString(fmt.Sprintf("\nYour playbook now has %d active entries. I'll use this knowledge in our future conversations!", entryCount))
	return b.String()
}

// ParseFeedbackItems parses free-text critique into problem/suggestion
// pairs, falling back to two generic items when nothing structured is
// found.
func ParseFeedbackItems(text string) []FeedbackItem {
	var items []FeedbackItem
	var currentProblem string

	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		lower := strings.ToLower(line)
		switch {
		case containsAny(lower, "problem:", "issue:", "weakness:"):
			currentProblem = afterColon(line)
		case containsAny(lower, "suggestion:", "improvement:", "recommendation:"):
			if currentProblem != "" {
				items = append(items, FeedbackItem{Problem: currentProblem, Suggestion: afterColon(line)})
				currentProblem = ""
			}
		case strings.HasPrefix(line, "-") || strings.HasPrefix(line, "\u2022") || strings.HasPrefix(line, "*") ||
			strings.HasPrefix(line, "1.") || strings.HasPrefix(line, "2.") || strings.HasPrefix(line, "3."):
			if currentProblem == "" {
				currentProblem = strings.TrimLeft(line, "-\u2022*123. ")
			}
		}
	}

	if len(items) == 0 {
		items = []FeedbackItem{
			{
				Problem:    "The output could be more comprehensive",
				Suggestion: "Add more details, examples, or explanations to make the output more useful",
			},
			{
				Problem:    "Consider the user's context and preferences",
				Suggestion: "Tailor the response to better match the user's needs and communication style",
			},
		}
	}
	return items
}

func titleCase(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

func afterColon(line string) string {
	if i := strings.Index(line, ":"); i >= 0 {
		return strings.TrimSpace(line[i+1:])
	}
	return line
}
