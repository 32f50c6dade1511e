package timeline

import (
	"encoding/json"
	"strings"
	"time"
)

// Normalize parses one raw line into a canonical Event. It accepts three wire
// shapes: method-style notifications ({method, params}), the legacy flat
// protocol ({type: "thread.started", ...}), and native rollout records
// ({timestamp, type, payload}). All three funnel into the same canonical
// vocabulary so the reducer never sees wire shape.
//
// nowMs is the fallback timestamp; lines carrying their own timestamp
// (_ts_ms, or the rollout RFC3339 timestamp) override it. Normalize never
// fails: unparseable lines come back as RawTextEvent, and a nil return means
// the line produced nothing (blank line or no-op lifecycle marker).
func Normalize(raw string, stream Stream, nowMs int64) Event {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil
	}

	// Stderr is captured verbatim; the agent never writes JSON there.
	if stream == StreamError {
		return RawTextEvent{Stream: StreamError, Text: raw, TsMs: nowMs}
	}

	var env wireEnvelope
	if err := json.Unmarshal([]byte(trimmed), &env); err != nil {
		return RawTextEvent{Stream: stream, Text: raw, TsMs: nowMs}
	}

	ts := nowMs
	if env.TsMs > 0 {
		ts = env.TsMs
	} else if env.Timestamp != "" {
		if t, err := time.Parse(time.RFC3339Nano, env.Timestamp); err == nil {
			ts = t.UnixMilli()
		}
	}

	if env.Method != "" {
		return normalizeMethod(env, ts, trimmed)
	}
	if env.Type != "" {
		return normalizeFlat(env, ts, trimmed)
	}
	return unknown("", trimmed, ts)
}

// wireEnvelope is the union of top-level fields across all three wire shapes.
type wireEnvelope struct {
	Method    string          `json:"method"`
	Params    json.RawMessage `json:"params"`
	Type      string          `json:"type"`
	TsMs      int64           `json:"_ts_ms"`
	Timestamp string          `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
	ThreadID  string          `json:"thread_id"`
	Item      json.RawMessage `json:"item"`
	Prompt    string          `json:"prompt"`
	Message   string          `json:"message"`
}

// suppressedMethods are informational pings that never render. They are
// timeline-only suppressions: token usage is still extracted before the
// method reaches this list.
var suppressedMethods = map[string]struct{}{
	"account/rateLimits/updated":      {},
	"item/reasoning/summaryPartAdded": {},
}

// --- Method-style notifications ----------------------------------------------

func normalizeMethod(env wireEnvelope, ts int64, line string) Event {
	switch env.Method {
	case "item/agentMessage/delta":
		return deltaEvent(env.Params, ItemAgentMessage, ts)

	case "item/reasoning/delta", "item/reasoning/textDelta", "item/reasoning/summaryTextDelta":
		return deltaEvent(env.Params, ItemReasoning, ts)

	case "item/commandExecution/outputDelta":
		return deltaEvent(env.Params, ItemCommandExecution, ts)

	case "item/started", "item/completed", "item/updated":
		var p struct {
			Item json.RawMessage `json:"item"`
		}
		if err := json.Unmarshal(env.Params, &p); err != nil || len(p.Item) == 0 {
			return unknown(env.Method, line, ts)
		}
		phase := PhaseStarted
		if env.Method == "item/completed" {
			phase = PhaseCompleted
		}
		return ItemEvent{Phase: phase, Item: parseCamelItem(p.Item), TsMs: ts}

	case "turn/plan/updated":
		return planEvent(env.Params, ts)

	case "thread/tokenUsage/updated":
		if u, ok := tokenUsage(env.Params, ts); ok {
			return u
		}
		return NoticeEvent{Method: env.Method}

	case "thread/started":
		var p struct {
			ThreadID string `json:"threadId"`
		}
		_ = json.Unmarshal(env.Params, &p)
		return ThreadEvent{ThreadID: p.ThreadID, TsMs: ts}

	case "turn/started", "turn/completed":
		return nil

	case "error":
		var p struct {
			Message string `json:"message"`
			Error   struct {
				Message string `json:"message"`
			} `json:"error"`
		}
		_ = json.Unmarshal(env.Params, &p)
		msg := p.Message
		if msg == "" {
			msg = p.Error.Message
		}
		if msg == "" {
			msg = "unknown error"
		}
		return ErrorEvent{Message: msg, TsMs: ts}
	}

	if _, ok := suppressedMethods[env.Method]; ok {
		return NoticeEvent{Method: env.Method}
	}
	return unknown(env.Method, line, ts)
}

func deltaEvent(params json.RawMessage, kind ItemKind, ts int64) Event {
	var p struct {
		ItemID string `json:"itemId"`
		Delta  string `json:"delta"`
	}
	if err := json.Unmarshal(params, &p); err != nil || p.ItemID == "" {
		return nil
	}
	if p.Delta == "" {
		return nil
	}
	return DeltaEvent{ItemID: p.ItemID, Kind: kind, Delta: p.Delta, TsMs: ts}
}

func planEvent(params json.RawMessage, ts int64) Event {
	var p struct {
		Explanation string `json:"explanation"`
		Plan        []struct {
			Step   string `json:"step"`
			Text   string `json:"text"`
			Status string `json:"status"`
		} `json:"plan"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil
	}
	steps := make([]PlanStep, 0, len(p.Plan))
	for _, s := range p.Plan {
		text := s.Step
		if text == "" {
			text = s.Text
		}
		if text == "" {
			continue
		}
		steps = append(steps, PlanStep{Text: text, Status: stepStatus(s.Status)})
	}
	return PlanEvent{Plan: PlanState{TimestampMs: ts, Explanation: p.Explanation, Steps: steps}}
}

func stepStatus(s string) StepStatus {
	switch s {
	case "in_progress", "inProgress":
		return StepInProgress
	case "completed", "complete", "done":
		return StepCompleted
	default:
		return StepPending
	}
}

// tokenUsage extracts a usage snapshot from thread/tokenUsage/updated params.
// Prefers the per-turn "last" bucket, falling back to "total". A snapshot
// without a context window is useless for metrics and is dropped.
func tokenUsage(params json.RawMessage, ts int64) (UsageEvent, bool) {
	var p struct {
		ThreadID           string `json:"threadId"`
		ModelContextWindow int64  `json:"modelContextWindow"`
		TokenUsage         struct {
			ModelContextWindow int64        `json:"modelContextWindow"`
			Last               *tokenBucket `json:"last"`
			Total              *tokenBucket `json:"total"`
		} `json:"tokenUsage"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return UsageEvent{}, false
	}
	window := p.ModelContextWindow
	if window == 0 {
		window = p.TokenUsage.ModelContextWindow
	}
	bucket := p.TokenUsage.Last
	if bucket == nil {
		bucket = p.TokenUsage.Total
	}
	if window == 0 || bucket == nil {
		return UsageEvent{}, false
	}
	total := bucket.TotalTokens
	if total == 0 {
		total = bucket.InputTokens + bucket.OutputTokens + bucket.ReasoningOutputTokens
	}
	return UsageEvent{
		ThreadID:              p.ThreadID,
		TotalTokens:           total,
		InputTokens:           bucket.InputTokens,
		CachedInputTokens:     bucket.CachedInputTokens,
		OutputTokens:          bucket.OutputTokens,
		ReasoningOutputTokens: bucket.ReasoningOutputTokens,
		ContextWindow:         window,
		TsMs:                  ts,
	}, true
}

type tokenBucket struct {
	TotalTokens           int64 `json:"totalTokens"`
	InputTokens           int64 `json:"inputTokens"`
	CachedInputTokens     int64 `json:"cachedInputTokens"`
	OutputTokens          int64 `json:"outputTokens"`
	ReasoningOutputTokens int64 `json:"reasoningOutputTokens"`
}

// parseCamelItem decodes a method-style item payload (camelCase fields,
// camelCase type names).
func parseCamelItem(raw json.RawMessage) Item {
	var it struct {
		ID               string `json:"id"`
		Type             string `json:"type"`
		Text             string `json:"text"`
		Command          string `json:"command"`
		AggregatedOutput string `json:"aggregatedOutput"`
		ExitCode         *int   `json:"exitCode"`
		Status           string `json:"status"`
	}
	_ = json.Unmarshal(raw, &it)
	return Item{
		ID:       it.ID,
		Kind:     camelItemKind(it.Type),
		Text:     it.Text,
		Command:  it.Command,
		Output:   it.AggregatedOutput,
		ExitCode: it.ExitCode,
		Status:   it.Status,
	}
}

func camelItemKind(t string) ItemKind {
	switch t {
	case "agentMessage":
		return ItemAgentMessage
	case "reasoning":
		return ItemReasoning
	case "commandExecution":
		return ItemCommandExecution
	case "fileChange":
		return ItemFileChange
	case "mcpToolCall":
		return ItemMCPToolCall
	case "webSearch":
		return ItemWebSearch
	default:
		return ItemOther
	}
}

// --- Flat "type" protocols ----------------------------------------------------

func normalizeFlat(env wireEnvelope, ts int64, line string) Event {
	switch env.Type {
	// Legacy flat protocol.
	case "thread.started":
		return ThreadEvent{ThreadID: env.ThreadID, TsMs: ts}

	case "turn.started", "turn.completed":
		return nil

	case "turn.failed":
		return flatError(line, ts)

	case "turn.plan_updated":
		// Explanation and steps sit at the top level of the line.
		return planEvent(json.RawMessage(line), ts)

	case "item.started", "item.updated", "item.completed":
		if len(env.Item) == 0 {
			return unknown(env.Type, line, ts)
		}
		phase := PhaseStarted
		if env.Type == "item.completed" {
			phase = PhaseCompleted
		}
		return ItemEvent{Phase: phase, Item: parseSnakeItem(env.Item), TsMs: ts}

	case "app.prompt":
		if env.Prompt == "" {
			return nil
		}
		return PromptEvent{Text: env.Prompt, TsMs: ts}

	case "app/error":
		msg := env.Message
		if msg == "" {
			msg = "unknown error"
		}
		return ErrorEvent{Message: msg, TsMs: ts}

	case "error":
		return flatError(line, ts)

	// Native rollout records.
	case "session_meta":
		var p struct {
			ID  string `json:"id"`
			Cwd string `json:"cwd"`
		}
		_ = json.Unmarshal(env.Payload, &p)
		return SessionMetaEvent{SessionID: p.ID, Cwd: p.Cwd, TsMs: ts}

	case "event_msg":
		return normalizeEventMsg(env.Payload, ts, line)

	case "response_item":
		return normalizeResponseItem(env.Payload, ts, line)
	}

	return unknown(env.Type, line, ts)
}

func flatError(line string, ts int64) Event {
	var p struct {
		Message string `json:"message"`
		Error   struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	_ = json.Unmarshal([]byte(line), &p)
	msg := p.Message
	if msg == "" {
		msg = p.Error.Message
	}
	if msg == "" {
		msg = "unknown error"
	}
	return ErrorEvent{Message: msg, TsMs: ts}
}

// parseSnakeItem decodes a legacy flat item payload (snake_case fields and
// type names).
func parseSnakeItem(raw json.RawMessage) Item {
	var it struct {
		ID               string `json:"id"`
		Type             string `json:"type"`
		ItemType         string `json:"item_type"`
		Text             string `json:"text"`
		Command          string `json:"command"`
		AggregatedOutput string `json:"aggregated_output"`
		ExitCode         *int   `json:"exit_code"`
		Status           string `json:"status"`
	}
	_ = json.Unmarshal(raw, &it)
	t := it.Type
	if t == "" {
		t = it.ItemType
	}
	return Item{
		ID:       it.ID,
		Kind:     snakeItemKind(t),
		Text:     it.Text,
		Command:  it.Command,
		Output:   it.AggregatedOutput,
		ExitCode: it.ExitCode,
		Status:   it.Status,
	}
}

func snakeItemKind(t string) ItemKind {
	switch t {
	case "agent_message":
		return ItemAgentMessage
	case "reasoning":
		return ItemReasoning
	case "command_execution":
		return ItemCommandExecution
	case "file_change":
		return ItemFileChange
	case "mcp_tool_call":
		return ItemMCPToolCall
	case "web_search":
		return ItemWebSearch
	default:
		return ItemOther
	}
}

// --- Native rollout payloads --------------------------------------------------

func normalizeEventMsg(payload json.RawMessage, ts int64, line string) Event {
	var p struct {
		Type    string          `json:"type"`
		Message string          `json:"message"`
		Text    string          `json:"text"`
		Info    json.RawMessage `json:"info"`
	}
	if err := json.Unmarshal(payload, &p); err != nil {
		return unknown("event_msg", line, ts)
	}

	switch p.Type {
	case "user_message":
		if !showRolloutUserText(p.Message) {
			return nil
		}
		return PromptEvent{Text: strings.TrimSpace(p.Message), TsMs: ts}

	case "agent_message":
		if p.Message == "" {
			return nil
		}
		return ItemEvent{
			Phase: PhaseCompleted,
			Item:  Item{Kind: ItemAgentMessage, Text: p.Message, Status: "completed"},
			TsMs:  ts,
		}

	case "agent_reasoning":
		if p.Text == "" {
			return nil
		}
		return ItemEvent{
			Phase: PhaseCompleted,
			Item:  Item{Kind: ItemReasoning, Text: p.Text, Status: "completed"},
			TsMs:  ts,
		}

	case "token_count":
		if u, ok := rolloutTokenCount(p.Info, ts); ok {
			return u
		}
		return NoticeEvent{Method: "token_count"}

	case "task_started", "task_complete", "turn_context", "agent_reasoning_section_break":
		return nil
	}
	return unknown("event_msg/"+p.Type, line, ts)
}

func rolloutTokenCount(info json.RawMessage, ts int64) (UsageEvent, bool) {
	var p struct {
		TotalTokenUsage    *rolloutTokenBucket `json:"total_token_usage"`
		LastTokenUsage     *rolloutTokenBucket `json:"last_token_usage"`
		ModelContextWindow int64               `json:"model_context_window"`
	}
	if err := json.Unmarshal(info, &p); err != nil {
		return UsageEvent{}, false
	}
	bucket := p.LastTokenUsage
	if bucket == nil {
		bucket = p.TotalTokenUsage
	}
	if p.ModelContextWindow == 0 || bucket == nil {
		return UsageEvent{}, false
	}
	total := bucket.TotalTokens
	if total == 0 {
		total = bucket.InputTokens + bucket.OutputTokens + bucket.ReasoningOutputTokens
	}
	return UsageEvent{
		TotalTokens:           total,
		InputTokens:           bucket.InputTokens,
		CachedInputTokens:     bucket.CachedInputTokens,
		OutputTokens:          bucket.OutputTokens,
		ReasoningOutputTokens: bucket.ReasoningOutputTokens,
		ContextWindow:         p.ModelContextWindow,
		TsMs:                  ts,
	}, true
}

type rolloutTokenBucket struct {
	TotalTokens           int64 `json:"total_tokens"`
	InputTokens           int64 `json:"input_tokens"`
	CachedInputTokens     int64 `json:"cached_input_tokens"`
	OutputTokens          int64 `json:"output_tokens"`
	ReasoningOutputTokens int64 `json:"reasoning_output_tokens"`
}

func normalizeResponseItem(payload json.RawMessage, ts int64, line string) Event {
	var p struct {
		Type      string          `json:"type"`
		Role      string          `json:"role"`
		Content   json.RawMessage `json:"content"`
		Summary   json.RawMessage `json:"summary"`
		Name      string          `json:"name"`
		Arguments string          `json:"arguments"`
		CallID    string          `json:"call_id"`
		Output    json.RawMessage `json:"output"`
	}
	if err := json.Unmarshal(payload, &p); err != nil {
		return unknown("response_item", line, ts)
	}

	switch p.Type {
	case "message":
		text := rolloutContentText(p.Content)
		switch p.Role {
		case "user":
			if !showRolloutUserText(text) {
				return nil
			}
			return PromptEvent{Text: strings.TrimSpace(text), TsMs: ts}
		case "assistant":
			if text == "" {
				return nil
			}
			return ItemEvent{
				Phase: PhaseCompleted,
				Item:  Item{Kind: ItemAgentMessage, Text: text, Status: "completed"},
				TsMs:  ts,
			}
		}
		return nil

	case "reasoning":
		text := rolloutContentText(p.Summary)
		if text == "" {
			text = rolloutContentText(p.Content)
		}
		if text == "" {
			return nil
		}
		return ItemEvent{
			Phase: PhaseCompleted,
			Item:  Item{Kind: ItemReasoning, Text: text, Status: "completed"},
			TsMs:  ts,
		}

	case "function_call":
		cmd := p.Name
		if p.Arguments != "" {
			cmd += " " + p.Arguments
		}
		return ItemEvent{
			Phase: PhaseStarted,
			Item:  Item{ID: p.CallID, Kind: ItemCommandExecution, Command: cmd, Status: "in_progress"},
			TsMs:  ts,
		}

	case "function_call_output":
		return ItemEvent{
			Phase: PhaseCompleted,
			Item:  Item{ID: p.CallID, Kind: ItemCommandExecution, Output: functionCallOutput(p.Output), Status: "completed"},
			TsMs:  ts,
		}
	}
	return unknown("response_item/"+p.Type, line, ts)
}

// rolloutContentText joins input_text/output_text/summary_text fragments from
// a rollout content array.
func rolloutContentText(content json.RawMessage) string {
	var parts []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(content, &parts); err != nil {
		return ""
	}
	var b strings.Builder
	for _, part := range parts {
		switch part.Type {
		case "input_text", "output_text", "summary_text":
			b.WriteString(part.Text)
		}
	}
	return b.String()
}

// functionCallOutput accepts both the bare-string and {content: "..."} output
// encodings.
func functionCallOutput(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var obj struct {
		Content string `json:"content"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil && obj.Content != "" {
		return obj.Content
	}
	return string(raw)
}

// showRolloutUserText filters instruction dumps the agent injects into its own
// rollout as user messages.
func showRolloutUserText(text string) bool {
	t := strings.TrimSpace(text)
	if t == "" {
		return false
	}
	if strings.HasPrefix(t, "# AGENTS.md") {
		return false
	}
	if strings.HasPrefix(t, "<environment_context") {
		return false
	}
	if strings.Contains(t, "<INSTRUCTIONS>") {
		return false
	}
	return true
}

// unknown renders an unrecognised structured payload as a generic event block
// body so nothing is silently discarded.
func unknown(label, line string, ts int64) Event {
	var v any
	pretty := line
	if err := json.Unmarshal([]byte(line), &v); err == nil {
		if out, err := json.MarshalIndent(v, "", "  "); err == nil {
			pretty = string(out)
		}
	}
	return UnknownEvent{Label: label, Pretty: pretty, TsMs: ts}
}
