package runner

import (
	"encoding/json"
	"log/slog"
	"regexp"
	"strings"
	"time"
)

// EventKind classifies a single output event from the Claude CLI stream.
type EventKind string

const (
	EventText        EventKind = "text"
	EventToolUse     EventKind = "tool_use"
	EventSystem      EventKind = "system"
	EventResult      EventKind = "result"
	EventError       EventKind = "error"
	EventReadTimeout EventKind = "read_timeout"
	EventDone        EventKind = "done"
)

// Outcome is the terminal disposition of a turn, carried on the done event.
type Outcome string

const (
	OutcomeOK        Outcome = "ok"
	OutcomeError     Outcome = "error"
	OutcomeCancelled Outcome = "cancelled"
)

// Event is one item in a turn's output stream. Exactly one done event is
// emitted per accepted turn, even on failure paths.
type Event struct {
	Kind       EventKind `json:"kind"`
	Content    string    `json:"content,omitempty"`
	ToolName   string    `json:"toolName,omitempty"`
	ToolUseID  string    `json:"toolUseId,omitempty"`
	SessionID  string    `json:"sessionId,omitempty"` // Claude's internal session id (result events)
	CostUSD    float64   `json:"costUsd,omitempty"`
	DurationMs int       `json:"durationMs,omitempty"`
	Outcome    Outcome   `json:"outcome,omitempty"` // set on done events only
	Timestamp  time.Time `json:"timestamp"`
}

// streamMessage mirrors the JSON lines the Claude CLI emits in
// stream-json output mode.
type streamMessage struct {
	Type    string `json:"type"` // "system", "assistant", "user", "result"
	Subtype string `json:"subtype"`
	Message struct {
		ID      string          `json:"id,omitempty"`
		Role    string          `json:"role,omitempty"`
		Content json.RawMessage `json:"content,omitempty"`
	} `json:"message"`
	Result       string  `json:"result,omitempty"`
	SessionID    string  `json:"session_id,omitempty"`
	DurationMs   int     `json:"duration_ms,omitempty"`
	TotalCostUSD float64 `json:"total_cost_usd,omitempty"`
	CostUSD      float64 `json:"cost_usd,omitempty"`
	Error        struct {
		Message string `json:"message,omitempty"`
	} `json:"error,omitempty"`
}

// contentBlock is one element of a message content array.
type contentBlock struct {
	Type string `json:"type"` // "text", "tool_use", "tool_result"
	ID   string `json:"id,omitempty"`
	Text string `json:"text,omitempty"`
	Name string `json:"name,omitempty"`
}

// streamInput is the stdin message format for stream-json input mode.
type streamInput struct {
	Type    string `json:"type"` // "user"
	Message struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"message"`
}

// encodeTurn serializes a user turn for the process stdin, newline-terminated.
func encodeTurn(text string) []byte {
	var msg streamInput
	msg.Type = "user"
	msg.Message.Role = "user"
	msg.Message.Content = text
	data, _ := json.Marshal(msg)
	return append(data, '\n')
}

// slash command output is echoed back wrapped in local-command-stdout tags
var localStdoutRe = regexp.MustCompile(`(?s)<local-command-stdout>(.*?)</local-command-stdout>`)

// parseStreamLine parses one line of CLI output into zero or more events.
// Non-JSON lines (--verbose chatter) are skipped; unknown message types are
// logged and dropped rather than surfaced to the user.
func parseStreamLine(line string, log *slog.Logger) []Event {
	line = strings.TrimSpace(line)
	if line == "" || !strings.HasPrefix(line, "{") {
		return nil
	}

	var msg streamMessage
	if err := json.Unmarshal([]byte(line), &msg); err != nil {
		log.Warn("unparseable stream line", "err", err, "line", truncate(line, 200))
		return nil
	}

	switch msg.Type {
	case "assistant":
		return parseContentBlocks(msg.Message.Content)

	case "result":
		return []Event{{
			Kind:       EventResult,
			Content:    msg.Result,
			SessionID:  msg.SessionID,
			CostUSD:    resultCost(msg),
			DurationMs: msg.DurationMs,
		}}

	case "error":
		content := msg.Error.Message
		if content == "" {
			content = "unknown error"
		}
		return []Event{{Kind: EventError, Content: content}}

	case "system":
		if msg.Subtype == "init" {
			return []Event{{Kind: EventSystem, Content: "session initialized", SessionID: msg.SessionID}}
		}
		return nil

	case "user":
		// the CLI echoes slash command output back as a user message
		return parseEchoedCommand(msg.Message.Content)

	default:
		log.Debug("unhandled stream message type", "type", msg.Type)
		return nil
	}
}

// parseContentBlocks extracts text and tool-use events from an assistant
// message. Content may be a plain string or an array of blocks.
func parseContentBlocks(raw json.RawMessage) []Event {
	if len(raw) == 0 {
		return nil
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if s == "" {
			return nil
		}
		return []Event{{Kind: EventText, Content: s}}
	}

	var blocks []contentBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return nil
	}

	var events []Event
	var text strings.Builder
	for _, b := range blocks {
		switch b.Type {
		case "text":
			text.WriteString(b.Text)
		case "tool_use":
			name := b.Name
			if name == "" {
				name = "unknown_tool"
			}
			events = append(events, Event{Kind: EventToolUse, ToolName: name, ToolUseID: b.ID})
		}
	}
	if text.Len() > 0 {
		events = append([]Event{{Kind: EventText, Content: text.String()}}, events...)
	}
	return events
}

// parseEchoedCommand extracts local-command-stdout content from an echoed
// user message, which is how slash command output arrives.
func parseEchoedCommand(raw json.RawMessage) []Event {
	if len(raw) == 0 {
		return nil
	}

	var content string
	if err := json.Unmarshal(raw, &content); err != nil {
		var blocks []contentBlock
		if err := json.Unmarshal(raw, &blocks); err != nil {
			return nil
		}
		var text strings.Builder
		for _, b := range blocks {
			if b.Type == "text" {
				text.WriteString(b.Text)
			}
		}
		content = text.String()
	}

	m := localStdoutRe.FindStringSubmatch(content)
	if m == nil {
		return nil
	}
	out := strings.TrimSpace(m[1])
	if out == "" {
		return nil
	}
	return []Event{{Kind: EventText, Content: out}}
}

func resultCost(msg streamMessage) float64 {
	if msg.TotalCostUSD != 0 {
		return msg.TotalCostUSD
	}
	return msg.CostUSD
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
