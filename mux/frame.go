// Package mux routes live and replayed events into per-session timelines.
// It owns one SessionTimeline per tracked session, enforces
// replay-before-live-attach sequencing, and supports two mutually exclusive
// live transports: an in-process broadcast channel fed by the supervised
// agent process, and a remote push stream keyed by session id.
package mux

import "github.com/codexwarp/warpview/timeline"

// FrameKind names the live-transport message kinds.
type FrameKind string

const (
	FrameEvent    FrameKind = "event"
	FrameMetrics  FrameKind = "context-metrics"
	FrameFinished FrameKind = "run-finished"
	// FrameBacklogDone marks the end of the replayed backlog on a remote
	// stream; everything after it is live.
	FrameBacklogDone FrameKind = "backlog-complete"
)

// LiveEvent is one raw event line tagged with its session.
type LiveEvent struct {
	SessionID string          `json:"session_id"`
	TsMs      int64           `json:"ts_ms"`
	Stream    timeline.Stream `json:"stream"`
	Raw       string          `json:"raw"`
}

// MetricsFrame is a context-metrics push.
type MetricsFrame struct {
	SessionID         string `json:"session_id"`
	TsMs              int64  `json:"ts_ms"`
	ContextLeftPct    int    `json:"context_left_pct"`
	ContextUsedTokens int64  `json:"context_used_tokens"`
	ContextWindow     int64  `json:"context_window"`
}

// FinishedFrame signals that a session's run ended. ExitCode is nil for
// clean or interrupted exits.
type FinishedFrame struct {
	SessionID string `json:"session_id"`
	TsMs      int64  `json:"ts_ms"`
	ExitCode  *int   `json:"exit_code"`
	Success   bool   `json:"success"`
}

// BacklogDoneFrame carries the end-of-backlog marker.
type BacklogDoneFrame struct {
	SessionID string `json:"session_id"`
	TsMs      int64  `json:"ts_ms"`
}

// Frame is one message from a live transport.
type Frame struct {
	Kind        FrameKind         `json:"kind"`
	Event       *LiveEvent        `json:"event,omitempty"`
	Metrics     *MetricsFrame     `json:"metrics,omitempty"`
	Finished    *FinishedFrame    `json:"finished,omitempty"`
	BacklogDone *BacklogDoneFrame `json:"backlog_done,omitempty"`
}

// SessionID returns the session the frame belongs to.
func (f Frame) SessionID() string {
	switch f.Kind {
	case FrameEvent:
		if f.Event != nil {
			return f.Event.SessionID
		}
	case FrameMetrics:
		if f.Metrics != nil {
			return f.Metrics.SessionID
		}
	case FrameFinished:
		if f.Finished != nil {
			return f.Finished.SessionID
		}
	case FrameBacklogDone:
		if f.BacklogDone != nil {
			return f.BacklogDone.SessionID
		}
	}
	return ""
}

// EventFrame wraps a raw line as an event frame.
func EventFrame(sessionID string, tsMs int64, stream timeline.Stream, raw string) Frame {
	return Frame{Kind: FrameEvent, Event: &LiveEvent{
		SessionID: sessionID,
		TsMs:      tsMs,
		Stream:    stream,
		Raw:       raw,
	}}
}
