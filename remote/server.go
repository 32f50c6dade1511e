// Package remote exposes the session store and runner over HTTP, with a
// websocket push stream per session, and provides the matching client.
package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/codexwarp/warpview/mux"
	"github.com/codexwarp/warpview/runner"
	"github.com/codexwarp/warpview/store"
	"github.com/codexwarp/warpview/timeline"
	"github.com/codexwarp/warpview/usage"
)

// Server wires the HTTP API. All state lives in the store and runner; the
// server itself only routes.
type Server struct {
	store     *store.Store
	runner    *runner.Runner
	feed      *mux.Broadcaster
	agentHome string
	log       *slog.Logger
	upgrader  websocket.Upgrader

	// streamSubscribed, when set, runs after the live subscription is taken
	// and before the backlog is read. Tests use it to publish into the gap.
	streamSubscribed func()
}

// NewServer creates the API server. agentHome points at the agent CLI's own
// session directory for native transcript browsing; empty disables it.
func NewServer(st *store.Store, run *runner.Runner, feed *mux.Broadcaster, agentHome string) *Server {
	return &Server{
		store:     st,
		runner:    run,
		feed:      feed,
		agentHome: agentHome,
		log:       slog.With("component", "remote"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// Router builds the gin route table.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) { c.String(http.StatusOK, "ok") })
	r.GET("/api/usage", s.listUsage)
	r.GET("/api/sessions", s.listSessions)
	r.POST("/api/sessions", s.startSession)
	r.POST("/api/sessions/:id/touch", s.touchSession)
	r.POST("/api/sessions/:id/turn", s.continueSession)
	r.POST("/api/sessions/:id/stop", s.stopSession)
	r.POST("/api/sessions/:id/rename", s.renameSession)
	r.GET("/api/sessions/:id/conclusion", s.readConclusion)
	r.GET("/api/sessions/:id/stream", s.streamSession)
	r.DELETE("/api/sessions/:id", s.deleteSession)
	return r
}

func (s *Server) listUsage(c *gin.Context) {
	max, _ := strconv.Atoi(c.Query("max_records"))
	records, err := s.store.ListUsageRecords(max)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if records == nil {
		records = []usage.Record{}
	}
	c.JSON(http.StatusOK, records)
}

func (s *Server) listSessions(c *gin.Context) {
	sessions, err := s.store.ListSessions()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	// Native agent transcripts show up read-only alongside managed ones.
	if s.agentHome != "" && store.HasNativeHome(s.agentHome) {
		if native, err := store.ScanNativeSessions(s.agentHome); err == nil {
			seen := make(map[string]bool, len(sessions))
			for _, m := range sessions {
				seen[m.ID] = true
			}
			for _, n := range native {
				if seen[n.ID] {
					continue
				}
				sessions = append(sessions, &store.SessionMeta{
					ID:           n.ID,
					Title:        n.Title,
					Cwd:          n.Cwd,
					LastUsedAtMs: n.LastUsedAtMs,
					Status:       store.StatusDone,
				})
			}
			sort.Slice(sessions, func(i, j int) bool {
				return sessions[i].LastUsedAtMs > sessions[j].LastUsedAtMs
			})
		}
	}
	c.JSON(http.StatusOK, sessions)
}

type startRequest struct {
	Prompt string `json:"prompt"`
	Cwd    string `json:"cwd"`
}

func (s *Server) startSession(c *gin.Context) {
	var req startRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Prompt) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "prompt is required"})
		return
	}
	meta, err := s.store.CreateSession(req.Prompt, req.Cwd)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	// The run outlives the request; never tie the process to it.
	meta, err = s.runner.Start(context.Background(), meta.ID, req.Prompt, req.Cwd)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, meta)
}

func (s *Server) touchSession(c *gin.Context) {
	if err := s.store.Touch(c.Param("id")); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) continueSession(c *gin.Context) {
	var req startRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Prompt) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "prompt is required"})
		return
	}
	meta, err := s.runner.Start(context.Background(), c.Param("id"), req.Prompt, req.Cwd)
	if err != nil {
		status := http.StatusInternalServerError
		if strings.Contains(err.Error(), "already running") {
			status = http.StatusConflict
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, meta)
}

func (s *Server) stopSession(c *gin.Context) {
	s.runner.Stop(c.Param("id"))
	c.Status(http.StatusNoContent)
}

type renameRequest struct {
	Title string `json:"title"`
}

func (s *Server) renameSession(c *gin.Context) {
	var req renameRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Title) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "title is required"})
		return
	}
	meta, err := s.store.Rename(c.Param("id"), strings.TrimSpace(req.Title))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, meta)
}

func (s *Server) readConclusion(c *gin.Context) {
	text, err := s.store.Conclusion(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"conclusion": text})
}

func (s *Server) deleteSession(c *gin.Context) {
	id := c.Param("id")
	s.runner.Stop(id)
	if err := s.store.DeleteSession(id); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

// streamSession upgrades to a websocket, replays the persisted backlog
// sorted by (timestamp, file order), then forwards live frames for the
// session until the client disconnects.
func (s *Server) streamSession(c *gin.Context) {
	sessionID := c.Param("id")
	tail := store.DefaultEventTail
	if raw := c.Query("tail"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			tail = n
		}
	}

	// Subscribe before reading the log files so a frame published while the
	// backlog is assembled lands in the live channel instead of vanishing.
	// A frame seen in both backlog and live window is the rare acceptable
	// overlap; loss at the replay boundary is not.
	subID, frames := s.feed.Subscribe(256)
	defer s.feed.Unsubscribe(subID)
	if s.streamSubscribed != nil {
		s.streamSubscribed()
	}

	backlog, err := s.backlog(sessionID, tail)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	for _, frame := range backlog {
		if err := conn.WriteJSON(frame); err != nil {
			return
		}
	}
	marker := mux.Frame{Kind: mux.FrameBacklogDone, BacklogDone: &mux.BacklogDoneFrame{
		SessionID: sessionID,
		TsMs:      time.Now().UnixMilli(),
	}}
	if err := conn.WriteJSON(marker); err != nil {
		return
	}

	// Reader goroutine: the only reason to read is to learn about close.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(15 * time.Second)
	defer ping.Stop()
	for {
		select {
		case <-closed:
			return
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				return
			}
		case frame, ok := <-frames:
			if !ok {
				return
			}
			if frame.SessionID() != sessionID {
				continue
			}
			if err := conn.WriteJSON(frame); err != nil {
				return
			}
		}
	}
}

// backlog assembles the replay window: managed event and stderr logs, or the
// native rollout files for agent-CLI sessions, ordered by timestamp with
// file order breaking ties.
func (s *Server) backlog(sessionID string, tail int) ([]mux.Frame, error) {
	type entry struct {
		ts    int64
		seq   int
		frame mux.Frame
	}
	var entries []entry
	seq := 0
	now := time.Now().UnixMilli()

	push := func(line string, stream timeline.Stream, ts int64) {
		entries = append(entries, entry{
			ts:    ts,
			seq:   seq,
			frame: mux.EventFrame(sessionID, ts, stream, line),
		})
		seq++
	}

	if _, err := s.store.ReadMeta(sessionID); err == nil {
		lines, err := s.store.EventLines(sessionID, tail)
		if err != nil {
			return nil, err
		}
		for _, line := range lines {
			push(line, timeline.StreamOutput, lineTs(line, now))
		}
		if stderr, err := s.store.StderrLines(sessionID); err == nil {
			// Stderr has no embedded timestamps; keep file order at the end.
			for _, line := range stderr {
				push(line, timeline.StreamError, now)
			}
		}
	} else {
		ns, err := s.findNativeSession(sessionID)
		if err != nil {
			return nil, err
		}
		lines, err := store.NativeEventLines(ns, tail)
		if err != nil {
			return nil, err
		}
		for _, line := range lines {
			push(line, timeline.StreamOutput, lineTs(line, now))
		}
	}

	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].ts != entries[j].ts {
			return entries[i].ts < entries[j].ts
		}
		return entries[i].seq < entries[j].seq
	})
	if tail > 0 && len(entries) > tail {
		entries = entries[len(entries)-tail:]
	}

	frames := make([]mux.Frame, len(entries))
	for i, e := range entries {
		frames[i] = e.frame
	}
	return frames, nil
}

// findNativeSession looks the id up among agent-CLI rollout transcripts.
func (s *Server) findNativeSession(sessionID string) (*store.NativeSession, error) {
	if s.agentHome == "" || !store.HasNativeHome(s.agentHome) {
		return nil, fmt.Errorf("session not found: %s", sessionID)
	}
	natives, err := store.ScanNativeSessions(s.agentHome)
	if err != nil {
		return nil, err
	}
	for _, ns := range natives {
		if ns.ID == sessionID {
			return ns, nil
		}
	}
	return nil, fmt.Errorf("session not found: %s", sessionID)
}

// lineTs extracts the embedded millisecond timestamp from a persisted event
// line, falling back to now.
func lineTs(line string, now int64) int64 {
	var probe struct {
		TsMs      int64  `json:"_ts_ms"`
		Timestamp string `json:"timestamp"`
	}
	if err := json.Unmarshal([]byte(line), &probe); err != nil {
		return now
	}
	if probe.TsMs > 0 {
		return probe.TsMs
	}
	if probe.Timestamp != "" {
		if t, err := time.Parse(time.RFC3339, probe.Timestamp); err == nil {
			return t.UnixMilli()
		}
	}
	return now
}
