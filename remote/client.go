package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/codexwarp/warpview/mux"
	"github.com/codexwarp/warpview/store"
	"github.com/codexwarp/warpview/usage"
)

// Client talks to a remote Server. History replay arrives through the
// websocket stream rather than separate endpoints, so the HistorySource
// methods for event and stderr lines return nothing; the multiplexer's fold
// stays empty and the stream's backlog fills the timeline instead.
type Client struct {
	baseURL string
	http    *http.Client
	tail    int
}

// NewClient creates a client for the given base URL, e.g.
// "http://127.0.0.1:8787".
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

// SetTail overrides the replay window requested on stream open.
func (c *Client) SetTail(tail int) { c.tail = tail }

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return apiError(resp)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Client) postJSON(ctx context.Context, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return apiError(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func apiError(resp *http.Response) error {
	var payload struct {
		Error string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err == nil && payload.Error != "" {
		return fmt.Errorf("server: %s", payload.Error)
	}
	return fmt.Errorf("server: %s", resp.Status)
}

// Healthz checks server liveness.
func (c *Client) Healthz(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/healthz", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("server: %s", resp.Status)
	}
	return nil
}

// ListSessions fetches all sessions, newest first.
func (c *Client) ListSessions(ctx context.Context) ([]*store.SessionMeta, error) {
	var out []*store.SessionMeta
	if err := c.getJSON(ctx, "/api/sessions", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// CreateSession starts a new session and its first turn.
func (c *Client) CreateSession(ctx context.Context, prompt, cwd string) (*store.SessionMeta, error) {
	var out store.SessionMeta
	if err := c.postJSON(ctx, "/api/sessions", startRequest{Prompt: prompt, Cwd: cwd}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Turn starts another turn on an existing session.
func (c *Client) Turn(ctx context.Context, sessionID, prompt, cwd string) (*store.SessionMeta, error) {
	var out store.SessionMeta
	path := "/api/sessions/" + url.PathEscape(sessionID) + "/turn"
	if err := c.postJSON(ctx, path, startRequest{Prompt: prompt, Cwd: cwd}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Stop interrupts a session's run.
func (c *Client) Stop(ctx context.Context, sessionID string) error {
	return c.postJSON(ctx, "/api/sessions/"+url.PathEscape(sessionID)+"/stop", nil, nil)
}

// Touch bumps a session's last-used time.
func (c *Client) Touch(ctx context.Context, sessionID string) error {
	return c.postJSON(ctx, "/api/sessions/"+url.PathEscape(sessionID)+"/touch", nil, nil)
}

// Rename sets a session's title.
func (c *Client) Rename(ctx context.Context, sessionID, title string) (*store.SessionMeta, error) {
	var out store.SessionMeta
	path := "/api/sessions/" + url.PathEscape(sessionID) + "/rename"
	if err := c.postJSON(ctx, path, renameRequest{Title: title}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Delete removes a session and its logs.
func (c *Client) Delete(ctx context.Context, sessionID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.baseURL+"/api/sessions/"+url.PathEscape(sessionID), nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return apiError(resp)
	}
	return nil
}

// Usage fetches raw usage records; zero max means the server default.
func (c *Client) Usage(ctx context.Context, max int) ([]usage.Record, error) {
	path := "/api/usage"
	if max > 0 {
		path += "?max_records=" + strconv.Itoa(max)
	}
	var out []usage.Record
	if err := c.getJSON(ctx, path, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// --- mux.HistorySource --------------------------------------------------------

// EventLines returns nothing; the stream backlog carries history.
func (c *Client) EventLines(string, int) ([]string, error) { return nil, nil }

// StderrLines returns nothing; the stream backlog carries history.
func (c *Client) StderrLines(string) ([]string, error) { return nil, nil }

// Conclusion fetches the session's conclusion text.
func (c *Client) Conclusion(sessionID string) (string, error) {
	var out struct {
		Conclusion string `json:"conclusion"`
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.getJSON(ctx, "/api/sessions/"+url.PathEscape(sessionID)+"/conclusion", &out); err != nil {
		return "", err
	}
	return out.Conclusion, nil
}

// --- mux.StreamDialer ---------------------------------------------------------

// Dial opens the session's websocket push stream. The returned channel
// yields the server-side backlog first, then live frames, and closes when
// the connection drops.
func (c *Client) Dial(ctx context.Context, sessionID string) (<-chan mux.Frame, func(), error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return nil, nil, err
	}
	switch u.Scheme {
	case "http", "":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path = "/api/sessions/" + sessionID + "/stream"
	if c.tail > 0 {
		u.RawQuery = "tail=" + strconv.Itoa(c.tail)
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, nil, fmt.Errorf("dial stream: %w", err)
	}

	frames := make(chan mux.Frame, 64)
	go func() {
		defer close(frames)
		for {
			var frame mux.Frame
			if err := conn.ReadJSON(&frame); err != nil {
				return
			}
			select {
			case frames <- frame:
			case <-ctx.Done():
				return
			}
		}
	}()

	cancel := func() { conn.Close() }
	return frames, cancel, nil
}
