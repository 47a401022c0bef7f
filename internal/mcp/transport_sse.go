package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// sseTransport implements the HTTP+SSE pairing: the client holds a GET
// event stream open for server-to-client messages and POSTs requests to the
// endpoint the server announces in its first "endpoint" event. Responses
// arrive over the stream, matched to pending calls by id.
type sseTransport struct {
	config *ServerConfig
	logger *slog.Logger
	client *http.Client

	endpointMu sync.RWMutex
	endpoint   string
	endpointCh chan struct{}

	pendingMu sync.Mutex
	pending   map[int64]chan *rpcResponse
	nextID    atomic.Int64

	notifications chan *rpcNotification
	connected     atomic.Bool
	done          chan struct{}
	wg            sync.WaitGroup
}

func newSSETransport(cfg *ServerConfig) *sseTransport {
	return &sseTransport{
		config: cfg,
		logger: slog.Default().With("mcp_server", cfg.ID, "transport", "sse"),
		// No client timeout: the event stream stays open indefinitely.
		client:        &http.Client{},
		endpointCh:    make(chan struct{}),
		pending:       make(map[int64]chan *rpcResponse),
		notifications: make(chan *rpcNotification, 100),
		done:          make(chan struct{}),
	}
}

func (t *sseTransport) Connect(ctx context.Context) error {
	if t.config.URL == "" {
		return fmt.Errorf("sse transport requires a url")
	}

	req, err := http.NewRequest(http.MethodGet, t.config.URL, nil)
	if err != nil {
		return fmt.Errorf("build stream request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	for k, v := range t.config.Headers {
		req.Header.Set(k, v)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("open event stream: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return fmt.Errorf("event stream returned status %d", resp.StatusCode)
	}

	t.connected.Store(true)
	t.wg.Add(1)
	go t.streamLoop(resp.Body)

	// The server must announce its message endpoint before we can talk.
	timeout := t.config.Timeout
	if timeout == 0 {
		timeout = defaultCallTimeout
	}
	select {
	case <-t.endpointCh:
		return nil
	case <-ctx.Done():
		t.Close()
		return ctx.Err()
	case <-time.After(timeout):
		t.Close()
		return fmt.Errorf("no endpoint event within %v", timeout)
	}
}

func (t *sseTransport) Close() error {
	if !t.connected.CompareAndSwap(true, false) {
		return nil
	}
	close(t.done)
	t.wg.Wait()
	return nil
}

func (t *sseTransport) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if !t.connected.Load() {
		return nil, ErrNotConnected
	}

	id := t.nextID.Add(1)
	req := rpcRequest{JSONRPC: "2.0", ID: id, Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal params: %w", err)
		}
		req.Params = raw
	}

	respChan := make(chan *rpcResponse, 1)
	t.pendingMu.Lock()
	t.pending[id] = respChan
	t.pendingMu.Unlock()
	defer func() {
		t.pendingMu.Lock()
		delete(t.pending, id)
		t.pendingMu.Unlock()
	}()

	if err := t.post(ctx, req); err != nil {
		return nil, err
	}

	timeout := t.config.Timeout
	if timeout == 0 {
		timeout = defaultCallTimeout
	}
	select {
	case resp := <-respChan:
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp.Result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(timeout):
		return nil, fmt.Errorf("%s timed out after %v", method, timeout)
	case <-t.done:
		return nil, ErrNotConnected
	}
}

func (t *sseTransport) Notify(ctx context.Context, method string, params any) error {
	if !t.connected.Load() {
		return ErrNotConnected
	}
	notif := rpcNotification{JSONRPC: "2.0", Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("marshal params: %w", err)
		}
		notif.Params = raw
	}
	return t.post(ctx, notif)
}

func (t *sseTransport) post(ctx context.Context, msg any) error {
	t.endpointMu.RLock()
	endpoint := t.endpoint
	t.endpointMu.RUnlock()
	if endpoint == "" {
		return fmt.Errorf("no message endpoint announced yet")
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range t.config.Headers {
		req.Header.Set(k, v)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("post message: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("http %d: %s", resp.StatusCode, string(body))
	}
	return nil
}

func (t *sseTransport) Notifications() <-chan *rpcNotification {
	return t.notifications
}

func (t *sseTransport) Connected() bool {
	return t.connected.Load()
}

// streamLoop parses the SSE stream: an optional "event: <name>" line followed
// by "data: <payload>" lines, terminated by a blank line.
func (t *sseTransport) streamLoop(body io.ReadCloser) {
	defer t.wg.Done()
	defer t.connected.Store(false)
	defer body.Close()

	go func() {
		<-t.done
		body.Close()
	}()

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 1024*1024), 1024*1024)

	eventName := "message"
	var data strings.Builder
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event:"):
			eventName = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		case line == "":
			if data.Len() > 0 {
				t.handleEvent(eventName, data.String())
			}
			eventName = "message"
			data.Reset()
		}
	}
}

func (t *sseTransport) handleEvent(name, data string) {
	if name == "endpoint" {
		t.setEndpoint(data)
		return
	}
	t.dispatch([]byte(data))
}

// setEndpoint resolves the announced endpoint against the stream URL; servers
// may send a relative path.
func (t *sseTransport) setEndpoint(raw string) {
	endpoint := raw
	if base, err := url.Parse(t.config.URL); err == nil {
		if ref, err := url.Parse(raw); err == nil {
			endpoint = base.ResolveReference(ref).String()
		}
	}

	t.endpointMu.Lock()
	first := t.endpoint == ""
	t.endpoint = endpoint
	t.endpointMu.Unlock()
	if first {
		close(t.endpointCh)
	}
	t.logger.Debug("message endpoint announced", "endpoint", endpoint)
}

func (t *sseTransport) dispatch(data []byte) {
	var resp rpcResponse
	if err := json.Unmarshal(data, &resp); err == nil && resp.ID != nil && (resp.Result != nil || resp.Error != nil) {
		if id, ok := numericID(resp.ID); ok {
			t.pendingMu.Lock()
			if ch, exists := t.pending[id]; exists {
				ch <- &resp
				delete(t.pending, id)
			}
			t.pendingMu.Unlock()
			return
		}
	}

	var notif rpcNotification
	if err := json.Unmarshal(data, &notif); err == nil && notif.Method != "" {
		select {
		case t.notifications <- &notif:
		default:
			t.logger.Warn("notification queue full, dropping", "method", notif.Method)
		}
	}
}
