package client

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/net/websocket"

	"github.com/Martian-dev/assist-mailsync/internal/realtime"
)

// Subscription is the server-side filter requested through the query string
type Subscription struct {
	MailboxIDs []string
	Topics     []string
}

func (s Subscription) apply(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	q := u.Query()
	if len(s.MailboxIDs) > 0 {
		q.Set("mailboxIds", strings.Join(s.MailboxIDs, ","))
	}
	if len(s.Topics) > 0 {
		q.Set("topics", strings.Join(s.Topics, ","))
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// SSE reads a text/event-stream endpoint
type SSE struct {
	URL        string
	Filter     Subscription
	HTTPClient *http.Client
}

func (t *SSE) Name() string { return "sse" }

func (t *SSE) Open(ctx context.Context) (Stream, error) {
	target, err := t.Filter.apply(t.URL)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")

	hc := t.HTTPClient
	if hc == nil {
		hc = http.DefaultClient
	}
	resp, err := hc.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return &sseStream{body: resp.Body, r: bufio.NewReader(resp.Body)}, nil
}

type sseStream struct {
	body io.ReadCloser
	r    *bufio.Reader
}

func (s *sseStream) Recv() (realtime.Event, error) {
	for {
		line, err := s.r.ReadString('\n')
		if err != nil {
			if err == io.EOF {
				err = io.ErrUnexpectedEOF
			}
			return realtime.Event{}, err
		}
		data, ok := strings.CutPrefix(strings.TrimRight(line, "\r\n"), "data:")
		if !ok {
			continue
		}
		var e realtime.Event
		if err := json.Unmarshal([]byte(strings.TrimSpace(data)), &e); err != nil {
			return realtime.Event{}, fmt.Errorf("bad frame: %w", err)
		}
		return e, nil
	}
}

func (s *sseStream) Close() error {
	return s.body.Close()
}

// WebSocket reads the /realtime endpoint
type WebSocket struct {
	URL    string
	Origin string
	Filter Subscription
}

func (t *WebSocket) Name() string { return "websocket" }

func (t *WebSocket) Open(ctx context.Context) (Stream, error) {
	target, err := t.Filter.apply(t.URL)
	if err != nil {
		return nil, err
	}
	cfg, err := websocket.NewConfig(target, t.Origin)
	if err != nil {
		return nil, err
	}
	conn, err := cfg.DialContext(ctx)
	if err != nil {
		return nil, err
	}
	return &wsStream{conn: conn}, nil
}

type wsStream struct {
	conn *websocket.Conn
}

func (s *wsStream) Recv() (realtime.Event, error) {
	var f realtime.Frame
	if err := websocket.JSON.Receive(s.conn, &f); err != nil {
		return realtime.Event{}, err
	}
	return f.Data, nil
}

func (s *wsStream) Close() error {
	return s.conn.Close()
}
