package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	gonanoid "github.com/matoous/go-nanoid/v2"

	"log/slog"
)

const (
	remoteDialTimeout  = 10 * time.Second
	remotePongWait     = 70 * time.Second
	remotePingPeriod   = 30 * time.Second
	remoteBackoffMin   = time.Second
	remoteBackoffMax   = 30 * time.Second
	remoteWriteTimeout = 10 * time.Second
)

// Remote is a Store client for the relay server: REST for reads and
// writes, a websocket feed for change events. The feed reconnects with
// exponential backoff; subscribers stay registered across reconnects.
type Remote struct {
	baseURL  string
	token    string
	http     *http.Client
	logger   *slog.Logger
	onHealth func(connected bool)

	mu      sync.Mutex
	subs    map[string]*remoteSub
	feedUp  bool
	closed  bool

	done chan struct{}
	once sync.Once
}

type remoteSub struct {
	id     string
	parent *Remote
	table  string
	events map[EventType]struct{}
	filter Filter
	fn     func(Event)
}

type RemoteOption func(*Remote)

func WithRemoteLogger(logger *slog.Logger) RemoteOption {
	return func(r *Remote) { r.logger = logger }
}

// WithHealthFunc registers a callback fired when the event feed goes up
// or down, so callers can surface "signaling offline" state.
func WithHealthFunc(fn func(connected bool)) RemoteOption {
	return func(r *Remote) { r.onHealth = fn }
}

// NewRemote creates a client for the relay at baseURL ("https://host:port")
// authenticated with the given bearer token. The event feed starts on the
// first Subscribe call.
func NewRemote(baseURL, token string, opts ...RemoteOption) *Remote {
	r := &Remote{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: remoteDialTimeout},
		logger:  slog.Default(),
		subs:    make(map[string]*remoteSub),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Remote) Insert(ctx context.Context, table string, record Record) (Record, error) {
	var out Record
	if err := r.do(ctx, http.MethodPost, "/api/db/"+table, record, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (r *Remote) Update(ctx context.Context, table string, filter Filter, patch Record) error {
	body := map[string]any{"filter": filter, "patch": patch}
	return r.do(ctx, http.MethodPatch, "/api/db/"+table, body, nil)
}

func (r *Remote) Select(ctx context.Context, table string, filter Filter) ([]Record, error) {
	path := "/api/db/" + table
	if len(filter) > 0 {
		raw, err := json.Marshal(filter)
		if err != nil {
			return nil, err
		}
		path += "?filter=" + url.QueryEscape(string(raw))
	}
	var out []Record
	if err := r.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// AppendToArray delegates the append to the relay, which performs it in a
// single transaction.
func (r *Remote) AppendToArray(ctx context.Context, table, id, column string, value any) error {
	body := map[string]any{"id": id, "column": column, "value": value}
	return r.do(ctx, http.MethodPost, "/api/db/"+table+"/append", body, nil)
}

func (r *Remote) Subscribe(table string, events []EventType, filter Filter, fn func(Event)) (Subscription, error) {
	id, err := gonanoid.New(12)
	if err != nil {
		return nil, err
	}

	sub := &remoteSub{
		id:     id,
		parent: r,
		table:  table,
		events: make(map[EventType]struct{}, len(events)),
		filter: filter,
		fn:     fn,
	}
	for _, ev := range events {
		sub.events[ev] = struct{}{}
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrClosed
	}
	start := !r.feedUp
	r.feedUp = true
	r.subs[id] = sub
	r.mu.Unlock()

	if start {
		go r.feedLoop()
	}
	return sub, nil
}

func (s *remoteSub) Close() error {
	s.parent.mu.Lock()
	delete(s.parent.subs, s.id)
	s.parent.mu.Unlock()
	return nil
}

// Close stops the event feed. In-flight REST calls are unaffected.
func (r *Remote) Close() error {
	r.mu.Lock()
	r.closed = true
	r.subs = make(map[string]*remoteSub)
	r.mu.Unlock()
	r.once.Do(func() { close(r.done) })
	return nil
}

func (r *Remote) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, r.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+r.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := r.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return ErrNotFound
	case resp.StatusCode >= 400:
		var apiErr struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&apiErr)
		if apiErr.Error != "" {
			return fmt.Errorf("%w: %s", ErrUnavailable, apiErr.Error)
		}
		return fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

// feedLoop keeps the websocket feed alive, reconnecting with exponential
// backoff after drops.
func (r *Remote) feedLoop() {
	backoff := remoteBackoffMin
	for {
		select {
		case <-r.done:
			return
		default:
		}

		conn, err := r.dialFeed()
		if err != nil {
			r.logger.Warn("event feed connect failed", "error", err, "retry_in", backoff)
			select {
			case <-r.done:
				return
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, remoteBackoffMax)
			continue
		}

		backoff = remoteBackoffMin
		r.setHealth(true)
		r.readFeed(conn)
		r.setHealth(false)
		_ = conn.Close()
	}
}

func (r *Remote) dialFeed() (*websocket.Conn, error) {
	wsURL := strings.Replace(r.baseURL, "http", "ws", 1) + "/api/ws"
	header := http.Header{"Authorization": []string{"Bearer " + r.token}}
	dialer := websocket.Dialer{HandshakeTimeout: remoteDialTimeout}
	conn, _, err := dialer.Dial(wsURL, header)
	return conn, err
}

func (r *Remote) readFeed(conn *websocket.Conn) {
	stop := make(chan struct{})
	defer close(stop)

	// Keepalive pings; the relay answers with pongs.
	go func() {
		ticker := time.NewTicker(remotePingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-r.done:
				_ = conn.Close()
				return
			case <-ticker.C:
				_ = conn.SetWriteDeadline(time.Now().Add(remoteWriteTimeout))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}()

	_ = conn.SetReadDeadline(time.Now().Add(remotePongWait))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(remotePongWait))
		return nil
	})

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			r.logger.Debug("event feed closed", "error", err)
			return
		}

		var ev Event
		if err := json.Unmarshal(payload, &ev); err != nil {
			r.logger.Debug("event feed bad payload", "error", err)
			continue
		}
		r.dispatch(ev)
	}
}

func (r *Remote) dispatch(ev Event) {
	r.mu.Lock()
	subs := make([]*remoteSub, 0, len(r.subs))
	for _, sub := range r.subs {
		subs = append(subs, sub)
	}
	r.mu.Unlock()

	for _, sub := range subs {
		if sub.table != ev.Table {
			continue
		}
		if _, ok := sub.events[ev.Type]; !ok {
			continue
		}
		if sub.filter != nil && !sub.filter.Matches(ev.Record) {
			continue
		}
		sub.fn(ev)
	}
}

func (r *Remote) setHealth(connected bool) {
	if r.onHealth != nil {
		r.onHealth(connected)
	}
}
