package websocket

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const waitFor = 5 * time.Second

type received struct {
	name string
	body map[string]any
}

// pollingClient speaks Engine.IO v4 long-polling, which is enough to join
// rooms, emit events and watch what the hub sends back.
type pollingClient struct {
	url    string
	http   *http.Client
	events chan received
	quit   chan struct{}
	done   chan struct{}
	once   sync.Once

	// backlog holds events read while waiting for another one.
	backlog []received
}

func newHubServer(t *testing.T) (*Hub, string) {
	t.Helper()
	hub := NewHub(nil)
	srv := httptest.NewServer(hub.Server().ServeHandler(nil))
	t.Cleanup(srv.Close)
	t.Cleanup(hub.Close)
	return hub, srv.URL
}

func dialHub(t *testing.T, serverURL string) *pollingClient {
	t.Helper()
	c := &pollingClient{
		http:   &http.Client{Timeout: time.Minute},
		events: make(chan received, 64),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
	}

	base := serverURL + "/socket.io/?EIO=4&transport=polling"
	packets, err := c.fetch(base)
	require.NoError(t, err)
	require.NotEmpty(t, packets)
	require.True(t, strings.HasPrefix(packets[0], "0"), "unexpected handshake %q", packets[0])

	var open struct {
		Sid string `json:"sid"`
	}
	require.NoError(t, json.Unmarshal([]byte(packets[0][1:]), &open))
	require.NotEmpty(t, open.Sid)
	c.url = base + "&sid=" + url.QueryEscape(open.Sid)

	require.NoError(t, c.post("40"))
	for connected := false; !connected; {
		packets, err := c.fetch(c.url)
		require.NoError(t, err)
		for _, p := range packets {
			connected = connected || strings.HasPrefix(p, "40")
		}
	}

	go c.poll()
	t.Cleanup(c.close)
	return c
}

func (c *pollingClient) fetch(u string) ([]string, error) {
	resp, err := c.http.Get(u)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("poll: %s: %s", resp.Status, body)
	}
	return strings.Split(string(body), "\x1e"), nil
}

func (c *pollingClient) post(packet string) error {
	resp, err := c.http.Post(c.url, "text/plain;charset=UTF-8", strings.NewReader(packet))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("send: %s", resp.Status)
	}
	return nil
}

func (c *pollingClient) poll() {
	defer close(c.done)
	for {
		packets, err := c.fetch(c.url)
		if err != nil {
			return
		}
		for _, p := range packets {
			switch {
			case p == "1":
				return
			case p == "2":
				_ = c.post("3")
			case strings.HasPrefix(p, "42"):
				ev, ok := decodeEvent(p[2:])
				if !ok {
					continue
				}
				select {
				case c.events <- ev:
				case <-c.quit:
					return
				}
			}
		}
	}
}

// decodeEvent parses the body of a Socket.IO EVENT packet on the main
// namespace: an optional ack id followed by a JSON array.
func decodeEvent(s string) (received, bool) {
	s = strings.TrimLeft(s, "0123456789")
	var parts []json.RawMessage
	if err := json.Unmarshal([]byte(s), &parts); err != nil || len(parts) == 0 {
		return received{}, false
	}
	var ev received
	if err := json.Unmarshal(parts[0], &ev.name); err != nil {
		return received{}, false
	}
	if len(parts) > 1 {
		_ = json.Unmarshal(parts[1], &ev.body)
	}
	return ev, true
}

func (c *pollingClient) emit(t *testing.T, event string, payload any) {
	t.Helper()
	data, err := json.Marshal([]any{event, payload})
	require.NoError(t, err)
	require.NoError(t, c.post("42"+string(data)))
}

// close sends an Engine.IO close packet, as a browser tab going away does.
func (c *pollingClient) close() {
	c.once.Do(func() {
		_ = c.post("1")
		close(c.quit)
		select {
		case <-c.done:
		case <-time.After(waitFor):
		}
	})
}

// until waits for the first event named name that matches and returns the
// events that arrived before it. Both are consumed.
func (c *pollingClient) until(t *testing.T, name string, match func(map[string]any) bool) []received {
	t.Helper()
	for i, ev := range c.backlog {
		if ev.matches(name, match) {
			before := append([]received(nil), c.backlog[:i]...)
			c.backlog = c.backlog[i+1:]
			return before
		}
	}
	timeout := time.After(waitFor)
	for {
		select {
		case ev := <-c.events:
			if ev.matches(name, match) {
				before := c.backlog
				c.backlog = nil
				return before
			}
			c.backlog = append(c.backlog, ev)
		case <-timeout:
			t.Fatalf("no matching %s event within %s; got %v", name, waitFor, c.backlog)
			return nil
		}
	}
}

// expect waits for a matching event and consumes only that one.
func (c *pollingClient) expect(t *testing.T, name string, match func(map[string]any) bool) {
	t.Helper()
	for i, ev := range c.backlog {
		if ev.matches(name, match) {
			c.backlog = append(c.backlog[:i:i], c.backlog[i+1:]...)
			return
		}
	}
	timeout := time.After(waitFor)
	for {
		select {
		case ev := <-c.events:
			if ev.matches(name, match) {
				return
			}
			c.backlog = append(c.backlog, ev)
		case <-timeout:
			t.Fatalf("no matching %s event within %s; got %v", name, waitFor, c.backlog)
			return
		}
	}
}

func (ev received) matches(name string, match func(map[string]any) bool) bool {
	return ev.name == name && (match == nil || match(ev.body))
}

func (c *pollingClient) join(t *testing.T, storageID string) {
	t.Helper()
	c.emit(t, eventJoinStorage, map[string]any{"storage_id": storageID})
	c.expect(t, "joined_storage", hasStorage(storageID))
}

func hasStorage(storageID string) func(map[string]any) bool {
	return func(body map[string]any) bool {
		return body["storage_id"] == storageID
	}
}

func hasCount(storageID string, count int) func(map[string]any) bool {
	return func(body map[string]any) bool {
		return body["storage_id"] == storageID && body["count"] == float64(count)
	}
}
