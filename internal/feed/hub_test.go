package feed

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conneroisu/prefstore/internal/prefs"
	"github.com/conneroisu/prefstore/internal/storage"
	"github.com/conneroisu/prefstore/internal/worker"
)

func newTree(t *testing.T) *prefs.Tree {
	t.Helper()
	pool := worker.NewPool(1, nil)
	t.Cleanup(func() { _ = pool.Shutdown(context.Background()) })
	return prefs.NewTree(storage.NewMemoryRoot(false).Storage, pool, prefs.WithFlushDelay(time.Hour))
}

func newHubServer(t *testing.T, origins OriginValidator) (*Hub, *httptest.Server) {
	t.Helper()
	hub := NewHub(origins, nil)
	server := httptest.NewServer(hub)
	t.Cleanup(func() {
		server.Close()
		_ = hub.Shutdown(context.Background())
	})
	return hub, server
}

func dial(t *testing.T, server *httptest.Server, header http.Header) (*websocket.Conn, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{HTTPHeader: header})
	if err == nil {
		t.Cleanup(func() { _ = conn.CloseNow() })
	}
	return conn, err
}

func readMessage(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	var msg Message
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

func TestHelloCarriesClientID(t *testing.T) {
	hub, server := newHubServer(t, nil)
	conn, err := dial(t, server, nil)
	require.NoError(t, err)

	msg := readMessage(t, conn)
	assert.Equal(t, TypeHello, msg.Type)
	_, err = uuid.Parse(msg.ClientID)
	assert.NoError(t, err)
	assert.False(t, msg.Timestamp.IsZero())

	assert.Eventually(t, func() bool { return hub.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestWatchStreamsSubtreeChanges(t *testing.T) {
	tree := newTree(t)
	existing, err := tree.Node("/app/existing")
	require.NoError(t, err)

	hub, server := newHubServer(t, nil)
	require.NoError(t, hub.Watch("user", tree.Root()))

	conn, err := dial(t, server, nil)
	require.NoError(t, err)
	assert.Equal(t, TypeHello, readMessage(t, conn).Type)
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, existing.Put("theme", "dark"))
	msg := readMessage(t, conn)
	assert.Equal(t, TypeChange, msg.Type)
	assert.Equal(t, "user", msg.Tree)
	assert.Equal(t, "/app/existing", msg.Path)
	assert.Equal(t, "theme", msg.Key)
	assert.Equal(t, "dark", msg.Value)

	fresh, err := tree.Node("/app/fresh")
	require.NoError(t, err)
	msg = readMessage(t, conn)
	assert.Equal(t, TypeNodeAdded, msg.Type)
	assert.Equal(t, "/app", msg.Path)
	assert.Equal(t, "fresh", msg.Child)

	require.NoError(t, fresh.Put("k", "v"))
	msg = readMessage(t, conn)
	assert.Equal(t, "/app/fresh", msg.Path)

	require.NoError(t, fresh.Remove("k"))
	msg = readMessage(t, conn)
	assert.True(t, msg.Removed)

	require.NoError(t, fresh.RemoveNode())
	msg = readMessage(t, conn)
	assert.Equal(t, TypeNodeRemoved, msg.Type)
	assert.Equal(t, "fresh", msg.Child)
}

func TestOriginRejected(t *testing.T) {
	_, server := newHubServer(t, AllowedOrigins{"http://app.test"})

	_, err := dial(t, server, http.Header{"Origin": []string{"http://evil.test"}})
	assert.Error(t, err)

	_, err = dial(t, server, http.Header{"Origin": []string{"http://app.test"}})
	assert.NoError(t, err)
}

func TestAllowedOrigins(t *testing.T) {
	tests := []struct {
		name    string
		allowed AllowedOrigins
		origin  string
		want    bool
	}{
		{"empty allows localhost", nil, "http://localhost:3000", true},
		{"empty allows loopback", nil, "http://127.0.0.1", true},
		{"empty rejects remote", nil, "http://example.com", false},
		{"empty rejects lookalike", nil, "http://localhost.evil.com", false},
		{"wildcard", AllowedOrigins{"*"}, "http://example.com", true},
		{"listed", AllowedOrigins{"http://a.test"}, "http://a.test", true},
		{"list excludes localhost", AllowedOrigins{"http://a.test"}, "http://localhost", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.allowed.IsAllowedOrigin(tt.origin))
		})
	}
}

func TestShutdown(t *testing.T) {
	tree := newTree(t)
	n, err := tree.Node("/x")
	require.NoError(t, err)

	hub, server := newHubServer(t, nil)
	require.NoError(t, hub.Watch("user", n))
	require.NoError(t, hub.Shutdown(context.Background()))
	require.NoError(t, hub.Shutdown(context.Background()))

	// Events after shutdown are dropped quietly.
	require.NoError(t, n.Put("k", "v"))
	hub.Publish(Message{Type: TypeChange})

	resp, err := http.Get(server.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestWatchNil(t *testing.T) {
	hub := NewHub(nil, nil)
	defer hub.Shutdown(context.Background())
	assert.Error(t, hub.Watch("user", nil))
}

func TestRemovedNodesAreForgotten(t *testing.T) {
	tree := newTree(t)
	hub := NewHub(nil, nil)
	defer hub.Shutdown(context.Background())

	require.NoError(t, hub.Watch("user", tree.Root()))
	require.Equal(t, 1, hub.WatchedCount())

	var messages []Message
	cancel := hub.OnMessage(func(m Message) { messages = append(messages, m) })
	defer cancel()

	for i := 0; i < 20; i++ {
		leaf, err := tree.Node("/tmp/leaf")
		require.NoError(t, err)
		assert.Equal(t, 3, hub.WatchedCount())

		parent := leaf.Parent()
		require.NoError(t, parent.RemoveNode())
		assert.Equal(t, 1, hub.WatchedCount())
	}

	// A recreated node is followed again.
	again, err := tree.Node("/tmp")
	require.NoError(t, err)
	messages = nil
	require.NoError(t, again.Put("k", "v"))
	require.Len(t, messages, 1)
	assert.Equal(t, "/tmp", messages[0].Path)
}
