//go:build integration
// +build integration

package integration_tests

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conneroisu/prefstore/internal/feed"
)

func readMessage(t *testing.T, ctx context.Context, conn *websocket.Conn) feed.Message {
	t.Helper()
	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	var msg feed.Message
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

func TestIntegration_FeedStreamsDiskChanges(t *testing.T) {
	roots := newTestRoots(t)
	c := roots.start(t)

	reg, err := c.Registry()
	require.NoError(t, err)
	hub, err := c.Feed()
	require.NoError(t, err)
	require.NoError(t, hub.Watch("user", reg.UserRoot()))

	server := httptest.NewServer(hub)
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(server.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	hello := readMessage(t, ctx, conn)
	assert.Equal(t, feed.TypeHello, hello.Type)
	assert.NotEmpty(t, hello.ClientID)
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, eventuallyTimeout, pollInterval)

	node := userNode(t, c, "/editor")
	added := readMessage(t, ctx, conn)
	assert.Equal(t, feed.TypeNodeAdded, added.Type)
	assert.Equal(t, "/", added.Path)
	assert.Equal(t, "editor", added.Child)
	// Only loaded nodes follow the disk.
	assert.Equal(t, "", node.Get("indent", ""))

	// A value written by another process shows up through the watcher.
	writeProperties(t, filepath.Join(roots.user, "editor.properties"), "indent=2\n")

	msg := readMessage(t, ctx, conn)
	assert.Equal(t, feed.TypeChange, msg.Type)
	assert.Equal(t, "user", msg.Tree)
	assert.Equal(t, "/editor", msg.Path)
	assert.Equal(t, "indent", msg.Key)
	assert.Equal(t, "2", msg.Value)
	assert.Equal(t, "2", node.Get("indent", ""))
}
