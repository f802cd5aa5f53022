//go:build integration
// +build integration

package integration_tests

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/conneroisu/prefstore/internal/config"
	"github.com/conneroisu/prefstore/internal/di"
	"github.com/conneroisu/prefstore/internal/prefs"
)

const (
	eventuallyTimeout = 5 * time.Second
	pollInterval      = 20 * time.Millisecond
)

// testRoots is a pair of preference directories shared by the containers
// of one test, standing in for separate processes.
type testRoots struct {
	user   string
	system string
}

func newTestRoots(t *testing.T) *testRoots {
	t.Helper()
	dir := t.TempDir()
	return &testRoots{
		user:   filepath.Join(dir, "user"),
		system: filepath.Join(dir, "system"),
	}
}

// start builds and initializes a container over the roots. It is shut
// down when the test ends.
func (r *testRoots) start(t *testing.T) *di.ServiceContainer {
	t.Helper()
	c := di.NewServiceContainer(&config.Config{
		UserDir:    r.user,
		SystemDir:  r.system,
		FlushDelay: 20 * time.Millisecond,
		Workers:    2,
		Log:        config.LogConfig{Level: "error", Format: "text"},
		Feed:       config.FeedConfig{Addr: "localhost:0"},
	})
	require.NoError(t, c.Initialize())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), eventuallyTimeout)
		defer cancel()
		_ = c.Shutdown(ctx)
	})
	return c
}

func userNode(t *testing.T, c *di.ServiceContainer, path string) prefs.Preferences {
	t.Helper()
	reg, err := c.Registry()
	require.NoError(t, err)
	node, err := reg.UserRoot().Node(path)
	require.NoError(t, err)
	return node
}

func writeProperties(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	tmp := path + ".new"
	require.NoError(t, os.WriteFile(tmp, []byte(content), 0o644))
	require.NoError(t, os.Rename(tmp, path))
}
