//go:build integration
// +build integration

package integration_tests

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conneroisu/prefstore/internal/prefs"
)

func TestIntegration_ExternalEditIsReconciled(t *testing.T) {
	roots := newTestRoots(t)
	c := roots.start(t)

	node := userNode(t, c, "/editor")
	require.NoError(t, node.Put("indent", "4"))
	require.NoError(t, node.Flush())

	var mu sync.Mutex
	var events []prefs.PreferenceChangeEvent
	sub := node.AddPreferenceChangeListener(func(ev prefs.PreferenceChangeEvent) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	})
	defer sub.Unsubscribe()

	writeProperties(t, filepath.Join(roots.user, "editor.properties"), "indent=2\ntheme=dark\n")

	assert.Eventually(t, func() bool {
		return node.Get("indent", "") == "2" && node.Get("theme", "") == "dark"
	}, eventuallyTimeout, pollInterval)

	mu.Lock()
	defer mu.Unlock()
	keys := make(map[string]string)
	for _, ev := range events {
		keys[ev.Key] = ev.NewValue
	}
	assert.Equal(t, map[string]string{"indent": "2", "theme": "dark"}, keys)
}

func TestIntegration_OwnWritesDoNotEcho(t *testing.T) {
	roots := newTestRoots(t)
	c := roots.start(t)

	node := userNode(t, c, "/ui")

	var mu sync.Mutex
	count := 0
	sub := node.AddPreferenceChangeListener(func(prefs.PreferenceChangeEvent) {
		mu.Lock()
		count++
		mu.Unlock()
	})
	defer sub.Unsubscribe()

	require.NoError(t, node.Put("font", "mono"))
	require.NoError(t, node.Flush())
	assert.FileExists(t, filepath.Join(roots.user, "ui.properties"))

	// Give the watcher time to deliver the write back to us.
	assert.Never(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return count > 1
	}, time.Second, pollInterval)
	assert.Equal(t, "mono", node.Get("font", ""))
}

func TestIntegration_TwoProcessesShareUserRoot(t *testing.T) {
	roots := newTestRoots(t)
	writer := roots.start(t)
	reader := roots.start(t)

	readerNode := userNode(t, reader, "/shared")
	assert.Equal(t, "", readerNode.Get("k", ""))

	writerNode := userNode(t, writer, "/shared")
	require.NoError(t, writerNode.Put("k", "v1"))
	require.NoError(t, writerNode.Flush())

	assert.Eventually(t, func() bool {
		return readerNode.Get("k", "") == "v1"
	}, eventuallyTimeout, pollInterval)

	require.NoError(t, writerNode.Remove("k"))
	require.NoError(t, writerNode.Flush())

	assert.Eventually(t, func() bool {
		_, ok := readerNode.Lookup("k")
		return !ok
	}, eventuallyTimeout, pollInterval)
}

func TestIntegration_ExternalDeleteClearsNode(t *testing.T) {
	roots := newTestRoots(t)
	c := roots.start(t)

	file := filepath.Join(roots.user, "gone.properties")
	writeProperties(t, file, "a=1\n")

	node := userNode(t, c, "/gone")
	require.Equal(t, "1", node.Get("a", ""))

	require.NoError(t, os.Remove(file))

	assert.Eventually(t, func() bool {
		keys, err := node.Keys()
		return err == nil && len(keys) == 0
	}, eventuallyTimeout, pollInterval)
}
