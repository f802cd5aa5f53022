package watcher

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventTypeString(t *testing.T) {
	testCases := []struct {
		eventType EventType
		expected  string
	}{
		{EventTypeCreated, "created"},
		{EventTypeModified, "modified"},
		{EventTypeDeleted, "deleted"},
		{EventTypeRenamed, "renamed"},
		{EventType(42), "unknown"},
	}

	for _, tc := range testCases {
		t.Run(tc.expected, func(t *testing.T) {
			assert.Equal(t, tc.expected, tc.eventType.String())
		})
	}
}

func TestNewFileWatcher(t *testing.T) {
	watcher, err := NewFileWatcher(100*time.Millisecond, nil)
	require.NoError(t, err)
	defer watcher.Stop()

	assert.NotNil(t, watcher.watcher)
	assert.NotNil(t, watcher.debouncer)
	assert.NotNil(t, watcher.logger)
	assert.Empty(t, watcher.filters)
	assert.Empty(t, watcher.handlers)
}

func TestFileWatcherAddPath(t *testing.T) {
	watcher, err := NewFileWatcher(100*time.Millisecond, nil)
	require.NoError(t, err)
	defer watcher.Stop()

	dir := t.TempDir()
	require.NoError(t, watcher.AddPath(dir))
	// Adding twice is a no-op.
	require.NoError(t, watcher.AddPath(dir))
	assert.Len(t, watcher.watched, 1)

	assert.Error(t, watcher.AddPath(""))
	assert.Error(t, watcher.AddPath(filepath.Join(dir, "missing")))
}

func TestAddRecursive(t *testing.T) {
	watcher, err := NewFileWatcher(100*time.Millisecond, nil)
	require.NoError(t, err)
	defer watcher.Stop()

	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "a", "b"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "c"), 0o755))

	require.NoError(t, watcher.AddRecursive(root))
	assert.Len(t, watcher.watched, 4)
}

func TestSubscribeWatchesNearestAncestor(t *testing.T) {
	watcher, err := NewFileWatcher(100*time.Millisecond, nil)
	require.NoError(t, err)
	defer watcher.Stop()

	root := t.TempDir()
	target := filepath.Join(root, "not", "yet", "there.properties")

	cancel, err := watcher.Subscribe(target, func(ChangeEvent) {})
	require.NoError(t, err)

	abs, _ := filepath.Abs(root)
	assert.True(t, watcher.watched[abs])
	assert.Len(t, watcher.subs, 1)

	cancel()
	assert.Empty(t, watcher.subs)
}

func TestSubscribeReceivesWrites(t *testing.T) {
	watcher, err := NewFileWatcher(20*time.Millisecond, nil)
	require.NoError(t, err)
	defer watcher.Stop()
	watcher.AddFilter(PropertiesFilter)
	watcher.AddFilter(NoTempFilter)

	root := t.TempDir()
	target := filepath.Join(root, "node.properties")
	other := filepath.Join(root, "other.properties")

	var mu sync.Mutex
	var got []ChangeEvent
	_, err = watcher.Subscribe(target, func(e ChangeEvent) {
		mu.Lock()
		got = append(got, e)
		mu.Unlock()
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, watcher.Start(ctx))

	require.NoError(t, os.WriteFile(other, []byte("x=1\n"), 0o644))
	require.NoError(t, os.WriteFile(target, []byte("a=1\n"), 0o644))

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) > 0
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	for _, e := range got {
		assert.Equal(t, target, e.Path)
	}
}

func TestSubscribeFollowsNewDirectories(t *testing.T) {
	watcher, err := NewFileWatcher(20*time.Millisecond, nil)
	require.NoError(t, err)
	defer watcher.Stop()

	root := t.TempDir()
	dir := filepath.Join(root, "org", "example")
	target := filepath.Join(dir, "node.properties")

	received := make(chan ChangeEvent, 8)
	_, err = watcher.Subscribe(target, func(e ChangeEvent) {
		received <- e
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, watcher.Start(ctx))

	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(target, []byte("a=1\n"), 0o644))

	select {
	case e := <-received:
		assert.Equal(t, target, e.Path)
	case <-time.After(2 * time.Second):
		t.Fatal("no event for file created in a new directory")
	}
}

func TestPropertiesFilter(t *testing.T) {
	testCases := []struct {
		path     string
		expected bool
	}{
		{"/prefs/a.properties", true},
		{"/prefs/.properties", true},
		{"/prefs/a.txt", false},
		{"/prefs/dir", false},
	}

	for _, tc := range testCases {
		t.Run(tc.path, func(t *testing.T) {
			assert.Equal(t, tc.expected, PropertiesFilter(tc.path))
		})
	}
}

func TestNoTempFilter(t *testing.T) {
	assert.True(t, NoTempFilter("/prefs/a.properties"))
	assert.False(t, NoTempFilter("/prefs/.tmp-a.properties-123"))
}

func TestDebouncer(t *testing.T) {
	debouncer := &Debouncer{
		delay:   50 * time.Millisecond,
		events:  make(chan ChangeEvent, 100),
		output:  make(chan []ChangeEvent, 10),
		pending: make([]ChangeEvent, 0),
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go debouncer.start(ctx)

	debouncer.events <- ChangeEvent{Path: "a.properties", Type: EventTypeCreated}
	debouncer.events <- ChangeEvent{Path: "a.properties", Type: EventTypeModified}
	debouncer.events <- ChangeEvent{Path: "b.properties", Type: EventTypeModified}

	select {
	case events := <-debouncer.output:
		require.Len(t, events, 2)
		assert.Equal(t, "a.properties", events[0].Path)
		assert.Equal(t, EventTypeModified, events[0].Type)
		assert.Equal(t, "b.properties", events[1].Path)
	case <-time.After(time.Second):
		t.Fatal("debouncer produced no batch")
	}
}

func TestDispatchCallsHandlers(t *testing.T) {
	watcher, err := NewFileWatcher(10*time.Millisecond, nil)
	require.NoError(t, err)
	defer watcher.Stop()

	var batches int
	watcher.AddHandler(func(events []ChangeEvent) error {
		batches++
		return nil
	})
	watcher.AddHandler(func(events []ChangeEvent) error {
		return assert.AnError
	})

	watcher.dispatch(context.Background(), []ChangeEvent{{Path: "x.properties"}})
	assert.Equal(t, 1, batches)
}
