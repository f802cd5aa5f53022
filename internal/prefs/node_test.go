package prefs

import (
	"context"
	stderrors "errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conneroisu/prefstore/internal/errors"
	"github.com/conneroisu/prefstore/internal/properties"
	"github.com/conneroisu/prefstore/internal/storage"
	"github.com/conneroisu/prefstore/internal/worker"
)

func newTestPool(t *testing.T) *worker.Pool {
	t.Helper()
	pool := worker.NewPool(2, nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = pool.Shutdown(ctx)
	})
	return pool
}

func newMemoryTree(t *testing.T, readOnly bool, opts ...TreeOption) (*Tree, *storage.MemoryRoot) {
	t.Helper()
	mem := storage.NewMemoryRoot(readOnly)
	return NewTree(mem.Storage, newTestPool(t), opts...), mem
}

func mustNode(t *testing.T, tree *Tree, path string) *Node {
	t.Helper()
	n, err := tree.Node(path)
	require.NoError(t, err)
	return n
}

func kv(pairs ...string) *properties.EditableProperties {
	p := properties.New()
	for i := 0; i+1 < len(pairs); i += 2 {
		p.Put(pairs[i], pairs[i+1])
	}
	return p
}

type eventRecorder struct {
	mu     sync.Mutex
	events []PreferenceChangeEvent
}

func (r *eventRecorder) record(ev PreferenceChangeEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *eventRecorder) all() []PreferenceChangeEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]PreferenceChangeEvent(nil), r.events...)
}

func storedValue(mem *storage.MemoryRoot, path, key string) (string, bool) {
	p := mem.Properties(path)
	if p == nil {
		return "", false
	}
	return p.Get(key)
}

func TestEndToEndScenario(t *testing.T) {
	tree, mem := newMemoryTree(t, false)
	x := mustNode(t, tree, "/x")

	require.NoError(t, x.Put("a", "1"))
	time.Sleep(250 * time.Millisecond)
	assert.Eventually(t, func() bool {
		v, ok := storedValue(mem, "/x", "a")
		return ok && v == "1"
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, mem.SaveCount("/x"))

	require.NoError(t, x.Put("a", "1"))
	time.Sleep(250 * time.Millisecond)
	assert.Equal(t, 1, mem.SaveCount("/x"), "repeated put must not save again")

	require.NoError(t, x.Put("a", "2"))
	require.NoError(t, x.Sync())

	v, ok := storedValue(mem, "/x", "a")
	require.True(t, ok)
	assert.Equal(t, "2", v)
	assert.Equal(t, "2", x.Get("a", ""))
	assert.Equal(t, 2, mem.SaveCount("/x"))
}

func TestPutIdempotent(t *testing.T) {
	tree, mem := newMemoryTree(t, false, WithFlushDelay(20*time.Millisecond))
	n := mustNode(t, tree, "/idem")

	var rec eventRecorder
	n.AddPreferenceChangeListener(rec.record)

	require.NoError(t, n.Put("k", "v"))
	require.NoError(t, n.Put("k", "v"))
	require.NoError(t, n.Flush())
	require.NoError(t, n.Put("k", "v"))
	require.NoError(t, n.Flush())

	assert.Equal(t, 1, mem.SaveCount("/idem"))
	assert.Len(t, rec.all(), 1)
}

func TestDebouncedFlushCoalesces(t *testing.T) {
	tree, mem := newMemoryTree(t, false, WithFlushDelay(100*time.Millisecond))
	n := mustNode(t, tree, "/burst")

	for i := 0; i < 20; i++ {
		require.NoError(t, PutInt(n, "counter", i))
	}
	assert.Equal(t, 0, mem.SaveCount("/burst"))

	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, 1, mem.SaveCount("/burst"))
	v, _ := storedValue(mem, "/burst", "counter")
	assert.Equal(t, "19", v)
}

func TestSelfEchoSuppression(t *testing.T) {
	tree, mem := newMemoryTree(t, false, WithFlushDelay(time.Hour))
	n := mustNode(t, tree, "/echo")

	require.NoError(t, n.Put("a", "1"))
	require.NoError(t, n.Flush())
	require.Equal(t, 1, mem.SaveCount("/echo"))

	var rec eventRecorder
	n.AddPreferenceChangeListener(rec.record)

	// Notification carrying the value just written.
	mem.Replace("/echo", kv("a", "1"))

	assert.Empty(t, rec.all())
	assert.True(t, n.flushTask.IsFinished(), "reconcile must not schedule a flush")
	require.NoError(t, n.Flush())
	assert.Equal(t, 1, mem.SaveCount("/echo"))
}

func TestStaleNotificationIgnored(t *testing.T) {
	tree, mem := newMemoryTree(t, false, WithFlushDelay(time.Hour))
	n := mustNode(t, tree, "/stale")

	require.NoError(t, n.Put("a", "1"))
	require.NoError(t, n.Flush())
	require.NoError(t, n.Put("a", "2"))
	require.NoError(t, n.Flush())

	var rec eventRecorder
	n.AddPreferenceChangeListener(rec.record)

	// A late notification of the first write.
	mem.Replace("/stale", kv("a", "1"))
	assert.Equal(t, "2", n.Get("a", ""))
	assert.Empty(t, rec.all())

	// A genuinely new external value applies without being written back.
	mem.Replace("/stale", kv("a", "3"))
	assert.Equal(t, "3", n.Get("a", ""))
	require.Len(t, rec.all(), 1)
	assert.Equal(t, "3", rec.all()[0].NewValue)

	require.NoError(t, n.Flush())
	assert.Equal(t, 2, mem.SaveCount("/stale"))
}

func TestExternalRevertApplies(t *testing.T) {
	tree, mem := newMemoryTree(t, false, WithFlushDelay(time.Hour))
	n := mustNode(t, tree, "/revert")
	assert.Equal(t, "", n.Get("a", ""))

	var rec eventRecorder
	n.AddPreferenceChangeListener(rec.record)

	mem.Replace("/revert", kv("a", "1"))
	mem.Replace("/revert", kv("a", "2"))
	mem.Replace("/revert", kv("a", "1"))
	assert.Equal(t, "1", n.Get("a", ""))

	mem.Replace("/revert", kv())
	mem.Replace("/revert", kv("a", "2"))
	assert.Equal(t, "2", n.Get("a", ""))

	events := rec.all()
	require.Len(t, events, 5)
	assert.Equal(t, "1", events[2].NewValue)
	assert.True(t, events[3].Removed)
	assert.Equal(t, "2", events[4].NewValue)
	assert.Equal(t, 0, mem.SaveCount("/revert"))
}

func TestReconcileRemovesVanishedKeys(t *testing.T) {
	tree, mem := newMemoryTree(t, false, WithFlushDelay(time.Hour))
	n := mustNode(t, tree, "/vanish")

	require.NoError(t, n.Put("a", "1"))
	require.NoError(t, n.Put("b", "2"))
	require.NoError(t, n.Flush())

	var rec eventRecorder
	n.AddPreferenceChangeListener(rec.record)

	mem.Replace("/vanish", kv("a", "1", "c", "3"))

	keys, err := n.Keys()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "c"}, keys)

	events := rec.all()
	require.Len(t, events, 2)
	assert.Equal(t, "c", events[0].Key)
	assert.Equal(t, "b", events[1].Key)
	assert.True(t, events[1].Removed)
}

func TestReconcileKeepsPendingLocalChanges(t *testing.T) {
	tree, mem := newMemoryTree(t, false, WithFlushDelay(time.Hour))
	n := mustNode(t, tree, "/pending")

	require.NoError(t, n.Put("a", "old"))
	require.NoError(t, n.Flush())

	require.NoError(t, n.Put("a", "local"))
	require.NoError(t, n.Put("b", "new"))
	mem.Replace("/pending", kv("a", "external"))

	assert.Equal(t, "local", n.Get("a", ""))
	assert.Equal(t, "new", n.Get("b", ""), "unflushed key must not be removed")

	require.NoError(t, n.Flush())
	v, _ := storedValue(mem, "/pending", "a")
	assert.Equal(t, "local", v)
}

func TestReconcileSkipsUnloadedNode(t *testing.T) {
	tree, mem := newMemoryTree(t, false)
	mem.Seed("/lazy", kv("a", "1"))
	n := mustNode(t, tree, "/lazy")

	var rec eventRecorder
	n.AddPreferenceChangeListener(rec.record)

	mem.Replace("/lazy", kv("a", "2"))
	assert.Empty(t, rec.all())
	assert.Equal(t, "2", n.Get("a", ""))
}

func TestReadOnlyEnforcement(t *testing.T) {
	tree, mem := newMemoryTree(t, true)
	mem.Seed("/sys", kv("a", "1"))
	n := mustNode(t, tree, "/sys")

	assert.Equal(t, "1", n.Get("a", ""))
	assert.True(t, n.IsReadOnly())

	assert.True(t, errors.IsUnsupported(n.Flush()))
	assert.True(t, errors.IsUnsupported(n.Sync()))
	assert.True(t, errors.IsUnsupported(n.RemoveNode()))

	// Accepted in memory only.
	require.NoError(t, n.Put("a", "2"))
	assert.Equal(t, "2", n.Get("a", ""))
	assert.True(t, n.flushTask.IsFinished())
	assert.Equal(t, 0, mem.SaveCount("/sys"))

	require.NoError(t, tree.Shutdown(context.Background()))
}

func TestRemoveNode(t *testing.T) {
	tree, mem := newMemoryTree(t, false, WithFlushDelay(time.Hour))
	root := tree.Root()
	a := mustNode(t, tree, "/a")
	b := mustNode(t, tree, "/a/b")

	require.NoError(t, a.Put("k", "1"))
	require.NoError(t, b.Put("k", "2"))
	require.NoError(t, root.Flush())
	require.NotNil(t, mem.Properties("/a/b"))

	var removed []string
	root.AddNodeChangeListener(func(ev NodeChangeEvent) {
		if ev.Removed {
			removed = append(removed, ev.Child.AbsolutePath())
		}
	})
	var childRemoved []string
	a.AddNodeChangeListener(func(ev NodeChangeEvent) {
		childRemoved = append(childRemoved, ev.Child.AbsolutePath())
	})

	require.NoError(t, a.RemoveNode())

	assert.Nil(t, mem.Properties("/a"))
	assert.Nil(t, mem.Properties("/a/b"))
	assert.Equal(t, []string{"/a"}, removed)
	assert.Equal(t, []string{"/a/b"}, childRemoved)

	// Removed nodes are inert.
	assert.Equal(t, "def", a.Get("k", "def"))
	require.NoError(t, a.Put("k", "3"))
	assert.Equal(t, "def", b.Get("k", "def"))
	_, err := a.Keys()
	assert.True(t, errors.IsState(err))
	_, err = a.Node("c")
	assert.True(t, errors.IsState(err))
	require.NoError(t, a.RemoveNode(), "second removal is a no-op")
	require.NoError(t, a.Flush())

	exists, err := a.NodeExists("")
	require.NoError(t, err)
	assert.False(t, exists)
	exists, err = root.NodeExists("a")
	require.NoError(t, err)
	assert.False(t, exists)

	err = root.RemoveNode()
	assert.True(t, errors.IsUnsupported(err))
	assert.Equal(t, errors.ErrCodeRootRemoval, errors.GetErrorCode(err))

	// The path can be used again with a fresh node.
	again := mustNode(t, tree, "/a")
	assert.NotSame(t, a, again)
	assert.Equal(t, "none", again.Get("k", "none"))
}

func TestRemoveNodeFailureKeepsValues(t *testing.T) {
	dir := t.TempDir()
	root := storage.NewUserRoot(dir, nil, nil)
	tree := NewTree(root.Storage, newTestPool(t), WithFlushDelay(time.Hour))
	a := mustNode(t, tree, "/a")

	require.NoError(t, a.Put("k", "v"))
	require.NoError(t, a.Flush())
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "a"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a", "README"), []byte("stray"), 0o644))
	require.NoError(t, a.Put("k", "unsaved"))

	err := a.RemoveNode()
	require.Error(t, err)
	assert.True(t, errors.IsIO(err))

	exists, err := tree.Root().NodeExists("a")
	require.NoError(t, err)
	assert.True(t, exists)
	assert.Equal(t, "unsaved", a.Get("k", "none"))

	require.NoError(t, a.Flush())
	data, err := os.ReadFile(filepath.Join(dir, "a.properties"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "k=unsaved")
}

func TestRemoveNodeRemovesStoredChildren(t *testing.T) {
	tree, mem := newMemoryTree(t, false)
	mem.Seed("/p", kv("k", "v"))
	mem.Seed("/p/q/r", kv("k", "v"))

	p := mustNode(t, tree, "/p")
	require.NoError(t, p.RemoveNode())

	assert.Nil(t, mem.Properties("/p"))
	assert.Nil(t, mem.Properties("/p/q/r"))
}

func TestNodePaths(t *testing.T) {
	tree, _ := newMemoryTree(t, false)
	root := tree.Root()

	assert.Equal(t, "", root.Name())
	assert.Equal(t, "/", root.AbsolutePath())
	assert.Nil(t, root.Parent())

	c, err := root.Node("org/example")
	require.NoError(t, err)
	assert.Equal(t, "example", c.Name())
	assert.Equal(t, "/org/example", c.AbsolutePath())
	assert.Equal(t, "/org", c.Parent().AbsolutePath())

	same, err := c.Node("/org/example")
	require.NoError(t, err)
	assert.Same(t, c, same)

	self, err := c.Node("")
	require.NoError(t, err)
	assert.Same(t, c, self)

	top, err := c.Node("/")
	require.NoError(t, err)
	assert.Same(t, root, top)

	for _, bad := range []string{"a//b", "a/", "//", strings.Repeat("n", MaxNameLength+1)} {
		_, err := root.Node(bad)
		assert.True(t, errors.IsValidation(err), bad)
	}
}

func TestNodeExists(t *testing.T) {
	tree, mem := newMemoryTree(t, false)
	mem.Seed("/stored/deep", kv("k", "v"))
	root := tree.Root()

	tests := []struct {
		path string
		want bool
	}{
		{"", true},
		{"/", true},
		{"stored", true},
		{"/stored/deep", true},
		{"missing", false},
		{"stored/missing", false},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			got, err := root.NodeExists(tt.path)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	// Probing does not create nodes.
	names, err := root.ChildrenNames()
	require.NoError(t, err)
	assert.Equal(t, []string{"stored"}, names)

	_ = mustNode(t, tree, "/memory/only")
	got, err := root.NodeExists("memory/only")
	require.NoError(t, err)
	assert.True(t, got)
}

func TestNodeAddedEvents(t *testing.T) {
	tree, mem := newMemoryTree(t, false)
	mem.Seed("/existing", kv("k", "v"))
	root := tree.Root()

	var added []string
	root.AddNodeChangeListener(func(ev NodeChangeEvent) {
		if !ev.Removed {
			added = append(added, ev.Child.Name())
		}
	})

	mustNode(t, tree, "/fresh")
	mustNode(t, tree, "/fresh")
	mustNode(t, tree, "/existing")

	assert.Equal(t, []string{"fresh"}, added)
}

func TestChildrenNamesMergesMemoryAndStorage(t *testing.T) {
	tree, mem := newMemoryTree(t, false)
	mem.Seed("/parent/stored", kv("k", "v"))
	parent := mustNode(t, tree, "/parent")
	mustNode(t, tree, "/parent/created")

	names, err := parent.ChildrenNames()
	require.NoError(t, err)
	assert.Equal(t, []string{"created", "stored"}, names)
}

func TestValidation(t *testing.T) {
	tree, _ := newMemoryTree(t, false)
	n := mustNode(t, tree, "/v")

	err := n.Put(strings.Repeat("k", MaxKeyLength+1), "v")
	assert.True(t, errors.IsValidation(err))
	assert.Equal(t, errors.ErrCodeKeyTooLong, errors.GetErrorCode(err))

	err = n.Put("k", strings.Repeat("v", MaxValueLength+1))
	assert.True(t, errors.IsValidation(err))
	assert.Equal(t, errors.ErrCodeValueTooLong, errors.GetErrorCode(err))

	require.NoError(t, n.Put(strings.Repeat("k", MaxKeyLength), strings.Repeat("v", MaxValueLength)))
}

func TestSyncWaitsForPendingFlush(t *testing.T) {
	tree, mem := newMemoryTree(t, false, WithFlushDelay(time.Hour))
	n := mustNode(t, tree, "/sync")

	require.NoError(t, n.Put("a", "1"))
	require.NoError(t, n.Put("b", "2"))
	require.NoError(t, n.Sync())

	stored := mem.Properties("/sync")
	require.NotNil(t, stored)
	assert.Equal(t, map[string]string{"a": "1", "b": "2"}, stored.Map())
	assert.True(t, n.flushTask.IsFinished())

	// External change picked up by sync.
	mem.Seed("/sync", kv("a", "1", "b", "2", "c", "3"))
	require.NoError(t, n.Sync())
	assert.Equal(t, "3", n.Get("c", ""))
	assert.Equal(t, 1, mem.SaveCount("/sync"))
}

func TestSyncConcurrentWithBackgroundFlush(t *testing.T) {
	tree, mem := newMemoryTree(t, false, WithFlushDelay(time.Millisecond))
	n := mustNode(t, tree, "/race")

	for i := 0; i < 50; i++ {
		require.NoError(t, PutInt(n, "i", i))
		require.NoError(t, n.Sync())
		assert.Equal(t, i, GetInt(n, "i", -1))
		v, _ := storedValue(mem, "/race", "i")
		assert.Equal(t, n.Get("i", ""), v)
	}
}

func TestFlushErrorSurfaced(t *testing.T) {
	tree, mem := newMemoryTree(t, false, WithFlushDelay(time.Hour))
	n := mustNode(t, tree, "/fail")
	boom := stderrors.New("disk full")

	require.NoError(t, n.Put("a", "1"))
	mem.FailSave("/fail", boom)

	err := n.Flush()
	require.Error(t, err)
	assert.True(t, errors.IsIO(err))
	assert.ErrorIs(t, err, boom)

	err = n.Sync()
	assert.ErrorIs(t, err, boom)

	// Still dirty: the next successful flush writes it.
	mem.FailSave("/fail", nil)
	require.NoError(t, n.Flush())
	v, _ := storedValue(mem, "/fail", "a")
	assert.Equal(t, "1", v)
}

func TestBackgroundFlushFailureIsNotFatal(t *testing.T) {
	tree, mem := newMemoryTree(t, false, WithFlushDelay(5*time.Millisecond))
	n := mustNode(t, tree, "/bg")
	mem.FailSave("/bg", stderrors.New("denied"))

	require.NoError(t, n.Put("a", "1"))
	assert.Eventually(t, n.flushTask.IsFinished, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, mem.SaveCount("/bg"))
	assert.Equal(t, "1", n.Get("a", ""))
}

func TestLoadFailureTreatedAsEmpty(t *testing.T) {
	tree, mem := newMemoryTree(t, false)
	mem.Seed("/broken", kv("a", "1"))
	mem.FailLoad("/broken", stderrors.New("corrupt"))

	n := mustNode(t, tree, "/broken")
	assert.Equal(t, "def", n.Get("a", "def"))
	keys, err := n.Keys()
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestClear(t *testing.T) {
	tree, mem := newMemoryTree(t, false, WithFlushDelay(time.Hour))
	n := mustNode(t, tree, "/clear")
	require.NoError(t, n.Put("a", "1"))
	require.NoError(t, n.Put("b", "2"))
	require.NoError(t, n.Flush())

	var rec eventRecorder
	n.AddPreferenceChangeListener(rec.record)

	require.NoError(t, n.Clear())
	require.NoError(t, n.Flush())

	assert.Len(t, rec.all(), 2)
	assert.Nil(t, mem.Properties("/clear"))
}

func TestRemoveKey(t *testing.T) {
	tree, mem := newMemoryTree(t, false, WithFlushDelay(time.Hour))
	n := mustNode(t, tree, "/rm")
	require.NoError(t, n.Put("a", "1"))
	require.NoError(t, n.Put("b", "2"))
	require.NoError(t, n.Flush())

	var rec eventRecorder
	n.AddPreferenceChangeListener(rec.record)

	require.NoError(t, n.Remove("a"))
	require.NoError(t, n.Remove("missing"))
	require.NoError(t, n.Flush())

	require.Len(t, rec.all(), 1)
	assert.True(t, rec.all()[0].Removed)
	assert.Equal(t, map[string]string{"b": "2"}, mem.Properties("/rm").Map())

	// A late notification still carrying the removed key is stale.
	mem.Replace("/rm", kv("a", "1", "b", "2"))
	_, ok := n.Lookup("a")
	assert.False(t, ok)
}

func TestUnsubscribe(t *testing.T) {
	tree, _ := newMemoryTree(t, false)
	n := mustNode(t, tree, "/sub")

	var rec eventRecorder
	sub := n.AddPreferenceChangeListener(rec.record)
	require.NoError(t, n.Put("a", "1"))
	sub.Unsubscribe()
	sub.Unsubscribe()
	require.NoError(t, n.Put("a", "2"))

	assert.Len(t, rec.all(), 1)
}

func TestListenerMayCallBack(t *testing.T) {
	tree, _ := newMemoryTree(t, false)
	n := mustNode(t, tree, "/reentrant")

	var seen string
	n.AddPreferenceChangeListener(func(ev PreferenceChangeEvent) {
		seen = ev.Node.Get(ev.Key, "")
		if ev.Key == "a" {
			_ = ev.Node.Put("b", "derived")
		}
	})

	require.NoError(t, n.Put("a", "1"))
	assert.Equal(t, "derived", n.Get("b", ""))
	assert.Equal(t, "derived", seen)
}

func TestHistoryIsTrimmed(t *testing.T) {
	tree, _ := newMemoryTree(t, false)
	n := mustNode(t, tree, "/hist")

	n.mu.Lock()
	for i := 0; i <= historyLimit; i++ {
		n.recordLocked("k", historyEntry{value: strings.Repeat("x", i%7)})
	}
	got := len(n.history["k"])
	n.mu.Unlock()

	assert.Equal(t, historyKeep, got)
}

func TestTreeShutdownFlushes(t *testing.T) {
	tree, mem := newMemoryTree(t, false, WithFlushDelay(time.Hour), WithName("test"))
	n := mustNode(t, tree, "/deep/node")
	require.NoError(t, n.Put("a", "1"))

	require.NoError(t, tree.Shutdown(context.Background()))
	v, ok := storedValue(mem, "/deep/node", "a")
	assert.True(t, ok)
	assert.Equal(t, "1", v)
	assert.Equal(t, "test", tree.Name())
	assert.Contains(t, n.String(), "/deep/node")
}
