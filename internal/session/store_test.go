// ABOUTME: Tests for the session key registry
// ABOUTME: Covers key allocation, per-key serialization, artifact ownership and removal

package session

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/bookdrop/internal/device"
)

const koboAgent = "Mozilla/5.0 (Linux; U; Android 2.0; en-us;) AppleWebKit/538.1 (KHTML, like Gecko) Version/4.0 Mobile Safari/538.1 (Kobo Touch 0377/4.20.14622)"

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestStore(t *testing.T, cfg Config) *Store {
	t.Helper()
	if cfg.InactivityTimeout == 0 {
		cfg.InactivityTimeout = time.Hour
	}
	if cfg.AbsoluteTimeout == 0 {
		cfg.AbsoluteTimeout = time.Hour
	}
	if cfg.MaxArtifacts == 0 {
		cfg.MaxArtifacts = 12
	}
	st := NewStore(cfg, testLogger())
	t.Cleanup(st.Close)
	return st
}

// writeArtifact creates a file in dir and returns an Artifact pointing at it.
func writeArtifact(t *testing.T, dir, name string) Artifact {
	t.Helper()
	path := filepath.Join(dir, name+".bin")
	require.NoError(t, os.WriteFile(path, []byte(name), 0o600))
	return Artifact{Name: name, Path: path, Size: int64(len(name)), Uploaded: time.Now()}
}

func TestCreate(t *testing.T) {
	st := newTestStore(t, Config{})

	key, err := st.Create(koboAgent)
	require.NoError(t, err)
	assert.True(t, ValidKey(key), "key %q should be drawn from the alphabet", key)

	snap, err := st.Get(key)
	require.NoError(t, err)
	assert.Equal(t, key, snap.Key)
	assert.Equal(t, koboAgent, snap.Agent)
	assert.Equal(t, device.Kobo, snap.Device)
	assert.Empty(t, snap.Artifacts)
	assert.Empty(t, snap.URLs)
	assert.False(t, snap.LastActivity.Before(snap.Created))
}

func TestCreate_ConcurrentKeysAreUnique(t *testing.T) {
	st := newTestStore(t, Config{MaxKeys: 1000})

	const n = 300
	keys := make([]string, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key, err := st.Create(koboAgent)
			if err == nil {
				keys[i] = key
			}
		}(i)
	}
	wg.Wait()

	seen := make(map[string]bool, n)
	for _, key := range keys {
		require.NotEmpty(t, key)
		assert.False(t, seen[key], "duplicate key %q", key)
		seen[key] = true
	}
	assert.Equal(t, n, st.Len())
}

func TestCreate_KeyspaceExhausted(t *testing.T) {
	st := newTestStore(t, Config{})
	st.intn = func(int) int { return 0 } // every draw yields the same key

	key, err := st.Create(koboAgent)
	require.NoError(t, err)
	assert.Equal(t, "2222", key)

	_, err = st.Create(koboAgent)
	assert.ErrorIs(t, err, ErrKeyspaceExhausted)
	assert.Equal(t, 1, st.Len())
}

func TestCreate_MaxKeys(t *testing.T) {
	st := newTestStore(t, Config{MaxKeys: 2})

	for range 2 {
		_, err := st.Create(koboAgent)
		require.NoError(t, err)
	}
	_, err := st.Create(koboAgent)
	assert.ErrorIs(t, err, ErrKeyspaceExhausted)
}

func TestGet_NotFound(t *testing.T) {
	st := newTestStore(t, Config{})

	_, err := st.Get("ZZZZ")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, err, ErrUnknownKey)
}

func TestTouch_LastActivityNeverDecreases(t *testing.T) {
	st := newTestStore(t, Config{})
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	st.now = func() time.Time { return base }

	key, err := st.Create(koboAgent)
	require.NoError(t, err)

	st.now = func() time.Time { return base.Add(-time.Minute) }
	st.Touch(key)
	snap, err := st.Get(key)
	require.NoError(t, err)
	assert.Equal(t, base, snap.LastActivity)

	st.now = func() time.Time { return base.Add(time.Minute) }
	st.Touch(key)
	snap, err = st.Get(key)
	require.NoError(t, err)
	assert.Equal(t, base.Add(time.Minute), snap.LastActivity)
}

func TestTouch_UnknownKeyIsNoop(t *testing.T) {
	st := newTestStore(t, Config{})
	assert.NotPanics(t, func() { st.Touch("ZZZZ") })
}

func TestAddArtifact_ReplacesSameName(t *testing.T) {
	st := newTestStore(t, Config{})
	dir := t.TempDir()
	key, err := st.Create(koboAgent)
	require.NoError(t, err)

	first := writeArtifact(t, dir, "book.epub")
	second := first
	second.Path = filepath.Join(dir, "second.bin")
	require.NoError(t, os.WriteFile(second.Path, []byte("v2"), 0o600))

	err = st.Update(key, func(e *Entry) error {
		assert.Empty(t, e.AddArtifact(first))
		dropped := e.AddArtifact(second)
		require.Len(t, dropped, 1)
		assert.Equal(t, first.Path, dropped[0].Path)
		return nil
	})
	require.NoError(t, err)

	assert.NoFileExists(t, first.Path)
	assert.FileExists(t, second.Path)

	snap, err := st.Get(key)
	require.NoError(t, err)
	require.Len(t, snap.Artifacts, 1)
	assert.Equal(t, second.Path, snap.Artifacts[0].Path)
}

func TestAddArtifact_SingleArtifactCapacity(t *testing.T) {
	st := newTestStore(t, Config{MaxArtifacts: 1})
	dir := t.TempDir()
	key, err := st.Create(koboAgent)
	require.NoError(t, err)

	old := writeArtifact(t, dir, "old.epub")
	replacement := writeArtifact(t, dir, "new.pdf")

	require.NoError(t, st.Update(key, func(e *Entry) error {
		e.AddArtifact(old)
		e.AddArtifact(replacement)
		return nil
	}))

	assert.NoFileExists(t, old.Path, "previous artifact must not be orphaned")
	snap, err := st.Get(key)
	require.NoError(t, err)
	require.Len(t, snap.Artifacts, 1)
	assert.Equal(t, "new.pdf", snap.Artifacts[0].Name)
}

func TestAddArtifact_EvictsOldestWhenFull(t *testing.T) {
	st := newTestStore(t, Config{MaxArtifacts: 2})
	dir := t.TempDir()
	key, err := st.Create(koboAgent)
	require.NoError(t, err)

	a := writeArtifact(t, dir, "a.epub")
	b := writeArtifact(t, dir, "b.epub")
	c := writeArtifact(t, dir, "c.epub")

	require.NoError(t, st.Update(key, func(e *Entry) error {
		e.AddArtifact(a)
		e.AddArtifact(b)
		dropped := e.AddArtifact(c)
		assert.Equal(t, []Artifact{a}, dropped)
		return nil
	}))

	assert.NoFileExists(t, a.Path)
	snap, err := st.Get(key)
	require.NoError(t, err)
	require.Len(t, snap.Artifacts, 2)
	assert.Equal(t, "b.epub", snap.Artifacts[0].Name)
	assert.Equal(t, "c.epub", snap.Artifacts[1].Name)
}

func TestFindArtifact(t *testing.T) {
	st := newTestStore(t, Config{})
	dir := t.TempDir()
	key, err := st.Create(koboAgent)
	require.NoError(t, err)

	require.NoError(t, st.Update(key, func(e *Entry) error {
		_, ok := e.FindArtifact("")
		assert.False(t, ok)

		e.AddArtifact(writeArtifact(t, dir, "one.epub"))
		e.AddArtifact(writeArtifact(t, dir, "two.pdf"))

		latest, ok := e.FindArtifact("")
		assert.True(t, ok)
		assert.Equal(t, "two.pdf", latest.Name)

		named, ok := e.FindArtifact("one.epub")
		assert.True(t, ok)
		assert.Equal(t, "one.epub", named.Name)

		_, ok = e.FindArtifact("three.mobi")
		assert.False(t, ok)
		return nil
	}))
}

func TestAddURL_Deduplicates(t *testing.T) {
	st := newTestStore(t, Config{})
	key, err := st.Create(koboAgent)
	require.NoError(t, err)

	require.NoError(t, st.Update(key, func(e *Entry) error {
		assert.True(t, e.AddURL("https://example.com/a"))
		assert.False(t, e.AddURL("https://example.com/a"))
		assert.True(t, e.AddURL("https://example.com/b"))
		for i := range MaxURLs {
			e.AddURL("https://example.com/" + string(rune('c'+i)))
		}
		return nil
	}))

	snap, err := st.Get(key)
	require.NoError(t, err)
	assert.Len(t, snap.URLs, MaxURLs)
	assert.NotContains(t, snap.URLs, "https://example.com/a", "oldest URL is dropped first")
}

func TestClearArtifacts_Idempotent(t *testing.T) {
	st := newTestStore(t, Config{})
	dir := t.TempDir()
	key, err := st.Create(koboAgent)
	require.NoError(t, err)

	a := writeArtifact(t, dir, "book.epub")
	require.NoError(t, st.Update(key, func(e *Entry) error {
		e.AddArtifact(a)
		return nil
	}))

	require.NoError(t, st.ClearArtifacts(key))
	require.NoError(t, st.ClearArtifacts(key))

	assert.NoFileExists(t, a.Path)
	snap, err := st.Get(key)
	require.NoError(t, err)
	assert.Empty(t, snap.Artifacts)

	assert.ErrorIs(t, st.ClearArtifacts("ZZZZ"), ErrNotFound)
}

func TestRemove(t *testing.T) {
	var calls atomic.Int32
	var gotReason RemoveReason
	st := newTestStore(t, Config{
		OnRemove: func(_ Snapshot, reason RemoveReason) {
			calls.Add(1)
			gotReason = reason
		},
	})
	dir := t.TempDir()
	key, err := st.Create(koboAgent)
	require.NoError(t, err)

	a := writeArtifact(t, dir, "book.epub")
	require.NoError(t, st.Update(key, func(e *Entry) error {
		e.AddArtifact(a)
		return nil
	}))

	assert.True(t, st.Remove(key))
	assert.False(t, st.Remove(key), "second remove is a no-op")

	assert.NoFileExists(t, a.Path)
	assert.Equal(t, 0, st.Len())
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, ReasonDeleted, gotReason)

	_, err = st.Get(key)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpdate_SerializesPerKey(t *testing.T) {
	st := newTestStore(t, Config{})
	key, err := st.Create(koboAgent)
	require.NoError(t, err)

	var inside, maxInside atomic.Int32
	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = st.Update(key, func(e *Entry) error {
				n := inside.Add(1)
				for {
					m := maxInside.Load()
					if n <= m || maxInside.CompareAndSwap(m, n) {
						break
					}
				}
				time.Sleep(5 * time.Millisecond)
				inside.Add(-1)
				return nil
			})
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxInside.Load())
}

func TestUpdate_DifferentKeysRunConcurrently(t *testing.T) {
	st := newTestStore(t, Config{})
	k1, err := st.Create(koboAgent)
	require.NoError(t, err)
	k2, err := st.Create(koboAgent)
	require.NoError(t, err)

	entered := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = st.Update(k1, func(*Entry) error {
			close(entered)
			<-release
			return nil
		})
	}()
	<-entered

	done := make(chan struct{})
	go func() {
		_ = st.Update(k2, func(*Entry) error { return nil })
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("update on another key blocked behind a busy entry")
	}
	close(release)
}

func TestRemove_WaitsForInFlightUpdate(t *testing.T) {
	st := newTestStore(t, Config{})
	key, err := st.Create(koboAgent)
	require.NoError(t, err)

	entered := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = st.Update(key, func(*Entry) error {
			close(entered)
			<-release
			return nil
		})
	}()
	<-entered

	removed := make(chan bool)
	go func() { removed <- st.Remove(key) }()

	select {
	case <-removed:
		t.Fatal("remove completed while an update held the entry")
	case <-time.After(20 * time.Millisecond):
	}

	close(release)
	assert.True(t, <-removed)
	assert.ErrorIs(t, st.Update(key, func(*Entry) error { return nil }), ErrNotFound)
}

func TestClose(t *testing.T) {
	var reasons []RemoveReason
	var mu sync.Mutex
	st := NewStore(Config{
		InactivityTimeout: time.Hour,
		AbsoluteTimeout:   time.Hour,
		MaxArtifacts:      1,
		OnRemove: func(_ Snapshot, reason RemoveReason) {
			mu.Lock()
			reasons = append(reasons, reason)
			mu.Unlock()
		},
	}, testLogger())

	for range 3 {
		_, err := st.Create(koboAgent)
		require.NoError(t, err)
	}

	st.Close()
	st.Close()

	assert.Equal(t, 0, st.Len())
	assert.Equal(t, []RemoveReason{ReasonShutdown, ReasonShutdown, ReasonShutdown}, reasons)

	_, err := st.Create(koboAgent)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestValidKey(t *testing.T) {
	assert.False(t, ValidKey("A2B3"), "B is not in the alphabet")
	assert.True(t, ValidKey("A2C3"))
	assert.False(t, ValidKey("A2C"))
	assert.False(t, ValidKey("a2c3"))
	assert.Equal(t, "A2C3", NormalizeKey(" a2c3 "))
}

func TestLookup_MalformedKeyNeverMatches(t *testing.T) {
	st := newTestStore(t, Config{})
	st.intn = func(int) int { return 0 }
	key, err := st.Create(koboAgent)
	require.NoError(t, err)
	require.Equal(t, "2222", key)

	for _, bad := range []string{"", "222", "22222", " 2222", "2222\n", "BBBB"} {
		_, err := st.Get(bad)
		assert.ErrorIs(t, err, ErrNotFound, "key %q", bad)
	}
	_, err = st.Get(key)
	assert.NoError(t, err)
}
