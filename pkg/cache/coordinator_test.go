package cache

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astromechza/automerge-docs/pkg/store"
)

// fakeStore is an in-memory Store that counts metadata reads.
type fakeStore struct {
	mu      sync.Mutex
	docs    map[string]store.Document
	content map[string][]byte
	reads   int
	clock   time.Time
	fail    error

	// when set, SaveContent announces itself on saving and waits for release
	saving  chan string
	release chan struct{}
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		docs:    make(map[string]store.Document),
		content: make(map[string][]byte),
		clock:   time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func (f *fakeStore) tick() time.Time {
	f.clock = f.clock.Add(time.Second)
	return f.clock
}

func (f *fakeStore) List(context.Context) ([]store.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads++
	out := make([]store.Document, 0, len(f.docs))
	for _, d := range f.docs {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *fakeStore) Get(_ context.Context, id string) (store.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads++
	d, ok := f.docs[id]
	if !ok {
		return store.Document{}, store.ErrNotFound
	}
	return d, nil
}

func (f *fakeStore) Create(ctx context.Context, id, title string) (store.Document, error) {
	created, err := f.EnsureDocument(ctx, id, title)
	if err != nil {
		return store.Document{}, err
	}
	if !created {
		return store.Document{}, store.ErrExists
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.docs[id], nil
}

func (f *fakeStore) EnsureDocument(_ context.Context, id, title string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return false, f.fail
	}
	if _, ok := f.docs[id]; ok {
		return false, nil
	}
	now := f.tick()
	f.docs[id] = store.Document{ID: id, Title: title, CreatedAt: now, UpdatedAt: now}
	return true, nil
}

func (f *fakeStore) LoadContent(_ context.Context, id string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.docs[id]; !ok {
		return nil, store.ErrNotFound
	}
	return f.content[id], nil
}

func (f *fakeStore) SaveContent(_ context.Context, id string, content []byte) (time.Time, error) {
	if f.saving != nil {
		f.saving <- id
		<-f.release
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return time.Time{}, f.fail
	}
	d, ok := f.docs[id]
	if !ok {
		return time.Time{}, store.ErrNotFound
	}
	d.UpdatedAt = f.tick()
	f.docs[id] = d
	f.content[id] = content
	return d.UpdatedAt, nil
}

func (f *fakeStore) Delete(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.docs[id]; !ok {
		return store.ErrNotFound
	}
	delete(f.docs, id)
	delete(f.content, id)
	return nil
}

func (f *fakeStore) Quarantine(context.Context, string, []byte) error {
	return nil
}

// brokenCache fails every call.
type brokenCache struct{}

var errUnreachable = errors.New("connection refused")

func (brokenCache) Get(context.Context, string) ([]byte, error) { return nil, errUnreachable }
func (brokenCache) Set(context.Context, string, []byte, time.Duration) error {
	return errUnreachable
}
func (brokenCache) Delete(context.Context, ...string) error { return errUnreachable }

type recordingNotifier struct {
	got []Notification
	err error
}

func (r *recordingNotifier) Publish(_ context.Context, n Notification) error {
	r.got = append(r.got, n)
	return r.err
}

func newMemoryCoordinator(t *testing.T, s Store) *Coordinator {
	t.Helper()
	mc := NewMemoryCache(100)
	t.Cleanup(mc.Close)
	return NewCoordinator(s, mc, WithTTL(time.Hour))
}

func TestGetIsReadThrough(t *testing.T) {
	ctx := context.Background()
	fs := newFakeStore()
	co := newMemoryCoordinator(t, fs)
	_, err := co.Create(ctx, "d", "Doc")
	require.NoError(t, err)

	fs.reads = 0
	for i := 0; i < 3; i++ {
		d, err := co.Get(ctx, "d")
		require.NoError(t, err)
		assert.Equal(t, "Doc", d.Title)
	}
	assert.Equal(t, 1, fs.reads)

	for i := 0; i < 3; i++ {
		docs, err := co.List(ctx)
		require.NoError(t, err)
		assert.Len(t, docs, 1)
	}
	assert.Equal(t, 2, fs.reads)
}

func TestGetMissingIsNotCached(t *testing.T) {
	ctx := context.Background()
	fs := newFakeStore()
	co := newMemoryCoordinator(t, fs)

	_, err := co.Get(ctx, "nope")
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = co.Create(ctx, "nope", "Now exists")
	require.NoError(t, err)
	d, err := co.Get(ctx, "nope")
	require.NoError(t, err)
	assert.Equal(t, "Now exists", d.Title)
}

func TestSaveContentInvalidatesMetadataAndList(t *testing.T) {
	ctx := context.Background()
	fs := newFakeStore()
	co := newMemoryCoordinator(t, fs)
	_, err := co.Create(ctx, "d", "Doc")
	require.NoError(t, err)

	before, err := co.Get(ctx, "d")
	require.NoError(t, err)
	list, err := co.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)

	at, err := co.SaveContent(ctx, "d", []byte{1})
	require.NoError(t, err)
	assert.True(t, at.After(before.UpdatedAt))

	after, err := co.Get(ctx, "d")
	require.NoError(t, err)
	assert.True(t, after.UpdatedAt.Equal(at))

	list, err = co.List(ctx)
	require.NoError(t, err)
	assert.True(t, list[0].UpdatedAt.Equal(at))
}

func TestDeleteInvalidates(t *testing.T) {
	ctx := context.Background()
	fs := newFakeStore()
	co := newMemoryCoordinator(t, fs)
	_, err := co.Create(ctx, "d", "Doc")
	require.NoError(t, err)
	_, err = co.Get(ctx, "d")
	require.NoError(t, err)
	_, err = co.List(ctx)
	require.NoError(t, err)

	require.NoError(t, co.Delete(ctx, "d"))

	_, err = co.Get(ctx, "d")
	assert.ErrorIs(t, err, store.ErrNotFound)
	docs, err := co.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, docs)
}

func TestCoherentUnderConcurrentWrites(t *testing.T) {
	ctx := context.Background()
	fs := newFakeStore()
	co := newMemoryCoordinator(t, fs)
	_, err := co.Create(ctx, "d", "Doc")
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				_, _ = co.Get(ctx, "d")
			}
		}()
	}
	for j := 0; j < 50; j++ {
		at, err := co.SaveContent(ctx, "d", []byte{byte(j)})
		require.NoError(t, err)
		d, err := co.Get(ctx, "d")
		require.NoError(t, err)
		assert.True(t, d.UpdatedAt.Equal(at), "read %s after write %s", d.UpdatedAt, at)
	}
	wg.Wait()
}

func TestSlowWriteDoesNotBlockOtherDocuments(t *testing.T) {
	ctx := context.Background()
	fs := newFakeStore()
	co := newMemoryCoordinator(t, fs)
	_, err := co.Create(ctx, "slow", "Slow")
	require.NoError(t, err)
	_, err = co.Create(ctx, "fast", "Fast")
	require.NoError(t, err)

	fs.saving, fs.release = make(chan string, 1), make(chan struct{})
	saved := make(chan error, 1)
	go func() {
		_, err := co.SaveContent(ctx, "slow", []byte("x"))
		saved <- err
	}()
	require.Equal(t, "slow", <-fs.saving)

	read := make(chan error, 1)
	go func() {
		if _, err := co.Get(ctx, "fast"); err != nil {
			read <- err
			return
		}
		_, err := co.List(ctx)
		read <- err
	}()
	select {
	case err := <-read:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("reads blocked behind a write of another document")
	}

	close(fs.release)
	require.NoError(t, <-saved)
	d, err := co.Get(ctx, "slow")
	require.NoError(t, err)
	docs, err := co.List(ctx)
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.True(t, docs[1].UpdatedAt.Equal(d.UpdatedAt))
	assert.Zero(t, co.locks.held())
}

// A list read that overlaps a write must not leave its result in the cache.
func TestListIsNotCachedAcrossWrite(t *testing.T) {
	ctx := context.Background()
	fs := newFakeStore()
	co := newMemoryCoordinator(t, fs)
	_, err := co.Create(ctx, "d", "Doc")
	require.NoError(t, err)

	co.listMu.Lock()
	gen := co.listGen
	co.listMu.Unlock()
	_, err = co.SaveContent(ctx, "d", []byte("x"))
	require.NoError(t, err)
	assert.Greater(t, co.listGen, gen)

	stale := []store.Document{{ID: "d", Title: "stale"}}
	co.listMu.Lock()
	if co.listGen == gen {
		co.fill(ctx, listKey, stale)
	}
	co.listMu.Unlock()

	docs, err := co.List(ctx)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "Doc", docs[0].Title)
}

func TestCacheFailureFallsBackToStore(t *testing.T) {
	ctx := context.Background()
	fs := newFakeStore()
	co := NewCoordinator(fs, brokenCache{})

	_, err := co.Create(ctx, "d", "Doc")
	require.NoError(t, err)
	d, err := co.Get(ctx, "d")
	require.NoError(t, err)
	assert.Equal(t, "Doc", d.Title)
	docs, err := co.List(ctx)
	require.NoError(t, err)
	assert.Len(t, docs, 1)
	_, err = co.SaveContent(ctx, "d", []byte{1})
	require.NoError(t, err)
	require.NoError(t, co.Delete(ctx, "d"))
}

func TestStoreErrorsPropagate(t *testing.T) {
	ctx := context.Background()
	fs := newFakeStore()
	co := newMemoryCoordinator(t, fs)
	_, err := co.Create(ctx, "d", "Doc")
	require.NoError(t, err)

	fs.fail = errors.New("disk full")
	_, err = co.SaveContent(ctx, "d", []byte{1})
	assert.ErrorContains(t, err, "disk full")
}

func TestNotify(t *testing.T) {
	rn := &recordingNotifier{}
	co := NewCoordinator(newFakeStore(), brokenCache{}, WithNotifier(rn))
	at := time.Now()

	require.NoError(t, co.Notify(context.Background(), "d", at))
	require.Len(t, rn.got, 1)
	assert.Equal(t, Notification{DocID: "d", Timestamp: at}, rn.got[0])

	rn.err = errUnreachable
	assert.ErrorIs(t, co.Notify(context.Background(), "d", at), errUnreachable)
}
