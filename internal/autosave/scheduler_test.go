package autosave

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/buildsync/buildsync/internal/api"
)

type fakeSyncClient struct {
	mu       sync.Mutex
	requests []api.SyncRequest
	err      error
	result   api.SyncResult
	release  chan struct{}
}

func newFakeSyncClient() *fakeSyncClient {
	return &fakeSyncClient{result: api.SyncResult{Success: true}}
}

func (c *fakeSyncClient) SyncFile(_ context.Context, request api.SyncRequest) (api.SyncResult, error) {
	if c.release != nil {
		<-c.release
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requests = append(c.requests, request)
	return c.result, c.err
}

func (c *fakeSyncClient) calls() []api.SyncRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]api.SyncRequest, len(c.requests))
	copy(out, c.requests)
	return out
}

type fakeFiles struct {
	mu      sync.Mutex
	pending map[string]string
	saved   []string
}

func newFakeFiles() *fakeFiles {
	return &fakeFiles{pending: make(map[string]string)}
}

func (f *fakeFiles) setPending(path, content string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pending[path] = content
}

func (f *fakeFiles) PendingPaths() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	paths := make([]string, 0, len(f.pending))
	for path := range f.pending {
		paths = append(paths, path)
	}
	return paths
}

func (f *fakeFiles) Content(path string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	content, ok := f.pending[path]
	return content, ok
}

func (f *fakeFiles) MarkSaved(path string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.pending, path)
	f.saved = append(f.saved, path)
}

func (f *fakeFiles) savedPaths() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.saved))
	copy(out, f.saved)
	return out
}

func newTestScheduler(t *testing.T, client SyncClient, files FileSource, options ...Option) *Scheduler {
	t.Helper()

	base := []Option{
		WithDebounce(20 * time.Millisecond),
		WithCredentials(api.StaticCredentials("token")),
	}
	scheduler, err := New("proj-1", client, files, append(base, options...)...)
	require.NoError(t, err)
	t.Cleanup(scheduler.Close)
	return scheduler
}

func TestNewValidatesArguments(t *testing.T) {
	t.Parallel()

	_, err := New("  ", newFakeSyncClient(), newFakeFiles())
	require.Error(t, err)

	_, err = New("proj-1", nil, newFakeFiles())
	require.Error(t, err)

	_, err = New("proj-1", newFakeSyncClient(), nil)
	require.Error(t, err)
}

func TestScheduleSyncDebouncesBurstIntoOneWrite(t *testing.T) {
	t.Parallel()

	client := newFakeSyncClient()
	files := newFakeFiles()
	scheduler := newTestScheduler(t, client, files)

	scheduler.ScheduleSync("/src/App.tsx", "v1")
	scheduler.ScheduleSync("/src/App.tsx", "v2")
	scheduler.ScheduleSync("/src/App.tsx", "v3")

	require.Eventually(t, func() bool {
		return len(client.calls()) == 1
	}, time.Second, 5*time.Millisecond)

	calls := client.calls()
	assert.Equal(t, "v3", calls[0].Content, "only the final edit of the burst is written")
	assert.Equal(t, "proj-1", calls[0].ProjectID)

	assert.Eventually(t, func() bool {
		return len(files.savedPaths()) == 1
	}, time.Second, 5*time.Millisecond)

	// No trailing second write after the quiet period.
	time.Sleep(60 * time.Millisecond)
	assert.Len(t, client.calls(), 1)
}

func TestScheduleSyncIsNoOpWhenDisabled(t *testing.T) {
	t.Parallel()

	client := newFakeSyncClient()
	scheduler := newTestScheduler(t, client, newFakeFiles(), WithEnabled(false))

	scheduler.ScheduleSync("/src/App.tsx", "v1")
	time.Sleep(60 * time.Millisecond)
	assert.Empty(t, client.calls())
}

func TestSyncNowBypassesDebounce(t *testing.T) {
	t.Parallel()

	client := newFakeSyncClient()
	files := newFakeFiles()
	scheduler := newTestScheduler(t, client, files, WithDebounce(time.Hour))

	scheduler.ScheduleSync("/src/App.tsx", "stale")
	require.NoError(t, scheduler.SyncNow(context.Background(), "/src/App.tsx", "fresh"))

	calls := client.calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "fresh", calls[0].Content)

	// The replaced timer must not fire a second write.
	assert.False(t, scheduler.HasPendingChanges())
}

func TestFailureKeepsPathDirty(t *testing.T) {
	t.Parallel()

	client := newFakeSyncClient()
	client.err = errors.New("backend unavailable")
	files := newFakeFiles()
	scheduler := newTestScheduler(t, client, files)

	err := scheduler.SyncNow(context.Background(), "/src/App.tsx", "v1")
	require.Error(t, err)
	assert.True(t, scheduler.HasPendingChanges())
	assert.Equal(t, "backend unavailable", scheduler.LastError("/src/App.tsx"))
	assert.Empty(t, files.savedPaths())

	// Retry succeeds and clears the dirty state.
	client.err = nil
	require.NoError(t, scheduler.SyncNow(context.Background(), "/src/App.tsx", "v1"))
	assert.False(t, scheduler.HasPendingChanges())
	assert.Empty(t, scheduler.LastError("/src/App.tsx"))
}

func TestUnsuccessfulResultIsAFailure(t *testing.T) {
	t.Parallel()

	client := newFakeSyncClient()
	client.result = api.SyncResult{Success: false, Message: "validation failed"}
	scheduler := newTestScheduler(t, client, newFakeFiles())

	err := scheduler.SyncNow(context.Background(), "/src/App.tsx", "v1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "validation failed")
}

func TestMissingCredentialSkipsWriteSilently(t *testing.T) {
	t.Parallel()

	client := newFakeSyncClient()
	scheduler, err := New("proj-1", client, newFakeFiles(),
		WithDebounce(20*time.Millisecond),
		WithCredentials(api.StaticCredentials("")),
	)
	require.NoError(t, err)
	t.Cleanup(scheduler.Close)

	require.NoError(t, scheduler.SyncNow(context.Background(), "/src/App.tsx", "v1"))
	assert.Empty(t, client.calls())
	assert.True(t, scheduler.HasPendingChanges(), "skipped path stays dirty")
}

func TestEditDuringInFlightWriteDefersToFollowUp(t *testing.T) {
	t.Parallel()

	client := newFakeSyncClient()
	client.release = make(chan struct{})
	files := newFakeFiles()
	scheduler := newTestScheduler(t, client, files)

	scheduler.ScheduleSync("/src/App.tsx", "v1")

	// Wait for the first write to be in flight (blocked in the client).
	require.Eventually(t, func() bool {
		return scheduler.PendingCount() == 1 && scheduler.LastError("/src/App.tsx") == ""
	}, time.Second, 5*time.Millisecond)
	time.Sleep(40 * time.Millisecond)

	// A second edit lands mid-write and its timer fires while still blocked.
	scheduler.ScheduleSync("/src/App.tsx", "v2")
	time.Sleep(40 * time.Millisecond)
	assert.Empty(t, client.calls(), "no concurrent write may be issued")

	close(client.release)

	require.Eventually(t, func() bool {
		calls := client.calls()
		return len(calls) == 2 && calls[1].Content == "v2"
	}, time.Second, 5*time.Millisecond)
}

func TestSyncAllPendingWritesEveryStorePath(t *testing.T) {
	t.Parallel()

	client := newFakeSyncClient()
	files := newFakeFiles()
	files.setPending("/src/a.ts", "aaa")
	files.setPending("/src/b.ts", "bbb")
	scheduler := newTestScheduler(t, client, files)

	require.NoError(t, scheduler.SyncAllPending(context.Background()))

	calls := client.calls()
	require.Len(t, calls, 2)
	assert.ElementsMatch(t, []string{"/src/a.ts", "/src/b.ts"}, []string{calls[0].Path, calls[1].Path})
	assert.ElementsMatch(t, []string{"/src/a.ts", "/src/b.ts"}, files.savedPaths())
}

func TestPendingCountUnionsDirtyAndStorePending(t *testing.T) {
	t.Parallel()

	client := newFakeSyncClient()
	files := newFakeFiles()
	files.setPending("/src/store-only.ts", "x")
	scheduler := newTestScheduler(t, client, files, WithDebounce(time.Hour))

	scheduler.ScheduleSync("/src/dirty.ts", "y")

	assert.Equal(t, 2, scheduler.PendingCount())
	assert.True(t, scheduler.HasPendingChanges())
}

func TestCloseStopsPendingTimers(t *testing.T) {
	t.Parallel()

	client := newFakeSyncClient()
	scheduler := newTestScheduler(t, client, newFakeFiles())

	scheduler.ScheduleSync("/src/App.tsx", "v1")
	scheduler.Close()

	time.Sleep(60 * time.Millisecond)
	assert.Empty(t, client.calls())
}
