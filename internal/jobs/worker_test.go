package jobs

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/marketsync/internal/federation"
	"github.com/ajitpratap0/marketsync/internal/offset"
	"github.com/ajitpratap0/marketsync/internal/transfer"
	"github.com/ajitpratap0/marketsync/pkg/errors"
	"github.com/ajitpratap0/marketsync/pkg/testutil"
)

type recordingNotifier struct {
	mu   sync.Mutex
	sent []federation.Notification
}

func (n *recordingNotifier) Send(_ context.Context, msg federation.Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, msg)
	return nil
}

func (n *recordingNotifier) ofType(typ federation.NotificationType) []federation.Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []federation.Notification
	for _, msg := range n.sent {
		if msg.Type == typ {
			out = append(out, msg)
		}
	}
	return out
}

// fakeEngine creates the sync state on first use, like a transfer that got
// through its first batch, then returns err.
type fakeEngine struct {
	mu       sync.Mutex
	offsets  offset.Store
	err      error
	warnings []string
	calls    []transfer.Request
}

func (e *fakeEngine) Run(ctx context.Context, req transfer.Request) (*transfer.Result, error) {
	e.mu.Lock()
	e.calls = append(e.calls, req)
	e.mu.Unlock()

	state, err := e.offsets.Get(ctx, req.AssetID)
	if err != nil {
		return nil, err
	}
	if state == nil {
		if _, err := e.offsets.CreateInitial(ctx, req.AssetID, "storage-1", "v1"); err != nil {
			return nil, err
		}
		if err := e.offsets.Advance(ctx, req.AssetID, 100); err != nil {
			return nil, err
		}
	}
	if e.err != nil {
		return nil, e.err
	}
	return &transfer.Result{AssetID: req.AssetID, StorageID: "storage-1", RowsCommitted: 100, Warnings: e.warnings}, nil
}

func (e *fakeEngine) callCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.calls)
}

type workerHarness struct {
	queue    *RedisQueue
	clock    *testClock
	worker   *Worker
	offsets  offset.Store
	notifier *recordingNotifier
	engine   *fakeEngine
}

func newWorkerHarness(t *testing.T) *workerHarness {
	q, _, clock := newTestQueue(t)

	store, err := offset.NewSQLiteStore(filepath.Join(t.TempDir(), "offsets.db"))
	require.NoError(t, err)
	require.NoError(t, store.Migrate(context.Background()))
	t.Cleanup(func() { _ = store.Close() })

	h := &workerHarness{
		queue:    q,
		clock:    clock,
		offsets:  store,
		notifier: &recordingNotifier{},
		engine:   &fakeEngine{offsets: store},
	}
	log := testutil.TestLogger(t)
	h.worker = NewWorker(q, testQueueConfig(), log)
	h.worker.Handle(KindTransfer, NewTransferHandler(h.engine))
	h.worker.Handle(KindScheduledTransfer, NewScheduledHandler(h.engine, q, log))
	h.worker.Use(NewSyncLifecycle(store, h.notifier, log))
	return h
}

func (h *workerHarness) addTransfer(t *testing.T, assetID string) *Job {
	job, err := NewTransferJob(KindTransfer, "", transfer.Request{
		AssetID:      assetID,
		Requester:    transfer.Requester{UserID: "user-1", OrganizationID: "org-1"},
		AuthToken:    "token",
		ProviderName: "acme",
	})
	require.NoError(t, err)
	_, err = h.queue.Add(context.Background(), job, AddOptions{})
	require.NoError(t, err)
	return job
}

func (h *workerHarness) process(t *testing.T) bool {
	processed, err := h.worker.ProcessNext(testutil.TestContext(t))
	require.NoError(t, err)
	return processed
}

func TestWorker_SuccessTouchesStateAndNotifies(t *testing.T) {
	h := newWorkerHarness(t)
	job := h.addTransfer(t, "asset-1")

	assert.True(t, h.process(t))
	assert.False(t, h.process(t))

	stored, err := h.queue.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, stored.State)
	require.NotNil(t, stored.Result)
	assert.Equal(t, int64(100), stored.Result.Rows)

	state, err := h.offsets.Get(context.Background(), "asset-1")
	require.NoError(t, err)
	require.NotNil(t, state)

	succeeded := h.notifier.ofType(federation.NotificationSyncSucceeded)
	require.Len(t, succeeded, 1)
	assert.Equal(t, "user-1", succeeded[0].UserID)
	assert.Equal(t, "org-1", succeeded[0].OrganizationID)
	assert.Empty(t, h.notifier.ofType(federation.NotificationSyncFailed))
}

func TestWorker_SuccessWithWarnings(t *testing.T) {
	h := newWorkerHarness(t)
	h.engine.warnings = []string{"catalog unavailable"}
	h.addTransfer(t, "asset-1")

	assert.True(t, h.process(t))

	succeeded := h.notifier.ofType(federation.NotificationSyncSucceeded)
	require.Len(t, succeeded, 1)
	assert.Contains(t, succeeded[0].Message, "catalog unavailable")
}

func TestWorker_ExhaustedRetriesDeleteStateAndNotifyOnce(t *testing.T) {
	h := newWorkerHarness(t)
	h.engine.err = errors.New(errors.ErrorTypeTransientNetwork, "provider timeout")
	job := h.addTransfer(t, "asset-1")

	assert.True(t, h.process(t))
	state, err := h.offsets.Get(context.Background(), "asset-1")
	require.NoError(t, err)
	require.NotNil(t, state, "state survives a retryable failure so the retry resumes")
	assert.Equal(t, int64(100), state.Offset)
	assert.False(t, h.process(t), "retry must wait for its backoff")

	h.clock.Advance(3 * time.Second)
	assert.True(t, h.process(t))

	h.clock.Advance(6 * time.Second)
	assert.True(t, h.process(t))

	h.clock.Advance(time.Hour)
	assert.False(t, h.process(t))
	assert.Equal(t, 3, h.engine.callCount())

	stored, err := h.queue.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, stored.State)
	assert.Equal(t, 3, stored.Attempts)

	state, err = h.offsets.Get(context.Background(), "asset-1")
	require.NoError(t, err)
	assert.Nil(t, state)

	failed := h.notifier.ofType(federation.NotificationSyncFailed)
	require.Len(t, failed, 1)
	assert.Contains(t, failed[0].Message, "Please contact the data provider")
	assert.Empty(t, h.notifier.ofType(federation.NotificationSyncSucceeded))
}

func TestWorker_NonRetryableFailsOnFirstAttempt(t *testing.T) {
	h := newWorkerHarness(t)
	h.engine.err = errors.New(errors.ErrorTypeValidation, "provider rejected the query selector")
	h.addTransfer(t, "asset-1")

	assert.True(t, h.process(t))
	h.clock.Advance(time.Hour)
	assert.False(t, h.process(t))

	assert.Equal(t, 1, h.engine.callCount())
	assert.Len(t, h.notifier.ofType(federation.NotificationSyncFailed), 1)

	state, err := h.offsets.Get(context.Background(), "asset-1")
	require.NoError(t, err)
	assert.Nil(t, state)
}

func TestWorker_ConflictLeavesTheOtherRunsStateAlone(t *testing.T) {
	h := newWorkerHarness(t)
	ctx := context.Background()
	_, err := h.offsets.CreateInitial(ctx, "asset-1", "storage-0", "v0")
	require.NoError(t, err)
	require.NoError(t, h.offsets.Advance(ctx, "asset-1", 500))

	h.engine.err = errors.New(errors.ErrorTypeConflict, "sync state already exists")
	job := h.addTransfer(t, "asset-1")

	assert.True(t, h.process(t))

	stored, err := h.queue.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, stored.State)

	state, err := h.offsets.Get(ctx, "asset-1")
	require.NoError(t, err)
	require.NotNil(t, state)
	assert.Equal(t, int64(500), state.Offset)
	assert.Empty(t, h.notifier.ofType(federation.NotificationSyncFailed))
}

// blockingEngine holds its first run until release is closed.
type blockingEngine struct {
	*fakeEngine
	once    sync.Once
	started chan struct{}
	release chan struct{}
}

func (e *blockingEngine) Run(ctx context.Context, req transfer.Request) (*transfer.Result, error) {
	first := false
	e.once.Do(func() { first = true })
	if first {
		close(e.started)
		<-e.release
	}
	return e.fakeEngine.Run(ctx, req)
}

func TestWorker_SameAssetTransfersRunOneAtATime(t *testing.T) {
	h := newWorkerHarness(t)
	engine := &blockingEngine{fakeEngine: h.engine, started: make(chan struct{}), release: make(chan struct{})}
	h.worker.Handle(KindTransfer, NewTransferHandler(engine))
	first := h.addTransfer(t, "asset-1")
	second := h.addTransfer(t, "asset-1")

	done := make(chan error, 1)
	go func() {
		_, err := h.worker.ProcessNext(context.Background())
		done <- err
	}()
	select {
	case <-engine.started:
	case <-time.After(5 * time.Second):
		t.Fatal("first transfer did not start")
	}

	assert.True(t, h.process(t), "the second transfer is handed back")
	counts, err := h.queue.Counts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts[StateActive])
	assert.Equal(t, int64(1), counts[StateWaiting])

	close(engine.release)
	require.NoError(t, <-done)
	assert.Equal(t, 1, h.engine.callCount())

	h.clock.Advance(lockedRetryDelay)
	assert.True(t, h.process(t))
	assert.Equal(t, 2, h.engine.callCount())

	for _, job := range []*Job{first, second} {
		stored, err := h.queue.Get(context.Background(), job.ID)
		require.NoError(t, err)
		assert.Equal(t, StateCompleted, stored.State)
		assert.Equal(t, 1, stored.Attempts, "waiting for the lock does not use an attempt")
	}

	state, err := h.offsets.Get(context.Background(), "asset-1")
	require.NoError(t, err)
	require.NotNil(t, state)
	assert.Equal(t, int64(100), state.Offset)
	assert.Len(t, h.notifier.ofType(federation.NotificationSyncSucceeded), 2)
	assert.Empty(t, h.notifier.ofType(federation.NotificationSyncFailed))
}

func TestWorker_TakesBackJobsOfCrashedWorkers(t *testing.T) {
	h := newWorkerHarness(t)
	job := h.addTransfer(t, "asset-1")

	// claimed by a worker that dies before reporting back
	crashed, err := h.queue.Claim(context.Background())
	require.NoError(t, err)
	require.NotNil(t, crashed)
	assert.False(t, h.process(t))

	h.clock.Advance(time.Minute + time.Millisecond)
	assert.False(t, h.process(t), "taken back behind its retry backoff")

	stored, err := h.queue.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, StateWaiting, stored.State)
	assert.Equal(t, 1, stored.Attempts)
	assert.Contains(t, stored.LastError, "lease expired")

	h.clock.Advance(3 * time.Second)
	assert.True(t, h.process(t))

	stored, err = h.queue.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, stored.State)
	assert.Equal(t, 2, stored.Attempts)
	assert.Len(t, h.notifier.ofType(federation.NotificationSyncSucceeded), 1)
	assert.Empty(t, h.notifier.ofType(federation.NotificationSyncFailed))
}

func TestWorker_PanicIsAFailedAttempt(t *testing.T) {
	h := newWorkerHarness(t)
	calls := 0
	h.worker.Handle(KindTransfer, HandlerFunc(func(context.Context, *Job) error {
		calls++
		if calls == 1 {
			panic("boom")
		}
		return nil
	}))
	job := h.addTransfer(t, "asset-1")

	assert.True(t, h.process(t))
	stored, err := h.queue.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, StateWaiting, stored.State)
	assert.Contains(t, stored.LastError, "panicked")

	h.clock.Advance(3 * time.Second)
	assert.True(t, h.process(t))
	stored, err = h.queue.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, stored.State)
}

func TestWorker_LeavesKindsWithoutHandlerWaiting(t *testing.T) {
	h := newWorkerHarness(t)
	job := &Job{ID: TeardownID("asset-1"), Kind: KindConnectorTeardown, Payload: []byte(`{"assetId":"asset-1"}`)}
	_, err := h.queue.Add(context.Background(), job, AddOptions{Mode: AddIfAbsent})
	require.NoError(t, err)

	assert.False(t, h.process(t))
	h.clock.Advance(time.Hour)
	assert.False(t, h.process(t))

	stored, err := h.queue.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, StateWaiting, stored.State)
	assert.Equal(t, 0, stored.Attempts)
	assert.Empty(t, stored.LastError)

	manager := &fakeTeardowner{}
	h.worker.Handle(KindConnectorTeardown, NewTeardownHandler(manager))
	assert.True(t, h.process(t))
	assert.Equal(t, []string{"asset-1"}, manager.assets)
}

func TestWorker_Run(t *testing.T) {
	h := newWorkerHarness(t)
	for _, id := range []string{"asset-1", "asset-2", "asset-3"} {
		h.addTransfer(t, id)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.worker.Run(ctx) }()

	testutil.AssertEventually(t, func() bool {
		counts, err := h.queue.Counts(context.Background())
		return err == nil && counts[StateCompleted] == 3
	}, 5*time.Second, "all transfers complete")

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop")
	}
	assert.Len(t, h.notifier.ofType(federation.NotificationSyncSucceeded), 3)
}
