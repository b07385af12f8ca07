package indexer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/polkaview/indexer/infrastructure/chain"
	"github.com/polkaview/indexer/infrastructure/metrics"
)

// =============================================================================
// Fakes
// =============================================================================

func heightHash(h uint32) string {
	return fmt.Sprintf("0x%08x", h)
}

func headerJSON(h uint32) json.RawMessage {
	payload, _ := json.Marshal(map[string]interface{}{
		"parentHash":     heightHash(h - 1),
		"number":         chain.FormatHexNumber(h),
		"stateRoot":      "0x00",
		"extrinsicsRoot": "0x00",
		"digest":         map[string]interface{}{"logs": []string{}},
	})
	return payload
}

type fakeStore struct {
	mu             sync.Mutex
	highest        uint32
	storedHashes   map[uint32]string
	finalizedCalls [][2]uint32
	pruneCalls     []struct {
		Height uint32
		Hash   string
	}
	scanResult []uint32
}

func newFakeStore() *fakeStore {
	return &fakeStore{storedHashes: make(map[uint32]string)}
}

func (s *fakeStore) HighestFinalized(ctx context.Context) (uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.highest, nil
}

func (s *fakeStore) FinalizeRange(ctx context.Context, from, to uint32) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finalizedCalls = append(s.finalizedCalls, [2]uint32{from, to})
	return int64(to - from), nil
}

func (s *fakeStore) BlockHashAt(ctx context.Context, height uint32) (string, BlockStatus, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	hash, ok := s.storedHashes[height]
	return hash, StatusBest, ok, nil
}

func (s *fakeStore) PruneForkedBest(ctx context.Context, height uint32, finalizedHash string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruneCalls = append(s.pruneCalls, struct {
		Height uint32
		Hash   string
	}{height, finalizedHash})
	return 1, nil
}

func (s *fakeStore) ConsistencyScan(ctx context.Context, from, to uint32) ([]uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scanResult, nil
}

type fakeFetcher struct {
	mu       sync.Mutex
	failures map[uint32]int // height -> remaining failures
}

func (f *fakeFetcher) FetchBlock(ctx context.Context, height uint32) (*RawBlock, error) {
	f.mu.Lock()
	if f.failures[height] > 0 {
		f.failures[height]--
		f.mu.Unlock()
		return nil, errors.New("transient fetch failure")
	}
	f.mu.Unlock()

	// Stagger completion so commits must reorder.
	time.Sleep(time.Duration(height%5) * time.Millisecond)

	return &RawBlock{
		Height:     height,
		Hash:       heightHash(height),
		ParentHash: heightHash(height - 1),
	}, nil
}

type fakeProcessor struct {
	mu        sync.Mutex
	committed []uint32
	statuses  map[uint32]BlockStatus
	failures  map[uint32]bool // heights that always fail
}

func newFakeProcessor() *fakeProcessor {
	return &fakeProcessor{
		statuses: make(map[uint32]BlockStatus),
		failures: make(map[uint32]bool),
	}
}

func (p *fakeProcessor) Process(ctx context.Context, block *RawBlock, status BlockStatus) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failures[block.Height] {
		return errors.New("processing failed")
	}
	p.committed = append(p.committed, block.Height)
	p.statuses[block.Height] = status
	return nil
}

func (p *fakeProcessor) committedCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.committed)
}

type fakeRPC struct {
	mu        sync.Mutex
	finalized uint32
	best      uint32
	canonical map[uint32]string
}

func (r *fakeRPC) Call(ctx context.Context, method string, params []interface{}) (json.RawMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch method {
	case "chain_getFinalizedHead":
		return json.Marshal(heightHash(r.finalized))
	case "chain_getHeader":
		if len(params) == 0 {
			return headerJSON(r.best), nil
		}
		hash, _ := params[0].(string)
		var h uint32
		fmt.Sscanf(hash, "0x%08x", &h)
		return headerJSON(h), nil
	case "chain_getBlockHash":
		h, _ := params[0].(uint32)
		if hash, ok := r.canonical[h]; ok {
			return json.Marshal(hash)
		}
		return json.Marshal(heightHash(h))
	}
	return nil, fmt.Errorf("unexpected method %s", method)
}

type fakeStream struct {
	ch chan json.RawMessage
}

func (s *fakeStream) Events() <-chan json.RawMessage        { return s.ch }
func (s *fakeStream) Unsubscribe(ctx context.Context) error { return nil }

type fakeSubClient struct {
	rpc    *fakeRPC
	closed chan struct{}
}

func (c *fakeSubClient) Subscribe(ctx context.Context, method, unsubMethod string, params []interface{}) (HeadStream, error) {
	return &fakeStream{ch: make(chan json.RawMessage)}, nil
}

func (c *fakeSubClient) Call(ctx context.Context, method string, params []interface{}) (json.RawMessage, error) {
	return c.rpc.Call(ctx, method, params)
}

func (c *fakeSubClient) Closed() <-chan struct{} { return c.closed }

func (c *fakeSubClient) Close() error { return nil }

// =============================================================================
// Harness
// =============================================================================

type pipelineHarness struct {
	pipeline  *Pipeline
	store     *fakeStore
	fetcher   *fakeFetcher
	processor *fakeProcessor
	rpc       *fakeRPC
	collector *metrics.Collector
}

func newHarness(t *testing.T, finalizedTip uint32) *pipelineHarness {
	t.Helper()

	cfg := validConfig()
	cfg.StopTimeout = 5 * time.Second
	cfg.ExpectedBlockTime = time.Minute // keep live state stable in tests

	store := newFakeStore()
	fetcher := &fakeFetcher{failures: make(map[uint32]int)}
	processor := newFakeProcessor()
	rpc := &fakeRPC{finalized: finalizedTip, best: finalizedTip, canonical: make(map[uint32]string)}
	collector := metrics.NewWithRegistry("pipeline-test", nil)

	p := NewPipeline(cfg, PipelineDeps{
		Store:     store,
		Fetcher:   fetcher,
		Processor: processor,
		RPC:       rpc,
		DialSub: func(ctx context.Context) (SubscriptionClient, error) {
			return &fakeSubClient{rpc: rpc, closed: make(chan struct{})}, nil
		},
		Collector: collector,
	})

	return &pipelineHarness{
		pipeline:  p,
		store:     store,
		fetcher:   fetcher,
		processor: processor,
		rpc:       rpc,
		collector: collector,
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}

// =============================================================================
// Tests
// =============================================================================

func TestPipelineColdStartCommitsInOrder(t *testing.T) {
	h := newHarness(t, 100)

	if err := h.pipeline.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer h.pipeline.Stop()

	waitFor(t, 10*time.Second, func() bool {
		return h.processor.committedCount() >= 100
	}, "100 blocks committed")

	h.processor.mu.Lock()
	committed := append([]uint32(nil), h.processor.committed...)
	statuses := make(map[uint32]BlockStatus, len(h.processor.statuses))
	for k, v := range h.processor.statuses {
		statuses[k] = v
	}
	h.processor.mu.Unlock()

	if len(committed) != 100 {
		t.Fatalf("committed %d blocks, want 100", len(committed))
	}
	for i, height := range committed {
		if height != uint32(i+1) {
			t.Fatalf("commit %d was height %d, want %d (strict order)", i, height, i+1)
		}
		if statuses[height] != StatusFinalized {
			t.Errorf("height %d status = %s, want finalized", height, statuses[height])
		}
	}

	waitFor(t, 2*time.Second, func() bool {
		return h.pipeline.Status().State == StateLive
	}, "live state")

	status := h.pipeline.Status()
	if status.IndexedHeight != 100 {
		t.Errorf("IndexedHeight = %d, want 100", status.IndexedHeight)
	}
	if snap := h.collector.Snapshot(); snap.BlocksProcessed != 100 {
		t.Errorf("BlocksProcessed = %d, want 100", snap.BlocksProcessed)
	}
}

func TestPipelineResumesFromStore(t *testing.T) {
	h := newHarness(t, 60)
	h.store.highest = 50

	if err := h.pipeline.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer h.pipeline.Stop()

	waitFor(t, 5*time.Second, func() bool {
		return h.processor.committedCount() >= 10
	}, "backfill of 51..60")

	h.processor.mu.Lock()
	first := h.processor.committed[0]
	h.processor.mu.Unlock()
	if first != 51 {
		t.Errorf("first committed height = %d, want 51", first)
	}
}

func TestPipelineTransientFetchFailureRecovers(t *testing.T) {
	h := newHarness(t, 10)
	h.fetcher.mu.Lock()
	h.fetcher.failures[3] = 1
	h.fetcher.mu.Unlock()

	if err := h.pipeline.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer h.pipeline.Stop()

	waitFor(t, 10*time.Second, func() bool {
		return h.processor.committedCount() >= 10
	}, "all 10 blocks committed despite fetch failure")

	h.processor.mu.Lock()
	committed := append([]uint32(nil), h.processor.committed...)
	h.processor.mu.Unlock()
	for i, height := range committed[:10] {
		if height != uint32(i+1) {
			t.Fatalf("commit %d was height %d, want %d", i, height, i+1)
		}
	}

	if snap := h.collector.Snapshot(); snap.ErrorCount == 0 {
		t.Error("ErrorCount = 0, want at least one recorded fetch failure")
	}
}

func TestPipelineSkipsFailedHeightBeyondLookback(t *testing.T) {
	h := newHarness(t, 150)
	h.processor.mu.Lock()
	h.processor.failures[2] = true
	h.processor.mu.Unlock()

	if err := h.pipeline.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer h.pipeline.Stop()

	// Height 2 is 148 below the finalized tip (lookback 100): it is skipped
	// and the pipeline continues.
	waitFor(t, 10*time.Second, func() bool {
		return h.processor.committedCount() >= 20
	}, "pipeline continues past the skipped height")

	h.processor.mu.Lock()
	defer h.processor.mu.Unlock()
	for _, height := range h.processor.committed {
		if height == 2 {
			t.Fatal("height 2 should never commit")
		}
	}
	if h.processor.committed[0] != 1 || h.processor.committed[1] != 3 {
		t.Errorf("commit order = %v..., want 1 then 3", h.processor.committed[:2])
	}
}

func TestHandleCommitErrorRecentHeightEntersErrorState(t *testing.T) {
	h := newHarness(t, 0)
	p := h.pipeline

	p.mu.Lock()
	p.state = StateSyncing
	p.nextToCommit = 150
	p.nextToFetch = 160
	p.inflight[150] = &fetchState{done: true}
	p.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	cancel() // skip the error backoff sleep

	p.handleCommitError(ctx, 150, 160, errors.New("handler exploded"))

	status := p.Status()
	if status.State != StateError {
		t.Errorf("state = %s, want error", status.State)
	}
	if status.LastError == "" {
		t.Error("LastError should be recorded")
	}

	p.mu.Lock()
	if p.nextToFetch != 150 {
		t.Errorf("nextToFetch = %d, want reset to 150 for refetch", p.nextToFetch)
	}
	if p.nextToCommit != 150 {
		t.Errorf("nextToCommit = %d, want unchanged 150", p.nextToCommit)
	}
	p.mu.Unlock()
}

func TestPipelineForkReconciliation(t *testing.T) {
	h := newHarness(t, 0)
	p := h.pipeline

	// Best block A is stored at height 50; the chain finalizes hash B there.
	h.store.mu.Lock()
	h.store.storedHashes[50] = "0xAAAA"
	h.store.mu.Unlock()
	h.rpc.mu.Lock()
	h.rpc.canonical[50] = "0xBBBB"
	h.rpc.mu.Unlock()

	p.mu.Lock()
	p.state = StateSyncing
	p.nextToCommit = 51
	p.nextToFetch = 51
	p.lastFinalized = 49
	p.chainTip = 50
	p.mu.Unlock()

	var header chain.Header
	if err := json.Unmarshal(headerJSON(50), &header); err != nil {
		t.Fatal(err)
	}
	p.onFinalizedHead(&header)

	h.store.mu.Lock()
	defer h.store.mu.Unlock()

	if len(h.store.finalizedCalls) != 1 || h.store.finalizedCalls[0] != [2]uint32{49, 50} {
		t.Errorf("FinalizeRange calls = %v, want [(49,50)]", h.store.finalizedCalls)
	}
	if len(h.store.pruneCalls) != 1 {
		t.Fatalf("PruneForkedBest calls = %d, want 1", len(h.store.pruneCalls))
	}
	if h.store.pruneCalls[0].Height != 50 || h.store.pruneCalls[0].Hash != "0xBBBB" {
		t.Errorf("prune call = %+v, want height 50 hash 0xBBBB", h.store.pruneCalls[0])
	}

	// The canonical block is queued for re-fetch.
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.repairQueue) != 1 || p.repairQueue[0] != 50 {
		t.Errorf("repairQueue = %v, want [50]", p.repairQueue)
	}
}

func TestRepairFiltersAndDeduplicates(t *testing.T) {
	h := newHarness(t, 0)
	p := h.pipeline

	p.mu.Lock()
	p.nextToCommit = 10
	p.mu.Unlock()

	p.Repair([]uint32{5, 5, 0, 9, 10, 999})

	p.mu.Lock()
	defer p.mu.Unlock()
	want := []uint32{5, 9}
	if len(p.repairQueue) != len(want) {
		t.Fatalf("repairQueue = %v, want %v", p.repairQueue, want)
	}
	for i := range want {
		if p.repairQueue[i] != want[i] {
			t.Errorf("repairQueue[%d] = %d, want %d", i, p.repairQueue[i], want[i])
		}
	}
}

func TestRecomputeStateTransitions(t *testing.T) {
	h := newHarness(t, 0)
	p := h.pipeline

	p.mu.Lock()
	defer p.mu.Unlock()

	// idle -> syncing on gap
	p.state = StateIdle
	p.nextToCommit = 1
	p.chainTip = 100
	p.recomputeStateLocked()
	if p.state != StateSyncing {
		t.Errorf("state = %s, want syncing", p.state)
	}

	// syncing -> live when caught up with a recent commit
	p.nextToCommit = 101
	p.lastCommitAt = time.Now()
	p.recomputeStateLocked()
	if p.state != StateLive {
		t.Errorf("state = %s, want live", p.state)
	}

	// live -> syncing when more than W behind
	p.chainTip = p.nextToCommit + uint32(p.cfg.InflightWindow) + 10
	p.recomputeStateLocked()
	if p.state != StateSyncing {
		t.Errorf("state = %s, want syncing after falling behind", p.state)
	}

	// error state is sticky for recompute
	p.state = StateError
	p.recomputeStateLocked()
	if p.state != StateError {
		t.Errorf("state = %s, want error to persist", p.state)
	}
}

func TestPipelineStopIsGraceful(t *testing.T) {
	h := newHarness(t, 1000)

	if err := h.pipeline.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	waitFor(t, 5*time.Second, func() bool {
		return h.processor.committedCount() > 0
	}, "first commit")

	if err := h.pipeline.Stop(); err != nil {
		t.Errorf("Stop() error = %v", err)
	}

	// Stopped pipeline accepts Stop again as a no-op.
	if err := h.pipeline.Stop(); err != nil {
		t.Errorf("second Stop() error = %v", err)
	}

	count := h.processor.committedCount()
	time.Sleep(300 * time.Millisecond)
	if got := h.processor.committedCount(); got != count {
		t.Errorf("commits continued after Stop(): %d -> %d", count, got)
	}
}

func TestNewPipelineRequiresCollector(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("NewPipeline() without a collector should panic")
		}
	}()
	NewPipeline(validConfig(), PipelineDeps{})
}

func TestPipelineStartTwiceFails(t *testing.T) {
	h := newHarness(t, 5)

	if err := h.pipeline.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer h.pipeline.Stop()

	if err := h.pipeline.Start(context.Background()); err == nil {
		t.Error("second Start() should fail")
	}
}

func TestConsistencyCheckDelegates(t *testing.T) {
	h := newHarness(t, 0)
	h.store.scanResult = []uint32{7, 9}

	p := h.pipeline
	p.mu.Lock()
	p.nextToCommit = 20
	p.mu.Unlock()

	bad, err := p.ConsistencyCheck(context.Background(), 1, 0)
	if err != nil {
		t.Fatalf("ConsistencyCheck() error = %v", err)
	}
	if len(bad) != 2 || bad[0] != 7 || bad[1] != 9 {
		t.Errorf("ConsistencyCheck() = %v, want [7 9]", bad)
	}
}
