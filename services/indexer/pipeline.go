package indexer

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/polkaview/indexer/infrastructure/chain"
	ierrors "github.com/polkaview/indexer/infrastructure/errors"
	"github.com/polkaview/indexer/infrastructure/metrics"
)

const (
	reconnectBaseDelay = time.Second
	reconnectMaxDelay  = 30 * time.Second

	// commitErrorBackoff is the pause before retrying a height whose commit
	// failed non-retryably.
	commitErrorBackoff = 5 * time.Second

	schedulerTick = 250 * time.Millisecond
	committerTick = 200 * time.Millisecond
)

// =============================================================================
// Dependency Surfaces
// =============================================================================

// BlockFetcher retrieves one block by height.
type BlockFetcher interface {
	FetchBlock(ctx context.Context, height uint32) (*RawBlock, error)
}

// BlockProcessor commits one block transactionally.
type BlockProcessor interface {
	Process(ctx context.Context, block *RawBlock, status BlockStatus) error
}

// PipelineStore is the slice of storage the pipeline drives directly.
type PipelineStore interface {
	HighestFinalized(ctx context.Context) (uint32, error)
	FinalizeRange(ctx context.Context, from, to uint32) (int64, error)
	BlockHashAt(ctx context.Context, height uint32) (hash string, status BlockStatus, found bool, err error)
	PruneForkedBest(ctx context.Context, height uint32, finalizedHash string) (int, error)
	ConsistencyScan(ctx context.Context, from, to uint32) ([]uint32, error)
}

// RPCCaller is the one-shot RPC surface (satisfied by chain.Pool).
type RPCCaller interface {
	Call(ctx context.Context, method string, params []interface{}) (json.RawMessage, error)
}

// HeadStream is a live header subscription (satisfied by chain.Subscription).
type HeadStream interface {
	Events() <-chan json.RawMessage
	Unsubscribe(ctx context.Context) error
}

// SubscriptionClient is a dedicated subscription socket.
type SubscriptionClient interface {
	Subscribe(ctx context.Context, method, unsubMethod string, params []interface{}) (HeadStream, error)
	Call(ctx context.Context, method string, params []interface{}) (json.RawMessage, error)
	Closed() <-chan struct{}
	Close() error
}

// DialSubFunc establishes a subscription socket.
type DialSubFunc func(ctx context.Context) (SubscriptionClient, error)

// wsSubClient adapts chain.WSClient to SubscriptionClient.
type wsSubClient struct {
	*chain.WSClient
}

func (c wsSubClient) Subscribe(ctx context.Context, method, unsubMethod string, params []interface{}) (HeadStream, error) {
	return c.WSClient.Subscribe(ctx, method, unsubMethod, params)
}

// PipelineDeps wires the pipeline's collaborators.
type PipelineDeps struct {
	Store     PipelineStore
	Fetcher   BlockFetcher
	Processor BlockProcessor
	RPC       RPCCaller
	DialSub   DialSubFunc
	Collector *metrics.Collector
}

// =============================================================================
// Pipeline
// =============================================================================

// fetchState tracks one inflight height.
type fetchState struct {
	started time.Time
	done    bool
	block   *RawBlock
	err     error
}

// Pipeline orchestrates ingestion: it subscribes to head updates, schedules
// parallel fetches over a bounded inflight window, and commits blocks in
// strictly increasing height order.
type Pipeline struct {
	cfg       *Config
	store     PipelineStore
	fetcher   BlockFetcher
	processor BlockProcessor
	rpc       RPCCaller
	dialSub   DialSubFunc
	collector *metrics.Collector
	log       *logrus.Entry

	mu            sync.Mutex
	state         PipelineState
	nextToFetch   uint32
	nextToCommit  uint32
	chainTip      uint32 // highest head observed, best or finalized
	lastFinalized uint32
	inflight      map[uint32]*fetchState
	repairQueue   []uint32
	fetchRetries  map[uint32]int
	lastCommitAt  time.Time
	lastErr       error
	running       bool

	wake   chan struct{}
	commit chan struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup
	taskWG sync.WaitGroup
}

// NewPipeline creates the pipeline. Every dependency, the metrics collector
// included, is passed in by the owning service; there is no ambient fallback.
func NewPipeline(cfg *Config, deps PipelineDeps) *Pipeline {
	if deps.Collector == nil {
		panic("indexer: pipeline requires a metrics collector")
	}

	return &Pipeline{
		cfg:          cfg,
		store:        deps.Store,
		fetcher:      deps.Fetcher,
		processor:    deps.Processor,
		rpc:          deps.RPC,
		dialSub:      deps.DialSub,
		collector:    deps.Collector,
		log:          logrus.WithField("component", "indexer-pipeline"),
		state:        StateIdle,
		inflight:     make(map[uint32]*fetchState),
		fetchRetries: make(map[uint32]int),
		wake:         make(chan struct{}, 1),
		commit:       make(chan struct{}, 1),
	}
}

// Start reconciles against the store and chain tip, then launches the
// subscription readers, the fetch scheduler, and the committer. Non-blocking.
func (p *Pipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return fmt.Errorf("pipeline already running")
	}
	p.running = true
	p.mu.Unlock()

	if err := p.reconcile(ctx); err != nil {
		p.mu.Lock()
		p.running = false
		p.mu.Unlock()
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel

	p.wg.Add(4)
	go p.runSubscription(runCtx, "chain_subscribeNewHeads", "chain_unsubscribeNewHeads", p.onNewHead)
	go p.runSubscription(runCtx, "chain_subscribeFinalizedHeads", "chain_unsubscribeFinalizedHeads", p.onFinalizedHead)
	go p.schedulerLoop(runCtx)
	go p.committerLoop(runCtx)

	return nil
}

// Stop cancels all activities and waits for them to finish, bounded by the
// configured stop deadline. The committer never leaves a transaction open;
// cancellation mid-block rolls back.
func (p *Pipeline) Stop() error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	cancel := p.cancel
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		p.taskWG.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(p.cfg.StopTimeout):
		return ierrors.Timeout("pipeline stop")
	}
}

// reconcile implements startup: resume from the store's highest finalized
// height and read the current finalized tip. Restart backfill needs no
// special path; the scheduler fills the gap like any other.
func (p *Pipeline) reconcile(ctx context.Context) error {
	highest, err := p.store.HighestFinalized(ctx)
	if err != nil {
		return ierrors.Fatal("read highest finalized height", err)
	}

	next := highest + 1
	if highest == 0 && p.cfg.StartHeight > 0 {
		next = p.cfg.StartHeight
	}

	tip, _, err := p.finalizedTip(ctx)
	if err != nil {
		return ierrors.Fatal("read finalized tip", err)
	}

	p.mu.Lock()
	p.nextToCommit = next
	p.nextToFetch = next
	p.lastFinalized = tip
	p.chainTip = tip
	if tip >= next {
		p.setStateLocked(StateSyncing)
	} else {
		p.setStateLocked(StateLive)
	}
	p.mu.Unlock()

	p.collector.SetChainTip(tip)
	p.log.WithFields(logrus.Fields{
		"next_to_commit": next,
		"chain_tip":      tip,
	}).Info("pipeline reconciled")

	return nil
}

// finalizedTip reads the finalized head height and hash via one-shot RPC.
func (p *Pipeline) finalizedTip(ctx context.Context) (uint32, string, error) {
	raw, err := p.rpc.Call(ctx, "chain_getFinalizedHead", nil)
	if err != nil {
		return 0, "", err
	}
	var hash string
	if err := json.Unmarshal(raw, &hash); err != nil {
		return 0, "", fmt.Errorf("decode finalized head hash: %w", err)
	}

	header, err := p.headerAt(ctx, hash)
	if err != nil {
		return 0, "", err
	}
	height, err := header.Height()
	if err != nil {
		return 0, "", err
	}
	return height, hash, nil
}

func (p *Pipeline) headerAt(ctx context.Context, hash string) (*chain.Header, error) {
	params := []interface{}{}
	if hash != "" {
		params = append(params, hash)
	}
	raw, err := p.rpc.Call(ctx, "chain_getHeader", params)
	if err != nil {
		return nil, err
	}
	var header chain.Header
	if err := json.Unmarshal(raw, &header); err != nil {
		return nil, fmt.Errorf("decode header: %w", err)
	}
	return &header, nil
}

// =============================================================================
// Subscriptions
// =============================================================================

// runSubscription keeps one header subscription alive, reconnecting with
// exponential backoff. After every (re)connect it injects a synthetic head
// read so gap detection catches anything missed while disconnected.
func (p *Pipeline) runSubscription(ctx context.Context, method, unsubMethod string, handler func(*chain.Header)) {
	defer p.wg.Done()

	log := p.log.WithField("subscription", method)
	delay := reconnectBaseDelay

	for {
		if ctx.Err() != nil {
			return
		}

		client, err := p.dialSub(ctx)
		if err != nil {
			log.WithError(err).Warn("subscription dial failed")
			if !sleepCtx(ctx, delay) {
				return
			}
			delay = nextBackoff(delay)
			continue
		}

		stream, err := client.Subscribe(ctx, method, unsubMethod, nil)
		if err != nil {
			log.WithError(err).Warn("subscribe failed")
			client.Close()
			if !sleepCtx(ctx, delay) {
				return
			}
			delay = nextBackoff(delay)
			continue
		}

		delay = reconnectBaseDelay
		p.injectSyntheticHeads(ctx, client)

		p.readStream(ctx, stream, handler)
		client.Close()
		log.Info("subscription closed, reconnecting")

		if !sleepCtx(ctx, delay) {
			return
		}
		delay = nextBackoff(delay)
	}
}

func (p *Pipeline) readStream(ctx context.Context, stream HeadStream, handler func(*chain.Header)) {
	for {
		select {
		case <-ctx.Done():
			unsubCtx, cancel := context.WithTimeout(context.Background(), time.Second)
			stream.Unsubscribe(unsubCtx)
			cancel()
			return
		case raw, ok := <-stream.Events():
			if !ok {
				return
			}
			var header chain.Header
			if err := json.Unmarshal(raw, &header); err != nil {
				p.log.WithError(err).Warn("malformed header notification")
				continue
			}
			handler(&header)
		}
	}
}

// injectSyntheticHeads re-reads both heads after a (re)connect so missed
// headers fall into gap detection.
func (p *Pipeline) injectSyntheticHeads(ctx context.Context, client SubscriptionClient) {
	if raw, err := client.Call(ctx, "chain_getHeader", []interface{}{}); err == nil {
		var header chain.Header
		if json.Unmarshal(raw, &header) == nil {
			p.onNewHead(&header)
		}
	}

	if raw, err := client.Call(ctx, "chain_getFinalizedHead", nil); err == nil {
		var hash string
		if json.Unmarshal(raw, &hash) == nil {
			if header, err := p.headerAt(ctx, hash); err == nil {
				p.onFinalizedHead(header)
			}
		}
	}
}

// onNewHead advances the chain tip from a best-head header.
func (p *Pipeline) onNewHead(header *chain.Header) {
	height, err := header.Height()
	if err != nil {
		p.log.WithError(err).Warn("bad new head height")
		return
	}

	p.mu.Lock()
	if height > p.chainTip {
		p.chainTip = height
	}
	p.recomputeStateLocked()
	p.mu.Unlock()

	p.collector.SetChainTip(height)
	p.signal(p.wake)
}

// onFinalizedHead upgrades newly finalized blocks and reconciles forks.
func (p *Pipeline) onFinalizedHead(header *chain.Header) {
	height, err := header.Height()
	if err != nil {
		p.log.WithError(err).Warn("bad finalized head height")
		return
	}

	p.mu.Lock()
	old := p.lastFinalized
	if height <= old {
		p.mu.Unlock()
		return
	}
	p.lastFinalized = height
	if height > p.chainTip {
		p.chainTip = height
	}
	p.recomputeStateLocked()
	p.mu.Unlock()

	p.collector.SetChainTip(height)

	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.RPCCallTimeout)
	defer cancel()

	if _, err := p.store.FinalizeRange(ctx, old, height); err != nil {
		p.log.WithError(err).Error("finalize range")
		p.collector.RecordError()
	}

	p.reconcileFork(ctx, height)

	p.signal(p.wake)
	p.signal(p.commit)
}

// reconcileFork checks the stored block at the newly finalized height against
// the canonical hash and prunes a diverged best chain.
func (p *Pipeline) reconcileFork(ctx context.Context, height uint32) {
	raw, err := p.rpc.Call(ctx, "chain_getBlockHash", []interface{}{height})
	if err != nil {
		p.log.WithError(err).Warn("fork check: canonical hash")
		return
	}
	var canonical string
	if err := json.Unmarshal(raw, &canonical); err != nil || canonical == "" {
		return
	}

	stored, _, found, err := p.store.BlockHashAt(ctx, height)
	if err != nil {
		p.log.WithError(err).Warn("fork check: stored hash")
		return
	}
	if !found || stored == canonical {
		return
	}

	pruned, err := p.store.PruneForkedBest(ctx, height, canonical)
	if err != nil {
		p.log.WithError(err).Error("fork pruning")
		p.collector.RecordError()
		return
	}

	p.log.WithFields(logrus.Fields{
		"height":    height,
		"canonical": canonical,
		"pruned":    pruned,
	}).Info("pruned forked best chain")

	// Re-fetch the canonical chain for the pruned range: every committed
	// height from the finalized one up to the commit cursor.
	p.mu.Lock()
	next := p.nextToCommit
	p.mu.Unlock()
	var heights []uint32
	for h := height; h < next; h++ {
		heights = append(heights, h)
	}
	p.Repair(heights)
}

// =============================================================================
// Work Scheduling
// =============================================================================

func (p *Pipeline) schedulerLoop(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(schedulerTick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.wake:
		case <-ticker.C:
		}
		p.dispatchFetches(ctx)
	}
}

// dispatchFetches fills the inflight window: repair heights first, then the
// frontier. Fetches pause whenever the window is full, providing
// backpressure.
func (p *Pipeline) dispatchFetches(ctx context.Context) {
	for {
		p.mu.Lock()

		if len(p.inflight) >= p.cfg.InflightWindow {
			p.mu.Unlock()
			return
		}

		var height uint32
		repair := false
		switch {
		case len(p.repairQueue) > 0:
			height = p.repairQueue[0]
			p.repairQueue = p.repairQueue[1:]
			repair = true
			if _, busy := p.inflight[height]; busy {
				p.mu.Unlock()
				continue
			}
		case p.nextToFetch <= p.chainTip && p.nextToFetch < p.nextToCommit+uint32(p.cfg.InflightWindow):
			height = p.nextToFetch
			p.nextToFetch++
			// A retried height may walk the cursor back over work that is
			// still inflight or already fetched.
			if _, busy := p.inflight[height]; busy {
				p.mu.Unlock()
				continue
			}
		default:
			p.mu.Unlock()
			return
		}

		p.inflight[height] = &fetchState{started: time.Now()}
		p.mu.Unlock()

		p.taskWG.Add(1)
		go p.fetchTask(ctx, height, repair)
	}
}

func (p *Pipeline) fetchTask(ctx context.Context, height uint32, repair bool) {
	defer p.taskWG.Done()

	block, err := p.fetcher.FetchBlock(ctx, height)

	if repair {
		p.finishRepair(ctx, height, block, err)
		return
	}

	p.mu.Lock()
	entry, tracked := p.inflight[height]
	if !tracked || height < p.nextToCommit {
		// Replayed or already-committed height; drop.
		delete(p.inflight, height)
		p.mu.Unlock()
		return
	}
	entry.done = true
	entry.block = block
	entry.err = err
	p.mu.Unlock()

	p.signal(p.commit)
}

// finishRepair processes a repaired height immediately; its commit-cursor
// slot has long passed.
func (p *Pipeline) finishRepair(ctx context.Context, height uint32, block *RawBlock, err error) {
	defer func() {
		p.mu.Lock()
		delete(p.inflight, height)
		p.mu.Unlock()
	}()

	if err != nil {
		p.log.WithError(err).WithField("height", height).Warn("repair fetch failed")
		p.collector.RecordError()
		return
	}

	p.mu.Lock()
	status := StatusBest
	if height <= p.lastFinalized {
		status = StatusFinalized
	}
	p.mu.Unlock()

	if err := p.processor.Process(ctx, block, status); err != nil {
		p.log.WithError(err).WithField("height", height).Error("repair commit failed")
		p.collector.RecordError()
		return
	}
	p.log.WithField("height", height).Info("repaired block")
}

// =============================================================================
// Ordered Commit
// =============================================================================

func (p *Pipeline) committerLoop(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(committerTick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.commit:
		case <-ticker.C:
		}
		p.drainCommits(ctx)
	}
}

// drainCommits processes inflight[nextToCommit] entries in strictly
// increasing height order. The cursor never advances past a failed height
// unless the failure is older than the finalized lookback.
func (p *Pipeline) drainCommits(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		p.mu.Lock()
		height := p.nextToCommit
		entry, ok := p.inflight[height]
		if !ok || !entry.done {
			p.mu.Unlock()
			return
		}
		block := entry.block
		fetchErr := entry.err
		lastFinalized := p.lastFinalized
		p.mu.Unlock()

		if fetchErr != nil {
			p.requeueFailedFetch(ctx, height, fetchErr)
			continue
		}

		status := StatusBest
		if height <= lastFinalized {
			status = StatusFinalized
		}

		start := time.Now()
		err := p.processor.Process(ctx, block, status)
		if err != nil {
			p.handleCommitError(ctx, height, lastFinalized, err)
			return
		}

		p.mu.Lock()
		delete(p.inflight, height)
		delete(p.fetchRetries, height)
		p.nextToCommit = height + 1
		p.lastCommitAt = time.Now()
		p.lastErr = nil
		if p.state == StateError {
			p.setStateLocked(StateSyncing)
		}
		p.recomputeStateLocked()
		p.mu.Unlock()

		p.collector.RecordBlock(height, time.Since(start))

		p.signal(p.wake)
	}
}

// requeueFailedFetch backs off exponentially, then hands the height back to
// the scheduler.
func (p *Pipeline) requeueFailedFetch(ctx context.Context, height uint32, err error) {
	p.mu.Lock()
	p.fetchRetries[height]++
	retries := p.fetchRetries[height]
	p.mu.Unlock()

	delay := backoffFor(retries)
	p.log.WithError(err).WithFields(logrus.Fields{
		"height":  height,
		"retries": retries,
		"backoff": delay,
	}).Warn("fetch failed, requeueing")
	p.collector.RecordError()

	sleepCtx(ctx, delay)

	p.mu.Lock()
	delete(p.inflight, height)
	if height < p.nextToFetch {
		p.nextToFetch = height
	}
	p.mu.Unlock()

	p.signal(p.wake)
}

// handleCommitError applies the failed-block policy: heights deep below the
// finalized lookback are skipped; recent heights hold the cursor and put the
// pipeline in the error state until they commit.
func (p *Pipeline) handleCommitError(ctx context.Context, height, lastFinalized uint32, err error) {
	p.collector.RecordError()

	skippable := lastFinalized >= p.cfg.FailedLookback && height <= lastFinalized-p.cfg.FailedLookback

	p.mu.Lock()
	p.lastErr = err
	if skippable {
		delete(p.inflight, height)
		delete(p.fetchRetries, height)
		p.nextToCommit = height + 1
	} else {
		p.setStateLocked(StateError)
		// Refetch before the retry; the block data itself may be at fault.
		delete(p.inflight, height)
		if height < p.nextToFetch {
			p.nextToFetch = height
		}
	}
	p.mu.Unlock()

	if skippable {
		p.log.WithError(err).WithField("height", height).Error("block failed beyond lookback, skipping")
		p.signal(p.wake)
		return
	}

	p.log.WithError(err).WithField("height", height).Error("block commit failed, backing off")
	sleepCtx(ctx, commitErrorBackoff)
	p.signal(p.wake)
}

// =============================================================================
// State Machine
// =============================================================================

func (p *Pipeline) setStateLocked(s PipelineState) {
	if p.state == s {
		return
	}
	p.state = s
	p.collector.SetPipelineState(string(s))
	p.log.WithField("state", s).Info("pipeline state changed")
}

// recomputeStateLocked applies the idle/syncing/live transitions. The error
// state is only cleared by a successful commit of the offending height.
func (p *Pipeline) recomputeStateLocked() {
	if p.state == StateError {
		return
	}

	caughtUp := p.nextToCommit > p.chainTip

	switch p.state {
	case StateIdle:
		if !caughtUp {
			p.setStateLocked(StateSyncing)
		}
	case StateSyncing:
		if caughtUp && time.Since(p.lastCommitAt) < 2*p.cfg.ExpectedBlockTime {
			p.setStateLocked(StateLive)
		}
	case StateLive:
		if p.chainTip >= p.nextToCommit && p.chainTip-p.nextToCommit+1 > uint32(p.cfg.InflightWindow) {
			p.setStateLocked(StateSyncing)
		}
	}
}

// =============================================================================
// Operations
// =============================================================================

// PipelineStatus is the pipeline's externally visible progress.
type PipelineStatus struct {
	State         PipelineState `json:"state"`
	NextToCommit  uint32        `json:"next_to_commit"`
	IndexedHeight uint32        `json:"indexed_height"`
	ChainTip      uint32        `json:"chain_tip"`
	LastFinalized uint32        `json:"last_finalized"`
	Inflight      int           `json:"inflight"`
	Progress      float64       `json:"progress_percent"`
	LastError     string        `json:"last_error,omitempty"`
}

// Status returns a snapshot of pipeline progress.
func (p *Pipeline) Status() PipelineStatus {
	p.mu.Lock()
	defer p.mu.Unlock()

	indexed := uint32(0)
	if p.nextToCommit > 0 {
		indexed = p.nextToCommit - 1
	}

	status := PipelineStatus{
		State:         p.state,
		NextToCommit:  p.nextToCommit,
		IndexedHeight: indexed,
		ChainTip:      p.chainTip,
		LastFinalized: p.lastFinalized,
		Inflight:      len(p.inflight),
	}
	if p.chainTip > 0 {
		status.Progress = float64(indexed) / float64(p.chainTip) * 100
	}
	if p.lastErr != nil {
		status.LastError = p.lastErr.Error()
	}
	return status
}

// Repair enqueues heights for re-fetch at the front of the scheduler and
// returns immediately. Heights at or past the commit cursor are left to the
// normal path. Idempotent: duplicates collapse against the queue and the
// inflight set, and the rewrite itself is upsert-keyed.
func (p *Pipeline) Repair(heights []uint32) {
	p.mu.Lock()
	queued := make(map[uint32]bool, len(p.repairQueue))
	for _, h := range p.repairQueue {
		queued[h] = true
	}
	for _, h := range heights {
		if h == 0 || h >= p.nextToCommit || queued[h] {
			continue
		}
		if _, busy := p.inflight[h]; busy {
			continue
		}
		p.repairQueue = append(p.repairQueue, h)
		queued[h] = true
	}
	p.mu.Unlock()

	p.signal(p.wake)
}

// ConsistencyCheck scans [fromHeight, toHeight] for missing blocks and
// parent-hash mismatches.
func (p *Pipeline) ConsistencyCheck(ctx context.Context, fromHeight, toHeight uint32) ([]uint32, error) {
	p.mu.Lock()
	indexed := uint32(0)
	if p.nextToCommit > 0 {
		indexed = p.nextToCommit - 1
	}
	p.mu.Unlock()

	if toHeight == 0 || toHeight > indexed {
		toHeight = indexed
	}
	return p.store.ConsistencyScan(ctx, fromHeight, toHeight)
}

// =============================================================================
// Helpers
// =============================================================================

func (p *Pipeline) signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

func nextBackoff(current time.Duration) time.Duration {
	next := current * 2
	if next > reconnectMaxDelay {
		return reconnectMaxDelay
	}
	return next
}

func backoffFor(retries int) time.Duration {
	delay := reconnectBaseDelay
	for i := 1; i < retries; i++ {
		delay = nextBackoff(delay)
	}
	return delay
}
