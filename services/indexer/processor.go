package indexer

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/sirupsen/logrus"

	ierrors "github.com/polkaview/indexer/infrastructure/errors"
	"github.com/polkaview/indexer/infrastructure/resilience"
)

const processorMaxAttempts = 3

// Processor writes one decoded block into the store inside a single
// transaction, invoking extension handlers along the way. All persistence is
// upsert-keyed, so replaying an already-committed block is a no-op on state.
type Processor struct {
	storage  *Storage
	registry *Registry
	log      *logrus.Entry
}

// NewProcessor creates a block processor.
func NewProcessor(storage *Storage, registry *Registry) *Processor {
	return &Processor{
		storage:  storage,
		registry: registry,
		log:      logrus.WithField("component", "indexer-processor"),
	}
}

// Process persists the block with the given status. Deadlocks and extension
// handler failures are retried in place up to three attempts with jittered
// delay; any other error propagates immediately.
func (p *Processor) Process(ctx context.Context, block *RawBlock, status BlockStatus) error {
	attempt := 0
	return resilience.RetryWithDelay(ctx, processorMaxAttempts,
		func(err error) bool {
			return IsDeadlock(err) || ierrors.HasCode(err, ierrors.ErrCodeHandlerError)
		},
		func(n int) time.Duration {
			return time.Duration(50+rand.Float64()*150*float64(n)) * time.Millisecond
		},
		func() error {
			attempt++
			if attempt > 1 {
				p.log.WithFields(logrus.Fields{
					"height":  block.Height,
					"attempt": attempt,
				}).Warn("retrying block transaction")
			}
			return p.processOnce(ctx, block, status)
		})
}

// processOnce runs the block write as one transaction. Step ordering is a
// contract: block record, block hooks, extrinsics (with account upserts and
// extrinsic hooks), then events (with account extraction and event hooks).
func (p *Processor) processOnce(ctx context.Context, block *RawBlock, status BlockStatus) (err error) {
	tx, err := p.storage.DB().BeginTx(ctx, nil)
	if err != nil {
		return ierrors.DatabaseError("begin block transaction", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	hc := &HandlerContext{
		Tx:     tx,
		Block:  block,
		Status: status,
		Log:    p.log.WithField("height", block.Height),
	}

	if err = p.storage.SaveBlockTx(ctx, tx, block, status); err != nil {
		return fmt.Errorf("save block %d: %w", block.Height, err)
	}

	if err = p.registry.InvokeBlockHandlers(ctx, hc); err != nil {
		return err
	}

	for i := range block.Extrinsics {
		ext := &block.Extrinsics[i]

		ext.Args, err = Truncate(ext.Args)
		if err != nil {
			return fmt.Errorf("truncate args %s: %w", ExtrinsicID(block.Height, ext.Index), err)
		}

		if err = p.storage.SaveExtrinsicTx(ctx, tx, block.Height, ext); err != nil {
			return fmt.Errorf("save extrinsic %s: %w", ExtrinsicID(block.Height, ext.Index), err)
		}

		if ext.Signer != nil && *ext.Signer != "" {
			if err = p.storage.UpsertAccountTx(ctx, tx, *ext.Signer, block.Height); err != nil {
				return fmt.Errorf("upsert signer account: %w", err)
			}
		}

		if err = p.registry.InvokeExtrinsicHandlers(ctx, hc, ext); err != nil {
			return err
		}
	}

	for i := range block.Events {
		ev := &block.Events[i]

		extrinsicID, err2 := p.resolveExtrinsicID(block, ev)
		if err2 != nil {
			err = err2
			return err
		}

		if err = p.storage.SaveEventTx(ctx, tx, block.Height, ev, extrinsicID); err != nil {
			return fmt.Errorf("save event %s: %w", EventID(block.Height, ev.Index), err)
		}

		for _, account := range ExtractAccounts(ev.Data) {
			if err = p.storage.UpsertAccountTx(ctx, tx, account, block.Height); err != nil {
				return fmt.Errorf("upsert event account: %w", err)
			}
		}

		if err = p.registry.InvokeEventHandlers(ctx, hc, ev); err != nil {
			return err
		}
	}

	if err = tx.Commit(); err != nil {
		return ierrors.DatabaseError("commit block transaction", err)
	}
	return nil
}

// resolveExtrinsicID maps an ApplyExtrinsic-phase event to its extrinsic id,
// verifying the index exists in the same block.
func (p *Processor) resolveExtrinsicID(block *RawBlock, ev *RawEvent) (string, error) {
	if ev.Phase != PhaseApplyExtrinsic {
		return "", nil
	}
	if ev.ExtrinsicIndex == nil {
		return "", ierrors.DataIntegrity(
			fmt.Sprintf("event %s in ApplyExtrinsic phase without extrinsic index", EventID(block.Height, ev.Index)),
			block.Height,
		)
	}

	idx := *ev.ExtrinsicIndex
	for i := range block.Extrinsics {
		if block.Extrinsics[i].Index == idx {
			return ExtrinsicID(block.Height, idx), nil
		}
	}
	return "", ierrors.DataIntegrity(
		fmt.Sprintf("event %s references extrinsic index %d out of range", EventID(block.Height, ev.Index), idx),
		block.Height,
	)
}
