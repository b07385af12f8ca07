package indexer

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// deadlockCode is the Postgres deadlock_detected SQLSTATE.
const deadlockCode = "40P01"

// Storage provides database operations for the indexer.
type Storage struct {
	db  *sql.DB
	cfg *Config
}

// NewStorage opens the database connection and verifies reachability.
func NewStorage(cfg *Config) (*Storage, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	db, err := sql.Open("postgres", cfg.GetPostgresDSN())
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &Storage{db: db, cfg: cfg}, nil
}

// NewStorageWithDB wraps an existing connection (used by tests).
func NewStorageWithDB(db *sql.DB, cfg *Config) *Storage {
	return &Storage{db: db, cfg: cfg}
}

// DB exposes the underlying connection for transaction control.
func (s *Storage) DB() *sql.DB {
	return s.db
}

// Ping verifies database reachability.
func (s *Storage) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *Storage) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// IsDeadlock reports whether err is the store's deadlock signal.
func IsDeadlock(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code) == deadlockCode
	}
	return false
}

// =============================================================================
// Block Operations
// =============================================================================

// SaveBlockTx upserts the block record inside the given transaction. A
// finalized row keeps its status when a later write at the same height
// carries the same hash; a write with a different hash replaces the row,
// status included, so a best write can replace a finalized block.
func (s *Storage) SaveBlockTx(ctx context.Context, tx *sql.Tx, b *RawBlock, status BlockStatus) error {
	digestJSON, err := json.Marshal(b.DigestLogs)
	if err != nil {
		return fmt.Errorf("marshal digest logs: %w", err)
	}

	query := `
		INSERT INTO blocks (
			height, hash, parent_hash, state_root, extrinsics_root,
			block_time, validator_id, spec_version, digest_logs, status, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (height) DO UPDATE SET
			hash = EXCLUDED.hash,
			parent_hash = EXCLUDED.parent_hash,
			state_root = EXCLUDED.state_root,
			extrinsics_root = EXCLUDED.extrinsics_root,
			block_time = EXCLUDED.block_time,
			validator_id = EXCLUDED.validator_id,
			spec_version = EXCLUDED.spec_version,
			digest_logs = EXCLUDED.digest_logs,
			status = CASE
				WHEN blocks.status = 'finalized' AND blocks.hash = EXCLUDED.hash THEN blocks.status
				ELSE EXCLUDED.status
			END
	`
	_, err = tx.ExecContext(ctx, query,
		b.Height, b.Hash, b.ParentHash, b.StateRoot, b.ExtrinsicsRoot,
		b.Timestamp, b.ValidatorID, b.SpecVersion, digestJSON, status, time.Now().UTC(),
	)
	return err
}

// SaveExtrinsicTx upserts one extrinsic inside the given transaction. Args
// must already be truncated.
func (s *Storage) SaveExtrinsicTx(ctx context.Context, tx *sql.Tx, height uint32, ext *RawExtrinsic) error {
	argsJSON, err := json.Marshal(ext.Args)
	if err != nil {
		return fmt.Errorf("marshal args: %w", err)
	}

	query := `
		INSERT INTO extrinsics (
			id, block_height, idx, hash, signer, module, call, args, success, fee, tip
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE SET
			hash = EXCLUDED.hash,
			signer = EXCLUDED.signer,
			module = EXCLUDED.module,
			call = EXCLUDED.call,
			args = EXCLUDED.args,
			success = EXCLUDED.success,
			fee = EXCLUDED.fee,
			tip = EXCLUDED.tip
	`
	_, err = tx.ExecContext(ctx, query,
		ExtrinsicID(height, ext.Index), height, ext.Index, ext.Hash, ext.Signer,
		ext.Module, ext.Call, argsJSON, ext.Success, ext.Fee, ext.Tip,
	)
	return err
}

// SaveEventTx upserts one event inside the given transaction. extrinsicID is
// empty for events outside the ApplyExtrinsic phase.
func (s *Storage) SaveEventTx(ctx context.Context, tx *sql.Tx, height uint32, ev *RawEvent, extrinsicID string) error {
	dataJSON, err := json.Marshal(ev.Data)
	if err != nil {
		return fmt.Errorf("marshal data: %w", err)
	}

	var extID sql.NullString
	if extrinsicID != "" {
		extID = sql.NullString{String: extrinsicID, Valid: true}
	}

	query := `
		INSERT INTO events (
			id, block_height, idx, extrinsic_id, extrinsic_idx, module, event, data, phase
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			extrinsic_id = EXCLUDED.extrinsic_id,
			extrinsic_idx = EXCLUDED.extrinsic_idx,
			module = EXCLUDED.module,
			event = EXCLUDED.event,
			data = EXCLUDED.data,
			phase = EXCLUDED.phase
	`
	_, err = tx.ExecContext(ctx, query,
		EventID(height, ev.Index), height, ev.Index, extID, ev.ExtrinsicIndex,
		ev.Module, ev.Event, dataJSON, ev.Phase,
	)
	return err
}

// UpsertAccountTx records an account sighting inside the given transaction.
func (s *Storage) UpsertAccountTx(ctx context.Context, tx *sql.Tx, address string, height uint32) error {
	query := `
		INSERT INTO accounts (address, first_seen_height, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (address) DO UPDATE SET
			updated_at = EXCLUDED.updated_at
	`
	_, err := tx.ExecContext(ctx, query, address, height, time.Now().UTC())
	return err
}

// =============================================================================
// Chain Progress Operations
// =============================================================================

// HighestFinalized returns the highest finalized height in the store (0 when
// empty).
func (s *Storage) HighestFinalized(ctx context.Context) (uint32, error) {
	var height sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT MAX(height) FROM blocks WHERE status = 'finalized'`,
	).Scan(&height)
	if err != nil {
		return 0, err
	}
	if !height.Valid {
		return 0, nil
	}
	return uint32(height.Int64), nil
}

// FinalizeRange upgrades committed best blocks in (from, to] to finalized.
// The update is idempotent.
func (s *Storage) FinalizeRange(ctx context.Context, from, to uint32) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE blocks SET status = 'finalized' WHERE height > $1 AND height <= $2 AND status = 'best'`,
		from, to,
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// BlockHashAt returns the stored hash and status at a height.
func (s *Storage) BlockHashAt(ctx context.Context, height uint32) (hash string, status BlockStatus, found bool, err error) {
	err = s.db.QueryRowContext(ctx,
		`SELECT hash, status FROM blocks WHERE height = $1`, height,
	).Scan(&hash, &status)
	if err == sql.ErrNoRows {
		return "", "", false, nil
	}
	if err != nil {
		return "", "", false, err
	}
	return hash, status, true, nil
}

// =============================================================================
// Fork Pruning
// =============================================================================

// storedBlock is the slim row used by pruning and consistency scans.
type storedBlock struct {
	Height     uint32
	Hash       string
	ParentHash string
	Status     BlockStatus
}

// PruneForkedBest deletes the stored best block at height when its hash
// differs from finalizedHash, together with every best block above it whose
// parent chain does not terminate at the finalized hash. Children are
// deleted before parents, by descending height.
func (s *Storage) PruneForkedBest(ctx context.Context, height uint32, finalizedHash string) (int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT height, hash, parent_hash, status FROM blocks WHERE height >= $1 ORDER BY height ASC`,
		height,
	)
	if err != nil {
		return 0, err
	}
	defer rows.Close()

	var blocks []storedBlock
	for rows.Next() {
		var b storedBlock
		if err := rows.Scan(&b.Height, &b.Hash, &b.ParentHash, &b.Status); err != nil {
			return 0, err
		}
		blocks = append(blocks, b)
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}

	// Walk upward keeping only blocks whose ancestry reaches the finalized
	// hash at the pruning height.
	keep := map[string]bool{finalizedHash: true}
	var doomed []storedBlock
	for _, b := range blocks {
		switch {
		case b.Height == height && b.Hash == finalizedHash:
			// The canonical block itself (already rewritten or about to be).
		case b.Height == height:
			if b.Status == StatusBest {
				doomed = append(doomed, b)
			}
		case keep[b.ParentHash]:
			keep[b.Hash] = true
		case b.Status == StatusBest:
			doomed = append(doomed, b)
		}
	}

	// Children first.
	for i := len(doomed) - 1; i >= 0; i-- {
		if err := s.deleteBlock(ctx, doomed[i].Height, doomed[i].Hash); err != nil {
			return len(doomed) - 1 - i, err
		}
	}
	return len(doomed), nil
}

func (s *Storage) deleteBlock(ctx context.Context, height uint32, hash string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, q := range []string{
		`DELETE FROM events WHERE block_height = $1`,
		`DELETE FROM extrinsics WHERE block_height = $1`,
	} {
		if _, err := tx.ExecContext(ctx, q, height); err != nil {
			return err
		}
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM blocks WHERE height = $1 AND hash = $2`, height, hash,
	); err != nil {
		return err
	}
	return tx.Commit()
}

// =============================================================================
// Consistency Operations
// =============================================================================

// ConsistencyScan walks heights in [from, to] and returns those that are
// missing or whose parent hash does not match the previous block's hash.
func (s *Storage) ConsistencyScan(ctx context.Context, from, to uint32) ([]uint32, error) {
	if from < 1 {
		from = 1
	}
	if to < from {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT height, hash, parent_hash, status FROM blocks WHERE height >= $1 AND height <= $2 ORDER BY height ASC`,
		from, to,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	byHeight := make(map[uint32]storedBlock)
	for rows.Next() {
		var b storedBlock
		if err := rows.Scan(&b.Height, &b.Hash, &b.ParentHash, &b.Status); err != nil {
			return nil, err
		}
		byHeight[b.Height] = b
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var bad []uint32
	for h := from; h <= to; h++ {
		b, ok := byHeight[h]
		if !ok {
			bad = append(bad, h)
			continue
		}
		if prev, ok := byHeight[h-1]; ok && b.ParentHash != prev.Hash {
			bad = append(bad, h)
		}
	}
	return bad, nil
}
