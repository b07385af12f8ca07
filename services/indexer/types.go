package indexer

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// =============================================================================
// Block Types
// =============================================================================

// BlockStatus marks a block as provisional (best head) or canonical.
type BlockStatus string

const (
	StatusBest      BlockStatus = "best"
	StatusFinalized BlockStatus = "finalized"
)

// RawBlock is a fully fetched and decoded block, ready for the processor.
// Each block passes once from fetcher to processor, by pointer; the processor
// is the sole consumer.
type RawBlock struct {
	Height         uint32         `json:"height"`
	Hash           string         `json:"hash"`
	ParentHash     string         `json:"parent_hash"`
	StateRoot      string         `json:"state_root"`
	ExtrinsicsRoot string         `json:"extrinsics_root"`
	Timestamp      *time.Time     `json:"timestamp,omitempty"`
	ValidatorID    *string        `json:"validator_id,omitempty"`
	SpecVersion    uint32         `json:"spec_version"`
	DigestLogs     []string       `json:"digest_logs"`
	Extrinsics     []RawExtrinsic `json:"extrinsics"`
	Events         []RawEvent     `json:"events"`
}

// RawExtrinsic is a decoded extrinsic within its block.
type RawExtrinsic struct {
	Index   int     `json:"index"`
	Hash    *string `json:"hash,omitempty"`
	Signer  *string `json:"signer,omitempty"`
	Module  string  `json:"module"`
	Call    string  `json:"call"`
	Args    Value   `json:"args"`
	Success bool    `json:"success"`
	Fee     *string `json:"fee,omitempty"`
	Tip     *string `json:"tip,omitempty"`
}

// EventPhase identifies where in block execution an event was emitted.
type EventPhase string

const (
	PhaseApplyExtrinsic EventPhase = "ApplyExtrinsic"
	PhaseFinalization   EventPhase = "Finalization"
	PhaseInitialization EventPhase = "Initialization"
)

// RawEvent is a decoded event within its block.
type RawEvent struct {
	Index          int        `json:"index"`
	ExtrinsicIndex *int       `json:"extrinsic_index,omitempty"`
	Module         string     `json:"module"`
	Event          string     `json:"event"`
	Data           Value      `json:"data"`
	Phase          EventPhase `json:"phase"`
}

// ExtrinsicID builds the globally unique extrinsic identifier.
func ExtrinsicID(height uint32, index int) string {
	return fmt.Sprintf("%d-%d", height, index)
}

// EventID builds the globally unique event identifier.
func EventID(height uint32, index int) string {
	return fmt.Sprintf("%d-%d", height, index)
}

// EventKey builds the registry dispatch key for an event.
func EventKey(module, event string) string {
	return module + "." + event
}

// =============================================================================
// Pipeline State
// =============================================================================

// PipelineState is the coarse pipeline mode reported by status.
type PipelineState string

const (
	StateIdle    PipelineState = "idle"
	StateSyncing PipelineState = "syncing"
	StateLive    PipelineState = "live"
	StateError   PipelineState = "error"
)

// =============================================================================
// Runtime Summary
// =============================================================================

// PalletSummary counts a pallet's runtime surface.
type PalletSummary struct {
	Calls     int `json:"calls"`
	Events    int `json:"events"`
	Storage   int `json:"storage"`
	Constants int `json:"constants"`
	Errors    int `json:"errors"`
}

// RuntimeSummary describes one runtime version's shape. It is computed on
// first sighting of a specVersion and cached by specVersion only.
type RuntimeSummary struct {
	SpecVersion   uint32                   `json:"spec_version"`
	SpecName      string                   `json:"spec_name"`
	MetadataBytes int                      `json:"metadata_bytes"`
	Pallets       map[string]PalletSummary `json:"pallets"`
}

// =============================================================================
// Extension Types
// =============================================================================

// ExtensionManifest is the declarative description of an extension, loaded
// from its manifest.json and immutable thereafter.
type ExtensionManifest struct {
	ID              string   `json:"id"`
	Name            string   `json:"name"`
	Version         string   `json:"version"`
	Description     string   `json:"description,omitempty"`
	PalletID        string   `json:"palletId"`
	SupportedEvents []string `json:"supportedEvents"`
	SupportedCalls  []string `json:"supportedCalls"`
	Dependencies    []string `json:"dependencies,omitempty"`
}

// HandlerContext carries the open block transaction into extension handlers.
// Handlers must write through Tx only; opening a second connection would
// escape the block's atomicity.
type HandlerContext struct {
	Tx     *sql.Tx
	Block  *RawBlock
	Status BlockStatus
	Log    *logrus.Entry
}

// BlockHandler runs once per block, inside the block's transaction.
type BlockHandler func(ctx context.Context, hc *HandlerContext) error

// ExtrinsicHandler runs for each extrinsic whose module matches the
// extension's palletId.
type ExtrinsicHandler func(ctx context.Context, hc *HandlerContext, ext *RawExtrinsic) error

// EventHandler runs for each event whose "{module}.{event}" key the
// extension declares in supportedEvents.
type EventHandler func(ctx context.Context, hc *HandlerContext, ev *RawEvent) error

// Handlers is the optional handler set an extension contributes. Handlers are
// expected to be idempotent on replay; the block may be retried.
type Handlers struct {
	OnBlock     BlockHandler
	OnExtrinsic ExtrinsicHandler
	OnEvent     EventHandler
}

// Extension pairs a validated manifest with its compiled-in handlers and
// optional one-shot migration DDL.
type Extension struct {
	Manifest  ExtensionManifest
	Handlers  Handlers
	Migration string
}
