package indexer

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"golang.org/x/crypto/blake2b"

	"github.com/polkaview/indexer/infrastructure/cache"
	"github.com/polkaview/indexer/infrastructure/chain"
)

// systemEventsKey is the well-known storage key of System.Events
// (twox128("System") ++ twox128("Events")).
const systemEventsKey = "0x26aa394eea5630e07c48ae0c9558cef780d41e5e16056765bc8461851072c9d7"

// summaryCacheSize bounds the runtime summary cache. Runtimes upgrade rarely;
// a handful of versions covers months of chain history.
const summaryCacheSize = 16

// Decoder turns raw chain payloads into structured records. Pallet-specific
// decoding is pluggable; the default decoder preserves undecoded payloads as
// raw bytes so nothing is lost.
type Decoder interface {
	DecodeExtrinsics(raw []string, specVersion uint32) ([]RawExtrinsic, error)
	DecodeEvents(eventsHex string, specVersion uint32) ([]RawEvent, error)
	Summarize(metadataHex string, version *chain.RuntimeVersion) (*RuntimeSummary, error)
}

// Fetcher retrieves one block's full payload via the RPC pool and assembles a
// RawBlock. Safe for concurrent use by the pipeline's fetch tasks.
type Fetcher struct {
	pool    *chain.Pool
	decoder Decoder
	timeout time.Duration
	log     *logrus.Entry

	mu        sync.Mutex
	summaries *cache.LRU // specVersion -> *RuntimeSummary
}

// NewFetcher creates a fetcher. A nil decoder selects the raw decoder.
func NewFetcher(pool *chain.Pool, decoder Decoder, fetchTimeout time.Duration) (*Fetcher, error) {
	if decoder == nil {
		decoder = &rawDecoder{}
	}
	if fetchTimeout <= 0 {
		fetchTimeout = 30 * time.Second
	}

	summaries, err := cache.NewLRU(summaryCacheSize)
	if err != nil {
		return nil, err
	}

	return &Fetcher{
		pool:      pool,
		decoder:   decoder,
		timeout:   fetchTimeout,
		log:       logrus.WithField("component", "indexer-fetcher"),
		summaries: summaries,
	}, nil
}

// FetchBlock retrieves the block at height: hash, body, runtime version,
// events, and (on first sighting of a spec version) the runtime metadata
// summary.
func (f *Fetcher) FetchBlock(ctx context.Context, height uint32) (*RawBlock, error) {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	hash, err := f.blockHash(ctx, height)
	if err != nil {
		return nil, err
	}

	signed, err := f.signedBlock(ctx, hash)
	if err != nil {
		return nil, err
	}

	version, err := f.runtimeVersion(ctx, hash)
	if err != nil {
		return nil, err
	}

	if _, err := f.Summary(ctx, hash, version); err != nil {
		return nil, err
	}

	extrinsics, err := f.decoder.DecodeExtrinsics(signed.Block.Extrinsics, version.SpecVersion)
	if err != nil {
		return nil, fmt.Errorf("decode extrinsics at %d: %w", height, err)
	}

	events, err := f.fetchEvents(ctx, hash, version.SpecVersion)
	if err != nil {
		return nil, err
	}
	applyOutcomes(extrinsics, events)

	block := &RawBlock{
		Height:         height,
		Hash:           hash,
		ParentHash:     signed.Block.Header.ParentHash,
		StateRoot:      signed.Block.Header.StateRoot,
		ExtrinsicsRoot: signed.Block.Header.ExtrinsicsRoot,
		SpecVersion:    version.SpecVersion,
		DigestLogs:     digestLogs(signed.Block.Header.Digest),
		Extrinsics:     extrinsics,
		Events:         events,
	}

	if ts := extractTimestamp(extrinsics); ts != nil {
		block.Timestamp = ts
	}

	return block, nil
}

func (f *Fetcher) blockHash(ctx context.Context, height uint32) (string, error) {
	result, err := f.pool.Call(ctx, "chain_getBlockHash", []interface{}{height})
	if err != nil {
		return "", err
	}

	var hash *string
	if err := json.Unmarshal(result, &hash); err != nil {
		return "", fmt.Errorf("decode block hash at %d: %w", height, err)
	}
	if hash == nil || *hash == "" {
		return "", fmt.Errorf("no block at height %d", height)
	}
	return *hash, nil
}

func (f *Fetcher) signedBlock(ctx context.Context, hash string) (*chain.SignedBlock, error) {
	result, err := f.pool.Call(ctx, "chain_getBlock", []interface{}{hash})
	if err != nil {
		return nil, err
	}

	var signed chain.SignedBlock
	if err := json.Unmarshal(result, &signed); err != nil {
		return nil, fmt.Errorf("decode block %s: %w", hash, err)
	}
	return &signed, nil
}

func (f *Fetcher) runtimeVersion(ctx context.Context, hash string) (*chain.RuntimeVersion, error) {
	result, err := f.pool.Call(ctx, "state_getRuntimeVersion", []interface{}{hash})
	if err != nil {
		return nil, err
	}

	var version chain.RuntimeVersion
	if err := json.Unmarshal(result, &version); err != nil {
		return nil, fmt.Errorf("decode runtime version at %s: %w", hash, err)
	}
	return &version, nil
}

func (f *Fetcher) fetchEvents(ctx context.Context, hash string, specVersion uint32) ([]RawEvent, error) {
	result, err := f.pool.Call(ctx, "state_getStorage", []interface{}{systemEventsKey, hash})
	if err != nil {
		return nil, err
	}

	var eventsHex *string
	if err := json.Unmarshal(result, &eventsHex); err != nil {
		return nil, fmt.Errorf("decode events storage at %s: %w", hash, err)
	}
	if eventsHex == nil {
		return nil, nil
	}

	events, err := f.decoder.DecodeEvents(*eventsHex, specVersion)
	if err != nil {
		return nil, fmt.Errorf("decode events at %s: %w", hash, err)
	}
	return events, nil
}

// Summary returns the cached runtime summary for the version, computing it
// from state_getMetadata on first sighting. The cache is keyed exclusively by
// specVersion.
func (f *Fetcher) Summary(ctx context.Context, hash string, version *chain.RuntimeVersion) (*RuntimeSummary, error) {
	key := strconv.FormatUint(uint64(version.SpecVersion), 10)

	f.mu.Lock()
	cached, ok := f.summaries.Get(key)
	f.mu.Unlock()
	if ok {
		return cached.(*RuntimeSummary), nil
	}

	result, err := f.pool.Call(ctx, "state_getMetadata", []interface{}{hash})
	if err != nil {
		return nil, err
	}

	var metadataHex string
	if err := json.Unmarshal(result, &metadataHex); err != nil {
		return nil, fmt.Errorf("decode metadata at %s: %w", hash, err)
	}

	summary, err := f.decoder.Summarize(metadataHex, version)
	if err != nil {
		return nil, fmt.Errorf("summarize metadata v%d: %w", version.SpecVersion, err)
	}

	f.mu.Lock()
	f.summaries.Set(key, summary)
	f.mu.Unlock()

	f.log.WithFields(logrus.Fields{
		"spec_version": version.SpecVersion,
		"spec_name":    version.SpecName,
	}).Info("cached runtime summary")

	return summary, nil
}

// applyOutcomes marks each extrinsic's success flag from the block's
// System.ExtrinsicSuccess / System.ExtrinsicFailed events.
func applyOutcomes(extrinsics []RawExtrinsic, events []RawEvent) {
	for _, ev := range events {
		if ev.Module != "System" || ev.ExtrinsicIndex == nil {
			continue
		}
		var success bool
		switch ev.Event {
		case "ExtrinsicSuccess":
			success = true
		case "ExtrinsicFailed":
			success = false
		default:
			continue
		}
		for i := range extrinsics {
			if extrinsics[i].Index == *ev.ExtrinsicIndex {
				extrinsics[i].Success = success
			}
		}
	}
}

// digestLogs extracts the raw digest log strings from the header digest.
func digestLogs(digest json.RawMessage) []string {
	var logs []string
	for _, entry := range gjson.GetBytes(digest, "logs").Array() {
		logs = append(logs, entry.String())
	}
	return logs
}

// extractTimestamp pulls the block time from the Timestamp.set inherent when
// the decoder resolved it.
func extractTimestamp(extrinsics []RawExtrinsic) *time.Time {
	for i := range extrinsics {
		ext := &extrinsics[i]
		if ext.Module != "Timestamp" || ext.Call != "set" {
			continue
		}
		if ext.Args.Kind == KindMap {
			if now, ok := ext.Args.Map["now"]; ok && now.Kind == KindNumber {
				ts := time.UnixMilli(int64(now.Number)).UTC()
				return &ts
			}
		}
	}
	return nil
}

// =============================================================================
// Raw Decoder
// =============================================================================

// rawDecoder is the fallback decoder used when no runtime-specific decoder is
// injected. It preserves extrinsic payloads as raw bytes (hashed for
// identity) and yields no events; pallet-aware decoding is the extensions'
// concern.
type rawDecoder struct{}

func (d *rawDecoder) DecodeExtrinsics(raw []string, specVersion uint32) ([]RawExtrinsic, error) {
	extrinsics := make([]RawExtrinsic, 0, len(raw))
	for i, encoded := range raw {
		payload, err := hex.DecodeString(strings.TrimPrefix(encoded, "0x"))
		if err != nil {
			return nil, fmt.Errorf("extrinsic %d: %w", i, err)
		}

		digest := blake2b.Sum256(payload)
		hash := "0x" + hex.EncodeToString(digest[:])

		extrinsics = append(extrinsics, RawExtrinsic{
			Index:   i,
			Hash:    &hash,
			Module:  "Runtime",
			Call:    "raw",
			Args:    BytesValue(payload),
			Success: true,
		})
	}
	return extrinsics, nil
}

func (d *rawDecoder) DecodeEvents(eventsHex string, specVersion uint32) ([]RawEvent, error) {
	return nil, nil
}

func (d *rawDecoder) Summarize(metadataHex string, version *chain.RuntimeVersion) (*RuntimeSummary, error) {
	return &RuntimeSummary{
		SpecVersion:   version.SpecVersion,
		SpecName:      version.SpecName,
		MetadataBytes: len(strings.TrimPrefix(metadataHex, "0x")) / 2,
		Pallets:       map[string]PalletSummary{},
	}, nil
}
