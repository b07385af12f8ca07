package indexer

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	ierrors "github.com/polkaview/indexer/infrastructure/errors"
)

const (
	manifestFile  = "manifest.json"
	migrationFile = "migration.sql"
)

// Registry holds the loaded extensions and their dispatch maps. It is built
// once during initialization and read-only thereafter; there is no runtime
// registration path.
type Registry struct {
	extensions []Extension // dependency order

	blockHandlers     []registeredBlock
	extrinsicHandlers map[string][]registeredExtrinsic // palletId -> handlers
	eventHandlers     map[string][]registeredEvent     // "{module}.{event}" -> handlers

	log *logrus.Entry
}

type registeredBlock struct {
	extensionID string
	fn          BlockHandler
}

type registeredExtrinsic struct {
	extensionID string
	fn          ExtrinsicHandler
}

type registeredEvent struct {
	extensionID string
	fn          EventHandler
}

// LoadRegistry scans dir for extensions (one subdirectory each, holding a
// manifest.json and optional migration.sql), validates their manifests,
// orders them by dependency, and attaches the compiled-in handler sets keyed
// by extension id. An empty dir yields an empty registry.
func LoadRegistry(dir string, handlersByID map[string]Handlers) (*Registry, error) {
	var extensions []Extension

	if dir != "" {
		entries, err := os.ReadDir(dir)
		if err != nil {
			if os.IsNotExist(err) {
				entries = nil
			} else {
				return nil, fmt.Errorf("read extensions dir: %w", err)
			}
		}

		for _, entry := range entries {
			if !entry.IsDir() {
				continue
			}
			manifestPath := filepath.Join(dir, entry.Name(), manifestFile)
			raw, err := os.ReadFile(manifestPath)
			if err != nil {
				if os.IsNotExist(err) {
					continue
				}
				return nil, fmt.Errorf("read %s: %w", manifestPath, err)
			}

			manifest, err := parseManifest(manifestPath, raw)
			if err != nil {
				return nil, err
			}

			ext := Extension{Manifest: *manifest}
			if migration, err := os.ReadFile(filepath.Join(dir, entry.Name(), migrationFile)); err == nil {
				ext.Migration = string(migration)
			}
			if handlers, ok := handlersByID[manifest.ID]; ok {
				ext.Handlers = handlers
			}
			extensions = append(extensions, ext)
		}
	}

	return NewRegistry(extensions)
}

// NewRegistry builds a registry from pre-assembled extensions (the path used
// by tests and embedded deployments).
func NewRegistry(extensions []Extension) (*Registry, error) {
	ordered, err := sortByDependency(extensions)
	if err != nil {
		return nil, err
	}

	r := &Registry{
		extensions:        ordered,
		extrinsicHandlers: make(map[string][]registeredExtrinsic),
		eventHandlers:     make(map[string][]registeredEvent),
		log:               logrus.WithField("component", "indexer-registry"),
	}

	for _, ext := range ordered {
		id := ext.Manifest.ID
		if ext.Handlers.OnBlock != nil {
			r.blockHandlers = append(r.blockHandlers, registeredBlock{extensionID: id, fn: ext.Handlers.OnBlock})
		}
		if ext.Handlers.OnExtrinsic != nil {
			pallet := ext.Manifest.PalletID
			r.extrinsicHandlers[pallet] = append(r.extrinsicHandlers[pallet], registeredExtrinsic{extensionID: id, fn: ext.Handlers.OnExtrinsic})
		}
		if ext.Handlers.OnEvent != nil {
			for _, key := range ext.Manifest.SupportedEvents {
				r.eventHandlers[key] = append(r.eventHandlers[key], registeredEvent{extensionID: id, fn: ext.Handlers.OnEvent})
			}
		}
	}

	return r, nil
}

// Extensions returns the loaded extensions in dependency order.
func (r *Registry) Extensions() []Extension {
	return r.extensions
}

// =============================================================================
// Manifest Validation
// =============================================================================

// parseManifest validates the raw manifest JSON field by field so invalid
// shapes report what is wrong rather than a generic decode error.
func parseManifest(path string, raw []byte) (*ExtensionManifest, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, ierrors.InvalidManifest(path, fmt.Sprintf("not a JSON object: %v", err))
	}

	m := &ExtensionManifest{}

	var err error
	if m.ID, err = requiredString(fields, "id"); err != nil {
		return nil, ierrors.InvalidManifest(path, err.Error())
	}
	if m.Name, err = requiredString(fields, "name"); err != nil {
		return nil, ierrors.InvalidManifest(path, err.Error())
	}
	if m.Version, err = requiredString(fields, "version"); err != nil {
		return nil, ierrors.InvalidManifest(path, err.Error())
	}
	if m.PalletID, err = requiredString(fields, "palletId"); err != nil {
		return nil, ierrors.InvalidManifest(path, err.Error())
	}
	if m.SupportedEvents, err = requiredStringArray(fields, "supportedEvents"); err != nil {
		return nil, ierrors.InvalidManifest(path, err.Error())
	}
	if m.SupportedCalls, err = requiredStringArray(fields, "supportedCalls"); err != nil {
		return nil, ierrors.InvalidManifest(path, err.Error())
	}
	if m.Dependencies, err = optionalStringArray(fields, "dependencies"); err != nil {
		return nil, ierrors.InvalidManifest(path, err.Error())
	}
	if raw, ok := fields["description"]; ok {
		if err := json.Unmarshal(raw, &m.Description); err != nil {
			return nil, ierrors.InvalidManifest(path, "description must be a string")
		}
	}

	return m, nil
}

func requiredString(fields map[string]json.RawMessage, key string) (string, error) {
	raw, ok := fields[key]
	if !ok {
		return "", fmt.Errorf("%s is required", key)
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil || s == "" {
		return "", fmt.Errorf("%s must be a non-empty string", key)
	}
	return s, nil
}

func requiredStringArray(fields map[string]json.RawMessage, key string) ([]string, error) {
	raw, ok := fields[key]
	if !ok {
		return nil, fmt.Errorf("%s is required", key)
	}
	return stringArray(raw, key)
}

func optionalStringArray(fields map[string]json.RawMessage, key string) ([]string, error) {
	raw, ok := fields[key]
	if !ok {
		return nil, nil
	}
	return stringArray(raw, key)
}

func stringArray(raw json.RawMessage, key string) ([]string, error) {
	var elems []json.RawMessage
	if err := json.Unmarshal(raw, &elems); err != nil {
		return nil, fmt.Errorf("%s must be an array", key)
	}
	out := make([]string, len(elems))
	for i, elem := range elems {
		if err := json.Unmarshal(elem, &out[i]); err != nil {
			return nil, fmt.Errorf("%s must contain only strings", key)
		}
	}
	return out, nil
}

// =============================================================================
// Dependency Ordering
// =============================================================================

// sortByDependency orders extensions so dependencies load before dependents,
// rejecting duplicates, unknown dependencies, and cycles.
func sortByDependency(extensions []Extension) ([]Extension, error) {
	byID := make(map[string]*Extension, len(extensions))
	for i := range extensions {
		id := extensions[i].Manifest.ID
		if _, dup := byID[id]; dup {
			return nil, ierrors.InvalidManifest(id, "duplicate extension id")
		}
		byID[id] = &extensions[i]
	}

	for _, ext := range extensions {
		for _, dep := range ext.Manifest.Dependencies {
			if _, ok := byID[dep]; !ok {
				return nil, ierrors.MissingDependency(ext.Manifest.ID, dep)
			}
		}
	}

	// Kahn's algorithm with lexical tie-breaking for a stable order.
	indegree := make(map[string]int, len(extensions))
	dependents := make(map[string][]string)
	for _, ext := range extensions {
		id := ext.Manifest.ID
		indegree[id] += 0
		for _, dep := range ext.Manifest.Dependencies {
			indegree[id]++
			dependents[dep] = append(dependents[dep], id)
		}
	}

	var ready []string
	for id, deg := range indegree {
		if deg == 0 {
			ready = append(ready, id)
		}
	}
	sort.Strings(ready)

	var ordered []Extension
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		ordered = append(ordered, *byID[id])

		var unlocked []string
		for _, dependent := range dependents[id] {
			indegree[dependent]--
			if indegree[dependent] == 0 {
				unlocked = append(unlocked, dependent)
			}
		}
		sort.Strings(unlocked)
		ready = append(ready, unlocked...)
	}

	if len(ordered) != len(extensions) {
		var stuck []string
		for id, deg := range indegree {
			if deg > 0 {
				stuck = append(stuck, id)
			}
		}
		sort.Strings(stuck)
		return nil, ierrors.DependencyCycle(stuck)
	}

	return ordered, nil
}

// =============================================================================
// Migrations
// =============================================================================

// RunMigrations executes each extension's migration text once, in dependency
// order. Applied ids are tracked in extension_migrations; reapplied text is a
// no-op.
func (r *Registry) RunMigrations(ctx context.Context, db *sql.DB) error {
	for _, ext := range r.extensions {
		if ext.Migration == "" {
			continue
		}

		var applied bool
		err := db.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM extension_migrations WHERE extension_id = $1)`,
			ext.Manifest.ID,
		).Scan(&applied)
		if err != nil {
			return fmt.Errorf("check migration %s: %w", ext.Manifest.ID, err)
		}
		if applied {
			continue
		}

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin migration %s: %w", ext.Manifest.ID, err)
		}
		if _, err := tx.ExecContext(ctx, ext.Migration); err != nil {
			tx.Rollback()
			return fmt.Errorf("apply migration %s: %w", ext.Manifest.ID, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO extension_migrations (extension_id, applied_at) VALUES ($1, $2)`,
			ext.Manifest.ID, time.Now().UTC(),
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %s: %w", ext.Manifest.ID, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %s: %w", ext.Manifest.ID, err)
		}

		r.log.WithField("extension", ext.Manifest.ID).Info("applied extension migration")
	}
	return nil
}

// =============================================================================
// Dispatch
// =============================================================================

// InvokeBlockHandlers runs each registered block handler in registration
// order, inside the block's transaction. A handler error aborts the block.
func (r *Registry) InvokeBlockHandlers(ctx context.Context, hc *HandlerContext) error {
	for _, h := range r.blockHandlers {
		if err := h.fn(ctx, hc); err != nil {
			return ierrors.HandlerError(h.extensionID, err)
		}
	}
	return nil
}

// InvokeExtrinsicHandlers runs the handlers whose manifest palletId matches
// the extrinsic's module.
func (r *Registry) InvokeExtrinsicHandlers(ctx context.Context, hc *HandlerContext, ext *RawExtrinsic) error {
	for _, h := range r.extrinsicHandlers[ext.Module] {
		if err := h.fn(ctx, hc, ext); err != nil {
			return ierrors.HandlerError(h.extensionID, err)
		}
	}
	return nil
}

// InvokeEventHandlers runs the handlers whose manifest lists the event's
// "{module}.{event}" key.
func (r *Registry) InvokeEventHandlers(ctx context.Context, hc *HandlerContext, ev *RawEvent) error {
	for _, h := range r.eventHandlers[EventKey(ev.Module, ev.Event)] {
		if err := h.fn(ctx, hc, ev); err != nil {
			return ierrors.HandlerError(h.extensionID, err)
		}
	}
	return nil
}
