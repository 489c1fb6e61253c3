// Package doccomplex implements the per-document coordinator (spec
// §4.7): the in-memory owner of a document's three control streams
// and session registry, plus the process-global registry that
// guarantees at most one live DocComplex per document ID (spec §5's
// single-instance-per-document invariant replaces the source's
// DocServer.theOne singleton with an explicit registry value, per §9).
package doccomplex

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/inful/bayou/internal/caretdelta"
	"github.com/inful/bayou/internal/changereader"
	"github.com/inful/bayou/internal/control"
	"github.com/inful/bayou/internal/foundation/errors"
	"github.com/inful/bayou/internal/logfields"
	"github.com/inful/bayou/internal/metrics"
	"github.com/inful/bayou/internal/propdelta"
	"github.com/inful/bayou/internal/sessionregistry"
	"github.com/inful/bayou/internal/storage"
	"github.com/inful/bayou/internal/textdelta"
)

// FormatVersion is the format_version value this build of the engine
// understands. A document whose stored value differs requires
// migration before it can be mutated.
const FormatVersion = "1"

// Status is the outcome of Registry.Open (spec §4.7).
type Status string

const (
	StatusOK       Status = "ok"
	StatusMigrate  Status = "migrate"
	StatusNotFound Status = "not_found"
	StatusError    Status = "error"
)

// Stats is a lightweight read-only snapshot of a document's state,
// used by the inspect CLI command and metrics export (SUPPLEMENTED
// FEATURES — implied by the component table but not named as an
// operation by the distilled spec).
type Stats struct {
	DocID         string
	BodyRevNum    int64
	CaretRevNum   int64
	PropertyRevNum int64
	ActiveSessions int
}

// DocComplex owns one document's body/caret/property controls and
// session registry.
type DocComplex struct {
	DocID    string
	Body     *control.Stream
	Caret    *control.Stream
	Property *control.Stream
	Sessions *sessionregistry.Registry

	mu        sync.Mutex
	failed    error // non-nil once a fatal error has been observed
	migrating atomic.Bool
}

// newDocComplex builds a DocComplex whose three streams share one
// mutation gate (checkMutable): a caller reaching Body/Caret/Property
// directly, not just through Registry/the transport layer, is refused
// once this document is marked failed or STATUS_MIGRATE (spec §4.7's
// testable property #8 and §4.8's fail-fast requirement).
func newDocComplex(store storage.Store, docID string, opts []control.Option) *DocComplex {
	dc := &DocComplex{DocID: docID}
	gated := append(append([]control.Option{}, opts...), control.WithMutationGate(dc.checkMutable))
	dc.Body = control.New(store, docID, control.Adapter{Algebra: textdelta.Algebra{}, PathPrefix: "/body", Name: metrics.StreamBody}, gated...)
	dc.Caret = control.New(store, docID, control.Adapter{Algebra: caretdelta.Algebra{}, PathPrefix: "/caret", Name: metrics.StreamCaret}, gated...)
	dc.Property = control.New(store, docID, control.Adapter{Algebra: propdelta.Algebra{}, PathPrefix: "/property", Name: metrics.StreamProperty}, gated...)
	dc.Sessions = sessionregistry.New(dc.Body, dc.Caret)
	return dc
}

// checkMutable is the mutation gate shared by every stream this
// DocComplex owns.
func (d *DocComplex) checkMutable() error {
	if err := d.Failed(); err != nil {
		return err
	}
	if d.migrating.Load() {
		return errors.MigrationRequiredError("doccomplex: document requires migration before mutation").
			WithContext("docId", d.DocID).Build()
	}
	return nil
}

// markFailed records a fatal error; subsequent calls against this
// DocComplex should fail fast with the same error (spec §4.8).
func (d *DocComplex) markFailed(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failed == nil {
		d.failed = err
	}
}

// Failed reports the fatal error this DocComplex was marked with, if any.
func (d *DocComplex) Failed() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.failed
}

// setMigrating records whether this DocComplex currently requires
// migration before it accepts mutations (spec §4.7's STATUS_MIGRATE).
func (d *DocComplex) setMigrating(migrating bool) {
	d.migrating.Store(migrating)
}

// Stats returns a read-only snapshot of this document's state.
func (d *DocComplex) Stats(ctx context.Context) (Stats, error) {
	bodyRev, err := d.Body.CurrentRevNum(ctx)
	if err != nil {
		return Stats{}, err
	}
	caretRev, err := d.Caret.CurrentRevNum(ctx)
	if err != nil {
		return Stats{}, err
	}
	propRev, err := d.Property.CurrentRevNum(ctx)
	if err != nil {
		return Stats{}, err
	}
	return Stats{
		DocID:          d.DocID,
		BodyRevNum:     bodyRev,
		CaretRevNum:    caretRev,
		PropertyRevNum: propRev,
		ActiveSessions: d.Sessions.ActiveCount(),
	}, nil
}

// formatVersionPath is the well-known storage path for a document's
// format_version scalar (spec §3's persisted layout).
const formatVersionPath storage.Path = "/format_version"

// Registry is the process-global, per-docID DocComplex registry (spec
// §5's single-instance-per-document invariant): concurrent Open calls
// for the same docID share one DocComplex instead of racing to build
// independent ones.
type Registry struct {
	store   storage.Store
	opts    []control.Option
	log     *slog.Logger
	metrics metrics.Recorder

	mu   sync.Mutex
	docs map[string]*DocComplex
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithControlOptions propagates options (metrics, logger, clock,
// cache cap, retry policy) to every control.Stream a Registry builds.
func WithControlOptions(opts ...control.Option) RegistryOption {
	return func(r *Registry) { r.opts = append(r.opts, opts...) }
}

// WithLogger overrides the registry's logger; default is slog.Default().
func WithLogger(l *slog.Logger) RegistryOption {
	return func(r *Registry) { r.log = l }
}

// WithMetrics overrides the registry's own Recorder (for doc-open/
// active-doc gauges); default is metrics.NoopRecorder.
func WithMetrics(rec metrics.Recorder) RegistryOption {
	return func(r *Registry) { r.metrics = rec }
}

// NewRegistry builds a Registry backed by store.
func NewRegistry(store storage.Store, opts ...RegistryOption) *Registry {
	r := &Registry{store: store, docs: make(map[string]*DocComplex), log: slog.Default(), metrics: metrics.NoopRecorder{}}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Open implements spec §4.7's open lifecycle: absent file →
// StatusNotFound; format_version mismatch → StatusMigrate (the
// returned DocComplex refuses mutations until Migrate runs); stream
// validation failure → StatusError; otherwise StatusOK. Concurrent
// Open calls for the same docID return the same *DocComplex instance.
func (r *Registry) Open(ctx context.Context, docID string) (*DocComplex, Status, error) {
	exists, err := r.store.Exists(ctx, docID)
	if err != nil {
		return nil, StatusError, err
	}
	if !exists {
		return nil, StatusNotFound, nil
	}

	r.mu.Lock()
	if dc, ok := r.docs[docID]; ok {
		r.mu.Unlock()
		return dc, r.statusOf(ctx, dc), nil
	}
	dc := newDocComplex(r.store, docID, r.opts)
	r.docs[docID] = dc
	r.mu.Unlock()

	status, err := r.checkAndValidate(ctx, dc)
	if err != nil {
		r.log.WarnContext(ctx, "doccomplex: open failed validation", logfields.DocID(docID), logfields.Error(err))
		dc.markFailed(err)
		return dc, StatusError, nil
	}
	r.metrics.IncDocOpen(openStatusLabel(status))
	return dc, status, nil
}

func (r *Registry) statusOf(ctx context.Context, dc *DocComplex) Status {
	if dc.Failed() != nil {
		dc.setMigrating(false)
		return StatusError
	}
	version, err := r.readFormatVersion(ctx, dc.DocID)
	if err != nil || version != FormatVersion {
		dc.setMigrating(true)
		return StatusMigrate
	}
	dc.setMigrating(false)
	return StatusOK
}

func (r *Registry) checkAndValidate(ctx context.Context, dc *DocComplex) (Status, error) {
	version, err := r.readFormatVersion(ctx, dc.DocID)
	if err != nil {
		return StatusError, err
	}
	if version != FormatVersion {
		dc.setMigrating(true)
		return StatusMigrate, nil
	}
	if err := dc.Body.Validate(ctx); err != nil {
		return StatusError, err
	}
	if err := dc.Caret.Validate(ctx); err != nil {
		return StatusError, err
	}
	if err := dc.Property.Validate(ctx); err != nil {
		return StatusError, err
	}
	return StatusOK, nil
}

func (r *Registry) readFormatVersion(ctx context.Context, docID string) (string, error) {
	result, err := r.store.Transact(ctx, docID, []storage.Op{storage.ReadPath(formatVersionPath)})
	if err != nil {
		return "", err
	}
	raw, ok := result.Data[formatVersionPath]
	if !ok {
		return "", errors.CorruptError("doccomplex: format_version missing").WithContext("docId", docID).Build()
	}
	return string(raw), nil
}

// Create implements spec §4.7's create lifecycle: a single atomic
// transaction requiring format_version and every stream's
// revision_number to be absent, writing format_version, each stream's
// revision_number, an empty change/0 for every stream, and (if
// initialBody is non-nil) change/1 for the body.
func (r *Registry) Create(ctx context.Context, docID string, initialBody []byte) (*DocComplex, error) {
	if err := r.store.Create(ctx, docID); err != nil {
		return nil, err
	}

	emptyBody, err := changeBytes(control.Change{RevNum: 0, Delta: textdelta.Document("")})
	if err != nil {
		return nil, err
	}
	emptyCaret, err := changeBytes(control.Change{RevNum: 0, Delta: caretdelta.CaretDelta{}})
	if err != nil {
		return nil, err
	}
	emptyProperty, err := changeBytes(control.Change{RevNum: 0, Delta: propdelta.PropDelta{}})
	if err != nil {
		return nil, err
	}

	spec := []storage.Op{
		storage.CheckPathEmpty(formatVersionPath),
		storage.CheckPathEmpty("/body/revision_number"),
		storage.CheckPathEmpty("/caret/revision_number"),
		storage.CheckPathEmpty("/property/revision_number"),
		storage.WritePath(formatVersionPath, []byte(FormatVersion)),
		storage.WritePath("/body/change/0", emptyBody),
		storage.WritePath("/caret/change/0", emptyCaret),
		storage.WritePath("/property/change/0", emptyProperty),
	}

	bodyRev := "0"
	if len(initialBody) > 0 {
		initialChange, err := changeBytes(control.Change{RevNum: 1, Delta: textdelta.Document(string(initialBody))})
		if err != nil {
			return nil, err
		}
		spec = append(spec, storage.WritePath("/body/change/1", initialChange))
		bodyRev = "1"
	}
	spec = append(spec,
		storage.WritePath("/body/revision_number", []byte(bodyRev)),
		storage.WritePath("/caret/revision_number", []byte("0")),
		storage.WritePath("/property/revision_number", []byte("0")),
	)

	if _, err := r.store.Transact(ctx, docID, spec); err != nil {
		return nil, err
	}

	r.mu.Lock()
	dc := newDocComplex(r.store, docID, r.opts)
	r.docs[docID] = dc
	r.mu.Unlock()
	r.metrics.IncDocOpen(metrics.OpenStatusOK)
	return dc, nil
}

// Delete discards a document's storage-layer state and evicts it from
// the registry (spec §4.7). Deleting an absent document is not an error.
func (r *Registry) Delete(ctx context.Context, docID string) error {
	if err := r.store.Delete(ctx, docID); err != nil {
		return err
	}
	r.mu.Lock()
	delete(r.docs, docID)
	r.mu.Unlock()
	return nil
}

// Evict removes docID from the registry without touching storage, for
// use by the reaper once a DocComplex has no active sessions and has
// been idle (spec §9 names this as the gocron-driven sweep target).
func (r *Registry) Evict(docID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.docs, docID)
}

// Migrate forces a STATUS_MIGRATE document through format-version
// migration (spec §4.7): every stream must validate cleanly before
// format_version is stamped forward to FormatVersion. Bayou currently
// understands a single format_version, so there is no per-version
// upgrade logic to run yet — this is the hook a future format bump
// would extend. Migrating a document that isn't STATUS_MIGRATE is a
// no-op returning the opened DocComplex unchanged.
func (r *Registry) Migrate(ctx context.Context, docID string) (*DocComplex, Status, error) {
	dc, status, err := r.Open(ctx, docID)
	if err != nil || status != StatusMigrate {
		return dc, status, err
	}
	if err := dc.Body.Validate(ctx); err != nil {
		return dc, StatusError, err
	}
	if err := dc.Caret.Validate(ctx); err != nil {
		return dc, StatusError, err
	}
	if err := dc.Property.Validate(ctx); err != nil {
		return dc, StatusError, err
	}
	if _, err := r.store.Transact(ctx, docID, []storage.Op{
		storage.WritePath(formatVersionPath, []byte(FormatVersion)),
	}); err != nil {
		return dc, StatusError, err
	}
	r.Evict(docID)
	return r.Open(ctx, docID)
}

// Active returns every currently registered DocComplex, for the reaper sweep.
func (r *Registry) Active() []*DocComplex {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*DocComplex, 0, len(r.docs))
	for _, dc := range r.docs {
		out = append(out, dc)
	}
	return out
}

func openStatusLabel(s Status) metrics.OpenStatusLabel {
	switch s {
	case StatusOK:
		return metrics.OpenStatusOK
	case StatusMigrate:
		return metrics.OpenStatusMigrate
	case StatusNotFound:
		return metrics.OpenStatusNotFound
	default:
		return metrics.OpenStatusError
	}
}

func changeBytes(c control.Change) ([]byte, error) {
	return changereader.EncodeChange(c)
}
