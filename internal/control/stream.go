// Package control implements the generic control-stream abstraction
// spec §9 asks for in place of a BaseControl inheritance chain: one
// Stream type, parameterized by an Adapter naming the stream's delta
// algebra and storage namespace, serves BodyControl, CaretControl and
// PropertyControl alike (spec §4.1-§4.3).
package control

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/inful/bayou/internal/changereader"
	"github.com/inful/bayou/internal/delta"
	"github.com/inful/bayou/internal/foundation/errors"
	"github.com/inful/bayou/internal/logfields"
	"github.com/inful/bayou/internal/metrics"
	"github.com/inful/bayou/internal/retry"
	"github.com/inful/bayou/internal/snapshotcache"
	"github.com/inful/bayou/internal/storage"
)

// Change is one entry in a stream's append-only log.
type Change = changereader.Change

// Snapshot is the composed state at a given revision.
type Snapshot struct {
	RevNum   int64
	Contents delta.Delta
}

// Adapter names one stream's delta algebra and storage namespace.
// This is the generalization spec §9 asks for in place of
// snapshotClass/pathPrefix/validateChange overrides on a BaseControl
// subclass: a Stream is constructed around one Adapter value instead
// of inheriting from a shared base type.
type Adapter struct {
	Algebra    delta.Algebra
	PathPrefix storage.Path
	Name       metrics.StreamLabel
}

// validationProbeWindow is how many revisions beyond the recorded head
// Validate checks for dangling change keys (spec §4.1).
const validationProbeWindow = 10

// appendRetryBudget bounds the total wall-clock time applyChange's
// retry loop may spend before failing too_many_retries (spec §4.1.d).
const appendRetryBudget = 20 * time.Second

// Stream is one revisioned append-only log (body, caret, or property)
// within one document, plus its snapshot cache and change reader.
type Stream struct {
	adapter Adapter
	store   storage.Store
	docID   string
	cache   *snapshotcache.Cache
	reader  *changereader.Reader
	retry   retry.Policy
	metrics metrics.Recorder
	logger  *slog.Logger
	now     func() time.Time
	tracer  trace.Tracer

	// mutationGate is consulted at the top of every mutating call.
	// Returning non-nil refuses the mutation without touching storage.
	// Default is a no-op gate; DocComplex wires one that checks the
	// document's migrate/failed status (spec §4.7, §4.8) so a caller
	// reaching a Stream directly cannot bypass the CLI/transport-level
	// check that used to be the only thing enforcing it.
	mutationGate func() error

	// writeMu enforces the single-writer discipline spec §5 requires:
	// at most one in-flight applyChange attempt-and-commit per control.
	writeMu sync.Mutex
}

// Option configures a Stream at construction.
type Option func(*Stream)

// WithMetrics injects a metrics.Recorder; default is metrics.NoopRecorder.
func WithMetrics(r metrics.Recorder) Option { return func(s *Stream) { s.metrics = r } }

// WithLogger injects a *slog.Logger; default is slog.Default().
func WithLogger(l *slog.Logger) Option { return func(s *Stream) { s.logger = l } }

// WithClock overrides time.Now, for deterministic retry-budget tests.
func WithClock(now func() time.Time) Option { return func(s *Stream) { s.now = now } }

// WithCacheCap overrides the snapshot cache's soft cap.
func WithCacheCap(n int) Option {
	return func(s *Stream) { s.cache = snapshotcache.New(n) }
}

// WithRetryPolicy overrides the conditional-append backoff policy.
func WithRetryPolicy(p retry.Policy) Option { return func(s *Stream) { s.retry = p } }

// WithMutationGate installs a check run at the start of ApplyChange;
// a non-nil return refuses the mutation before any storage access.
func WithMutationGate(gate func() error) Option {
	return func(s *Stream) { s.mutationGate = gate }
}

// WithTracer enables tracing spans around ApplyChange and
// GetChangeAfter, the two operations on this stream that may suspend
// (spec §5's suspension-point list). Default is the otel no-op tracer,
// so tracing is purely additive until a deployment wires a real
// exporter via otel.SetTracerProvider.
func WithTracer(t trace.Tracer) Option { return func(s *Stream) { s.tracer = t } }

// New builds a Stream for one (document, stream) pair.
func New(store storage.Store, docID string, adapter Adapter, opts ...Option) *Stream {
	s := &Stream{
		adapter: adapter,
		store:   store,
		docID:   docID,
		cache:   snapshotcache.New(snapshotcache.DefaultCap),
		reader:  changereader.New(store, docID, adapter.PathPrefix, adapter.Algebra),
		retry:   retry.AppendRetryPolicy(),
		metrics: metrics.NoopRecorder{},
		logger:  slog.Default(),
		now:          time.Now,
		tracer:       otel.Tracer("github.com/inful/bayou/internal/control"),
		mutationGate: func() error { return nil },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CurrentRevNum reads the log head.
func (s *Stream) CurrentRevNum(ctx context.Context) (int64, error) {
	rev, _, err := s.reader.ReadHead(ctx)
	return rev, err
}

// GetSnapshot returns the snapshot at rev, or the current head if rev
// is nil. Fails revision_not_available if rev is out of range.
func (s *Stream) GetSnapshot(ctx context.Context, rev *int64) (Snapshot, error) {
	head, _, err := s.reader.ReadHead(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	target := head
	if rev != nil {
		target = *rev
	}
	if target < 0 || target > head {
		return Snapshot{}, errors.RevisionRangeError("control: revision not available").
			WithContext("rev", target).WithContext("head", head).Build()
	}
	isHead := target == head
	contents, hit, err := s.lookupOrCompute(ctx, target, isHead)
	s.metrics.ObserveSnapshotCacheLookup(s.adapter.Name, hit)
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{RevNum: target, Contents: contents}, nil
}

func (s *Stream) lookupOrCompute(ctx context.Context, rev int64, isHead bool) (delta.Delta, bool, error) {
	if d, ok := s.cache.Get(rev); ok {
		if isHead {
			s.cache.Put(rev, d, true)
		}
		return d, true, nil
	}
	d, err := s.cache.GetOrCompute(ctx, rev, isHead, func(ctx context.Context) (delta.Delta, error) {
		return s.computeSnapshot(ctx, rev)
	})
	s.metrics.SetSnapshotCacheSize(s.adapter.Name, s.cache.Len())
	return d, false, err
}

func (s *Stream) computeSnapshot(ctx context.Context, rev int64) (delta.Delta, error) {
	baseRev, baseContents, ok := s.cache.Nearest(rev)
	if !ok {
		baseRev, baseContents = 0, s.adapter.Algebra.Identity()
	}
	if baseRev == rev {
		return baseContents, nil
	}

	changes, err := s.reader.ReadRange(ctx, baseRev+1, rev+1)
	if err != nil {
		return nil, err
	}
	contents := baseContents
	for _, c := range changes {
		contents, err = contents.Compose(c.Delta)
		if err != nil {
			return nil, errors.WrapError(err, errors.CategoryInvariant, "control: compose while rebuilding snapshot failed").Build()
		}
	}
	if !contents.IsDocument() {
		return nil, errors.InvariantError("control: rebuilt snapshot is not a document").
			WithContext("rev", rev).Build()
	}
	return contents, nil
}

// GetChange returns a single change, failing revision_not_available if absent.
func (s *Stream) GetChange(ctx context.Context, rev int64) (Change, error) {
	changes, err := s.reader.ReadRange(ctx, rev, rev+1)
	if err != nil {
		return Change{}, err
	}
	return changes[0], nil
}

// GetComposedChanges composes base with change/startInc..change/endExc-1.
func (s *Stream) GetComposedChanges(ctx context.Context, base delta.Delta, startInc, endExc int64) (delta.Delta, error) {
	head, _, err := s.reader.ReadHead(ctx)
	if err != nil {
		return nil, err
	}
	if startInc < 0 || endExc > head+1 || startInc > endExc {
		return nil, errors.RevisionRangeError("control: composed-change range out of bounds").
			WithContext("startInc", startInc).WithContext("endExc", endExc).WithContext("head", head).Build()
	}
	changes, err := s.reader.ReadRange(ctx, startInc, endExc)
	if err != nil {
		return nil, err
	}
	result := base
	for _, c := range changes {
		result, err = result.Compose(c.Delta)
		if err != nil {
			return nil, errors.WrapError(err, errors.CategoryInvariant, "control: compose in getComposedChanges failed").Build()
		}
	}
	return result, nil
}

// GetChangeAfter returns a synthesized change whose revNum is the
// current head and whose delta composes baseRev+1..head. If baseRev
// equals the current head, suspends until the head advances or
// timeout elapses (timeout <= 0 means no timeout).
func (s *Stream) GetChangeAfter(ctx context.Context, baseRev int64, timeout time.Duration) (Change, error) {
	ctx, span := s.tracer.Start(ctx, "bayou.get_change_after", trace.WithAttributes(
		attribute.String("doc_id", s.docID),
		attribute.String("stream", string(s.adapter.Name)),
		attribute.Int64("base_rev", baseRev),
	))
	defer span.End()

	start := s.now()
	for {
		head, fileRev, err := s.reader.ReadHead(ctx)
		if err != nil {
			return Change{}, err
		}
		if head > baseRev {
			composed, err := s.GetComposedChanges(ctx, s.adapter.Algebra.Identity(), baseRev+1, head+1)
			if err != nil {
				return Change{}, err
			}
			s.metrics.ObserveChangeAfterWait(s.adapter.Name, s.now().Sub(start), true)
			return Change{RevNum: head, Delta: composed}, nil
		}
		if err := s.reader.WaitForChangeAfter(ctx, fileRev, timeout); err != nil {
			s.metrics.ObserveChangeAfterWait(s.adapter.Name, s.now().Sub(start), false)
			return Change{}, err
		}
	}
}

// ApplyChange runs the OT apply algorithm (spec §4.1) and returns the
// correction change: revNum is the new head, and composing the
// client's expected result with delta yields the new head's contents.
func (s *Stream) ApplyChange(ctx context.Context, baseRev int64, d delta.Delta, authorID string) (result Change, err error) {
	if err := s.mutationGate(); err != nil {
		return Change{}, s.fail(err)
	}

	ctx, span := s.tracer.Start(ctx, "bayou.apply_change", trace.WithAttributes(
		attribute.String("doc_id", s.docID),
		attribute.String("stream", string(s.adapter.Name)),
		attribute.Int64("base_rev", baseRev),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
		}
		span.End()
	}()

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	start := s.now()
	attempts := 0
	defer func() {
		s.metrics.ObserveApplyChangeDuration(s.adapter.Name, s.now().Sub(start), attempts)
	}()

	head, _, err := s.reader.ReadHead(ctx)
	if err != nil {
		return Change{}, s.fail(err)
	}
	if baseRev < 0 || baseRev > head {
		return Change{}, s.fail(errors.RevisionRangeError("control: baseRev exceeds current head").
			WithContext("baseRev", baseRev).WithContext("head", head).Build())
	}

	if d.IsEmpty() {
		return Change{RevNum: baseRev, Delta: s.adapter.Algebra.Identity()}, nil
	}

	baseSnap, err := s.GetSnapshot(ctx, &baseRev)
	if err != nil {
		return Change{}, s.fail(err)
	}
	expected, err := baseSnap.Contents.Compose(d)
	if err != nil {
		return Change{}, s.fail(errors.WrapError(err, errors.CategoryBadValue, "control: delta does not apply to base snapshot").Build())
	}

	deadline := start.Add(appendRetryBudget)

	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return Change{}, s.fail(errors.AbortedError("control: applyChange cancelled").Build())
		}
		if s.now().After(deadline) {
			s.metrics.IncRetryExhausted(s.adapter.Name)
			return Change{}, s.fail(errors.RetryExhaustedError("control: applyChange exceeded retry budget").
				WithContext("attempts", attempt-1).Build())
		}

		current, err := s.GetSnapshot(ctx, nil)
		if err != nil {
			return Change{}, s.fail(err)
		}

		var (
			result     Change
			conflict   bool
			correction delta.Delta
		)

		if current.RevNum == baseSnap.RevNum {
			newContents, cerr := current.Contents.Compose(d)
			if cerr != nil {
				return Change{}, s.fail(errors.WrapError(cerr, errors.CategoryInvariant, "control: fast-path compose failed").Build())
			}
			if !newContents.IsDocument() {
				return Change{}, s.fail(errors.InvariantError("control: fast-path result is not a document").Build())
			}
			result, conflict, err = s.attemptAppend(ctx, current.RevNum+1, d, authorID, newContents)
			if err != nil {
				return Change{}, s.fail(err)
			}
			correction = s.adapter.Algebra.Identity()
		} else {
			dServer, err := s.GetComposedChanges(ctx, s.adapter.Algebra.Identity(), baseSnap.RevNum+1, current.RevNum+1)
			if err != nil {
				return Change{}, s.fail(err)
			}
			dNext, err := dServer.Transform(d, true)
			if err != nil {
				return Change{}, s.fail(errors.WrapError(err, errors.CategoryInvariant, "control: transform failed").Build())
			}
			if dNext.IsEmpty() {
				return Change{RevNum: current.RevNum, Delta: s.adapter.Algebra.Identity()}, nil
			}
			newContents, cerr := current.Contents.Compose(dNext)
			if cerr != nil {
				return Change{}, s.fail(errors.WrapError(cerr, errors.CategoryInvariant, "control: rebase-path compose failed").Build())
			}
			if !newContents.IsDocument() {
				return Change{}, s.fail(errors.InvariantError("control: rebase-path result is not a document").Build())
			}
			result, conflict, err = s.attemptAppend(ctx, current.RevNum+1, dNext, authorID, newContents)
			if err != nil {
				return Change{}, s.fail(err)
			}
			if !conflict {
				correction, err = expected.Diff(newContents)
				if err != nil {
					return Change{}, s.fail(errors.WrapError(err, errors.CategoryInvariant, "control: correction diff failed").Build())
				}
			}
		}

		if !conflict {
			result.Delta = correction
			s.metrics.IncApplyChangeResult(s.adapter.Name, "")
			return result, nil
		}

		attempts = attempt
		s.metrics.IncRetryAttempt(s.adapter.Name)
		s.logger.DebugContext(ctx, "control: conditional append lost race, retrying",
			logfields.Stream(string(s.adapter.Name)), logfields.Attempt(attempt))

		select {
		case <-ctx.Done():
			return Change{}, s.fail(errors.AbortedError("control: applyChange cancelled during backoff").Build())
		case <-time.After(s.retry.Delay(attempt)):
		}
	}
}

// attemptAppend runs the conditional-append primitive (spec §4.1): a
// transaction that checks change/<revNum> is empty, writes it, and
// bumps revision_number. A path_not_empty conflict is reported as
// (zero, true, nil) for the caller's retry loop to consume.
func (s *Stream) attemptAppend(ctx context.Context, revNum int64, appendDelta delta.Delta, authorID string, resultContents delta.Delta) (Change, bool, error) {
	change := Change{RevNum: revNum, Delta: appendDelta, Timestamp: s.now().UnixMilli(), AuthorID: authorID}
	data, err := changereader.EncodeChange(change)
	if err != nil {
		return Change{}, false, errors.WrapError(err, errors.CategoryInternal, "control: encode change failed").Build()
	}

	spec := []storage.Op{
		storage.CheckPathEmpty(s.reader.ChangePath(revNum)),
		storage.WritePath(s.reader.ChangePath(revNum), data),
		storage.WritePath(s.reader.RevisionNumberPath(), []byte(strconv.FormatInt(revNum, 10))),
	}
	if _, err := s.store.Transact(ctx, s.docID, spec); err != nil {
		if storage.IsKind(err, storage.KindPathNotEmpty) {
			return Change{}, true, nil
		}
		return Change{}, false, changereader.ClassifyStoreError(err)
	}
	s.cache.Put(revNum, resultContents, true)
	return Change{RevNum: revNum}, false, nil
}

// fail logs a non-nil error at the appropriate level before returning
// it, so every applyChange failure is observable without callers
// having to log at every call site.
func (s *Stream) fail(err error) error {
	if err == nil {
		return nil
	}
	code := errors.CodeFromError(err)
	s.metrics.IncApplyChangeResult(s.adapter.Name, code)
	s.logger.WarnContext(context.Background(), "control: operation failed",
		logfields.Stream(string(s.adapter.Name)), logfields.WireCode(code), logfields.Error(err))
	return err
}

// Validate runs the on-open validation pass spec §4.1 describes: every
// revision 0..head must exist, decode, and carry revNum == its index;
// revision 0 must be empty; and no change/* keys may exist beyond head
// for validationProbeWindow revisions (a sign of a torn write or a
// corrupted revision_number counter). A failure here is
// storage_corrupt and the owning DocComplex must be marked unusable.
func (s *Stream) Validate(ctx context.Context) error {
	head, _, err := s.reader.ReadHead(ctx)
	if err != nil {
		return err
	}

	changes, err := s.reader.ReadRange(ctx, 0, head+1)
	if err != nil {
		return errors.WrapError(err, errors.CategoryCorrupt, "control: validation failed to read change log").Build()
	}
	if len(changes) == 0 || !changes[0].Delta.IsEmpty() {
		return errors.CorruptError("control: revision 0 is not empty").
			WithContext("stream", string(s.adapter.Name)).Build()
	}
	for i, c := range changes {
		if c.RevNum != int64(i) {
			return errors.CorruptError("control: change revNum does not match its position").
				WithContext("stream", string(s.adapter.Name)).
				WithContext("expected", i).WithContext("got", c.RevNum).Build()
		}
	}

	probeSpec := make([]storage.Op, 0, validationProbeWindow)
	for rev := head + 1; rev <= head+validationProbeWindow; rev++ {
		probeSpec = append(probeSpec, storage.CheckPathEmpty(s.reader.ChangePath(rev)))
	}
	if _, err := s.store.Transact(ctx, s.docID, probeSpec); err != nil {
		if storage.IsKind(err, storage.KindPathNotEmpty) {
			return errors.CorruptError("control: dangling change beyond recorded head").
				WithContext("stream", string(s.adapter.Name)).WithContext("head", head).Build()
		}
		return changereader.ClassifyStoreError(err)
	}
	return nil
}
