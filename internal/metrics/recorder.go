package metrics

import "time"

// StreamLabel names which control stream (body/caret/property) a
// metric observation belongs to.
type StreamLabel string

const (
	StreamBody     StreamLabel = "body"
	StreamCaret    StreamLabel = "caret"
	StreamProperty StreamLabel = "property"
)

// OpenStatusLabel mirrors DocComplex.open's outcome for metrics.
type OpenStatusLabel string

const (
	OpenStatusOK       OpenStatusLabel = "ok"
	OpenStatusMigrate  OpenStatusLabel = "migrate"
	OpenStatusNotFound OpenStatusLabel = "not_found"
	OpenStatusError    OpenStatusLabel = "error"
)

// Recorder defines observability hooks for the document control
// engine. Implementations may forward to Prometheus, OpenTelemetry,
// etc. All methods must be safe for nil receivers when using the
// NoopRecorder (allowing optional injection).
type Recorder interface {
	ObserveApplyChangeDuration(stream StreamLabel, d time.Duration, retries int)
	IncApplyChangeResult(stream StreamLabel, wireCode string)
	IncRetryAttempt(stream StreamLabel)
	IncRetryExhausted(stream StreamLabel)
	ObserveSnapshotCacheLookup(stream StreamLabel, hit bool)
	SetSnapshotCacheSize(stream StreamLabel, n int)
	SetActiveCarets(docID string, n int)
	IncCaretReaped(docID string)
	IncDocOpen(status OpenStatusLabel)
	SetActiveDocs(n int)
	ObserveChangeAfterWait(stream StreamLabel, d time.Duration, resolved bool)
}

// NoopRecorder is a Recorder that does nothing (default when metrics not configured).
type NoopRecorder struct{}

func (NoopRecorder) ObserveApplyChangeDuration(StreamLabel, time.Duration, int) {}
func (NoopRecorder) IncApplyChangeResult(StreamLabel, string)                   {}
func (NoopRecorder) IncRetryAttempt(StreamLabel)                                {}
func (NoopRecorder) IncRetryExhausted(StreamLabel)                              {}
func (NoopRecorder) ObserveSnapshotCacheLookup(StreamLabel, bool)               {}
func (NoopRecorder) SetSnapshotCacheSize(StreamLabel, int)                      {}
func (NoopRecorder) SetActiveCarets(string, int)                                {}
func (NoopRecorder) IncCaretReaped(string)                                      {}
func (NoopRecorder) IncDocOpen(OpenStatusLabel)                                 {}
func (NoopRecorder) SetActiveDocs(int)                                          {}
func (NoopRecorder) ObserveChangeAfterWait(StreamLabel, time.Duration, bool)    {}
