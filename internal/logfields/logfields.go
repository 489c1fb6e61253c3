// Package logfields provides canonical log field names and helpers
// for structured logging across the document control engine.
package logfields

import "log/slog"

// Canonical log field name constants to avoid drift across packages.
// These are used for structured logging with slog.
const (
	KeyDocID      = "doc_id"
	KeyStream     = "stream"
	KeyRevNum     = "rev_num"
	KeyBaseRevNum = "base_rev_num"
	KeyAuthorID   = "author_id"
	KeyCaretID    = "caret_id"
	KeyAttempt    = "attempt"
	KeyWireCode   = "wire_code"
	KeyDurationMS = "duration_ms"
	KeyError      = "error"
	KeyPath       = "path"
	KeyFile       = "file"
	KeyMethod     = "method"
	KeyUserAgent  = "user_agent"
	KeyRemoteAddr = "remote_addr"
	KeyRequestID  = "request_id"
	KeyStatus     = "status"
	KeyResponseSz = "response_size"
	KeyName       = "name"
	KeyURL        = "url"
)

// DocID returns a slog.Attr for the document ID field.
func DocID(id string) slog.Attr { return slog.String(KeyDocID, id) }

// Stream returns a slog.Attr for the control stream name (body/caret/property).
func Stream(name string) slog.Attr { return slog.String(KeyStream, name) }

// RevNum returns a slog.Attr for a revision number.
func RevNum(n int64) slog.Attr { return slog.Int64(KeyRevNum, n) }

// BaseRevNum returns a slog.Attr for the base revision number of an applyChange call.
func BaseRevNum(n int64) slog.Attr { return slog.Int64(KeyBaseRevNum, n) }

// AuthorID returns a slog.Attr for the acting author's ID.
func AuthorID(id string) slog.Attr { return slog.String(KeyAuthorID, id) }

// CaretID returns a slog.Attr for a caret's ID.
func CaretID(id string) slog.Attr { return slog.String(KeyCaretID, id) }

// Attempt returns a slog.Attr for a retry-loop attempt number.
func Attempt(n int) slog.Attr { return slog.Int(KeyAttempt, n) }

// WireCode returns a slog.Attr for a classified error's wire code.
func WireCode(code string) slog.Attr { return slog.String(KeyWireCode, code) }

// DurationMS returns a slog.Attr for duration in ms.
func DurationMS(ms float64) slog.Attr { return slog.Float64(KeyDurationMS, ms) }

// Path returns a slog.Attr for a storage path.
func Path(p string) slog.Attr { return slog.String(KeyPath, p) }

// File returns a slog.Attr for a file name.
func File(f string) slog.Attr { return slog.String(KeyFile, f) }

// Method returns a slog.Attr for an HTTP method.
func Method(m string) slog.Attr { return slog.String(KeyMethod, m) }

// UserAgent returns a slog.Attr for a user agent string.
func UserAgent(ua string) slog.Attr { return slog.String(KeyUserAgent, ua) }

// RemoteAddr returns a slog.Attr for a remote address.
func RemoteAddr(a string) slog.Attr { return slog.String(KeyRemoteAddr, a) }

// RequestID returns a slog.Attr for a request ID.
func RequestID(id string) slog.Attr { return slog.String(KeyRequestID, id) }

// Status returns a slog.Attr for an HTTP status code.
func Status(code int) slog.Attr { return slog.Int(KeyStatus, code) }

// ResponseSize returns a slog.Attr for a response size in bytes.
func ResponseSize(sz int) slog.Attr { return slog.Int(KeyResponseSz, sz) }

// Name returns a slog.Attr for a generic name field.
func Name(n string) slog.Attr { return slog.String(KeyName, n) }

// URL returns a slog.Attr for a URL field.
func URL(u string) slog.Attr { return slog.String(KeyURL, u) }

// Error returns a slog.Attr for an error, or an empty string if nil.
func Error(err error) slog.Attr {
	if err == nil {
		return slog.String(KeyError, "")
	}
	return slog.String(KeyError, err.Error())
}
