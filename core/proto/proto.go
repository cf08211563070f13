// Package proto defines the wire-level request/response envelope that the
// mailbox multiplexer (C3) routes, plus the handful of control-plane
// message bodies the streaming drivers (C5) need. The concrete menu of
// filesystem/process request variants is explicitly out of scope (spec.md
// Non-goals) and delegated to the server implementation; callers pass
// their own Kind/Body through Pack/Decode untouched.
package proto

import "github.com/fxamacker/cbor/v2"

// Envelope is the triple spec.md section 3 calls a Request: an id, an
// optional origin id (present on responses, echoing the request they
// answer), and an opaque payload. It is exactly what core/transport
// serializes onto the wire — one Envelope per frame.
type Envelope struct {
	ID       uint64
	OriginID uint64 // zero means "this is not a response"
	Kind     string
	Body     []byte // cbor-encoded, Kind-specific
}

// Marshal implements the Command-style Marshal/Unmarshal pair used
// throughout the teacher corpus (server/cborplugin.Request.Marshal).
func (e *Envelope) Marshal() ([]byte, error) { return cbor.Marshal(e) }

// Unmarshal implements the Command-style Marshal/Unmarshal pair used
// throughout the teacher corpus (server/cborplugin.Request.Unmarshal).
func (e *Envelope) Unmarshal(b []byte) error { return cbor.Unmarshal(b, e) }

// IsResponse reports whether this envelope answers an earlier request.
func (e *Envelope) IsResponse() bool { return e.OriginID != 0 }

// Pack encodes v as an Envelope's Body under the given Kind tag.
func Pack(kind string, v interface{}) (*Envelope, error) {
	b, err := cbor.Marshal(v)
	if err != nil {
		return nil, err
	}
	return &Envelope{Kind: kind, Body: b}, nil
}

// Decode unmarshals the envelope's Body into v, which must match the type
// the Kind tag implies.
func (e *Envelope) Decode(v interface{}) error {
	return cbor.Unmarshal(e.Body, v)
}

// Control-plane message kinds used by the streaming operation drivers
// (C5) and the PTY process supervisor's request surface. Filesystem and
// metadata request/response kinds belong to the server implementation and
// are intentionally absent here.
const (
	KindSearchStart   = "search.start"
	KindSearchStarted = "search.started"
	KindSearchResults = "search.results"
	KindSearchDone    = "search.done"
	KindSearchCancel  = "search.cancel"

	KindWatchStart   = "watch.start"
	KindWatchStarted = "watch.started"
	KindWatchChange  = "watch.change"
	KindWatchDone    = "watch.done"
	KindUnwatch      = "watch.cancel"

	KindError = "error"
)

// SearchStarted is the start acknowledgement for a search request; it
// carries the server-assigned search id matches and the terminal marker
// reference by.
type SearchStarted struct {
	SearchID uint64
}

// Match is one search hit. The exact schema of a match is a server
// concern (Non-goal); this shape is representative and sufficient to
// drive the client-side search session.
type Match struct {
	Path       string
	LineNumber uint64
	Line       string
	Submatches []string
}

// SearchResults carries zero or more matches for an in-flight search. A
// single response frame may batch many matches, and — per spec.md
// section 4.5.1 — may arrive before the SearchStarted acknowledgement.
type SearchResults struct {
	SearchID uint64
	Matches  []Match
}

// SearchDone is the terminal marker for a search operation.
type SearchDone struct {
	SearchID uint64
}

// SearchCancel requests that the server stop producing results for
// SearchID and emit SearchDone.
type SearchCancel struct {
	SearchID uint64
}

// WatchStarted is the start acknowledgement for a watch request.
type WatchStarted struct {
	WatchID uint64
}

// ChangeKind enumerates the filesystem change kinds a watch session can
// report. The full taxonomy is a server concern; these cover the common
// cases streaming drivers need to exercise.
type ChangeKind string

const (
	ChangeCreate ChangeKind = "create"
	ChangeModify ChangeKind = "modify"
	ChangeRemove ChangeKind = "remove"
	ChangeRename ChangeKind = "rename"
)

// Change is one filesystem change notification.
type Change struct {
	WatchID uint64
	Kind    ChangeKind
	Path    string
}

// WatchDone is the terminal marker for a watch operation (explicit
// "watch done"/session-closed per spec.md section 4.5.3).
type WatchDone struct {
	WatchID uint64
}

// Unwatch requests that the server stop a watch session.
type Unwatch struct {
	WatchID uint64
}

// ErrorPayload is the body of a KindError envelope.
type ErrorPayload struct {
	Message string
}
