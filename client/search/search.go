// Package search implements the client-side search streaming driver
// (spec.md section 4.5.2): a Session adapts the search request/event-
// stream exchange into a simple Next/Cancel interface, flattening each
// response's batch of matches into one-at-a-time delivery.
package search

import (
	charmlog "github.com/charmbracelet/log"

	"github.com/chipsenkbeil/distant/client/stream"
	"github.com/chipsenkbeil/distant/core/mailbox"
	"github.com/chipsenkbeil/distant/core/proto"
)

// Session is a client-side search operation in progress.
type Session struct {
	driver *stream.Driver
	buf    []proto.Match
}

// Start submits query (a server-defined search specification, passed
// through untouched) and blocks until the server acknowledges it with a
// search id.
func Start(mux *mailbox.Multiplexer, query interface{}, logger *charmlog.Logger) (*Session, error) {
	req, err := proto.Pack(proto.KindSearchStart, query)
	if err != nil {
		return nil, err
	}

	driver, err := stream.Start(mux, stream.Config{
		Request: req,
		IsEvent: func(kind string) bool { return kind == proto.KindSearchResults },
		ParseStart: func(env *proto.Envelope) (uint64, bool) {
			if env.Kind != proto.KindSearchStarted {
				return 0, false
			}
			var started proto.SearchStarted
			if err := env.Decode(&started); err != nil {
				return 0, false
			}
			return started.SearchID, true
		},
		IsTerminal: func(env *proto.Envelope, opID uint64) bool {
			if env.Kind != proto.KindSearchDone {
				return false
			}
			var done proto.SearchDone
			if err := env.Decode(&done); err != nil {
				return false
			}
			return done.SearchID == opID
		},
		Cancel: func(opID uint64) *proto.Envelope {
			env, _ := proto.Pack(proto.KindSearchCancel, &proto.SearchCancel{SearchID: opID})
			return env
		},
	}, logger)
	if err != nil {
		return nil, err
	}
	return &Session{driver: driver}, nil
}

// SearchID returns the server-assigned id for this search.
func (s *Session) SearchID() uint64 { return s.driver.OperationID() }

// Next returns the next match, forwarded one at a time even when the
// server batched several matches into a single response (spec.md section
// 4.5.2), or false once the search is done or cancelled.
func (s *Session) Next() (*proto.Match, bool) {
	for len(s.buf) == 0 {
		env, ok := s.driver.Next()
		if !ok {
			return nil, false
		}
		var results proto.SearchResults
		if err := env.Decode(&results); err != nil {
			continue
		}
		s.buf = results.Matches
	}
	m := s.buf[0]
	s.buf = s.buf[1:]
	return &m, true
}

// Cancel requests that the server stop the search, keyed by search id
// (spec.md section 4.5.2).
func (s *Session) Cancel() error { return s.driver.Cancel() }
