// Package watch implements the client-side filesystem-watch streaming
// driver (spec.md section 4.5.3): a Session adapts the watch request/
// change-notification exchange into a simple Next/Cancel interface.
package watch

import (
	charmlog "github.com/charmbracelet/log"

	"github.com/chipsenkbeil/distant/client/stream"
	"github.com/chipsenkbeil/distant/core/mailbox"
	"github.com/chipsenkbeil/distant/core/proto"
)

// Session is a client-side watch operation in progress.
type Session struct {
	driver *stream.Driver
}

// Start submits target (a server-defined watch target, passed through
// untouched) and blocks until the server acknowledges it with a watch id.
func Start(mux *mailbox.Multiplexer, target interface{}, logger *charmlog.Logger) (*Session, error) {
	req, err := proto.Pack(proto.KindWatchStart, target)
	if err != nil {
		return nil, err
	}

	driver, err := stream.Start(mux, stream.Config{
		Request: req,
		IsEvent: func(kind string) bool { return kind == proto.KindWatchChange },
		ParseStart: func(env *proto.Envelope) (uint64, bool) {
			if env.Kind != proto.KindWatchStarted {
				return 0, false
			}
			var started proto.WatchStarted
			if err := env.Decode(&started); err != nil {
				return 0, false
			}
			return started.WatchID, true
		},
		IsTerminal: func(env *proto.Envelope, opID uint64) bool {
			if env.Kind != proto.KindWatchDone {
				return false
			}
			var done proto.WatchDone
			if err := env.Decode(&done); err != nil {
				return false
			}
			return done.WatchID == opID
		},
		Cancel: func(opID uint64) *proto.Envelope {
			env, _ := proto.Pack(proto.KindUnwatch, &proto.Unwatch{WatchID: opID})
			return env
		},
	}, logger)
	if err != nil {
		return nil, err
	}
	return &Session{driver: driver}, nil
}

// WatchID returns the server-assigned id for this watch session.
func (s *Session) WatchID() uint64 { return s.driver.OperationID() }

// Next returns the next filesystem change notification, or false once the
// watch session is done or cancelled.
func (s *Session) Next() (*proto.Change, bool) {
	env, ok := s.driver.Next()
	if !ok {
		return nil, false
	}
	var change proto.Change
	if err := env.Decode(&change); err != nil {
		return nil, false
	}
	return &change, true
}

// Cancel issues an "unwatch" request keyed by watch id (spec.md section
// 4.5.3).
func (s *Session) Cancel() error { return s.driver.Cancel() }
