package watch_test

import (
	"io"
	"testing"

	charmlog "github.com/charmbracelet/log"
	"github.com/stretchr/testify/require"

	"github.com/chipsenkbeil/distant/client/watch"
	"github.com/chipsenkbeil/distant/core/log"
	"github.com/chipsenkbeil/distant/core/mailbox"
	"github.com/chipsenkbeil/distant/core/proto"
)

func testLogger() *charmlog.Logger {
	l := charmlog.New(io.Discard)
	l.SetLevel(charmlog.FatalLevel)
	return l
}

type memCarrier struct{ out chan *proto.Envelope }

func (c *memCarrier) Send(env *proto.Envelope) error { c.out <- env; return nil }

type feed struct {
	ch     chan *proto.Envelope
	closed chan struct{}
}

func newFeed() *feed { return &feed{ch: make(chan *proto.Envelope, 64), closed: make(chan struct{})} }

func (f *feed) Receive() (*proto.Envelope, error) {
	select {
	case env, ok := <-f.ch:
		if !ok {
			return nil, io.EOF
		}
		return env, nil
	case <-f.closed:
		return nil, io.EOF
	}
}

func (f *feed) push(env *proto.Envelope) { f.ch <- env }

// TestWatchDeliversChangesThenDone exercises spec.md section 4.5.3: each
// change notification decodes to a proto.Change, and Next() returns false
// once the server sends WatchDone for this watch id.
func TestWatchDeliversChangesThenDone(t *testing.T) {
	backend := log.NewBackend("ERROR")
	carrier := &memCarrier{out: make(chan *proto.Envelope, 64)}
	inbound := newFeed()
	mux := mailbox.New(inbound, carrier, "test", backend)

	go func() {
		req := <-carrier.out

		started, _ := proto.Pack(proto.KindWatchStarted, &proto.WatchStarted{WatchID: 3})
		started.OriginID = req.ID
		inbound.push(started)

		change, _ := proto.Pack(proto.KindWatchChange, &proto.Change{Path: "/tmp/x", Kind: proto.ChangeModify})
		change.OriginID = req.ID
		inbound.push(change)

		done, _ := proto.Pack(proto.KindWatchDone, &proto.WatchDone{WatchID: 3})
		done.OriginID = req.ID
		inbound.push(done)
	}()

	session, err := watch.Start(mux, map[string]string{"path": "/tmp/x"}, testLogger())
	require.NoError(t, err)
	require.Equal(t, uint64(3), session.WatchID())

	change, ok := session.Next()
	require.True(t, ok)
	require.Equal(t, "/tmp/x", change.Path)
	require.Equal(t, proto.ChangeModify, change.Kind)

	_, ok = session.Next()
	require.False(t, ok)
}

// TestWatchCancelDelegatesToUnwatch exercises spec.md section 4.5.3's
// cancellation request, keyed by watch id via KindUnwatch.
func TestWatchCancelDelegatesToUnwatch(t *testing.T) {
	backend := log.NewBackend("ERROR")
	carrier := &memCarrier{out: make(chan *proto.Envelope, 64)}
	inbound := newFeed()
	mux := mailbox.New(inbound, carrier, "test", backend)

	go func() {
		req := <-carrier.out
		started, _ := proto.Pack(proto.KindWatchStarted, &proto.WatchStarted{WatchID: 11})
		started.OriginID = req.ID
		inbound.push(started)
	}()

	session, err := watch.Start(mux, map[string]string{"path": "/tmp/y"}, testLogger())
	require.NoError(t, err)

	require.NoError(t, session.Cancel())

	cancelReq := <-carrier.out
	require.Equal(t, proto.KindUnwatch, cancelReq.Kind)
	var unwatch proto.Unwatch
	require.NoError(t, cancelReq.Decode(&unwatch))
	require.Equal(t, uint64(11), unwatch.WatchID)
}
