package stream_test

import (
	"io"
	"testing"
	"time"

	charmlog "github.com/charmbracelet/log"
	"github.com/stretchr/testify/require"

	"github.com/chipsenkbeil/distant/client/stream"
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

func (c *memCarrier) Send(env *proto.Envelope) error {
	c.out <- env
	return nil
}

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

func newTestMux(t *testing.T) (*mailbox.Multiplexer, *memCarrier, *feed) {
	t.Helper()
	backend := log.NewBackend("ERROR")
	carrier := &memCarrier{out: make(chan *proto.Envelope, 64)}
	inbound := newFeed()
	return mailbox.New(inbound, carrier, "test", backend), carrier, inbound
}

func searchCfg() stream.Config {
	return stream.Config{
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
			return env.Kind == proto.KindSearchDone
		},
		Cancel: func(opID uint64) *proto.Envelope {
			env, _ := proto.Pack(proto.KindSearchCancel, &proto.SearchCancel{SearchID: opID})
			return env
		},
	}
}

// TestPreAckEventsQueueBeforeStart exercises spec.md section 8 invariant 6
// and end-to-end scenario E6: a pre-start event delivered before the start
// acknowledgement is handed to the consumer strictly before any event
// received after it.
func TestPreAckEventsQueueBeforeStart(t *testing.T) {
	mux, carrier, inbound := newTestMux(t)

	req, err := proto.Pack(proto.KindSearchStart, nil)
	require.NoError(t, err)
	req.ID = 1

	// Wait for Mail() to actually send the request before queueing fake
	// responses — Mail() registers the route before sending, so by the
	// time the request is observed here the route already exists and the
	// dispatch loop will deliver these responses rather than drop them.
	go func() {
		<-carrier.out
		inbound.push(&proto.Envelope{OriginID: 1, Kind: proto.KindSearchResults, Body: mustPack(t, &proto.SearchResults{
			SearchID: 42,
			Matches:  []proto.Match{{Path: "a.go", Line: "pre-ack match"}},
		})})
		inbound.push(&proto.Envelope{OriginID: 1, Kind: proto.KindSearchStarted, Body: mustPack(t, &proto.SearchStarted{SearchID: 42})})
	}()

	cfg := searchCfg()
	cfg.Request = req
	driver, err := stream.Start(mux, cfg, testLogger())
	require.NoError(t, err)
	require.Equal(t, uint64(42), driver.OperationID())

	env, ok := driver.Next()
	require.True(t, ok)
	var results proto.SearchResults
	require.NoError(t, env.Decode(&results))
	require.Len(t, results.Matches, 1)
	require.Equal(t, "pre-ack match", results.Matches[0].Line)

	inbound.push(&proto.Envelope{OriginID: 1, Kind: proto.KindSearchDone, Body: mustPack(t, &proto.SearchDone{SearchID: 42})})

	_, ok = driver.Next()
	require.False(t, ok)
}

// TestCancelSendsExactlyOneCancelRequest exercises spec.md section 8
// invariant 7.
func TestCancelSendsExactlyOneCancelRequest(t *testing.T) {
	mux, carrier, inbound := newTestMux(t)
	req, err := proto.Pack(proto.KindSearchStart, nil)
	require.NoError(t, err)
	req.ID = 7

	go func() {
		<-carrier.out
		inbound.push(&proto.Envelope{OriginID: 7, Kind: proto.KindSearchStarted, Body: mustPack(t, &proto.SearchStarted{SearchID: 9})})
	}()

	cfg := searchCfg()
	cfg.Request = req
	driver, err := stream.Start(mux, cfg, testLogger())
	require.NoError(t, err)

	require.NoError(t, driver.Cancel())
	require.NoError(t, driver.Cancel()) // idempotent: still exactly one send

	cancelReq := <-carrier.out
	require.Equal(t, proto.KindSearchCancel, cancelReq.Kind)
	select {
	case <-carrier.out:
		t.Fatal("Cancel() called twice sent more than one cancellation request")
	case <-time.After(50 * time.Millisecond):
	}

	select {
	case <-doneAfter(driver):
	case <-time.After(time.Second):
		t.Fatal("Next() did not return after Cancel()")
	}
}

func doneAfter(d *stream.Driver) <-chan struct{} {
	ch := make(chan struct{})
	go func() {
		for {
			if _, ok := d.Next(); !ok {
				close(ch)
				return
			}
		}
	}()
	return ch
}

func mustPack(t *testing.T, v interface{}) []byte {
	t.Helper()
	env, err := proto.Pack("x", v)
	require.NoError(t, err)
	return env.Body
}
