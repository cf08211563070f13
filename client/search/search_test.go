package search_test

import (
	"io"
	"testing"

	charmlog "github.com/charmbracelet/log"
	"github.com/stretchr/testify/require"

	"github.com/chipsenkbeil/distant/client/search"
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

// TestSearchDeliversMatchesOneByOne exercises spec.md section 4.5.2: a
// single SearchResults response carrying several matches is forwarded to
// the consumer one match at a time, terminating on SearchDone.
func TestSearchDeliversMatchesOneByOne(t *testing.T) {
	backend := log.NewBackend("ERROR")
	carrier := &memCarrier{out: make(chan *proto.Envelope, 64)}
	inbound := newFeed()
	mux := mailbox.New(inbound, carrier, "test", backend)

	go func() {
		req := <-carrier.out
		env, _ := proto.Pack(proto.KindSearchStarted, &proto.SearchStarted{SearchID: 7})
		env.OriginID = req.ID
		inbound.push(env)

		results, _ := proto.Pack(proto.KindSearchResults, &proto.SearchResults{
			SearchID: 7,
			Matches: []proto.Match{
				{Path: "a.go", Line: "one"},
				{Path: "a.go", Line: "two"},
			},
		})
		results.OriginID = req.ID
		inbound.push(results)

		done, _ := proto.Pack(proto.KindSearchDone, &proto.SearchDone{SearchID: 7})
		done.OriginID = req.ID
		inbound.push(done)
	}()

	session, err := search.Start(mux, map[string]string{"pattern": "foo"}, testLogger())
	require.NoError(t, err)
	require.Equal(t, uint64(7), session.SearchID())

	m1, ok := session.Next()
	require.True(t, ok)
	require.Equal(t, "one", m1.Line)

	m2, ok := session.Next()
	require.True(t, ok)
	require.Equal(t, "two", m2.Line)

	_, ok = session.Next()
	require.False(t, ok)
}
