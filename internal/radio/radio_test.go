package radio

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type collector struct {
	mu     sync.Mutex
	frames [][]byte
}

func (c *collector) add(f []byte) {
	c.mu.Lock()
	c.frames = append(c.frames, f)
	c.mu.Unlock()
}

func (c *collector) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.frames)
}

func (c *collector) all() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.frames...)
}

func scanAll(t *testing.T, r Transport, service string) map[string]Sighting {
	t.Helper()
	out := map[string]Sighting{}
	err := r.Scan(context.Background(), service, func(s Sighting) { out[s.PeerID] = s })
	require.NoError(t, err)
	return out
}

func TestSimScanHonoursRangeAndService(t *testing.T) {
	air := NewAir(100)
	a := air.Join("a", "Alice", 0, 0)
	air.Join("b", "Bob", 10, 0)
	air.Join("c", "Carol", 90, 0)
	air.Join("far", "Far", 500, 0)

	seen := scanAll(t, a, DefaultServiceID)
	require.Len(t, seen, 2)
	assert.Equal(t, "Bob", seen["b"].DisplayName)
	assert.Greater(t, seen["b"].Signal, seen["c"].Signal, "closer peers are louder")
	assert.Equal(t, -46, seen["b"].Signal)

	assert.Empty(t, scanAll(t, a, "other-service"))

	air.Move("far", 50, 0)
	assert.Len(t, scanAll(t, a, DefaultServiceID), 3)
}

func TestSimConnectWriteAndOrdering(t *testing.T) {
	air := NewAir(100)
	a := air.Join("a", "Alice", 0, 0)
	b := air.Join("b", "Bob", 10, 0)
	ctx := context.Background()

	conn, err := a.Connect(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, "b", conn.PeerID())
	assert.Equal(t, DefaultSimPayload, conn.MaxPayload())
	assert.True(t, b.Linked("a"), "links are symmetric")

	// Frames sent before b registers a handler are buffered.
	require.NoError(t, a.WriteFrame(ctx, conn, []byte{1}))

	back, err := b.Connect(ctx, "a")
	require.NoError(t, err)
	var got collector
	b.OnFrame(back, got.add)
	for i := 2; i <= 4; i++ {
		require.NoError(t, a.WriteFrame(ctx, conn, []byte{byte(i)}))
	}
	assert.Equal(t, [][]byte{{1}, {2}, {3}, {4}}, got.all())
}

func TestSimWriteFailures(t *testing.T) {
	air := NewAir(100)
	a := air.Join("a", "Alice", 0, 0)
	b := air.Join("b", "Bob", 10, 0)
	ctx := context.Background()

	_, err := a.Connect(ctx, "nobody")
	assert.ErrorIs(t, err, ErrTransport)
	assert.ErrorIs(t, err, ErrUnreachable)

	conn, err := a.Connect(ctx, "b")
	require.NoError(t, err)

	b.SetPayloadLimit(8)
	small, err := b.Connect(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, DefaultSimPayload, small.MaxPayload(), "existing link keeps its negotiated limit")

	err = a.WriteFrame(ctx, conn, make([]byte, DefaultSimPayload+1))
	assert.ErrorIs(t, err, ErrTooLarge)

	b.SetDown(true)
	err = a.WriteFrame(ctx, conn, []byte("x"))
	var te *TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "write", te.Op)
	assert.Equal(t, "b", te.PeerID)
	assert.True(t, errors.Is(err, ErrUnreachable))
	b.SetDown(false)

	air.Move("b", 1000, 0)
	assert.ErrorIs(t, a.WriteFrame(ctx, conn, []byte("x")), ErrUnreachable)
	air.Move("b", 10, 0)
	assert.NoError(t, a.WriteFrame(ctx, conn, []byte("x")))

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	assert.ErrorIs(t, a.WriteFrame(cancelled, conn, []byte("x")), context.Canceled)

	require.NoError(t, a.Disconnect(conn))
	assert.False(t, b.Linked("a"))
	assert.ErrorIs(t, a.WriteFrame(ctx, conn, []byte("x")), ErrNotConnected)
}

func TestSimNegotiatesSmallestPayload(t *testing.T) {
	air := NewAir(100)
	a := air.Join("a", "Alice", 0, 0)
	b := air.Join("b", "Bob", 10, 0)
	b.SetPayloadLimit(100)

	conn, err := a.Connect(context.Background(), "b")
	require.NoError(t, err)
	assert.Equal(t, 100, conn.MaxPayload())
}

func TestSimLeaveTearsDownLinks(t *testing.T) {
	air := NewAir(100)
	a := air.Join("a", "Alice", 0, 0)
	air.Join("b", "Bob", 10, 0)
	conn, err := a.Connect(context.Background(), "b")
	require.NoError(t, err)

	air.Leave("b")
	assert.False(t, a.Linked("b"))
	assert.Error(t, a.WriteFrame(context.Background(), conn, []byte("x")))
	assert.Empty(t, scanAll(t, a, DefaultServiceID))
}

func TestDispatcherBacklogIsBounded(t *testing.T) {
	d := newDispatcher()
	for i := 0; i < backlogLimit+10; i++ {
		d.deliver("p", []byte{byte(i)})
	}
	var got collector
	d.setHandler("p", got.add)
	frames := got.all()
	require.Len(t, frames, backlogLimit)
	assert.Equal(t, []byte{10}, frames[0], "oldest frames are dropped")

	d.remove("p")
	d.deliver("p", []byte{0xff})
	assert.Equal(t, backlogLimit, got.len())
}

func TestDispatcherKeepsOrderWhileFlushing(t *testing.T) {
	d := newDispatcher()
	d.deliver("p", []byte{0})
	d.deliver("p", []byte{1})

	var got collector
	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	slow := func(f []byte) {
		once.Do(func() {
			close(entered)
			<-release
		})
		got.add(f)
	}

	done := make(chan struct{})
	go func() {
		d.setHandler("p", slow)
		close(done)
	}()

	<-entered
	d.deliver("p", []byte{2})
	close(release)
	<-done

	assert.Equal(t, [][]byte{{0}, {1}, {2}}, got.all())

	d.deliver("p", []byte{3})
	assert.Equal(t, []byte{3}, got.all()[3], "delivery is direct once the backlog is drained")
}

func TestLANRadioLink(t *testing.T) {
	a := NewLANRadio(LANConfig{NodeID: "lan-a", Nick: "A"})
	b := NewLANRadio(LANConfig{NodeID: "lan-b", Nick: "B"})
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, a.Start(ctx))
	require.NoError(t, b.Start(ctx))
	defer a.Close()
	defer b.Close()

	_, err := a.Connect(ctx, "lan-b")
	assert.ErrorIs(t, err, ErrUnreachable)

	a.AddPeer("lan-b", fmt.Sprintf("127.0.0.1:%d", b.Port()))
	conn, err := a.Connect(ctx, "lan-b")
	require.NoError(t, err)
	assert.Equal(t, 512, conn.MaxPayload())

	var atB collector
	back, err := b.Connect(ctx, "lan-a")
	if err != nil {
		// b may not have registered the inbound link yet.
		require.Eventually(t, func() bool {
			back, err = b.Connect(ctx, "lan-a")
			return err == nil
		}, time.Second, 10*time.Millisecond)
	}
	b.OnFrame(back, atB.add)

	require.NoError(t, a.WriteFrame(ctx, conn, []byte("one")))
	require.NoError(t, a.WriteFrame(ctx, conn, []byte("two")))
	require.Eventually(t, func() bool { return atB.len() == 2 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, [][]byte{[]byte("one"), []byte("two")}, atB.all())

	assert.ErrorIs(t, a.WriteFrame(ctx, conn, make([]byte, 600)), ErrTooLarge)

	require.NoError(t, a.Disconnect(conn))
	require.Eventually(t, func() bool {
		return a.WriteFrame(ctx, conn, []byte("x")) != nil
	}, time.Second, 10*time.Millisecond)
}
