package transport

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFramingRoundTrip(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	go func() {
		WriteFrame(a, []byte("hello"))
		WriteFrame(a, nil)
	}()

	got, err := ReadFrame(b)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), got)

	got, err = ReadFrame(b)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestFramingRejectsOversized(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	assert.Error(t, WriteFrame(a, make([]byte, MaxFrameLen+1)))

	go a.Write([]byte{0xff, 0xff, 0xff, 0xff})
	_, err := ReadFrame(b)
	assert.Error(t, err)
}

type inbox struct {
	mu     sync.Mutex
	frames map[string][][]byte
}

func newInbox() *inbox {
	return &inbox{frames: make(map[string][][]byte)}
}

func (i *inbox) add(peerID string, data []byte) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.frames[peerID] = append(i.frames[peerID], data)
}

func (i *inbox) get(peerID string) [][]byte {
	i.mu.Lock()
	defer i.mu.Unlock()
	return append([][]byte(nil), i.frames[peerID]...)
}

func TestManagerHelloAndBothDirections(t *testing.T) {
	inA, inB := newInbox(), newInbox()
	a := NewManager("node-a", "afetmesh", inA.add)
	b := NewManager("node-b", "afetmesh", inB.add)
	defer a.CloseAll()
	defer b.CloseAll()

	require.NoError(t, b.Listen("0"))
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	link, err := a.Dial(ctx, fmt.Sprintf("127.0.0.1:%d", b.Port()))
	require.NoError(t, err)
	assert.Equal(t, "node-b", link.PeerID)
	assert.True(t, a.HasConnection("node-b"))

	for i := 0; i < 3; i++ {
		require.NoError(t, a.Send(ctx, "node-b", []byte{byte(i)}))
	}
	require.Eventually(t, func() bool { return len(inB.get("node-a")) == 3 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, [][]byte{{0}, {1}, {2}}, inB.get("node-a"), "frames arrive in write order")

	require.Eventually(t, func() bool { return b.HasConnection("node-a") }, time.Second, 10*time.Millisecond)
	require.NoError(t, b.Send(ctx, "node-a", []byte("back")))
	require.Eventually(t, func() bool { return len(inA.get("node-b")) == 1 }, time.Second, 10*time.Millisecond)
	assert.True(t, bytes.Equal([]byte("back"), inA.get("node-b")[0]))

	a.Close("node-b")
	require.Eventually(t, func() bool { return !a.HasConnection("node-b") }, time.Second, 10*time.Millisecond)
	assert.ErrorIs(t, a.Send(ctx, "node-b", []byte("x")), ErrNoLink)
}

func TestManagerRejectsForeignService(t *testing.T) {
	a := NewManager("node-a", "other-service", nil)
	b := NewManager("node-b", "afetmesh", nil)
	defer a.CloseAll()
	defer b.CloseAll()

	require.NoError(t, b.Listen("0"))
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := a.Dial(ctx, fmt.Sprintf("127.0.0.1:%d", b.Port()))
	assert.Error(t, err)
	assert.False(t, a.HasConnection("node-b"))
}
