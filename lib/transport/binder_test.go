package transport

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-i2p/go-hopwire/lib/util/time/monotonic"
)

var loopback = net.IPv4(127, 0, 0, 1)

func newTestBinder(t *testing.T) *Binder {
	t.Helper()
	b := NewBinder(loopback, monotonic.NewClock(), 16)
	t.Cleanup(b.Close)
	return b
}

func recvWithin(t *testing.T, b *Binder, d time.Duration) Datagram {
	t.Helper()
	select {
	case dg := <-b.Inbound():
		return dg
	case <-time.After(d):
		t.Fatal("timed out waiting for inbound datagram")
		return Datagram{}
	}
}

func TestBindReceiveReply(t *testing.T) {
	b := newTestBinder(t)
	require.NoError(t, b.BindPorts([]int{0}))
	ports := b.BoundPorts()
	require.Len(t, ports, 1)

	client, err := net.ListenUDP("udp", &net.UDPAddr{IP: loopback})
	require.NoError(t, err)
	defer client.Close()

	_, err = client.WriteToUDP([]byte("ping"), &net.UDPAddr{IP: loopback, Port: ports[0]})
	require.NoError(t, err)

	dg := recvWithin(t, b, 2*time.Second)
	assert.Equal(t, []byte("ping"), dg.Data)
	assert.Equal(t, ports[0], dg.LocalPort)
	assert.GreaterOrEqual(t, dg.ArrivalRaw, int64(0))

	require.NoError(t, b.Send(ports[0], client.LocalAddr().(*net.UDPAddr), []byte("pong")))
	require.NoError(t, client.SetReadDeadline(time.Now().Add(2*time.Second)))
	buf := make([]byte, 16)
	n, _, err := client.ReadFromUDP(buf)
	require.NoError(t, err)
	assert.Equal(t, []byte("pong"), buf[:n])
}

func TestRebindingIsMakeBeforeBreak(t *testing.T) {
	b := newTestBinder(t)
	require.NoError(t, b.BindPorts([]int{0, 0}))
	old := b.BoundPorts()
	require.Len(t, old, 2)

	// One new port in, one old port out; the surviving port stays bound.
	require.NoError(t, b.Retune([]int{0}, []int{old[0]}))
	now := b.BoundPorts()
	assert.Len(t, now, 2)
	assert.NotContains(t, now, old[0])
	assert.Contains(t, now, old[1])
}

func TestBindIsIdempotentPerPort(t *testing.T) {
	b := newTestBinder(t)
	require.NoError(t, b.BindPorts([]int{0}))
	port := b.BoundPorts()[0]
	require.NoError(t, b.BindPorts([]int{port}))
	assert.Len(t, b.BoundPorts(), 1)
}

func TestSendRequiresBoundPort(t *testing.T) {
	b := newTestBinder(t)
	err := b.Send(12345, &net.UDPAddr{IP: loopback, Port: 1}, []byte("x"))
	assert.ErrorIs(t, err, ErrPortNotBound)
	err = b.SendAny(&net.UDPAddr{IP: loopback, Port: 1}, []byte("x"))
	assert.ErrorIs(t, err, ErrPortNotBound)
}

func TestUnbindUnknownPortIsNoop(t *testing.T) {
	b := newTestBinder(t)
	b.UnbindPorts([]int{54321})
	assert.Empty(t, b.BoundPorts())
}

func TestCloseRejectsFurtherUse(t *testing.T) {
	b := NewBinder(loopback, monotonic.NewClock(), 16)
	require.NoError(t, b.BindPorts([]int{0}))
	b.Close()
	b.Close() // idempotent

	assert.ErrorIs(t, b.BindPorts([]int{0}), ErrBinderClosed)
	assert.ErrorIs(t, b.SendAny(&net.UDPAddr{IP: loopback, Port: 1}, nil), ErrBinderClosed)

	_, open := <-b.Inbound()
	assert.False(t, open, "inbound channel must be closed")
}
