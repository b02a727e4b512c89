package driver

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sakateka/yanet2/internal/packet"
)

func TestLoopbackRxTxRoundTrip(t *testing.T) {
	d := NewLoopback()
	port, err := d.PortInit("virtio_user_0", 0, 1, 1, 1500, 1500)
	require.NoError(t, err)
	require.NoError(t, d.RxQueueSetup(port, 0, 32))
	require.NoError(t, d.TxQueueSetup(port, 0, 32))
	require.NoError(t, d.PortStart(port))

	require.True(t, d.Inject(port, 0, packet.New([]byte("hello"))))

	buf := make([]*packet.Packet, 32)
	n, err := d.BurstRx(port, 0, buf)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, []byte("hello"), buf[0].Data)

	n, err = d.BurstTx(port, 0, buf[:1])
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, []*packet.Packet{buf[0]}, d.Sent(port, 0))
}

func TestLoopbackBurstTxFullQueueDropsRest(t *testing.T) {
	d := NewLoopback()
	port, err := d.PortInit("virtio_user_0", 0, 1, 1, 1500, 1500)
	require.NoError(t, err)
	require.NoError(t, d.TxQueueSetup(port, 0, 1))
	require.NoError(t, d.PortStart(port))

	buf := []*packet.Packet{packet.New([]byte("a")), packet.New([]byte("b"))}
	n, err := d.BurstTx(port, 0, buf)
	require.NoError(t, err)
	require.Equal(t, 1, n, "second packet should not fit in a length-1 queue")
}

func TestMbufRefcntUpdate(t *testing.T) {
	d := NewLoopback()
	p := packet.New([]byte("x"))
	require.Equal(t, int32(2), d.MbufRefcntUpdate(p, 1))
	require.Equal(t, int32(1), d.MbufRefcntUpdate(p, -1))
}
