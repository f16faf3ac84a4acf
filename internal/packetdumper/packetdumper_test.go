package packetdumper

import (
	"bytes"
	"io"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/gopacket/pcapgo"
	"github.com/stretchr/testify/require"
)

func listenLocal(t *testing.T) *net.UDPConn {
	t.Helper()

	addr, err := net.ResolveUDPAddr("udp", "127.0.0.1:0")
	require.NoError(t, err)

	pc, err := net.ListenUDP("udp", addr)
	require.NoError(t, err)

	return pc
}

func readCapture(t *testing.T, prefix string) [][]byte {
	t.Helper()

	matches, err := filepath.Glob(prefix + "_*.pcapng")
	require.NoError(t, err)
	require.Len(t, matches, 1)

	f, err := os.Open(matches[0])
	require.NoError(t, err)
	defer f.Close()

	r, err := pcapgo.NewNgReader(f, pcapgo.DefaultNgReaderOptions)
	require.NoError(t, err)

	var pkts [][]byte
	for {
		data, _, err := r.ReadPacketData()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		pkts = append(pkts, data)
	}
	return pkts
}

func TestPacketConnCapture(t *testing.T) {
	peer := listenLocal(t)
	defer peer.Close()

	wrapped := listenLocal(t)

	prefix := filepath.Join(t.TempDir(), "voice")
	c := &PacketConn{
		PathPrefix: prefix,
		Wrapped:    wrapped,
	}
	require.NoError(t, c.Initialize())

	_, err := c.WriteTo([]byte("outbound frame"), peer.LocalAddr())
	require.NoError(t, err)

	buf := make([]byte, 64)
	peer.SetReadDeadline(time.Now().Add(2 * time.Second)) //nolint:errcheck
	n, _, err := peer.ReadFromUDP(buf)
	require.NoError(t, err)
	require.Equal(t, []byte("outbound frame"), buf[:n])

	_, err = peer.WriteTo([]byte("inbound frame"), wrapped.LocalAddr())
	require.NoError(t, err)

	c.SetReadDeadline(time.Now().Add(2 * time.Second)) //nolint:errcheck
	n, addr, err := c.ReadFrom(buf)
	require.NoError(t, err)
	require.Equal(t, []byte("inbound frame"), buf[:n])
	require.Equal(t, peer.LocalAddr().String(), addr.String())

	require.NoError(t, c.Close())

	pkts := readCapture(t, prefix)
	require.Len(t, pkts, 2)
	require.True(t, bytes.Contains(pkts[0], []byte("outbound frame")))
	require.True(t, bytes.Contains(pkts[1], []byte("inbound frame")))
}

func TestPacketConnCloseIdempotent(t *testing.T) {
	wrapped := listenLocal(t)

	prefix := filepath.Join(t.TempDir(), "voice")
	c := &PacketConn{
		PathPrefix: prefix,
		Wrapped:    wrapped,
	}
	require.NoError(t, c.Initialize())

	require.NoError(t, c.Close())
	c.Close() //nolint:errcheck
}
