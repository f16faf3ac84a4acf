// Package packetdumper writes datagram traffic to pcapng capture files.
package packetdumper

import (
	"fmt"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

var _ net.PacketConn = (*PacketConn)(nil)

const queueSize = 64

type dumpEntry struct {
	ntp      time.Time
	data     []byte
	src, dst *net.UDPAddr
}

// PacketConn wraps a net.PacketConn and copies every datagram into a
// pcapng file, with synthesized Ethernet/IPv6/UDP headers so standard
// capture tools can open it. Capturing is best effort: when the writer
// falls behind, datagrams are counted and skipped, never delayed.
type PacketConn struct {
	PathPrefix string
	Wrapped    net.PacketConn

	f       *os.File
	pw      *pcapgo.NgWriter
	once    sync.Once
	dropped atomic.Uint64

	queue      chan dumpEntry
	terminated chan struct{}
	done       chan struct{}
}

// Initialize initializes PacketConn.
func (c *PacketConn) Initialize() error {
	var err error
	c.f, err = os.Create(fmt.Sprintf("%s_%d.pcapng", c.PathPrefix, time.Now().UnixNano()))
	if err != nil {
		return err
	}

	c.pw, err = pcapgo.NewNgWriter(c.f, layers.LinkTypeEthernet)
	if err != nil {
		c.f.Close()
		return err
	}

	c.queue = make(chan dumpEntry, queueSize)
	c.terminated = make(chan struct{})
	c.done = make(chan struct{})

	go c.run()

	return nil
}

// Close implements net.PacketConn. It drains pending entries,
// flushes the file and closes the wrapped connection.
func (c *PacketConn) Close() error {
	c.once.Do(func() {
		close(c.terminated)
	})
	<-c.done
	return c.Wrapped.Close()
}

// Dropped returns how many datagrams the capture skipped.
func (c *PacketConn) Dropped() uint64 {
	return c.dropped.Load()
}

func (c *PacketConn) run() {
	defer close(c.done)
	defer c.f.Close()

	for {
		select {
		case e := <-c.queue:
			c.writePacket(e)

		case <-c.terminated:
			for {
				select {
				case e := <-c.queue:
					c.writePacket(e)
				default:
					c.pw.Flush() //nolint:errcheck
					return
				}
			}
		}
	}
}

func (c *PacketConn) writePacket(e dumpEntry) {
	eth := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0, 0, 0, 0, 0, 0},
		DstMAC:       net.HardwareAddr{0, 0, 0, 0, 0, 0},
		EthernetType: layers.EthernetTypeIPv6,
	}

	ipv6 := &layers.IPv6{
		Version:    6,
		SrcIP:      e.src.IP.To16(),
		DstIP:      e.dst.IP.To16(),
		NextHeader: layers.IPProtocolUDP,
		HopLimit:   64,
	}

	udp := &layers.UDP{
		SrcPort: layers.UDPPort(e.src.Port),
		DstPort: layers.UDPPort(e.dst.Port),
	}
	udp.SetNetworkLayerForChecksum(ipv6) //nolint:errcheck

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	gopacket.SerializeLayers(buf, opts, eth, ipv6, udp, gopacket.Payload(e.data)) //nolint:errcheck

	raw := buf.Bytes()

	c.pw.WritePacket(gopacket.CaptureInfo{ //nolint:errcheck
		Timestamp:     e.ntp,
		CaptureLength: len(raw),
		Length:        len(raw),
	}, raw)
}

func (c *PacketConn) enqueue(e dumpEntry) {
	select {
	case c.queue <- e:
	case <-c.terminated:
	default:
		c.dropped.Add(1)
	}
}

// ReadFrom implements net.PacketConn.
func (c *PacketConn) ReadFrom(p []byte) (n int, addr net.Addr, err error) {
	n, addr, err = c.Wrapped.ReadFrom(p)

	if n != 0 {
		c.enqueue(dumpEntry{
			ntp:  time.Now(),
			data: append([]byte(nil), p[:n]...),
			src:  addr.(*net.UDPAddr),
			dst:  c.Wrapped.LocalAddr().(*net.UDPAddr),
		})
	}

	return n, addr, err
}

// WriteTo implements net.PacketConn.
func (c *PacketConn) WriteTo(p []byte, addr net.Addr) (n int, err error) {
	n, err = c.Wrapped.WriteTo(p, addr)

	if err == nil {
		c.enqueue(dumpEntry{
			ntp:  time.Now(),
			data: append([]byte(nil), p...),
			src:  c.Wrapped.LocalAddr().(*net.UDPAddr),
			dst:  addr.(*net.UDPAddr),
		})
	}

	return n, err
}

// LocalAddr implements net.PacketConn.
func (c *PacketConn) LocalAddr() net.Addr { return c.Wrapped.LocalAddr() }

// SetDeadline implements net.PacketConn.
func (c *PacketConn) SetDeadline(t time.Time) error { return c.Wrapped.SetDeadline(t) }

// SetReadDeadline implements net.PacketConn.
func (c *PacketConn) SetReadDeadline(t time.Time) error { return c.Wrapped.SetReadDeadline(t) }

// SetWriteDeadline implements net.PacketConn.
func (c *PacketConn) SetWriteDeadline(t time.Time) error { return c.Wrapped.SetWriteDeadline(t) }
