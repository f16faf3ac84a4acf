// Package udp contains the legacy UDP voice server.
package udp

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/openvoicechat/ovc-server/internal/authstore"
	"github.com/openvoicechat/ovc-server/internal/conf"
	"github.com/openvoicechat/ovc-server/internal/counterdumper"
	"github.com/openvoicechat/ovc-server/internal/defs"
	"github.com/openvoicechat/ovc-server/internal/errordumper"
	"github.com/openvoicechat/ovc-server/internal/logger"
	"github.com/openvoicechat/ovc-server/internal/packetdumper"
	"github.com/openvoicechat/ovc-server/internal/protocols/packet"
	"github.com/openvoicechat/ovc-server/internal/registry"
	"github.com/openvoicechat/ovc-server/internal/restrictnetwork"
	"github.com/openvoicechat/ovc-server/internal/router"
)

const (
	readBufferSize = 2048
	writeQueueSize = 1024
)

type bufAddrPair struct {
	buf  []byte
	addr *net.UDPAddr
}

// clientAddr is a fixed-size array key so the equality operator works.
type clientAddr struct {
	ip   [net.IPv6len]byte
	port int
}

func (p *clientAddr) fill(ip net.IP, port int) {
	p.port = port

	if len(ip) == net.IPv4len {
		copy(p.ip[0:], []byte{0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0xff, 0xff}) // v4InV6Prefix
		copy(p.ip[12:], ip)
	} else {
		copy(p.ip[:], ip)
	}
}

// session is a bound datagram source. The transport is the shared
// socket, so a session holds no resources of its own.
type session struct {
	clientID uuid.UUID
	playerID uuid.UUID
	username string
	addr     *net.UDPAddr
	key      clientAddr
	server   *Server
	muted    atomic.Bool
}

// ClientID implements defs.Session.
func (s *session) ClientID() uuid.UUID {
	return s.clientID
}

// PlayerID implements defs.Session.
func (s *session) PlayerID() uuid.UUID {
	return s.playerID
}

// Username implements defs.Session.
func (s *session) Username() string {
	return s.username
}

// Ready implements defs.Session.
func (s *session) Ready() bool {
	return true
}

// Muted implements defs.Session.
func (s *session) Muted() bool {
	return s.muted.Load()
}

// SetMuted implements defs.Session. The wire protocol has no mute
// control, so the flag only ever changes from the control plane.
func (s *session) SetMuted(muted bool) {
	s.muted.Store(muted)
}

// SendAudio implements defs.Session.
func (s *session) SendAudio(buf []byte) defs.SendResult {
	if !s.server.enqueue(buf, s.addr) {
		s.server.backpressure.Increase()
		return defs.SendBackpressure
	}
	return defs.SendOK
}

// Kick implements defs.Session.
func (s *session) Kick(reason string) {
	s.server.kickSession(s, reason)
}

// Server is the legacy UDP voice server. It binds datagram sources to
// players with the same wire packets the DataChannel carries, and hands
// bound audio to the router unchanged.
type Server struct {
	Address        string
	WriteTimeout   conf.Duration
	ReadBufferSize uint64
	DumpPath       string
	AuthStore      *authstore.Store
	Registry       *registry.Registry
	Router         *router.Router
	Parent         logger.Writer

	pc   net.PacketConn
	dump *packetdumper.PacketConn

	clientsMutex sync.RWMutex
	clients      map[clientAddr]*session

	backpressure *counterdumper.CounterDumper
	decodeErrors *errordumper.Dumper

	// in
	chWrite chan bufAddrPair

	// out
	writerTerminate chan struct{}
	writerDone      chan struct{}
	done            chan struct{}
}

// Initialize initializes the server.
func (s *Server) Initialize() error {
	network, address := restrictnetwork.Restrict("udp", s.Address)

	addr, err := net.ResolveUDPAddr(network, address)
	if err != nil {
		return err
	}

	raw, err := net.ListenUDP(network, addr)
	if err != nil {
		return err
	}

	if s.ReadBufferSize > 0 {
		err = raw.SetReadBuffer(int(s.ReadBufferSize))
		if err != nil {
			raw.Close()
			return err
		}
	}

	s.pc = raw

	if s.DumpPath != "" {
		s.dump = &packetdumper.PacketConn{
			PathPrefix: s.DumpPath,
			Wrapped:    raw,
		}
		err = s.dump.Initialize()
		if err != nil {
			raw.Close()
			return err
		}
		s.pc = s.dump
		s.Log(logger.Info, "dumping datagrams to %s_*.pcapng", s.DumpPath)
	}

	s.clients = make(map[clientAddr]*session)
	s.chWrite = make(chan bufAddrPair, writeQueueSize)
	s.writerTerminate = make(chan struct{})
	s.writerDone = make(chan struct{})
	s.done = make(chan struct{})

	s.backpressure = &counterdumper.CounterDumper{
		Period: 5 * time.Second,
		OnReport: func(v uint64) {
			s.Log(logger.Warn, "socket is congested, discarding %d outbound frames", v)
		},
	}
	s.backpressure.Start()

	s.decodeErrors = &errordumper.Dumper{
		Period: 5 * time.Second,
		OnReport: func(v uint64, last error) {
			s.Log(logger.Warn, "discarded %d datagrams (last error: %v)", v, last)
		},
	}
	s.decodeErrors.Start()

	s.Log(logger.Info, "listener opened on %s (UDP)", s.pc.LocalAddr())

	go s.runWriter()
	go s.run()

	return nil
}

// Log implements logger.Writer.
func (s *Server) Log(level logger.Level, format string, args ...interface{}) {
	s.Parent.Log(level, "[udp] "+format, args...)
}

// Close closes the server.
func (s *Server) Close() {
	s.Log(logger.Info, "listener is closing")

	s.pc.Close()
	<-s.done

	close(s.writerTerminate)
	<-s.writerDone

	if s.dump != nil && s.dump.Dropped() > 0 {
		s.Log(logger.Warn, "capture skipped %d datagrams", s.dump.Dropped())
	}

	s.clientsMutex.Lock()
	clients := s.clients
	s.clients = nil
	s.clientsMutex.Unlock()

	for _, sx := range clients {
		s.Registry.Remove(sx)
	}

	s.decodeErrors.Stop()
	s.backpressure.Stop()
}

func (s *Server) runWriter() {
	defer close(s.writerDone)

	for {
		select {
		case w := <-s.chWrite:
			s.pc.SetWriteDeadline(time.Now().Add(time.Duration(s.WriteTimeout))) //nolint:errcheck
			s.pc.WriteTo(w.buf, w.addr)                                          //nolint:errcheck

		case <-s.writerTerminate:
			return
		}
	}
}

// enqueue hands a datagram to the writer without blocking.
func (s *Server) enqueue(buf []byte, addr *net.UDPAddr) bool {
	select {
	case s.chWrite <- bufAddrPair{buf: buf, addr: addr}:
		return true
	default:
		return false
	}
}

func (s *Server) run() {
	defer close(s.done)

	buf := make([]byte, readBufferSize)

	for {
		n, raddr, err := s.pc.ReadFrom(buf)
		if err != nil {
			return
		}
		addr := raddr.(*net.UDPAddr)

		if n > packet.MaxMessageSize {
			s.decodeErrors.Add(fmt.Errorf("datagram exceeds the message size cap"))
			continue
		}

		pkt, err := packet.Unmarshal(buf[:n])
		if err != nil {
			s.decodeErrors.Add(err)
			continue
		}

		switch tpkt := pkt.(type) {
		case *packet.Auth:
			s.handleAuth(tpkt, addr)

		case *packet.Audio:
			// routing is synchronous, so the frame may alias the read buffer.
			s.handleAudio(tpkt, addr)

		case *packet.Disconnect:
			s.handleDisconnect(addr)

		default:
			s.decodeErrors.Add(fmt.Errorf("unexpected packet type"))
		}
	}
}

func (s *Server) handleAuth(pkt *packet.Auth, addr *net.UDPAddr) {
	playerID, ok := s.AuthStore.LookupPlayer(pkt.Username)
	if !ok {
		s.reply(&packet.AuthAck{
			Reason:  packet.AckPlayerNotFound,
			Message: "unknown player",
		}, addr)
		return
	}

	if playerID != pkt.Sender {
		s.reply(&packet.AuthAck{
			Reason:  packet.AckInvalidCredentials,
			Message: "unknown sender",
		}, addr)
		return
	}

	var key clientAddr
	key.fill(addr.IP, addr.Port)

	var displaced *session

	s.clientsMutex.Lock()
	sx := s.clients[key]
	if sx != nil && sx.playerID != playerID {
		// the source address was reused by another player.
		delete(s.clients, key)
		displaced = sx
		sx = nil
	}
	isNew := sx == nil
	if isNew {
		sx = &session{
			clientID: uuid.New(),
			playerID: playerID,
			username: pkt.Username,
			addr:     addr,
			key:      key,
			server:   s,
		}
		s.clients[key] = sx
	}
	s.clientsMutex.Unlock()

	if displaced != nil {
		s.Registry.Remove(displaced)
	}

	if isNew {
		if prev := s.Registry.Add(sx); prev != nil {
			prev.Kick("connected from another location")
		}
		s.Log(logger.Info, "%s authenticated as %q (player %s)", addr, pkt.Username, playerID)
	}

	s.reply(&packet.AuthAck{
		Client:     sx.clientID,
		Reason:     packet.AckAccepted,
		SampleRate: pkt.SampleRate,
	}, addr)
}

func (s *Server) handleAudio(pkt *packet.Audio, addr *net.UDPAddr) {
	var key clientAddr
	key.fill(addr.IP, addr.Port)

	s.clientsMutex.RLock()
	sx := s.clients[key]
	s.clientsMutex.RUnlock()

	if sx == nil {
		s.decodeErrors.Add(fmt.Errorf("audio from unbound source %s", addr))
		return
	}

	s.Router.Route(sx, pkt)
}

func (s *Server) handleDisconnect(addr *net.UDPAddr) {
	var key clientAddr
	key.fill(addr.IP, addr.Port)

	s.clientsMutex.Lock()
	sx := s.clients[key]
	if sx != nil {
		delete(s.clients, key)
	}
	s.clientsMutex.Unlock()

	if sx == nil {
		return
	}

	s.Registry.Remove(sx)
	s.Log(logger.Info, "%s disconnected (player %s)", addr, sx.playerID)
}

// kickSession unbinds a session and tells the client, best-effort.
func (s *Server) kickSession(sx *session, reason string) {
	s.clientsMutex.Lock()
	cur := s.clients[sx.key]
	if cur == sx {
		delete(s.clients, sx.key)
	}
	s.clientsMutex.Unlock()

	if cur != sx {
		return
	}

	buf, err := packet.Marshal(&packet.Disconnect{Client: sx.clientID})
	if err == nil {
		s.enqueue(buf, sx.addr)
	}

	s.Registry.Remove(sx)

	s.Log(logger.Info, "%s kicked (%s)", sx.addr, reason)
}

func (s *Server) reply(ack *packet.AuthAck, addr *net.UDPAddr) {
	buf, err := packet.Marshal(ack)
	if err != nil {
		return
	}
	s.enqueue(buf, addr)
}
