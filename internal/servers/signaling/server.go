// Package signaling contains the signaling server.
package signaling

import (
	"context"
	"errors"
	"net"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/ice/v4"
	"github.com/pion/logging"
	pwebrtc "github.com/pion/webrtc/v4"
	"golang.org/x/time/rate"

	"github.com/openvoicechat/ovc-server/internal/authstore"
	"github.com/openvoicechat/ovc-server/internal/conf"
	"github.com/openvoicechat/ovc-server/internal/defs"
	"github.com/openvoicechat/ovc-server/internal/externalcmd"
	"github.com/openvoicechat/ovc-server/internal/group"
	"github.com/openvoicechat/ovc-server/internal/logger"
	"github.com/openvoicechat/ovc-server/internal/position"
	"github.com/openvoicechat/ovc-server/internal/protocols/webrtc"
	"github.com/openvoicechat/ovc-server/internal/registry"
	"github.com/openvoicechat/ovc-server/internal/restrictnetwork"
	"github.com/openvoicechat/ovc-server/internal/router"
	"github.com/openvoicechat/ovc-server/internal/websocket"
)

// ErrPlayerNotConnected is returned when a player has no signaling session.
var ErrPlayerNotConnected = errors.New("player is not connected")

const authFailureBurst = 5

func interfaceIsEmpty(i interface{}) bool {
	return reflect.ValueOf(i).Kind() != reflect.Ptr || reflect.ValueOf(i).IsNil()
}

type nilWriter struct{}

func (nilWriter) Write(p []byte) (int, error) {
	return len(p), nil
}

var webrtcNilLogger = logging.NewDefaultLeveledLoggerForScope("", 0, &nilWriter{})

type sessionNewReq struct {
	wsConn     *websocket.ServerConn
	remoteAddr string
}

type playerPushReq struct {
	playerID uuid.UUID
	msgType  string
	data     interface{}
	res      chan error
}

type membersPushReq struct {
	members []uuid.UUID
	exclude uuid.UUID
	msgType string
	data    interface{}
}

// serverPresence reports what the game adapter knows about players.
type serverPresence interface {
	Present(playerID uuid.UUID) bool
	PlayerUsername(playerID uuid.UUID) (string, bool)
}

type serverParent interface {
	logger.Writer
}

// Server is the signaling server. It accepts WebSocket clients,
// negotiates their voice transports and relays control messages.
type Server struct {
	Address               string
	AllowedOrigins        []string
	ReadTimeout           conf.Duration
	WriteTimeout          conf.Duration
	IdleTimeout           conf.Duration
	PendingJoinTimeout    conf.Duration
	ICEServers            []conf.ICEServer
	HandshakeTimeout      conf.Duration
	STUNGatherTimeout     conf.Duration
	ICEPortMin            int
	ICEPortMax            int
	ICEUDPMuxAddress      string
	ICETCPMuxAddress      string
	IPsFromInterfaces     bool
	IPsFromInterfacesList []string
	AdditionalHosts       []string
	UDPReadBufferSize     uint
	RunOnConnect          string
	RunOnConnectRestart   bool
	RunOnDisconnect       string
	RunOnGroupCreate      string
	Version               string
	ExternalCmdPool       *externalcmd.Pool
	AuthStore             *authstore.Store
	Registry              *registry.Registry
	Groups                *group.Registry
	Positions             *position.Tracker
	Router                *router.Router
	Presence              serverPresence
	Parent                serverParent

	ctx              context.Context
	ctxCancel        func()
	httpServer       *httpServer
	udpMuxLn         net.PacketConn
	tcpMuxLn         net.Listener
	iceUDPMux        ice.UDPMux
	iceTCPMux        *webrtc.TCPMuxWrapper
	icePortMin       uint16
	icePortMax       uint16
	startTime        time.Time
	sessions         map[*session]struct{}
	sessionsByPlayer map[uuid.UUID]*session

	limitersMutex sync.Mutex
	authLimiters  map[string]*rate.Limiter

	// in
	chNewSession       chan sessionNewReq
	chSessionBound     chan *session
	chCloseSession     chan *session
	chPushPlayer       chan playerPushReq
	chPushMembers      chan membersPushReq
	chNotifyGroup      chan group.Info
	chBroadcastPlayers chan struct{}
	chBroadcastGroups  chan struct{}

	// out
	done chan struct{}
}

// Initialize initializes the server.
func (s *Server) Initialize() error {
	ctx, ctxCancel := context.WithCancel(context.Background())

	s.ctx = ctx
	s.ctxCancel = ctxCancel
	s.startTime = time.Now()
	s.sessions = make(map[*session]struct{})
	s.sessionsByPlayer = make(map[uuid.UUID]*session)
	s.authLimiters = make(map[string]*rate.Limiter)
	s.chNewSession = make(chan sessionNewReq)
	s.chSessionBound = make(chan *session)
	s.chCloseSession = make(chan *session)
	s.chPushPlayer = make(chan playerPushReq)
	s.chPushMembers = make(chan membersPushReq)
	s.chNotifyGroup = make(chan group.Info)
	s.chBroadcastPlayers = make(chan struct{}, 1)
	s.chBroadcastGroups = make(chan struct{}, 1)
	s.done = make(chan struct{})

	if s.ICEPortMin != 0 {
		err := webrtc.CheckUDPPortRange(s.ICEPortMin, s.ICEPortMax)
		if err != nil {
			s.Log(logger.Warn, "%v, falling back to ephemeral ports", err)
		} else {
			s.icePortMin = uint16(s.ICEPortMin)
			s.icePortMax = uint16(s.ICEPortMax)
		}
	}

	s.httpServer = &httpServer{
		address:        s.Address,
		allowedOrigins: s.AllowedOrigins,
		readTimeout:    s.ReadTimeout,
		writeTimeout:   s.WriteTimeout,
		parent:         s,
	}
	err := s.httpServer.initialize()
	if err != nil {
		ctxCancel()
		return err
	}

	if s.ICEUDPMuxAddress != "" {
		s.udpMuxLn, err = net.ListenPacket(restrictnetwork.Restrict("udp", s.ICEUDPMuxAddress))
		if err != nil {
			s.httpServer.close()
			ctxCancel()
			return err
		}
		s.iceUDPMux = pwebrtc.NewICEUDPMux(webrtcNilLogger, s.udpMuxLn)
	}

	if s.ICETCPMuxAddress != "" {
		s.tcpMuxLn, err = net.Listen(restrictnetwork.Restrict("tcp", s.ICETCPMuxAddress))
		if err != nil {
			if s.udpMuxLn != nil {
				s.udpMuxLn.Close()
			}
			s.httpServer.close()
			ctxCancel()
			return err
		}
		s.iceTCPMux = &webrtc.TCPMuxWrapper{
			Mux: pwebrtc.NewICETCPMux(webrtcNilLogger, s.tcpMuxLn, 8),
			Ln:  s.tcpMuxLn,
		}
	}

	str := "listener opened on " + s.Address + " (WS)"
	if s.udpMuxLn != nil {
		str += ", " + s.ICEUDPMuxAddress + " (ICE/UDP)"
	}
	if s.tcpMuxLn != nil {
		str += ", " + s.ICETCPMuxAddress + " (ICE/TCP)"
	}
	s.Log(logger.Info, str)

	go s.run()

	return nil
}

// Log implements logger.Writer.
func (s *Server) Log(level logger.Level, format string, args ...interface{}) {
	s.Parent.Log(level, "[signaling] "+format, args...)
}

// Close closes the server.
func (s *Server) Close() {
	s.Log(logger.Info, "listener is closing")
	s.ctxCancel()
	<-s.done
}

func (s *Server) run() {
	defer close(s.done)

	var wg sync.WaitGroup

outer:
	for {
		select {
		case req := <-s.chNewSession:
			sx := &session{
				parentCtx:  s.ctx,
				wsConn:     req.wsConn,
				remoteAddr: req.remoteAddr,
				wg:         &wg,
				parent:     s,
			}
			sx.initialize()
			s.sessions[sx] = struct{}{}

		case sx := <-s.chSessionBound:
			s.sessionsByPlayer[sx.PlayerID()] = sx

		case sx := <-s.chCloseSession:
			delete(s.sessions, sx)
			if cur, ok := s.sessionsByPlayer[sx.PlayerID()]; ok && cur == sx {
				delete(s.sessionsByPlayer, sx.PlayerID())
			}

		case req := <-s.chPushPlayer:
			sx, ok := s.sessionsByPlayer[req.playerID]
			if !ok {
				req.res <- ErrPlayerNotConnected
				continue
			}
			sx.writeMessage(req.msgType, req.data)
			req.res <- nil

		case req := <-s.chPushMembers:
			for _, m := range req.members {
				if m == req.exclude {
					continue
				}
				if sx, ok := s.sessionsByPlayer[m]; ok {
					sx.writeMessage(req.msgType, req.data)
				}
			}

		case info := <-s.chNotifyGroup:
			data := s.groupMembers(info)
			for _, m := range info.Members {
				if sx, ok := s.sessionsByPlayer[m]; ok {
					sx.writeMessage("group_members_updated", data)
				}
			}

		case <-s.chBroadcastPlayers:
			data := s.playerList()
			for _, sx := range s.sessionsByPlayer {
				sx.writeMessage("player_list", data)
			}

		case <-s.chBroadcastGroups:
			data := s.groupList()
			for _, sx := range s.sessionsByPlayer {
				sx.writeMessage("group_list", data)
			}

		case <-s.ctx.Done():
			break outer
		}
	}

	s.ctxCancel()

	wg.Wait()

	s.httpServer.close()

	if s.udpMuxLn != nil {
		s.udpMuxLn.Close()
	}

	if s.tcpMuxLn != nil {
		s.tcpMuxLn.Close()
	}
}

// newSession is called by httpServer. The session owns the hijacked
// connection from here on.
func (s *Server) newSession(wsConn *websocket.ServerConn, remoteAddr string) {
	select {
	case s.chNewSession <- sessionNewReq{wsConn: wsConn, remoteAddr: remoteAddr}:
	case <-s.ctx.Done():
		wsConn.Close()
	}
}

// sessionBound is called by a session once it is authenticated.
func (s *Server) sessionBound(sx *session) {
	select {
	case s.chSessionBound <- sx:
	case <-s.ctx.Done():
	}
}

// closeSession is called by a session as its last act.
func (s *Server) closeSession(sx *session) {
	select {
	case s.chCloseSession <- sx:
	case <-s.ctx.Done():
	}
}

// PushToPlayer sends a message to the signaling session of a player.
func (s *Server) PushToPlayer(playerID uuid.UUID, msgType string, data interface{}) error {
	req := playerPushReq{
		playerID: playerID,
		msgType:  msgType,
		data:     data,
		res:      make(chan error),
	}

	select {
	case s.chPushPlayer <- req:
		return <-req.res
	case <-s.ctx.Done():
		return errors.New("terminated")
	}
}

func (s *Server) pushToMembers(members []uuid.UUID, exclude uuid.UUID, msgType string, data interface{}) {
	select {
	case s.chPushMembers <- membersPushReq{members: members, exclude: exclude, msgType: msgType, data: data}:
	case <-s.ctx.Done():
	}
}

// NotifyGroupMembers pushes a group_members_updated message to the
// current members of a group.
func (s *Server) NotifyGroupMembers(info group.Info) {
	select {
	case s.chNotifyGroup <- info:
	case <-s.ctx.Done():
	}
}

// BroadcastPlayerList schedules a player_list push to every
// authenticated session. Bursts coalesce.
func (s *Server) BroadcastPlayerList() {
	select {
	case s.chBroadcastPlayers <- struct{}{}:
	default:
	}
}

// BroadcastGroupList schedules a group_list push to every
// authenticated session. Bursts coalesce.
func (s *Server) BroadcastGroupList() {
	select {
	case s.chBroadcastGroups <- struct{}{}:
	default:
	}
}

func (s *Server) apiStatus() defs.APIStatus {
	return defs.APIStatus{
		Version:          s.Version,
		UptimeSeconds:    int64(time.Since(s.startTime).Seconds()),
		Sessions:         s.Registry.Count(),
		Groups:           s.Groups.Count(),
		TrackedPositions: s.Positions.Count(),
	}
}

func (s *Server) playerList() playerListData {
	sessions := s.Registry.Snapshot()

	players := make([]playerEntry, 0, len(sessions))
	for _, sess := range sessions {
		e := playerEntry{
			PlayerID: sess.PlayerID(),
			Username: sess.Username(),
			Muted:    sess.Muted(),
		}
		if info, ok := s.Groups.GroupOf(sess.PlayerID()); ok {
			id := info.ID
			e.GroupID = &id
		}
		players = append(players, e)
	}

	sort.Slice(players, func(i, j int) bool {
		if players[i].Username != players[j].Username {
			return players[i].Username < players[j].Username
		}
		return players[i].PlayerID.String() < players[j].PlayerID.String()
	})

	return playerListData{Players: players}
}

func (s *Server) groupList() groupListData {
	infos := s.Groups.List()

	groups := make([]groupEntry, 0, len(infos))
	for _, info := range infos {
		groups = append(groups, groupEntryOf(info))
	}

	return groupListData{Groups: groups}
}

func (s *Server) groupMembers(info group.Info) groupMembersData {
	members := make([]memberEntry, 0, len(info.Members))
	for _, m := range info.Members {
		e := memberEntry{PlayerID: m}
		if sess, ok := s.Registry.GetByPlayer(m); ok {
			e.Username = sess.Username()
			e.Muted = sess.Muted()
		} else if !interfaceIsEmpty(s.Presence) {
			e.Username, _ = s.Presence.PlayerUsername(m)
		}
		members = append(members, e)
	}

	return groupMembersData{
		GroupID:   info.ID,
		GroupName: info.Name,
		Members:   members,
	}
}

// authThrottled reports whether an address exhausted its
// authentication failure budget.
func (s *Server) authThrottled(addr string) bool {
	s.limitersMutex.Lock()
	defer s.limitersMutex.Unlock()

	lim, ok := s.authLimiters[addr]
	if !ok {
		return false
	}
	return lim.Tokens() < 1
}

func (s *Server) authFailed(addr string) {
	s.limitersMutex.Lock()
	defer s.limitersMutex.Unlock()

	lim, ok := s.authLimiters[addr]
	if !ok {
		if len(s.authLimiters) > 1000 {
			for k, v := range s.authLimiters {
				if v.Tokens() >= authFailureBurst {
					delete(s.authLimiters, k)
				}
			}
		}
		lim = rate.NewLimiter(rate.Limit(1), authFailureBurst)
		s.authLimiters[addr] = lim
	}

	lim.Allow()
}
