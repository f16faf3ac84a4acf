package signaling

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	pwebrtc "github.com/pion/webrtc/v4"

	"github.com/openvoicechat/ovc-server/internal/counterdumper"
	"github.com/openvoicechat/ovc-server/internal/defs"
	"github.com/openvoicechat/ovc-server/internal/errordumper"
	"github.com/openvoicechat/ovc-server/internal/group"
	"github.com/openvoicechat/ovc-server/internal/hooks"
	"github.com/openvoicechat/ovc-server/internal/logger"
	"github.com/openvoicechat/ovc-server/internal/protocols/packet"
	"github.com/openvoicechat/ovc-server/internal/protocols/webrtc"
	"github.com/openvoicechat/ovc-server/internal/websocket"
)

type sessionState int

const (
	stateUnauth sessionState = iota
	stateAuthOK
	statePeerNegotiating
	statePeerOpen
)

func timerChannel(t *time.Timer) <-chan time.Time {
	if t == nil {
		return nil
	}
	return t.C
}

func groupErrorMessage(err error) string {
	if errors.Is(err, group.ErrWrongPassword) {
		return "Incorrect password"
	}
	return err.Error()
}

type session struct {
	parentCtx  context.Context
	wsConn     *websocket.ServerConn
	remoteAddr string
	wg         *sync.WaitGroup
	parent     *Server

	ctx       context.Context
	ctxCancel func()
	created   time.Time
	uuid      uuid.UUID

	// owned by the run loop.
	state            sessionState
	handshakeTimer   *time.Timer
	pendingJoinTimer *time.Timer
	onDisconnectHook func()

	// read by the router and the server loop.
	mutex    sync.RWMutex
	clientID uuid.UUID
	playerID uuid.UUID
	username string
	muted    bool
	ready    bool
	pc       *webrtc.PeerConnection

	backpressure *counterdumper.CounterDumper
	decodeErrors *errordumper.Dumper

	chMessage  chan envelope
	chReadErr  chan error
	chKick     chan string
	chVoiceBye chan struct{}
}

func (s *session) initialize() {
	ctx, ctxCancel := context.WithCancel(s.parentCtx)

	s.ctx = ctx
	s.ctxCancel = ctxCancel
	s.created = time.Now()
	s.uuid = uuid.New()
	s.chMessage = make(chan envelope)
	s.chReadErr = make(chan error, 1)
	s.chKick = make(chan string, 1)
	s.chVoiceBye = make(chan struct{}, 1)

	s.backpressure = &counterdumper.CounterDumper{
		OnReport: func(val uint64) {
			s.Log(logger.Warn, "connection is too slow, discarding %d outbound frames", val)
		},
		Period: 5 * time.Second,
	}
	s.backpressure.Start()

	s.decodeErrors = &errordumper.Dumper{
		OnReport: func(val uint64, last error) {
			s.Log(logger.Warn, "discarded %d malformed voice packets (last error: %v)", val, last)
		},
		Period: 5 * time.Second,
	}
	s.decodeErrors.Start()

	s.Log(logger.Info, "created by %s", s.remoteAddr)

	s.wg.Add(1)

	go s.run()
}

// Log implements logger.Writer.
func (s *session) Log(level logger.Level, format string, args ...interface{}) {
	id := hex.EncodeToString(s.uuid[:4])
	s.parent.Log(level, "[session %v] "+format, append([]interface{}{id}, args...)...)
}

// ClientID implements defs.Session.
func (s *session) ClientID() uuid.UUID {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.clientID
}

// PlayerID implements defs.Session.
func (s *session) PlayerID() uuid.UUID {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.playerID
}

// Username implements defs.Session.
func (s *session) Username() string {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.username
}

// Ready implements defs.Session.
func (s *session) Ready() bool {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.ready
}

// Muted implements defs.Session.
func (s *session) Muted() bool {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.muted
}

// SetMuted implements defs.Session. Unlike a user_mute message, the
// session itself is notified as well, since the change is forced.
func (s *session) SetMuted(muted bool) {
	s.mutex.Lock()
	if s.muted == muted {
		s.mutex.Unlock()
		return
	}
	s.muted = muted
	s.mutex.Unlock()

	data := playerMuteData{
		PlayerID: s.PlayerID(),
		IsMuted:  muted,
	}
	s.writeMessage("user_mute", data)
	s.notifyGroupPeers("user_mute", data)
}

// SendAudio implements defs.Session.
func (s *session) SendAudio(buf []byte) defs.SendResult {
	s.mutex.RLock()
	pc := s.pc
	ready := s.ready
	s.mutex.RUnlock()

	if pc == nil || !ready {
		return defs.SendClosed
	}

	res := pc.SendFrame(buf)
	if res == defs.SendBackpressure {
		s.backpressure.Increase()
	}
	return res
}

// Kick implements defs.Session.
func (s *session) Kick(reason string) {
	select {
	case s.chKick <- reason:
	default:
	}
}

func (s *session) writeMessage(msgType string, data interface{}) {
	s.wsConn.WriteJSON(outEnvelope{Type: msgType, Data: data}) //nolint:errcheck
}

func (s *session) writeError(msg string) {
	s.writeMessage("error", errorData{Message: msg})
}

func (s *session) remoteHost() string {
	host, _, err := net.SplitHostPort(s.remoteAddr)
	if err != nil {
		return s.remoteAddr
	}
	return host
}

func (s *session) run() {
	defer s.wg.Done()

	err := s.runInner()

	s.ctxCancel()

	s.mutex.Lock()
	pc := s.pc
	s.pc = nil
	s.ready = false
	clientID := s.clientID
	s.mutex.Unlock()

	if pc != nil {
		if clientID != uuid.Nil {
			if buf, merr := packet.Marshal(&packet.Disconnect{Client: clientID}); merr == nil {
				pc.SendFrame(buf)
			}
		}
		stats := pc.Stats()
		pc.Close()
		s.Log(logger.Info, "voice transport closed (%d bytes received, %d bytes sent)",
			stats.BytesReceived, stats.BytesSent)
	}

	s.wsConn.WriteJSON(outEnvelope{ //nolint:errcheck
		Type: "disconnected",
		Data: disconnectedData{Reason: err.Error()},
	})
	s.wsConn.Close()

	if clientID != uuid.Nil {
		s.parent.Registry.Remove(s)
	}

	if s.onDisconnectHook != nil {
		s.onDisconnectHook()
	}

	s.decodeErrors.Stop()
	s.backpressure.Stop()

	s.parent.closeSession(s)

	s.Log(logger.Info, "closed: %v", err)
}

// readLoop pumps inbound messages into the run loop. Malformed JSON is
// forwarded as an empty envelope so the state machine decides whether
// it is fatal.
func (s *session) readLoop() {
	for {
		var env envelope
		err := s.wsConn.ReadJSON(&env)
		if err != nil {
			var syntaxErr *json.SyntaxError
			var typeErr *json.UnmarshalTypeError
			if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
				env = envelope{}
			} else {
				s.chReadErr <- err
				return
			}
		}

		select {
		case s.chMessage <- env:
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *session) runInner() error {
	go s.readLoop()

	idleTimeout := time.Duration(s.parent.IdleTimeout)
	idleTimer := time.NewTimer(idleTimeout)
	defer idleTimer.Stop()

	for {
		var dcOpen <-chan struct{}
		var pcFailed <-chan struct{}

		s.mutex.RLock()
		if s.pc != nil {
			if s.state == statePeerNegotiating {
				dcOpen = s.pc.DataChannelOpen()
			}
			pcFailed = s.pc.Failed()
		}
		s.mutex.RUnlock()

		select {
		case env := <-s.chMessage:
			if !idleTimer.Stop() {
				select {
				case <-idleTimer.C:
				default:
				}
			}
			idleTimer.Reset(idleTimeout)

			err := s.handleMessage(env)
			if err != nil {
				return err
			}

		case err := <-s.chReadErr:
			return err

		case <-idleTimer.C:
			return fmt.Errorf("idle timeout")

		case <-timerChannel(s.pendingJoinTimer):
			s.pendingJoinTimer = nil
			if !s.parent.Presence.Present(s.PlayerID()) {
				return fmt.Errorf("player never joined the game")
			}

		case <-dcOpen:
			s.stopHandshakeTimer()
			s.mutex.Lock()
			s.ready = true
			s.mutex.Unlock()
			s.state = statePeerOpen
			s.Log(logger.Info, "voice channel is open")

		case <-pcFailed:
			s.Log(logger.Warn, "voice transport failed")
			s.closeTransport()
			s.state = stateAuthOK
			s.writeMessage("disconnected", disconnectedData{Reason: "voice transport failed"})

		case <-timerChannel(s.handshakeTimer):
			s.handshakeTimer = nil
			s.Log(logger.Warn, "handshake timed out")
			s.closeTransport()
			s.state = stateAuthOK
			s.writeMessage("disconnected", disconnectedData{Reason: "handshake timeout"})

		case <-s.chVoiceBye:
			s.Log(logger.Info, "client left the voice channel")
			s.closeTransport()
			s.state = stateAuthOK

		case reason := <-s.chKick:
			return fmt.Errorf("kicked (%s)", reason)

		case <-s.ctx.Done():
			return fmt.Errorf("terminated")
		}
	}
}

func (s *session) stopHandshakeTimer() {
	if s.handshakeTimer != nil {
		s.handshakeTimer.Stop()
		s.handshakeTimer = nil
	}
}

// closeTransport drops the peer connection but keeps the WebSocket, so
// the client can negotiate again.
func (s *session) closeTransport() {
	s.stopHandshakeTimer()

	s.mutex.Lock()
	pc := s.pc
	s.pc = nil
	s.ready = false
	s.mutex.Unlock()

	if pc != nil {
		stats := pc.Stats()
		pc.Close()
		s.Log(logger.Info, "voice transport closed (%d bytes received, %d bytes sent)",
			stats.BytesReceived, stats.BytesSent)
	}
}

func (s *session) handleMessage(env envelope) error {
	if s.state == stateUnauth {
		if env.Type != "authenticate" {
			return fmt.Errorf("first message must be 'authenticate'")
		}
		return s.handleAuthenticate(env.Data)
	}

	switch env.Type {
	case "authenticate":
		s.writeError("already authenticated")

	case "ping":
		var data pingData
		if env.Data != nil {
			json.Unmarshal(env.Data, &data) //nolint:errcheck
		}
		s.writeMessage("pong", pongData{Timestamp: data.Timestamp})

	case "webrtc_offer":
		if s.state == statePeerNegotiating {
			s.writeError("negotiation is already in progress")
			return nil
		}
		var data webrtcOfferData
		if err := json.Unmarshal(env.Data, &data); err != nil {
			s.writeError("invalid message")
			return nil
		}
		s.handleOffer(data)

	case "webrtc_ice_candidate":
		var data webrtcCandidateData
		if err := json.Unmarshal(env.Data, &data); err != nil {
			s.writeError("invalid message")
			return nil
		}
		s.handleRemoteCandidate(data)

	case "start_data_channel":
		// the channel open event moves the session forward on its own.

	case "create_group", "join_group", "leave_group", "list_groups",
		"list_players", "user_mute", "user_speaking":
		if s.state == statePeerNegotiating {
			s.Log(logger.Warn, "aborting negotiation: received %q", env.Type)
			s.closeTransport()
			s.state = stateAuthOK
			s.writeError("not allowed while negotiating")
			return nil
		}
		s.handleControlMessage(env)

	default:
		if env.Type == "" {
			s.writeError("invalid message")
		} else {
			s.writeError(fmt.Sprintf("unknown message type %q", env.Type))
		}
	}

	return nil
}

func (s *session) handleControlMessage(env envelope) {
	switch env.Type {
	case "create_group":
		var data createGroupData
		if err := json.Unmarshal(env.Data, &data); err != nil {
			s.writeError("invalid message")
			return
		}
		s.handleCreateGroup(data)

	case "join_group":
		var data joinGroupData
		if err := json.Unmarshal(env.Data, &data); err != nil {
			s.writeError("invalid message")
			return
		}
		s.handleJoinGroup(data)

	case "leave_group":
		s.handleLeaveGroup()

	case "list_groups":
		s.writeMessage("group_list", s.parent.groupList())

	case "list_players":
		s.writeMessage("player_list", s.parent.playerList())

	case "user_mute":
		var data userMuteData
		if err := json.Unmarshal(env.Data, &data); err != nil {
			s.writeError("invalid message")
			return
		}
		s.mutex.Lock()
		s.muted = data.IsMuted
		s.mutex.Unlock()
		s.notifyGroupPeers("user_mute", playerMuteData{
			PlayerID: s.PlayerID(),
			IsMuted:  data.IsMuted,
		})

	case "user_speaking":
		var data userSpeakingData
		if err := json.Unmarshal(env.Data, &data); err != nil {
			s.writeError("invalid message")
			return
		}
		s.notifyGroupPeers("user_speaking", playerSpeakingData{
			PlayerID:   s.PlayerID(),
			IsSpeaking: data.IsSpeaking,
		})
	}
}

func (s *session) handleAuthenticate(raw json.RawMessage) error {
	var data authenticateData
	if raw == nil || json.Unmarshal(raw, &data) != nil {
		s.writeError("invalid message")
		return fmt.Errorf("invalid authenticate message")
	}

	addr := s.remoteHost()

	if s.parent.authThrottled(addr) {
		s.writeError("too many attempts")
		return fmt.Errorf("authentication throttled")
	}

	playerID, ok := s.parent.AuthStore.LookupPlayer(data.Username)
	if !ok || !s.parent.AuthStore.Validate(data.Username, data.AuthCode) {
		s.parent.authFailed(addr)
		s.writeError("invalid credentials")
		return fmt.Errorf("invalid credentials for user %q", data.Username)
	}

	s.mutex.Lock()
	s.clientID = uuid.New()
	s.playerID = playerID
	s.username = data.Username
	clientID := s.clientID
	s.mutex.Unlock()

	s.state = stateAuthOK

	// bind before replying, so a push that follows the reply finds the
	// session.
	s.parent.sessionBound(s)

	s.writeMessage("auth_success", authSuccessData{
		ClientID: clientID,
		Username: data.Username,
	})

	if prev := s.parent.Registry.Add(s); prev != nil {
		prev.Kick("connected from another location")
	}

	s.onDisconnectHook = hooks.OnConnect(hooks.OnConnectParams{
		Logger:              s,
		ExternalCmdPool:     s.parent.ExternalCmdPool,
		RunOnConnect:        s.parent.RunOnConnect,
		RunOnConnectRestart: s.parent.RunOnConnectRestart,
		RunOnDisconnect:     s.parent.RunOnDisconnect,
		VoiceAddress:        s.parent.Address,
		ClientID:            clientID,
		PlayerID:            playerID,
		Username:            data.Username,
	})

	if !interfaceIsEmpty(s.parent.Presence) {
		s.pendingJoinTimer = time.NewTimer(time.Duration(s.parent.PendingJoinTimeout))
	}

	s.Log(logger.Info, "authenticated as %q (player %s)", data.Username, playerID)

	return nil
}

func (s *session) handleCreateGroup(data createGroupData) {
	info, err := s.parent.Groups.Create(s.PlayerID(), data.GroupName,
		data.Settings.toSettings(), data.Password)
	if err != nil {
		s.writeError(groupErrorMessage(err))
		return
	}

	s.Log(logger.Info, "created group %q", info.Name)

	s.writeMessage("group_created", groupCreatedData{
		GroupID:   info.ID,
		GroupName: info.Name,
	})

	hooks.OnGroupCreate(hooks.OnGroupCreateParams{
		Logger:           s,
		ExternalCmdPool:  s.parent.ExternalCmdPool,
		RunOnGroupCreate: s.parent.RunOnGroupCreate,
		Group:            *info,
	})
}

func (s *session) handleJoinGroup(data joinGroupData) {
	info, err := s.parent.Groups.Join(s.PlayerID(), data.GroupID, data.Password)
	if err != nil {
		s.writeError(groupErrorMessage(err))
		return
	}

	s.Log(logger.Info, "joined group %q", info.Name)

	s.writeMessage("group_joined", groupJoinedData{GroupID: info.ID})
}

func (s *session) handleLeaveGroup() {
	info, err := s.parent.Groups.Leave(s.PlayerID())
	if err != nil {
		s.writeError(groupErrorMessage(err))
		return
	}

	s.Log(logger.Info, "left group %q", info.Name)

	s.writeMessage("group_left", groupLeftData{
		GroupID:     info.ID,
		MemberCount: len(info.Members),
	})
}

func (s *session) notifyGroupPeers(msgType string, data interface{}) {
	members := s.parent.Groups.MembersOf(s.PlayerID())
	if members == nil {
		return
	}
	s.parent.pushToMembers(members, s.PlayerID(), msgType, data)
}

func (s *session) handleOffer(data webrtcOfferData) {
	// a new offer over an open transport is a renegotiation; tear down
	// the old transport first.
	if s.state == statePeerOpen {
		s.closeTransport()
		s.state = stateAuthOK
	}

	iceServers, err := webrtc.GenerateICEServers(s.parent.ICEServers, false)
	if err != nil {
		s.Log(logger.Error, "%v", err)
		s.writeError("internal error")
		return
	}

	pc := &webrtc.PeerConnection{
		UDPReadBufferSize:     s.parent.UDPReadBufferSize,
		ICEUDPMux:             s.parent.iceUDPMux,
		ICETCPMux:             s.parent.iceTCPMux,
		ICEPortMin:            s.parent.icePortMin,
		ICEPortMax:            s.parent.icePortMax,
		ICEServers:            iceServers,
		IPsFromInterfaces:     s.parent.IPsFromInterfaces,
		IPsFromInterfacesList: s.parent.IPsFromInterfacesList,
		AdditionalHosts:       s.parent.AdditionalHosts,
		HandshakeTimeout:      s.parent.HandshakeTimeout,
		STUNGatherTimeout:     s.parent.STUNGatherTimeout,
		OnFrame:               s.onFrame,
		Log:                   s,
	}
	err = pc.Start()
	if err != nil {
		s.Log(logger.Error, "%v", err)
		s.writeError("internal error")
		return
	}

	answer, err := pc.CreateFullAnswer(s.ctx, &pwebrtc.SessionDescription{
		Type: pwebrtc.SDPTypeOffer,
		SDP:  data.SDP,
	})
	if err != nil {
		pc.Close()
		s.writeError(err.Error())
		return
	}

	s.mutex.Lock()
	s.pc = pc
	s.mutex.Unlock()

	s.writeMessage("webrtc_answer", webrtcAnswerData{SDP: answer.SDP})

	// candidates are baked into the answer; tell the client the stream
	// is complete.
	s.writeMessage("webrtc_ice_candidate", webrtcCandidateData{Complete: true})

	s.state = statePeerNegotiating
	s.handshakeTimer = time.NewTimer(time.Duration(s.parent.HandshakeTimeout))
}

func (s *session) handleRemoteCandidate(data webrtcCandidateData) {
	if data.Complete {
		return
	}

	s.mutex.RLock()
	pc := s.pc
	s.mutex.RUnlock()

	if pc == nil {
		s.writeError("no negotiation in progress")
		return
	}

	err := pc.AddRemoteCandidate(&pwebrtc.ICECandidateInit{
		Candidate:     data.Candidate,
		SDPMid:        data.SDPMid,
		SDPMLineIndex: data.SDPMLineIndex,
	})
	if err != nil {
		s.writeError("invalid candidate")
	}
}

// onFrame runs in the transport read goroutine and must not block.
func (s *session) onFrame(buf []byte) {
	pkt, err := packet.Unmarshal(buf)
	if err != nil {
		s.decodeErrors.Add(err)
		return
	}

	switch tpkt := pkt.(type) {
	case *packet.Auth:
		s.handleVoiceAuth(tpkt)

	case *packet.Audio:
		s.parent.Router.Route(s, tpkt)

	case *packet.Disconnect:
		select {
		case s.chVoiceBye <- struct{}{}:
		default:
		}

	default:
		s.decodeErrors.Add(fmt.Errorf("unexpected packet type"))
	}
}

func (s *session) handleVoiceAuth(pkt *packet.Auth) {
	s.mutex.RLock()
	clientID := s.clientID
	playerID := s.playerID
	pc := s.pc
	s.mutex.RUnlock()

	if pc == nil {
		return
	}

	ack := packet.AuthAck{
		Client:     clientID,
		Reason:     packet.AckAccepted,
		SampleRate: pkt.SampleRate,
	}
	if pkt.Sender != playerID && pkt.Sender != clientID {
		ack = packet.AuthAck{
			Client:  clientID,
			Reason:  packet.AckInvalidCredentials,
			Message: "unknown sender",
		}
	}

	buf, err := packet.Marshal(&ack)
	if err != nil {
		return
	}
	pc.SendFrame(buf)
}
