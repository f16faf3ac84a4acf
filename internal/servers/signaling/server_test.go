package signaling

import (
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/google/uuid"
	gwebsocket "github.com/gorilla/websocket"
	pwebrtc "github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/require"

	"github.com/openvoicechat/ovc-server/internal/authstore"
	"github.com/openvoicechat/ovc-server/internal/conf"
	"github.com/openvoicechat/ovc-server/internal/defs"
	"github.com/openvoicechat/ovc-server/internal/group"
	"github.com/openvoicechat/ovc-server/internal/position"
	"github.com/openvoicechat/ovc-server/internal/protocols/packet"
	"github.com/openvoicechat/ovc-server/internal/protocols/webrtc"
	"github.com/openvoicechat/ovc-server/internal/registry"
	"github.com/openvoicechat/ovc-server/internal/router"
	"github.com/openvoicechat/ovc-server/internal/test"
)

func ptrOf[T any](v T) *T {
	return &v
}

type testPresence struct {
	present map[uuid.UUID]bool
}

func (p *testPresence) Present(playerID uuid.UUID) bool {
	return p.present[playerID]
}

func (p *testPresence) PlayerUsername(_ uuid.UUID) (string, bool) {
	return "", false
}

type testServices struct {
	authStore *authstore.Store
	registry  *registry.Registry
	groups    *group.Registry
	positions *position.Tracker
	router    *router.Router
}

func newTestServices(t *testing.T) *testServices {
	ts := &testServices{}

	ts.authStore = &authstore.Store{Parent: test.NilLogger}
	err := ts.authStore.Initialize()
	require.NoError(t, err)

	ts.registry = &registry.Registry{}
	ts.registry.Initialize()

	ts.groups = &group.Registry{}
	ts.groups.Initialize()

	ts.positions = &position.Tracker{}
	ts.positions.Initialize()

	ts.router = &router.Router{
		MaxVoiceDistance: 100,
		RolloffFactor:    1,
		Registry:         ts.registry,
		Groups:           ts.groups,
		Positions:        ts.positions,
	}
	ts.router.Initialize()

	return ts
}

func (ts *testServices) serverConf(address string) *Server {
	return &Server{
		Address:            address,
		ReadTimeout:        conf.Duration(10 * time.Second),
		WriteTimeout:       conf.Duration(10 * time.Second),
		IdleTimeout:        conf.Duration(20 * time.Second),
		PendingJoinTimeout: conf.Duration(20 * time.Second),
		HandshakeTimeout:   conf.Duration(10 * time.Second),
		STUNGatherTimeout:  conf.Duration(2 * time.Second),
		IPsFromInterfaces:  true,
		Version:            "v0.0.0",
		AuthStore:          ts.authStore,
		Registry:           ts.registry,
		Groups:             ts.groups,
		Positions:          ts.positions,
		Router:             ts.router,
		Parent:             test.NilLogger,
	}
}

func (ts *testServices) newServer(t *testing.T, address string) *Server {
	s := ts.serverConf(address)
	err := s.Initialize()
	require.NoError(t, err)
	return s
}

// code returns the auth code of a username, registering it on first use.
func (ts *testServices) code(t *testing.T, username string) (string, uuid.UUID) {
	playerID, ok := ts.authStore.LookupPlayer(username)
	if !ok {
		playerID = uuid.New()
	}

	code, err := ts.authStore.GetOrCreate(username, playerID)
	require.NoError(t, err)

	return code, playerID
}

func wsDial(t *testing.T, address string) *gwebsocket.Conn {
	c, res, err := gwebsocket.DefaultDialer.Dial("ws://"+address+"/voice", nil)
	require.NoError(t, err)
	res.Body.Close()
	return c
}

func wsWrite(t *testing.T, c *gwebsocket.Conn, msgType string, data interface{}) {
	err := c.WriteJSON(outEnvelope{Type: msgType, Data: data})
	require.NoError(t, err)
}

func wsRead(t *testing.T, c *gwebsocket.Conn) envelope {
	err := c.SetReadDeadline(time.Now().Add(5 * time.Second))
	require.NoError(t, err)

	var env envelope
	err = c.ReadJSON(&env)
	require.NoError(t, err)
	return env
}

// wsReadType skips pushes of other types until one of the wanted type arrives.
func wsReadType(t *testing.T, c *gwebsocket.Conn, msgType string) envelope {
	for {
		env := wsRead(t, c)
		if env.Type == msgType {
			return env
		}
	}
}

func wsReadPlayerList(t *testing.T, c *gwebsocket.Conn, count int) playerListData {
	for {
		env := wsReadType(t, c, "player_list")

		var list playerListData
		err := json.Unmarshal(env.Data, &list)
		require.NoError(t, err)

		if len(list.Players) == count {
			return list
		}
	}
}

func wsReadGroupMembers(t *testing.T, c *gwebsocket.Conn, count int) groupMembersData {
	for {
		env := wsReadType(t, c, "group_members_updated")

		var data groupMembersData
		err := json.Unmarshal(env.Data, &data)
		require.NoError(t, err)

		if len(data.Members) == count {
			return data
		}
	}
}

func wsReadGroupList(t *testing.T, c *gwebsocket.Conn, memberCount int) groupListData {
	for {
		env := wsReadType(t, c, "group_list")

		var list groupListData
		err := json.Unmarshal(env.Data, &list)
		require.NoError(t, err)

		if len(list.Groups) == 1 && list.Groups[0].MemberCount == memberCount {
			return list
		}
	}
}

func authenticatedClient(t *testing.T, ts *testServices, address string, username string,
) (*gwebsocket.Conn, uuid.UUID, uuid.UUID) {
	code, playerID := ts.code(t, username)

	c := wsDial(t, address)

	wsWrite(t, c, "authenticate", authenticateData{
		Username: username,
		AuthCode: code,
	})

	env := wsReadType(t, c, "auth_success")

	var success authSuccessData
	err := json.Unmarshal(env.Data, &success)
	require.NoError(t, err)
	require.Equal(t, username, success.Username)
	require.NotEqual(t, uuid.Nil, success.ClientID)

	return c, playerID, success.ClientID
}

func requireTransportReady(t *testing.T, ts *testServices, playerID uuid.UUID, ready bool) {
	require.Eventually(t, func() bool {
		sess, ok := ts.registry.GetByPlayer(playerID)
		return ok && sess.Ready() == ready
	}, 10*time.Second, 10*time.Millisecond)
}

func TestServerStatus(t *testing.T) {
	ts := newTestServices(t)
	s := ts.newServer(t, "localhost:9917")
	defer s.Close()

	res, err := http.Get("http://localhost:9917/status")
	require.NoError(t, err)
	defer res.Body.Close()
	require.Equal(t, http.StatusOK, res.StatusCode)

	var status defs.APIStatus
	err = json.NewDecoder(res.Body).Decode(&status)
	require.NoError(t, err)

	require.Equal(t, "v0.0.0", status.Version)
	require.Equal(t, 0, status.Sessions)
	require.Equal(t, 0, status.Groups)
}

func TestServerAuthAndGroups(t *testing.T) {
	ts := newTestServices(t)
	s := ts.newServer(t, "localhost:9918")
	defer s.Close()

	alice, alicePlayerID, _ := authenticatedClient(t, ts, "localhost:9918", "alice")
	defer alice.Close()

	wsWrite(t, alice, "ping", pingData{Timestamp: 42})
	env := wsReadType(t, alice, "pong")

	var pong pongData
	err := json.Unmarshal(env.Data, &pong)
	require.NoError(t, err)
	require.Equal(t, int64(42), pong.Timestamp)

	wsWrite(t, alice, "create_group", createGroupData{
		GroupName: "party",
		Password:  "swordfish",
		Settings:  &groupSettingsData{IsIsolated: true},
	})
	env = wsReadType(t, alice, "group_created")

	var created groupCreatedData
	err = json.Unmarshal(env.Data, &created)
	require.NoError(t, err)
	require.Equal(t, "party", created.GroupName)

	bob, bobPlayerID, _ := authenticatedClient(t, ts, "localhost:9918", "bob")
	defer bob.Close()

	wsWrite(t, bob, "join_group", joinGroupData{
		GroupID:  created.GroupID,
		Password: "wrong",
	})
	env = wsReadType(t, bob, "error")

	var errMsg errorData
	err = json.Unmarshal(env.Data, &errMsg)
	require.NoError(t, err)
	require.Equal(t, "Incorrect password", errMsg.Message)

	wsWrite(t, bob, "join_group", joinGroupData{
		GroupID:  created.GroupID,
		Password: "swordfish",
	})
	env = wsReadType(t, bob, "group_joined")

	var joined groupJoinedData
	err = json.Unmarshal(env.Data, &joined)
	require.NoError(t, err)
	require.Equal(t, created.GroupID, joined.GroupID)

	wsWrite(t, bob, "list_groups", nil)
	env = wsReadType(t, bob, "group_list")

	var groups groupListData
	err = json.Unmarshal(env.Data, &groups)
	require.NoError(t, err)
	require.Len(t, groups.Groups, 1)
	require.Equal(t, groupEntry{
		GroupID:     created.GroupID,
		GroupName:   "party",
		MemberCount: 2,
		MaxMembers:  32,
		HasPassword: true,
		IsIsolated:  true,
	}, groups.Groups[0])

	wsWrite(t, alice, "user_mute", userMuteData{IsMuted: true})
	env = wsReadType(t, bob, "user_mute")

	var mute playerMuteData
	err = json.Unmarshal(env.Data, &mute)
	require.NoError(t, err)
	require.Equal(t, alicePlayerID, mute.PlayerID)
	require.True(t, mute.IsMuted)

	wsWrite(t, bob, "list_players", nil)
	env = wsReadType(t, bob, "player_list")

	var players playerListData
	err = json.Unmarshal(env.Data, &players)
	require.NoError(t, err)
	require.Len(t, players.Players, 2)
	require.Equal(t, "alice", players.Players[0].Username)
	require.True(t, players.Players[0].Muted)
	require.NotNil(t, players.Players[0].GroupID)
	require.Equal(t, created.GroupID, *players.Players[0].GroupID)
	require.Equal(t, "bob", players.Players[1].Username)
	require.Equal(t, bobPlayerID, players.Players[1].PlayerID)
	require.False(t, players.Players[1].Muted)

	wsWrite(t, bob, "leave_group", nil)
	env = wsReadType(t, bob, "group_left")

	var left groupLeftData
	err = json.Unmarshal(env.Data, &left)
	require.NoError(t, err)
	require.Equal(t, created.GroupID, left.GroupID)
	require.Equal(t, 1, left.MemberCount)
}

func TestServerAuthInvalid(t *testing.T) {
	ts := newTestServices(t)
	s := ts.newServer(t, "localhost:9919")
	defer s.Close()

	c := wsDial(t, "localhost:9919")
	defer c.Close()

	wsWrite(t, c, "authenticate", authenticateData{
		Username: "mallory",
		AuthCode: "AAAAAA",
	})

	env := wsRead(t, c)
	require.Equal(t, "error", env.Type)

	var errMsg errorData
	err := json.Unmarshal(env.Data, &errMsg)
	require.NoError(t, err)
	require.Equal(t, "invalid credentials", errMsg.Message)

	env = wsRead(t, c)
	require.Equal(t, "disconnected", env.Type)

	var disc disconnectedData
	err = json.Unmarshal(env.Data, &disc)
	require.NoError(t, err)
	require.Equal(t, `invalid credentials for user "mallory"`, disc.Reason)
}

func TestServerAuthThrottled(t *testing.T) {
	ts := newTestServices(t)
	s := ts.newServer(t, "localhost:9920")
	defer s.Close()

	code, _ := ts.code(t, "alice")

	for i := 0; i < authFailureBurst; i++ {
		c := wsDial(t, "localhost:9920")

		wsWrite(t, c, "authenticate", authenticateData{
			Username: "alice",
			AuthCode: "BADBAD",
		})

		env := wsRead(t, c)
		require.Equal(t, "error", env.Type)

		var errMsg errorData
		err := json.Unmarshal(env.Data, &errMsg)
		require.NoError(t, err)
		require.Equal(t, "invalid credentials", errMsg.Message)

		c.Close()
	}

	// even a valid code is rejected while the endpoint is throttled.
	c := wsDial(t, "localhost:9920")
	defer c.Close()

	wsWrite(t, c, "authenticate", authenticateData{
		Username: "alice",
		AuthCode: code,
	})

	env := wsRead(t, c)
	require.Equal(t, "error", env.Type)

	var errMsg errorData
	err := json.Unmarshal(env.Data, &errMsg)
	require.NoError(t, err)
	require.Equal(t, "too many attempts", errMsg.Message)
}

func TestServerFirstMessageMustAuthenticate(t *testing.T) {
	ts := newTestServices(t)
	s := ts.newServer(t, "localhost:9921")
	defer s.Close()

	c := wsDial(t, "localhost:9921")
	defer c.Close()

	wsWrite(t, c, "ping", pingData{Timestamp: 1})

	env := wsRead(t, c)
	require.Equal(t, "disconnected", env.Type)

	var disc disconnectedData
	err := json.Unmarshal(env.Data, &disc)
	require.NoError(t, err)
	require.Equal(t, "first message must be 'authenticate'", disc.Reason)
}

func TestServerIdleTimeout(t *testing.T) {
	ts := newTestServices(t)
	s := ts.serverConf("localhost:9922")
	s.IdleTimeout = conf.Duration(200 * time.Millisecond)
	err := s.Initialize()
	require.NoError(t, err)
	defer s.Close()

	c := wsDial(t, "localhost:9922")
	defer c.Close()

	env := wsRead(t, c)
	require.Equal(t, "disconnected", env.Type)

	var disc disconnectedData
	err = json.Unmarshal(env.Data, &disc)
	require.NoError(t, err)
	require.Equal(t, "idle timeout", disc.Reason)
}

func TestServerPendingJoinTimeout(t *testing.T) {
	ts := newTestServices(t)
	presence := &testPresence{present: make(map[uuid.UUID]bool)}

	s := ts.serverConf("localhost:9923")
	s.PendingJoinTimeout = conf.Duration(200 * time.Millisecond)
	s.Presence = presence
	err := s.Initialize()
	require.NoError(t, err)
	defer s.Close()

	c, playerID, _ := authenticatedClient(t, ts, "localhost:9923", "alice")
	defer c.Close()

	env := wsReadType(t, c, "disconnected")

	var disc disconnectedData
	err = json.Unmarshal(env.Data, &disc)
	require.NoError(t, err)
	require.Equal(t, "player never joined the game", disc.Reason)

	// once the player is in the game, the session survives the deadline.
	presence.present[playerID] = true

	c2, _, _ := authenticatedClient(t, ts, "localhost:9923", "alice")
	defer c2.Close()

	time.Sleep(350 * time.Millisecond)

	wsWrite(t, c2, "ping", pingData{Timestamp: 7})
	env = wsRead(t, c2)
	require.Equal(t, "pong", env.Type)
}

func TestServerDisplacement(t *testing.T) {
	ts := newTestServices(t)
	s := ts.newServer(t, "localhost:9924")
	defer s.Close()

	c1, _, _ := authenticatedClient(t, ts, "localhost:9924", "alice")
	defer c1.Close()

	c2, _, _ := authenticatedClient(t, ts, "localhost:9924", "alice")
	defer c2.Close()

	env := wsReadType(t, c1, "disconnected")

	var disc disconnectedData
	err := json.Unmarshal(env.Data, &disc)
	require.NoError(t, err)
	require.Equal(t, "kicked (connected from another location)", disc.Reason)

	// the second connection is the live one.
	wsWrite(t, c2, "ping", pingData{Timestamp: 3})
	env = wsReadType(t, c2, "pong")

	var pong pongData
	err = json.Unmarshal(env.Data, &pong)
	require.NoError(t, err)
	require.Equal(t, int64(3), pong.Timestamp)

	require.Equal(t, 1, ts.registry.Count())
}

func TestServerPushToPlayer(t *testing.T) {
	ts := newTestServices(t)
	s := ts.newServer(t, "localhost:9925")
	defer s.Close()

	err := s.PushToPlayer(uuid.New(), "radar_ping", map[string]int{"x": 1})
	require.Equal(t, ErrPlayerNotConnected, err)

	c, playerID, _ := authenticatedClient(t, ts, "localhost:9925", "alice")
	defer c.Close()

	err = s.PushToPlayer(playerID, "radar_ping", map[string]float64{"sourceX": 10})
	require.NoError(t, err)

	env := wsReadType(t, c, "radar_ping")

	var data map[string]float64
	err = json.Unmarshal(env.Data, &data)
	require.NoError(t, err)
	require.Equal(t, float64(10), data["sourceX"])
}

func TestServerBroadcasts(t *testing.T) {
	ts := newTestServices(t)
	s := ts.serverConf("localhost:9926")
	ts.registry.OnPresenceChanged = s.BroadcastPlayerList
	ts.groups.OnMembersChanged = s.NotifyGroupMembers
	ts.groups.OnListChanged = s.BroadcastGroupList
	err := s.Initialize()
	require.NoError(t, err)
	defer s.Close()

	alice, _, _ := authenticatedClient(t, ts, "localhost:9926", "alice")
	defer alice.Close()

	bob, _, _ := authenticatedClient(t, ts, "localhost:9926", "bob")

	list := wsReadPlayerList(t, alice, 2)
	require.Equal(t, "alice", list.Players[0].Username)
	require.Equal(t, "bob", list.Players[1].Username)

	wsWrite(t, alice, "create_group", createGroupData{GroupName: "squad"})
	env := wsReadType(t, alice, "group_created")

	var created groupCreatedData
	err = json.Unmarshal(env.Data, &created)
	require.NoError(t, err)

	wsWrite(t, bob, "join_group", joinGroupData{GroupID: created.GroupID})
	wsReadType(t, bob, "group_joined")

	// the join is pushed to every member and to group listers.
	members := wsReadGroupMembers(t, alice, 2)
	require.Equal(t, "squad", members.GroupName)
	require.Equal(t, "alice", members.Members[0].Username)
	require.Equal(t, "bob", members.Members[1].Username)

	groups := wsReadGroupList(t, bob, 2)
	require.Equal(t, "squad", groups.Groups[0].GroupName)

	// a departure shrinks the pushed player list.
	bob.Close()

	list = wsReadPlayerList(t, alice, 1)
	require.Equal(t, "alice", list.Players[0].Username)
}

type voiceClient struct {
	ws       *gwebsocket.Conn
	pc       *pwebrtc.PeerConnection
	dc       *pwebrtc.DataChannel
	received chan []byte
	playerID uuid.UUID
	clientID uuid.UUID
}

func newVoiceClient(t *testing.T, ts *testServices, address string, username string) *voiceClient {
	ws, playerID, clientID := authenticatedClient(t, ts, address, username)

	settingsEngine := pwebrtc.SettingEngine{}
	settingsEngine.SetIncludeLoopbackCandidate(true)

	api := pwebrtc.NewAPI(pwebrtc.WithSettingEngine(settingsEngine))

	pc, err := api.NewPeerConnection(pwebrtc.Configuration{})
	require.NoError(t, err)

	dc, err := pc.CreateDataChannel(webrtc.ChannelLabel, &pwebrtc.DataChannelInit{
		Ordered:        ptrOf(false),
		MaxRetransmits: ptrOf(uint16(0)),
	})
	require.NoError(t, err)

	received := make(chan []byte, 16)
	dc.OnMessage(func(msg pwebrtc.DataChannelMessage) {
		select {
		case received <- msg.Data:
		default:
		}
	})

	opened := make(chan struct{})
	dc.OnOpen(func() {
		close(opened)
	})

	offer, err := pc.CreateOffer(nil)
	require.NoError(t, err)

	gatherDone := pwebrtc.GatheringCompletePromise(pc)
	err = pc.SetLocalDescription(offer)
	require.NoError(t, err)
	<-gatherDone

	wsWrite(t, ws, "webrtc_offer", webrtcOfferData{SDP: pc.LocalDescription().SDP})

	env := wsReadType(t, ws, "webrtc_answer")

	var answer webrtcAnswerData
	err = json.Unmarshal(env.Data, &answer)
	require.NoError(t, err)

	err = pc.SetRemoteDescription(pwebrtc.SessionDescription{
		Type: pwebrtc.SDPTypeAnswer,
		SDP:  answer.SDP,
	})
	require.NoError(t, err)

	select {
	case <-opened:
	case <-time.After(10 * time.Second):
		t.Fatal("data channel did not open")
	}

	return &voiceClient{
		ws:       ws,
		pc:       pc,
		dc:       dc,
		received: received,
		playerID: playerID,
		clientID: clientID,
	}
}

func (c *voiceClient) close() {
	c.pc.Close() //nolint:errcheck
	c.ws.Close() //nolint:errcheck
}

func (c *voiceClient) read(t *testing.T) []byte {
	select {
	case buf := <-c.received:
		return buf
	case <-time.After(10 * time.Second):
		t.Fatal("frame not received")
		return nil
	}
}

func TestServerDataChannel(t *testing.T) {
	ts := newTestServices(t)
	s := ts.newServer(t, "localhost:9927")
	defer s.Close()

	alice := newVoiceClient(t, ts, "localhost:9927", "alice")
	defer alice.close()

	requireTransportReady(t, ts, alice.playerID, true)

	buf, err := packet.Marshal(&packet.Auth{
		Sender:     alice.playerID,
		Username:   "alice",
		SampleRate: 48000,
	})
	require.NoError(t, err)

	err = alice.dc.Send(buf)
	require.NoError(t, err)

	pkt, err := packet.Unmarshal(alice.read(t))
	require.NoError(t, err)

	ack, ok := pkt.(*packet.AuthAck)
	require.True(t, ok)
	require.True(t, ack.Accepted())
	require.Equal(t, alice.clientID, ack.Client)
	require.Equal(t, uint32(48000), ack.SampleRate)

	// a voice-plane disconnect drops the transport but keeps the session.
	buf, err = packet.Marshal(&packet.Disconnect{Client: alice.clientID})
	require.NoError(t, err)

	err = alice.dc.Send(buf)
	require.NoError(t, err)

	requireTransportReady(t, ts, alice.playerID, false)

	wsWrite(t, alice.ws, "ping", pingData{Timestamp: 5})
	env := wsReadType(t, alice.ws, "pong")

	var pong pongData
	err = json.Unmarshal(env.Data, &pong)
	require.NoError(t, err)
	require.Equal(t, int64(5), pong.Timestamp)
}

func TestServerAudioRouting(t *testing.T) {
	ts := newTestServices(t)
	s := ts.newServer(t, "localhost:9928")
	defer s.Close()

	alice := newVoiceClient(t, ts, "localhost:9928", "alice")
	defer alice.close()

	bob := newVoiceClient(t, ts, "localhost:9928", "bob")
	defer bob.close()

	requireTransportReady(t, ts, alice.playerID, true)
	requireTransportReady(t, ts, bob.playerID, true)

	wsWrite(t, alice.ws, "create_group", createGroupData{
		GroupName: "raid",
		Settings:  &groupSettingsData{IsIsolated: true},
	})
	env := wsReadType(t, alice.ws, "group_created")

	var created groupCreatedData
	err := json.Unmarshal(env.Data, &created)
	require.NoError(t, err)

	wsWrite(t, bob.ws, "join_group", joinGroupData{GroupID: created.GroupID})
	wsReadType(t, bob.ws, "group_joined")

	// no live positions: group members hear each other flat.
	buf, err := packet.Marshal(&packet.Audio{
		Codec:    packet.CodecOpus,
		Sequence: 7,
		Payload:  []byte{0xde, 0xad, 0xbe, 0xef},
	})
	require.NoError(t, err)

	err = alice.dc.Send(buf)
	require.NoError(t, err)

	pkt, err := packet.Unmarshal(bob.read(t))
	require.NoError(t, err)

	audio, ok := pkt.(*packet.Audio)
	require.True(t, ok)
	require.Equal(t, alice.clientID, audio.Sender)
	require.Equal(t, uint32(7), audio.Sequence)
	require.Equal(t, []byte{0xde, 0xad, 0xbe, 0xef}, audio.Payload)
	require.Nil(t, audio.Position)

	// the frame never loops back to the sender.
	select {
	case <-alice.received:
		t.Fatal("sender received its own frame")
	case <-time.After(100 * time.Millisecond):
	}
}
