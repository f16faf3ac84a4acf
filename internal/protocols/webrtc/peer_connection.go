// Package webrtc contains WebRTC utilities.
package webrtc

import (
	"context"
	"crypto/rand"
	"fmt"
	"net"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pion/ice/v4"
	"github.com/pion/interceptor"
	"github.com/pion/sdp/v3"
	"github.com/pion/webrtc/v4"

	"github.com/openvoicechat/ovc-server/internal/conf"
	"github.com/openvoicechat/ovc-server/internal/defs"
	"github.com/openvoicechat/ovc-server/internal/logger"
)

const (
	// ChannelLabel is the label of the data channel that carries voice frames.
	ChannelLabel = "audio"

	// frames sent while more than this amount is queued in the SCTP send
	// buffer are dropped, never queued further.
	bufferedAmountCap = 1024 * 1024
)

func randUint32() (uint32, error) {
	var b [4]byte
	_, err := rand.Read(b[:])
	if err != nil {
		return 0, err
	}
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3]), nil
}

func interfaceIPs(interfaceList []string) ([]string, error) {
	intfs, err := net.Interfaces()
	if err != nil {
		return nil, err
	}

	var ips []string

	for _, intf := range intfs {
		if len(interfaceList) == 0 || slices.Contains(interfaceList, intf.Name) {
			var addrs []net.Addr
			addrs, err = intf.Addrs()
			if err == nil {
				for _, addr := range addrs {
					var ip net.IP

					switch v := addr.(type) {
					case *net.IPNet:
						ip = v.IP
					case *net.IPAddr:
						ip = v.IP
					}

					if ip != nil {
						ips = append(ips, ip.String())
					}
				}
			}
		}
	}

	return ips, nil
}

func candidateLabel(c *webrtc.ICECandidate) string {
	return c.Typ.String() + "/" + c.Protocol.String() + "/" +
		c.Address + "/" + strconv.FormatInt(int64(c.Port), 10)
}

// ChannelsAreValid checks whether the SDP carries a data channel and nothing else.
func ChannelsAreValid(medias []*sdp.MediaDescription) error {
	application := false

	for _, media := range medias {
		switch media.MediaName.Media {
		case "application":
			if application {
				return fmt.Errorf("only a single data channel is supported")
			}
			application = true

		default:
			return fmt.Errorf("unsupported media '%s': audio rides the data channel", media.MediaName.Media)
		}
	}

	if !application {
		return fmt.Errorf("no data channel found")
	}

	return nil
}

// PeerConnection is a wrapper around webrtc.PeerConnection that answers
// data-channel-only offers. The client opens the channel; frames arrive
// through OnFrame and leave through SendFrame.
type PeerConnection struct {
	UDPReadBufferSize     uint
	ICEUDPMux             ice.UDPMux
	ICETCPMux             *TCPMuxWrapper
	ICEPortMin            uint16
	ICEPortMax            uint16
	ICEServers            []webrtc.ICEServer
	IPsFromInterfaces     bool
	IPsFromInterfacesList []string
	AdditionalHosts       []string
	HandshakeTimeout      conf.Duration
	STUNGatherTimeout     conf.Duration
	OnFrame               func(buf []byte)
	Log                   logger.Writer

	wr *webrtc.PeerConnection

	ctx       context.Context
	ctxCancel context.CancelFunc

	dcMutex     sync.RWMutex
	dataChannel *webrtc.DataChannel

	candidateMutex   sync.Mutex
	queuedCandidates []*webrtc.ICECandidateInit

	newLocalCandidate chan *webrtc.ICECandidateInit
	connected         chan struct{}
	failed            chan struct{}
	closed            chan struct{}
	gatheringDone     chan struct{}
	dataChannelOpen   chan struct{}
	done              chan struct{}
}

// Start starts the peer connection.
func (co *PeerConnection) Start() error {
	settingsEngine := webrtc.SettingEngine{}

	settingsEngine.SetIncludeLoopbackCandidate(true)

	networkTypes := []webrtc.NetworkType{
		webrtc.NetworkTypeUDP4,
		webrtc.NetworkTypeUDP6,
	}

	// TCP candidates make sense only when a TCP listener exists.
	if co.ICETCPMux != nil {
		networkTypes = append(networkTypes, webrtc.NetworkTypeTCP4, webrtc.NetworkTypeTCP6)
	}

	settingsEngine.SetNetworkTypes(networkTypes)

	if co.ICEUDPMux != nil {
		settingsEngine.SetICEUDPMux(co.ICEUDPMux)
	}

	if co.ICETCPMux != nil {
		settingsEngine.SetICETCPMux(co.ICETCPMux.Mux)
	}

	if co.ICEPortMax != 0 {
		err := settingsEngine.SetEphemeralUDPPortRange(co.ICEPortMin, co.ICEPortMax)
		if err != nil {
			return err
		}
	}

	settingsEngine.SetSTUNGatherTimeout(time.Duration(co.STUNGatherTimeout))

	webrtcNet := &webrtcNet{
		udpReadBufferSize: int(co.UDPReadBufferSize),
	}
	err := webrtcNet.initialize()
	if err != nil {
		return err
	}
	settingsEngine.SetNet(webrtcNet)

	mediaEngine := &webrtc.MediaEngine{}

	interceptorRegistry := &interceptor.Registry{}
	err = webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry)
	if err != nil {
		return err
	}

	api := webrtc.NewAPI(
		webrtc.WithSettingEngine(settingsEngine),
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry))

	co.wr, err = api.NewPeerConnection(webrtc.Configuration{
		ICEServers: co.ICEServers,
	})
	if err != nil {
		return err
	}

	co.ctx, co.ctxCancel = context.WithCancel(context.Background())

	co.newLocalCandidate = make(chan *webrtc.ICECandidateInit)
	co.connected = make(chan struct{})
	co.failed = make(chan struct{})
	co.closed = make(chan struct{})
	co.gatheringDone = make(chan struct{})
	co.dataChannelOpen = make(chan struct{})
	co.done = make(chan struct{})

	co.wr.OnDataChannel(func(dc *webrtc.DataChannel) {
		if dc.Label() != ChannelLabel {
			co.Log.Log(logger.Debug, "closing data channel with unexpected label '%s'", dc.Label())
			dc.Close() //nolint:errcheck
			return
		}

		dc.OnOpen(func() {
			co.dcMutex.Lock()
			duplicate := co.dataChannel != nil
			if !duplicate {
				co.dataChannel = dc
			}
			co.dcMutex.Unlock()

			if duplicate {
				dc.Close() //nolint:errcheck
				return
			}

			close(co.dataChannelOpen)
		})

		dc.OnMessage(func(msg webrtc.DataChannelMessage) {
			if co.OnFrame != nil {
				co.OnFrame(msg.Data)
			}
		})
	})

	var stateChangeMutex sync.Mutex

	co.wr.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		stateChangeMutex.Lock()
		defer stateChangeMutex.Unlock()

		select {
		case <-co.closed:
			return
		default:
		}

		co.Log.Log(logger.Debug, "peer connection state: "+state.String())

		switch state {
		case webrtc.PeerConnectionStateConnected:
			// PeerConnectionStateConnected can arrive twice, since state can
			// switch from "disconnected" to "connected".
			// contrarily, we're interested into emitting "connected" once.
			select {
			case <-co.connected:
				return
			default:
			}

			co.Log.Log(logger.Info, "peer connection established, local candidate: %v, remote candidate: %v",
				co.LocalCandidate(), co.RemoteCandidate())

			close(co.connected)

		case webrtc.PeerConnectionStateFailed:
			close(co.failed)

		case webrtc.PeerConnectionStateClosed:
			// "closed" can arrive before "failed" and without
			// the Close() method being called at all.
			// It happens when the other peer sends a termination
			// message like a DTLS CloseNotify.
			select {
			case <-co.failed:
			default:
				close(co.failed)
			}

			close(co.closed)
		}
	})

	co.wr.OnICECandidate(func(i *webrtc.ICECandidate) {
		if i != nil {
			v := i.ToJSON()
			select {
			case co.newLocalCandidate <- &v:
			case <-co.connected:
			case <-co.ctx.Done():
			}
		} else {
			close(co.gatheringDone)
		}
	})

	go co.run()

	return nil
}

// Close closes the connection. It can be called multiple times.
func (co *PeerConnection) Close() {
	co.ctxCancel()
	<-co.done
}

func (co *PeerConnection) run() {
	defer close(co.done)

	<-co.ctx.Done()

	co.wr.GracefulClose() //nolint:errcheck

	// even if GracefulClose() should wait for any goroutine to return,
	// we have to wait for OnConnectionStateChange to return anyway,
	// since it is executed in an uncontrolled goroutine.
	// https://github.com/pion/webrtc/blob/4742d1fd54abbc3f81c3b56013654574ba7254f3/peerconnection.go#L509
	<-co.closed
}

func (co *PeerConnection) removeUnwantedCandidates(firstMedia *sdp.MediaDescription) error {
	var allowedIPs []string
	if co.IPsFromInterfaces {
		var err error
		allowedIPs, err = interfaceIPs(co.IPsFromInterfacesList)
		if err != nil {
			return err
		}
	}

	var newAttributes []sdp.Attribute //nolint:prealloc

	for _, attr := range firstMedia.Attributes {
		if attr.Key == "candidate" {
			parts := strings.Split(attr.Value, " ")

			// hide host candidates on disallowed IPs
			if parts[7] == "host" && !slices.Contains(allowedIPs, parts[4]) {
				continue
			}
		}

		newAttributes = append(newAttributes, attr)
	}

	firstMedia.Attributes = newAttributes

	return nil
}

func (co *PeerConnection) addAdditionalCandidates(firstMedia *sdp.MediaDescription) error {
	i := 0
	for _, attr := range firstMedia.Attributes {
		if attr.Key == "end-of-candidates" {
			break
		}
		i++
	}

	for _, host := range co.AdditionalHosts {
		var ips []string
		if net.ParseIP(host) != nil {
			ips = []string{host}
		} else {
			tmp, err := net.LookupIP(host)
			if err != nil {
				return err
			}

			ips = make([]string, len(tmp))
			for i, e := range tmp {
				ips[i] = e.String()
			}
		}

		for _, ip := range ips {
			newAttrs := append([]sdp.Attribute(nil), firstMedia.Attributes[:i]...)

			if co.ICEUDPMux != nil {
				port := strconv.FormatInt(int64(co.ICEUDPMux.GetListenAddresses()[0].(*net.UDPAddr).Port), 10)

				tmp, err := randUint32()
				if err != nil {
					return err
				}
				id := strconv.FormatInt(int64(tmp), 10)

				newAttrs = append(newAttrs, sdp.Attribute{
					Key:   "candidate",
					Value: id + " 1 udp 2130706431 " + ip + " " + port + " typ host",
				})
				newAttrs = append(newAttrs, sdp.Attribute{
					Key:   "candidate",
					Value: id + " 2 udp 2130706431 " + ip + " " + port + " typ host",
				})
			}

			if co.ICETCPMux != nil {
				port := strconv.FormatInt(int64(co.ICETCPMux.Ln.Addr().(*net.TCPAddr).Port), 10)

				tmp, err := randUint32()
				if err != nil {
					return err
				}
				id := strconv.FormatInt(int64(tmp), 10)

				newAttrs = append(newAttrs, sdp.Attribute{
					Key:   "candidate",
					Value: id + " 1 tcp 1671430143 " + ip + " " + port + " typ host tcptype passive",
				})
				newAttrs = append(newAttrs, sdp.Attribute{
					Key:   "candidate",
					Value: id + " 2 tcp 1671430143 " + ip + " " + port + " typ host tcptype passive",
				})
			}

			newAttrs = append(newAttrs, firstMedia.Attributes[i:]...)
			firstMedia.Attributes = newAttrs
		}
	}

	return nil
}

func (co *PeerConnection) filterLocalDescription(desc *webrtc.SessionDescription) (*webrtc.SessionDescription, error) {
	var psdp sdp.SessionDescription
	psdp.Unmarshal([]byte(desc.SDP)) //nolint:errcheck

	firstMedia := psdp.MediaDescriptions[0]

	err := co.removeUnwantedCandidates(firstMedia)
	if err != nil {
		return nil, err
	}

	err = co.addAdditionalCandidates(firstMedia)
	if err != nil {
		return nil, err
	}

	out, _ := psdp.Marshal()
	desc.SDP = string(out)

	return desc, nil
}

// CreateFullAnswer validates the offer, sets it as the remote description
// and returns an answer with all local candidates gathered.
func (co *PeerConnection) CreateFullAnswer(
	ctx context.Context,
	offer *webrtc.SessionDescription,
) (*webrtc.SessionDescription, error) {
	var psdp sdp.SessionDescription
	err := psdp.Unmarshal([]byte(offer.SDP))
	if err != nil {
		return nil, err
	}

	err = ChannelsAreValid(psdp.MediaDescriptions)
	if err != nil {
		return nil, err
	}

	err = co.wr.SetRemoteDescription(*offer)
	if err != nil {
		return nil, err
	}

	err = co.flushQueuedCandidates()
	if err != nil {
		return nil, err
	}

	tmp, err := co.wr.CreateAnswer(nil)
	if err != nil {
		return nil, err
	}
	answer := &tmp

	err = co.wr.SetLocalDescription(*answer)
	if err != nil {
		return nil, err
	}

	err = co.waitGatheringDone(ctx)
	if err != nil {
		return nil, err
	}

	answer = co.wr.LocalDescription()

	answer, err = co.filterLocalDescription(answer)
	if err != nil {
		return nil, err
	}

	return answer, nil
}

func (co *PeerConnection) waitGatheringDone(ctx context.Context) error {
	for {
		select {
		case <-co.NewLocalCandidate():
		case <-co.GatheringDone():
			return nil
		case <-ctx.Done():
			return fmt.Errorf("terminated")
		}
	}
}

// AddRemoteCandidate adds a remote candidate. Candidates that arrive before
// the remote description are queued and flushed by CreateFullAnswer.
func (co *PeerConnection) AddRemoteCandidate(candidate *webrtc.ICECandidateInit) error {
	co.candidateMutex.Lock()
	defer co.candidateMutex.Unlock()

	if co.wr.RemoteDescription() == nil {
		co.queuedCandidates = append(co.queuedCandidates, candidate)
		return nil
	}

	return co.wr.AddICECandidate(*candidate)
}

func (co *PeerConnection) flushQueuedCandidates() error {
	co.candidateMutex.Lock()
	defer co.candidateMutex.Unlock()

	for _, c := range co.queuedCandidates {
		err := co.wr.AddICECandidate(*c)
		if err != nil {
			return err
		}
	}

	co.queuedCandidates = nil

	return nil
}

// WaitUntilConnected waits until connection is established.
func (co *PeerConnection) WaitUntilConnected() error {
	t := time.NewTimer(time.Duration(co.HandshakeTimeout))
	defer t.Stop()

outer:
	for {
		select {
		case <-t.C:
			return fmt.Errorf("deadline exceeded while waiting connection")

		case <-co.connected:
			break outer

		case <-co.ctx.Done():
			return fmt.Errorf("terminated")
		}
	}

	return nil
}

// SendFrame sends a frame on the audio channel. It never blocks: frames
// that would overflow the SCTP send buffer are reported as backpressure
// and must be dropped by the caller.
func (co *PeerConnection) SendFrame(buf []byte) defs.SendResult {
	select {
	case <-co.closed:
		return defs.SendClosed
	default:
	}

	co.dcMutex.RLock()
	dc := co.dataChannel
	co.dcMutex.RUnlock()

	if dc == nil || dc.ReadyState() != webrtc.DataChannelStateOpen {
		return defs.SendClosed
	}

	if dc.BufferedAmount() > bufferedAmountCap {
		return defs.SendBackpressure
	}

	err := dc.Send(buf)
	if err != nil {
		return defs.SendClosed
	}

	return defs.SendOK
}

// Connected returns when connected.
func (co *PeerConnection) Connected() <-chan struct{} {
	return co.connected
}

// Failed returns when failed.
func (co *PeerConnection) Failed() <-chan struct{} {
	return co.failed
}

// NewLocalCandidate returns when there's a new local candidate.
func (co *PeerConnection) NewLocalCandidate() <-chan *webrtc.ICECandidateInit {
	return co.newLocalCandidate
}

// GatheringDone returns when candidate gathering is complete.
func (co *PeerConnection) GatheringDone() <-chan struct{} {
	return co.gatheringDone
}

// DataChannelOpen returns when the audio channel is open.
func (co *PeerConnection) DataChannelOpen() <-chan struct{} {
	return co.dataChannelOpen
}

// LocalCandidate returns the local candidate.
func (co *PeerConnection) LocalCandidate() string {
	cp, err := co.wr.SCTP().Transport().ICETransport().GetSelectedCandidatePair()
	if err != nil || cp == nil || cp.Local == nil {
		return ""
	}

	return candidateLabel(cp.Local)
}

// RemoteCandidate returns the remote candidate.
func (co *PeerConnection) RemoteCandidate() string {
	cp, err := co.wr.SCTP().Transport().ICETransport().GetSelectedCandidatePair()
	if err != nil || cp == nil || cp.Remote == nil {
		return ""
	}

	return candidateLabel(cp.Remote)
}
