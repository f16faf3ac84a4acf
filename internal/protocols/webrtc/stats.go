package webrtc

import (
	"github.com/pion/webrtc/v4"
)

// Stats are peer connection statistics.
type Stats struct {
	BytesReceived uint64
	BytesSent     uint64
}

func bytesStats(wr *webrtc.PeerConnection) (uint64, uint64) {
	for _, stats := range wr.GetStats() {
		if tstats, ok := stats.(webrtc.TransportStats); ok {
			if tstats.ID == "iceTransport" {
				return tstats.BytesReceived, tstats.BytesSent
			}
		}
	}
	return 0, 0
}

// Stats returns statistics.
func (co *PeerConnection) Stats() *Stats {
	bytesReceived, bytesSent := bytesStats(co.wr)

	return &Stats{
		BytesReceived: bytesReceived,
		BytesSent:     bytesSent,
	}
}
