package webrtc

import (
	"fmt"
	"net"
	"strconv"
)

// CheckUDPPortRange reports whether at least one UDP port in
// [portMin, portMax] can currently be bound. Callers fall back to
// ephemeral ports when the range is exhausted.
func CheckUDPPortRange(portMin int, portMax int) error {
	for port := portMin; port <= portMax; port++ {
		pc, err := net.ListenPacket("udp", ":"+strconv.Itoa(port))
		if err == nil {
			pc.Close()
			return nil
		}
	}

	return fmt.Errorf("no UDP port available in range [%d, %d]", portMin, portMax)
}
