package conf

// ICEServer is a STUN or TURN server used to establish WebRTC connections.
// When Username is "AUTH_SECRET", Password is treated as a shared TURN secret
// and time-limited credentials are minted per session.
type ICEServer struct {
	URL        string `json:"url"`
	Username   string `json:"username"`
	Password   string `json:"password"`
	ClientOnly bool   `json:"clientOnly"`
}
