package defs

// APIError is a generic error.
type APIError struct {
	Error string `json:"error"`
}

// APIStatus is the server status returned by GET /status.
type APIStatus struct {
	Version          string `json:"version"`
	UptimeSeconds    int64  `json:"uptimeSeconds"`
	Sessions         int    `json:"sessions"`
	Groups           int    `json:"groups"`
	TrackedPositions int    `json:"trackedPositions"`
}
