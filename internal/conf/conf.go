// Package conf contains the struct that holds the configuration of the software.
package conf

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/openvoicechat/ovc-server/internal/conf/env"
	"github.com/openvoicechat/ovc-server/internal/conf/yamlwrapper"
	"github.com/openvoicechat/ovc-server/internal/logger"
)

func firstThatExists(paths []string) string {
	for _, pa := range paths {
		_, err := os.Stat(pa)
		if err == nil {
			return pa
		}
	}
	return ""
}

func contains(list []string, item string) bool {
	for _, i := range list {
		if i == item {
			return true
		}
	}
	return false
}

func clampFloat(v *float64, minV float64, maxV float64) {
	if *v < minV {
		*v = minV
	}
	if *v > maxV {
		*v = maxV
	}
}

func clampDuration(v *Duration, minV Duration, maxV Duration) {
	if *v < minV {
		*v = minV
	}
	if *v > maxV {
		*v = maxV
	}
}

// Conf is a configuration.
// WARNING: directly supported types are only
// string, int, uint, float64, bool, map and slice.
// Other types must implement json.Unmarshaler.
type Conf struct {
	// General
	LogLevel        LogLevel        `json:"logLevel"`
	LogDestinations LogDestinations `json:"logDestinations"`
	LogFile         string          `json:"logFile"`
	LogStructured   bool            `json:"logStructured"`
	ReadTimeout     Duration        `json:"readTimeout"`
	WriteTimeout    Duration        `json:"writeTimeout"`

	// Signaling
	VoiceAddress       string   `json:"voiceAddress"`
	AllowedOrigins     []string `json:"allowedOrigins"`
	IdleTimeout        Duration `json:"idleTimeout"`
	PendingJoinTimeout Duration `json:"pendingJoinTimeout"`

	// WebRTC
	ICEServers            []ICEServer `json:"iceServers"`
	HandshakeTimeout      Duration    `json:"handshakeTimeout"`
	STUNGatherTimeout     Duration    `json:"stunGatherTimeout"`
	ICEPortMin            int         `json:"icePortMin"`
	ICEPortMax            int         `json:"icePortMax"`
	ICEUDPMuxAddress      string      `json:"iceUDPMuxAddress"`
	ICETCPMuxAddress      string      `json:"iceTCPMuxAddress"`
	IPsFromInterfaces     bool        `json:"ipsFromInterfaces"`
	IPsFromInterfacesList []string    `json:"ipsFromInterfacesList"`
	AdditionalHosts       []string    `json:"additionalHosts"`

	// Voice routing
	MaxVoiceDistance    float64  `json:"maxVoiceDistance"`
	RolloffFactor       float64  `json:"rolloffFactor"`
	PositionTTL         Duration `json:"positionTTL"`
	PositionMinInterval Duration `json:"positionMinInterval"`
	PositionMinDistance float64  `json:"positionMinDistance"`
	PositionMinRotation float64  `json:"positionMinRotation"`

	// Groups
	MaxGroups       int `json:"maxGroups"`
	GroupMaxMembers int `json:"groupMaxMembers"`

	// Authentication
	AuthFile string `json:"authFile"`

	// Legacy UDP ingress
	UDPAddress        string     `json:"udpAddress"`
	UDPReadBufferSize StringSize `json:"udpReadBufferSize"`
	UDPDumpPath       string     `json:"udpDumpPath"`

	// Hooks
	RunOnConnect        string `json:"runOnConnect"`
	RunOnConnectRestart bool   `json:"runOnConnectRestart"`
	RunOnDisconnect     string `json:"runOnDisconnect"`
	RunOnGroupCreate    string `json:"runOnGroupCreate"`
	RunOnGroupDelete    string `json:"runOnGroupDelete"`

	// Debugging
	PPROF        bool       `json:"pprof"`
	PPROFAddress string     `json:"pprofAddress"`
	PPROFAuth    Credential `json:"pprofAuth"`
}

func (conf *Conf) setDefaults() {
	// General
	conf.LogLevel = LogLevel(logger.Info)
	conf.LogDestinations = LogDestinations{LogDestination(logger.DestinationStdout)}
	conf.LogFile = "ovc-server.log"
	conf.ReadTimeout = 10 * Duration(time.Second)
	conf.WriteTimeout = 10 * Duration(time.Second)

	// Signaling
	conf.VoiceAddress = ":24454"
	conf.AllowedOrigins = []string{}
	conf.IdleTimeout = 60 * Duration(time.Second)
	conf.PendingJoinTimeout = 60 * Duration(time.Second)

	// WebRTC
	conf.ICEServers = []ICEServer{}
	conf.HandshakeTimeout = 10 * Duration(time.Second)
	conf.STUNGatherTimeout = 5 * Duration(time.Second)
	conf.IPsFromInterfaces = true
	conf.IPsFromInterfacesList = []string{}
	conf.AdditionalHosts = []string{}

	// Voice routing
	conf.MaxVoiceDistance = 100
	conf.RolloffFactor = 1.5
	conf.PositionTTL = 30 * Duration(time.Second)
	conf.PositionMinInterval = 50 * Duration(time.Millisecond)
	conf.PositionMinDistance = 0.25
	conf.PositionMinRotation = 2.0

	// Groups
	conf.MaxGroups = 100
	conf.GroupMaxMembers = 32

	// Authentication
	conf.AuthFile = "voice-chat-auth.properties"

	// Legacy UDP ingress
	conf.UDPReadBufferSize = 1024 * 1024

	// Debugging
	conf.PPROFAddress = "127.0.0.1:9999"
}

// Load loads a Conf.
func Load(fpath string, defaultConfPaths []string) (*Conf, string, error) {
	conf := &Conf{}

	fpath, err := conf.loadFromFile(fpath, defaultConfPaths)
	if err != nil {
		return nil, "", err
	}

	err = env.Load("OVC", conf)
	if err != nil {
		return nil, "", err
	}

	err = conf.Validate()
	if err != nil {
		return nil, "", err
	}

	return conf, fpath, nil
}

func (conf *Conf) loadFromFile(fpath string, defaultConfPaths []string) (string, error) {
	if fpath == "" {
		fpath = firstThatExists(defaultConfPaths)

		// when the configuration file is not explicitly set,
		// it is optional.
		if fpath == "" {
			conf.setDefaults()
			return "", nil
		}
	}

	byts, err := os.ReadFile(fpath)
	if err != nil {
		return "", err
	}

	conf.setDefaults()

	err = yamlwrapper.Load(byts, conf)
	if err != nil {
		return "", err
	}

	return fpath, nil
}

// Clone clones the configuration.
func (conf Conf) Clone() *Conf {
	enc, err := json.Marshal(conf)
	if err != nil {
		panic(err)
	}

	var dest Conf
	err = json.Unmarshal(enc, &dest)
	if err != nil {
		panic(err)
	}

	return &dest
}

// Validate checks the configuration for errors.
func (conf *Conf) Validate() error {
	// General

	if conf.ReadTimeout <= 0 {
		return fmt.Errorf("'readTimeout' must be greater than zero")
	}
	if conf.WriteTimeout <= 0 {
		return fmt.Errorf("'writeTimeout' must be greater than zero")
	}
	for _, d := range conf.LogDestinations {
		if d == LogDestination(logger.DestinationFile) && conf.LogFile == "" {
			return fmt.Errorf("'logFile' must be set when logging to a file")
		}
	}

	// Signaling

	if conf.VoiceAddress == "" {
		return fmt.Errorf("'voiceAddress' must be set")
	}
	if conf.IdleTimeout <= 0 {
		return fmt.Errorf("'idleTimeout' must be greater than zero")
	}
	if conf.PendingJoinTimeout <= 0 {
		return fmt.Errorf("'pendingJoinTimeout' must be greater than zero")
	}
	for _, origin := range conf.AllowedOrigins {
		u, err := url.Parse(origin)
		if err != nil || u.Scheme == "" || u.Host == "" ||
			u.Path != "" || u.RawQuery != "" || u.Fragment != "" {
			return fmt.Errorf("invalid origin '%s': must be scheme://host[:port]", origin)
		}
	}

	// WebRTC

	if conf.HandshakeTimeout <= 0 {
		return fmt.Errorf("'handshakeTimeout' must be greater than zero")
	}
	if conf.STUNGatherTimeout <= 0 {
		return fmt.Errorf("'stunGatherTimeout' must be greater than zero")
	}
	for _, server := range conf.ICEServers {
		scheme := strings.SplitN(server.URL, ":", 2)[0]
		if !contains([]string{"stun", "turn", "turns"}, scheme) {
			return fmt.Errorf("invalid ICE server: '%s'", server.URL)
		}
	}
	if conf.ICEPortMin < 0 || conf.ICEPortMin > 65535 ||
		conf.ICEPortMax < 0 || conf.ICEPortMax > 65535 {
		return fmt.Errorf("'icePortMin' and 'icePortMax' must be valid ports")
	}
	if conf.ICEPortMin != 0 && conf.ICEPortMax == 0 {
		return fmt.Errorf("'icePortMax' must be set when 'icePortMin' is set")
	}
	if conf.ICEPortMax != 0 && conf.ICEPortMax < conf.ICEPortMin {
		return fmt.Errorf("'icePortMax' must not be lower than 'icePortMin'")
	}

	// Voice routing

	if conf.MaxVoiceDistance <= 0 {
		return fmt.Errorf("'maxVoiceDistance' must be greater than zero")
	}
	if conf.RolloffFactor <= 0 {
		return fmt.Errorf("'rolloffFactor' must be greater than zero")
	}
	if conf.PositionTTL <= 0 {
		return fmt.Errorf("'positionTTL' must be greater than zero")
	}
	clampDuration(&conf.PositionMinInterval, 0, Duration(time.Second))
	clampFloat(&conf.PositionMinDistance, 0, 10)
	clampFloat(&conf.PositionMinRotation, 0, 45)

	// Groups

	if conf.MaxGroups < 1 || conf.MaxGroups > 100 {
		return fmt.Errorf("'maxGroups' must be in range [1, 100]")
	}
	if conf.GroupMaxMembers < 1 || conf.GroupMaxMembers > 200 {
		return fmt.Errorf("'groupMaxMembers' must be in range [1, 200]")
	}

	// Authentication

	if conf.AuthFile == "" {
		return fmt.Errorf("'authFile' must be set")
	}

	return nil
}
