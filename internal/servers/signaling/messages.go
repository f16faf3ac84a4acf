package signaling

import (
	"encoding/json"

	"github.com/google/uuid"

	"github.com/openvoicechat/ovc-server/internal/group"
)

// envelope frames every message on the WebSocket, in both directions.
type envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

type outEnvelope struct {
	Type string      `json:"type"`
	Data interface{} `json:"data,omitempty"`
}

type authenticateData struct {
	Username string `json:"username"`
	AuthCode string `json:"authCode"`
}

type groupSettingsData struct {
	IsIsolated        bool     `json:"isIsolated"`
	ProximityOverride *float64 `json:"proximityOverride"`
	Permanent         bool     `json:"permanent"`
	GlobalVoice       bool     `json:"globalVoice"`
	Spatial           bool     `json:"spatial"`
	MinVolume         float64  `json:"minVolume"`
	MaxMembers        int      `json:"maxMembers"`
}

func (d *groupSettingsData) toSettings() group.Settings {
	if d == nil {
		return group.Settings{}
	}
	return group.Settings{
		IsIsolated:        d.IsIsolated,
		ProximityOverride: d.ProximityOverride,
		Permanent:         d.Permanent,
		GlobalVoice:       d.GlobalVoice,
		Spatial:           d.Spatial,
		MinVolume:         d.MinVolume,
		MaxMembers:        d.MaxMembers,
	}
}

type createGroupData struct {
	GroupName string             `json:"groupName"`
	Password  string             `json:"password"`
	Settings  *groupSettingsData `json:"settings"`
}

type joinGroupData struct {
	GroupID  uuid.UUID `json:"groupId"`
	Password string    `json:"password"`
}

type userMuteData struct {
	IsMuted bool `json:"isMuted"`
}

type userSpeakingData struct {
	IsSpeaking bool `json:"isSpeaking"`
}

type pingData struct {
	Timestamp int64 `json:"timestamp"`
}

type webrtcOfferData struct {
	SDP string `json:"sdp"`
}

// webrtcCandidateData trickles in both directions; Complete marks the
// end of a candidate stream.
type webrtcCandidateData struct {
	Candidate     string  `json:"candidate,omitempty"`
	SDPMid        *string `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
	Complete      bool    `json:"complete,omitempty"`
}

type authSuccessData struct {
	ClientID uuid.UUID `json:"clientId"`
	Username string    `json:"username"`
}

type errorData struct {
	Message string `json:"message"`
}

type groupCreatedData struct {
	GroupID   uuid.UUID `json:"groupId"`
	GroupName string    `json:"groupName"`
}

type groupJoinedData struct {
	GroupID uuid.UUID `json:"groupId"`
}

type groupLeftData struct {
	GroupID     uuid.UUID `json:"groupId"`
	MemberCount int       `json:"memberCount"`
}

type groupEntry struct {
	GroupID     uuid.UUID `json:"groupId"`
	GroupName   string    `json:"groupName"`
	MemberCount int       `json:"memberCount"`
	MaxMembers  int       `json:"maxMembers"`
	HasPassword bool      `json:"hasPassword"`
	IsIsolated  bool      `json:"isIsolated"`
	Permanent   bool      `json:"permanent"`
	GlobalVoice bool      `json:"globalVoice"`
	Spatial     bool      `json:"spatial"`
}

func groupEntryOf(info group.Info) groupEntry {
	return groupEntry{
		GroupID:     info.ID,
		GroupName:   info.Name,
		MemberCount: len(info.Members),
		MaxMembers:  info.Settings.MaxMembers,
		HasPassword: info.HasPassword,
		IsIsolated:  info.Settings.IsIsolated,
		Permanent:   info.Settings.Permanent,
		GlobalVoice: info.Settings.GlobalVoice,
		Spatial:     info.Settings.Spatial,
	}
}

type groupListData struct {
	Groups []groupEntry `json:"groups"`
}

type playerEntry struct {
	PlayerID uuid.UUID  `json:"playerId"`
	Username string     `json:"username"`
	Muted    bool       `json:"muted"`
	GroupID  *uuid.UUID `json:"groupId,omitempty"`
}

type playerListData struct {
	Players []playerEntry `json:"players"`
}

type memberEntry struct {
	PlayerID uuid.UUID `json:"playerId"`
	Username string    `json:"username"`
	Muted    bool      `json:"muted"`
}

type groupMembersData struct {
	GroupID   uuid.UUID     `json:"groupId"`
	GroupName string        `json:"groupName"`
	Members   []memberEntry `json:"members"`
}

type playerMuteData struct {
	PlayerID uuid.UUID `json:"playerId"`
	IsMuted  bool      `json:"isMuted"`
}

type playerSpeakingData struct {
	PlayerID   uuid.UUID `json:"playerId"`
	IsSpeaking bool      `json:"isSpeaking"`
}

type pongData struct {
	Timestamp int64 `json:"timestamp"`
}

type webrtcAnswerData struct {
	SDP string `json:"sdp"`
}

type disconnectedData struct {
	Reason string `json:"reason,omitempty"`
}
