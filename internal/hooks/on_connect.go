// Package hooks contains operator hook commands.
package hooks

import (
	"net"

	"github.com/google/uuid"

	"github.com/openvoicechat/ovc-server/internal/externalcmd"
	"github.com/openvoicechat/ovc-server/internal/logger"
)

// OnConnectParams are the parameters of OnConnect.
type OnConnectParams struct {
	Logger              logger.Writer
	ExternalCmdPool     *externalcmd.Pool
	RunOnConnect        string
	RunOnConnectRestart bool
	RunOnDisconnect     string
	VoiceAddress        string
	ClientID            uuid.UUID
	PlayerID            uuid.UUID
	Username            string
}

// OnConnect runs the connect hook of an authenticated session and
// returns a function that runs the disconnect hook.
func OnConnect(params OnConnectParams) func() {
	var env externalcmd.Environment
	var onConnectCmd *externalcmd.Cmd

	if params.RunOnConnect != "" || params.RunOnDisconnect != "" {
		_, port, _ := net.SplitHostPort(params.VoiceAddress)
		env = externalcmd.Environment{
			"OVC_VOICE_PORT": port,
			"OVC_CLIENT_ID":  params.ClientID.String(),
			"OVC_PLAYER_ID":  params.PlayerID.String(),
			"OVC_USERNAME":   params.Username,
		}
	}

	if params.RunOnConnect != "" {
		params.Logger.Log(logger.Info, "runOnConnect command started")

		onConnectCmd = externalcmd.NewCmd(
			params.ExternalCmdPool,
			params.RunOnConnect,
			params.RunOnConnectRestart,
			env,
			func(err error) {
				params.Logger.Log(logger.Info, "runOnConnect command exited: %v", err)
			})
	}

	return func() {
		if onConnectCmd != nil {
			onConnectCmd.Close()
			params.Logger.Log(logger.Info, "runOnConnect command stopped")
		}

		if params.RunOnDisconnect != "" {
			params.Logger.Log(logger.Info, "runOnDisconnect command launched")
			externalcmd.NewCmd(
				params.ExternalCmdPool,
				params.RunOnDisconnect,
				false,
				env,
				nil)
		}
	}
}
