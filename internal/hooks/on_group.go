package hooks

import (
	"github.com/openvoicechat/ovc-server/internal/externalcmd"
	"github.com/openvoicechat/ovc-server/internal/group"
	"github.com/openvoicechat/ovc-server/internal/logger"
)

// OnGroupCreateParams are the parameters of OnGroupCreate.
type OnGroupCreateParams struct {
	Logger           logger.Writer
	ExternalCmdPool  *externalcmd.Pool
	RunOnGroupCreate string
	Group            group.Info
}

// OnGroupCreate is the OnGroupCreate hook.
func OnGroupCreate(params OnGroupCreateParams) {
	if params.RunOnGroupCreate == "" {
		return
	}

	params.Logger.Log(logger.Info, "runOnGroupCreate command launched")
	externalcmd.NewCmd(
		params.ExternalCmdPool,
		params.RunOnGroupCreate,
		false,
		groupEnv(params.Group),
		nil)
}

// OnGroupDeleteParams are the parameters of OnGroupDelete.
type OnGroupDeleteParams struct {
	Logger           logger.Writer
	ExternalCmdPool  *externalcmd.Pool
	RunOnGroupDelete string
	Group            group.Info
}

// OnGroupDelete is the OnGroupDelete hook.
func OnGroupDelete(params OnGroupDeleteParams) {
	if params.RunOnGroupDelete == "" {
		return
	}

	params.Logger.Log(logger.Info, "runOnGroupDelete command launched")
	externalcmd.NewCmd(
		params.ExternalCmdPool,
		params.RunOnGroupDelete,
		false,
		groupEnv(params.Group),
		nil)
}

func groupEnv(g group.Info) externalcmd.Environment {
	return externalcmd.Environment{
		"OVC_GROUP_ID":      g.ID.String(),
		"OVC_GROUP_NAME":    g.Name,
		"OVC_GROUP_CREATOR": g.Creator.String(),
	}
}
