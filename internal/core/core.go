// Package core contains the main struct of the software.
package core

import (
	"context"
	_ "embed"
	"fmt"
	"os"
	"os/signal"
	"reflect"
	"strings"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/gin-gonic/gin"

	"github.com/openvoicechat/ovc-server/internal/authstore"
	"github.com/openvoicechat/ovc-server/internal/conf"
	"github.com/openvoicechat/ovc-server/internal/confwatcher"
	"github.com/openvoicechat/ovc-server/internal/control"
	"github.com/openvoicechat/ovc-server/internal/externalcmd"
	"github.com/openvoicechat/ovc-server/internal/group"
	"github.com/openvoicechat/ovc-server/internal/hooks"
	"github.com/openvoicechat/ovc-server/internal/logger"
	"github.com/openvoicechat/ovc-server/internal/position"
	"github.com/openvoicechat/ovc-server/internal/pprof"
	"github.com/openvoicechat/ovc-server/internal/registry"
	"github.com/openvoicechat/ovc-server/internal/rlimit"
	"github.com/openvoicechat/ovc-server/internal/router"
	"github.com/openvoicechat/ovc-server/internal/servers/signaling"
	"github.com/openvoicechat/ovc-server/internal/servers/udp"
)

//go:generate go run ./versiongetter

//go:embed VERSION
var version []byte

var defaultConfPaths = []string{
	"ovc.yml",
	"/usr/local/etc/ovc.yml",
	"/usr/etc/ovc.yml",
	"/etc/ovc/ovc.yml",
}

var cli struct {
	Version  bool   `help:"print version"`
	Confpath string `arg:"" default:""`
}

// Core is an instance of the server.
type Core struct {
	ctx             context.Context
	ctxCancel       func()
	confPath        string
	conf            *conf.Conf
	logger          *logger.Logger
	externalCmdPool *externalcmd.Pool
	authStore       *authstore.Store
	sessionRegistry *registry.Registry
	groupRegistry   *group.Registry
	positionTracker *position.Tracker
	audioRouter     *router.Router
	controlPlane    *control.Plane
	signalingServer *signaling.Server
	udpServer       *udp.Server
	pprof           *pprof.PPROF
	confWatcher     *confwatcher.ConfWatcher

	// out
	done chan struct{}
}

// New allocates a Core.
func New(args []string) (*Core, bool) {
	parser, err := kong.New(&cli,
		kong.Description("OpenVoiceChat Server "+strings.TrimSpace(string(version))),
		kong.UsageOnError(),
		kong.ValueFormatter(func(value *kong.Value) string {
			switch value.Name {
			case "confpath":
				return "path to a config file. The default is ovc.yml."

			default:
				return kong.DefaultHelpValueFormatter(value)
			}
		}))
	if err != nil {
		panic(err)
	}

	_, err = parser.Parse(args)
	parser.FatalIfErrorf(err)

	if cli.Version {
		fmt.Println(strings.TrimSpace(string(version)))
		os.Exit(0)
	}

	ctx, ctxCancel := context.WithCancel(context.Background())

	p := &Core{
		ctx:       ctx,
		ctxCancel: ctxCancel,
		done:      make(chan struct{}),
	}

	p.conf, p.confPath, err = conf.Load(cli.Confpath, defaultConfPaths)
	if err != nil {
		fmt.Printf("ERR: %s\n", err)
		return nil, false
	}

	err = p.createResources(true)
	if err != nil {
		if p.logger != nil {
			p.Log(logger.Error, "%s", err)
		} else {
			fmt.Printf("ERR: %s\n", err)
		}
		p.closeResources(nil)
		return nil, false
	}

	go p.run()

	return p, true
}

// Close closes Core and waits for all goroutines to return.
func (p *Core) Close() {
	p.ctxCancel()
	<-p.done
}

// Wait waits for the Core to exit.
func (p *Core) Wait() {
	<-p.done
}

// Log implements logger.Writer.
func (p *Core) Log(level logger.Level, format string, args ...interface{}) {
	p.logger.Log(level, format, args...)
}

func (p *Core) run() {
	defer close(p.done)

	confChanged := func() chan struct{} {
		if p.confWatcher != nil {
			return p.confWatcher.Watch()
		}
		return make(chan struct{})
	}()

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt, syscall.SIGTERM)

outer:
	for {
		select {
		case <-confChanged:
			p.Log(logger.Info, "reloading configuration (file changed)")

			newConf, _, err := conf.Load(p.confPath, nil)
			if err != nil {
				p.Log(logger.Error, "%s", err)
				break outer
			}

			err = p.reloadConf(newConf)
			if err != nil {
				p.Log(logger.Error, "%s", err)
				break outer
			}

		case <-interrupt:
			p.Log(logger.Info, "shutting down gracefully")
			break outer

		case <-p.ctx.Done():
			break outer
		}
	}

	p.ctxCancel()

	p.closeResources(nil)
}

func (p *Core) createResources(initial bool) error {
	var err error

	if p.logger == nil {
		p.logger = &logger.Logger{
			Level:        logger.Level(p.conf.LogLevel),
			Destinations: p.conf.LogDestinations.ToDestinations(),
			FilePath:     p.conf.LogFile,
			SyslogPrefix: "ovc-server",
			Structured:   p.conf.LogStructured,
		}
		err = p.logger.Initialize()
		if err != nil {
			return err
		}
	}

	if initial {
		p.Log(logger.Info, "OpenVoiceChat Server %s", strings.TrimSpace(string(version)))
		if p.confPath == "" {
			p.Log(logger.Warn, "configuration file not found, using the default one")
		}

		// on Linux, try to raise the number of file descriptors that can be opened
		// to allow the maximum possible number of clients.
		rlimit.Raise() //nolint:errcheck

		gin.SetMode(gin.ReleaseMode)

		p.externalCmdPool = &externalcmd.Pool{}
		p.externalCmdPool.Initialize()
	}

	if p.authStore == nil {
		p.authStore = &authstore.Store{
			FilePath: p.conf.AuthFile,
			Parent:   p,
		}
		err = p.authStore.Initialize()
		if err != nil {
			return err
		}
	}

	if p.sessionRegistry == nil {
		p.sessionRegistry = &registry.Registry{}
		p.sessionRegistry.Initialize()
	}

	if p.groupRegistry == nil {
		p.groupRegistry = &group.Registry{
			MaxGroups:  p.conf.MaxGroups,
			MaxMembers: p.conf.GroupMaxMembers,
		}
		p.groupRegistry.Initialize()
	}

	if p.positionTracker == nil {
		p.positionTracker = &position.Tracker{
			MinInterval:       time.Duration(p.conf.PositionMinInterval),
			MinDistanceDelta:  p.conf.PositionMinDistance,
			RotationThreshold: p.conf.PositionMinRotation,
			TTL:               time.Duration(p.conf.PositionTTL),
		}
		p.positionTracker.Initialize()
	}

	if p.audioRouter == nil {
		p.audioRouter = &router.Router{
			MaxVoiceDistance: p.conf.MaxVoiceDistance,
			RolloffFactor:    p.conf.RolloffFactor,
			Registry:         p.sessionRegistry,
			Groups:           p.groupRegistry,
			Positions:        p.positionTracker,
		}
		p.audioRouter.Initialize()
	}

	if p.controlPlane == nil {
		p.controlPlane = &control.Plane{
			AuthStore: p.authStore,
			Registry:  p.sessionRegistry,
			Groups:    p.groupRegistry,
			Positions: p.positionTracker,
			Router:    p.audioRouter,
			Parent:    p,
		}
		p.controlPlane.Initialize()
	}

	if p.signalingServer == nil {
		p.signalingServer = &signaling.Server{
			Address:               p.conf.VoiceAddress,
			AllowedOrigins:        p.conf.AllowedOrigins,
			ReadTimeout:           p.conf.ReadTimeout,
			WriteTimeout:          p.conf.WriteTimeout,
			IdleTimeout:           p.conf.IdleTimeout,
			PendingJoinTimeout:    p.conf.PendingJoinTimeout,
			ICEServers:            p.conf.ICEServers,
			HandshakeTimeout:      p.conf.HandshakeTimeout,
			STUNGatherTimeout:     p.conf.STUNGatherTimeout,
			ICEPortMin:            p.conf.ICEPortMin,
			ICEPortMax:            p.conf.ICEPortMax,
			ICEUDPMuxAddress:      p.conf.ICEUDPMuxAddress,
			ICETCPMuxAddress:      p.conf.ICETCPMuxAddress,
			IPsFromInterfaces:     p.conf.IPsFromInterfaces,
			IPsFromInterfacesList: p.conf.IPsFromInterfacesList,
			AdditionalHosts:       p.conf.AdditionalHosts,
			UDPReadBufferSize:     uint(p.conf.UDPReadBufferSize),
			RunOnConnect:          p.conf.RunOnConnect,
			RunOnConnectRestart:   p.conf.RunOnConnectRestart,
			RunOnDisconnect:       p.conf.RunOnDisconnect,
			RunOnGroupCreate:      p.conf.RunOnGroupCreate,
			Version:               strings.TrimSpace(string(version)),
			ExternalCmdPool:       p.externalCmdPool,
			AuthStore:             p.authStore,
			Registry:              p.sessionRegistry,
			Groups:                p.groupRegistry,
			Positions:             p.positionTracker,
			Router:                p.audioRouter,
			Presence:              p.controlPlane,
			Parent:                p,
		}
		err = p.signalingServer.Initialize()
		if err != nil {
			return err
		}

		p.controlPlane.SetSignaling(p.signalingServer)
		p.sessionRegistry.OnPresenceChanged = p.signalingServer.BroadcastPlayerList
		p.groupRegistry.OnMembersChanged = p.onGroupMembersChanged
		p.groupRegistry.OnListChanged = p.signalingServer.BroadcastGroupList
	}

	if p.conf.UDPAddress != "" {
		if p.udpServer == nil {
			p.udpServer = &udp.Server{
				Address:        p.conf.UDPAddress,
				WriteTimeout:   p.conf.WriteTimeout,
				ReadBufferSize: uint64(p.conf.UDPReadBufferSize),
				DumpPath:       p.conf.UDPDumpPath,
				AuthStore:      p.authStore,
				Registry:       p.sessionRegistry,
				Router:         p.audioRouter,
				Parent:         p,
			}
			err = p.udpServer.Initialize()
			if err != nil {
				return err
			}
		}
	}

	if p.conf.PPROF {
		if p.pprof == nil {
			p.pprof = &pprof.PPROF{
				Address:      p.conf.PPROFAddress,
				ReadTimeout:  p.conf.ReadTimeout,
				WriteTimeout: p.conf.WriteTimeout,
				Auth:         p.conf.PPROFAuth,
				Parent:       p,
			}
			err = p.pprof.Initialize()
			if err != nil {
				return err
			}
		}
	}

	if initial && p.confPath != "" {
		p.confWatcher = &confwatcher.ConfWatcher{FilePath: p.confPath}
		err = p.confWatcher.Initialize()
		if err != nil {
			return err
		}
	}

	return nil
}

// onGroupMembersChanged fans a roster change out to the signaling
// clients and fires the delete hook when a group emptied away.
func (p *Core) onGroupMembersChanged(info group.Info) {
	if s := p.signalingServer; s != nil {
		s.NotifyGroupMembers(info)
	}

	if len(info.Members) == 0 && !info.Settings.Permanent {
		hooks.OnGroupDelete(hooks.OnGroupDeleteParams{
			Logger:           p,
			ExternalCmdPool:  p.externalCmdPool,
			RunOnGroupDelete: p.conf.RunOnGroupDelete,
			Group:            info,
		})
	}
}

func (p *Core) closeResources(newConf *conf.Conf) {
	closeLogger := newConf == nil ||
		newConf.LogLevel != p.conf.LogLevel ||
		!reflect.DeepEqual(newConf.LogDestinations, p.conf.LogDestinations) ||
		newConf.LogFile != p.conf.LogFile ||
		newConf.LogStructured != p.conf.LogStructured

	closeAuthStore := newConf == nil ||
		newConf.AuthFile != p.conf.AuthFile

	closePositionTracker := newConf == nil ||
		newConf.PositionTTL != p.conf.PositionTTL ||
		newConf.PositionMinInterval != p.conf.PositionMinInterval ||
		newConf.PositionMinDistance != p.conf.PositionMinDistance ||
		newConf.PositionMinRotation != p.conf.PositionMinRotation

	closeAudioRouter := newConf == nil ||
		closePositionTracker
	if !closeAudioRouter &&
		(newConf.MaxVoiceDistance != p.conf.MaxVoiceDistance ||
			newConf.RolloffFactor != p.conf.RolloffFactor) {
		p.audioRouter.ReloadProximity(newConf.MaxVoiceDistance, newConf.RolloffFactor)
	}

	if newConf != nil &&
		(newConf.MaxGroups != p.conf.MaxGroups ||
			newConf.GroupMaxMembers != p.conf.GroupMaxMembers) {
		p.groupRegistry.ReloadLimits(newConf.MaxGroups, newConf.GroupMaxMembers)
	}

	closeControlPlane := newConf == nil ||
		closeAuthStore ||
		closePositionTracker ||
		closeAudioRouter

	closeSignalingServer := newConf == nil ||
		newConf.VoiceAddress != p.conf.VoiceAddress ||
		!reflect.DeepEqual(newConf.AllowedOrigins, p.conf.AllowedOrigins) ||
		newConf.ReadTimeout != p.conf.ReadTimeout ||
		newConf.WriteTimeout != p.conf.WriteTimeout ||
		newConf.IdleTimeout != p.conf.IdleTimeout ||
		newConf.PendingJoinTimeout != p.conf.PendingJoinTimeout ||
		!reflect.DeepEqual(newConf.ICEServers, p.conf.ICEServers) ||
		newConf.HandshakeTimeout != p.conf.HandshakeTimeout ||
		newConf.STUNGatherTimeout != p.conf.STUNGatherTimeout ||
		newConf.ICEPortMin != p.conf.ICEPortMin ||
		newConf.ICEPortMax != p.conf.ICEPortMax ||
		newConf.ICEUDPMuxAddress != p.conf.ICEUDPMuxAddress ||
		newConf.ICETCPMuxAddress != p.conf.ICETCPMuxAddress ||
		newConf.IPsFromInterfaces != p.conf.IPsFromInterfaces ||
		!reflect.DeepEqual(newConf.IPsFromInterfacesList, p.conf.IPsFromInterfacesList) ||
		!reflect.DeepEqual(newConf.AdditionalHosts, p.conf.AdditionalHosts) ||
		newConf.UDPReadBufferSize != p.conf.UDPReadBufferSize ||
		newConf.RunOnConnect != p.conf.RunOnConnect ||
		newConf.RunOnConnectRestart != p.conf.RunOnConnectRestart ||
		newConf.RunOnDisconnect != p.conf.RunOnDisconnect ||
		newConf.RunOnGroupCreate != p.conf.RunOnGroupCreate ||
		closeAuthStore ||
		closeAudioRouter ||
		closeControlPlane

	closeUDPServer := newConf == nil ||
		newConf.UDPAddress != p.conf.UDPAddress ||
		newConf.UDPReadBufferSize != p.conf.UDPReadBufferSize ||
		newConf.UDPDumpPath != p.conf.UDPDumpPath ||
		newConf.WriteTimeout != p.conf.WriteTimeout ||
		closeAuthStore ||
		closeAudioRouter ||
		closeSignalingServer

	closePPROF := newConf == nil ||
		newConf.PPROF != p.conf.PPROF ||
		newConf.PPROFAddress != p.conf.PPROFAddress ||
		newConf.PPROFAuth != p.conf.PPROFAuth ||
		newConf.ReadTimeout != p.conf.ReadTimeout ||
		newConf.WriteTimeout != p.conf.WriteTimeout

	if newConf == nil && p.confWatcher != nil {
		p.confWatcher.Close()
		p.confWatcher = nil
	}

	if closePPROF && p.pprof != nil {
		p.pprof.Close()
		p.pprof = nil
	}

	if closeUDPServer && p.udpServer != nil {
		p.udpServer.Close()
		p.udpServer = nil
	}

	if closeSignalingServer && p.signalingServer != nil {
		p.signalingServer.Close()
		p.signalingServer = nil
	}

	if closeControlPlane && p.controlPlane != nil {
		p.controlPlane = nil
	}

	if closeAudioRouter && p.audioRouter != nil {
		p.audioRouter = nil
	}

	if closePositionTracker && p.positionTracker != nil {
		p.positionTracker = nil
	}

	if newConf == nil {
		p.groupRegistry = nil
		p.sessionRegistry = nil
	}

	if closeAuthStore && p.authStore != nil {
		p.authStore = nil
	}

	if newConf == nil && p.externalCmdPool != nil {
		p.Log(logger.Info, "waiting for running hooks")
		p.externalCmdPool.Close()
	}

	if closeLogger && p.logger != nil {
		p.logger.Close()
		p.logger = nil
	}
}

func (p *Core) reloadConf(newConf *conf.Conf) error {
	p.closeResources(newConf)
	p.conf = newConf
	return p.createResources(false)
}
