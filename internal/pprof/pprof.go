// Package pprof contains a pprof exporter.
package pprof

import (
	"net/http"
	"time"

	ginpprof "github.com/gin-contrib/pprof"
	"github.com/gin-gonic/gin"

	"github.com/openvoicechat/ovc-server/internal/conf"
	"github.com/openvoicechat/ovc-server/internal/logger"
	"github.com/openvoicechat/ovc-server/internal/protocols/httpp"
)

// wait some seconds to mitigate brute force attacks.
const pauseAfterAuthError = 2 * time.Second

// PPROF is a pprof exporter.
type PPROF struct {
	Address      string
	ReadTimeout  conf.Duration
	WriteTimeout conf.Duration
	Auth         conf.Credential
	Parent       logger.Writer

	httpServer *httpp.Server
}

// Initialize initializes PPROF.
func (pp *PPROF) Initialize() error {
	router := gin.New()
	router.SetTrustedProxies(nil) //nolint:errcheck
	router.Use(pp.middlewareAuth)
	ginpprof.Register(router)

	pp.httpServer = &httpp.Server{
		Address:      pp.Address,
		ReadTimeout:  time.Duration(pp.ReadTimeout),
		WriteTimeout: time.Duration(pp.WriteTimeout),
		Handler:      router,
		Parent:       pp,
	}
	err := pp.httpServer.Initialize()
	if err != nil {
		return err
	}

	pp.Log(logger.Info, "listener opened on %s", pp.Address)

	return nil
}

// Close closes PPROF.
func (pp *PPROF) Close() {
	pp.Log(logger.Info, "listener is closing")
	pp.httpServer.Close()
}

// Log implements logger.Writer.
func (pp *PPROF) Log(level logger.Level, format string, args ...interface{}) {
	pp.Parent.Log(level, "[pprof] "+format, args...)
}

func (pp *PPROF) middlewareAuth(ctx *gin.Context) {
	if pp.Auth.IsEmpty() {
		return
	}

	_, pass, hasCredentials := ctx.Request.BasicAuth()

	if !pp.Auth.Check(pass) {
		if !hasCredentials {
			ctx.Writer.Header().Set("WWW-Authenticate", `Basic realm="ovc-server"`)
			ctx.AbortWithStatus(http.StatusUnauthorized)
			return
		}

		<-time.After(pauseAfterAuthError)

		ctx.AbortWithStatus(http.StatusUnauthorized)
	}
}
