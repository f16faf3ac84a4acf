package signaling

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/openvoicechat/ovc-server/internal/conf"
	"github.com/openvoicechat/ovc-server/internal/logger"
	"github.com/openvoicechat/ovc-server/internal/protocols/httpp"
	"github.com/openvoicechat/ovc-server/internal/websocket"
)

type httpServer struct {
	address        string
	allowedOrigins []string
	readTimeout    conf.Duration
	writeTimeout   conf.Duration
	parent         *Server

	inner *httpp.Server
}

func (s *httpServer) initialize() error {
	router := gin.New()
	router.SetTrustedProxies(nil) //nolint:errcheck

	router.GET("/voice", s.onVoice)
	router.GET("/status", s.onStatus)

	s.inner = &httpp.Server{
		Address:      s.address,
		ReadTimeout:  time.Duration(s.readTimeout),
		WriteTimeout: time.Duration(s.writeTimeout),
		Handler:      router,
		Parent:       s,
	}
	return s.inner.Initialize()
}

// Log implements logger.Writer.
func (s *httpServer) Log(level logger.Level, format string, args ...interface{}) {
	s.parent.Log(level, format, args...)
}

func (s *httpServer) close() {
	s.inner.Close()
}

func (s *httpServer) onVoice(ctx *gin.Context) {
	// on error, the upgrader has already written the response.
	wsConn, err := websocket.NewServerConn(ctx.Writer, ctx.Request, s.allowedOrigins)
	if err != nil {
		return
	}

	s.parent.newSession(wsConn, httpp.RemoteAddr(ctx))
}

func (s *httpServer) onStatus(ctx *gin.Context) {
	ctx.JSON(http.StatusOK, s.parent.apiStatus())
}
