// Package diagnostics exposes the host-visible surface of spec.md §6.3
// over HTTP, plus a live telemetry WebSocket stream, for external tooling
// that cannot link against the host process directly.
package diagnostics

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/microcosm-cc/bluemonday"

	"github.com/vaultkeep/vaultkeep/internal/host"
	"github.com/vaultkeep/vaultkeep/internal/logging"
	"github.com/vaultkeep/vaultkeep/internal/rterror"
)

// Server wraps a Gin engine bound to a Host.
type Server struct {
	engine   *gin.Engine
	host     *host.Host
	sanitize *bluemonday.Policy
	upgrader websocket.Upgrader
}

// New builds the diagnostics router for h.
func New(h *host.Host) *Server {
	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		engine:   gin.New(),
		host:     h,
		sanitize: bluemonday.StrictPolicy(),
		upgrader: websocket.Upgrader{ReadBufferSize: 1024, WriteBufferSize: 1024},
	}
	s.routes()
	return s
}

// Handler returns the http.Handler to mount (e.g. under http.ListenAndServe).
func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) routes() {
	v1 := s.engine.Group("/api/v1")
	v1.GET("/plugins/:id/state", s.getState)
	v1.GET("/plugins/:id/metrics", s.getMetrics)
	v1.GET("/sessions", s.getSessions)
	v1.GET("/telemetry", s.getTelemetry)
	v1.GET("/logs", s.getLogs)
	v1.POST("/plugins/:id/reset", s.postReset)
	v1.POST("/trigger/:tag", s.postTrigger)
	v1.GET("/stream", s.getStream)
}

func (s *Server) getState(c *gin.Context) {
	state, err := s.host.LifecycleState(c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	body := gin.H{"kind": state.Kind}
	if state.Err != nil {
		body["error"] = state.Err.ToResponse()
	}
	c.JSON(http.StatusOK, body)
}

func (s *Server) getMetrics(c *gin.Context) {
	metrics, err := s.host.RuntimeMetrics(c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, metrics)
}

func (s *Server) getSessions(c *gin.Context) {
	c.JSON(http.StatusOK, s.host.ActiveSessionsSnapshot())
}

func (s *Server) getTelemetry(c *gin.Context) {
	c.JSON(http.StatusOK, s.host.TelemetrySnapshot())
}

// getLogs returns recent worker Log messages, with message text sanitized
// since worker processes are untrusted.
func (s *Server) getLogs(c *gin.Context) {
	c.JSON(http.StatusOK, s.sanitizedLogs())
}

func (s *Server) sanitizedLogs() []host.LogEntry {
	logs := s.host.RecentLogs()
	out := make([]host.LogEntry, len(logs))
	for i, l := range logs {
		l.Message = s.SanitizeLogText(l.Message)
		out[i] = l
	}
	return out
}

func (s *Server) postReset(c *gin.Context) {
	if err := s.host.Reset(c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) postTrigger(c *gin.Context) {
	outcomes := s.host.Trigger(c.Request.Context(), c.Param("tag"))
	resp := make([]gin.H, 0, len(outcomes))
	for _, o := range outcomes {
		entry := gin.H{"plugin_id": o.PluginID, "outcome": o.Result.Outcome}
		if o.Result.Err != nil {
			entry["error"] = o.Result.Err.ToResponse()
		}
		resp = append(resp, entry)
	}
	c.JSON(http.StatusOK, resp)
}

// getStream upgrades to a WebSocket and pushes a combined telemetry +
// session snapshot every time the connection is alive, at a fixed
// interval (the counters themselves have no change-notification hook).
func (s *Server) getStream(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logging.Diagnostics().Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-c.Request.Context().Done():
			return
		case <-ticker.C:
			payload := gin.H{
				"telemetry": s.host.TelemetrySnapshot(),
				"sessions":  s.host.ActiveSessionsSnapshot(),
				"logs":      s.sanitizedLogs(),
			}
			if err := conn.WriteJSON(payload); err != nil {
				return
			}
		}
	}
}

func respondError(c *gin.Context, err error) {
	rte, ok := err.(*rterror.RuntimeError)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"detail": err.Error()})
		return
	}
	c.JSON(rte.HTTPStatus(), rte.ToResponse())
}

// SanitizeLogText strips any markup from untrusted worker Log text before
// it is rendered into an HTTP or WebSocket response — worker processes are
// untrusted, and a diagnostics UI must not trust their output as safe
// markup.
func (s *Server) SanitizeLogText(text string) string {
	return s.sanitize.Sanitize(text)
}
