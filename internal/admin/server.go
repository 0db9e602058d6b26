// Package admin serves the operator HTTP surface of a running node: health,
// the live session directory, kicking a peer and Prometheus metrics.
package admin

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/netip"
	"sort"
	"time"

	"github.com/danmuck/packetwire/internal/auth"
	"github.com/danmuck/packetwire/internal/observability"
	"github.com/danmuck/packetwire/internal/protocol"
	"github.com/danmuck/packetwire/internal/session"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// KickReason is sent to peers removed through the admin surface.
const KickReason = "Kicked by operator"

// Directory is the read side of a running receiver.
type Directory interface {
	Sessions() []*session.Session
	Session(addr netip.AddrPort) (*session.Session, bool)
	Port() int
}

type Server struct {
	ID        string
	Addr      string
	Transport string
	Appeared  time.Time

	dir       Directory
	router    *gin.Engine
	srv       *http.Server
	validator auth.Validator
}

// SessionInfo is one row of the session listing.
type SessionInfo struct {
	ID           string    `json:"id"`
	Addr         string    `json:"addr"`
	Connected    bool      `json:"connected"`
	Version      byte      `json:"version"`
	LastReceived time.Time `json:"last_received,omitempty"`
}

func New(id, addr, transport string, dir Directory, corsOrigins []string) *Server {
	observability.RegisterMetrics()
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.ObserveRequests(log.Logger, id))
	r.Use(cors.New(cors.Config{
		AllowOrigins: normalizeOrigins(corsOrigins),
		AllowMethods: []string{"GET", "POST"},
		AllowHeaders: []string{"Origin", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	s := &Server{
		ID:        id,
		Addr:      addr,
		Transport: transport,
		Appeared:  time.Now(),
		dir:       dir,
		router:    r,
	}
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.registerRoutes()
	return s
}

// SetToken requires a bearer token on mutating routes. An empty token
// leaves them open. Call before Serve.
func (s *Server) SetToken(token string) {
	if token == "" {
		s.validator = nil
		return
	}
	s.validator = auth.StaticToken{Token: token}
}

func (s *Server) guard(c *gin.Context) {
	auth.RequireToken(s.validator)(c)
}

func (s *Server) Router() *gin.Engine {
	return s.router
}

func (s *Server) registerRoutes() {
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    "ok",
			"uptime":    time.Since(s.Appeared).String(),
			"node":      s.ID,
			"transport": s.Transport,
			"port":      s.dir.Port(),
			"sessions":  len(s.dir.Sessions()),
		})
	})

	s.router.GET("/sessions", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"sessions": s.ListSessions()})
	})

	s.router.POST("/sessions/kick", s.guard, func(c *gin.Context) {
		addr, err := netip.ParseAddrPort(c.Query("addr"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "addr must be host:port"})
			return
		}
		if err := s.Kick(addr); err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, protocol.ErrLookup) {
				status = http.StatusNotFound
			}
			c.JSON(status, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "kicked", "addr": addr.String()})
	})

	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))
}

// ListSessions returns the directory sorted by address.
func (s *Server) ListSessions() []SessionInfo {
	sessions := s.dir.Sessions()
	out := make([]SessionInfo, 0, len(sessions))
	for _, sess := range sessions {
		info := SessionInfo{
			ID:        sess.ID().String(),
			Addr:      sess.Address().String(),
			Connected: sess.Connected(),
			Version:   sess.Protocol().Version(),
		}
		if base, ok := sess.Protocol().(*session.BaseProtocol); ok {
			info.LastReceived = base.Heartbeat().LastReceived()
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Addr < out[j].Addr })
	return out
}

// Kick notifies the peer at addr and disconnects it.
func (s *Server) Kick(addr netip.AddrPort) error {
	sess, ok := s.dir.Session(addr)
	if !ok {
		return fmt.Errorf("%w: no session for %s", protocol.ErrLookup, addr)
	}
	observability.RecordKick(KickReason)
	_ = sess.SendReliably(protocol.Kick{Reason: KickReason})
	_ = sess.Launch()
	sess.Disconnect()
	log.Info().Str("node", s.ID).Str("addr", addr.String()).Msg("session kicked by operator")
	return nil
}

// Serve blocks until Shutdown.
func (s *Server) Serve() error {
	log.Info().Str("node", s.ID).Str("addr", s.Addr).Msg("admin server listening")
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func normalizeOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"http://localhost:3000"}
	}
	return origins
}
