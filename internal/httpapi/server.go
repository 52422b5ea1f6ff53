// Package httpapi exposes a read-only debug and status surface over the
// node's live state: its channel catalog, peer sessions, subscriptions, and
// recent audit history. It never accepts a write — control traffic is
// exclusively the Virgil TCP protocol; this is diagnostics only.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/da-penguin-guy/Virgil/internal/channel"
	"github.com/da-penguin-guy/Virgil/internal/logging"
	"github.com/da-penguin-guy/Virgil/internal/node"
	"github.com/da-penguin-guy/Virgil/internal/store"
)

var log = logging.Scoped("httpapi")

// Server is the Echo application serving the debug API.
type Server struct {
	echo  *echo.Echo
	node  *node.Node
	store *store.Store
}

// New constructs an Echo app with the debug/status routes registered.
func New(n *node.Node, st *store.Store) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(requestLogger())

	s := &Server{echo: e, node: n, store: st}
	s.registerRoutes()
	return s
}

func requestLogger() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			if err != nil {
				c.Error(err)
			}
			req := c.Request()
			logger := log
			if req.URL.Path == "/health" {
				logger.Debug("http request", "method", req.Method, "path", req.URL.Path, "status", c.Response().Status)
				return nil
			}
			logger.Info("http request",
				"method", req.Method,
				"path", req.URL.Path,
				"status", c.Response().Status,
				"duration_ms", time.Since(start).Milliseconds(),
			)
			return nil
		}
	}
}

// Echo exposes the underlying Echo instance for tests.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/api/node", s.handleNode)
	s.echo.GET("/api/channels", s.handleChannels)
	s.echo.GET("/api/channels/:index/:type", s.handleChannel)
	s.echo.GET("/api/peers", s.handlePeers)
	s.echo.GET("/api/subscriptions", s.handleSubscriptionsSnapshot)
	s.echo.GET("/api/subscriptions/:index/:type", s.handleSubscriptions)
	s.echo.GET("/api/audit", s.handleAudit)
}

// Run starts Echo and blocks until ctx cancellation or startup failure.
func (s *Server) Run(ctx context.Context, addr string) error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		log.Info("shutting down debug api")
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.echo.Shutdown(shutCtx)
		return nil
	}
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"status": "ok",
		"peers":  len(s.node.Peers.Names()),
	})
}

func (s *Server) handleNode(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"name":  s.node.SelfName,
		"model": s.node.Model,
		"type":  s.node.Type,
	})
}

func (s *Server) handleChannels(c echo.Context) error {
	keys := s.node.Channels.Keys()
	out := make([]map[string]any, 0, len(keys))
	for _, k := range keys {
		if ch, ok := s.node.Channels.Get(k.Index, k.Type); ok {
			out = append(out, channelResponse(ch))
		}
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) handleChannel(c echo.Context) error {
	index, err := strconv.Atoi(c.Param("index"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "channelIndex must be an integer")
	}
	chType := c.Param("type")

	ch, ok := s.node.Channels.Get(index, chType)
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "channel not found")
	}
	return c.JSON(http.StatusOK, channelResponse(ch))
}

func channelResponse(ch channel.Channel) map[string]any {
	params := make(map[string]any, len(ch.Parameters))
	for name, p := range ch.Parameters {
		params[name] = map[string]any{
			"dataType": string(p.DataType),
			"value":    p.Value,
			"readOnly": p.ReadOnly,
		}
	}
	links := make([]string, 0, len(ch.LinkedChannels))
	for _, l := range ch.LinkedChannels {
		links = append(links, l.DeviceName)
	}
	return map[string]any{
		"channelIndex":   ch.Key.Index,
		"channelType":    ch.Key.Type,
		"parameters":     params,
		"linkedChannels": links,
	}
}

func (s *Server) handlePeers(c echo.Context) error {
	snapshot := s.node.Peers.Snapshot()
	out := make([]map[string]any, 0, len(snapshot))
	for name, sess := range snapshot {
		out = append(out, map[string]any{
			"name":          name,
			"isVirgilDevice": sess.IsVirgilDevice(),
		})
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) handleSubscriptionsSnapshot(c echo.Context) error {
	return c.JSON(http.StatusOK, s.node.Subs.Snapshot())
}

func (s *Server) handleSubscriptions(c echo.Context) error {
	index, err := strconv.Atoi(c.Param("index"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "channelIndex must be an integer")
	}
	chType := c.Param("type")
	subs := s.node.Subs.Subscribers(channel.Key{Index: index, Type: chType})
	return c.JSON(http.StatusOK, subs)
}

func (s *Server) handleAudit(c echo.Context) error {
	limit := 100
	if raw := c.QueryParam("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	entries, err := s.store.RecentAudit(c.Request().Context(), c.QueryParam("peer"), limit)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, entries)
}
