// Package control is the optional local HTTP endpoint of a running
// recording: it requests a flush or a stop and reports the statistics.
package control

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/facebookincubator/go-belt/tool/logger"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/xaionaro-go/observability"
	"github.com/xaionaro-go/screenrec"
)

const (
	DefaultStatsInterval = time.Second
	shutdownTimeout      = 5 * time.Second
)

type Server struct {
	recorder      screenrec.Recorder
	logger        logger.Logger
	router        *gin.Engine
	upgrader      websocket.Upgrader
	statsInterval time.Duration
}

// New returns the control server of the recorder. statsInterval is the
// period of the statistics pushed over the websocket.
func New(
	ctx context.Context,
	recorder screenrec.Recorder,
	statsInterval time.Duration,
) *Server {
	if statsInterval <= 0 {
		statsInterval = DefaultStatsInterval
	}
	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		recorder:      recorder,
		logger:        logger.FromCtx(ctx),
		statsInterval: statsInterval,
		upgrader: websocket.Upgrader{
			CheckOrigin: isLocalOrigin,
		},
	}
	s.setRouter()
	return s
}

func (s *Server) setRouter() {
	r := gin.New()
	r.Use(gin.Recovery(), s.logRequest)
	r.POST("/flush", s.handleFlush)
	r.POST("/stop", s.handleStop)
	r.GET("/stats", s.handleStats)
	r.GET("/stats/ws", s.handleStatsWebSocket)
	s.router = r
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) ctx(c *gin.Context) context.Context {
	return logger.CtxWithLogger(c.Request.Context(), s.logger)
}

func (s *Server) logRequest(c *gin.Context) {
	startedAt := time.Now()
	c.Next()
	logger.Debugf(
		s.ctx(c), "%s %s -> %d (%v)",
		c.Request.Method, c.Request.URL.Path, c.Writer.Status(), time.Since(startedAt),
	)
}

func (s *Server) handleFlush(c *gin.Context) {
	logger.Infof(s.ctx(c), "a flush is requested by %s", c.ClientIP())
	s.recorder.RequestFlush()
	c.JSON(http.StatusAccepted, gin.H{"status": "flush requested"})
}

func (s *Server) handleStop(c *gin.Context) {
	logger.Infof(s.ctx(c), "a stop is requested by %s", c.ClientIP())
	s.recorder.RequestShutdown()
	c.JSON(http.StatusAccepted, gin.H{"status": "stop requested"})
}

func (s *Server) handleStats(c *gin.Context) {
	stats := s.recorder.GetStats(s.ctx(c))
	if stats == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "the statistics are not available"})
		return
	}
	c.JSON(http.StatusOK, stats)
}

// handleStatsWebSocket pushes the statistics every statsInterval until
// the client goes away.
func (s *Server) handleStatsWebSocket(c *gin.Context) {
	ctx := s.ctx(c)
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Debugf(ctx, "unable to upgrade to a websocket: %v", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	observability.Go(ctx, func(ctx context.Context) {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	t := time.NewTicker(s.statsInterval)
	defer t.Stop()
	for {
		if stats := s.recorder.GetStats(ctx); stats != nil {
			if err := conn.WriteJSON(stats); err != nil {
				logger.Debugf(ctx, "unable to send the statistics: %v", err)
				return
			}
		}
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second),
			)
			return
		case <-t.C:
		}
	}
}

// Serve serves the control endpoint on listener until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, listener net.Listener) (_err error) {
	logger.Debugf(ctx, "Serve(%s)", listener.Addr())
	defer func() { logger.Debugf(ctx, "/Serve(%s): %v", listener.Addr(), _err) }()

	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	observability.Go(ctx, func(ctx context.Context) {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warnf(ctx, "unable to shut down the control server gracefully: %v", err)
		}
	})

	err := srv.Serve(listener)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// ListenAndServe listens on addr (e.g. "127.0.0.1:8765") and serves
// until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("unable to listen on '%s': %w", addr, err)
	}
	logger.Infof(ctx, "the control endpoint is listening on %s", listener.Addr())
	return s.Serve(ctx, listener)
}
