// Package relayapi is the HTTP status surface of the relay.
package relayapi

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/blukai/kingdomsnet/internal/ladder"
	"github.com/blukai/kingdomsnet/internal/relay"
	"github.com/gin-gonic/gin"
	"github.com/phuslu/log"
)

const defaultLadderSize = 6

type Sessions interface {
	Sessions() []relay.Session
}

type Ladder interface {
	Top(ctx context.Context, n int) ([]ladder.Entry, error)
	Record(ctx context.Context, r ladder.Result) error
}

type API struct {
	sessions Sessions
	ladder   Ladder
	logger   *log.Logger
	router   *gin.Engine
}

func New(sessions Sessions, standings Ladder, logger *log.Logger) *API {
	// if logger is nil (which might be true in tests) => use default, but
	// silenced logger
	if logger == nil {
		tmp := log.DefaultLogger
		logger = &tmp
		logger.Writer = &log.IOWriter{Writer: io.Discard}
	}

	gin.SetMode(gin.ReleaseMode)

	a := &API{
		sessions: sessions,
		ladder:   standings,
		logger:   logger,
	}
	a.router = a.buildRouter()
	return a
}

func (a *API) Handler() http.Handler {
	return a.router
}

func (a *API) buildRouter() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(a.requestLogger())

	router.GET("/ping", a.handlePing)
	router.GET("/sessions", a.handleSessions)
	router.GET("/ladder", a.handleLadder)
	router.POST("/ladder/results", a.handleRecordResult)

	return router
}

func (a *API) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		a.logger.Debug().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("duration", time.Since(start)).
			Str("client_ip", c.ClientIP()).
			Msg("api request")
	}
}

// Run serves on ln until ctx is done.
func (a *API) Run(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:      a.router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.logger.Warn().Err(err).Msg("could not shut down api")
		}
	}()

	a.logger.Info().Stringer("addr", ln.Addr()).Msg("api listening")

	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("could not serve api: %w", err)
	}
	return nil
}

func (a *API) handlePing(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
	})
}

func (a *API) handleSessions(c *gin.Context) {
	sessions := a.sessions.Sessions()
	c.JSON(http.StatusOK, gin.H{
		"sessions": sessions,
		"count":    len(sessions),
	})
}

func (a *API) handleLadder(c *gin.Context) {
	if a.ladder == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "no ladder"})
		return
	}

	n := defaultLadderSize
	if s := c.Query("n"); s != "" {
		v, err := strconv.Atoi(s)
		if err != nil || v <= 0 || v > 100 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid n"})
			return
		}
		n = v
	}

	top, err := a.ladder.Top(c.Request.Context(), n)
	if err != nil {
		a.logger.Error().Err(err).Msg("could not read ladder")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not read ladder"})
		return
	}
	if top == nil {
		top = []ladder.Entry{}
	}
	c.JSON(http.StatusOK, gin.H{
		"ladder": top,
	})
}

func (a *API) handleRecordResult(c *gin.Context) {
	if a.ladder == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "no ladder"})
		return
	}

	var r ladder.Result
	if err := c.ShouldBindJSON(&r); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
		return
	}

	if err := a.ladder.Record(c.Request.Context(), r); err != nil {
		if errors.Is(err, ladder.ErrInvalidResult) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		a.logger.Error().Err(err).Msg("could not record result")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not record result"})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"status": "recorded"})
}
