// Package server implements the control-plane HTTP API mounted under
// /_frag, plus the request-logging middleware wrapped around it and the
// proxy handler fallback for everything else.
package server

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/jamsocket/simple-artifact-server/internal/auth"
	"github.com/jamsocket/simple-artifact-server/internal/logger"
	"github.com/jamsocket/simple-artifact-server/internal/proxyhandler"
	"github.com/jamsocket/simple-artifact-server/internal/supervisor"
	"github.com/jamsocket/simple-artifact-server/internal/tracing"
)

const controlPrefix = "/_frag"

// Server wraps the *gin.Engine mounted under controlPrefix plus the proxy
// fallback, and owns the *http.Server listening on the outer port.
type Server struct {
	sup     *supervisor.Supervisor
	log     *logger.Logger
	proxy   *proxyhandler.Handler
	uploads string

	router *gin.Engine
	http   *http.Server
}

// New builds the router. uploadsRoot is the directory POST /upload/*path
// writes relative to.
func New(sup *supervisor.Supervisor, proxy *proxyhandler.Handler, uploadsRoot string, log *logger.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		sup:     sup,
		log:     log.WithFields(zap.String("component", "control-server")),
		proxy:   proxy,
		uploads: uploadsRoot,
		router:  gin.New(),
	}

	s.router.Use(gin.Recovery(), requestLogger(s.log))
	s.setupRoutes()
	s.router.NoRoute(func(c *gin.Context) { s.proxy.ServeHTTP(c) })
	return s
}

// Listen starts the HTTP server on addr in a background goroutine. Errors
// other than a clean Shutdown are logged at fatal.
func (s *Server) Listen(addr string) {
	s.http = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		s.log.Info("HTTP server listening", zap.String("addr", addr))
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Fatal("HTTP server error", zap.Error(err))
		}
	}()
}

// Shutdown stops the HTTP server and the supervisor, aggregating both
// failures instead of reporting only the first.
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	if s.http != nil {
		err = multierr.Append(err, s.http.Shutdown(ctx))
	}
	err = multierr.Append(err, s.sup.Shutdown(ctx))
	return err
}

func (s *Server) setupRoutes() {
	frag := s.router.Group(controlPrefix)
	{
		frag.GET("/status", s.handleStatus)
		frag.POST("/restart", s.handleRestart)
		frag.POST("/interrupt", s.handleInterrupt)
		frag.GET("/await", s.handleAwait)
		frag.POST("/upload/*path", s.handleUpload)
	}
}

func (s *Server) handleStatus(c *gin.Context) {
	if s.sup.Running() {
		c.String(http.StatusOK, "Running.")
		return
	}
	c.String(http.StatusServiceUnavailable, "Not running.")
}

func (s *Server) handleRestart(c *gin.Context) {
	if !auth.RequireWriteCapability(c) {
		return
	}
	ctx, span := tracing.TraceCommand(c.Request.Context(), "restart")
	defer span.End()
	if err := s.sup.Restart(ctx); err != nil {
		c.String(http.StatusInternalServerError, "Supervisor queue closed.")
		return
	}
	c.String(http.StatusOK, "Server restarting.")
}

func (s *Server) handleInterrupt(c *gin.Context) {
	if !auth.RequireWriteCapability(c) {
		return
	}
	ctx, span := tracing.TraceCommand(c.Request.Context(), "interrupt")
	defer span.End()
	if err := s.sup.Interrupt(ctx); err != nil {
		c.String(http.StatusInternalServerError, "Supervisor queue closed.")
		return
	}
	c.String(http.StatusOK, "Server interrupted.")
}

func (s *Server) handleAwait(c *gin.Context) {
	if err := s.sup.WaitForReload(c.Request.Context()); err != nil {
		c.String(http.StatusInternalServerError, "Supervisor queue closed.")
		return
	}
	c.String(http.StatusOK, "OK")
}

// handleUpload writes the streamed body to path (taken verbatim from the
// URL, including any "..": sandboxing against path traversal is the
// upstream auth gateway's job, not this handler's — see the spec's
// upload-path-traversal design note), creating parent directories as
// needed, then enqueues the command selected by query precedence
// restart > interrupt > state_change.
func (s *Server) handleUpload(c *gin.Context) {
	if !auth.RequireWriteCapability(c) {
		return
	}

	relPath := strings.TrimPrefix(c.Param("path"), "/")
	targetPath := filepath.Join(s.uploads, relPath)

	if err := os.MkdirAll(filepath.Dir(targetPath), 0o755); err != nil {
		c.String(http.StatusInternalServerError, fmt.Sprintf("failed to create directories: %v", err))
		return
	}

	f, err := os.Create(targetPath)
	if err != nil {
		c.String(http.StatusInternalServerError, fmt.Sprintf("failed to create file: %v", err))
		return
	}
	defer f.Close()

	if _, err := io.Copy(f, c.Request.Body); err != nil {
		c.String(http.StatusInternalServerError, fmt.Sprintf("failed to write file: %v", err))
		return
	}

	cmd := selectUploadCommand(c)
	ctx, span := tracing.TraceCommand(c.Request.Context(), cmd.String())
	defer span.End()

	var cmdErr error
	switch cmd {
	case supervisor.CommandRestart:
		cmdErr = s.sup.Restart(ctx)
	case supervisor.CommandInterrupt:
		cmdErr = s.sup.Interrupt(ctx)
	default:
		cmdErr = s.sup.StateChange(ctx)
	}
	if cmdErr != nil {
		c.String(http.StatusInternalServerError, "Supervisor queue closed.")
		return
	}

	c.String(http.StatusOK, fmt.Sprintf("File uploaded successfully to %s", relPath))
}

// selectUploadCommand applies the query precedence restart > interrupt >
// state_change (the default when neither is set).
func selectUploadCommand(c *gin.Context) supervisor.Command {
	if truthy(c.Query("restart")) {
		return supervisor.CommandRestart
	}
	if truthy(c.Query("interrupt")) {
		return supervisor.CommandInterrupt
	}
	return supervisor.CommandStateChange
}

func truthy(v string) bool {
	b, err := strconv.ParseBool(v)
	return err == nil && b
}

// requestLogger assigns a request id (surfaced as X-Request-ID) and logs
// each request's method, path, status and duration.
func requestLogger(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		requestID := uuid.New().String()
		c.Set(string(logger.RequestIDKey), requestID)
		c.Header("X-Request-ID", requestID)

		c.Next()

		log.Info("request completed",
			zap.String("path", c.Request.URL.Path),
			zap.String("method", c.Request.Method),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", requestID),
		)
	}
}
