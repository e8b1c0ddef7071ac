// Package main is the entry point for fragserver — a development-loop
// supervisor and reverse proxy. It wraps a user-supplied subprocess that
// serves HTTP on a local port, exposes it on an outer port, and provides
// a small control-plane for restarting it, interrupting it, uploading
// files, and waiting for it to come back up.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/jamsocket/simple-artifact-server/internal/command"
	"github.com/jamsocket/simple-artifact-server/internal/errorpage"
	"github.com/jamsocket/simple-artifact-server/internal/logger"
	"github.com/jamsocket/simple-artifact-server/internal/proxyhandler"
	"github.com/jamsocket/simple-artifact-server/internal/server"
	"github.com/jamsocket/simple-artifact-server/internal/supervisor"
	"github.com/jamsocket/simple-artifact-server/internal/tracing"
)

var (
	commandFlag        = flag.String("command", "", "shell-quoted subprocess command (also -c)")
	commandFlagShort   = flag.String("c", "", "shorthand for --command")
	portFlag           = flag.Int("port", 8080, "outer listen port")
	subprocessPortFlag = flag.Int("subprocess-port", 9090, "forwarded-to port on 127.0.0.1")
	uploadsDirFlag     = flag.String("uploads-dir", ".", "directory POST /_frag/upload/* writes relative to")
	logLevelFlag       = flag.String("log-level", "info", "log level (debug, info, warn, error)")
	logFormatFlag      = flag.String("log-format", "console", "log format (console, json)")
	natsURLFlag        = flag.String("nats-url", "", "optional NATS URL for best-effort lifecycle events")
)

func main() {
	flag.Parse()

	// Flags the user actually passed win over env; env wins over a flag's
	// unset default.
	explicit := map[string]bool{}
	flag.Visit(func(f *flag.Flag) { explicit[f.Name] = true })

	rawCommand := getEnvOrFlag(explicit, []string{"command", "c"}, "FRAGSERVER_COMMAND", firstNonEmpty(*commandFlag, *commandFlagShort))
	if rawCommand == "" {
		fmt.Fprintln(os.Stderr, "fragserver: --command is required")
		os.Exit(1)
	}

	spec, err := command.Parse(rawCommand)
	if err != nil {
		fmt.Fprintf(os.Stderr, "fragserver: %v\n", err)
		os.Exit(1)
	}

	port := getEnvIntOrFlag(explicit, []string{"port"}, "FRAGSERVER_PORT", *portFlag)
	subprocessPort := getEnvIntOrFlag(explicit, []string{"subprocess-port"}, "FRAGSERVER_SUBPROCESS_PORT", *subprocessPortFlag)

	log, err := logger.New(logger.Config{
		Level:      getEnvOrFlag(explicit, []string{"log-level"}, "FRAGSERVER_LOG_LEVEL", *logLevelFlag),
		Format:     getEnvOrFlag(explicit, []string{"log-format"}, "FRAGSERVER_LOG_FORMAT", *logFormatFlag),
		OutputPath: "stdout",
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "fragserver: failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	// PORT is set to the outer port, not --subprocess-port. This is
	// preserved from the original source rather than silently fixed (see
	// the design notes); a child that binds to $PORT tries to bind the
	// port fragserver itself listens on, not the port requests are
	// forwarded to.
	log.Warn("child PORT env is the outer port, not --subprocess-port")

	log.Info("starting fragserver",
		zap.String("command", spec.String()),
		zap.Int("port", port),
		zap.Int("subprocess_port", subprocessPort))

	var pub supervisor.LifecycleEventPublisher
	if natsURL := getEnvOrFlag(explicit, []string{"nats-url"}, "FRAGSERVER_NATS_URL", *natsURLFlag); natsURL != "" {
		pub = supervisor.NewNATSPublisher(natsURL, "fragserver.lifecycle", log)
	}

	sup := supervisor.New(spec, uint16(port), log, pub)

	render, err := errorpage.New()
	if err != nil {
		log.Fatal("failed to parse error page template", zap.Error(err))
	}

	proxy := proxyhandler.New(sup, uint16(subprocessPort), render, log)
	uploadsDir := getEnvOrFlag(explicit, []string{"uploads-dir"}, "FRAGSERVER_UPLOADS_DIR", *uploadsDirFlag)
	srv := server.New(sup, proxy, uploadsDir, log)
	srv.Listen(":" + strconv.Itoa(port))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down fragserver")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Error("shutdown error", zap.Error(err))
	}
	if err := tracing.Shutdown(ctx); err != nil {
		log.Error("tracing shutdown error", zap.Error(err))
	}

	log.Info("fragserver stopped")
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// getEnvOrFlag resolves a string setting with precedence: an explicitly
// passed flag (any name in flagNames) wins, then the environment
// variable, then the flag's default value.
func getEnvOrFlag(explicit map[string]bool, flagNames []string, envKey, flagValue string) string {
	for _, name := range flagNames {
		if explicit[name] {
			return flagValue
		}
	}
	if v := os.Getenv(envKey); v != "" {
		return v
	}
	return flagValue
}

// getEnvIntOrFlag is getEnvOrFlag for integer settings.
func getEnvIntOrFlag(explicit map[string]bool, flagNames []string, envKey string, flagValue int) int {
	for _, name := range flagNames {
		if explicit[name] {
			return flagValue
		}
	}
	if v := os.Getenv(envKey); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return flagValue
}
