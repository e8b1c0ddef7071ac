// Package proxyhandler implements the fallback handler for every request
// not under the control-plane prefix: forward to the subprocess when it
// is up, or render the auto-reloading error page when it is down.
package proxyhandler

import (
	"errors"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/jamsocket/simple-artifact-server/internal/auth"
	"github.com/jamsocket/simple-artifact-server/internal/errorpage"
	"github.com/jamsocket/simple-artifact-server/internal/logger"
	"github.com/jamsocket/simple-artifact-server/internal/supervisor"
	"github.com/jamsocket/simple-artifact-server/internal/tracing"
)

// errUpstreamUnavailable is the sentinel ModifyResponse returns for a
// 502/504 response, so ErrorHandler treats it the same as a dial failure:
// both collapse into the down-subprocess error page rather than leaking
// the raw gateway error to the client.
var errUpstreamUnavailable = errors.New("proxyhandler: upstream unavailable")

// Handler is the gin fallback handler mounted as the router's NoRoute.
type Handler struct {
	sup    *supervisor.Supervisor
	proxy  *httputil.ReverseProxy
	render *errorpage.Renderer
	log    *logger.Logger
}

// New builds a Handler that forwards to 127.0.0.1:subprocessPort.
func New(sup *supervisor.Supervisor, subprocessPort uint16, render *errorpage.Renderer, log *logger.Logger) *Handler {
	log = log.WithFields(zap.String("component", "proxy-handler"))

	target := &url.URL{Scheme: "http", Host: "127.0.0.1:" + strconv.Itoa(int(subprocessPort))}
	proxy := httputil.NewSingleHostReverseProxy(target)

	director := proxy.Director
	proxy.Director = func(req *http.Request) {
		director(req)
		// SingleHostReverseProxy's default director doesn't touch
		// Connection/Upgrade, but make the rewrite explicit for clarity
		// and so a future director change can't silently break upgrades.
		if req.Header.Get("Upgrade") != "" {
			req.Header.Set("Connection", "Upgrade")
		}
	}

	proxy.ModifyResponse = func(resp *http.Response) error {
		if resp.StatusCode == http.StatusBadGateway || resp.StatusCode == http.StatusGatewayTimeout {
			return errUpstreamUnavailable
		}
		return nil
	}

	h := &Handler{sup: sup, render: render, log: log}
	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		h.log.Debug("forward failed, falling back to error page", zap.Error(err))
		h.renderDown(w, r)
	}
	h.proxy = proxy
	return h
}

// ServeHTTP implements the ProxyHandler algorithm from the design: render
// the error page when down, otherwise forward, with 502/504 responses
// (handled via ModifyResponse above) collapsing into the same error page.
//
// The spec's "spawn the upgrade handler, return the handshake response
// immediately" step is already how Go's net/http works: every request
// runs on its own goroutine, and ReverseProxy.ServeHTTP hijacks the
// connection and relays frames for as long as the WebSocket stays open
// without blocking any other request. There is nothing to additionally
// spawn — doing so would hand the pooled gin ResponseWriter to a second
// goroutine racing the one that's about to recycle it.
func (h *Handler) ServeHTTP(c *gin.Context) {
	if !h.sup.Running() {
		h.renderDown(c.Writer, c.Request)
		return
	}

	if websocket.IsWebSocketUpgrade(c.Request) {
		h.log.Debug("proxying websocket upgrade", zap.String("path", c.Request.URL.Path))
	}

	ctx, span := tracing.TraceForward(c.Request.Context(), c.Request.Method, c.Request.URL.Path)
	defer span.End()
	c.Request = c.Request.WithContext(ctx)

	h.proxy.ServeHTTP(c.Writer, c.Request)
}

func (h *Handler) renderDown(w http.ResponseWriter, r *http.Request) {
	verifiedPath := auth.VerifiedPathFromRequest(r)
	ctx := errorpage.Context{
		Stdout:   h.sup.Stdout(),
		AwaitURL: verifiedPath + "_frag/await",
	}
	if err := h.render.Render(w, ctx); err != nil {
		h.log.Warn("error page render failed", zap.Error(err))
	}
}
