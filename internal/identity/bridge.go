package identity

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/elazarl/goproxy"
	"go.uber.org/zap"
)

// Bridge is a local unauthenticated proxy that forwards every request to the
// account's upstream proxy with its credentials attached. Chrome cannot carry
// proxy credentials on --proxy-server, so the browser points at the bridge instead.
type Bridge struct {
	upstream ProxyIdentity
	proxy    *goproxy.ProxyHttpServer
	tr       *http.Transport
	logger   *zap.Logger

	mu       sync.Mutex
	listener net.Listener
	server   *http.Server
	done     chan struct{}
}

// NewBridge configures a bridge to upstream. Nothing listens until Start.
func NewBridge(upstream ProxyIdentity, logger *zap.Logger) *Bridge {
	log := logger.Named("proxy_bridge").With(zap.String("upstream", upstream.Label()))

	proxy := goproxy.NewProxyHttpServer()
	proxy.Verbose = false

	// Plain HTTP: the transport adds Proxy-Authorization from the URL's userinfo.
	tr := &http.Transport{
		Proxy:                 http.ProxyURL(upstream.URL()),
		MaxIdleConns:          20,
		IdleConnTimeout:       30 * time.Second,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	proxy.Tr = tr

	// HTTPS: tunnel through an authenticated CONNECT to the upstream.
	auth := ""
	if upstream.Username != "" {
		auth = "Basic " + base64.StdEncoding.EncodeToString([]byte(upstream.Username+":"+upstream.Password))
	}
	proxy.ConnectDial = proxy.NewConnectDialToProxyWithHandler(upstream.URL().String(), func(req *http.Request) {
		if auth != "" {
			req.Header.Set("Proxy-Authorization", auth)
		}
	})
	proxy.OnRequest().HandleConnect(goproxy.FuncHttpsHandler(func(host string, ctx *goproxy.ProxyCtx) (*goproxy.ConnectAction, string) {
		return goproxy.OkConnect, host
	}))

	proxy.OnResponse().DoFunc(func(r *http.Response, ctx *goproxy.ProxyCtx) *http.Response {
		if r == nil && ctx.Error != nil {
			log.Warn("Upstream proxy request failed.", zap.Error(ctx.Error))
		} else if r != nil && r.StatusCode == http.StatusProxyAuthRequired {
			log.Error("Upstream proxy rejected the credentials.")
		}
		return r
	})

	return &Bridge{upstream: upstream, proxy: proxy, tr: tr, logger: log}
}

// Start listens on an ephemeral loopback port and serves in the background.
// It returns the address to hand to the browser.
func (b *Bridge) Start() (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.listener != nil {
		return b.listener.Addr().String(), nil
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", fmt.Errorf("failed to listen for proxy bridge: %w", err)
	}
	b.listener = ln
	b.server = &http.Server{Handler: b.proxy, ReadHeaderTimeout: 10 * time.Second}
	b.done = make(chan struct{})

	go func(srv *http.Server, done chan struct{}) {
		defer close(done)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			b.logger.Error("Proxy bridge stopped unexpectedly.", zap.Error(err))
		}
	}(b.server, b.done)

	b.logger.Debug("Proxy bridge listening.", zap.String("addr", ln.Addr().String()))
	return ln.Addr().String(), nil
}

// Addr returns the listening address, or "" before Start.
func (b *Bridge) Addr() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.listener == nil {
		return ""
	}
	return b.listener.Addr().String()
}

// Close stops the listener and waits for the serve loop to exit. Tunnels still
// open when ctx expires are cut.
func (b *Bridge) Close(ctx context.Context) error {
	b.mu.Lock()
	srv, done := b.server, b.done
	b.server, b.listener, b.done = nil, nil, nil
	b.mu.Unlock()
	if srv == nil {
		return nil
	}

	err := srv.Shutdown(ctx)
	if err != nil {
		_ = srv.Close()
	}
	<-done
	b.tr.CloseIdleConnections()
	return err
}
