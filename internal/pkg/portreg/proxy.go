// Copyright (c) 2025, Sylabs Inc. All rights reserved.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

package portreg

import (
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/sylabs/sandboxd/internal/pkg/errdefs"
	"github.com/sylabs/sandboxd/pkg/sylog"
)

// hopHeaders are scrubbed before dialing the in-container peer on a
// WebSocket bridge; the dialer computes its own handshake headers.
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Connection",
	"Sec-Websocket-Accept",
	"Sec-Websocket-Extensions",
	"Sec-Websocket-Key",
	"Sec-Websocket-Version",
	"Transfer-Encoding",
	"Upgrade",
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  32 << 10,
	WriteBufferSize: 32 << 10,
	// the front-end already authenticated the request; in-container apps do
	// their own origin policy
	CheckOrigin: func(*http.Request) bool { return true },
}

// Proxy forwards req to 127.0.0.1:<port><path>, preserving method, headers,
// query and body. Upgrade requests become a bidirectional WebSocket bridge.
// The port must already be exposed.
func (r *Registry) Proxy(w http.ResponseWriter, req *http.Request, port int, path string) error {
	if !r.IsExposed(port) {
		return errdefs.New(errdefs.PortNotExposed, "port %d is not exposed", port).
			WithDetail("port", port)
	}
	if path == "" {
		path = "/"
	}

	if isWebSocketUpgrade(req) {
		return r.bridgeWebSocket(w, req, port, path)
	}

	target := &url.URL{Scheme: "http", Host: fmt.Sprintf("127.0.0.1:%d", port)}
	proxy := httputil.NewSingleHostReverseProxy(target)
	baseDirector := proxy.Director
	proxy.Director = func(out *http.Request) {
		baseDirector(out)
		out.URL.Path = path
		out.URL.RawQuery = req.URL.RawQuery
		out.Host = target.Host
	}
	proxy.ErrorHandler = func(w http.ResponseWriter, req *http.Request, err error) {
		sylog.Debugf("Proxy error for port %d %s: %v", port, req.URL.Path, err)
		e := errdefs.New(errdefs.ServiceNotResponding,
			"service on port %d is not responding", port).WithDetail("port", port)
		http.Error(w, e.Message, e.Code.HTTPStatus())
	}
	proxy.ServeHTTP(w, req)
	return nil
}

func isWebSocketUpgrade(req *http.Request) bool {
	return strings.EqualFold(req.Header.Get("Upgrade"), "websocket") &&
		strings.Contains(strings.ToLower(req.Header.Get("Connection")), "upgrade")
}

// bridgeWebSocket performs the RFC 6455 bridge: upgrade the caller, dial the
// in-container peer, then relay frames both ways until either side closes.
func (r *Registry) bridgeWebSocket(w http.ResponseWriter, req *http.Request, port int, path string) error {
	peerURL := url.URL{
		Scheme:   "ws",
		Host:     fmt.Sprintf("127.0.0.1:%d", port),
		Path:     path,
		RawQuery: req.URL.RawQuery,
	}

	header := http.Header{}
	for k, vs := range req.Header {
		if isHopHeader(k) {
			continue
		}
		header[k] = vs
	}

	peer, resp, err := websocket.DefaultDialer.Dial(peerURL.String(), header)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		return errdefs.Wrap(err, errdefs.ServiceNotResponding,
			"websocket service on port %d is not responding", port).WithDetail("port", port)
	}
	defer peer.Close()

	client, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		// Upgrade already wrote the failure response
		sylog.Debugf("WebSocket upgrade failed: %v", err)
		return nil
	}
	defer client.Close()

	var g errgroup.Group
	g.Go(func() error { return pump(client, peer) })
	g.Go(func() error { return pump(peer, client) })
	if err := g.Wait(); err != nil && !websocket.IsCloseError(err,
		websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
		sylog.Debugf("WebSocket bridge for port %d ended: %v", port, err)
	}
	return nil
}

func isHopHeader(name string) bool {
	for _, h := range hopHeaders {
		if strings.EqualFold(h, name) {
			return true
		}
	}
	return false
}

// pump relays frames from src to dst until src closes or errors, then pushes
// a close frame to dst so the peer unblocks.
func pump(dst, src *websocket.Conn) error {
	for {
		mt, msg, err := src.ReadMessage()
		if err != nil {
			code := websocket.CloseNormalClosure
			if ce, ok := err.(*websocket.CloseError); ok && ce.Code != websocket.CloseNoStatusReceived {
				code = ce.Code
			}
			_ = dst.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(code, ""), time.Now().Add(5*time.Second))
			return err
		}
		if err := dst.WriteMessage(mt, msg); err != nil {
			return err
		}
	}
}
