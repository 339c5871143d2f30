package server

import (
	"encoding/base64"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/fyreflow/fyreflow/internal/realtime"
)

// The upgrader only ever negotiates the application subprotocol. The auth
// subprotocol carries the token during the handshake and must not be echoed.
var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	Subprotocols:    []string{realtime.Subprotocol},
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if !s.wsAuthorized(r) {
		writeError(w, http.StatusUnauthorized, "missing or invalid credentials")
		return
	}
	up := wsUpgrader
	up.CheckOrigin = func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		host := r.Host
		if i := strings.Index(origin, "://"); i >= 0 {
			if strings.HasPrefix(origin[i+3:], host) {
				return true
			}
		}
		return s.originAllowed(origin, hostnameOf(origin))
	}
	conn, err := up.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Printf("websocket upgrade failed: %v", err)
		return
	}
	s.realtime.ServeConn(r.Context(), conn)
}

// wsAuthorized accepts either an Authorization bearer header or the token
// smuggled through a Sec-WebSocket-Protocol entry, base64url encoded.
// Browsers cannot set custom headers on WebSocket requests, so the
// subprotocol path is the one dashboards use.
func (s *Server) wsAuthorized(r *http.Request) bool {
	if s.cfg.AuthToken == "" {
		return true
	}
	if token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
		if strings.TrimSpace(token) == s.cfg.AuthToken {
			return true
		}
	}
	for _, proto := range websocket.Subprotocols(r) {
		encoded, ok := strings.CutPrefix(proto, realtime.AuthSubprotocolPrefix)
		if !ok {
			continue
		}
		decoded, err := base64.RawURLEncoding.DecodeString(encoded)
		if err != nil {
			// Some clients pad; accept the padded alphabet too.
			decoded, err = base64.URLEncoding.DecodeString(encoded)
		}
		if err == nil && string(decoded) == s.cfg.AuthToken {
			return true
		}
	}
	return false
}

func hostnameOf(origin string) string {
	rest := origin
	if i := strings.Index(rest, "://"); i >= 0 {
		rest = rest[i+3:]
	}
	if i := strings.IndexAny(rest, ":/"); i >= 0 {
		rest = rest[:i]
	}
	return rest
}
