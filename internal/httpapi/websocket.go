package httpapi

import (
	"net/http"
	"net/url"

	"github.com/gorilla/websocket"
)

// allowedOrigins lists non-localhost origins permitted to open the
// dashboard websocket, configured by the operator at startup.
var allowedOrigins []string

// SetAllowedOrigins configures the websocket origin allowlist.
func SetAllowedOrigins(origins []string) {
	allowedOrigins = origins
}

// checkWebSocketOrigin allows same-origin/no-Origin requests, any localhost
// origin, and explicitly configured origins.
func checkWebSocketOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	originURL, err := url.Parse(origin)
	if err != nil {
		return false
	}

	host := originURL.Hostname()
	if host == "localhost" || host == "127.0.0.1" || host == "::1" {
		return true
	}

	for _, allowed := range allowedOrigins {
		if origin == allowed {
			return true
		}
		allowedURL, err := url.Parse(allowed)
		if err != nil {
			continue
		}
		if originURL.Hostname() == allowedURL.Hostname() {
			if allowedURL.Port() == "" || allowedURL.Port() == originURL.Port() {
				return true
			}
		}
	}
	return false
}

var upgrader = websocket.Upgrader{CheckOrigin: checkWebSocketOrigin}

// handleWebSocket upgrades a dashboard connection and registers it with
// the hub, spinning up its read/write pumps.
func (a *API) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	client := &Client{hub: a.hub, conn: conn, send: make(chan []byte, hubSendBuffer)}
	a.hub.Register(client)

	go client.readPump()
	go client.writePump()
}
