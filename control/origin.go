package control

import (
	"net"
	"net/http"
	"net/url"
)

// isLocalOrigin accepts websocket upgrades from non-browser clients and
// from pages served by the local host only.
func isLocalOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	host := u.Hostname()
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
