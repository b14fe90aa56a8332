package httpapi

import (
	"net/http"
	"strings"

	"github.com/neovend/licensegate/internal/clientip"
)

// sourceIP is the first X-Forwarded-For entry, else X-Real-IP, else the
// connection's remote host. It is what the client claims and is only fit
// for audit and logs.
func sourceIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
		return ip
	}
	return clientip.Host(r.RemoteAddr)
}

// clientIP is the address used to key the throttle. Forwarding headers count
// only when the connection comes from one of proxies.
func clientIP(r *http.Request, proxies clientip.Proxies) string {
	return proxies.Resolve(r.RemoteAddr, r.Header.Get("X-Forwarded-For"), r.Header.Get("X-Real-IP"))
}
