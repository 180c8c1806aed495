package middleware

import (
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
)

// Allowlist admits only listed addresses. It is meant for deployments where the API
// sits behind a fixed set of proxies.
type Allowlist struct {
	l            *slog.Logger
	enabled      bool
	ips          map[string]struct{}
	cidrs        []*net.IPNet
	realIPHeader string
}

// AllowlistFromEnv reads:
//
//	ORIGIN_DEFENSE_ENABLE=true     turn the check on
//	ORIGIN_ALLOW_IPS=a,b           single addresses
//	ORIGIN_ALLOW_CIDRS=10.0.0.0/8  v4 or v6 ranges
//	ORIGIN_ALLOW_LOCAL=true        admit loopback
//	ORIGIN_REAL_IP_HEADER=...      take the first address from this header instead of RemoteAddr
func AllowlistFromEnv(l *slog.Logger) *Allowlist {
	a := NewAllowlist(l, splitList(os.Getenv("ORIGIN_ALLOW_IPS")), splitList(os.Getenv("ORIGIN_ALLOW_CIDRS")))
	a.enabled = os.Getenv("ORIGIN_DEFENSE_ENABLE") == "true"
	a.realIPHeader = strings.TrimSpace(os.Getenv("ORIGIN_REAL_IP_HEADER"))
	if os.Getenv("ORIGIN_ALLOW_LOCAL") == "true" {
		a.ips["127.0.0.1"] = struct{}{}
		a.ips["::1"] = struct{}{}
	}
	return a
}

// NewAllowlist builds an enabled list. Unparseable entries are logged and skipped.
func NewAllowlist(l *slog.Logger, ips, cidrs []string) *Allowlist {
	a := &Allowlist{l: l, enabled: true, ips: map[string]struct{}{}}
	for _, p := range ips {
		if ip := net.ParseIP(p); ip != nil {
			a.ips[ip.String()] = struct{}{}
		} else {
			l.Warn("allowlist_bad_ip", "value", p)
		}
	}
	for _, c := range cidrs {
		if _, n, err := net.ParseCIDR(c); err == nil {
			a.cidrs = append(a.cidrs, n)
		} else {
			l.Warn("allowlist_bad_cidr", "value", c, "err", err)
		}
	}
	return a
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Wrap returns next unchanged when the list is disabled.
func (a *Allowlist) Wrap(next http.Handler) http.Handler {
	if !a.enabled {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := a.extractIP(r)
		if ip == nil || !a.allowed(ip) {
			a.l.Debug("allowlist_block", "remote", r.RemoteAddr)
			w.Header().Set("content-type", "application/json; charset=utf-8")
			w.WriteHeader(http.StatusForbidden)
			_, _ = w.Write([]byte(`{"error":"forbidden"}`))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (a *Allowlist) allowed(ip net.IP) bool {
	if _, ok := a.ips[ip.String()]; ok {
		return true
	}
	for _, n := range a.cidrs {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

func (a *Allowlist) extractIP(r *http.Request) net.IP {
	if a.realIPHeader != "" {
		if raw := r.Header.Get(a.realIPHeader); raw != "" {
			first := strings.TrimSpace(strings.Split(raw, ",")[0])
			if ip := net.ParseIP(first); ip != nil {
				return ip
			}
		}
	}
	host := r.RemoteAddr
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	return net.ParseIP(host)
}
