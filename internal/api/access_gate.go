/**
 * @description
 * This file implements the source-IP access gate for the audit endpoints.
 * Privileged roles (AUDITOR, NOTARY) may be pinned to an IP allowlist; a role
 * with no configured allowlist is allowed from anywhere, which is logged
 * loudly at startup so a default-open deployment is a deliberate choice.
 *
 * @dependencies
 * - log, net, net/http, strings: Standard Go libraries.
 */

package api

import (
	"log"
	"net"
	"net/http"
	"strings"
)

// AccessGate restricts privileged endpoints by role and source IP.
type AccessGate struct {
	// allowlists maps an upper-cased role to its permitted source IPs.
	allowlists map[string][]string
}

// NewAccessGate builds the gate from per-role allowlists. Roles with an
// empty allowlist are reported as default-open.
func NewAccessGate(allowlists map[string][]string) *AccessGate {
	normalized := make(map[string][]string, len(allowlists))
	for role, ips := range allowlists {
		role = strings.ToUpper(strings.TrimSpace(role))
		cleaned := make([]string, 0, len(ips))
		for _, ip := range ips {
			if trimmed := normalizeIP(ip); trimmed != "" {
				cleaned = append(cleaned, trimmed)
			}
		}
		normalized[role] = cleaned
		if len(cleaned) == 0 {
			log.Printf("level=warn component=access_gate msg=\"no IP allowlist configured; role accepted from any source\" role=%s", role)
		}
	}
	return &AccessGate{allowlists: normalized}
}

// Authorize reports whether a caller with the given role is permitted from
// the source IP. An empty allowlist allows any source.
func Authorize(role, sourceIP string, allowlist []string) bool {
	if strings.TrimSpace(role) == "" {
		return false
	}
	if len(allowlist) == 0 {
		return true
	}
	ip := normalizeIP(sourceIP)
	for _, allowed := range allowlist {
		if ip == normalizeIP(allowed) {
			return true
		}
	}
	return false
}

// AuthorizeRole resolves the role's configured allowlist and applies
// Authorize. Unknown roles are always rejected.
func (g *AccessGate) AuthorizeRole(role, sourceIP string) bool {
	role = strings.ToUpper(strings.TrimSpace(role))
	allowlist, known := g.allowlists[role]
	if !known {
		return false
	}
	return Authorize(role, sourceIP, allowlist)
}

// Middleware enforces the gate after bearer auth has populated the role.
func (g *AccessGate) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		role, ok := GetAuthRole(r.Context())
		if !ok || role == "" {
			http.Error(w, "Role not found in token", http.StatusForbidden)
			return
		}
		if !g.AuthorizeRole(role, clientIP(r)) {
			log.Printf("level=warn component=access_gate msg=\"request rejected\" role=%s source_ip=%s path=%s", role, clientIP(r), r.URL.Path)
			http.Error(w, "Access denied", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// normalizeIP maps IPv6 loopback and IPv4-mapped IPv6 forms onto their
// canonical IPv4 rendering so allowlists can be written in dotted quads.
func normalizeIP(ip string) string {
	ip = strings.TrimSpace(ip)
	if ip == "::1" {
		return "127.0.0.1"
	}
	ip = strings.TrimPrefix(ip, "::ffff:")
	return ip
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
