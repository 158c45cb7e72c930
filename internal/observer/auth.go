package observer

import (
	"net"
	"net/http"
	"strings"

	"github.com/amialive/amialive/internal/config"
)

// authenticator resolves client identity and gates admin and internal
// surfaces.
type authenticator struct {
	adminToken   string
	internalKey  string
	localNetwork *net.IPNet
	trusted      []*net.IPNet
}

func newAuthenticator(cfg config.ObserverConfig) (*authenticator, error) {
	_, local, err := net.ParseCIDR(cfg.LocalNetworkCIDR)
	if err != nil {
		return nil, err
	}
	a := &authenticator{
		adminToken:   cfg.AdminToken,
		internalKey:  cfg.InternalAPIKey,
		localNetwork: local,
	}
	for _, cidr := range cfg.TrustedProxyCIDRs {
		cidr = strings.TrimSpace(cidr)
		if cidr == "" {
			continue
		}
		_, ipnet, err := net.ParseCIDR(cidr)
		if err != nil {
			return nil, err
		}
		a.trusted = append(a.trusted, ipnet)
	}
	return a, nil
}

func peerIP(r *http.Request) net.IP {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return net.ParseIP(host)
}

// isLocal reports whether the direct peer is loopback or on the local
// network.
func (a *authenticator) isLocal(r *http.Request) bool {
	ip := peerIP(r)
	if ip == nil {
		return false
	}
	return ip.IsLoopback() || a.localNetwork.Contains(ip)
}

// isTrustedProxy reports whether forwarded headers from this peer may be
// believed. Without this gate, vote fingerprints collapse to the proxy.
func (a *authenticator) isTrustedProxy(r *http.Request) bool {
	ip := peerIP(r)
	if ip == nil {
		return false
	}
	if a.localNetwork.Contains(ip) {
		return true
	}
	for _, n := range a.trusted {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// clientIP resolves the voter's address, honoring proxy headers only from
// trusted peers.
func (a *authenticator) clientIP(r *http.Request) string {
	if a.isTrustedProxy(r) {
		if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
			first := strings.TrimSpace(strings.Split(fwd, ",")[0])
			if first != "" {
				return first
			}
		}
		if real := strings.TrimSpace(r.Header.Get("X-Real-Ip")); real != "" {
			return real
		}
	}
	if ip := peerIP(r); ip != nil {
		return ip.String()
	}
	return "unknown"
}

// isAdmin allows local-network peers or a valid bearer token.
func (a *authenticator) isAdmin(r *http.Request) bool {
	if a.isLocal(r) {
		return true
	}
	if a.adminToken == "" {
		return false
	}
	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(strings.ToLower(header), "bearer ") {
		return false
	}
	return strings.TrimSpace(header[7:]) == a.adminToken
}

// isInternal requires the shared internal key.
func (a *authenticator) isInternal(r *http.Request) bool {
	return a.internalKey != "" && r.Header.Get("X-Internal-Key") == a.internalKey
}
