// Package auth resolves inbound requests and datagrams to source records.
// Resolution order: mTLS client certificate, bearer token, API key header,
// UDP port. Authentication is side-effect free; callers apply rate limits
// separately.
package auth

import (
	"context"
	"net"
	"net/http"
	"strings"

	"github.com/streamgate/ingest/internal/catalog"
	"github.com/streamgate/ingest/internal/core"
)

// Header names carrying credentials.
const (
	HeaderAPIKey        = "X-API-Key"
	HeaderAuthorization = "Authorization"
)

// Authenticator validates credentials against the source catalogue.
type Authenticator struct {
	resolver       catalog.Resolver
	trustedProxies []*net.IPNet
}

// NewAuthenticator builds an authenticator over the given resolver
// (typically the cache decorator).
func NewAuthenticator(resolver catalog.Resolver) *Authenticator {
	return &Authenticator{resolver: resolver}
}

// TrustProxies nominates edge proxy networks whose X-Forwarded-For header
// is honoured. Without a trusted proxy the header is ignored and the TCP
// peer address is the client identity.
func (a *Authenticator) TrustProxies(nets []*net.IPNet) {
	a.trustedProxies = nets
}

// AuthenticateHTTP resolves an HTTP request to a source record and verifies
// the source is enabled and the client address is on its allow-list.
func (a *Authenticator) AuthenticateHTTP(ctx context.Context, r *http.Request) (*core.Source, error) {
	src, err := a.resolveHTTP(ctx, r)
	if err != nil {
		return nil, err
	}
	return a.admit(src, ClientIP(r, a.trustedProxies))
}

func (a *Authenticator) resolveHTTP(ctx context.Context, r *http.Request) (*core.Source, error) {
	// mTLS first: the handshake already proved key possession.
	if r.TLS != nil && len(r.TLS.PeerCertificates) > 0 {
		subject := r.TLS.PeerCertificates[0].Subject.String()
		if src, err := a.resolver.BySubject(ctx, subject); err == nil {
			return src, nil
		} else if core.KindOf(err) != core.KindNotFound {
			return nil, err
		}
	}

	if header := r.Header.Get(HeaderAuthorization); header != "" {
		token := strings.TrimPrefix(header, "Bearer ")
		if token != header && token != "" {
			src, err := a.resolver.ByBearer(ctx, token)
			if err == nil {
				return src, nil
			}
			if core.KindOf(err) == core.KindNotFound {
				return nil, core.Errorf(core.KindUnauthenticated, "unknown bearer token")
			}
			return nil, err
		}
	}

	if key := r.Header.Get(HeaderAPIKey); key != "" {
		src, err := a.resolver.ByAPIKey(ctx, key)
		if err == nil {
			return src, nil
		}
		if core.KindOf(err) == core.KindNotFound {
			return nil, core.Errorf(core.KindUnauthenticated, "unknown API key")
		}
		return nil, err
	}

	return nil, core.Errorf(core.KindUnauthenticated, "no credential supplied")
}

// AuthenticateUDP resolves a datagram origin to a source record. The port
// binding is the authoritative identity on the syslog path; the client
// address is still checked against the source's allow-list because datagrams
// may arrive before kernel filter rules are installed.
func (a *Authenticator) AuthenticateUDP(ctx context.Context, port int, client net.IP) (*core.Source, error) {
	src, err := a.resolver.ByUDPPort(ctx, port)
	if err != nil {
		if core.KindOf(err) == core.KindNotFound {
			return nil, core.Errorf(core.KindNotFound, "no source assigned to UDP port %d", port)
		}
		return nil, err
	}
	return a.admit(src, client)
}

func (a *Authenticator) admit(src *core.Source, client net.IP) (*core.Source, error) {
	if !src.Enabled {
		return nil, core.Errorf(core.KindForbidden, "source %s is disabled", src.ID)
	}
	if client != nil && !src.ClientAllowed(client) {
		return nil, core.Errorf(core.KindForbidden, "client %s not in allow-list for source %s", client, src.ID)
	}
	return src, nil
}

// ClientIP resolves the client address of a request. X-Forwarded-For is
// honoured only when the direct peer is inside one of the trusted proxy
// networks; for any other peer the header is attacker-controlled and the
// TCP address wins.
func ClientIP(r *http.Request, trusted []*net.IPNet) net.IP {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	peer := net.ParseIP(host)
	if peer == nil || !proxyTrusted(trusted, peer) {
		return peer
	}
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first := strings.TrimSpace(strings.Split(fwd, ",")[0])
		if ip := net.ParseIP(first); ip != nil {
			return ip
		}
	}
	return peer
}

func proxyTrusted(nets []*net.IPNet, ip net.IP) bool {
	for _, n := range nets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}
