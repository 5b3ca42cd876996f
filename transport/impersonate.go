package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"golang.org/x/net/http2"

	utls "github.com/refraction-networking/utls"

	"github.com/crawlee-go/crawlee/fingerprint"
)

// HTTP/2 SETTINGS values captured from real Chrome/Firefox traces (teacher's
// client/h2_transport.go). Browsers cluster tightly around these numbers, so
// one shared set is used regardless of which fingerprint.Profile is active;
// only the TLS ClientHello and header set vary per profile.
const (
	h2HeaderTableSize   uint32 = 65536
	h2MaxHeaderListSize uint32 = 262144
)

// impersonatedRoundTripper wraps an http2.Transport dialed with uTLS so the
// TLS ClientHello (JA3) matches a real browser, and applies the active
// profile's header set to every request.
type impersonatedRoundTripper struct {
	h2      *http2.Transport
	headers *orderedHeader
}

func (t *impersonatedRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	r := req.Clone(req.Context())
	t.headers.ApplyToRequest(r)
	return t.h2.RoundTrip(r)
}

// impersonatedRoundTripper builds the uTLS/H2 transport for f.profile. Only
// reachable when no proxy is configured (see transport.go's New).
func (f *Factory) impersonatedRoundTripper() (http.RoundTripper, error) {
	helloID := helloIDForProfile(f.profile)
	dial := uTLSDialer(helloID)

	h2 := &http2.Transport{
		DialTLSContext: func(ctx context.Context, network, addr string, tlsCfg *tls.Config) (net.Conn, error) {
			return dial(ctx, network, addr, tlsCfg)
		},
		MaxDecoderHeaderTableSize: h2HeaderTableSize,
		MaxEncoderHeaderTableSize: h2HeaderTableSize,
		MaxHeaderListSize:         h2MaxHeaderListSize,
		IdleConnTimeout:           orDefaultDuration(f.cfg.IdleConnTimeout, 90*time.Second),
	}

	return &impersonatedRoundTripper{h2: h2, headers: orderedHeadersFromProfile(f.profile)}, nil
}

// helloIDForProfile maps a fingerprint.Profile to the uTLS ClientHello that
// produces a coherent JA3 for it. fingerprint.Profile itself stays
// utls-agnostic (it's shared, generic TLS/header bundling), so the mapping
// lives here instead.
func helloIDForProfile(p *fingerprint.Profile) utls.ClientHelloID {
	if p != nil && strings.Contains(p.UserAgent, "Firefox") {
		return utls.HelloFirefox_Auto
	}
	return utls.HelloChrome_120
}

// uTLSDialer returns a DialTLSContext-compatible dialer that performs the TLS
// handshake via uTLS, impersonating helloID (teacher's client.UTLSDialer).
func uTLSDialer(helloID utls.ClientHelloID) func(ctx context.Context, network, addr string, tlsCfg *tls.Config) (net.Conn, error) {
	return func(ctx context.Context, network, addr string, tlsCfg *tls.Config) (net.Conn, error) {
		host, _, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, fmt.Errorf("transport: split host/port %q: %w", addr, err)
		}
		sni := host
		if tlsCfg != nil && tlsCfg.ServerName != "" {
			sni = tlsCfg.ServerName
		}

		var d net.Dialer
		rawConn, err := d.DialContext(ctx, network, addr)
		if err != nil {
			return nil, fmt.Errorf("transport: dial %s: %w", addr, err)
		}

		uConn := utls.UClient(rawConn, &utls.Config{ServerName: sni}, helloID)
		if spec, err := utls.UTLSIdToSpec(helloID); err == nil {
			if err := uConn.ApplyPreset(&spec); err != nil {
				_ = rawConn.Close()
				return nil, fmt.Errorf("transport: apply ClientHello preset for %s: %w", helloID.Str(), err)
			}
		}

		if err := uConn.HandshakeContext(ctx); err != nil {
			_ = uConn.Close()
			return nil, fmt.Errorf("transport: TLS handshake with %s: %w", addr, err)
		}
		return uConn, nil
	}
}
