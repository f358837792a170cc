package smtp4j

import "crypto/tls"

// TLSProvider supplies the server-side TLS configuration used for the
// opportunistic STARTTLS upgrade (C7). Configuring one makes the session
// advertise STARTTLS/REQUIRETLS in its EHLO response.
type TLSProvider interface {
	ServerConfig() *tls.Config
}

// staticTLSProvider is the common case: a fixed *tls.Config.
type staticTLSProvider struct {
	cfg *tls.Config
}

// NewStaticTLSProvider wraps a pre-built *tls.Config as a TLSProvider.
func NewStaticTLSProvider(cfg *tls.Config) TLSProvider {
	return &staticTLSProvider{cfg: cfg}
}

func (p *staticTLSProvider) ServerConfig() *tls.Config {
	return p.cfg
}
