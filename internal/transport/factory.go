package transport

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"strings"

	"github.com/cmmvio/umicp-go/pkg/types"
)

// Resolve merges the three configuration layers into one final
// TransportConfig: global session defaults, then the per-transport
// configuration, then explicit overrides, field by field.
// It also applies the SSL port remap: a conventional
// plaintext port (80, 8080) with SSL enabled becomes its TLS
// counterpart (443, 8443). A port the caller set to anything else is
// left alone.
func Resolve(global types.UMICPConfig, base types.TransportConfig, override *types.TransportConfig) types.TransportConfig {
	resolved := types.DefaultTransportConfig()
	if global.MaxMessageSize > 0 {
		resolved.MaxPayloadSize = global.MaxMessageSize
	}

	merge(&resolved, &base)
	if override != nil {
		merge(&resolved, override)
	}

	if resolved.SSL != nil && resolved.SSL.EnableSSL {
		switch resolved.Port {
		case 80:
			resolved.Port = 443
		case 8080:
			resolved.Port = 8443
		}
	}
	return resolved
}

// merge copies the set (non-zero) fields of layer onto dst.
func merge(dst, layer *types.TransportConfig) {
	if layer.Type != "" {
		dst.Type = layer.Type
	}
	if layer.Host != "" {
		dst.Host = layer.Host
	}
	if layer.Port != 0 {
		dst.Port = layer.Port
	}
	if layer.Path != "" {
		dst.Path = layer.Path
	}
	if len(layer.Headers) > 0 {
		if dst.Headers == nil {
			dst.Headers = make(map[string]string, len(layer.Headers))
		}
		for k, v := range layer.Headers {
			dst.Headers[k] = v
		}
	}
	if layer.SSL != nil {
		ssl := *layer.SSL
		dst.SSL = &ssl
	}
	if layer.MaxPayloadSize != 0 {
		dst.MaxPayloadSize = layer.MaxPayloadSize
	}
}

// New constructs the channel named by cfg.Type with an already-resolved
// configuration. The returned implementation stays behind the Transport
// interface; callers never see channel-library state.
func New(cfg types.TransportConfig, global types.UMICPConfig) (Transport, error) {
	switch cfg.Type {
	case types.TransportWebSocket:
		return NewWebSocket(cfg, global), nil
	case types.TransportHTTP2:
		return NewHTTP2(cfg, global), nil
	}
	return nil, types.Errorf(types.CodeNetworkError, "unknown transport type %q", cfg.Type)
}

// buildTLS turns an SSLConfig into a *tls.Config. VerifyPeer=false
// skips certificate verification entirely; VerifyPeer=true with
// VerifyHost=false verifies the chain but not the host name.
func buildTLS(ssl *types.SSLConfig, serverName string) (*tls.Config, error) {
	if ssl == nil || !ssl.EnableSSL {
		return nil, nil
	}

	cfg := &tls.Config{
		MinVersion: tls.VersionTLS12,
		ServerName: serverName,
	}

	if ssl.CAFile != "" {
		pem, err := os.ReadFile(ssl.CAFile)
		if err != nil {
			return nil, fmt.Errorf("read CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates in CA file %s", ssl.CAFile)
		}
		cfg.RootCAs = pool
	}

	if ssl.CertFile != "" && ssl.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(ssl.CertFile, ssl.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("load client certificate: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}

	if ssl.CipherSuites != "" {
		suites, err := parseCipherSuites(ssl.CipherSuites)
		if err != nil {
			return nil, err
		}
		cfg.CipherSuites = suites
	}

	switch {
	case !ssl.VerifyPeer:
		cfg.InsecureSkipVerify = true
	case !ssl.VerifyHost:
		// Chain verification without hostname matching: disable the
		// built-in check and re-run it with an empty DNSName.
		cfg.InsecureSkipVerify = true
		roots := cfg.RootCAs
		cfg.VerifyPeerCertificate = func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			if len(rawCerts) == 0 {
				return fmt.Errorf("peer presented no certificate")
			}
			certs := make([]*x509.Certificate, 0, len(rawCerts))
			for _, raw := range rawCerts {
				cert, err := x509.ParseCertificate(raw)
				if err != nil {
					return fmt.Errorf("parse peer certificate: %w", err)
				}
				certs = append(certs, cert)
			}
			opts := x509.VerifyOptions{Roots: roots, Intermediates: x509.NewCertPool()}
			for _, c := range certs[1:] {
				opts.Intermediates.AddCert(c)
			}
			_, err := certs[0].Verify(opts)
			return err
		}
	}

	return cfg, nil
}

// parseCipherSuites resolves a colon-separated OpenSSL-style list of
// suite names against the suites the runtime supports.
func parseCipherSuites(list string) ([]uint16, error) {
	byName := make(map[string]uint16)
	for _, s := range tls.CipherSuites() {
		byName[s.Name] = s.ID
	}

	var ids []uint16
	for _, name := range strings.Split(list, ":") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		id, ok := byName[name]
		if !ok {
			return nil, fmt.Errorf("unknown cipher suite %q", name)
		}
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("empty cipher suite list")
	}
	return ids, nil
}
