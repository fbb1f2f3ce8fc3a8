package server

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"strings"

	"golang.org/x/crypto/acme"
	"golang.org/x/crypto/acme/autocert"

	"github.com/koltyakov/gtunnel/internal/config"
	"github.com/koltyakov/gtunnel/internal/domain"
	"github.com/koltyakov/gtunnel/internal/netutil"
)

// Tunnel upgrades need HTTP/1.1, so h2 is never offered.
var tunnelNextProtos = []string{"http/1.1"}

// buildTLSConfig returns nil when TLS is off. With ACME enabled the
// certificate comes from autocert and the returned manager must also serve
// HTTP-01 challenges; otherwise the configured PEM pair is loaded.
func buildTLSConfig(c config.TLSConfig, minVersion uint16) (*tls.Config, *autocert.Manager, error) {
	if !c.Enabled {
		return nil, nil, nil
	}

	var (
		cfg     *tls.Config
		manager *autocert.Manager
	)
	if c.ACME.Enabled {
		hosts := make([]string, 0, len(c.ACME.Domains))
		for _, d := range c.ACME.Domains {
			if h := netutil.NormalizeHost(d); h != "" {
				hosts = append(hosts, h)
			}
		}
		manager = &autocert.Manager{
			Cache:      autocert.DirCache(c.ACME.CacheDir),
			Prompt:     autocert.AcceptTOS,
			HostPolicy: autocert.HostWhitelist(hosts...),
			Email:      strings.TrimSpace(c.ACME.Email),
		}
		cfg = manager.TLSConfig()
		cfg.NextProtos = append(append([]string{}, tunnelNextProtos...), acme.ALPNProto)
	} else {
		cert, err := tls.LoadX509KeyPair(c.Cert, c.Key)
		if err != nil {
			return nil, nil, &domain.ConfigError{Field: "server.tls.cert", Value: c.Cert, Err: err}
		}
		cfg = &tls.Config{
			Certificates: []tls.Certificate{cert},
			NextProtos:   append([]string{}, tunnelNextProtos...),
		}
	}
	cfg.MinVersion = minVersion

	if ca := strings.TrimSpace(c.CA); ca != "" {
		pool, err := loadCertPool(ca)
		if err != nil {
			return nil, nil, &domain.ConfigError{Field: "server.tls.ca", Value: ca, Err: err}
		}
		cfg.ClientCAs = pool
		if c.RejectUnauthorized {
			cfg.ClientAuth = tls.RequireAndVerifyClientCert
		} else {
			cfg.ClientAuth = tls.RequestClientCert
		}
	}
	return cfg, manager, nil
}

func loadCertPool(path string) (*x509.CertPool, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(raw) {
		return nil, fmt.Errorf("no PEM certificates found in %s", path)
	}
	return pool, nil
}
