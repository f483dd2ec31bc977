package agent

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/rollout/internal/core"
)

// TLSConfig holds the agent's server certificate and optional client CA.
type TLSConfig struct {
	ServerCert   string
	ServerKey    string
	ClientCACert string
}

// TLSFromConfig reads the agent section. TLS is enabled when a certificate is
// configured; mutual TLS when a client CA is configured too.
func TLSFromConfig(cfg core.Config) (TLSConfig, bool) {
	c := TLSConfig{ServerCert: cfg.Agent.TLSCert, ServerKey: cfg.Agent.TLSKey, ClientCACert: cfg.Agent.ClientCA}
	return c, c.ServerCert != ""
}

func (c TLSConfig) mutual() bool { return c.ClientCACert != "" }

func (c TLSConfig) build() (*tls.Config, error) {
	if c.ServerCert == "" || c.ServerKey == "" {
		return nil, fmt.Errorf("server cert and key required for TLS")
	}
	cert, err := tls.LoadX509KeyPair(c.ServerCert, c.ServerKey)
	if err != nil {
		return nil, fmt.Errorf("load server certificate: %w", err)
	}
	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}
	if c.mutual() {
		pem, err := os.ReadFile(c.ClientCACert)
		if err != nil {
			return nil, fmt.Errorf("read client CA certificate: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates in %s", c.ClientCACert)
		}
		tlsConfig.ClientCAs = pool
		tlsConfig.ClientAuth = tls.RequireAndVerifyClientCert
		log.Info().Str("ca_cert", c.ClientCACert).Msg("mTLS client authentication enabled")
	}
	return tlsConfig, nil
}

// clientIdentity logs the verified client certificate of each request.
func clientIdentity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.TLS != nil && len(r.TLS.PeerCertificates) > 0 {
			cert := r.TLS.PeerCertificates[0]
			log.Debug().
				Str("subject", cert.Subject.String()).
				Str("serial", cert.SerialNumber.String()).
				Str("path", r.URL.Path).
				Msg("mTLS client")
		}
		next.ServeHTTP(w, r)
	})
}

// ListenAndServeTLS serves over TLS, verifying client certificates when a
// client CA is configured.
func (s *Server) ListenAndServeTLS(addr string, c TLSConfig) error {
	tlsConfig, err := c.build()
	if err != nil {
		return err
	}
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           clientIdentity(s.handler()),
		TLSConfig:         tlsConfig,
		ReadHeaderTimeout: 10 * time.Second,
	}
	log.Info().Str("addr", addr).Bool("mtls", c.mutual()).Msg("starting agent with TLS")
	return s.srv.ListenAndServeTLS("", "")
}
