package quicnet

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"time"

	"github.com/caddyserver/certmagic"
	"go.uber.org/zap"
)

var ErrMissingTLS = errors.New("missing TLS configuration")

// TLS modes accepted by the quic.tls option.
const (
	TLSSelfSigned = "self-signed"
	TLSFile       = "file"
	TLSACME       = "acme"
)

// TLSOptions selects how the server side of the QUIC network obtains its
// certificate.
type TLSOptions struct {
	Mode     string
	CertFile string
	KeyFile  string
	CertMagicConfig
}

// ServerTLSFunc returns a lazy constructor for the server TLS config, so that
// certificates are only generated or fetched when a QUIC port is opened.
func ServerTLSFunc(opts TLSOptions, log *zap.Logger) func() (*tls.Config, error) {
	return func() (*tls.Config, error) {
		switch opts.Mode {
		case "", TLSSelfSigned:
			return SelfSignedTLS()
		case TLSFile:
			return BuildFileTLS(opts.CertFile, opts.KeyFile)
		case TLSACME:
			return BuildCertMagicTLS(opts.CertMagicConfig, log)
		default:
			return nil, fmt.Errorf("unknown quic tls mode %q", opts.Mode)
		}
	}
}

// SelfSignedTLS is for local use only. Prefer trusted certs across hosts.
func SelfSignedTLS() (*tls.Config, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	templ := &x509.Certificate{
		SerialNumber:          big.NewInt(time.Now().UnixNano()),
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, templ, templ, &key.PublicKey, key)
	if err != nil {
		return nil, err
	}
	cert := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	pkcs8, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, err
	}
	priv := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: pkcs8})
	tlsCert, err := tls.X509KeyPair(cert, priv)
	if err != nil {
		return nil, err
	}
	return &tls.Config{Certificates: []tls.Certificate{tlsCert}, NextProtos: []string{alpn}, MinVersion: tls.VersionTLS13}, nil
}

// CertMagicConfig configures automatic certificate management with CertMagic.
type CertMagicConfig struct {
	Domain     string
	Email      string
	StorageDir string // optional; defaults to XDG or ~/.cache/conduit/certmagic
	CA         string // optional; defaults to Let's Encrypt prod
}

// BuildCertMagicTLS provisions/loads certificates via CertMagic and returns a
// TLS config for QUIC. Only the TLS-ALPN challenge is used since the QUIC
// port itself cannot answer HTTP-01.
func BuildCertMagicTLS(cfg CertMagicConfig, log *zap.Logger) (*tls.Config, error) {
	if cfg.Domain == "" {
		return nil, errors.New("domain is required")
	}
	if log == nil {
		log = zap.NewNop()
	}

	cm := certmagic.NewDefault()
	cm.Logger = log.Named("certmagic")
	if cfg.StorageDir == "" {
		if xdg := os.Getenv("XDG_CACHE_HOME"); xdg != "" {
			cfg.StorageDir = filepath.Join(xdg, "conduit", "certmagic")
		} else {
			home, _ := os.UserHomeDir()
			cfg.StorageDir = filepath.Join(home, ".cache", "conduit", "certmagic")
		}
	}
	if err := os.MkdirAll(cfg.StorageDir, 0o700); err != nil {
		return nil, fmt.Errorf("cert storage: %w", err)
	}
	cm.Storage = &certmagic.FileStorage{Path: cfg.StorageDir}

	ai := certmagic.NewACMEIssuer(cm, certmagic.ACMEIssuer{
		CA:                   ifEmpty(cfg.CA, certmagic.LetsEncryptProductionCA),
		Email:                cfg.Email,
		Agreed:               true,
		DisableHTTPChallenge: true,
		Logger:               log.Named("acme"),
	})
	cm.Issuers = []certmagic.Issuer{ai}

	if err := cm.ManageSync(context.Background(), []string{cfg.Domain}); err != nil {
		return nil, err
	}

	tlsConf := withALPN(cm.TLSConfig())
	tlsConf.MinVersion = tls.VersionTLS13
	return tlsConf, nil
}

func ifEmpty(s, d string) string {
	if s == "" {
		return d
	}
	return s
}

// BuildFileTLS loads a certificate from PEM files for BYO certs.
func BuildFileTLS(certFile, keyFile string) (*tls.Config, error) {
	if certFile == "" || keyFile == "" {
		return nil, errors.New("both certFile and keyFile are required")
	}

	c, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("load keypair: %w", err)
	}

	for i, b := range c.Certificate {
		cert, err := x509.ParseCertificate(b)
		if err != nil {
			return nil, fmt.Errorf("invalid certificate at index %d: %w", i, err)
		}
		now := time.Now()
		if now.Before(cert.NotBefore) {
			return nil, fmt.Errorf("certificate not yet valid (starts %s)", cert.NotBefore)
		}
		if now.After(cert.NotAfter) {
			return nil, fmt.Errorf("certificate expired on %s", cert.NotAfter)
		}
	}

	return &tls.Config{Certificates: []tls.Certificate{c}, NextProtos: []string{alpn}, MinVersion: tls.VersionTLS13}, nil
}
