package config

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/withobsrvr/flowscope/internal/utils/logger"
)

// TLSMode represents the mode of TLS operation
type TLSMode string

const (
	// TLSModeDisabled disables TLS encryption
	TLSModeDisabled TLSMode = "disabled"

	// TLSModeEnabled enables TLS encryption
	TLSModeEnabled TLSMode = "enabled"

	// TLSModeMutual enables mutual TLS (mTLS) with client authentication
	TLSModeMutual TLSMode = "mutual"
)

// TLSConfig secures the gRPC link between host and worker.
type TLSConfig struct {
	Mode       TLSMode `yaml:"mode"`
	CertFile   string  `yaml:"cert_file"`
	KeyFile    string  `yaml:"key_file"`
	CAFile     string  `yaml:"ca_file"`
	SkipVerify bool    `yaml:"skip_verify"`
	// ServerName is used to verify the hostname on the worker's certificate
	ServerName string `yaml:"server_name"`
}

// DefaultTLSConfig returns a default TLS configuration with TLS disabled
func DefaultTLSConfig() *TLSConfig {
	return &TLSConfig{Mode: TLSModeDisabled}
}

func (c *TLSConfig) disabled() bool {
	return c.Mode == "" || c.Mode == TLSModeDisabled
}

// Validate checks the configuration of a serving worker, which always needs
// its own certificate.
func (c *TLSConfig) Validate() error {
	return c.validate(true)
}

// ValidateClient checks the configuration of a host dialing a worker. A
// certificate is needed only for mutual TLS.
func (c *TLSConfig) ValidateClient() error {
	return c.validate(c.Mode == TLSModeMutual)
}

func (c *TLSConfig) validate(needCert bool) error {
	if c.disabled() {
		return nil
	}
	if c.Mode != TLSModeEnabled && c.Mode != TLSModeMutual {
		return fmt.Errorf("unknown TLS mode %q", c.Mode)
	}

	if needCert {
		if c.CertFile == "" {
			return fmt.Errorf("cert_file is required when TLS is enabled")
		}
		if c.KeyFile == "" {
			return fmt.Errorf("key_file is required when TLS is enabled")
		}
	}
	for _, f := range []string{c.CertFile, c.KeyFile, c.CAFile} {
		if f == "" {
			continue
		}
		if _, err := os.Stat(f); os.IsNotExist(err) {
			return fmt.Errorf("file does not exist: %s", f)
		}
	}
	return nil
}

func loadCertPool(path string) (*x509.CertPool, error) {
	caCert, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA certificate: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caCert) {
		return nil, fmt.Errorf("failed to add CA certificate to pool")
	}
	return pool, nil
}

// ServerOptions returns the gRPC options for `worker serve`. Disabled TLS
// yields no options.
func (c *TLSConfig) ServerOptions() ([]grpc.ServerOption, error) {
	if c.disabled() {
		logger.Info("TLS disabled for worker server")
		return nil, nil
	}

	logger.Info("Loading TLS credentials for worker server",
		zap.String("mode", string(c.Mode)),
		zap.String("cert_file", c.CertFile))

	cert, err := tls.LoadX509KeyPair(c.CertFile, c.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load TLS credentials: %w", err)
	}
	tlsConfig := &tls.Config{Certificates: []tls.Certificate{cert}}

	if c.Mode == TLSModeMutual {
		if c.CAFile == "" {
			return nil, fmt.Errorf("ca_file is required for mutual TLS")
		}
		pool, err := loadCertPool(c.CAFile)
		if err != nil {
			return nil, err
		}
		tlsConfig.ClientCAs = pool
		tlsConfig.ClientAuth = tls.RequireAndVerifyClientCert
	}

	return []grpc.ServerOption{grpc.Creds(credentials.NewTLS(tlsConfig))}, nil
}

// DialOption returns the transport credentials for connecting to a worker.
func (c *TLSConfig) DialOption() (grpc.DialOption, error) {
	if c.disabled() {
		return grpc.WithTransportCredentials(insecure.NewCredentials()), nil
	}

	logger.Info("Loading TLS credentials for worker connection",
		zap.String("mode", string(c.Mode)),
		zap.String("server_name", c.ServerName),
		zap.Bool("skip_verify", c.SkipVerify))

	tlsConfig := &tls.Config{
		InsecureSkipVerify: c.SkipVerify,
		ServerName:         c.ServerName,
	}

	if c.Mode == TLSModeMutual {
		cert, err := tls.LoadX509KeyPair(c.CertFile, c.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate and key: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	if c.CAFile != "" {
		pool, err := loadCertPool(c.CAFile)
		if err != nil {
			return nil, err
		}
		tlsConfig.RootCAs = pool
	}

	return grpc.WithTransportCredentials(credentials.NewTLS(tlsConfig)), nil
}

// ResolveCertPath resolves a certificate path relative to a base directory
func ResolveCertPath(path string, baseDir string) string {
	if path != "" && !filepath.IsAbs(path) && baseDir != "" {
		return filepath.Join(baseDir, path)
	}
	return path
}
