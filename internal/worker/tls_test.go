package worker

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/withobsrvr/flowscope/internal/config"
	"github.com/withobsrvr/flowscope/internal/rpc"
	"github.com/withobsrvr/flowscope/internal/testfixtures"
)

type testCerts struct {
	caFile, serverCert, serverKey, clientCert, clientKey string
}

// genTLSCertificates writes a CA plus a server and a client certificate signed by it.
func genTLSCertificates(t *testing.T) testCerts {
	t.Helper()
	dir := t.TempDir()

	caKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	caTmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "flowscope test CA"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
	}
	caDER, err := x509.CreateCertificate(rand.Reader, caTmpl, caTmpl, &caKey.PublicKey, caKey)
	require.NoError(t, err)
	ca, err := x509.ParseCertificate(caDER)
	require.NoError(t, err)

	issue := func(name string, serial int64, usage x509.ExtKeyUsage) (string, string) {
		key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		require.NoError(t, err)
		tmpl := &x509.Certificate{
			SerialNumber: big.NewInt(serial),
			Subject:      pkix.Name{CommonName: name},
			DNSNames:     []string{"localhost"},
			IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
			NotBefore:    time.Now().Add(-time.Hour),
			NotAfter:     time.Now().Add(time.Hour),
			KeyUsage:     x509.KeyUsageDigitalSignature,
			ExtKeyUsage:  []x509.ExtKeyUsage{usage},
		}
		der, err := x509.CreateCertificate(rand.Reader, tmpl, ca, &key.PublicKey, caKey)
		require.NoError(t, err)
		keyDER, err := x509.MarshalECPrivateKey(key)
		require.NoError(t, err)
		certFile := filepath.Join(dir, name+".crt")
		keyFile := filepath.Join(dir, name+".key")
		writePEM(t, certFile, "CERTIFICATE", der)
		writePEM(t, keyFile, "EC PRIVATE KEY", keyDER)
		return certFile, keyFile
	}

	certs := testCerts{caFile: filepath.Join(dir, "ca.crt")}
	writePEM(t, certs.caFile, "CERTIFICATE", caDER)
	certs.serverCert, certs.serverKey = issue("server", 2, x509.ExtKeyUsageServerAuth)
	certs.clientCert, certs.clientKey = issue("client", 3, x509.ExtKeyUsageClientAuth)
	return certs
}

func writePEM(t *testing.T, path, typ string, der []byte) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, pem.EncodeToMemory(&pem.Block{Type: typ, Bytes: der}), 0o600))
}

// setupTLSWorker serves a worker session on a local port.
func setupTLSWorker(t *testing.T, tlsConfig *config.TLSConfig) string {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	opts, err := tlsConfig.ServerOptions()
	require.NoError(t, err)
	src := testfixtures.NewSyntheticSource(time.Second, time.Second, "/a")
	gs := rpc.NewGRPCServer(NewSession(factoryFor(src)), opts...)
	go gs.Serve(lis)
	t.Cleanup(gs.Stop)
	return lis.Addr().String()
}

// dialWorker opens a source on the worker at addr.
func dialWorker(addr string, tlsConfig *config.TLSConfig) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	creds, err := tlsConfig.DialOption()
	if err != nil {
		return err
	}
	conn, err := rpc.DialGRPC(ctx, addr, creds)
	if err != nil {
		return err
	}
	client := rpc.NewClient(conn, rpc.WithAbortGrace(100*time.Millisecond))
	defer client.Close()

	remote, err := Dial(ctx, client, fooArgs)
	if err != nil {
		return err
	}
	_, err = remote.Initialize(ctx)
	return err
}

func TestTLSConnection(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping TLS test in short mode")
	}
	certs := genTLSCertificates(t)
	disabled := config.DefaultTLSConfig()

	tests := []struct {
		name        string
		server      *config.TLSConfig
		client      *config.TLSConfig
		expectError bool
	}{
		{
			name:   "No TLS",
			server: disabled,
			client: disabled,
		},
		{
			name:        "Server TLS, Client No TLS",
			server:      &config.TLSConfig{Mode: config.TLSModeEnabled, CertFile: certs.serverCert, KeyFile: certs.serverKey},
			client:      disabled,
			expectError: true,
		},
		{
			name:   "Server TLS, Client TLS",
			server: &config.TLSConfig{Mode: config.TLSModeEnabled, CertFile: certs.serverCert, KeyFile: certs.serverKey},
			client: &config.TLSConfig{Mode: config.TLSModeEnabled, CAFile: certs.caFile, ServerName: "localhost"},
		},
		{
			name:        "Server TLS, Client Without CA",
			server:      &config.TLSConfig{Mode: config.TLSModeEnabled, CertFile: certs.serverCert, KeyFile: certs.serverKey},
			client:      &config.TLSConfig{Mode: config.TLSModeEnabled, ServerName: "localhost"},
			expectError: true,
		},
		{
			name: "Server mTLS, Client TLS without cert",
			server: &config.TLSConfig{
				Mode: config.TLSModeMutual, CertFile: certs.serverCert, KeyFile: certs.serverKey, CAFile: certs.caFile,
			},
			client:      &config.TLSConfig{Mode: config.TLSModeEnabled, CAFile: certs.caFile, ServerName: "localhost"},
			expectError: true,
		},
		{
			name: "Server mTLS, Client mTLS",
			server: &config.TLSConfig{
				Mode: config.TLSModeMutual, CertFile: certs.serverCert, KeyFile: certs.serverKey, CAFile: certs.caFile,
			},
			client: &config.TLSConfig{
				Mode: config.TLSModeMutual, CertFile: certs.clientCert, KeyFile: certs.clientKey,
				CAFile: certs.caFile, ServerName: "localhost",
			},
		},
		{
			name:   "TLS with Skip Verify",
			server: &config.TLSConfig{Mode: config.TLSModeEnabled, CertFile: certs.serverCert, KeyFile: certs.serverKey},
			client: &config.TLSConfig{Mode: config.TLSModeEnabled, SkipVerify: true},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			require.NoError(t, tc.server.Validate())
			require.NoError(t, tc.client.ValidateClient())
			addr := setupTLSWorker(t, tc.server)

			err := dialWorker(addr, tc.client)
			if tc.expectError {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
