package tlsconfig

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// writeSelfSignedCert generates a throwaway ed25519 self-signed certificate
// and writes the cert/key PEM pair into dir, returning their paths.
func writeSelfSignedCert(t *testing.T, dir, name string) (certPath, keyPath string) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "nexio-test"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, pub, priv)
	require.NoError(t, err)

	certPath = filepath.Join(dir, name+".crt")
	keyPath = filepath.Join(dir, name+".key")

	certOut, err := os.Create(certPath)
	require.NoError(t, err)
	require.NoError(t, pem.Encode(certOut, &pem.Block{Type: "CERTIFICATE", Bytes: der}))
	require.NoError(t, certOut.Close())

	keyBytes, err := x509.MarshalPKCS8PrivateKey(priv)
	require.NoError(t, err)
	keyOut, err := os.Create(keyPath)
	require.NoError(t, err)
	require.NoError(t, pem.Encode(keyOut, &pem.Block{Type: "PRIVATE KEY", Bytes: keyBytes}))
	require.NoError(t, keyOut.Close())
	return certPath, keyPath
}

func TestBuildServerLoadsCertificateAndMinimumVersion(t *testing.T) {
	dir := t.TempDir()
	certPath, keyPath := writeSelfSignedCert(t, dir, "server")

	opts := &Options{
		ServerCertPath: certPath,
		ServerKeyPath:  keyPath,
		MinimumVersion: TLSv1_3,
	}
	cfg, err := opts.BuildServer()
	require.NoError(t, err)
	require.Len(t, cfg.Certificates, 1)
	require.Equal(t, uint16(tls.VersionTLS13), cfg.MinVersion)
	require.Equal(t, tls.NoClientCert, cfg.ClientAuth)
}

func TestBuildServerRequiresClientCertWhenVerifyPeerSet(t *testing.T) {
	dir := t.TempDir()
	certPath, keyPath := writeSelfSignedCert(t, dir, "server")

	opts := &Options{
		ServerCertPath: certPath,
		ServerKeyPath:  keyPath,
		VerifyPeer:     true,
	}
	cfg, err := opts.BuildServer()
	require.NoError(t, err)
	require.Equal(t, tls.RequireAndVerifyClientCert, cfg.ClientAuth)
}

func TestBuildClientDefaultsToInsecureWhenVerifyPeerFalse(t *testing.T) {
	opts := &Options{ServerName: "example.test"}
	cfg, err := opts.BuildClient()
	require.NoError(t, err)
	require.True(t, cfg.InsecureSkipVerify)
	require.Equal(t, "example.test", cfg.ServerName)
}

func TestBuildClientLoadsTrustStoreOverride(t *testing.T) {
	dir := t.TempDir()
	certPath, _ := writeSelfSignedCert(t, dir, "ca")

	opts := &Options{VerifyPeer: true, TrustStoreOverride: certPath}
	cfg, err := opts.BuildClient()
	require.NoError(t, err)
	require.False(t, cfg.InsecureSkipVerify)
	require.NotNil(t, cfg.RootCAs)
}

func TestBuildClientTrustStoreOverrideMissingFileErrors(t *testing.T) {
	opts := &Options{TrustStoreOverride: filepath.Join(t.TempDir(), "missing.pem")}
	_, err := opts.BuildClient()
	require.Error(t, err)
}

func TestLoadParsesYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tls.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server_cert: /tmp/server.crt
server_key: /tmp/server.key
verify_peer: true
minimum_version: v1.3
alpn_list:
  - h2
  - http/1.1
`), 0o600))

	opts, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "/tmp/server.crt", opts.ServerCertPath)
	require.True(t, opts.VerifyPeer)
	require.Equal(t, TLSv1_3, opts.MinimumVersion)
	require.Equal(t, []string{"h2", "http/1.1"}, opts.ALPNList)
}
