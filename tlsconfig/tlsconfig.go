// Package tlsconfig implements the tls_ctx_options surface of spec §6 and
// its YAML-driven configuration loading (SPEC_FULL ambient "Configuration"
// stack), mirroring how cuemby-warren externalizes connection options
// into YAML rather than hardcoding them.
package tlsconfig

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// MinimumVersion enumerates the TLS versions spec §6 recognizes.
type MinimumVersion string

const (
	TLSv1_0 MinimumVersion = "v1.0"
	TLSv1_1 MinimumVersion = "v1.1"
	TLSv1_2 MinimumVersion = "v1.2"
	TLSv1_3 MinimumVersion = "v1.3"
)

func (m MinimumVersion) goVersion() uint16 {
	switch m {
	case TLSv1_0:
		return tls.VersionTLS10
	case TLSv1_1:
		return tls.VersionTLS11
	case TLSv1_2:
		return tls.VersionTLS12
	case TLSv1_3:
		return tls.VersionTLS13
	default:
		return tls.VersionTLS12
	}
}

// Options is tls_ctx_options (spec §6): alpn_list, server_name,
// verify_peer, minimum_version, trust_store_override, one of
// client_mtls/server_from_path/pkcs12, and timeout_ms.
type Options struct {
	ALPNList           []string       `yaml:"alpn_list,omitempty"`
	ServerName         string         `yaml:"server_name,omitempty"`
	VerifyPeer         bool           `yaml:"verify_peer"`
	MinimumVersion     MinimumVersion `yaml:"minimum_version,omitempty"`
	TrustStoreOverride string         `yaml:"trust_store_override,omitempty"`

	ClientCertPath string `yaml:"client_cert,omitempty"`
	ClientKeyPath  string `yaml:"client_key,omitempty"`

	ServerCertPath string `yaml:"server_cert,omitempty"`
	ServerKeyPath  string `yaml:"server_key,omitempty"`

	PKCS12Path     string `yaml:"pkcs12_path,omitempty"`
	PKCS12Password string `yaml:"pkcs12_password,omitempty"`

	TimeoutMS int64 `yaml:"timeout_ms"`
}

// Load reads Options from a YAML file (SPEC_FULL ambient configuration).
func Load(path string) (*Options, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("tlsconfig: read %s: %w", path, err)
	}
	var opts Options
	if err := yaml.Unmarshal(data, &opts); err != nil {
		return nil, fmt.Errorf("tlsconfig: parse %s: %w", path, err)
	}
	return &opts, nil
}

// BuildClient produces a *tls.Config for the client role from Options.
func (o *Options) BuildClient() (*tls.Config, error) {
	cfg := &tls.Config{
		ServerName:         o.ServerName,
		InsecureSkipVerify: !o.VerifyPeer,
		MinVersion:         o.MinimumVersion.goVersion(),
		NextProtos:         o.ALPNList,
	}
	if err := o.applyTrustStore(cfg); err != nil {
		return nil, err
	}
	if o.ClientCertPath != "" {
		cert, err := tls.LoadX509KeyPair(o.ClientCertPath, o.ClientKeyPath)
		if err != nil {
			return nil, fmt.Errorf("tlsconfig: client_mtls keypair: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	return cfg, nil
}

// BuildServer produces a *tls.Config for the server role from Options.
func (o *Options) BuildServer() (*tls.Config, error) {
	cfg := &tls.Config{
		MinVersion: o.MinimumVersion.goVersion(),
		NextProtos: o.ALPNList,
	}
	if o.VerifyPeer {
		cfg.ClientAuth = tls.RequireAndVerifyClientCert
	}
	if err := o.applyTrustStore(cfg); err != nil {
		return nil, err
	}
	if o.ServerCertPath != "" {
		cert, err := tls.LoadX509KeyPair(o.ServerCertPath, o.ServerKeyPath)
		if err != nil {
			return nil, fmt.Errorf("tlsconfig: server_from_path keypair: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	return cfg, nil
}

func (o *Options) applyTrustStore(cfg *tls.Config) error {
	if o.TrustStoreOverride == "" {
		return nil
	}
	pem, err := os.ReadFile(o.TrustStoreOverride)
	if err != nil {
		return fmt.Errorf("tlsconfig: trust_store_override: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return fmt.Errorf("tlsconfig: trust_store_override: no certificates parsed from %s", o.TrustStoreOverride)
	}
	cfg.RootCAs = pool
	cfg.ClientCAs = pool
	return nil
}
