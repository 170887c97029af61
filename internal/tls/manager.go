// internal/tls/manager.go
package tls

import (
	"crypto/tls"
	"errors"
	"fmt"
	"os"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/crypto/acme/autocert"

	"invite-gate/internal/util"
)

type TLSManager struct {
	config   *TLSConfig
	autoCert *autocert.Manager

	fileOnce sync.Once
	fileCert *tls.Certificate
	fileErr  error
}

type TLSConfig struct {
	EnableTLS   bool
	AutoCert    bool
	Domain      string
	CertFile    string
	KeyFile     string
	AutoCertDir string
	Email       string
	Environment string
}

func NewTLSManager(config *TLSConfig) *TLSManager {
	manager := &TLSManager{
		config: config,
	}

	if config.AutoCert && config.EnableTLS {
		manager.setupAutoCert()
	}

	return manager
}

func (m *TLSManager) setupAutoCert() {
	if err := os.MkdirAll(m.config.AutoCertDir, 0700); err != nil {
		util.Warn("Could not create autocert directory", zap.Error(err))
		return
	}

	m.autoCert = &autocert.Manager{
		Prompt:     autocert.AcceptTOS,
		HostPolicy: autocert.HostWhitelist(m.config.Domain),
		Cache:      autocert.DirCache(m.config.AutoCertDir),
		Email:      m.config.Email,
	}

	util.Info("AutoCert configured",
		zap.String("domain", m.config.Domain),
		zap.String("cache_dir", m.config.AutoCertDir))
}

// GetCertificate serves the ACME certificate when autocert is on and falls
// back to the configured key pair.
func (m *TLSManager) GetCertificate(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
	if m.autoCert != nil {
		cert, err := m.autoCert.GetCertificate(hello)
		if err == nil {
			return cert, nil
		}
		util.Warn("AutoCert certificate unavailable, trying key pair",
			zap.String("server_name", hello.ServerName), zap.Error(err))
	}
	return m.loadFileCert()
}

func (m *TLSManager) loadFileCert() (*tls.Certificate, error) {
	m.fileOnce.Do(func() {
		if m.config.CertFile == "" || m.config.KeyFile == "" {
			m.fileErr = errors.New("no TLS certificate configured: set AUTO_CERT or TLS_CERT_FILE/TLS_KEY_FILE")
			return
		}
		cert, err := tls.LoadX509KeyPair(m.config.CertFile, m.config.KeyFile)
		if err != nil {
			m.fileErr = fmt.Errorf("failed to load TLS key pair: %w", err)
			return
		}
		m.fileCert = &cert
		util.Info("Loaded TLS key pair", zap.String("cert_file", m.config.CertFile))
	})
	return m.fileCert, m.fileErr
}

// Validate fails fast when TLS is enabled without any certificate source.
func (m *TLSManager) Validate() error {
	if !m.config.EnableTLS || m.autoCert != nil {
		return nil
	}
	_, err := m.loadFileCert()
	return err
}

func (m *TLSManager) GetTLSConfig() *tls.Config {
	cfg := &tls.Config{
		GetCertificate: m.GetCertificate,
		NextProtos:     []string{"h2", "http/1.1"},
		MinVersion:     tls.VersionTLS12,
		CurvePreferences: []tls.CurveID{
			tls.X25519,
			tls.CurveP256,
		},
		CipherSuites: []uint16{
			tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305,
			tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305,
			tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
			tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
		},
	}
	if m.autoCert != nil {
		cfg.NextProtos = append(cfg.NextProtos, "acme-tls/1")
	}
	return cfg
}

// GetAutocertManager exposes the ACME manager for the HTTP-01 challenge listener.
func (m *TLSManager) GetAutocertManager() *autocert.Manager {
	return m.autoCert
}
