package tls

import (
	"crypto/tls"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidate_RequiresCertificateSource(t *testing.T) {
	m := NewTLSManager(&TLSConfig{EnableTLS: true})
	require.Error(t, m.Validate())

	_, err := m.GetCertificate(&tls.ClientHelloInfo{ServerName: "gate.example"})
	assert.Error(t, err)
}

func TestValidate_DisabledTLS(t *testing.T) {
	assert.NoError(t, NewTLSManager(&TLSConfig{}).Validate())
}

func TestGetTLSConfig(t *testing.T) {
	m := NewTLSManager(&TLSConfig{EnableTLS: true, AutoCert: true, Domain: "gate.example", AutoCertDir: t.TempDir()})
	require.NotNil(t, m.GetAutocertManager())
	require.NoError(t, m.Validate())

	cfg := m.GetTLSConfig()
	assert.Equal(t, uint16(tls.VersionTLS12), cfg.MinVersion)
	assert.Contains(t, cfg.NextProtos, "acme-tls/1")
}
