package serde

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestGenerateAndLoad(t *testing.T) {
	certPEM, keyPEM, err := GenerateSelfSigned([]string{"localhost", "127.0.0.1"}, time.Hour)
	require.NoError(t, err)

	dir := t.TempDir()
	certPath := filepath.Join(dir, "cert.pem")
	keyPath := filepath.Join(dir, "key.pem")
	require.NoError(t, os.WriteFile(certPath, certPEM, 0o644))
	require.NoError(t, os.WriteFile(keyPath, keyPEM, 0o600))

	cert, err := LoadServerIdentity(certPath, keyPath)
	require.NoError(t, err)
	require.NotNil(t, cert.Leaf)
	require.Equal(t, []string{"localhost"}, cert.Leaf.DNSNames)
	require.Len(t, cert.Leaf.IPAddresses, 1)
	require.NoError(t, cert.Leaf.VerifyHostname("127.0.0.1"))
}

func TestMismatchedIdentity(t *testing.T) {
	certPEM, _, err := GenerateSelfSigned([]string{"localhost"}, time.Hour)
	require.NoError(t, err)
	_, otherKeyPEM, err := GenerateSelfSigned([]string{"localhost"}, time.Hour)
	require.NoError(t, err)
	_, err = ParseServerIdentity(certPEM, otherKeyPEM)
	require.Error(t, err)
}

func TestLoadMissing(t *testing.T) {
	dir := t.TempDir()
	_, err := LoadServerIdentity(filepath.Join(dir, "cert.pem"), filepath.Join(dir, "key.pem"))
	require.Error(t, err)
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestPrivateKeyPEM(t *testing.T) {
	_, keyPEM, err := GenerateSelfSigned([]string{"localhost"}, time.Hour)
	require.NoError(t, err)
	privKey, err := ParsePrivateKeyPEM(keyPEM)
	require.NoError(t, err)
	data, err := MarshalPrivateKeyPEM(privKey)
	require.NoError(t, err)
	require.Equal(t, keyPEM, data)

	_, err = ParsePrivateKeyPEM([]byte("not pem"))
	require.Error(t, err)
}

func TestDeriveResetKey(t *testing.T) {
	certPEM, keyPEM, err := GenerateSelfSigned([]string{"localhost"}, time.Hour)
	require.NoError(t, err)
	cert, err := ParseServerIdentity(certPEM, keyPEM)
	require.NoError(t, err)

	k1, err := DeriveResetKey(cert)
	require.NoError(t, err)
	k2, err := DeriveResetKey(cert)
	require.NoError(t, err)
	require.Equal(t, k1, k2)
	require.NotEqual(t, [32]byte{}, k1)

	certPEM2, keyPEM2, err := GenerateSelfSigned([]string{"localhost"}, time.Hour)
	require.NoError(t, err)
	cert2, err := ParseServerIdentity(certPEM2, keyPEM2)
	require.NoError(t, err)
	k3, err := DeriveResetKey(cert2)
	require.NoError(t, err)
	require.NotEqual(t, k1, k3)
}
