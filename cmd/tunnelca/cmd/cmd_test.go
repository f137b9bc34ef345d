package cmd

import (
	"bytes"
	"crypto/x509"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/tunnelca/pki"
	"github.com/jmcleod/tunnelca/token"
)

func run(t *testing.T, args ...string) string {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs(args)
	require.NoError(t, rootCmd.ExecuteContext(t.Context()), out.String())
	return out.String()
}

func TestEnvName(t *testing.T) {
	assert.Equal(t, "TUNNELCA_DATA_DIR", envName("data-dir"))
	assert.Equal(t, "TUNNELCA_AUTHORITY_KEY_ID", envName("authority-key-id"))
}

func TestLoadEnv(t *testing.T) {
	dir := t.TempDir()
	envPath := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(envPath, []byte("TUNNELCA_NAME=from-file\n"), 0o600))
	t.Setenv("TUNNELCA_COUNT", "7")
	t.Setenv("TUNNELCA_FIXED", "ignored")

	var name, fixed string
	var count int
	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.StringVar(&name, "name", "", "")
	flags.IntVar(&count, "count", 0, "")
	flags.StringVar(&fixed, "fixed", "", "")
	require.NoError(t, flags.Parse([]string{"--fixed=cli"}))

	prev := envFile
	envFile = envPath
	defer func() { envFile = prev }()
	// Registers cleanup for the variable godotenv is about to set.
	t.Setenv("TUNNELCA_NAME", "")
	require.NoError(t, os.Unsetenv("TUNNELCA_NAME"))

	require.NoError(t, loadEnv(flags))
	assert.Equal(t, "from-file", name)
	assert.Equal(t, 7, count)
	assert.Equal(t, "cli", fixed)

	t.Setenv("TUNNELCA_COUNT", "many")
	flags.Lookup("count").Changed = false
	assert.Error(t, loadEnv(flags))
}

func TestLoadEnvMissingFile(t *testing.T) {
	prev := envFile
	envFile = filepath.Join(t.TempDir(), "absent.env")
	defer func() { envFile = prev }()

	assert.NoError(t, loadEnv(pflag.NewFlagSet("test", pflag.ContinueOnError)))
}

func TestNewLogger(t *testing.T) {
	_, err := newLogger("json", "debug")
	require.NoError(t, err)
	_, err = newLogger("text", "warn")
	require.NoError(t, err)

	_, err = newLogger("xml", "info")
	assert.Error(t, err)
	_, err = newLogger("text", "loud")
	assert.Error(t, err)
}

func TestParseUsages(t *testing.T) {
	usages, err := parseUsages([]string{"clientAuth", "ServerAuth"})
	require.NoError(t, err)
	assert.Equal(t, []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageServerAuth}, usages)

	_, err = parseUsages([]string{"teleport"})
	assert.ErrorIs(t, err, pki.ErrUnsupportedUsage)
}

func TestParsePEMCertificates(t *testing.T) {
	ca, err := pki.NewFactory().CreateAuthority("CN=Test CA", nil, nil)
	require.NoError(t, err)
	keyPEM, err := pki.EncodePrivateKeyPEM(ca.PrivateKey)
	require.NoError(t, err)

	data := append(keyPEM, pki.EncodeCertificatePEM(ca.Certificate)...)
	certs, err := parsePEMCertificates(data)
	require.NoError(t, err)
	require.Len(t, certs, 1)
	assert.Equal(t, ca.Certificate.Raw, certs[0].Raw)

	_, err = parsePEMCertificates(keyPEM)
	assert.ErrorIs(t, err, pki.ErrCryptoFailure)
}

func TestCommands(t *testing.T) {
	dir := t.TempDir()
	common := []string{"--env-file", "", "--data-dir", filepath.Join(dir, "data"), "--log-level", "error"}
	adminOut := filepath.Join(dir, "admin.pfx")
	metricsOut := filepath.Join(dir, "metrics.prom")

	out := run(t, append([]string{"init", "-q", "--domain", "example.test", "--admin-out", adminOut,
		"--metrics-file", metricsOut}, common...)...)
	assert.Contains(t, out, "Admin password:")
	assert.FileExists(t, adminOut)
	metricsText, err := os.ReadFile(metricsOut)
	require.NoError(t, err)
	assert.Contains(t, string(metricsText), "tunnelca_pki_certificates_issued_total")

	rootCmd.SetArgs(append([]string{"init", "-q", "--admin-out", adminOut, "--metrics-file", ""}, common...))
	assert.Error(t, rootCmd.ExecuteContext(t.Context()))

	t.Run("issue", func(t *testing.T) {
		base := filepath.Join(dir, "alice.pfx")
		out := run(t, append([]string{"issue", "alice", "--password", "pw", "--out", base, "--pem"}, common...)...)
		assert.Contains(t, out, base)
		for _, path := range []string{base, base + ".crt", base + ".key", base + ".ca.crt"} {
			assert.FileExists(t, path)
		}

		out = run(t, append([]string{"inspect", base + ".crt", "--json"}, common...)...)
		var infos []pki.CertificateInfo
		require.NoError(t, json.Unmarshal([]byte(out), &infos))
		require.Len(t, infos, 1)
		assert.Equal(t, "CN=alice", infos[0].Subject)
		assert.Equal(t, []string{"clientAuth"}, infos[0].ExtKeyUsages)
	})

	t.Run("inspect stored", func(t *testing.T) {
		out := run(t, append([]string{"inspect", "--stored", "server-chain", "--json=false"}, common...)...)
		assert.Contains(t, out, "example.test")
		assert.Contains(t, out, "CA:           true")
	})

	t.Run("token", func(t *testing.T) {
		out := run(t, append([]string{"token", "alice", "--ttl", "5m"}, common...)...)
		var pair token.Pair
		require.NoError(t, json.Unmarshal([]byte(out), &pair))
		require.NotEmpty(t, pair.Access.Value)

		out = run(t, append([]string{"token", "verify", pair.Access.Value}, common...)...)
		assert.Contains(t, out, "User:     alice")
		assert.Contains(t, out, "Kind:     access")
	})
}
