package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("GCP_ACCOUNT_NAMES", "alpha,beta")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.MaxProjectsPerBilling)
	assert.Equal(t, 300*time.Second, cfg.UpdateInterval)
	assert.Equal(t, 600*time.Second, cfg.TaskTimeout)
	assert.Equal(t, 3, cfg.MaxRetries)
	assert.Equal(t, 1*time.Second, cfg.BaseRetryDelay)
	assert.Equal(t, 60*time.Second, cfg.MaxRetryDelay)
	assert.True(t, cfg.EnableJitter)
	assert.True(t, cfg.EnableAutoSwitch)
	assert.Equal(t, 8, cfg.MaxWorkers)
	assert.Equal(t, 10, cfg.MaxQPSPerAccount)
	assert.Equal(t, ":8848", cfg.ConsoleAddr)
	assert.Equal(t, "none", cfg.Archive.Backend)
	assert.False(t, cfg.UseMySQL())

	require.Len(t, cfg.Identities, 2)
	assert.Equal(t, "alpha", cfg.Identities[0].Name)
	assert.Equal(t, "/app/credentials/alpha.json", cfg.Identities[0].CredentialsFile)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("GCP_ACCOUNT_NAMES", "alpha")
	t.Setenv("MAX_PROJECTS_PER_BILLING", "5")
	t.Setenv("UPDATE_INTERVAL", "60")
	t.Setenv("ENABLE_AUTO_SWITCH", "false")
	t.Setenv("CREDENTIALS_DIR", "/tmp/creds")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 5, cfg.MaxProjectsPerBilling)
	assert.Equal(t, 60*time.Second, cfg.UpdateInterval)
	assert.False(t, cfg.EnableAutoSwitch)
	assert.Equal(t, "/tmp/creds/alpha.json", cfg.Identities[0].CredentialsFile)
}

func TestLoad_NoIdentities(t *testing.T) {
	t.Setenv("GCP_ACCOUNT_NAMES", "")

	_, err := Load()
	assert.Error(t, err)
}

func TestLoad_DuplicateIdentities(t *testing.T) {
	t.Setenv("GCP_ACCOUNT_NAMES", "alpha,alpha")

	_, err := Load()
	assert.ErrorContains(t, err, "duplicate identity")
}

func TestLoad_MySQLPartial(t *testing.T) {
	t.Setenv("GCP_ACCOUNT_NAMES", "alpha")
	t.Setenv("MYSQL_HOST", "db:3306")

	_, err := Load()
	assert.ErrorContains(t, err, "must be set together")
}

func TestLoad_IdentitiesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "identities.yaml")
	doc := `identities:
  - name: alpha
    credentials_file: /secrets/alpha.json
  - name: beta
    credentials_file: /secrets/beta.json
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))

	t.Setenv("IDENTITIES_FILE", path)
	t.Setenv("GCP_ACCOUNT_NAMES", "ignored")

	cfg, err := Load()
	require.NoError(t, err)
	require.Len(t, cfg.Identities, 2)
	assert.Equal(t, "/secrets/beta.json", cfg.Identities[1].CredentialsFile)
}

func TestLoad_IdentitiesFileInvalid(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "identities.yaml")
	require.NoError(t, os.WriteFile(path, []byte("identities:\n  - name: alpha\n"), 0o600))

	t.Setenv("IDENTITIES_FILE", path)

	_, err := Load()
	assert.ErrorContains(t, err, "credentials_file")
}

func TestMySQLConfig_DSN(t *testing.T) {
	m := MySQLConfig{User: "u", Password: "p", Host: "db:3306", DB: "billing"}
	assert.Equal(t, "u:p@tcp(db:3306)/billing?parseTime=false&multiStatements=true", m.DSN())
}

func TestValidate_RetryBounds(t *testing.T) {
	cfg := &Config{
		Identities:            []Identity{{Name: "a", CredentialsFile: "a.json"}},
		MaxProjectsPerBilling: 3,
		MaxWorkers:            8,
		MaxQPSPerAccount:      10,
		MaxRetries:            3,
		BaseRetryDelay:        2 * time.Minute,
		MaxRetryDelay:         time.Minute,
	}
	assert.ErrorContains(t, cfg.Validate(), "BASE_RETRY_DELAY")
}
