// File: internal/token/persist_test.go
package token

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testEnvVar = "OP_SERVICE_ACCOUNT_TOKEN"

func newTestPersister(t *testing.T, profilePath string) *Persister {
	t.Helper()
	p := NewPersister(profilePath, testEnvVar, zap.NewNop())
	p.now = func() time.Time {
		return time.Date(2025, 6, 1, 12, 30, 45, 0, time.UTC)
	}
	return p
}

func TestSaveAppendsExportToExistingProfile(t *testing.T) {
	profile := filepath.Join(t.TempDir(), ".zshrc")
	require.NoError(t, os.WriteFile(profile, []byte("alias ll='ls -la'\n"), 0o644))

	p := newTestPersister(t, profile)
	tok := validToken()
	res := p.Save(tok)

	require.NoError(t, res.Err)
	assert.True(t, res.Success)
	assert.True(t, res.Verified)
	assert.Equal(t, testEnvVar, res.EnvVar)
	assert.Equal(t, profile+".backup.20250601_123045", res.BackupPath)

	data, err := os.ReadFile(profile)
	require.NoError(t, err)
	content := string(data)
	assert.Contains(t, content, "alias ll='ls -la'")
	assert.Contains(t, content, "# 1Password Service Account Token - Created 20250601_123045")
	assert.Contains(t, content, `export OP_SERVICE_ACCOUNT_TOKEN="`+tok+`"`)

	backup, err := os.ReadFile(res.BackupPath)
	require.NoError(t, err)
	assert.Equal(t, "alias ll='ls -la'\n", string(backup))

	fi, err := os.Stat(profile)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), fi.Mode().Perm())
}

func TestSaveCreatesMissingProfileWithoutBackup(t *testing.T) {
	profile := filepath.Join(t.TempDir(), ".zshrc")

	p := newTestPersister(t, profile)
	res := p.Save(validToken())

	require.NoError(t, res.Err)
	assert.True(t, res.Success)
	assert.Empty(t, res.BackupPath)

	data, err := os.ReadFile(profile)
	require.NoError(t, err)
	assert.Contains(t, string(data), "export OP_SERVICE_ACCOUNT_TOKEN=")
}

func TestSaveReplacesExistingExportLine(t *testing.T) {
	profile := filepath.Join(t.TempDir(), ".zshrc")
	old := "export OP_SERVICE_ACCOUNT_TOKEN=\"ops_oldtoken\"\nalias g=git\n"
	require.NoError(t, os.WriteFile(profile, []byte(old), 0o644))

	p := newTestPersister(t, profile)
	tok := validToken()
	res := p.Save(tok)

	require.NoError(t, res.Err)
	data, err := os.ReadFile(profile)
	require.NoError(t, err)
	content := string(data)
	assert.NotContains(t, content, "ops_oldtoken")
	assert.Contains(t, content, tok)
	assert.Equal(t, 1, strings.Count(content, "export OP_SERVICE_ACCOUNT_TOKEN="))
	assert.Contains(t, content, "alias g=git")
}

func TestSaveIsIdempotent(t *testing.T) {
	profile := filepath.Join(t.TempDir(), ".zshrc")
	p := newTestPersister(t, profile)
	tok := validToken()

	require.True(t, p.Save(tok).Success)
	require.True(t, p.Save(tok).Success)

	data, err := os.ReadFile(profile)
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(string(data), "export OP_SERVICE_ACCOUNT_TOKEN="))
}

func TestSaveRejectsInvalidToken(t *testing.T) {
	profile := filepath.Join(t.TempDir(), ".zshrc")
	p := newTestPersister(t, profile)

	res := p.Save("ops_tooshort")

	require.Error(t, res.Err)
	assert.False(t, res.Success)
	assert.Contains(t, res.Err.Error(), "invalid token format")
	// Nothing was touched.
	_, err := os.Stat(profile)
	assert.True(t, os.IsNotExist(err))
}

func TestSaveRestoresBackupOnWriteFailure(t *testing.T) {
	profile := filepath.Join(t.TempDir(), ".zshrc")
	original := "alias ll='ls -la'\n"
	require.NoError(t, os.WriteFile(profile, []byte(original), 0o644))

	p := newTestPersister(t, profile)
	p.writeFile = func(name string, data []byte, perm os.FileMode) error {
		if name == profile {
			return errors.New("disk full")
		}
		return os.WriteFile(name, data, perm)
	}

	res := p.Save(validToken())

	require.Error(t, res.Err)
	assert.False(t, res.Success)
	assert.NotEmpty(t, res.BackupPath)

	data, err := os.ReadFile(profile)
	require.NoError(t, err)
	assert.Equal(t, original, string(data))
}

func TestSaveFollowsSymlink(t *testing.T) {
	dir := t.TempDir()
	real := filepath.Join(dir, "real_profile")
	require.NoError(t, os.WriteFile(real, []byte("# profile\n"), 0o644))
	link := filepath.Join(dir, ".zshrc")
	require.NoError(t, os.Symlink(real, link))

	p := newTestPersister(t, link)
	tok := validToken()
	res := p.Save(tok)

	require.NoError(t, res.Err)
	data, err := os.ReadFile(real)
	require.NoError(t, err)
	assert.Contains(t, string(data), tok)
	assert.Equal(t, real+".backup.20250601_123045", res.BackupPath)
}

func TestUpsertExportLine(t *testing.T) {
	tok := validToken()

	t.Run("appends with comment", func(t *testing.T) {
		got := upsertExportLine("alias g=git\n", testEnvVar, tok, "20250601_123045")
		assert.True(t, strings.HasPrefix(got, "alias g=git\n"))
		assert.Contains(t, got, "# 1Password Service Account Token - Created 20250601_123045")
		assert.True(t, strings.HasSuffix(got, "\n"))
	})

	t.Run("adds trailing newline before appending", func(t *testing.T) {
		got := upsertExportLine("alias g=git", testEnvVar, tok, "ts")
		assert.Contains(t, got, "alias g=git\n")
	})

	t.Run("replaces in place", func(t *testing.T) {
		content := "a\nexport " + testEnvVar + "=old\nb\n"
		got := upsertExportLine(content, testEnvVar, tok, "ts")
		assert.NotContains(t, got, "=old")
		assert.Equal(t, 1, strings.Count(got, "export "+testEnvVar+"="))
		assert.NotContains(t, got, "# 1Password Service Account Token", "replacement must not add a second comment")
	})

	t.Run("does not touch other variables", func(t *testing.T) {
		content := "export OTHER_VAR=keep\n"
		got := upsertExportLine(content, testEnvVar, tok, "ts")
		assert.Contains(t, got, "export OTHER_VAR=keep")
	})
}
