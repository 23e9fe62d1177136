package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// resetViper gives each test a fresh viper with the production bindings.
func resetViper(t *testing.T) {
	t.Helper()
	viper.Reset()
	Init()
	t.Cleanup(viper.Reset)
}

func TestLoadWithdrawalPolicy(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		resetViper(t)

		p := LoadWithdrawalPolicy()
		assert.Equal(t, int64(100000), p.ApprovalThreshold)
		assert.Equal(t, int64(10000000), p.MaxAmount)
		assert.Equal(t, 90*time.Second, p.LockTTL)
	})

	t.Run("no configured admins denies everyone", func(t *testing.T) {
		resetViper(t)

		p := LoadWithdrawalPolicy()
		assert.Empty(t, p.AdminEmails)
		assert.False(t, p.IsAdmin("admin@example.com"))
	})

	t.Run("environment overrides", func(t *testing.T) {
		t.Setenv("WITHDRAWAL_APPROVAL_THRESHOLD", "5000")
		t.Setenv("WITHDRAWAL_LOCK_TTL", "2m")
		t.Setenv("ADMIN_EMAILS", " Ops@Ganamos.earth , second@example.com,")
		resetViper(t)

		p := LoadWithdrawalPolicy()
		assert.Equal(t, int64(5000), p.ApprovalThreshold)
		assert.Equal(t, 2*time.Minute, p.LockTTL)
		assert.Equal(t, []string{"Ops@Ganamos.earth", "second@example.com"}, p.AdminEmails)
	})

	t.Run("dotenv file is honored", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), ".env")
		require.NoError(t, os.WriteFile(path, []byte(
			"ADMIN_EMAILS=ops@ganamos.earth\n"+
				"WITHDRAWAL_APPROVAL_THRESHOLD=2500\n"+
				"WITHDRAWAL_MAX_AMOUNT=50000\n"+
				"DEVICE_SATS_PER_COIN=250\n"), 0o600))
		resetViper(t)
		viper.SetConfigFile(path)
		require.NoError(t, ReadFile())

		p := LoadWithdrawalPolicy()
		assert.Equal(t, []string{"ops@ganamos.earth"}, p.AdminEmails)
		assert.True(t, p.IsAdmin("OPS@ganamos.earth"))
		assert.False(t, p.IsAdmin("admin@example.com"))
		assert.Equal(t, int64(2500), p.ApprovalThreshold)
		assert.Equal(t, int64(50000), p.MaxAmount)
		assert.Equal(t, int64(250), LoadDevicePolicy().SatsPerCoin)
	})

	t.Run("environment beats dotenv file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), ".env")
		require.NoError(t, os.WriteFile(path, []byte("WITHDRAWAL_APPROVAL_THRESHOLD=2500\n"), 0o600))
		t.Setenv("WITHDRAWAL_APPROVAL_THRESHOLD", "7000")
		resetViper(t)
		viper.SetConfigFile(path)
		require.NoError(t, ReadFile())

		assert.Equal(t, int64(7000), LoadWithdrawalPolicy().ApprovalThreshold)
	})

	t.Run("invalid values fall back", func(t *testing.T) {
		t.Setenv("WITHDRAWAL_APPROVAL_THRESHOLD", "lots")
		resetViper(t)

		assert.Equal(t, int64(100000), LoadWithdrawalPolicy().ApprovalThreshold)
	})
}

func TestWithdrawalPolicy_IsAdmin(t *testing.T) {
	p := &WithdrawalPolicy{AdminEmails: []string{"Admin@Example.com"}}

	assert.True(t, p.IsAdmin("admin@example.com"))
	assert.True(t, p.IsAdmin("  ADMIN@example.com "))
	assert.False(t, p.IsAdmin("user@example.com"))
	assert.False(t, p.IsAdmin(""))
}

func TestLoadAlexaConfig(t *testing.T) {
	viper.Set("alexa.redirect_uris", "https://layla.amazon.com/api/skill/link/M1, https://pitangui.amazon.com/api/skill/link/M1,")
	viper.Set("alexa.token_ttl", "48h")
	defer viper.Set("alexa.redirect_uris", nil)
	defer viper.Set("alexa.token_ttl", nil)

	c := LoadAlexaConfig()
	assert.Len(t, c.RedirectURIs, 2)
	assert.Equal(t, 48*time.Hour, c.TokenTTL)
	assert.True(t, c.AllowsRedirect("https://pitangui.amazon.com/api/skill/link/M1"))
	assert.False(t, c.AllowsRedirect("https://pitangui.amazon.com/api/skill/link/M1/"))
	assert.False(t, c.AllowsRedirect("https://evil.example.com"))
}
