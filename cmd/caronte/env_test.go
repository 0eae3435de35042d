package main

import (
	"testing"
	"time"

	"github.com/hupe1980/golog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFlagEnvName(t *testing.T) {
	env := newFlagEnv(envPrefix)

	assert.Equal(t, "CARONTE_CERT_FILE", env.name("cert-file"))
	assert.Equal(t, "CARONTE_ADDRESS", env.name("address"))
}

func TestFlagEnvApply(t *testing.T) {
	t.Setenv("CARONTE_ADDRESS", ":9999")
	t.Setenv("CARONTE_TUNNEL_IDLE_TIMEOUT", "5s")
	t.Setenv("CARONTE_USERNAME", "from-env")

	cmd := rootCommand()
	require.NoError(t, cmd.Flags().Parse([]string{"--username", "from-flag"}))
	require.NoError(t, newFlagEnv(envPrefix).apply(cmd.Flags()))

	fs := cmd.Flags()

	addr, err := fs.GetString("address")
	require.NoError(t, err)
	assert.Equal(t, ":9999", addr)

	timeout, err := fs.GetDuration("tunnel-idle-timeout")
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, timeout)

	// Command line flags win over the environment.
	user, err := fs.GetString("username")
	require.NoError(t, err)
	assert.Equal(t, "from-flag", user)
}

func TestFlagEnvApplyInvalidValues(t *testing.T) {
	t.Setenv("CARONTE_MAX_TUNNELS", "many")
	t.Setenv("CARONTE_HTTP_KEEPALIVE", "sometimes")

	cmd := rootCommand()
	require.NoError(t, cmd.Flags().Parse(nil))

	err := newFlagEnv(envPrefix).apply(cmd.Flags())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid CARONTE_MAX_TUNNELS")
	assert.Contains(t, err.Error(), "invalid CARONTE_HTTP_KEEPALIVE")
}

func TestFlagEnvIgnoresEmptyValues(t *testing.T) {
	t.Setenv("CARONTE_ADDRESS", "")

	cmd := rootCommand()
	require.NoError(t, cmd.Flags().Parse(nil))
	require.NoError(t, newFlagEnv(envPrefix).apply(cmd.Flags()))

	addr, err := cmd.Flags().GetString("address")
	require.NoError(t, err)
	assert.Equal(t, ":8080", addr)
}

func TestParseLevel(t *testing.T) {
	level, err := parseLevel("DEBUG")
	require.NoError(t, err)
	assert.Equal(t, golog.DEBUG, level)

	_, err = parseLevel("verbose")
	assert.Error(t, err)
}

func TestUsageMentionsEnv(t *testing.T) {
	cmd := rootCommand()

	f := cmd.Flags().Lookup("cert-file")
	require.NotNil(t, f)
	assert.Contains(t, f.Usage, "(env CARONTE_CERT_FILE)")
}
