package main

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marionet-dev/marionet/internal/infrastructure/config"
	"github.com/marionet-dev/marionet/internal/infrastructure/logging"
)

func testEnv() *cliEnv {
	return &cliEnv{cfg: config.Default(), logger: logging.NewNop()}
}

func TestNewProviderSelection(t *testing.T) {
	ctx := context.Background()

	t.Run("loopback needs no daemon", func(t *testing.T) {
		provider, err := newProvider(ctx, testEnv(), "loopback", "")
		require.NoError(t, err)
		assert.Equal(t, "loopback", provider.Name())
	})

	t.Run("sprite reads config section", func(t *testing.T) {
		env := testEnv()
		env.cfg.Sprite.Addr = "10.0.0.5:22"
		provider, err := newProvider(ctx, env, "sprite", "")
		require.NoError(t, err)
		assert.Equal(t, "sprite", provider.Name())
	})

	t.Run("sprite without host is rejected", func(t *testing.T) {
		_, err := newProvider(ctx, testEnv(), "sprite", "")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "host address")
	})

	t.Run("unknown name is rejected", func(t *testing.T) {
		_, err := newProvider(ctx, testEnv(), "firecracker", "")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unknown provider")
	})
}

func TestDiscoverRequiresSupport(t *testing.T) {
	ctx := context.Background()
	provider, err := newProvider(ctx, testEnv(), "loopback", "")
	require.NoError(t, err)

	_, err = discover(ctx, provider)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not support discovery")
}
