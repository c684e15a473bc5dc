package sandbox

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marionet-dev/marionet/internal/errs"
)

func TestLoopbackProviderLifecycle(t *testing.T) {
	provider := NewLoopbackProvider(LoopbackOptions{})
	ctx := context.Background()

	info, err := provider.Create(ctx, CreateOptions{})
	require.NoError(t, err)
	assert.Equal(t, StatusReady, info.Status)
	assert.Equal(t, "loopback", info.Provider)
	assert.NotEmpty(t, info.ControlEndpoint)
	assert.Equal(t, endpointDomain(info.ControlEndpoint), info.Domain)
	assert.True(t, provider.Ready(ctx, info.ID.String()))
	assert.Equal(t, info, provider.Get(info.ID.String()))

	require.NoError(t, provider.Destroy(ctx, info.ID.String()))
	assert.Equal(t, StatusDestroyed, info.Status)
	assert.False(t, provider.Ready(ctx, info.ID.String()))
	assert.Nil(t, provider.Get(info.ID.String()))

	// A second destroy of the same id is a clean no-op.
	require.NoError(t, provider.Destroy(ctx, info.ID.String()))
}

func TestLoopbackProviderAuthToken(t *testing.T) {
	provider := NewLoopbackProvider(LoopbackOptions{Auth: true})
	ctx := context.Background()

	info, err := provider.Create(ctx, CreateOptions{})
	require.NoError(t, err)
	defer provider.Destroy(ctx, info.ID.String())

	assert.NotEmpty(t, info.AuthToken)
}

func TestLoopbackProviderReadyTimeout(t *testing.T) {
	provider := NewLoopbackProvider(LoopbackOptions{PollInterval: 10 * time.Millisecond})
	ctx := context.Background()

	// An already expired context lets provisioning reach the health
	// step but never pass it.
	expired, cancel := context.WithCancel(ctx)
	cancel()

	_, err := provider.Create(expired, CreateOptions{ReadyTimeout: 50 * time.Millisecond})
	require.Error(t, err)
	assert.Equal(t, errs.KindSandboxCreation, errs.KindOf(err))
	assert.Contains(t, err.Error(), StepHealth)
}

func TestManagerWithLoopbackProvider(t *testing.T) {
	provider := NewLoopbackProvider(LoopbackOptions{Auth: true})
	mgr := NewManager(ManagerOptions{Provider: provider})
	ctx := context.Background()

	handle, err := mgr.Create(ctx, CreateOptions{})
	require.NoError(t, err)
	require.True(t, handle.Client.Connected())

	res, err := handle.Client.Navigate(ctx, "https://example.com/home", nil)
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/home", res.URL)

	require.NoError(t, mgr.Destroy(ctx, handle.Info.ID))
	assert.False(t, provider.Ready(ctx, handle.Info.ID.String()))
	assert.Equal(t, 0, mgr.Size())
}
