package errs

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorFormatting(t *testing.T) {
	cause := errors.New("dial tcp: refused")

	tests := []struct {
		name string
		err  *Error
		want string
	}{
		{"op and cause", Wrap(KindConnectionFailed, "client.Connect", cause),
			"client.Connect: connection_failed: dial tcp: refused"},
		{"op only", New(KindNotConnected, "client.Navigate", "not connected"),
			"client.Navigate: not connected"},
		{"message overrides kind", Wrapf(KindSandboxCreation, "docker.create", cause, "step deploy failed"),
			"docker.create: step deploy failed: dial tcp: refused"},
		{"bare kind", &Error{Kind: KindSandboxTimeout},
			"sandbox_timeout"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.err.Error())
		})
	}
}

func TestKindExtraction(t *testing.T) {
	inner := Wrap(KindSandboxTimeout, "health", errors.New("deadline"))
	outer := fmt.Errorf("provisioning: %w", inner)

	assert.Equal(t, KindSandboxTimeout, KindOf(outer))
	assert.True(t, Is(outer, KindSandboxTimeout))
	assert.False(t, Is(outer, KindSandboxCreation))
	assert.Equal(t, KindUnknown, KindOf(errors.New("plain")))
	assert.Equal(t, KindUnknown, KindOf(nil))
}

func TestRemoteCodes(t *testing.T) {
	err := Remote("client.Click", CodeSelectorNotFound, "no node matched")
	assert.Equal(t, KindCommandFailed, KindOf(err))
	assert.Equal(t, CodeSelectorNotFound, CodeOf(err))

	// Codes the engine may add later still classify as command failures.
	future := Remote("client.Call", "teleport_blocked", "nope")
	assert.Equal(t, KindCommandFailed, KindOf(future))
	assert.Equal(t, "teleport_blocked", CodeOf(future))

	assert.Empty(t, CodeOf(errors.New("plain")))
}

func TestUnwrapChain(t *testing.T) {
	cause := errors.New("root")
	err := Wrap(KindProvider, "docker.Destroy", cause)
	assert.ErrorIs(t, err, cause)
}
