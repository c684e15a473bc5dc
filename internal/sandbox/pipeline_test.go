package sandbox

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marionet-dev/marionet/internal/errs"
)

func TestPipelineRunsStepsInOrder(t *testing.T) {
	p := newPipeline("test", nil, nil)

	var order []string
	mark := func(name string) step {
		return step{name, func(context.Context) error {
			order = append(order, name)
			return nil
		}}
	}

	err := p.run(context.Background(),
		[]step{mark(StepAcquire), mark(StepDeps), mark(StepDeploy), mark(StepStart), mark(StepHealth)},
		func(context.Context) { t.Fatal("rollback on success") })
	require.NoError(t, err)
	assert.Equal(t, []string{StepAcquire, StepDeps, StepDeploy, StepStart, StepHealth}, order)
}

func TestPipelineRollback(t *testing.T) {
	t.Run("failure after first step rolls back", func(t *testing.T) {
		p := newPipeline("test", nil, nil)
		boom := errors.New("no space left")
		rolledBack := false

		err := p.run(context.Background(), []step{
			{StepAcquire, func(context.Context) error { return nil }},
			{StepDeploy, func(context.Context) error { return boom }},
			{StepHealth, func(context.Context) error {
				t.Fatal("step after failure must not run")
				return nil
			}},
		}, func(context.Context) { rolledBack = true })

		require.Error(t, err)
		assert.True(t, rolledBack)
		assert.Equal(t, errs.KindSandboxCreation, errs.KindOf(err))
		assert.ErrorIs(t, err, boom)
		assert.Contains(t, err.Error(), StepDeploy)
	})

	t.Run("first-step failure skips rollback", func(t *testing.T) {
		p := newPipeline("test", nil, nil)
		err := p.run(context.Background(), []step{
			{StepAcquire, func(context.Context) error { return errors.New("daemon down") }},
		}, func(context.Context) { t.Fatal("nothing to roll back before acquire") })

		require.Error(t, err)
		assert.Equal(t, errs.KindSandboxCreation, errs.KindOf(err))
	})
}

func TestMemo(t *testing.T) {
	m := NewMemo()

	calls := 0
	fn := func() error { calls++; return nil }

	require.NoError(t, m.Ensure("img", fn))
	require.NoError(t, m.Ensure("img", fn))
	assert.Equal(t, 1, calls)

	m.Invalidate("img")
	require.NoError(t, m.Ensure("img", fn))
	assert.Equal(t, 2, calls)

	// A failed run must not be memoized.
	failures := 0
	failing := func() error { failures++; return errors.New("network") }
	require.Error(t, m.Ensure("other", failing))
	require.Error(t, m.Ensure("other", failing))
	assert.Equal(t, 2, failures)
}
