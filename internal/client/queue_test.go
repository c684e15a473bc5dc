package client

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marionet-dev/marionet/internal/errs"
	"github.com/marionet-dev/marionet/internal/protocol"
)

func TestQueueSettlement(t *testing.T) {
	t.Run("result settles pending command", func(t *testing.T) {
		q := NewQueue(time.Second, 0)
		cmdID, done, err := q.Create("navigate", 0)
		require.NoError(t, err)

		q.HandleResult(&protocol.Message{
			ID:     cmdID,
			Type:   protocol.TypeResult,
			OK:     true,
			Result: json.RawMessage(`{"url":"https://example.com"}`),
		})

		out := <-done
		require.NoError(t, out.Err)
		assert.JSONEq(t, `{"url":"https://example.com"}`, string(out.Result))
		assert.Equal(t, 0, q.Len())
	})

	t.Run("error result carries remote code", func(t *testing.T) {
		q := NewQueue(time.Second, 0)
		cmdID, done, err := q.Create("click", 0)
		require.NoError(t, err)

		q.HandleResult(&protocol.Message{
			ID:     cmdID,
			Type:   protocol.TypeResult,
			Method: "click",
			Error:  &protocol.RemoteError{Code: errs.CodeSelectorNotFound, Message: "no match"},
		})

		out := <-done
		require.Error(t, out.Err)
		assert.Equal(t, errs.KindCommandFailed, errs.KindOf(out.Err))
		assert.Equal(t, errs.CodeSelectorNotFound, errs.CodeOf(out.Err))
	})

	t.Run("unmatched result is dropped silently", func(t *testing.T) {
		q := NewQueue(time.Second, 0)
		assert.NotPanics(t, func() {
			q.HandleResult(&protocol.Message{ID: "cmd_unknown", Type: protocol.TypeResult, OK: true})
		})
	})
}

func TestQueueTimeout(t *testing.T) {
	t.Run("timeout before result rejects with command-timeout", func(t *testing.T) {
		q := NewQueue(time.Second, 0)
		_, done, err := q.Create("evaluate", 20*time.Millisecond)
		require.NoError(t, err)

		out := <-done
		require.Error(t, out.Err)
		assert.Equal(t, errs.KindCommandTimeout, errs.KindOf(out.Err))
		assert.Equal(t, 0, q.Len())
	})

	t.Run("result first leaves timer inert", func(t *testing.T) {
		q := NewQueue(time.Second, 0)
		cmdID, done, err := q.Create("evaluate", 30*time.Millisecond)
		require.NoError(t, err)

		q.HandleResult(&protocol.Message{ID: cmdID, Type: protocol.TypeResult, OK: true})
		out := <-done
		require.NoError(t, out.Err)

		// Past the timer's deadline nothing further is delivered.
		time.Sleep(60 * time.Millisecond)
		select {
		case extra := <-done:
			t.Fatalf("unexpected second settlement: %+v", extra)
		default:
		}
	})
}

func TestQueueCancelAll(t *testing.T) {
	q := NewQueue(time.Minute, 0)

	var dones []<-chan Outcome
	var ids []string
	for i := 0; i < 5; i++ {
		cmdID, done, err := q.Create("navigate", 0)
		require.NoError(t, err)
		ids = append(ids, cmdID)
		dones = append(dones, done)
	}

	cause := errs.New(errs.KindConnectionFailed, "test", "connection closed")
	q.CancelAll(cause)

	for _, done := range dones {
		out := <-done
		assert.Equal(t, errs.KindConnectionFailed, errs.KindOf(out.Err))
	}
	assert.Equal(t, 0, q.Len())

	// Late results for cancelled ids are no-ops.
	for _, cmdID := range ids {
		q.HandleResult(&protocol.Message{ID: cmdID, Type: protocol.TypeResult, OK: true})
	}
	assert.Equal(t, 0, q.Len())
}

func TestQueueBoundedDepth(t *testing.T) {
	q := NewQueue(time.Minute, 2)

	_, _, err := q.Create("a", 0)
	require.NoError(t, err)
	_, _, err = q.Create("b", 0)
	require.NoError(t, err)

	_, _, err = q.Create("c", 0)
	require.Error(t, err)
	assert.Equal(t, errs.KindCommandFailed, errs.KindOf(err))
	assert.Equal(t, 2, q.Len())
}

func TestQueueConcurrentSettlement(t *testing.T) {
	q := NewQueue(time.Minute, 1024)

	const n = 200
	type entry struct {
		id   string
		done <-chan Outcome
	}
	entries := make([]entry, 0, n)
	for i := 0; i < n; i++ {
		cmdID, done, err := q.Create("navigate", 0)
		require.NoError(t, err)
		entries = append(entries, entry{cmdID, done})
	}

	// Race results against a concurrent CancelAll; every command must
	// settle exactly once either way.
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for _, e := range entries {
			q.HandleResult(&protocol.Message{ID: e.id, Type: protocol.TypeResult, OK: true})
		}
	}()
	go func() {
		defer wg.Done()
		q.CancelAll(errs.New(errs.KindConnectionFailed, "test", "dropped"))
	}()
	wg.Wait()

	for _, e := range entries {
		select {
		case <-e.done:
		case <-time.After(time.Second):
			t.Fatal("command never settled")
		}
	}
	assert.Equal(t, 0, q.Len())
}
