package client

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/marionet-dev/marionet/internal/errs"
	"github.com/marionet-dev/marionet/internal/protocol"
	"github.com/marionet-dev/marionet/internal/shared/id"
)

// Outcome is one command settlement, delivered exactly once per id.
type Outcome struct {
	Result json.RawMessage
	Err    error
}

type pendingCommand struct {
	id        string
	method    string
	createdAt time.Time
	timer     *time.Timer
	done      chan Outcome // buffered, settled exactly once
}

// Queue correlates outgoing requests to asynchronous results by id,
// independent of transport. Entries are deleted before settlement, which
// makes double-settlement structurally unreachable: whoever removes the
// entry owns the one settlement, everyone else finds the table empty.
type Queue struct {
	mu             sync.Mutex
	pending        map[string]*pendingCommand
	defaultTimeout time.Duration
	maxPending     int
}

// NewQueue creates a command queue. maxPending bounds in-flight depth;
// zero means the default of 256.
func NewQueue(defaultTimeout time.Duration, maxPending int) *Queue {
	if defaultTimeout <= 0 {
		defaultTimeout = 30 * time.Second
	}
	if maxPending <= 0 {
		maxPending = 256
	}
	return &Queue{
		pending:        make(map[string]*pendingCommand),
		defaultTimeout: defaultTimeout,
		maxPending:     maxPending,
	}
}

// Create allocates a fresh id, starts the timeout timer and returns the
// settlement channel. The channel receives exactly one Outcome.
func (q *Queue) Create(method string, timeout time.Duration) (string, <-chan Outcome, error) {
	if timeout <= 0 {
		timeout = q.defaultTimeout
	}

	cmdID := id.NewCommandID().String()
	p := &pendingCommand{
		id:        cmdID,
		method:    method,
		createdAt: time.Now(),
		done:      make(chan Outcome, 1),
	}

	q.mu.Lock()
	if len(q.pending) >= q.maxPending {
		q.mu.Unlock()
		return "", nil, errs.New(errs.KindCommandFailed, "queue.Create",
			"too many commands in flight")
	}
	q.pending[cmdID] = p
	// Timer assignment stays inside the critical section so a settlement
	// racing this insert observes a fully built entry.
	p.timer = time.AfterFunc(timeout, func() {
		q.settle(cmdID, Outcome{Err: errs.New(errs.KindCommandTimeout, method,
			"command timed out")})
	})
	q.mu.Unlock()

	return cmdID, p.done, nil
}

// HandleResult settles the pending entry matching the message id. Late or
// duplicate results find no entry and are silently dropped.
func (q *Queue) HandleResult(msg *protocol.Message) {
	var out Outcome
	if msg.OK {
		out = Outcome{Result: msg.Result}
	} else {
		code, text := "", "command failed"
		if msg.Error != nil {
			code, text = msg.Error.Code, msg.Error.Message
		}
		out = Outcome{Err: errs.Remote(msg.Method, code, text)}
	}
	q.settle(msg.ID, out)
}

// Cancel rejects a single pending command, used when a send fails after
// registration.
func (q *Queue) Cancel(cmdID string, err error) {
	q.settle(cmdID, Outcome{Err: err})
}

// CancelAll rejects every pending command with the supplied error and
// leaves the queue empty.
func (q *Queue) CancelAll(err error) {
	q.mu.Lock()
	drained := q.pending
	q.pending = make(map[string]*pendingCommand)
	q.mu.Unlock()

	for _, p := range drained {
		if p.timer != nil {
			p.timer.Stop()
		}
		p.done <- Outcome{Err: err}
	}
}

// Len returns the number of in-flight commands.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// settle removes the entry and delivers the outcome. The timeout firing and
// result arrival race here; whichever deletes the entry first wins and the
// loser is a no-op.
func (q *Queue) settle(cmdID string, out Outcome) {
	q.mu.Lock()
	p, ok := q.pending[cmdID]
	if ok {
		delete(q.pending, cmdID)
	}
	q.mu.Unlock()

	if !ok {
		return
	}
	if p.timer != nil {
		p.timer.Stop()
	}
	p.done <- out
}
