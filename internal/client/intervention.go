package client

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/marionet-dev/marionet/internal/errs"
	"github.com/marionet-dev/marionet/internal/protocol"
	"github.com/marionet-dev/marionet/internal/shared/id"
)

// InterventionCreated is the acknowledgment of an intervention request.
// It carries where a human can take over; it never settles the request.
type InterventionCreated struct {
	RequestID      string
	InterventionID string
	ViewerURL      string
}

// Intervention is the terminal result of a completed intervention.
type Intervention struct {
	RequestID      string
	InterventionID string
	ViewerURL      string
	ResolvedAt     time.Time
}

// InterventionOptions tunes one intervention request.
type InterventionOptions struct {
	// Timeout bounds the wait for completion; zero waits until the
	// context is done.
	Timeout time.Duration
	// OnCreated is invoked once when the remote side acknowledges
	// creation. It must not block; it runs on the dispatch goroutine.
	OnCreated func(InterventionCreated)
}

type interventionOutcome struct {
	result *Intervention
	err    error
}

type pendingIntervention struct {
	id             string
	reason         string
	instructions   string
	interventionID string
	viewerURL      string
	timer          *time.Timer
	done           chan interventionOutcome
	onCreated      func(InterventionCreated)
}

// RequestIntervention asks a human to take over. The returned value settles
// only when a distinct "completed" message arrives; the "created"
// acknowledgment alone never resolves it, even when it arrives first.
func (c *Client) RequestIntervention(ctx context.Context, reason, instructions string, opts *InterventionOptions) (*Intervention, error) {
	if !c.conn.Connected() {
		return nil, errs.New(errs.KindNotConnected, "client.RequestIntervention", "not connected")
	}

	reqID := id.NewCommandID().String()
	p := &pendingIntervention{
		id:           reqID,
		reason:       reason,
		instructions: instructions,
		done:         make(chan interventionOutcome, 1),
	}
	if opts != nil {
		p.onCreated = opts.OnCreated
	}

	c.intMu.Lock()
	c.intPending[reqID] = p
	c.intMu.Unlock()

	if opts != nil && opts.Timeout > 0 {
		p.timer = time.AfterFunc(opts.Timeout, func() {
			c.settleIntervention(reqID, interventionOutcome{
				err: errs.New(errs.KindCommandTimeout, "client.RequestIntervention",
					"intervention not completed in time"),
			})
		})
	}

	params, err := protocol.MarshalParams(protocol.InterventionParams{
		Reason:       reason,
		Instructions: instructions,
	})
	if err != nil {
		c.removeIntervention(reqID)
		return nil, errs.Wrap(errs.KindCommandFailed, "client.RequestIntervention", err)
	}

	msg := &protocol.Message{
		ID:     reqID,
		Type:   protocol.TypeInterventionRequest,
		Params: params,
	}
	if err := c.conn.Send(msg); err != nil {
		c.removeIntervention(reqID)
		return nil, err
	}

	c.logger.Info("intervention requested",
		zap.String("request_id", reqID), zap.String("reason", reason))

	select {
	case out := <-p.done:
		if out.err != nil {
			c.metrics.InterventionsTotal.WithLabelValues("failed").Inc()
			return nil, out.err
		}
		c.metrics.InterventionsTotal.WithLabelValues("completed").Inc()
		return out.result, nil
	case <-ctx.Done():
		c.removeIntervention(reqID)
		c.metrics.InterventionsTotal.WithLabelValues("cancelled").Inc()
		return nil, errs.Wrap(errs.KindCommandTimeout, "client.RequestIntervention", ctx.Err())
	}
}

// interventionCreated enriches the pending entry and notifies the optional
// callback. Deliberately does not settle.
func (c *Client) interventionCreated(msg *protocol.Message) {
	c.intMu.Lock()
	p, ok := c.intPending[msg.ID]
	if ok {
		p.interventionID = msg.InterventionID
		p.viewerURL = msg.ViewerURL
	}
	c.intMu.Unlock()

	if !ok {
		return
	}
	c.logger.Info("intervention created",
		zap.String("intervention_id", msg.InterventionID),
		zap.String("viewer_url", msg.ViewerURL))

	if p.onCreated != nil {
		p.onCreated(InterventionCreated{
			RequestID:      msg.ID,
			InterventionID: msg.InterventionID,
			ViewerURL:      msg.ViewerURL,
		})
	}
}

func (c *Client) interventionCompleted(msg *protocol.Message) {
	c.intMu.Lock()
	p, ok := c.intPending[msg.ID]
	c.intMu.Unlock()
	if !ok {
		return
	}

	interventionID := msg.InterventionID
	if interventionID == "" {
		interventionID = p.interventionID
	}
	resolvedAt := time.Now()
	if msg.ResolvedAt > 0 {
		resolvedAt = time.UnixMilli(msg.ResolvedAt)
	}

	c.settleIntervention(msg.ID, interventionOutcome{
		result: &Intervention{
			RequestID:      msg.ID,
			InterventionID: interventionID,
			ViewerURL:      p.viewerURL,
			ResolvedAt:     resolvedAt,
		},
	})
}

// settleIntervention removes the entry and delivers the outcome once.
func (c *Client) settleIntervention(reqID string, out interventionOutcome) {
	c.intMu.Lock()
	p, ok := c.intPending[reqID]
	if ok {
		delete(c.intPending, reqID)
	}
	c.intMu.Unlock()

	if !ok {
		return
	}
	if p.timer != nil {
		p.timer.Stop()
	}
	p.done <- out
}

// removeIntervention drops the entry without settling, used when the
// caller already has an error to return.
func (c *Client) removeIntervention(reqID string) {
	c.intMu.Lock()
	p, ok := c.intPending[reqID]
	if ok {
		delete(c.intPending, reqID)
	}
	c.intMu.Unlock()

	if ok && p.timer != nil {
		p.timer.Stop()
	}
}

// failInterventions rejects every pending intervention, used on disconnect
// and close.
func (c *Client) failInterventions(err error) {
	c.intMu.Lock()
	drained := c.intPending
	c.intPending = make(map[string]*pendingIntervention)
	c.intMu.Unlock()

	for _, p := range drained {
		if p.timer != nil {
			p.timer.Stop()
		}
		p.done <- interventionOutcome{err: err}
	}
}
