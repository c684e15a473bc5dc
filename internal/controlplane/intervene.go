package controlplane

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/marionet-dev/marionet/internal/protocol"
	"github.com/marionet-dev/marionet/internal/shared/id"
)

// Ticket is one open human intervention. Done is closed when the person
// finishes; ResolvedAt is valid after that.
type Ticket struct {
	ID         string
	ViewerURL  string
	Done       <-chan struct{}
	ResolvedAt func() time.Time
}

// Intervener opens human interventions. The production implementation
// hands the viewer URL to an operator console; tests and dev use
// AutoIntervener.
type Intervener interface {
	Open(ctx context.Context, sessionID string, params protocol.InterventionParams) (*Ticket, error)
}

// AutoIntervener resolves every intervention after a fixed delay.
type AutoIntervener struct {
	Delay     time.Duration
	ViewerURL string
}

// Open implements Intervener.
func (a *AutoIntervener) Open(ctx context.Context, _ string, _ protocol.InterventionParams) (*Ticket, error) {
	intvID := id.NewInterventionID().String()
	viewerURL := a.ViewerURL
	if viewerURL == "" {
		// Viewer tokens are opaque; uuids keep them unguessable.
		viewerURL = "https://viewer.invalid/" + uuid.NewString()
	}

	done := make(chan struct{})
	var resolvedAt time.Time
	delay := a.Delay
	if delay <= 0 {
		delay = 10 * time.Millisecond
	}

	go func() {
		select {
		case <-time.After(delay):
			resolvedAt = time.Now()
			close(done)
		case <-ctx.Done():
		}
	}()

	return &Ticket{
		ID:         intvID,
		ViewerURL:  viewerURL,
		Done:       done,
		ResolvedAt: func() time.Time { return resolvedAt },
	}, nil
}
