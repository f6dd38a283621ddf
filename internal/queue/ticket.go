package queue

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/keymux/keymux/internal/keypool"
	"github.com/keymux/keymux/internal/models"
)

// Resumption is what the dispatcher hands a waiting request when its turn
// comes: the key leased for the attempt.
type Resumption struct {
	Key *keypool.Key
}

// Ticket is the internal handle for one in-flight client request. It is
// created at admission, lives in the queue until the dispatcher resumes it,
// and is destroyed on terminal success, terminal failure, client abort, or
// stall timeout.
//
// Mutation rules: the dispatcher stamps QueueOutTime, the executor bumps
// RetryCount and the token estimates. Everything else is set once at
// admission.
type Ticket struct {
	ID string

	// Identity is the stable requester identity: user token, shared
	// identity tag, or source address.
	Identity string

	// SharedIdentity marks tickets from a source fronting many users.
	// They get a higher concurrency cap but are scheduled last.
	SharedIdentity bool

	Service         models.Service
	InboundDialect  models.Dialect
	OutboundDialect models.Dialect
	Family          models.Family
	Model           string

	// Body is the parsed inbound client body. The preprocessor pipeline
	// produces OutboundBody from it once, on first admission.
	Body         map[string]any
	OutboundBody []byte

	Stream bool
	Debug  bool

	// BadSSEParser suppresses comment frames and diagnostic events for
	// clients with non-compliant SSE parsers.
	BadSSEParser bool

	StartTime    time.Time
	QueueOutTime time.Time
	RetryCount   int

	// Token estimates written by the tokenizer before normalization.
	PromptTokens int
	OutputTokens int

	// OnHeartbeat, when set on a streaming ticket, is called every
	// heartbeat interval with the current queue position and wait
	// estimate. It must only emit keep-alive frames, never model output.
	OnHeartbeat func(position int, estimate time.Duration)

	// OnTimeout delivers the terminal queue-timeout response when the
	// stall sweep evicts the ticket.
	OnTimeout func()

	// ctx is the client connection context; its cancellation is the abort
	// hook.
	ctx context.Context

	// resume is a single-shot channel the dispatcher sends on. Closed
	// instead when the ticket is aborted or swept.
	resume chan Resumption

	// stop ends the heartbeat and abort watcher goroutines.
	stop chan struct{}

	queued bool
}

// NewTicket creates a ticket for an admitted request. ctx is the client
// connection context; its cancellation removes the ticket from the queue.
func NewTicket(ctx context.Context, identity string, shared bool, service models.Service, model string, body map[string]any, stream bool) *Ticket {
	return &Ticket{
		ID:              uuid.NewString(),
		Identity:        identity,
		SharedIdentity:  shared,
		Service:         service,
		InboundDialect:  models.DialectOpenAI,
		OutboundDialect: models.DialectFor(service),
		Family:          models.Partition(service, model),
		Model:           model,
		Body:            body,
		Stream:          stream,
		StartTime:       time.Now(),
		ctx:             ctx,
		resume:          make(chan Resumption, 1),
		stop:            make(chan struct{}),
	}
}

// Context returns the client connection context.
func (t *Ticket) Context() context.Context { return t.ctx }

// Resume blocks until the dispatcher hands the ticket a key, the client
// goes away, or the ticket is evicted. ok is false when the ticket was
// aborted or swept.
func (t *Ticket) Resume() (Resumption, bool) {
	select {
	case r, ok := <-t.resume:
		return r, ok
	case <-t.ctx.Done():
		return Resumption{}, false
	}
}

// Deliver hands the ticket its resumption. Only the dispatcher calls this,
// and only after Dequeue returned the ticket, so it cannot race the close
// paths in the queue.
func (t *Ticket) Deliver(r Resumption) {
	t.resume <- r
}

// WaitDuration is how long the ticket sat in the queue. Zero until the
// dispatcher stamps QueueOutTime.
func (t *Ticket) WaitDuration() time.Duration {
	if t.QueueOutTime.IsZero() {
		return 0
	}
	return t.QueueOutTime.Sub(t.StartTime)
}
