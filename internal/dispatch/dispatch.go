// Package dispatch runs one consumer loop per input queue and executes every
// decoded message as an independent unit of work.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ashureev/askstream/internal/domain"
	"github.com/lithammer/shortuuid/v4"
	amqp "github.com/rabbitmq/amqp091-go"
	"golang.org/x/sync/semaphore"
)

// Info identifies who a message belongs to. Any field may be empty.
type Info struct {
	UserID         string
	ConversationID string
	SessionID      string
}

// Unit is one decoded message ready to run.
type Unit interface {
	Run(ctx context.Context) error
}

// Flow decodes the messages of one queue into units.
type Flow interface {
	Name() string
	// Decode parses body. Info is returned on a best-effort basis even when
	// decoding fails.
	Decode(body []byte) (Unit, Info, error)
}

// Rejecter is implemented by flows that notify the requester when a message is
// dropped as invalid.
type Rejecter interface {
	Reject(ctx context.Context, info Info, err error)
}

// Recorder journals unit lifecycles.
type Recorder interface {
	StartUnit(ctx context.Context, rec *domain.UnitRecord) error
	FinishUnit(ctx context.Context, id string, status domain.UnitStatus, errKind, detail string) error
	DropMessage(ctx context.Context, rec *domain.UnitRecord) error
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithRecorder journals every unit through r.
func WithRecorder(r Recorder) Option {
	return func(d *Dispatcher) { d.recorder = r }
}

// WithMaxInFlight bounds the number of concurrently running units. Zero or
// less means unbounded.
func WithMaxInFlight(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.sem = semaphore.NewWeighted(int64(n))
		} else {
			d.sem = nil
		}
	}
}

// Dispatcher consumes deliveries for one flow.
type Dispatcher struct {
	flow     Flow
	recorder Recorder
	sem      *semaphore.Weighted
	log      *slog.Logger

	// mu orders wg.Add against Wait: once stopping is set no unit starts.
	mu       sync.Mutex
	stopping bool
	wg       sync.WaitGroup
	inFlight atomic.Int64
}

// New creates a dispatcher for flow.
func New(flow Flow, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		flow: flow,
		log:  slog.With("flow", flow.Name()),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Name returns the flow name.
func (d *Dispatcher) Name() string {
	return d.flow.Name()
}

// InFlight returns the number of units currently running.
func (d *Dispatcher) InFlight() int64 {
	return d.inFlight.Load()
}

// Consume reads deliveries until ctx is cancelled or the channel closes. It
// never waits for a unit to finish. Units keep running after ctx is cancelled;
// use Wait to drain them.
func (d *Dispatcher) Consume(ctx context.Context, deliveries <-chan amqp.Delivery) error {
	unitCtx := context.WithoutCancel(ctx)
	d.log.Info("Consumer started")

	for {
		select {
		case <-ctx.Done():
			d.log.Info("Consumer stopping", "reason", ctx.Err())
			return nil
		case del, ok := <-deliveries:
			if !ok {
				d.log.Error("Delivery channel closed")
				return ErrDeliveriesClosed
			}
			d.handle(ctx, unitCtx, del)
		}
	}
}

func (d *Dispatcher) handle(ctx, unitCtx context.Context, del amqp.Delivery) {
	unit, info, err := d.flow.Decode(del.Body)
	if err != nil {
		kind := KindOf(err)
		if kind != KindValidation {
			kind = KindDecode
		}
		d.log.Warn("Dropping message",
			"message_id", del.MessageId,
			"kind", kind,
			"session_id", info.SessionID,
			"error", err)
		d.drop(unitCtx, del, info, kind, err.Error())

		if r, ok := d.flow.(Rejecter); ok && kind == KindValidation && info.SessionID != "" && d.track() {
			go func() {
				defer d.wg.Done()
				r.Reject(unitCtx, info, err)
			}()
		}
		return
	}

	if d.sem != nil {
		if err := d.sem.Acquire(ctx, 1); err != nil {
			d.log.Warn("Consumer stopped while saturated, message lost",
				"message_id", del.MessageId,
				"session_id", info.SessionID)
			d.drop(unitCtx, del, info, KindBackend, "consumer stopped before unit started")
			return
		}
	}

	if !d.track() {
		if d.sem != nil {
			d.sem.Release(1)
		}
		d.log.Warn("Dispatcher stopping, message lost",
			"message_id", del.MessageId,
			"session_id", info.SessionID)
		d.drop(unitCtx, del, info, KindBackend, "dispatcher stopping before unit started")
		return
	}

	rec := &domain.UnitRecord{
		ID:             shortuuid.New(),
		Flow:           d.flow.Name(),
		MessageID:      del.MessageId,
		UserID:         info.UserID,
		ConversationID: info.ConversationID,
		SessionID:      info.SessionID,
		Status:         domain.UnitRunning,
		StartedAt:      time.Now(),
	}
	if d.recorder != nil {
		if err := d.recorder.StartUnit(unitCtx, rec); err != nil {
			d.log.Warn("Failed to journal unit start", "unit_id", rec.ID, "error", err)
		}
	}

	d.inFlight.Add(1)
	go d.run(unitCtx, unit, rec)
}

// track registers one goroutine with the wait group unless Wait has begun.
func (d *Dispatcher) track() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopping {
		return false
	}
	d.wg.Add(1)
	return true
}

func (d *Dispatcher) run(ctx context.Context, unit Unit, rec *domain.UnitRecord) {
	defer func() {
		d.inFlight.Add(-1)
		if d.sem != nil {
			d.sem.Release(1)
		}
		d.wg.Done()
	}()

	logger := d.log.With("unit_id", rec.ID, "session_id", rec.SessionID)
	err := safeRun(ctx, unit)
	elapsed := time.Since(rec.StartedAt)

	status := domain.UnitCompleted
	var kind Kind
	var detail string
	if err != nil {
		status = domain.UnitFailed
		kind = KindOf(err)
		detail = err.Error()
		logger.Error("Unit failed", "kind", kind, "duration", elapsed, "error", err)
	} else {
		logger.Info("Unit completed", "duration", elapsed)
	}

	if d.recorder != nil {
		if err := d.recorder.FinishUnit(ctx, rec.ID, status, string(kind), detail); err != nil {
			logger.Warn("Failed to journal unit result", "error", err)
		}
	}
}

func safeRun(ctx context.Context, unit Unit) (err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Unit panicked", "panic", r, "stack", string(debug.Stack()))
			err = &UnitError{Kind: KindPanic, Err: fmt.Errorf("panic: %v", r)}
		}
	}()
	return unit.Run(ctx)
}

func (d *Dispatcher) drop(ctx context.Context, del amqp.Delivery, info Info, kind Kind, detail string) {
	if d.recorder == nil {
		return
	}
	rec := &domain.UnitRecord{
		ID:             shortuuid.New(),
		Flow:           d.flow.Name(),
		MessageID:      del.MessageId,
		UserID:         info.UserID,
		ConversationID: info.ConversationID,
		SessionID:      info.SessionID,
		ErrorKind:      string(kind),
		Detail:         detail,
	}
	if err := d.recorder.DropMessage(ctx, rec); err != nil {
		d.log.Warn("Failed to journal dropped message", "error", err)
	}
}

// Wait blocks until every started unit has finished or ctx is done. Messages
// the consumer hands over after Wait begins are dropped instead of started.
func (d *Dispatcher) Wait(ctx context.Context) error {
	d.mu.Lock()
	d.stopping = true
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		d.log.Warn("Units still running at shutdown", "in_flight", d.InFlight())
		return ctx.Err()
	}
}
