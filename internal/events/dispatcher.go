package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	gcppubsub "cloud.google.com/go/pubsub/v2"
	"github.com/google/uuid"

	"github.com/platesaver/platesaver-backend/pkg/clock"
	"github.com/platesaver/platesaver-backend/pkg/enums"
	"github.com/platesaver/platesaver-backend/pkg/logger"
)

const (
	defaultQueueSize      = 256
	defaultPublishTimeout = 15 * time.Second
	envelopeVersion       = 1
)

// Publisher is the outbound topic handle the dispatcher publishes to.
type Publisher interface {
	Publish(context.Context, *gcppubsub.Message) PublishResult
}

// PublishResult resolves the outcome of a single publish.
type PublishResult interface {
	Get(context.Context) (string, error)
}

// Envelope is the stable payload shape on the order-events topic.
type Envelope struct {
	Version    int             `json:"version"`
	EventID    string          `json:"eventId"`
	OccurredAt time.Time       `json:"occurredAt"`
	Data       json.RawMessage `json:"data"`
}

type orderEventData struct {
	OrderID string `json:"orderId"`
}

type emission struct {
	kind    enums.EventKind
	orderID uuid.UUID
}

// Dispatcher fans lifecycle events out to Pub/Sub from a single worker
// goroutine. Emit never blocks the caller: a full queue drops the event with
// a warning, and publish failures stay on this side of the fence.
type Dispatcher struct {
	queue   chan emission
	pub     Publisher
	logg    *logger.Logger
	clk     clock.Clock
	timeout time.Duration

	startOnce sync.Once
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// DispatcherParams configure the event dispatcher. QueueSize and
// PublishTimeout fall back to defaults when unset.
type DispatcherParams struct {
	Publisher      Publisher
	Logger         *logger.Logger
	Clock          clock.Clock
	QueueSize      int
	PublishTimeout time.Duration
}

// NewDispatcher builds an event dispatcher.
func NewDispatcher(params DispatcherParams) (*Dispatcher, error) {
	if params.Publisher == nil {
		return nil, fmt.Errorf("publisher required")
	}
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	clk := params.Clock
	if clk == nil {
		clk = clock.NewSystem()
	}
	queueSize := params.QueueSize
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	timeout := params.PublishTimeout
	if timeout <= 0 {
		timeout = defaultPublishTimeout
	}
	return &Dispatcher{
		queue:   make(chan emission, queueSize),
		pub:     params.Publisher,
		logg:    params.Logger,
		clk:     clk,
		timeout: timeout,
	}, nil
}

// Start launches the worker goroutine. Safe to call once.
func (d *Dispatcher) Start() {
	d.startOnce.Do(func() {
		d.wg.Add(1)
		go d.run()
	})
}

// Emit queues an event for asynchronous publication. It never blocks and
// never returns an error to the caller.
func (d *Dispatcher) Emit(ctx context.Context, kind enums.EventKind, orderID uuid.UUID) {
	select {
	case d.queue <- emission{kind: kind, orderID: orderID}:
	default:
		logCtx := d.logg.WithOrderID(ctx, orderID.String())
		logCtx = d.logg.WithField(logCtx, "event_kind", kind.String())
		d.logg.Warn(logCtx, "event queue full, dropping event")
	}
}

// Close stops accepting events, drains the queue, and waits for the worker.
func (d *Dispatcher) Close() {
	d.closeOnce.Do(func() {
		close(d.queue)
	})
	d.wg.Wait()
}

func (d *Dispatcher) run() {
	defer d.wg.Done()
	for e := range d.queue {
		d.publish(e)
	}
}

func (d *Dispatcher) publish(e emission) {
	data, err := json.Marshal(orderEventData{OrderID: e.orderID.String()})
	if err != nil {
		d.logg.Error(context.Background(), "failed to encode event payload", err)
		return
	}
	occurredAt := d.clk.Now()
	envelope := Envelope{
		Version:    envelopeVersion,
		EventID:    uuid.NewString(),
		OccurredAt: occurredAt,
		Data:       data,
	}
	payload, err := json.Marshal(envelope)
	if err != nil {
		d.logg.Error(context.Background(), "failed to encode event envelope", err)
		return
	}

	msg := &gcppubsub.Message{
		Data: payload,
		Attributes: map[string]string{
			"event_id":    envelope.EventID,
			"event_type":  e.kind.String(),
			"order_id":    e.orderID.String(),
			"occurred_at": occurredAt.Format(time.RFC3339Nano),
		},
	}

	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()

	result := d.pub.Publish(ctx, msg)
	if result == nil {
		d.logg.Error(ctx, "publisher returned nil result", nil)
		return
	}
	if _, err := result.Get(ctx); err != nil {
		logCtx := d.logg.WithOrderID(ctx, e.orderID.String())
		logCtx = d.logg.WithField(logCtx, "event_kind", e.kind.String())
		d.logg.Error(logCtx, "order event publish failed", err)
	}
}

// NewGCPPublisher adapts a Pub/Sub publisher handle to the Publisher
// interface.
func NewGCPPublisher(p *gcppubsub.Publisher) Publisher {
	if p == nil {
		return nil
	}
	return &gcpPublisher{inner: p}
}

type gcpPublisher struct {
	inner *gcppubsub.Publisher
}

func (p *gcpPublisher) Publish(ctx context.Context, msg *gcppubsub.Message) PublishResult {
	return p.inner.Publish(ctx, msg)
}
