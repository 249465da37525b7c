// Package queue implements the queue dispatcher (§4.B): named queues per
// worker kind, an actor registry, at-least-once delivery, cooperative
// cancellation, and retry with bounded exponential backoff. Backed by NATS
// JetStream, grounded on the teacher's event bus
// (internal/eventbus/bus.go's handler registry + fire-and-forget publish)
// generalized from an in-process hook-event bus to a durable task queue.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/nats-io/nats.go"

	"github.com/EulerSearch/embedding-studio-sub001/internal/apperrors"
	"github.com/EulerSearch/embedding-studio-sub001/internal/idgen"
)

// Envelope is the message body published on a queue's subject (§4.B
// "sending a task enqueues {queue, task_id, broker_id}").
type Envelope struct {
	Queue    string `json:"queue"`
	TaskID   string `json:"task_id"`
	BrokerID string `json:"broker_id"`
}

// Actor is a registered handler identified by name, draining one named
// queue. Multiple actors may register against the same queue; they are
// invoked in priority order (lowest first), matching the teacher's handler
// dispatch order (internal/eventbus/handler.go). brokerID identifies this
// particular delivery to the dispatcher's cancellation table (§4.B abort,
// §5): an actor polls Dispatcher.IsCanceled(brokerID) at its own checkpoints
// to observe a cooperative cancel request mid-run.
type Actor interface {
	ID() string
	Queue() string
	Priority() int
	Handle(ctx context.Context, taskID, brokerID string) error
}

// RetryPolicy bounds how many times a transient failure is retried before
// the dispatcher gives up and leaves the task for the caller to inspect
// (§4.B "retried with bounded exponential backoff up to N attempts").
type RetryPolicy struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

func (p RetryPolicy) backoff() backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.InitialBackoff
	bo.MaxInterval = p.MaxBackoff
	bo.MaxElapsedTime = 0 // bounded by MaxRetries via backoff.WithMaxRetries instead
	return backoff.WithMaxRetries(bo, uint64(p.MaxRetries))
}

// Dispatcher is the queue dispatcher (§4.B). One Dispatcher serves every
// queue registered with it; each queue gets its own JetStream stream and
// durable consumer.
type Dispatcher struct {
	nc     *nats.Conn
	js     nats.JetStreamContext
	policy RetryPolicy
	logger *slog.Logger

	mu        sync.RWMutex
	actors    map[string][]Actor // queue name -> actors, sorted by priority
	canceled  map[string]bool    // broker_id -> aborted
	onStart   []func(ctx context.Context) error
}

// New connects to NATS and returns a Dispatcher ready for actor
// registration. A queue's stream is created lazily by Register or by the
// first Send to it.
func New(natsURL string, policy RetryPolicy, logger *slog.Logger) (*Dispatcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	nc, err := nats.Connect(natsURL)
	if err != nil {
		return nil, apperrors.UnavailableDependency("queue.connect: %v", err)
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, apperrors.UnavailableDependency("queue.jetstream: %v", err)
	}
	return &Dispatcher{
		nc:       nc,
		js:       js,
		policy:   policy,
		logger:   logger,
		actors:   make(map[string][]Actor),
		canceled: make(map[string]bool),
	}, nil
}

func streamName(queue string) string  { return "TASKQ_" + queue }
func subjectName(queue string) string { return "tasks." + queue }
func cancelSubject(brokerID string) string { return "cancel." + brokerID }

func (d *Dispatcher) ensureStream(queue string) error {
	name := streamName(queue)
	_, err := d.js.StreamInfo(name)
	if err == nil {
		return nil
	}
	_, err = d.js.AddStream(&nats.StreamConfig{
		Name:     name,
		Subjects: []string{subjectName(queue)},
		Storage:  nats.FileStorage,
	})
	if err != nil {
		return apperrors.UnavailableDependency("queue.ensure_stream %s: %v", queue, err)
	}
	return nil
}

// Register adds an actor to its queue's registry (§4.B "An Actor is a
// registered handler identified by name").
func (d *Dispatcher) Register(a Actor) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	actors := append(d.actors[a.Queue()], a)
	sort.Slice(actors, func(i, j int) bool { return actors[i].Priority() < actors[j].Priority() })
	d.actors[a.Queue()] = actors
	return d.ensureStream(a.Queue())
}

// RegisterOnStart adds a hook invoked once after the queue connection is
// live (§4.B "where workers may warm-initialize their plugin-specific
// model repositories").
func (d *Dispatcher) RegisterOnStart(fn func(ctx context.Context) error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onStart = append(d.onStart, fn)
}

// Send enqueues taskID on queue and returns the freshly generated
// broker_id (§4.B send()).
func (d *Dispatcher) Send(ctx context.Context, queue, taskID string) (string, error) {
	if err := d.ensureStream(queue); err != nil {
		return "", err
	}
	brokerID := idgen.NewBrokerID()
	env := Envelope{Queue: queue, TaskID: taskID, BrokerID: brokerID}
	data, err := json.Marshal(env)
	if err != nil {
		return "", apperrors.Internal("queue.send marshal", err)
	}
	if _, err := d.js.Publish(subjectName(queue), data, nats.Context(ctx)); err != nil {
		return "", apperrors.UnavailableDependency("queue.send publish: %v", err)
	}
	return brokerID, nil
}

// Abort sends a cooperative cancellation signal observed by workers at
// suspension points (§4.B abort, §5 cancellation). Publish is
// fire-and-forget: an in-flight worker not yet subscribed to the cancel
// subject will observe IsCanceled on its next checkpoint poll instead.
func (d *Dispatcher) Abort(brokerID string) {
	d.mu.Lock()
	d.canceled[brokerID] = true
	d.mu.Unlock()

	if _, err := d.nc.Request(cancelSubject(brokerID), nil, 0); err != nil {
		d.logger.Debug("queue: abort notify best-effort failed", "broker_id", brokerID, "err", err)
	}
}

// IsCanceled reports whether brokerID has been aborted. Workers call this
// at each suspension point (§5).
func (d *Dispatcher) IsCanceled(brokerID string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.canceled[brokerID]
}

// Serve runs the on-start hooks then blocks, draining every registered
// queue's durable JetStream consumer until ctx is canceled. Each queue runs
// its own goroutine — the "cooperative scheduler drains named queues"
// description from §5 is realized as one goroutine per queue, each
// processing one message at a time so cancellation checks between
// messages are meaningful.
func (d *Dispatcher) Serve(ctx context.Context) error {
	d.mu.RLock()
	hooks := append([]func(ctx context.Context) error{}, d.onStart...)
	queues := make([]string, 0, len(d.actors))
	for q := range d.actors {
		queues = append(queues, q)
	}
	d.mu.RUnlock()

	for _, hook := range hooks {
		if err := hook(ctx); err != nil {
			return apperrors.Internal("queue.on_start", err)
		}
	}

	// Aborts may come from another process (the cancel command opens its
	// own Dispatcher), so every cancel.<broker_id> message is recorded in
	// this process's table as well.
	cancelSub, err := d.nc.Subscribe(cancelSubject("*"), func(m *nats.Msg) {
		brokerID := m.Subject[len(cancelSubject("")):]
		d.mu.Lock()
		d.canceled[brokerID] = true
		d.mu.Unlock()
	})
	if err != nil {
		return apperrors.UnavailableDependency("queue.subscribe_cancel: %v", err)
	}
	defer cancelSub.Unsubscribe()

	var wg sync.WaitGroup
	for _, queue := range queues {
		wg.Add(1)
		go func(queue string) {
			defer wg.Done()
			d.serveQueue(ctx, queue)
		}(queue)
	}
	wg.Wait()
	return nil
}

func (d *Dispatcher) serveQueue(ctx context.Context, queue string) {
	sub, err := d.js.PullSubscribe(subjectName(queue), "controlplane-"+queue)
	if err != nil {
		d.logger.Error("queue: pull subscribe failed", "queue", queue, "err", err)
		return
	}
	defer sub.Unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		msgs, err := sub.Fetch(1, nats.MaxWait(2*time.Second))
		if err != nil {
			if err == nats.ErrTimeout {
				continue
			}
			d.logger.Warn("queue: fetch error", "queue", queue, "err", err)
			continue
		}
		for _, msg := range msgs {
			d.handleMessage(ctx, queue, msg)
		}
	}
}

func (d *Dispatcher) handleMessage(ctx context.Context, queue string, msg *nats.Msg) {
	var env Envelope
	if err := json.Unmarshal(msg.Data, &env); err != nil {
		d.logger.Error("queue: malformed envelope", "queue", queue, "err", err)
		_ = msg.Ack() // drop poison messages rather than redeliver forever
		return
	}

	d.mu.RLock()
	actors := append([]Actor{}, d.actors[queue]...)
	d.mu.RUnlock()

	for _, actor := range actors {
		if d.IsCanceled(env.BrokerID) {
			break
		}
		if err := d.runWithRetry(ctx, actor, env.TaskID, env.BrokerID); err != nil {
			d.logger.Error("queue: actor failed", "actor", actor.ID(), "task_id", env.TaskID, "err", err)
		}
	}
	_ = msg.Ack()
}

func (d *Dispatcher) runWithRetry(ctx context.Context, actor Actor, taskID, brokerID string) error {
	var lastErr error
	op := func() error {
		err := actor.Handle(ctx, taskID, brokerID)
		if err != nil && apperrors.IsRetryable(err) {
			lastErr = err
			return err
		}
		lastErr = err
		return nil // terminal: success or non-retryable failure
	}
	if err := backoff.Retry(op, d.policy.backoff()); err != nil {
		return fmt.Errorf("actor %s exhausted retries: %w", actor.ID(), lastErr)
	}
	return lastErr
}

// Close releases the underlying NATS connection.
func (d *Dispatcher) Close() {
	d.nc.Close()
}
