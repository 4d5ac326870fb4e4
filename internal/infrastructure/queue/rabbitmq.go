package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/appforge/backend/internal/config"
	"github.com/appforge/backend/internal/core/ports"
	"github.com/appforge/backend/internal/core/services"
	"github.com/appforge/backend/internal/domain"
	"github.com/appforge/backend/internal/infrastructure/logger"
)

var ErrClosed = errors.New("queue: broker connection is closed")

// Envelope is the message body of a queued run. The request never carries the secret.
type Envelope struct {
	RunID   string             `json:"run_id"`
	Request domain.TaskRequest `json:"request"`
}

func EncodeEnvelope(runID string, req domain.TaskRequest) ([]byte, error) {
	return json.Marshal(Envelope{RunID: runID, Request: req.Redacted()})
}

func DecodeEnvelope(body []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return Envelope{}, fmt.Errorf("failed to decode envelope: %w", err)
	}
	if env.RunID == "" || env.Request.Task == "" {
		return Envelope{}, errors.New("envelope is missing run_id or task")
	}
	return env, nil
}

// Broker publishes accepted runs to a durable RabbitMQ queue and consumes
// them with a fixed pool of workers.
type Broker struct {
	conn    *amqp.Connection
	channel *amqp.Channel
	queue   string
	workers int
	logger  *logger.Logger

	publishMu sync.Mutex
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

type BrokerConfig struct {
	RabbitMQ config.RabbitMQConfig
	Workers  int
	Logger   *logger.Logger
}

func NewBroker(cfg BrokerConfig) (*Broker, error) {
	conn, err := amqp.Dial(cfg.RabbitMQ.URL())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open a channel: %w", err)
	}

	workers := cfg.Workers
	if workers < 1 {
		workers = 1
	}

	if _, err := ch.QueueDeclare(cfg.RabbitMQ.Queue, true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare queue %s: %w", cfg.RabbitMQ.Queue, err)
	}
	if err := ch.Qos(workers, 0, false); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to set qos: %w", err)
	}

	cfg.Logger.Infow("queue_connected", "host", cfg.RabbitMQ.Host, "queue", cfg.RabbitMQ.Queue, "workers", workers)
	return &Broker{
		conn:    conn,
		channel: ch,
		queue:   cfg.RabbitMQ.Queue,
		workers: workers,
		logger:  cfg.Logger,
	}, nil
}

var _ ports.Dispatcher = (*Broker)(nil)

// Dispatch publishes the run as a persistent message.
func (b *Broker) Dispatch(ctx context.Context, run *domain.TaskRun, req domain.TaskRequest) error {
	body, err := EncodeEnvelope(run.ID, req)
	if err != nil {
		return err
	}

	b.publishMu.Lock()
	defer b.publishMu.Unlock()
	if b.channel.IsClosed() {
		return ErrClosed
	}

	err = b.channel.PublishWithContext(ctx, "", b.queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    run.ID,
		Timestamp:    time.Now(),
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("failed to publish run %s: %w", run.ID, err)
	}
	b.logger.Infow("queue_published", "run_id", run.ID, "task", req.Task, "round", req.Round)
	return nil
}

// Consume starts the worker pool. Each message is acked once its run is terminal.
func (b *Broker) Consume(registry *services.TaskService, processor ports.TaskProcessor) error {
	deliveries, err := b.channel.Consume(b.queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to register a consumer: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel

	for i := 0; i < b.workers; i++ {
		b.wg.Add(1)
		go func(worker int) {
			defer b.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case d, ok := <-deliveries:
					if !ok {
						return
					}
					b.handle(ctx, worker, d, registry, processor)
				}
			}
		}(i)
	}
	return nil
}

func (b *Broker) handle(ctx context.Context, worker int, d amqp.Delivery, registry *services.TaskService, processor ports.TaskProcessor) {
	env, err := DecodeEnvelope(d.Body)
	if err != nil {
		b.logger.Errorw("queue_message_rejected", "worker", worker, "message_id", d.MessageId, "error", err)
		d.Nack(false, false)
		return
	}

	req := env.Request
	run := registry.Ensure(env.RunID, req.IdempotencyKey(), req.Task, req.Round)
	if run.Status.Terminal() {
		b.logger.Infow("queue_message_stale", "worker", worker, "run_id", run.ID, "status", run.Status)
		d.Ack(false)
		return
	}

	b.logger.Infow("queue_message_received", "worker", worker, "run_id", run.ID, "task", req.Task)
	// runs are not cancelled mid-flight on shutdown
	processor.Process(context.WithoutCancel(ctx), run.ID, req)
	if err := d.Ack(false); err != nil {
		b.logger.Warnw("queue_ack_failed", "run_id", run.ID, "error", err)
	}
}

// Close stops consuming, waits for in-flight runs and closes the connection.
func (b *Broker) Close(ctx context.Context) error {
	if b.cancel != nil {
		b.cancel()
	}

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		b.logger.Warnw("queue_close_timeout", "error", ctx.Err())
	}

	b.publishMu.Lock()
	defer b.publishMu.Unlock()
	if err := b.channel.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		b.logger.Warnw("queue_channel_close_failed", "error", err)
	}
	return b.conn.Close()
}
