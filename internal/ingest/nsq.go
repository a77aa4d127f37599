package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nsqio/go-nsq"

	"github.com/ameya051/chat-with-pdf/internal/logging"
)

// DefaultTopic is the NSQ topic job ids are published to.
const DefaultTopic = "file-upload-queue"

// MaxMsgTimeout is nsqd's default --max-msg-timeout. Consumers asking for
// more are refused at IDENTIFY.
const MaxMsgTimeout = 15 * time.Minute

// NSQPublisher announces enqueued job ids on an NSQ topic.
type NSQPublisher struct {
	producer *nsq.Producer
	topic    string
}

// NewNSQPublisher connects a producer to the nsqd at addr.
func NewNSQPublisher(addr, topic string) (*NSQPublisher, error) {
	if topic == "" {
		topic = DefaultTopic
	}
	producer, err := nsq.NewProducer(addr, nsq.NewConfig())
	if err != nil {
		return nil, fmt.Errorf("creating nsq producer: %w", err)
	}
	producer.SetLoggerLevel(nsq.LogLevelWarning)
	return &NSQPublisher{producer: producer, topic: topic}, nil
}

// Publish sends the job id as the message body.
func (p *NSQPublisher) Publish(_ context.Context, jobID string) error {
	return p.producer.Publish(p.topic, []byte(jobID))
}

// Stop closes the producer connection.
func (p *NSQPublisher) Stop() {
	p.producer.Stop()
}

// JobProcessor claims and processes a job by id.
type JobProcessor interface {
	ProcessByID(ctx context.Context, id string, touch func()) error
}

// NSQHandler feeds NSQ deliveries into a Pool. Returning an error makes
// NSQ requeue the message, which only happens for retryable failures.
type NSQHandler struct {
	pool   JobProcessor
	ctx    context.Context
	logger *slog.Logger
}

// NewNSQHandler returns a handler whose jobs run under ctx.
func NewNSQHandler(ctx context.Context, pool JobProcessor) *NSQHandler {
	return &NSQHandler{pool: pool, ctx: ctx, logger: slog.Default()}
}

func (h *NSQHandler) HandleMessage(m *nsq.Message) error {
	if len(m.Body) == 0 {
		return nil
	}
	id := strings.TrimSpace(string(m.Body))
	ctx := logging.WithCorrelationID(h.ctx, fmt.Sprintf("%x", m.ID[:]))

	touch := func() {
		if m.Delegate != nil {
			m.Touch()
		}
	}
	if err := h.pool.ProcessByID(ctx, id, touch); err != nil {
		if ctx.Err() != nil {
			// Shutting down: the job row was released, let NSQ redeliver.
			return ctx.Err()
		}
		h.logger.WarnContext(ctx, "requeueing nsq delivery", "job_id", id, "attempts", m.Attempts, "error", err)
		return err
	}
	return nil
}

// ConsumerConfig configures NewNSQConsumer.
type ConsumerConfig struct {
	Topic       string
	Channel     string
	Concurrency int
	NSQDAddrs   []string
	LookupAddrs []string
	// LeaseTimeout is the pool's job lease. Messages stay in flight at
	// least this long so the lease heartbeat touches them in time.
	LeaseTimeout time.Duration
}

// msgTimeout returns the in-flight timeout for messages whose jobs hold
// a lease of lease and are touched every lease/3.
func msgTimeout(lease time.Duration) time.Duration {
	if lease <= 0 {
		lease = DefaultLeaseTimeout
	}
	return min(lease, MaxMsgTimeout)
}

// NewNSQConsumer starts a consumer with MaxInFlight equal to the pool
// concurrency, so NSQ never hands out more jobs than the pool can run.
func NewNSQConsumer(cfg ConsumerConfig, h nsq.Handler) (*nsq.Consumer, error) {
	if cfg.Topic == "" {
		cfg.Topic = DefaultTopic
	}
	if cfg.Channel == "" {
		cfg.Channel = "worker"
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}

	nsqCfg := nsq.NewConfig()
	nsqCfg.MaxInFlight = cfg.Concurrency
	nsqCfg.MsgTimeout = msgTimeout(cfg.LeaseTimeout)
	consumer, err := nsq.NewConsumer(cfg.Topic, cfg.Channel, nsqCfg)
	if err != nil {
		return nil, fmt.Errorf("creating nsq consumer: %w", err)
	}
	consumer.SetLoggerLevel(nsq.LogLevelWarning)
	consumer.AddConcurrentHandlers(h, cfg.Concurrency)

	switch {
	case len(cfg.LookupAddrs) > 0:
		err = consumer.ConnectToNSQLookupds(cfg.LookupAddrs)
	case len(cfg.NSQDAddrs) > 0:
		err = consumer.ConnectToNSQDs(cfg.NSQDAddrs)
	default:
		err = fmt.Errorf("no nsqd or nsqlookupd address configured")
	}
	if err != nil {
		consumer.Stop()
		return nil, fmt.Errorf("connecting nsq consumer: %w", err)
	}
	return consumer, nil
}
