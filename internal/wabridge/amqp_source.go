package wabridge

import (
	"context"
	"errors"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

type AMQPSourceOptions struct {
	URL        string
	Exchange   string
	Queue      string
	BindingKey string
	Prefetch   int
	Logger     *slog.Logger

	// Dial is injectable for tests; nil means amqp.Dial.
	Dial func(url string) (*amqp.Connection, error)
}

// AMQPSource consumes event envelopes from a broker queue and feeds them
// into the engine. Malformed envelopes are acked away as poison; a full
// engine queue pushes back by requeueing the delivery.
type AMQPSource struct {
	engine *Engine
	opts   AMQPSourceOptions
}

func NewAMQPSource(engine *Engine, opts AMQPSourceOptions) *AMQPSource {
	if opts.Exchange == "" {
		opts.Exchange = "wabridge.events"
	}
	if opts.Queue == "" {
		opts.Queue = "wabridge.events.ingest"
	}
	if opts.BindingKey == "" {
		opts.BindingKey = "#"
	}
	if opts.Prefetch <= 0 {
		opts.Prefetch = 16
	}
	if opts.Dial == nil {
		opts.Dial = amqp.Dial
	}
	return &AMQPSource{engine: engine, opts: opts}
}

func (s *AMQPSource) log() *slog.Logger {
	if s.opts.Logger != nil {
		return s.opts.Logger
	}
	return slog.Default()
}

// Run consumes until the context is cancelled, reconnecting with capped
// exponential backoff when the broker connection drops.
func (s *AMQPSource) Run(ctx context.Context) error {
	backoff := time.Second
	const backoffCap = 30 * time.Second
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := s.consumeOnce(ctx)
		if err == nil || errors.Is(err, context.Canceled) {
			return ctx.Err()
		}
		s.log().Error("broker consume failed, reconnecting",
			"error", err, "retry_in", backoff)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		if backoff*2 <= backoffCap {
			backoff *= 2
		}
	}
}

func (s *AMQPSource) consumeOnce(ctx context.Context) error {
	conn, err := s.opts.Dial(s.opts.URL)
	if err != nil {
		return err
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		return err
	}
	defer ch.Close()

	if err := ch.Qos(s.opts.Prefetch, 0, false); err != nil {
		return err
	}
	if err := ch.ExchangeDeclare(s.opts.Exchange, "topic", true, false, false, false, nil); err != nil {
		return err
	}
	if _, err := ch.QueueDeclare(s.opts.Queue, true, false, false, false, nil); err != nil {
		return err
	}
	if err := ch.QueueBind(s.opts.Queue, s.opts.BindingKey, s.opts.Exchange, false, nil); err != nil {
		return err
	}
	msgs, err := ch.Consume(s.opts.Queue, "", false, false, false, false, nil)
	if err != nil {
		return err
	}
	closeCh := conn.NotifyClose(make(chan *amqp.Error, 1))
	s.log().Info("broker consumer started",
		"queue", s.opts.Queue, "exchange", s.opts.Exchange)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case amqpErr := <-closeCh:
			if amqpErr == nil {
				return errors.New("broker connection closed")
			}
			return amqpErr
		case d, ok := <-msgs:
			if !ok {
				return errors.New("broker delivery channel closed")
			}
			s.handleDelivery(d)
		}
	}
}

func (s *AMQPSource) handleDelivery(d amqp.Delivery) {
	env, err := ParseEnvelope(d.Body)
	if err != nil {
		s.log().Warn("dropping malformed event envelope", "error", err)
		_ = d.Ack(false)
		return
	}
	switch err := s.engine.Ingest(env); {
	case err == nil:
		_ = d.Ack(false)
	case errors.Is(err, ErrQueueFull):
		_ = d.Nack(false, true)
	default:
		s.log().Warn("rejecting event envelope",
			"channel_id", env.ChannelID, "event_type", env.EventType, "error", err)
		_ = d.Nack(false, false)
	}
}
