// Package broker owns the long-lived connection to each logical backend
// service: one durable request topic binding and one reply topic consumer
// per service, established at startup and kept alive for the process
// lifetime.
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/IBM/sarama"
	"github.com/rs/zerolog"

	"github.com/example/edge-gateway/internal/metrics"
	"github.com/example/edge-gateway/internal/models"
)

const (
	defaultBaseBackoff = 500 * time.Millisecond
	defaultMaxBackoff  = 30 * time.Second
)

// ErrDisconnected is wrapped into publish failures while the channel has no
// live reply subscription.
var ErrDisconnected = errors.New("broker: channel disconnected")

// ReplyHandler receives every decoded reply envelope from the service's
// reply topic, including replies that belong to no local pending call.
type ReplyHandler func(models.ReplyEnvelope)

// syncPublisher is the producer subset a channel publishes through.
// Satisfied by sarama.SyncProducer.
type syncPublisher interface {
	SendMessage(msg *sarama.ProducerMessage) (partition int32, offset int64, err error)
}

// consumerGroupFactory creates the reply consumer for a channel. Factored
// out so channels can be exercised without a broker.
type consumerGroupFactory func(groupID string) (sarama.ConsumerGroup, error)

// Channel binds one named service to its request and reply topics. A
// channel is created once at startup and never per request; it reconnects
// with bounded exponential backoff for as long as the process lives.
type Channel struct {
	service      string
	requestTopic string
	replyTopic   string
	groupID      string

	producer    syncPublisher
	newGroup    consumerGroupFactory
	handler     ReplyHandler
	baseBackoff time.Duration
	maxBackoff  time.Duration

	connected atomic.Bool
	logger    zerolog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Service returns the logical service name this channel is bound to.
func (c *Channel) Service() string { return c.service }

// Connected reports whether the reply subscription is currently live.
func (c *Channel) Connected() bool { return c.connected.Load() }

// Publish hands a request envelope to the broker. Publishing fails while
// the channel is disconnected; the caller sees the failure per the gateway
// error contract rather than the message silently queueing forever.
func (c *Channel) Publish(ctx context.Context, env models.RequestEnvelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !c.connected.Load() {
		return fmt.Errorf("%w: %s", ErrDisconnected, c.service)
	}

	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("broker: marshal request envelope: %w", err)
	}

	msg := &sarama.ProducerMessage{
		Topic: c.requestTopic,
		Key:   sarama.StringEncoder(env.ID),
		Value: sarama.ByteEncoder(payload),
		Headers: []sarama.RecordHeader{
			{Key: []byte("correlation_id"), Value: []byte(env.ID)},
			{Key: []byte("reply_to"), Value: []byte(c.replyTopic)},
		},
	}

	if _, _, err := c.producer.SendMessage(msg); err != nil {
		return fmt.Errorf("broker: publish to %s: %w", c.requestTopic, err)
	}
	return nil
}

// Start launches the reply consumer loop. The loop reconnects indefinitely
// with exponential backoff; there is no other way for the process to make
// progress.
func (c *Channel) Start(ctx context.Context, handler ReplyHandler) error {
	if handler == nil {
		return errors.New("broker: reply handler is required")
	}
	c.handler = handler

	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	c.wg.Add(1)
	go c.consumeLoop(ctx)
	return nil
}

// Close stops the reply consumer and waits for the loop to exit.
func (c *Channel) Close() error {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
	return nil
}

func (c *Channel) consumeLoop(ctx context.Context) {
	defer c.wg.Done()

	backoff := c.baseBackoff
	for {
		if ctx.Err() != nil {
			return
		}

		group, err := c.newGroup(c.groupID)
		if err != nil {
			c.logger.Error().Err(err).Msg("create reply consumer failed")
			if !c.sleep(ctx, backoff) {
				return
			}
			backoff = nextBackoff(backoff, c.maxBackoff)
			metrics.IncChannelReconnect(c.service)
			continue
		}

		err = group.Consume(ctx, []string{c.replyTopic}, &replySession{channel: c})
		c.connected.Store(false)
		_ = group.Close()

		switch {
		case ctx.Err() != nil:
			return
		case err == nil, errors.Is(err, sarama.ErrClosedConsumerGroup):
			// Rebalance or clean session end; rejoin immediately.
			backoff = c.baseBackoff
		default:
			c.logger.Error().Err(err).Dur("backoff", backoff).Msg("reply consumer error")
			if !c.sleep(ctx, backoff) {
				return
			}
			backoff = nextBackoff(backoff, c.maxBackoff)
			metrics.IncChannelReconnect(c.service)
		}
	}
}

func (c *Channel) sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

func nextBackoff(current, max time.Duration) time.Duration {
	next := current * 2
	if next > max {
		return max
	}
	return next
}

// replySession adapts the channel to sarama's consumer group contract.
type replySession struct {
	channel *Channel
}

func (s *replySession) Setup(sarama.ConsumerGroupSession) error {
	s.channel.connected.Store(true)
	s.channel.logger.Info().Str("topic", s.channel.replyTopic).Msg("reply subscription established")
	return nil
}

func (s *replySession) Cleanup(sarama.ConsumerGroupSession) error {
	s.channel.connected.Store(false)
	return nil
}

func (s *replySession) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for msg := range claim.Messages() {
		var env models.ReplyEnvelope
		if err := json.Unmarshal(msg.Value, &env); err != nil {
			s.channel.logger.Error().Err(err).
				Str("topic", msg.Topic).
				Int64("offset", msg.Offset).
				Msg("dropping undecodable reply")
			session.MarkMessage(msg, "")
			continue
		}
		s.channel.handler(env)
		session.MarkMessage(msg, "")
	}
	return nil
}
