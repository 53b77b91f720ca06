package broker

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"time"

	"github.com/IBM/sarama"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/example/edge-gateway/internal/config"
	"github.com/example/edge-gateway/internal/gateway"
)

// Pool owns one channel per registered service name. Channels are created
// at construction and live until Close; Resolve never creates anything.
type Pool struct {
	client   sarama.Client
	producer sarama.SyncProducer
	channels map[string]*Channel
	order    []string
	logger   zerolog.Logger
}

// NewPool connects to the broker and establishes one channel per service
// spec. Registering the same service name twice is a construction error.
func NewPool(cfg config.BrokerConfig, reconnect config.ReconnectConfig, specs []config.ServiceSpec, logger zerolog.Logger) (*Pool, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("broker: at least one broker is required")
	}
	if len(specs) == 0 {
		return nil, errors.New("broker: at least one service is required")
	}
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}

	client, err := sarama.NewClient(cfg.Brokers, defaultClientConfig())
	if err != nil {
		return nil, fmt.Errorf("broker: create client: %w", err)
	}

	producer, err := sarama.NewSyncProducerFromClient(client)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("broker: create producer: %w", err)
	}

	// Each gateway instance consumes every reply and discards foreign
	// correlation ids, so the reply group id must be unique per process.
	instanceID := uuid.NewString()[:8]

	p := &Pool{
		client:   client,
		producer: producer,
		channels: make(map[string]*Channel, len(specs)),
		logger:   logger,
	}

	for _, spec := range specs {
		if _, dup := p.channels[spec.Name]; dup {
			p.closePartial()
			return nil, fmt.Errorf("broker: service %q registered twice", spec.Name)
		}
		p.channels[spec.Name] = &Channel{
			service:      spec.Name,
			requestTopic: spec.RequestTopic,
			replyTopic:   spec.ReplyTopic,
			groupID:      fmt.Sprintf("%s.%s.%s", cfg.GroupID, spec.Name, instanceID),
			producer:     producer,
			newGroup: func(groupID string) (sarama.ConsumerGroup, error) {
				return sarama.NewConsumerGroupFromClient(groupID, client)
			},
			baseBackoff: orDefault(reconnect.BaseBackoff, defaultBaseBackoff),
			maxBackoff:  orDefault(reconnect.MaxBackoff, defaultMaxBackoff),
			logger:      logger.With().Str("service", spec.Name).Logger(),
		}
		p.order = append(p.order, spec.Name)
	}

	return p, nil
}

// Resolve returns the live channel handle for a registered service. The
// handle is returned even while the channel is disconnected; publishing
// through it fails until reconnection completes.
func (p *Pool) Resolve(service string) (gateway.Channel, error) {
	ch, ok := p.channels[service]
	if !ok {
		return nil, fmt.Errorf("%w: %q", gateway.ErrUnknownService, service)
	}
	return ch, nil
}

// Services lists the registered service names in registration order.
func (p *Pool) Services() []string {
	out := make([]string, len(p.order))
	copy(out, p.order)
	return out
}

// Channel returns the concrete channel for direct inspection (health).
func (p *Pool) Channel(service string) (*Channel, bool) {
	ch, ok := p.channels[service]
	return ch, ok
}

// Start launches the reply consumer of every channel, wiring each to the
// handler produced for its service.
func (p *Pool) Start(ctx context.Context, handlerFor func(service string) ReplyHandler) error {
	for _, name := range p.order {
		ch := p.channels[name]
		if err := ch.Start(ctx, handlerFor(name)); err != nil {
			return fmt.Errorf("broker: start channel %q: %w", name, err)
		}
	}
	return nil
}

// Close shuts every channel down and releases the broker connection.
func (p *Pool) Close() error {
	var errs []error
	for _, name := range p.order {
		if err := p.channels[name].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := p.producer.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := p.client.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (p *Pool) closePartial() {
	p.producer.Close()
	p.client.Close()
}

func defaultClientConfig() *sarama.Config {
	cfg := sarama.NewConfig()
	cfg.Version = sarama.V2_5_0_0
	cfg.ClientID = "edge-gateway"
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = 3
	cfg.Producer.Retry.Backoff = 250 * time.Millisecond
	cfg.Producer.Return.Errors = true
	cfg.Producer.Return.Successes = true
	cfg.Consumer.Offsets.Initial = sarama.OffsetNewest
	cfg.Consumer.Return.Errors = true
	return cfg
}

func orDefault(d, def time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return def
}
