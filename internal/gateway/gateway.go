package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/example/edge-gateway/internal/metrics"
	"github.com/example/edge-gateway/internal/models"
)

// DefaultTimeout bounds a call when the caller supplies no override.
const DefaultTimeout = 20 * time.Second

// DefaultPingCommand is the fixed command Ping sends to a backend.
const DefaultPingCommand = "health.ping"

// Channel is the subset of broker channel behaviour the gateway requires.
type Channel interface {
	Service() string
	Publish(ctx context.Context, env models.RequestEnvelope) error
}

// ChannelResolver returns the live channel for a registered service name.
type ChannelResolver interface {
	Resolve(service string) (Channel, error)
}

// Option customises the gateway during construction.
type Option func(*Gateway)

// WithDefaultTimeout overrides the default per-call timeout.
func WithDefaultTimeout(d time.Duration) Option {
	return func(g *Gateway) {
		if d > 0 {
			g.timeout = d
		}
	}
}

// WithPingCommand overrides the command used by Ping.
func WithPingCommand(cmd string) Option {
	return func(g *Gateway) {
		if cmd != "" {
			g.pingCmd = cmd
		}
	}
}

// WithIDGenerator overrides correlation id generation. Intended for tests.
func WithIDGenerator(fn func() string) Option {
	return func(g *Gateway) {
		if fn != nil {
			g.newID = fn
		}
	}
}

// CallOption customises a single Send invocation.
type CallOption func(*callOptions)

type callOptions struct {
	timeout time.Duration
}

// WithTimeout bounds one call with a caller supplied deadline.
func WithTimeout(d time.Duration) CallOption {
	return func(o *callOptions) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// Gateway multiplexes synchronous calls to named backend services over the
// broker, correlating replies to requests and bounding every call with a
// deadline. It holds no durable state about a call once it resolves.
type Gateway struct {
	resolver ChannelResolver
	pending  *pendingTable
	timeout  time.Duration
	pingCmd  string
	newID    func() string
	logger   zerolog.Logger
}

// New constructs a Gateway on top of the supplied channel resolver.
func New(resolver ChannelResolver, logger zerolog.Logger, opts ...Option) (*Gateway, error) {
	if resolver == nil {
		return nil, errors.New("gateway: channel resolver is required")
	}
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}

	g := &Gateway{
		resolver: resolver,
		pending:  newPendingTable(),
		timeout:  DefaultTimeout,
		pingCmd:  DefaultPingCommand,
		newID:    uuid.NewString,
		logger:   logger,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}
	return g, nil
}

// Send publishes {cmd, payload} to the named service and waits for the
// correlated reply or the deadline, whichever comes first. The reply payload
// is returned verbatim; the gateway never interprets business content.
func (g *Gateway) Send(ctx context.Context, service string, cmd models.Command, payload any, opts ...CallOption) (json.RawMessage, error) {
	call := callOptions{timeout: g.timeout}
	for _, opt := range opts {
		if opt != nil {
			opt(&call)
		}
	}

	started := time.Now()
	reply, err := g.send(ctx, service, cmd, payload, call.timeout)
	metrics.ObserveGatewayCall(service, cmd.Cmd, outcomeLabel(err), time.Since(started))
	return reply, err
}

func (g *Gateway) send(ctx context.Context, service string, cmd models.Command, payload any, timeout time.Duration) (json.RawMessage, error) {
	ch, err := g.resolver.Resolve(service)
	if err != nil {
		return nil, err
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("gateway: marshal payload for %s %q: %w", service, cmd.Cmd, err)
	}

	pending := &pendingCall{
		id:      g.newID(),
		service: service,
		cmd:     cmd.Cmd,
		created: time.Now(),
		done:    make(chan result, 1),
	}
	g.pending.insert(pending)

	env := models.RequestEnvelope{
		ID:      pending.id,
		Pattern: cmd,
		Data:    data,
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := ch.Publish(ctx, env); err != nil {
		g.pending.take(pending.id)
		return nil, &TransportError{Service: service, Err: err}
	}

	select {
	case res := <-pending.done:
		return res.reply, res.err
	case <-ctx.Done():
		if _, owned := g.pending.take(pending.id); !owned {
			// Lost the race against a concurrent reply; the resolution is
			// already buffered, so honour it.
			res := <-pending.done
			return res.reply, res.err
		}
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, &TimeoutError{Service: service, Cmd: cmd.Cmd, After: timeout}
		}
		return nil, ctx.Err()
	}
}

// ReplyHandler returns the broker callback that completes pending calls for
// one service's reply topic. A reply whose correlation id is no longer
// outstanding is discarded: the call already resolved (usually by timeout)
// or belongs to another gateway instance sharing the topic.
func (g *Gateway) ReplyHandler(service string) func(models.ReplyEnvelope) {
	return func(env models.ReplyEnvelope) {
		pending, ok := g.pending.take(env.ID)
		if !ok {
			metrics.IncLateReply(service)
			g.logger.Debug().
				Str("service", service).
				Str("correlation_id", env.ID).
				Msg("discarding reply with no pending call")
			return
		}

		if env.IsError() {
			pending.done <- result{err: ParseRemoteError(service, env.Err)}
			return
		}
		pending.done <- result{reply: env.Response}
	}
}

// PingResult reports the health probe outcome for one service.
type PingResult struct {
	Service string          `json:"service"`
	Status  string          `json:"status"`
	Details json.RawMessage `json:"details,omitempty"`
}

// Ping probes the named service with the fixed ping command. Health probing
// must never fail, so every error degrades to a structured error status.
func (g *Gateway) Ping(ctx context.Context, service string) PingResult {
	reply, err := g.Send(ctx, service, models.Command{Cmd: g.pingCmd}, struct{}{})
	if err != nil {
		g.logger.Warn().Err(err).Str("service", service).Msg("ping failed")
		return PingResult{Service: service, Status: "error"}
	}
	return PingResult{Service: service, Status: "ok", Details: reply}
}

// Outstanding reports the number of in-flight calls. Exposed for tests and
// introspection.
func (g *Gateway) Outstanding() int {
	return g.pending.size()
}

func outcomeLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrUnknownService):
		return "unknown_service"
	case isKind[*TimeoutError](err):
		return "timeout"
	case isKind[*TransportError](err):
		return "transport"
	case isKind[*RemoteError](err):
		return "remote_error"
	case errors.Is(err, context.Canceled):
		return "canceled"
	default:
		return "error"
	}
}

func isKind[T error](err error) bool {
	var target T
	return errors.As(err, &target)
}
