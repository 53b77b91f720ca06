package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/rs/zerolog"

	"github.com/example/edge-gateway/internal/gateway"
	"github.com/example/edge-gateway/internal/metrics"
	"github.com/example/edge-gateway/internal/models"
)

// Target names the backend command an event class forwards to.
type Target struct {
	Service string
	Cmd     string
}

// Rule maps a set of event names onto one target. Rules are evaluated in
// declaration order and the first rule containing the event wins.
type Rule struct {
	Name   string
	Events []string
	Target Target
}

// Sender is the gateway behaviour the router needs for forwarding.
type Sender interface {
	Send(ctx context.Context, service string, cmd models.Command, payload any, opts ...gateway.CallOption) (json.RawMessage, error)
}

// Outcome summarises how an event was handled. Forwarding failures are
// reflected here rather than returned as errors: the webhook caller is the
// third party, who sees a flat acknowledgment either way.
type Outcome struct {
	Event     string
	Ignored   bool
	Forwarded bool
	Target    Target
}

// Router classifies inbound event names and forwards matched events through
// the gateway. Rule membership is immutable after construction.
type Router struct {
	provider string
	rules    []Rule
	sender   Sender
	logger   zerolog.Logger
}

// NewRouter validates the rule set and constructs a Router. Event sets must
// be disjoint; overlapping rules would make classification order-dependent
// in a way no caller intends.
func NewRouter(provider string, rules []Rule, sender Sender, logger zerolog.Logger) (*Router, error) {
	if provider == "" {
		return nil, fmt.Errorf("webhook: provider name is required")
	}
	if sender == nil {
		return nil, fmt.Errorf("webhook: sender is required")
	}
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}

	seen := make(map[string]string)
	for _, rule := range rules {
		if rule.Target.Service == "" || rule.Target.Cmd == "" {
			return nil, fmt.Errorf("webhook: rule %q needs a target service and command", rule.Name)
		}
		for _, event := range rule.Events {
			if prev, dup := seen[event]; dup {
				return nil, fmt.Errorf("webhook: event %q appears in rules %q and %q", event, prev, rule.Name)
			}
			seen[event] = rule.Name
		}
	}

	return &Router{
		provider: provider,
		rules:    rules,
		sender:   sender,
		logger:   logger.With().Str("provider", provider).Logger(),
	}, nil
}

// Classify resolves an event name to its target. The second return is false
// when the event belongs to no configured rule; unknown event types are a
// normal, forward-compatible occurrence, not a fault.
func (r *Router) Classify(event string) (Target, bool) {
	for _, rule := range r.rules {
		for _, candidate := range rule.Events {
			if candidate == event {
				return rule.Target, true
			}
		}
	}
	return Target{}, false
}

// Route classifies the event and forwards the payload through the gateway.
// Unknown events are dropped; downstream forwarding failures are logged and
// summarised in the outcome.
func (r *Router) Route(ctx context.Context, event string, payload any) Outcome {
	target, ok := r.Classify(event)
	if !ok {
		metrics.IncWebhookEvent(r.provider, "ignored")
		r.logger.Warn().Str("event", event).Msg("ignoring unknown webhook event")
		return Outcome{Event: event, Ignored: true}
	}

	out := Outcome{Event: event, Target: target}
	if _, err := r.sender.Send(ctx, target.Service, models.Command{Cmd: target.Cmd}, payload); err != nil {
		metrics.IncWebhookEvent(r.provider, "forward_failed")
		r.logger.Error().Err(err).
			Str("event", event).
			Str("cmd", target.Cmd).
			Msg("webhook forwarding failed")
		return out
	}

	metrics.IncWebhookEvent(r.provider, "forwarded")
	r.logger.Info().Str("event", event).Str("cmd", target.Cmd).Msg("webhook event forwarded")
	out.Forwarded = true
	return out
}
