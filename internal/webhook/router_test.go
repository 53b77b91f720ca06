package webhook_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/rs/zerolog"

	"github.com/example/edge-gateway/internal/gateway"
	"github.com/example/edge-gateway/internal/models"
	"github.com/example/edge-gateway/internal/webhook"
)

type sentCall struct {
	service string
	cmd     string
}

type fakeSender struct {
	calls []sentCall
	err   error
}

func (f *fakeSender) Send(_ context.Context, service string, cmd models.Command, _ any, _ ...gateway.CallOption) (json.RawMessage, error) {
	f.calls = append(f.calls, sentCall{service: service, cmd: cmd.Cmd})
	if f.err != nil {
		return nil, f.err
	}
	return json.RawMessage(`{"ok":true}`), nil
}

func testRules() []webhook.Rule {
	return []webhook.Rule{
		{
			Name:   "buy",
			Events: []string{"a", "b"},
			Target: webhook.Target{Service: "validation", Cmd: "buy.webhook"},
		},
		{
			Name:   "sell",
			Events: []string{"c"},
			Target: webhook.Target{Service: "validation", Cmd: "sell.webhook"},
		},
	}
}

func TestClassifyFirstMatchingSetWins(t *testing.T) {
	router, err := webhook.NewRouter("test", testRules(), &fakeSender{}, zerolog.Nop())
	if err != nil {
		t.Fatalf("unexpected router error: %v", err)
	}

	cases := map[string]string{
		"a": "buy.webhook",
		"b": "buy.webhook",
		"c": "sell.webhook",
	}
	for event, wantCmd := range cases {
		target, ok := router.Classify(event)
		if !ok {
			t.Fatalf("event %q: expected a classification", event)
		}
		if target.Cmd != wantCmd {
			t.Fatalf("event %q: got cmd %q want %q", event, target.Cmd, wantCmd)
		}
	}
}

func TestRouteUnknownEventIsIgnoredWithoutForwarding(t *testing.T) {
	sender := &fakeSender{}
	router, err := webhook.NewRouter("test", testRules(), sender, zerolog.Nop())
	if err != nil {
		t.Fatalf("unexpected router error: %v", err)
	}

	outcome := router.Route(context.Background(), "z", map[string]string{"event": "z"})
	if !outcome.Ignored {
		t.Fatalf("expected unknown event to be ignored, got %+v", outcome)
	}
	if len(sender.calls) != 0 {
		t.Fatalf("expected no gateway call for ignored event, got %d", len(sender.calls))
	}
}

func TestRouteForwardsMatchedEvent(t *testing.T) {
	sender := &fakeSender{}
	router, err := webhook.NewRouter("test", testRules(), sender, zerolog.Nop())
	if err != nil {
		t.Fatalf("unexpected router error: %v", err)
	}

	outcome := router.Route(context.Background(), "c", map[string]string{"event": "c"})
	if outcome.Ignored || !outcome.Forwarded {
		t.Fatalf("expected forwarded outcome, got %+v", outcome)
	}
	if len(sender.calls) != 1 || sender.calls[0].cmd != "sell.webhook" {
		t.Fatalf("unexpected gateway calls: %+v", sender.calls)
	}
}

func TestRouteForwardingFailureIsSummarisedNotRaised(t *testing.T) {
	sender := &fakeSender{err: errors.New("broker down")}
	router, err := webhook.NewRouter("test", testRules(), sender, zerolog.Nop())
	if err != nil {
		t.Fatalf("unexpected router error: %v", err)
	}

	outcome := router.Route(context.Background(), "a", nil)
	if outcome.Ignored || outcome.Forwarded {
		t.Fatalf("expected failed-forward outcome, got %+v", outcome)
	}
}

func TestNewRouterRejectsOverlappingRules(t *testing.T) {
	rules := testRules()
	rules[1].Events = append(rules[1].Events, "a")

	if _, err := webhook.NewRouter("test", rules, &fakeSender{}, zerolog.Nop()); err == nil {
		t.Fatalf("expected overlapping event sets to be rejected")
	}
}
