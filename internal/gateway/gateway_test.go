package gateway_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/edge-gateway/internal/gateway"
	"github.com/example/edge-gateway/internal/models"
)

type fakeChannel struct {
	service    string
	publishErr error

	mu        sync.Mutex
	published []models.RequestEnvelope
	notify    chan models.RequestEnvelope
}

func newFakeChannel(service string) *fakeChannel {
	return &fakeChannel{
		service: service,
		notify:  make(chan models.RequestEnvelope, 16),
	}
}

func (c *fakeChannel) Service() string { return c.service }

func (c *fakeChannel) Publish(_ context.Context, env models.RequestEnvelope) error {
	if c.publishErr != nil {
		return c.publishErr
	}
	c.mu.Lock()
	c.published = append(c.published, env)
	c.mu.Unlock()
	c.notify <- env
	return nil
}

func (c *fakeChannel) publishedCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.published)
}

type fakeResolver struct {
	channels map[string]*fakeChannel
}

func (r *fakeResolver) Resolve(service string) (gateway.Channel, error) {
	ch, ok := r.channels[service]
	if !ok {
		return nil, fmt.Errorf("%w: %q", gateway.ErrUnknownService, service)
	}
	return ch, nil
}

func newTestGateway(t *testing.T, ch *fakeChannel, opts ...gateway.Option) *gateway.Gateway {
	t.Helper()
	resolver := &fakeResolver{channels: map[string]*fakeChannel{}}
	if ch != nil {
		resolver.channels[ch.service] = ch
	}
	gw, err := gateway.New(resolver, zerolog.Nop(), opts...)
	if err != nil {
		t.Fatalf("failed to construct gateway: %v", err)
	}
	return gw
}

func TestSendUnknownServiceFailsBeforePublish(t *testing.T) {
	ch := newFakeChannel("validation")
	gw := newTestGateway(t, ch)

	_, err := gw.Send(context.Background(), "nope", models.Command{Cmd: "x"}, nil)
	if !errors.Is(err, gateway.ErrUnknownService) {
		t.Fatalf("expected ErrUnknownService, got %v", err)
	}
	if ch.publishedCount() != 0 {
		t.Fatalf("expected no publish for unknown service")
	}
}

func TestSendResolvesWithCorrelatedReply(t *testing.T) {
	ch := newFakeChannel("validation")
	gw := newTestGateway(t, ch)
	handle := gw.ReplyHandler("validation")

	go func() {
		env := <-ch.notify
		handle(models.ReplyEnvelope{ID: env.ID, Response: json.RawMessage(`{"user":"u1"}`)})
	}()

	reply, err := gw.Send(context.Background(), "validation", models.Command{Cmd: "user.get"}, map[string]string{"id": "u1"}, gateway.WithTimeout(2*time.Second))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(reply) != `{"user":"u1"}` {
		t.Fatalf("unexpected reply payload: %s", reply)
	}
	if gw.Outstanding() != 0 {
		t.Fatalf("expected no outstanding calls, got %d", gw.Outstanding())
	}
}

func TestConcurrentCallsResolveTheirOwnReplies(t *testing.T) {
	ch := newFakeChannel("validation")
	gw := newTestGateway(t, ch)
	handle := gw.ReplyHandler("validation")

	const calls = 8

	// Echo each request's own payload back in its reply, delivered in
	// reverse order; only the correlation id binds a reply to its call.
	go func() {
		var envs []models.RequestEnvelope
		for i := 0; i < calls; i++ {
			envs = append(envs, <-ch.notify)
		}
		for i := len(envs) - 1; i >= 0; i-- {
			handle(models.ReplyEnvelope{ID: envs[i].ID, Response: envs[i].Data})
		}
	}()

	var wg sync.WaitGroup
	errs := make(chan error, calls)
	for i := 0; i < calls; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			reply, err := gw.Send(context.Background(), "validation", models.Command{Cmd: "echo"}, map[string]int{"n": n}, gateway.WithTimeout(2*time.Second))
			if err != nil {
				errs <- err
				return
			}
			var body struct {
				N int `json:"n"`
			}
			if err := json.Unmarshal(reply, &body); err != nil {
				errs <- err
				return
			}
			if body.N != n {
				errs <- fmt.Errorf("call %d received reply meant for call %d", n, body.N)
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent call failed: %v", err)
	}
	if gw.Outstanding() != 0 {
		t.Fatalf("expected no outstanding calls, got %d", gw.Outstanding())
	}
}

func TestSendTimesOutWithoutReply(t *testing.T) {
	ch := newFakeChannel("validation")
	gw := newTestGateway(t, ch)

	_, err := gw.Send(context.Background(), "validation", models.Command{Cmd: "slow"}, nil, gateway.WithTimeout(20*time.Millisecond))

	var timeout *gateway.TimeoutError
	if !errors.As(err, &timeout) {
		t.Fatalf("expected TimeoutError, got %v", err)
	}
	if timeout.Service != "validation" || timeout.Cmd != "slow" {
		t.Fatalf("timeout error carries wrong context: %+v", timeout)
	}
	if gw.Outstanding() != 0 {
		t.Fatalf("timed-out call still outstanding")
	}
}

func TestLateReplyAfterTimeoutIsDiscarded(t *testing.T) {
	ch := newFakeChannel("validation")
	gw := newTestGateway(t, ch)
	handle := gw.ReplyHandler("validation")

	_, err := gw.Send(context.Background(), "validation", models.Command{Cmd: "slow"}, nil, gateway.WithTimeout(20*time.Millisecond))
	var timeout *gateway.TimeoutError
	if !errors.As(err, &timeout) {
		t.Fatalf("expected TimeoutError, got %v", err)
	}

	// The backend replies after the caller already saw the timeout. The
	// reply must be dropped without a second resolution or a crash.
	env := <-ch.notify
	handle(models.ReplyEnvelope{ID: env.ID, Response: json.RawMessage(`{}`)})
	handle(models.ReplyEnvelope{ID: env.ID, Response: json.RawMessage(`{}`)})

	if gw.Outstanding() != 0 {
		t.Fatalf("late reply re-registered a pending call")
	}
}

func TestSendMapsPublishFailureToTransportError(t *testing.T) {
	ch := newFakeChannel("validation")
	ch.publishErr = errors.New("broker unreachable")
	gw := newTestGateway(t, ch)

	_, err := gw.Send(context.Background(), "validation", models.Command{Cmd: "x"}, nil)
	var transport *gateway.TransportError
	if !errors.As(err, &transport) {
		t.Fatalf("expected TransportError, got %v", err)
	}
	if gw.Outstanding() != 0 {
		t.Fatalf("failed publish left a pending call behind")
	}
}

func TestSendSurfacesRemoteErrorVerbatim(t *testing.T) {
	ch := newFakeChannel("validation")
	gw := newTestGateway(t, ch)
	handle := gw.ReplyHandler("validation")

	go func() {
		env := <-ch.notify
		handle(models.ReplyEnvelope{ID: env.ID, Err: json.RawMessage(`{"statusCode":422,"message":"bad input"}`)})
	}()

	_, err := gw.Send(context.Background(), "validation", models.Command{Cmd: "x"}, nil, gateway.WithTimeout(2*time.Second))
	var remote *gateway.RemoteError
	if !errors.As(err, &remote) {
		t.Fatalf("expected RemoteError, got %v", err)
	}
	if remote.StatusCode != 422 || remote.Message != "bad input" {
		t.Fatalf("remote error not preserved verbatim: %+v", remote)
	}
}

func TestSendHonoursCallerCancellation(t *testing.T) {
	ch := newFakeChannel("validation")
	gw := newTestGateway(t, ch)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-ch.notify
		cancel()
	}()

	_, err := gw.Send(ctx, "validation", models.Command{Cmd: "x"}, nil, gateway.WithTimeout(5*time.Second))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if gw.Outstanding() != 0 {
		t.Fatalf("cancelled call still outstanding")
	}
}

func TestPingNeverReturnsFailure(t *testing.T) {
	cases := map[string]*fakeChannel{
		"publish failure": func() *fakeChannel {
			ch := newFakeChannel("validation")
			ch.publishErr = errors.New("down")
			return ch
		}(),
		"timeout": newFakeChannel("validation"),
	}

	for name, ch := range cases {
		t.Run(name, func(t *testing.T) {
			gw := newTestGateway(t, ch, gateway.WithDefaultTimeout(20*time.Millisecond))
			result := gw.Ping(context.Background(), "validation")
			if result.Status != "error" {
				t.Fatalf("expected degraded status, got %+v", result)
			}
		})
	}
}

func TestPingReportsHealthyService(t *testing.T) {
	ch := newFakeChannel("validation")
	gw := newTestGateway(t, ch)
	handle := gw.ReplyHandler("validation")

	go func() {
		env := <-ch.notify
		if env.Pattern.Cmd != gateway.DefaultPingCommand {
			return
		}
		handle(models.ReplyEnvelope{ID: env.ID, Response: json.RawMessage(`{"status":"ok"}`)})
	}()

	result := gw.Ping(context.Background(), "validation")
	if result.Status != "ok" {
		t.Fatalf("expected ok status, got %+v", result)
	}
}
