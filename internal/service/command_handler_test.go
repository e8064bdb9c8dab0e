package service

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nexus-edge/meter-gateway/internal/domain"
	"github.com/rs/zerolog"
)

type fakeRunner struct {
	mu   sync.Mutex
	reqs []domain.ControlRequest
}

func (r *fakeRunner) Execute(ctx context.Context, req domain.ControlRequest) domain.ControlResult {
	r.mu.Lock()
	r.reqs = append(r.reqs, req)
	r.mu.Unlock()
	return domain.ControlResult{
		RequestID: req.RequestID,
		DeviceID:  req.DeviceID,
		Target:    req.ControlTarget,
		Action:    req.Action,
		Status:    domain.ControlSuccess,
		Tier:      domain.TierHardware,
	}
}

func TestCommandHandler_MQTTRoundTrip(t *testing.T) {
	broker := newFakeBroker()
	runner := &fakeRunner{}
	h := NewCommandHandler(broker, runner, DefaultCommandConfig(), zerolog.Nop(), nil)
	if err := h.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer h.Stop()

	broker.deliver("meters/cmd/meter-1/control", []byte(`{"device_id":"other","control_target":"do1","action":"ON","operator":"ops"}`))

	var msg published
	select {
	case msg = <-broker.published:
	case <-time.After(2 * time.Second):
		t.Fatal("no result published")
	}
	if msg.topic != "meters/cmd/result/meter-1" {
		t.Errorf("result topic = %q", msg.topic)
	}
	var res domain.ControlResult
	if err := json.Unmarshal(msg.payload, &res); err != nil {
		t.Fatalf("result payload: %v", err)
	}
	if res.DeviceID != "meter-1" || res.Status != domain.ControlSuccess || res.RequestID == "" {
		t.Errorf("result = %+v", res)
	}

	runner.mu.Lock()
	defer runner.mu.Unlock()
	if len(runner.reqs) != 1 || runner.reqs[0].DeviceID != "meter-1" || runner.reqs[0].Timestamp.IsZero() {
		t.Errorf("executed requests = %+v", runner.reqs)
	}
}

func TestCommandHandler_RejectsBadMessages(t *testing.T) {
	broker := newFakeBroker()
	h := NewCommandHandler(broker, &fakeRunner{}, DefaultCommandConfig(), zerolog.Nop(), nil)
	if err := h.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer h.Stop()

	broker.deliver("meters/cmd/meter-1/control", []byte(`not json`))
	broker.deliver("meters/cmd/meter-1/other", []byte(`{}`))

	if got := h.Stats()["commands_rejected"]; got != 2 {
		t.Errorf("commands_rejected = %d, want 2", got)
	}
}

func TestCommandHandler_Submit(t *testing.T) {
	h := NewCommandHandler(nil, &fakeRunner{}, DefaultCommandConfig(), zerolog.Nop(), nil)
	if err := h.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	reply, err := h.Submit(domain.ControlRequest{DeviceID: "meter-1", ControlTarget: "do1", Action: "OFF"})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	select {
	case res := <-reply:
		if !res.Succeeded() {
			t.Errorf("result = %+v", res)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no result")
	}

	_ = h.Stop()
	if _, err := h.Submit(domain.ControlRequest{DeviceID: "meter-1"}); !errors.Is(err, domain.ErrServiceStopped) {
		t.Errorf("Submit() after Stop error = %v", err)
	}
}

func TestCommandHandler_QueueFull(t *testing.T) {
	cfg := DefaultCommandConfig()
	cfg.QueueSize = 1
	h := NewCommandHandler(nil, &fakeRunner{}, cfg, zerolog.Nop(), nil)

	if _, err := h.Submit(domain.ControlRequest{DeviceID: "meter-1"}); err != nil {
		t.Fatalf("first Submit() error = %v", err)
	}
	if _, err := h.Submit(domain.ControlRequest{DeviceID: "meter-1"}); !errors.Is(err, domain.ErrQueueFull) {
		t.Errorf("second Submit() error = %v, want ErrQueueFull", err)
	}
	if got := h.Stats()["commands_rejected"]; got != 1 {
		t.Errorf("commands_rejected = %d, want 1", got)
	}
}

func TestCommandHandler_SubscribeFailure(t *testing.T) {
	broker := newFakeBroker()
	broker.subErr = errors.New("not authorized")
	h := NewCommandHandler(broker, &fakeRunner{}, DefaultCommandConfig(), zerolog.Nop(), nil)

	if err := h.Start(); !errors.Is(err, domain.ErrMQTTSubscribeFailed) {
		t.Errorf("Start() error = %v, want ErrMQTTSubscribeFailed", err)
	}
	defer h.Stop()

	// Requests that do not come through MQTT are still served.
	reply, err := h.Submit(domain.ControlRequest{DeviceID: "meter-1", ControlTarget: "do1", Action: "ON"})
	if err != nil {
		t.Fatalf("Submit() after subscribe failure error = %v", err)
	}
	select {
	case res := <-reply:
		if !res.Succeeded() {
			t.Errorf("result = %+v", res)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no result")
	}

	_ = h.Stop()
	broker.mu.Lock()
	defer broker.mu.Unlock()
	if len(broker.unsubscribed) != 0 {
		t.Errorf("unsubscribed %v without a subscription", broker.unsubscribed)
	}
}
