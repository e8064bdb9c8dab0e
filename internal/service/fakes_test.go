package service

import (
	"context"
	"errors"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/nexus-edge/meter-gateway/internal/domain"
)

var errRefused = errors.New("connection refused")

type writeCall struct {
	address uint16
	value   uint16
}

// fakeTransport is an in-memory domain.Transport.
type fakeTransport struct {
	mu        sync.Mutex
	coils     map[uint16]bool
	regs      map[uint16][]uint16
	regErr    map[uint16]error
	readErr   error
	writeErr  error
	stuck     bool
	writes    []writeCall
	coilReads int
	regReads  int
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		coils:  make(map[uint16]bool),
		regs:   make(map[uint16][]uint16),
		regErr: make(map[uint16]error),
	}
}

func (f *fakeTransport) ReadRegisters(ctx context.Context, ep *domain.DeviceEndpoint, fn domain.FunctionCode, address, count uint16) ([]uint16, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.regReads++
	if err := f.regErr[address]; err != nil {
		return nil, err
	}
	if fn == domain.FuncReadCoils {
		if f.coils[address] {
			return []uint16{1}, nil
		}
		return []uint16{0}, nil
	}
	words, ok := f.regs[address]
	if !ok {
		return nil, domain.ErrAllReadPathsFailed
	}
	return words, nil
}

func (f *fakeTransport) ReadCoil(ctx context.Context, ep *domain.DeviceEndpoint, address uint16) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.coilReads++
	if f.readErr != nil {
		return false, f.readErr
	}
	return f.coils[address], nil
}

func (f *fakeTransport) WriteCoil(ctx context.Context, ep *domain.DeviceEndpoint, address, value uint16) (domain.WriteReport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = append(f.writes, writeCall{address: address, value: value})
	if f.writeErr != nil {
		return domain.WriteReport{Attempts: 3}, f.writeErr
	}
	if !f.stuck {
		f.coils[address] = value == domain.CoilOn
	}
	return domain.WriteReport{Attempts: 1, Wire: "fake"}, nil
}

func (f *fakeTransport) WriteRegister(ctx context.Context, ep *domain.DeviceEndpoint, address, value uint16) (domain.WriteReport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return domain.WriteReport{}, f.writeErr
	}
	f.regs[address] = []uint16{value}
	return domain.WriteReport{Attempts: 1, Wire: "fake"}, nil
}

func (f *fakeTransport) HealthCheck(ctx context.Context) error { return nil }
func (f *fakeTransport) Close() error                          { return nil }

func (f *fakeTransport) writeCalls() []writeCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]writeCall(nil), f.writes...)
}

// fakeAudit records appended entries.
type fakeAudit struct {
	mu      sync.Mutex
	entries []domain.AuditEntry
	err     error
}

func (a *fakeAudit) AppendAudit(ctx context.Context, e domain.AuditEntry) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, e)
	return a.err
}

func (a *fakeAudit) all() []domain.AuditEntry {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]domain.AuditEntry(nil), a.entries...)
}

// fakeSink records batches and signals each one.
type fakeSink struct {
	mu      sync.Mutex
	batches []domain.ReadingBatch
	err     error
	pushed  chan struct{}
}

func newFakeSink() *fakeSink {
	return &fakeSink{pushed: make(chan struct{}, 16)}
}

func (s *fakeSink) PushReading(ctx context.Context, b domain.ReadingBatch) error {
	s.mu.Lock()
	s.batches = append(s.batches, b)
	s.mu.Unlock()
	select {
	case s.pushed <- struct{}{}:
	default:
	}
	return s.err
}

func (s *fakeSink) last() (domain.ReadingBatch, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.batches) == 0 {
		return domain.ReadingBatch{}, 0
	}
	return s.batches[len(s.batches)-1], len(s.batches)
}

// fakeToken is an already-completed mqtt.Token.
type fakeToken struct{ err error }

func (t *fakeToken) Wait() bool                     { return true }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t *fakeToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
func (t *fakeToken) Error() error { return t.err }

type fakeMessage struct {
	topic   string
	payload []byte
}

func (m *fakeMessage) Duplicate() bool   { return false }
func (m *fakeMessage) Qos() byte         { return 1 }
func (m *fakeMessage) Retained() bool    { return false }
func (m *fakeMessage) Topic() string     { return m.topic }
func (m *fakeMessage) MessageID() uint16 { return 1 }
func (m *fakeMessage) Payload() []byte   { return m.payload }
func (m *fakeMessage) Ack()              {}

type published struct {
	topic   string
	payload []byte
}

// fakeBroker captures subscriptions and publishes.
type fakeBroker struct {
	mu           sync.Mutex
	handlers     map[string]mqtt.MessageHandler
	unsubscribed []string
	published    chan published
	subErr       error
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{
		handlers:  make(map[string]mqtt.MessageHandler),
		published: make(chan published, 16),
	}
}

func (b *fakeBroker) Subscribe(topic string, qos byte, cb mqtt.MessageHandler) mqtt.Token {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subErr != nil {
		return &fakeToken{err: b.subErr}
	}
	b.handlers[topic] = cb
	return &fakeToken{}
}

func (b *fakeBroker) Unsubscribe(topics ...string) mqtt.Token {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.unsubscribed = append(b.unsubscribed, topics...)
	return &fakeToken{}
}

func (b *fakeBroker) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	data, _ := payload.([]byte)
	b.published <- published{topic: topic, payload: data}
	return &fakeToken{}
}

func (b *fakeBroker) deliver(topic string, payload []byte) {
	b.mu.Lock()
	var cb mqtt.MessageHandler
	for _, h := range b.handlers {
		cb = h
	}
	b.mu.Unlock()
	cb(nil, &fakeMessage{topic: topic, payload: payload})
}
