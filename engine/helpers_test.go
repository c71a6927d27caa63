package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/verba-labs/verba-core/bus"
	"github.com/verba-labs/verba-core/config"
)

// fakeBus is an in-memory ServiceBus with canned responses per subject.
type fakeBus struct {
	mu        sync.Mutex
	responses map[string][]byte
	errs      map[string]error
	handler   func(subject string, payload map[string]any) ([]byte, error)
	calls     []busCall
}

type busCall struct {
	subject string
	payload map[string]any
}

func newFakeBus() *fakeBus {
	return &fakeBus{
		responses: make(map[string][]byte),
		errs:      make(map[string]error),
	}
}

func (f *fakeBus) Request(_ context.Context, subject string, payload any, _ time.Duration) (*bus.ServiceResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	var decoded map[string]any
	if err := json.Unmarshal(data, &decoded); err != nil {
		return nil, err
	}
	f.calls = append(f.calls, busCall{subject: subject, payload: decoded})

	if f.handler != nil {
		body, err := f.handler(subject, decoded)
		if err != nil {
			return nil, err
		}
		return bus.Normalize(body)
	}
	if err := f.errs[subject]; err != nil {
		return nil, err
	}
	if body, ok := f.responses[subject]; ok {
		return bus.Normalize(body)
	}
	return nil, fmt.Errorf("%w: no responder for %s", bus.ErrTransport, subject)
}

func (f *fakeBus) respond(subject, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses[subject] = []byte(body)
}

func (f *fakeBus) fail(subject string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs[subject] = err
}

func (f *fakeBus) callCount(subject string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c.subject == subject {
			n++
		}
	}
	return n
}

func (f *fakeBus) lastCall(subject string) (busCall, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.calls) - 1; i >= 0; i-- {
		if f.calls[i].subject == subject {
			return f.calls[i], true
		}
	}
	return busCall{}, false
}

func testConfig() *config.Config {
	return &config.Config{
		Port:              "8080",
		NATSURL:           "nats://localhost:4222",
		FallbackThreshold: 0.90,
		SessionTTL:        time.Hour,
		HistoryLimit:      20,
		Timeouts: config.Timeouts{
			Classify:      time.Second,
			Plan:          time.Second,
			Generate:      time.Second,
			ImageGenerate: time.Second,
			Command:       time.Second,
			Search:        time.Second,
		},
	}
}

func testLogger() *zap.Logger {
	return zap.NewNop()
}
