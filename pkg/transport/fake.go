package transport

import (
	"context"
	"fmt"
	"sync"

	"zapflow/pkg/proto"
)

// FakeSender records sends in memory. Used by tests and by the dry-run mode
// of the binary.
type FakeSender struct {
	mu    sync.Mutex
	sends []FakeSend
	// FailNext makes the next n sends fail.
	failNext int
	// FailTo makes every send to a specific address fail.
	failTo map[string]error
}

// FakeSend is one recorded send.
type FakeSend struct {
	InstanceID string
	ToAddress  string
	Text       string
	TenantID   string
}

func NewFakeSender() *FakeSender {
	return &FakeSender{failTo: make(map[string]error)}
}

// SendText implements Sender.
func (f *FakeSender) SendText(_ context.Context, instanceID, toAddress, text, tenantID string) (SendResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.failNext > 0 {
		f.failNext--
		return SendResult{}, fmt.Errorf("fake transport: send failed")
	}
	if err, ok := f.failTo[toAddress]; ok {
		return SendResult{}, err
	}

	f.sends = append(f.sends, FakeSend{
		InstanceID: instanceID,
		ToAddress:  toAddress,
		Text:       text,
		TenantID:   tenantID,
	})
	return SendResult{MessageID: fmt.Sprintf("fake-%d", len(f.sends))}, nil
}

// FailNext makes the next n sends fail.
func (f *FakeSender) FailNext(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failNext = n
}

// FailTo makes every send to address fail with err.
func (f *FakeSender) FailTo(address string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failTo[address] = err
}

// Sends returns a copy of the recorded sends.
func (f *FakeSender) Sends() []FakeSend {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]FakeSend, len(f.sends))
	copy(out, f.sends)
	return out
}

// SendsTo returns recorded sends addressed to address.
func (f *FakeSender) SendsTo(address string) []FakeSend {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []FakeSend
	for _, s := range f.sends {
		if s.ToAddress == address {
			out = append(out, s)
		}
	}
	return out
}

// FakeDialer implements Dialer with scripted connect results.
type FakeDialer struct {
	mu       sync.Mutex
	attempts map[proto.InstanceKey]int
	// Errs holds errors returned in order for each key; once exhausted,
	// Connect succeeds.
	Errs map[proto.InstanceKey][]error
}

func NewFakeDialer() *FakeDialer {
	return &FakeDialer{
		attempts: make(map[proto.InstanceKey]int),
		Errs:     make(map[proto.InstanceKey][]error),
	}
}

// Connect implements Dialer.
func (f *FakeDialer) Connect(_ context.Context, key proto.InstanceKey) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := f.attempts[key]
	f.attempts[key] = n + 1
	if errs := f.Errs[key]; n < len(errs) {
		return errs[n]
	}
	return nil
}

// Disconnect implements Dialer.
func (f *FakeDialer) Disconnect(proto.InstanceKey) {}

// Attempts returns how many times Connect ran for key.
func (f *FakeDialer) Attempts(key proto.InstanceKey) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempts[key]
}
