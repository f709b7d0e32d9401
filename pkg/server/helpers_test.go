package server

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"

	"github.com/vango-dev/shiny/pkg/protocol"
)

// fakeChannel is an in-memory Channel recording every message sent.
type fakeChannel struct {
	mu      sync.Mutex
	sent    [][]byte
	closed  bool
	sendErr error
	delay   time.Duration
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{}
}

func (f *fakeChannel) Send(_ context.Context, data []byte) error {
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrChannelClosed
	}
	if f.sendErr != nil {
		return f.sendErr
	}
	msg := make([]byte, len(data))
	copy(msg, data)
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeChannel) IsOpen() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.closed
}

func (f *fakeChannel) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeChannel) failWith(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sendErr = err
}

func (f *fakeChannel) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

// responses decodes every message sent so far.
func (f *fakeChannel) responses(t *testing.T) []protocol.Response {
	t.Helper()
	f.mu.Lock()
	sent := make([][]byte, len(f.sent))
	copy(sent, f.sent)
	f.mu.Unlock()

	out := make([]protocol.Response, 0, len(sent))
	for _, msg := range sent {
		resp, err := protocol.DecodeResponse(msg)
		require.NoError(t, err, "message %q", msg)
		out = append(out, resp)
	}
	return out
}

// waitForMessages waits until at least n messages were sent and returns
// them decoded.
func (f *fakeChannel) waitForMessages(t *testing.T, n int) []protocol.Response {
	t.Helper()
	require.Eventually(t, func() bool { return f.count() >= n },
		2*time.Second, 5*time.Millisecond, "expected %d messages", n)
	return f.responses(t)
}

func rerenders(t *testing.T, resps []protocol.Response) []*protocol.RerenderResponse {
	t.Helper()
	out := make([]*protocol.RerenderResponse, 0, len(resps))
	for _, r := range resps {
		rr, ok := r.(*protocol.RerenderResponse)
		require.True(t, ok, "unexpected response %T", r)
		out = append(out, rr)
	}
	return out
}

// within runs fn and fails the test if it has not returned after d.
func within(t *testing.T, d time.Duration, fn func()) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		defer close(done)
		fn()
	}()
	select {
	case <-done:
	case <-time.After(d):
		t.Fatalf("call blocked for more than %s", d)
	}
}

func newTestSession(t *testing.T) *Session {
	t.Helper()
	s := NewSession(nil, nil)
	t.Cleanup(s.Close)
	return s
}

// metricValue returns the value of a counter or gauge sample whose labels
// include want.
func metricValue(t *testing.T, reg *prometheus.Registry, name string, want map[string]string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)

	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			if !labelsMatch(m, want) {
				continue
			}
			switch {
			case m.GetCounter() != nil:
				return m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				return m.GetGauge().GetValue()
			}
		}
	}
	return 0
}

func labelsMatch(m *dto.Metric, want map[string]string) bool {
	for k, v := range want {
		found := false
		for _, lp := range m.GetLabel() {
			if lp.GetName() == k && lp.GetValue() == v {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

var errBoom = errors.New("boom")
