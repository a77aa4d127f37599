package ingest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nsqio/go-nsq"
	"github.com/stretchr/testify/assert"
)

type fakeProcessor struct {
	ids   []string
	err   error
	touch func()
}

func (p *fakeProcessor) ProcessByID(ctx context.Context, id string, touch func()) error {
	p.ids = append(p.ids, id)
	p.touch = touch
	return p.err
}

func TestNSQHandler_EmptyBody(t *testing.T) {
	proc := &fakeProcessor{}
	h := NewNSQHandler(context.Background(), proc)

	assert.NoError(t, h.HandleMessage(&nsq.Message{Body: nil}))
	assert.Empty(t, proc.ids)
}

func TestNSQHandler_ProcessesJobID(t *testing.T) {
	proc := &fakeProcessor{}
	h := NewNSQHandler(context.Background(), proc)

	assert.NoError(t, h.HandleMessage(&nsq.Message{Body: []byte(" job-1\n")}))
	assert.Equal(t, []string{"job-1"}, proc.ids)

	// No delegate in tests; touching must not panic.
	assert.NotPanics(t, proc.touch)
}

func TestNSQHandler_RequeuesOnError(t *testing.T) {
	proc := &fakeProcessor{err: errors.New("embedding failed")}
	h := NewNSQHandler(context.Background(), proc)

	assert.Error(t, h.HandleMessage(&nsq.Message{Body: []byte("job-2")}))
}

func TestNSQHandler_ShutdownReturnsContextError(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	proc := &fakeProcessor{err: context.Canceled}
	h := NewNSQHandler(ctx, proc)

	assert.ErrorIs(t, h.HandleMessage(&nsq.Message{Body: []byte("job-3")}), context.Canceled)
}

func TestNewNSQConsumer_RequiresAddress(t *testing.T) {
	_, err := NewNSQConsumer(ConsumerConfig{Concurrency: 2}, nsq.HandlerFunc(func(*nsq.Message) error { return nil }))
	assert.Error(t, err)
}

func TestMsgTimeout_OutlastsHeartbeat(t *testing.T) {
	tests := []struct {
		lease time.Duration
		want  time.Duration
	}{
		{0, DefaultLeaseTimeout},
		{30 * time.Second, 30 * time.Second},
		{5 * time.Minute, 5 * time.Minute},
		{time.Hour, MaxMsgTimeout},
	}
	for _, tt := range tests {
		got := msgTimeout(tt.lease)
		assert.Equal(t, tt.want, got, "lease %v", tt.lease)
		if tt.lease > 0 && tt.lease <= MaxMsgTimeout {
			assert.Less(t, tt.lease/3, got, "first touch at lease/3 must land before the message times out")
		}
	}
}
