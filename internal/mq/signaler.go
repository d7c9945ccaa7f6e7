package mq

import (
	"context"
	"sync"

	"github.com/petervdpas/goopcall/internal/call"
)

// subscriberBuffer is how many envelopes a call subscriber may lag behind
// before stream handlers start waiting on it.
const subscriberBuffer = 64

// CallSignaler carries call-control messages on TopicCall. It satisfies
// call.Signaler.
type CallSignaler struct {
	m *Manager
}

var _ call.Signaler = (*CallSignaler)(nil)

func NewCallSignaler(m *Manager) *CallSignaler { return &CallSignaler{m: m} }

func (s *CallSignaler) Send(ctx context.Context, to string, payload any) error {
	_, err := s.m.Send(ctx, to, TopicCall, payload)
	return err
}

// Subscribe delivers inbound call envelopes in arrival order. The stream
// handler waits while the buffer is full, which holds back the sender's ACK.
func (s *CallSignaler) Subscribe() (<-chan *call.Envelope, func()) {
	ch := make(chan *call.Envelope, subscriberBuffer)
	done := make(chan struct{})
	var once sync.Once

	unsub := s.m.SubscribeTopic(TopicCall, func(from, topic string, payload any) {
		if topic != TopicCall {
			return
		}
		select {
		case ch <- &call.Envelope{From: from, Payload: payload}:
		case <-done:
		}
	})
	cancel := func() {
		once.Do(func() {
			unsub()
			close(done)
		})
	}
	return ch, cancel
}
