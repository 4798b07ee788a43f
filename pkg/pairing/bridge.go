package pairing

import (
	"context"
	"sync"
)

// Bridge is a Transport for claimants that poll over HTTP: the current
// challenge is published for GET and responses are queued by POST.
type Bridge struct {
	mu        sync.Mutex
	current   *Challenge
	responses chan Response
}

func NewBridge() *Bridge {
	return &Bridge{responses: make(chan Response, 1)}
}

func (b *Bridge) SendChallenge(_ context.Context, c Challenge) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.current = &c
	// Drain a response meant for the previous challenge.
	select {
	case <-b.responses:
	default:
	}
	return nil
}

func (b *Bridge) ReceiveResponse(ctx context.Context) (Response, error) {
	select {
	case resp := <-b.responses:
		return resp, nil
	case <-ctx.Done():
		return Response{}, ctx.Err()
	default:
		return Response{}, ErrNoResponse
	}
}

// Current returns the published challenge.
func (b *Bridge) Current() (Challenge, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.current == nil {
		return Challenge{}, false
	}
	return *b.current, true
}

// Submit queues a claimant response. The published challenge is withdrawn so
// it can be answered only once.
func (b *Bridge) Submit(resp Response) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.current == nil {
		return ErrNoChallenge
	}
	// A published challenge implies an empty queue.
	b.responses <- resp
	b.current = nil
	return nil
}
