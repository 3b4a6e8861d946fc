package channel

import (
	"sync"
)

// Fake is a scripted Channel for tests and offline demos. Messages queued
// with OnEnd are delivered after a successful SignalEnd; Push injects a
// message at any time.
type Fake struct {
	// EndErr, when set, makes SignalEnd fail with a *SendFailure.
	EndErr error
	// OnEnd is replayed after SignalEnd succeeds.
	OnEnd []Message

	mu     sync.Mutex
	sent   [][]byte
	ends   int
	closed bool
	msgs   chan Message
}

func NewFake(onEnd ...Message) *Fake {
	return &Fake{OnEnd: onEnd, msgs: make(chan Message, 1024)}
}

func (f *Fake) Send(chunk []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.sent = append(f.sent, append([]byte(nil), chunk...))
}

func (f *Fake) SignalEnd() error {
	f.mu.Lock()
	f.ends++
	first := f.ends == 1
	f.mu.Unlock()
	if !first {
		return nil
	}
	if f.EndErr != nil {
		return &SendFailure{Err: f.EndErr}
	}
	for _, m := range f.OnEnd {
		f.Push(m)
	}
	return nil
}

// Push delivers m unless the channel is closed or its buffer is full.
func (f *Fake) Push(m Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	select {
	case f.msgs <- m:
	default:
	}
}

func (f *Fake) Messages() <-chan Message { return f.msgs }

func (f *Fake) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.msgs)
	}
	return nil
}

// Sent returns copies of every chunk received, in order.
func (f *Fake) Sent() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.sent...)
}

func (f *Fake) Ends() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ends
}

func (f *Fake) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}
