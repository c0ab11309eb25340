package agent

import "sync"

// FakeSession is an in-memory Session standing in for the real coding-agent
// runtime in tests. Prompt/FollowUp/Steer just record the call; a test
// drives session behavior by calling Emit directly, simulating the
// runtime's own event stream.
type FakeSession struct {
	mu       sync.Mutex
	handlers map[int]func(Event)
	nextID   int

	Prompts   []string
	FollowUps []string
	Steers    []string
}

func NewFakeSession() *FakeSession {
	return &FakeSession{handlers: make(map[int]func(Event))}
}

func (f *FakeSession) Prompt(text string) error {
	f.mu.Lock()
	f.Prompts = append(f.Prompts, text)
	f.mu.Unlock()
	return nil
}

func (f *FakeSession) FollowUp(text string) error {
	f.mu.Lock()
	f.FollowUps = append(f.FollowUps, text)
	f.mu.Unlock()
	return nil
}

func (f *FakeSession) Steer(text string) error {
	f.mu.Lock()
	f.Steers = append(f.Steers, text)
	f.mu.Unlock()
	return nil
}

func (f *FakeSession) Subscribe(handler func(Event)) Unsubscribe {
	f.mu.Lock()
	id := f.nextID
	f.nextID++
	f.handlers[id] = handler
	f.mu.Unlock()
	return func() {
		f.mu.Lock()
		delete(f.handlers, id)
		f.mu.Unlock()
	}
}

// Emit delivers ev to every current subscriber, synchronously, mirroring
// the real runtime's single-threaded event stream.
func (f *FakeSession) Emit(ev Event) {
	f.mu.Lock()
	handlers := make([]func(Event), 0, len(f.handlers))
	for _, h := range f.handlers {
		handlers = append(handlers, h)
	}
	f.mu.Unlock()
	for _, h := range handlers {
		h(ev)
	}
}
