package notifier

import "sync"

const defaultBufferSize = 64

type GenericSubscriberImpl[T any] struct {
	// map of subscribers with names
	subs       map[chan T]string
	bufferSize int
	onDrop     func(subscriberName string)
	mu         sync.RWMutex
}

// NewGenericSubscriberImpl creates a fan-out with the given per subscriber buffer.
// A subscriber whose buffer is full misses the value and onDrop is called, so a slow
// reader never blocks the publisher.
func NewGenericSubscriberImpl[T any](bufferSize int, onDrop func(subscriberName string)) *GenericSubscriberImpl[T] {
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	return &GenericSubscriberImpl[T]{
		subs:       make(map[chan T]string),
		bufferSize: bufferSize,
		onDrop:     onDrop,
	}
}

func (g *GenericSubscriberImpl[T]) Subscribe(subscriberName string) <-chan T {
	ch := make(chan T, g.bufferSize)
	g.mu.Lock()
	defer g.mu.Unlock()
	g.subs[ch] = subscriberName
	return ch
}

// Unsubscribe removes the subscriber and closes its channel
func (g *GenericSubscriberImpl[T]) Unsubscribe(target <-chan T) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for ch := range g.subs {
		if (<-chan T)(ch) == target {
			delete(g.subs, ch)
			close(ch)
			return
		}
	}
}

func (g *GenericSubscriberImpl[T]) Publish(data T) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	for ch, name := range g.subs {
		select {
		case ch <- data:
		default:
			if g.onDrop != nil {
				g.onDrop(name)
			}
		}
	}
}

// Subscribers returns the number of live subscriptions
func (g *GenericSubscriberImpl[T]) Subscribers() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.subs)
}
