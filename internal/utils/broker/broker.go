// broker/broker.go
package broker

import (
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"
)

const defaultBuffer = 16

// Broker fans messages out to topic subscribers. Publish never blocks: a
// subscriber whose buffer is full misses the message.
type Broker struct {
	subscribers map[string][]chan interface{}
	mu          sync.RWMutex
	buffer      int
	dropped     atomic.Int64
}

func NewBroker() *Broker {
	return NewBrokerWithBuffer(defaultBuffer)
}

func NewBrokerWithBuffer(buffer int) *Broker {
	if buffer < 1 {
		buffer = 1
	}
	return &Broker{
		subscribers: make(map[string][]chan interface{}),
		buffer:      buffer,
	}
}

func (b *Broker) Subscribe(topic string) <-chan interface{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan interface{}, b.buffer)
	b.subscribers[topic] = append(b.subscribers[topic], ch)
	return ch
}

func (b *Broker) Unsubscribe(topic string, ch <-chan interface{}) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if chans, ok := b.subscribers[topic]; ok {
		for i, c := range chans {
			if c == ch {
				b.subscribers[topic] = append(chans[:i], chans[i+1:]...)
				close(c)
				break
			}
		}
		if len(b.subscribers[topic]) == 0 {
			delete(b.subscribers, topic)
		}
	}
}

func (b *Broker) Publish(topic string, msg interface{}) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subscribers[topic] {
		select {
		case ch <- msg:
		default:
			b.dropped.Add(1)
			log.Debug().Str("topic", topic).Msg("Subscriber is slow, dropping message")
		}
	}
}

// Subscribers returns how many channels listen on topic.
func (b *Broker) Subscribers(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers[topic])
}

// Dropped returns how many deliveries were skipped because a buffer was full.
func (b *Broker) Dropped() int64 {
	return b.dropped.Load()
}
