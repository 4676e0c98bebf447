package testing

import (
	"context"
	"sync"

	"github.com/YangTris/Hotel-Microservice/framework/transport"
	"github.com/YangTris/Hotel-Microservice/internal/bus"
)

// Recorded сообщение, перехваченное Recorder
type Recorded struct {
	Topic   string
	Message bus.Message
}

// Recorder запоминает сообщения саги, прошедшие через шину
type Recorder struct {
	mu       sync.Mutex
	messages []Recorded
}

// NewRecorder создает пустой Recorder
func NewRecorder() *Recorder {
	return &Recorder{}
}

// Handle обработчик transport.MessageHandler для подписки на шину
func (r *Recorder) Handle(ctx context.Context, msg *transport.Message) error {
	decoded, err := bus.Decode(msg)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, Recorded{Topic: msg.Subject, Message: decoded})
	return nil
}

// Messages копия всех сообщений в порядке получения
func (r *Recorder) Messages() []Recorded {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Recorded(nil), r.messages...)
}

// Topics топики сообщений в порядке получения
func (r *Recorder) Topics() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	topics := make([]string, len(r.messages))
	for i, m := range r.messages {
		topics[i] = m.Topic
	}
	return topics
}

// Count число сообщений на топике
func (r *Recorder) Count(topic string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, m := range r.messages {
		if m.Topic == topic {
			n++
		}
	}
	return n
}

// Last последнее сообщение на топике; ok=false, если их не было
func (r *Recorder) Last(topic string) (bus.Message, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.messages) - 1; i >= 0; i-- {
		if r.messages[i].Topic == topic {
			return r.messages[i].Message, true
		}
	}
	return bus.Message{}, false
}

// Reset очищает записанные сообщения
func (r *Recorder) Reset() {
	r.mu.Lock()
	r.messages = nil
	r.mu.Unlock()
}
