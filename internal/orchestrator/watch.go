package orchestrator

import (
	"sync"

	"github.com/YangTris/Hotel-Microservice/internal/saga"
)

const watchBuffer = 16

// Hub раздает снимки саг подписчикам по saga id
type Hub struct {
	mu       sync.Mutex
	watchers map[string]map[*watcher]struct{}
}

type watcher struct {
	ch chan *saga.BookingSaga
}

// NewHub создает Hub
func NewHub() *Hub {
	return &Hub{watchers: make(map[string]map[*watcher]struct{})}
}

// Watch подписывается на снимки саги. Возвращаемая функция отписывает и закрывает канал.
func (h *Hub) Watch(sagaID string) (<-chan *saga.BookingSaga, func()) {
	w := &watcher{ch: make(chan *saga.BookingSaga, watchBuffer)}

	h.mu.Lock()
	if h.watchers[sagaID] == nil {
		h.watchers[sagaID] = make(map[*watcher]struct{})
	}
	h.watchers[sagaID][w] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return w.ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			delete(h.watchers[sagaID], w)
			if len(h.watchers[sagaID]) == 0 {
				delete(h.watchers, sagaID)
			}
			close(w.ch)
		})
	}
}

// Observe реализует Observer. Медленный подписчик теряет старые снимки, но не последний.
func (h *Hub) Observe(s *saga.BookingSaga) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for w := range h.watchers[s.ID] {
		select {
		case w.ch <- s.Clone():
			continue
		default:
		}
		select {
		case <-w.ch:
		default:
		}
		select {
		case w.ch <- s.Clone():
		default:
		}
	}
}

// Watchers возвращает число подписчиков саги
func (h *Hub) Watchers(sagaID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.watchers[sagaID])
}
