package worker

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

type recordingHandler struct {
	mu   sync.Mutex
	seen []int
}

func (h *recordingHandler) Handle(t Task) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.seen = append(h.seen, t.(int))
}

func TestWorkerDrainsInOrder(t *testing.T) {
	var wg sync.WaitGroup
	w := NewWorker("test", &wg)
	h := &recordingHandler{}
	w.Start(h)

	for i := 0; i < 10; i++ {
		w.Sender() <- i
	}
	w.Stop()
	wg.Wait()

	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, h.seen)
}
