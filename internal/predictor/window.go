package predictor

import (
	"sync"

	"github.com/HueCodes/zeno/internal/models"
)

// window is a fixed capacity ring of observations. Pushing into a full
// window evicts the oldest sample.
type window struct {
	mu    sync.Mutex
	buf   []models.Observation
	start int
	size  int
}

func newWindow(capacity int) *window {
	if capacity < 1 {
		capacity = 1
	}
	return &window{buf: make([]models.Observation, capacity)}
}

func (w *window) push(o models.Observation) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.size < len(w.buf) {
		w.buf[(w.start+w.size)%len(w.buf)] = o
		w.size++
		return
	}
	w.buf[w.start] = o
	w.start = (w.start + 1) % len(w.buf)
}

// snapshot returns the samples oldest first.
func (w *window) snapshot() []models.Observation {
	w.mu.Lock()
	defer w.mu.Unlock()

	out := make([]models.Observation, w.size)
	for i := 0; i < w.size; i++ {
		out[i] = w.buf[(w.start+i)%len(w.buf)]
	}
	return out
}

func (w *window) len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.size
}
