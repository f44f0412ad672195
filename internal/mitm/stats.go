package mitm

import (
	"sync"
	"time"
)

// Statistics summarizes certificate generation.
type Statistics struct {
	Generated             int64         `json:"generated"`
	TotalGenerationTime   time.Duration `json:"total_generation_time"`
	AverageGenerationTime time.Duration `json:"average_generation_time"`
	FirstGeneratedAt      time.Time     `json:"first_generated_at"`
	Hits                  int64         `json:"hits"`
}

type statsRecorder struct {
	mu sync.Mutex
	s  Statistics
}

func (r *statsRecorder) hit() {
	r.mu.Lock()
	r.s.Hits++
	r.mu.Unlock()
}

func (r *statsRecorder) generated(took time.Duration, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.s.Generated == 0 {
		r.s.FirstGeneratedAt = at
	}
	r.s.Generated++
	r.s.TotalGenerationTime += took
}

func (r *statsRecorder) snapshot() Statistics {
	r.mu.Lock()
	s := r.s
	r.mu.Unlock()
	if s.Generated > 0 {
		s.AverageGenerationTime = s.TotalGenerationTime / time.Duration(s.Generated)
	}
	return s
}
