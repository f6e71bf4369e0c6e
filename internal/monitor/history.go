package monitor

import (
	"sync"
	"time"
)

// DefaultHistorySize is the number of records kept in memory.
const DefaultHistorySize = 1000

// Record is one completed execution.
type Record struct {
	ExecutionID   string        `json:"execution_id"`
	UserID        string        `json:"user_id"`
	Language      string        `json:"language"`
	Status        string        `json:"status"`
	ErrorKind     string        `json:"error_kind,omitempty"`
	Success       bool          `json:"success"`
	TimedOut      bool          `json:"timed_out"`
	ExitCode      int           `json:"exit_code"`
	DurationMS    int64         `json:"duration_ms"`
	ResourceUsage ResourceUsage `json:"resource_usage"`
	CodeHash      string        `json:"code_hash"`
	CompletedAt   time.Time     `json:"completed_at"`
}

// LanguageStats aggregates the records of one language.
type LanguageStats struct {
	Total         int     `json:"total"`
	Successes     int     `json:"successes"`
	Failures      int     `json:"failures"`
	Timeouts      int     `json:"timeouts"`
	AvgDurationMS float64 `json:"avg_duration_ms"`
}

// Stats aggregates history records.
type Stats struct {
	Total         int                      `json:"total"`
	Successes     int                      `json:"successes"`
	Failures      int                      `json:"failures"`
	Timeouts      int                      `json:"timeouts"`
	SuccessRate   float64                  `json:"success_rate"`
	AvgDurationMS float64                  `json:"avg_duration_ms"`
	ByLanguage    map[string]LanguageStats `json:"by_language"`
}

// ActiveExecution describes a running execution for the admin surface.
type ActiveExecution struct {
	ExecutionID   string    `json:"execution_id"`
	UserID        string    `json:"user_id"`
	Language      string    `json:"language"`
	ContainerID   string    `json:"container_id"`
	ContainerName string    `json:"container_name"`
	StartedAt     time.Time `json:"started_at"`
	ElapsedMS     int64     `json:"elapsed_ms"`
}

// History is a fixed-size ring of completed executions. The oldest record is
// overwritten once it is full.
type History struct {
	mu    sync.RWMutex
	buf   []Record
	next  int
	count int
}

func NewHistory(size int) *History {
	if size <= 0 {
		size = DefaultHistorySize
	}
	return &History{buf: make([]Record, size)}
}

// Add appends r, evicting the oldest record when full.
func (h *History) Add(r Record) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.buf[h.next] = r
	h.next = (h.next + 1) % len(h.buf)
	if h.count < len(h.buf) {
		h.count++
	}
}

// Len is the number of records held.
func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.count
}

// Recent returns up to n records, newest first. n <= 0 returns all.
func (h *History) Recent(n int) []Record {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if n <= 0 || n > h.count {
		n = h.count
	}
	out := make([]Record, 0, n)
	for i := 1; i <= n; i++ {
		idx := (h.next - i + len(h.buf)) % len(h.buf)
		out = append(out, h.buf[idx])
	}
	return out
}

// Stats aggregates the records of userID, or all records when userID is empty.
func (h *History) Stats(userID string) Stats {
	h.mu.RLock()
	defer h.mu.RUnlock()

	stats := Stats{ByLanguage: make(map[string]LanguageStats)}
	var totalMS int64
	langMS := make(map[string]int64)

	for i := 0; i < h.count; i++ {
		r := h.buf[i]
		if userID != "" && r.UserID != userID {
			continue
		}
		ls := stats.ByLanguage[r.Language]

		stats.Total++
		ls.Total++
		totalMS += r.DurationMS
		langMS[r.Language] += r.DurationMS

		if r.Success {
			stats.Successes++
			ls.Successes++
		} else {
			stats.Failures++
			ls.Failures++
		}
		if r.TimedOut {
			stats.Timeouts++
			ls.Timeouts++
		}
		stats.ByLanguage[r.Language] = ls
	}

	if stats.Total > 0 {
		stats.SuccessRate = float64(stats.Successes) / float64(stats.Total)
		stats.AvgDurationMS = float64(totalMS) / float64(stats.Total)
	}
	for lang, ls := range stats.ByLanguage {
		ls.AvgDurationMS = float64(langMS[lang]) / float64(ls.Total)
		stats.ByLanguage[lang] = ls
	}
	return stats
}
