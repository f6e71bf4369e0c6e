package storage

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// Sink persists audit entries. *DB is the production implementation.
type Sink interface {
	LogExecution(ctx context.Context, entry *Entry) error
}

// AuditWriter persists entries in the background so executions never wait on
// the database. Entries are dropped when the buffer is full.
type AuditWriter struct {
	sink        Sink
	ch          chan *Entry
	wg          sync.WaitGroup
	done        chan struct{}
	stopOnce    sync.Once
	baseBackoff time.Duration
	dropped     atomic.Int64
	written     atomic.Int64
}

func NewAuditWriter(sink Sink, bufferSize int) *AuditWriter {
	if bufferSize < 1 {
		bufferSize = 10000
	}
	return &AuditWriter{
		sink:        sink,
		ch:          make(chan *Entry, bufferSize),
		done:        make(chan struct{}),
		baseBackoff: 100 * time.Millisecond,
	}
}

func (w *AuditWriter) Start() {
	w.wg.Add(1)
	go w.processLoop()
}

// Log queues entry without blocking.
func (w *AuditWriter) Log(entry *Entry) {
	select {
	case w.ch <- entry:
	default:
		w.dropped.Add(1)
		log.Warn().Str("exec_id", entry.Execution.ID).Msg("audit buffer full, dropping log entry")
	}
}

// Dropped is the number of entries discarded because the buffer was full.
func (w *AuditWriter) Dropped() int64 { return w.dropped.Load() }

// Written is the number of entries persisted.
func (w *AuditWriter) Written() int64 { return w.written.Load() }

// Flush stops the writer after draining queued entries, waiting at most timeout.
func (w *AuditWriter) Flush(timeout time.Duration) {
	w.stopOnce.Do(func() { close(w.done) })

	doneCh := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(doneCh)
	}()

	select {
	case <-doneCh:
		log.Info().Int64("written", w.Written()).Msg("audit writer flushed")
	case <-time.After(timeout):
		log.Warn().Msg("audit writer flush timed out")
	}
}

func (w *AuditWriter) processLoop() {
	defer w.wg.Done()

	for {
		select {
		case entry := <-w.ch:
			w.writeWithRetry(entry)
		case <-w.done:
			// Drain remaining entries
			for {
				select {
				case entry := <-w.ch:
					w.writeWithRetry(entry)
				default:
					return
				}
			}
		}
	}
}

func (w *AuditWriter) writeWithRetry(entry *Entry) {
	const maxRetries = 3

	for attempt := 0; attempt <= maxRetries; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := w.sink.LogExecution(ctx, entry)
		cancel()

		if err == nil {
			w.written.Add(1)
			return
		}

		if attempt < maxRetries {
			backoff := time.Duration(math.Pow(2, float64(attempt))) * w.baseBackoff
			log.Warn().
				Err(err).
				Str("exec_id", entry.Execution.ID).
				Int("attempt", attempt+1).
				Dur("backoff", backoff).
				Msg("audit write failed, retrying")
			time.Sleep(backoff)
		} else {
			log.Error().
				Err(err).
				Str("exec_id", entry.Execution.ID).
				Msg("audit write failed permanently after retries")
		}
	}
}
