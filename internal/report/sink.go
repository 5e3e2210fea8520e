// Package report moves training summaries away from the optimizer hot
// path. Sinks never make the caller wait: anything slow sits behind a
// bounded queue that sheds load instead of stalling a training step.
package report

import (
	"fmt"
	"log"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/jingweiz/sample-factory/pkg/bufpool"
	pkgerrors "github.com/jingweiz/sample-factory/pkg/errors"
)

// Sink consumes one summary per optimizer step that emits one. The caller
// stops using stats after Report returns; sinks must treat the map as
// read-only since fan-out shares it.
type Sink interface {
	Report(step int64, stats map[string]float64) error
	Close() error
}

// LogSink renders each summary as a single sorted key=value log line.
type LogSink struct{}

func NewLogSink() *LogSink {
	return &LogSink{}
}

func (s *LogSink) Report(step int64, stats map[string]float64) error {
	keys := make([]string, 0, len(stats))
	for k := range stats {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	buf := bufpool.Get()
	defer bufpool.Put(buf)
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(' ')
		}
		fmt.Fprintf(buf, "%s=%.6g", k, stats[k])
	}
	log.Printf("report: step %d %s", step, buf.String())
	return nil
}

func (s *LogSink) Close() error {
	return nil
}

type record struct {
	step  int64
	stats map[string]float64
}

// AsyncSink decouples a slow inner sink from the training loop with a
// bounded queue and a worker goroutine. When the queue is full the newest
// summary is dropped and Report returns ErrReportBackpressure.
type AsyncSink struct {
	inner   Sink
	queue   chan record
	stopCh  chan struct{}
	wg      sync.WaitGroup
	dropped atomic.Int64
}

// DefaultQueueDepth bounds an AsyncSink when no depth is given.
const DefaultQueueDepth = 64

// NewAsyncSink wraps inner and starts the delivery worker. Non-positive
// depth selects DefaultQueueDepth.
func NewAsyncSink(inner Sink, depth int) *AsyncSink {
	if depth <= 0 {
		depth = DefaultQueueDepth
	}
	s := &AsyncSink{
		inner:  inner,
		queue:  make(chan record, depth),
		stopCh: make(chan struct{}),
	}
	s.wg.Add(1)
	go s.worker()
	return s
}

func (s *AsyncSink) Report(step int64, stats map[string]float64) error {
	select {
	case s.queue <- record{step: step, stats: stats}:
		return nil
	default:
		s.dropped.Add(1)
		return fmt.Errorf("report: queue at %d: %w", cap(s.queue), pkgerrors.ErrReportBackpressure)
	}
}

// Close drains queued summaries, stops the worker, and closes the inner
// sink.
func (s *AsyncSink) Close() error {
	close(s.stopCh)
	s.wg.Wait()
	return s.inner.Close()
}

// Dropped is the number of summaries shed under backpressure.
func (s *AsyncSink) Dropped() int64 {
	return s.dropped.Load()
}

func (s *AsyncSink) worker() {
	defer s.wg.Done()
	for {
		select {
		case r := <-s.queue:
			s.deliver(r)
		case <-s.stopCh:
			for {
				select {
				case r := <-s.queue:
					s.deliver(r)
				default:
					return
				}
			}
		}
	}
}

func (s *AsyncSink) deliver(r record) {
	if err := s.inner.Report(r.step, r.stats); err != nil {
		log.Printf("report: delivery failed at step %d: %v", r.step, err)
	}
}

// MultiSink fans each summary out to several sinks. Every sink sees every
// summary; the first error is returned after all deliveries.
type MultiSink struct {
	sinks []Sink
}

func NewMultiSink(sinks ...Sink) *MultiSink {
	return &MultiSink{sinks: sinks}
}

func (s *MultiSink) Report(step int64, stats map[string]float64) error {
	var first error
	for _, sink := range s.sinks {
		if err := sink.Report(step, stats); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (s *MultiSink) Close() error {
	var first error
	for _, sink := range s.sinks {
		if err := sink.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
