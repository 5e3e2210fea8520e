package metrics

import (
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jingweiz/sample-factory/pkg/bufpool"
)

// collectInterval refreshes gauges between scrapes so dashboards stay
// current even when nothing polls /metrics.
const collectInterval = 5 * time.Second

// StatusSource renders learner state for the /status endpoint.
type StatusSource interface {
	StatusLines() []string
}

// Exporter exposes metrics and learner status over HTTP.
type Exporter struct {
	addr      string
	collector *Collector
	server    *http.Server

	mu       sync.RWMutex
	listener net.Listener

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewExporter creates the diagnostics endpoint over src. A nil status
// omits the /status route.
func NewExporter(addr string, src Source, status StatusSource) *Exporter {
	collector := NewCollector(src)
	promHandler := promhttp.Handler()

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(10 * time.Second))

	// Collect before rendering so every scrape sees current values.
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		collector.Collect()
		promHandler.ServeHTTP(w, r)
	})

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	if status != nil {
		r.Get("/status", func(w http.ResponseWriter, r *http.Request) {
			buf := bufpool.Get()
			defer bufpool.Put(buf)
			for _, line := range status.StatusLines() {
				buf.WriteString(line)
				buf.WriteByte('\n')
			}
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
			_, _ = w.Write(buf.Bytes())
		})
	}

	return &Exporter{
		addr:      addr,
		collector: collector,
		server:    &http.Server{Handler: r},
		stopCh:    make(chan struct{}),
	}
}

// Start begins serving and blocks until the exporter stops.
func (e *Exporter) Start() error {
	ln, err := net.Listen("tcp", e.addr)
	if err != nil {
		return err
	}

	e.mu.Lock()
	e.listener = ln
	e.mu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ticker := time.NewTicker(collectInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				e.collector.Collect()
			case <-e.stopCh:
				return
			}
		}
	}()

	if err := e.server.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop closes the server and the background collect loop.
func (e *Exporter) Stop() error {
	e.stopOnce.Do(func() {
		close(e.stopCh)
	})
	e.wg.Wait()
	return e.server.Close()
}

// Addr returns the bound address once Start is listening, which matters
// when the configured port is 0.
func (e *Exporter) Addr() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.listener != nil {
		return e.listener.Addr().String()
	}
	return e.addr
}
