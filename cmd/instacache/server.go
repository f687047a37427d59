package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"github.com/golang/glog"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/singleflight"

	"github.com/1mb-dev/instacache-go/pkg/instacache"
)

// maxBodySize bounds upstream responses held in the cache
const maxBodySize = 4 << 20

// Server serves upstream URLs through the cache. Concurrent requests for
// one URL share a single cache load, so they never supersede each other.
type Server struct {
	cache    *instacache.Cache
	client   *http.Client
	registry *prometheus.Registry
	loads    singleflight.Group
}

// NewServer creates a server over cache. registry is served at /metrics.
func NewServer(cache *instacache.Cache, client *http.Client, registry *prometheus.Registry) *Server {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Server{cache: cache, client: client, registry: registry}
}

// Router returns the HTTP routes
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/fetch", s.handleFetch).Methods(http.MethodGet)
	r.HandleFunc("/prefetch", s.handlePrefetch).Methods(http.MethodPost)
	r.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)
	r.HandleFunc("/clear", s.handleClear).Methods(http.MethodPost)
	if s.registry != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	}
	return r
}

// fetch retrieves url's body
func (s *Server) fetch(ctx context.Context, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("upstream %s returned %d", url, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return "", err
	}
	return string(body), nil
}

func (s *Server) producer(url string) instacache.Producer {
	return func(ctx context.Context) (string, error) {
		return s.fetch(ctx, url)
	}
}

func (s *Server) resolve(ctx context.Context, url string) (string, error) {
	return s.fetch(ctx, url)
}

type loadResult struct {
	body string
	ok   bool
}

// load returns url's body through the cache. The shared load runs detached
// from any one request; ctx only bounds how long this caller waits. A
// refresh starts a new load that supersedes the running one, and callers of
// the superseded load then wait on the new one.
func (s *Server) load(ctx context.Context, url string, refresh bool) (string, error) {
	if refresh {
		s.loads.Forget(url)
	}
	for {
		var opts []instacache.LoadOption
		if refresh {
			opts = append(opts, instacache.WithForceRefresh())
		}
		ch := s.loads.DoChan(url, func() (any, error) {
			body, ok, err := s.cache.Load(context.WithoutCancel(ctx), url, s.producer(url), opts...)
			return loadResult{body: body, ok: ok}, err
		})

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case res := <-ch:
			if res.Err != nil {
				return "", res.Err
			}
			if lr := res.Val.(loadResult); lr.ok {
				return lr.body, nil
			}
		}
		refresh = false
	}
}

func (s *Server) handleFetch(w http.ResponseWriter, r *http.Request) {
	url := r.URL.Query().Get("url")
	if url == "" {
		http.Error(w, "missing url parameter", http.StatusBadRequest)
		return
	}

	body, err := s.load(r.Context(), url, r.URL.Query().Get("refresh") == "1")
	var pe *instacache.ProducerError
	switch {
	case errors.As(err, &pe):
		glog.Warningf("fetch %s: %v", url, err)
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	case r.Context().Err() != nil:
		glog.V(1).Infof("fetch %s: client went away: %v", url, err)
		return
	case err != nil:
		glog.Errorf("fetch %s: %v", url, err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = io.WriteString(w, body)
}

type prefetchRequest struct {
	URLs []string `json:"urls"`
}

type prefetchResponse struct {
	Fetched []string          `json:"fetched"`
	Skipped []string          `json:"skipped"`
	Failed  map[string]string `json:"failed,omitempty"`
}

func (s *Server) handlePrefetch(w http.ResponseWriter, r *http.Request) {
	var req prefetchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	report := s.cache.Prefetch(r.Context(), req.URLs, s.resolve)

	resp := prefetchResponse{Fetched: report.Fetched, Skipped: report.Skipped}
	if len(report.Failed) > 0 {
		resp.Failed = make(map[string]string, len(report.Failed))
		for url, err := range report.Failed {
			resp.Failed[url] = err.Error()
		}
	}
	writeJSON(w, resp)
}

type statsResponse struct {
	Hits          uint64                `json:"hits"`
	Misses        uint64                `json:"misses"`
	AvgLoadTimeMs float64               `json:"avg_load_time_ms"`
	InFlight      int64                 `json:"in_flight"`
	Revalidations int64                 `json:"revalidations"`
	Updates       int64                 `json:"updates"`
	Prefetches    int64                 `json:"prefetches"`
	Evictions     int64                 `json:"evictions"`
	Analytics     *instacache.Analytics `json:"analytics,omitempty"`
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	m := s.cache.Metrics()
	c := s.cache.Collector()
	writeJSON(w, statsResponse{
		Hits:          m.Hits,
		Misses:        m.Misses,
		AvgLoadTimeMs: m.AvgLoadTimeMs,
		InFlight:      c.InFlight(),
		Revalidations: c.Revalidations(),
		Updates:       c.Updates(),
		Prefetches:    c.Prefetches(),
		Evictions:     c.Evictions(),
		Analytics:     s.cache.Analytics(),
	})
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	if err := s.cache.Clear(r.Context()); err != nil {
		glog.Errorf("clear: %v", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		glog.Errorf("encoding response: %v", err)
	}
}
