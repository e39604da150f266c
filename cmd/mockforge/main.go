// Package main wires the mock engine core behind a minimal HTTP adapter.
// The adapter is transport-collaborator glue: it normalizes inbound HTTP
// into protocol requests, hands them to the lifecycle engine, and writes
// back whatever the engine decided.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mockforge/mockforge/infrastructure/clock"
	"github.com/mockforge/mockforge/infrastructure/config"
	"github.com/mockforge/mockforge/infrastructure/logging"
	"github.com/mockforge/mockforge/infrastructure/metrics"
	"github.com/mockforge/mockforge/domain/chaos"
	"github.com/mockforge/mockforge/domain/lifecycle"
	"github.com/mockforge/mockforge/domain/persona"
	"github.com/mockforge/mockforge/domain/protocol"
	"github.com/mockforge/mockforge/domain/reality"
	"github.com/mockforge/mockforge/domain/recorder"
	"github.com/mockforge/mockforge/domain/resolver"
	"github.com/mockforge/mockforge/domain/route"
	"github.com/mockforge/mockforge/domain/spec"
)

func main() {
	_ = godotenv.Load()

	var (
		configPath = flag.String("config", os.Getenv("MOCKFORGE_CONFIG"), "path to config file (yaml/json)")
		specPath   = flag.String("spec", os.Getenv("MOCKFORGE_SPEC"), "path to an OpenAPI document or GraphQL SDL")
		stubsPath  = flag.String("stubs", os.Getenv("MOCKFORGE_STUBS"), "path to an explicit stubs file (json)")
		listenAddr = flag.String("listen", envOr("MOCKFORGE_LISTEN", ":4080"), "listen address")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New("mockforge", cfg.Logging.Level, cfg.Logging.Format)
	clk := clock.Default()

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New("mockforge")
	}

	specs := spec.NewRegistry()
	if *specPath != "" {
		if err := loadSpec(specs, *specPath); err != nil {
			logger.WithError(err).Fatal("load spec document")
		}
	}

	routes := route.NewRegistry()
	if err := route.FromSpec(routes, specs, 100); err != nil {
		logger.WithError(err).Fatal("register spec routes")
	}
	if *stubsPath != "" {
		if err := loadStubs(routes, *stubsPath); err != nil {
			logger.WithError(err).Fatal("load stubs")
		}
	}
	logger.WithFields(map[string]interface{}{"routes": routes.Len()}).Info("route registry ready")

	var journal *recorder.Journal
	if cfg.Recorder.Enabled {
		journal = recorder.NewJournal(recorder.Options{
			RetentionEntries: cfg.Recorder.RetentionEntries,
			FlowGrouping:     cfg.Recorder.FlowGrouping,
			WindowSeconds:    cfg.Recorder.WindowSeconds,
		}, clk, logger, m)
		defer journal.Close()
	}

	personas := persona.NewStore(clk, time.Duration(cfg.Session.TimeoutSeconds)*time.Second)

	realityEngine := reality.NewEngine(reality.Options{
		DefaultRatio: cfg.Reality.DefaultRatio,
		Mode:         reality.TransitionMode(cfg.Reality.TransitionMode),
		Strategy:     reality.MergeStrategy(cfg.Reality.MergeStrategy),
		Schedule:     scheduleFromConfig(cfg.Reality.TimeSchedule),
	}, clk, logger)
	if cfg.Reality.TransitionMode == "scheduled" {
		if err := realityEngine.StartSchedule(cfg.Reality.TimeSchedule.Cron); err != nil {
			logger.WithError(err).Fatal("start reality schedule")
		}
		defer realityEngine.StopSchedule()
	}

	chaosLayer := chaos.NewLayer(chaosConfig(cfg), clk, logger, m)

	chain := resolver.NewChain(journal, specs, httpProxy(), resolver.NewTemplateEngine(clk, nil), clk, logger, m)

	engine := lifecycle.NewEngine(lifecycle.Deps{
		Routes:   routes,
		Chain:    chain,
		Chaos:    chaosLayer,
		Reality:  realityEngine,
		Personas: personas,
		Journal:  journal,
		Clock:    clk,
		Logger:   logger,
		Metrics:  m,
	}, lifecycle.Options{
		Session: lifecycle.SessionConfig{
			IDSource:      cfg.Session.IDSource,
			AutoCreate:    cfg.Session.AutoCreate,
			WindowSeconds: cfg.Recorder.WindowSeconds,
		},
		CacheEnabled:   cfg.Cache.Enabled,
		CacheTTL:       time.Duration(cfg.Cache.TTLSeconds) * time.Second,
		CacheMax:       cfg.Cache.MaxEntries,
		RealityEnabled: cfg.Reality.Enabled,
		FlexReplay:     cfg.Recorder.Flex.NormalizeIDSegments,
	})

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	if m != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(m.Registry(), promhttp.HandlerOpts{}))
	}
	mux.Handle("/", adapter(engine, clk))

	server := &http.Server{
		Addr:              *listenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.WithFields(map[string]interface{}{"addr": *listenAddr}).Info("mockforge core listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Fatal("server failed")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
	logger.Info("shutdown complete")
}

// adapter bridges net/http onto the engine's OnRequest contract.
func adapter(engine *lifecycle.Engine, clk *clock.Clock) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(http.MaxBytesReader(w, r.Body, 8<<20))

		metadata := make(map[string]string, len(r.Header))
		for k := range r.Header {
			metadata[strings.ToLower(k)] = r.Header.Get(k)
		}
		host, _, _ := net.SplitHostPort(r.RemoteAddr)

		req := &protocol.Request{
			Protocol:  protocol.ProtocolHTTP,
			Operation: r.Method,
			Path:      r.URL.Path,
			Metadata:  metadata,
			Body:      body,
			ClientIP:  host,
			Arrived:   clk.Now(),
		}

		deadline := time.Time{}
		if d, ok := r.Context().Deadline(); ok {
			deadline = d
		}

		resp, err := engine.OnRequest(r.Context(), req, deadline)
		if err != nil {
			// Cancelled: the client is gone, nothing to write.
			return
		}

		for k, v := range resp.Metadata {
			w.Header().Set(k, v)
		}
		if resp.ContentType != "" {
			w.Header().Set("Content-Type", resp.ContentType)
		}
		w.Header().Set("X-Mockforge-Source", string(resp.Source))
		status := resp.Status
		if status == 0 {
			status = http.StatusOK
		}
		w.WriteHeader(status)
		_, _ = w.Write(resp.Body)
	})
}

// httpProxy is the upstream collaborator used by the Proxy and Record
// resolvers.
func httpProxy() resolver.ProxyFunc {
	client := &http.Client{Timeout: 30 * time.Second}
	return func(ctx context.Context, upstreamURL string, req *protocol.Request) (*protocol.Response, error) {
		url := strings.TrimRight(upstreamURL, "/") + req.Path
		httpReq, err := http.NewRequestWithContext(ctx, req.Operation, url, strings.NewReader(string(req.Body)))
		if err != nil {
			return nil, err
		}
		for k, v := range req.Metadata {
			httpReq.Header.Set(k, v)
		}
		httpResp, err := client.Do(httpReq)
		if err != nil {
			return nil, err
		}
		defer httpResp.Body.Close()
		respBody, err := io.ReadAll(httpResp.Body)
		if err != nil {
			return nil, err
		}

		metadata := make(map[string]string, len(httpResp.Header))
		for k := range httpResp.Header {
			metadata[strings.ToLower(k)] = httpResp.Header.Get(k)
		}
		return &protocol.Response{
			Status:      httpResp.StatusCode,
			Metadata:    metadata,
			Body:        respBody,
			ContentType: httpResp.Header.Get("Content-Type"),
		}, nil
	}
}

// loadSpec routes a document to the right loader by extension.
func loadSpec(specs *spec.Registry, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if strings.HasSuffix(path, ".graphql") || strings.HasSuffix(path, ".graphqls") {
		return specs.LoadGraphQL(data)
	}
	return specs.LoadOpenAPI(data)
}

// stubFile is the explicit stub configuration format.
type stubFile struct {
	Stubs []struct {
		Protocol  string          `json:"protocol"`
		Operation string          `json:"operation"`
		Pattern   string          `json:"pattern"`
		Priority  int             `json:"priority"`
		Group     string          `json:"group"`
		Status    int             `json:"status"`
		Body      json.RawMessage `json:"body"`
		Template  bool            `json:"template"`
	} `json:"stubs"`
}

func loadStubs(routes *route.Registry, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var f stubFile
	if err := json.Unmarshal(data, &f); err != nil {
		return err
	}
	for _, s := range f.Stubs {
		kind := route.BehaviorStatic
		if s.Template {
			kind = route.BehaviorTemplate
		}
		proto := protocol.Protocol(s.Protocol)
		if proto == "" {
			proto = protocol.ProtocolHTTP
		}
		_, err := routes.Add(route.Route{
			Protocol:  proto,
			Operation: s.Operation,
			Pattern:   s.Pattern,
			Priority:  s.Priority,
			Group:     s.Group,
			Behavior: route.Behavior{
				Kind:   kind,
				Status: s.Status,
				Body:   []byte(s.Body),
			},
			Resolvers: route.DefaultResolvers(),
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func chaosConfig(cfg *config.Config) chaos.Config {
	faults := make([]chaos.Fault, 0, len(cfg.Chaos.Faults))
	for _, f := range cfg.Chaos.Faults {
		faults = append(faults, chaos.Fault{
			RoutePattern: f.Route,
			Probability:  f.Probability,
			Kind:         chaos.FaultKind(f.Kind),
			ErrorStatus:  f.ErrorStatus,
			ErrorBody:    []byte(f.ErrorBody),
			Tail:         time.Duration(f.TailMs) * time.Millisecond,
		})
	}
	latency := chaos.LatencyProfile{
		Base:      time.Duration(cfg.Chaos.Latency.BaseMs) * time.Millisecond,
		JitterPct: cfg.Chaos.Latency.JitterPct,
	}
	if tp := cfg.Chaos.Latency.TailProfile; tp != nil {
		latency.P50 = time.Duration(tp.P50) * time.Millisecond
		latency.P95 = time.Duration(tp.P95) * time.Millisecond
		latency.P99 = time.Duration(tp.P99) * time.Millisecond
	}
	return chaos.Config{
		Enabled: cfg.Chaos.Enabled,
		Latency: latency,
		Faults:  faults,
		Breaker: chaos.BreakerConfig{
			FailureThreshold:   cfg.Chaos.CircuitBreaker.FailureThreshold,
			SuccessThreshold:   cfg.Chaos.CircuitBreaker.SuccessThreshold,
			Timeout:            time.Duration(cfg.Chaos.CircuitBreaker.TimeoutMs) * time.Millisecond,
			HalfOpenMax:        cfg.Chaos.CircuitBreaker.HalfOpenMaxRequests,
			FailureRateThresh:  cfg.Chaos.CircuitBreaker.FailureRateThreshold,
			MinRequestsForRate: cfg.Chaos.CircuitBreaker.MinRequestsForRate,
			RollingWindow:      time.Duration(cfg.Chaos.CircuitBreaker.RollingWindowMs) * time.Millisecond,
			DynamicThresholds:  cfg.Chaos.CircuitBreaker.DynamicThresholds,
			MinThreshold:       cfg.Chaos.CircuitBreaker.MinThreshold,
			MaxThreshold:       cfg.Chaos.CircuitBreaker.MaxThreshold,
		},
		Bulkhead: chaos.BulkheadConfig{
			MaxConcurrent: cfg.Chaos.Bulkhead.MaxConcurrentRequests,
			MaxQueue:      cfg.Chaos.Bulkhead.MaxQueueSize,
			QueueTimeout:  time.Duration(cfg.Chaos.Bulkhead.QueueTimeoutMs) * time.Millisecond,
		},
		BandwidthBytesPerSec: cfg.Chaos.BandwidthBytesPerSec,
	}
}

func scheduleFromConfig(ts config.TimeScheduleConfig) *reality.Schedule {
	if ts.Start == "" || ts.End == "" {
		return nil
	}
	start, err1 := time.Parse(time.RFC3339, ts.Start)
	end, err2 := time.Parse(time.RFC3339, ts.End)
	if err1 != nil || err2 != nil {
		return nil
	}
	return &reality.Schedule{
		Start:      start,
		End:        end,
		StartRatio: ts.StartRatio,
		EndRatio:   ts.EndRatio,
		Curve:      reality.Curve(ts.Curve),
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
