// Command priceguard runs the adaptive price-monitoring runtime: it loads
// a monitored URL list and a config file, wires the Scheduler, Concurrency
// Queue, Extraction Engine and Adaptive Learning Layer into one Runtime,
// and serves a health endpoint until interrupted. Grounded on the
// teacher's flag-driven CLI bootstrap.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jnbrc0de/scrapingsmart/browser"
	"github.com/jnbrc0de/scrapingsmart/config"
	"github.com/jnbrc0de/scrapingsmart/configx"
	"github.com/jnbrc0de/scrapingsmart/engine"
	"github.com/jnbrc0de/scrapingsmart/learning"
	"github.com/jnbrc0de/scrapingsmart/models"
	"github.com/jnbrc0de/scrapingsmart/proxy"
	"github.com/jnbrc0de/scrapingsmart/queue"
	"github.com/jnbrc0de/scrapingsmart/runtime"
	"github.com/jnbrc0de/scrapingsmart/scheduler"
	"github.com/jnbrc0de/scrapingsmart/strategystore"
	"github.com/jnbrc0de/scrapingsmart/telemetry/events"
	"github.com/jnbrc0de/scrapingsmart/telemetry/logging"
	"github.com/jnbrc0de/scrapingsmart/telemetry/metrics"
)

func main() {
	var (
		urlList     string
		urlFile     string
		configPath  string
		healthAddr  string
		metricsAddr string
		domainRules string
		showVersion bool
	)
	flag.StringVar(&urlList, "urls", "", "Comma separated list of seed product URLs")
	flag.StringVar(&urlFile, "url-file", "", "Path to file containing one product URL per line")
	flag.StringVar(&configPath, "config", "", "Path to YAML config file (defaults applied if omitted)")
	flag.StringVar(&healthAddr, "health", "", "Expose health endpoint on address (e.g. :9091)")
	flag.StringVar(&metricsAddr, "metrics", "", "Expose metrics endpoint on address (e.g. :9090), requires telemetry.metrics_enabled")
	flag.StringVar(&domainRules, "domain-rules", "", "Path to a JSON configx EngineConfigSpec domain-layer override file, hot-reloaded on change")
	flag.BoolVar(&showVersion, "version", false, "Show version and exit")
	flag.Parse()

	if showVersion {
		fmt.Println("priceguard - adaptive scraping core")
		return
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	urls, err := gatherURLs(urlList, urlFile)
	if err != nil {
		log.Fatalf("collect urls: %v", err)
	}
	if len(urls) == 0 {
		fmt.Println("No URLs provided. Use -urls or -url-file.")
		os.Exit(1)
	}

	baseLog := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel(cfg.Global.LogLevel)}))
	corrLog := logging.New(baseLog)
	metricsProv := metricsProvider(cfg)
	bus := events.NewBus(metricsProv)

	store := strategystore.New()
	seedStore(store, urls, cfg)

	learningLayer := learning.New(learning.Config{
		ReprioritizeEvery:   50,
		VariantEvery:        50,
		VariantFanout:       3,
		VariantTriggerConf:  0.8,
		VariantTriggerMin:   10,
		ProbationAttempts:   5,
		ProbationConfidence: cfg.Strategy.ProbationMaxConfidence,
		RetireConfidence:    cfg.Strategy.RetirementMaxConfidence,
		RetireMinAttempts:   cfg.Strategy.RetirementMinAttempts,
	}, store, corrLog)
	learningLayer.SetMetrics(metricsProv)

	if err := learningLayer.SeedGeneric(context.Background()); err != nil {
		log.Fatalf("seed generic strategies: %v", err)
	}

	q := queue.New(cfg.Queue)
	q.SetLogger(corrLog)
	q.SetMetrics(metricsProv)
	sched := scheduler.New(cfg.Scheduler, store, q, runtime.QueueDispatcher{Queue: q}, corrLog)

	proxyPool := proxy.NewPool(nil)
	sessionPool := browser.NewPool(browser.NewCollyFactory(nil), cfg.Queue.MaxConcurrency)
	fingerprints := []browser.FingerprintProfile{{Name: "default", UserAgent: cfg.Engine.UserAgent}}

	eng := engine.New(engine.Defaults(), sessionPool, proxyPool, store, fingerprints)
	eng.SetLogger(corrLog)
	eng.SetMetrics(metricsProv)

	rt := runtime.New(cfg, runtime.Deps{
		Scheduler: sched,
		Queue:     q,
		Engine:    eng,
		Learning:  learningLayer,
		Store:     store,
		Log:       corrLog,
		Events:    bus,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if domainRules != "" {
		go watchDomainRules(ctx, domainRules, q, sched, rt, baseLog)
	}

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		baseLog.Info("signal received, shutting down")
		cancel()
		<-sigCh
		baseLog.Warn("second signal received, forcing exit")
		os.Exit(1)
	}()

	rt.Start(ctx)

	if healthAddr != "" {
		go serveHealth(ctx, healthAddr, rt, baseLog)
	}
	if metricsAddr != "" && cfg.Telemetry.MetricsEnabled {
		go serveMetrics(ctx, metricsAddr, cfg, metricsProv, baseLog)
	}

	<-ctx.Done()
	rt.Stop()

	for _, r := range store.Records() {
		b, _ := json.Marshal(r)
		fmt.Println(string(b))
	}
}

// watchDomainRules hot-reloads a configx domain-layer override file: each
// write applies DomainRule.BaseIntervalOverride into the scheduler and
// RateRules.DomainRPS into the queue's rate limiter, without restarting the
// runtime, and publishes a config_change event so any subscriber (a
// dashboard, the health evaluator) observes the reload.
func watchDomainRules(ctx context.Context, path string, q *queue.Queue, sched *scheduler.Scheduler, rt *runtime.Runtime, log *slog.Logger) {
	w, err := configx.NewWatcher(path)
	if err != nil {
		log.Error("configx: watcher setup failed", "path", path, "error", err)
		return
	}
	defer func() { _ = w.Close() }()

	specs, errs := w.Watch(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case spec, ok := <-specs:
			if !ok {
				return
			}
			applyDomainLayer(spec, q, sched)
			_ = rt.PublishHealthTransition(ctx, events.Event{
				Category: events.CategoryConfig,
				Type:     "domain_rules_reloaded",
			})
		case err, ok := <-errs:
			if !ok {
				continue
			}
			log.Error("configx: domain rules reload failed", "path", path, "error", err)
		}
	}
}

func applyDomainLayer(spec *configx.EngineConfigSpec, q *queue.Queue, sched *scheduler.Scheduler) {
	if spec == nil || spec.Scheduling == nil {
		return
	}
	for domain, rule := range spec.Scheduling.DomainRules {
		if rule == nil {
			continue
		}
		sched.SetDomainBaseIntervalOverride(domain, rule.BaseIntervalOverride)
	}
	if rr := spec.Scheduling.RateRules; rr != nil {
		for domain, rps := range rr.DomainRPS {
			q.SetDomainRateOverride(domain, rps)
		}
	}
}

func loadConfig(path string) (config.Config, error) {
	if path == "" {
		return config.Defaults(), nil
	}
	return config.Load(path)
}

func seedStore(store *strategystore.Store, urls []string, cfg config.Config) {
	for i, u := range urls {
		domain := hostOf(u)
		store.PutURL(models.MonitoredURL{
			ID:           fmt.Sprintf("u%d", i),
			URL:          u,
			Domain:       domain,
			Priority:     5,
			BaseInterval: 6 * time.Hour,
			Active:       true,
		})
	}
}

func hostOf(rawURL string) string {
	trimmed := strings.TrimPrefix(strings.TrimPrefix(rawURL, "https://"), "http://")
	if i := strings.IndexByte(trimmed, '/'); i >= 0 {
		trimmed = trimmed[:i]
	}
	return trimmed
}

func metricsProvider(cfg config.Config) metrics.Provider {
	if !cfg.Telemetry.MetricsEnabled {
		return metrics.NewNoopProvider()
	}
	switch strings.ToLower(cfg.Telemetry.MetricsBackend) {
	case "otel":
		return metrics.NewOTelProvider(metrics.OTelProviderOptions{})
	case "prom":
		return metrics.NewPrometheusProvider(metrics.PrometheusProviderOptions{})
	default:
		return metrics.NewNoopProvider()
	}
}

func serveHealth(ctx context.Context, addr string, rt *runtime.Runtime, log *slog.Logger) {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		snap := rt.HealthSnapshot(r.Context())
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(snap)
	})
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		<-ctx.Done()
		_ = srv.Shutdown(context.Background())
	}()
	log.Info("health endpoint listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Error("health server failed", "error", err)
	}
}

func serveMetrics(ctx context.Context, addr string, cfg config.Config, p metrics.Provider, log *slog.Logger) {
	mux := http.NewServeMux()
	if pp, ok := p.(*metrics.PrometheusProvider); ok {
		mux.Handle("/metrics", pp.MetricsHandler())
	} else {
		mux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		})
	}
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		<-ctx.Done()
		_ = srv.Shutdown(context.Background())
	}()
	log.Info("metrics endpoint listening", "addr", addr, "backend", cfg.Telemetry.MetricsBackend)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Error("metrics server failed", "error", err)
	}
}

func logLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func gatherURLs(list, file string) ([]string, error) {
	urls := []string{}
	if list != "" {
		for _, s := range strings.Split(list, ",") {
			s = strings.TrimSpace(s)
			if s != "" {
				urls = append(urls, s)
			}
		}
	}
	if file != "" {
		f, err := os.Open(file)
		if err != nil {
			return nil, err
		}
		defer func() { _ = f.Close() }()
		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line != "" && !strings.HasPrefix(line, "#") {
				urls = append(urls, line)
			}
		}
		if err := scanner.Err(); err != nil {
			return nil, err
		}
	}
	seen := make(map[string]struct{}, len(urls))
	out := make([]string, 0, len(urls))
	for _, u := range urls {
		if _, ok := seen[u]; ok {
			continue
		}
		seen[u] = struct{}{}
		out = append(out, u)
	}
	return out, nil
}
