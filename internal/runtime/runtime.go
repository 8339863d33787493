package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-aitalk/internal/aitalk"
	"github.com/loqalabs/loqa-aitalk/internal/bus"
	"github.com/loqalabs/loqa-aitalk/internal/capability"
	"github.com/loqalabs/loqa-aitalk/internal/config"
	"github.com/loqalabs/loqa-aitalk/internal/dictwatch"
	"github.com/loqalabs/loqa-aitalk/internal/eventstore"
	"github.com/loqalabs/loqa-aitalk/internal/natsserver"
	"github.com/loqalabs/loqa-aitalk/internal/tts"
	"golang.org/x/sync/errgroup"
)

const pruneInterval = time.Hour

type Runtime struct {
	cfg    config.Config
	logger *slog.Logger

	telemetry     *telemetry
	embedded      *natsserver.EmbeddedServer
	bus           *bus.Client
	store         *eventstore.Store
	client        *aitalk.Client
	registry      *capability.Registry
	service       *tts.Service
	watcher       *dictwatch.Watcher
	closers       []func()
	httpServer    *http.Server
	metricsServer *http.Server

	addr  atomic.Value
	ready atomic.Bool
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

// Addr is the address the HTTP server listens on once Start is running.
func (r *Runtime) Addr() string {
	addr, _ := r.addr.Load().(string)
	return addr
}

// Start brings up every component, serves until ctx is done and then tears
// everything down in reverse order.
func (r *Runtime) Start(ctx context.Context) error {
	defer r.closeAll()

	tel, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.telemetry = tel

	if err := r.startComponents(ctx); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	httpLn, err := net.Listen("tcp", fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port))
	if err != nil {
		return fmt.Errorf("listen http: %w", err)
	}
	r.httpServer = &http.Server{Handler: r.routes(), ReadHeaderTimeout: 5 * time.Second}
	r.addr.Store(httpLn.Addr().String())
	g.Go(func() error { return serve(r.httpServer, httpLn) })

	if bind := r.cfg.Telemetry.PrometheusBind; bind != "" && r.telemetry.handler != nil {
		metricsLn, err := net.Listen("tcp", bind)
		if err != nil {
			_ = httpLn.Close()
			return fmt.Errorf("listen metrics: %w", err)
		}
		mux := http.NewServeMux()
		mux.Handle("/metrics", r.telemetry.handler)
		r.metricsServer = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		g.Go(func() error { return serve(r.metricsServer, metricsLn) })
		r.logger.Info("metrics server listening", slog.String("addr", metricsLn.Addr().String()))
	}

	g.Go(func() error {
		r.pruneLoop(gctx)
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		r.ready.Store(false)
		r.logger.Info("runtime stopping")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		var errs []error
		for _, srv := range []*http.Server{r.httpServer, r.metricsServer} {
			if srv == nil {
				continue
			}
			if err := srv.Shutdown(shutdownCtx); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	})

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", r.Addr()), slog.String("mode", r.cfg.TTS.Mode))

	return g.Wait()
}

func serve(srv *http.Server, ln net.Listener) error {
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (r *Runtime) startComponents(ctx context.Context) error {
	embedded, err := natsserver.Start(r.cfg.Bus, r.logger)
	if err != nil {
		return fmt.Errorf("start embedded nats: %w", err)
	}
	if embedded != nil {
		r.embedded = embedded
		r.onClose(embedded.Shutdown)
	}

	busCfg := r.cfg.Bus
	if url := embedded.ClientURL(); url != "" {
		busCfg.Servers = []string{url}
	}
	r.bus, err = bus.Connect(ctx, r.cfg.RuntimeName, busCfg, r.logger)
	if err != nil {
		return fmt.Errorf("connect bus: %w", err)
	}
	r.onClose(r.bus.Close)

	r.store, err = eventstore.Open(ctx, r.cfg.EventStore, r.logger)
	if err != nil {
		return fmt.Errorf("open event store: %w", err)
	}
	r.onClose(func() {
		if err := r.store.Close(); err != nil {
			r.logger.Warn("event store close failed", slogError(err))
		}
	})

	engine, release, err := OpenEngine(r.cfg)
	if err != nil {
		return fmt.Errorf("open engine: %w", err)
	}
	r.onClose(func() {
		if err := release(); err != nil {
			r.logger.Warn("engine release failed", slogError(err))
		}
	})

	opts := ClientOptions(r.cfg, r.logger)
	if r.telemetry != nil {
		opts.MeterProvider = r.telemetry.meters
	}
	r.client, err = aitalk.Open(engine, opts)
	if err != nil {
		return fmt.Errorf("open aitalk: %w", err)
	}
	r.onClose(func() {
		if err := r.client.Close(); err != nil {
			r.logger.Warn("aitalk close failed", slogError(err))
		}
	})

	info := capability.EngineInfo{
		Mode:       r.cfg.TTS.Mode,
		Voice:      opts.Voice,
		Language:   r.cfg.AITalk.Language,
		SampleRate: r.client.SampleRate(),
	}
	r.registry, err = capability.NewRegistry(ctx, r.cfg.Node, capability.Speech(info), r.bus, r.logger)
	if err != nil {
		return fmt.Errorf("start capability registry: %w", err)
	}
	r.onClose(r.registry.Close)

	synth := tts.NewEngineSynth(r.client, func(voice string) {
		next := info
		next.Voice = voice
		if err := r.registry.Announce(capability.Speech(next)); err != nil {
			r.logger.Warn("failed to announce voice switch", slogError(err))
		}
	})
	r.service = tts.NewService(ctx, r.cfg.TTS, r.bus, synth, r.store, r.logger)
	if err := r.service.Start(); err != nil {
		return fmt.Errorf("start tts service: %w", err)
	}
	r.onClose(r.service.Close)

	if r.cfg.AITalk.WatchDictionaries {
		dicts := Dictionaries(r.cfg)
		r.watcher, err = dictwatch.New(r.cfg.AITalk.Dictionaries.Paths(), func(ctx context.Context) error {
			return r.client.ReloadDictionaries(ctx, dicts)
		}, 0, r.logger)
		if err != nil {
			return fmt.Errorf("watch dictionaries: %w", err)
		}
		r.watcher.Start(ctx)
		r.onClose(func() { _ = r.watcher.Close() })
	}
	return nil
}

func (r *Runtime) onClose(fn func()) {
	r.closers = append(r.closers, fn)
}

func (r *Runtime) closeAll() {
	for i := len(r.closers) - 1; i >= 0; i-- {
		r.closers[i]()
	}
	r.closers = nil
	if r.telemetry != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := r.telemetry.shutdown(ctx); err != nil {
			r.logger.Error("telemetry shutdown error", slogError(err))
		}
	}
}

func (r *Runtime) pruneLoop(ctx context.Context) {
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.store.Prune(ctx); err != nil && ctx.Err() == nil {
				r.logger.Warn("event store prune failed", slogError(err))
			}
		}
	}
}

func (r *Runtime) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	mux.HandleFunc("/v1/nodes", r.handleNodes)
	if r.telemetry != nil && r.telemetry.handler != nil {
		mux.Handle("/metrics", r.telemetry.handler)
	}
	return mux
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.isReady() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

func (r *Runtime) isReady() bool {
	return r.ready.Load() && r.bus.Healthy() && r.service.Healthy() && r.registry.Healthy()
}

func (r *Runtime) handleNodes(w http.ResponseWriter, req *http.Request) {
	filter := func(capability.NodeInfo) bool { return true }
	if voice := req.URL.Query().Get("voice"); voice != "" {
		filter = capability.WithVoiceFilter(voice)
	}
	nodes := r.registry.Query(filter)
	if nodes == nil {
		nodes = []capability.NodeInfo{}
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(nodes); err != nil {
		r.logger.Warn("encode nodes failed", slogError(err))
	}
}

func slogError(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.String("error", err.Error())
}
