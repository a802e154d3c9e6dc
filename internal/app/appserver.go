package app

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cheaterpersian-web/Apex/internal/core/dispatcher"
	"github.com/cheaterpersian-web/Apex/internal/core/health"
	"github.com/cheaterpersian-web/Apex/internal/core/history"
	"github.com/cheaterpersian-web/Apex/internal/core/supervisor"
	"github.com/cheaterpersian-web/Apex/internal/core/transport"
	"github.com/cheaterpersian-web/Apex/internal/core/validator"
	"github.com/cheaterpersian-web/Apex/internal/notify"
	"github.com/cheaterpersian-web/Apex/internal/policy"
	"github.com/cheaterpersian-web/Apex/internal/service/grpchealth"
	"github.com/cheaterpersian-web/Apex/internal/service/web"
	"github.com/cheaterpersian-web/Apex/internal/shared/globalstate"
	"github.com/cheaterpersian-web/Apex/internal/shared/logger"
	"github.com/cheaterpersian-web/Apex/internal/shared/settings"
	"github.com/cheaterpersian-web/Apex/internal/shared/types"
	"github.com/cheaterpersian-web/Apex/internal/storage"
)

// cycleRun is one RunAll pass. Callers arriving while it runs wait on done and share its results.
type cycleRun struct {
	id      string
	done    chan struct{}
	results []types.ProbeResult
}

// AppServer is the application's main struct.
type AppServer struct {
	cfg *types.Config

	store           storage.Store
	settingsManager *settings.SettingsManager

	// configLock 保护 protocols 的修改
	configLock sync.RWMutex
	protocols  map[string]*types.ProtocolDescriptor

	subscribersLock sync.RWMutex
	subscribers     []types.Subscriber

	regionsLock sync.RWMutex
	regions     map[string]map[string]types.ProbeResult

	cycleLock sync.Mutex
	cycle     *cycleRun

	dispatcher *dispatcher.Dispatcher
	detector   *history.Detector
	checker    *health.Checker
	policy     *policy.Engine

	hub        *web.Hub
	webServer  *web.Server
	grpcHealth *grpchealth.Server
	redis      *notify.RedisPublisher
	notifier   *notify.Multi

	isMobileMode bool

	ctx       context.Context
	cancel    context.CancelFunc
	waitGroup sync.WaitGroup
	stopOnce  sync.Once
}

// AppServer must implement the web controller and the subscriber source.
var _ web.MonitorController = (*AppServer)(nil)
var _ notify.SubscriberSource = (*AppServer)(nil)

// NewForPC creates a new AppServer instance for PC/file-based mode.
// configDir holds settings.json; the storage backend is chosen by cfg.
func NewForPC(cfg *types.Config, configDir string) (*AppServer, error) {
	sm, err := settings.NewSettingsManager(filepath.Join(configDir, "settings.json"))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize settings manager: %w", err)
	}

	openCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	store, err := storage.Open(openCtx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s storage: %w", cfg.StorageBackend, err)
	}

	return newAppServer(cfg, store, sm, false)
}

// NewForMobile creates a new AppServer instance for mobile/in-memory mode.
func NewForMobile(cfg *types.Config) (*AppServer, error) {
	// For mobile, settings manager runs in-memory without a file path.
	sm, err := settings.NewSettingsManager("")
	if err != nil {
		return nil, fmt.Errorf("failed to initialize in-memory settings manager: %w", err)
	}
	return newAppServer(cfg, storage.NewMemoryStorage(), sm, true)
}

// NewHeadless builds an AppServer over an existing store with in-memory settings and no outer
// services. The agent and tests use it.
func NewHeadless(cfg *types.Config, store storage.Store) (*AppServer, error) {
	sm, err := settings.NewSettingsManager("")
	if err != nil {
		return nil, err
	}
	return newAppServer(cfg, store, sm, true)
}

func newAppServer(cfg *types.Config, store storage.Store, sm *settings.SettingsManager, mobile bool) (*AppServer, error) {
	ctx, cancel := context.WithCancel(context.Background())
	s := &AppServer{
		cfg:             cfg,
		store:           store,
		settingsManager: sm,
		protocols:       make(map[string]*types.ProtocolDescriptor),
		regions:         make(map[string]map[string]types.ProbeResult),
		isMobileMode:    mobile,
		ctx:             ctx,
		cancel:          cancel,
	}

	// --- 探测引擎 ---
	prober := transport.New(transport.Options{RoutingMark: cfg.RoutingMark, BindInterface: cfg.BindInterface})
	sup := supervisor.New(supervisor.Options{StopGrace: time.Duration(cfg.StopGraceSec) * time.Second})
	s.dispatcher = dispatcher.New(prober, dispatcher.SupervisorStarter{Supervisor: sup}, validator.NewValidator(), dispatcher.OptionsFromConfig(cfg.ProbeConf))
	s.detector = history.NewDetector(history.NewHistory(), history.Options{
		NotifyFirstDown: cfg.NotifyFirstDown,
		NotifyOnlyUp:    cfg.NotifyOnlyUp,
	})
	s.checker = health.New(s.dispatcher, cfg.MaxConcurrency)
	s.policy = policy.NewEngine()

	// Register engine components as subscribers for their settings modules
	initialSettings := sm.Get()
	sm.Register(settings.ModuleProbe, s.dispatcher)
	sm.Register(settings.ModuleNotify, s.detector)
	sm.Register(settings.ModulePolicy, s.policy)
	if err := s.dispatcher.OnSettingsUpdate(settings.ModuleProbe, initialSettings.Probe); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to apply probe settings: %w", err)
	}
	if err := s.detector.OnSettingsUpdate(settings.ModuleNotify, initialSettings.Notify); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to apply notify settings: %w", err)
	}
	if err := s.policy.OnSettingsUpdate(settings.ModulePolicy, initialSettings.Policy); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to initialize policy engine with initial settings: %w", err)
	}

	// --- 通知 ---
	s.hub = web.NewHub()
	s.notifier = notify.NewMulti(s.hub, notify.NewSubscriberLog(s))
	if !mobile && cfg.GrpcPort > 0 {
		s.grpcHealth = grpchealth.New()
		s.notifier.Add(s.grpcHealth)
	}
	if !mobile && cfg.RedisAddr != "" {
		pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
		rp, err := notify.NewRedisPublisher(pingCtx, cfg.NotifyConf)
		pingCancel()
		if err != nil {
			// redis 不可用时不阻止启动
			logger.Warn().Err(err).Str("addr", cfg.RedisAddr).Msg("Redis notifier disabled.")
		} else {
			s.redis = rp
			s.notifier.Add(rp)
		}
	}
	if !mobile {
		s.webServer = web.NewServer(cfg.WebConf, sm, s, s.hub)
	}
	return s, nil
}

// Bootstrap loads protocols, history, subscribers and regions from the store.
func (s *AppServer) Bootstrap(ctx context.Context) error {
	protocols, err := s.store.LoadProtocols(ctx)
	if err != nil {
		return fmt.Errorf("failed to load protocols: %w", err)
	}
	loaded := acceptLoaded(protocols)
	s.configLock.Lock()
	s.protocols = loaded
	s.configLock.Unlock()

	results, err := s.store.LoadHistory(ctx)
	if err != nil {
		return fmt.Errorf("failed to load history: %w", err)
	}
	s.detector.History().Load(results)
	if s.grpcHealth != nil {
		for _, r := range results {
			s.grpcHealth.SetResult(r)
		}
	}

	subscribers, err := s.store.LoadSubscribers(ctx)
	if err != nil {
		return fmt.Errorf("failed to load subscribers: %w", err)
	}
	s.subscribersLock.Lock()
	s.subscribers = subscribers
	s.subscribersLock.Unlock()

	regions, err := s.store.LoadRegions(ctx)
	if err != nil {
		return fmt.Errorf("failed to load regional results: %w", err)
	}
	s.regionsLock.Lock()
	s.regions = regions
	s.regionsLock.Unlock()

	logger.Info().Int("protocols", len(loaded)).Int("history", len(results)).Int("subscribers", len(subscribers)).Msg("[AppServer] Bootstrap complete.")
	return nil
}

// Start bootstraps state and launches the hub, scheduler and outer services. It does not block.
func (s *AppServer) Start() error {
	globalstate.GlobalStatus.Set("Starting...")
	if err := s.Bootstrap(s.ctx); err != nil {
		return err
	}

	s.waitGroup.Add(1)
	go func() {
		defer s.waitGroup.Done()
		s.hub.Run(s.ctx) // 启动 Hub
	}()

	if s.webServer != nil {
		if err := s.webServer.Start(&s.waitGroup); err != nil {
			return err
		}
	}

	if s.grpcHealth != nil {
		s.waitGroup.Add(1)
		go func() {
			defer s.waitGroup.Done()
			if err := s.grpcHealth.ListenAndServe(s.cfg.GrpcPort); err != nil {
				logger.Error().Err(err).Int("port", s.cfg.GrpcPort).Msg("gRPC health server stopped with error.")
			}
		}()
	}

	s.waitGroup.Add(1)
	go s.schedulerLoop()

	globalstate.GlobalStatus.Set("Running")
	return nil
}

// Run is the server's entry point. It blocks until Stop is called.
func (s *AppServer) Run() error {
	logger.Info().Msg("Starting protocol monitor...")
	if err := s.Start(); err != nil {
		return err
	}
	s.Wait()
	return nil
}

// Wait blocks until all background goroutines have exited.
func (s *AppServer) Wait() {
	s.waitGroup.Wait()
}

// Stop gracefully shuts down the server. Running probes are cancelled, which stops their clients.
func (s *AppServer) Stop() {
	s.stopOnce.Do(func() {
		globalstate.GlobalStatus.Set("Stopping...")
		s.cancel()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if s.webServer != nil {
			if err := s.webServer.Shutdown(shutdownCtx); err != nil {
				logger.Warn().Err(err).Msg("Web server shutdown returned an error.")
			}
		}
		if s.grpcHealth != nil {
			s.grpcHealth.Stop()
		}

		// 等待正在进行的周期结束，确保历史已落盘
		s.cycleLock.Lock()
		run := s.cycle
		s.cycleLock.Unlock()
		if run != nil {
			select {
			case <-run.done:
			case <-shutdownCtx.Done():
				logger.Warn().Str("cycle_id", run.id).Msg("Probe cycle did not finish before shutdown.")
			}
		}

		if s.redis != nil {
			s.redis.Close()
		}
		if err := s.store.Close(); err != nil {
			logger.Warn().Err(err).Msg("Failed to close storage.")
		}
		globalstate.GlobalStatus.Set("Stopped")
	})
}

func (s *AppServer) checkInterval() time.Duration {
	if s.cfg.CheckIntervalSec <= 0 {
		return 60 * time.Second
	}
	return time.Duration(s.cfg.CheckIntervalSec) * time.Second
}

// schedulerLoop runs a full cycle at startup and then every check_interval_sec.
func (s *AppServer) schedulerLoop() {
	defer s.waitGroup.Done()

	ticker := time.NewTicker(s.checkInterval())
	defer ticker.Stop()

	for {
		if _, err := s.RunAll(s.ctx); err != nil && s.ctx.Err() == nil {
			logger.Warn().Err(err).Msg("[Scheduler] Probe cycle failed.")
		}
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RunAll probes every protocol once. If a cycle is already running the caller joins it instead of
// starting another. ctx only bounds how long the caller waits.
func (s *AppServer) RunAll(ctx context.Context) ([]types.ProbeResult, error) {
	s.cycleLock.Lock()
	run := s.cycle
	if run == nil {
		if err := s.ctx.Err(); err != nil {
			s.cycleLock.Unlock()
			return nil, err
		}
		run = &cycleRun{id: uuid.NewString(), done: make(chan struct{})}
		s.cycle = run
		go s.runCycle(run)
	} else {
		logger.Debug().Str("cycle_id", run.id).Msg("[AppServer] Joining running probe cycle.")
	}
	s.cycleLock.Unlock()

	select {
	case <-run.done:
		return run.results, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *AppServer) runCycle(run *cycleRun) {
	defer func() {
		s.cycleLock.Lock()
		s.cycle = nil
		s.cycleLock.Unlock()
		close(run.done)
	}()

	descs := s.snapshotProtocols()
	l := logger.WithComponent("Cycle")
	l.Info().Str("cycle_id", run.id).Int("protocols", len(descs)).Msg("Probe cycle started.")
	start := time.Now()

	results := s.checker.Check(s.ctx, descs)
	events := s.applyResults(results)
	s.persistHistory()
	s.deliver(events)

	run.results = results
	globalstate.GlobalStatus.CycleFinished(run.id, time.Now().UTC())
	l.Info().Str("cycle_id", run.id).Int("transitions", len(events)).Dur("elapsed", time.Since(start)).Msg("Probe cycle finished.")
}

// RunOne probes a single protocol. A probe for the same id already in flight is waited for.
func (s *AppServer) RunOne(ctx context.Context, id string) (types.ProbeResult, error) {
	desc, ok := s.protocol(id)
	if !ok {
		return types.ProbeResult{}, fmt.Errorf("protocol %q: %w", id, types.ErrNotFound)
	}
	result := s.dispatcher.RunProbe(ctx, desc)
	if result.Kind == types.KindProbeCancelled && ctx.Err() != nil {
		return result, ctx.Err()
	}
	events := s.applyResults([]types.ProbeResult{result})
	s.persistHistory()
	s.deliver(events)
	return result, nil
}

// applyResults feeds results to the change detector. Results for protocols removed while the
// probe ran are discarded.
func (s *AppServer) applyResults(results []types.ProbeResult) []types.TransitionEvent {
	var events []types.TransitionEvent
	for _, r := range results {
		if _, ok := s.protocol(r.ProtocolID); !ok {
			continue
		}
		if r.Kind == types.KindProbeCancelled {
			// 取消的探测不代表协议状态
			continue
		}
		if ev, ok := s.detector.Update(r); ok {
			events = append(events, ev)
		}
		if s.grpcHealth != nil {
			s.grpcHealth.SetResult(r)
		}
	}
	return events
}

func (s *AppServer) deliver(events []types.TransitionEvent) {
	if len(events) > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = s.notifier.Notify(ctx, events)
	}
	s.hub.BroadcastStatusUpdate()
}

func (s *AppServer) persistHistory() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.store.SaveHistory(ctx, s.detector.History().Snapshot()); err != nil {
		logger.Error().Err(err).Msg("[AppServer] Failed to persist probe history.")
	}
}

// Settings exposes the runtime settings manager.
func (s *AppServer) Settings() *settings.SettingsManager {
	return s.settingsManager
}

// StartMobile is the server's entry point for mobile platforms. It registers the given
// descriptors in the in-memory store and runs the scheduler without the HTTP or gRPC surfaces.
func (s *AppServer) StartMobile(descs []*types.ProtocolDescriptor) error {
	logger.Info().Bool("mobile", s.isMobileMode).Msg("Starting protocol monitor in 'mobile' mode...")
	if len(descs) > 0 {
		if err := s.AddProtocols(s.ctx, descs); err != nil {
			return err
		}
	}
	return s.Start()
}
