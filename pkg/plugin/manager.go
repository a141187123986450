package plugin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/panjf2000/ants/v2"

	"clawgate/pkg/auth"
	"clawgate/pkg/bus"
	"clawgate/pkg/channel"
	"clawgate/pkg/config"
	"clawgate/pkg/metrics"
)

// CredentialResolver is the part of auth.Manager the plugin manager depends on.
type CredentialResolver interface {
	Resolve(ctx context.Context, ch channel.ID, account string) (auth.ResolvedProfile, error)
	ReportFailure(profileID string, reason auth.Reason, detail error) error
}

// Options configures a Manager. Registry defaults to Default(); Bus and Metrics are optional.
type Options struct {
	Registry    *Registry
	Config      *config.Config
	Credentials CredentialResolver
	Bus         *bus.MessageBus
	Metrics     *metrics.Metrics
	Log         *slog.Logger
	// Replies is passed to every gateway; see GatewayParams.Replies.
	Replies bool
}

// Status is one row of the lifecycle table. Plugin rows leave Account empty.
type Status struct {
	Plugin    channel.ID `json:"plugin"`
	Account   string     `json:"account,omitempty"`
	State     State      `json:"state"`
	LastError string     `json:"last_error,omitempty"`
	Restarts  int        `json:"restarts,omitempty"`
	ProfileID string     `json:"profile_id,omitempty"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// Manager owns every plugin's lifecycle and one gateway handle per enabled account.
type Manager struct {
	registry *Registry
	cfg      *config.Config
	creds    CredentialResolver
	bus      *bus.MessageBus
	metrics  *metrics.Metrics
	log      *slog.Logger
	replies  bool

	initTimeout    time.Duration
	connectTimeout time.Duration
	grace          time.Duration
	concurrency    int
	restart        config.RestartConfig

	// life parents all start, connect, and restart work; Shutdown cancels it.
	life   context.Context
	cancel context.CancelFunc
	work   sync.WaitGroup

	mu      sync.RWMutex
	closing bool
	plugins map[channel.ID]*pluginRecord
	order   []channel.ID

	handles      cmap.ConcurrentMap[string, *gatewayHandle]
	shutdownOnce sync.Once
	shutdownErr  error
}

type pluginRecord struct {
	plugin     Plugin
	desc       Descriptor
	state      State
	registered bool
	lastErr    error
	updatedAt  time.Time
}

type gatewayHandle struct {
	plugin  channel.ID
	desc    Descriptor
	account config.AccountConfig

	mu         sync.Mutex
	state      State
	gateway    channel.Gateway
	gen        uint64
	profileID  string
	lastErr    error
	restarts   int
	restarting bool
	// streak counts restart attempts since the gateway last stayed up for a full
	// stability window; the restart budget is spent against it.
	streak       int
	runningSince time.Time
	updatedAt    time.Time
}

func handleKey(id channel.ID, account string) string {
	return string(id) + "/" + account
}

func NewManager(opts Options) (*Manager, error) {
	if opts.Config == nil {
		return nil, errors.New("config is required")
	}
	if opts.Credentials == nil {
		return nil, errors.New("credential resolver is required")
	}
	if opts.Registry == nil {
		opts.Registry = Default()
	}
	if opts.Log == nil {
		opts.Log = slog.Default()
	}

	life, cancel := context.WithCancel(context.Background())
	gw := opts.Config.Gateway

	return &Manager{
		registry:       opts.Registry,
		cfg:            opts.Config,
		creds:          opts.Credentials,
		bus:            opts.Bus,
		metrics:        opts.Metrics,
		log:            opts.Log.With("component", "plugin.manager"),
		replies:        opts.Replies,
		initTimeout:    gw.InitTimeout(),
		connectTimeout: gw.ConnectTimeout(),
		grace:          gw.ShutdownGrace(),
		concurrency:    gw.Concurrency(),
		restart:        gw.Restart,
		life:           life,
		cancel:         cancel,
		plugins:        make(map[channel.ID]*pluginRecord),
		handles:        cmap.New[*gatewayHandle](),
	}, nil
}

// InitializeAll seals the registry and runs every plugin's Register hook once.
//
// Only a sealing failure is returned; hook failures mark their plugin Failed.
func (m *Manager) InitializeAll(ctx context.Context) error {
	if err := m.registry.Seal(); err != nil {
		return fmt.Errorf("seal plugin registry: %w", err)
	}

	plugins := m.registry.plugins()
	records := make([]*pluginRecord, 0, len(plugins))
	for _, p := range plugins {
		records = append(records, m.track(p, StateRegistered))
	}

	tasks := make([]func(), 0, len(records))
	for _, rec := range records {
		tasks = append(tasks, func() { m.initialize(ctx, rec) })
	}
	m.fanOut(tasks)

	return nil
}

func (m *Manager) track(p Plugin, state State) *pluginRecord {
	rec := &pluginRecord{plugin: p, desc: p.Descriptor(), state: state, updatedAt: time.Now().UTC()}

	m.mu.Lock()
	m.plugins[rec.desc.ID] = rec
	m.order = append(m.order, rec.desc.ID)
	m.mu.Unlock()

	if state == StateInitialized {
		m.publish(bus.Event{Type: bus.EventPluginInitialized, Plugin: string(rec.desc.ID), State: string(state)})
	}

	return rec
}

func (m *Manager) initialize(ctx context.Context, rec *pluginRecord) {
	m.setPluginState(rec, StateInitializing, nil)

	if hasHooks(rec.plugin) {
		api := &scopedAPI{manager: m, owner: rec.desc.ID, log: m.log.With("plugin", string(rec.desc.ID))}
		api.setActive(true)
		err := runBounded(ctx, m.initTimeout, func() error { return rec.plugin.Register(api) })
		api.setActive(false)

		if err != nil {
			initErr := &PluginInitError{Plugin: rec.desc.ID, Err: err}
			m.setPluginState(rec, StateFailed, initErr)
			m.log.Error("Plugin initialization failed", "plugin", rec.desc.ID, "error", err)
			return
		}
	}

	m.mu.Lock()
	rec.registered = true
	m.mu.Unlock()

	m.setPluginState(rec, StateInitialized, nil)
	m.log.Info("Plugin initialized", "plugin", rec.desc.ID)
}

// StartChannelGateways starts one gateway per enabled account of every Initialized plugin.
//
// Per-account failures are recorded and do not stop other accounts. An error is
// returned only when every attempted account failed because the credential store
// was unavailable.
func (m *Manager) StartChannelGateways(ctx context.Context) error {
	var (
		handles []*gatewayHandle
		tasks   []func()
		started []*pluginRecord
	)

	for _, rec := range m.records() {
		if !m.setPluginStateIf(rec, StateInitialized, StateStarting) {
			continue
		}
		started = append(started, rec)

		channelCfg, _ := m.cfg.Channel(rec.desc.ID)
		accounts := channelCfg.ActiveAccounts()
		if len(accounts) == 0 {
			m.log.Info("Plugin has no enabled accounts", "plugin", rec.desc.ID)
			m.setPluginState(rec, StateRunning, nil)
			continue
		}

		for _, account := range accounts {
			h := &gatewayHandle{plugin: rec.desc.ID, desc: rec.desc, account: account, state: StateInitialized, updatedAt: time.Now().UTC()}
			if !m.handles.SetIfAbsent(handleKey(h.plugin, account.AccountID), h) {
				m.log.Warn("Duplicate account ignored", "plugin", h.plugin, "account", account.AccountID)
				continue
			}
			handles = append(handles, h)
			tasks = append(tasks, func() { m.startHandle(ctx, h) })
		}
	}

	m.fanOut(tasks)

	for _, rec := range started {
		m.refreshPlugin(rec.desc.ID)
	}

	var storeErr error
	for _, h := range handles {
		h.mu.Lock()
		lastErr := h.lastErr
		h.mu.Unlock()

		if !errors.Is(lastErr, auth.ErrStoreUnavailable) {
			return nil
		}
		storeErr = lastErr
	}
	if storeErr != nil {
		return fmt.Errorf("start channel gateways: %w", storeErr)
	}

	return nil
}

func (m *Manager) startHandle(ctx context.Context, h *gatewayHandle) {
	if !m.beginWork() {
		return
	}
	defer m.work.Done()

	restartable, err := m.attempt(ctx, h)
	if err != nil && restartable {
		m.scheduleRestart(h)
	}
}

// attempt runs one resolve, build, connect cycle for h. restartable reports whether a
// failure is worth retrying: only connect failures are.
func (m *Manager) attempt(ctx context.Context, h *gatewayHandle) (restartable bool, err error) {
	ctx, stop := m.bind(ctx)
	defer stop()

	h.mu.Lock()
	if m.life.Err() != nil || !m.moveHandle(h, StateStarting, nil) {
		h.mu.Unlock()
		return false, context.Canceled
	}
	h.gen++
	gen := h.gen
	h.mu.Unlock()

	log := m.log.With("plugin", string(h.plugin), "account", h.account.AccountID)

	resolved, err := m.creds.Resolve(ctx, h.plugin, h.account.AccountID)
	if err != nil {
		m.failHandle(h, gen, fmt.Errorf("resolve credential: %w", err))
		return false, err
	}

	h.mu.Lock()
	if h.gen != gen || m.life.Err() != nil {
		h.mu.Unlock()
		m.abortHandle(h, gen)
		return false, context.Canceled
	}
	h.profileID = resolved.ProfileID
	h.mu.Unlock()

	if h.desc.Factory == nil {
		err := errors.New("plugin has no gateway factory")
		m.failHandle(h, gen, err)
		return false, err
	}

	gw, err := m.build(ctx, h.desc.Factory, GatewayParams{
		Account:       h.account,
		Credential:    resolved.Handle,
		Log:           log,
		Replies:       m.replies,
		ReportFailure: func(err error) { m.reportFailure(h, gen, err) },
	})
	if err != nil {
		if m.life.Err() != nil {
			m.abortHandle(h, gen)
			return false, err
		}
		m.failHandle(h, gen, fmt.Errorf("create gateway: %w", err))
		return false, err
	}

	gw.OnInboundEvent(m.inbound(h))

	if err := m.connect(ctx, gw); err != nil {
		if m.life.Err() != nil {
			m.abortHandle(h, gen)
			return false, err
		}

		connectErr := &GatewayConnectError{Plugin: h.plugin, Account: h.account.AccountID, Err: err}
		m.failHandle(h, gen, connectErr)
		if errors.Is(err, auth.ErrUnauthorized) {
			m.invalidate(h, resolved.ProfileID, err)
			return false, connectErr
		}
		return true, connectErr
	}

	h.mu.Lock()
	if h.gen != gen {
		h.mu.Unlock()
		go m.disconnect(gw)
		return false, context.Canceled
	}
	h.gateway = gw
	h.runningSince = time.Now()
	m.moveHandle(h, StateRunning, nil)
	h.mu.Unlock()

	log.Info("Gateway running", "profile_id", resolved.ProfileID, "credential", resolved.Handle)
	m.refreshPlugin(h.plugin)
	return false, nil
}

// bind derives a context that ends with either ctx or the manager lifetime.
func (m *Manager) bind(ctx context.Context) (context.Context, context.CancelFunc) {
	bound, cancel := context.WithCancel(m.life)
	if ctx == nil {
		return bound, cancel
	}

	stop := context.AfterFunc(ctx, cancel)
	return bound, func() {
		stop()
		cancel()
	}
}

type buildResult struct {
	gw  channel.Gateway
	err error
}

// build bounds the factory call by the connect timeout. A gateway built after the
// deadline was never connected and is dropped.
func (m *Manager) build(ctx context.Context, factory Factory, params GatewayParams) (channel.Gateway, error) {
	ctx, cancel := context.WithTimeout(ctx, m.connectTimeout)
	defer cancel()

	done := make(chan buildResult, 1)
	go func() {
		gw, err := buildGateway(factory, params)
		done <- buildResult{gw: gw, err: err}
	}()

	select {
	case r := <-done:
		return r.gw, r.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("timed out after %s: %w", m.connectTimeout, ctx.Err())
		}
		return nil, ctx.Err()
	}
}

func buildGateway(factory Factory, params GatewayParams) (gw channel.Gateway, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("gateway factory panic: %v", r)
		}
	}()

	gw, err = factory(params)
	if err == nil && gw == nil {
		err = errors.New("gateway factory returned nil")
	}

	return gw, err
}

// connect bounds Connect by the connect timeout. A Connect that ignores its context is
// abandoned; if it later succeeds the connection is closed again.
func (m *Manager) connect(ctx context.Context, gw channel.Gateway) error {
	ctx, cancel := context.WithTimeout(ctx, m.connectTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("connect panic: %v", r)
			}
		}()
		done <- gw.Connect(ctx)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		go func() {
			if err := <-done; err == nil {
				m.disconnect(gw)
			}
		}()
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("timed out after %s: %w", m.connectTimeout, ctx.Err())
		}
		return ctx.Err()
	}
}

func (m *Manager) disconnect(gw channel.Gateway) {
	if gw == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), m.grace)
	defer cancel()

	if err := disconnectBounded(ctx, gw); err != nil {
		m.log.Warn("Gateway disconnect failed", "error", err)
	}
}

func disconnectBounded(ctx context.Context, gw channel.Gateway) error {
	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("disconnect panic: %v", r)
			}
		}()
		done <- gw.Disconnect(ctx)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// reportFailure handles an asynchronous failure raised by a running gateway.
func (m *Manager) reportFailure(h *gatewayHandle, gen uint64, cause error) {
	if cause == nil {
		cause = errors.New("gateway stopped unexpectedly")
	}

	h.mu.Lock()
	if h.gen != gen || h.state != StateRunning {
		h.mu.Unlock()
		return
	}
	gw := h.gateway
	h.gateway = nil
	profileID := h.profileID
	if time.Since(h.runningSince) >= m.restart.MaxInterval() {
		h.streak = 0
	}
	m.moveHandle(h, StateFailed, cause)
	h.mu.Unlock()

	m.log.Warn("Gateway failed", "plugin", h.plugin, "account", h.account.AccountID, "error", cause)
	m.refreshPlugin(h.plugin)

	// The report may come from inside the receive loop Disconnect waits on.
	go m.disconnect(gw)

	if errors.Is(cause, auth.ErrUnauthorized) {
		m.invalidate(h, profileID, cause)
		return
	}

	m.scheduleRestart(h)
}

func (m *Manager) failHandle(h *gatewayHandle, gen uint64, cause error) {
	h.mu.Lock()
	if h.gen != gen {
		h.mu.Unlock()
		return
	}
	m.moveHandle(h, StateFailed, cause)
	h.mu.Unlock()

	m.log.Error("Gateway start failed", "plugin", h.plugin, "account", h.account.AccountID, "error", cause)
	m.refreshPlugin(h.plugin)
}

// abortHandle settles a start interrupted by shutdown.
func (m *Manager) abortHandle(h *gatewayHandle, gen uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.gen != gen {
		return
	}
	if m.moveHandle(h, StateStopping, nil) {
		m.moveHandle(h, StateStopped, nil)
	}
}

func (m *Manager) invalidate(h *gatewayHandle, profileID string, cause error) {
	if profileID == "" {
		return
	}

	if err := m.creds.ReportFailure(profileID, auth.ReasonUnauthorized, cause); err != nil {
		m.log.Warn("Report credential failure failed", "profile_id", profileID, "error", err)
		return
	}

	m.log.Warn("Credential rejected by platform, not restarting", "plugin", h.plugin, "account", h.account.AccountID, "profile_id", profileID)
	m.publish(bus.Event{
		Type:      bus.EventCredentialInvalidated,
		Plugin:    string(h.plugin),
		AccountID: h.account.AccountID,
		Payload:   map[string]string{"profile_id": profileID},
		Error:     cause.Error(),
	})
}

func (m *Manager) scheduleRestart(h *gatewayHandle) {
	attempts := m.restart.Attempts()
	if attempts == 0 {
		m.log.Warn("Gateway restarts disabled", "plugin", h.plugin, "account", h.account.AccountID)
		return
	}

	h.mu.Lock()
	if h.restarting {
		h.mu.Unlock()
		return
	}
	h.restarting = true
	h.mu.Unlock()

	if !m.beginWork() {
		h.mu.Lock()
		h.restarting = false
		h.mu.Unlock()
		return
	}

	go func() {
		defer m.work.Done()
		m.superviseRestart(h, attempts)
	}()
}

// superviseRestart retries a failed gateway with exponential backoff until it runs,
// fails for a non-retryable reason, exhausts its attempts, or the manager shuts down.
// A gateway that keeps dropping right after reconnecting resumes the same budget and
// backoff curve instead of starting over.
func (m *Manager) superviseRestart(h *gatewayHandle, attempts int) {
	defer func() {
		h.mu.Lock()
		h.restarting = false
		h.mu.Unlock()
	}()

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = m.restart.InitialInterval()
	policy.MaxInterval = m.restart.MaxInterval()
	policy.Multiplier = m.restart.Factor()
	policy.MaxElapsedTime = 0
	policy.Reset()

	h.mu.Lock()
	spent := h.streak
	h.mu.Unlock()
	for range spent {
		policy.NextBackOff()
	}

	schedule := backoff.WithContext(policy, m.life)
	log := m.log.With("plugin", string(h.plugin), "account", h.account.AccountID)

	for {
		h.mu.Lock()
		exhausted := h.streak >= attempts
		h.mu.Unlock()

		if exhausted {
			log.Error("Gateway restart attempts exhausted", "attempts", attempts)
			m.publish(bus.Event{
				Type:      bus.EventGatewayFailed,
				Plugin:    string(h.plugin),
				AccountID: h.account.AccountID,
				State:     string(StateFailed),
				Payload:   map[string]string{"reason": "restarts_exhausted"},
			})
			return
		}

		wait := schedule.NextBackOff()
		if wait == backoff.Stop {
			return
		}

		timer := time.NewTimer(wait)
		select {
		case <-m.life.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		h.mu.Lock()
		h.streak++
		h.restarts++
		restarts := h.restarts
		h.mu.Unlock()

		m.metrics.GatewayRestart(string(h.plugin))
		m.publish(bus.Event{
			Type:      bus.EventGatewayRestarting,
			Plugin:    string(h.plugin),
			AccountID: h.account.AccountID,
			Payload:   map[string]string{"attempt": fmt.Sprint(restarts)},
		})
		log.Info("Restarting gateway", "attempt", restarts, "after", wait)

		restartable, err := m.attempt(m.life, h)
		if err == nil {
			h.mu.Lock()
			if h.state == StateRunning {
				h.restarting = false
				h.mu.Unlock()
				return
			}
			// Failed again before this loop noticed; keep spending the same budget.
			h.mu.Unlock()
			continue
		}
		if !restartable {
			return
		}
	}
}

// moveHandle applies a state transition; the caller holds h.mu.
func (m *Manager) moveHandle(h *gatewayHandle, next State, cause error) bool {
	prev := h.state
	if !prev.CanTransition(next) {
		m.log.Debug("Ignoring gateway transition", "plugin", h.plugin, "account", h.account.AccountID, "from", prev, "to", next)
		return false
	}

	h.state = next
	h.updatedAt = time.Now().UTC()
	if cause != nil {
		h.lastErr = cause
	}
	m.metrics.GatewayTransition(string(h.plugin), string(prev), string(next))

	event := bus.Event{Plugin: string(h.plugin), AccountID: h.account.AccountID, State: string(next)}
	switch next {
	case StateRunning:
		event.Type = bus.EventGatewayRunning
	case StateFailed:
		event.Type = bus.EventGatewayFailed
		if cause != nil {
			event.Error = cause.Error()
		}
	case StateStopped:
		event.Type = bus.EventGatewayStopped
	default:
		return true
	}
	m.publish(event)

	return true
}

func (m *Manager) inbound(h *gatewayHandle) channel.InboundHandler {
	return func(ctx context.Context, msg bus.InboundMessage) {
		msg.Channel = string(h.plugin)
		msg.AccountID = h.account.AccountID

		if m.bus == nil {
			return
		}
		if !m.bus.PublishInbound(ctx, msg) {
			m.log.Warn("Inbound message dropped", "plugin", h.plugin, "account", h.account.AccountID, "chat_id", msg.ChatID)
		}
	}
}

// Shutdown cancels outstanding work, disconnects running gateways within the shutdown
// grace, runs Unregister hooks, and moves every plugin to Stopped. Later calls return
// the first call's result.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.shutdownOnce.Do(func() {
		m.shutdownErr = m.shutdown(ctx)
	})

	return m.shutdownErr
}

func (m *Manager) shutdown(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	m.mu.Lock()
	m.closing = true
	m.mu.Unlock()
	m.cancel()

	workCtx, cancelWork := context.WithTimeout(ctx, m.grace)
	if !waitFor(workCtx, &m.work) {
		m.log.Warn("Gateway work still running at shutdown grace deadline")
	}
	cancelWork()

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		abandoned []string
	)

	// Starts that never settled are abandoned; bumping gen makes their late results no-ops.
	for item := range m.handles.IterBuffered() {
		h := item.Val

		h.mu.Lock()
		if h.state == StateInitialized || h.state == StateStarting {
			h.gen++
			m.moveHandle(h, StateFailed, errStartAbandoned)
			abandoned = append(abandoned, item.Key)
		}
		h.mu.Unlock()
	}

	// Disconnects get a grace window of their own, whatever the work wait used up.
	graceCtx, cancel := context.WithTimeout(ctx, m.grace)
	defer cancel()

	for item := range m.handles.IterBuffered() {
		h := item.Val

		h.mu.Lock()
		gw := h.gateway
		if h.state != StateRunning || gw == nil {
			h.mu.Unlock()
			continue
		}
		h.gateway = nil
		m.moveHandle(h, StateStopping, nil)
		h.mu.Unlock()

		wg.Add(1)
		go func() {
			defer wg.Done()

			err := disconnectBounded(graceCtx, gw)

			h.mu.Lock()
			defer h.mu.Unlock()

			if err != nil && graceCtx.Err() != nil {
				m.moveHandle(h, StateFailed, fmt.Errorf("disconnect abandoned: %w", err))
				mu.Lock()
				abandoned = append(abandoned, item.Key)
				mu.Unlock()
				return
			}
			if err != nil {
				m.log.Warn("Gateway disconnect failed", "plugin", h.plugin, "account", h.account.AccountID, "error", err)
				h.lastErr = err
			}
			m.moveHandle(h, StateStopped, nil)
		}()
	}
	wg.Wait()

	for _, rec := range m.records() {
		m.mu.RLock()
		registered := rec.registered
		state := rec.state
		m.mu.RUnlock()

		if registered && hasHooks(rec.plugin) {
			if err := runBounded(context.Background(), m.grace, rec.plugin.Unregister); err != nil {
				m.log.Warn("Plugin unregister failed", "plugin", rec.desc.ID, "error", err)
			}
		}

		if state == StateRunning || state == StateStarting {
			m.setPluginState(rec, StateStopping, nil)
		}
		m.setPluginState(rec, StateStopped, nil)
	}

	if len(abandoned) > 0 {
		slices.Sort(abandoned)
		return fmt.Errorf("shutdown: gateways abandoned after %s grace: %s", m.grace, strings.Join(abandoned, ", "))
	}

	m.log.Info("Plugin manager stopped")
	return nil
}

// Status reports every plugin followed by its account handles.
func (m *Manager) Status() []Status {
	var out []Status

	for _, rec := range m.records() {
		m.mu.RLock()
		out = append(out, Status{
			Plugin:    rec.desc.ID,
			State:     rec.state,
			LastError: errorString(rec.lastErr),
			UpdatedAt: rec.updatedAt,
		})
		m.mu.RUnlock()

		for _, h := range m.handlesFor(rec.desc.ID) {
			h.mu.Lock()
			out = append(out, Status{
				Plugin:    h.plugin,
				Account:   h.account.AccountID,
				State:     h.state,
				LastError: errorString(h.lastErr),
				Restarts:  h.restarts,
				ProfileID: h.profileID,
				UpdatedAt: h.updatedAt,
			})
			h.mu.Unlock()
		}
	}

	return out
}

// Ready reports whether at least one gateway is running.
func (m *Manager) Ready() bool {
	for item := range m.handles.IterBuffered() {
		h := item.Val
		h.mu.Lock()
		running := h.state == StateRunning
		h.mu.Unlock()
		if running {
			return true
		}
	}

	return false
}

// Send routes an outbound message to the running gateway for its channel and account.
// An empty account selects the plugin's only account, else the default account.
func (m *Manager) Send(ctx context.Context, msg bus.OutboundMessage) error {
	id, ok := channel.Normalize(msg.Channel)
	if !ok {
		return fmt.Errorf("send: unknown channel %q", msg.Channel)
	}

	account := strings.TrimSpace(msg.AccountID)
	if account == "" {
		account = config.DefaultAccountID
		if handles := m.handlesFor(id); len(handles) == 1 {
			account = handles[0].account.AccountID
		}
	}

	h, ok := m.handles.Get(handleKey(id, account))
	if !ok {
		return fmt.Errorf("send %s/%s: %w", id, account, ErrGatewayUnavailable)
	}

	h.mu.Lock()
	gw, state, gen := h.gateway, h.state, h.gen
	h.mu.Unlock()

	if state != StateRunning || gw == nil {
		return fmt.Errorf("send %s/%s: gateway is %s: %w", id, account, state, ErrGatewayUnavailable)
	}

	msg.Channel = string(id)
	msg.AccountID = account
	if err := gw.Send(ctx, msg); err != nil {
		if errors.Is(err, auth.ErrUnauthorized) {
			m.reportFailure(h, gen, err)
		}
		return fmt.Errorf("send %s/%s: %w", id, account, err)
	}

	return nil
}

// RunOutbound delivers outbound bus messages until ctx ends or the bus closes.
func (m *Manager) RunOutbound(ctx context.Context) {
	if m.bus == nil {
		return
	}

	for {
		msg, ok := m.bus.ConsumeOutbound(ctx)
		if !ok {
			return
		}
		if err := m.Send(ctx, msg); err != nil {
			m.log.Error("Outbound delivery failed", "channel", msg.Channel, "account", msg.AccountID, "chat_id", msg.ChatID, "error", err)
		}
	}
}

func (m *Manager) records() []*pluginRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*pluginRecord, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.plugins[id])
	}

	return out
}

func (m *Manager) handlesFor(id channel.ID) []*gatewayHandle {
	var out []*gatewayHandle
	for item := range m.handles.IterBuffered() {
		if item.Val.plugin == id {
			out = append(out, item.Val)
		}
	}
	slices.SortFunc(out, func(a, b *gatewayHandle) int {
		return strings.Compare(a.account.AccountID, b.account.AccountID)
	})

	return out
}

// refreshPlugin derives a started plugin's state from its handles: Running while any
// handle runs, Failed once all of them have failed.
func (m *Manager) refreshPlugin(id channel.ID) {
	handles := m.handlesFor(id)
	if len(handles) == 0 {
		return
	}

	running, failed := 0, 0
	var lastErr error
	for _, h := range handles {
		h.mu.Lock()
		switch h.state {
		case StateRunning:
			running++
		case StateFailed:
			failed++
			lastErr = h.lastErr
		}
		h.mu.Unlock()
	}

	m.mu.RLock()
	rec := m.plugins[id]
	m.mu.RUnlock()
	if rec == nil {
		return
	}

	switch {
	case running > 0:
		if m.setPluginStateIf(rec, StateFailed, StateStarting) {
			m.log.Info("Plugin recovered", "plugin", id)
		}
		m.setPluginStateIf(rec, StateStarting, StateRunning)
	case failed == len(handles):
		m.setPluginStateIf(rec, StateStarting, StateFailed, lastErr)
		m.setPluginStateIf(rec, StateRunning, StateFailed, lastErr)
	}
}

func (m *Manager) setPluginState(rec *pluginRecord, next State, cause error) bool {
	m.mu.Lock()
	prev := rec.state
	ok := m.applyPluginStateLocked(rec, next, cause)
	m.mu.Unlock()

	if ok && prev != next {
		m.publishPlugin(rec, next, cause)
	}

	return ok
}

// setPluginStateIf moves rec to next only while it is in from.
func (m *Manager) setPluginStateIf(rec *pluginRecord, from State, next State, cause ...error) bool {
	var err error
	if len(cause) > 0 {
		err = cause[0]
	}

	m.mu.Lock()
	if rec.state != from {
		m.mu.Unlock()
		return false
	}
	ok := m.applyPluginStateLocked(rec, next, err)
	m.mu.Unlock()

	if ok {
		m.publishPlugin(rec, next, err)
	}

	return ok
}

func (m *Manager) applyPluginStateLocked(rec *pluginRecord, next State, cause error) bool {
	if rec.state == next {
		return true
	}
	if !rec.state.CanTransition(next) {
		m.log.Debug("Ignoring plugin transition", "plugin", rec.desc.ID, "from", rec.state, "to", next)
		return false
	}

	rec.state = next
	rec.updatedAt = time.Now().UTC()
	if cause != nil {
		rec.lastErr = cause
	}

	return true
}

func (m *Manager) publishPlugin(rec *pluginRecord, next State, cause error) {
	event := bus.Event{Plugin: string(rec.desc.ID), State: string(next)}
	switch next {
	case StateInitialized:
		event.Type = bus.EventPluginInitialized
	case StateFailed:
		event.Type = bus.EventPluginFailed
		if cause != nil {
			event.Error = cause.Error()
		}
	case StateStopped:
		event.Type = bus.EventPluginStopped
	default:
		return
	}

	m.publish(event)
}

func (m *Manager) publish(event bus.Event) {
	if m.bus == nil {
		return
	}
	m.bus.PublishEvent(context.Background(), event)
}

// beginWork registers tracked background work unless shutdown has begun.
func (m *Manager) beginWork() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closing {
		return false
	}
	m.work.Add(1)
	return true
}

// fanOut runs tasks on a pool bounded by max_concurrent_starts and waits for all of them.
func (m *Manager) fanOut(tasks []func()) {
	if len(tasks) == 0 {
		return
	}

	pool, err := ants.NewPool(min(m.concurrency, len(tasks)))
	if err != nil {
		m.log.Warn("Worker pool unavailable, running tasks inline", "error", err)
		for _, task := range tasks {
			task()
		}
		return
	}
	defer pool.Release()

	var wg sync.WaitGroup
	for _, task := range tasks {
		wg.Add(1)
		if err := pool.Submit(func() {
			defer wg.Done()
			task()
		}); err != nil {
			wg.Done()
			task()
		}
	}
	wg.Wait()
}

// runBounded runs fn in its own goroutine and stops waiting when ctx ends or timeout
// passes. Panics surface as errors.
func runBounded(ctx context.Context, timeout time.Duration, fn func() error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic: %v", r)
			}
		}()
		done <- fn()
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("timed out after %s: %w", timeout, ctx.Err())
		}
		return ctx.Err()
	}
}

func waitFor(ctx context.Context, wg *sync.WaitGroup) bool {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}

func errorString(err error) string {
	if err == nil {
		return ""
	}

	return err.Error()
}

// scopedAPI is the registrar handed to one Register hook; it closes when the hook returns.
type scopedAPI struct {
	manager *Manager
	owner   channel.ID
	log     *slog.Logger

	mu     sync.Mutex
	active bool
}

func (a *scopedAPI) Logger() *slog.Logger { return a.log }

func (a *scopedAPI) RegisterChannel(d Descriptor) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.active {
		return &RegistryClosedError{Op: "register", ID: d.ID}
	}

	p, err := a.manager.registry.admit(d)
	if err != nil {
		return err
	}

	a.manager.track(p, StateInitialized)
	a.manager.mu.Lock()
	a.manager.plugins[d.ID].registered = true
	a.manager.mu.Unlock()

	a.log.Info("Channel registered by plugin", "channel", d.ID)
	return nil
}

func (a *scopedAPI) setActive(active bool) {
	a.mu.Lock()
	a.active = active
	a.mu.Unlock()
}
