package updater

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fanyifanyi/fanyifanyi/internal/logger"
)

type Options struct {
	// UpdatesEnabled is false for development builds.
	UpdatesEnabled bool
	StartupDelay   time.Duration
	CheckInterval  time.Duration
	// ErrorCooldown suppresses automatic checks after a failed check.
	ErrorCooldown time.Duration
	// RelaunchOnReady restarts the app as soon as a package is staged.
	RelaunchOnReady bool
	Now             func() time.Time
}

func DefaultOptions() Options {
	return Options{
		UpdatesEnabled:  true,
		StartupDelay:    2 * time.Second,
		CheckInterval:   24 * time.Hour,
		ErrorCooldown:   time.Hour,
		RelaunchOnReady: true,
	}
}

// Controller is the update state machine the UI drives. Long operations are
// excluded by status guards; mu only protects the fields themselves and is
// never held across a Host call.
type Controller struct {
	host  Host
	store Store
	sched Scheduler
	sink  EventSink
	opts  Options

	baseCtx context.Context
	cancel  context.CancelFunc

	startupOnce sync.Once
	startupDone chan struct{}

	// inflight counts running checks, downloads and the startup reconcile.
	// Add only happens under mu while not closed.
	inflight sync.WaitGroup

	mu          sync.Mutex
	status      Status
	info        *UpdateInfo
	err         *UpdateError
	progress    Progress
	lastAction  Action
	dismissed   bool
	lastErrorAt time.Time
	downloadGen uint64
	relaunched  bool
	startup     *StartupResult
	cancels     []CancelFunc
	started     bool
	closed      bool
}

func New(host Host, store Store, sched Scheduler, sink EventSink, opts Options) *Controller {
	def := DefaultOptions()
	if opts.StartupDelay <= 0 {
		opts.StartupDelay = def.StartupDelay
	}
	if opts.CheckInterval <= 0 {
		opts.CheckInterval = def.CheckInterval
	}
	if opts.ErrorCooldown <= 0 {
		opts.ErrorCooldown = def.ErrorCooldown
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Controller{
		host:        host,
		store:       store,
		sched:       sched,
		sink:        sink,
		opts:        opts,
		baseCtx:     ctx,
		cancel:      cancel,
		startupDone: make(chan struct{}),
		status:      StatusIdle,
	}
}

// Start runs the startup reconciler in the background and registers the
// automatic checks. It is a no-op after the first call.
func (c *Controller) Start() {
	c.mu.Lock()
	if c.started || c.closed {
		c.mu.Unlock()
		return
	}
	c.started = true
	c.inflight.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.inflight.Done()
		c.ReconcileStartup()
	}()

	if !c.opts.UpdatesEnabled {
		logger.Info("Updates disabled for this build, automatic checks are off")
		return
	}

	cancels := []CancelFunc{
		c.sched.After(c.opts.StartupDelay, c.autoCheck),
		c.sched.Every(c.opts.CheckInterval, c.autoCheck),
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		for _, cancel := range cancels {
			cancel()
		}
		return
	}
	c.cancels = cancels
	c.mu.Unlock()

	logger.Debug("Automatic update checks scheduled (delay=%s, interval=%s)", c.opts.StartupDelay, c.opts.CheckInterval)
}

// Close cancels pending timers and aborts any in-flight host call.
func (c *Controller) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	cancels := c.cancels
	c.cancels = nil
	c.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	c.cancel()
}

// Shutdown closes the controller and waits until in-flight checks and
// downloads have finished writing their state, or ctx ends.
func (c *Controller) Shutdown(ctx context.Context) error {
	c.Close()

	done := make(chan struct{})
	go func() {
		c.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Controller) autoCheck() {
	if c.isClosed() {
		return
	}
	if !c.store.AutoCheck() {
		logger.Debug("Automatic update check skipped: disabled in settings")
		return
	}
	_ = c.CheckForUpdates(context.Background(), false)
}

// CheckForUpdates asks the host for a newer release. Automatic checks swallow
// failures and back off for ErrorCooldown; manual checks surface them.
func (c *Controller) CheckForUpdates(ctx context.Context, manual bool) error {
	if !c.opts.UpdatesEnabled {
		return ErrUpdatesDisabled
	}

	c.mu.Lock()
	if c.closed || c.status == StatusChecking || c.status == StatusDownloading {
		c.mu.Unlock()
		return nil
	}
	if !manual && !c.lastErrorAt.IsZero() && c.opts.Now().Sub(c.lastErrorAt) < c.opts.ErrorCooldown {
		c.mu.Unlock()
		logger.Debug("Automatic update check skipped: last failure was less than %s ago", c.opts.ErrorCooldown)
		return nil
	}
	if manual {
		c.lastAction = ActionCheck
	}
	c.inflight.Add(1)
	defer c.inflight.Done()
	c.status = StatusChecking
	c.err = nil
	snap := c.snapshotLocked()
	c.mu.Unlock()
	c.publishSnapshot(EventStatus, snap)

	checkCtx, stop := c.bind(ctx)
	info, err := c.host.CheckRemoteManifest(checkCtx)
	stop()

	if err != nil {
		ue := Classify(err, PhaseCheck)
		c.mu.Lock()
		c.lastErrorAt = c.opts.Now()
		if manual {
			c.err = ue
			c.status = StatusError
		} else {
			c.status = c.restingStatusLocked()
		}
		snap = c.snapshotLocked()
		c.mu.Unlock()
		c.publishSnapshot(EventStatus, snap)

		if manual {
			logger.Error("Update check failed: %v", ue)
			return ue
		}
		logger.Warn("Automatic update check failed: %v", ue)
		return nil
	}

	c.store.SetLastCheckedAt(c.opts.Now())

	if info == nil {
		c.mu.Lock()
		c.info = nil
		c.status = StatusIdle
		snap = c.snapshotLocked()
		c.mu.Unlock()
		c.publishSnapshot(EventStatus, snap)
		logger.Debug("No update available")
		return nil
	}

	dismissed := c.store.DismissedVersion()

	c.mu.Lock()
	if dismissed != "" && dismissed == info.Version {
		c.info = nil
		c.dismissed = true
		c.status = StatusIdle
	} else {
		found := *info
		c.info = &found
		c.dismissed = false
		c.status = StatusAvailable
	}
	snap = c.snapshotLocked()
	c.mu.Unlock()
	c.publishSnapshot(EventStatus, snap)

	if snap.Dismissed {
		logger.Info("Update v%s available but dismissed by user", info.Version)
	} else {
		logger.Info("Update available: v%s -> v%s", c.host.CurrentVersion(), info.Version)
	}
	return nil
}

// DownloadAndInstall fetches and stages the held update. It only runs from
// the available state or as a retry from the error state.
func (c *Controller) DownloadAndInstall(ctx context.Context) error {
	if !c.opts.UpdatesEnabled {
		return ErrUpdatesDisabled
	}

	c.mu.Lock()
	if c.closed || c.info == nil || (c.status != StatusAvailable && c.status != StatusError) {
		c.mu.Unlock()
		return nil
	}
	info := *c.info
	c.inflight.Add(1)
	defer c.inflight.Done()
	c.status = StatusDownloading
	c.err = nil
	c.progress = Progress{}
	c.lastAction = ActionDownload
	c.relaunched = false
	c.downloadGen++
	gen := c.downloadGen
	snap := c.snapshotLocked()
	c.mu.Unlock()
	c.publishSnapshot(EventStatus, snap)

	logger.Info("Downloading update v%s", info.Version)
	c.store.MarkUpdateInProgress(info.Version)

	dlCtx, stop := c.bind(ctx)
	err := c.host.DownloadAndApply(dlCtx, info, func(downloaded, total uint64) {
		c.onProgress(gen, downloaded, total)
	})
	stop()

	if err != nil {
		// The package never landed, so there is nothing for the next launch to confirm.
		c.store.ClearUpdateInProgress()
		ue := Classify(err, PhaseDownload)

		c.mu.Lock()
		if c.downloadGen == gen {
			c.err = ue
			c.status = StatusError
		}
		snap = c.snapshotLocked()
		c.mu.Unlock()
		c.publishSnapshot(EventStatus, snap)

		logger.Error("Update v%s failed: %v", info.Version, ue)
		return ue
	}

	c.mu.Lock()
	c.status = StatusReady
	snap = c.snapshotLocked()
	c.mu.Unlock()
	c.publishSnapshot(EventStatus, snap)
	logger.Success("Update v%s staged", info.Version)

	if c.opts.RelaunchOnReady {
		return c.Relaunch(ctx)
	}
	return nil
}

func (c *Controller) onProgress(gen, downloaded, total uint64) {
	c.mu.Lock()
	if c.closed || c.downloadGen != gen || c.status != StatusDownloading {
		c.mu.Unlock()
		return
	}
	c.progress = Progress{Downloaded: downloaded, Total: total}
	snap := c.snapshotLocked()
	c.mu.Unlock()
	c.publishSnapshot(EventProgress, snap)
}

// Relaunch restarts into the staged package, at most once per download.
func (c *Controller) Relaunch(ctx context.Context) error {
	c.mu.Lock()
	if c.status != StatusReady {
		c.mu.Unlock()
		return ErrNotReady
	}
	if c.relaunched {
		c.mu.Unlock()
		return nil
	}
	c.relaunched = true
	c.mu.Unlock()

	logger.Info("Relaunching to finish the update")
	if err := c.host.Relaunch(ctx); err != nil {
		c.mu.Lock()
		c.relaunched = false
		c.mu.Unlock()
		logger.Error("Relaunch failed: %v", err)
		return fmt.Errorf("relaunch: %w", err)
	}
	return nil
}

// DismissUpdate skips the held version until ResetDismissed is called.
func (c *Controller) DismissUpdate() {
	c.mu.Lock()
	if c.status == StatusDownloading {
		c.mu.Unlock()
		return
	}
	var version string
	if c.info != nil {
		version = c.info.Version
		c.dismissed = true
	}
	c.info = nil
	c.err = nil
	c.status = StatusIdle
	snap := c.snapshotLocked()
	c.mu.Unlock()

	if version != "" {
		c.store.SetDismissedVersion(version)
		logger.Info("Update v%s dismissed", version)
	}
	c.publishSnapshot(EventStatus, snap)
}

// ResetDismissed forgets the dismissed version so the next check can surface it.
func (c *Controller) ResetDismissed() {
	c.store.ClearDismissedVersion()
	c.mu.Lock()
	c.dismissed = false
	snap := c.snapshotLocked()
	c.mu.Unlock()
	c.publishSnapshot(EventStatus, snap)
}

func (c *Controller) ClearError() {
	c.mu.Lock()
	if c.status != StatusError {
		c.mu.Unlock()
		return
	}
	c.err = nil
	c.status = c.restingStatusLocked()
	snap := c.snapshotLocked()
	c.mu.Unlock()
	c.publishSnapshot(EventStatus, snap)
}

// RetryLastAction replays the most recent manual check or download.
func (c *Controller) RetryLastAction(ctx context.Context) error {
	c.mu.Lock()
	action := c.lastAction
	c.mu.Unlock()

	switch action {
	case ActionDownload:
		return c.DownloadAndInstall(ctx)
	case ActionCheck:
		return c.CheckForUpdates(ctx, true)
	default:
		return nil
	}
}

func (c *Controller) AutoCheck() bool {
	return c.store.AutoCheck()
}

func (c *Controller) SetAutoCheck(enabled bool) {
	c.store.SetAutoCheck(enabled)
	if enabled {
		logger.Info("Automatic update checks enabled")
	} else {
		logger.Info("Automatic update checks disabled")
	}
}

func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

// ReconcileStartup runs the startup reconciler once and publishes the
// one-shot success event when this launch follows an update.
func (c *Controller) ReconcileStartup() StartupResult {
	c.startupOnce.Do(func() {
		res := Reconcile(c.store, c.host.CurrentVersion())
		c.mu.Lock()
		c.startup = &res
		c.mu.Unlock()
		close(c.startupDone)
		if res.WasUpdated {
			c.publish(Event{Type: EventSucceeded, Startup: &res})
		}
	})
	<-c.startupDone

	c.mu.Lock()
	defer c.mu.Unlock()
	return *c.startup
}

// StartupDone is closed once the startup reconciler has finished.
func (c *Controller) StartupDone() <-chan struct{} {
	return c.startupDone
}

// StartupResult returns the reconciler outcome, or false if it has not run yet.
func (c *Controller) StartupResult() (StartupResult, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.startup == nil {
		return StartupResult{}, false
	}
	return *c.startup, true
}

// AcknowledgeUpdate is called after the success notice was shown.
func (c *Controller) AcknowledgeUpdate() {
	AcknowledgeUpdate(c.store)
}

func (c *Controller) restingStatusLocked() Status {
	if c.info != nil {
		return StatusAvailable
	}
	return StatusIdle
}

func (c *Controller) snapshotLocked() Snapshot {
	snap := Snapshot{
		Status:     c.status,
		Progress:   c.progress,
		LastAction: c.lastAction,
		Dismissed:  c.dismissed,
		Enabled:    c.opts.UpdatesEnabled,
	}
	if c.info != nil {
		info := *c.info
		snap.Info = &info
	}
	if c.err != nil {
		e := *c.err
		snap.Error = &e
	}
	return snap
}

func (c *Controller) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// bind derives a context that is also cancelled when the controller closes.
func (c *Controller) bind(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(c.baseCtx, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

// publishSnapshot hands the sink its own copy, so events already published
// never change when the controller moves on.
func (c *Controller) publishSnapshot(typ string, snap Snapshot) {
	c.publish(Event{Type: typ, Snapshot: &snap})
}

func (c *Controller) publish(ev Event) {
	if c.sink == nil {
		return
	}
	c.sink.Publish(ev)
}
