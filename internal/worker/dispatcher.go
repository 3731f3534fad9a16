package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/fieldops/syncore/internal/clockutil"
	"github.com/fieldops/syncore/internal/compression"
	"github.com/fieldops/syncore/internal/config"
	"github.com/fieldops/syncore/internal/document"
	"github.com/fieldops/syncore/internal/store"
)

// requestedBy is the actor recorded against deferred-deletion scheduling
// when the worker itself drives a compression (not on behalf of an
// interactive user), reusing the synthetic system user from internal/store
// rather than inventing a second placeholder identity.
const requestedBy = store.SystemUserID

// jobResult is reported by a child compression goroutine back to the
// dispatcher over jobDone.
type jobResult struct {
	documentID   string
	queueEntryID string
	err          error
}

// Dispatcher is the Compression Worker (spec.md §4.E): one goroutine owns
// all mutable state below and is the only goroutine that ever reads or
// writes it; every other goroutine communicates through control or
// jobDone.
type Dispatcher struct {
	queue       *compression.Queue
	documents   *document.Repository
	service     *compression.Service
	maintenance *compression.Maintenance
	cfg         config.WorkerConfig
	clock       clockutil.Clock
	logger      *slog.Logger

	control chan Message
	jobDone chan jobResult

	// dispatcher-owned state; touched only inside Run's goroutine.
	maxConcurrency             int
	backgroundLimit            int
	device                     DeviceState
	paused                     bool
	pauseReason                string
	contentVisible             bool
	backgroundRemainingSeconds int
	memoryWarningUntil         time.Time
	activeJobs                 map[string]context.CancelFunc
}

// New builds a Dispatcher. It does not start the dispatch loop; call Run in
// its own goroutine.
func New(
	queue *compression.Queue,
	documents *document.Repository,
	service *compression.Service,
	maintenance *compression.Maintenance,
	cfg config.WorkerConfig,
	clock clockutil.Clock,
	logger *slog.Logger,
) *Dispatcher {
	if clock == nil {
		clock = clockutil.System{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		queue: queue, documents: documents, service: service, maintenance: maintenance,
		cfg: cfg, clock: clock, logger: logger,
		control:         make(chan Message, cfg.ControlMailboxBuffer),
		jobDone:         make(chan jobResult, 16),
		maxConcurrency:  cfg.MaxConcurrency,
		backgroundLimit: unboundedCap,
		device:          DeviceState{Battery: 1, Charging: true, Thermal: ThermalNominal, AppState: AppActive, AvailableMB: unboundedCap},
		contentVisible:  true,
		activeJobs:      make(map[string]context.CancelFunc),
	}
}

// Run is the dispatcher's main loop. It polls the control mailbox strictly
// before the interval timer (spec.md §9's preserved tokio::select! priority
// contract), then the timer, then job completions, then the maintenance
// cadence. It returns when ctx is cancelled or a Shutdown message arrives.
func (d *Dispatcher) Run(ctx context.Context) error {
	pollTicker := time.NewTicker(d.cfg.PollInterval)
	defer pollTicker.Stop()
	maintenanceTicker := time.NewTicker(d.cfg.MaintenanceInterval)
	defer maintenanceTicker.Stop()

	for {
		select {
		case msg := <-d.control:
			if d.handle(ctx, msg) {
				d.abortAll()
				return nil
			}
			continue
		default:
		}

		select {
		case <-ctx.Done():
			d.abortAll()
			return ctx.Err()
		case msg := <-d.control:
			if d.handle(ctx, msg) {
				d.abortAll()
				return nil
			}
		case <-pollTicker.C:
			d.pollTick(ctx)
		case res := <-d.jobDone:
			d.onJobDone(ctx, res)
		case <-maintenanceTicker.C:
			d.runMaintenance(ctx)
		}
	}
}

func (d *Dispatcher) abortAll() {
	for id, cancel := range d.activeJobs {
		cancel()
		delete(d.activeJobs, id)
	}
}

// hasCapacity implements spec.md §4.E's admission rule.
func (d *Dispatcher) hasCapacity() bool {
	if d.paused || !d.contentVisible {
		return false
	}
	if d.clock.Now().Before(d.memoryWarningUntil) {
		return false
	}
	if d.backgroundRemainingSeconds > 0 && d.backgroundRemainingSeconds < 10 {
		return false
	}
	max := effectiveConcurrency(d.cfg, d.maxConcurrency, d.backgroundLimit, d.device, d.clock.Now())
	return len(d.activeJobs) < max
}

func (d *Dispatcher) pollTick(ctx context.Context) {
	for d.hasCapacity() {
		entry, err := d.queue.NextForCompression(ctx)
		if err != nil {
			d.logger.Error("worker: next_for_compression failed", slog.Any("error", err))
			return
		}
		if entry == nil {
			return
		}
		d.spawnJob(entry)
	}
}

func (d *Dispatcher) spawnJob(entry *compression.Entry) {
	jobCtx, cancel := context.WithCancel(context.Background())
	d.activeJobs[entry.DocumentID] = cancel
	go d.runJob(jobCtx, entry.ID, entry.DocumentID)
}

func (d *Dispatcher) runJob(ctx context.Context, queueEntryID, documentID string) {
	doc, err := d.documents.Get(ctx, documentID)
	var timeout time.Duration
	if err == nil {
		timeout = jobTimeout(d.cfg, doc.SizeBytes)
	} else {
		timeout = d.cfg.TimeoutMedium
	}

	jobCtx, cancelTimeout := context.WithTimeout(ctx, timeout)
	defer cancelTimeout()

	_, cErr := d.service.CompressDocument(jobCtx, documentID, queueEntryID, requestedBy)

	if cErr != nil && errors.Is(jobCtx.Err(), context.DeadlineExceeded) {
		// Timeout fired; treat as success if the document reached a
		// terminal completed state in the meantime (spec.md §4.E step 3).
		if fresh, gerr := d.documents.Get(context.Background(), documentID); gerr == nil && fresh.CompressionStatus == document.CompressionCompleted {
			cErr = nil
		}
	}

	d.jobDone <- jobResult{documentID: documentID, queueEntryID: queueEntryID, err: cErr}
}

func (d *Dispatcher) onJobDone(ctx context.Context, res jobResult) {
	delete(d.activeJobs, res.documentID)

	switch {
	case res.err == nil:
		return
	case errors.Is(res.err, compression.ErrInUse):
		if err := d.queue.RequeueInUse(ctx, res.queueEntryID, res.documentID); err != nil {
			d.logger.Error("worker: requeue on in-use failed", slog.String("document_id", res.documentID), slog.Any("error", err))
		}
	default:
		// Every other rejection path already persisted a terminal
		// document/queue/stats state inside compression.Service; the
		// worker only needs to log.
		d.logger.Warn("worker: compression did not complete",
			slog.String("document_id", res.documentID), slog.Any("error", res.err))
	}
}

func (d *Dispatcher) runMaintenance(ctx context.Context) {
	stale, err := d.maintenance.CleanupStaleDocuments(ctx)
	if err != nil {
		d.logger.Error("worker: cleanup_stale_documents failed", slog.Any("error", err))
	}
	reset, err := d.maintenance.ResetStuckJobs(ctx)
	if err != nil {
		d.logger.Error("worker: reset_stuck_jobs failed", slog.Any("error", err))
	}
	d.logger.Info("worker: maintenance pass complete", slog.Int("stale_cleaned", stale), slog.Int("stuck_reset", reset))
}

// handle applies one control message to dispatcher-owned state and returns
// true iff the dispatcher should stop (Shutdown).
func (d *Dispatcher) handle(ctx context.Context, msg Message) bool {
	switch m := msg.(type) {
	case ProcessNowMsg:
		started := 0
		for started < d.cfg.ProcessNowBatch && d.hasCapacity() {
			entry, err := d.queue.NextForCompression(ctx)
			if err != nil || entry == nil {
				break
			}
			d.spawnJob(entry)
			started++
		}
		m.Reply <- started

	case CancelDocumentMsg:
		cancel, ok := d.activeJobs[m.DocumentID]
		if ok {
			cancel()
			delete(d.activeJobs, m.DocumentID)
		}
		if _, err := d.queue.Remove(ctx, m.DocumentID); err != nil {
			d.logger.Error("worker: cancel_document remove failed", slog.Any("error", err))
		}
		m.Reply <- ok

	case UpdatePriorityMsg:
		_, err := d.queue.UpdatePriority(ctx, m.DocumentID, m.Priority)
		m.Reply <- err

	case GetStatusMsg:
		m.Reply <- d.snapshot()

	case GetIOSStatusMsg:
		m.Reply <- d.snapshot()

	case SetMaxConcurrencyMsg:
		d.maxConcurrency = m.N
		m.Reply <- struct{}{}

	case UpdateIOSStateMsg:
		d.device = DeviceState{Battery: m.Battery, Charging: m.Charging, Thermal: m.Thermal, AppState: m.AppState, AvailableMB: m.MemoryMB}
		d.autoAdjustForDeviceState()
		m.Reply <- struct{}{}

	case HandleMemoryPressureMsg:
		d.handleMemoryPressure(m.Level)
		m.Reply <- struct{}{}

	case SetPausedMsg:
		d.paused = m.Paused
		if m.Paused {
			d.pauseReason = m.Reason
		} else {
			d.pauseReason = ""
		}
		m.Reply <- struct{}{}

	case HandleBackgroundTaskExtensionMsg:
		d.backgroundRemainingSeconds = m.RemainingSeconds
		switch {
		case m.RemainingSeconds < 10:
			d.paused = true
			d.pauseReason = "background task time nearly exhausted"
		case m.RemainingSeconds > 20 && containsCaseInsensitive(d.pauseReason, "background"):
			d.paused = false
			d.pauseReason = ""
		}
		m.Reply <- struct{}{}

	case HandleContentVisibilityMsg:
		d.contentVisible = m.Visible
		m.Reply <- struct{}{}

	case HandleAppLifecycleEventMsg:
		switch m.Event {
		case EventEnteringBackground:
			d.device.AppState = AppBackground
		case EventBecomingActive:
			d.device.AppState = AppActive
		case EventResignedActive:
			d.device.AppState = AppInactive
		}
		m.Reply <- struct{}{}

	case ShutdownMsg:
		m.Reply <- struct{}{}
		return true

	default:
		d.logger.Error("worker: unknown control message", slog.String("type", fmt.Sprintf("%T", msg)))
	}
	return false
}

// autoAdjustForDeviceState is UpdateIOSState's auto-adjust rule (spec.md
// §4.E).
func (d *Dispatcher) autoAdjustForDeviceState() {
	switch {
	case d.device.Thermal == ThermalCritical && d.cfg.PauseOnCriticalThermal:
		d.paused = true
		d.pauseReason = "Critical thermal state"
	case !d.device.Charging && d.device.Battery < d.cfg.LowBatteryThreshold && d.cfg.RespectLowPowerMode:
		d.paused = true
		d.pauseReason = "Low battery"
	case d.paused && (containsCaseInsensitive(d.pauseReason, "thermal") || containsCaseInsensitive(d.pauseReason, "battery")):
		if d.device.Thermal != ThermalCritical && (d.device.Charging || d.device.Battery >= d.cfg.LowBatteryThreshold) {
			d.paused = false
			d.pauseReason = ""
		}
	}
}

// handleMemoryPressure is spec.md §4.E's HandleMemoryPressure rule.
func (d *Dispatcher) handleMemoryPressure(level MemoryPressureLevel) {
	switch level {
	case MemoryNormal:
		if containsCaseInsensitive(d.pauseReason, "memory") {
			d.paused = false
			d.pauseReason = ""
		}
	case MemoryWarning:
		d.backgroundLimit = 1
		d.memoryWarningUntil = d.clock.Now().Add(d.cfg.MemoryWarningGuard)
	case MemoryCritical:
		d.paused = true
		d.pauseReason = "Critical memory pressure"
		d.cancelAllButFirst()
	}
}

// cancelAllButFirst aborts every active job except one, used by the
// critical-memory-pressure response (spec.md §4.E).
func (d *Dispatcher) cancelAllButFirst() {
	kept := false
	for id, cancel := range d.activeJobs {
		if !kept {
			kept = true
			continue
		}
		cancel()
		delete(d.activeJobs, id)
	}
}

func (d *Dispatcher) snapshot() Status {
	running := make([]string, 0, len(d.activeJobs))
	for id := range d.activeJobs {
		running = append(running, id)
	}
	return Status{
		Active:           len(d.activeJobs),
		Max:              d.maxConcurrency,
		EffectiveMax:     effectiveConcurrency(d.cfg, d.maxConcurrency, d.backgroundLimit, d.device, d.clock.Now()),
		PollInterval:     d.cfg.PollInterval,
		RunningDocuments: running,
		Device:           d.device,
		Paused:           d.paused,
		PauseReason:      d.pauseReason,
	}
}

func containsCaseInsensitive(haystack, needle string) bool {
	if needle == "" {
		return false
	}
	return strings.Contains(strings.ToLower(haystack), strings.ToLower(needle))
}
