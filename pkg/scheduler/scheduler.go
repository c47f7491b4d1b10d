// Package scheduler drives the periodic record sync of every kintone
// connector, either on demand (the cron endpoint) or from an in-process
// cron schedule.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/Ramsey-B/clover/pkg/apperrors"
	appctx "github.com/Ramsey-B/clover/pkg/context"
	"github.com/Ramsey-B/clover/pkg/metrics"
	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/recordsync"
	"github.com/Ramsey-B/clover/pkg/redis"
	"github.com/Ramsey-B/clover/pkg/tracing"
)

var (
	// ErrSchedulerAlreadyRunning is returned when trying to start an already running scheduler
	ErrSchedulerAlreadyRunning = errors.New("scheduler already running")
)

const (
	// DefaultLockTTL bounds how long one run may hold the cluster wide lock
	DefaultLockTTL = 30 * time.Minute

	// RunLockKey serializes runs across instances
	RunLockKey = "scheduler:record-sync"

	EventSyncCompleted = "sync.completed"
	EventSyncFailed    = "sync.failed"
)

type ConnectorLister interface {
	ListByProviderStatus(ctx context.Context, provider models.Provider, status models.ConnectorStatus) ([]models.Connector, error)
}

type Syncer interface {
	SyncAll(ctx context.Context, connectorID uuid.UUID) (*recordsync.Result, error)
}

type StatusWriter interface {
	SetStatus(ctx context.Context, id uuid.UUID, status models.ConnectorStatus, errorMessage *string) error
	AppendLog(ctx context.Context, id uuid.UUID, level models.LogLevel, event string, detail map[string]any) error
}

type Locker interface {
	WithLock(ctx context.Context, key string, ttl, wait time.Duration, fn func(ctx context.Context) error) error
}

// ConnectorResult is the outcome of one connector in a run
type ConnectorResult struct {
	ConnectorID uuid.UUID              `json:"connectorId"`
	TenantID    uuid.UUID              `json:"tenantId"`
	Success     bool                   `json:"success"`
	Synced      int                    `json:"synced"`
	Errors      []recordsync.SyncError `json:"errors,omitempty"`
	Error       string                 `json:"error,omitempty"`
	DurationMS  int64                  `json:"durationMs"`
}

// RunSummary is the result of one run. Success reports that the run itself
// completed; per connector failures are counted in FailedConnectors.
type RunSummary struct {
	Success              bool              `json:"success"`
	TotalConnectors      int               `json:"totalConnectors"`
	SuccessfulConnectors int               `json:"successfulConnectors"`
	FailedConnectors     int               `json:"failedConnectors"`
	TotalSynced          int               `json:"totalSynced"`
	Results              []ConnectorResult `json:"results"`
}

type Config struct {
	LockTTL time.Duration
	// Statuses selects the connectors to sync
	Statuses []models.ConnectorStatus
}

// DefaultConfig syncs connected connectors and retries those left in error
// by an earlier run
func DefaultConfig() Config {
	return Config{
		LockTTL:  DefaultLockTTL,
		Statuses: []models.ConnectorStatus{models.ConnectorStatusConnected, models.ConnectorStatusError},
	}
}

// Driver runs one sequential sync over all selected connectors
type Driver struct {
	connectors ConnectorLister
	syncer     Syncer
	status     StatusWriter
	locker     Locker
	config     Config
	logger     ectologger.Logger
}

func NewDriver(connectors ConnectorLister, syncer Syncer, status StatusWriter, locker Locker, config Config, logger ectologger.Logger) *Driver {
	defaults := DefaultConfig()
	if config.LockTTL <= 0 {
		config.LockTTL = defaults.LockTTL
	}
	if len(config.Statuses) == 0 {
		config.Statuses = defaults.Statuses
	}
	return &Driver{
		connectors: connectors,
		syncer:     syncer,
		status:     status,
		locker:     locker,
		config:     config,
		logger:     logger,
	}
}

// RunOnce syncs every selected connector in turn. A failing connector is
// marked error and the run continues with the next one. A run already in
// progress on any instance yields a conflict error.
func (d *Driver) RunOnce(ctx context.Context) (*RunSummary, error) {
	ctx, span := tracing.StartSpan(ctx, "Scheduler.RunOnce")
	defer span.End()

	var summary *RunSummary
	err := d.locker.WithLock(ctx, RunLockKey, d.config.LockTTL, 0, func(ctx context.Context) error {
		var err error
		summary, err = d.run(ctx)
		return err
	})
	if errors.Is(err, redis.ErrLockNotAcquired) {
		metrics.RecordSchedulerRun("skipped", 0, 0)
		return nil, apperrors.Conflict("a sync run is already in progress")
	}
	if err != nil {
		tracing.RecordError(span, err)
		metrics.RecordSchedulerRun("failed", 0, 0)
		return nil, err
	}

	metrics.RecordSchedulerRun("completed", summary.SuccessfulConnectors, summary.FailedConnectors)
	return summary, nil
}

func (d *Driver) run(ctx context.Context) (*RunSummary, error) {
	start := time.Now()

	var connectors []models.Connector
	for _, status := range d.config.Statuses {
		batch, err := d.connectors.ListByProviderStatus(ctx, models.ProviderKintone, status)
		if err != nil {
			d.logger.WithContext(ctx).WithError(err).Error("Failed to list connectors")
			return nil, err
		}
		connectors = append(connectors, batch...)
	}

	summary := &RunSummary{
		Success:         true,
		TotalConnectors: len(connectors),
		Results:         make([]ConnectorResult, 0, len(connectors)),
	}

	for _, connector := range connectors {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		result := d.syncConnector(ctx, connector)
		if result.Success {
			summary.SuccessfulConnectors++
		} else {
			summary.FailedConnectors++
		}
		summary.TotalSynced += result.Synced
		summary.Results = append(summary.Results, result)
	}

	d.logger.WithContext(ctx).Infof("Sync run completed: connectors=%d succeeded=%d failed=%d synced=%d duration=%s",
		summary.TotalConnectors, summary.SuccessfulConnectors, summary.FailedConnectors, summary.TotalSynced, time.Since(start))
	return summary, nil
}

func (d *Driver) syncConnector(ctx context.Context, connector models.Connector) ConnectorResult {
	ctx, span := tracing.StartSpan(ctx, "Scheduler.syncConnector")
	defer span.End()

	ctx = appctx.SetConnectorID(appctx.SetTenantID(ctx, connector.TenantID.String()), connector.ID.String())
	start := time.Now()
	out := ConnectorResult{ConnectorID: connector.ID, TenantID: connector.TenantID}

	result, err := d.syncer.SyncAll(ctx, connector.ID)
	out.DurationMS = time.Since(start).Milliseconds()

	var message string
	switch {
	case err != nil:
		tracing.RecordError(span, err)
		message = err.Error()
		out.Error = message
	case len(result.Errors) > 0:
		out.Synced = result.TotalSynced()
		out.Errors = result.Errors
		message = fmt.Sprintf("%d sync errors, first: %s", len(result.Errors), result.Errors[0].Message)
		out.Error = message
	default:
		out.Synced = result.TotalSynced()
		out.Success = true
	}

	if out.Success {
		if connector.Status != models.ConnectorStatusConnected {
			d.setStatus(ctx, connector.ID, models.ConnectorStatusConnected, nil)
		}
		d.audit(ctx, connector.ID, models.LogLevelInfo, EventSyncCompleted, map[string]any{
			"synced":      out.Synced,
			"duration_ms": out.DurationMS,
		})
		return out
	}

	d.logger.WithContext(ctx).WithFields(map[string]any{
		"connector_id": connector.ID,
		"error":        message,
	}).Warn("connector sync failed")
	d.setStatus(ctx, connector.ID, models.ConnectorStatusError, &message)
	d.audit(ctx, connector.ID, models.LogLevelError, EventSyncFailed, map[string]any{
		"synced":      out.Synced,
		"errors":      len(out.Errors),
		"error":       message,
		"duration_ms": out.DurationMS,
	})
	return out
}

func (d *Driver) setStatus(ctx context.Context, id uuid.UUID, status models.ConnectorStatus, message *string) {
	if err := d.status.SetStatus(ctx, id, status, message); err != nil {
		d.logger.WithContext(ctx).WithError(err).Errorf("Failed to set status of connector %s", id)
	}
}

func (d *Driver) audit(ctx context.Context, id uuid.UUID, level models.LogLevel, event string, detail map[string]any) {
	if err := d.status.AppendLog(ctx, id, level, event, detail); err != nil {
		d.logger.WithContext(ctx).WithError(err).Warnf("Failed to append %s log for connector %s", event, id)
	}
}

// Scheduler triggers Driver.RunOnce on a cron schedule
type Scheduler struct {
	driver  *Driver
	cron    *cron.Cron
	spec    string
	timeout time.Duration
	logger  ectologger.Logger

	running bool
	mu      sync.Mutex
}

// NewScheduler parses a standard five field cron expression
func NewScheduler(driver *Driver, spec string, timeout time.Duration, logger ectologger.Logger) (*Scheduler, error) {
	if _, err := cron.ParseStandard(spec); err != nil {
		return nil, apperrors.Configuration("invalid scheduler cron %q: %v", spec, err)
	}
	return &Scheduler{
		driver:  driver,
		spec:    spec,
		timeout: timeout,
		logger:  logger,
	}, nil
}

// Start schedules runs until Stop. ctx is the parent of every run.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return ErrSchedulerAlreadyRunning
	}

	// A stopped cron keeps its entries, so each start gets a fresh one.
	s.cron = cron.New()
	_, err := s.cron.AddFunc(s.spec, func() {
		runCtx := ctx
		if s.timeout > 0 {
			var cancel context.CancelFunc
			runCtx, cancel = context.WithTimeout(ctx, s.timeout)
			defer cancel()
		}
		if _, err := s.driver.RunOnce(runCtx); err != nil {
			s.logger.WithContext(runCtx).WithError(err).Warn("Scheduled sync run did not complete")
		}
	})
	if err != nil {
		return err
	}

	s.cron.Start()
	s.running = true
	s.logger.WithContext(ctx).Infof("Scheduler started: cron=%q", s.spec)
	return nil
}

// Stop waits for a running job to finish or ctx to expire
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	c := s.cron
	s.mu.Unlock()

	select {
	case <-c.Stop().Done():
		s.logger.WithContext(ctx).Info("Scheduler stopped gracefully")
		return nil
	case <-ctx.Done():
		s.logger.WithContext(ctx).Warn("Scheduler shutdown timed out")
		return ctx.Err()
	}
}

// IsRunning returns whether the scheduler is running
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}
