package reconcile

import (
	"context"
	"log/slog"
	"sync"
	"time"

	paymentmodel "github.com/chargeline/ev-booking/internal/core/datamodel/payment"
)

// SchedulerStore is what the periodic sweep reads and advances.
type SchedulerStore interface {
	ListStaleAttempts(statuses []paymentmodel.AttemptStatus, olderThan time.Time, limit int) ([]*paymentmodel.Attempt, error)
	StartDueBookings(ctx context.Context, now time.Time, limit int) (int, error)
	CompleteExpiredBookings(ctx context.Context, now time.Time, limit int) (int, error)
}

type VerifyJob struct {
	ExternalRef string
	Gateway     string
	AttemptAge  time.Duration
}

type sweepWorker struct {
	id         int
	workerPool chan chan VerifyJob
	jobChannel chan VerifyJob
	logger     *slog.Logger
}

func newSweepWorker(id int, workerPool chan chan VerifyJob, logger *slog.Logger) *sweepWorker {
	return &sweepWorker{
		id:         id,
		workerPool: workerPool,
		jobChannel: make(chan VerifyJob),
		logger:     logger,
	}
}

func (w *sweepWorker) start(ctx context.Context, wg *sync.WaitGroup, processFunc func(VerifyJob)) {
	wg.Add(1)
	go func() {
		defer wg.Done()

		for {
			w.workerPool <- w.jobChannel

			select {
			case job := <-w.jobChannel:
				w.logger.Debug("worker verifying attempt", "worker_id", w.id, "external_ref", job.ExternalRef)
				processFunc(job)
			case <-ctx.Done():
				w.logger.Debug("worker shutting down", "worker_id", w.id)
				return
			}
		}
	}()
}

type SchedulerConfig struct {
	ScanInterval  time.Duration
	StaleAfter    time.Duration
	ScanBatchSize int
	MaxWorkers    int
	JobQueueSize  int
}

func (c *SchedulerConfig) applyDefaults() {
	if c.ScanInterval <= 0 {
		c.ScanInterval = time.Minute
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = 10 * time.Minute
	}
	if c.ScanBatchSize <= 0 {
		c.ScanBatchSize = 100
	}
	if c.MaxWorkers <= 0 {
		c.MaxWorkers = 5
	}
	if c.JobQueueSize <= 0 {
		c.JobQueueSize = 100
	}
}

// Scheduler is the reconciliation safety net. It periodically sweeps open
// payment attempts that have gone quiet (no return, no webhook) and feeds
// them through the same verification path the online signals use, and it
// advances confirmed bookings whose charging slot has started or ended.
type Scheduler struct {
	store  SchedulerStore
	engine *Engine
	cfg    SchedulerConfig
	logger *slog.Logger

	jobQueue   chan VerifyJob
	workerPool chan chan VerifyJob
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	once       sync.Once
}

func NewScheduler(store SchedulerStore, engine *Engine, cfg SchedulerConfig, logger *slog.Logger) *Scheduler {
	cfg.applyDefaults()
	ctx, cancel := context.WithCancel(context.Background())

	return &Scheduler{
		store:      store,
		engine:     engine,
		cfg:        cfg,
		logger:     logger,
		jobQueue:   make(chan VerifyJob, cfg.JobQueueSize),
		workerPool: make(chan chan VerifyJob, cfg.MaxWorkers),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Start launches the worker pool and the sweep loop. Safe to call once;
// subsequent calls are no-ops.
func (s *Scheduler) Start() {
	s.once.Do(func() {
		for i := 0; i < s.cfg.MaxWorkers; i++ {
			worker := newSweepWorker(i, s.workerPool, s.logger)
			worker.start(s.ctx, &s.wg, s.processVerifyJob)
		}

		s.wg.Add(2)
		go s.dispatch()
		go s.sweepLoop()

		s.logger.Info("reconciliation scheduler started",
			"scan_interval", s.cfg.ScanInterval,
			"stale_after", s.cfg.StaleAfter,
			"max_workers", s.cfg.MaxWorkers)
	})
}

func (s *Scheduler) Shutdown() {
	s.logger.Info("shutting down reconciliation scheduler")
	s.cancel()
	s.wg.Wait()
	s.logger.Info("reconciliation scheduler shutdown complete")
}

func (s *Scheduler) dispatch() {
	defer s.wg.Done()

	for {
		select {
		case job := <-s.jobQueue:
			select {
			case jobChannel := <-s.workerPool:
				select {
				case jobChannel <- job:
				case <-s.ctx.Done():
					return
				}
			case <-s.ctx.Done():
				return
			}
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Scheduler) sweepLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.ScanInterval)
	defer ticker.Stop()

	// run one sweep immediately so a restart does not wait a full interval
	s.runSweep()

	for {
		select {
		case <-ticker.C:
			s.runSweep()
		case <-s.ctx.Done():
			return
		}
	}
}

// runSweep enqueues stale open attempts for verification and advances the
// booking lifecycle for slots that have begun or ended.
func (s *Scheduler) runSweep() {
	now := time.Now()

	stale, err := s.store.ListStaleAttempts(
		[]paymentmodel.AttemptStatus{paymentmodel.StatusInitiated, paymentmodel.StatusPending},
		now.Add(-s.cfg.StaleAfter),
		s.cfg.ScanBatchSize,
	)
	if err != nil {
		s.logger.Error("sweep failed to list stale attempts", "error", err)
	} else {
		queued := 0
		for _, a := range stale {
			job := VerifyJob{
				ExternalRef: a.ExternalRef,
				Gateway:     a.Gateway,
				AttemptAge:  now.Sub(a.CreatedAt),
			}
			select {
			case s.jobQueue <- job:
				queued++
			default:
				s.logger.Warn("sweep queue full, deferring remaining attempts to next sweep",
					"queued", queued,
					"remaining", len(stale)-queued)
			}
		}
		if len(stale) > 0 {
			s.logger.Info("sweep queued stale attempts", "found", len(stale), "queued", queued)
		}
	}

	started, err := s.store.StartDueBookings(s.ctx, now, s.cfg.ScanBatchSize)
	if err != nil {
		s.logger.Error("sweep failed to start due bookings", "error", err)
	} else if started > 0 {
		s.logger.Info("sweep started due bookings", "count", started)
	}

	completed, err := s.store.CompleteExpiredBookings(s.ctx, now, s.cfg.ScanBatchSize)
	if err != nil {
		s.logger.Error("sweep failed to complete ended bookings", "error", err)
	} else if completed > 0 {
		s.logger.Info("sweep completed ended bookings", "count", completed)
	}
}

func (s *Scheduler) processVerifyJob(job VerifyJob) {
	result, err := s.engine.Verify(s.ctx, job.ExternalRef)
	if err != nil {
		s.logger.Error("sweep verification failed",
			"external_ref", job.ExternalRef,
			"gateway", job.Gateway,
			"error", err)
		return
	}

	s.logger.Info("sweep verification finished",
		"external_ref", job.ExternalRef,
		"booking_id", result.BookingID,
		"booking_status", result.BookingStatus,
		"attempt_status", result.AttemptStatus)
}
