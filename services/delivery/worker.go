package delivery

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/opentracing/opentracing-go"
	"github.com/pkg/errors"

	"github.com/mailbridge/mailbridge/config"
	"github.com/mailbridge/mailbridge/internal/enum"
	er "github.com/mailbridge/mailbridge/internal/errors"
	"github.com/mailbridge/mailbridge/internal/logger"
	"github.com/mailbridge/mailbridge/internal/models"
	"github.com/mailbridge/mailbridge/internal/repository"
	"github.com/mailbridge/mailbridge/internal/tracing"
	"github.com/mailbridge/mailbridge/internal/utils"
	"github.com/mailbridge/mailbridge/services/smtp"
)

// Worker drains the delivery queue in the background. Records are claimed
// with an atomic status transition, so multiple workers (or processes) can
// poll the same table without sending a message twice.
type Worker struct {
	cfg          *config.WorkerConfig
	log          logger.Logger
	repositories *repository.Repositories
	service      *Service

	mu       sync.Mutex
	inFlight map[string]struct{}

	stop chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

func NewWorker(cfg *config.WorkerConfig, log logger.Logger, repositories *repository.Repositories, service *Service) *Worker {
	return &Worker{
		cfg:          cfg,
		log:          log,
		repositories: repositories,
		service:      service,
		inFlight:     make(map[string]struct{}),
		stop:         make(chan struct{}),
	}
}

// Start recovers orphaned records and begins polling. It returns after
// spawning the poll loop.
func (w *Worker) Start(ctx context.Context) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "Worker.Start")
	defer span.Finish()
	tracing.TagComponentWorker(span)

	requeued, err := w.repositories.DeliveryRepository.RequeueOrphans(ctx)
	if err != nil {
		tracing.TraceErr(span, err)
		return err
	}
	if requeued > 0 {
		w.log.Infof("worker: requeued %d orphaned deliveries from previous run", requeued)
	}

	w.wg.Add(1)
	go w.loop()
	return nil
}

// Stop signals the loop to exit and waits for in-flight sends, up to the
// configured shutdown grace period. Sends still running after that stay in
// sending and get requeued on next startup.
func (w *Worker) Stop(ctx context.Context) error {
	w.once.Do(func() { close(w.stop) })

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	grace := w.cfg.ShutdownGrace
	if deadline, ok := ctx.Deadline(); ok {
		if until := time.Until(deadline); until < grace {
			grace = until
		}
	}

	select {
	case <-done:
		return nil
	case <-time.After(grace):
		return fmt.Errorf("worker: %d deliveries still in flight after shutdown grace", w.inFlightCount())
	}
}

func (w *Worker) loop() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	// drain once at startup so queued records do not wait a full poll cycle
	w.processDue()

	for {
		select {
		case <-w.stop:
			return
		case <-w.service.wake:
			w.processDue()
		case <-ticker.C:
			w.processDue()
		}
	}
}

func (w *Worker) processDue() {
	ctx := context.Background()
	span, ctx := opentracing.StartSpanFromContext(ctx, "Worker.processDue")
	defer span.Finish()
	tracing.TagComponentWorker(span)

	due, err := w.repositories.DeliveryRepository.GetDue(ctx, w.cfg.BatchSize)
	if err != nil {
		tracing.TraceErr(span, err)
		w.log.Errorf("worker: failed to load due deliveries: %v", err)
		return
	}
	span.LogKV("due", len(due))

	for _, record := range due {
		select {
		case <-w.stop:
			return
		default:
		}

		if !w.track(record.ID) {
			continue
		}

		claimed, err := w.repositories.DeliveryRepository.Claim(ctx, record.ID)
		if err != nil {
			tracing.TraceErr(span, err)
			w.untrack(record.ID)
			continue
		}
		if !claimed {
			// another worker got there first
			w.untrack(record.ID)
			continue
		}

		w.wg.Add(1)
		go w.attempt(record)
	}
}

func (w *Worker) attempt(record *models.Delivery) {
	defer w.wg.Done()
	defer w.untrack(record.ID)

	ctx, cancel := context.WithTimeout(context.Background(), w.cfg.AcquireTimeout+2*time.Minute)
	defer cancel()

	span, ctx := opentracing.StartSpanFromContext(ctx, "Worker.attempt")
	defer span.Finish()
	tracing.TagComponentWorker(span)
	tracing.TagDelivery(span, record.ID)
	span.LogKV("retryCount", record.RetryCount)

	account, err := w.service.loadAccount(ctx, record.AccountID)
	if err != nil {
		tracing.TraceErr(span, err)
		if errors.Is(err, er.ErrAccountNotFound) {
			w.fail(ctx, record, fmt.Sprintf("account unavailable: %v", err))
		} else {
			w.retryOrFail(ctx, record, fmt.Sprintf("account lookup failed: %v", err))
		}
		return
	}

	sendErr := w.service.dispatch(ctx, record, account)
	if sendErr == nil {
		if err := w.repositories.DeliveryRepository.MarkSent(ctx, record.ID, record.MessageID); err != nil {
			tracing.TraceErr(span, err)
			w.log.Errorf("worker: delivery %s sent but status update failed: %v", record.ID, err)
			return
		}
		record.Status = enum.DeliveryStatusSent
		record.SentAt = utils.NowPtr()
		w.service.publishEvent(ctx, record)
		return
	}

	tracing.TraceErr(span, sendErr)
	classified := smtp.Classify(sendErr)
	span.LogKV("errorClass", classified.Class.String())

	if classified.Permanent() {
		w.fail(ctx, record, classified.Error())
		return
	}

	w.retryOrFail(ctx, record, classified.Error())
}

// retryOrFail schedules the next attempt with exponential backoff, or fails
// the record once the retry budget is spent.
func (w *Worker) retryOrFail(ctx context.Context, record *models.Delivery, lastError string) {
	newCount := record.RetryCount + 1
	if newCount > w.cfg.MaxRetries {
		w.fail(ctx, record, fmt.Sprintf("Max retries exceeded: %s", lastError))
		return
	}

	nextRetryAt := utils.Now().Add(w.backoff(record.RetryCount))
	if err := w.repositories.DeliveryRepository.MarkRetry(ctx, record.ID, lastError, newCount, nextRetryAt); err != nil {
		w.log.Errorf("worker: failed to schedule retry for %s: %v", record.ID, err)
	}
}

func (w *Worker) fail(ctx context.Context, record *models.Delivery, lastError string) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "Worker.fail")
	defer span.Finish()
	tracing.TagDelivery(span, record.ID)

	if err := w.repositories.DeliveryRepository.MarkFailed(ctx, record.ID, lastError); err != nil {
		tracing.TraceErr(span, err)
		w.log.Errorf("worker: failed to mark delivery %s failed: %v", record.ID, err)
		return
	}
	record.Status = enum.DeliveryStatusFailed
	record.LastError = lastError
	w.service.publishEvent(ctx, record)
}

// backoff doubles the base delay per attempt, capped at the configured
// maximum: 30s, 60s, 120s with defaults.
func (w *Worker) backoff(retryCount int) time.Duration {
	delay := w.cfg.BaseRetryDelay << uint(retryCount)
	if delay > w.cfg.MaxRetryDelay || delay <= 0 {
		delay = w.cfg.MaxRetryDelay
	}
	return delay
}

func (w *Worker) track(id string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.inFlight[id]; ok {
		return false
	}
	w.inFlight[id] = struct{}{}
	return true
}

func (w *Worker) untrack(id string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.inFlight, id)
}

func (w *Worker) inFlightCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.inFlight)
}
