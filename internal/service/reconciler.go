package service

import (
	"context"
	"fmt"
	"time"

	"github.com/abkawan/venue-payments/internal/models"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

// Publisher queues verification jobs
type Publisher interface {
	PublishVerification(ctx context.Context, job models.VerificationJob) error
}

// Consumer delivers queued verification jobs
type Consumer interface {
	ConsumeVerifications(ctx context.Context) (<-chan models.VerificationJob, error)
}

// Reconciler finds deposits stuck in initiated or pending and queues them
// for verification, so a lost webhook does not leave a deposit open forever.
type Reconciler struct {
	store      LedgerStore
	publisher  Publisher
	staleAfter time.Duration
	batchSize  int
}

func NewReconciler(store LedgerStore, publisher Publisher, staleAfter time.Duration) *Reconciler {
	if staleAfter <= 0 {
		staleAfter = 2 * time.Minute
	}
	return &Reconciler{
		store:      store,
		publisher:  publisher,
		staleAfter: staleAfter,
		batchSize:  100,
	}
}

// Sweep publishes one job per stale open deposit and returns how many were queued
func (r *Reconciler) Sweep(ctx context.Context) (int, error) {
	cutoff := time.Now().UTC().Add(-r.staleAfter)
	stale, err := r.store.ListTransactionsByStatus(ctx, []models.TransactionStatus{models.Initiated, models.Pending}, cutoff, r.batchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to list open deposits: %w", err)
	}

	queued := 0
	for _, tx := range stale {
		job := models.VerificationJob{Reference: tx.Reference, EnqueuedAt: time.Now().UTC()}
		if err := r.publisher.PublishVerification(ctx, job); err != nil {
			return queued, fmt.Errorf("failed to queue %s: %w", tx.Reference, err)
		}
		queued++
	}

	return queued, nil
}

// Start runs Sweep on schedule until ctx is done
func (r *Reconciler) Start(ctx context.Context, schedule string) error {
	c := cron.New()
	_, err := c.AddFunc(schedule, func() {
		n, err := r.Sweep(ctx)
		if err != nil {
			log.Error().Err(err).Int("queued", n).Msg("reconciliation sweep failed")
			return
		}
		if n > 0 {
			log.Info().Int("queued", n).Msg("queued open deposits for verification")
		}
	})
	if err != nil {
		return fmt.Errorf("invalid reconcile schedule %q: %w", schedule, err)
	}

	c.Start()
	go func() {
		<-ctx.Done()
		<-c.Stop().Done()
	}()

	return nil
}

// starts the verification processor
func (s *TransactionService) StartProcessor(ctx context.Context, consumer Consumer) error {
	jobs, err := consumer.ConsumeVerifications(ctx)
	if err != nil {
		return fmt.Errorf("failed to consume verification jobs: %w", err)
	}

	// processing jobs in a goroutine
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case job, ok := <-jobs:
				if !ok {
					return
				}
				s.ProcessVerification(ctx, job)
			}
		}
	}()

	return nil
}

// ProcessVerification verifies one queued deposit. Failures are logged and
// left for the next sweep.
func (s *TransactionService) ProcessVerification(ctx context.Context, job models.VerificationJob) {
	res, err := s.handleDeposit(ctx, job.Reference, "", true)
	if err != nil {
		log.Warn().Err(err).Str("reference", job.Reference).Msg("queued verification failed")
		return
	}
	log.Info().Str("reference", res.Reference).Str("status", string(res.Status)).Bool("credited", res.Credited).Msg("queued verification processed")
}
