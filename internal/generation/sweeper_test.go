package generation

import (
	"context"
	"testing"
	"time"
)

func newSweeperFixture(test *testing.T, userID string, availableTokens int64, estimatedTokens int64) (*fixture, *Sweeper) {
	test.Helper()
	fx := newFixture(test, userID, availableTokens, estimatedTokens)
	sweeper, err := NewSweeper(fx.reservations, fx.jobs, nil, fx.clock.Now, time.Minute, testStalenessWindow, 10)
	if err != nil {
		test.Fatalf("sweeper: %v", err)
	}
	return fx, sweeper
}

func TestSweepReleasesExpiredHoldOfAbandonedJob(test *testing.T) {
	test.Parallel()
	fx, sweeper := newSweeperFixture(test, "user-1", 5000, 1200)

	started, err := fx.orchestrator.Start(context.Background(), "user-1", testRequest("doc-1"))
	if err != nil {
		test.Fatalf("start: %v", err)
	}
	// No heartbeat ever arrives; the reservation outlives its TTL.
	fx.clock.now += int64(testTTL/time.Second) + 1

	swept, err := sweeper.SweepOnce(context.Background())
	if err != nil {
		test.Fatalf("sweep: %v", err)
	}
	if swept != 1 {
		test.Fatalf("expected 1 released hold, got %d", swept)
	}
	fx.assertBalance(test, "user-1", 5000, 0)

	job := fx.mustJob(test, started.JobID)
	if job.BillingState != BillingReleased {
		test.Fatalf("expected released billing on job, got %s", job.BillingState)
	}
	if _, recorded := job.BillingKey(BillingOperationRelease); !recorded {
		test.Fatalf("sweep release key not recorded on job")
	}
}

func TestSweepSkipsJobStillHeartbeating(test *testing.T) {
	test.Parallel()
	fx, sweeper := newSweeperFixture(test, "user-2", 5000, 1200)

	started, err := fx.orchestrator.Start(context.Background(), "user-2", testRequest("doc-1"))
	if err != nil {
		test.Fatalf("start: %v", err)
	}
	fx.clock.now += int64(testTTL/time.Second) + 1
	// The worker is slow but alive: a heartbeat lands after the TTL elapsed.
	if err := fx.orchestrator.recordProgress(context.Background(), started.JobID, 0, 4, 1); err != nil {
		test.Fatalf("record progress: %v", err)
	}

	swept, err := sweeper.SweepOnce(context.Background())
	if err != nil {
		test.Fatalf("sweep: %v", err)
	}
	if swept != 0 {
		test.Fatalf("live job's hold was swept")
	}
	fx.assertBalance(test, "user-2", 3800, 1200)
}

func TestSweepIsIdempotentAcrossRuns(test *testing.T) {
	test.Parallel()
	fx, sweeper := newSweeperFixture(test, "user-3", 5000, 1200)

	if _, err := fx.orchestrator.Start(context.Background(), "user-3", testRequest("doc-1")); err != nil {
		test.Fatalf("start: %v", err)
	}
	fx.clock.now += int64(testTTL/time.Second) + 1

	if _, err := sweeper.SweepOnce(context.Background()); err != nil {
		test.Fatalf("first sweep: %v", err)
	}
	swept, err := sweeper.SweepOnce(context.Background())
	if err != nil {
		test.Fatalf("second sweep: %v", err)
	}
	if swept != 0 {
		test.Fatalf("second sweep released again")
	}
	fx.assertBalance(test, "user-3", 5000, 0)
}
