package queue

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"media-batch-processor/internal/config"
	"media-batch-processor/internal/models"
)

func newTestQueue(t *testing.T) (*Queue, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	cfg := config.Config{
		Image: config.KindPolicy{
			MaxAttempts:   3,
			MaxStalls:     3,
			BackoffBase:   2 * time.Second,
			BackoffMax:    5 * time.Minute,
			LeaseDuration: 5 * time.Minute,
		},
		Video: config.KindPolicy{
			MaxAttempts:   2,
			MaxStalls:     2,
			BackoffBase:   5 * time.Second,
			BackoffMax:    10 * time.Minute,
			LeaseDuration: 30 * time.Minute,
		},
	}
	return New(client, cfg), mr
}

func TestEnqueueLeaseComplete(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)

	if err := q.Enqueue(ctx, models.KindImage, "job-1"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := q.Enqueue(ctx, models.KindImage, "job-2"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	got, err := q.Lease(ctx, models.KindImage, "worker-a")
	if err != nil {
		t.Fatalf("lease: %v", err)
	}
	if got != "job-1" {
		t.Fatalf("expected FIFO delivery of job-1, got %q", got)
	}

	ready, inflight, err := q.Depth(ctx, models.KindImage)
	if err != nil {
		t.Fatalf("depth: %v", err)
	}
	if ready != 1 || inflight != 1 {
		t.Fatalf("expected 1 ready / 1 inflight, got %d / %d", ready, inflight)
	}

	if err := q.Complete(ctx, models.KindImage, got); err != nil {
		t.Fatalf("complete: %v", err)
	}
	_, inflight, err = q.Depth(ctx, models.KindImage)
	if err != nil {
		t.Fatalf("depth: %v", err)
	}
	if inflight != 0 {
		t.Fatalf("expected empty inflight after complete, got %d", inflight)
	}
}

func TestLeaseEmptyQueue(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)

	got, err := q.Lease(ctx, models.KindImage, "worker-a")
	if err != nil {
		t.Fatalf("lease: %v", err)
	}
	if got != "" {
		t.Fatalf("expected no job from empty queue, got %q", got)
	}
}

func TestKindsAreIndependent(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)

	if err := q.Enqueue(ctx, models.KindVideo, "vid-1"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	got, err := q.Lease(ctx, models.KindImage, "worker-a")
	if err != nil {
		t.Fatalf("lease: %v", err)
	}
	if got != "" {
		t.Fatalf("image lease must not see video jobs, got %q", got)
	}
	got, err = q.Lease(ctx, models.KindVideo, "worker-b")
	if err != nil {
		t.Fatalf("lease: %v", err)
	}
	if got != "vid-1" {
		t.Fatalf("expected vid-1, got %q", got)
	}
}

func TestHeartbeatRequiresLeaseHolder(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)

	if err := q.Enqueue(ctx, models.KindImage, "job-1"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := q.Lease(ctx, models.KindImage, "worker-a"); err != nil {
		t.Fatalf("lease: %v", err)
	}

	if err := q.Heartbeat(ctx, models.KindImage, "job-1", "worker-a"); err != nil {
		t.Fatalf("holder heartbeat: %v", err)
	}
	if err := q.Heartbeat(ctx, models.KindImage, "job-1", "worker-b"); err != ErrNotLeaseHolder {
		t.Fatalf("expected ErrNotLeaseHolder for impostor, got %v", err)
	}
}

func TestFailSchedulesRetryWithBackoff(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)

	if err := q.Enqueue(ctx, models.KindImage, "job-1"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := q.Lease(ctx, models.KindImage, "worker-a"); err != nil {
		t.Fatalf("lease: %v", err)
	}

	retryIn, exhausted, err := q.Fail(ctx, models.KindImage, "job-1")
	if err != nil {
		t.Fatalf("fail: %v", err)
	}
	if exhausted {
		t.Fatalf("first failure should not exhaust three attempts")
	}
	if retryIn != 2*time.Second {
		t.Fatalf("expected first retry after 2s, got %v", retryIn)
	}

	// Not visible until promotion time passes.
	got, err := q.Lease(ctx, models.KindImage, "worker-a")
	if err != nil {
		t.Fatalf("lease: %v", err)
	}
	if got != "" {
		t.Fatalf("scheduled retry must not be leasable, got %q", got)
	}

	n, err := q.PromoteScheduled(ctx, models.KindImage, time.Now().Add(time.Minute), 100)
	if err != nil {
		t.Fatalf("promote: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 promoted job, got %d", n)
	}

	if _, err := q.Lease(ctx, models.KindImage, "worker-a"); err != nil {
		t.Fatalf("lease after promote: %v", err)
	}
	retryIn, exhausted, err = q.Fail(ctx, models.KindImage, "job-1")
	if err != nil {
		t.Fatalf("fail: %v", err)
	}
	if exhausted {
		t.Fatalf("second failure of three should not exhaust")
	}
	if retryIn != 4*time.Second {
		t.Fatalf("expected doubled backoff 4s, got %v", retryIn)
	}
}

func TestFailExhaustsAttempts(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)

	if err := q.Enqueue(ctx, models.KindVideo, "vid-1"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	for attempt := 1; attempt <= 2; attempt++ {
		if n, err := q.PromoteScheduled(ctx, models.KindVideo, time.Now().Add(time.Hour), 100); err != nil {
			t.Fatalf("promote: %v", err)
		} else if attempt > 1 && n != 1 {
			t.Fatalf("expected retry promoted before attempt %d", attempt)
		}
		if _, err := q.Lease(ctx, models.KindVideo, "worker-a"); err != nil {
			t.Fatalf("lease: %v", err)
		}
		_, exhausted, err := q.Fail(ctx, models.KindVideo, "vid-1")
		if err != nil {
			t.Fatalf("fail: %v", err)
		}
		if attempt < 2 && exhausted {
			t.Fatalf("exhausted too early at attempt %d", attempt)
		}
		if attempt == 2 && !exhausted {
			t.Fatalf("expected exhaustion after max attempts")
		}
	}

	ready, inflight, err := q.Depth(ctx, models.KindVideo)
	if err != nil {
		t.Fatalf("depth: %v", err)
	}
	if ready != 0 || inflight != 0 {
		t.Fatalf("exhausted job must leave the queue, got ready=%d inflight=%d", ready, inflight)
	}
}

func TestReclaimExpiredRequeuesThenAbandons(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)

	if err := q.Enqueue(ctx, models.KindImage, "job-1"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	future := time.Now().Add(6 * time.Minute)
	maxStalls := q.cfg.Image.MaxStalls
	for stall := 1; stall <= maxStalls; stall++ {
		if _, err := q.Lease(ctx, models.KindImage, "worker-a"); err != nil {
			t.Fatalf("lease: %v", err)
		}
		requeued, abandoned, err := q.ReclaimExpired(ctx, models.KindImage, future, 100)
		if err != nil {
			t.Fatalf("reclaim: %v", err)
		}
		if len(abandoned) != 0 {
			t.Fatalf("abandoned within stall budget at stall %d", stall)
		}
		if len(requeued) != 1 || requeued[0] != "job-1" {
			t.Fatalf("expected job-1 requeued at stall %d, got %v", stall, requeued)
		}
	}

	// One stall past the budget gives up on the job.
	if _, err := q.Lease(ctx, models.KindImage, "worker-a"); err != nil {
		t.Fatalf("lease: %v", err)
	}
	requeued, abandoned, err := q.ReclaimExpired(ctx, models.KindImage, future, 100)
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if len(requeued) != 0 {
		t.Fatalf("expected no requeue past stall budget, got %v", requeued)
	}
	if len(abandoned) != 1 || abandoned[0] != "job-1" {
		t.Fatalf("expected job-1 abandoned, got %v", abandoned)
	}
}

func TestReclaimIgnoresLiveLeases(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)

	if err := q.Enqueue(ctx, models.KindImage, "job-1"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := q.Lease(ctx, models.KindImage, "worker-a"); err != nil {
		t.Fatalf("lease: %v", err)
	}

	requeued, abandoned, err := q.ReclaimExpired(ctx, models.KindImage, time.Now(), 100)
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if len(requeued) != 0 || len(abandoned) != 0 {
		t.Fatalf("live lease must not be reclaimed, got %v / %v", requeued, abandoned)
	}
}

func TestCancelRemovesEverywhere(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)

	if err := q.Enqueue(ctx, models.KindImage, "job-1"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := q.Cancel(ctx, models.KindImage, "job-1"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	got, err := q.Lease(ctx, models.KindImage, "worker-a")
	if err != nil {
		t.Fatalf("lease: %v", err)
	}
	if got != "" {
		t.Fatalf("cancelled job must not be leasable, got %q", got)
	}
}

func TestBackoffCaps(t *testing.T) {
	base := 2 * time.Second
	max := 10 * time.Second
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{4, 10 * time.Second},
		{10, 10 * time.Second},
	}
	for _, tc := range cases {
		if got := backoff(base, max, tc.attempt); got != tc.want {
			t.Fatalf("backoff attempt %d: expected %v got %v", tc.attempt, tc.want, got)
		}
	}
}
