package service_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/invigil-io/invigil/internal/proctor/policy"
	"github.com/invigil-io/invigil/internal/proctor/service"
	"github.com/invigil-io/invigil/internal/proctor/store/memory"
	"github.com/invigil-io/invigil/internal/proctor/types"
)

// gatedEventStore blocks every Append until the gate opens, holding the
// session worker in place so the ingestion queue can be filled.
type gatedEventStore struct {
	*memory.EventStore
	gate chan struct{}
}

func (g *gatedEventStore) Append(ctx context.Context, ev types.ViolationEvent) error {
	<-g.gate
	return g.EventStore.Append(ctx, ev)
}

// A rejected event must leave no trace: no burnt sequence number and no
// dedup entry a later observation could "merge" into, because there is
// no persisted row to correct.
func TestIngest_QueueFullLeavesNoTrace(t *testing.T) {
	ctx := context.Background()

	pol := policy.Default()
	pol.Weights[types.SeverityLow] = 0 // keep the score flat, this test is about backpressure

	gated := &gatedEventStore{EventStore: memory.NewEventStore(), gate: make(chan struct{})}
	clock := newFakeClock(time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC))
	svc := service.NewService(service.Dependencies{
		Logger:   silentLogger(),
		Sessions: memory.NewSessionStore(),
		Events:   gated,
		Samples:  memory.NewSampleStore(),
		Policy:   policy.Static(pol),
		Verifier: passVerifier{},
		Clock:    clock.Now,
	})
	t.Cleanup(svc.Close)

	var once sync.Once
	release := func() { once.Do(func() { close(gated.gate) }) }
	t.Cleanup(release) // the worker must not stay wedged if the test fails early

	sess, err := svc.Create(ctx, "student-1", "exam-1")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := svc.Verify(ctx, sess.ID); err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if _, err := svc.Start(ctx, sess.ID); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// Distinct detectors dodge the dedup window; every event needs its
	// own queue slot.  The worker is wedged on the gate, so at some
	// point the queue rejects.
	at := clock.Now().Format(time.RFC3339Nano)
	accepted := 0
	rejectedDetector := ""
	for i := 0; i < 2*1024+16; i++ {
		det := fmt.Sprintf("cam-%d", i)
		_, err := svc.Ingest(ctx, sess.ID, types.EventRequest{
			Kind:       string(types.KindGazeAway),
			Detector:   det,
			Confidence: conf(1.0),
			DetectedAt: at,
		})
		if errors.Is(err, service.ErrQueueFull) {
			rejectedDetector = det
			break
		}
		if err != nil {
			t.Fatalf("Ingest %s: %v", det, err)
		}
		accepted++
	}
	if rejectedDetector == "" {
		t.Fatal("queue never rejected")
	}

	release()
	waitFor(t, "queue drain", func() bool {
		evs, err := gated.EventStore.BySession(ctx, sess.ID)
		return err == nil && len(evs) == accepted
	})

	// Retrying the rejected observation is a fresh event with the next
	// contiguous sequence number, not a merge into a phantom row.
	res, err := svc.Ingest(ctx, sess.ID, types.EventRequest{
		Kind:       string(types.KindGazeAway),
		Detector:   rejectedDetector,
		Confidence: conf(1.0),
		DetectedAt: at,
	})
	if err != nil {
		t.Fatalf("Ingest retry: %v", err)
	}
	if res.Merged {
		t.Fatal("retry of a rejected event merged into a phantom entry")
	}
	if want := uint64(accepted + 1); res.Seq != want {
		t.Errorf("retry got seq %d, want %d", res.Seq, want)
	}
	waitFor(t, "retried event persisted", func() bool {
		evs, err := gated.EventStore.BySession(ctx, sess.ID)
		return err == nil && len(evs) == accepted+1
	})
}
