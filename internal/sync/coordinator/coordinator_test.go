package coordinator

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgesync/forgesync/internal/models"
	"github.com/forgesync/forgesync/internal/pipeline"
)

// fakePipeline records submissions and serves a configurable active set
type fakePipeline struct {
	mu        sync.Mutex
	submitted []*pipeline.SyncPayload
	active    []*pipeline.Job
}

func (f *fakePipeline) Submit(_ context.Context, _ pipeline.JobType, payload pipeline.Payload, _ pipeline.Priority) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitted = append(f.submitted, payload.(*pipeline.SyncPayload))
	return "job-" + strconv.Itoa(len(f.submitted)), nil
}

func (f *fakePipeline) List(status pipeline.Status, t pipeline.JobType) []*pipeline.Job {
	f.mu.Lock()
	defer f.mu.Unlock()
	var result []*pipeline.Job
	for _, job := range f.active {
		if job.Status == status && job.Type == t {
			result = append(result, job)
		}
	}
	return result
}

func (f *fakePipeline) submissions() []*pipeline.SyncPayload {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*pipeline.SyncPayload(nil), f.submitted...)
}

func waitForSubmissions(t *testing.T, p *fakePipeline, atLeast int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if len(p.submissions()) >= atLeast {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("pipeline never saw %d submissions", atLeast)
}

func TestCoordinatorSubmitsOnSchedule(t *testing.T) {
	t.Parallel()

	p := &fakePipeline{}
	c := New(p, WithInterval(20*time.Millisecond), WithScope("acme"))

	go func() {
		_ = c.Start(context.Background())
	}()

	// Initial submission plus at least one scheduled tick
	waitForSubmissions(t, p, 2)
	require.NoError(t, c.Stop())

	subs := p.submissions()
	require.NotEmpty(t, subs)
	assert.Equal(t, models.SyncModeIncremental, subs[0].Mode)
	assert.Equal(t, "acme", subs[0].Scope)
}

func TestCoordinatorSkipsWhenSyncActive(t *testing.T) {
	t.Parallel()

	p := &fakePipeline{
		active: []*pipeline.Job{
			{ID: "busy", Type: pipeline.JobTypeSyncIncremental, Status: pipeline.StatusProcessing},
		},
	}
	c := New(p, WithInterval(10*time.Millisecond))

	go func() {
		_ = c.Start(context.Background())
	}()

	time.Sleep(100 * time.Millisecond)
	require.NoError(t, c.Stop())

	assert.Empty(t, p.submissions())
}

func TestCoordinatorStopsOnContextCancel(t *testing.T) {
	t.Parallel()

	p := &fakePipeline{}
	c := New(p, WithInterval(time.Hour))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- c.Start(ctx)
	}()

	waitForSubmissions(t, p, 1)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("coordinator did not stop on context cancel")
	}
}

func TestNextIntervalStaysWithinJitterBounds(t *testing.T) {
	t.Parallel()

	c := New(&fakePipeline{}, WithInterval(time.Minute))
	for i := 0; i < 100; i++ {
		interval := c.nextInterval()
		assert.GreaterOrEqual(t, interval, 54*time.Second)
		assert.LessOrEqual(t, interval, 66*time.Second)
	}
}
