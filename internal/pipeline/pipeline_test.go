// Package pipeline_test tests fan-out, retry policy, and ordered reassembly.
package pipeline_test

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/narrator-service/internal/core"
	"github.com/book-expert/narrator-service/internal/pipeline"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockBackend implements core.SynthesisBackend with an injected synthesize
// func.
type mockBackend struct {
	metered     bool
	synthesize  func(ctx context.Context, req core.SynthesisRequest) error
	calls       atomic.Int32
	inFlight    atomic.Int32
	maxInFlight atomic.Int32
}

func (m *mockBackend) Name() string      { return "mock" }
func (m *mockBackend) Metered() bool     { return m.metered }
func (m *mockBackend) Extension() string { return ".wav" }

func (m *mockBackend) Synthesize(ctx context.Context, req core.SynthesisRequest) error {
	m.calls.Add(1)

	current := m.inFlight.Add(1)
	defer m.inFlight.Add(-1)

	for {
		max := m.maxInFlight.Load()
		if current <= max || m.maxInFlight.CompareAndSwap(max, current) {
			break
		}
	}

	return m.synthesize(ctx, req)
}

func writeOutput(req core.SynthesisRequest) error {
	return os.WriteFile(req.OutputPath, []byte("audio"), 0o600)
}

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()

	testLogger, err := logger.New(t.TempDir(), "pipeline-test.log")
	require.NoError(t, err)

	return testLogger
}

func makeUnits(count int) []core.TextUnit {
	units := make([]core.TextUnit, count)
	for i := range units {
		units[i] = core.TextUnit{Index: i, Text: fmt.Sprintf("unit %d text", i)}
	}

	return units
}

func defaultConfig() pipeline.Config {
	return pipeline.Config{
		Workers:            3,
		QuotaCooldown:      time.Millisecond,
		QuotaRetryLimit:    0,
		LocalRetryAttempts: 3,
		LocalRetryBase:     time.Millisecond,
	}
}

func TestRun_ReassemblyOrderIndependentOfCompletionOrder(t *testing.T) {
	t.Parallel()

	const total = 5

	backend := &mockBackend{
		metered: false,
		synthesize: func(_ context.Context, req core.SynthesisRequest) error {
			// Later units finish first: unit 0 sleeps longest.
			var index int

			_, err := fmt.Sscanf(req.Text, "unit %d text", &index)
			if err != nil {
				return err
			}

			time.Sleep(time.Duration(total-index) * 10 * time.Millisecond)

			return writeOutput(req)
		},
	}

	cfg := defaultConfig()
	cfg.Workers = total

	p := pipeline.New(backend, cfg, newTestLogger(t))
	outputDir := t.TempDir()

	result, err := p.Run(context.Background(), makeUnits(total), core.NarrationJob{Voice: "v", Rate: ""}, outputDir)
	require.NoError(t, err)
	require.True(t, result.Complete(total))

	ordered, err := result.OrderedPaths(total)
	require.NoError(t, err)
	require.Len(t, ordered, total)

	for i, path := range ordered {
		assert.Contains(t, path, fmt.Sprintf("chunk_%04d.wav", i+1))
	}
}

func TestRun_BoundsConcurrency(t *testing.T) {
	t.Parallel()

	backend := &mockBackend{
		metered: false,
		synthesize: func(_ context.Context, req core.SynthesisRequest) error {
			time.Sleep(10 * time.Millisecond)

			return writeOutput(req)
		},
	}

	cfg := defaultConfig()
	cfg.Workers = 2

	p := pipeline.New(backend, cfg, newTestLogger(t))

	result, err := p.Run(context.Background(), makeUnits(8), core.NarrationJob{Voice: "v", Rate: ""}, t.TempDir())
	require.NoError(t, err)
	require.True(t, result.Complete(8))

	assert.LessOrEqual(t, backend.maxInFlight.Load(), int32(2))
}

func TestRun_MeteredRetriesWholeUnitUntilQuotaRecovers(t *testing.T) {
	t.Parallel()

	var failures atomic.Int32

	backend := &mockBackend{
		metered: true,
		synthesize: func(_ context.Context, req core.SynthesisRequest) error {
			// First two rounds fail as quota exhaustion, then recover.
			if failures.Add(1) <= 2 {
				return fmt.Errorf("%w: quota exhausted", core.ErrRateLimited)
			}

			return writeOutput(req)
		},
	}

	p := pipeline.New(backend, defaultConfig(), newTestLogger(t))

	result, err := p.Run(context.Background(), makeUnits(1), core.NarrationJob{Voice: "v", Rate: ""}, t.TempDir())
	require.NoError(t, err)

	assert.True(t, result.Complete(1))
	assert.Empty(t, result.FailedUnits)
	assert.Equal(t, int32(3), backend.calls.Load())
}

func TestRun_MeteredRetryCeiling(t *testing.T) {
	t.Parallel()

	backend := &mockBackend{
		metered: true,
		synthesize: func(_ context.Context, _ core.SynthesisRequest) error {
			return fmt.Errorf("%w: quota never recovers", core.ErrRateLimited)
		},
	}

	cfg := defaultConfig()
	cfg.QuotaRetryLimit = 4

	p := pipeline.New(backend, cfg, newTestLogger(t))

	result, err := p.Run(context.Background(), makeUnits(1), core.NarrationJob{Voice: "v", Rate: ""}, t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, []int{0}, result.FailedUnits)
	assert.Equal(t, int32(4), backend.calls.Load())
}

func TestRun_UnmeteredFailureIsNotContagious(t *testing.T) {
	t.Parallel()

	backend := &mockBackend{
		metered: false,
		synthesize: func(_ context.Context, req core.SynthesisRequest) error {
			if req.Text == "unit 2 text" {
				return fmt.Errorf("%w: refusing unit", core.ErrService)
			}

			return writeOutput(req)
		},
	}

	cfg := defaultConfig()

	p := pipeline.New(backend, cfg, newTestLogger(t))

	result, err := p.Run(context.Background(), makeUnits(4), core.NarrationJob{Voice: "v", Rate: ""}, t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, []int{2}, result.FailedUnits)
	assert.False(t, result.Complete(4))
	assert.Equal(t, []int{2}, result.MissingUnits(4))

	// The three healthy units all settled successfully.
	assert.Len(t, result.Paths, 3)
}

func TestRun_ConfigurationErrorAbortsRun(t *testing.T) {
	t.Parallel()

	backend := &mockBackend{
		metered: true,
		synthesize: func(_ context.Context, _ core.SynthesisRequest) error {
			return fmt.Errorf("%w: no API credentials configured", core.ErrConfiguration)
		},
	}

	p := pipeline.New(backend, defaultConfig(), newTestLogger(t))

	_, err := p.Run(context.Background(), makeUnits(3), core.NarrationJob{Voice: "v", Rate: ""}, t.TempDir())
	require.ErrorIs(t, err, core.ErrConfiguration)
}

func TestRun_EmitsProgressPerSettledUnit(t *testing.T) {
	t.Parallel()

	const total = 4

	backend := &mockBackend{
		metered: false,
		synthesize: func(_ context.Context, req core.SynthesisRequest) error {
			return writeOutput(req)
		},
	}

	p := pipeline.New(backend, defaultConfig(), newTestLogger(t))

	var (
		snapshots []core.Progress
		mu        sync.Mutex
		done      = make(chan struct{})
	)

	go func() {
		defer close(done)

		for snapshot := range p.Progress() {
			mu.Lock()
			snapshots = append(snapshots, snapshot)
			mu.Unlock()

			if snapshot.Completed == snapshot.Total {
				return
			}
		}
	}()

	result, err := p.Run(context.Background(), makeUnits(total), core.NarrationJob{Voice: "v", Rate: ""}, t.TempDir())
	require.NoError(t, err)
	require.True(t, result.Complete(total))

	<-done

	mu.Lock()
	defer mu.Unlock()

	require.NotEmpty(t, snapshots)

	final := snapshots[len(snapshots)-1]
	assert.Equal(t, total, final.Completed)
	assert.Equal(t, total, final.Total)
}

func TestRun_CancellationStopsNewAdmissions(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())

	started := make(chan struct{}, 16)

	backend := &mockBackend{
		metered: false,
		synthesize: func(ctx context.Context, req core.SynthesisRequest) error {
			started <- struct{}{}

			select {
			case <-ctx.Done():
				return fmt.Errorf("%w: canceled", core.ErrNetworkFailure)
			case <-time.After(50 * time.Millisecond):
				return writeOutput(req)
			}
		},
	}

	cfg := defaultConfig()
	cfg.Workers = 1
	cfg.LocalRetryAttempts = 1

	p := pipeline.New(backend, cfg, newTestLogger(t))

	go func() {
		<-started
		cancel()
	}()

	result, err := p.Run(ctx, makeUnits(6), core.NarrationJob{Voice: "v", Rate: ""}, t.TempDir())
	require.Error(t, err)

	// Only the already-admitted worker ran; the rest returned without a
	// synthesis call.
	assert.LessOrEqual(t, backend.calls.Load(), int32(2))
	assert.False(t, result.Complete(6))
}
