package daemon

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestClampBatch(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name  string
		depth int
		want  int
	}{
		{name: "below minimum", depth: 3, want: 50},
		{name: "within bounds", depth: 200, want: 200},
		{name: "above maximum", depth: 5000, want: 1000},
		{name: "zero depth", depth: 0, want: 50},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := clampBatch(tc.depth, 50, 1000); got != tc.want {
				t.Fatalf("got %d, want %d", got, tc.want)
			}
		})
	}
}

func TestRunSchedulesIndependentStagesAndDrains(t *testing.T) {
	t.Parallel()

	var fast, slow atomic.Int32
	d := New(nil, 10, 100, 1, time.Millisecond, zerolog.Nop())
	d.AddStage(Stage{
		Name:     "fast",
		Interval: 5 * time.Millisecond,
		Run: func(ctx context.Context, batch int) (int, error) {
			fast.Add(1)
			return batch, nil
		},
	})
	d.AddStage(Stage{
		Name:     "slow",
		Interval: time.Hour,
		Run: func(ctx context.Context, batch int) (int, error) {
			slow.Add(1)
			return 0, nil
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = d.Run(ctx)
		close(done)
	}()

	time.Sleep(40 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("daemon did not drain after cancel")
	}

	if fast.Load() < 2 {
		t.Fatalf("fast stage ran %d times, want >= 2", fast.Load())
	}
	if slow.Load() != 1 {
		t.Fatalf("slow stage ran %d times, want exactly the immediate run", slow.Load())
	}
}

func TestRunOnceRetriesThenSucceeds(t *testing.T) {
	t.Parallel()

	attempts := 0
	d := New(nil, 10, 100, 3, time.Millisecond, zerolog.Nop())
	s := Stage{
		Name:     "flaky",
		Interval: time.Hour,
		Run: func(ctx context.Context, batch int) (int, error) {
			attempts++
			if attempts < 3 {
				return 0, fmt.Errorf("transient")
			}
			return 7, nil
		},
	}

	d.runOnce(context.Background(), s)
	if attempts != 3 {
		t.Fatalf("got %d attempts, want 3", attempts)
	}
}

func TestRunOnceGivesUpAfterMaxAttempts(t *testing.T) {
	t.Parallel()

	attempts := 0
	d := New(nil, 10, 100, 2, time.Millisecond, zerolog.Nop())
	s := Stage{
		Name:     "broken",
		Interval: time.Hour,
		Run: func(ctx context.Context, batch int) (int, error) {
			attempts++
			return 0, fmt.Errorf("permanent")
		},
	}

	d.runOnce(context.Background(), s)
	if attempts != 2 {
		t.Fatalf("got %d attempts, want 2", attempts)
	}
}

func TestBatchForUsesQueueDepth(t *testing.T) {
	t.Parallel()

	d := New(nil, 10, 100, 1, time.Millisecond, zerolog.Nop())

	s := Stage{QueueDepth: func(ctx context.Context) (int, error) { return 42, nil }}
	if got := d.batchFor(context.Background(), s); got != 42 {
		t.Fatalf("got %d, want 42", got)
	}

	s = Stage{QueueDepth: func(ctx context.Context) (int, error) { return 0, fmt.Errorf("boom") }}
	if got := d.batchFor(context.Background(), s); got != 10 {
		t.Fatalf("probe failure fell back to %d, want batch minimum 10", got)
	}

	s = Stage{}
	if got := d.batchFor(context.Background(), s); got != 10 {
		t.Fatalf("nil probe gave %d, want batch minimum 10", got)
	}
}
