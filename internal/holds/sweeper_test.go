package holds

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"rezerv/internal/allocator"
	"rezerv/internal/catalog"
	"rezerv/internal/ledger"
	"rezerv/internal/locker"
	"rezerv/internal/models"
	"rezerv/internal/slotindex"
	"rezerv/internal/storage/memory"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type env struct {
	alloc  *allocator.Allocator
	led    *ledger.Ledger
	index  *slotindex.Index
	logger zerolog.Logger
	clock  func() time.Time
}

func newEnv(t *testing.T) *env {
	t.Helper()
	e := &env{logger: zerolog.New(io.Discard), index: slotindex.New()}
	e.clock = func() time.Time { return testNow }
	now := func() time.Time { return e.clock() }

	e.led = ledger.New(memory.New(), nil, &e.logger, ledger.WithNow(now))
	cat := catalog.New(e.led, &e.logger)
	require.NoError(t, cat.Publish(models.Resource{
		ID:       "room-1",
		Type:     "room",
		Capacity: 2,
		Windows: []models.TimeInterval{{
			Start: testNow,
			End:   testNow.Add(12 * time.Hour),
		}},
	}))

	e.alloc = allocator.New(cat, e.index, e.led, locker.NewLocal(time.Second),
		func(string) time.Duration { return 5 * time.Minute }, &e.logger,
		allocator.WithNow(now))
	return e
}

func (e *env) sweeper(opts ...Option) *Sweeper {
	opts = append(opts, WithNow(func() time.Time { return e.clock() }))
	return NewSweeper(Config{Interval: 10 * time.Millisecond}, e.led, e.index, &e.logger, opts...)
}

func (e *env) hold(t *testing.T) *models.Reservation {
	t.Helper()
	r, err := e.alloc.RequestReservation(context.Background(), allocator.Request{
		ResourceID: "room-1",
		Interval:   models.TimeInterval{Start: testNow.Add(time.Hour), End: testNow.Add(2 * time.Hour)},
		PartySize:  1,
		Mode:       models.ModeHoldThenConfirm,
	})
	require.NoError(t, err)
	return r
}

func TestSweepExpiresOverdueHold(t *testing.T) {
	e := newEnv(t)
	held := e.hold(t)
	ctx := context.Background()

	// Six minutes later, the five-minute hold is overdue.
	e.clock = func() time.Time { return testNow.Add(6 * time.Minute) }

	s := e.sweeper()
	assert.Equal(t, 1, s.SweepOnce(ctx))

	got, err := e.led.GetCurrent(ctx, held.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateExpired, got.State)

	t.Run("ConfirmAfterExpiryFails", func(t *testing.T) {
		_, err := e.alloc.ConfirmHold(ctx, held.ID, held.Version)
		assert.ErrorIs(t, err, models.ErrExpired)
	})

	t.Run("CapacityReleased", func(t *testing.T) {
		_, err := e.alloc.RequestReservation(ctx, allocator.Request{
			ResourceID: "room-1",
			Interval:   models.TimeInterval{Start: testNow.Add(time.Hour), End: testNow.Add(2 * time.Hour)},
			PartySize:  2,
			Mode:       models.ModeDirectConfirm,
		})
		assert.NoError(t, err)
	})
}

func TestSweepLeavesFreshHoldsAlone(t *testing.T) {
	e := newEnv(t)
	held := e.hold(t)
	ctx := context.Background()

	s := e.sweeper()
	assert.Equal(t, 0, s.SweepOnce(ctx))

	got, err := e.led.GetCurrent(ctx, held.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateHeld, got.State)
}

func TestSweepIsIdempotent(t *testing.T) {
	e := newEnv(t)
	e.hold(t)
	ctx := context.Background()

	e.clock = func() time.Time { return testNow.Add(10 * time.Minute) }
	s := e.sweeper()
	assert.Equal(t, 1, s.SweepOnce(ctx))
	assert.Equal(t, 0, s.SweepOnce(ctx))
}

func TestConcurrentConfirmWinsTheRace(t *testing.T) {
	e := newEnv(t)
	held := e.hold(t)
	ctx := context.Background()

	// The hold is overdue, but a confirm lands before the sweep appends.
	e.clock = func() time.Time { return testNow.Add(6 * time.Minute) }
	_, err := e.led.Append(ctx, held.ID, models.StateHeld, models.StateConfirmed, held.Version)
	require.NoError(t, err)

	s := e.sweeper()
	assert.Equal(t, 0, s.SweepOnce(ctx), "expiry must lose a version race against confirm")

	got, err := e.led.GetCurrent(ctx, held.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateConfirmed, got.State)
}

func TestConcurrentSweepersAreSafe(t *testing.T) {
	e := newEnv(t)
	e.hold(t)
	ctx := context.Background()

	e.clock = func() time.Time { return testNow.Add(10 * time.Minute) }

	const workers = 8
	results := make([]int, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = e.sweeper().SweepOnce(ctx)
		}(i)
	}
	wg.Wait()

	total := 0
	for _, n := range results {
		total += n
	}
	assert.Equal(t, 1, total, "exactly one sweeper may win the expiry append")
}

func TestStartStop(t *testing.T) {
	e := newEnv(t)
	s := e.sweeper()

	done := make(chan struct{})
	go func() {
		s.Start(context.Background())
		close(done)
	}()

	time.Sleep(30 * time.Millisecond)
	s.Stop()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}

	// Stop again must not panic.
	s.Stop()
}
