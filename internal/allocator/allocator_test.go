package allocator

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"rezerv/internal/catalog"
	"rezerv/internal/holds"
	"rezerv/internal/ledger"
	"rezerv/internal/locker"
	"rezerv/internal/models"
	"rezerv/internal/outbox"
	"rezerv/internal/slotindex"
	"rezerv/internal/storage"
	"rezerv/internal/storage/memory"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	testNow = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	opening = models.TimeInterval{
		Start: testNow.Add(time.Hour),             // 10:00
		End:   testNow.Add(13 * time.Hour),        // 22:00
	}
)

type fixture struct {
	alloc  *Allocator
	bus    *outbox.Bus
	led    *ledger.Ledger
	index  *slotindex.Index
	events []outbox.Event
	mu     sync.Mutex
}

func newFixture(t *testing.T, capacity int) *fixture {
	t.Helper()
	logger := zerolog.New(io.Discard)

	f := &fixture{bus: outbox.NewBus(), index: slotindex.New()}
	f.bus.SubscribeAll(func(e outbox.Event) error {
		f.mu.Lock()
		f.events = append(f.events, e)
		f.mu.Unlock()
		return nil
	})

	f.led = ledger.New(memory.New(), f.bus, &logger, ledger.WithNow(func() time.Time { return testNow }))
	cat := catalog.New(f.led, &logger)
	require.NoError(t, cat.Publish(models.Resource{
		ID:       "table-1",
		Type:     "table",
		Capacity: capacity,
		Timezone: "UTC",
		Windows:  []models.TimeInterval{opening},
	}))

	holdTTL := func(string) time.Duration { return 5 * time.Minute }
	f.alloc = New(cat, f.index, f.led, locker.NewLocal(5*time.Second), holdTTL, &logger,
		WithNow(func() time.Time { return testNow }))
	return f
}

func hourAt(offset time.Duration) models.TimeInterval {
	start := testNow.Add(time.Hour + offset)
	return models.TimeInterval{Start: start, End: start.Add(time.Hour)}
}

func request(iv models.TimeInterval, party int, mode models.RequestMode) Request {
	return Request{ResourceID: "table-1", Interval: iv, PartySize: party, Mode: mode, Owner: "guest"}
}

func TestRequestValidation(t *testing.T) {
	f := newFixture(t, 2)
	ctx := context.Background()

	t.Run("InvertedInterval", func(t *testing.T) {
		iv := hourAt(0)
		iv.Start, iv.End = iv.End, iv.Start
		_, err := f.alloc.RequestReservation(ctx, request(iv, 1, models.ModeDirectConfirm))
		assert.ErrorIs(t, err, models.ErrInvalidInterval)
	})

	t.Run("ZeroParty", func(t *testing.T) {
		_, err := f.alloc.RequestReservation(ctx, request(hourAt(0), 0, models.ModeDirectConfirm))
		assert.ErrorIs(t, err, models.ErrInvalidInterval)
	})

	t.Run("UnknownMode", func(t *testing.T) {
		_, err := f.alloc.RequestReservation(ctx, Request{ResourceID: "table-1", Interval: hourAt(0), PartySize: 1, Mode: "walk_in"})
		assert.ErrorIs(t, err, models.ErrInvalidInterval)
	})

	t.Run("UnknownResource", func(t *testing.T) {
		req := request(hourAt(0), 1, models.ModeDirectConfirm)
		req.ResourceID = "table-404"
		_, err := f.alloc.RequestReservation(ctx, req)
		assert.ErrorIs(t, err, models.ErrNotFound)
	})
}

func TestOutOfHoursRejection(t *testing.T) {
	f := newFixture(t, 2)
	ctx := context.Background()

	// 23:00 - 00:00, past closing.
	iv := models.TimeInterval{Start: testNow.Add(14 * time.Hour), End: testNow.Add(15 * time.Hour)}
	_, err := f.alloc.RequestReservation(ctx, request(iv, 1, models.ModeDirectConfirm))

	var rej *models.Rejection
	require.ErrorAs(t, err, &rej)
	assert.ErrorIs(t, err, models.ErrOutOfHours)
	assert.Equal(t, "table-1", rej.ResourceID)

	// Only the rejection path is recorded: pending then rejected.
	f.mu.Lock()
	defer f.mu.Unlock()
	require.Len(t, f.events, 2)
	assert.Equal(t, models.StatePending, f.events[0].To)
	assert.Equal(t, models.StateRejected, f.events[1].To)
}

func TestDirectConfirmHappyPath(t *testing.T) {
	f := newFixture(t, 2)
	ctx := context.Background()

	r, err := f.alloc.RequestReservation(ctx, request(hourAt(0), 2, models.ModeDirectConfirm))
	require.NoError(t, err)
	assert.Equal(t, models.StateConfirmed, r.State)
	assert.Equal(t, int64(2), r.Version)

	got, err := f.alloc.GetReservation(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateConfirmed, got.State)
}

func TestConcurrentPairFits(t *testing.T) {
	// Capacity 2, two concurrent party-of-1 requests for the same hour:
	// both must be confirmed.
	f := newFixture(t, 2)
	ctx := context.Background()

	var wg sync.WaitGroup
	results := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = f.alloc.RequestReservation(ctx, request(hourAt(0), 1, models.ModeDirectConfirm))
		}(i)
	}
	wg.Wait()

	assert.NoError(t, results[0])
	assert.NoError(t, results[1])

	t.Run("ThirdIsRejected", func(t *testing.T) {
		_, err := f.alloc.RequestReservation(ctx, request(hourAt(30*time.Minute), 1, models.ModeDirectConfirm))
		var rej *models.Rejection
		require.ErrorAs(t, err, &rej)
		assert.ErrorIs(t, err, models.ErrCapacityExceeded)
		assert.False(t, rej.Conflicting.Start.IsZero(), "rejection should name a conflicting interval")
	})
}

func TestRaceForCapacity(t *testing.T) {
	// N concurrent requests, capacity C, party size 1: exactly C are
	// accepted regardless of arrival order.
	const n, capacity = 16, 3
	f := newFixture(t, capacity)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.alloc.RequestReservation(ctx, request(hourAt(0), 1, models.ModeDirectConfirm))
		}(i)
	}
	wg.Wait()

	accepted, rejected := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			accepted++
		case errors.Is(err, models.ErrCapacityExceeded):
			rejected++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, capacity, accepted)
	assert.Equal(t, n-capacity, rejected)
}

func TestBackToBackReservationsDoNotConflict(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()

	_, err := f.alloc.RequestReservation(ctx, request(hourAt(0), 1, models.ModeDirectConfirm))
	require.NoError(t, err)

	_, err = f.alloc.RequestReservation(ctx, request(hourAt(time.Hour), 1, models.ModeDirectConfirm))
	assert.NoError(t, err, "adjacent half-open intervals must not collide")
}

func TestHoldThenConfirm(t *testing.T) {
	f := newFixture(t, 2)
	ctx := context.Background()

	held, err := f.alloc.RequestReservation(ctx, request(hourAt(0), 1, models.ModeHoldThenConfirm))
	require.NoError(t, err)
	assert.Equal(t, models.StateHeld, held.State)
	assert.Equal(t, testNow.Add(5*time.Minute), held.HoldUntil)

	t.Run("HeldOccupiesCapacity", func(t *testing.T) {
		_, err := f.alloc.RequestReservation(ctx, request(hourAt(0), 2, models.ModeDirectConfirm))
		assert.ErrorIs(t, err, models.ErrCapacityExceeded)
	})

	t.Run("Confirm", func(t *testing.T) {
		confirmed, err := f.alloc.ConfirmHold(ctx, held.ID, held.Version)
		require.NoError(t, err)
		assert.Equal(t, models.StateConfirmed, confirmed.State)
		assert.True(t, confirmed.HoldUntil.IsZero())
	})

	t.Run("ConfirmWithStaleVersion", func(t *testing.T) {
		_, err := f.alloc.ConfirmHold(ctx, held.ID, held.Version)
		assert.ErrorIs(t, err, models.ErrConflict)
	})
}

func TestConfirmExpiredHold(t *testing.T) {
	f := newFixture(t, 2)
	ctx := context.Background()

	held, err := f.alloc.RequestReservation(ctx, request(hourAt(0), 1, models.ModeHoldThenConfirm))
	require.NoError(t, err)

	// Move the clock past the hold deadline.
	late := testNow.Add(6 * time.Minute)
	f.alloc.now = func() time.Time { return late }

	_, err = f.alloc.ConfirmHold(ctx, held.ID, held.Version)
	assert.ErrorIs(t, err, models.ErrExpired)
}

func TestCancel(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()

	r, err := f.alloc.RequestReservation(ctx, request(hourAt(0), 1, models.ModeDirectConfirm))
	require.NoError(t, err)

	cancelled, err := f.alloc.Cancel(ctx, r.ID, r.Version)
	require.NoError(t, err)
	assert.Equal(t, models.StateCancelled, cancelled.State)

	t.Run("CapacityFreed", func(t *testing.T) {
		_, err := f.alloc.RequestReservation(ctx, request(hourAt(0), 1, models.ModeDirectConfirm))
		assert.NoError(t, err)
	})

	t.Run("RepeatCancelSameVersionIsNoop", func(t *testing.T) {
		again, err := f.alloc.Cancel(ctx, r.ID, cancelled.Version)
		require.NoError(t, err)
		assert.Equal(t, models.StateCancelled, again.State)
		assert.Equal(t, cancelled.Version, again.Version)
	})

	t.Run("CancelWithStaleVersion", func(t *testing.T) {
		_, err := f.alloc.Cancel(ctx, r.ID, 1)
		assert.ErrorIs(t, err, models.ErrConflict)
	})

	t.Run("CancelUnknown", func(t *testing.T) {
		_, err := f.alloc.Cancel(ctx, "missing", 1)
		assert.ErrorIs(t, err, models.ErrNotFound)
	})
}

func TestBusyWhenSectionHeld(t *testing.T) {
	logger := zerolog.New(io.Discard)
	led := ledger.New(memory.New(), nil, &logger, ledger.WithNow(func() time.Time { return testNow }))
	cat := catalog.New(led, &logger)
	require.NoError(t, cat.Publish(models.Resource{
		ID: "table-busy", Type: "table", Capacity: 1, Windows: []models.TimeInterval{opening},
	}))

	locks := locker.NewLocal(30 * time.Millisecond)
	a := New(cat, slotindex.New(), led, locks, func(string) time.Duration { return time.Minute }, &logger,
		WithNow(func() time.Time { return testNow }))

	release, err := locks.Acquire(context.Background(), "table-busy")
	require.NoError(t, err)
	defer release()

	req := Request{ResourceID: "table-busy", Interval: hourAt(0), PartySize: 1, Mode: models.ModeDirectConfirm}
	_, err = a.RequestReservation(context.Background(), req)
	assert.ErrorIs(t, err, models.ErrBusy)
}

func TestAggregateOccupancyInvariant(t *testing.T) {
	// Overlapping but staggered reservations: at no instant may the sum
	// of party sizes exceed capacity.
	f := newFixture(t, 4)
	ctx := context.Background()

	_, err := f.alloc.RequestReservation(ctx, request(hourAt(0), 2, models.ModeDirectConfirm))
	require.NoError(t, err)
	_, err = f.alloc.RequestReservation(ctx, request(hourAt(30*time.Minute), 2, models.ModeDirectConfirm))
	require.NoError(t, err)

	// 10:30-11:00 already carries 4; one more seat must be rejected.
	_, err = f.alloc.RequestReservation(ctx, request(hourAt(45*time.Minute), 1, models.ModeDirectConfirm))
	assert.ErrorIs(t, err, models.ErrCapacityExceeded)

	// After 11:30 occupancy drops back to zero.
	_, err = f.alloc.RequestReservation(ctx, request(hourAt(90*time.Minute), 4, models.ModeDirectConfirm))
	assert.NoError(t, err)
}

func TestQueryAvailability(t *testing.T) {
	f := newFixture(t, 4)
	ctx := context.Background()

	_, err := f.alloc.RequestReservation(ctx, request(hourAt(0), 3, models.ModeDirectConfirm))
	require.NoError(t, err)

	slots, err := f.alloc.QueryAvailability(ctx, "table-1", models.TimeInterval{
		Start: opening.Start,
		End:   opening.Start.Add(2 * time.Hour),
	})
	require.NoError(t, err)
	require.Len(t, slots, 2)
	assert.Equal(t, 1, slots[0].Free)
	assert.Equal(t, 4, slots[1].Free)
}

func TestCapacityDecisionSharedAcrossInstances(t *testing.T) {
	// Two API processes modeled as two allocators with separate slot
	// indexes over one store and one locker. Neither index sees the
	// other's inserts; the decision must still come out the same.
	logger := zerolog.New(io.Discard)
	store := memory.New()
	locks := locker.NewLocal(5 * time.Second)
	nowFn := func() time.Time { return testNow }

	build := func() *Allocator {
		led := ledger.New(store, nil, &logger, ledger.WithNow(nowFn))
		cat := catalog.New(led, &logger)
		require.NoError(t, cat.Publish(models.Resource{
			ID: "table-1", Type: "table", Capacity: 2, Windows: []models.TimeInterval{opening},
		}))
		return New(cat, slotindex.New(), led, locks, func(string) time.Duration { return 5 * time.Minute }, &logger,
			WithNow(nowFn))
	}
	first, second := build(), build()
	ctx := context.Background()

	_, err := first.RequestReservation(ctx, request(hourAt(0), 2, models.ModeDirectConfirm))
	require.NoError(t, err)

	_, err = second.RequestReservation(ctx, request(hourAt(30*time.Minute), 1, models.ModeDirectConfirm))
	var rej *models.Rejection
	require.ErrorAs(t, err, &rej)
	assert.ErrorIs(t, err, models.ErrCapacityExceeded)
	assert.False(t, rej.Conflicting.Start.IsZero())

	t.Run("DisjointIntervalFits", func(t *testing.T) {
		_, err := second.RequestReservation(ctx, request(hourAt(2*time.Hour), 2, models.ModeDirectConfirm))
		assert.NoError(t, err)
	})
}

func TestExternalSweeperReleasesCapacity(t *testing.T) {
	// Sweeping runs in a separate process that shares the store but not
	// the slot index. The server must see the freed capacity anyway.
	f := newFixture(t, 2)
	ctx := context.Background()

	held, err := f.alloc.RequestReservation(ctx, request(hourAt(0), 2, models.ModeHoldThenConfirm))
	require.NoError(t, err)

	late := testNow.Add(6 * time.Minute)
	logger := zerolog.New(io.Discard)
	external := holds.NewSweeper(holds.Config{Interval: time.Minute}, f.led, slotindex.New(), &logger,
		holds.WithNow(func() time.Time { return late }))
	assert.Equal(t, 1, external.SweepOnce(ctx))

	expired, err := f.alloc.GetReservation(ctx, held.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateExpired, expired.State)

	f.alloc.now = func() time.Time { return late }
	r, err := f.alloc.RequestReservation(ctx, request(hourAt(0), 2, models.ModeDirectConfirm))
	require.NoError(t, err)
	assert.Equal(t, models.StateConfirmed, r.State)
}

// flakyStore fails version-guarded updates on demand, delegating
// everything else to the wrapped store.
type flakyStore struct {
	storage.Store
	failUpdate bool
}

func (s *flakyStore) Update(ctx context.Context, r *models.Reservation, expectedVersion int64, rec models.Transition) error {
	if s.failUpdate {
		return errors.New("disk full")
	}
	return s.Store.Update(ctx, r, expectedVersion, rec)
}

func TestStoreFailureLeavesNoPartialState(t *testing.T) {
	logger := zerolog.New(io.Discard)
	store := &flakyStore{Store: memory.New()}
	led := ledger.New(store, nil, &logger, ledger.WithNow(func() time.Time { return testNow }))
	cat := catalog.New(led, &logger)
	require.NoError(t, cat.Publish(models.Resource{
		ID: "table-1", Type: "table", Capacity: 2, Windows: []models.TimeInterval{opening},
	}))

	index := slotindex.New()
	a := New(cat, index, led, locker.NewLocal(time.Second), func(string) time.Duration { return 5 * time.Minute }, &logger,
		WithNow(func() time.Time { return testNow }))
	ctx := context.Background()

	store.failUpdate = true
	_, err := a.RequestReservation(ctx, request(hourAt(0), 1, models.ModeDirectConfirm))
	assert.ErrorIs(t, err, models.ErrStorageFailure)

	entries, err := index.QueryOverlap("table-1", hourAt(0))
	require.NoError(t, err)
	assert.Empty(t, entries, "failed append must not touch the index")

	active, err := led.ActiveByResource(ctx, "table-1")
	require.NoError(t, err)
	assert.Empty(t, active, "failed append must hold no capacity")

	t.Run("RetrySucceeds", func(t *testing.T) {
		store.failUpdate = false
		r, err := a.RequestReservation(ctx, request(hourAt(0), 1, models.ModeDirectConfirm))
		require.NoError(t, err)
		assert.Equal(t, models.StateConfirmed, r.State)
	})
}

func TestRejectionNamesPeakConflict(t *testing.T) {
	// 10:00-10:30 party 1 and 11:00-12:00 party 2 on capacity 2. A
	// 10:00-12:00 request overlaps both, but only the late booking sits
	// at the occupancy peak; the rejection must name that one.
	f := newFixture(t, 2)
	ctx := context.Background()

	early := models.TimeInterval{Start: opening.Start, End: opening.Start.Add(30 * time.Minute)}
	late := hourAt(time.Hour) // 11:00-12:00
	_, err := f.alloc.RequestReservation(ctx, request(early, 1, models.ModeDirectConfirm))
	require.NoError(t, err)
	_, err = f.alloc.RequestReservation(ctx, request(late, 2, models.ModeDirectConfirm))
	require.NoError(t, err)

	span := models.TimeInterval{Start: opening.Start, End: opening.Start.Add(2 * time.Hour)}
	_, err = f.alloc.RequestReservation(ctx, request(span, 1, models.ModeDirectConfirm))

	var rej *models.Rejection
	require.ErrorAs(t, err, &rej)
	assert.ErrorIs(t, err, models.ErrCapacityExceeded)
	assert.Equal(t, late, rej.Conflicting)
}

func TestRehydrate(t *testing.T) {
	f := newFixture(t, 2)
	ctx := context.Background()

	r, err := f.alloc.RequestReservation(ctx, request(hourAt(0), 2, models.ModeDirectConfirm))
	require.NoError(t, err)

	// Simulate a restart: empty index, same ledger.
	f.index.Remove("table-1", r.ID)
	require.NoError(t, f.alloc.Rehydrate(ctx))

	_, err = f.alloc.RequestReservation(ctx, request(hourAt(0), 1, models.ModeDirectConfirm))
	assert.ErrorIs(t, err, models.ErrCapacityExceeded)
}
