package catalog

import (
	"context"
	"io"
	"testing"
	"time"

	"rezerv/internal/models"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var day = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

func window(startHour, endHour int) models.TimeInterval {
	return models.TimeInterval{
		Start: day.Add(time.Duration(startHour) * time.Hour),
		End:   day.Add(time.Duration(endHour) * time.Hour),
	}
}

func table(id string) models.Resource {
	return models.Resource{
		ID:       id,
		Type:     "table",
		Capacity: 4,
		Timezone: "UTC",
		Windows:  []models.TimeInterval{window(10, 14), window(18, 22)},
	}
}

type mockLedger struct {
	mock.Mock
}

func (m *mockLedger) ActiveByResource(ctx context.Context, resourceID string) ([]models.Reservation, error) {
	args := m.Called(ctx, resourceID)
	return args.Get(0).([]models.Reservation), args.Error(1)
}

func newCatalog(ledger ActiveLister) *Catalog {
	logger := zerolog.New(io.Discard)
	return New(ledger, &logger)
}

func TestPublishAndGet(t *testing.T) {
	c := newCatalog(nil)

	require.NoError(t, c.Publish(table("table-1")))

	t.Run("Get", func(t *testing.T) {
		r, err := c.GetResource("table-1")
		require.NoError(t, err)
		assert.Equal(t, int64(1), r.Version)
		assert.Equal(t, 4, r.Capacity)
	})

	t.Run("DuplicatePublish", func(t *testing.T) {
		assert.ErrorIs(t, c.Publish(table("table-1")), models.ErrConflict)
	})

	t.Run("UnknownResource", func(t *testing.T) {
		_, err := c.GetResource("table-404")
		assert.ErrorIs(t, err, models.ErrNotFound)
	})

	t.Run("InvalidResource", func(t *testing.T) {
		bad := table("table-2")
		bad.Capacity = 0
		assert.Error(t, c.Publish(bad))
	})
}

func TestListAvailabilityWindows(t *testing.T) {
	c := newCatalog(nil)
	require.NoError(t, c.Publish(table("table-1")))

	t.Run("ClippedToRange", func(t *testing.T) {
		got, err := c.ListAvailabilityWindows("table-1", window(12, 20))
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, window(12, 14), got[0])
		assert.Equal(t, window(18, 20), got[1])
	})

	t.Run("OutsideAllWindows", func(t *testing.T) {
		got, err := c.ListAvailabilityWindows("table-1", window(0, 9))
		require.NoError(t, err)
		assert.Empty(t, got)
	})

	t.Run("InvalidRange", func(t *testing.T) {
		_, err := c.ListAvailabilityWindows("table-1", window(14, 14))
		assert.ErrorIs(t, err, models.ErrInvalidInterval)
	})
}

func TestUpdateVersioned(t *testing.T) {
	ledger := new(mockLedger)
	ledger.On("ActiveByResource", mock.Anything, "table-1").Return([]models.Reservation{}, nil)

	c := newCatalog(ledger)
	require.NoError(t, c.Publish(table("table-1")))

	t.Run("StaleVersion", func(t *testing.T) {
		updated := table("table-1")
		assert.ErrorIs(t, c.Update(context.Background(), updated, 7), models.ErrConflict)
	})

	t.Run("Applies", func(t *testing.T) {
		updated := table("table-1")
		updated.Capacity = 6
		require.NoError(t, c.Update(context.Background(), updated, 1))

		r, err := c.GetResource("table-1")
		require.NoError(t, err)
		assert.Equal(t, 6, r.Capacity)
		assert.Equal(t, int64(2), r.Version)
	})
}

func TestUpdateRejectsOrphanedConfirmed(t *testing.T) {
	confirmed := models.Reservation{
		ID:         "res-1",
		ResourceID: "table-1",
		Interval:   window(19, 20),
		PartySize:  2,
		State:      models.StateConfirmed,
	}
	ledger := new(mockLedger)
	ledger.On("ActiveByResource", mock.Anything, "table-1").Return([]models.Reservation{confirmed}, nil)

	c := newCatalog(ledger)
	require.NoError(t, c.Publish(table("table-1")))

	// Drops the evening window that res-1 sits in.
	updated := table("table-1")
	updated.Windows = []models.TimeInterval{window(10, 14)}
	err := c.Update(context.Background(), updated, 1)
	assert.ErrorIs(t, err, models.ErrConflict)
	assert.Contains(t, err.Error(), "res-1")

	// Held reservations do not block calendar changes.
	held := confirmed
	held.ID = "res-2"
	held.State = models.StateHeld
	ledger2 := new(mockLedger)
	ledger2.On("ActiveByResource", mock.Anything, "table-1").Return([]models.Reservation{held}, nil)

	c2 := newCatalog(ledger2)
	require.NoError(t, c2.Publish(table("table-1")))
	assert.NoError(t, c2.Update(context.Background(), updated, 1))
}
