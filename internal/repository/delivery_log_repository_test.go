package repository_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unclebandit/smsleopard-dispatch/internal/db"
	appErrors "github.com/unclebandit/smsleopard-dispatch/internal/errors"
	"github.com/unclebandit/smsleopard-dispatch/internal/model"
	"github.com/unclebandit/smsleopard-dispatch/internal/repository"
)

func openTestDB(t *testing.T) *db.DB {
	t.Helper()
	d, err := db.OpenSQLite(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })
	return d
}

// deliveryStores runs the same contract against every backend.
func deliveryStores(t *testing.T) map[string]repository.DeliveryLogRepositoryInterface {
	return map[string]repository.DeliveryLogRepositoryInterface{
		"memory": repository.NewMemoryDeliveryLogRepository(),
		"sqlite": repository.NewDeliveryLogRepository(openTestDB(t)),
	}
}

func sentEntry(campaignID, phone, providerID string) *model.DeliveryLogEntry {
	e := &model.DeliveryLogEntry{
		CampaignID:       campaignID,
		WorkspaceID:      "ws-1",
		Phone:            phone,
		Message:          "hello",
		Status:           model.StatusSent,
		SentAt:           time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
		ProviderResponse: model.Payload{"id": providerID},
	}
	if providerID != "" {
		e.ProviderMessageID = &providerID
	}
	return e
}

func TestDeliveryLog_UpsertAndFind(t *testing.T) {
	for name, store := range deliveryStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			id, err := store.Upsert(ctx, sentEntry("c1", "+1000", "M1"))
			require.NoError(t, err)
			assert.NotZero(t, id)

			got, err := store.FindByProviderMessageID(ctx, "M1")
			require.NoError(t, err)
			assert.Equal(t, id, got.ID)
			assert.Equal(t, "c1", got.CampaignID)
			assert.Equal(t, "+1000", got.Phone)
			assert.Equal(t, model.StatusSent, got.Status)
			assert.Equal(t, "M1", got.ProviderResponse["id"])
			assert.True(t, got.SentAt.Equal(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)))
			assert.Nil(t, got.DeliveredAt)

			_, err = store.FindByProviderMessageID(ctx, "nope")
			assert.True(t, appErrors.IsNotFound(err))
		})
	}
}

func TestDeliveryLog_UpsertOverwritesSameKey(t *testing.T) {
	for name, store := range deliveryStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			failed := sentEntry("c1", "+1000", "")
			failed.Status = model.StatusFailed
			msg := "invalid number"
			failed.LastError = &msg
			first, err := store.Upsert(ctx, failed)
			require.NoError(t, err)

			second, err := store.Upsert(ctx, sentEntry("c1", "+1000", "M2"))
			require.NoError(t, err)
			assert.Equal(t, first, second)

			got, err := store.FindByProviderMessageID(ctx, "M2")
			require.NoError(t, err)
			assert.Equal(t, model.StatusSent, got.Status)
			assert.Nil(t, got.LastError)

			// same phone under another scope is a separate entry
			other, err := store.Upsert(ctx, sentEntry("c2", "+1000", "M3"))
			require.NoError(t, err)
			assert.NotEqual(t, first, other)

			entries, err := store.ListByCampaign(ctx, "c1")
			require.NoError(t, err)
			assert.Len(t, entries, 1)
		})
	}
}

func TestDeliveryLog_RejectsInvalidEntries(t *testing.T) {
	for name, store := range deliveryStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			noScope := sentEntry("", "+1000", "M1")
			_, err := store.Upsert(ctx, noScope)
			assert.Error(t, err)

			both := sentEntry("c1", "+1000", "M1")
			both.PreviewID = "p1"
			_, err = store.Upsert(ctx, both)
			assert.Error(t, err)

			sending := sentEntry("c1", "+1000", "M1")
			sending.Status = model.StatusSending
			_, err = store.Upsert(ctx, sending)
			assert.Error(t, err)

			noPhone := sentEntry("c1", " ", "M1")
			_, err = store.Upsert(ctx, noPhone)
			assert.Error(t, err)
		})
	}
}

func TestDeliveryLog_UpdateByProviderMessageID(t *testing.T) {
	for name, store := range deliveryStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			_, err := store.Upsert(ctx, sentEntry("c1", "+1000", "M1"))
			require.NoError(t, err)

			at := time.Date(2026, 3, 1, 10, 5, 0, 0, time.UTC)
			updated, err := store.UpdateByProviderMessageID(ctx, "M1", func(e *model.DeliveryLogEntry) error {
				e.Status = model.StatusDelivered
				e.DeliveredAt = &at
				e.Events = append(e.Events, model.DeliveryEvent{
					Status: model.StatusDelivered, Applied: true,
					OccurredAt: at, ReceivedAt: at, Payload: model.Payload{"raw": "DELIVRD"},
				})
				return nil
			})
			require.NoError(t, err)
			assert.Equal(t, model.StatusDelivered, updated.Status)
			require.Len(t, updated.Events, 1)
			assert.NotZero(t, updated.Events[0].ID)

			_, err = store.UpdateByProviderMessageID(ctx, "M1", func(e *model.DeliveryLogEntry) error {
				e.Events = append(e.Events, model.DeliveryEvent{
					Status: model.StatusDelivered, RawStatus: "REJECTD?", OccurredAt: at, ReceivedAt: at,
				})
				return nil
			})
			require.NoError(t, err)

			got, err := store.FindByProviderMessageID(ctx, "M1")
			require.NoError(t, err)
			assert.Equal(t, model.StatusDelivered, got.Status)
			require.Len(t, got.Events, 2)
			assert.Equal(t, "REJECTD?", got.Events[1].RawStatus)
			assert.False(t, got.Events[1].Applied)
			require.NotNil(t, got.DeliveredAt)
			assert.True(t, got.DeliveredAt.Equal(at))

			entries, err := store.ListByCampaign(ctx, "c1")
			require.NoError(t, err)
			require.Len(t, entries, 1)

			_, err = store.UpdateByProviderMessageID(ctx, "nope", func(*model.DeliveryLogEntry) error { return nil })
			assert.True(t, appErrors.IsNotFound(err))
		})
	}
}

func TestDeliveryLog_UpdateKeepsEventsAcrossCalls(t *testing.T) {
	for name, store := range deliveryStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			_, err := store.Upsert(ctx, sentEntry("c1", "+1000", "M1"))
			require.NoError(t, err)

			now := time.Now().UTC()
			for i := 0; i < 3; i++ {
				_, err := store.UpdateByProviderMessageID(ctx, "M1", func(e *model.DeliveryLogEntry) error {
					assert.Len(t, e.Events, i)
					e.Events = append(e.Events, model.DeliveryEvent{Status: model.StatusDelivered, OccurredAt: now, ReceivedAt: now})
					return nil
				})
				require.NoError(t, err)
			}
		})
	}
}

func TestDeliveryLog_ConcurrentUpdatesAreSerialized(t *testing.T) {
	for name, store := range deliveryStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			_, err := store.Upsert(ctx, sentEntry("c1", "+1000", "M1"))
			require.NoError(t, err)

			var wg sync.WaitGroup
			for i := 0; i < 10; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					now := time.Now().UTC()
					_, err := store.UpdateByProviderMessageID(ctx, "M1", func(e *model.DeliveryLogEntry) error {
						e.Events = append(e.Events, model.DeliveryEvent{Status: model.StatusDelivered, OccurredAt: now, ReceivedAt: now})
						return nil
					})
					assert.NoError(t, err)
				}()
			}
			wg.Wait()

			updated, err := store.UpdateByProviderMessageID(ctx, "M1", func(*model.DeliveryLogEntry) error { return nil })
			require.NoError(t, err)
			assert.Len(t, updated.Events, 10)
		})
	}
}

func TestDeliveryLog_SummarizeAndPreviewScope(t *testing.T) {
	for name, store := range deliveryStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			_, err := store.Upsert(ctx, sentEntry("c1", "+1000", "M1"))
			require.NoError(t, err)
			failed := sentEntry("c1", "+2000", "")
			failed.Status = model.StatusFailed
			_, err = store.Upsert(ctx, failed)
			require.NoError(t, err)

			preview := sentEntry("", "+3000", "M3")
			preview.PreviewID = "p1"
			_, err = store.Upsert(ctx, preview)
			require.NoError(t, err)

			stats, err := store.Summarize(ctx, "c1")
			require.NoError(t, err)
			assert.Equal(t, map[model.DeliveryStatus]int{model.StatusSent: 1, model.StatusFailed: 1}, stats)

			previews, err := store.ListByCampaign(ctx, "p1")
			require.NoError(t, err)
			require.Len(t, previews, 1)
			assert.Equal(t, "p1", previews[0].PreviewID)
		})
	}
}
