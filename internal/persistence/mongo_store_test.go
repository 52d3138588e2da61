package persistence

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/petrijr/drip/internal/testutil"
	"github.com/petrijr/drip/pkg/api"
)

func newTestMongoStore(t *testing.T, uri string) *MongoStore {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Disconnect(context.Background()) })

	dbName := fmt.Sprintf("drip_test_%d", time.Now().UnixNano())
	store := NewMongoStore(client, dbName)
	require.NoError(t, store.EnsureIndexes(ctx))
	t.Cleanup(func() { _ = client.Database(dbName).Drop(context.Background()) })
	return store
}

func TestMongoStore(t *testing.T) {
	testutil.RequireIntegration(t)
	uri := testutil.StartMongo(t)

	t.Run("traits", func(t *testing.T) { testTraits(t, newTestMongoStore(t, uri)) })
	t.Run("events", func(t *testing.T) { testEvents(t, newTestMongoStore(t, uri)) })

	t.Run("concurrent batches stay atomic", func(t *testing.T) {
		store := newTestMongoStore(t, uri)
		ctx := context.Background()

		var wg sync.WaitGroup
		for i := 1; i <= 8; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, err := store.UpsertTraits(ctx, "u-1", map[string]api.Value{
					"a": api.Number(float64(i)),
					"b": api.Number(float64(i)),
				}, t0.Add(time.Duration(i)*time.Second))
				assert.NoError(t, err)
			}(i)
		}
		wg.Wait()

		snap, err := store.GetTraits(ctx, "u-1")
		require.NoError(t, err)
		a, _ := snap.Get("a")
		b, _ := snap.Get("b")
		assert.Equal(t, 8.0, a.Num, "newest batch wins")
		assert.Equal(t, a.Num, b.Num, "batch applied as a unit")
	})
}
