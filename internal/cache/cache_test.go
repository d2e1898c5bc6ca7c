package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gestionpro/backend/internal/barcode"
	"gestionpro/backend/internal/domain"
)

func setupTestRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	mr, err := miniredis.Run()
	require.NoError(t, err)

	client := redis.NewClient(&redis.Options{
		Addr: mr.Addr(),
	})
	t.Cleanup(func() {
		_ = client.Close()
		mr.Close()
	})
	return client, mr
}

func TestRedisProductCache(t *testing.T) {
	client, mr := setupTestRedis(t)
	c := NewRedisProductCache(client)
	ctx := context.Background()

	require.NoError(t, c.Ping(ctx))

	_, ok, err := c.Get(ctx, "3228881010417")
	require.NoError(t, err)
	assert.False(t, ok)

	product := &domain.Product{SKU: "SKU-CAFE-01", Barcode: "3228881010417", Name: "Café", PriceCents: 389, Active: true}
	require.NoError(t, c.Set(ctx, "3228881010417", product, time.Minute))

	got, ok, err := c.Get(ctx, "3228881010417")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, *product, *got)

	mr.FastForward(2 * time.Minute)
	_, ok, err = c.Get(ctx, "3228881010417")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.Set(ctx, "3228881010417", product, time.Minute))
	require.NoError(t, c.Delete(ctx, "3228881010417", "SKU-CAFE-01"))
	_, ok, err = c.Get(ctx, "3228881010417")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestNoopProductCache(t *testing.T) {
	var c ProductCache = NoopProductCache{}
	require.NoError(t, c.Set(context.Background(), "X", &domain.Product{}, time.Minute))
	_, ok, err := c.Get(context.Background(), "X")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisScanWindowMatchesMemoryWindow(t *testing.T) {
	client, _ := setupTestRedis(t)
	ctx := context.Background()
	t0 := time.Date(2025, 1, 20, 10, 0, 0, 0, time.UTC)

	steps := []struct {
		code string
		at   time.Duration
	}{
		{"6112689566211", 0},
		{"6112689566211", 200 * time.Millisecond},
		{"6112689566211", 999 * time.Millisecond},
		{"6112689566211", 1000 * time.Millisecond},
		{"ABC123", 1100 * time.Millisecond},
		{"6112689566211", 1200 * time.Millisecond},
		{"6112689566211", 1300 * time.Millisecond},
	}

	redisWindow := NewRedisScanWindow(client, "T1", time.Second)
	memoryWindow := barcode.NewMemoryWindow(time.Second)
	var got []barcode.Outcome
	for _, step := range steps {
		want, err := memoryWindow.Admit(ctx, step.code, t0.Add(step.at))
		require.NoError(t, err)
		outcome, err := redisWindow.Admit(ctx, step.code, t0.Add(step.at))
		require.NoError(t, err)
		assert.Equal(t, want, outcome, "step %s at %s", step.code, step.at)
		got = append(got, outcome)
	}
	assert.Equal(t, []barcode.Outcome{
		barcode.Admit,
		barcode.DuplicateSuppressed,
		barcode.DuplicateSuppressed,
		barcode.Admit,
		barcode.Admit,
		barcode.Admit,
		barcode.DuplicateSuppressed,
	}, got)
}

func TestRedisScanWindowSessionsAreIndependent(t *testing.T) {
	client, _ := setupTestRedis(t)
	ctx := context.Background()
	now := time.Now()

	a := NewRedisScanWindow(client, "T1", time.Second)
	b := NewRedisScanWindow(client, "T2", time.Second)

	out, err := a.Admit(ctx, "ABC123", now)
	require.NoError(t, err)
	assert.Equal(t, barcode.Admit, out)

	out, err = b.Admit(ctx, "ABC123", now)
	require.NoError(t, err)
	assert.Equal(t, barcode.Admit, out)

	// Two handles on the same session share state.
	again := NewRedisScanWindow(client, "T1", time.Second)
	out, err = again.Admit(ctx, "ABC123", now.Add(10*time.Millisecond))
	require.NoError(t, err)
	assert.Equal(t, barcode.DuplicateSuppressed, out)
}
