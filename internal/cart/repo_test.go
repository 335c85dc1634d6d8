package cart

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/angelmondragon/farmmarket-backend/internal/testdb"
)

func TestRepositoryIncrementUpserts(t *testing.T) {
	ctx := context.Background()
	client := testdb.Open(t)
	repo := NewRepository(client.DB())
	buyer, item := uuid.New(), uuid.New()

	require.NoError(t, repo.Increment(ctx, buyer, item, 2))
	require.NoError(t, repo.Increment(ctx, buyer, item, 3))

	line, err := repo.Find(ctx, buyer, item)
	require.NoError(t, err)
	assert.Equal(t, 5, line.Quantity)

	lines, err := repo.List(ctx, buyer)
	require.NoError(t, err)
	assert.Len(t, lines, 1)
}

func TestRepositorySetQuantityOverwrites(t *testing.T) {
	ctx := context.Background()
	client := testdb.Open(t)
	repo := NewRepository(client.DB())
	buyer, item := uuid.New(), uuid.New()

	require.NoError(t, repo.SetQuantity(ctx, buyer, item, 4))
	require.NoError(t, repo.SetQuantity(ctx, buyer, item, 1))

	line, err := repo.Find(ctx, buyer, item)
	require.NoError(t, err)
	assert.Equal(t, 1, line.Quantity)
}

func TestRepositoryConsume(t *testing.T) {
	ctx := context.Background()
	client := testdb.Open(t)
	repo := NewRepository(client.DB())
	buyer, item, other := uuid.New(), uuid.New(), uuid.New()

	require.NoError(t, repo.Increment(ctx, buyer, item, 3))
	require.NoError(t, repo.Increment(ctx, buyer, other, 1))

	t.Run("partial", func(t *testing.T) {
		require.NoError(t, repo.Consume(ctx, buyer, item, 2))
		line, err := repo.Find(ctx, buyer, item)
		require.NoError(t, err)
		assert.Equal(t, 1, line.Quantity)
	})

	t.Run("more than held", func(t *testing.T) {
		err := repo.Consume(ctx, buyer, item, 2)
		assert.True(t, errors.Is(err, ErrInsufficientQuantity))
		line, err := repo.Find(ctx, buyer, item)
		require.NoError(t, err)
		assert.Equal(t, 1, line.Quantity)
	})

	t.Run("exact deletes", func(t *testing.T) {
		require.NoError(t, repo.Consume(ctx, buyer, item, 1))
		_, err := repo.Find(ctx, buyer, item)
		assert.True(t, errors.Is(err, gorm.ErrRecordNotFound))
	})

	t.Run("missing line", func(t *testing.T) {
		err := repo.Consume(ctx, buyer, uuid.New(), 1)
		assert.True(t, errors.Is(err, ErrInsufficientQuantity))
	})

	t.Run("other lines untouched", func(t *testing.T) {
		line, err := repo.Find(ctx, buyer, other)
		require.NoError(t, err)
		assert.Equal(t, 1, line.Quantity)
	})
}

func TestRepositoryDeleteAndClear(t *testing.T) {
	ctx := context.Background()
	client := testdb.Open(t)
	repo := NewRepository(client.DB())
	buyer, otherBuyer := uuid.New(), uuid.New()
	a, b := uuid.New(), uuid.New()

	require.NoError(t, repo.Increment(ctx, buyer, a, 1))
	require.NoError(t, repo.Increment(ctx, buyer, b, 1))
	require.NoError(t, repo.Increment(ctx, otherBuyer, a, 1))

	removed, err := repo.Delete(ctx, buyer, a)
	require.NoError(t, err)
	assert.EqualValues(t, 1, removed)

	removed, err = repo.Delete(ctx, buyer, a)
	require.NoError(t, err)
	assert.EqualValues(t, 0, removed)

	require.NoError(t, repo.Clear(ctx, buyer))
	lines, err := repo.List(ctx, buyer)
	require.NoError(t, err)
	assert.Empty(t, lines)

	lines, err = repo.List(ctx, otherBuyer)
	require.NoError(t, err)
	assert.Len(t, lines, 1)
}

func TestRepositoryWithTxRollsBack(t *testing.T) {
	ctx := context.Background()
	client := testdb.Open(t)
	repo := NewRepository(client.DB())
	buyer, item := uuid.New(), uuid.New()

	boom := errors.New("boom")
	err := client.WithTx(ctx, func(tx *gorm.DB) error {
		if err := repo.WithTx(tx).Increment(ctx, buyer, item, 2); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	lines, err := repo.List(ctx, buyer)
	require.NoError(t, err)
	assert.Empty(t, lines)
}
