//go:build unit

package chunk

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestPartitionCoversEveryIDExactlyOnce(t *testing.T) {
	t.Parallel()

	ids := make([]uuid.UUID, 0, 7)
	for range 7 {
		ids = append(ids, uuid.New())
	}

	groups, err := Partition(ids, 3)
	require.NoError(t, err)
	require.Len(t, groups, 3)

	seen := make(map[uuid.UUID]int)

	for _, group := range groups {
		require.LessOrEqual(t, len(group), 3)

		for _, id := range group {
			seen[id]++
		}
	}

	require.Len(t, seen, len(ids))

	for _, count := range seen {
		require.Equal(t, 1, count)
	}
}

func TestPartitionIsDeterministic(t *testing.T) {
	t.Parallel()

	ids := []uuid.UUID{uuid.New(), uuid.New(), uuid.New(), uuid.New(), uuid.New()}

	first, err := Partition(ids, 2)
	require.NoError(t, err)

	second, err := Partition(ids, 2)
	require.NoError(t, err)

	require.Equal(t, first, second)
}

func TestPartitionDropsDuplicatesKeepingFirstOccurrence(t *testing.T) {
	t.Parallel()

	a, b, c := uuid.New(), uuid.New(), uuid.New()

	groups, err := Partition([]uuid.UUID{a, b, a, c, b}, 10)
	require.NoError(t, err)
	require.Len(t, groups, 1)
	require.Equal(t, []uuid.UUID{a, b, c}, groups[0])
}

func TestPartitionEmptyInputYieldsNoGroups(t *testing.T) {
	t.Parallel()

	groups, err := Partition[uuid.UUID](nil, 5)
	require.NoError(t, err)
	require.Empty(t, groups)

	groups, err = Partition([]uuid.UUID{}, 5)
	require.NoError(t, err)
	require.Empty(t, groups)
}

func TestPartitionRejectsNonPositiveSize(t *testing.T) {
	t.Parallel()

	_, err := Partition([]int{1, 2, 3}, 0)
	require.ErrorIs(t, err, ErrInvalidChunkSize)

	_, err = Partition([]int{1, 2, 3}, -1)
	require.ErrorIs(t, err, ErrInvalidChunkSize)
}

func TestPartitionSizeLargerThanInput(t *testing.T) {
	t.Parallel()

	groups, err := Partition([]int{1, 2}, 100)
	require.NoError(t, err)
	require.Len(t, groups, 1)
	require.Equal(t, []int{1, 2}, groups[0])
}

func TestPartitionExactMultiple(t *testing.T) {
	t.Parallel()

	groups, err := Partition([]int{1, 2, 3, 4}, 2)
	require.NoError(t, err)
	require.Len(t, groups, 2)
	require.Equal(t, []int{1, 2}, groups[0])
	require.Equal(t, []int{3, 4}, groups[1])
}

func TestDedupPreservesOrder(t *testing.T) {
	t.Parallel()

	require.Equal(t, []int{3, 1, 2}, Dedup([]int{3, 1, 3, 2, 1}))
	require.Empty(t, Dedup[int](nil))
}
