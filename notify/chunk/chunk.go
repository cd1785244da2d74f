// Package chunk partitions recipient id sets into bounded-size groups so
// fan-out and bulk inserts stay within downstream batch limits.
package chunk

import "errors"

// ErrInvalidChunkSize is returned when the requested group size is not positive.
var ErrInvalidChunkSize = errors.New("chunk size must be greater than zero")

// Partition deduplicates ids (first occurrence wins) and splits them into
// disjoint, non-empty groups of at most size elements. The final group may
// be shorter. An empty input yields nil, not an error; the partition is
// deterministic for a fixed input order.
func Partition[T comparable](ids []T, size int) ([][]T, error) {
	if size <= 0 {
		return nil, ErrInvalidChunkSize
	}

	if len(ids) == 0 {
		return nil, nil
	}

	deduped := Dedup(ids)

	groups := make([][]T, 0, (len(deduped)+size-1)/size)

	for start := 0; start < len(deduped); start += size {
		end := min(start+size, len(deduped))
		groups = append(groups, deduped[start:end:end])
	}

	return groups, nil
}

// Dedup removes duplicate ids preserving first-occurrence order.
func Dedup[T comparable](ids []T) []T {
	if len(ids) == 0 {
		return nil
	}

	seen := make(map[T]struct{}, len(ids))
	result := make([]T, 0, len(ids))

	for _, id := range ids {
		if _, exists := seen[id]; exists {
			continue
		}

		seen[id] = struct{}{}
		result = append(result, id)
	}

	return result
}
