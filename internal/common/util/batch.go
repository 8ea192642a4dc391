package util

// Batch splits elements into consecutive batches of at most batchSize elements, preserving order.
func Batch[T any](elements []T, batchSize int) [][]T {
	if batchSize <= 0 {
		batchSize = 1
	}
	batches := make([][]T, 0, (len(elements)+batchSize-1)/batchSize)
	for start := 0; start < len(elements); start += batchSize {
		end := start + batchSize
		if end > len(elements) {
			end = len(elements)
		}
		batches = append(batches, elements[start:end])
	}
	return batches
}

// LastN returns the final n elements of the slice, or the whole slice if it is shorter.
func LastN[T any](elements []T, n int) []T {
	if len(elements) <= n {
		return elements
	}
	return elements[len(elements)-n:]
}
