package engine

// Partition splits n ideas into ceil(n/cellSize) groups whose sizes differ by
// at most one and returns the group sizes, larger groups first. n <= cellSize
// yields a single group.
func Partition(n, cellSize int) []int {
	if n <= 0 || cellSize <= 0 {
		return nil
	}
	k := (n + cellSize - 1) / cellSize
	base, extra := n/k, n%k
	sizes := make([]int, k)
	for i := range sizes {
		sizes[i] = base
		if i < extra {
			sizes[i]++
		}
	}
	return sizes
}

// split cuts items into consecutive groups of the given sizes.
func split[T any](items []T, sizes []int) [][]T {
	out := make([][]T, 0, len(sizes))
	start := 0
	for _, s := range sizes {
		out = append(out, items[start:start+s])
		start += s
	}
	return out
}
