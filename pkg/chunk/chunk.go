// Package chunk splits workloads of tasks into chunks, one for a job.
package chunk

// Unlimited is a value for workers or maxChunkSize meaning "no limit".
const Unlimited = 0

// Plan returns the number of chunks for a workload.
//
//	max(1, min(workers, ceil(workload / maxChunkSize)))
//
// workers or maxChunkSize being Unlimited (or negative) drops the term from min.
// When both are dropped, a workload is one chunk.
//
// The number of chunks never exceeds the workload, except for an empty workload
// which is still one (empty) chunk.
func Plan(workload int, maxChunkSize int, workers int) int {
	n := -1
	if 0 < maxChunkSize {
		n = ceilDiv(workload, maxChunkSize)
	}
	if 0 < workers && (n < 0 || workers < n) {
		n = workers
	}
	if n < 0 {
		n = 1
	}
	if 0 < workload && workload < n {
		n = workload
	}
	return max(1, n)
}

func ceilDiv(a, b int) int {
	return (a + b - 1) / b
}

// Partition splits items into n near-equal shares, keeping the order.
//
// Each share has len(items)/n items, and the first len(items)%n shares have one more.
// So no share is larger than ceil(len(items)/n).
// When n < 1, it is treated as 1.
func Partition[T any](items []T, n int) [][]T {
	if n < 1 {
		n = 1
	}
	share, rest := len(items)/n, len(items)%n
	chunks := make([][]T, 0, n)
	from := 0
	for i := 0; i < n; i++ {
		to := from + share
		if i < rest {
			to += 1
		}
		c := make([]T, to-from)
		copy(c, items[from:to])
		chunks = append(chunks, c)
		from = to
	}
	return chunks
}
