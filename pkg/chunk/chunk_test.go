package chunk_test

import (
	"fmt"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/opst/knitflow/pkg/chunk"
)

func TestPlan(t *testing.T) {
	type When struct {
		workload     int
		maxChunkSize int
		workers      int
	}

	theory := func(when When, then int) func(*testing.T) {
		return func(t *testing.T) {
			actual := chunk.Plan(when.workload, when.maxChunkSize, when.workers)
			if actual != then {
				t.Errorf("Plan(%+v) = %d, want %d", when, actual, then)
			}
		}
	}

	t.Run("unrestricted workers: ceil(W/C) chunks", theory(When{workload: 10, maxChunkSize: 3, workers: chunk.Unlimited}, 4))
	t.Run("unrestricted workers, W divisible by C", theory(When{workload: 4, maxChunkSize: 2, workers: chunk.Unlimited}, 2))
	t.Run("restricted workers: min(workers, ceil(W/C))", theory(When{workload: 10, maxChunkSize: 3, workers: 2}, 2))
	t.Run("more workers than needed: ceil(W/C)", theory(When{workload: 4, maxChunkSize: 2, workers: 8}, 2))
	t.Run("no chunk size limit: as many as workers", theory(When{workload: 10, maxChunkSize: chunk.Unlimited, workers: 3}, 3))
	t.Run("no limits at all: one chunk", theory(When{workload: 10, maxChunkSize: chunk.Unlimited, workers: chunk.Unlimited}, 1))
	t.Run("no more chunks than items", theory(When{workload: 2, maxChunkSize: chunk.Unlimited, workers: 5}, 2))
	t.Run("empty workload: one chunk", theory(When{workload: 0, maxChunkSize: 2, workers: 4}, 1))
	t.Run("negative values are unlimited", theory(When{workload: 9, maxChunkSize: -1, workers: -1}, 1))
}

func TestPartition(t *testing.T) {
	images := func(n int) []string {
		ret := make([]string, n)
		for i := range ret {
			ret[i] = fmt.Sprintf("img-%d", i)
		}
		return ret
	}

	theory := func(items []string, n int, then [][]string) func(*testing.T) {
		return func(t *testing.T) {
			actual := chunk.Partition(items, n)
			if diff := cmp.Diff(then, actual); diff != "" {
				t.Errorf("Partition (-want +got):\n%s", diff)
			}
		}
	}

	t.Run("evenly divisible workload is split equally", theory(
		images(4), 2,
		[][]string{{"img-0", "img-1"}, {"img-2", "img-3"}},
	))
	t.Run("the remainder is spread over leading chunks", theory(
		images(5), 2,
		[][]string{{"img-0", "img-1", "img-2"}, {"img-3", "img-4"}},
	))
	t.Run("7 items in 4 chunks are 2, 2, 2, 1", theory(
		images(7), 4,
		[][]string{{"img-0", "img-1"}, {"img-2", "img-3"}, {"img-4", "img-5"}, {"img-6"}},
	))
	t.Run("one chunk has everything", theory(
		images(3), 1,
		[][]string{{"img-0", "img-1", "img-2"}},
	))
	t.Run("n < 1 is one chunk", theory(
		images(2), 0,
		[][]string{{"img-0", "img-1"}},
	))
	t.Run("empty workload is an empty chunk", theory(
		[]string{}, 1,
		[][]string{{}},
	))

	t.Run("chunks do not share the backing array with input", func(t *testing.T) {
		items := images(4)
		chunks := chunk.Partition(items, 2)
		chunks[0][0] = "modified"
		if items[0] != "img-0" {
			t.Errorf("input is modified: %v", items)
		}
	})
}

func TestPartition_BoundedByMaxChunkSize(t *testing.T) {
	type When struct {
		workload     int
		maxChunkSize int
	}

	theory := func(when When) func(*testing.T) {
		return func(t *testing.T) {
			items := make([]int, when.workload)
			for i := range items {
				items[i] = i
			}
			chunks := chunk.Partition(items, chunk.Plan(when.workload, when.maxChunkSize, chunk.Unlimited))

			total := 0
			for _, c := range chunks {
				if when.maxChunkSize < len(c) {
					t.Errorf("chunk of %d exceeds max chunk size %d: %v", len(c), when.maxChunkSize, chunks)
				}
				if len(c) == 0 {
					t.Errorf("empty chunk: %v", chunks)
				}
				total += len(c)
			}
			if total != when.workload {
				t.Errorf("items are lost: %d / %d", total, when.workload)
			}
		}
	}

	t.Run("7 items, max 2", theory(When{workload: 7, maxChunkSize: 2}))
	t.Run("9 items, max 2", theory(When{workload: 9, maxChunkSize: 2}))
	t.Run("10 items, max 3", theory(When{workload: 10, maxChunkSize: 3}))
	t.Run("13 items, max 4", theory(When{workload: 13, maxChunkSize: 4}))
	t.Run("divisible workload", theory(When{workload: 8, maxChunkSize: 2}))
}
