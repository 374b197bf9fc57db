package event

import (
	"sync"
	"testing"
)

func TestIDGen_UniqueAndIncreasing(t *testing.T) {
	gen := NewIDGen(1)
	seen := make(map[int64]bool)
	var prev int64
	for i := 0; i < 10000; i++ {
		id := gen.Next()
		if seen[id] {
			t.Fatalf("duplicate id %d at iteration %d", id, i)
		}
		seen[id] = true
		if id <= prev {
			t.Fatalf("id not increasing: %d after %d", id, prev)
		}
		prev = id
	}
}

func TestIDGen_NodeBits(t *testing.T) {
	id := NewIDGen(5).Next()
	if node := (id >> 12) & 0x3FF; node != 5 {
		t.Errorf("expected node bits 5, got %d", node)
	}
	// 节点号超出 10 位时取低 10 位
	id = NewIDGen(1024 + 7).Next()
	if node := (id >> 12) & 0x3FF; node != 7 {
		t.Errorf("expected node bits 7, got %d", node)
	}
}

func TestIDGen_Concurrent(t *testing.T) {
	gen := NewIDGen(3)
	const workers = 8
	const perWorker = 2000

	results := make([][]int64, workers)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			ids := make([]int64, 0, perWorker)
			for i := 0; i < perWorker; i++ {
				ids = append(ids, gen.Next())
			}
			results[w] = ids
		}(w)
	}
	wg.Wait()

	seen := make(map[int64]bool, workers*perWorker)
	for _, ids := range results {
		for _, id := range ids {
			if seen[id] {
				t.Fatalf("duplicate id %d across goroutines", id)
			}
			seen[id] = true
		}
	}
	if len(seen) != workers*perWorker {
		t.Errorf("expected %d unique ids, got %d", workers*perWorker, len(seen))
	}
}
