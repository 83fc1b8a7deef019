package bucket

import (
	"fmt"
	"sync"
	"testing"
)

func simpleLabel(i int, low, high int64, top bool) string {
	if top {
		return fmt.Sprintf("%dGreater", low)
	}
	return fmt.Sprintf("%dTo%d", low, high)
}

func TestBuildValidation(t *testing.T) {
	tests := []struct {
		name       string
		thresholds []int64
		wantErr    bool
	}{
		{"ascending", []int64{0, 1, 10, 50, 100}, false},
		{"single", []int64{5}, false},
		{"empty", nil, true},
		{"duplicate", []int64{0, 10, 10, 50}, true},
		{"descending", []int64{10, 5}, true},
		{"unsorted", []int64{0, 50, 10}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tbl, err := Build(tt.thresholds, simpleLabel)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("Build(%v) succeeded, want error", tt.thresholds)
				}
				return
			}
			if err != nil {
				t.Fatalf("Build(%v) failed: %v", tt.thresholds, err)
			}
			if tbl.Len() != len(tt.thresholds) {
				t.Errorf("got %d buckets, want %d", tbl.Len(), len(tt.thresholds))
			}
		})
	}
}

func TestResolve(t *testing.T) {
	tbl, err := Build([]int64{0, 10, 20, 200}, simpleLabel)
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		value int64
		want  string
	}{
		{-5, "0To10"}, // below every threshold clamps into the first bucket
		{0, "0To10"},
		{2, "0To10"},
		{9, "0To10"},
		{10, "10To20"},
		{19, "10To20"},
		{20, "20To200"},
		{199, "20To200"},
		{200, "200Greater"},
		{100000, "200Greater"},
	}
	for _, tt := range tests {
		if got := tbl.Resolve(tt.value); got != tt.want {
			t.Errorf("Resolve(%d) = %q, want %q", tt.value, got, tt.want)
		}
	}
}

func TestResolveFloat(t *testing.T) {
	tbl, err := Build([]float64{0, 10, 30, 300}, func(i int, low, high float64, top bool) string {
		if top {
			return fmt.Sprintf("bin%d", i)
		}
		return fmt.Sprintf("bin%d", i)
	})
	if err != nil {
		t.Fatal(err)
	}

	values := []float64{0, 10.0, 15.345, 26.345, 6.345, 66.345, 166.345, 366.345, 30066.345, -1}
	for _, v := range values {
		tbl.Update(v)
	}

	want := []int64{3, 3, 2, 2}
	got := tbl.Counts()
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("bin %d count = %d, want %d (all: %v)", i, got[i], want[i], got)
		}
	}
}

func TestUpdateIncrementsOnlyResolvedBucket(t *testing.T) {
	tbl, err := Build([]int64{0, 10, 20}, simpleLabel)
	if err != nil {
		t.Fatal(err)
	}

	before := tbl.Counts()
	for i := 0; i < 7; i++ {
		tbl.Update(15)
	}
	after := tbl.Counts()

	if after[1] != before[1]+7 {
		t.Errorf("target bucket count = %d, want %d", after[1], before[1]+7)
	}
	if after[0] != before[0] || after[2] != before[2] {
		t.Errorf("other buckets changed: before %v, after %v", before, after)
	}
}

func TestUpdateConcurrent(t *testing.T) {
	tbl, err := Build([]int64{0, 100}, simpleLabel)
	if err != nil {
		t.Fatal(err)
	}

	const goroutines = 8
	const perGoroutine = 1000

	var wg sync.WaitGroup
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perGoroutine; i++ {
				tbl.Update(50)
			}
		}()
	}
	wg.Wait()

	if got := tbl.Count("0To100"); got != goroutines*perGoroutine {
		t.Errorf("count = %d, want %d", got, goroutines*perGoroutine)
	}
}

func TestLabels(t *testing.T) {
	tbl, err := Build([]int64{0, 10, 20, 200}, simpleLabel)
	if err != nil {
		t.Fatal(err)
	}

	want := []string{"0To10", "10To20", "20To200", "200Greater"}
	got := tbl.Labels()
	if len(got) != len(want) {
		t.Fatalf("got %d labels, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("label %d = %q, want %q", i, got[i], want[i])
		}
	}
}
