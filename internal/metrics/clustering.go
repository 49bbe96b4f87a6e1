package metrics

import (
	"math"
	"sort"
)

// Cluster drift between scoring passes.
//
// Each full pass rebuilds the address graph and assigns cluster ids. Ids are
// content hashes, so any membership change renames a cluster; comparing ids
// directly says nothing about how much actually moved. The partition
// comparison below works on labels only:
//
//   ARI  Adjusted Rand Index, 1 = identical partitions, ~0 = unrelated.
//   VI   Variation of Information in bits, 0 = identical.

// DriftReport compares two cluster assignments over their common addresses.
type DriftReport struct {
	Common  int     `json:"common"`
	Added   int     `json:"added"`
	Removed int     `json:"removed"`
	Moved   int     `json:"moved"`
	ARI     float64 `json:"ari"`
	VI      float64 `json:"vi"`
}

// Drift compares address_id -> cluster_id maps from two passes. Moved counts
// common addresses whose cluster id changed.
func Drift(prev, cur map[string]string) DriftReport {
	var r DriftReport
	ids := make([]string, 0, len(cur))
	for id := range cur {
		if _, ok := prev[id]; ok {
			ids = append(ids, id)
		} else {
			r.Added++
		}
	}
	for id := range prev {
		if _, ok := cur[id]; !ok {
			r.Removed++
		}
	}
	sort.Strings(ids)
	r.Common = len(ids)

	prevLabels := make([]int, len(ids))
	curLabels := make([]int, len(ids))
	prevIdx := make(map[string]int)
	curIdx := make(map[string]int)
	for i, id := range ids {
		prevLabels[i] = intern(prevIdx, prev[id])
		curLabels[i] = intern(curIdx, cur[id])
		if prev[id] != cur[id] {
			r.Moved++
		}
	}

	r.ARI = AdjustedRandIndex(curLabels, prevLabels)
	r.VI = VariationOfInformation(curLabels, prevLabels)
	return r
}

func intern(idx map[string]int, label string) int {
	if i, ok := idx[label]; ok {
		return i
	}
	i := len(idx)
	idx[label] = i
	return i
}

// contingency is the label co-occurrence table of two partitions.
type contingency struct {
	n       int
	cells   [][]int
	rowSums []int
	colSums []int
}

func newContingency(a, b []int) contingency {
	rowOf := indexLabels(a)
	colOf := indexLabels(b)

	c := contingency{
		n:       len(a),
		cells:   make([][]int, len(rowOf)),
		rowSums: make([]int, len(rowOf)),
		colSums: make([]int, len(colOf)),
	}
	for i := range c.cells {
		c.cells[i] = make([]int, len(colOf))
	}
	for k := range a {
		i, j := rowOf[a[k]], colOf[b[k]]
		c.cells[i][j]++
		c.rowSums[i]++
		c.colSums[j]++
	}
	return c
}

// AdjustedRandIndex returns the ARI of two label slices of equal length.
// Fewer than two elements, or a length mismatch, yields 0.
func AdjustedRandIndex(a, b []int) float64 {
	if len(a) != len(b) || len(a) < 2 {
		return 0.0
	}
	c := newContingency(a, b)

	sumCells := 0.0
	for i := range c.cells {
		for _, v := range c.cells[i] {
			sumCells += comb2(v)
		}
	}
	sumRows := 0.0
	for _, v := range c.rowSums {
		sumRows += comb2(v)
	}
	sumCols := 0.0
	for _, v := range c.colSums {
		sumCols += comb2(v)
	}

	expected := (sumRows * sumCols) / comb2(c.n)
	maxIndex := 0.5 * (sumRows + sumCols)
	denom := maxIndex - expected
	if math.Abs(denom) < 1e-12 {
		// Both partitions all-singletons or both one block.
		return 1.0
	}
	return (sumCells - expected) / denom
}

// VariationOfInformation returns H(A|B) + H(B|A) in bits.
func VariationOfInformation(a, b []int) float64 {
	if len(a) != len(b) || len(a) < 2 {
		return 0.0
	}
	c := newContingency(a, b)
	nf := float64(c.n)

	vi := 0.0
	for i := range c.cells {
		for j, v := range c.cells[i] {
			if v == 0 {
				continue
			}
			p := float64(v) / nf
			vi -= p * math.Log2(float64(v)/float64(c.colSums[j]))
			vi -= p * math.Log2(float64(v)/float64(c.rowSums[i]))
		}
	}
	return vi
}

func comb2(n int) float64 {
	if n < 2 {
		return 0
	}
	return float64(n) * float64(n-1) / 2.0
}

// indexLabels maps each distinct label to a dense row/column index in
// first-seen order.
func indexLabels(labels []int) map[int]int {
	idx := make(map[int]int)
	for _, l := range labels {
		if _, ok := idx[l]; !ok {
			idx[l] = len(idx)
		}
	}
	return idx
}
