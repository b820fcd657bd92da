package training

import (
	"fmt"
	"math"
	"math/rand"
	"sort"
)

// byLabel groups case indices by label, labels ascending.
func byLabel(labels []int) ([]int, map[int][]int) {
	groups := make(map[int][]int)
	for i, l := range labels {
		groups[l] = append(groups[l], i)
	}
	keys := make([]int, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	return keys, groups
}

func caseLabels(cases []Case) []int {
	out := make([]int, len(cases))
	for i, c := range cases {
		out[i] = c.Label
	}
	return out
}

// TrainTestSplit holds out round(n_c*testSize) cases of every label c,
// chosen with a seeded shuffle. Both parts keep the input order.
func TrainTestSplit(cases []Case, testSize float64, seed int64) (train, test []Case, err error) {
	if testSize <= 0 || testSize >= 1 {
		return nil, nil, fmt.Errorf("test size %v outside (0, 1)", testSize)
	}
	rng := rand.New(rand.NewSource(seed))
	keys, groups := byLabel(caseLabels(cases))

	held := make(map[int]bool)
	for _, k := range keys {
		idx := append([]int(nil), groups[k]...)
		rng.Shuffle(len(idx), func(i, j int) { idx[i], idx[j] = idx[j], idx[i] })
		n := int(math.Round(float64(len(idx)) * testSize))
		for _, i := range idx[:n] {
			held[i] = true
		}
	}

	for i, c := range cases {
		if held[i] {
			test = append(test, c)
		} else {
			train = append(train, c)
		}
	}
	if len(train) == 0 || len(test) == 0 {
		return nil, nil, fmt.Errorf("split of %d cases left an empty partition", len(cases))
	}
	return train, test, nil
}

// Fold lists the indices of one cross-validation split.
type Fold struct {
	Train []int
	Val   []int
}

// StratifiedKFold shuffles every label group with a seeded source and deals
// it round-robin over k folds, so each fold keeps the label ratio.
func StratifiedKFold(labels []int, k int, seed int64) ([]Fold, error) {
	if k < 2 {
		return nil, fmt.Errorf("need at least 2 folds, got %d", k)
	}
	if len(labels) < k {
		return nil, fmt.Errorf("cannot split %d cases into %d folds", len(labels), k)
	}

	rng := rand.New(rand.NewSource(seed))
	keys, groups := byLabel(labels)

	assign := make([]int, len(labels))
	offset := 0
	for _, key := range keys {
		idx := append([]int(nil), groups[key]...)
		rng.Shuffle(len(idx), func(i, j int) { idx[i], idx[j] = idx[j], idx[i] })
		for j, i := range idx {
			assign[i] = (offset + j) % k
		}
		offset += len(idx)
	}

	folds := make([]Fold, k)
	for i, f := range assign {
		for j := range folds {
			if j == f {
				folds[j].Val = append(folds[j].Val, i)
			} else {
				folds[j].Train = append(folds[j].Train, i)
			}
		}
	}
	return folds, nil
}
