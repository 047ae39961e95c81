package dataset

import (
	"fmt"
	"math"
	"math/rand"
	"sort"
)

// GroupShuffleSplit partitions sample indices so that every subject lands
// wholly in either the train or the test side. ceil(testFraction * groups)
// subjects go to test, at least one and never all of them.
func GroupShuffleSplit(subjects []string, testFraction float64, seed int64) (train, test []int, err error) {
	if testFraction <= 0 || testFraction >= 1 {
		return nil, nil, fmt.Errorf("test fraction must be in (0, 1), got %v", testFraction)
	}

	groups := make(map[string][]int)
	for i, s := range subjects {
		groups[s] = append(groups[s], i)
	}
	if len(groups) < 2 {
		return nil, nil, fmt.Errorf("grouped split needs at least 2 subjects, got %d", len(groups))
	}

	// Sorted before shuffling so the seed alone decides the split
	ids := make([]string, 0, len(groups))
	for id := range groups {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	rng := rand.New(rand.NewSource(seed))
	rng.Shuffle(len(ids), func(i, j int) { ids[i], ids[j] = ids[j], ids[i] })

	nTest := int(math.Ceil(testFraction * float64(len(ids))))
	nTest = min(max(nTest, 1), len(ids)-1)

	for k, id := range ids {
		if k < nTest {
			test = append(test, groups[id]...)
		} else {
			train = append(train, groups[id]...)
		}
	}
	sort.Ints(train)
	sort.Ints(test)
	return train, test, nil
}
