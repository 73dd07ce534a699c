package sourcemaps

import (
	"slices"
	"strconv"
	"strings"
)

// sortedKeys orders coverage index keys numerically.
func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}

	slices.SortFunc(keys, func(a, b string) int {
		ai, aerr := strconv.Atoi(a)
		bi, berr := strconv.Atoi(b)

		if aerr != nil || berr != nil {
			return strings.Compare(a, b)
		}

		return ai - bi
	})

	return keys
}
