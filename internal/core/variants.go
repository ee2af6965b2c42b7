package core

import (
	"maps"
	"slices"
)

// Substitution replaces every occurrence of Marker with Value.
type Substitution struct {
	Marker string
	Value  string
}

// Variant is one point in the cartesian product of all variables, ordered by
// variable name.
type Variant []Substitution

// Expand enumerates every combination of variable values. Names are sorted
// and the first name varies slowest. No variables yields a single empty
// variant; a variable with no values yields none.
func Expand(variables map[string][]string) []Variant {
	names := slices.Sorted(maps.Keys(variables))

	total := 1
	for _, name := range names {
		total *= len(variables[name])
	}
	if total == 0 {
		return nil
	}

	variants := make([]Variant, 0, total)
	index := make([]int, len(names))
	for {
		variant := make(Variant, len(names))
		for k, name := range names {
			variant[k] = Substitution{Marker: name, Value: variables[name][index[k]]}
		}
		variants = append(variants, variant)

		k := len(names) - 1
		for ; k >= 0; k-- {
			index[k]++
			if index[k] < len(variables[names[k]]) {
				break
			}
			index[k] = 0
		}
		if k < 0 {
			return variants
		}
	}
}
