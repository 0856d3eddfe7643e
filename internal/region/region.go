// Package region defines the coarse geographic buckets users are sorted into,
// the pairwise distance table used to rank candidate pairs, and the ICE
// server list handed to clients for each bucket.
package region

// Region is one of six geographic buckets, or Any for "no preference".
type Region string

const (
	NorthAmerica Region = "north-america"
	SouthAmerica Region = "south-america"
	Europe       Region = "europe"
	Asia         Region = "asia"
	Africa       Region = "africa"
	Oceania      Region = "oceania"
	Any          Region = "any"
)

// anyDistance is the distance reported whenever either side is Any or unknown.
const anyDistance = 5

var named = []Region{NorthAmerica, SouthAmerica, Europe, Asia, Africa, Oceania}

// distances holds the upper triangle of the symmetric table; lookup normalises
// the key order.
var distances = map[[2]Region]int{
	{NorthAmerica, SouthAmerica}: 3,
	{NorthAmerica, Europe}:       5,
	{NorthAmerica, Asia}:         8,
	{NorthAmerica, Africa}:       7,
	{NorthAmerica, Oceania}:      9,
	{SouthAmerica, Europe}:       6,
	{SouthAmerica, Asia}:         9,
	{SouthAmerica, Africa}:       7,
	{SouthAmerica, Oceania}:      10,
	{Europe, Asia}:               4,
	{Europe, Africa}:             3,
	{Europe, Oceania}:            8,
	{Asia, Africa}:               5,
	{Asia, Oceania}:              4,
	{Africa, Oceania}:            8,
}

// All returns the six named regions (Any excluded).
func All() []Region {
	out := make([]Region, len(named))
	copy(out, named)
	return out
}

// Valid reports whether r is a named region or Any.
func Valid(r Region) bool {
	if r == Any {
		return true
	}
	return index(r) >= 0
}

// Distance returns the symmetric proximity penalty between two regions:
// 0 for identical regions, 5 when either side is Any (or unknown), otherwise
// the table value.
func Distance(a, b Region) int {
	if a == b {
		return 0
	}
	ia, ib := index(a), index(b)
	if ia < 0 || ib < 0 {
		return anyDistance
	}
	if ia > ib {
		a, b = b, a
	}
	return distances[[2]Region{a, b}]
}

func index(r Region) int {
	for i, n := range named {
		if n == r {
			return i
		}
	}
	return -1
}
