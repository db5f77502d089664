package policy

import (
	"strconv"

	"github.com/dougsko/hardplace/pkg/civ"
)

// Bands is the number of HF/6 m bands in every power table
const Bands = 11

// BandUnknown is returned for frequencies outside every table band
const BandUnknown = -1

type bandRange struct {
	low, high uint64
	meters    int
}

// bandRanges are in table order: 6, 10, 12, 15, 17, 20, 30, 40, 60, 80,
// 160 meters. Edges are inclusive.
var bandRanges = [Bands]bandRange{
	{50000000, 54000000, 6},
	{28000000, 29700000, 10},
	{24890000, 24990000, 12},
	{21000000, 21450000, 15},
	{18068000, 18168000, 17},
	{14000000, 14350000, 20},
	{10100000, 10150000, 30},
	{7000000, 7300000, 40},
	{5351500, 5366500, 60},
	{3500000, 4000000, 80},
	{1800000, 2000000, 160},
}

// BandIndexOf returns the table index of the band containing hz
func BandIndexOf(hz uint64) int {
	for i, r := range bandRanges {
		if hz >= r.low && hz <= r.high {
			return i
		}
	}
	return BandUnknown
}

// MetersIndex maps a band in meters to its table index
func MetersIndex(meters int) int {
	for i, r := range bandRanges {
		if r.meters == meters {
			return i
		}
	}
	return BandUnknown
}

// BandMeters returns the wavelength of table index i, 0 if out of range
func BandMeters(i int) int {
	if i < 0 || i >= Bands {
		return 0
	}
	return bandRanges[i].meters
}

// BandEdges returns the inclusive frequency range of table index i
func BandEdges(i int) (low, high uint64) {
	if i < 0 || i >= Bands {
		return 0, 0
	}
	return bandRanges[i].low, bandRanges[i].high
}

// Band identifies the operating band. Index is BandUnknown outside the
// tables; Meters is still set for 2 m (2) and 70 cm (1) so those bands
// keep their own initial power.
type Band struct {
	Index  int `json:"index"`
	Meters int `json:"meters"`
}

// BandOf classifies hz
func BandOf(hz uint64) Band {
	if i := BandIndexOf(hz); i >= 0 {
		return Band{Index: i, Meters: bandRanges[i].meters}
	}
	if m := civ.FrequencyMeters(hz); m == 1 || m == 2 {
		return Band{Index: BandUnknown, Meters: m}
	}
	return Band{Index: BandUnknown}
}

// Known reports whether the band has an initial power entry
func (b Band) Known() bool {
	return b.Index >= 0 || b.Meters == 1 || b.Meters == 2
}

// String names the band as the console prints it
func (b Band) String() string {
	switch {
	case b.Meters == 1:
		return "70CM"
	case b.Meters > 0:
		return strconv.Itoa(b.Meters) + "M"
	default:
		return "unknown"
	}
}
