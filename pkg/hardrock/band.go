package hardrock

// bandRanges lists HRBN band numbers 1 (10 m) through 10 (160 m)
var bandRanges = [...]struct {
	band     int
	low, top uint64
}{
	{1, 28000000, 29700000},
	{2, 24890000, 24990000},
	{3, 21000000, 21450000},
	{4, 18068000, 18168000},
	{5, 14000000, 14350000},
	{6, 10100000, 10150000},
	{7, 7000000, 7300000},
	{8, 5351500, 5366500},
	{9, 3500000, 4000000},
	{10, 1800000, 2000000},
}

// BandForFrequency returns the HRBN band number for hz, or BandUnknown
func BandForFrequency(hz uint64) int {
	for _, r := range bandRanges {
		if hz >= r.low && hz <= r.top {
			return r.band
		}
	}
	return BandUnknown
}
