package civ

// FrequencyBytes is the width of a frequency field on the IC-705
const FrequencyBytes = 5

func bcdByte(b byte) uint64 {
	return uint64(b>>4)*10 + uint64(b&0x0F)
}

func toBCD(v int) byte {
	return byte((v/10)<<4 | v%10)
}

// DecodeFrequency sums BCD pairs, least significant pair first
func DecodeFrequency(digits []byte) uint64 {
	var hz uint64
	mult := uint64(1)
	for _, b := range digits {
		hz += bcdByte(b) * mult
		mult *= 100
	}
	return hz
}

// EncodeFrequency writes hz as n BCD pairs, least significant first.
// Digits that do not fit are dropped.
func EncodeFrequency(hz uint64, n int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = toBCD(int(hz % 100))
		hz /= 100
	}
	return out
}

// DecodeLevel reads BCD pairs most significant first (level fields)
func DecodeLevel(digits []byte) int {
	level := 0
	for _, b := range digits {
		level = level*100 + int(bcdByte(b))
	}
	return level
}

// EncodeLevel writes a 0-255 level as two BCD bytes, 0x01 0x78 for 178
func EncodeLevel(level int) [2]byte {
	if level < 0 {
		level = 0
	}
	if level > 9999 {
		level = 9999
	}
	return [2]byte{toBCD(level / 100), toBCD(level % 100)}
}
