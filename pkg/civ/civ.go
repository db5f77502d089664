// Package civ encodes and decodes ICOM CI-V frames.
//
// A frame is FE FE <to> <from> <cmd> [<sub>] [<data>...] FD. Numeric fields
// are BCD. Parsing is lenient: short or garbled frames decode to zero values
// instead of errors because the Bluetooth link is noisy.
package civ

import (
	"fmt"
	"math"
)

// Framing bytes
const (
	Preamble byte = 0xFE
	EOM      byte = 0xFD
	Ack      byte = 0xFB
	Nak      byte = 0xFA
)

// Addresses
const (
	DefaultRadio      byte = 0xA4 // IC-705
	DefaultController byte = 0xE0
	Broadcast         byte = 0x00
)

// Type is the command byte of a frame
type Type int

const (
	TypeUnknown Type = -1

	TypeSetFrequencyRig Type = iota - 1
	TypeSetModeFilterRig
	TypeReadBandEdges
	TypeReadOperatingFreq
	TypeReadModeFilter
	TypeSetFrequency
	TypeSetModeFilter
	TypeSelectVFOMode
	TypeSelectMemoryMode
	TypeWriteMemory
	TypeTransferMemoryToVFO
	TypeClearMemory
	TypeReadDuplexOffset
	TypeWriteDuplexOffset
	TypeScan
	TypeSplitAndDuplex
	TypeSelectTuningSteps
)

const (
	TypeLevel   Type = 0x14
	TypeVarious Type = 0x1A
	TypeTX      Type = 0x1C
	TypeNak     Type = 0xFA
	TypeAck     Type = 0xFB
)

// Sub commands
const (
	SubRFPower  byte = 0x0A
	SubTXState  byte = 0x00
	SubTunerATU byte = 0x01
)

// Clone protocol command bytes
const (
	CloneGetInfo byte = 0xE0 + iota
	CloneInfo
	CloneRead
	CloneWrite
	CloneRecord
	CloneEnd
)

// Frame builds FE FE to from cmd data... FD
func Frame(to, from, cmd byte, data ...byte) []byte {
	f := make([]byte, 0, 6+len(data))
	f = append(f, Preamble, Preamble, to, from, cmd)
	f = append(f, data...)
	return append(f, EOM)
}

// Response is a received frame, trimmed to start at the preamble
type Response struct {
	frame []byte
	typ   Type
}

// Parse wraps p. Leading bytes before FE FE are dropped.
func Parse(p []byte) Response {
	for len(p) > 1 && (p[0] != Preamble || p[1] != Preamble) {
		p = p[1:]
	}
	r := Response{frame: append([]byte(nil), p...), typ: TypeUnknown}
	if len(r.frame) > 4 {
		r.typ = Type(r.frame[4])
	}
	return r
}

// Bytes returns the trimmed frame
func (r Response) Bytes() []byte {
	return r.frame
}

// Len returns the trimmed frame length
func (r Response) Len() int {
	return len(r.frame)
}

// Type returns the command byte, or TypeUnknown for short frames
func (r Response) Type() Type {
	return r.typ
}

// From returns the sender address, DefaultRadio when too short
func (r Response) From() byte {
	if len(r.frame) > 3 {
		return r.frame[3]
	}
	return DefaultRadio
}

// To returns the destination address, DefaultController when too short
func (r Response) To() byte {
	if len(r.frame) > 2 {
		return r.frame[2]
	}
	return DefaultController
}

// IsBroadcast reports a frame sent to address 00
func (r Response) IsBroadcast() bool {
	return len(r.frame) > 2 && r.frame[2] == Broadcast
}

// IsFrom reports whether the frame came from radio or was broadcast
func (r Response) IsFrom(radio byte) bool {
	return len(r.frame) > 3 && (r.frame[3] == radio || r.frame[2] == Broadcast)
}

// IsFrequency reports a frame that carries an operating frequency
func (r Response) IsFrequency() bool {
	switch r.typ {
	case TypeSetFrequencyRig, TypeReadBandEdges, TypeReadOperatingFreq, TypeSetFrequency:
		return true
	}
	return false
}

// IsModeFilter reports a frame that carries mode and filter
func (r Response) IsModeFilter() bool {
	switch r.typ {
	case TypeSetModeFilterRig, TypeReadModeFilter, TypeSetModeFilter:
		return true
	}
	return false
}

// IsTelemetry reports frequency or mode traffic every listener should see
func (r Response) IsTelemetry() bool {
	return r.IsFrequency() || r.IsModeFilter()
}

// IsAck reports a bare FB acknowledgement
func (r Response) IsAck() bool {
	return len(r.frame) == 6 && r.typ == TypeAck
}

// IsRFPower reports a 14 0A level frame
func (r Response) IsRFPower() bool {
	return r.typ == TypeLevel && len(r.frame) >= 6 && r.frame[5] == SubRFPower
}

// IsClone reports a clone protocol frame
func (r Response) IsClone() bool {
	return IsClonePacket(r.frame)
}

// FrequencyHz decodes the frequency digits, least significant pair first
func (r Response) FrequencyHz() uint64 {
	if !r.IsFrequency() || len(r.frame) <= 10 {
		return 0
	}
	return DecodeFrequency(r.frame[5 : len(r.frame)-1])
}

// Meters returns the band in meters for a frequency frame, 0 otherwise
func (r Response) Meters() int {
	if !r.IsFrequency() {
		return 0
	}
	return FrequencyMeters(r.FrequencyHz())
}

// Mode returns the operating mode of a 04 reply, or -1
func (r Response) Mode() int {
	if r.typ == TypeReadModeFilter && len(r.frame) >= 6 {
		return int(r.frame[5])
	}
	return -1
}

// Filter returns the filter of a 04 reply, or -1
func (r Response) Filter() int {
	if r.typ == TypeReadModeFilter && len(r.frame) >= 7 {
		return int(r.frame[6])
	}
	return -1
}

// RFPower decodes a 14 0A level (0-255), 0 when absent
func (r Response) RFPower() int {
	if r.typ != TypeLevel || len(r.frame) <= 6 || r.frame[5] != SubRFPower {
		return 0
	}
	return DecodeLevel(r.frame[6 : len(r.frame)-1])
}

// IsHF reports 3-30 MHz
func (r Response) IsHF() bool {
	hz := r.FrequencyHz()
	return r.IsFrequency() && hz >= 3000000 && hz <= 30000000
}

// IsVHF reports 30-300 MHz
func (r Response) IsVHF() bool {
	hz := r.FrequencyHz()
	return r.IsFrequency() && hz >= 30000000 && hz <= 300000000
}

// IsUHF reports 300 MHz-3 GHz
func (r Response) IsUHF() bool {
	hz := r.FrequencyHz()
	return r.IsFrequency() && hz >= 300000000 && hz <= 3000000000
}

// String renders the frame as hex for logs
func (r Response) String() string {
	return fmt.Sprintf("% X", r.frame)
}

// IsClonePacket matches FE FE EF EE (or EE EF) followed by a clone command
func IsClonePacket(p []byte) bool {
	return len(p) > 5 &&
		p[0] == Preamble && p[1] == Preamble &&
		((p[2] == 0xEF && p[3] == 0xEE) || (p[2] == 0xEE && p[3] == 0xEF)) &&
		p[4] >= CloneGetInfo && p[4] <= CloneEnd
}

// FrequencyMeters maps a frequency to the nearest amateur band in meters.
// 2 and 1 stand for the 2 m and 70 cm bands.
func FrequencyMeters(hz uint64) int {
	if hz == 0 {
		return 0
	}
	m := int(math.Round(299792458.0 / float64(hz)))
	switch {
	case m >= 150:
		return 160
	case m >= 80:
		return 80
	case m >= 50:
		return 60
	case m >= 40:
		return 40
	case m >= 29:
		return 30
	case m >= 20:
		return 20
	case m >= 16:
		return 17
	case m >= 14:
		return 15
	case m >= 12:
		return 12
	case m >= 10:
		return 10
	case m >= 5:
		return 6
	case m >= 2:
		return 2
	default:
		return 1
	}
}
