package policy

import (
	"fmt"
	"math"

	"github.com/dougsko/hardplace/pkg/storage"
)

// Amplifier selects a power table
type Amplifier int

const (
	AmpA Amplifier = iota
	AmpB
	QRP
)

// String returns the name used on the console
func (a Amplifier) String() string {
	switch a {
	case AmpA:
		return "Hardrock A"
	case AmpB:
		return "Hardrock B"
	default:
		return "QRP"
	}
}

// recordVersion is bumped whenever the Tables layout changes
const recordVersion = 2

// PercentToLevel converts a percentage of full power to a CI-V level
func PercentToLevel(percent int) uint8 {
	if percent <= 0 {
		return 0
	}
	if percent >= 100 {
		return 255
	}
	return uint8(percent * 255 / 100)
}

// LevelToPercent converts a CI-V level to a rounded percentage
func LevelToPercent(level uint8) int {
	return int(math.Round(float64(level) * 100.0 / 255.0))
}

// Tables holds the persisted power policy
type Tables struct {
	Debug bool `json:"debug"`
	// TuningEnabled[amp][antenna-1]
	TuningEnabled [2][2]bool `json:"tuning_enabled"`

	Initial     [3][Bands]uint8 `json:"initial"`
	Initial2M   uint8           `json:"initial_2m"`
	Initial70CM uint8           `json:"initial_70cm"`

	QRPMax [Bands]uint8 `json:"qrp_max"`
	// Max[amp][antenna-1][band]
	Max [2][2][Bands]uint8 `json:"max"`
}

func percents(p ...int) [Bands]uint8 {
	var out [Bands]uint8
	for i := range out {
		out[i] = PercentToLevel(p[i])
	}
	return out
}

// DefaultTables returns the factory policy
func DefaultTables() Tables {
	var t Tables

	t.TuningEnabled = [2][2]bool{{true, true}, {true, true}}

	//                 6   10  12  15  17  20  30  40  60  80 160
	ant1 := percents(50, 94, 77, 87, 98, 80, 37, 70, 14, 50, 0)
	ant2 := percents(10, 18, 15, 17, 19, 16, 18, 14, 14, 10, 0)
	initial := percents(10, 18, 15, 17, 19, 16, 18, 14, 14, 10, 0)

	for amp := range t.Max {
		t.Max[amp][0] = ant1
		t.Max[amp][1] = ant2
	}
	t.Initial[AmpA] = initial
	t.Initial[AmpB] = initial
	for i := range t.QRPMax {
		t.QRPMax[i] = 255
		t.Initial[QRP][i] = 255
	}
	t.Initial[QRP][Bands-1] = 0
	t.Initial2M = 255
	t.Initial70CM = 255
	return t
}

// MaxPower returns the ceiling for amp on antenna (1 or 2) at band index.
// Unknown bands are unlimited.
func (t *Tables) MaxPower(amp Amplifier, antenna, index int) uint8 {
	if index < 0 || index >= Bands {
		return 255
	}
	if amp == QRP {
		return t.QRPMax[index]
	}
	return t.Max[amp][antennaIndex(antenna)][index]
}

// SetMaxPower stores a ceiling; QRP ignores antenna
func (t *Tables) SetMaxPower(amp Amplifier, antenna, index int, level uint8) {
	if index < 0 || index >= Bands {
		return
	}
	if amp == QRP {
		t.QRPMax[index] = level
		return
	}
	t.Max[amp][antennaIndex(antenna)][index] = level
}

// InitialPower returns the level pushed to the radio on entering band
func (t *Tables) InitialPower(amp Amplifier, band Band) uint8 {
	switch {
	case band.Meters == 1 && band.Index < 0:
		return t.Initial70CM
	case band.Meters == 2 && band.Index < 0:
		return t.Initial2M
	case band.Index >= 0 && band.Index < Bands:
		return t.Initial[amp][band.Index]
	}
	return 0
}

// SetInitialPower stores the initial level for amp on band
func (t *Tables) SetInitialPower(amp Amplifier, band Band, level uint8) {
	switch {
	case band.Meters == 1 && band.Index < 0:
		t.Initial70CM = level
	case band.Meters == 2 && band.Index < 0:
		t.Initial2M = level
	case band.Index >= 0 && band.Index < Bands:
		t.Initial[amp][band.Index] = level
	}
}

// TunerEnabled reports whether tuning is allowed on amp's antenna
func (t *Tables) TunerEnabled(amp Amplifier, antenna int) bool {
	if amp != AmpA && amp != AmpB {
		return false
	}
	if antenna != 1 && antenna != 2 {
		return false
	}
	return t.TuningEnabled[amp][antenna-1]
}

func antennaIndex(antenna int) int {
	if antenna == 2 {
		return 1
	}
	return 0
}

// encode writes the tables in record order
func (t *Tables) encode(r *storage.Record) {
	r.Put(t.Debug)
	r.Put(t.TuningEnabled)
	r.Put(t.Initial)
	r.Put(t.Initial2M)
	r.Put(t.Initial70CM)
	r.Put(t.QRPMax)
	r.Put(t.Max)
}

func (t *Tables) decode(r *storage.Record) {
	r.Get(&t.Debug)
	r.Get(&t.TuningEnabled)
	r.Get(&t.Initial)
	r.Get(&t.Initial2M)
	r.Get(&t.Initial70CM)
	r.Get(&t.QRPMax)
	r.Get(&t.Max)
}

// LoadTables reads the policy record, falling back to DefaultTables when
// it is missing, short or from another layout
func LoadTables(store *storage.Store) (Tables, error) {
	t := DefaultTables()
	r, err := store.Open(storage.RecordTeensy, recordVersion)
	if err != nil {
		return t, fmt.Errorf("failed to open policy record: %w", err)
	}
	if !r.HaveRecord() || r.Version() != recordVersion {
		return t, nil
	}
	loaded := DefaultTables()
	loaded.decode(r)
	if r.Err() != nil {
		return t, nil
	}
	return loaded, nil
}

// SaveTables persists t
func SaveTables(store *storage.Store, t Tables) error {
	r, err := store.Open(storage.RecordTeensy, recordVersion)
	if err != nil {
		return fmt.Errorf("failed to open policy record: %w", err)
	}
	if r.HaveRecord() && r.Version() != recordVersion {
		if err := r.Delete(); err != nil {
			return err
		}
		if r, err = store.Open(storage.RecordTeensy, recordVersion); err != nil {
			return fmt.Errorf("failed to open policy record: %w", err)
		}
	}
	r.Rewind()
	t.encode(r)
	if err := r.Err(); err != nil {
		return fmt.Errorf("failed to encode policy record: %w", err)
	}
	return r.Flush()
}
