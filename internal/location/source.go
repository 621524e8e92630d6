package location

import (
	"errors"
	"fmt"
	"strings"

	"locsrc-svr/internal/pds"
)

// Source is a bitmask of location sources.
type Source uint32

const (
	SourceNone    Source = 0
	SourceCellID  Source = 1 << 0 // 3GPP LAC/CI
	SourceGPSRaw  Source = 1 << 1
	SourceGPSNMEA Source = 1 << 2
	SourceCellBS  Source = 1 << 3 // CDMA base station
	SourceAGPS    Source = 1 << 5

	// gpsSources share the positioning engine.
	gpsSources = SourceGPSNMEA | SourceGPSRaw
)

var ErrUnknownSource = errors.New("location: unknown source")

var sourceNames = []struct {
	src  Source
	name string
}{
	{SourceCellID, "3gpp-lac-ci"},
	{SourceGPSRaw, "gps-raw"},
	{SourceGPSNMEA, "gps-nmea"},
	{SourceCellBS, "cdma-bs"},
	{SourceAGPS, "agps"},
}

// Names lists the set bits by name.
func (s Source) Names() []string {
	var out []string
	for _, n := range sourceNames {
		if s&n.src != 0 {
			out = append(out, n.name)
		}
	}
	return out
}

func (s Source) String() string {
	if s == SourceNone {
		return "none"
	}
	names := s.Names()
	if rest := s &^ (SourceCellID | SourceGPSRaw | SourceGPSNMEA | SourceCellBS | SourceAGPS); rest != 0 {
		names = append(names, fmt.Sprintf("0x%x", uint32(rest)))
	}
	return strings.Join(names, "|")
}

func (s Source) Has(x Source) bool { return s&x == x && x != 0 }

// single reports whether exactly one bit is set.
func (s Source) single() bool { return s != 0 && s&(s-1) == 0 }

// engineRunning is derived from the set: NMEA or RAW enabled.
func engineRunning(s Source) bool { return s&gpsSources != 0 }

func ParseSource(name string) (Source, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for _, n := range sourceNames {
		if n.name == name {
			return n.src, nil
		}
	}
	return SourceNone, fmt.Errorf("%w: %q", ErrUnknownSource, name)
}

func ParseSources(names []string) (Source, error) {
	var out Source
	for _, name := range names {
		s, err := ParseSource(name)
		if err != nil {
			return SourceNone, err
		}
		out |= s
	}
	return out, nil
}

// Capabilities derives the sources a device can serve from its hello flags.
func Capabilities(flags pds.DeviceFlags) Source {
	var caps Source
	if flags&pds.Flag3GPP != 0 {
		caps |= SourceCellID
	}
	if flags&pds.FlagPDS != 0 {
		caps |= SourceGPSNMEA | SourceGPSRaw | SourceAGPS
	}
	if flags&pds.FlagCDMA != 0 {
		caps |= SourceCellBS
	}
	return caps
}
