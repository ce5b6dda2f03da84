package bmp

import (
	"encoding/binary"
	"fmt"

	"github.com/route-beacon/bmp-collector/internal/bgp"
)

// StatType is a Statistics Report counter type (RFC 7854 §4.8, RFC 8671).
type StatType uint16

const (
	StatRejectedPrefixes          StatType = 0
	StatDuplicateAdvertisements   StatType = 1
	StatDuplicateWithdrawals      StatType = 2
	StatClusterListLoop           StatType = 3
	StatASPathLoop                StatType = 4
	StatOriginatorIDLoop          StatType = 5
	StatASConfedLoop              StatType = 6
	StatAdjRIBInRoutes            StatType = 7
	StatLocRIBRoutes              StatType = 8
	StatAdjRIBInRoutesPerAFI      StatType = 9
	StatLocRIBRoutesPerAFI        StatType = 10
	StatTreatAsWithdrawUpdates    StatType = 11
	StatTreatAsWithdrawPrefixes   StatType = 12
	StatDuplicateUpdates          StatType = 13
	StatAdjRIBOutPreRoutes        StatType = 14
	StatAdjRIBOutPostRoutes       StatType = 15
	StatAdjRIBOutPreRoutesPerAFI  StatType = 16
	StatAdjRIBOutPostRoutesPerAFI StatType = 17
)

type statKind uint8

const (
	statUnknown statKind = iota
	statCounter32
	statGauge64
	statFamilyGauge64
)

func (t StatType) kind() statKind {
	switch t {
	case StatRejectedPrefixes, StatDuplicateAdvertisements, StatDuplicateWithdrawals,
		StatClusterListLoop, StatASPathLoop, StatOriginatorIDLoop, StatASConfedLoop,
		StatTreatAsWithdrawUpdates, StatTreatAsWithdrawPrefixes, StatDuplicateUpdates:
		return statCounter32
	case StatAdjRIBInRoutes, StatLocRIBRoutes, StatAdjRIBOutPreRoutes, StatAdjRIBOutPostRoutes:
		return statGauge64
	case StatAdjRIBInRoutesPerAFI, StatLocRIBRoutesPerAFI,
		StatAdjRIBOutPreRoutesPerAFI, StatAdjRIBOutPostRoutesPerAFI:
		return statFamilyGauge64
	default:
		return statUnknown
	}
}

func (k statKind) width() int {
	switch k {
	case statCounter32:
		return 4
	case statGauge64:
		return 8
	case statFamilyGauge64:
		return 11
	default:
		return -1
	}
}

// Stat is one statistics TLV. Value and Family are decoded for known types
// whose length matches the registered width; otherwise Raw keeps the bytes.
type Stat struct {
	Type   StatType
	Family bgp.Family
	Value  uint64
	Raw    []byte
}

func parseStats(data []byte) ([]Stat, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("%w: statistics count missing", ErrMalformedBody)
	}
	count := binary.BigEndian.Uint32(data[0:4])
	offset := 4

	// Each TLV is at least 4 bytes, which bounds the preallocation.
	if uint64(count)*tlvHeaderSize > uint64(len(data)-offset) {
		return nil, fmt.Errorf("%w: %d statistics do not fit in %d bytes", ErrMalformedBody, count, len(data)-offset)
	}

	stats := make([]Stat, 0, count)
	for i := uint32(0); i < count; i++ {
		if offset+tlvHeaderSize > len(data) {
			return nil, fmt.Errorf("%w: statistic %d header truncated", ErrMalformedBody, i)
		}
		st := Stat{Type: StatType(binary.BigEndian.Uint16(data[offset : offset+2]))}
		length := int(binary.BigEndian.Uint16(data[offset+2 : offset+4]))
		offset += tlvHeaderSize
		if offset+length > len(data) {
			return nil, fmt.Errorf("%w: statistic %d (type %d) truncated", ErrMalformedBody, i, st.Type)
		}
		value := data[offset : offset+length]
		offset += length

		kind := st.Type.kind()
		switch {
		case kind.width() != length:
			st.Raw = value
		case kind == statCounter32:
			st.Value = uint64(binary.BigEndian.Uint32(value))
		case kind == statGauge64:
			st.Value = binary.BigEndian.Uint64(value)
		case kind == statFamilyGauge64:
			st.Family = bgp.Family{AFI: binary.BigEndian.Uint16(value[0:2]), SAFI: value[2]}
			st.Value = binary.BigEndian.Uint64(value[3:11])
		}
		stats = append(stats, st)
	}
	if offset != len(data) {
		return nil, fmt.Errorf("%w: %d bytes after %d statistics", ErrMalformedBody, len(data)-offset, count)
	}
	return stats, nil
}

func appendStat(dst []byte, st Stat) ([]byte, error) {
	dst = binary.BigEndian.AppendUint16(dst, uint16(st.Type))
	if st.Raw != nil {
		dst = binary.BigEndian.AppendUint16(dst, uint16(len(st.Raw)))
		return append(dst, st.Raw...), nil
	}
	kind := st.Type.kind()
	if kind == statUnknown {
		return nil, fmt.Errorf("bmp: statistic type %d has no known width and no raw value", st.Type)
	}
	dst = binary.BigEndian.AppendUint16(dst, uint16(kind.width()))
	switch kind {
	case statCounter32:
		dst = binary.BigEndian.AppendUint32(dst, uint32(st.Value))
	case statGauge64:
		dst = binary.BigEndian.AppendUint64(dst, st.Value)
	case statFamilyGauge64:
		dst = binary.BigEndian.AppendUint16(dst, st.Family.AFI)
		dst = append(dst, st.Family.SAFI)
		dst = binary.BigEndian.AppendUint64(dst, st.Value)
	}
	return dst, nil
}
