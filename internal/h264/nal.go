package h264

import (
	"bytes"
	"errors"
	"fmt"

	mch264 "github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
)

var (
	// Standard Annex-B start codes
	StartCode3 = []byte{0x00, 0x00, 0x01}
	StartCode4 = []byte{0x00, 0x00, 0x00, 0x01}
)

// ErrBadLayout is returned when an encoder output does not begin with a
// 4-byte start code followed by a NAL header.
var ErrBadLayout = errors.New("unit does not start with a 4-byte Annex-B start code")

// UnitType is the 5-bit nal_unit_type of an H.264 NAL unit.
type UnitType = mch264.NALUType

const (
	UnitTypeNonIDR = mch264.NALUTypeNonIDR
	UnitTypeIDR    = mch264.NALUTypeIDR
	UnitTypeSEI    = mch264.NALUTypeSEI
	UnitTypeSPS    = mch264.NALUTypeSPS
	UnitTypePPS    = mch264.NALUTypePPS
	UnitTypeAUD    = mch264.NALUTypeAccessUnitDelimiter
	UnitTypeFiller = mch264.NALUTypeFillerData
)

// UnitClass is what the video gate does with an encoder output unit.
type UnitClass int

const (
	ClassParameterSet UnitClass = iota // dropped
	ClassKey                           // enqueued, opens the stream
	ClassDelta                         // enqueued once a key unit was seen
)

func (c UnitClass) String() string {
	switch c {
	case ClassParameterSet:
		return "parameter-set"
	case ClassKey:
		return "key"
	case ClassDelta:
		return "delta"
	default:
		return fmt.Sprintf("class(%d)", int(c))
	}
}

// TypeAt returns the type of the first NAL unit in an encoder output unit.
// The unit must start with a 4-byte start code; the type code is the low
// five bits of byte 4.
func TypeAt(payload []byte) (UnitType, error) {
	if len(payload) < 5 || !bytes.HasPrefix(payload, StartCode4) {
		return 0, ErrBadLayout
	}
	return UnitType(payload[4] & 0x1F), nil
}

// Classify maps an encoder output unit to the action the video gate takes.
func Classify(payload []byte) (UnitClass, UnitType, error) {
	typ, err := TypeAt(payload)
	if err != nil {
		return 0, 0, err
	}
	switch typ {
	case UnitTypeSPS, UnitTypePPS:
		return ClassParameterSet, typ, nil
	case UnitTypeIDR:
		return ClassKey, typ, nil
	default:
		return ClassDelta, typ, nil
	}
}

// IsParameterSet reports whether t is an SPS or PPS.
func IsParameterSet(t UnitType) bool {
	return t == UnitTypeSPS || t == UnitTypePPS
}

// IsVCL reports whether t carries slice data.
func IsVCL(t UnitType) bool {
	return t >= UnitTypeNonIDR && t <= UnitTypeIDR
}

// StartsAccessUnit reports whether a VCL NAL unit (without start code) is
// the first slice of a picture, i.e. first_mb_in_slice is zero. The value
// is ue(v) coded, so zero is a single leading 1 bit.
func StartsAccessUnit(nalu []byte) bool {
	if len(nalu) < 2 || !IsVCL(UnitType(nalu[0]&0x1F)) {
		return false
	}
	return nalu[1]&0x80 != 0
}

// SplitByStartCodes splits Annex-B data into NAL units, each retaining its
// start code. Leading bytes before the first start code are returned as a
// unit of their own.
func SplitByStartCodes(data []byte) [][]byte {
	if len(data) == 0 {
		return nil
	}

	var units [][]byte
	current := 0

	for i := 0; i < len(data)-2; {
		switch {
		case i < len(data)-3 && bytes.Equal(data[i:i+4], StartCode4):
			if i > current {
				units = append(units, data[current:i])
			}
			current = i
			i += 4
		case bytes.Equal(data[i:i+3], StartCode3):
			if i > current {
				units = append(units, data[current:i])
			}
			current = i
			i += 3
		default:
			i++
		}
	}

	if current < len(data) {
		units = append(units, data[current:])
	}
	return units
}

// SplitNALUs splits a whole Annex-B stream into NAL units without start
// codes. Unlike a per-access-unit parse it places no limit on the number
// of units. Data before the first start code is ignored.
func SplitNALUs(data []byte) [][]byte {
	var nalus [][]byte
	for _, u := range SplitByStartCodes(data) {
		switch {
		case bytes.HasPrefix(u, StartCode4):
			u = u[4:]
		case bytes.HasPrefix(u, StartCode3):
			u = u[3:]
		default:
			continue
		}
		if len(u) > 0 {
			nalus = append(nalus, u)
		}
	}
	return nalus
}

// Prefix returns nalu with a 4-byte start code prepended.
func Prefix(nalu []byte) []byte {
	out := make([]byte, 0, len(StartCode4)+len(nalu))
	out = append(out, StartCode4...)
	return append(out, nalu...)
}

// ParameterSets returns the first SPS and PPS found in Annex-B data,
// without start codes.
func ParameterSets(data []byte) (sps, pps []byte, err error) {
	var au mch264.AnnexB
	if err := au.Unmarshal(data); err != nil {
		return nil, nil, fmt.Errorf("parse annex-b: %w", err)
	}
	for _, nalu := range au {
		if len(nalu) == 0 {
			continue
		}
		switch UnitType(nalu[0] & 0x1F) {
		case UnitTypeSPS:
			if sps == nil {
				sps = nalu
			}
		case UnitTypePPS:
			if pps == nil {
				pps = nalu
			}
		}
	}
	if sps == nil || pps == nil {
		return nil, nil, errors.New("sps or pps missing")
	}
	return sps, pps, nil
}

// Dimensions parses an SPS (without start code) and returns the coded
// picture size.
func Dimensions(sps []byte) (width, height int, err error) {
	var s mch264.SPS
	if err := s.Unmarshal(sps); err != nil {
		return 0, 0, fmt.Errorf("unable to parse H264 SPS: %w", err)
	}
	return s.Width(), s.Height(), nil
}
