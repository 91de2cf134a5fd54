package h264

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/abema/go-mp4"
	mch264 "github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
)

// AnnexBToAVCC converts an Annex-B access unit into 4-byte length-prefixed
// NAL units as stored in MP4 and Matroska samples. Parameter sets are kept
// only when keepParams is set; AUD units are always dropped.
func AnnexBToAVCC(data []byte, keepParams bool) ([]byte, error) {
	var au mch264.AnnexB
	if err := au.Unmarshal(data); err != nil {
		return nil, fmt.Errorf("parse annex-b: %w", err)
	}

	size := 0
	for _, nalu := range au {
		size += 4 + len(nalu)
	}

	out := make([]byte, 0, size)
	for _, nalu := range au {
		if len(nalu) == 0 {
			continue
		}
		typ := UnitType(nalu[0] & 0x1F)
		if typ == UnitTypeAUD || (!keepParams && IsParameterSet(typ)) {
			continue
		}
		out = binary.BigEndian.AppendUint32(out, uint32(len(nalu)))
		out = append(out, nalu...)
	}
	return out, nil
}

// AVCCToAnnexB converts length-prefixed NAL units back to Annex-B.
func AVCCToAnnexB(data []byte) ([]byte, error) {
	var out []byte
	offset := 0

	for offset < len(data) {
		if offset+4 > len(data) {
			return nil, fmt.Errorf("truncated length prefix at %d", offset)
		}
		length := int(binary.BigEndian.Uint32(data[offset:]))
		offset += 4

		if offset+length > len(data) {
			return nil, fmt.Errorf("invalid length prefix: %d", length)
		}
		out = append(out, StartCode4...)
		out = append(out, data[offset:offset+length]...)
		offset += length
	}
	return out, nil
}

// DecoderConfig builds an AVCDecoderConfigurationRecord (the avcC payload)
// from a single SPS and PPS, both without start codes.
func DecoderConfig(sps, pps []byte) ([]byte, error) {
	if len(sps) < 4 || len(pps) == 0 {
		return nil, fmt.Errorf("invalid parameter sets (sps=%d bytes, pps=%d bytes)", len(sps), len(pps))
	}

	var s mch264.SPS
	if err := s.Unmarshal(sps); err != nil {
		return nil, fmt.Errorf("unable to parse H264 SPS: %w", err)
	}

	box := &mp4.AVCDecoderConfiguration{
		AnyTypeBox: mp4.AnyTypeBox{
			Type: mp4.BoxTypeAvcC(),
		},
		ConfigurationVersion:       1,
		Profile:                    s.ProfileIdc,
		ProfileCompatibility:       sps[2],
		Level:                      s.LevelIdc,
		LengthSizeMinusOne:         3,
		NumOfSequenceParameterSets: 1,
		SequenceParameterSets: []mp4.AVCParameterSet{
			{Length: uint16(len(sps)), NALUnit: sps},
		},
		NumOfPictureParameterSets: 1,
		PictureParameterSets: []mp4.AVCParameterSet{
			{Length: uint16(len(pps)), NALUnit: pps},
		},
	}

	var buf bytes.Buffer
	if _, err := mp4.Marshal(&buf, box, mp4.Context{}); err != nil {
		return nil, fmt.Errorf("marshal avcC: %w", err)
	}
	return buf.Bytes(), nil
}
