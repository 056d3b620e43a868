package event

import (
	"fmt"
	"strconv"
	"strings"
)

// RecordLength is the number of hex digits in a record once separators are removed.
const RecordLength = 32

// Decode turns one raw record as served by the device into a Record.
// Separator dashes are ignored; anything other than 32 hex digits is rejected.
func Decode(raw string) (Record, error) {
	hex := strings.ReplaceAll(raw, "-", "")
	if len(hex) != RecordLength {
		return Record{}, &MalformedRecordError{Raw: raw, Reason: fmt.Sprintf("expected %d hex digits, got %d", RecordLength, len(hex))}
	}

	descA, err := parseHex(hex[0:4])
	if err != nil {
		return Record{}, &MalformedRecordError{Raw: raw, Reason: err.Error()}
	}
	descB, err := parseHex(hex[4:8])
	if err != nil {
		return Record{}, &MalformedRecordError{Raw: raw, Reason: err.Error()}
	}
	seconds, err := parseHex(hex[12:16] + hex[8:12])
	if err != nil {
		return Record{}, &MalformedRecordError{Raw: raw, Reason: err.Error()}
	}
	sequence, err := parseHex(hex[20:24] + hex[16:20])
	if err != nil {
		return Record{}, &MalformedRecordError{Raw: raw, Reason: err.Error()}
	}
	coincident, err := parseHex(hex[28:32] + hex[24:28])
	if err != nil {
		return Record{}, &MalformedRecordError{Raw: raw, Reason: err.Error()}
	}

	// The millisecond field is 10 bits wide and is added as-is, values above 999 included.
	ms := int64(descB & 0x3FF)

	return Record{
		Code:             Code(descA & 0x1F),
		Channel:          int((descA>>5)&0x1F) + 1,
		InputStatus:      InputStatus((descA >> 10) & 0x1),
		DST:              DST((descA >> 11) & 0x1),
		TimeQuality:      TimeQuality((descB >> 14) & 0x3),
		SequenceNumber:   uint32(sequence),
		CoincidentStatus: uint32(coincident),
		TimestampMs:      (EpochOffsetSeconds+int64(seconds))*1000 + ms,
	}, nil
}

// Encode is the inverse of Decode. It fails for records that cannot be represented.
func Encode(r Record) (string, error) {
	if r.Channel < 1 || r.Channel > 32 {
		return "", fmt.Errorf("channel %d out of range 1..32", r.Channel)
	}
	if r.Code > 0x1F {
		return "", fmt.Errorf("event code %d out of range", r.Code)
	}
	if r.TimestampMs < EpochOffsetSeconds*1000 {
		return "", fmt.Errorf("timestamp %d before device epoch", r.TimestampMs)
	}
	seconds := r.TimestampMs/1000 - EpochOffsetSeconds
	if seconds > 0xFFFFFFFF {
		return "", fmt.Errorf("timestamp %d beyond device range", r.TimestampMs)
	}
	ms := r.TimestampMs % 1000

	descA := uint32(r.Code&0x1F) |
		uint32(r.Channel-1)<<5 |
		uint32(r.InputStatus&0x1)<<10 |
		uint32(r.DST&0x1)<<11
	descB := uint32(ms&0x3FF) | uint32(r.TimeQuality&0x3)<<14

	var sb strings.Builder
	sb.Grow(RecordLength)
	for _, word := range []uint32{
		descA,
		descB,
		uint32(seconds) & 0xFFFF, uint32(seconds) >> 16,
		r.SequenceNumber & 0xFFFF, r.SequenceNumber >> 16,
		r.CoincidentStatus & 0xFFFF, r.CoincidentStatus >> 16,
	} {
		fmt.Fprintf(&sb, "%04X", word&0xFFFF)
	}
	return sb.String(), nil
}

func parseHex(s string) (uint64, error) {
	v, err := strconv.ParseUint(s, 16, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid hex %q", s)
	}
	return v, nil
}
