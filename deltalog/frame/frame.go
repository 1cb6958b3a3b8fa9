// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

// Package frame implements the length-prefixed, CRC32C-protected record
// codec used by the delta log, mirroring the teacher's
// segment/reader.go frame layout but generalized to the OTDeltaRec shape
// spec §3/§6 describes:
//
//	[length:u32 | record:OTDeltaRec | payload[length-recLen] | crc32c:u32]
package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
)

// ErrShortRead is returned when a frame's declared length runs past the end
// of the readable bytes; callers should treat this the same as a torn
// trailing write (stop replay, don't error the whole log).
var ErrShortRead = errors.New("frame: short read")

// ErrCRCMismatch is returned when the trailing CRC32C does not match;
// callers should stop replay at this offset.
var ErrCRCMismatch = errors.New("frame: crc32c mismatch")

// ErrCorrupt indicates a structurally invalid record (e.g. implausible
// length) rather than a torn write.
var ErrCorrupt = errors.New("frame: corrupt record")

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// MaxRecordSize bounds a single frame to guard against a corrupt length
// field causing an enormous allocation.
const MaxRecordSize = 64 * 1024 * 1024

// RecordLen is the fixed on-disk size of an OTDeltaRec, excluding any
// optional in-line payload.
const RecordLen = 8 + 1 + 1 + 4 + 4 + 4 + 4 + 4 + 4 + 8 + 8

// lengthPrefixLen and crcSuffixLen are the fixed framing overhead around the
// record+payload body.
const (
	lengthPrefixLen = 4
	crcSuffixLen    = 4
)

// Record is OTDeltaRec: one Object Table state transition.
type Record struct {
	HandleIdx   uint64
	Tag         uint8
	Kind        uint8
	ClassID     uint32
	FileID      uint32
	SegmentID   uint32
	Offset      uint32
	Length      uint32
	DataCRC32C  uint32
	BirthEpoch  uint64
	RetireEpoch uint64
}

// Encode serializes rec and an optional payload into a single frame
// suitable for appending to the log, including the length prefix and
// trailing CRC32C over record+payload.
func Encode(rec Record, payload []byte) []byte {
	bodyLen := RecordLen + len(payload)
	buf := make([]byte, lengthPrefixLen+bodyLen+crcSuffixLen)

	binary.LittleEndian.PutUint32(buf[0:4], uint32(bodyLen))

	body := buf[lengthPrefixLen : lengthPrefixLen+bodyLen]
	putRecord(body[:RecordLen], rec)
	copy(body[RecordLen:], payload)

	crc := crc32.Checksum(body, castagnoli)
	binary.LittleEndian.PutUint32(buf[lengthPrefixLen+bodyLen:], crc)
	return buf
}

func putRecord(b []byte, rec Record) {
	binary.LittleEndian.PutUint64(b[0:8], rec.HandleIdx)
	b[8] = rec.Tag
	b[9] = rec.Kind
	binary.LittleEndian.PutUint32(b[10:14], rec.ClassID)
	binary.LittleEndian.PutUint32(b[14:18], rec.FileID)
	binary.LittleEndian.PutUint32(b[18:22], rec.SegmentID)
	binary.LittleEndian.PutUint32(b[22:26], rec.Offset)
	binary.LittleEndian.PutUint32(b[26:30], rec.Length)
	binary.LittleEndian.PutUint32(b[30:34], rec.DataCRC32C)
	binary.LittleEndian.PutUint64(b[34:42], rec.BirthEpoch)
	binary.LittleEndian.PutUint64(b[42:50], rec.RetireEpoch)
}

func getRecord(b []byte) Record {
	return Record{
		HandleIdx:   binary.LittleEndian.Uint64(b[0:8]),
		Tag:         b[8],
		Kind:        b[9],
		ClassID:     binary.LittleEndian.Uint32(b[10:14]),
		FileID:      binary.LittleEndian.Uint32(b[14:18]),
		SegmentID:   binary.LittleEndian.Uint32(b[18:22]),
		Offset:      binary.LittleEndian.Uint32(b[22:26]),
		Length:      binary.LittleEndian.Uint32(b[26:30]),
		DataCRC32C:  binary.LittleEndian.Uint32(b[30:34]),
		BirthEpoch:  binary.LittleEndian.Uint64(b[34:42]),
		RetireEpoch: binary.LittleEndian.Uint64(b[42:50]),
	}
}

// FrameLen returns the total on-disk size of a frame encoding rec with the
// given payload length, length prefix and CRC trailer included.
func FrameLen(payloadLen int) int {
	return lengthPrefixLen + RecordLen + payloadLen + crcSuffixLen
}

// Decode parses one frame from the front of buf. It returns the record, its
// payload (nil if none), and the number of bytes consumed. A length of 0 or
// a buffer too short to hold the declared length is ErrShortRead (treated
// as EOF by callers, since that is how a torn trailing append looks). A
// length that is absurd is ErrCorrupt. A CRC mismatch is ErrCRCMismatch.
func Decode(buf []byte) (Record, []byte, int, error) {
	if len(buf) < lengthPrefixLen {
		return Record{}, nil, 0, ErrShortRead
	}
	bodyLen := binary.LittleEndian.Uint32(buf[0:4])
	if bodyLen == 0 {
		return Record{}, nil, 0, ErrShortRead
	}
	if bodyLen > MaxRecordSize || int(bodyLen) < RecordLen {
		return Record{}, nil, 0, fmt.Errorf("%w: implausible body length %d", ErrCorrupt, bodyLen)
	}
	total := lengthPrefixLen + int(bodyLen) + crcSuffixLen
	if len(buf) < total {
		return Record{}, nil, 0, ErrShortRead
	}

	body := buf[lengthPrefixLen : lengthPrefixLen+int(bodyLen)]
	wantCRC := binary.LittleEndian.Uint32(buf[lengthPrefixLen+int(bodyLen):total])
	gotCRC := crc32.Checksum(body, castagnoli)
	if wantCRC != gotCRC {
		return Record{}, nil, 0, ErrCRCMismatch
	}

	rec := getRecord(body[:RecordLen])
	var payload []byte
	if payloadLen := int(bodyLen) - RecordLen; payloadLen > 0 {
		payload = make([]byte, payloadLen)
		copy(payload, body[RecordLen:])
	}
	return rec, payload, total, nil
}

// ChecksumPayload computes the CRC32C of a payload for Record.DataCRC32C.
func ChecksumPayload(payload []byte) uint32 {
	return crc32.Checksum(payload, castagnoli)
}
