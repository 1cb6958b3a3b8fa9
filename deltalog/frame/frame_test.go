// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package frame

import (
	"testing"

	fuzz "github.com/google/gofuzz"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	rec := Record{
		HandleIdx:   42,
		Tag:         7,
		Kind:        1,
		ClassID:     3,
		FileID:      1,
		SegmentID:   2,
		Offset:      128,
		Length:      64,
		BirthEpoch:  5,
		RetireEpoch: ^uint64(0),
	}
	payload := []byte("leaf node data")
	rec.DataCRC32C = ChecksumPayload(payload)

	buf := Encode(rec, payload)
	got, gotPayload, n, err := Decode(buf)
	require.NoError(t, err)
	require.Equal(t, len(buf), n)
	require.Equal(t, rec, got)
	require.Equal(t, payload, gotPayload)
}

func TestEncodeDecodeNoPayload(t *testing.T) {
	rec := Record{HandleIdx: 1, Tag: 1}
	buf := Encode(rec, nil)
	got, payload, n, err := Decode(buf)
	require.NoError(t, err)
	require.Equal(t, len(buf), n)
	require.Equal(t, rec, got)
	require.Nil(t, payload)
}

func TestDecodeDetectsCRCMismatch(t *testing.T) {
	buf := Encode(Record{HandleIdx: 9}, []byte("abc"))
	buf[len(buf)-1] ^= 0xFF
	_, _, _, err := Decode(buf)
	require.ErrorIs(t, err, ErrCRCMismatch)
}

func TestDecodeTreatsTornTailAsShortRead(t *testing.T) {
	buf := Encode(Record{HandleIdx: 9}, []byte("abcdef"))
	torn := buf[:len(buf)-3]
	_, _, _, err := Decode(torn)
	require.ErrorIs(t, err, ErrShortRead)
}

func TestDecodeZeroLengthEndsLog(t *testing.T) {
	buf := make([]byte, 4) // length field == 0
	_, _, _, err := Decode(buf)
	require.ErrorIs(t, err, ErrShortRead)
}

func TestFuzzRoundTrip(t *testing.T) {
	f := fuzz.New().NilChance(0).NumElements(0, 64)
	for i := 0; i < 2000; i++ {
		var rec Record
		f.Fuzz(&rec)
		var payload []byte
		f.Fuzz(&payload)
		rec.DataCRC32C = ChecksumPayload(payload)

		buf := Encode(rec, payload)
		got, gotPayload, n, err := Decode(buf)
		require.NoError(t, err)
		require.Equal(t, len(buf), n)
		require.Equal(t, rec, got)
		if len(payload) == 0 {
			require.Len(t, gotPayload, 0)
		} else {
			require.Equal(t, payload, gotPayload)
		}
	}
}
