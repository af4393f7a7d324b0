package badger

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordCodec(t *testing.T) {
	record := &Record{
		ElementID:  "e-1",
		FileName:   "报告/q1.pdf",
		FileDigest: "abcd",
		RecordID:   "r-9",
		Text:       "chunk text",
		Metadata:   `{"page":3}`,
		Vector:     []float32{0.25, -1.5, float32(math.Pi), 0},
		CreatedAt:  1735787045000000,
	}

	decoded, err := UnmarshalRecord(MarshalRecord(record))
	require.NoError(t, err)
	assert.Equal(t, record, decoded)
}

func TestRecordCodec_EmptyVector(t *testing.T) {
	decoded, err := UnmarshalRecord(MarshalRecord(&Record{ElementID: "x"}))
	require.NoError(t, err)
	assert.Equal(t, "x", decoded.ElementID)
	assert.Nil(t, decoded.Vector)
}

func TestUnmarshalRecord_Truncated(t *testing.T) {
	data := MarshalRecord(&Record{ElementID: "e", Vector: []float32{1, 2, 3}})
	_, err := UnmarshalRecord(data[:len(data)-4])
	assert.Error(t, err)
}
