package badger

import (
	"fmt"
	"math"

	"github.com/mus-format/mus-go/ord"
	"github.com/mus-format/mus-go/varint"
)

// Record is one stored element.
type Record struct {
	ElementID  string
	FileName   string
	FileDigest string
	RecordID   string
	Text       string
	// Metadata is the element metadata without the embedding, as JSON.
	Metadata  string
	Vector    []float32
	CreatedAt int64 // unix micros
}

// MarshalRecord serializes a Record to bytes.
func MarshalRecord(r *Record) []byte {
	buf := make([]byte, recordSize(r))
	n := 0
	for _, s := range r.strings() {
		n += ord.String.Marshal(s, buf[n:])
	}
	n += varint.Int.Marshal(len(r.Vector), buf[n:])
	for _, f := range r.Vector {
		n += varint.Uint32.Marshal(math.Float32bits(f), buf[n:])
	}
	varint.Int64.Marshal(r.CreatedAt, buf[n:])
	return buf
}

// UnmarshalRecord deserializes a Record from bytes.
func UnmarshalRecord(data []byte) (*Record, error) {
	var (
		r   Record
		off int
	)
	fields := []*string{&r.ElementID, &r.FileName, &r.FileDigest, &r.RecordID, &r.Text, &r.Metadata}
	for _, f := range fields {
		s, n, err := ord.String.Unmarshal(data[off:])
		if err != nil {
			return nil, err
		}
		*f = s
		off += n
	}

	count, n, err := varint.Int.Unmarshal(data[off:])
	if err != nil {
		return nil, err
	}
	off += n
	if count < 0 || count > len(data)-off {
		return nil, fmt.Errorf("invalid vector length %d", count)
	}
	if count > 0 {
		r.Vector = make([]float32, count)
	}
	for i := range r.Vector {
		bits, n, err := varint.Uint32.Unmarshal(data[off:])
		if err != nil {
			return nil, err
		}
		r.Vector[i] = math.Float32frombits(bits)
		off += n
	}

	r.CreatedAt, _, err = varint.Int64.Unmarshal(data[off:])
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (r *Record) strings() []string {
	return []string{r.ElementID, r.FileName, r.FileDigest, r.RecordID, r.Text, r.Metadata}
}

func recordSize(r *Record) int {
	size := 0
	for _, s := range r.strings() {
		size += ord.String.Size(s)
	}
	size += varint.Int.Size(len(r.Vector))
	for _, f := range r.Vector {
		size += varint.Uint32.Size(math.Float32bits(f))
	}
	return size + varint.Int64.Size(r.CreatedAt)
}
