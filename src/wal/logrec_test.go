package wal

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordHeaderRoundTrip(t *testing.T) {
	rec := NewRecord(typeRedo, 7, 3, []byte("payload"))

	assert.EqualValues(t, 7, rec.PID())
	assert.EqualValues(t, 3, rec.PageVersion())
	assert.EqualValues(t, typeRedo, rec.Type())
	assert.True(t, rec.IsRedo())
	assert.False(t, rec.HasPageImg())
	assert.False(t, rec.IsEOF())
	assert.True(t, rec.ValidHeader())

	// total length rounds up to the alignment
	assert.EqualValues(t, 32, rec.Length())
	assert.Equal(t, []byte("payload"), rec.Data()[:7])

	// padding is zeroed
	for _, b := range rec.Data()[7:] {
		assert.Zero(t, b)
	}
}

func TestEOFRecord(t *testing.T) {
	rec := NewEOFRecord()

	assert.EqualValues(t, TypeEOF, rec.Type())
	assert.True(t, rec.IsEOF())
	assert.True(t, rec.ValidHeader())
	assert.EqualValues(t, HeaderSize, rec.Length())
}

func TestValidHeaderRejects(t *testing.T) {
	base := func() Record { return NewRecord(typeRedo, 1, 1, make([]byte, 16)) }

	rec := base()
	rec[10] = TypeInvalid
	assert.False(t, rec.ValidHeader())

	rec = base()
	rec[10] = 200 // unregistered type
	assert.False(t, rec.ValidHeader())

	rec = base()
	rec[8] = 24 // misaligned length
	assert.False(t, rec.ValidHeader())

	rec = base()
	rec[8], rec[9] = 0, 0 // below header size
	assert.False(t, rec.ValidHeader())

	require.True(t, base().ValidHeader())
}

func TestPageImgFlag(t *testing.T) {
	rec := NewRecord(typeRedoImg, 42, 7, make([]byte, 48))

	assert.True(t, rec.IsRedo())
	assert.True(t, rec.HasPageImg())
}
