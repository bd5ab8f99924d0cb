package page

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPage_NewPageHeader(t *testing.T) {
	p := NewPage(42, TypeData)

	assert.Equal(t, TypeData, p.Type())
	assert.Equal(t, uint32(42), p.ID())
	assert.Equal(t, uint32(0), p.LSN())
	assert.Equal(t, uint16(MaxFreeSpace), p.FreeSpace())
	assert.Equal(t, uint16(0), p.ItemCount())
	assert.Len(t, p.Bytes(), PageSize)
}

func TestPage_ZeroIsALegalPageID(t *testing.T) {
	p := NewPage(0, TypeData)
	assert.Equal(t, uint32(0), p.ID())
	assert.NotEqual(t, InvalidPageID, p.ID())
}

func TestPage_HasSpace(t *testing.T) {
	p := NewPage(1, TypeData)

	assert.True(t, p.HasSpace(MaxFreeSpace))
	assert.True(t, p.HasSpace(0))
	assert.False(t, p.HasSpace(MaxFreeSpace+1))
}

func TestPage_TypedViews(t *testing.T) {
	dp := NewDataPage(1)
	ip := NewIndexPage(2, true, 0)

	_, ok := dp.Page.AsData()
	require.True(t, ok)
	_, ok = dp.Page.AsIndex()
	assert.False(t, ok)

	_, ok = ip.Page.AsIndex()
	require.True(t, ok)
	_, ok = ip.Page.AsData()
	assert.False(t, ok)
}

func TestPage_TypeByteDrivesInterpretation(t *testing.T) {
	p := NewPage(7, TypeSpecial)

	_, ok := p.AsData()
	assert.False(t, ok)
	_, ok = p.AsIndex()
	assert.False(t, ok)
}
