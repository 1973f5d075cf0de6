package services

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBandwidthHistory_EvictsOldest(t *testing.T) {
	h := NewBandwidthHistory(3)

	for _, v := range []float64{1, 2, 3, 4, 5} {
		h.Push(v)
	}

	assert.Equal(t, 3, h.Len())
	assert.Equal(t, []float64{3, 4, 5}, h.Samples())

	h.Clear()
	assert.Equal(t, 0, h.Len())
	assert.Empty(t, h.Samples())
}

func TestBandwidthHistory_DefaultCapacity(t *testing.T) {
	h := NewBandwidthHistory(0)
	for i := 0; i < 100; i++ {
		h.Push(float64(i))
	}
	assert.Equal(t, DefaultHistorySize, h.Len())
	assert.Equal(t, 40.0, h.Samples()[0])
}

func TestBandwidthHistory_Trend(t *testing.T) {
	h := NewBandwidthHistory(10)
	assert.Equal(t, TrendNeutral, h.Trend(5))

	h.Push(1000)
	h.Push(2000)
	assert.Equal(t, TrendUpward, h.Trend(5))

	h.Push(500)
	assert.Equal(t, TrendDownward, h.Trend(5))

	h.Clear()
	h.Push(800)
	h.Push(800)
	assert.Equal(t, TrendNeutral, h.Trend(0))
}
