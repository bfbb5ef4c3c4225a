package collab

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestVectorClockCompare(t *testing.T) {
	tests := []struct {
		name string
		a, b VectorClock
		want ClockOrder
	}{
		{"both empty", VectorClock{}, VectorClock{}, ClockEqual},
		{"identical", VectorClock{"a": 2, "b": 1}, VectorClock{"a": 2, "b": 1}, ClockEqual},
		{"strictly before", VectorClock{"a": 1}, VectorClock{"a": 2}, ClockBefore},
		{"before with extra user", VectorClock{"a": 1}, VectorClock{"a": 1, "b": 3}, ClockBefore},
		{"strictly after", VectorClock{"a": 2, "b": 1}, VectorClock{"a": 1, "b": 1}, ClockAfter},
		{"concurrent", VectorClock{"a": 2, "b": 0}, VectorClock{"a": 1, "b": 1}, ClockConcurrent},
		{"disjoint users", VectorClock{"a": 1}, VectorClock{"b": 1}, ClockConcurrent},
		{"nil vs ticked", nil, VectorClock{"a": 1}, ClockBefore},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.a.Compare(tt.b))
		})
	}
}

func TestVectorClockTickAndMerge(t *testing.T) {
	a := VectorClock{}
	a.Tick("alice")
	a.Tick("alice")
	assert.Equal(t, int64(2), a["alice"])

	b := VectorClock{"bob": 5, "alice": 1}
	a.Merge(b)
	assert.Equal(t, int64(2), a["alice"], "merge keeps the larger counter")
	assert.Equal(t, int64(5), a["bob"])
	assert.Equal(t, ClockAfter, a.Compare(b))
}

func TestVectorClockCloneIsIndependent(t *testing.T) {
	a := VectorClock{"alice": 1}
	b := a.Clone()
	b.Tick("alice")
	assert.Equal(t, int64(1), a["alice"])
	assert.Equal(t, int64(2), b["alice"])

	var nilClock VectorClock
	c := nilClock.Clone()
	c.Tick("bob")
	assert.Equal(t, int64(1), c["bob"])
}

func TestVectorClockDescends(t *testing.T) {
	vc := VectorClock{"alice": 3}
	assert.True(t, vc.Descends("alice", 3))
	assert.True(t, vc.Descends("alice", 1))
	assert.False(t, vc.Descends("alice", 4))
	assert.False(t, vc.Descends("bob", 1))
}

func TestVectorClockSymmetry(t *testing.T) {
	a := VectorClock{"a": 2}
	b := VectorClock{"a": 1, "b": 4}
	assert.Equal(t, ClockConcurrent, a.Compare(b))
	assert.Equal(t, ClockConcurrent, b.Compare(a))
	assert.True(t, a.Concurrent(b))
}
