package common

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRIDLess(t *testing.T) {
	assert.True(t, RID(1).Less(RID(2)))
	assert.False(t, RID(2).Less(RID(1)))
	assert.False(t, RID(2).Less(RID(2)))
}

func TestPBALessOrdersByClusterThenLBA(t *testing.T) {
	a := NewPBA(0, 100)
	b := NewPBA(1, 0)
	assert.True(t, a.Less(b))
	assert.False(t, b.Less(a))

	c := NewPBA(0, 50)
	d := NewPBA(0, 60)
	assert.True(t, c.Less(d))
	assert.False(t, d.Less(c))
	assert.False(t, c.Less(c))
}

func TestPBAAddStaysWithinCluster(t *testing.T) {
	p := NewPBA(2, 10)
	q := p.Add(5)
	assert.Equal(t, ClusterID(2), q.Cluster)
	assert.Equal(t, LBA(15), q.LBA)
}

func TestPBAString(t *testing.T) {
	p := NewPBA(3, 42)
	assert.Equal(t, "PBA{cluster:3,lba:42}", p.String())
}

func TestDivRoundup(t *testing.T) {
	assert.Equal(t, uint64(0), DivRoundup(0, 4096))
	assert.Equal(t, uint64(1), DivRoundup(1, 4096))
	assert.Equal(t, uint64(1), DivRoundup(4096, 4096))
	assert.Equal(t, uint64(2), DivRoundup(4097, 4096))
}

func TestSizeToLBAs(t *testing.T) {
	assert.Equal(t, LBA(0), SizeToLBAs(0))
	assert.Equal(t, LBA(1), SizeToLBAs(1))
	assert.Equal(t, LBA(1), SizeToLBAs(BytesPerLBA))
	assert.Equal(t, LBA(2), SizeToLBAs(BytesPerLBA+1))
}
