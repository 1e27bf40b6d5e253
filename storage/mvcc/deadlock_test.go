package mvcc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhukovaskychina/xstorage-engine/storage/common"
)

func TestFindCycleSimple(t *testing.T) {
	g := NewDependencyGraph()
	g.AddEdge(1, 2)
	g.AddEdge(2, 1)

	cycle := g.FindCycle(1)
	require.Len(t, cycle, 2)
	assert.ElementsMatch(t, []common.TrxID{1, 2}, cycle)
}

func TestFindCycleNone(t *testing.T) {
	g := NewDependencyGraph()
	g.AddEdge(1, 2)
	g.AddEdge(2, 3)
	g.AddEdge(1, 3)

	assert.Nil(t, g.FindCycle(1))
	assert.Nil(t, g.FindCycle(3))
}

func TestFindCycleLonger(t *testing.T) {
	g := NewDependencyGraph()
	g.AddEdge(1, 2)
	g.AddEdge(2, 3)
	g.AddEdge(3, 4)
	g.AddEdge(4, 2)

	// 环为 2->3->4->2，1不在环上
	cycle := g.FindCycle(1)
	require.NotNil(t, cycle)
	assert.ElementsMatch(t, []common.TrxID{2, 3, 4}, cycle)
}

func TestRemoveTransactionClearsBothDirections(t *testing.T) {
	g := NewDependencyGraph()
	g.AddEdge(1, 2)
	g.AddEdge(2, 1)
	g.AddEdge(3, 2)

	g.RemoveTransaction(2)

	assert.Nil(t, g.FindCycle(1))
	assert.False(t, g.HasEdge(1, 2))
	assert.False(t, g.HasEdge(3, 2))
}

func TestSelfEdgeIgnored(t *testing.T) {
	g := NewDependencyGraph()
	g.AddEdge(5, 5)
	assert.Nil(t, g.FindCycle(5))
}

func TestSnapshot(t *testing.T) {
	g := NewDependencyGraph()
	g.AddEdge(1, 2)
	g.AddEdge(1, 3)

	snap := g.Snapshot()
	assert.ElementsMatch(t, []common.TrxID{2, 3}, snap[1])
}
