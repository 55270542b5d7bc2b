package txns

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/Larkin2512/RelDB/src/pkg/common"
)

func edges(tids ...common.TxnID) map[common.TxnID]struct{} {
	out := make(map[common.TxnID]struct{}, len(tids))
	for _, tid := range tids {
		out[tid] = struct{}{}
	}
	return out
}

func TestCyclicFrom_SelfLoop(t *testing.T) {
	g := newDependencyGraph()
	g.setEdges(1, edges(1))
	assert.True(t, g.cyclicFrom(1))
}

func TestCyclicFrom_TwoNodeCycle(t *testing.T) {
	g := newDependencyGraph()
	g.setEdges(1, edges(2))
	assert.False(t, g.cyclicFrom(1))

	g.setEdges(2, edges(1))
	assert.True(t, g.cyclicFrom(1))
	assert.True(t, g.cyclicFrom(2))
}

func TestCyclicFrom_ChainIsAcyclic(t *testing.T) {
	g := newDependencyGraph()
	g.setEdges(1, edges(2))
	g.setEdges(2, edges(3))
	g.setEdges(3, edges(4))

	assert.False(t, g.cyclicFrom(1))
	assert.False(t, g.cyclicFrom(3))
}

func TestCyclicFrom_CycleElsewhereDoesNotBlameStart(t *testing.T) {
	g := newDependencyGraph()
	// 2 and 3 form a cycle; 1 only points into it
	g.setEdges(1, edges(2))
	g.setEdges(2, edges(3))
	g.setEdges(3, edges(2))

	assert.False(t, g.cyclicFrom(1))
	assert.True(t, g.cyclicFrom(2))
}

func TestCyclicFrom_LongCycle(t *testing.T) {
	g := newDependencyGraph()
	g.setEdges(1, edges(2))
	g.setEdges(2, edges(3))
	g.setEdges(3, edges(4))
	g.setEdges(4, edges(1))

	assert.True(t, g.cyclicFrom(1))
	assert.True(t, g.cyclicFrom(4))
}

func TestDropWaiter_BreaksCycle(t *testing.T) {
	g := newDependencyGraph()
	g.setEdges(1, edges(2))
	g.setEdges(2, edges(1))

	g.dropWaiter(2)
	assert.False(t, g.cyclicFrom(1))
}

func TestSetEdges_EmptyClears(t *testing.T) {
	g := newDependencyGraph()
	g.setEdges(1, edges(1))
	g.setEdges(1, edges())
	assert.False(t, g.cyclicFrom(1))
}
