package txns

import "github.com/Larkin2512/RelDB/src/pkg/common"

// dependencyGraph is the wait-for graph: an edge T -> U means T is blocked
// on a slot held (or claimed ahead of it) by U in an incompatible mode.
// Kept as adjacency maps keyed by transaction identity, never by pointers.
//
// A transaction runs on a single thread, so it waits on at most one slot at
// a time; replacing its whole out-edge set on every queue change is exact.
type dependencyGraph map[common.TxnID]map[common.TxnID]struct{}

func newDependencyGraph() dependencyGraph {
	return dependencyGraph{}
}

// setEdges replaces every out-edge of waiter.
func (g dependencyGraph) setEdges(waiter common.TxnID, blockers map[common.TxnID]struct{}) {
	if len(blockers) == 0 {
		delete(g, waiter)
		return
	}
	g[waiter] = blockers
}

// dropWaiter removes waiter's out-edges. In-edges pointing at it stay until
// the slots it holds are rebuilt; stale in-edges only delay grants, never
// corrupt detection, because rebuilds follow every queue change.
func (g dependencyGraph) dropWaiter(waiter common.TxnID) {
	delete(g, waiter)
}

// cyclicFrom reports whether some cycle passes through start. DFS with a
// recursion stack.
func (g dependencyGraph) cyclicFrom(start common.TxnID) bool {
	visited := make(map[common.TxnID]struct{})
	onStack := make(map[common.TxnID]struct{})

	var dfs func(tid common.TxnID) bool
	dfs = func(tid common.TxnID) bool {
		if _, ok := onStack[tid]; ok {
			return tid == start
		}
		if _, ok := visited[tid]; ok {
			return false
		}
		visited[tid] = struct{}{}
		onStack[tid] = struct{}{}
		for next := range g[tid] {
			if dfs(next) {
				return true
			}
		}
		delete(onStack, tid)
		return false
	}

	return dfs(start)
}
