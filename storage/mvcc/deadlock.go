package mvcc

import (
	"sync"

	"github.com/zhukovaskychina/xstorage-engine/storage/common"
)

// DependencyGraph 事务间的有向依赖图
//
// 锁管理器用它做等待图（边=等待持有者），
// 串行化检查用第二个实例记录读写反依赖。
type DependencyGraph struct {
	mu    sync.RWMutex
	edges map[common.TrxID]map[common.TrxID]struct{}
}

// NewDependencyGraph 创建依赖图
func NewDependencyGraph() *DependencyGraph {
	return &DependencyGraph{
		edges: make(map[common.TrxID]map[common.TrxID]struct{}),
	}
}

// AddEdge 添加 from -> to 的依赖边
func (g *DependencyGraph) AddEdge(from, to common.TrxID) {
	if from == to {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.edges[from] == nil {
		g.edges[from] = make(map[common.TrxID]struct{})
	}
	g.edges[from][to] = struct{}{}
}

// RemoveEdge 移除单条依赖边
func (g *DependencyGraph) RemoveEdge(from, to common.TrxID) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if set, ok := g.edges[from]; ok {
		delete(set, to)
		if len(set) == 0 {
			delete(g.edges, from)
		}
	}
}

// RemoveTransaction 移除事务的所有出边和入边
func (g *DependencyGraph) RemoveTransaction(trxID common.TrxID) {
	g.mu.Lock()
	defer g.mu.Unlock()

	delete(g.edges, trxID)
	for from, set := range g.edges {
		delete(set, trxID)
		if len(set) == 0 {
			delete(g.edges, from)
		}
	}
}

// FindCycle 从start出发查找环，返回环上的事务集合（无环返回nil）
func (g *DependencyGraph) FindCycle(start common.TrxID) []common.TrxID {
	g.mu.RLock()
	defer g.mu.RUnlock()

	// 沿DFS栈回溯出环上的成员
	var stack []common.TrxID
	onStack := make(map[common.TrxID]int)
	visited := make(map[common.TrxID]struct{})

	var dfs func(current common.TrxID) []common.TrxID
	dfs = func(current common.TrxID) []common.TrxID {
		if pos, ok := onStack[current]; ok {
			cycle := make([]common.TrxID, len(stack)-pos)
			copy(cycle, stack[pos:])
			return cycle
		}
		if _, done := visited[current]; done {
			return nil
		}
		visited[current] = struct{}{}
		onStack[current] = len(stack)
		stack = append(stack, current)

		for next := range g.edges[current] {
			if cycle := dfs(next); cycle != nil {
				return cycle
			}
		}

		delete(onStack, current)
		stack = stack[:len(stack)-1]
		return nil
	}

	return dfs(start)
}

// HasEdge 判断依赖边是否存在
func (g *DependencyGraph) HasEdge(from, to common.TrxID) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()

	_, ok := g.edges[from][to]
	return ok
}

// Snapshot 返回整图的快照（诊断用）
func (g *DependencyGraph) Snapshot() map[common.TrxID][]common.TrxID {
	g.mu.RLock()
	defer g.mu.RUnlock()

	out := make(map[common.TrxID][]common.TrxID, len(g.edges))
	for from, set := range g.edges {
		targets := make([]common.TrxID, 0, len(set))
		for to := range set {
			targets = append(targets, to)
		}
		out[from] = targets
	}
	return out
}
