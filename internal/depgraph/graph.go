// ============================================================================
// hdlrun 依賴圖 - 拓撲排序與循環偵測
// ============================================================================
//
// Package: internal/depgraph
// 文件: graph.go
// 功能: 泛型有向圖，提供拓撲排序、循環偵測與遞移閉包查詢
//
// 邊的方向:
//   AddDependency(a, b) 表示 b 依賴 a，記錄為 forward[a] ∋ b 與 backward[b] ∋ a。
//   重複的邊會合併為一條。
//
// 走訪演算法:
//   1. 依排序後的順序對每個尚未拜訪的節點做 DFS
//   2. 維護目前路徑集合，重新遇到路徑上的節點時回報 CircularDependencyError
//   3. 鄰居也依排序後的順序走訪，確保結果可重現
//   Toposort 回傳 forward 邊上的反向後序（依賴者排在被依賴者之後）。
//
// ============================================================================

package depgraph

import (
	"cmp"
	"slices"
)

// Set 節點集合
type Set[T cmp.Ordered] map[T]struct{}

// NewSet 由節點清單建立集合
func NewSet[T cmp.Ordered](nodes ...T) Set[T] {
	s := make(Set[T], len(nodes))
	for _, n := range nodes {
		s[n] = struct{}{}
	}
	return s
}

// Has 是否包含節點
func (s Set[T]) Has(n T) bool {
	_, ok := s[n]
	return ok
}

// Sorted 回傳排序後的節點
func (s Set[T]) Sorted() []T {
	out := make([]T, 0, len(s))
	for n := range s {
		out = append(out, n)
	}
	slices.Sort(out)
	return out
}

// Graph 泛型依賴圖
//
// Graph 不是執行緒安全的；規劃器在編譯階段獨佔使用它。
type Graph[T cmp.Ordered] struct {
	nodes    Set[T]
	forward  map[T]Set[T] // 被依賴者 -> 依賴者
	backward map[T]Set[T] // 依賴者 -> 被依賴者
}

// New 建立空的依賴圖
func New[T cmp.Ordered]() *Graph[T] {
	return &Graph[T]{
		nodes:    make(Set[T]),
		forward:  make(map[T]Set[T]),
		backward: make(map[T]Set[T]),
	}
}

// AddNode 加入節點（重複加入無作用）
func (g *Graph[T]) AddNode(n T) {
	g.nodes[n] = struct{}{}
}

// AddDependency 記錄 b 依賴 a
//
// 返回值：
//   - bool: 是否為新的邊
func (g *Graph[T]) AddDependency(a, b T) bool {
	g.AddNode(a)
	g.AddNode(b)

	if g.forward[a].Has(b) {
		return false
	}
	if g.forward[a] == nil {
		g.forward[a] = make(Set[T])
	}
	if g.backward[b] == nil {
		g.backward[b] = make(Set[T])
	}
	g.forward[a][b] = struct{}{}
	g.backward[b][a] = struct{}{}
	return true
}

// Len 節點數量
func (g *Graph[T]) Len() int {
	return len(g.nodes)
}

// Toposort 回傳所有節點，每個節點都排在所有（遞移）依賴它的節點之前
func (g *Graph[T]) Toposort() ([]T, error) {
	var order []T
	err := g.visit(g.nodes.Sorted(), g.forward, func(n T) {
		order = append(order, n)
	})
	if err != nil {
		return nil, err
	}
	slices.Reverse(order)
	return order, nil
}

// GetDependents 回傳 seeds 本身以及所有直接或間接依賴它們的節點
func (g *Graph[T]) GetDependents(seeds Set[T]) (Set[T], error) {
	return g.closure(seeds, g.forward)
}

// GetDependencies 回傳 seeds 本身以及它們直接或間接依賴的所有節點
func (g *Graph[T]) GetDependencies(seeds Set[T]) (Set[T], error) {
	return g.closure(seeds, g.backward)
}

// GetDirectDependencies 回傳 n 直接依賴的節點（未知節點回傳空集合）
func (g *Graph[T]) GetDirectDependencies(n T) Set[T] {
	out := make(Set[T], len(g.backward[n]))
	for dep := range g.backward[n] {
		out[dep] = struct{}{}
	}
	return out
}

func (g *Graph[T]) closure(seeds Set[T], edges map[T]Set[T]) (Set[T], error) {
	result := make(Set[T])
	err := g.visit(seeds.Sorted(), edges, func(n T) {
		result[n] = struct{}{}
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// visit 對 roots 依序做 DFS，對每個節點以後序呼叫 callback
func (g *Graph[T]) visit(roots []T, edges map[T]Set[T], callback func(T)) error {
	visited := make(Set[T])
	onPath := make(Set[T])
	var path []T

	var walk func(n T) error
	walk = func(n T) error {
		if onPath.Has(n) {
			start := slices.Index(path, n)
			cycle := append(slices.Clone(path[start:]), n)
			return &CircularDependencyError[T]{Path: cycle}
		}
		if visited.Has(n) {
			return nil
		}

		visited[n] = struct{}{}
		onPath[n] = struct{}{}
		path = append(path, n)

		for _, next := range edges[n].Sorted() {
			if err := walk(next); err != nil {
				return err
			}
		}
		callback(n)

		delete(onPath, n)
		path = path[:len(path)-1]
		return nil
	}

	for _, n := range roots {
		if visited.Has(n) {
			continue
		}
		if err := walk(n); err != nil {
			return err
		}
	}
	return nil
}
