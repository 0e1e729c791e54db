package workflow

import "container/heap"

// Order computes the step execution order for def via Kahn's algorithm: at
// each round, among the steps whose dependencies have already been emitted,
// the one with the smallest original document index goes next, so a
// workflow with no declared dependencies executes in source order. A cycle
// is reported as errs.CodeCircularDep.
func Order(def *WorkflowDefinition) ([]StepSpec, error) {
	return order(def)
}

func order(def *WorkflowDefinition) ([]StepSpec, error) {
	n := len(def.Steps)
	indexOf := make(map[string]int, n)
	for i, s := range def.Steps {
		indexOf[s.ID] = i
	}

	indegree := make([]int, n)
	dependents := make([][]int, n)
	for i, s := range def.Steps {
		for _, dep := range s.DependsOn {
			depIdx, ok := indexOf[dep]
			if !ok {
				continue // reported separately by Validate
			}
			indegree[i]++
			dependents[depIdx] = append(dependents[depIdx], i)
		}
	}

	ready := &indexHeap{}
	for i := 0; i < n; i++ {
		if indegree[i] == 0 {
			heap.Push(ready, i)
		}
	}

	out := make([]StepSpec, 0, n)
	for ready.Len() > 0 {
		i := heap.Pop(ready).(int)
		out = append(out, def.Steps[i])
		for _, j := range dependents[i] {
			indegree[j]--
			if indegree[j] == 0 {
				heap.Push(ready, j)
			}
		}
	}

	if len(out) != n {
		return nil, circularDependencyErr()
	}
	return out, nil
}

// indexHeap is a min-heap of document indices, giving Kahn's algorithm its
// document-order tie-break among steps that become ready simultaneously.
type indexHeap []int

func (h indexHeap) Len() int            { return len(h) }
func (h indexHeap) Less(i, j int) bool  { return h[i] < h[j] }
func (h indexHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *indexHeap) Push(x any)         { *h = append(*h, x.(int)) }
func (h *indexHeap) Pop() any {
	old := *h
	n := len(old)
	v := old[n-1]
	*h = old[:n-1]
	return v
}
