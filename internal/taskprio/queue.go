package taskprio

// waitQueue implements container/heap.Interface over waiting tasks, ordered
// by priority then creation order.
type waitQueue[T any] []*Task[T]

func (q waitQueue[T]) Len() int { return len(q) }

func (q waitQueue[T]) Less(i, j int) bool {
	if q[i].priority != q[j].priority {
		return q[i].priority < q[j].priority
	}
	return q[i].seq < q[j].seq
}

func (q waitQueue[T]) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *waitQueue[T]) Push(x any) {
	t := x.(*Task[T])
	t.index = len(*q)
	*q = append(*q, t)
}

func (q *waitQueue[T]) Pop() any {
	old := *q
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*q = old[:n-1]
	return t
}

// peek returns the most urgent waiting task, or nil.
func (q waitQueue[T]) peek() *Task[T] {
	if len(q) == 0 {
		return nil
	}
	return q[0]
}
