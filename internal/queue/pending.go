package queue

import (
	"sync"
	"time"

	"github.com/google/btree"

	"github.com/tangzhangming/tierjit/internal/task"
)

// pending 待执行任务集合
type pending interface {
	add(t *task.Task)
	// takeMax 取出优先级最高的有效任务，同时返回被丢弃的失效任务
	takeMax(now time.Time) (best *task.Task, dropped []*task.Task)
	drain() []*task.Task
	size() int
}

// stale 任务已取消或目标已被回收
func stale(t *task.Task) bool {
	if t.IsCancelled() {
		return true
	}
	return !t.IsAction() && t.Target() == nil
}

// ============================================================================
// 遍历式优先队列
// ============================================================================

// traversingQueue 每次取任务时扫描全部条目并重算权重
//
// mu 只保护条目切片，生产者追加时不会被扫描阻塞；
// takeMu 保证同一时刻只有一个消费者在计算最大值。
type traversingQueue struct {
	mu      sync.Mutex
	entries []*task.Task

	takeMu sync.Mutex
}

func newTraversingQueue() *traversingQueue {
	return &traversingQueue{}
}

func (q *traversingQueue) add(t *task.Task) {
	q.mu.Lock()
	q.entries = append(q.entries, t)
	q.mu.Unlock()
}

func (q *traversingQueue) takeMax(now time.Time) (*task.Task, []*task.Task) {
	q.takeMu.Lock()
	defer q.takeMu.Unlock()

	q.mu.Lock()
	snapshot := make([]*task.Task, len(q.entries))
	copy(snapshot, q.entries)
	q.mu.Unlock()

	var best *task.Task
	var dropped []*task.Task
	for _, t := range snapshot {
		if stale(t) || !t.UpdateWeight(now) {
			dropped = append(dropped, t)
			continue
		}
		if best == nil || task.Compare(t, best) < 0 {
			best = t
		}
	}
	if best == nil && len(dropped) == 0 {
		return nil, nil
	}

	remove := make(map[*task.Task]struct{}, len(dropped)+1)
	for _, t := range dropped {
		remove[t] = struct{}{}
	}
	if best != nil {
		remove[best] = struct{}{}
	}

	// 扫描期间追加的条目保留在尾部
	q.mu.Lock()
	kept := q.entries[:0]
	for _, t := range q.entries {
		if _, ok := remove[t]; !ok {
			kept = append(kept, t)
		}
	}
	for i := len(kept); i < len(q.entries); i++ {
		q.entries[i] = nil
	}
	q.entries = kept
	q.mu.Unlock()

	return best, dropped
}

func (q *traversingQueue) drain() []*task.Task {
	q.takeMu.Lock()
	defer q.takeMu.Unlock()
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.entries
	q.entries = nil
	return out
}

func (q *traversingQueue) size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// ============================================================================
// 按层级 FIFO 队列
// ============================================================================

// fifoItem btree 条目，按 (rank, id) 排序
type fifoItem struct {
	rank int
	id   int64
	t    *task.Task
}

func fifoLess(a, b fifoItem) bool {
	if a.rank != b.rank {
		return a.rank < b.rank
	}
	return a.id < b.id
}

// fifoQueue 多层模式下所有第一层任务先于最后一层任务，层内按提交顺序
type fifoQueue struct {
	mu        sync.Mutex
	tree      *btree.BTreeG[fifoItem]
	multiTier bool
}

func newFIFOQueue(multiTier bool) *fifoQueue {
	return &fifoQueue{
		tree:      btree.NewG[fifoItem](16, fifoLess),
		multiTier: multiTier,
	}
}

func (q *fifoQueue) rank(t *task.Task) int {
	switch {
	case t.IsAction():
		return 0
	case q.multiTier && t.IsLastTier():
		return 2
	default:
		return 1
	}
}

func (q *fifoQueue) add(t *task.Task) {
	q.mu.Lock()
	q.tree.ReplaceOrInsert(fifoItem{rank: q.rank(t), id: t.ID(), t: t})
	q.mu.Unlock()
}

func (q *fifoQueue) takeMax(time.Time) (*task.Task, []*task.Task) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var dropped []*task.Task
	for {
		item, ok := q.tree.DeleteMin()
		if !ok {
			return nil, dropped
		}
		if stale(item.t) {
			dropped = append(dropped, item.t)
			continue
		}
		return item.t, dropped
	}
}

func (q *fifoQueue) drain() []*task.Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*task.Task, 0, q.tree.Len())
	q.tree.Ascend(func(item fifoItem) bool {
		out = append(out, item.t)
		return true
	})
	q.tree.Clear(false)
	return out
}

func (q *fifoQueue) size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.tree.Len()
}
