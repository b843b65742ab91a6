package scheduler

import (
	"fmt"

	"github.com/google/btree"
)

const treeDegree = 8

// waitQueue is the FIFO of tasks blocked within one entry. Tasks are keyed
// by sequence number; appends always carry the largest number handed out so
// far, so ascending order is arrival order and Cancel can remove from the
// middle in O(log n).
type waitQueue struct {
	tree *btree.BTreeG[*Task]
}

func newWaitQueue() waitQueue {
	return waitQueue{tree: btree.NewG(treeDegree, func(a, b *Task) bool { return a.Seq() < b.Seq() })}
}

func (q waitQueue) len() int { return q.tree.Len() }

func (q waitQueue) push(t *Task) {
	if last, ok := q.tree.Max(); ok && last.Seq() >= t.Seq() {
		panic(fmt.Sprintf("scheduler: %v appended behind %v", t, last))
	}
	q.tree.ReplaceOrInsert(t)
}

func (q waitQueue) head() *Task {
	t, _ := q.tree.Min()
	return t
}

func (q waitQueue) pop() *Task {
	t, _ := q.tree.DeleteMin()
	return t
}

func (q waitQueue) remove(t *Task) bool {
	got, ok := q.tree.Delete(t)
	return ok && got == t
}

func (q waitQueue) seqs() []uint64 {
	out := make([]uint64, 0, q.tree.Len())
	q.tree.Ascend(func(t *Task) bool {
		out = append(out, t.Seq())
		return true
	})
	return out
}

type deferItem struct {
	key   uint64
	entry *entry
}

// deferSet holds entries parked until its owner's run count drops to zero,
// ordered by the key stored on each entry at insertion: the sequence
// number of the entry's oldest waiting task. Keys are unique because every
// task belongs to exactly one entry.
//
// The key is a copy. Whoever changes an entry's wait-queue head while the
// entry is parked must remove and re-insert it.
type deferSet struct {
	owner string
	tree  *btree.BTreeG[deferItem]
	stats *Stats
}

func newDeferSet(owner string, stats *Stats) *deferSet {
	return &deferSet{
		owner: owner,
		tree:  btree.NewG(treeDegree, func(a, b deferItem) bool { return a.key < b.key }),
		stats: stats,
	}
}

func (d *deferSet) String() string { return d.owner }

func (d *deferSet) len() int { return d.tree.Len() }

func (d *deferSet) insert(e *entry) {
	if e.parked != nil {
		panic(fmt.Sprintf("scheduler: %v already deferred under %v", e, e.parked))
	}
	head := e.waitq.head()
	if head == nil {
		panic(fmt.Sprintf("scheduler: deferring %v with an empty wait queue", e))
	}
	e.deferKey = head.Seq()
	if prev, dup := d.tree.ReplaceOrInsert(deferItem{key: e.deferKey, entry: e}); dup {
		panic(fmt.Sprintf("scheduler: defer key %d of %v collides with %v", e.deferKey, e, prev.entry))
	}
	e.parked = d
	if d.stats != nil {
		d.stats.Deferred++
	}
}

func (d *deferSet) remove(e *entry) {
	if e.parked != d {
		panic(fmt.Sprintf("scheduler: %v is not deferred under %v", e, d))
	}
	if _, ok := d.tree.Delete(deferItem{key: e.deferKey}); !ok {
		panic(fmt.Sprintf("scheduler: %v missing from %v", e, d))
	}
	e.parked = nil
	e.deferKey = 0
}

// rekey refreshes e's position after its wait-queue head changed.
func (d *deferSet) rekey(e *entry) {
	d.remove(e)
	d.insert(e)
}

// after returns the first entry whose key is strictly greater than key.
func (d *deferSet) after(key uint64) *entry {
	var out *entry
	d.tree.AscendGreaterOrEqual(deferItem{key: key + 1}, func(it deferItem) bool {
		out = it.entry
		return false
	})
	return out
}

// drain resumes parked entries in key order. An entry that parks again
// with a key at or below the last one visited waits for the next drain.
func (d *deferSet) drain() {
	var last uint64
	for {
		e := d.after(last)
		if e == nil {
			return
		}
		last = e.deferKey
		d.remove(e)
		e.runDeferred()
	}
}

func (d *deferSet) refs() []EntryRef {
	out := make([]EntryRef, 0, d.tree.Len())
	d.tree.Ascend(func(it deferItem) bool {
		out = append(out, EntryRef{Kind: it.entry.group.kind, Instance: it.entry.instance, Key: it.key})
		return true
	})
	return out
}
