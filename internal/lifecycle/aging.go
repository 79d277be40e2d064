package lifecycle

import "container/list"

// agingQueue orders live serials by creation. A serial is present at most
// once.
type agingQueue struct {
	order *list.List
	elems map[uint32]*list.Element
}

func newAgingQueue() *agingQueue {
	return &agingQueue{order: list.New(), elems: make(map[uint32]*list.Element)}
}

func (q *agingQueue) push(serial uint32) {
	if _, ok := q.elems[serial]; ok {
		return
	}
	q.elems[serial] = q.order.PushBack(serial)
}

func (q *agingQueue) remove(serial uint32) bool {
	e, ok := q.elems[serial]
	if !ok {
		return false
	}
	q.order.Remove(e)
	delete(q.elems, serial)
	return true
}

// oldest returns the serial at the head without removing it.
func (q *agingQueue) oldest() (uint32, bool) {
	e := q.order.Front()
	if e == nil {
		return 0, false
	}
	return e.Value.(uint32), true
}

func (q *agingQueue) len() int {
	return q.order.Len()
}

// serials returns the queue contents, oldest first.
func (q *agingQueue) serials() []uint32 {
	out := make([]uint32, 0, q.order.Len())
	for e := q.order.Front(); e != nil; e = e.Next() {
		out = append(out, e.Value.(uint32))
	}
	return out
}
