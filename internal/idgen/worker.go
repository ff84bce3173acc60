package idgen

import (
	"sync"
	"time"

	"github.com/cockroachdb/errors"
)

// Layout, high to low: sign(1) | seconds since Epoch(31) | node(10) | sequence(22).
const (
	NodeBits = 10
	SeqBits  = 22

	MaxNode = 1<<NodeBits - 1
	maxSeq  = 1<<SeqBits - 1

	timeShift = NodeBits + SeqBits
)

var Epoch = time.Date(2022, 1, 1, 0, 0, 0, 0, time.UTC)

type Worker struct {
	node int64
	now  func() time.Time

	mu         sync.Mutex
	lastSecond int64
	seq        int64
}

func NewWorker(node int64) (*Worker, error) {
	return newWorker(node, time.Now)
}

func newWorker(node int64, now func() time.Time) (*Worker, error) {
	if node < 0 || node > MaxNode {
		return nil, errors.Newf("node id %d out of range [0,%d]", node, MaxNode)
	}
	return &Worker{node: node, now: now, lastSecond: -1}, nil
}

// NextID returns an id strictly greater than every id this worker returned before.
// When the sequence for a second runs out, or the wall clock steps back, the worker
// keeps counting on its last second and rolls into the next one.
func (w *Worker) NextID() int64 {
	sec := w.now().Unix() - Epoch.Unix()

	w.mu.Lock()
	if sec > w.lastSecond {
		w.lastSecond = sec
		w.seq = 0
	} else {
		w.seq++
		if w.seq > maxSeq {
			w.lastSecond++
			w.seq = 0
		}
	}
	s, q := w.lastSecond, w.seq
	w.mu.Unlock()

	return s<<timeShift | w.node<<SeqBits | q
}

// Parse splits an id back into its fields.
func Parse(id int64) (at time.Time, node int64, seq int64) {
	at = Epoch.Add(time.Duration(id>>timeShift) * time.Second)
	node = (id >> SeqBits) & MaxNode
	seq = id & maxSeq
	return at, node, seq
}
