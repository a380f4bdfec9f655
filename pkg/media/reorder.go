package media

import (
	"container/heap"

	"github.com/pion/rtp"
)

// reorderDepth сколько пакетов ждать пропущенный перед тем, как пропустить его (60 мс при ptime 20)
const reorderDepth = 3

// reorderBuffer восстанавливает порядок пакетов по номеру последовательности.
// Пакет, идущий следом за последним отданным, отдается сразу. При разрыве пакеты
// копятся, пока их не станет больше depth, после чего разрыв пропускается.
// Опоздавшие и повторные пакеты отбрасываются.
type reorderBuffer struct {
	depth   int
	pending seqHeap
	next    uint16
	started bool
	dropped uint64
}

func newReorderBuffer(depth int) *reorderBuffer {
	b := &reorderBuffer{depth: depth}
	heap.Init(&b.pending)
	return b
}

// Push принимает пакет и возвращает пакеты, готовые к воспроизведению, по порядку
func (b *reorderBuffer) Push(pkt *rtp.Packet) []*rtp.Packet {
	seq := pkt.SequenceNumber
	if !b.started {
		b.started = true
		b.next = seq + 1
		return []*rtp.Packet{pkt}
	}
	if seqBefore(seq, b.next) {
		b.dropped++
		return nil
	}

	heap.Push(&b.pending, pkt)
	out := b.drain(nil)
	for b.pending.Len() > b.depth {
		b.next = b.pending[0].SequenceNumber
		out = b.drain(out)
	}
	return out
}

// Flush отдает все накопленные пакеты, пропуская разрывы
func (b *reorderBuffer) Flush() []*rtp.Packet {
	var out []*rtp.Packet
	for b.pending.Len() > 0 {
		b.next = b.pending[0].SequenceNumber
		out = b.drain(out)
	}
	return out
}

// drain отдает подряд идущие пакеты, начиная с next
func (b *reorderBuffer) drain(out []*rtp.Packet) []*rtp.Packet {
	for b.pending.Len() > 0 {
		head := b.pending[0]
		switch {
		case head.SequenceNumber == b.next:
			out = append(out, heap.Pop(&b.pending).(*rtp.Packet))
			b.next++
		case seqBefore(head.SequenceNumber, b.next):
			heap.Pop(&b.pending)
			b.dropped++
		default:
			return out
		}
	}
	return out
}

// seqBefore a раньше b с учетом переполнения 16-битного счетчика
func seqBefore(a, b uint16) bool {
	return int16(a-b) < 0
}

type seqHeap []*rtp.Packet

func (h seqHeap) Len() int { return len(h) }
func (h seqHeap) Less(i, j int) bool {
	return seqBefore(h[i].SequenceNumber, h[j].SequenceNumber)
}
func (h seqHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *seqHeap) Push(x interface{}) { *h = append(*h, x.(*rtp.Packet)) }

func (h *seqHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}
