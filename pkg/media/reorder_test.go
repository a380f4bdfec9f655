package media

import (
	"testing"

	"github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
)

func seqs(pkts []*rtp.Packet) []uint16 {
	out := make([]uint16, 0, len(pkts))
	for _, p := range pkts {
		out = append(out, p.SequenceNumber)
	}
	return out
}

func pushAll(b *reorderBuffer, nums ...uint16) []uint16 {
	var out []uint16
	for _, n := range nums {
		out = append(out, seqs(b.Push(pcmuPacket(n)))...)
	}
	return out
}

func TestReorderBuffer_InOrderPassesThrough(t *testing.T) {
	b := newReorderBuffer(3)
	assert.Equal(t, []uint16{10, 11, 12}, pushAll(b, 10, 11, 12))
	assert.Empty(t, b.Flush())
}

func TestReorderBuffer_RestoresOrder(t *testing.T) {
	b := newReorderBuffer(3)
	assert.Equal(t, []uint16{1}, pushAll(b, 1))
	assert.Empty(t, pushAll(b, 3, 4))
	assert.Equal(t, []uint16{2, 3, 4, 5}, pushAll(b, 2, 5))
}

func TestReorderBuffer_SkipsLostPacket(t *testing.T) {
	b := newReorderBuffer(2)
	pushAll(b, 1)
	assert.Empty(t, pushAll(b, 3, 4))
	// третий пакет после разрыва: потерянный 2 пропускается
	assert.Equal(t, []uint16{3, 4, 5}, pushAll(b, 5))

	// опоздавший пакет отбрасывается
	assert.Empty(t, pushAll(b, 2))
	assert.Equal(t, uint64(1), b.dropped)
}

func TestReorderBuffer_DropsDuplicates(t *testing.T) {
	b := newReorderBuffer(3)
	assert.Equal(t, []uint16{7, 8}, pushAll(b, 7, 8, 8, 7))
	assert.Equal(t, uint64(2), b.dropped)
}

func TestReorderBuffer_Wraparound(t *testing.T) {
	b := newReorderBuffer(3)
	assert.Equal(t, []uint16{65534}, pushAll(b, 65534))
	assert.Empty(t, pushAll(b, 0))
	assert.Equal(t, []uint16{65535, 0, 1}, pushAll(b, 65535, 1))
}

func TestReorderBuffer_FlushSkipsGaps(t *testing.T) {
	b := newReorderBuffer(5)
	pushAll(b, 1, 4, 6, 3)
	assert.Equal(t, []uint16{3, 4, 6}, seqs(b.Flush()))
}

func TestSeqBefore(t *testing.T) {
	assert.True(t, seqBefore(1, 2))
	assert.False(t, seqBefore(2, 2))
	assert.True(t, seqBefore(65535, 0))
	assert.False(t, seqBefore(0, 65535))
}
