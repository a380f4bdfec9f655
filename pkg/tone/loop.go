package tone

import (
	"github.com/arzzra/phonify/pkg/audio"
	"github.com/arzzra/phonify/pkg/interaction"
)

// Loop зацикленный клип (мелодия звонка)
type Loop struct {
	pcm []byte
}

var _ Source = (*Loop)(nil)

// NewLoop создает источник из клипа. Пустой клип дает тишину.
func NewLoop(clip *audio.Clip) *Loop {
	l := &Loop{}
	if clip != nil {
		l.pcm = clip.PCM
	}
	return l
}

// Frame PCM16 n-го фрейма с переходом через конец клипа
func (l *Loop) Frame(n int) []byte {
	size := FrameSamples * 2
	out := make([]byte, size)
	if len(l.pcm) == 0 {
		return out
	}
	off := (n * size) % len(l.pcm)
	for copied := 0; copied < size; {
		c := copy(out[copied:], l.pcm[off:])
		copied += c
		off = 0
	}
	return out
}

// NewRingtone плеер мелодии входящего звонка
func NewRingtone(clip *audio.Clip, out audio.Output, bus *interaction.Bus, opts ...Option) *Player {
	return NewPlayer("ringtone", NewLoop(clip), out, bus, opts...)
}
