package tone

import (
	"encoding/binary"
	"math"
	"time"

	"github.com/arzzra/phonify/pkg/audio"
	"github.com/arzzra/phonify/pkg/interaction"
)

// SynthConfig параметры двухтонального сигнала
type SynthConfig struct {
	Frequencies []float64
	Gain        float64
	On          time.Duration
	Off         time.Duration
}

// DefaultRingback стандартный гудок: 440+480 Гц, 2 с звук, 4 с пауза
func DefaultRingback() SynthConfig {
	return SynthConfig{
		Frequencies: []float64{440, 480},
		Gain:        0.1,
		On:          2 * time.Second,
		Off:         4 * time.Second,
	}
}

// Synth синтезирует сигнал с каденцией
type Synth struct {
	cfg       SynthConfig
	onSamples int
	period    int
}

var _ Source = (*Synth)(nil)

// NewSynth создает синтезатор. Нулевая пауза дает непрерывный тон.
func NewSynth(cfg SynthConfig) *Synth {
	on := int(cfg.On.Seconds() * audio.SampleRate)
	off := int(cfg.Off.Seconds() * audio.SampleRate)
	if on <= 0 {
		on = audio.SampleRate
	}
	return &Synth{cfg: cfg, onSamples: on, period: on + off}
}

// Frame PCM16 n-го фрейма
func (s *Synth) Frame(n int) []byte {
	out := make([]byte, FrameSamples*2)
	for i := 0; i < FrameSamples; i++ {
		t := n*FrameSamples + i
		if t%s.period >= s.onSamples {
			continue
		}
		var v float64
		for _, f := range s.cfg.Frequencies {
			v += s.cfg.Gain * math.Sin(2*math.Pi*f*float64(t)/audio.SampleRate)
		}
		if v > 1 {
			v = 1
		} else if v < -1 {
			v = -1
		}
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(v*math.MaxInt16)))
	}
	return out
}

// NewRingback плеер гудка обратного вызова
func NewRingback(cfg SynthConfig, out audio.Output, bus *interaction.Bus, opts ...Option) *Player {
	return NewPlayer("ringback", NewSynth(cfg), out, bus, opts...)
}
