package audio

import (
	"fmt"
	"strings"

	"github.com/zaf/g711"
)

// Codec G.711 кодек для RTP
type Codec struct {
	Name        string
	PayloadType uint8
	ClockRate   uint32
}

var (
	PCMU = Codec{Name: "PCMU", PayloadType: 0, ClockRate: SampleRate}
	PCMA = Codec{Name: "PCMA", PayloadType: 8, ClockRate: SampleRate}
)

// CodecByName возвращает кодек по имени из конфигурации
func CodecByName(name string) (Codec, error) {
	switch strings.ToUpper(name) {
	case "PCMU", "ULAW":
		return PCMU, nil
	case "PCMA", "ALAW":
		return PCMA, nil
	default:
		return Codec{}, fmt.Errorf("unsupported codec: %s", name)
	}
}

// CodecByPayloadType возвращает кодек по номеру RTP payload type
func CodecByPayloadType(pt uint8) (Codec, bool) {
	switch pt {
	case PCMU.PayloadType:
		return PCMU, true
	case PCMA.PayloadType:
		return PCMA, true
	default:
		return Codec{}, false
	}
}

// Encode кодирует PCM16 в G.711
func (c Codec) Encode(pcm []byte) []byte {
	if c.PayloadType == PCMA.PayloadType {
		return g711.EncodeAlaw(pcm)
	}
	return g711.EncodeUlaw(pcm)
}

// Decode декодирует G.711 в PCM16
func (c Codec) Decode(payload []byte) []byte {
	if c.PayloadType == PCMA.PayloadType {
		return g711.DecodeAlaw(payload)
	}
	return g711.DecodeUlaw(payload)
}

// Silence фрейм тишины заданной длины в отсчетах
func (c Codec) Silence(samples int) []byte {
	return c.Encode(make([]byte, samples*2))
}
