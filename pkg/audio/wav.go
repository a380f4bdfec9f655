package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
)

// Clip PCM16 mono 8 кГц, готовый к воспроизведению
type Clip struct {
	PCM []byte
}

// Samples длительность в отсчетах
func (c *Clip) Samples() int {
	return len(c.PCM) / 2
}

type wavFormat struct {
	AudioFormat   uint16
	NumChannels   uint16
	SampleRate    uint32
	ByteRate      uint32
	BlockAlign    uint16
	BitsPerSample uint16
}

// LoadWAV читает WAV файл и приводит его к PCM16 mono 8 кГц
func LoadWAV(path string) (*Clip, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open wav: %w", err)
	}
	defer f.Close()
	return DecodeWAV(f)
}

// DecodeWAV разбирает RIFF/WAVE поток. Поддерживается только PCM 16 бит, 1 или 2 канала.
func DecodeWAV(r io.Reader) (*Clip, error) {
	var hdr [12]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, fmt.Errorf("failed to read RIFF header: %w", err)
	}
	if string(hdr[0:4]) != "RIFF" || string(hdr[8:12]) != "WAVE" {
		return nil, errors.New("not a RIFF/WAVE stream")
	}

	var format *wavFormat
	for {
		var chunk [8]byte
		if _, err := io.ReadFull(r, chunk[:]); err != nil {
			if errors.Is(err, io.EOF) {
				return nil, errors.New("data chunk not found")
			}
			return nil, fmt.Errorf("failed to read chunk header: %w", err)
		}
		id := string(chunk[0:4])
		size := binary.LittleEndian.Uint32(chunk[4:8])

		switch id {
		case "fmt ":
			buf := make([]byte, size)
			if _, err := io.ReadFull(r, buf); err != nil {
				return nil, fmt.Errorf("failed to read fmt chunk: %w", err)
			}
			if size < 16 {
				return nil, fmt.Errorf("fmt chunk too short: %d", size)
			}
			format = &wavFormat{
				AudioFormat:   binary.LittleEndian.Uint16(buf[0:2]),
				NumChannels:   binary.LittleEndian.Uint16(buf[2:4]),
				SampleRate:    binary.LittleEndian.Uint32(buf[4:8]),
				ByteRate:      binary.LittleEndian.Uint32(buf[8:12]),
				BlockAlign:    binary.LittleEndian.Uint16(buf[12:14]),
				BitsPerSample: binary.LittleEndian.Uint16(buf[14:16]),
			}
			if format.AudioFormat != 1 || format.BitsPerSample != 16 {
				return nil, fmt.Errorf("only 16-bit PCM is supported (format=%d, bits=%d)",
					format.AudioFormat, format.BitsPerSample)
			}
		case "data":
			if format == nil {
				return nil, errors.New("data chunk before fmt chunk")
			}
			data := make([]byte, size)
			if _, err := io.ReadFull(r, data); err != nil {
				return nil, fmt.Errorf("failed to read audio data: %w", err)
			}
			mono, err := toMono(data, format.NumChannels)
			if err != nil {
				return nil, err
			}
			return &Clip{PCM: resample(mono, format.SampleRate, SampleRate)}, nil
		default:
			// RIFF чанки выровнены на 2 байта
			skip := int64(size) + int64(size&1)
			if _, err := io.CopyN(io.Discard, r, skip); err != nil {
				return nil, fmt.Errorf("failed to skip chunk %q: %w", id, err)
			}
		}
	}
}

func toMono(pcm []byte, channels uint16) ([]byte, error) {
	switch channels {
	case 1:
		return pcm, nil
	case 2:
		out := make([]byte, len(pcm)/2)
		for i := 0; i+3 < len(pcm); i += 4 {
			left := int16(binary.LittleEndian.Uint16(pcm[i:]))
			right := int16(binary.LittleEndian.Uint16(pcm[i+2:]))
			binary.LittleEndian.PutUint16(out[i/2:], uint16(int16((int32(left)+int32(right))/2)))
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported number of channels: %d", channels)
	}
}

// resample линейная интерполяция PCM16 mono
func resample(pcm []byte, from, to uint32) []byte {
	if from == to || from == 0 {
		return pcm
	}
	in := len(pcm) / 2
	ratio := float64(from) / float64(to)
	n := int(float64(in) / ratio)
	out := make([]byte, 0, n*2)
	for i := 0; i < n; i++ {
		pos := float64(i) * ratio
		idx := int(pos)
		if idx+1 >= in {
			break
		}
		frac := pos - float64(idx)
		s1 := float64(int16(binary.LittleEndian.Uint16(pcm[idx*2:])))
		s2 := float64(int16(binary.LittleEndian.Uint16(pcm[(idx+1)*2:])))
		out = binary.LittleEndian.AppendUint16(out, uint16(int16(s1*(1-frac)+s2*frac)))
	}
	return out
}

// EncodeWAV сериализует PCM16 mono 8 кГц в WAV
func EncodeWAV(w io.Writer, pcm []byte) error {
	hdr := make([]byte, 44)
	copy(hdr[0:], "RIFF")
	binary.LittleEndian.PutUint32(hdr[4:], uint32(36+len(pcm)))
	copy(hdr[8:], "WAVE")
	copy(hdr[12:], "fmt ")
	binary.LittleEndian.PutUint32(hdr[16:], 16)
	binary.LittleEndian.PutUint16(hdr[20:], 1)
	binary.LittleEndian.PutUint16(hdr[22:], 1)
	binary.LittleEndian.PutUint32(hdr[24:], SampleRate)
	binary.LittleEndian.PutUint32(hdr[28:], SampleRate*2)
	binary.LittleEndian.PutUint16(hdr[32:], 2)
	binary.LittleEndian.PutUint16(hdr[34:], 16)
	copy(hdr[36:], "data")
	binary.LittleEndian.PutUint32(hdr[40:], uint32(len(pcm)))
	if _, err := w.Write(hdr); err != nil {
		return err
	}
	_, err := w.Write(pcm)
	return err
}
