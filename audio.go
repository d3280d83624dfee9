package hume

import (
	"encoding/binary"
	"fmt"
	"sync"

	resampling "github.com/tphakala/go-audio-resampling"
)

// AudioAssembler collects AudioOutput chunks of a chat and reassembles the
// speech of each assistant message. Chunks must be added in arrival order,
// which sessions guarantee per message.
type AudioAssembler struct {
	mu   sync.Mutex
	data map[string][]byte
}

// NewAudioAssembler creates a new AudioAssembler instance.
func NewAudioAssembler() *AudioAssembler { return &AudioAssembler{data: make(map[string][]byte)} }

// Add appends the chunk to the audio of its message.
func (a *AudioAssembler) Add(out AudioOutput) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.data[out.MessageID] = append(a.data[out.MessageID], out.Data...)
}

// Take retrieves and removes the audio collected for messageID.
// Call it when the assistant turn ends.
func (a *AudioAssembler) Take(messageID string) []byte {
	a.mu.Lock()
	defer a.mu.Unlock()
	buf := a.data[messageID]
	delete(a.data, messageID)
	return buf
}

// WAVFromPCM16Mono converts raw PCM16 audio data to a complete WAV file.
// This is useful for saving synthesized audio to disk or streaming to audio players.
// The input should be 16-bit little-endian PCM data (mono channel).
func WAVFromPCM16Mono(pcm []byte, sampleRate int) []byte {
	blockAlign := uint16(2)
	byteRate := uint32(sampleRate) * uint32(blockAlign)
	dataLen := uint32(len(pcm))
	out := make([]byte, 44+len(pcm))

	// RIFF header
	copy(out[0:], "RIFF")
	binary.LittleEndian.PutUint32(out[4:], 36+dataLen)
	copy(out[8:], "WAVE")

	// Format chunk
	copy(out[12:], "fmt ")
	binary.LittleEndian.PutUint32(out[16:], 16) // fmt chunk size
	binary.LittleEndian.PutUint16(out[20:], 1)  // audio format (PCM)
	binary.LittleEndian.PutUint16(out[22:], 1)  // num channels (mono)
	binary.LittleEndian.PutUint32(out[24:], uint32(sampleRate))
	binary.LittleEndian.PutUint32(out[28:], byteRate)
	binary.LittleEndian.PutUint16(out[32:], blockAlign)
	binary.LittleEndian.PutUint16(out[34:], 16) // bits per sample

	// Data chunk
	copy(out[36:], "data")
	binary.LittleEndian.PutUint32(out[40:], dataLen)
	copy(out[44:], pcm)
	return out
}

// DefaultSampleRate is the default output rate of synthesized PCM (24kHz).
const DefaultSampleRate = 24000

// PCM16BytesFor calculates the number of bytes needed for PCM16 audio of given duration.
// Formula: (milliseconds * sampleRate * 2 bytes per sample) / 1000
func PCM16BytesFor(ms int, sampleRate int) int { return (ms * sampleRate * 2) / 1000 }

// ResamplePCM16Mono converts 16-bit little-endian mono PCM from one sample
// rate to another, e.g. 44.1kHz microphone capture to the 16kHz EVI input.
// The input is treated as one complete clip.
func ResamplePCM16Mono(pcm []byte, fromRate, toRate int) ([]byte, error) {
	if fromRate <= 0 || toRate <= 0 {
		return nil, NewValidationError("sample_rate", fmt.Sprintf("rates must be positive, got %d -> %d", fromRate, toRate))
	}
	if len(pcm)%2 != 0 {
		return nil, NewValidationError("pcm", "PCM16 data must have an even length")
	}
	if fromRate == toRate {
		return append([]byte(nil), pcm...), nil
	}

	r, err := resampling.New(&resampling.Config{
		InputRate:  float64(fromRate),
		OutputRate: float64(toRate),
		Channels:   1,
		Quality:    resampling.QualitySpec{Preset: resampling.QualityHigh},
	})
	if err != nil {
		return nil, fmt.Errorf("hume: create resampler: %w", err)
	}

	in := make([]float64, len(pcm)/2)
	for i := range in {
		in[i] = float64(int16(binary.LittleEndian.Uint16(pcm[i*2:]))) / 32768.0
	}
	samples, err := r.Process(in)
	if err != nil {
		return nil, fmt.Errorf("hume: resample: %w", err)
	}

	out := make([]byte, len(samples)*2)
	for i, v := range samples {
		switch {
		case v >= 1.0:
			v = 32767
		case v <= -1.0:
			v = -32768
		default:
			v *= 32767
		}
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(v)))
	}
	return out, nil
}
