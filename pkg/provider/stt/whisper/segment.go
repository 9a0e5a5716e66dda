package whisper

import (
	"encoding/binary"
	"io"
	"math"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// silenceRMS is the 16-bit PCM energy below which a chunk counts as silence.
const silenceRMS = 300.0

// segmenter cuts a PCM stream into utterances: speech followed by enough
// silence, or speech that grew past the length cap. Leading silence is
// discarded. Not safe for concurrent use.
type segmenter struct {
	bytesPerSecond int
	silence        time.Duration
	maxBytes       int

	buf       []byte
	speaking  bool
	quietTime time.Duration
}

func newSegmenter(sampleRate, channels int, silence, maxUtterance time.Duration) *segmenter {
	bps := sampleRate * channels * 2
	return &segmenter{
		bytesPerSecond: bps,
		silence:        silence,
		maxBytes:       int(maxUtterance.Seconds() * float64(bps)),
	}
}

// feed adds chunk and returns a completed utterance, if any.
func (g *segmenter) feed(chunk []byte) ([]byte, bool) {
	if rms(chunk) < silenceRMS {
		if !g.speaking {
			return nil, false
		}
		g.buf = append(g.buf, chunk...)
		g.quietTime += g.duration(chunk)
		if g.quietTime >= g.silence {
			return g.flush()
		}
		return nil, false
	}

	g.speaking = true
	g.quietTime = 0
	g.buf = append(g.buf, chunk...)
	if g.maxBytes > 0 && len(g.buf) >= g.maxBytes {
		return g.flush()
	}
	return nil, false
}

// flush returns whatever speech is buffered and resets the segmenter.
func (g *segmenter) flush() ([]byte, bool) {
	out, ok := g.buf, g.speaking && len(g.buf) > 0
	g.buf, g.speaking, g.quietTime = nil, false, 0
	return out, ok
}

func (g *segmenter) duration(chunk []byte) time.Duration {
	if g.bytesPerSecond <= 0 {
		return 0
	}
	return time.Duration(len(chunk)) * time.Second / time.Duration(g.bytesPerSecond)
}

// rms is the root-mean-square energy of 16-bit little-endian PCM.
func rms(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := range n {
		v := float64(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
		sum += v * v
	}
	return math.Sqrt(sum / float64(n))
}

// encodeWAV writes 16-bit little-endian PCM to w as a RIFF/WAVE file.
func encodeWAV(w io.WriteSeeker, pcm []byte, sampleRate, channels int) error {
	data := make([]int, len(pcm)/2)
	for i := range data {
		data[i] = int(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}
	enc := wav.NewEncoder(w, sampleRate, 16, channels, 1)
	err := enc.Write(&audio.IntBuffer{
		Format:         &audio.Format{NumChannels: channels, SampleRate: sampleRate},
		Data:           data,
		SourceBitDepth: 16,
	})
	if err != nil {
		return err
	}
	return enc.Close()
}
