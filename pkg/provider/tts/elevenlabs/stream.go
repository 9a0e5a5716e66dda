package elevenlabs

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/coder/websocket"
)

// inputFrame is a client message on the stream-input socket. An empty Text
// marks the end of input.
type inputFrame struct {
	Text          string         `json:"text"`
	VoiceSettings *voiceSettings `json:"voice_settings,omitempty"`
	Flush         bool           `json:"flush,omitempty"`
}

type voiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
}

// outputFrame is a server message. Message and Error are set when the server
// rejects the stream.
type outputFrame struct {
	Audio   string `json:"audio"`
	IsFinal bool   `json:"isFinal"`
	Message string `json:"message"`
	Error   string `json:"error"`
}

var errRejected = errors.New("elevenlabs: stream rejected")

// decodeFrame returns the PCM carried by msg, which may be empty, and whether
// it is the last frame of the stream.
func decodeFrame(msg []byte) (pcm []byte, final bool, err error) {
	var f outputFrame
	if err := json.Unmarshal(msg, &f); err != nil {
		return nil, false, err
	}
	if f.Error != "" {
		return nil, true, errors.Join(errRejected, errors.New(f.Error+": "+f.Message))
	}
	if f.Audio != "" {
		if pcm, err = base64.StdEncoding.DecodeString(f.Audio); err != nil {
			return nil, f.IsFinal, err
		}
	}
	return pcm, f.IsFinal, nil
}

// stream is one utterance: text goes out on the caller's goroutine, audio
// comes back on a reader goroutine.
type stream struct {
	conn  *websocket.Conn
	voice string
	audio chan []byte
}

func (s *stream) run(ctx context.Context, text <-chan string) {
	defer close(s.audio)

	received := make(chan struct{})
	go func() {
		defer close(received)
		s.receive(ctx)
	}()

	if !s.send(ctx, text, received) {
		_ = s.conn.CloseNow()
	}
	// The reader owns s.audio until it returns.
	<-received
	_ = s.conn.CloseNow()
}

// send forwards text until it closes. It reports false when the stream ended
// early.
func (s *stream) send(ctx context.Context, text <-chan string, received <-chan struct{}) bool {
	for {
		select {
		case fragment, ok := <-text:
			if !ok {
				return writeJSON(ctx, s.conn, inputFrame{Text: ""}) == nil
			}
			if fragment == "" {
				continue
			}
			// Flush each fragment so it is spoken without waiting for more
			// text.
			if err := writeJSON(ctx, s.conn, inputFrame{Text: fragment + " ", Flush: true}); err != nil {
				return false
			}
		case <-received:
			return false
		case <-ctx.Done():
			return false
		}
	}
}

func (s *stream) receive(ctx context.Context) {
	for {
		_, msg, err := s.conn.Read(ctx)
		if err != nil {
			return
		}
		pcm, final, err := decodeFrame(msg)
		if err != nil {
			slog.Warn("elevenlabs: dropping stream", "voice", s.voice, "err", err)
			return
		}
		if len(pcm) > 0 {
			select {
			case s.audio <- pcm:
			case <-ctx.Done():
				return
			}
		}
		if final {
			return
		}
	}
}
