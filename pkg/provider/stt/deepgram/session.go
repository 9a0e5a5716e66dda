package deepgram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/voicepay/pkg/provider/stt"
)

const (
	// keepAliveInterval keeps Deepgram from closing the socket during silence.
	keepAliveInterval = 8 * time.Second

	// closeTimeout bounds how long Close waits for Deepgram to flush.
	closeTimeout = 3 * time.Second
)

var (
	errSessionClosed = errors.New("deepgram: session is closed")

	keepAliveFrame   = []byte(`{"type":"KeepAlive"}`)
	closeStreamFrame = []byte(`{"type":"CloseStream"}`)
)

// message is one server frame of the live API.
type message struct {
	Type        string  `json:"type"`
	IsFinal     bool    `json:"is_final"`
	SpeechFinal bool    `json:"speech_final"`
	Start       float64 `json:"start"`
	Channel     struct {
		Alternatives []alternative `json:"alternatives"`
	} `json:"channel"`

	// Set on "Error" frames.
	Description string `json:"description"`
}

type alternative struct {
	Transcript string  `json:"transcript"`
	Confidence float64 `json:"confidence"`
	Words      []struct {
		Word       string  `json:"word"`
		Start      float64 `json:"start"`
		End        float64 `json:"end"`
		Confidence float64 `json:"confidence"`
	} `json:"words"`
}

// transcript returns the best alternative of a Results frame.
func (m *message) transcript() (stt.Transcript, bool) {
	if m.Type != "Results" || len(m.Channel.Alternatives) == 0 {
		return stt.Transcript{}, false
	}
	alt := m.Channel.Alternatives[0]
	t := stt.Transcript{
		Text:       alt.Transcript,
		IsFinal:    m.IsFinal,
		Confidence: alt.Confidence,
		Timestamp:  seconds(m.Start),
		Words:      make([]stt.WordDetail, 0, len(alt.Words)),
	}
	for _, w := range alt.Words {
		t.Words = append(t.Words, stt.WordDetail{
			Word:       w.Word,
			Start:      seconds(w.Start),
			End:        seconds(w.End),
			Confidence: w.Confidence,
		})
	}
	return t, true
}

// session is a live recognition stream. The writer goroutine forwards audio
// and keep-alives; the reader goroutine owns both transcript channels.
type session struct {
	conn       *websocket.Conn
	interim    bool
	continuous bool

	audio    chan []byte
	partials chan stt.Transcript
	finals   chan stt.Transcript

	done     chan struct{} // closed by Close
	written  chan struct{} // closed when the writer exits
	received chan struct{} // closed when the reader exits

	// ending is set once CloseStream was sent; later audio is dropped.
	ending     atomic.Bool
	finishOnce sync.Once
	closeOnce  sync.Once

	errMu sync.Mutex
	err   error
}

func startSession(ctx context.Context, conn *websocket.Conn, cfg stt.StreamConfig) *session {
	s := &session{
		conn:       conn,
		interim:    cfg.InterimResults,
		continuous: cfg.Continuous,
		audio:      make(chan []byte, 256),
		partials:   make(chan stt.Transcript, 64),
		finals:     make(chan stt.Transcript, 64),
		done:       make(chan struct{}),
		written:    make(chan struct{}),
		received:   make(chan struct{}),
	}
	go s.write(ctx)
	go s.read(ctx)
	return s
}

// SendAudio queues a PCM chunk. Audio sent after the utterance was finalised
// is dropped.
func (s *session) SendAudio(chunk []byte) error {
	if s.ending.Load() {
		return nil
	}
	select {
	case <-s.done:
		return errSessionClosed
	case s.audio <- chunk:
		return nil
	}
}

func (s *session) Partials() <-chan stt.Transcript { return s.partials }
func (s *session) Finals() <-chan stt.Transcript   { return s.finals }

func (s *session) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

// fail records the first error only.
func (s *session) fail(err error) {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

// Close flushes queued audio, asks Deepgram to finalise and closes the socket.
func (s *session) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		<-s.written
		s.finish()
		select {
		case <-s.received:
		case <-time.After(closeTimeout):
			_ = s.conn.CloseNow()
			<-s.received
		}
		_ = s.conn.Close(websocket.StatusNormalClosure, "session closed")
	})
	return nil
}

// finish sends CloseStream once. Deepgram answers with the remaining results
// and closes the socket normally.
func (s *session) finish() {
	s.finishOnce.Do(func() {
		s.ending.Store(true)
		ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		defer cancel()
		_ = s.conn.Write(ctx, websocket.MessageText, closeStreamFrame)
	})
}

func (s *session) write(ctx context.Context) {
	defer close(s.written)
	keepAlive := time.NewTicker(keepAliveInterval)
	defer keepAlive.Stop()

	for {
		select {
		case chunk := <-s.audio:
			if s.ending.Load() {
				continue
			}
			if err := s.conn.Write(ctx, websocket.MessageBinary, chunk); err != nil {
				s.fail(fmt.Errorf("deepgram: write audio: %w", err))
				return
			}
		case <-keepAlive.C:
			if err := s.conn.Write(ctx, websocket.MessageText, keepAliveFrame); err != nil {
				s.fail(fmt.Errorf("deepgram: keepalive: %w", err))
				return
			}
		case <-s.done:
			s.drain(ctx)
			return
		case <-ctx.Done():
			return
		}
	}
}

// drain writes whatever audio is still queued.
func (s *session) drain(ctx context.Context) {
	for {
		select {
		case chunk := <-s.audio:
			if s.ending.Load() {
				continue
			}
			if s.conn.Write(ctx, websocket.MessageBinary, chunk) != nil {
				return
			}
		default:
			return
		}
	}
}

func (s *session) read(ctx context.Context) {
	defer close(s.received)
	defer close(s.partials)
	defer close(s.finals)

	for {
		_, data, err := s.conn.Read(ctx)
		if err != nil {
			s.readEnded(ctx, err)
			return
		}

		var m message
		if json.Unmarshal(data, &m) != nil {
			continue
		}
		if m.Type == "Error" {
			s.fail(fmt.Errorf("deepgram: %s", m.Description))
			continue
		}
		t, ok := m.transcript()
		if !ok {
			continue
		}
		if !s.deliver(t) {
			return
		}
		if t.IsFinal && m.SpeechFinal && !s.continuous {
			s.finish()
		}
	}
}

// deliver routes t to its channel. Empty finals and unrequested partials are
// dropped. It reports false once the session is closed.
func (s *session) deliver(t stt.Transcript) bool {
	out := s.finals
	switch {
	case t.IsFinal && t.Text == "":
		return true
	case !t.IsFinal && !s.interim:
		return true
	case !t.IsFinal:
		out = s.partials
	}
	select {
	case out <- t:
		return true
	case <-s.done:
		return false
	}
}

// readEnded classifies the error that stopped the reader. A normal closure or
// one we initiated ends the stream without an error.
func (s *session) readEnded(ctx context.Context, err error) {
	select {
	case <-s.done:
		return
	default:
	}
	if ctx.Err() != nil || websocket.CloseStatus(err) == websocket.StatusNormalClosure {
		return
	}
	s.fail(fmt.Errorf("deepgram: read: %w", err))
}
