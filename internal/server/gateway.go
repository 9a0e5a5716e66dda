package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/voicepay/internal/observe"
)

// Websocket limits.
const (
	readLimit    = 1 << 20
	writeTimeout = 5 * time.Second
	stopTimeout  = 5 * time.Second
)

// wsClient implements Client over a websocket connection. Writes on a
// websocket.Conn are safe for concurrent use.
type wsClient struct {
	conn *websocket.Conn
}

func (c *wsClient) Send(ctx context.Context, msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return c.conn.Write(ctx, websocket.MessageText, data)
}

func (c *wsClient) SendAudio(ctx context.Context, pcm []byte) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return c.conn.Write(ctx, websocket.MessageBinary, pcm)
}

func (s *Server) acceptOptions() *websocket.AcceptOptions {
	if s.anyOrigin() {
		return &websocket.AcceptOptions{InsecureSkipVerify: true}
	}
	patterns := make([]string, 0, len(s.cfg.AllowedOrigins))
	for _, o := range s.cfg.AllowedOrigins {
		if u, err := url.Parse(o); err == nil && u.Host != "" {
			patterns = append(patterns, u.Host)
		} else {
			patterns = append(patterns, o)
		}
	}
	return &websocket.AcceptOptions{OriginPatterns: patterns}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	log := observe.Logger(r.Context())
	if !s.connected.CompareAndSwap(false, true) {
		log.Info("server: refusing second voice connection")
		writeJSON(w, http.StatusConflict, errorResponse{Error: "A voice session is already active"})
		return
	}
	defer s.connected.Store(false)

	conn, err := websocket.Accept(w, r, s.acceptOptions())
	if err != nil {
		log.Warn("server: websocket accept", "err", err)
		return
	}
	conn.SetReadLimit(readLimit)

	ctx := r.Context()
	client := &wsClient{conn: conn}
	voice, err := s.cfg.Voice.Start(ctx, client)
	if err != nil {
		log.Error("server: start voice session", "err", err)
		if errors.Is(err, ErrBusy) {
			conn.Close(websocket.StatusTryAgainLater, "voice session busy")
		} else {
			conn.Close(websocket.StatusInternalError, "voice session failed")
		}
		return
	}
	log.Info("server: voice client connected", "remote", r.RemoteAddr)

	err = s.read(ctx, conn, client, voice)

	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), stopTimeout)
	defer cancel()
	if stopErr := s.cfg.Voice.Stop(stopCtx); stopErr != nil {
		log.Warn("server: stop voice session", "err", stopErr)
	}

	switch status := websocket.CloseStatus(err); {
	case status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway:
		log.Info("server: voice client disconnected")
		conn.Close(websocket.StatusNormalClosure, "")
	case ctx.Err() != nil:
		conn.Close(websocket.StatusGoingAway, "server shutting down")
	default:
		log.Warn("server: voice connection lost", "err", err)
		conn.CloseNow()
	}
}

// read feeds client frames to voice until the connection fails.
func (s *Server) read(ctx context.Context, conn *websocket.Conn, client Client, voice Voice) error {
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		if typ == websocket.MessageBinary {
			if err := voice.Audio(data); err != nil {
				observe.Logger(ctx).Debug("server: forward audio", "err", err)
			}
			continue
		}

		var f ClientFrame
		if err := json.Unmarshal(data, &f); err != nil {
			s.reject(ctx, client, "malformed frame")
			continue
		}
		switch f.Type {
		case FrameTranscript:
			voice.Transcript(ctx, f.Text, f.Final)
		case FrameSpeechError:
			voice.SpeechError(f.Error)
		case FrameSpeechEnd:
			voice.SpeechEnd()
		case FrameFace:
			voice.Face(f.ID, f.Descriptor)
		case FrameAction:
			if err := voice.Action(ctx, f.Name, f.Value); err != nil {
				s.reject(ctx, client, err.Error())
			}
		default:
			s.reject(ctx, client, "unknown frame type "+f.Type)
		}
	}
}

func (s *Server) reject(ctx context.Context, client Client, msg string) {
	observe.Logger(ctx).Debug("server: rejected frame", "reason", msg)
	if err := client.Send(ctx, ErrorFrame{Type: FrameError, Message: msg}); err != nil {
		observe.Logger(ctx).Debug("server: send error frame", "err", err)
	}
}
