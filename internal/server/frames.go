package server

import "github.com/MrWong99/voicepay/pkg/face"

// Client → server frame types.
const (
	FrameTranscript  = "transcript"
	FrameSpeechError = "speech_error"
	FrameSpeechEnd   = "speech_end"
	FrameFace        = "face"
	FrameAction      = "action"
)

// Server → client frame types. The speak and speak_cancel frames are
// produced by the speech package.
const (
	FramePartial     = "partial"
	FrameState       = "state"
	FrameFaceRequest = "face_request"
	FrameListen      = "listen"
	FrameCapture     = "capture"
	FrameError       = "error"
)

// ClientFrame is any JSON frame sent by the browser. Only the fields of the
// given Type are set.
type ClientFrame struct {
	Type string `json:"type"`

	// transcript
	Text  string `json:"text,omitempty"`
	Final bool   `json:"final,omitempty"`

	// speech_error
	Error string `json:"error,omitempty"`

	// face; a null descriptor means no face was found.
	ID         uint64          `json:"id,omitempty"`
	Descriptor face.Descriptor `json:"descriptor,omitempty"`

	// action
	Name  string `json:"name,omitempty"`
	Value string `json:"value,omitempty"`
}

// PartialFrame carries an interim transcript for the live caption.
type PartialFrame struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// StateFrame carries the session view after every change.
type StateFrame struct {
	Type string `json:"type"`
	View any    `json:"view"`
}

// FaceRequestFrame asks the browser to compute a face descriptor from the
// camera and answer with a face frame of the same ID.
type FaceRequestFrame struct {
	Type string `json:"type"`
	ID   uint64 `json:"id"`
}

// ListenFrame starts the browser recogniser.
type ListenFrame struct {
	Type       string   `json:"type"`
	Lang       string   `json:"lang"`
	Continuous bool     `json:"continuous"`
	Interim    bool     `json:"interim"`
	Keywords   []string `json:"keywords,omitempty"`
}

// CaptureFrame asks the browser to stream raw microphone audio as binary
// frames (16-bit little-endian mono PCM) for server side recognition.
type CaptureFrame struct {
	Type       string `json:"type"`
	SampleRate int    `json:"sampleRate"`
}

// ErrorFrame reports a rejected client frame.
type ErrorFrame struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}
