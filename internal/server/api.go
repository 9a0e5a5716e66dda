package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/MrWong99/voicepay/internal/observe"
	"github.com/MrWong99/voicepay/internal/userstore"
	"github.com/MrWong99/voicepay/pkg/face"
)

// maxBodyBytes caps API request bodies. Registration may carry an inline
// face snapshot.
const maxBodyBytes = 50 << 20

// chatUnavailable is the reply sent when the assistant cannot be reached.
const chatUnavailable = "I am having trouble connecting to the AI server."

type registerRequest struct {
	Mobile         string          `json:"mobile"`
	Name           string          `json:"name"`
	FaceDescriptor face.Descriptor `json:"faceDescriptor"`
	VoiceSampleURL string          `json:"voiceSampleUrl"`
	FaceImageURL   string          `json:"faceImageUrl"`
}

type registerResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

type lookupRequest struct {
	Mobile string `json:"mobile"`
}

type lookupResponse struct {
	Name           string          `json:"name"`
	FaceDescriptor face.Descriptor `json:"faceDescriptor"`
	FaceImageURL   string          `json:"faceImageUrl,omitempty"`
}

type chatRequest struct {
	Message string `json:"message"`
}

type chatResponse struct {
	Reply string `json:"reply"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decode(w, r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "Invalid request"})
		return
	}

	_, err := s.cfg.Users.Register(r.Context(), userstore.Profile{
		Mobile:         req.Mobile,
		Name:           req.Name,
		FaceDescriptor: req.FaceDescriptor,
		FaceImageURL:   req.FaceImageURL,
		VoiceSampleURL: req.VoiceSampleURL,
	})
	switch {
	case errors.Is(err, userstore.ErrAlreadyRegistered):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "User already exists"})
	case errors.Is(err, userstore.ErrInvalidProfile):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "Invalid request"})
	case err != nil:
		observe.Logger(r.Context()).Error("server: register user", "mobile", req.Mobile, "err", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "Registration failed"})
	default:
		writeJSON(w, http.StatusOK, registerResponse{Success: true, Message: "Registration successful"})
	}
}

func (s *Server) handleLookup(w http.ResponseWriter, r *http.Request) {
	var req lookupRequest
	if err := decode(w, r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "Invalid request"})
		return
	}

	p, err := s.cfg.Users.Lookup(r.Context(), req.Mobile)
	switch {
	case errors.Is(err, userstore.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "User not found"})
	case err != nil:
		observe.Logger(r.Context()).Error("server: look up user", "mobile", req.Mobile, "err", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "Lookup failed"})
	default:
		writeJSON(w, http.StatusOK, lookupResponse{
			Name:           p.Name,
			FaceDescriptor: p.FaceDescriptor,
			FaceImageURL:   p.FaceImageURL,
		})
	}
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := decode(w, r, &req); err != nil || req.Message == "" {
		writeJSON(w, http.StatusBadRequest, chatResponse{Reply: "Please say something."})
		return
	}
	if s.cfg.Assistant == nil {
		writeJSON(w, http.StatusInternalServerError, chatResponse{Reply: chatUnavailable})
		return
	}

	reply, err := s.cfg.Assistant.Reply(r.Context(), req.Message)
	if err != nil {
		observe.Logger(r.Context()).Error("server: chat", "err", err)
		writeJSON(w, http.StatusInternalServerError, chatResponse{Reply: chatUnavailable})
		return
	}
	writeJSON(w, http.StatusOK, chatResponse{Reply: reply})
}

func decode(w http.ResponseWriter, r *http.Request, v any) error {
	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	err := json.NewDecoder(body).Decode(v)
	if errors.Is(err, io.EOF) {
		return errors.New("empty body")
	}
	return err
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
