package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/usenocturne/synthlink/bluetooth"
	"github.com/usenocturne/synthlink/store"
	"github.com/usenocturne/synthlink/utils"
	"go.uber.org/zap"
)

type ErrorResponse struct {
	Error string `json:"error"`
}

type StatusResponse struct {
	State         string `json:"state"`
	DeviceName    string `json:"device_name"`
	PeerID        string `json:"peer_id,omitempty"`
	Connected     bool   `json:"connected"`
	Reconnecting  bool   `json:"reconnecting"`
	AutoReconnect bool   `json:"auto_reconnect"`
	Mode          string `json:"mode"`
}

type ConnectRequest struct {
	Peer string `json:"peer"`
	Name string `json:"name"`
}

type AutoReconnectRequest struct {
	Enabled *bool `json:"enabled"`
}

type ButtonRequest struct {
	Control string `json:"control"`
	Pressed *bool  `json:"pressed"`
}

type EncoderRequest struct {
	Control string `json:"control"`
	Delta   int    `json:"delta"`
	Shift   bool   `json:"shift"`
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

// decodeBody decodes a JSON body into v. An empty body leaves v untouched.
func decodeBody(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<16))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func statusResponse(st bluetooth.Status) StatusResponse {
	return StatusResponse{
		State:         st.State.String(),
		DeviceName:    st.DeviceName,
		PeerID:        st.PeerID,
		Connected:     st.Connected(),
		Reconnecting:  st.Reconnecting(),
		AutoReconnect: st.AutoReconnect,
		Mode:          st.Mode.String(),
	}
}

// deviceError maps facade errors to HTTP statuses.
func (s *Server) deviceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, bluetooth.ErrClosed):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, bluetooth.ErrConnectFailure):
		writeError(w, http.StatusBadGateway, err.Error())
	default:
		s.log.Warn("device request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("failed to upgrade connection", zap.Error(err))
		return
	}
	id := uuid.NewString()
	log := s.log.With(zap.String("client", id))
	log.Info("websocket client connected", zap.String("remote", r.RemoteAddr))
	s.wsHub.AddClient(conn)

	// Events only flow to the client; reading detects the close.
	go func() {
		defer s.wsHub.RemoveClient(conn)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				log.Info("websocket client disconnected", zap.Error(err))
				return
			}
		}
	}()
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, statusResponse(s.device.Status()))
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	var req ConnectRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	var err error
	if req.Peer == "" {
		err = s.device.ConnectPrompt(r.Context())
	} else {
		err = s.device.Connect(r.Context(), bluetooth.Peer{ID: req.Peer, Name: req.Name})
	}
	if err != nil {
		s.deviceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, statusResponse(s.device.Status()))
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	if err := s.device.Disconnect(r.Context()); err != nil {
		s.deviceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, statusResponse(s.device.Status()))
}

func (s *Server) handleAutoReconnect(w http.ResponseWriter, r *http.Request) {
	var req AutoReconnectRequest
	if err := decodeBody(r, &req); err != nil || req.Enabled == nil {
		writeError(w, http.StatusBadRequest, "body must be {\"enabled\": bool}")
		return
	}
	if err := s.device.SetAutoReconnect(r.Context(), *req.Enabled); err != nil {
		s.deviceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, statusResponse(s.device.Status()))
}

func (s *Server) handleButton(w http.ResponseWriter, r *http.Request) {
	var req ButtonRequest
	if err := decodeBody(r, &req); err != nil || req.Pressed == nil {
		writeError(w, http.StatusBadRequest, "body must be {\"control\": string, \"pressed\": bool}")
		return
	}
	id, ok := bluetooth.ParseControl(req.Control)
	if !ok || id.IsEncoder() {
		writeError(w, http.StatusBadRequest, "unknown button: "+req.Control)
		return
	}
	if err := s.device.SendButton(r.Context(), req.Control, *req.Pressed); err != nil {
		s.deviceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleEncoder(w http.ResponseWriter, r *http.Request) {
	var req EncoderRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	id, ok := bluetooth.ParseControl(req.Control)
	if !ok || !id.IsEncoder() {
		writeError(w, http.StatusBadRequest, "unknown encoder: "+req.Control)
		return
	}
	if req.Delta != 1 && req.Delta != -1 {
		writeError(w, http.StatusBadRequest, "delta must be 1 or -1")
		return
	}
	if err := s.device.SendEncoder(r.Context(), req.Control, req.Delta, req.Shift); err != nil {
		s.deviceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleScreenRefresh(w http.ResponseWriter, r *http.Request) {
	if !s.device.Status().Connected() {
		writeError(w, http.StatusConflict, "not connected")
		return
	}
	if !s.refresh.Allow() {
		writeError(w, http.StatusTooManyRequests, "screen refresh rate exceeded")
		return
	}
	if err := s.device.RequestScreen(r.Context()); err != nil {
		s.deviceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleScreen(w http.ResponseWriter, r *http.Request) {
	fb := s.device.Screen()
	writeJSON(w, http.StatusOK, utils.ScreenPayload{
		Width:  fb.Width(),
		Height: fb.Height(),
		Data:   fb.Snapshot(),
	})
}

func (s *Server) handleScreenText(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	io.WriteString(w, s.device.Screen().Text())
}

func (s *Server) handlePeers(w http.ResponseWriter, r *http.Request) {
	if s.peers == nil {
		writeError(w, http.StatusNotFound, "peer store disabled")
		return
	}
	peers, err := s.peers.List(r.Context())
	if err != nil {
		s.log.Warn("failed to list peers", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list peers")
		return
	}
	if peers == nil {
		peers = []store.RememberedPeer{}
	}
	writeJSON(w, http.StatusOK, peers)
}

func (s *Server) handleForgetPeer(w http.ResponseWriter, r *http.Request) {
	if s.peers == nil {
		writeError(w, http.StatusNotFound, "peer store disabled")
		return
	}
	id := chi.URLParam(r, "id")
	if err := s.peers.Forget(r.Context(), id); err != nil {
		s.log.Warn("failed to forget peer", zap.String("peer", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to forget peer")
		return
	}
	s.log.Info("forgot peer", zap.String("peer", id))
	w.WriteHeader(http.StatusNoContent)
}
