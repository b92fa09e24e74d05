package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/meshtalk/callkit/internal/helpers"
	"github.com/meshtalk/callkit/internal/protocol"
)

// Server is the development call server: it terminates the REST control
// surface, fans sealed messages out over websockets and answers
// existence checks from Redis.
//
// Authentication is a development stand-in: the bearer token IS the
// account id. Nothing here belongs in front of real users.
type Server struct {
	cfg   *Config
	store *Store
	hub   *Hub
	up    websocket.Upgrader
}

func NewServer(cfg *Config) (*Server, error) {
	store, err := NewStore(cfg)
	if err != nil {
		return nil, err
	}
	return &Server{
		cfg:   cfg,
		store: store,
		hub:   NewHub(),
		up: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}, nil
}

func (s *Server) Close() error {
	return s.store.Close()
}

// Router builds the relay's HTTP surface.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Route("/v1", func(r chi.Router) {
		r.Post("/call/start", s.handleStart)
		r.Post("/call/invite", s.handleInvite)
		r.Post("/call/joined", s.handleJoined)
		r.Post("/call/cancel", s.handleCancel)
		r.Post("/call/reject", s.handleReject)
		r.Post("/call/hangup", s.handleHangup)
		r.Get("/call/check/{roomID}", s.handleCheck)
		r.Get("/call/list", s.handleList)
		r.Get("/call/service-url", s.handleServiceURL)
		r.Get("/call/{roomID}/keys", s.handleKeys)
		r.Post("/keys", s.handleRegisterKey)
		r.Get("/stream", s.handleStream)
	})
	return r
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	uid, body, ok := s.controlBody(w, r)
	if !ok {
		return
	}

	room := storedRoom{
		RoomID:    body.RoomID,
		Type:      body.CallType,
		CallName:  body.CallName,
		CreatedAt: body.Timestamp,
	}
	if err := s.store.CreateRoom(r.Context(), room); err != nil {
		httpError(w, http.StatusInternalServerError, err)
		return
	}
	members := append(recipientsOf(body), uid)
	if err := s.store.AddMembers(r.Context(), body.RoomID, members); err != nil {
		httpError(w, http.StatusInternalServerError, err)
		return
	}

	s.fanOut(r.Context(), body)
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleInvite(w http.ResponseWriter, r *http.Request) {
	uid, body, ok := s.controlBody(w, r)
	if !ok {
		return
	}
	if _, err := s.store.GetRoom(r.Context(), body.RoomID); err != nil {
		httpError(w, http.StatusNotFound, err)
		return
	}
	members := append(recipientsOf(body), uid)
	if err := s.store.AddMembers(r.Context(), body.RoomID, members); err != nil {
		httpError(w, http.StatusInternalServerError, err)
		return
	}

	s.fanOut(r.Context(), body)
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleJoined(w http.ResponseWriter, r *http.Request) {
	uid, body, ok := s.controlBody(w, r)
	if !ok {
		return
	}
	err := s.store.UpdateRoom(r.Context(), body.RoomID, func(room *storedRoom) {
		for _, j := range room.Joined {
			if j == uid {
				return
			}
		}
		room.Joined = append(room.Joined, uid)
	})
	if err != nil {
		httpError(w, http.StatusNotFound, err)
		return
	}

	s.fanOut(r.Context(), body)
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	s.handleStop(w, r)
}

func (s *Server) handleHangup(w http.ResponseWriter, r *http.Request) {
	s.handleStop(w, r)
}

// handleStop marks the room stopped and fans the sealed notice out. The
// room record stays until TTL so late existence checks see the stop
// rather than a missing room.
func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	_, body, ok := s.controlBody(w, r)
	if !ok {
		return
	}
	err := s.store.UpdateRoom(r.Context(), body.RoomID, func(room *storedRoom) {
		room.UserStopped = true
	})
	if err != nil {
		log.Debug().Err(err).Str("room_id", body.RoomID).Msg("relay: stop for unknown room")
	}

	s.fanOut(r.Context(), body)
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	_, body, ok := s.controlBody(w, r)
	if !ok {
		return
	}
	s.fanOut(r.Context(), body)
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleCheck(w http.ResponseWriter, r *http.Request) {
	uid, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	roomID := chi.URLParam(r, "roomID")

	room, err := s.store.GetRoom(r.Context(), roomID)
	if err != nil {
		writeJSON(w, protocol.RoomState{Exists: false})
		return
	}

	joined := false
	for _, j := range room.Joined {
		if j == uid {
			joined = true
			break
		}
	}
	writeJSON(w, protocol.RoomState{
		Exists:              true,
		AnotherDeviceJoined: joined,
		UserStopped:         room.UserStopped,
		CreatedAt:           room.CreatedAt,
	})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	uid, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	rooms, err := s.store.RoomsFor(r.Context(), uid)
	if err != nil {
		httpError(w, http.StatusInternalServerError, err)
		return
	}
	if rooms == nil {
		rooms = []protocol.ActiveCall{}
	}
	writeJSON(w, rooms)
}

func (s *Server) handleServiceURL(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.authenticate(w, r); !ok {
		return
	}
	writeJSON(w, protocol.ServiceURL{URLs: s.cfg.ServiceURLs})
}

type registerKeyRequest struct {
	PublicKey string `json:"publicKey"`
}

func (s *Server) handleRegisterKey(w http.ResponseWriter, r *http.Request) {
	uid, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	var req registerKeyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, err)
		return
	}
	if _, err := helpers.DecodeHex(req.PublicKey); err != nil {
		httpError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.store.RegisterKey(r.Context(), uid, req.PublicKey); err != nil {
		httpError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// handleKeys returns the public keys for the requested room members.
// Without an explicit uids query it resolves every member except the
// requester.
func (s *Server) handleKeys(w http.ResponseWriter, r *http.Request) {
	uid, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	roomID := chi.URLParam(r, "roomID")

	var uids []string
	if q := r.URL.Query().Get("uids"); q != "" {
		uids = strings.Split(q, ",")
	} else {
		members, err := s.store.Members(r.Context(), roomID)
		if err != nil {
			httpError(w, http.StatusInternalServerError, err)
			return
		}
		for _, m := range members {
			if m != uid {
				uids = append(uids, m)
			}
		}
	}

	keys, err := s.store.GetKeys(r.Context(), uids)
	if err != nil {
		httpError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, keys)
}

// pushFrame is what the relay writes to a device socket.
type pushFrame struct {
	Ciphertext []byte `json:"ciphertext"`
}

// fanOut delivers each sealed message to its recipient, queueing for
// replay when the recipient is offline.
func (s *Server) fanOut(ctx context.Context, body *protocol.ControlCall) {
	for _, msg := range body.CipherMessages {
		raw, err := helpers.DecodeHex(msg.Ciphertext)
		if err != nil {
			log.Warn().Err(err).Str("recipient", msg.Recipient).Msg("relay: bad ciphertext encoding")
			continue
		}
		data, err := json.Marshal(pushFrame{Ciphertext: raw})
		if err != nil {
			continue
		}
		if s.hub.Deliver(msg.Recipient, data) {
			continue
		}
		if err := s.store.QueueFrame(ctx, msg.Recipient, data); err != nil {
			log.Warn().Err(err).Str("recipient", msg.Recipient).Msg("relay: failed to queue frame")
		}
	}
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	uid, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	conn, err := s.up.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("relay: upgrade failed")
		return
	}

	client := newHubClient(uid, conn)
	s.hub.register(client)
	go client.writeLoop()

	// Replay anything that arrived while the device was offline.
	if frames, err := s.store.DrainFrames(r.Context(), uid); err == nil {
		for _, frame := range frames {
			select {
			case client.sendQ <- frame:
			default:
			}
		}
	}

	conn.SetReadDeadline(time.Now().Add(clientPongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(clientPongWait))
		return nil
	})
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			break
		}
		s.relayRealtime(r.Context(), uid, raw)
	}
	s.hub.unregister(client)
}

// wsPublish is an inbound realtime frame from a device socket.
type wsPublish struct {
	RoomID  string   `json:"roomId"`
	Targets []string `json:"targets,omitempty"`
	Data    []byte   `json:"data"`
}

// relayRealtime forwards one realtime frame to its targets, or to every
// other room member when untargeted. Realtime traffic is fire and
// forget; offline members miss it.
func (s *Server) relayRealtime(ctx context.Context, sender string, raw []byte) {
	var pub wsPublish
	if err := json.Unmarshal(raw, &pub); err != nil {
		log.Warn().Err(err).Str("uid", sender).Msg("relay: dropping unparseable publish")
		return
	}
	if pub.RoomID == "" {
		return
	}
	if member, err := s.store.IsMember(ctx, pub.RoomID, sender); err != nil || !member {
		log.Warn().Str("uid", sender).Str("room_id", pub.RoomID).Msg("relay: publish from non-member dropped")
		return
	}

	var recipients []string
	if len(pub.Targets) > 0 {
		for _, t := range pub.Targets {
			recipients = append(recipients, accountOf(t))
		}
	} else {
		members, err := s.store.Members(ctx, pub.RoomID)
		if err != nil {
			log.Warn().Err(err).Str("room_id", pub.RoomID).Msg("relay: member lookup failed")
			return
		}
		recipients = members
	}

	frame, err := json.Marshal(struct {
		Realtime []byte `json:"realtime"`
	}{Realtime: pub.Data})
	if err != nil {
		return
	}
	for _, uid := range recipients {
		if uid == sender {
			continue
		}
		s.hub.Deliver(uid, frame)
	}
}

// accountOf strips the device part off a participant identity.
func accountOf(identity string) string {
	if i := strings.IndexByte(identity, '.'); i >= 0 {
		return identity[:i]
	}
	return identity
}

// controlBody authenticates the request and decodes its control call.
func (s *Server) controlBody(w http.ResponseWriter, r *http.Request) (string, *protocol.ControlCall, bool) {
	uid, ok := s.authenticate(w, r)
	if !ok {
		return "", nil, false
	}
	var body protocol.ControlCall
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		httpError(w, http.StatusBadRequest, err)
		return "", nil, false
	}
	if body.RoomID == "" {
		httpError(w, http.StatusBadRequest, protocol.ErrEmptyRoomID)
		return "", nil, false
	}
	return uid, &body, true
}

func (s *Server) authenticate(w http.ResponseWriter, r *http.Request) (string, bool) {
	auth := r.Header.Get("Authorization")
	uid := strings.TrimPrefix(auth, "Bearer ")
	if uid == "" || uid == auth {
		http.Error(w, "missing bearer token", http.StatusUnauthorized)
		return "", false
	}
	return uid, true
}

func recipientsOf(body *protocol.ControlCall) []string {
	out := make([]string, 0, len(body.CipherMessages))
	for _, msg := range body.CipherMessages {
		out = append(out, msg.Recipient)
	}
	return out
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn().Err(err).Msg("relay: failed to write response")
	}
}

func httpError(w http.ResponseWriter, code int, err error) {
	log.Warn().Err(err).Int("status", code).Msg("relay: request failed")
	http.Error(w, err.Error(), code)
}
