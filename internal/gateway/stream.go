package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/meshtalk/callkit/internal/encryption"
	"github.com/meshtalk/callkit/internal/protocol"
)

const (
	reconnectBase = time.Second
	reconnectMax  = 30 * time.Second
	pongWait      = 60 * time.Second
	pingPeriod    = 25 * time.Second
	writeTimeout  = 10 * time.Second
)

// streamFrame is one relay push: either a control message sealed to
// this device or a relayed realtime frame.
type streamFrame struct {
	Ciphertext []byte `json:"ciphertext,omitempty"`
	Realtime   []byte `json:"realtime,omitempty"`
}

// streamPublish is what the client writes up the socket to reach other
// room participants.
type streamPublish struct {
	RoomID  string   `json:"roomId"`
	Targets []string `json:"targets,omitempty"`
	Data    []byte   `json:"data"`
}

// EnvelopeHandler receives each decrypted inbound control envelope in
// arrival order.
type EnvelopeHandler func(ctx context.Context, env *protocol.Envelope)

// RealtimeHandler receives each relayed realtime frame as-is.
type RealtimeHandler func(data []byte)

var ErrNotConnected = errors.New("gateway: stream not connected")

// Stream maintains the websocket to the relay: it turns pushes into
// decrypted envelopes or realtime frames, and carries outbound realtime
// publishes. It reconnects with backoff until the context is cancelled.
type Stream struct {
	url        string
	authToken  string
	privateKey []byte
	onEnvelope EnvelopeHandler
	onRealtime RealtimeHandler

	backoffBase time.Duration

	mu     sync.Mutex
	conn   *websocket.Conn
	roomID string
}

func NewStream(url, authToken string, privateKey []byte, onEnvelope EnvelopeHandler, onRealtime RealtimeHandler) *Stream {
	return &Stream{
		url:         url,
		authToken:   authToken,
		privateKey:  privateKey,
		onEnvelope:  onEnvelope,
		onRealtime:  onRealtime,
		backoffBase: reconnectBase,
	}
}

// SetRoom attaches outbound realtime publishes to a room.
func (s *Stream) SetRoom(roomID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.roomID = roomID
}

// Publish sends a realtime frame to the given identities, or to the
// whole room when identities is empty. Satisfies rtm.Publisher.
func (s *Stream) Publish(_ context.Context, identities []string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return ErrNotConnected
	}
	raw, err := json.Marshal(streamPublish{
		RoomID:  s.roomID,
		Targets: identities,
		Data:    data,
	})
	if err != nil {
		return err
	}
	s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return s.conn.WriteMessage(websocket.TextMessage, raw)
}

// Run blocks until ctx is cancelled, reconnecting on every failure.
// The backoff only grows across consecutive failed dials; a connection
// that was established resets it, so a dropped long-lived session
// redials promptly.
func (s *Stream) Run(ctx context.Context) {
	backoff := s.backoffBase
	for {
		connected, err := s.connectAndRead(ctx)
		if err != nil {
			log.Warn().Err(err).Dur("retry_in", backoff).Msg("stream: connection lost")
		}
		if connected {
			backoff = s.backoffBase
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > reconnectMax {
			backoff = reconnectMax
		}
	}
}

func (s *Stream) connectAndRead(ctx context.Context) (bool, error) {
	header := make(map[string][]string)
	if s.authToken != "" {
		header["Authorization"] = []string{"Bearer " + s.authToken}
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.url, header)
	if err != nil {
		return false, err
	}
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.conn = nil
		s.mu.Unlock()
		conn.Close()
	}()
	log.Info().Str("url", s.url).Msg("stream: connected")

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	done := make(chan struct{})
	defer close(done)
	go s.keepAlive(ctx, conn, done)

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return true, err
		}
		s.dispatch(ctx, raw)
	}
}

func (s *Stream) keepAlive(ctx context.Context, conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			conn.Close()
			return
		case <-done:
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				conn.Close()
				return
			}
		}
	}
}

// dispatch decrypts and decodes one push. Undecodable frames are
// dropped; the stream stays up.
func (s *Stream) dispatch(ctx context.Context, raw []byte) {
	var frame streamFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		log.Warn().Err(err).Msg("stream: dropping unparseable frame")
		return
	}

	if len(frame.Realtime) > 0 {
		if s.onRealtime != nil {
			s.onRealtime(frame.Realtime)
		}
		return
	}

	plain, err := encryption.OpenWithPrivateKey(s.privateKey, frame.Ciphertext)
	if err != nil {
		log.Warn().Err(err).Msg("stream: dropping undecryptable frame")
		return
	}

	var env protocol.Envelope
	if err := env.Unmarshal(plain); err != nil {
		log.Warn().Err(err).Msg("stream: dropping malformed envelope")
		return
	}
	s.onEnvelope(ctx, &env)
}
