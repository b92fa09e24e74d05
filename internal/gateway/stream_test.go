package gateway

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/meshtalk/callkit/internal/protocol"
)

func TestBackoffResetsAfterConnect(t *testing.T) {
	conns := make(chan struct{}, 16)
	up := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conns <- struct{}{}
		conn.Close()
	}))
	defer srv.Close()

	s := NewStream("ws"+strings.TrimPrefix(srv.URL, "http"), "", nil, func(context.Context, *protocol.Envelope) {}, nil)
	s.backoffBase = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	// The server drops every connection right after the handshake. Each
	// dial succeeds, so the redial delay stays near the base interval;
	// a backoff that kept doubling would push later redials past the
	// per-connection deadline below.
	for i := 0; i < 6; i++ {
		select {
		case <-conns:
		case <-time.After(250 * time.Millisecond):
			t.Fatalf("connection %d never arrived", i)
		}
	}
}
