// Package wsmock is a minimal graphql-transport-ws server for subscription
// tests, built directly on github.com/gobwas/ws's raw frame API rather than
// a higher-level websocket server — deliberately not the same library the
// production subscription transport dials with (github.com/coder/websocket),
// so a test never silently agrees with its own client's bugs.
package wsmock

import (
	"net"
	"net/http"
	"net/http/httptest"
	"sync"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// Server accepts one graphql-transport-ws connection at a time and lets a
// test script exactly which frames it sends back.
type Server struct {
	httpServer *httptest.Server

	mu   sync.Mutex
	conn net.Conn
}

func NewServer() *Server {
	s := &Server{}
	s.httpServer = httptest.NewServer(http.HandlerFunc(s.handle))
	return s
}

func (s *Server) URL() string { return s.httpServer.URL }

func (s *Server) Close() { s.httpServer.Close() }

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		return
	}
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
}

// ReadMessage blocks for the next text frame a client sends (connection_init,
// subscribe, etc).
func (s *Server) ReadMessage() (string, error) {
	conn := s.currentConn()
	if conn == nil {
		return "", net.ErrClosed
	}
	msg, _, err := wsutil.ReadClientData(conn)
	return string(msg), err
}

// SendMessage writes one text frame to the client (a `connection_ack`,
// `next`, or `complete` payload).
func (s *Server) SendMessage(payload string) error {
	conn := s.currentConn()
	if conn == nil {
		return net.ErrClosed
	}
	return wsutil.WriteServerMessage(conn, ws.OpText, []byte(payload))
}

func (s *Server) currentConn() net.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}
