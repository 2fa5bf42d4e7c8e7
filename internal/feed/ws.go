package feed

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeTimeout     = 10 * time.Second
	handshakeTimeout = 10 * time.Second
	defaultReadIdle  = 90 * time.Second
)

// WSDialer dials gorilla websocket sessions.
type WSDialer struct {
	URL    string
	Header http.Header

	// PingInterval enables a keepalive. When PingPayload is set it is sent
	// as a text frame (venues with application-level pings), otherwise a
	// websocket ping control frame is used.
	PingInterval time.Duration
	PingPayload  []byte

	// ReadIdle is how long a session may go without any frame before the
	// read fails. Defaults to 90s.
	ReadIdle time.Duration
}

// Dial implements Dialer.
func (d *WSDialer) Dial(ctx context.Context) (Session, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: handshakeTimeout,
		Proxy:            http.ProxyFromEnvironment,
	}
	conn, resp, err := dialer.DialContext(ctx, d.URL, d.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: status %d: %w", d.URL, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("dial %s: %w", d.URL, err)
	}

	idle := d.ReadIdle
	if idle <= 0 {
		idle = defaultReadIdle
	}
	s := &wsSession{conn: conn, idle: idle, stop: make(chan struct{})}
	conn.SetReadDeadline(time.Now().Add(idle))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(idle))
	})

	if d.PingInterval > 0 {
		go s.keepalive(d.PingInterval, d.PingPayload)
	}
	return s, nil
}

type wsSession struct {
	conn *websocket.Conn
	idle time.Duration

	writeMu sync.Mutex
	once    sync.Once
	stop    chan struct{}
}

func (s *wsSession) Send(msg []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return s.conn.WriteMessage(websocket.TextMessage, msg)
}

func (s *wsSession) Read() ([]byte, error) {
	for {
		typ, data, err := s.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		s.conn.SetReadDeadline(time.Now().Add(s.idle))
		if typ == websocket.TextMessage || typ == websocket.BinaryMessage {
			return data, nil
		}
	}
}

func (s *wsSession) Close() error {
	var err error
	s.once.Do(func() {
		close(s.stop)
		s.writeMu.Lock()
		s.conn.SetWriteDeadline(time.Now().Add(time.Second))
		s.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		s.writeMu.Unlock()
		err = s.conn.Close()
	})
	return err
}

func (s *wsSession) keepalive(interval time.Duration, payload []byte) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
		}

		var err error
		if payload != nil {
			err = s.Send(payload)
		} else {
			s.writeMu.Lock()
			err = s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
			s.writeMu.Unlock()
		}
		if err != nil {
			// The read side observes the broken connection and reconnects.
			return
		}
	}
}
