package stream

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Conn is one physical connection. ReadMessage is only called from one goroutine;
// WriteJSON and Close may be called from any.
type Conn interface {
	ReadMessage() ([]byte, error)
	WriteJSON(v interface{}) error
	Close() error
}

// Dialer opens connections.
type Dialer interface {
	Dial(ctx context.Context, url string, header http.Header) (Conn, error)
}

type gorillaDialer struct {
	dialer       *websocket.Dialer
	writeTimeout time.Duration
	pingInterval time.Duration
}

// NewGorillaDialer dials with gorilla/websocket. A positive pingInterval keeps the
// connection alive with ping frames and treats a peer silent for two intervals as gone.
func NewGorillaDialer(handshakeTimeout, writeTimeout, pingInterval time.Duration) Dialer {
	return &gorillaDialer{
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: handshakeTimeout,
		},
		writeTimeout: writeTimeout,
		pingInterval: pingInterval,
	}
}

func (d *gorillaDialer) Dial(ctx context.Context, url string, header http.Header) (Conn, error) {
	ws, resp, err := d.dialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket handshake: status %d: %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("websocket dial: %w", err)
	}

	c := &gorillaConn{
		ws:           ws,
		writeTimeout: d.writeTimeout,
		done:         make(chan struct{}),
	}
	if d.pingInterval > 0 {
		c.pongWait = 2 * d.pingInterval
		_ = ws.SetReadDeadline(time.Now().Add(c.pongWait))
		ws.SetPongHandler(func(string) error {
			return ws.SetReadDeadline(time.Now().Add(c.pongWait))
		})
		go c.pingLoop(d.pingInterval)
	}
	return c, nil
}

type gorillaConn struct {
	ws           *websocket.Conn
	writeMu      sync.Mutex
	writeTimeout time.Duration
	pongWait     time.Duration
	done         chan struct{}
	closeOnce    sync.Once
}

func (c *gorillaConn) ReadMessage() ([]byte, error) {
	_, data, err := c.ws.ReadMessage()
	if err == nil && c.pongWait > 0 {
		_ = c.ws.SetReadDeadline(time.Now().Add(c.pongWait))
	}
	return data, err
}

func (c *gorillaConn) WriteJSON(v interface{}) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.writeTimeout > 0 {
		_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	return c.ws.WriteJSON(v)
}

func (c *gorillaConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		deadline := time.Now().Add(time.Second)
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		err = c.ws.Close()
	})
	return err
}

func (c *gorillaConn) pingLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.writeTimeout)); err != nil {
				// the read side will see the broken connection
				return
			}
		}
	}
}
