package stream

import (
	"errors"
	"net/http"
	"time"

	"MarketGate/internal/domain/models"
	xhttp "MarketGate/pkg/http"
)

// State is the connection state of a Manager.
type State string

const (
	StateDisconnected  State = "disconnected"
	StateConnecting    State = "connecting"
	StateConnected     State = "connected"
	StateDisconnecting State = "disconnecting"
	StateError         State = "error"
)

var (
	ErrClosed     = errors.New("stream: manager closed")
	ErrSuperseded = errors.New("stream: connect superseded by disconnect")
)

// Handler receives events for one subscription. Both methods are called from the
// manager's single dispatcher goroutine, never concurrently.
type Handler interface {
	HandleMessage(ev *models.StreamEvent)
	// HandleError receives connection-scoped failures, e.g. a ConnectivityError
	// once reconnect attempts are exhausted.
	HandleError(err error)
}

// HandlerFuncs adapts plain functions to Handler. Nil members are skipped.
type HandlerFuncs struct {
	OnMessage func(ev *models.StreamEvent)
	OnError   func(err error)
}

func (h HandlerFuncs) HandleMessage(ev *models.StreamEvent) {
	if h.OnMessage != nil {
		h.OnMessage(ev)
	}
}

func (h HandlerFuncs) HandleError(err error) {
	if h.OnError != nil {
		h.OnError(err)
	}
}

// command is the outbound subscribe protocol message.
type command struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     uint64   `json:"id"`
}

const (
	methodSubscribe   = "SUBSCRIBE"
	methodUnsubscribe = "UNSUBSCRIBE"
)

// Config configures a Manager.
type Config struct {
	URL    string
	Header http.Header
	// Token, when set, is called on every dial and sent as a bearer credential.
	Token func() string

	Backoff              xhttp.Backoff
	MaxReconnectAttempts int

	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	PingInterval     time.Duration
	BufferSize       int
}

func (c *Config) setDefaults() {
	if c.Backoff.Base <= 0 {
		c.Backoff = xhttp.NewBackoff(500*time.Millisecond, 30*time.Second)
	}
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.BufferSize <= 0 {
		c.BufferSize = 1024
	}
}

// SubscriptionStats describes one subscription.
type SubscriptionStats struct {
	Stream   string `json:"stream"`
	Active   bool   `json:"active"`
	Messages uint64 `json:"messages"`
	Errors   uint64 `json:"errors"`
}

// Stats is a snapshot of the manager.
type Stats struct {
	State             State               `json:"state"`
	URL               string              `json:"url"`
	ReconnectAttempts int                 `json:"reconnectAttempts"`
	Reconnects        uint64              `json:"reconnects"`
	Subscriptions     []SubscriptionStats `json:"subscriptions"`
}
