// Package display serves the companion page over a websocket. The page is
// both the media playback surface the rate controller drives and the
// consumer of the telemetry feed.
package display

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"net"
	"net/http"
	"sync"
	"time"

	"codeberg.org/mutker/rowstate/internal/errors"
	"codeberg.org/mutker/rowstate/internal/logger"
	"github.com/gorilla/websocket"
)

const (
	writeTimeout    = 200 * time.Millisecond
	shutdownTimeout = 5 * time.Second
	maxMessageSize  = 4096
)

var upgrader = websocket.Upgrader{
	// The page is served from anywhere on the local machine, usually file://.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Handlers receive control messages from the page. Nil handlers are
// skipped.
type Handlers struct {
	Baseline  func(spm float64)
	Metronome func(enabled bool)
	Player    func(PlayerEvent)
	Volume    func(v float64)
	// Connect and Disconnect receive the device name, "rower" or
	// "heart_rate".
	Connect    func(device string)
	Disconnect func(device string)
}

type client struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *client) write(msg []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, msg)
}

// Hub fans messages out to every connected page.
type Hub struct {
	log      logger.Logger
	handlers Handlers

	mu      sync.Mutex
	clients map[*client]struct{}
	state   State
}

// New creates a Hub. state is the initial player state.
func New(state State, handlers Handlers, log logger.Logger) *Hub {
	return &Hub{
		log:      log.With("display"),
		handlers: handlers,
		clients:  make(map[*client]struct{}),
		state:    state,
	}
}

// Clients returns the number of connected pages.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *Hub) snapshot() []*client {
	h.mu.Lock()
	defer h.mu.Unlock()
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	return clients
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	h.mu.Unlock()
	if ok {
		_ = c.conn.Close()
	}
}

// Broadcast sends a typed message to every page and returns ErrNoClients if
// nobody received it.
func (h *Hub) Broadcast(typ string, data any) error {
	errFactory := errors.New()

	msg, err := encode(typ, data)
	if err != nil {
		return errFactory.Wrap(ErrEncode, err)
	}

	sent := 0
	for _, c := range h.snapshot() {
		if err := c.write(msg); err != nil {
			h.log.Debug().Err(err).Msg("Dropping client")
			h.remove(c)
			continue
		}
		sent++
	}
	if sent == 0 {
		return errFactory.WithData(ErrNoClients, typ)
	}

	return nil
}

// SetPlaybackRate asks the page to play at rate.
func (h *Hub) SetPlaybackRate(rate float64) error {
	h.mu.Lock()
	h.state.Rate = rate
	h.mu.Unlock()
	return h.Broadcast(TypeRate, rate)
}

// Play asks the page to start playback.
func (h *Hub) Play() error {
	return h.Broadcast(TypePlay, nil)
}

// Pause asks the page to pause playback.
func (h *Hub) Pause() error {
	return h.Broadcast(TypePause, nil)
}

// Paused reports the last playback state the page reported.
func (h *Hub) Paused() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state.Paused
}

// SetVolume asks the page to set the video volume.
func (h *Hub) SetVolume(v float64) error {
	h.mu.Lock()
	h.state.Volume = v
	h.mu.Unlock()
	return h.Broadcast(TypeVolume, v)
}

// SetBaseline records the baseline shown to newly connected pages.
func (h *Hub) SetBaseline(spm float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.state.Baseline = spm
}

// SetMetronome records the metronome state shown to newly connected pages.
func (h *Hub) SetMetronome(enabled bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.state.Metronome = enabled
}

// State returns the current player state.
func (h *Hub) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// ServeHTTP upgrades the request and serves the page until it disconnects.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug().Err(err).Msg("Upgrade failed")
		return
	}
	conn.SetReadLimit(maxMessageSize)

	c := &client{conn: conn}
	msg, err := encode(TypeState, h.State())
	if err == nil {
		err = c.write(msg)
	}
	if err != nil {
		_ = conn.Close()
		return
	}

	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	h.log.Info().Str("remote", r.RemoteAddr).Msg("Display connected")

	defer func() {
		h.remove(c)
		h.log.Info().Str("remote", r.RemoteAddr).Msg("Display disconnected")
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if err := h.handle(data); err != nil {
			h.log.Debug().Err(err).Msg("Ignoring message")
		}
	}
}

func (h *Hub) handle(data []byte) error {
	errFactory := errors.New()

	var in inbound
	if err := json.Unmarshal(data, &in); err != nil {
		return errFactory.Wrap(ErrBadMessage, err)
	}

	switch in.Type {
	case TypeBaseline:
		if in.Value == nil {
			return errFactory.WithData(ErrBadMessage, "baseline without value")
		}
		if h.handlers.Baseline != nil {
			h.handlers.Baseline(*in.Value)
		}
	case TypeMetronome:
		if in.Enabled == nil {
			return errFactory.WithData(ErrBadMessage, "metronome without enabled")
		}
		h.SetMetronome(*in.Enabled)
		if h.handlers.Metronome != nil {
			h.handlers.Metronome(*in.Enabled)
		}
	case TypeVolume:
		if in.Value == nil {
			return errFactory.WithData(ErrBadMessage, "volume without value")
		}
		if h.handlers.Volume != nil {
			h.handlers.Volume(*in.Value)
		}
	case TypePlayer:
		switch in.Event {
		case EventPlay, EventPause:
			h.mu.Lock()
			h.state.Paused = in.Event == EventPause
			h.mu.Unlock()
		case EventError:
		default:
			return errFactory.WithData(ErrBadMessage, "unknown player event "+in.Event)
		}
		if h.handlers.Player != nil {
			h.handlers.Player(PlayerEvent{Event: in.Event, Message: in.Message})
		}
	case TypeConnect, TypeDisconnect:
		if in.Device == "" {
			return errFactory.WithData(ErrBadMessage, in.Type+" without device")
		}
		handler := h.handlers.Connect
		if in.Type == TypeDisconnect {
			handler = h.handlers.Disconnect
		}
		if handler != nil {
			handler(in.Device)
		}
	default:
		return errFactory.WithData(ErrBadMessage, "unknown type "+in.Type)
	}

	return nil
}

// Close disconnects every page.
func (h *Hub) Close() {
	for _, c := range h.snapshot() {
		h.remove(c)
	}
}

// Serve listens on addr and serves the websocket at /ws until ctx is done.
func (h *Hub) Serve(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.New().Wrap(ErrListen, err)
	}
	return h.serve(ctx, ln)
}

func (h *Hub) serve(ctx context.Context, ln net.Listener) error {
	mux := http.NewServeMux()
	mux.Handle("/ws", h)

	server := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		h.log.Info().Str("addr", ln.Addr().String()).Msg("Display listening")
		errCh <- server.Serve(ln)
	}()

	select {
	case err := <-errCh:
		return errors.New().Wrap(ErrListen, err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	// Hijacked websocket connections are not tracked by Shutdown.
	h.Close()
	if err := server.Shutdown(shutdownCtx); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
		return errors.New().Wrap(ErrListen, err)
	}
	return nil
}
