package pageserve

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/gorilla/websocket"
)

const (
	statusWriteWait  = 5 * time.Second
	statusPongWait   = 60 * time.Second
	statusPingPeriod = statusPongWait * 9 / 10

	settingsDebounce = 100 * time.Millisecond
)

// MaintenanceStatus is the message pushed to status stream clients.
type MaintenanceStatus struct {
	MaintenanceMode bool `json:"maintenanceMode"`
}

// StatusHub streams maintenance state changes to WebSocket clients, so a
// 503 page can reload itself once maintenance ends.
type StatusHub struct {
	settingsFile string
	upgrader     websocket.Upgrader

	mu      sync.Mutex
	clients map[*websocket.Conn]struct{}
	last    MaintenanceStatus
	closed  bool
}

// NewStatusHub returns a hub reporting the state held in settingsFile.
func NewStatusHub(settingsFile string) *StatusHub {
	return &StatusHub{
		settingsFile: settingsFile,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		clients: make(map[*websocket.Conn]struct{}),
		last:    MaintenanceStatus{MaintenanceMode: LoadSettings(settingsFile).Maintenance()},
	}
}

// ServeHTTP upgrades the request and sends the current state, then every change.
func (h *StatusHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// the upgrader has already answered the client
		logger.Debug("Status stream upgrade failed", "error", err)
		return
	}

	current := MaintenanceStatus{MaintenanceMode: LoadSettings(h.settingsFile).Maintenance()}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		_ = conn.Close()
		return
	}
	err = writeStatus(conn, current)
	if err == nil {
		h.clients[conn] = struct{}{}
	}
	h.mu.Unlock()
	if err != nil {
		_ = conn.Close()
		return
	}

	go h.keepAlive(conn)
	h.readLoop(conn)
}

// readLoop discards client messages and unregisters the client when the connection ends.
func (h *StatusHub) readLoop(conn *websocket.Conn) {
	defer h.remove(conn)
	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(statusPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(statusPongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *StatusHub) keepAlive(conn *websocket.Conn) {
	ticker := time.NewTicker(statusPingPeriod)
	defer ticker.Stop()
	for range ticker.C {
		h.mu.Lock()
		_, ok := h.clients[conn]
		var err error
		if ok {
			err = conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(statusWriteWait))
		}
		h.mu.Unlock()
		if !ok || err != nil {
			return
		}
	}
}

func (h *StatusHub) remove(conn *websocket.Conn) {
	h.mu.Lock()
	delete(h.clients, conn)
	h.mu.Unlock()
	_ = conn.Close()
}

// Broadcast sends status to every client if it differs from the last broadcast state.
// Clients that cannot be written to are dropped.
func (h *StatusHub) Broadcast(status MaintenanceStatus) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed || status == h.last {
		return
	}
	h.last = status
	for conn := range h.clients {
		if err := writeStatus(conn, status); err != nil {
			logger.Debug("Dropping status client", "error", err)
			delete(h.clients, conn)
			_ = conn.Close()
		}
	}
	logger.Info("Maintenance state changed", "maintenance", status.MaintenanceMode, "clients", len(h.clients))
}

// Clients returns the number of connected clients.
func (h *StatusHub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close disconnects all clients with a going-away close frame.
func (h *StatusHub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")
	for conn := range h.clients {
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(statusWriteWait))
		_ = conn.Close()
		delete(h.clients, conn)
	}
}

// writeStatus must be called with the hub lock held; gorilla connections allow one writer at a time.
func writeStatus(conn *websocket.Conn, status MaintenanceStatus) error {
	payload, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("encode status: %w", err)
	}
	_ = conn.SetWriteDeadline(time.Now().Add(statusWriteWait))
	return conn.WriteMessage(websocket.TextMessage, payload)
}

// SettingsWatcher reloads the settings file when it changes on disk and
// hands the new maintenance state to a callback.
type SettingsWatcher struct {
	file   string
	delay  time.Duration
	fn     func(MaintenanceStatus)
	w      *fsnotify.Watcher
	closed chan struct{}
	once   sync.Once
}

// NewSettingsWatcher watches the directory holding file, so the file may be
// created, replaced or removed while watched.
func NewSettingsWatcher(file string, fn func(MaintenanceStatus)) (*SettingsWatcher, error) {
	abs, err := filepath.Abs(file)
	if err != nil {
		return nil, fmt.Errorf("resolve settings file: %w", err)
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := fw.Add(filepath.Dir(abs)); err != nil {
		_ = fw.Close()
		return nil, fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}
	return &SettingsWatcher{
		file:   abs,
		delay:  settingsDebounce,
		fn:     fn,
		w:      fw,
		closed: make(chan struct{}),
	}, nil
}

// Run dispatches change events until ctx is done or the watcher is closed.
// Bursts of events are coalesced into one reload after a short delay.
func (sw *SettingsWatcher) Run(ctx context.Context) error {
	defer sw.Close()

	timer := time.NewTimer(0)
	<-timer.C
	timerStarted := false
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-sw.closed:
			return nil
		case ev, ok := <-sw.w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != sw.file || ev.Op == fsnotify.Chmod {
				continue
			}
			if !timerStarted {
				timer.Reset(sw.delay)
				timerStarted = true
			}
		case err, ok := <-sw.w.Errors:
			if !ok {
				return nil
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				logger.Warn("Settings watcher overflow; reloading", "file", sw.file)
				if !timerStarted {
					timer.Reset(sw.delay)
					timerStarted = true
				}
				continue
			}
			return fmt.Errorf("settings watcher: %w", err)
		case <-timer.C:
			timerStarted = false
			res := LoadSettings(sw.file)
			if res.Err != nil {
				logger.Warn("Settings changed but could not be read", "error", res.Err)
			}
			sw.fn(MaintenanceStatus{MaintenanceMode: res.Maintenance()})
		}
	}
}

// Close stops the watcher. It is safe to call more than once.
func (sw *SettingsWatcher) Close() error {
	var err error
	sw.once.Do(func() {
		close(sw.closed)
		err = sw.w.Close()
	})
	return err
}
