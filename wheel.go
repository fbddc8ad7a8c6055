// ShreckedRoulette
//
// A single shared room where connected players gamble with their privacy.
// Players join with a username; once four are present, anyone may spin the
// wheel. The server draws one player uniformly at random, broadcasts the
// same wheel animation to every client, and after a fixed delay reveals
// the selected player's IP address to the whole room.
//
// Features:
// - One named persistent room served at /wheel/ws
// - Roster, phase, and reveal history survive restarts (bbolt-backed)
// - All randomness and animation parameters computed server-side, so every
//   client renders the identical spin
// - Epoch counter cancels a pending reveal if the room resets mid-spin
// - In-browser QR button to share the room URL, backed by go-qrcode

package main

import (
	"encoding/json"
	"io"
	"log"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
	"github.com/skip2/go-qrcode"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Client is one live connection: the transport handle, its outbound
// buffer, and the origin address captured at accept time. playerID is
// owned by the hub loop and set once an identity is attached.
type Client struct {
	conn          *websocket.Conn
	send          chan serverEnvelope
	originAddress string
	playerID      string
}

func (c *Client) readPump(h *Hub) {
	defer func() {
		h.unreg <- c
		_ = c.conn.Close()
	}()

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		// Unparseable envelopes are dropped; the connection stays open.
		var env clientEnvelope
		if err := json.Unmarshal(raw, &env); err != nil {
			continue
		}

		switch env.Event {
		case "join", "leave", "clearPlayers", "spin":
			h.events <- inboundEvent{
				client: c,
				env:    env,
			}
		default:
			// ignore unknown events
		}
	}
}

func (c *Client) writePump() {
	defer c.conn.Close()

	for env := range c.send {
		if err := c.conn.WriteJSON(env); err != nil {
			return
		}
	}
}

// serveWS upgrades the connection and hands it to the room coordinator.
func serveWS(cfg *Config, rooms *RoomSet) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		hub, err := rooms.get(cfg.room)
		if err != nil {
			http.Error(w, "room unavailable", http.StatusInternalServerError)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Println("upgrade error:", err)
			return
		}

		client := &Client{
			conn:          conn,
			send:          make(chan serverEnvelope, 8),
			originAddress: realIP(r),
		}

		hub.register <- client

		go client.writePump()
		client.readPump(hub)
	}
}

// qrHandler generates a PNG QR code for the room URL using go-qrcode.
func qrHandler(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	// Derive scheme (respecting TLS and X-Forwarded-Proto if present).
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = proto
	}

	// We are at /wheel/qr; strip trailing "/qr" to get the room URL.
	path := strings.TrimSuffix(r.URL.Path, "/qr")

	url := scheme + "://" + r.Host + path

	const qrSize = 320 // mobile-friendly size
	png, err := qrcode.Encode(url, qrcode.Medium, qrSize)
	if err != nil {
		http.Error(w, "qr generation failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "image/png")
	_, _ = w.Write(png)
}

func serveWheelPage(cfg *Config) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		securityHeaders(cfg, w)

		_, _ = io.WriteString(w, newPage("ShreckedRoulette",
			"The wheel is spinning at "+cfg.prefix+"/wheel/ws. Point a game client here."))
	}
}

// registerWheelGame sets up routes so that:
//   - $path       → informational page
//   - $path/ws    → WebSocket into the shared room
//   - $path/qr    → PNG QR code for the room URL
//
// The room itself is created eagerly so that a corrupt or unreadable
// state database surfaces at startup instead of on first connect.
func registerWheelGame(cfg *Config, path string, mux *httprouter.Router, store Store) error {
	rooms := newRoomSet(cfg, store)

	if _, err := rooms.get(cfg.room); err != nil {
		return err
	}

	mux.GET(cfg.prefix+path, serveWheelPage(cfg))

	mux.GET(cfg.prefix+path+"/ws", serveWS(cfg, rooms))

	mux.GET(cfg.prefix+path+"/qr", qrHandler)

	return nil
}
