package main

import (
	"encoding/json"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

type Phase string

const (
	PhaseIdle     Phase = "idle"
	PhaseActive   Phase = "active"
	PhaseSpinning Phase = "spinning"
)

// activationThreshold is the roster size at which the game becomes playable.
const activationThreshold = 4

// Player is a roster entry. Addr is the origin address captured when the
// owning connection was accepted; it is only disclosed through a reveal.
type Player struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Addr     string `json:"addr"`
}

func (p Player) info() playerInfo {
	return playerInfo{ID: p.ID, Username: p.Username}
}

// roomState is the persisted aggregate: roster (in join order), phase,
// reveal history, and the epoch counter that invalidates stale reveals.
type roomState struct {
	Players  []Player
	Phase    Phase
	Revealed []string
	Epoch    uint64
}

func (s roomState) clone() roomState {
	next := s
	next.Players = append([]Player(nil), s.Players...)
	next.Revealed = append([]string(nil), s.Revealed...)
	return next
}

func (s roomState) infos() []playerInfo {
	infos := make([]playerInfo, 0, len(s.Players))
	for _, p := range s.Players {
		infos = append(infos, p.info())
	}
	return infos
}

type inboundEvent struct {
	client *Client
	env    clientEnvelope
}

// pendingReveal carries everything a reveal needs, captured at spin time.
// The epoch is compared against the room's current epoch when the timer
// fires; a mismatch means the room was reset or deactivated meanwhile.
type pendingReveal struct {
	epoch  uint64
	player Player
}

// Hub coordinates one room. All state mutations run on the single run()
// loop, which consumes registrations, disconnects, inbound envelopes, and
// reveal timer firings in arrival order, so no two mutations interleave.
type Hub struct {
	cfg   *Config
	name  string
	store Store

	clients map[*Client]bool
	state   roomState

	register chan *Client
	unreg    chan *Client
	events   chan inboundEvent
	reveals  chan pendingReveal

	spinTimer *time.Timer

	// drawIndex returns a uniform draw over [0, n); replaceable in tests.
	drawIndex func(n int) int
}

func newHub(cfg *Config, name string, store Store) (*Hub, error) {
	h := &Hub{
		cfg:       cfg,
		name:      name,
		store:     store,
		clients:   make(map[*Client]bool),
		register:  make(chan *Client),
		unreg:     make(chan *Client),
		events:    make(chan inboundEvent),
		reveals:   make(chan pendingReveal, 8),
		drawIndex: rand.IntN,
	}

	if err := h.loadState(); err != nil {
		return nil, err
	}

	// A restart while spinning loses the armed reveal timer, so the loaded
	// phase cannot be honored. Fall back and bump the epoch in case the
	// lost reveal somehow resurfaces.
	if h.state.Phase == PhaseSpinning {
		next := h.state.clone()
		if len(next.Players) >= activationThreshold {
			next.Phase = PhaseActive
		} else {
			next.Phase = PhaseIdle
		}
		next.Epoch++
		if err := h.saveState(next); err != nil {
			return nil, err
		}
		h.state = next
		logf(cfg, "GAMES: Dropped pending reveal for %s after restart", name)
	}

	return h, nil
}

func (h *Hub) run() {
	for {
		select {
		case c := <-h.register:
			h.handleRegister(c)

		case c := <-h.unreg:
			h.handleUnregister(c)

		case ev := <-h.events:
			h.handleEnvelope(ev.client, ev.env)

		case rev := <-h.reveals:
			h.handleReveal(rev)
		}
	}
}

func (h *Hub) handleEnvelope(c *Client, env clientEnvelope) {
	switch env.Event {
	case "join":
		var data joinData
		if err := json.Unmarshal(env.Data, &data); err != nil {
			logf(h.cfg, "GAMES: Malformed join payload in %s: %v", h.name, err)
			return
		}
		h.handleJoin(c, strings.TrimSpace(data.Username))

	case "leave":
		h.handleLeave(c)

	case "clearPlayers":
		h.handleClear(c)

	case "spin":
		h.handleSpin(c)
	}
}

// handleRegister attaches a fresh session and sends it the current state.
func (h *Hub) handleRegister(c *Client) {
	h.clients[c] = true

	h.send(c, serverEnvelope{
		Event: "gameState",
		Data: gameStateData{
			Players: h.state.infos(),
			Phase:   h.state.Phase,
		},
	})
}

func (h *Hub) handleUnregister(c *Client) {
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}

	if c.playerID != "" {
		h.detach(c)
	}
}

// handleJoin attaches an identity to the session and appends a roster
// entry. Empty usernames and sessions that already hold an identity are
// rejected without a reply.
func (h *Hub) handleJoin(c *Client, username string) {
	if username == "" {
		logf(h.cfg, "GAMES: Rejected join with empty username in %s", h.name)
		return
	}
	if c.playerID != "" {
		logf(h.cfg, "GAMES: Rejected duplicate join from %q in %s", username, h.name)
		return
	}

	player := Player{
		ID:       uuid.NewString(),
		Username: username,
		Addr:     c.originAddress,
	}

	next := h.state.clone()
	next.Players = append(next.Players, player)

	started := false
	if next.Phase == PhaseIdle && len(next.Players) >= activationThreshold {
		next.Phase = PhaseActive
		started = true
	}

	if err := h.saveState(next); err != nil {
		logf(h.cfg, "STORE: Failed to persist join of %q to %s: %v", username, h.name, err)
		return
	}
	h.state = next
	c.playerID = player.ID

	logf(h.cfg, "GAMES: Player %q joined %s", username, h.name)

	h.send(c, serverEnvelope{
		Event: "joined",
		Data: joinedData{
			ID:      player.ID,
			Players: h.state.infos(),
		},
	})

	h.broadcastExcept(serverEnvelope{
		Event: "userJoined",
		Data:  userData{ID: player.ID, Username: player.Username},
	}, c)

	if started {
		logf(h.cfg, "GAMES: Game started in %s with %d players", h.name, len(h.state.Players))
		h.broadcast(serverEnvelope{Event: "gameStarted", Data: struct{}{}})
	}
}

func (h *Hub) handleLeave(c *Client) {
	if c.playerID == "" {
		return
	}
	h.detach(c)
}

// detach removes the session's player from the roster, deactivating the
// game if the roster drops below threshold.
func (h *Hub) detach(c *Client) {
	var removed Player
	found := false

	next := h.state.clone()
	dst := next.Players[:0]
	for _, p := range next.Players {
		if p.ID == c.playerID {
			removed = p
			found = true
			continue
		}
		dst = append(dst, p)
	}
	next.Players = dst

	if !found {
		c.playerID = ""
		return
	}

	stopped := false
	if next.Phase != PhaseIdle && len(next.Players) < activationThreshold {
		next.Phase = PhaseIdle
		next.Epoch++
		stopped = true
	}

	if err := h.saveState(next); err != nil {
		logf(h.cfg, "STORE: Failed to persist departure of %q from %s: %v", removed.Username, h.name, err)
		return
	}
	h.state = next
	c.playerID = ""

	logf(h.cfg, "GAMES: Player %q left %s", removed.Username, h.name)

	h.broadcast(serverEnvelope{
		Event: "userLeft",
		Data:  userData{ID: removed.ID, Username: removed.Username},
	})

	if stopped {
		h.stopSpinTimer()
		logf(h.cfg, "GAMES: Game stopped in %s, %d players remain", h.name, len(h.state.Players))
		h.broadcast(serverEnvelope{
			Event: "gameStopped",
			Data:  gameStoppedData{Reason: "Not enough players"},
		})
	}
}

// handleClear is the hard reset: empty roster, empty reveal history, idle
// phase, bumped epoch. Valid from any phase.
func (h *Hub) handleClear(c *Client) {
	next := h.state.clone()
	next.Players = nil
	next.Revealed = nil
	next.Phase = PhaseIdle
	next.Epoch++

	if err := h.saveState(next); err != nil {
		logf(h.cfg, "STORE: Failed to persist reset of %s: %v", h.name, err)
		return
	}
	h.state = next
	h.stopSpinTimer()

	for cl := range h.clients {
		cl.playerID = ""
	}

	logf(h.cfg, "GAMES: Room %s reset", h.name)

	h.broadcast(serverEnvelope{
		Event: "gameReset",
		Data:  gameResetData{Message: "The room has been reset"},
	})
}

// handleSpin draws a player, broadcasts identical animation parameters to
// every client, and arms the delayed reveal.
func (h *Hub) handleSpin(c *Client) {
	if h.state.Phase != PhaseActive || len(h.state.Players) < activationThreshold {
		logf(h.cfg, "GAMES: Rejected spin in %s (phase %s, %d players)", h.name, h.state.Phase, len(h.state.Players))
		return
	}

	idx := h.drawIndex(len(h.state.Players))
	selected := h.state.Players[idx]
	rotation := h.rotationFor(idx, len(h.state.Players))

	next := h.state.clone()
	next.Phase = PhaseSpinning

	if err := h.saveState(next); err != nil {
		logf(h.cfg, "STORE: Failed to persist spin in %s: %v", h.name, err)
		return
	}
	h.state = next

	logf(h.cfg, "GAMES: Wheel in %s landed on %q", h.name, selected.Username)

	h.broadcast(serverEnvelope{
		Event: "wheelSpin",
		Data: wheelSpinData{
			SelectedPlayerID:    selected.ID,
			SelectedDisplayName: selected.Username,
			Rotation:            rotation,
		},
	})

	h.armReveal(pendingReveal{epoch: h.state.Epoch, player: selected})
}

// rotationFor computes the animation every client renders: a few full
// turns plus the angle that parks the pointer on the selected wedge.
func (h *Hub) rotationFor(idx, count int) rotationParams {
	wedge := 360.0 / float64(count)
	turns := 4 + h.drawIndex(3)

	return rotationParams{
		Turns:      turns,
		FinalAngle: float64(360*turns) + 360.0 - (float64(idx)+0.5)*wedge,
		DurationMs: h.cfg.spinDuration.Milliseconds(),
	}
}

func (h *Hub) armReveal(rev pendingReveal) {
	h.stopSpinTimer()
	h.spinTimer = time.AfterFunc(h.cfg.spinDelay, func() {
		h.reveals <- rev
	})
}

// stopSpinTimer is best effort; the epoch check in handleReveal is what
// actually guarantees a stale reveal never applies.
func (h *Hub) stopSpinTimer() {
	if h.spinTimer != nil {
		h.spinTimer.Stop()
		h.spinTimer = nil
	}
}

// handleReveal fires when the reveal delay elapses. The reveal only
// applies if the room's epoch still matches the one captured at spin time.
func (h *Hub) handleReveal(rev pendingReveal) {
	if rev.epoch != h.state.Epoch || h.state.Phase != PhaseSpinning {
		logf(h.cfg, "GAMES: Dropped stale reveal for %q in %s", rev.player.Username, h.name)
		return
	}

	next := h.state.clone()
	next.Revealed = append(next.Revealed, rev.player.ID)
	next.Phase = PhaseActive

	if err := h.saveState(next); err != nil {
		logf(h.cfg, "STORE: Failed to persist reveal in %s: %v", h.name, err)
		return
	}
	h.state = next
	h.spinTimer = nil

	logf(h.cfg, "GAMES: Revealed %s for %q in %s", rev.player.Addr, rev.player.Username, h.name)

	h.broadcast(serverEnvelope{
		Event: "ipRevealed",
		Data: ipRevealedData{
			PlayerID:      rev.player.ID,
			DisplayName:   rev.player.Username,
			OriginAddress: rev.player.Addr,
		},
	})
}

// send delivers one envelope, pruning the session if its buffer is full.
// Only the session is pruned; the roster entry stays until the transport
// reports the connection closed.
func (h *Hub) send(c *Client, env serverEnvelope) {
	select {
	case c.send <- env:
	default:
		delete(h.clients, c)
		close(c.send)
	}
}

func (h *Hub) broadcast(env serverEnvelope) {
	for c := range h.clients {
		h.send(c, env)
	}
}

func (h *Hub) broadcastExcept(env serverEnvelope, skip *Client) {
	for c := range h.clients {
		if c == skip {
			continue
		}
		h.send(c, env)
	}
}

// Persistence. The four logical fields are stored separately, keyed by
// room name. Handlers persist a candidate state before swapping it in, so
// a storage failure never leaves memory ahead of disk.

func (h *Hub) key(field string) string {
	return h.name + ":" + field
}

func (h *Hub) saveState(s roomState) error {
	fields := []struct {
		key   string
		value any
	}{
		{"players", s.Players},
		{"phase", s.Phase},
		{"revealed", s.Revealed},
		{"epoch", s.Epoch},
	}

	for _, f := range fields {
		data, err := json.Marshal(f.value)
		if err != nil {
			return err
		}
		if err := h.store.Put(h.key(f.key), data); err != nil {
			return err
		}
	}

	return nil
}

func (h *Hub) loadState() error {
	s := roomState{Phase: PhaseIdle}

	if data, err := h.store.Get(h.key("players")); err != nil {
		return err
	} else if data != nil {
		if err := json.Unmarshal(data, &s.Players); err != nil {
			return err
		}
	}

	if data, err := h.store.Get(h.key("phase")); err != nil {
		return err
	} else if data != nil {
		if err := json.Unmarshal(data, &s.Phase); err != nil {
			return err
		}
	}

	if data, err := h.store.Get(h.key("revealed")); err != nil {
		return err
	} else if data != nil {
		if err := json.Unmarshal(data, &s.Revealed); err != nil {
			return err
		}
	}

	if data, err := h.store.Get(h.key("epoch")); err != nil {
		return err
	} else if data != nil {
		if err := json.Unmarshal(data, &s.Epoch); err != nil {
			return err
		}
	}

	h.state = s

	return nil
}

// RoomSet is the registry that maps a room name to its coordinator,
// creating and starting one on first lookup.
type RoomSet struct {
	mu    sync.Mutex
	rooms map[string]*Hub
	cfg   *Config
	store Store
}

func newRoomSet(cfg *Config, store Store) *RoomSet {
	return &RoomSet{
		rooms: make(map[string]*Hub),
		cfg:   cfg,
		store: store,
	}
}

func (rs *RoomSet) get(name string) (*Hub, error) {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if hub, ok := rs.rooms[name]; ok {
		return hub, nil
	}

	hub, err := newHub(rs.cfg, name, rs.store)
	if err != nil {
		return nil, err
	}

	rs.rooms[name] = hub
	go hub.run()

	return hub, nil
}
