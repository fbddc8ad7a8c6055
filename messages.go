package main

import (
	"encoding/json"
)

// Every message on the wire, in either direction, is an {event, data} envelope.

// clientEnvelope is an inbound message; data stays raw until the event is routed.
type clientEnvelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// serverEnvelope is an outbound message.
type serverEnvelope struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// Inbound event payloads

type joinData struct {
	Username string `json:"username"`
}

// Outbound event payloads

// playerInfo is the roster entry clients are allowed to see. Origin
// addresses only ever leave the server inside an ipRevealed event.
type playerInfo struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

// gameStateData is sent once to each client on connect.
type gameStateData struct {
	Players []playerInfo `json:"players"`
	Phase   Phase        `json:"phase"`
}

// joinedData acknowledges a successful join to the joining client only.
type joinedData struct {
	ID      string       `json:"id"`
	Players []playerInfo `json:"players"`
}

// userData announces a roster change (userJoined / userLeft).
type userData struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

// rotationParams describes the wheel animation every client renders. The
// server computes these once per spin so all clients animate identically.
type rotationParams struct {
	Turns      int     `json:"turns"`
	FinalAngle float64 `json:"finalAngle"`
	DurationMs int64   `json:"durationMs"`
}

type wheelSpinData struct {
	SelectedPlayerID    string         `json:"selectedPlayerId"`
	SelectedDisplayName string         `json:"selectedDisplayName"`
	Rotation            rotationParams `json:"rotationParameters"`
}

type ipRevealedData struct {
	PlayerID      string `json:"playerId"`
	DisplayName   string `json:"displayName"`
	OriginAddress string `json:"originAddress"`
}

type gameStoppedData struct {
	Reason string `json:"reason"`
}

type gameResetData struct {
	Message string `json:"message"`
}
