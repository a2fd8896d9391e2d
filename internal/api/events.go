package api

import (
	"encoding/hex"
	"time"

	"github.com/nerrad567/modbus-sniffer-bridge/internal/bridges/modbus"
)

// RegisterEvent is the payload of a register.value broadcast.
type RegisterEvent struct {
	SessionID  string    `json:"session_id"`
	Key        string    `json:"key"`
	Topic      string    `json:"topic"`
	Datatype   string    `json:"datatype"`
	Payload    string    `json:"payload"`
	RawHex     string    `json:"raw_hex"`
	CapturedAt time.Time `json:"captured_at"`
}

// BroadcastObservation relays a confirmed register publish to clients
// subscribed to register.value and remembers it for late subscribers.
// It matches the bridge's observation hook.
func (s *Server) BroadcastObservation(obs modbus.Observation) {
	s.hub.PublishRegister(RegisterEvent{
		SessionID:  obs.SessionID,
		Key:        obs.Entry.Key,
		Topic:      obs.Entry.StateTopic(),
		Datatype:   obs.Entry.Datatype,
		Payload:    string(modbus.FormatValue(obs.Value)),
		RawHex:     hex.EncodeToString(obs.Raw),
		CapturedAt: obs.CapturedAt,
	})
}

// BroadcastSessionFinished relays the session outcome to clients
// subscribed to session.finished. It matches the bridge's finish hook.
func (s *Server) BroadcastSessionFinished(sum modbus.Summary) {
	s.hub.PublishSession(sum)
}
