package api

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nerrad567/bioreactor-core/internal/bus"
)

// JobStateEvent is the payload of job.state events.
type JobStateEvent struct {
	Job   string `json:"job"`
	State string `json:"state"`
}

// UnitHeartbeatEvent is the payload of cluster.heartbeat events. A JSON
// heartbeat is passed through as Payload; the bare "lost" and "offline"
// markers arrive as Presence. Both empty means the heartbeat was cleared.
type UnitHeartbeatEvent struct {
	Unit     string          `json:"unit"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	Presence string          `json:"presence,omitempty"`
}

// subscribeStatusUpdates relays this unit's job states and heartbeats and
// every unit's cluster heartbeat to the hub.
func (s *Server) subscribeStatusUpdates(ctx context.Context) error {
	if s.bus == nil {
		return nil
	}
	relays := map[string]bus.Handler{
		s.topics.AllJobStates():      s.relayJobState,
		s.topics.AllJobHeartbeats():  s.relayJobHeartbeat,
		s.topics.AllUnitHeartbeats(): s.relayUnitHeartbeat,
	}
	for pattern, h := range relays {
		sub, err := s.bus.Subscribe(ctx, pattern, h, bus.SubscribeOptions{QoS: 1})
		if err != nil {
			return fmt.Errorf("subscribing to %s: %w", pattern, err)
		}
		s.subs = append(s.subs, sub)
	}
	return nil
}

// relayJobState handles <exp>/<unit>/<job>/$state.
func (s *Server) relayJobState(m bus.Message) {
	levels := strings.Split(m.Topic, "/")
	if len(levels) < 3 || len(m.Payload) == 0 {
		return
	}
	s.hub.Broadcast(ChannelJobState, JobStateEvent{Job: levels[2], State: string(m.Payload)})
}

func (s *Server) relayJobHeartbeat(m bus.Message) {
	if json.Valid(m.Payload) {
		s.hub.Broadcast(ChannelJobHeartbeat, json.RawMessage(m.Payload))
	}
}

func (s *Server) relayUnitHeartbeat(m bus.Message) {
	unit, ok := s.topics.ParseUnitHeartbeat(m.Topic)
	if !ok {
		return
	}
	ev := UnitHeartbeatEvent{Unit: unit}
	switch {
	case len(m.Payload) == 0:
	case json.Valid(m.Payload):
		ev.Payload = json.RawMessage(m.Payload)
	default:
		ev.Presence = string(m.Payload)
	}
	s.hub.Broadcast(ChannelClusterHeartbeat, ev)
}
