// Package bus fans runtime event frames out to in-process subscribers,
// decoupling the agent runtime from the websocket gateway.
package bus

import "github.com/openagency/agencyd/pkg/protocol"

// Handler receives one broadcast frame. Handlers must not block: the
// websocket layer hands frames to a buffered per-client send queue.
type Handler func(protocol.EventFrame)

// EventPublisher abstracts event broadcast + subscription. Used by the
// gateway server and the runtime to decouple from the concrete Bus.
type EventPublisher interface {
	Subscribe(id string, h Handler)
	Unsubscribe(id string)
	Broadcast(frame protocol.EventFrame)
}
