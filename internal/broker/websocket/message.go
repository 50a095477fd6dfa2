// Package websocket implements the real-time pub/sub hub that pushes
// broker events to connected UI clients. It uses gorilla/websocket under
// the hood and exposes a topic-based broadcast API fed by the event
// router's firehose subscription.
//
// Topic naming convention:
//
//	command:<uuid>  — the event stream of one dispatched command
//	project:<uuid>  — everything happening to a project
//	runners         — runner online/offline transitions and heartbeats
package websocket

import (
	"github.com/codyde/sentryvibe/internal/protocol"
)

// TopicRunners is the shared presence topic every dashboard subscribes to.
const TopicRunners = "runners"

// TopicCommand names the per-command topic.
func TopicCommand(commandID string) string { return "command:" + commandID }

// TopicProject names the per-project topic.
func TopicProject(projectID string) string { return "project:" + projectID }

// Message is the envelope for every WebSocket frame sent to UI clients.
// The UI deserializes this struct and dispatches on Event.Type.
//
// JSON example:
//
//	{"topic":"command:018f...","event":{"type":"log-chunk","payload":{...}}}
type Message struct {
	// Topic is the pub/sub channel this message was published on. Clients
	// use it to associate the update with the correct UI element.
	Topic string `json:"topic"`

	// Event is the broker event, unchanged from the runner wire format so
	// the UI and the runner speak the same schema.
	Event *protocol.Event `json:"event"`
}

// RunnerPresence is the payload of synthetic runner-status messages the
// bridge publishes on attach and detach, before any heartbeat arrives.
type RunnerPresence struct {
	RunnerID string `json:"runnerId"`
	Online   bool   `json:"online"`
}
