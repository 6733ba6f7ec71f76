package relay

import (
	"context"
	"encoding/json"
	"fmt"
)

// Topic is one telemetry stream exposed by the kernel.
type Topic string

const (
	TopicTraffic     Topic = "traffic"
	TopicMemory      Topic = "memory"
	TopicLogs        Topic = "logs"
	TopicConnections Topic = "connections"
)

// Topics lists every relayed topic in launch order.
var Topics = []Topic{TopicTraffic, TopicMemory, TopicLogs, TopicConnections}

// EventName is the outward event a topic's payloads are emitted as.
func (t Topic) EventName() string {
	switch t {
	case TopicTraffic:
		return "traffic-data"
	case TopicMemory:
		return "memory-data"
	case TopicLogs:
		return "log-data"
	case TopicConnections:
		return "connections-data"
	default:
		return string(t) + "-data"
	}
}

// ParseTopic validates a topic name.
func ParseTopic(s string) (Topic, error) {
	for _, t := range Topics {
		if string(t) == s {
			return t, nil
		}
	}
	return "", fmt.Errorf("unknown relay topic %q", s)
}

// Event is one decoded telemetry message. Payload holds the message bytes unchanged.
type Event struct {
	Topic   Topic
	Payload json.RawMessage
}

// Sink receives forwarded events. Emit may fail; the relay drops that event
// and continues with the next one.
type Sink interface {
	Emit(ctx context.Context, name string, payload json.RawMessage) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, name string, payload json.RawMessage) error

func (f SinkFunc) Emit(ctx context.Context, name string, payload json.RawMessage) error {
	return f(ctx, name, payload)
}
