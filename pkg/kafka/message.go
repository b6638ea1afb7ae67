// Package kafka carries ingestion notifications over Kafka using
// segmentio/kafka-go. Events are JSON with the event type, and any extra
// attributes, in message headers so consumers can filter without decoding.
package kafka

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/segmentio/kafka-go"
)

// EventTypeHeader is the message header carrying Event.Type.
const EventTypeHeader = "event-type"

// Event is published to a topic. Key picks the partition.
type Event struct {
	Key     string
	Type    string
	Value   any
	Headers map[string]string
}

// Message is a consumed record.
type Message struct {
	Type      string
	Key       []byte
	Value     []byte
	Headers   map[string]string
	Partition int
	Offset    int64
	Time      time.Time
}

func toMessage(event Event) (kafka.Message, error) {
	value, err := json.Marshal(event.Value)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("marshaling %s event: %w", event.Type, err)
	}
	msg := kafka.Message{Key: []byte(event.Key), Value: value}
	if event.Type != "" {
		msg.Headers = append(msg.Headers, kafka.Header{Key: EventTypeHeader, Value: []byte(event.Type)})
	}
	keys := make([]string, 0, len(event.Headers))
	for k := range event.Headers {
		if k != EventTypeHeader {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		msg.Headers = append(msg.Headers, kafka.Header{Key: k, Value: []byte(event.Headers[k])})
	}
	return msg, nil
}

func fromMessage(msg kafka.Message) Message {
	m := Message{
		Key:       msg.Key,
		Value:     msg.Value,
		Partition: msg.Partition,
		Offset:    msg.Offset,
		Time:      msg.Time,
	}
	if len(msg.Headers) > 0 {
		m.Headers = make(map[string]string, len(msg.Headers))
		for _, h := range msg.Headers {
			m.Headers[h.Key] = string(h.Value)
		}
		m.Type = m.Headers[EventTypeHeader]
	}
	return m
}

// DecodeJSON unmarshals a message value into T.
func DecodeJSON[T any](value []byte) (T, error) {
	var result T
	if err := json.Unmarshal(value, &result); err != nil {
		return result, fmt.Errorf("decoding kafka message: %w", err)
	}
	return result, nil
}
