// Copyright 2024-2026 Aiku AI

package bridge

import (
	"encoding/json"
	"fmt"
	"math"
	"time"
)

// EventType is the kind of gateway frame.
type EventType string

const (
	EventCreate EventType = "create"
	EventEdit   EventType = "edit"
	EventRedact EventType = "redact"
)

// AttachmentPayload describes one attachment carried by a gateway message.
type AttachmentPayload struct {
	URL         string `json:"url"`
	ProxyURL    string `json:"proxy_url"`
	Filename    string `json:"filename"`
	Size        int64  `json:"size"`
	Width       int    `json:"width,omitempty"`
	Height      int    `json:"height,omitempty"`
	ContentType string `json:"content_type"`
}

// MessagePayload is a message frame from the gateway websocket.
type MessagePayload struct {
	EventType    EventType           `json:"event_type"`
	MessageID    int64               `json:"message_id"`
	Author       string              `json:"author"`
	IsAutomated  bool                `json:"is_automated"`
	Avatar       string              `json:"avatar"`
	Content      string              `json:"content"`
	CleanContent string              `json:"clean_content"`
	At           float64             `json:"at"`
	Attachments  []AttachmentPayload `json:"attachments"`
	ReplyTo      *MessagePayload     `json:"reply_to"`
}

// Timestamp converts the frame's epoch-seconds field to a time.Time.
func (p *MessagePayload) Timestamp() time.Time {
	sec, frac := math.Modf(p.At)
	return time.Unix(int64(sec), int64(frac*float64(time.Second)))
}

// validate checks the fields every handler relies on and fills in the
// default event type. A frame that fails here is dropped, never fatal.
func (p *MessagePayload) validate() error {
	if p.EventType == "" {
		p.EventType = EventCreate
	}
	switch p.EventType {
	case EventCreate, EventEdit, EventRedact:
	default:
		return fmt.Errorf("unknown event type %q", p.EventType)
	}
	if p.MessageID == 0 {
		return fmt.Errorf("missing message_id")
	}
	if p.Author == "" && p.EventType != EventRedact {
		return fmt.Errorf("missing author")
	}
	return nil
}

// controlFrame is the envelope used to detect gateway heartbeats before
// attempting a full message decode.
type controlFrame struct {
	Status string `json:"status"`
}

// decodeFrame parses a raw websocket frame. It returns (nil, nil) for
// heartbeat frames, which are acknowledged implicitly by being skipped.
func decodeFrame(data []byte) (*MessagePayload, error) {
	var ctrl controlFrame
	if err := json.Unmarshal(data, &ctrl); err != nil {
		return nil, fmt.Errorf("invalid JSON frame: %w", err)
	}
	if ctrl.Status == "ping" {
		return nil, nil
	}
	var payload MessagePayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("invalid message frame: %w", err)
	}
	if err := payload.validate(); err != nil {
		return nil, err
	}
	return &payload, nil
}
