// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"fmt"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// MatrixAPI is the narrow slice of the Matrix client the bridge needs. All
// operations target the bridge's configured room. Tests inject a fake.
type MatrixAPI interface {
	SendMessage(ctx context.Context, content *event.MessageEventContent, extra map[string]any) (id.EventID, error)
	EditMessage(ctx context.Context, target id.EventID, content *event.MessageEventContent, extra map[string]any) (id.EventID, error)
	RedactMessage(ctx context.Context, target id.EventID, reason string) error
	React(ctx context.Context, target id.EventID, key string) error
	SendNotice(ctx context.Context, text string) error
	UploadMedia(ctx context.Context, data []byte, filename, mimeType string) (id.ContentURIString, error)
	GetProfile(ctx context.Context, userID id.UserID) (displayName string, avatarURL id.ContentURI, err error)
	MXCToHTTP(uri id.ContentURIString) string
}

// mautrixAPI implements MatrixAPI on a mautrix.Client bound to one room.
type mautrixAPI struct {
	client *mautrix.Client
	roomID id.RoomID
}

// NewMatrixAPI binds a mautrix client to the bridge room.
func NewMatrixAPI(client *mautrix.Client, roomID id.RoomID) MatrixAPI {
	return &mautrixAPI{client: client, roomID: roomID}
}

func (m *mautrixAPI) SendMessage(ctx context.Context, content *event.MessageEventContent, extra map[string]any) (id.EventID, error) {
	resp, err := m.client.SendMessageEvent(ctx, m.roomID, event.EventMessage, &event.Content{
		Parsed: content,
		Raw:    extra,
	})
	if err != nil {
		return "", fmt.Errorf("failed to send message: %w", err)
	}
	return resp.EventID, nil
}

func (m *mautrixAPI) EditMessage(ctx context.Context, target id.EventID, content *event.MessageEventContent, extra map[string]any) (id.EventID, error) {
	content.SetEdit(target)
	return m.SendMessage(ctx, content, extra)
}

func (m *mautrixAPI) RedactMessage(ctx context.Context, target id.EventID, reason string) error {
	_, err := m.client.RedactEvent(ctx, m.roomID, target, mautrix.ReqRedact{Reason: reason})
	if err != nil {
		return fmt.Errorf("failed to redact event: %w", err)
	}
	return nil
}

func (m *mautrixAPI) React(ctx context.Context, target id.EventID, key string) error {
	_, err := m.client.SendReaction(ctx, m.roomID, target, key)
	if err != nil {
		return fmt.Errorf("failed to send reaction: %w", err)
	}
	return nil
}

func (m *mautrixAPI) SendNotice(ctx context.Context, text string) error {
	_, err := m.client.SendNotice(ctx, m.roomID, text)
	if err != nil {
		return fmt.Errorf("failed to send notice: %w", err)
	}
	return nil
}

func (m *mautrixAPI) UploadMedia(ctx context.Context, data []byte, filename, mimeType string) (id.ContentURIString, error) {
	resp, err := m.client.UploadMedia(ctx, mautrix.ReqUploadMedia{
		ContentBytes: data,
		ContentType:  mimeType,
		FileName:     filename,
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload media: %w", err)
	}
	return resp.ContentURI.CUString(), nil
}

func (m *mautrixAPI) GetProfile(ctx context.Context, userID id.UserID) (string, id.ContentURI, error) {
	profile, err := m.client.GetProfile(ctx, userID)
	if err != nil {
		return "", id.ContentURI{}, fmt.Errorf("failed to get profile: %w", err)
	}
	return profile.DisplayName, profile.AvatarURL, nil
}

// MXCToHTTP converts an mxc:// URI to a plain HTTP download URL on the
// bridge's homeserver. Invalid URIs produce an empty string.
func (m *mautrixAPI) MXCToHTTP(uri id.ContentURIString) string {
	parsed, err := uri.Parse()
	if err != nil || parsed.IsEmpty() {
		return ""
	}
	base := *m.client.HomeserverURL
	base.Path = fmt.Sprintf("/_matrix/media/v3/download/%s/%s", parsed.Homeserver, parsed.FileID)
	return base.String()
}
