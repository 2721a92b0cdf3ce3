// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/rs/zerolog"
	"go.mau.fi/util/exmime"
	"go.mau.fi/util/ffmpeg"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/mautrix-discordrelay/pkg/bridge/store"
)

// AttachmentClass is the closed set of attachment categories the pipeline
// dispatches on. Classification sniffs content rather than trusting the
// declared MIME type alone.
type AttachmentClass int

const (
	ClassFile AttachmentClass = iota
	ClassImage
	ClassVideo
	ClassAudio
)

func (c AttachmentClass) String() string {
	switch c {
	case ClassImage:
		return "image"
	case ClassVideo:
		return "video"
	case ClassAudio:
		return "audio"
	default:
		return "file"
	}
}

// msgType maps an attachment class to the Matrix message type.
func (c AttachmentClass) msgType() event.MessageType {
	switch c {
	case ClassImage:
		return event.MsgImage
	case ClassVideo:
		return event.MsgVideo
	case ClassAudio:
		return event.MsgAudio
	default:
		return event.MsgFile
	}
}

// classifyAttachment sniffs the payload and falls back to the declared type
// when sniffing is inconclusive.
func classifyAttachment(data []byte, declared string) (AttachmentClass, string) {
	sniffed := http.DetectContentType(data)
	mime := sniffed
	if sniffed == "application/octet-stream" && declared != "" {
		mime = declared
	}
	switch {
	case strings.HasPrefix(mime, "image/"):
		return ClassImage, mime
	case strings.HasPrefix(mime, "video/"):
		return ClassVideo, mime
	case strings.HasPrefix(mime, "audio/"):
		return ClassAudio, mime
	default:
		return ClassFile, mime
	}
}

// attachmentPipeline downloads, transcodes and re-uploads one message's
// attachments. Attachments are processed strictly in arrival order so they
// stay visually ordered under the root message.
type attachmentPipeline struct {
	log    zerolog.Logger
	assets *assetUploader
	matrix MatrixAPI
	store  *store.Store

	maxUploadBytes int64
	thumbnailBytes int64
}

func newAttachmentPipeline(log zerolog.Logger, assets *assetUploader, matrix MatrixAPI, db *store.Store, cfg *Config) *attachmentPipeline {
	return &attachmentPipeline{
		log:            log.With().Str("component", "attachments").Logger(),
		assets:         assets,
		matrix:         matrix,
		store:          db,
		maxUploadBytes: cfg.MaxUploadBytes,
		thumbnailBytes: cfg.ImageThumbnailBytes,
	}
}

// relayAll sends every attachment of a message as a reply to the root
// relayed event and records the identity mappings. A failed attachment is
// skipped; the rest still relay.
func (p *attachmentPipeline) relayAll(ctx context.Context, msg *MessagePayload, root id.EventID) {
	for _, att := range msg.Attachments {
		eventID, err := p.relayOne(ctx, att, root)
		if err != nil {
			p.log.Warn().Err(err).
				Str("filename", att.Filename).
				Str("url", att.URL).
				Msg("Skipping attachment")
			continue
		}
		err = p.store.Record(ctx, store.Mapping{
			MatrixEventID: eventID,
			DiscordID:     msg.MessageID,
			Kind:          store.KindAttachment,
		})
		if err != nil {
			p.log.Error().Err(err).Stringer("event_id", eventID).Msg("Failed to record attachment mapping")
		}
	}
}

// relayOne moves a single attachment across. Returns the Matrix event ID of
// the sent message.
func (p *attachmentPipeline) relayOne(ctx context.Context, att AttachmentPayload, root id.EventID) (id.EventID, error) {
	// Already a target-native handle: send directly.
	if strings.HasPrefix(att.URL, "mxc://") {
		class, _ := declaredClass(att.ContentType)
		return p.send(ctx, att, class, id.ContentURIString(att.URL), nil, 0, root)
	}

	// A previously uploaded source URL is never re-downloaded.
	if handle, found, err := p.store.GetAsset(ctx, att.URL); err != nil {
		p.log.Warn().Err(err).Msg("Failed to read asset cache")
	} else if found {
		class, _ := declaredClass(att.ContentType)
		return p.send(ctx, att, class, id.ContentURIString(handle), nil, 0, root)
	}

	if att.Size > p.maxUploadBytes {
		return "", fmt.Errorf("attachment size %d exceeds upload ceiling %d", att.Size, p.maxUploadBytes)
	}

	data, _, err := p.assets.fetch(ctx, att.URL, att.ProxyURL)
	if err != nil {
		return "", fmt.Errorf("download failed: %w", err)
	}
	if int64(len(data)) > p.maxUploadBytes {
		return "", fmt.Errorf("downloaded size %d exceeds upload ceiling %d", len(data), p.maxUploadBytes)
	}

	class, mime := classifyAttachment(data, att.ContentType)

	var thumbnail []byte
	filename := att.Filename
	switch class {
	case ClassVideo:
		thumbnail = p.videoThumbnail(ctx, data, mime)
	case ClassImage:
		// Animated formats are preserved as-is; stills get recompressed.
		if mime != "image/gif" {
			if converted, err := p.transcodeImage(ctx, data, mime); err != nil {
				p.log.Warn().Err(err).Str("filename", att.Filename).Msg("Image transcode failed, uploading original")
			} else {
				data = converted
				mime = "image/webp"
				filename = att.Filename + exmime.ExtensionFromMimetype(mime)
			}
		}
		if int64(len(data)) > p.thumbnailBytes {
			thumbnail = p.imageThumbnail(ctx, data, mime)
		}
	}

	mxc, err := p.matrix.UploadMedia(ctx, data, filename, mime)
	if err != nil {
		return "", fmt.Errorf("upload failed: %w", err)
	}
	if err = p.store.PutAsset(ctx, att.URL, string(mxc)); err != nil {
		p.log.Warn().Err(err).Msg("Failed to write asset cache")
	}

	att.Filename = filename
	att.ContentType = mime
	return p.send(ctx, att, class, mxc, thumbnail, int64(len(data)), root)
}

// videoThumbnail extracts the first frame as a webp image. Returns nil when
// ffmpeg is unavailable or extraction fails; the video still relays.
func (p *attachmentPipeline) videoThumbnail(ctx context.Context, data []byte, mime string) []byte {
	if !ffmpeg.Supported() {
		return nil
	}
	frame, err := ffmpeg.ConvertBytes(ctx, data, ".webp", nil, []string{"-frames:v", "1"}, mime)
	if err != nil {
		p.log.Warn().Err(err).Msg("Failed to extract video thumbnail")
		return nil
	}
	return frame
}

// transcodeImage recompresses a still image to webp at a fixed
// quality/speed tradeoff.
func (p *attachmentPipeline) transcodeImage(ctx context.Context, data []byte, mime string) ([]byte, error) {
	if !ffmpeg.Supported() {
		return nil, fmt.Errorf("ffmpeg not available")
	}
	return ffmpeg.ConvertBytes(ctx, data, ".webp", nil, []string{"-quality", "80", "-compression_level", "6"}, mime)
}

// imageThumbnail downscales an oversized image for preview.
func (p *attachmentPipeline) imageThumbnail(ctx context.Context, data []byte, mime string) []byte {
	if !ffmpeg.Supported() {
		return nil
	}
	thumb, err := ffmpeg.ConvertBytes(ctx, data, ".webp", nil,
		[]string{"-vf", "scale='min(320,iw)':-2", "-quality", "75"}, mime)
	if err != nil {
		p.log.Warn().Err(err).Msg("Failed to generate image thumbnail")
		return nil
	}
	return thumb
}

// send posts the media message as a reply to the root relayed message.
func (p *attachmentPipeline) send(ctx context.Context, att AttachmentPayload, class AttachmentClass, mxc id.ContentURIString, thumbnail []byte, size int64, root id.EventID) (id.EventID, error) {
	info := &event.FileInfo{
		MimeType: att.ContentType,
		Width:    att.Width,
		Height:   att.Height,
	}
	if size > 0 {
		info.Size = int(size)
	}
	content := &event.MessageEventContent{
		MsgType: class.msgType(),
		Body:    att.Filename,
		URL:     mxc,
		Info:    info,
		RelatesTo: &event.RelatesTo{
			InReplyTo: &event.InReplyTo{EventID: root},
		},
	}
	if thumbnail != nil {
		thumbMXC, err := p.matrix.UploadMedia(ctx, thumbnail, att.Filename+"-thumbnail"+exmime.ExtensionFromMimetype("image/webp"), "image/webp")
		if err == nil {
			info.ThumbnailURL = thumbMXC
			info.ThumbnailInfo = &event.FileInfo{MimeType: "image/webp", Size: len(thumbnail)}
		} else {
			p.log.Warn().Err(err).Msg("Failed to upload thumbnail")
		}
	}
	return p.matrix.SendMessage(ctx, content, nil)
}

// declaredClass classifies purely from a declared MIME type, for attachments
// that are sent without being downloaded.
func declaredClass(declared string) (AttachmentClass, string) {
	switch {
	case strings.HasPrefix(declared, "image/"):
		return ClassImage, declared
	case strings.HasPrefix(declared, "video/"):
		return ClassVideo, declared
	case strings.HasPrefix(declared, "audio/"):
		return ClassAudio, declared
	default:
		return ClassFile, declared
	}
}
