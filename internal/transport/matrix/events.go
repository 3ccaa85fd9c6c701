// ABOUTME: Converts between Matrix message events and transport events.
// ABOUTME: Listen runs a sync loop and delivers new messages from the source rooms.

package matrix

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/2389/mimic/internal/transport"
)

// Listen syncs until ctx is cancelled, Disconnect is called or the sync
// fails. Events older than the start of the call are skipped so the initial
// sync does not replay room history.
func (c *Client) Listen(ctx context.Context, sources []string, handler func(context.Context, *transport.Event)) error {
	rooms := make(map[id.RoomID]bool, len(sources))
	for _, src := range sources {
		rctx, rcancel := c.call(ctx)
		roomID, err := c.resolveRoom(rctx, src)
		rcancel()
		if err != nil {
			return classify("listen", err)
		}
		rooms[roomID] = true
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	c.mu.Lock()
	if c.stopListen != nil {
		c.mu.Unlock()
		return transport.NewError(transport.KindOther, "listen", errors.New("already listening"))
	}
	c.stopListen = cancel
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.stopListen = nil
		c.mu.Unlock()
	}()

	since := time.Now().UnixMilli()
	syncer := &listenSyncer{DefaultSyncer: mautrix.NewDefaultSyncer(), logger: c.logger}
	syncer.OnEventType(event.EventMessage, func(ctx context.Context, evt *event.Event) {
		if !rooms[evt.RoomID] || evt.Timestamp < since {
			return
		}
		if ev := toEvent(evt); ev != nil {
			handler(ctx, ev)
		}
	})
	c.cli.Syncer = syncer

	c.logger.Info("listening", "rooms", len(rooms))
	err := c.cli.SyncWithContext(ctx)
	if ctx.Err() != nil {
		return nil
	}
	return classify("listen", err)
}

// syncRetryDelay is the pause between failed /sync attempts.
const syncRetryDelay = 10 * time.Second

// listenSyncer stops the sync loop on any credentials-invalid failure so
// the caller can retire the account; other failures are retried.
type listenSyncer struct {
	*mautrix.DefaultSyncer
	logger *slog.Logger
}

func (s *listenSyncer) OnFailedSync(_ *mautrix.RespSync, err error) (time.Duration, error) {
	if transport.IsCredentialsInvalid(classify("sync", err)) {
		return 0, err
	}
	s.logger.Warn("sync failed, retrying", "delay", syncRetryDelay, "error", err)
	return syncRetryDelay, nil
}

// toEvent converts a parsed m.room.message event. Unknown content yields nil.
func toEvent(evt *event.Event) *transport.Event {
	content, ok := evt.Content.Parsed.(*event.MessageEventContent)
	if !ok {
		return nil
	}

	ev := &transport.Event{
		ID:        evt.ID.String(),
		Source:    evt.RoomID.String(),
		SenderID:  evt.Sender.String(),
		Service:   content.MsgType == event.MsgNotice,
		Timestamp: time.UnixMilli(evt.Timestamp),
	}
	if content.RelatesTo != nil {
		if replyTo := content.RelatesTo.GetReplyTo(); replyTo != "" {
			ev.ReplyTo = replyTo.String()
		}
	}

	switch content.MsgType {
	case event.MsgImage, event.MsgFile, event.MsgVideo, event.MsgAudio:
		ev.Media = toMedia(content)
		// Body holds the caption only when a separate file name is present.
		if content.FileName != "" && content.FileName != content.Body {
			ev.Text = content.Body
		}
	default:
		ev.Text = content.Body
		if ev.ReplyTo != "" {
			ev.Text = stripReplyFallback(ev.Text)
		}
	}
	return ev
}

func toMedia(content *event.MessageEventContent) *transport.Media {
	m := &transport.Media{
		Ref:  string(content.URL),
		Kind: transport.MediaDocument,
	}
	if content.MsgType == event.MsgImage {
		m.Kind = transport.MediaPhoto
	}

	m.Attributes.FileName = content.FileName
	if m.Attributes.FileName == "" {
		m.Attributes.FileName = content.Body
	}
	if info := content.Info; info != nil {
		m.Attributes.MimeType = info.MimeType
		m.Attributes.Size = int64(info.Size)
		m.Attributes.Width = info.Width
		m.Attributes.Height = info.Height
		m.Attributes.Duration = time.Duration(info.Duration) * time.Millisecond
	}
	return m
}

// fileContent builds the message content for an uploaded file.
func fileContent(file *transport.Upload, kind transport.MediaKind, attrs transport.FileAttributes, caption string) *event.MessageEventContent {
	mimeType := attrs.MimeType
	if mimeType == "" {
		mimeType = file.MimeType
	}
	size := attrs.Size
	if size == 0 {
		size = file.Size
	}

	content := &event.MessageEventContent{
		MsgType: event.MsgFile,
		URL:     id.ContentURIString(file.Ref),
		Info: &event.FileInfo{
			MimeType: mimeType,
			Size:     int(size),
			Width:    attrs.Width,
			Height:   attrs.Height,
			Duration: int(attrs.Duration / time.Millisecond),
		},
	}

	switch {
	case kind == transport.MediaPhoto:
		content.MsgType = event.MsgImage
	case strings.HasPrefix(mimeType, "video/"):
		content.MsgType = event.MsgVideo
	case strings.HasPrefix(mimeType, "audio/"):
		content.MsgType = event.MsgAudio
	}

	name := attrs.FileName
	if name == "" {
		name = "file"
	}
	content.Body = name
	if caption != "" {
		content.Body = caption
		content.FileName = name
	}
	return content
}

func setReply(content *event.MessageEventContent, replyTo string) {
	if replyTo == "" {
		return
	}
	content.RelatesTo = &event.RelatesTo{
		InReplyTo: &event.InReplyTo{EventID: id.EventID(replyTo)},
	}
}

// stripReplyFallback removes the quoted "> " block clients prepend to reply
// bodies.
func stripReplyFallback(body string) string {
	if !strings.HasPrefix(body, "> ") {
		return body
	}
	lines := strings.Split(body, "\n")
	for i, line := range lines {
		if strings.HasPrefix(line, ">") {
			continue
		}
		if line == "" {
			return strings.Join(lines[i+1:], "\n")
		}
		break
	}
	return body
}
