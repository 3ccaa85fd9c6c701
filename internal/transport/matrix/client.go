// ABOUTME: Transport implementation backed by a mautrix client for one account.
// ABOUTME: Profiles, media, sends, joins and presence map onto Matrix client-server calls.

package matrix

import (
	"context"
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/2389/mimic/internal/transport"
)

// Client adapts a *mautrix.Client to transport.Transport.
type Client struct {
	cli              *mautrix.Client
	statusDecoration bool
	timeout          time.Duration
	logger           *slog.Logger

	mu         sync.Mutex
	connected  bool
	rooms      map[string]id.RoomID
	stopListen context.CancelFunc
}

var _ transport.Transport = (*Client)(nil)

func newClient(cli *mautrix.Client, statusDecoration bool, timeout time.Duration, logger *slog.Logger) *Client {
	return &Client{
		cli:              cli,
		statusDecoration: statusDecoration,
		timeout:          timeout,
		logger:           logger.With("user_id", cli.UserID.String()),
		rooms:            make(map[string]id.RoomID),
	}
}

// call bounds one request/response exchange by the configured timeout. The
// sync long-poll in Listen is the only request made without it.
func (c *Client) call(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.timeout)
}

// Connect marks the client usable. Matrix is request/response, so there is
// no session to open; IsAuthorized performs the first round trip.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = true
	return nil
}

// IsAuthorized asks the homeserver who owns the access token. A revoked
// token reports false rather than an error.
func (c *Client) IsAuthorized(ctx context.Context) (bool, error) {
	ctx, cancel := c.call(ctx)
	defer cancel()

	resp, err := c.cli.Whoami(ctx)
	if err != nil {
		terr := classify("whoami", err)
		if transport.IsCredentialsInvalid(terr) {
			return false, nil
		}
		return false, terr
	}
	if c.cli.UserID != "" && resp.UserID != c.cli.UserID {
		return false, transport.NewError(transport.KindOther, "whoami",
			fmt.Errorf("token belongs to %s, credential names %s", resp.UserID, c.cli.UserID))
	}
	c.cli.UserID = resp.UserID
	if resp.DeviceID != "" {
		c.cli.DeviceID = resp.DeviceID
	}
	return true, nil
}

// Disconnect stops any running sync and drops idle HTTP connections. The
// access token stays valid.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	stop := c.stopListen
	c.stopListen = nil
	c.connected = false
	c.mu.Unlock()

	if stop != nil {
		stop()
	}
	if c.cli.Client != nil {
		c.cli.Client.CloseIdleConnections()
	}
	return nil
}

func (c *Client) GetSelf(ctx context.Context) (*transport.User, error) {
	ctx, cancel := c.call(ctx)
	defer cancel()

	u, err := c.user(ctx, c.cli.UserID, "get_self")
	if err != nil {
		return nil, err
	}
	u.Premium = c.statusDecoration

	phone, err := c.ownPhone(ctx)
	if err != nil {
		terr := classify("get_self", err)
		if transport.IsCredentialsInvalid(terr) {
			return nil, terr
		}
		c.logger.Debug("third-party id lookup failed", "error", err)
	}
	u.Phone = phone
	return u, nil
}

type threePID struct {
	Medium  string `json:"medium"`
	Address string `json:"address"`
}

// ownPhone returns the first phone number bound to the account, if any.
func (c *Client) ownPhone(ctx context.Context) (string, error) {
	var resp struct {
		ThreePIDs []threePID `json:"threepids"`
	}
	url := c.cli.BuildClientURL("v3", "account", "3pid")
	if _, err := c.cli.MakeRequest(ctx, http.MethodGet, url, nil, &resp); err != nil {
		return "", err
	}
	for _, pid := range resp.ThreePIDs {
		if pid.Medium == "msisdn" {
			return "+" + strings.TrimPrefix(pid.Address, "+"), nil
		}
	}
	return "", nil
}

func (c *Client) ResolveUser(ctx context.Context, userID string) (*transport.User, error) {
	ctx, cancel := c.call(ctx)
	defer cancel()

	return c.user(ctx, id.UserID(userID), "resolve_user")
}

func (c *Client) user(ctx context.Context, userID id.UserID, op string) (*transport.User, error) {
	profile, err := c.cli.GetProfile(ctx, userID)
	if err != nil {
		return nil, classify(op, err)
	}

	localpart, _, _ := userID.Parse()
	u := &transport.User{
		ID:        userID.String(),
		FirstName: profile.DisplayName,
		Username:  localpart,
		HasPhoto:  !profile.AvatarURL.IsEmpty(),
	}

	if c.statusDecoration {
		status, err := c.presenceStatus(ctx, userID)
		if err != nil {
			c.logger.Debug("presence lookup failed", "target", userID.String(), "error", err)
		}
		u.StatusDecoration = status
	}
	return u, nil
}

// GetProfilePhotos returns the current avatar; Matrix keeps no avatar history.
func (c *Client) GetProfilePhotos(ctx context.Context, userID string, limit int) ([]transport.Photo, error) {
	ctx, cancel := c.call(ctx)
	defer cancel()

	if limit <= 0 {
		return nil, nil
	}
	profile, err := c.cli.GetProfile(ctx, id.UserID(userID))
	if err != nil {
		return nil, classify("get_profile_photos", err)
	}
	if profile.AvatarURL.IsEmpty() {
		return nil, nil
	}

	video, err := c.isVideo(ctx, profile.AvatarURL)
	if err != nil {
		terr := classify("get_profile_photos", err)
		if transport.IsCredentialsInvalid(terr) {
			return nil, terr
		}
		c.logger.Debug("avatar media type lookup failed", "target", userID, "error", err)
	}
	return []transport.Photo{{Ref: profile.AvatarURL.String(), Video: video}}, nil
}

// isVideo asks the media repository for the stored content type without
// fetching the file.
func (c *Client) isVideo(ctx context.Context, uri id.ContentURI) (bool, error) {
	_, resp, err := c.cli.MakeFullRequestWithResp(ctx, mautrix.FullRequest{
		Method:           http.MethodHead,
		URL:              c.cli.BuildClientURL("v1", "media", "download", uri.Homeserver, uri.FileID),
		DontReadResponse: true,
	})
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return false, err
	}
	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	return strings.HasPrefix(mediaType, "video/"), nil
}

func (c *Client) DownloadMedia(ctx context.Context, ref string, dir string) (string, error) {
	ctx, cancel := c.call(ctx)
	defer cancel()

	uri, err := id.ParseContentURI(ref)
	if err != nil {
		return "", transport.NewError(transport.KindNotFound, "download_media", err)
	}
	data, err := c.cli.DownloadBytes(ctx, uri)
	if err != nil {
		return "", classify("download_media", err)
	}

	f, err := os.CreateTemp(dir, "media-*"+extensionFor(http.DetectContentType(data)))
	if err != nil {
		return "", transport.NewError(transport.KindOther, "download_media", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", transport.NewError(transport.KindOther, "download_media", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", transport.NewError(transport.KindOther, "download_media", err)
	}
	return f.Name(), nil
}

func (c *Client) UploadFile(ctx context.Context, path string) (*transport.Upload, error) {
	ctx, cancel := c.call(ctx)
	defer cancel()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, transport.NewError(transport.KindOther, "upload_file", err)
	}

	contentType := mime.TypeByExtension(filepath.Ext(path))
	if contentType == "" {
		contentType = http.DetectContentType(data)
	}

	resp, err := c.cli.UploadMedia(ctx, mautrix.ReqUploadMedia{
		ContentBytes: data,
		ContentType:  contentType,
		FileName:     filepath.Base(path),
	})
	if err != nil {
		return nil, classify("upload_file", err)
	}
	return &transport.Upload{
		Ref:      resp.ContentURI.String(),
		MimeType: contentType,
		Size:     int64(len(data)),
	}, nil
}

func (c *Client) SendMessage(ctx context.Context, dest, text string, opts transport.SendOptions) (string, error) {
	ctx, cancel := c.call(ctx)
	defer cancel()

	roomID, err := c.resolveRoom(ctx, dest)
	if err != nil {
		return "", classify("send_message", err)
	}

	content := &event.MessageEventContent{
		MsgType: event.MsgText,
		Body:    text,
	}
	setReply(content, opts.ReplyTo)

	resp, err := c.cli.SendMessageEvent(ctx, roomID, event.EventMessage, content)
	if err != nil {
		return "", classify("send_message", err)
	}
	return resp.EventID.String(), nil
}

func (c *Client) SendFile(ctx context.Context, dest string, file *transport.Upload, kind transport.MediaKind, attrs transport.FileAttributes, caption string, opts transport.SendOptions) (string, error) {
	ctx, cancel := c.call(ctx)
	defer cancel()

	roomID, err := c.resolveRoom(ctx, dest)
	if err != nil {
		return "", classify("send_file", err)
	}

	content := fileContent(file, kind, attrs, caption)
	setReply(content, opts.ReplyTo)

	resp, err := c.cli.SendMessageEvent(ctx, roomID, event.EventMessage, content)
	if err != nil {
		return "", classify("send_file", err)
	}
	return resp.EventID.String(), nil
}

func (c *Client) JoinDestination(ctx context.Context, ref string) error {
	ctx, cancel := c.call(ctx)
	defer cancel()

	roomID, err := c.resolveRoom(ctx, ref)
	if err != nil {
		return classify("join", err)
	}
	if _, err := c.cli.JoinRoomByID(ctx, roomID); err != nil {
		return classify("join", err)
	}
	return nil
}

// UpdateProfile sets the display name; Matrix has a single name field.
func (c *Client) UpdateProfile(ctx context.Context, firstName, lastName string) error {
	ctx, cancel := c.call(ctx)
	defer cancel()

	name := strings.TrimSpace(firstName + " " + lastName)
	if err := c.cli.SetDisplayName(ctx, name); err != nil {
		return classify("update_profile", err)
	}
	return nil
}

// SetProfilePhoto points the avatar at an upload. Animated avatars are plain
// media on Matrix, so video needs no special handling.
func (c *Client) SetProfilePhoto(ctx context.Context, file *transport.Upload, video bool) error {
	ctx, cancel := c.call(ctx)
	defer cancel()

	uri, err := id.ParseContentURI(file.Ref)
	if err != nil {
		return transport.NewError(transport.KindOther, "set_profile_photo", err)
	}
	if err := c.cli.SetAvatarURL(ctx, uri); err != nil {
		return classify("set_profile_photo", err)
	}
	return nil
}

func (c *Client) ClearProfilePhotos(ctx context.Context) error {
	ctx, cancel := c.call(ctx)
	defer cancel()

	if err := c.cli.SetAvatarURL(ctx, id.ContentURI{}); err != nil {
		return classify("clear_profile_photos", err)
	}
	return nil
}

func (c *Client) UpdateStatusDecoration(ctx context.Context, ref string) error {
	ctx, cancel := c.call(ctx)
	defer cancel()

	body := presenceStatus{Presence: "online", StatusMsg: ref}
	url := c.cli.BuildClientURL("v3", "presence", c.cli.UserID, "status")
	if _, err := c.cli.MakeRequest(ctx, http.MethodPut, url, body, nil); err != nil {
		return classify("update_status", err)
	}
	return nil
}

type presenceStatus struct {
	Presence  string `json:"presence"`
	StatusMsg string `json:"status_msg,omitempty"`
}

func (c *Client) presenceStatus(ctx context.Context, userID id.UserID) (string, error) {
	var resp presenceStatus
	url := c.cli.BuildClientURL("v3", "presence", userID, "status")
	if _, err := c.cli.MakeRequest(ctx, http.MethodGet, url, nil, &resp); err != nil {
		return "", classify("get_presence", err)
	}
	return resp.StatusMsg, nil
}

// resolveRoom turns an alias into a room ID, caching the answer.
func (c *Client) resolveRoom(ctx context.Context, ref string) (id.RoomID, error) {
	if strings.HasPrefix(ref, "!") {
		return id.RoomID(ref), nil
	}
	if !strings.HasPrefix(ref, "#") {
		return "", fmt.Errorf("%q is neither a room ID nor an alias", ref)
	}

	c.mu.Lock()
	roomID, ok := c.rooms[ref]
	c.mu.Unlock()
	if ok {
		return roomID, nil
	}

	resp, err := c.cli.ResolveAlias(ctx, id.RoomAlias(ref))
	if err != nil {
		return "", err
	}

	c.mu.Lock()
	c.rooms[ref] = resp.RoomID
	c.mu.Unlock()
	return resp.RoomID, nil
}

func extensionFor(contentType string) string {
	exts, err := mime.ExtensionsByType(contentType)
	if err != nil || len(exts) == 0 {
		return ""
	}
	return exts[0]
}
