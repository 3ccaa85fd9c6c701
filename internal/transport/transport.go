// ABOUTME: Capability interface every agent connection presents to the core.
// ABOUTME: Defines users, media, source events and the Dialer that creates transports.

package transport

import (
	"context"
	"strings"
	"time"
)

// User is a snapshot of a remote account's public profile.
type User struct {
	ID        string `json:"id"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name,omitempty"`
	Username  string `json:"username,omitempty"`
	Phone     string `json:"phone,omitempty"`
	Bot       bool   `json:"bot,omitempty"`
	Premium   bool   `json:"premium,omitempty"`
	// HasPhoto reports whether the account has a profile photo set.
	HasPhoto bool `json:"has_photo,omitempty"`
	// StatusDecoration is an opaque reference to the account's status
	// decoration, empty when none is set.
	StatusDecoration string `json:"status_decoration,omitempty"`
}

// FullName joins first and last name the way display names are rendered.
func (u *User) FullName() string {
	return strings.TrimSpace(u.FirstName + " " + u.LastName)
}

// Photo is one entry of an account's profile photo history, newest first.
type Photo struct {
	Ref string `json:"ref"`
	// Video is set when the photo has animated size variants.
	Video bool `json:"video"`
}

// MediaKind distinguishes still images from generic files.
type MediaKind string

const (
	MediaPhoto    MediaKind = "photo"
	MediaDocument MediaKind = "document"
)

// FileAttributes are the document attributes preserved when a generic file
// is re-uploaded.
type FileAttributes struct {
	FileName string        `json:"file_name,omitempty"`
	MimeType string        `json:"mime_type,omitempty"`
	Size     int64         `json:"size,omitempty"`
	Width    int           `json:"width,omitempty"`
	Height   int           `json:"height,omitempty"`
	Duration time.Duration `json:"duration,omitempty"`
}

// Media describes an attachment on a source message.
type Media struct {
	Ref        string         `json:"ref"`
	Kind       MediaKind      `json:"kind"`
	Attributes FileAttributes `json:"attributes"`
}

// Upload is a file that has been uploaded through one agent's transport and
// can be attached to messages sent by that same agent.
type Upload struct {
	Ref      string `json:"ref"`
	MimeType string `json:"mime_type,omitempty"`
	Size     int64  `json:"size,omitempty"`
}

// Event is a new message observed in a source destination.
type Event struct {
	ID        string    `json:"id"`
	Source    string    `json:"source"`
	SenderID  string    `json:"sender_id"`
	Text      string    `json:"text,omitempty"`
	Media     *Media    `json:"media,omitempty"`
	ReplyTo   string    `json:"reply_to,omitempty"`
	Service   bool      `json:"service,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// IsReply reports whether the event replies to another source message.
func (e *Event) IsReply() bool {
	return e.ReplyTo != ""
}

// SendOptions carries the optional parts of a send.
type SendOptions struct {
	// ReplyTo is the destination-side message id to reply to, empty for none.
	ReplyTo string
}

// Transport is the per-agent connection to the remote messaging service.
// Every method may suspend on network I/O. Failures are *Error values.
type Transport interface {
	Connect(ctx context.Context) error
	IsAuthorized(ctx context.Context) (bool, error)
	Disconnect() error

	GetSelf(ctx context.Context) (*User, error)
	// ResolveUser fetches the profile of another account.
	ResolveUser(ctx context.Context, userID string) (*User, error)
	GetProfilePhotos(ctx context.Context, userID string, limit int) ([]Photo, error)

	// DownloadMedia stores the referenced media under dir and returns the
	// local path. The caller owns the file.
	DownloadMedia(ctx context.Context, ref string, dir string) (string, error)
	UploadFile(ctx context.Context, path string) (*Upload, error)

	SendMessage(ctx context.Context, dest, text string, opts SendOptions) (string, error)
	SendFile(ctx context.Context, dest string, file *Upload, kind MediaKind, attrs FileAttributes, caption string, opts SendOptions) (string, error)

	JoinDestination(ctx context.Context, ref string) error
	UpdateProfile(ctx context.Context, firstName, lastName string) error
	SetProfilePhoto(ctx context.Context, file *Upload, video bool) error
	ClearProfilePhotos(ctx context.Context) error
	UpdateStatusDecoration(ctx context.Context, ref string) error

	// Listen delivers new messages from the given source destinations to
	// handler until ctx is cancelled or the connection fails.
	Listen(ctx context.Context, sources []string, handler func(context.Context, *Event)) error
}

// Dialer creates a Transport for a named credential.
type Dialer interface {
	Dial(ctx context.Context, name string) (Transport, error)
}
