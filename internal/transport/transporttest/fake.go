// ABOUTME: In-memory fake of the remote messaging service for tests.
// ABOUTME: Records every send, supports injected per-operation failures and scripted source events.

package transporttest

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/2389/mimic/internal/transport"
)

// Sent records one message delivered to a destination.
type Sent struct {
	ID      string
	Agent   string
	Dest    string
	Text    string
	ReplyTo string
	FileRef string
	Kind    transport.MediaKind
	Attrs   transport.FileAttributes
}

// Network is the shared fake remote service all fake transports talk to.
type Network struct {
	mu      sync.Mutex
	users   map[string]*transport.User
	photos  map[string][]transport.Photo
	media   map[string][]byte
	sent    []Sent
	seq     int
	avatars map[string]string
	videos  map[string]bool
	status  map[string]string
	names   map[string]string
	joined  map[string][]string
}

// NewNetwork returns an empty fake network.
func NewNetwork() *Network {
	return &Network{
		users:   make(map[string]*transport.User),
		photos:  make(map[string][]transport.Photo),
		media:   make(map[string][]byte),
		avatars: make(map[string]string),
		videos:  make(map[string]bool),
		status:  make(map[string]string),
		names:   make(map[string]string),
		joined:  make(map[string][]string),
	}
}

// AddUser registers a resolvable remote account.
func (n *Network) AddUser(u transport.User) {
	n.mu.Lock()
	defer n.mu.Unlock()
	cp := u
	n.users[u.ID] = &cp
}

// AddPhoto prepends a profile photo for userID and stores its bytes.
func (n *Network) AddPhoto(userID string, photo transport.Photo, data []byte) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.photos[userID] = append([]transport.Photo{photo}, n.photos[userID]...)
	n.media[photo.Ref] = data
	if u, ok := n.users[userID]; ok {
		u.HasPhoto = true
	}
}

// AddMedia stores downloadable bytes under ref.
func (n *Network) AddMedia(ref string, data []byte) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.media[ref] = data
}

// Sent returns a copy of every delivered message in delivery order.
func (n *Network) Sent() []Sent {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]Sent, len(n.sent))
	copy(out, n.sent)
	return out
}

// DisplayName returns the display name last set by the named agent.
func (n *Network) DisplayName(agent string) string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.names[agent]
}

// Avatar returns the upload ref last set as the agent's avatar.
func (n *Network) Avatar(agent string) string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.avatars[agent]
}

// AvatarIsVideo reports whether the agent's current avatar was set as a video.
func (n *Network) AvatarIsVideo(agent string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.videos[agent]
}

// Status returns the status decoration last set by the agent.
func (n *Network) Status(agent string) string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.status[agent]
}

// Joined returns the destinations the agent joined.
func (n *Network) Joined(agent string) []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.joined[agent]...)
}

func (n *Network) nextID(prefix string) string {
	n.seq++
	return fmt.Sprintf("%s-%d", prefix, n.seq)
}

// Transport is a fake transport.Transport bound to one agent name.
type Transport struct {
	net  *Network
	Name string
	self transport.User

	mu         sync.Mutex
	authorized bool
	connected  bool
	failures   map[string]error
	calls      []string
	hooks      map[string]func()
	events     chan *transport.Event
}

var _ transport.Transport = (*Transport)(nil)

// NewTransport creates an authorized fake transport for the named agent.
func (n *Network) NewTransport(name string, self transport.User) *Transport {
	return &Transport{
		net:        n,
		Name:       name,
		self:       self,
		authorized: true,
		failures:   make(map[string]error),
		hooks:      make(map[string]func()),
		events:     make(chan *transport.Event, 64),
	}
}

// SetSelf replaces the profile GetSelf returns.
func (t *Transport) SetSelf(u transport.User) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.self = u
}

// SetAuthorized controls the IsAuthorized answer.
func (t *Transport) SetAuthorized(ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.authorized = ok
}

// FailOn makes every call of op return err until cleared with a nil err.
func (t *Transport) FailOn(op string, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err == nil {
		delete(t.failures, op)
		return
	}
	t.failures[op] = err
}

// OnCall runs fn (outside the transport's lock) whenever op is invoked.
func (t *Transport) OnCall(op string, fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.hooks[op] = fn
}

// Calls returns the operation names invoked so far.
func (t *Transport) Calls() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.calls...)
}

// Connected reports whether Connect succeeded and Disconnect has not run since.
func (t *Transport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

// Emit queues a source event for delivery through Listen.
func (t *Transport) Emit(ev *transport.Event) {
	t.events <- ev
}

func (t *Transport) enter(op string) error {
	t.mu.Lock()
	t.calls = append(t.calls, op)
	err := t.failures[op]
	hook := t.hooks[op]
	t.mu.Unlock()
	if hook != nil {
		hook()
	}
	return err
}

func (t *Transport) Connect(ctx context.Context) error {
	if err := t.enter("Connect"); err != nil {
		return err
	}
	t.mu.Lock()
	t.connected = true
	t.mu.Unlock()
	return nil
}

func (t *Transport) IsAuthorized(ctx context.Context) (bool, error) {
	if err := t.enter("IsAuthorized"); err != nil {
		return false, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.authorized, nil
}

func (t *Transport) Disconnect() error {
	err := t.enter("Disconnect")
	t.mu.Lock()
	t.connected = false
	t.mu.Unlock()
	return err
}

func (t *Transport) GetSelf(ctx context.Context) (*transport.User, error) {
	if err := t.enter("GetSelf"); err != nil {
		return nil, err
	}
	t.mu.Lock()
	self := t.self
	t.mu.Unlock()
	return &self, nil
}

func (t *Transport) ResolveUser(ctx context.Context, userID string) (*transport.User, error) {
	if err := t.enter("ResolveUser"); err != nil {
		return nil, err
	}
	t.net.mu.Lock()
	defer t.net.mu.Unlock()
	u, ok := t.net.users[userID]
	if !ok {
		return nil, transport.NewError(transport.KindNotFound, "resolve user", fmt.Errorf("unknown user %s", userID))
	}
	cp := *u
	return &cp, nil
}

func (t *Transport) GetProfilePhotos(ctx context.Context, userID string, limit int) ([]transport.Photo, error) {
	if err := t.enter("GetProfilePhotos"); err != nil {
		return nil, err
	}
	t.net.mu.Lock()
	defer t.net.mu.Unlock()
	photos := t.net.photos[userID]
	if limit > 0 && len(photos) > limit {
		photos = photos[:limit]
	}
	return append([]transport.Photo(nil), photos...), nil
}

func (t *Transport) DownloadMedia(ctx context.Context, ref string, dir string) (string, error) {
	if err := t.enter("DownloadMedia"); err != nil {
		return "", err
	}
	t.net.mu.Lock()
	data, ok := t.net.media[ref]
	t.net.mu.Unlock()
	if !ok {
		return "", transport.NewError(transport.KindNotFound, "download media", fmt.Errorf("unknown media %s", ref))
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", transport.NewError(transport.KindOther, "download media", err)
	}
	f, err := os.CreateTemp(dir, "media-*")
	if err != nil {
		return "", transport.NewError(transport.KindOther, "download media", err)
	}
	defer f.Close()
	if _, err := f.Write(data); err != nil {
		return "", transport.NewError(transport.KindOther, "download media", err)
	}
	return f.Name(), nil
}

func (t *Transport) UploadFile(ctx context.Context, path string) (*transport.Upload, error) {
	if err := t.enter("UploadFile"); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, transport.NewError(transport.KindOther, "upload file", err)
	}
	t.net.mu.Lock()
	defer t.net.mu.Unlock()
	ref := t.net.nextID("upload")
	t.net.media[ref] = data
	return &transport.Upload{Ref: ref, Size: int64(len(data))}, nil
}

func (t *Transport) SendMessage(ctx context.Context, dest, text string, opts transport.SendOptions) (string, error) {
	if err := t.enter("SendMessage"); err != nil {
		return "", err
	}
	t.net.mu.Lock()
	defer t.net.mu.Unlock()
	id := t.net.nextID("relayed")
	t.net.sent = append(t.net.sent, Sent{ID: id, Agent: t.Name, Dest: dest, Text: text, ReplyTo: opts.ReplyTo})
	return id, nil
}

func (t *Transport) SendFile(ctx context.Context, dest string, file *transport.Upload, kind transport.MediaKind, attrs transport.FileAttributes, caption string, opts transport.SendOptions) (string, error) {
	if err := t.enter("SendFile"); err != nil {
		return "", err
	}
	t.net.mu.Lock()
	defer t.net.mu.Unlock()
	id := t.net.nextID("relayed")
	t.net.sent = append(t.net.sent, Sent{
		ID: id, Agent: t.Name, Dest: dest, Text: caption, ReplyTo: opts.ReplyTo,
		FileRef: file.Ref, Kind: kind, Attrs: attrs,
	})
	return id, nil
}

func (t *Transport) JoinDestination(ctx context.Context, ref string) error {
	if err := t.enter("JoinDestination"); err != nil {
		return err
	}
	t.net.mu.Lock()
	defer t.net.mu.Unlock()
	t.net.joined[t.Name] = append(t.net.joined[t.Name], ref)
	return nil
}

func (t *Transport) UpdateProfile(ctx context.Context, firstName, lastName string) error {
	if err := t.enter("UpdateProfile"); err != nil {
		return err
	}
	u := transport.User{FirstName: firstName, LastName: lastName}
	t.net.mu.Lock()
	defer t.net.mu.Unlock()
	t.net.names[t.Name] = u.FullName()
	return nil
}

func (t *Transport) SetProfilePhoto(ctx context.Context, file *transport.Upload, video bool) error {
	if err := t.enter("SetProfilePhoto"); err != nil {
		return err
	}
	t.net.mu.Lock()
	defer t.net.mu.Unlock()
	t.net.avatars[t.Name] = file.Ref
	t.net.videos[t.Name] = video
	return nil
}

func (t *Transport) ClearProfilePhotos(ctx context.Context) error {
	if err := t.enter("ClearProfilePhotos"); err != nil {
		return err
	}
	t.net.mu.Lock()
	defer t.net.mu.Unlock()
	delete(t.net.avatars, t.Name)
	delete(t.net.videos, t.Name)
	return nil
}

func (t *Transport) UpdateStatusDecoration(ctx context.Context, ref string) error {
	if err := t.enter("UpdateStatusDecoration"); err != nil {
		return err
	}
	t.net.mu.Lock()
	defer t.net.mu.Unlock()
	t.net.status[t.Name] = ref
	return nil
}

func (t *Transport) Listen(ctx context.Context, sources []string, handler func(context.Context, *transport.Event)) error {
	if err := t.enter("Listen"); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-t.events:
			handler(ctx, ev)
		}
	}
}

// Dialer hands out pre-registered fake transports by credential name.
type Dialer struct {
	mu         sync.Mutex
	transports map[string]*Transport
}

var _ transport.Dialer = (*Dialer)(nil)

// ErrUnknownCredential is returned by Dial for unregistered names.
var ErrUnknownCredential = errors.New("unknown credential")

// NewDialer returns a dialer with no registered transports.
func NewDialer() *Dialer {
	return &Dialer{transports: make(map[string]*Transport)}
}

// Register makes name dial to t.
func (d *Dialer) Register(t *Transport) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.transports[t.Name] = t
}

func (d *Dialer) Dial(ctx context.Context, name string) (transport.Transport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	t, ok := d.transports[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCredential, name)
	}
	return t, nil
}

// WriteFile is a helper for tests that need a local file to upload.
func WriteFile(dir, name string, data []byte) (string, error) {
	path := filepath.Join(dir, name)
	return path, os.WriteFile(path, data, 0644)
}

// Frozen is a ready-made credentials-invalid error.
func Frozen(op string) error {
	return transport.NewError(transport.KindCredentialsInvalid, op, errors.New("M_UNKNOWN_TOKEN"))
}

// Unavailable is a ready-made connectivity error.
func Unavailable(op string) error {
	return transport.NewError(transport.KindUnavailable, op, errors.New("connection refused"))
}
