// ABOUTME: Dialer that builds Matrix clients from stored credentials.
// ABOUTME: Applies the configured proxy to every client; clients bound each call by the request timeout.

package matrix

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/id"

	"github.com/2389/mimic/internal/credential"
	"github.com/2389/mimic/internal/transport"
)

// DialerConfig configures how clients reach the homeservers.
type DialerConfig struct {
	// Proxy is an http, https or socks5 URL; empty means direct.
	Proxy          string
	RequestTimeout time.Duration
	// StatusDecoration marks every account as eligible for presence status
	// replication.
	StatusDecoration bool
}

// Dialer creates one Client per credential name.
type Dialer struct {
	creds  credential.Store
	cfg    DialerConfig
	proxy  *url.URL
	logger *slog.Logger
}

var _ transport.Dialer = (*Dialer)(nil)

// NewDialer validates the proxy setting and returns a dialer over creds.
func NewDialer(creds credential.Store, cfg DialerConfig, logger *slog.Logger) (*Dialer, error) {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dialer{
		creds:  creds,
		cfg:    cfg,
		logger: logger.With("component", "matrix"),
	}
	if cfg.Proxy != "" {
		u, err := url.Parse(cfg.Proxy)
		if err != nil {
			return nil, fmt.Errorf("parsing proxy url: %w", err)
		}
		d.proxy = u
	}
	return d, nil
}

// Dial loads the named credential and builds a client for it. Nothing is
// sent to the homeserver until the first call.
func (d *Dialer) Dial(ctx context.Context, name string) (transport.Transport, error) {
	cred, err := d.creds.Load(name)
	if err != nil {
		if errors.Is(err, credential.ErrNotFound) {
			return nil, transport.NewError(transport.KindCredentialsInvalid, "dial", err)
		}
		return nil, transport.NewError(transport.KindOther, "dial", err)
	}

	cli, err := mautrix.NewClient(cred.Homeserver, id.UserID(cred.UserID), cred.AccessToken)
	if err != nil {
		return nil, transport.NewError(transport.KindOther, "dial", fmt.Errorf("creating matrix client: %w", err))
	}
	cli.DeviceID = id.DeviceID(cred.DeviceID)
	cli.Client = d.httpClient()

	return newClient(cli, d.cfg.StatusDecoration, d.cfg.RequestTimeout, d.logger.With("agent_id", name)), nil
}

// httpClient has no overall timeout: /sync long-polls for 30s. Every other
// request is bounded by RequestTimeout through its context.
func (d *Dialer) httpClient() *http.Client {
	tr := http.DefaultTransport.(*http.Transport).Clone()
	if d.proxy != nil {
		tr.Proxy = http.ProxyURL(d.proxy)
	}
	return &http.Client{Transport: tr}
}
