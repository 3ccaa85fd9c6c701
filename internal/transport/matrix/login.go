// ABOUTME: Password login that produces a credential for the store.
// ABOUTME: Used by `mimic login` to enroll new agents.

package matrix

import (
	"context"
	"fmt"

	"maunium.net/go/mautrix"

	"github.com/2389/mimic/internal/credential"
)

// DeviceName is the device display name given to new logins.
const DeviceName = "mimic"

// Login exchanges a username and password for an access token.
func Login(ctx context.Context, homeserver, username, password string) (*credential.Credential, error) {
	cli, err := mautrix.NewClient(homeserver, "", "")
	if err != nil {
		return nil, fmt.Errorf("creating matrix client: %w", err)
	}

	resp, err := cli.Login(ctx, &mautrix.ReqLogin{
		Type: mautrix.AuthTypePassword,
		Identifier: mautrix.UserIdentifier{
			Type: mautrix.IdentifierTypeUser,
			User: username,
		},
		Password:                 password,
		InitialDeviceDisplayName: DeviceName,
	})
	if err != nil {
		return nil, classify("login", err)
	}

	return &credential.Credential{
		Homeserver:  homeserver,
		UserID:      resp.UserID.String(),
		AccessToken: resp.AccessToken,
		DeviceID:    resp.DeviceID.String(),
	}, nil
}
