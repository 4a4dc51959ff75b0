// Package identity resolves usernames to user ids through the account
// manager domain.
package identity

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mesmerverse/vettid-dev/messages/bus"
	"github.com/mesmerverse/vettid-dev/messages/config"
	"github.com/mesmerverse/vettid-dev/messages/domainerr"
	"github.com/mesmerverse/vettid-dev/messages/envelope"
)

// ActionGetUserIDs is the lookup action on the identity domain.
const ActionGetUserIDs = "getUserIdsByUsername"

// LookupRequest is the request body.
type LookupRequest struct {
	Usernames []string `json:"usernames"`
}

// LookupResponse maps each known username to its user id.
type LookupResponse struct {
	OK    bool              `json:"ok"`
	Err   string            `json:"err,omitempty"`
	Users map[string]string `json:"users"`
}

// Client queries the identity domain.
type Client struct {
	bus    bus.Requester
	signer envelope.Signer
	cfg    config.CustodianConfig
}

// NewClient creates an identity client.
func NewClient(requester bus.Requester, signer envelope.Signer, cfg config.CustodianConfig) *Client {
	return &Client{bus: requester, signer: signer, cfg: cfg}
}

// UserIDsByUsername returns the user ids of the usernames the identity
// domain knows. Unknown usernames are absent from the result.
func (c *Client) UserIDsByUsername(ctx context.Context, usernames []string) (map[string]string, error) {
	const op = "identity.getUserIdsByUsername"
	if len(usernames) == 0 {
		return map[string]string{}, nil
	}

	env, err := envelope.New(c.signer, envelope.KindRequest, c.cfg.IdentityDomain, ActionGetUserIDs,
		LookupRequest{Usernames: usernames})
	if err != nil {
		return nil, domainerr.Wrap(domainerr.Internal, op, err)
	}
	data, err := env.Marshal()
	if err != nil {
		return nil, domainerr.Wrap(domainerr.Internal, op, err)
	}
	resp, err := c.bus.Request(ctx, env.Subject(), data, c.cfg.LookupTimeout())
	if err != nil {
		return nil, bus.Classify(op, err)
	}

	var out LookupResponse
	if err := json.Unmarshal(resp, &out); err != nil {
		return nil, domainerr.Wrap(domainerr.RemoteFailure, op, fmt.Errorf("invalid response: %w", err))
	}
	if !out.OK {
		return nil, domainerr.New(domainerr.RemoteFailure, op, "lookup refused: %s", out.Err)
	}
	if out.Users == nil {
		out.Users = map[string]string{}
	}
	return out.Users, nil
}
