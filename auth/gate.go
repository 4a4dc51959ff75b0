package auth

import (
	"github.com/google/uuid"

	"github.com/mesmerverse/vettid-dev/messages/domainerr"
)

// Class is the operation class a bus delivery belongs to.
type Class int

const (
	ClassCommand Class = iota
	ClassRequest
	ClassEvent
)

func (c Class) String() string {
	switch c {
	case ClassCommand:
		return "command"
	case ClassRequest:
		return "request"
	case ClassEvent:
		return "event"
	default:
		return "unknown"
	}
}

// Caller is the outcome of a successful authorization.
type Caller struct {
	// UserID is set only for end-user callers.
	UserID string
	// System is true for exchange-tier and delegated callers.
	System      bool
	Fingerprint string
}

// Private reports whether the caller acts for a single end user.
func (c Caller) Private() bool {
	return c.UserID != ""
}

// Scope derives an id only this caller can produce from an id the caller
// chose. The same signer gets the same id back on every retry.
func (c Caller) Scope(id string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(c.Fingerprint+"/"+id)).String()
}

// Authorize evaluates the gate rules in order; the first match wins.
// Every class uses the same rule set.
func Authorize(cert Certificate, class Class) (Caller, error) {
	if cert == nil {
		return Caller{}, domainerr.New(domainerr.Unauthorized, "auth.authorize", "no certificate for %s", class)
	}

	if cert.HasRole(RolePrivateAccount) {
		if userID, ok := cert.UserID(); ok {
			return Caller{UserID: userID, Fingerprint: cert.Fingerprint()}, nil
		}
	}

	if cert.HasAnyExchange(AllExchanges...) {
		return Caller{System: true, Fingerprint: cert.Fingerprint()}, nil
	}

	if cert.HasDelegation(DelegationGlobalOwner) {
		return Caller{System: true, Fingerprint: cert.Fingerprint()}, nil
	}

	return Caller{}, domainerr.New(domainerr.Unauthorized, "auth.authorize",
		"certificate %s not allowed to send %s", cert.Fingerprint(), class)
}

// RequireUser narrows an authorized caller to an end user.
func RequireUser(caller Caller, op string) (string, error) {
	if caller.UserID == "" {
		return "", domainerr.New(domainerr.Unauthorized, op, "caller has no user_id")
	}
	return caller.UserID, nil
}
