package keys

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mesmerverse/vettid-dev/messages/bus/bustest"
	"github.com/mesmerverse/vettid-dev/messages/config"
	"github.com/mesmerverse/vettid-dev/messages/custodian"
	"github.com/mesmerverse/vettid-dev/messages/custodian/custodiantest"
	"github.com/mesmerverse/vettid-dev/messages/domainerr"
	"github.com/mesmerverse/vettid-dev/messages/encryption"
	"github.com/mesmerverse/vettid-dev/messages/envelope"
	"github.com/mesmerverse/vettid-dev/messages/keyring"
	"github.com/mesmerverse/vettid-dev/messages/store"
)

type fixture struct {
	fake      *bustest.Fake
	custodian *custodiantest.Custodian
	keyring   *keyring.Keyring
	store     *store.Store
	resolver  *Resolver
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	kr, err := custodiantest.NewKeyring()
	require.NoError(t, err)
	cust, err := custodiantest.New()
	require.NoError(t, err)
	fake := bustest.New()
	cfg := config.DefaultConfig().Custodian
	cust.Install(fake, cfg.Domain)

	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	client := custodian.NewClient(fake, kr, "Messages", cfg)
	return &fixture{
		fake:      fake,
		custodian: cust,
		keyring:   kr,
		store:     st,
		resolver:  NewResolver(kr, client, st, "Messages"),
	}
}

func secretOf(b byte) []byte {
	s := make([]byte, encryption.SecretSize)
	for i := range s {
		s[i] = b
	}
	return s
}

func TestResolveInboundLocalFastPath(t *testing.T) {
	f := newFixture(t)
	wrapped, err := encryption.WrapSecretString(secretOf(3), f.keyring.BoxPublicKey())
	require.NoError(t, err)

	secret, err := f.resolver.ResolveInbound(context.Background(), &envelope.Decryption{
		Keys: map[string]string{f.keyring.Fingerprint(): wrapped},
	})
	require.NoError(t, err)
	require.Equal(t, secretOf(3), secret)
	require.Zero(t, f.fake.Calls("request.KeyCustodian.decryptMessage"))
}

func TestResolveInboundThroughCustodian(t *testing.T) {
	f := newFixture(t)
	wrapped, err := f.custodian.Wrap(secretOf(4))
	require.NoError(t, err)

	secret, err := f.resolver.ResolveInbound(context.Background(), &envelope.Decryption{
		Keys: map[string]string{f.custodian.Fingerprint: wrapped},
	})
	require.NoError(t, err)
	require.Equal(t, secretOf(4), secret)
	require.Equal(t, 1, f.fake.Calls("request.KeyCustodian.decryptMessage"))
}

func TestResolveInboundTimeout(t *testing.T) {
	f := newFixture(t)
	f.fake.Silence("request.KeyCustodian.decryptMessage")

	_, err := f.resolver.ResolveInbound(context.Background(), &envelope.Decryption{
		Keys: map[string]string{"someone-else": "xx"},
	})
	require.True(t, domainerr.IsKind(err, domainerr.RemoteTimeout))
}

func TestResolveInboundWithoutKeys(t *testing.T) {
	f := newFixture(t)
	_, err := f.resolver.ResolveInbound(context.Background(), &envelope.Decryption{})
	require.True(t, domainerr.IsKind(err, domainerr.MalformedInput))
}

func TestProvisionRegistersThenRecords(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	profile, err := f.store.UpsertProfile(ctx, "u1", "alice")
	require.NoError(t, err)

	keyID, secret, err := f.resolver.ResolveOrProvision(ctx, profile)
	require.NoError(t, err)
	require.Equal(t, []string{keyID}, f.custodian.Registered())

	stored, ok := f.custodian.Secret(keyID)
	require.True(t, ok)
	require.Equal(t, stored, secret)

	reloaded, err := f.store.GetProfile(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, keyID, reloaded.CurrentKeyID)

	again, secretAgain, err := f.resolver.ResolveOrProvision(ctx, reloaded)
	require.NoError(t, err)
	require.Equal(t, keyID, again)
	require.Equal(t, secret, secretAgain)
	require.Len(t, f.custodian.Registered(), 1)
}

func TestProvisionRejectedLeavesProfileUnkeyed(t *testing.T) {
	f := newFixture(t)
	f.custodian.RejectRegistering = true
	ctx := context.Background()
	profile, err := f.store.UpsertProfile(ctx, "u1", "alice")
	require.NoError(t, err)

	_, _, err = f.resolver.ResolveOrProvision(ctx, profile)
	require.True(t, domainerr.IsKind(err, domainerr.RemoteFailure))

	reloaded, err := f.store.GetProfile(ctx, "u1")
	require.NoError(t, err)
	require.Empty(t, reloaded.CurrentKeyID)
}

func TestProvisionForVanishedProfileIsInconsistent(t *testing.T) {
	f := newFixture(t)
	profile := &store.Profile{UserID: "ghost", Username: "ghost"}

	_, _, err := f.resolver.ResolveOrProvision(context.Background(), profile)
	require.True(t, domainerr.IsKind(err, domainerr.ConsistencyViolation))
	require.Len(t, f.custodian.Registered(), 1)
}

func TestFetchUnknownKeyFails(t *testing.T) {
	f := newFixture(t)
	profile := &store.Profile{UserID: "u1", CurrentKeyID: "missing"}

	_, _, err := f.resolver.ResolveOrProvision(context.Background(), profile)
	require.True(t, domainerr.IsKind(err, domainerr.RemoteFailure))
}
