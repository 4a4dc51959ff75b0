package messages

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mesmerverse/vettid-dev/messages/auth"
	"github.com/mesmerverse/vettid-dev/messages/bus"
	"github.com/mesmerverse/vettid-dev/messages/bus/bustest"
	"github.com/mesmerverse/vettid-dev/messages/config"
	"github.com/mesmerverse/vettid-dev/messages/custodian/custodiantest"
	"github.com/mesmerverse/vettid-dev/messages/encryption"
	"github.com/mesmerverse/vettid-dev/messages/envelope"
	"github.com/mesmerverse/vettid-dev/messages/fanout"
	"github.com/mesmerverse/vettid-dev/messages/identity"
	"github.com/mesmerverse/vettid-dev/messages/query"
	"github.com/mesmerverse/vettid-dev/messages/store"
	"github.com/mesmerverse/vettid-dev/messages/transactions"
)

type signer struct {
	claims auth.Claims
	priv   ed25519.PrivateKey
}

func newSigner(t *testing.T, claims auth.Claims) *signer {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	claims.SigningKey = base64.RawStdEncoding.EncodeToString(pub)
	return &signer{claims: claims, priv: priv}
}

func (s *signer) Claims() auth.Claims        { return s.claims }
func (s *signer) Sign(message []byte) []byte { return ed25519.Sign(s.priv, message) }

func userSigner(t *testing.T, userID string) *signer {
	return newSigner(t, auth.Claims{User: userID, Roles: []auth.Role{auth.RolePrivateAccount}})
}

type fixture struct {
	domain    *Domain
	fake      *bustest.Fake
	custodian *custodiantest.Custodian
	store     *store.Store
	system    *signer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	kr, err := custodiantest.NewKeyring()
	require.NoError(t, err)
	cust, err := custodiantest.New()
	require.NoError(t, err)

	cfg := config.DefaultConfig()
	fake := bustest.New()
	cust.Install(fake, cfg.Custodian.Domain)
	fake.Handle("request.AccountManager.getUserIdsByUsername", func(env *envelope.Envelope) (any, error) {
		var req identity.LookupRequest
		if err := env.Decode(&req); err != nil {
			return nil, err
		}
		users := map[string]string{}
		for _, n := range req.Usernames {
			if n != "nobody" {
				users[n] = "u-" + n
			}
		}
		return identity.LookupResponse{OK: true, Users: users}, nil
	})

	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	return &fixture{
		domain:    New(cfg, st, kr, fake, nil),
		fake:      fake,
		custodian: cust,
		store:     st,
		system:    newSigner(t, auth.Claims{Exchanges: []auth.Exchange{auth.ExchangeSecure}}),
	}
}

// deliver signs body, parses it back as the bus server would and handles it.
func (f *fixture) deliver(t *testing.T, env *envelope.Envelope, reply string) any {
	t.Helper()
	data, err := env.Marshal()
	require.NoError(t, err)
	parsed, err := envelope.Parse(data)
	require.NoError(t, err)
	result, err := f.domain.Handle(context.Background(), &bus.Delivery{Subject: parsed.Subject(), Reply: reply, Envelope: parsed})
	require.NoError(t, err)
	return result
}

func decodeReply(t *testing.T, result any) envelope.Reply {
	t.Helper()
	data, err := json.Marshal(result)
	require.NoError(t, err)
	var r envelope.Reply
	require.NoError(t, json.Unmarshal(data, &r))
	return r
}

func (f *fixture) postEnvelope(t *testing.T, s *signer, cmd fanout.PostCommand) *envelope.Envelope {
	t.Helper()
	secret := make([]byte, encryption.SecretSize)
	wrapped, err := f.custodian.Wrap(secret)
	require.NoError(t, err)
	env, err := envelope.NewEncrypted(s, envelope.KindCommand, Name, string(ActionPostV1), cmd,
		secret, "k", map[string]string{f.custodian.Fingerprint: wrapped})
	require.NoError(t, err)
	return env
}

// copyID is the id of the copy of base that s posted to userID.
func copyID(s *signer, base, userID string) string {
	return fanout.MessageID(auth.Caller{Fingerprint: s.claims.Fingerprint()}.Scope(base), userID)
}

// withID re-signs env under a chosen id.
func withID(env *envelope.Envelope, s *signer, id string) *envelope.Envelope {
	env.ID = id
	env.Sign(s)
	return env
}

func (f *fixture) request(t *testing.T, s *signer, kind envelope.Kind, action Action, body any) *envelope.Envelope {
	t.Helper()
	env, err := envelope.New(s, kind, Name, string(action), body)
	require.NoError(t, err)
	return env
}

func TestRoutesCoverEveryOperation(t *testing.T) {
	f := newFixture(t)
	subjects := map[string]bool{}
	for _, r := range f.domain.Routes() {
		subjects[r.Subject()] = true
	}
	for _, s := range []string{
		"command.Messages.postV1",
		"command.Messages.markRead",
		"command.Messages.deleteMessage",
		"request.Messages.syncMessages",
		"request.Messages.messagesByIds",
		"request.Messages.decryptKeys",
		"event.KeyCustodian.keysChanged",
	} {
		require.True(t, subjects[s], s)
	}
}

func TestPostIsCachedByEnvelope(t *testing.T) {
	f := newFixture(t)
	env := f.postEnvelope(t, f.system, fanout.PostCommand{Content: "hi", Recipients: []string{"alice", "nobody"}})

	first := decodeReply(t, f.deliver(t, env, "_INBOX.a"))
	require.True(t, first.OK)
	require.Equal(t, envelope.CodePartial, first.Code)
	require.Contains(t, first.Err, "1 unknown recipient")

	second := decodeReply(t, f.deliver(t, env, "_INBOX.a"))
	require.Equal(t, first, second)
	require.EqualValues(t, 1, f.domain.Stats().Posts)
}

func TestPostCacheIsScopedToSender(t *testing.T) {
	f := newFixture(t)
	other := newSigner(t, auth.Claims{Exchanges: []auth.Exchange{auth.ExchangeSecure}})
	cmd := fanout.PostCommand{Content: "hi", Recipients: []string{"bob"}}

	first := withID(f.postEnvelope(t, f.system, cmd), f.system, "shared-id")
	second := withID(f.postEnvelope(t, other, cmd), other, "shared-id")

	reply := decodeReply(t, f.deliver(t, first, "_INBOX.a"))
	require.Equal(t, envelope.CodeDelivered, reply.Code)
	reply = decodeReply(t, f.deliver(t, second, "_INBOX.b"))
	require.Equal(t, envelope.CodeDelivered, reply.Code)

	n, err := f.store.CountMessages(context.Background(), "u-bob")
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.EqualValues(t, 2, f.domain.Stats().Posts)
	require.EqualValues(t, 2, f.domain.Stats().Delivered)
}

func TestPostUnauthorized(t *testing.T) {
	f := newFixture(t)
	stranger := newSigner(t, auth.Claims{})
	env := f.postEnvelope(t, stranger, fanout.PostCommand{Content: "hi", Recipients: []string{"alice"}})

	reply := decodeReply(t, f.deliver(t, env, "_INBOX.a"))
	require.False(t, reply.OK)
	require.Equal(t, envelope.CodeUnauthorized, reply.Code)

	n, err := f.store.CountMessages(context.Background(), "")
	require.NoError(t, err)
	require.Zero(t, n)
	require.Zero(t, f.fake.Calls("request.KeyCustodian.decryptMessage"))
}

func TestPostCustodianTimeoutIsSoftAndNotCached(t *testing.T) {
	f := newFixture(t)
	f.fake.Silence("request.KeyCustodian.decryptMessage")
	env := f.postEnvelope(t, f.system, fanout.PostCommand{Content: "hi", Recipients: []string{"alice"}})

	reply := decodeReply(t, f.deliver(t, env, "_INBOX.a"))
	require.False(t, reply.OK)
	require.Equal(t, envelope.CodeServerTimeout, reply.Code)
	require.Equal(t, "server timeout", reply.Err)

	f.deliver(t, env, "_INBOX.a")
	require.Equal(t, 2, f.fake.Calls("request.KeyCustodian.decryptMessage"))
}

func TestMarkReadAndDeleteAreOwnerScoped(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	post := fanout.PostCommand{Content: "hi", Recipients: []string{"alice", "bob"}, MessageID: "m"}
	f.deliver(t, f.postEnvelope(t, f.system, post), "")

	aliceMsg := copyID(f.system, "m", "u-alice")
	bobMsg := copyID(f.system, "m", "u-bob")
	alice := userSigner(t, "u-alice")

	reply := decodeReply(t, f.deliver(t, f.request(t, alice, envelope.KindCommand, ActionMarkRead,
		transactions.MessageIDs{MessageIDs: []string{aliceMsg, bobMsg}}), "_INBOX.r"))
	require.True(t, reply.OK)

	a, err := f.store.GetMessage(ctx, aliceMsg)
	require.NoError(t, err)
	require.True(t, a.Read)
	b, err := f.store.GetMessage(ctx, bobMsg)
	require.NoError(t, err)
	require.False(t, b.Read)

	reply = decodeReply(t, f.deliver(t, f.request(t, alice, envelope.KindCommand, ActionDeleteMessage,
		transactions.MessageIDs{MessageIDs: []string{aliceMsg, bobMsg}}), "_INBOX.r"))
	require.True(t, reply.OK)

	_, err = f.store.GetMessage(ctx, aliceMsg)
	require.ErrorIs(t, err, store.ErrNotFound)
	_, err = f.store.GetMessage(ctx, bobMsg)
	require.NoError(t, err)
}

func TestMarkReadIDsAreScopedToUser(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	post := fanout.PostCommand{Content: "hi", Recipients: []string{"alice", "bob"}, MessageID: "m"}
	f.deliver(t, f.postEnvelope(t, f.system, post), "")

	for _, userID := range []string{"u-alice", "u-bob"} {
		s := userSigner(t, userID)
		msgID := copyID(f.system, "m", userID)
		env := withID(f.request(t, s, envelope.KindCommand, ActionMarkRead,
			transactions.MessageIDs{MessageIDs: []string{msgID}}), s, "same")

		reply := decodeReply(t, f.deliver(t, env, "_INBOX.r"))
		require.True(t, reply.OK)

		m, err := f.store.GetMessage(ctx, msgID)
		require.NoError(t, err)
		require.True(t, m.Read, userID)
	}
	_, duplicates := f.domain.Log.Stats()
	require.Zero(t, duplicates)
}

func TestMarkReadRequiresUser(t *testing.T) {
	f := newFixture(t)
	reply := decodeReply(t, f.deliver(t, f.request(t, f.system, envelope.KindCommand, ActionMarkRead,
		transactions.MessageIDs{MessageIDs: []string{"x"}}), "_INBOX.r"))
	require.Equal(t, envelope.CodeUnauthorized, reply.Code)
}

func TestSyncAndFetch(t *testing.T) {
	f := newFixture(t)
	f.deliver(t, f.postEnvelope(t, f.system, fanout.PostCommand{Content: "hi", Recipients: []string{"alice"}, MessageID: "m"}), "")
	alice := userSigner(t, "u-alice")

	result := f.deliver(t, f.request(t, alice, envelope.KindRequest, ActionSyncMessages, query.SyncRequest{}), "_INBOX.s")
	sync, ok := result.(*query.SyncReply)
	require.True(t, ok)
	require.Len(t, sync.Messages, 1)
	require.Equal(t, copyID(f.system, "m", "u-alice"), sync.Messages[0].MessageID)

	result = f.deliver(t, f.request(t, alice, envelope.KindRequest, ActionMessagesByIDs,
		query.MessagesByIDsRequest{MessageIDs: []string{sync.Messages[0].MessageID}}), "_INBOX.s")
	fetched, ok := result.(*query.MessagesReply)
	require.True(t, ok)
	require.Len(t, fetched.Messages, 1)
}

func TestDecryptKeysProxy(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.deliver(t, f.postEnvelope(t, f.system, fanout.PostCommand{Content: "hi", Recipients: []string{"alice", "bob"}, MessageID: "m"}), "")

	aliceMsg, err := f.store.GetMessage(ctx, copyID(f.system, "m", "u-alice"))
	require.NoError(t, err)
	bobMsg, err := f.store.GetMessage(ctx, copyID(f.system, "m", "u-bob"))
	require.NoError(t, err)
	alice := userSigner(t, "u-alice")

	denied := f.deliver(t, f.request(t, alice, envelope.KindRequest, ActionDecryptKeys,
		query.DecryptKeysRequest{KeyIDs: []string{bobMsg.Payload.KeyID}}), "_INBOX.k")
	reply := decodeReply(t, denied)
	require.False(t, reply.OK)
	require.Equal(t, envelope.CodeAccessDenied, reply.Code)
	require.Empty(t, f.fake.Forwarded())

	result := f.deliver(t, f.request(t, alice, envelope.KindRequest, ActionDecryptKeys,
		query.DecryptKeysRequest{KeyIDs: []string{aliceMsg.Payload.KeyID}}), "_INBOX.k")
	require.Nil(t, result)
	fwd := f.fake.Forwarded()
	require.Len(t, fwd, 1)
	require.Equal(t, "_INBOX.k", fwd[0].Reply)
}

func TestKeysChangedInvalidatesCache(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	subject := "request.KeyCustodian.publicKeys"

	_, err := f.domain.Custodian.PublicKeys(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, f.fake.Calls(subject))

	env, err := envelope.New(f.system, envelope.KindEvent, "KeyCustodian", string(ActionKeysChanged), struct{}{})
	require.NoError(t, err)
	require.Nil(t, f.deliver(t, env, ""))

	_, err = f.domain.Custodian.PublicKeys(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, f.fake.Calls(subject))
}

func TestUnknownActionIsMalformed(t *testing.T) {
	f := newFixture(t)
	env, err := envelope.New(f.system, envelope.KindRequest, Name, "dropEverything", struct{}{})
	require.NoError(t, err)

	reply := decodeReply(t, f.deliver(t, env, "_INBOX.x"))
	require.Equal(t, envelope.CodeMalformed, reply.Code)
}
