package fanout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mesmerverse/vettid-dev/messages/auth"
	"github.com/mesmerverse/vettid-dev/messages/bus/bustest"
	"github.com/mesmerverse/vettid-dev/messages/config"
	"github.com/mesmerverse/vettid-dev/messages/custodian"
	"github.com/mesmerverse/vettid-dev/messages/custodian/custodiantest"
	"github.com/mesmerverse/vettid-dev/messages/domainerr"
	"github.com/mesmerverse/vettid-dev/messages/encryption"
	"github.com/mesmerverse/vettid-dev/messages/envelope"
	"github.com/mesmerverse/vettid-dev/messages/identity"
	"github.com/mesmerverse/vettid-dev/messages/keyring"
	"github.com/mesmerverse/vettid-dev/messages/keys"
	"github.com/mesmerverse/vettid-dev/messages/recipients"
	"github.com/mesmerverse/vettid-dev/messages/store"
	"github.com/mesmerverse/vettid-dev/messages/transactions"
)

var directory = map[string]string{"alice": "u-alice", "carol": "u-carol", "dave": "u-dave"}

type fixture struct {
	fake      *bustest.Fake
	custodian *custodiantest.Custodian
	node      *keyring.Keyring
	sender    *keyring.Keyring
	store     *store.Store
	log       *transactions.Log
	resolver  *keys.Resolver
	people    *recipients.Resolver
	pipeline  *Pipeline
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	node, err := custodiantest.NewKeyring()
	require.NoError(t, err)
	sender, err := custodiantest.NewKeyring()
	require.NoError(t, err)
	cust, err := custodiantest.New()
	require.NoError(t, err)

	cfg := config.DefaultConfig().Custodian
	fake := bustest.New()
	cust.Install(fake, cfg.Domain)
	fake.Handle("request.AccountManager.getUserIdsByUsername", func(env *envelope.Envelope) (any, error) {
		var req identity.LookupRequest
		if err := env.Decode(&req); err != nil {
			return nil, err
		}
		users := map[string]string{}
		for _, n := range req.Usernames {
			if id, ok := directory[n]; ok {
				users[n] = id
			}
		}
		return identity.LookupResponse{OK: true, Users: users}, nil
	})

	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	custClient := custodian.NewClient(fake, node, "Messages", cfg)
	resolver := keys.NewResolver(node, custClient, st, "Messages")
	people := recipients.NewResolver(st, identity.NewClient(fake, node, cfg), resolver)
	lg := transactions.NewLog(st, transactions.NewApplier(st), nil)

	return &fixture{
		fake:      fake,
		custodian: cust,
		node:      node,
		sender:    sender,
		store:     st,
		log:       lg,
		resolver:  resolver,
		people:    people,
		pipeline:  NewPipeline(resolver, people, lg, opts...),
	}
}

// post seals cmd for the custodian, as a sender without the node's key would.
func (f *fixture) post(t *testing.T, cmd PostCommand) *envelope.Envelope {
	t.Helper()
	secret := make([]byte, encryption.SecretSize)
	secret[0] = 42
	wrapped, err := f.custodian.Wrap(secret)
	require.NoError(t, err)
	env, err := envelope.NewEncrypted(f.sender, envelope.KindCommand, "Messages", "postV1", cmd,
		secret, "message-key", map[string]string{f.custodian.Fingerprint: wrapped})
	require.NoError(t, err)
	return env
}

var systemCaller = auth.Caller{System: true}

func (f *fixture) count(t *testing.T, userID string) int {
	t.Helper()
	n, err := f.store.CountMessages(context.Background(), userID)
	require.NoError(t, err)
	return n
}

func TestPostPartialDelivery(t *testing.T) {
	f := newFixture(t)
	cmd := PostCommand{Content: "hello", Recipients: []string{"alice", "bob", "carol"}, MessageID: "m-1"}

	reply, err := f.pipeline.PostMessage(context.Background(), systemCaller, f.post(t, cmd))
	require.NoError(t, err)
	require.True(t, reply.OK)
	require.Equal(t, envelope.CodePartial, reply.Code)
	require.Contains(t, reply.Err, "1 unknown recipient")
	require.Equal(t, 2, reply.Delivered)

	require.Equal(t, 2, f.count(t, ""))
	require.Equal(t, 1, f.count(t, "u-alice"))
	require.Equal(t, 1, f.count(t, "u-carol"))

	msg, err := f.store.GetMessage(context.Background(), MessageID(systemCaller.Scope("m-1"), "u-alice"))
	require.NoError(t, err)
	secret, ok := f.custodian.Secret(msg.Payload.KeyID)
	require.True(t, ok)
	plaintext, err := msg.Payload.Decrypt(secret)
	require.NoError(t, err)

	var got PostCommand
	require.NoError(t, json.Unmarshal(plaintext, &got))
	require.Equal(t, "hello", got.Content)
}

func TestPostEveryRecipientDelivered(t *testing.T) {
	f := newFixture(t, WithConcurrency(4))
	cmd := PostCommand{Content: "hi", Recipients: []string{"alice", "carol", "dave"}}

	reply, err := f.pipeline.PostMessage(context.Background(), systemCaller, f.post(t, cmd))
	require.NoError(t, err)
	require.True(t, reply.OK)
	require.Equal(t, envelope.CodeDelivered, reply.Code)
	require.Empty(t, reply.Err)
	require.Equal(t, 3, f.count(t, ""))
	require.Len(t, f.custodian.Registered(), 3)
}

func TestPostZeroMatch(t *testing.T) {
	f := newFixture(t)
	cmd := PostCommand{Content: "hi", Recipients: []string{"bob", "eve"}}

	reply, err := f.pipeline.PostMessage(context.Background(), systemCaller, f.post(t, cmd))
	require.NoError(t, err)
	require.True(t, reply.OK)
	require.Equal(t, envelope.CodeUnknownRecipients, reply.Code)
	require.Zero(t, f.count(t, ""))
}

func TestPostCustodianTimeoutPersistsNothing(t *testing.T) {
	f := newFixture(t)
	f.fake.Silence("request.KeyCustodian.decryptMessage")
	cmd := PostCommand{Content: "hi", Recipients: []string{"alice"}}

	_, err := f.pipeline.PostMessage(context.Background(), systemCaller, f.post(t, cmd))
	require.True(t, domainerr.IsKind(err, domainerr.RemoteTimeout))

	require.Zero(t, f.count(t, ""))
	seq, err := f.store.LastTransactionSeq(context.Background())
	require.NoError(t, err)
	require.Zero(t, seq)
}

func TestPostRetryIsIdempotent(t *testing.T) {
	f := newFixture(t)
	cmd := PostCommand{Content: "hi", Recipients: []string{"alice", "carol"}, MessageID: "m-retry"}
	ctx := context.Background()

	first, err := f.pipeline.PostMessage(ctx, systemCaller, f.post(t, cmd))
	require.NoError(t, err)
	require.Equal(t, envelope.CodeDelivered, first.Code)

	second, err := f.pipeline.PostMessage(ctx, systemCaller, f.post(t, cmd))
	require.NoError(t, err)
	require.Equal(t, envelope.CodeDelivered, second.Code)

	require.Equal(t, 2, f.count(t, ""))
	seq, err := f.store.LastTransactionSeq(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 2, seq)
	_, duplicates := f.log.Stats()
	require.EqualValues(t, 2, duplicates)
	require.Len(t, f.custodian.Registered(), 2)
}

func TestPostWithoutKeyMapIsMalformed(t *testing.T) {
	f := newFixture(t)
	env, err := envelope.New(f.sender, envelope.KindCommand, "Messages", "postV1", PostCommand{Content: "plain"})
	require.NoError(t, err)

	_, err = f.pipeline.PostMessage(context.Background(), systemCaller, env)
	require.True(t, domainerr.IsKind(err, domainerr.MalformedInput))
}

func TestPostLocalKeyEntry(t *testing.T) {
	f := newFixture(t)
	secret := make([]byte, encryption.SecretSize)
	wrapped, err := encryption.WrapSecretString(secret, f.node.BoxPublicKey())
	require.NoError(t, err)
	env, err := envelope.NewEncrypted(f.sender, envelope.KindCommand, "Messages", "postV1",
		PostCommand{Content: "direct", Recipients: []string{"alice"}},
		secret, "k", map[string]string{f.node.Fingerprint(): wrapped})
	require.NoError(t, err)

	reply, err := f.pipeline.PostMessage(context.Background(), systemCaller, env)
	require.NoError(t, err)
	require.Equal(t, envelope.CodeDelivered, reply.Code)
	require.Zero(t, f.fake.Calls("request.KeyCustodian.decryptMessage"))
}

// failingEmitter refuses the deliveries of the listed users.
type failingEmitter struct {
	next Emitter
	fail map[string]bool
}

func (e *failingEmitter) Emit(ctx context.Context, tx *transactions.Transaction) error {
	var body transactions.ReceiveMessage
	if err := json.Unmarshal(tx.Content, &body); err == nil && e.fail[body.UserID] {
		return errors.New("store unavailable")
	}
	return e.next.Emit(ctx, tx)
}

func TestPostEmissionFailureIsIsolated(t *testing.T) {
	for _, n := range []int{1, 4} {
		t.Run(fmt.Sprintf("concurrency %d", n), func(t *testing.T) {
			f := newFixture(t)
			emitter := &failingEmitter{next: f.log, fail: map[string]bool{"u-carol": true}}
			p := NewPipeline(f.resolver, f.people, emitter, WithConcurrency(n))
			cmd := PostCommand{Content: "hi", Recipients: []string{"alice", "carol", "dave"}}

			reply, err := p.PostMessage(context.Background(), systemCaller, f.post(t, cmd))
			require.NoError(t, err)
			require.True(t, reply.OK)
			require.Equal(t, envelope.CodePartial, reply.Code)
			require.Equal(t, "delivered to 2 recipients, 1 failed delivery", reply.Err)
			require.Equal(t, 2, reply.Delivered)

			require.Equal(t, 1, f.count(t, "u-alice"))
			require.Equal(t, 1, f.count(t, "u-dave"))
			require.Zero(t, f.count(t, "u-carol"))

			posts, delivered, failed := p.Stats()
			require.EqualValues(t, 1, posts)
			require.EqualValues(t, 2, delivered)
			require.EqualValues(t, 1, failed)
		})
	}
}

func TestPostEveryEmissionFailed(t *testing.T) {
	for _, n := range []int{1, 4} {
		t.Run(fmt.Sprintf("concurrency %d", n), func(t *testing.T) {
			f := newFixture(t)
			emitter := &failingEmitter{next: f.log, fail: map[string]bool{"u-alice": true, "u-carol": true, "u-dave": true}}
			p := NewPipeline(f.resolver, f.people, emitter, WithConcurrency(n))
			cmd := PostCommand{Content: "hi", Recipients: []string{"alice", "carol", "dave"}}

			reply, err := p.PostMessage(context.Background(), systemCaller, f.post(t, cmd))
			require.NoError(t, err)
			require.False(t, reply.OK)
			require.Equal(t, envelope.CodeInternal, reply.Code)
			require.Equal(t, "delivery failed", reply.Err)
			require.Zero(t, reply.Delivered)
			require.Zero(t, f.count(t, ""))

			_, _, failed := p.Stats()
			require.EqualValues(t, 3, failed)
		})
	}
}

func TestSummary(t *testing.T) {
	require.Equal(t, "delivered to 2 recipients, 1 unknown recipient", summary(2, 1, 0, 0))
	require.Equal(t, "delivered to 1 recipient, 2 unknown recipients, 1 recipient without key, 2 failed deliveries",
		summary(1, 2, 1, 2))
}
