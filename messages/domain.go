// Package messages is the Messages domain: it owns every component of the
// service and routes bus deliveries to them.
package messages

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mesmerverse/vettid-dev/messages/auth"
	"github.com/mesmerverse/vettid-dev/messages/bus"
	"github.com/mesmerverse/vettid-dev/messages/config"
	"github.com/mesmerverse/vettid-dev/messages/custodian"
	"github.com/mesmerverse/vettid-dev/messages/domainerr"
	"github.com/mesmerverse/vettid-dev/messages/envelope"
	"github.com/mesmerverse/vettid-dev/messages/fanout"
	"github.com/mesmerverse/vettid-dev/messages/identity"
	"github.com/mesmerverse/vettid-dev/messages/keyring"
	"github.com/mesmerverse/vettid-dev/messages/keys"
	"github.com/mesmerverse/vettid-dev/messages/query"
	"github.com/mesmerverse/vettid-dev/messages/recipients"
	"github.com/mesmerverse/vettid-dev/messages/store"
	"github.com/mesmerverse/vettid-dev/messages/transactions"
)

// Name is the domain name used in subjects and key scopes.
const Name = "Messages"

const replyCacheSize = 10000

// Domain is the service context, built once at startup.
type Domain struct {
	Store      *store.Store
	Keyring    *keyring.Keyring
	Custodian  *custodian.Client
	Identity   *identity.Client
	Keys       *keys.Resolver
	Recipients *recipients.Resolver
	Log        *transactions.Log
	Pipeline   *fanout.Pipeline
	Query      *query.Service

	custodianDomain string
	replies         *bus.ReplyCache
}

// New wires the domain. publisher may be nil when transactions are not
// shared with other nodes.
func New(cfg *config.Config, st *store.Store, kr *keyring.Keyring, requester bus.Requester, publisher transactions.Publisher) *Domain {
	custodianClient := custodian.NewClient(requester, kr, Name, cfg.Custodian)
	identityClient := identity.NewClient(requester, kr, cfg.Custodian)
	resolver := keys.NewResolver(kr, custodianClient, st, Name)
	people := recipients.NewResolver(st, identityClient, resolver)
	txlog := transactions.NewLog(st, transactions.NewApplier(st), publisher)

	return &Domain{
		Store:           st,
		Keyring:         kr,
		Custodian:       custodianClient,
		Identity:        identityClient,
		Keys:            resolver,
		Recipients:      people,
		Log:             txlog,
		Pipeline:        fanout.NewPipeline(resolver, people, txlog, fanout.WithConcurrency(cfg.Fanout.Concurrency)),
		Query:           query.NewService(st, custodianClient),
		custodianDomain: cfg.Custodian.Domain,
		replies:         bus.NewReplyCache(time.Duration(cfg.Fanout.ReplyCacheSeconds)*time.Second, replyCacheSize),
	}
}

// Replies exposes the reply cache for maintenance.
func (d *Domain) Replies() *bus.ReplyCache {
	return d.replies
}

// Handle routes a verified delivery. Classified failures become replies;
// only unexpected errors are returned.
func (d *Domain) Handle(ctx context.Context, del *bus.Delivery) (any, error) {
	env := del.Envelope
	op, err := d.route(env)
	if err != nil {
		return d.replyFor(env, err)
	}

	class, err := env.Kind.Class()
	if err != nil {
		return d.replyFor(env, domainerr.Wrap(domainerr.MalformedInput, "messages.route", err))
	}
	caller, err := auth.Authorize(&env.Certificate, class)
	if err != nil {
		return d.replyFor(env, err)
	}

	result, err := d.dispatch(ctx, op, caller, del)
	if err != nil {
		return d.replyFor(env, err)
	}
	return result, nil
}

func (d *Domain) route(env *envelope.Envelope) (Operation, error) {
	for _, op := range operations {
		if op.kind != env.Kind || Action(env.Action) != op.action {
			continue
		}
		domain := Name
		if op.external {
			domain = d.custodianDomain
		}
		if env.Domain == domain {
			return op, nil
		}
	}
	return Operation{}, domainerr.New(domainerr.MalformedInput, "messages.route",
		"no operation for %s", env.Subject())
}

func (d *Domain) dispatch(ctx context.Context, op Operation, caller auth.Caller, del *bus.Delivery) (any, error) {
	env := del.Envelope
	switch op.action {
	case ActionPostV1:
		return d.post(ctx, caller, env)

	case ActionMarkRead:
		return d.emitOwned(ctx, caller, env, transactions.ActionMarkRead)

	case ActionDeleteMessage:
		return d.emitOwned(ctx, caller, env, transactions.ActionDeleteMessage)

	case ActionSyncMessages:
		userID, err := auth.RequireUser(caller, "messages.syncMessages")
		if err != nil {
			return nil, err
		}
		var req query.SyncRequest
		if err := env.Decode(&req); err != nil {
			return nil, err
		}
		return d.Query.Sync(ctx, userID, req)

	case ActionMessagesByIDs:
		userID, err := auth.RequireUser(caller, "messages.messagesByIds")
		if err != nil {
			return nil, err
		}
		var req query.MessagesByIDsRequest
		if err := env.Decode(&req); err != nil {
			return nil, err
		}
		return d.Query.MessagesByIDs(ctx, userID, req)

	case ActionDecryptKeys:
		userID, err := auth.RequireUser(caller, "messages.decryptKeys")
		if err != nil {
			return nil, err
		}
		var req query.DecryptKeysRequest
		if err := env.Decode(&req); err != nil {
			return nil, err
		}
		reply, err := d.Query.DiscloseKeys(ctx, userID, env.Certificate, req, del.Reply, env.ID)
		if err != nil || reply == nil {
			return nil, err
		}
		return reply, nil

	case ActionKeysChanged:
		d.Custodian.InvalidatePublicKeys()
		log.Info().Str("from", caller.Fingerprint).Msg("Custodian keys changed, cache invalidated")
		return nil, nil

	default:
		return nil, domainerr.New(domainerr.MalformedInput, "messages.dispatch", "unhandled action %s", op.action)
	}
}

func (d *Domain) post(ctx context.Context, caller auth.Caller, env *envelope.Envelope) (any, error) {
	key := caller.Scope(env.ID)
	if cached, ok := d.replies.Get(key); ok {
		log.Debug().Str("envelope_id", env.ID).Str("from", caller.Fingerprint).Msg("Returning cached post reply")
		return json.RawMessage(cached), nil
	}

	reply, err := d.Pipeline.PostMessage(ctx, caller, env)
	if err != nil {
		return nil, err
	}
	switch {
	case reply.OK:
		if data, err := json.Marshal(reply); err == nil {
			d.replies.Put(key, data)
		}
	case reply.Soft():
		log.Warn().Str("envelope_id", env.ID).Int("code", reply.Code).Msg("Post deferred, sender may retry")
	}
	return reply, nil
}

func (d *Domain) emitOwned(ctx context.Context, caller auth.Caller, env *envelope.Envelope, action transactions.Action) (any, error) {
	op := "messages." + string(action)
	if _, err := auth.RequireUser(caller, op); err != nil {
		return nil, err
	}
	var body transactions.MessageIDs
	if err := env.Decode(&body); err != nil {
		return nil, err
	}
	if len(body.MessageIDs) == 0 {
		return nil, domainerr.New(domainerr.MalformedInput, op, "no message ids")
	}

	tx, err := transactions.New(caller.Scope(env.ID), action, body, env.Certificate, time.Now())
	if err != nil {
		return nil, domainerr.Wrap(domainerr.Internal, op, err)
	}
	if err := d.Log.Emit(ctx, tx); err != nil {
		return nil, err
	}
	return envelope.OK(), nil
}

// replyFor maps a classified failure to the reply sent back.
func (d *Domain) replyFor(env *envelope.Envelope, err error) (any, error) {
	kind := domainerr.KindOf(err)
	event := log.Warn()
	if kind == domainerr.Internal || kind == domainerr.ConsistencyViolation || kind == domainerr.UnknownTransactionKind {
		event = log.Error()
	}
	event.Err(err).Str("envelope_id", env.ID).Str("subject", env.Subject()).Stringer("kind", kind).Msg("Operation failed")

	if env.Kind == envelope.KindEvent {
		return nil, nil
	}
	switch kind {
	case domainerr.Unauthorized:
		return envelope.Fail(envelope.CodeUnauthorized, "access denied"), nil
	case domainerr.MalformedInput:
		return envelope.Fail(envelope.CodeMalformed, "malformed input"), nil
	case domainerr.RemoteTimeout:
		return envelope.Fail(envelope.CodeServerTimeout, "server timeout"), nil
	case domainerr.RemoteFailure:
		return envelope.Fail(envelope.CodeKeyUnavailable, "key unavailable"), nil
	case domainerr.ConsistencyViolation:
		return envelope.Fail(envelope.CodeInternal, "recipient processing error"), nil
	default:
		return nil, err
	}
}

// Stats reports domain counters.
type Stats struct {
	Posts          int64 `json:"posts"`
	Delivered      int64 `json:"delivered"`
	FailedDelivery int64 `json:"failed_deliveries"`
	Transactions   int64 `json:"transactions"`
	DuplicateTx    int64 `json:"duplicate_transactions"`
	CachedReplies  int   `json:"cached_replies"`
}

// Stats snapshots the pipeline and log counters.
func (d *Domain) Stats() Stats {
	posts, delivered, failed := d.Pipeline.Stats()
	emitted, duplicates := d.Log.Stats()
	return Stats{
		Posts:          posts,
		Delivered:      delivered,
		FailedDelivery: failed,
		Transactions:   emitted,
		DuplicateTx:    duplicates,
		CachedReplies:  d.replies.Size(),
	}
}
