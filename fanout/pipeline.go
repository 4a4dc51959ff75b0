// Package fanout delivers a posted message to each of its recipients: the
// inbound envelope is opened once, then re-encrypted and recorded separately
// for every recipient.
package fanout

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/mesmerverse/vettid-dev/messages/auth"
	"github.com/mesmerverse/vettid-dev/messages/domainerr"
	"github.com/mesmerverse/vettid-dev/messages/encryption"
	"github.com/mesmerverse/vettid-dev/messages/envelope"
	"github.com/mesmerverse/vettid-dev/messages/recipients"
	"github.com/mesmerverse/vettid-dev/messages/store"
	"github.com/mesmerverse/vettid-dev/messages/transactions"
)

// PostCommand is the decrypted body of a post.
type PostCommand struct {
	Content    string                     `json:"content"`
	Recipients []string                   `json:"recipients"`
	ReplyTo    string                     `json:"reply_to,omitempty"`
	PostDate   int64                      `json:"post_date,omitempty"`
	Origin     string                     `json:"origin,omitempty"`
	MessageID  string                     `json:"message_id,omitempty"`
	Files      []transactions.FileBinding `json:"files,omitempty"`
}

// PostReply answers a post.
type PostReply struct {
	envelope.Reply
	Delivered int `json:"delivered"`
}

// InboundKeys opens the message key of an inbound envelope.
type InboundKeys interface {
	ResolveInbound(ctx context.Context, decryption *envelope.Decryption) ([]byte, error)
}

// Recipients resolves usernames to keyed profiles.
type Recipients interface {
	Resolve(ctx context.Context, usernames []string) (*recipients.Resolution, error)
}

// Emitter records transactions.
type Emitter interface {
	Emit(ctx context.Context, tx *transactions.Transaction) error
}

// Pipeline runs posts.
type Pipeline struct {
	keys        InboundKeys
	recipients  Recipients
	emitter     Emitter
	concurrency int
	now         func() time.Time

	posts     atomic.Int64
	delivered atomic.Int64
	failed    atomic.Int64
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithConcurrency caps how many recipients are processed at once.
func WithConcurrency(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.concurrency = n
		}
	}
}

// WithClock overrides the transaction clock.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

// NewPipeline creates a pipeline.
func NewPipeline(keys InboundKeys, recipients Recipients, emitter Emitter, opts ...Option) *Pipeline {
	p := &Pipeline{
		keys:        keys,
		recipients:  recipients,
		emitter:     emitter,
		concurrency: 1,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// MessageID derives the id of the copy delivered to userID. base is already
// scoped to the sender, so a retried post lands on the same rows and another
// sender reusing the id does not.
func MessageID(base, userID string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(base+"/"+userID)).String()
}

// PostMessage delivers env to every recipient it names. caller has already
// passed the authorization gate. Errors are returned for malformed posts and
// for failures to open the message key; every other outcome is a reply.
func (p *Pipeline) PostMessage(ctx context.Context, caller auth.Caller, env *envelope.Envelope) (*PostReply, error) {
	const op = "fanout.postMessage"
	p.posts.Add(1)
	log.Debug().Str("envelope_id", env.ID).Str("user_id", caller.UserID).Bool("system", caller.System).Msg("Post received")

	if env.Decryption == nil || len(env.Decryption.Keys) == 0 {
		return nil, domainerr.New(domainerr.MalformedInput, op, "post %s is not encrypted for any key", env.ID)
	}

	secret, err := p.keys.ResolveInbound(ctx, env.Decryption)
	if err != nil {
		return nil, err
	}
	plaintext, err := env.DecryptContent(secret)
	encryption.Zero(secret)
	if err != nil {
		return nil, err
	}

	var cmd PostCommand
	if err := json.Unmarshal(plaintext, &cmd); err != nil {
		return nil, domainerr.Wrap(domainerr.MalformedInput, op, err)
	}

	res, err := p.recipients.Resolve(ctx, cmd.Recipients)
	if err != nil {
		log.Error().Err(err).Str("envelope_id", env.ID).Msg("Recipient resolution failed")
		return &PostReply{Reply: *envelope.Fail(envelope.CodeInternal, "recipient processing error")}, nil
	}
	defer res.Zero()

	if len(res.Profiles) == 0 {
		if res.Dropped > 0 {
			return &PostReply{Reply: *envelope.Fail(envelope.CodeKeyUnavailable, "key unavailable")}, nil
		}
		return &PostReply{Reply: envelope.Reply{OK: true, Code: envelope.CodeUnknownRecipients, Err: "unknown recipients"}}, nil
	}

	base := cmd.MessageID
	if base == "" {
		base = env.ID
	}
	if base == "" {
		base = uuid.NewString()
	}
	base = caller.Scope(base)

	delivered, failed := p.deliver(ctx, env, &cmd, plaintext, base, res)
	p.delivered.Add(int64(delivered))
	p.failed.Add(int64(failed))

	if delivered == 0 {
		return &PostReply{Reply: *envelope.Fail(envelope.CodeInternal, "delivery failed")}, nil
	}

	reply := &PostReply{Reply: envelope.Reply{OK: true, Code: envelope.CodeDelivered}, Delivered: delivered}
	if missed := len(res.Unknown) + res.Dropped + failed; missed > 0 {
		reply.Code = envelope.CodePartial
		reply.Err = summary(delivered, len(res.Unknown), res.Dropped, failed)
		log.Info().
			Err(domainerr.New(domainerr.PartialResolutionFailure, op, "%s", reply.Err)).
			Str("envelope_id", env.ID).
			Strs("unknown", res.Unknown).
			Msg("Partial delivery")
	}
	return reply, nil
}

func (p *Pipeline) deliver(ctx context.Context, env *envelope.Envelope, cmd *PostCommand, plaintext []byte, base string, res *recipients.Resolution) (int, int) {
	var delivered, failed atomic.Int64
	var g errgroup.Group
	g.SetLimit(p.concurrency)

	for i := range res.Profiles {
		profile := res.Profiles[i]
		g.Go(func() error {
			id := MessageID(base, profile.UserID)
			if err := p.deliverOne(ctx, env, cmd, plaintext, id, profile, res.KeyByID[profile.CurrentKeyID]); err != nil {
				failed.Add(1)
				log.Error().Err(err).Str("message_id", id).Str("user_id", profile.UserID).Msg("Delivery to recipient failed")
				return nil
			}
			delivered.Add(1)
			return nil
		})
	}
	_ = g.Wait()
	return int(delivered.Load()), int(failed.Load())
}

func (p *Pipeline) deliverOne(ctx context.Context, env *envelope.Envelope, cmd *PostCommand, plaintext []byte, id string, profile store.Profile, secret []byte) error {
	if secret == nil {
		return domainerr.New(domainerr.ConsistencyViolation, "fanout.deliver", "no secret for key %s", profile.CurrentKeyID)
	}
	payload, err := encryption.EncryptPayload(profile.CurrentKeyID, secret, plaintext)
	if err != nil {
		return err
	}
	tx, err := transactions.New(id, transactions.ActionReceiveMessage, transactions.ReceiveMessage{
		UserID:  profile.UserID,
		Message: *payload,
		Files:   cmd.Files,
	}, env.Certificate, p.now())
	if err != nil {
		return err
	}
	return p.emitter.Emit(ctx, tx)
}

// Stats returns pipeline counters.
func (p *Pipeline) Stats() (posts, delivered, failed int64) {
	return p.posts.Load(), p.delivered.Load(), p.failed.Load()
}

func summary(delivered, unknown, dropped, failed int) string {
	parts := []string{"delivered to " + plural(delivered, "recipient")}
	if unknown > 0 {
		parts = append(parts, plural(unknown, "unknown recipient"))
	}
	if dropped > 0 {
		parts = append(parts, plural(dropped, "recipient")+" without key")
	}
	if failed > 0 {
		parts = append(parts, plural(failed, "failed delivery", "failed deliveries"))
	}
	return strings.Join(parts, ", ")
}

func plural(n int, singular string, pluralForm ...string) string {
	if n == 1 {
		return fmt.Sprintf("%d %s", n, singular)
	}
	if len(pluralForm) > 0 {
		return fmt.Sprintf("%d %s", n, pluralForm[0])
	}
	return fmt.Sprintf("%d %ss", n, singular)
}
