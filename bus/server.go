package bus

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"

	"github.com/mesmerverse/vettid-dev/messages/envelope"
)

// Delivery is a verified envelope received from the bus.
type Delivery struct {
	Subject  string
	Reply    string
	Envelope *envelope.Envelope
}

// Handler processes deliveries. A nil reply means nothing is sent back.
type Handler interface {
	Handle(ctx context.Context, d *Delivery) (any, error)
}

// Route is one subscription served by the Server.
type Route struct {
	Kind   envelope.Kind
	Domain string
	Action string
}

// Subject returns the subject the route listens on.
func (r Route) Subject() string {
	return envelope.Subject(r.Kind, r.Domain, r.Action)
}

// Publisher sends replies.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Subscriber registers message callbacks.
type Subscriber interface {
	QueueSubscribe(subject, queue string, handler nats.MsgHandler) error
}

// Server runs every delivery in its own goroutine, bounded by maxInFlight.
type Server struct {
	publisher Publisher
	handler   Handler
	queue     string
	sem       *semaphore.Weighted
	wg        sync.WaitGroup

	handled  atomic.Int64
	rejected atomic.Int64
}

// NewServer creates a server answering through publisher.
func NewServer(publisher Publisher, handler Handler, queue string, maxInFlight int64) *Server {
	return &Server{
		publisher: publisher,
		handler:   handler,
		queue:     queue,
		sem:       semaphore.NewWeighted(max(maxInFlight, 1)),
	}
}

// Subscribe registers every route. Commands and requests are shared by the
// queue group; events reach every instance.
func (s *Server) Subscribe(ctx context.Context, sub Subscriber, routes []Route) error {
	for _, r := range routes {
		queue := s.queue
		if r.Kind == envelope.KindEvent {
			queue = ""
		}
		if err := sub.QueueSubscribe(r.Subject(), queue, func(msg *nats.Msg) {
			s.Dispatch(ctx, msg.Subject, msg.Reply, msg.Data)
		}); err != nil {
			return err
		}
	}
	log.Info().Int("routes", len(routes)).Str("queue", s.queue).Msg("Bus routes subscribed")
	return nil
}

// Dispatch schedules one message. It blocks while maxInFlight handlers run.
func (s *Server) Dispatch(ctx context.Context, subject, reply string, data []byte) {
	if err := s.sem.Acquire(ctx, 1); err != nil {
		log.Warn().Str("subject", subject).Msg("Shutting down, message dropped")
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.sem.Release(1)
		s.serve(ctx, subject, reply, data)
	}()
}

func (s *Server) serve(ctx context.Context, subject, reply string, data []byte) {
	env, err := envelope.Parse(data)
	if err != nil {
		s.rejected.Add(1)
		log.Warn().Err(err).Str("subject", subject).Msg("Rejected malformed envelope")
		s.respond(reply, envelope.Fail(envelope.CodeMalformed, "malformed envelope"))
		return
	}
	if env.Subject() != subject {
		s.rejected.Add(1)
		log.Warn().Str("subject", subject).Str("envelope_subject", env.Subject()).Msg("Envelope routed on wrong subject")
		s.respond(reply, envelope.Fail(envelope.CodeMalformed, "malformed envelope"))
		return
	}

	result, err := s.handler.Handle(ctx, &Delivery{Subject: subject, Reply: reply, Envelope: env})
	s.handled.Add(1)
	if err != nil {
		log.Error().Err(err).Str("subject", subject).Str("envelope_id", env.ID).Msg("Handler failed")
		s.respond(reply, envelope.Fail(envelope.CodeInternal, "internal error"))
		return
	}
	if result != nil {
		s.respond(reply, result)
	}
}

func (s *Server) respond(reply string, body any) {
	if reply == "" {
		return
	}
	data, err := json.Marshal(body)
	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal reply")
		return
	}
	if err := s.publisher.Publish(reply, data); err != nil {
		log.Warn().Err(err).Str("reply", reply).Msg("Failed to send reply")
	}
}

// Wait blocks until in-flight handlers return.
func (s *Server) Wait() {
	s.wg.Wait()
}

// Stats reports handled and rejected deliveries.
func (s *Server) Stats() (handled, rejected int64) {
	return s.handled.Load(), s.rejected.Load()
}
