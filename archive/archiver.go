// Package archive exports the transaction log to S3 as CBOR segments and
// restores it from there, so a node can be rebuilt without its local
// database.
package archive

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/fxamacker/cbor/v2"
	"github.com/rs/zerolog/log"

	"github.com/mesmerverse/vettid-dev/messages/config"
	"github.com/mesmerverse/vettid-dev/messages/store"
)

// WatermarkKey is the metadata key holding the last exported sequence.
const WatermarkKey = "archive.last_seq"

const (
	segmentVersion = 1
	segmentSuffix  = ".cbor"
	uploadRetries  = 5
)

// Record is one archived transaction. Times are unix milliseconds.
type Record struct {
	Seq         int64  `cbor:"1,keyasint"`
	ID          string `cbor:"2,keyasint"`
	Action      string `cbor:"3,keyasint"`
	Timestamp   int64  `cbor:"4,keyasint"`
	Content     []byte `cbor:"5,keyasint"`
	Certificate []byte `cbor:"6,keyasint"`
}

// Segment is one archived object.
type Segment struct {
	Version int      `cbor:"1,keyasint"`
	From    int64    `cbor:"2,keyasint"`
	To      int64    `cbor:"3,keyasint"`
	Records []Record `cbor:"4,keyasint"`
}

// Source is the local log being exported.
type Source interface {
	TransactionsAfter(ctx context.Context, afterSeq int64, limit int) ([]store.TransactionRecord, error)
	GetMetadata(ctx context.Context, key string) (string, bool, error)
	SetMetadata(ctx context.Context, key, value string) error
}

// Sink receives restored transactions.
type Sink interface {
	AppendTransaction(ctx context.Context, rec store.TransactionRecord) (bool, error)
}

// Archiver exports and restores segments.
type Archiver struct {
	objects     ObjectStore
	prefix      string
	segmentSize int
	newBackOff  func() backoff.BackOff
	encMode     cbor.EncMode
}

// New creates an archiver writing under cfg.KeyPrefix.
func New(objects ObjectStore, cfg config.ArchiveConfig) (*Archiver, error) {
	encMode, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		return nil, fmt.Errorf("failed to create CBOR encoder: %w", err)
	}
	size := cfg.SegmentSize
	if size <= 0 {
		size = 1000
	}
	return &Archiver{
		objects:     objects,
		prefix:      cfg.KeyPrefix,
		segmentSize: size,
		encMode:     encMode,
		newBackOff: func() backoff.BackOff {
			return backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uploadRetries)
		},
	}, nil
}

// SegmentKey names the object holding sequences from..to.
func (a *Archiver) SegmentKey(from, to int64) string {
	return fmt.Sprintf("%s%020d-%020d%s", a.prefix, from, to, segmentSuffix)
}

// Export uploads every transaction logged after the watermark, one segment
// at a time, advancing the watermark after each upload.
func (a *Archiver) Export(ctx context.Context, src Source) (int, error) {
	watermark, err := readWatermark(ctx, src)
	if err != nil {
		return 0, err
	}

	exported := 0
	for {
		recs, err := src.TransactionsAfter(ctx, watermark, a.segmentSize)
		if err != nil {
			return exported, err
		}
		if len(recs) == 0 {
			return exported, nil
		}

		seg := Segment{Version: segmentVersion, From: recs[0].Seq, To: recs[len(recs)-1].Seq}
		for _, r := range recs {
			seg.Records = append(seg.Records, Record{
				Seq:         r.Seq,
				ID:          r.ID,
				Action:      r.Action,
				Timestamp:   r.Timestamp.UnixMilli(),
				Content:     r.Content,
				Certificate: r.Certificate,
			})
		}
		data, err := a.encMode.Marshal(seg)
		if err != nil {
			return exported, fmt.Errorf("failed to encode segment: %w", err)
		}

		key := a.SegmentKey(seg.From, seg.To)
		exists, err := a.objects.Exists(ctx, key)
		if err != nil {
			return exported, err
		}
		if exists {
			log.Debug().Str("key", key).Msg("Segment already archived")
		} else {
			upload := func() error { return a.objects.Put(ctx, key, data) }
			if err := backoff.Retry(upload, backoff.WithContext(a.newBackOff(), ctx)); err != nil {
				return exported, fmt.Errorf("upload %s: %w", key, err)
			}
		}

		watermark = seg.To
		if err := src.SetMetadata(ctx, WatermarkKey, strconv.FormatInt(watermark, 10)); err != nil {
			return exported, err
		}
		exported += len(recs)
		log.Info().Str("key", key).Int("transactions", len(recs)).Msg("Archived transaction segment")
	}
}

// Restore appends every archived transaction to sink in sequence order.
// Transactions already present are skipped by the sink.
func (a *Archiver) Restore(ctx context.Context, sink Sink) (int, error) {
	keys, err := a.objects.List(ctx, a.prefix)
	if err != nil {
		return 0, err
	}
	segments := keys[:0]
	for _, k := range keys {
		if strings.HasSuffix(k, segmentSuffix) {
			segments = append(segments, k)
		}
	}
	sort.Strings(segments)

	restored := 0
	for _, key := range segments {
		data, err := a.objects.Get(ctx, key)
		if err != nil {
			return restored, err
		}
		var seg Segment
		if err := cbor.Unmarshal(data, &seg); err != nil {
			return restored, fmt.Errorf("failed to decode segment %s: %w", key, err)
		}
		if seg.Version != segmentVersion {
			return restored, fmt.Errorf("segment %s has unsupported version %d", key, seg.Version)
		}
		for _, r := range seg.Records {
			added, err := sink.AppendTransaction(ctx, store.TransactionRecord{
				ID:          r.ID,
				Action:      r.Action,
				Timestamp:   time.UnixMilli(r.Timestamp).UTC(),
				Content:     r.Content,
				Certificate: r.Certificate,
			})
			if err != nil {
				return restored, err
			}
			if added {
				restored++
			}
		}
	}
	log.Info().Int("segments", len(segments)).Int("transactions", restored).Msg("Archive restored")
	return restored, nil
}

func readWatermark(ctx context.Context, src Source) (int64, error) {
	value, ok, err := src.GetMetadata(ctx, WatermarkKey)
	if err != nil || !ok {
		return 0, err
	}
	watermark, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid archive watermark %q: %w", value, err)
	}
	return watermark, nil
}
