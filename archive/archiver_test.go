package archive

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/require"

	"github.com/mesmerverse/vettid-dev/messages/config"
	"github.com/mesmerverse/vettid-dev/messages/store"
)

type memObjects struct {
	mu       sync.Mutex
	objects  map[string][]byte
	failPuts int
	putCalls int
}

func newMemObjects() *memObjects {
	return &memObjects{objects: map[string][]byte{}}
}

func (m *memObjects) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[key]
	if !ok {
		return nil, fmt.Errorf("no such key %s", key)
	}
	return data, nil
}

func (m *memObjects) Put(_ context.Context, key string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.putCalls++
	if m.failPuts > 0 {
		m.failPuts--
		return errors.New("slow down")
	}
	m.objects[key] = append([]byte(nil), data...)
	return nil
}

func (m *memObjects) List(_ context.Context, prefix string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var keys []string
	for k := range m.objects {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

func (m *memObjects) Exists(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.objects[key]
	return ok, nil
}

func newStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func appendN(t *testing.T, st *store.Store, from, n int) {
	t.Helper()
	base := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)
	for i := from; i < from+n; i++ {
		_, err := st.AppendTransaction(context.Background(), store.TransactionRecord{
			ID:          fmt.Sprintf("tx-%03d", i),
			Action:      "markRead",
			Timestamp:   base.Add(time.Duration(i) * time.Millisecond),
			Content:     []byte(`{"message_ids":["m"]}`),
			Certificate: []byte(`{"signing_key":"k"}`),
		})
		require.NoError(t, err)
	}
}

func newArchiver(t *testing.T, objects ObjectStore, segmentSize int) *Archiver {
	t.Helper()
	a, err := New(objects, config.ArchiveConfig{KeyPrefix: "messages/transactions/", SegmentSize: segmentSize})
	require.NoError(t, err)
	a.newBackOff = func() backoff.BackOff {
		return backoff.WithMaxRetries(&backoff.ZeroBackOff{}, 3)
	}
	return a
}

func TestExportSegmentsAndWatermark(t *testing.T) {
	st := newStore(t)
	objects := newMemObjects()
	a := newArchiver(t, objects, 2)
	ctx := context.Background()
	appendN(t, st, 0, 5)

	n, err := a.Export(ctx, st)
	require.NoError(t, err)
	require.Equal(t, 5, n)
	require.Len(t, objects.objects, 3)
	require.Contains(t, objects.objects, a.SegmentKey(1, 2))
	require.Contains(t, objects.objects, a.SegmentKey(5, 5))

	wm, ok, err := st.GetMetadata(ctx, WatermarkKey)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "5", wm)

	n, err = a.Export(ctx, st)
	require.NoError(t, err)
	require.Zero(t, n)

	appendN(t, st, 5, 1)
	n, err = a.Export(ctx, st)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Contains(t, objects.objects, a.SegmentKey(6, 6))
}

func TestExportRetriesUpload(t *testing.T) {
	st := newStore(t)
	objects := newMemObjects()
	objects.failPuts = 2
	a := newArchiver(t, objects, 10)
	appendN(t, st, 0, 3)

	n, err := a.Export(context.Background(), st)
	require.NoError(t, err)
	require.Equal(t, 3, n)
	require.Equal(t, 3, objects.putCalls)
}

func TestExportGivesUpAndKeepsWatermark(t *testing.T) {
	st := newStore(t)
	objects := newMemObjects()
	objects.failPuts = 100
	a := newArchiver(t, objects, 10)
	appendN(t, st, 0, 3)

	_, err := a.Export(context.Background(), st)
	require.Error(t, err)
	_, ok, err := st.GetMetadata(context.Background(), WatermarkKey)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestRestoreRoundTrip(t *testing.T) {
	src := newStore(t)
	objects := newMemObjects()
	a := newArchiver(t, objects, 2)
	ctx := context.Background()
	appendN(t, src, 0, 5)
	_, err := a.Export(ctx, src)
	require.NoError(t, err)

	dst := newStore(t)
	n, err := a.Restore(ctx, dst)
	require.NoError(t, err)
	require.Equal(t, 5, n)

	recs, err := dst.TransactionsAfter(ctx, 0, 100)
	require.NoError(t, err)
	require.Len(t, recs, 5)
	original, err := src.TransactionsAfter(ctx, 0, 100)
	require.NoError(t, err)
	for i := range recs {
		require.Equal(t, original[i].ID, recs[i].ID)
		require.True(t, original[i].Timestamp.Equal(recs[i].Timestamp))
		require.Equal(t, original[i].Content, recs[i].Content)
	}

	n, err = a.Restore(ctx, dst)
	require.NoError(t, err)
	require.Zero(t, n)
}
