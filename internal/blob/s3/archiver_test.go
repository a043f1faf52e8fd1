package s3blob

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/swaprouter/internal/domain"
)

type memBlobs struct {
	mu      sync.Mutex
	objects map[string][]byte
	putErr  error
}

func newMemBlobs() *memBlobs { return &memBlobs{objects: make(map[string][]byte)} }

func (m *memBlobs) Put(_ context.Context, path string, data io.Reader, _ string) error {
	if m.putErr != nil {
		return m.putErr
	}
	b, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[path] = b
	return nil
}

func (m *memBlobs) Get(_ context.Context, path string) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.objects[path]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(b)), nil
}

func (m *memBlobs) Exists(_ context.Context, path string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.objects[path]
	return ok, nil
}

func (m *memBlobs) lines(t *testing.T, path string) []domain.OrderRecord {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.OrderRecord
	sc := bufio.NewScanner(bytes.NewReader(m.objects[path]))
	for sc.Scan() {
		var rec domain.OrderRecord
		require.NoError(t, json.Unmarshal(sc.Bytes(), &rec))
		out = append(out, rec)
	}
	return out
}

type memOrders struct {
	records []domain.OrderRecord
	deleted int
}

func (m *memOrders) ListBefore(_ context.Context, before time.Time) ([]domain.OrderRecord, error) {
	var out []domain.OrderRecord
	for _, r := range m.records {
		if r.FinishedAt.Before(before) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *memOrders) DeleteBefore(_ context.Context, before time.Time) (int64, error) {
	var kept []domain.OrderRecord
	n := 0
	for _, r := range m.records {
		if r.FinishedAt.Before(before) {
			n++
			continue
		}
		kept = append(kept, r)
	}
	m.records = kept
	m.deleted += n
	return int64(n), nil
}

type memAudit struct {
	events []string
}

func (a *memAudit) Log(_ context.Context, event string, _ map[string]any) error {
	a.events = append(a.events, event)
	return nil
}

func (a *memAudit) List(context.Context, domain.ListOpts) ([]domain.AuditEntry, error) {
	return nil, nil
}

func record(id string, finished time.Time) domain.OrderRecord {
	return domain.OrderRecord{
		OrderID:    id,
		Pair:       "ETH/USDC",
		Stage:      domain.StageCompleted,
		CreatedAt:  finished.Add(-time.Second),
		FinishedAt: finished,
	}
}

func TestArchiveOrdersSplitsByMonth(t *testing.T) {
	jan := time.Date(2026, 1, 20, 10, 0, 0, 0, time.UTC)
	feb := time.Date(2026, 2, 3, 10, 0, 0, 0, time.UTC)
	recent := time.Date(2026, 3, 30, 10, 0, 0, 0, time.UTC)

	blobs := newMemBlobs()
	orders := &memOrders{records: []domain.OrderRecord{
		record("a", jan), record("b", feb), record("c", jan), record("d", recent),
	}}
	audit := &memAudit{}
	arch := NewArchiver(blobs, orders, audit, slog.New(slog.NewTextHandler(io.Discard, nil)))

	n, err := arch.ArchiveOrders(context.Background(), time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	janRecs := blobs.lines(t, "archive/orders/2026-01.jsonl")
	require.Len(t, janRecs, 2)
	assert.Equal(t, "a", janRecs[0].OrderID)
	assert.Equal(t, "c", janRecs[1].OrderID)
	assert.Len(t, blobs.lines(t, "archive/orders/2026-02.jsonl"), 1)

	require.Len(t, orders.records, 1)
	assert.Equal(t, "d", orders.records[0].OrderID)
	assert.Equal(t, []string{"archive.orders"}, audit.events)
}

func TestArchiveOrdersMergesWithoutDuplicates(t *testing.T) {
	jan := time.Date(2026, 1, 5, 0, 0, 0, 0, time.UTC)
	blobs := newMemBlobs()
	arch := NewArchiver(blobs, &memOrders{records: []domain.OrderRecord{record("a", jan)}}, nil,
		slog.New(slog.NewTextHandler(io.Discard, nil)))
	cutoff := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)

	_, err := arch.ArchiveOrders(context.Background(), cutoff)
	require.NoError(t, err)

	// A retried run sees "a" again plus a new record for the same month.
	arch.orders = &memOrders{records: []domain.OrderRecord{record("a", jan), record("b", jan.Add(time.Hour))}}
	n, err := arch.ArchiveOrders(context.Background(), cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	recs := blobs.lines(t, "archive/orders/2026-01.jsonl")
	require.Len(t, recs, 2)
	assert.Equal(t, "a", recs[0].OrderID)
	assert.Equal(t, "b", recs[1].OrderID)
}

func TestArchiveOrdersKeepsRowsWhenUploadFails(t *testing.T) {
	jan := time.Date(2026, 1, 5, 0, 0, 0, 0, time.UTC)
	blobs := newMemBlobs()
	blobs.putErr = errors.New("bucket unavailable")
	orders := &memOrders{records: []domain.OrderRecord{record("a", jan)}}
	arch := NewArchiver(blobs, orders, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))

	_, err := arch.ArchiveOrders(context.Background(), time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC))
	require.Error(t, err)
	assert.Len(t, orders.records, 1)
	assert.Zero(t, orders.deleted)
}

func TestArchiveOrdersNothingToDo(t *testing.T) {
	arch := NewArchiver(newMemBlobs(), &memOrders{}, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	n, err := arch.ArchiveOrders(context.Background(), time.Now())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestNormaliseEndpoint(t *testing.T) {
	assert.Equal(t, "https://minio.local", normaliseEndpoint("minio.local", true))
	assert.Equal(t, "http://minio.local", normaliseEndpoint("minio.local", false))
	assert.Equal(t, "https://s3.example.com", normaliseEndpoint("https://s3.example.com", false))
}
