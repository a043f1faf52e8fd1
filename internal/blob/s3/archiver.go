package s3blob

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"time"

	"github.com/alanyoungcy/swaprouter/internal/domain"
)

const (
	ordersPrefix = "archive/orders/"
	// multipartThreshold switches uploads to the multipart manager.
	multipartThreshold = 64 << 20
)

// OrderArchiveStore is the slice of the order history store the archiver
// needs.
type OrderArchiveStore interface {
	ListBefore(ctx context.Context, before time.Time) ([]domain.OrderRecord, error)
	DeleteBefore(ctx context.Context, before time.Time) (int64, error)
}

// BlobStore reads and writes archive objects.
type BlobStore interface {
	domain.BlobWriter
	domain.BlobReader
}

// multipartWriter is implemented by Writer for large uploads.
type multipartWriter interface {
	PutMultipart(ctx context.Context, path string, data io.Reader, partSize int64) error
}

// OrderArchiver implements domain.Archiver. It moves terminal order records
// older than a cutoff into monthly JSONL objects under archive/orders/, keyed
// by the month each order finished in, then deletes them from the database.
// Records already present in an object are not written twice, so a run that
// fails after upload can simply be repeated.
type OrderArchiver struct {
	blobs  BlobStore
	orders OrderArchiveStore
	audit  domain.AuditStore
	logger *slog.Logger
}

// NewArchiver creates an OrderArchiver. audit may be nil.
func NewArchiver(blobs BlobStore, orders OrderArchiveStore, audit domain.AuditStore, logger *slog.Logger) *OrderArchiver {
	return &OrderArchiver{
		blobs:  blobs,
		orders: orders,
		audit:  audit,
		logger: logger.With(slog.String("component", "archiver")),
	}
}

// ArchiveOrders archives every record finished before the cutoff and returns
// how many were moved.
func (a *OrderArchiver) ArchiveOrders(ctx context.Context, before time.Time) (int64, error) {
	records, err := a.orders.ListBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive orders query: %w", err)
	}
	if len(records) == 0 {
		return 0, nil
	}

	byMonth := make(map[string][]domain.OrderRecord)
	for _, rec := range records {
		path := archivePath(rec.FinishedAt)
		byMonth[path] = append(byMonth[path], rec)
	}
	paths := make([]string, 0, len(byMonth))
	for p := range byMonth {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	for _, path := range paths {
		if err := a.appendMonth(ctx, path, byMonth[path]); err != nil {
			return 0, err
		}
	}

	deleted, err := a.orders.DeleteBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive orders delete: %w", err)
	}

	count := int64(len(records))
	a.logger.InfoContext(ctx, "orders archived",
		slog.Int64("count", count),
		slog.Int64("deleted", deleted),
		slog.Int("objects", len(paths)),
		slog.Time("before", before),
	)
	if a.audit != nil {
		if err := a.audit.Log(ctx, "archive.orders", map[string]any{
			"paths":   paths,
			"count":   count,
			"deleted": deleted,
			"before":  before.UTC().Format(time.RFC3339),
		}); err != nil {
			return count, fmt.Errorf("s3blob: archive orders audit log: %w", err)
		}
	}
	return count, nil
}

// appendMonth merges records into the object at path.
func (a *OrderArchiver) appendMonth(ctx context.Context, path string, records []domain.OrderRecord) error {
	existing, seen, err := a.readExisting(ctx, path)
	if err != nil {
		return err
	}

	var buf bytes.Buffer
	buf.Write(existing)
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	added := 0
	for _, rec := range records {
		if seen[rec.OrderID] {
			continue
		}
		if err := enc.Encode(rec); err != nil {
			return fmt.Errorf("s3blob: encode order %s: %w", rec.OrderID, err)
		}
		added++
	}
	if added == 0 {
		return nil
	}

	if mp, ok := a.blobs.(multipartWriter); ok && buf.Len() > multipartThreshold {
		err = mp.PutMultipart(ctx, path, &buf, 0)
	} else {
		err = a.blobs.Put(ctx, path, &buf, "application/x-ndjson")
	}
	if err != nil {
		return fmt.Errorf("s3blob: archive orders upload %s: %w", path, err)
	}
	return nil
}

// readExisting returns the current object body and the order ids in it.
func (a *OrderArchiver) readExisting(ctx context.Context, path string) ([]byte, map[string]bool, error) {
	seen := make(map[string]bool)
	exists, err := a.blobs.Exists(ctx, path)
	if err != nil {
		return nil, nil, fmt.Errorf("s3blob: archive orders check %s: %w", path, err)
	}
	if !exists {
		return nil, seen, nil
	}

	rc, err := a.blobs.Get(ctx, path)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, seen, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("s3blob: archive orders read %s: %w", path, err)
	}
	defer rc.Close()

	body, err := io.ReadAll(rc)
	if err != nil {
		return nil, nil, fmt.Errorf("s3blob: archive orders read %s: %w", path, err)
	}
	sc := bufio.NewScanner(bytes.NewReader(body))
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		var rec struct {
			OrderID string `json:"order_id"`
		}
		if err := json.Unmarshal(sc.Bytes(), &rec); err == nil && rec.OrderID != "" {
			seen[rec.OrderID] = true
		}
	}
	if len(body) > 0 && body[len(body)-1] != '\n' {
		body = append(body, '\n')
	}
	return body, seen, nil
}

// archivePath is archive/orders/YYYY-MM.jsonl for the month t falls in (UTC).
func archivePath(t time.Time) string {
	return ordersPrefix + t.UTC().Format("2006-01") + ".jsonl"
}

var _ domain.Archiver = (*OrderArchiver)(nil)
