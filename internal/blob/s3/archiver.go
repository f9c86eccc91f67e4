package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/murks3r/mexc-sniper-bot-sub011/internal/domain"
)

const (
	// DefaultArchiveBatch is the number of rows written per object.
	DefaultArchiveBatch = 1000
	contentTypeJSONL    = "application/x-ndjson"
)

// ExecutionSource is the part of the execution store the archiver needs.
type ExecutionSource interface {
	ListBefore(ctx context.Context, before time.Time, limit int) ([]domain.ExecutionRecord, error)
	DeleteBefore(ctx context.Context, before time.Time) (int64, error)
}

// Archiver implements domain.Archiver. Execution rows older than the cutoff
// are written as JSONL objects under archive/executions/YYYY-MM/ and then
// removed from the primary store, batch by batch, so a row is only deleted
// after the object holding it was uploaded.
type Archiver struct {
	writer domain.BlobWriter
	source ExecutionSource
	audit  domain.AuditStore
	batch  int
	logger *slog.Logger
}

// NewArchiver creates an Archiver. audit may be nil.
func NewArchiver(writer domain.BlobWriter, source ExecutionSource, audit domain.AuditStore, batch int, logger *slog.Logger) *Archiver {
	if batch <= 0 {
		batch = DefaultArchiveBatch
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Archiver{
		writer: writer,
		source: source,
		audit:  audit,
		batch:  batch,
		logger: logger.With(slog.String("component", "archiver")),
	}
}

// ArchiveExecutions returns the number of rows uploaded and removed.
func (a *Archiver) ArchiveExecutions(ctx context.Context, before time.Time) (int64, error) {
	var total int64
	for part := 0; ; part++ {
		rows, err := a.source.ListBefore(ctx, before, a.batch)
		if err != nil {
			return total, fmt.Errorf("s3blob: archive executions: list: %w", err)
		}
		if len(rows) == 0 {
			break
		}

		full := len(rows) == a.batch
		cutoff := before
		if full {
			// Rows sharing the last timestamp may continue past this batch;
			// leave them all for the next one.
			cutoff = rows[len(rows)-1].ExecutedAt
			n := 0
			for n < len(rows) && rows[n].ExecutedAt.Before(cutoff) {
				n++
			}
			if n == 0 {
				return total, fmt.Errorf("s3blob: archive executions: %d rows share %s: %w",
					len(rows), cutoff.Format(time.RFC3339Nano), domain.ErrPersistence)
			}
			rows = rows[:n]
		}

		buf, err := marshalJSONL(rows)
		if err != nil {
			return total, fmt.Errorf("s3blob: archive executions: %w", err)
		}
		path := archivePath("executions", before, part)
		if err := a.writer.Put(ctx, path, bytes.NewReader(buf), contentTypeJSONL); err != nil {
			return total, fmt.Errorf("s3blob: archive executions: %w", err)
		}
		total += int64(len(rows))

		deleted, err := a.source.DeleteBefore(ctx, cutoff)
		if err != nil {
			return total, fmt.Errorf("s3blob: archive executions: delete: %w", err)
		}
		a.logger.Info("execution batch archived",
			slog.String("path", path),
			slog.Int("rows", len(rows)),
			slog.Int64("deleted", deleted),
		)
		if !full {
			break
		}
	}

	if total > 0 && a.audit != nil {
		if err := a.audit.Log(ctx, "archive.executions", map[string]any{
			"count":  total,
			"before": before.Format(time.RFC3339),
		}); err != nil {
			a.logger.Warn("audit archive", slog.String("error", err.Error()))
		}
	}
	return total, nil
}

// archivePath partitions objects by the month of the cutoff:
//
//	archive/executions/2026-01/1767225600-0000.jsonl
func archivePath(kind string, before time.Time, part int) string {
	b := before.UTC()
	return fmt.Sprintf("archive/%s/%s/%d-%04d.jsonl", kind, b.Format("2006-01"), b.Unix(), part)
}

// marshalJSONL encodes one compact JSON value per line.
func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}

var _ domain.Archiver = (*Archiver)(nil)
