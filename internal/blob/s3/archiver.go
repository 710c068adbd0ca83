package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/groupcart/groupcart/internal/domain"
)

// SessionArchiveStore provides the read access the archiver needs. The
// Postgres session store satisfies it through ListTerminalBefore.
type SessionArchiveStore interface {
	// ListTerminalBefore returns completed and cancelled sessions last
	// updated strictly before the cutoff.
	ListTerminalBefore(ctx context.Context, before time.Time, opts domain.ListOpts) ([]domain.Session, error)
}

// ParticipantArchiveStore provides the participant roster for each archived
// session so the exported record is self-contained.
type ParticipantArchiveStore interface {
	ListBySession(ctx context.Context, sessionID string) ([]domain.Participant, error)
}

// archiveRecord is one JSONL line: a terminal session together with its full
// participant ledger, cancelled records included.
type archiveRecord struct {
	Session      domain.Session       `json:"session"`
	Participants []domain.Participant `json:"participants"`
}

// ArchiveImpl implements domain.Archiver by exporting terminal sessions and
// their ledgers as JSONL to S3, partitioned by the month of the cutoff.
//
// Deletion of the archived rows from the primary store is intentionally NOT
// performed here; that is a separate, explicit step to be executed after the
// archive has been verified. Re-running a pass rewrites the same partition,
// so the export is idempotent.
type ArchiveImpl struct {
	writer   domain.BlobWriter
	reader   domain.BlobReader
	sessions SessionArchiveStore
	parts    ParticipantArchiveStore
	audit    domain.AuditStore
	clock    domain.Clock

	// retainFor is how long terminal sessions stay in the hot store.
	retainFor time.Duration
	// minInterval throttles ArchiveTerminal, which the sweeper calls on
	// every sweep tick.
	minInterval time.Duration
	// multipartThreshold is the export size at which the upload switches
	// from a single PutObject to a multipart upload.
	multipartThreshold int64

	mu      sync.Mutex
	lastRun time.Time
}

// NewArchiver creates an ArchiveImpl. retainFor controls the archival cutoff
// relative to now; zero defaults to 30 days.
func NewArchiver(
	writer domain.BlobWriter,
	reader domain.BlobReader,
	sessions SessionArchiveStore,
	parts ParticipantArchiveStore,
	audit domain.AuditStore,
	clock domain.Clock,
	retainFor time.Duration,
) *ArchiveImpl {
	if retainFor <= 0 {
		retainFor = 30 * 24 * time.Hour
	}
	if clock == nil {
		clock = domain.SystemClock()
	}
	return &ArchiveImpl{
		writer:             writer,
		reader:             reader,
		sessions:           sessions,
		parts:              parts,
		audit:              audit,
		clock:              clock,
		retainFor:          retainFor,
		minInterval:        time.Hour,
		multipartThreshold: 8 << 20,
	}
}

// ArchiveTerminal archives sessions that left the hot path more than
// retainFor ago. It throttles itself so the sweeper can call it on every
// pass without rewriting the partition each time.
func (a *ArchiveImpl) ArchiveTerminal(ctx context.Context) (int, error) {
	now := a.clock.Now()

	a.mu.Lock()
	if now.Sub(a.lastRun) < a.minInterval {
		a.mu.Unlock()
		return 0, nil
	}
	a.lastRun = now
	a.mu.Unlock()

	n, err := a.ArchiveSessions(ctx, now.Add(-a.retainFor))
	return int(n), err
}

// ArchiveSessions queries terminal sessions last updated before the cutoff,
// attaches each session's participant ledger, serializes the records to
// JSONL, and uploads the file to archive/sessions/YYYY-MM.jsonl. Exports at
// or above multipartThreshold go through the multipart uploader. The upload
// is verified by reading the partition back, then recorded in the audit log;
// the count of archived sessions is returned.
func (a *ArchiveImpl) ArchiveSessions(ctx context.Context, before time.Time) (int64, error) {
	var records []archiveRecord
	const pageSize = 200
	for offset := 0; ; offset += pageSize {
		sessions, err := a.sessions.ListTerminalBefore(ctx, before, domain.ListOpts{Limit: pageSize, Offset: offset})
		if err != nil {
			return 0, fmt.Errorf("s3blob: archive sessions query: %w", err)
		}
		for _, s := range sessions {
			parts, err := a.parts.ListBySession(ctx, s.ID)
			if err != nil {
				return 0, fmt.Errorf("s3blob: archive session %s ledger: %w", s.ID, err)
			}
			records = append(records, archiveRecord{Session: s, Participants: parts})
		}
		if len(sessions) < pageSize {
			break
		}
	}
	if len(records) == 0 {
		return 0, nil
	}

	buf, err := marshalJSONL(records)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive sessions marshal: %w", err)
	}

	path := archivePath("sessions", before)
	if int64(len(buf)) >= a.multipartThreshold {
		err = a.writer.PutMultipart(ctx, path, bytes.NewReader(buf), a.multipartThreshold)
	} else {
		err = a.writer.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson")
	}
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive sessions upload: %w", err)
	}

	ok, err := a.reader.Exists(ctx, path)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive sessions verify: %w", err)
	}
	if !ok {
		return 0, fmt.Errorf("s3blob: archive sessions verify: %s missing after upload", path)
	}

	// Read the partition back before reporting success. Hot-store rows are
	// only deleted after the export is proven decodable end to end.
	stored, err := a.ReadPartition(ctx, path)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive sessions verify: %w", err)
	}
	if len(stored) != len(records) {
		return 0, fmt.Errorf("s3blob: archive sessions verify: %s holds %d records, want %d", path, len(stored), len(records))
	}

	count := int64(len(records))

	partitions, err := a.ListPartitions(ctx, "sessions")
	if err != nil {
		return count, fmt.Errorf("s3blob: archive sessions audit log: %w", err)
	}
	if err := a.audit.Log(ctx, "archive.sessions", map[string]any{
		"path":       path,
		"count":      count,
		"partitions": len(partitions),
		"before":     before.Format(time.RFC3339),
	}); err != nil {
		return count, fmt.Errorf("s3blob: archive sessions audit log: %w", err)
	}

	return count, nil
}

// ListPartitions returns the stored archive partitions of the given kind,
// e.g. every monthly sessions export. Deletion tooling walks this listing to
// decide which hot-store rows are safely covered by cold storage.
func (a *ArchiveImpl) ListPartitions(ctx context.Context, kind string) ([]domain.BlobInfo, error) {
	infos, err := a.reader.List(ctx, "archive/"+kind+"/")
	if err != nil {
		return nil, fmt.Errorf("s3blob: list %s partitions: %w", kind, err)
	}
	return infos, nil
}

// ReadPartition downloads one archive partition and decodes its JSONL records.
// It is the read half of the verify-before-delete workflow: a partition that
// decodes cleanly end to end proves the export is usable before any hot-store
// rows are dropped.
func (a *ArchiveImpl) ReadPartition(ctx context.Context, path string) ([]domain.Session, error) {
	rc, err := a.reader.Get(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("s3blob: read partition %s: %w", path, err)
	}
	defer rc.Close()

	var sessions []domain.Session
	dec := json.NewDecoder(rc)
	for {
		var rec archiveRecord
		if err := dec.Decode(&rec); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("s3blob: read partition %s: decode record %d: %w", path, len(sessions), err)
		}
		sessions = append(sessions, rec.Session)
	}
	return sessions, nil
}

// archivePath builds the S3 key for an archive file, partitioned by the
// year-month of the cutoff time.
//
//	archive/sessions/2026-08.jsonl
func archivePath(kind string, before time.Time) string {
	return fmt.Sprintf("archive/%s/%s.jsonl", kind, before.Format("2006-01"))
}

// marshalJSONL serialises a slice of values as newline-delimited JSON.
func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}
