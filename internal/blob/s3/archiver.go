package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/alanyoungcy/venuerouter/internal/domain"
)

const (
	archiveTimeLayout = "20060102T150405Z"
	archivePageSize   = 1000
	// DefaultArchivePrefix is where reconciliation history lands.
	DefaultArchivePrefix = "archive/reconciliation"
)

// ArchiveResult describes one archive run.
type ArchiveResult struct {
	Path  string    `json:"path,omitempty"`
	Count int       `json:"count"`
	Since time.Time `json:"since"`
	Until time.Time `json:"until"`
}

// Archiver exports audit events to object storage as JSONL, one object per
// run covering [since, until). The watermark survives restarts because it
// is encoded in the object key.
type Archiver struct {
	writer domain.BlobWriter
	reader domain.BlobReader
	audit  domain.AuditStore
	prefix string
	logger *slog.Logger
	now    func() time.Time

	mu        sync.Mutex
	watermark time.Time
}

// NewArchiver creates an Archiver. reader may be nil, in which case the
// first run exports everything.
func NewArchiver(w domain.BlobWriter, r domain.BlobReader, audit domain.AuditStore, prefix string, logger *slog.Logger) *Archiver {
	if prefix == "" {
		prefix = DefaultArchivePrefix
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Archiver{
		writer: w,
		reader: r,
		audit:  audit,
		prefix: strings.TrimSuffix(prefix, "/"),
		logger: logger.With(slog.String("component", "archiver")),
		now:    time.Now,
	}
}

// SetClock replaces the time source.
func (a *Archiver) SetClock(now func() time.Time) { a.now = now }

// Watermark returns the end of the last archived range.
func (a *Archiver) Watermark() time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.watermark
}

// Resume recovers the watermark from the newest archived object.
func (a *Archiver) Resume(ctx context.Context) error {
	if a.reader == nil {
		return nil
	}
	infos, err := a.reader.List(ctx, a.prefix+"/")
	if err != nil {
		return fmt.Errorf("s3blob: resume archiver: %w", err)
	}
	var latest time.Time
	for _, info := range infos {
		if _, until, ok := parseArchiveKey(info.Path); ok && until.After(latest) {
			latest = until
		}
	}
	a.mu.Lock()
	if latest.After(a.watermark) {
		a.watermark = latest
	}
	a.mu.Unlock()
	a.logger.Info("archiver resumed", slog.Time("watermark", latest))
	return nil
}

// Archive exports events since the watermark. An empty range advances the
// watermark without writing an object.
func (a *Archiver) Archive(ctx context.Context) (ArchiveResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	res := ArchiveResult{Since: a.watermark, Until: a.now().UTC().Truncate(time.Second)}
	if !res.Until.After(res.Since) {
		return res, nil
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for offset := 0; ; offset += archivePageSize {
		opts := domain.ListOpts{Until: &res.Until, Limit: archivePageSize, Offset: offset}
		if !res.Since.IsZero() {
			opts.Since = &res.Since
		}
		page, err := a.audit.List(ctx, opts)
		if err != nil {
			return res, fmt.Errorf("s3blob: archive list events: %w", err)
		}
		for _, ev := range page {
			if err := enc.Encode(ev); err != nil {
				return res, fmt.Errorf("s3blob: archive encode event %s: %w", ev.ID, err)
			}
		}
		res.Count += len(page)
		if len(page) < archivePageSize {
			break
		}
	}

	if res.Count > 0 {
		res.Path = archiveKey(a.prefix, res.Since, res.Until)
		if err := a.writer.Put(ctx, res.Path, &buf, "application/x-ndjson"); err != nil {
			return res, fmt.Errorf("s3blob: archive upload: %w", err)
		}
		a.logger.Info("reconciliation history archived", slog.String("path", res.Path), slog.Int("events", res.Count))
	}
	a.watermark = res.Until
	return res, nil
}

// archiveKey partitions objects by the day of until:
// archive/reconciliation/2026/10/19/20261019T000000Z_20261019T120000Z.jsonl
func archiveKey(prefix string, since, until time.Time) string {
	name := fmt.Sprintf("%s_%s.jsonl", since.UTC().Format(archiveTimeLayout), until.UTC().Format(archiveTimeLayout))
	return path.Join(prefix, until.UTC().Format("2006/01/02"), name)
}

func parseArchiveKey(key string) (since, until time.Time, ok bool) {
	name := strings.TrimSuffix(path.Base(key), ".jsonl")
	from, to, found := strings.Cut(name, "_")
	if !found {
		return time.Time{}, time.Time{}, false
	}
	since, err1 := time.Parse(archiveTimeLayout, from)
	until, err2 := time.Parse(archiveTimeLayout, to)
	if err1 != nil || err2 != nil {
		return time.Time{}, time.Time{}, false
	}
	return since, until, true
}
