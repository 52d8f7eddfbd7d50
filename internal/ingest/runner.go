// Package ingest drives documents through extraction, structuring and
// persistence. A run is document-parallel; records from a document are only
// written after the whole document is accepted.
package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/declarante/irpf-cli/internal/extract"
	"github.com/declarante/irpf-cli/internal/model"
	"github.com/declarante/irpf-cli/internal/normalize"
	"github.com/declarante/irpf-cli/internal/store"
	"github.com/declarante/irpf-cli/internal/structurer"
)

// Runner ingests documents into the record store.
type Runner struct {
	store       store.Store
	extractor   extract.Extractor
	loop        *structurer.Loop
	normalizer  *normalize.Normalizer
	concurrency int
}

// NewRunner wires the ingestion pipeline.
func NewRunner(st store.Store, ex extract.Extractor, loop *structurer.Loop, norm *normalize.Normalizer, concurrency int) *Runner {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Runner{
		store:       st,
		extractor:   ex,
		loop:        loop,
		normalizer:  norm,
		concurrency: concurrency,
	}
}

// Report summarizes one ingestion run.
type Report struct {
	Processed   int                        `json:"processed"`
	Unchanged   int                        `json:"unchanged"`
	Skipped     int                        `json:"skipped"`
	NeedsReview int                        `json:"needs_review"`
	Failed      int                        `json:"failed"`
	Records     map[store.UpsertResult]int `json:"records"`
}

func newReport() *Report {
	return &Report{Records: map[store.UpsertResult]int{}}
}

// Merge folds another report into this one.
func (r *Report) Merge(other *Report) {
	r.Processed += other.Processed
	r.Unchanged += other.Unchanged
	r.Skipped += other.Skipped
	r.NeedsReview += other.NeedsReview
	r.Failed += other.Failed
	for k, v := range other.Records {
		r.Records[k] += v
	}
}

// IngestDir ingests every supported file under dir.
func (r *Runner) IngestDir(ctx context.Context, dir string) (*Report, error) {
	var paths []string
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		switch strings.ToLower(filepath.Ext(path)) {
		case ".pdf", ".xlsx", ".txt", ".xml":
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return nil, eris.Wrapf(err, "ingest: walk %s", dir)
	}
	sort.Strings(paths)
	return r.IngestFiles(ctx, paths)
}

// IngestFiles ingests the given document files concurrently. Per-document
// outcomes are folded into the returned report; only infrastructure failures
// (store unreachable, unreadable file) abort the run.
func (r *Runner) IngestFiles(ctx context.Context, paths []string) (*Report, error) {
	total := newReport()
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)

	for _, path := range paths {
		g.Go(func() error {
			rep, err := r.ingestOne(gctx, path)
			if err != nil {
				return err
			}
			mu.Lock()
			total.Merge(rep)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return total, err
	}
	return total, nil
}

func (r *Runner) ingestOne(ctx context.Context, path string) (*Report, error) {
	rep := newReport()
	log := zap.L().With(zap.String("document", path))

	fingerprint, err := fingerprintFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "ingest: fingerprint %s", path)
	}

	doc := model.Document{Path: path, Fingerprint: fingerprint}
	if strings.EqualFold(filepath.Ext(path), ".xml") {
		doc.Kind = model.DocKindFilingXML
	}

	stored, isNew, err := r.store.RegisterDocument(ctx, doc)
	if err != nil {
		return nil, err
	}
	if !isNew && stored.Status != model.DocStatusPending {
		log.Debug("document unchanged, skipping", zap.String("status", string(stored.Status)))
		rep.Unchanged++
		return rep, nil
	}

	if stored.Kind == model.DocKindFilingXML {
		return rep, r.ingestFiling(ctx, *stored, rep, log)
	}

	res, err := r.extractor.Extract(ctx, *stored)
	if err != nil {
		if eris.Is(err, extract.ErrExtractionUnavailable) {
			log.Warn("extraction unavailable, skipping document", zap.Error(err))
			rep.Skipped++
			return rep, r.store.FinishDocument(ctx, stored.ID, stored.Kind, model.DocStatusSkipped, 0, nil)
		}
		return nil, err
	}

	outcome, err := r.loop.Run(ctx, *stored, res, stored.Kind)
	if err != nil {
		return nil, err
	}

	switch outcome.Status {
	case model.DocStatusIngested:
		for _, rec := range outcome.Records {
			result, err := r.store.UpsertRecord(ctx, rec)
			if err != nil {
				return nil, err
			}
			rep.Records[result]++
		}
		rep.Processed++
		log.Info("document ingested",
			zap.String("kind", string(outcome.Kind)),
			zap.Int("records", len(outcome.Records)),
			zap.Int("attempts", outcome.Attempts))
	case model.DocStatusNeedsManualReview:
		rep.NeedsReview++
		log.Warn("document needs manual review",
			zap.Int("attempts", outcome.Attempts),
			zap.String("errors", outcome.LastErrors.Error()))
	default:
		rep.Failed++
	}

	return rep, r.store.FinishDocument(ctx, stored.ID, outcome.Kind, outcome.Status, outcome.Attempts, outcome.LastErrors)
}

// ingestFiling normalizes an official filing XML deterministically, without
// touching the model.
func (r *Runner) ingestFiling(ctx context.Context, doc model.Document, rep *Report, log *zap.Logger) error {
	records, err := r.normalizer.Normalize(ctx, doc)
	if err != nil {
		if eris.Is(err, normalize.ErrSchemaMismatch) {
			log.Error("filing schema mismatch", zap.Error(err))
			rep.Failed++
			errs := model.ValidationErrors{{
				Field:      "document",
				Constraint: "filing schema mismatch",
				Actual:     eris.Cause(err).Error(),
			}}
			return r.store.FinishDocument(ctx, doc.ID, doc.Kind, model.DocStatusFailed, 0, errs)
		}
		return err
	}

	for _, rec := range records {
		result, err := r.store.UpsertRecord(ctx, rec)
		if err != nil {
			return err
		}
		rep.Records[result]++
	}
	rep.Processed++
	log.Info("filing normalized", zap.Int("records", len(records)))
	return r.store.FinishDocument(ctx, doc.ID, doc.Kind, model.DocStatusIngested, 0, nil)
}

func fingerprintFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
