// CLAUDE:SUMMARY Candidate hydration, automatic thumbnail save, selective save, slot deletion/reads and attribute extraction on the Service.
package acquire

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/hazyhaar/fanart/acquire/internal/download"
	"github.com/hazyhaar/fanart/acquire/internal/store"
	"github.com/hazyhaar/fanart/extract"
	"github.com/hazyhaar/fanart/preview"
)

// Slot and Item are the stored views returned by the read operations.
type (
	Slot         = store.Slot
	Item         = store.Item
	CommitResult = store.CommitResult
)

// hydrate downloads the bytes of the first MaxCandidates candidates that do
// not carry them yet. Candidates whose download fails are dropped; the rest
// beyond the cap are returned without bytes.
func (svc *Service) hydrate(ctx context.Context, cands []preview.Candidate, platform preview.Platform, log *slog.Logger) []preview.Candidate {
	n := min(len(cands), svc.config.MaxCandidates)
	failed := make([]bool, n)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(svc.config.HydrateWorkers)
	for i := 0; i < n; i++ {
		if len(cands[i].InlineData) > 0 {
			continue
		}
		g.Go(func() error {
			img, err := svc.images.Fetch(gctx, download.Ref{URL: cands[i].URL, Platform: platform})
			if err != nil {
				log.Debug("acquire: hydrate", "candidate", cands[i].URL, "error", err)
				failed[i] = true
				return nil
			}
			cands[i].InlineData = img.Data
			cands[i].ContentType = img.ContentType
			cands[i].ByteSize = int64(len(img.Data))
			return nil
		})
	}
	g.Wait()

	out := cands[:0:0]
	for i := range cands {
		if i < n && failed[i] {
			continue
		}
		out = append(out, cands[i])
	}
	return out
}

// savePrimary writes the best candidate that can be downloaded as slot 0.
func (svc *Service) savePrimary(ctx context.Context, itemID string, cands []preview.Candidate, platform preview.Platform, log *slog.Logger) (*Saved, error) {
	var errs []error
	for i := 0; i < len(cands) && i < svc.config.MaxCandidates; i++ {
		c := &cands[i]
		img, err := svc.images.Fetch(ctx, download.Ref{URL: c.URL, DataURI: c.DataURI(), Platform: platform})
		if err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("acquire: save: %w", ctx.Err())
			}
			log.Debug("acquire: candidate not materialized", "candidate", c.URL, "error", err)
			errs = append(errs, err)
			continue
		}
		res, err := svc.store.CommitPrimary(ctx, itemID, store.Blob{
			Data:        img.Data,
			ContentType: img.ContentType,
			SourceURL:   c.URL,
			Strategy:    c.Strategy,
		})
		if err != nil {
			return nil, fmt.Errorf("acquire: %w", err)
		}
		log.Info("acquire: thumbnail saved", "item_id", itemID, "candidate", c.URL, "size", len(img.Data))
		return &Saved{
			Count:       res.Slots,
			URL:         c.URL,
			Size:        int64(len(img.Data)),
			ContentType: img.ContentType,
			Strategy:    c.Strategy,
		}, nil
	}
	if len(errs) == 0 {
		return nil, fmt.Errorf("acquire: save: %w", preview.ErrNoCandidates)
	}
	return nil, fmt.Errorf("acquire: no candidate could be downloaded: %w: %w",
		preview.ErrNoCandidates, errors.Join(errs...))
}

// ImageRef is one image selected by the reviewer. DataURI, when present,
// is stored as is; otherwise URL is downloaded.
type ImageRef struct {
	URL     string `json:"url"`
	DataURI string `json:"data_uri,omitempty"`
}

// SaveRequest commits reviewer-selected images to an item.
type SaveRequest struct {
	ItemID string     `json:"item_id"`
	Images []ImageRef `json:"images"`
	// Replace clears the item's slots first.
	Replace bool `json:"replace,omitempty"`
}

// Save materializes every selected image, then commits them in one
// transaction. A single failed download aborts the save before any write.
func (svc *Service) Save(ctx context.Context, req SaveRequest) (*CommitResult, error) {
	if strings.TrimSpace(req.ItemID) == "" {
		return nil, fmt.Errorf("acquire: save: %w: empty item id", preview.ErrMalformedInput)
	}
	if len(req.Images) == 0 {
		return nil, fmt.Errorf("acquire: save: %w: no images selected", preview.ErrMalformedInput)
	}

	blobs := make([]store.Blob, len(req.Images))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(svc.config.HydrateWorkers)
	for i, ref := range req.Images {
		g.Go(func() error {
			platform, _, _ := preview.Classify(ref.URL)
			img, err := svc.images.Fetch(gctx, download.Ref{URL: ref.URL, DataURI: ref.DataURI, Platform: platform})
			if err != nil {
				return fmt.Errorf("image %d: %w", i, err)
			}
			blobs[i] = store.Blob{Data: img.Data, ContentType: img.ContentType, SourceURL: ref.URL}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("acquire: save: %w", err)
	}

	var (
		res *CommitResult
		err error
	)
	if req.Replace {
		res, err = svc.store.Replace(ctx, req.ItemID, blobs)
	} else {
		res, err = svc.store.Commit(ctx, req.ItemID, blobs)
	}
	if err != nil {
		return nil, fmt.Errorf("acquire: %w", err)
	}
	svc.logger.Info("acquire: previews saved",
		"item_id", req.ItemID, "saved", res.SavedCount, "skipped", res.Skipped, "slots", res.Slots, "replace", req.Replace)
	return res, nil
}

// DeleteSlot removes one slot and recompacts; it returns the remaining count.
func (svc *Service) DeleteSlot(ctx context.Context, itemID string, idx int) (int, error) {
	n, err := svc.store.DeleteSlot(ctx, itemID, idx)
	if err != nil {
		return 0, fmt.Errorf("acquire: %w", err)
	}
	svc.logger.Info("acquire: slot deleted", "item_id", itemID, "index", idx, "remaining", n)
	return n, nil
}

// DeleteItem removes the item and all its previews.
func (svc *Service) DeleteItem(ctx context.Context, itemID string) error {
	if err := svc.store.DeleteItem(ctx, itemID); err != nil {
		return fmt.Errorf("acquire: %w", err)
	}
	svc.logger.Info("acquire: item deleted", "item_id", itemID)
	return nil
}

// Slot returns one stored preview with its bytes.
func (svc *Service) Slot(ctx context.Context, itemID string, idx int) (*Slot, []byte, error) {
	return svc.store.Slot(ctx, itemID, idx)
}

// Slots lists an item's previews in index order.
func (svc *Service) Slots(ctx context.Context, itemID string) ([]Slot, error) {
	return svc.store.Slots(ctx, itemID)
}

// RegisterItem records the link used when an acquisition omits its URL.
func (svc *Service) RegisterItem(ctx context.Context, itemID, link string) error {
	if link != "" {
		if _, _, err := preview.Classify(link); err != nil {
			return fmt.Errorf("acquire: register item: %w", err)
		}
	}
	return svc.store.PutItem(ctx, itemID, link)
}

// GetItem returns the pipeline-owned state of an item.
func (svc *Service) GetItem(ctx context.Context, itemID string) (*Item, error) {
	return svc.store.GetItem(ctx, itemID)
}

// ExtractAttribute fetches rawURL and runs the attribute chain of kind for
// its platform.
func (svc *Service) ExtractAttribute(ctx context.Context, rawURL, kind string) (*extract.Match, error) {
	k, err := extract.ParseKind(kind)
	if err != nil {
		return nil, fmt.Errorf("acquire: %w", err)
	}
	target, err := preview.NewTarget(rawURL)
	if err != nil {
		return nil, fmt.Errorf("acquire: %w", err)
	}
	page, err := svc.fetcher.FetchPage(ctx, target)
	if err != nil {
		return nil, fmt.Errorf("acquire: %w", err)
	}
	if page.IsImage() {
		return nil, fmt.Errorf("acquire: %s is an image, not a page: %w", target.URL, preview.ErrNotFound)
	}
	m, err := extract.Attribute(page.Body, target.Platform, k)
	if err != nil {
		return nil, fmt.Errorf("acquire: %w", err)
	}
	svc.logger.Debug("acquire: attribute", "url", target.URL, "kind", k, "rule", m.Rule, "version", m.Version)
	return m, nil
}
