package runner

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/tracksync/internal/progress"
	"github.com/JakeFAU/tracksync/internal/tracks"
)

// walker carries the per-run state of the item loop. Only the run goroutine
// touches it.
type walker struct {
	r            *Runner
	providers    Providers
	includeAlbum bool
	mapping      map[string]string
}

// process runs one item. A returned error ends the run; item-level failures
// are recorded on the item and reported as nil.
func (w *walker) process(ctx context.Context, index int, item tracks.Item) error {
	r := w.r
	if err := r.deps.Token.Checkpoint(ctx); err != nil {
		return err
	}
	r.beginItem(index)

	key := item.Key(w.includeAlbum)
	if key == "" {
		r.setItem(index, tracks.ItemSkipped, nil, msgMissingIdentity)
		r.publishItem(progress.KindItemError, index, item, key, tracks.ItemSkipped, nil, msgMissingIdentity)
		return nil
	}

	if locator, ok := w.prior(ctx, key, item); ok {
		locators := []string{locator}
		r.setItem(index, tracks.ItemSkipped, locators, "")
		r.publishItem(progress.KindItemFinish, index, item, key, tracks.ItemSkipped, locators, "")
		return nil
	}

	target := w.resolve(ctx, item)
	r.publishItem(progress.KindItemStart, index, item, key, tracks.ItemPending, nil, "")

	if err := r.deps.Limiter.Admit(ctx, r.deps.Token.Checkpoint); err != nil {
		return err
	}
	if err := r.deps.Token.Checkpoint(ctx); err != nil {
		return err
	}

	r.setItem(index, tracks.ItemDownloading, nil, "")
	res, err := w.providers.Fetch.Fetch(ctx, tracks.FetchRequest{
		Target: target,
		Item:   item,
		Name:   tracks.ArtifactName(item),
	})
	if err == nil && len(res.Locators) == 0 {
		err = fmt.Errorf("%w: no artifact produced", tracks.ErrFetchFailed)
	}
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("%w: %w", tracks.ErrCancelled, ctxErr)
		}
		r.logger.Warn("item failed",
			zap.Int("index", index),
			zap.String("key", key),
			zap.String("target", target.String()),
			zap.Error(err),
		)
		r.setItem(index, tracks.ItemFailed, nil, err.Error())
		r.publishItem(progress.KindItemError, index, item, key, tracks.ItemFailed, nil, err.Error())
		return nil
	}

	w.mapping[key] = res.Locators[0]
	r.saveMapping(ctx, w.mapping)
	r.setItem(index, tracks.ItemDownloaded, res.Locators, "")
	r.publishItem(progress.KindItemFinish, index, item, key, tracks.ItemDownloaded, res.Locators, "")
	r.logger.Debug("item downloaded",
		zap.Int("index", index),
		zap.String("key", key),
		zap.Strings("locators", res.Locators),
		zap.Duration("dur", res.Duration),
	)
	return nil
}

// prior returns the locator of an artifact that already satisfies key. An
// artifact found only by name is backfilled into the completion record.
func (w *walker) prior(ctx context.Context, key string, item tracks.Item) (string, bool) {
	if locator, ok := w.mapping[key]; ok {
		return locator, true
	}
	probe := w.r.deps.Probe
	name := tracks.ArtifactName(item)
	if probe == nil || name == "" {
		return "", false
	}
	locator, ok := probe.Resolve(ctx, name)
	if !ok {
		return "", false
	}
	w.mapping[key] = locator
	w.r.saveMapping(ctx, w.mapping)
	w.r.logger.Info("existing artifact adopted", zap.String("key", key), zap.String("locator", locator))
	return locator, true
}

func (w *walker) resolve(ctx context.Context, item tracks.Item) tracks.Target {
	query := item.Query(w.includeAlbum)
	fallback := tracks.Target{Query: query}
	if w.providers.Search == nil {
		return fallback
	}
	target, err := w.providers.Search.Resolve(ctx, query)
	if err != nil {
		if !errors.Is(err, tracks.ErrNoCandidate) {
			w.r.logger.Debug("search failed; using query fallback", zap.String("query", query), zap.Error(err))
		}
		return fallback
	}
	if target.URL == "" && target.Query == "" {
		return fallback
	}
	return target
}
