package cmd

import (
	"context"
	"fmt"
	"io"

	"go.uber.org/zap"

	"github.com/JakeFAU/tracksync/internal/runner"
	"github.com/JakeFAU/tracksync/internal/server"
	"github.com/JakeFAU/tracksync/internal/tracks"
)

// dryRun prints the fetch source each track would use. Nothing is searched or
// fetched, and the completion record is left untouched.
func dryRun(ctx context.Context, c *server.Components, factory runner.ProviderFactory, req tracks.RunRequest, prefix string, logger *zap.Logger, out io.Writer) error {
	providers, err := factory(ctx)
	if err != nil {
		return err
	}
	items, err := providers.Input.Read(ctx, req.Offset, req.Limit)
	if err != nil {
		return fmt.Errorf("read track list: %w", err)
	}
	mapping, err := c.Store.Load(ctx)
	if err != nil {
		logger.Warn("completion record unavailable; listing every track", zap.Error(err))
		mapping = nil
	}

	var queued, have, skipped int
	for _, item := range items {
		query := item.Query(req.IncludeAlbum)
		switch {
		case query == "":
			skipped++
			fmt.Fprintf(out, "%d\tskip: missing title or artist\n", item.Position)
		case inLibrary(ctx, c.Probe, mapping, item, req.IncludeAlbum):
			have++
			fmt.Fprintf(out, "%d\thave: %s\n", item.Position, item.Describe())
		default:
			queued++
			fmt.Fprintf(out, "%d\t%s:%s\n", item.Position, prefix, query)
		}
	}
	fmt.Fprintf(out, "dry run: %d to fetch, %d in library, %d unusable\n", queued, have, skipped)
	return nil
}

func inLibrary(ctx context.Context, probe tracks.ArtifactProbe, mapping map[string]string, item tracks.Item, includeAlbum bool) bool {
	if _, ok := mapping[item.Key(includeAlbum)]; ok {
		return true
	}
	return tracks.Exists(ctx, probe, tracks.ArtifactName(item))
}
