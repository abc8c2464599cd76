package server

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/JakeFAU/tracksync/internal/api"
	"github.com/JakeFAU/tracksync/internal/config"
	"github.com/JakeFAU/tracksync/internal/fetch/ytdlp"
	csvinput "github.com/JakeFAU/tracksync/internal/input/csv"
	"github.com/JakeFAU/tracksync/internal/input/spotify"
	"github.com/JakeFAU/tracksync/internal/manifest"
	"github.com/JakeFAU/tracksync/internal/metrics"
	"github.com/JakeFAU/tracksync/internal/policy/ratelimit"
	"github.com/JakeFAU/tracksync/internal/progress"
	progresssinks "github.com/JakeFAU/tracksync/internal/progress/sinks"
	gcppublisher "github.com/JakeFAU/tracksync/internal/publisher/pubsub"
	"github.com/JakeFAU/tracksync/internal/runner"
	collysearch "github.com/JakeFAU/tracksync/internal/search/colly"
	"github.com/JakeFAU/tracksync/internal/search/headless"
	gcsstorage "github.com/JakeFAU/tracksync/internal/storage/gcs"
	localstorage "github.com/JakeFAU/tracksync/internal/storage/local"
	memorystorage "github.com/JakeFAU/tracksync/internal/storage/memory"
	mongostorage "github.com/JakeFAU/tracksync/internal/storage/mongo"
	pgstore "github.com/JakeFAU/tracksync/internal/storage/postgres"
	sqlitestore "github.com/JakeFAU/tracksync/internal/storage/sqlite"
	"github.com/JakeFAU/tracksync/internal/store"
	"github.com/JakeFAU/tracksync/internal/tracks"
)

// Components holds the collaborators shared by served and batch mode.
type Components struct {
	cfg    config.Config
	logger *zap.Logger

	Store     tracks.CompletionStore
	Probe     tracks.ArtifactProbe
	Blobs     tracks.BlobStore
	Manifest  runner.ManifestWriter
	Search    tracks.SearchProvider
	Fetch     tracks.FetchProvider
	History   store.RunRepository
	Publisher tracks.Publisher

	gcs     *storage.Client
	pool    pgstore.DB
	closers []func(context.Context) error
}

// BuildComponents constructs every backend named in cfg. On failure the
// components built so far are closed.
func BuildComponents(ctx context.Context, cfg config.Config, logger *zap.Logger) (_ *Components, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Components{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			if closeErr := c.Close(context.WithoutCancel(ctx)); closeErr != nil {
				logger.Warn("partial component cleanup failed", zap.Error(closeErr))
			}
		}
	}()

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"blob storage", c.setupBlobs},
		{"completion store", c.setupCompletion},
		{"artifact probe", c.setupProbe},
		{"run history", c.setupHistory},
		{"publisher", c.setupPublisher},
		{"search provider", c.setupSearch},
		{"fetch provider", c.setupFetch},
	}
	for _, step := range steps {
		if err := step.fn(ctx); err != nil {
			return nil, fmt.Errorf("%s init failed: %w", step.name, err)
		}
	}
	return c, nil
}

// Close releases backend connections in reverse construction order.
func (c *Components) Close(ctx context.Context) error {
	var errs []error
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	c.closers = nil
	return errors.Join(errs...)
}

func (c *Components) onClose(fn func(context.Context) error) {
	c.closers = append(c.closers, fn)
}

func (c *Components) gcsClient(ctx context.Context) (*storage.Client, error) {
	if c.gcs != nil {
		return c.gcs, nil
	}
	client, err := gcsstorage.NewClient(ctx, c.cfg.Storage.Bucket, c.logger.Named("gcs"))
	if err != nil {
		return nil, err
	}
	c.gcs = client
	c.onClose(func(context.Context) error { return client.Close() })
	return client, nil
}

func (c *Components) postgres(ctx context.Context) (pgstore.DB, error) {
	if c.pool != nil {
		return c.pool, nil
	}
	pool, err := pgstore.Connect(ctx, pgstore.Config{
		DSN:      c.cfg.DB.DSN,
		MaxConns: c.cfg.DB.MaxConns,
		MinConns: c.cfg.DB.MinConns,
	})
	if err != nil {
		return nil, err
	}
	c.pool = pool
	c.onClose(func(context.Context) error {
		pool.Close()
		return nil
	})
	return pool, nil
}

func (c *Components) gcsConfig() gcsstorage.Config {
	return gcsstorage.Config{Bucket: c.cfg.Storage.Bucket, Prefix: c.cfg.Storage.Prefix}
}

func (c *Components) setupBlobs(ctx context.Context) error {
	switch c.cfg.Storage.Backend {
	case "gcs":
		client, err := c.gcsClient(ctx)
		if err != nil {
			return err
		}
		blobs, err := gcsstorage.New(client, c.gcsConfig())
		if err != nil {
			return err
		}
		c.Blobs = blobs
		c.logger.Info("using GCS storage backend", zap.String("bucket", c.cfg.Storage.Bucket))
	case "memory":
		c.Blobs = memorystorage.NewBlobStore()
		c.logger.Info("using in-memory storage backend")
	default:
		blobs, err := localstorage.New(localstorage.Config{BaseDir: c.cfg.Library.Dir})
		if err != nil {
			return err
		}
		c.Blobs = blobs
		c.logger.Info("using local storage backend", zap.String("path", c.cfg.Library.Dir))
	}
	if c.cfg.Library.Manifest {
		writer := manifest.NewWriter(c.Blobs, manifest.Config{
			Dir:           c.cfg.Library.PlaylistsDir,
			LocatorPrefix: locatorPrefix(c.cfg.Library.PlaylistsDir),
		})
		if c.cfg.Library.LinkTracks && c.cfg.Storage.Backend == "local" {
			logger := c.logger.Named("manifest")
			writer.WithLinker(manifest.NewLinker(c.cfg.Library.Dir, c.cfg.Library.PlaylistsDir, logger), logger)
		}
		c.Manifest = writer
	}
	return nil
}

// locatorPrefix climbs from the playlists directory back to the library root.
func locatorPrefix(dir string) string {
	dir = strings.Trim(filepath.ToSlash(filepath.Clean(dir)), "/")
	if dir == "" || dir == "." {
		return ""
	}
	return strings.Repeat("../", strings.Count(dir, "/")+1)
}

func (c *Components) setupCompletion(ctx context.Context) error {
	cc := c.cfg.Completion
	switch cc.Backend {
	case "memory":
		c.Store = memorystorage.NewCompletionStore(nil)
	case "gcs":
		client, err := c.gcsClient(ctx)
		if err != nil {
			return err
		}
		s, err := gcsstorage.NewCompletionStore(client, c.gcsConfig(), cc.Object)
		if err != nil {
			return err
		}
		c.Store = s
	case "postgres":
		db, err := c.postgres(ctx)
		if err != nil {
			return err
		}
		s, err := pgstore.NewCompletionStore(db, cc.Table, cc.Name)
		if err != nil {
			return err
		}
		if err := s.Migrate(ctx); err != nil {
			return err
		}
		c.Store = s
	case "sqlite":
		s, err := sqlitestore.Open(ctx, c.cfg.SQLite.Path, cc.Name)
		if err != nil {
			return err
		}
		c.onClose(func(context.Context) error { return s.Close() })
		c.Store = s
	case "mongo":
		s, err := mongostorage.Connect(ctx, mongostorage.Config{
			URI:        c.cfg.Mongo.URI,
			Database:   c.cfg.Mongo.Database,
			Collection: c.cfg.Mongo.Collection,
		}, cc.Name)
		if err != nil {
			return err
		}
		c.onClose(s.Close)
		c.Store = s
	default:
		path := cc.Path
		if !filepath.IsAbs(path) {
			path = filepath.Join(c.cfg.Library.Dir, path)
		}
		s, err := localstorage.NewCompletionStore(path)
		if err != nil {
			return err
		}
		c.Store = s
	}
	c.logger.Info("completion store ready", zap.String("backend", cc.Backend))
	return nil
}

func (c *Components) setupProbe(ctx context.Context) error {
	local := localstorage.NewProbe(c.cfg.Library.Dir, c.cfg.Library.Extensions)
	if c.cfg.Storage.Backend != "gcs" {
		c.Probe = local
		return nil
	}
	client, err := c.gcsClient(ctx)
	if err != nil {
		return err
	}
	c.Probe = probeChain{local, gcsstorage.NewProbe(client, c.gcsConfig(), c.cfg.Library.Extensions, c.logger.Named("gcs_probe"))}
	return nil
}

// probeChain resolves against each probe in order; the first hit wins.
type probeChain []tracks.ArtifactProbe

func (p probeChain) Resolve(ctx context.Context, candidate string) (string, bool) {
	for _, probe := range p {
		if locator, ok := probe.Resolve(ctx, candidate); ok {
			return locator, true
		}
	}
	return "", false
}

// Check reports a hit from any probe. Without a hit, a failed lookup in any
// member makes the answer unknown.
func (p probeChain) Check(ctx context.Context, candidate string) (string, bool, error) {
	var errs []error
	for _, probe := range p {
		checker, ok := probe.(tracks.ArtifactChecker)
		if !ok {
			if locator, found := probe.Resolve(ctx, candidate); found {
				return locator, true, nil
			}
			continue
		}
		locator, found, err := checker.Check(ctx, candidate)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if found {
			return locator, true, nil
		}
	}
	return "", false, errors.Join(errs...)
}

func (c *Components) setupHistory(ctx context.Context) error {
	if !c.cfg.Progress.StoreEnabled {
		c.History = memorystorage.NewRunStore()
		return nil
	}
	db, err := c.postgres(ctx)
	if err != nil {
		return err
	}
	if err := pgstore.Migrate(ctx, db); err != nil {
		return err
	}
	repo, err := pgstore.NewRunStore(db)
	if err != nil {
		return err
	}
	c.History = repo
	c.logger.Info("run history persisted to postgres")
	return nil
}

func (c *Components) setupPublisher(ctx context.Context) error {
	if c.cfg.PubSub.ProjectID == "" || c.cfg.PubSub.TopicName == "" {
		c.logger.Info("no Pub/Sub topic configured, run notifications disabled")
		return nil
	}
	pub, err := gcppublisher.Connect(ctx, c.cfg.PubSub.ProjectID)
	if err != nil {
		return err
	}
	c.onClose(func(context.Context) error { return pub.Close() })
	c.Publisher = pub
	c.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", c.cfg.PubSub.ProjectID),
		zap.String("topic", c.cfg.PubSub.TopicName),
	)
	return nil
}

func (c *Components) setupSearch(context.Context) error {
	sc := c.cfg.Search
	switch sc.Provider {
	case "colly":
		metrics.Init()
		c.Search = collysearch.New(collysearch.Config{
			BaseURL:   sc.BaseURL,
			UserAgent: sc.UserAgent,
			Timeout:   c.cfg.SearchTimeout(),
			Limiter: ratelimit.NewHostLimiter(ratelimit.HostConfig{
				RequestsPerSecond: sc.RequestsPerSecond,
				Burst:             1,
				Observer:          metrics.ObserveSearchWait,
			}),
		})
	case "headless":
		p, err := headless.NewChromedp(headless.Config{
			BaseURL:           sc.BaseURL,
			MaxParallel:       sc.MaxParallel,
			UserAgent:         sc.UserAgent,
			NavigationTimeout: c.cfg.SearchTimeout(),
		})
		if err != nil {
			return err
		}
		c.onClose(func(context.Context) error {
			p.Close()
			return nil
		})
		c.Search = p
	default:
		c.logger.Info("no search provider, queries go straight to the fetcher")
		return nil
	}
	c.logger.Info("search provider ready", zap.String("provider", sc.Provider))
	return nil
}

func (c *Components) setupFetch(context.Context) error {
	fc := c.cfg.Fetch
	f, err := ytdlp.New(ytdlp.Config{
		Binary:             fc.Binary,
		OutputDir:          c.cfg.Library.Dir,
		AudioFormat:        fc.AudioFormat,
		AudioQuality:       fc.AudioQuality,
		MaxFilesizeMB:      fc.MaxFilesizeMB,
		MaxDurationSeconds: fc.MaxDurationSeconds,
		SearchPrefix:       fc.SearchPrefix,
		EmbedThumbnail:     fc.EmbedThumbnail,
		Timeout:            c.cfg.FetchTimeout(),
		Logger:             c.logger,
	}, nil)
	if err != nil {
		return err
	}
	c.Fetch = f
	return nil
}

// Sinks builds the shared progress sinks attached to every served run.
func (c *Components) Sinks(reg prometheus.Registerer) ([]progress.Sink, error) {
	var sinks []progress.Sink
	if c.cfg.Progress.LogEnabled {
		sinks = append(sinks, progresssinks.NewLogSink(c.logger.Named("progress_log")))
	}
	if reg != nil {
		promSink, err := progresssinks.NewPrometheusSink(reg)
		if err != nil {
			return nil, fmt.Errorf("prometheus sink: %w", err)
		}
		sinks = append(sinks, promSink)
	}
	if c.History != nil {
		sinks = append(sinks, progresssinks.NewStoreSink(c.History, c.logger.Named("progress_store")))
	}
	if c.Publisher != nil {
		sinks = append(sinks, progresssinks.NewPublishSink(c.Publisher, c.cfg.PubSub.TopicName, c.logger.Named("progress_publish")))
	}
	return sinks, nil
}

// Builder turns submitted sources into provider factories.
func (c *Components) Builder() api.ProviderBuilder {
	return func(src api.Source) (runner.ProviderFactory, error) {
		switch src.Kind {
		case api.SourceCSV:
			if _, err := os.Stat(src.Path); err != nil {
				return nil, fmt.Errorf("%w: csv %s: %w", tracks.ErrInput, src.Path, err)
			}
			return c.Factory(csvinput.New(src.Path)), nil
		case api.SourceSpotify:
			if _, err := spotify.ParsePlaylistID(src.URL); err != nil {
				return nil, err
			}
			return func(ctx context.Context) (runner.Providers, error) {
				input, err := spotify.New(ctx, spotify.Config{
					ClientID:     c.cfg.Spotify.ClientID,
					ClientSecret: c.cfg.Spotify.ClientSecret,
					TokenURL:     c.cfg.Spotify.TokenURL,
					APIBaseURL:   c.cfg.Spotify.APIBaseURL,
				}, src.URL)
				if err != nil {
					return runner.Providers{}, err
				}
				return c.providers(input), nil
			}, nil
		default:
			return nil, fmt.Errorf("%w: unknown source %q", tracks.ErrInput, src.Kind)
		}
	}
}

// Factory wraps an input with the shared search and fetch providers.
func (c *Components) Factory(input tracks.InputSource) runner.ProviderFactory {
	return runner.Static(c.providers(input))
}

func (c *Components) providers(input tracks.InputSource) runner.Providers {
	return runner.Providers{Input: input, Search: c.Search, Fetch: c.Fetch}
}
