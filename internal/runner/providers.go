package runner

import (
	"context"

	"github.com/JakeFAU/tracksync/internal/manifest"
	"github.com/JakeFAU/tracksync/internal/policy/ratelimit"
	"github.com/JakeFAU/tracksync/internal/tracks"
)

// Providers bundles the collaborators a run talks to. Search is optional.
type Providers struct {
	Input  tracks.InputSource
	Search tracks.SearchProvider
	Fetch  tracks.FetchProvider
}

// ProviderFactory builds the providers for one run. It is invoked once, after
// the run has started, so credential failures surface as a failed run.
type ProviderFactory func(ctx context.Context) (Providers, error)

// Static returns a factory that always yields p.
func Static(p Providers) ProviderFactory {
	return func(context.Context) (Providers, error) {
		return p, nil
	}
}

// Admitter grants admission slots. ratelimit.Window satisfies it.
type Admitter interface {
	Admit(ctx context.Context, check ratelimit.Check) error
}

// ManifestWriter stores a playlist manifest for a finished run.
type ManifestWriter interface {
	Write(ctx context.Context, label string, entries []manifest.Entry) (string, error)
}
