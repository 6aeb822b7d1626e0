package fetcher

import (
	"context"
	"fmt"
	"io"
	"maps"

	"github.com/kirillkom/docflow/internal/core/domain"
	"github.com/kirillkom/docflow/internal/core/ports"
)

// Fetcher resolves a job source into content. It never retries.
type Fetcher struct {
	stores map[string]ports.BlobStore
}

// New registers one blob store per reference scheme.
func New(stores map[string]ports.BlobStore) *Fetcher {
	return &Fetcher{stores: maps.Clone(stores)}
}

func (f *Fetcher) Fetch(ctx context.Context, source domain.Source) (domain.Content, error) {
	switch s := source.(type) {
	case domain.InlineSource:
		return domain.Content(maps.Clone(s.Payload)), nil
	case domain.RemoteSource:
		return f.fetchRemote(ctx, s.Ref)
	default:
		return nil, domain.WrapError(domain.ErrInvalidReference, "fetch", fmt.Errorf("unsupported source %T", source))
	}
}

func (f *Fetcher) fetchRemote(ctx context.Context, raw string) (domain.Content, error) {
	ref, err := domain.ParseReference(raw)
	if err != nil {
		return nil, err
	}
	store, ok := f.stores[ref.Scheme]
	if !ok {
		return nil, domain.WrapError(domain.ErrInvalidReference, "fetch",
			fmt.Errorf("unsupported scheme %q in %s", ref.Scheme, ref))
	}

	reader, err := store.Open(ctx, ref.Bucket, ref.Path)
	if err != nil {
		return nil, err
	}
	defer reader.Close()

	body, err := io.ReadAll(reader)
	if err != nil {
		return nil, domain.WrapError(domain.ErrConnectivity, "read "+ref.String(), err)
	}
	return decode(ref.Path, body), nil
}
