package search

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/kokoro-ai/kokoro/internal/model"
	"github.com/kokoro-ai/kokoro/internal/service/embedding"
	"github.com/kokoro-ai/kokoro/internal/storage"
)

// Index is the vector index the bank queries. *QdrantIndex satisfies it.
type Index interface {
	Query(ctx context.Context, identity string, embedding []float32, limit int) ([]Hit, error)
	Upsert(ctx context.Context, points []Point) error
}

// Bank is the memory interface handed to the reflection cycle. Writes go to
// the durable store, which enqueues the mirror via its outbox; reads go to
// the index when one is configured and fall back to the store's local
// similarity search otherwise.
type Bank struct {
	store    storage.Store
	provider embedding.Provider
	index    Index // may be nil: recall then searches the store directly
	logger   *slog.Logger
}

// NewBank creates a memory bank. index may be nil; recall then uses the
// store's local search.
func NewBank(store storage.Store, provider embedding.Provider, index Index, logger *slog.Logger) *Bank {
	return &Bank{store: store, provider: provider, index: index, logger: logger}
}

// Recall returns up to limit memory texts for identity, most similar first.
// The index answers when configured; an index failure or empty result falls
// back to the store so recall survives mirror lag and Qdrant outages.
func (b *Bank) Recall(ctx context.Context, identity, query string, limit int) ([]string, error) {
	vec, err := b.provider.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("search: embed query: %w", err)
	}

	if b.index != nil {
		hits, err := b.index.Query(ctx, identity, vec.Slice(), limit)
		if err != nil {
			b.logger.Warn("search: index query failed, falling back to store", "identity", identity, "error", err)
		} else if len(hits) > 0 {
			texts := make([]string, 0, len(hits))
			for _, h := range hits {
				if h.Text != "" {
					texts = append(texts, h.Text)
				}
			}
			return texts, nil
		}
	}

	memories, err := b.store.SearchMemories(ctx, identity, vec, limit)
	if err != nil {
		return nil, fmt.Errorf("search: store search: %w", err)
	}
	texts := make([]string, 0, len(memories))
	for _, m := range memories {
		if m.Text != "" {
			texts = append(texts, m.Text)
		}
	}
	return texts, nil
}

// Remember embeds text and appends it to the durable store. The mirror
// worker picks it up from the outbox.
func (b *Bank) Remember(ctx context.Context, identity, text string) error {
	vec, err := b.provider.Embed(ctx, text)
	if err != nil {
		return fmt.Errorf("search: embed memory: %w", err)
	}
	return b.store.AppendMemory(ctx, model.Memory{
		ID:        uuid.New(),
		Identity:  identity,
		Text:      text,
		Embedding: &vec,
		CreatedAt: time.Now().UTC(),
	})
}
