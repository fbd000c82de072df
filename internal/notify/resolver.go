// Package notify computes notification audiences and orchestrates
// per-recipient delivery across the live and relay channels.
package notify

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// RelationStore answers the favorite / collection-subscription relations for
// a subject entity. Owned by the collaborator application's schema; read-only
// here. An empty slice means "no recipients from that source", never an
// error.
type RelationStore interface {
	FavoriteUserIDs(ctx context.Context, entityID string) ([]uuid.UUID, error)
	CollectionSubscriberIDs(ctx context.Context, entityID string) ([]uuid.UUID, error)
}

// Resolver computes the recipient set for a domain event: the deduplicated
// union of favorite holders and collection subscribers, minus the author.
type Resolver struct {
	relations RelationStore
	logger    *zap.Logger
}

// NewResolver creates a resolver over the relation store.
func NewResolver(relations RelationStore, logger *zap.Logger) *Resolver {
	return &Resolver{
		relations: relations,
		logger:    logger,
	}
}

// Resolve returns who should learn about an event on the subject entity.
// A store query error propagates: the caller must abort fan-out rather than
// treat a lookup failure as an empty audience.
func (r *Resolver) Resolve(ctx context.Context, entityID string, authorID uuid.UUID) ([]uuid.UUID, error) {
	favorites, err := r.relations.FavoriteUserIDs(ctx, entityID)
	if err != nil {
		return nil, fmt.Errorf("lookup favorites for %s: %w", entityID, err)
	}

	subscribers, err := r.relations.CollectionSubscriberIDs(ctx, entityID)
	if err != nil {
		return nil, fmt.Errorf("lookup collection subscribers for %s: %w", entityID, err)
	}

	seen := make(map[uuid.UUID]struct{}, len(favorites)+len(subscribers))
	recipients := make([]uuid.UUID, 0, len(favorites)+len(subscribers))

	for _, id := range favorites {
		if id == authorID {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		recipients = append(recipients, id)
	}

	for _, id := range subscribers {
		if id == authorID {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		recipients = append(recipients, id)
	}

	return recipients, nil
}
