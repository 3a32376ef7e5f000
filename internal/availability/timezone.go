package availability

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"github.com/robertarktes/experience-bookings/internal/domain"
	"github.com/robertarktes/experience-bookings/internal/observability"
)

const timezoneTTL = time.Hour

type TimezoneSource interface {
	Timezone(ctx context.Context, experienceID uuid.UUID) (string, error)
}

type JSONCache interface {
	GetJSON(ctx context.Context, key string, dst any) (bool, error)
	SetJSON(ctx context.Context, key string, v any, ttl time.Duration) error
}

// TimezoneResolver looks up an experience's timezone in the catalog, caching
// hits. Cache failures fall through to the catalog.
type TimezoneResolver struct {
	source TimezoneSource
	cache  JSONCache
	logger observability.Logger
}

func NewTimezoneResolver(source TimezoneSource, cache JSONCache, logger observability.Logger) *TimezoneResolver {
	return &TimezoneResolver{source: source, cache: cache, logger: logger}
}

func (r *TimezoneResolver) Timezone(ctx context.Context, experienceID uuid.UUID) (string, error) {
	key := "experience:tz:" + experienceID.String()

	var tz string
	if r.cache != nil {
		hit, err := r.cache.GetJSON(ctx, key, &tz)
		if err != nil {
			r.logger.WithError(err).Warn("timezone cache read failed")
		} else if hit && tz != "" {
			return tz, nil
		}
	}

	tz, err := r.source.Timezone(ctx, experienceID)
	if err != nil {
		return "", err
	}
	if _, err := time.LoadLocation(tz); err != nil {
		return "", errors.Wrapf(domain.ErrInvalidInput, "experience %s has unknown timezone %q", experienceID, tz)
	}
	if r.cache != nil {
		if err := r.cache.SetJSON(ctx, key, tz, timezoneTTL); err != nil {
			r.logger.WithError(err).Warn("timezone cache write failed")
		}
	}
	return tz, nil
}
