package mongo

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/robertarktes/experience-bookings/internal/domain"
	"github.com/robertarktes/experience-bookings/internal/observability"
)

type CatalogRepository struct {
	coll   *mongo.Collection
	logger observability.Logger
}

func NewCatalogRepository(db *mongo.Database, logger observability.Logger) *CatalogRepository {
	return &CatalogRepository{
		coll:   db.Collection("experiences"),
		logger: logger,
	}
}

// ExperienceDoc is the host-managed catalog entry. Only the fields the
// booking core reads are mapped.
type ExperienceDoc struct {
	ID        uuid.UUID `bson:"_id"`
	HostID    uuid.UUID `bson:"host_id"`
	Name      string    `bson:"name"`
	Timezone  string    `bson:"timezone"`
	Active    bool      `bson:"active"`
	CreatedAt time.Time `bson:"created_at"`
	UpdatedAt time.Time `bson:"updated_at"`
}

func (c *CatalogRepository) GetExperience(ctx context.Context, id uuid.UUID) (*ExperienceDoc, error) {
	var exp ExperienceDoc
	err := c.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&exp)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		c.logger.WithField("experience_id", id).WithError(err).Error("failed to get experience")
		return nil, err
	}
	return &exp, nil
}

// HostOf returns the host that owns an experience.
func (c *CatalogRepository) HostOf(ctx context.Context, id uuid.UUID) (uuid.UUID, error) {
	exp, err := c.GetExperience(ctx, id)
	if err != nil {
		return uuid.Nil, err
	}
	return exp.HostID, nil
}

// Timezone returns the IANA zone of an experience.
func (c *CatalogRepository) Timezone(ctx context.Context, id uuid.UUID) (string, error) {
	exp, err := c.GetExperience(ctx, id)
	if err != nil {
		return "", err
	}
	if exp.Timezone == "" {
		return "", errors.Wrapf(domain.ErrInvalidInput, "experience %s has no timezone", id)
	}
	return exp.Timezone, nil
}
