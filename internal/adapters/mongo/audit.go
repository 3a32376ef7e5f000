package mongo

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/robertarktes/experience-bookings/internal/domain"
	"github.com/robertarktes/experience-bookings/internal/observability"
)

type AuditLogger struct {
	coll   *mongo.Collection
	logger observability.Logger
}

func NewAuditLogger(db *mongo.Database, logger observability.Logger) *AuditLogger {
	return &AuditLogger{
		coll:   db.Collection("audit_logs"),
		logger: logger,
	}
}

type AuditLog struct {
	ID        uuid.UUID `bson:"_id"`
	Action    string    `bson:"action"`
	Actor     string    `bson:"actor"`
	UserID    uuid.UUID `bson:"user_id"`
	Timestamp time.Time `bson:"timestamp"`
	Data      bson.M    `bson:"data"`
}

func (a *AuditLogger) LogEvent(ctx context.Context, action, actor string, userID uuid.UUID, data map[string]interface{}) error {
	log := AuditLog{
		ID:        uuid.New(),
		Action:    action,
		Actor:     actor,
		UserID:    userID,
		Timestamp: time.Now().UTC(),
		Data:      bson.M(data),
	}
	_, err := a.coll.InsertOne(ctx, log)
	if err != nil {
		a.logger.WithField("action", action).WithError(err).Error("failed to insert audit log")
		return err
	}
	return nil
}

// LogTransition records a reservation status change. System-driven expiry
// and user cancellation differ by actor and reason.
func (a *AuditLogger) LogTransition(ctx context.Context, t domain.Transition) error {
	data := map[string]interface{}{
		"reservation_id": t.ReservationID.String(),
		"time_slot_id":   t.TimeSlotID.String(),
		"from":           string(t.From),
		"to":             string(t.To),
		"reason":         t.Reason,
		"at":             t.At,
	}
	return a.LogEvent(ctx, "reservation."+string(t.To), t.Actor, t.UserID, data)
}
