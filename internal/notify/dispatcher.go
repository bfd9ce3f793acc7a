package notify

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/google/uuid"

	"moments-backend/internal/models"
	"moments-backend/internal/moments"
	"moments-backend/internal/push"
)

// Realtime publishes couple-scoped events; the transport behind it is not
// the dispatcher's concern.
type Realtime interface {
	PublishCoupleEvent(coupleID uuid.UUID, event string, payload map[string]interface{}) error
}

// Store persists durable notification records for users who are not
// connected when the realtime event fires.
type Store interface {
	CreateNotification(ctx context.Context, n *models.Notification) error
}

// Pusher sends one push notification to one recipient.
type Pusher interface {
	Enabled() bool
	Send(ctx context.Context, userID uuid.UUID, n push.Notification) error
	RetryWithBackoff(fn func() error, maxRetries int) error
}

// Dispatcher implements moments.Publisher. Every transition fans out to the
// realtime channel, durable notification rows and the push gateway, all
// fire-and-forget: a delivery failure is logged and retried here, never
// propagated back to the transition that caused it.
type Dispatcher struct {
	realtime Realtime
	store    Store
	pusher   Pusher
	timeout  time.Duration
}

func NewDispatcher(realtime Realtime, store Store, pusher Pusher) *Dispatcher {
	return &Dispatcher{
		realtime: realtime,
		store:    store,
		pusher:   pusher,
		timeout:  15 * time.Second,
	}
}

func (d *Dispatcher) Publish(ev moments.Event) {
	go d.dispatch(ev)
}

func (d *Dispatcher) dispatch(ev moments.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()

	payload := eventPayload(ev)

	if d.realtime != nil {
		if err := d.realtime.PublishCoupleEvent(ev.CoupleID, ev.Kind, payload); err != nil {
			log.Printf("Failed to publish %s for moment %s: %v", ev.Kind, ev.MomentID, err)
		}
	}

	title, body := notificationCopy(ev)
	payloadJSON, _ := json.Marshal(payload)

	for _, userID := range recipients(ev) {
		if d.store != nil {
			n := &models.Notification{
				ID:        uuid.New(),
				UserID:    userID,
				MomentID:  ev.MomentID,
				Kind:      ev.Kind,
				Title:     title,
				Body:      body,
				Payload:   payloadJSON,
				CreatedAt: time.Now().UTC(),
			}
			if err := d.store.CreateNotification(ctx, n); err != nil {
				log.Printf("Failed to store notification for user %s: %v", userID, err)
			}
		}

		if d.pusher != nil && d.pusher.Enabled() {
			uid := userID
			err := d.pusher.RetryWithBackoff(func() error {
				return d.pusher.Send(ctx, uid, push.Notification{
					Title: title,
					Body:  body,
					Tag:   "moment:" + ev.MomentID.String(),
					Data:  payload,
				})
			}, 3)
			if err != nil {
				log.Printf("Failed to push %s to user %s: %v", ev.Kind, uid, err)
			}
		}
	}
}

// recipients picks who should hear about the transition: an invite goes to
// the partner, a capture to the other partner, terminal states to both.
func recipients(ev moments.Event) []uuid.UUID {
	switch ev.Kind {
	case moments.EventInitiated:
		if ev.ParticipantID.Valid {
			return []uuid.UUID{ev.ParticipantID.UUID}
		}
		return nil
	case moments.EventPartnerCaptured:
		if ev.ActorID == ev.InitiatorID && ev.ParticipantID.Valid {
			return []uuid.UUID{ev.ParticipantID.UUID}
		}
		return []uuid.UUID{ev.InitiatorID}
	default:
		both := []uuid.UUID{ev.InitiatorID}
		if ev.ParticipantID.Valid {
			both = append(both, ev.ParticipantID.UUID)
		}
		return both
	}
}

func eventPayload(ev moments.Event) map[string]interface{} {
	payload := map[string]interface{}{
		"moment_id": ev.MomentID.String(),
		"actor_id":  ev.ActorID.String(),
	}
	switch ev.Kind {
	case moments.EventInitiated:
		payload["initiator"] = ev.InitiatorID.String()
		payload["expires_at"] = ev.ExpiresAt.UTC().Format(time.RFC3339)
	case moments.EventCompleted, moments.EventExpired:
		// Minimal payloads; the artifact URL is fetched from the moment
		// once fusion attaches it.
	}
	return payload
}

func notificationCopy(ev moments.Event) (title, body string) {
	switch ev.Kind {
	case moments.EventInitiated:
		return "Moment invite", "Your partner wants to capture a moment with you"
	case moments.EventPartnerCaptured:
		return "Partner captured", "Your partner took their photo. Your turn!"
	case moments.EventCompleted:
		return "Moment completed", "You both captured this moment"
	case moments.EventExpired:
		return "Moment expired", "This moment ran out of time"
	default:
		return "Moment update", ""
	}
}
