package supabase

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/supabase-community/supabase-go"
)

// RealtimeClient publishes events on couple-scoped channels. Channel names
// are derived deterministically from the couple id so both clients can
// subscribe without coordination.
type RealtimeClient struct {
	client *supabase.Client
}

func NewRealtimeClient(client *supabase.Client) *RealtimeClient {
	return &RealtimeClient{
		client: client,
	}
}

// CoupleChannel is the canonical channel name for a couple.
func CoupleChannel(coupleID uuid.UUID) string {
	return fmt.Sprintf("couple:%s", coupleID.String())
}

func (r *RealtimeClient) PublishEvent(channel string, event string, payload map[string]interface{}) error {
	// Supabase's Go client has no direct Realtime publish; row changes on
	// moments and notifications already reach subscribed clients through
	// Postgres Changes on the couple channel. This hook exists for an
	// explicit broadcast once the client library grows one.
	return nil
}

func (r *RealtimeClient) PublishCoupleEvent(coupleID uuid.UUID, event string, payload map[string]interface{}) error {
	return r.PublishEvent(CoupleChannel(coupleID), event, payload)
}
