package mar

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/mar/internal/platform/websocket"
)

// SlotChange describes a committed slot write.
type SlotChange struct {
	OrderID    uuid.UUID `json:"order_id"`
	ResidentID uuid.UUID `json:"resident_id"`
	Date       string    `json:"date"`
	Action     string    `json:"action"`
	ActorID    string    `json:"actor_id"`
	Slot       DoseSlot  `json:"slot"`
	At         time.Time `json:"at"`
}

// ChangeFeed receives every committed slot change. Publishing is best
// effort and never fails the write that produced the change.
type ChangeFeed interface {
	SlotChanged(ctx context.Context, change SlotChange)
}

type nopFeed struct{}

func (nopFeed) SlotChanged(context.Context, SlotChange) {}

// SetFeed attaches an optional change feed.
func (s *Service) SetFeed(f ChangeFeed) {
	if f == nil {
		f = nopFeed{}
	}
	s.feed = f
}

func (s *Service) publish(ctx context.Context, o *MedicationOrder, action string, slot DoseSlot, actor Actor, now time.Time) {
	s.feed.SlotChanged(ctx, SlotChange{
		OrderID:    o.ID,
		ResidentID: o.ResidentID,
		Date:       o.Date.Format(DateLayout),
		Action:     action,
		ActorID:    actor.UserID,
		Slot:       slot.clone(),
		At:         now.UTC(),
	})
}

// EventSlotChanged is the websocket event type of a slot change.
const EventSlotChanged = "mar.slot-changed"

// ResidentTopic is the websocket topic carrying one resident's slot changes.
func ResidentTopic(residentID uuid.UUID) string {
	return "residents/" + residentID.String()
}

// HubFeed forwards slot changes to websocket subscribers of the resident's
// topic.
type HubFeed struct {
	pub websocket.EventPublisher
}

func NewHubFeed(pub websocket.EventPublisher) *HubFeed {
	return &HubFeed{pub: pub}
}

func (f *HubFeed) SlotChanged(ctx context.Context, change SlotChange) {
	data, err := json.Marshal(change)
	if err != nil {
		return
	}
	_ = f.pub.Publish(ctx, websocket.Event{
		Type:       EventSlotChanged,
		Topic:      ResidentTopic(change.ResidentID),
		Resource:   "medication_order",
		ResourceID: change.OrderID.String(),
		Timestamp:  change.At,
		Data:       data,
	})
}
