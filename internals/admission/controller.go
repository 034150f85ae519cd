package admission

import (
	"context"

	"github.com/beamdrop/broker/internals/store"
	"go.uber.org/zap"
)

// Status of a peer after an admission decision.
type Status string

const (
	StatusActive Status = "active"
	StatusQueued Status = "queued"
)

// Decision is the outcome of admitting a peer to a room.
type Decision struct {
	Status   Status
	Position int // 1-based queue position, only meaningful when queued
}

// Departure is the outcome of an active or queued peer leaving a room.
type Departure struct {
	WasActive bool
	Promoted  string // connection id moved from the queue head into the active set
}

// Controller decides whether a joining peer enters the active set or the wait
// queue, and who is promoted when an active peer departs. It is stateless; all
// session state lives in the store, and the check-and-act pairs are atomic at
// the store layer.
type Controller struct {
	store          *store.Store
	maxActiveSlots int
	logger         *zap.Logger
}

func NewController(st *store.Store, maxActiveSlots int, logger *zap.Logger) *Controller {
	return &Controller{
		store:          st,
		maxActiveSlots: maxActiveSlots,
		logger:         logger,
	}
}

// Admit places a joining peer into the room's active set if a slot is free,
// otherwise at the tail of the wait queue.
func (c *Controller) Admit(ctx context.Context, roomID, connID string) (Decision, error) {
	res, err := c.store.Admit(ctx, roomID, connID, c.maxActiveSlots)
	if err != nil {
		return Decision{}, err
	}

	if res.Active {
		c.logger.Debug("Peer admitted to active set",
			zap.String("room_id", roomID),
			zap.String("conn_id", connID),
		)
		return Decision{Status: StatusActive}, nil
	}

	c.logger.Debug("Peer queued",
		zap.String("room_id", roomID),
		zap.String("conn_id", connID),
		zap.Int("position", res.Position),
	)
	return Decision{Status: StatusQueued, Position: res.Position}, nil
}

// OnDeparture handles a peer leaving the room. If the peer held an active
// slot, the longest-waiting queued peer (if any) is promoted into it. If the
// peer was only queued, it is removed from the queue.
func (c *Controller) OnDeparture(ctx context.Context, roomID, connID string) (Departure, error) {
	res, err := c.store.Depart(ctx, roomID, connID)
	if err != nil {
		return Departure{}, err
	}

	if res.Promoted != "" {
		c.logger.Debug("Queued peer promoted",
			zap.String("room_id", roomID),
			zap.String("departed", connID),
			zap.String("promoted", res.Promoted),
		)
	}

	return Departure{WasActive: res.WasActive, Promoted: res.Promoted}, nil
}
