package core

import (
	"time"

	"github.com/dkeye/Duet/internal/domain"
)

// CallDTO is a read-only view of a call for APIs and events.
type CallDTO struct {
	ID       domain.CallID      `json:"call_id"`
	Type     domain.CallType    `json:"call_type"`
	State    domain.CallState   `json:"state"`
	Caller   domain.Participant `json:"caller"`
	Receiver domain.Participant `json:"receiver"`
	Started  time.Time          `json:"started_at"`
}

func CallToDTO(c *domain.Call) CallDTO {
	return CallDTO{
		ID:       c.ID,
		Type:     c.Type,
		State:    c.State,
		Caller:   c.Caller,
		Receiver: c.Receiver,
		Started:  c.StartedAt,
	}
}
