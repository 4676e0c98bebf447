package httpapi

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/YangTris/Hotel-Microservice/internal/saga"
)

const dateLayout = "2006-01-02"

// Date дата заезда или выезда: YYYY-MM-DD или RFC3339
type Date struct {
	time.Time
}

func (d *Date) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("date must be a string: %w", err)
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		d.Time = time.Time{}
		return nil
	}
	if t, err := time.Parse(dateLayout, raw); err == nil {
		d.Time = t
		return nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return fmt.Errorf("date %q must be YYYY-MM-DD or RFC3339", raw)
	}
	d.Time = t.UTC()
	return nil
}

type createBookingRequest struct {
	RoomID   string `json:"roomId" binding:"required"`
	CheckIn  Date   `json:"checkIn"`
	CheckOut Date   `json:"checkOut"`
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
}

func (r createBookingRequest) toDomain() saga.CreateBookingRequest {
	return saga.CreateBookingRequest{
		RoomID:   strings.TrimSpace(r.RoomID),
		CheckIn:  r.CheckIn.Time,
		CheckOut: r.CheckOut.Time,
		Amount:   r.Amount,
		Currency: strings.ToUpper(r.Currency),
	}
}

type cancelBookingRequest struct {
	Reason string `json:"reason"`
}

type bookingAccepted struct {
	SagaID     string     `json:"sagaId"`
	BookingRef string     `json:"bookingRef"`
	State      saga.State `json:"state"`
}

type compensationView struct {
	Action   string    `json:"action"`
	Target   string    `json:"target,omitempty"`
	IssuedAt time.Time `json:"issuedAt"`
}

// bookingView внешнее представление саги без служебных полей outbox и applied
type bookingView struct {
	SagaID               string             `json:"sagaId"`
	BookingRef           string             `json:"bookingRef"`
	State                saga.State         `json:"state"`
	Terminal             bool               `json:"terminal"`
	Version              int64              `json:"version"`
	RoomID               string             `json:"roomId"`
	CheckIn              string             `json:"checkIn"`
	CheckOut             string             `json:"checkOut"`
	Amount               int64              `json:"amount"`
	Currency             string             `json:"currency"`
	ReservationID        string             `json:"reservationId,omitempty"`
	PaymentID            string             `json:"paymentId,omitempty"`
	Compensations        []compensationView `json:"compensations,omitempty"`
	CompensationAttempts int                `json:"compensationAttempts,omitempty"`
	Deadline             *time.Time         `json:"deadline,omitempty"`
	LastError            string             `json:"lastError,omitempty"`
	CreatedAt            time.Time          `json:"createdAt"`
	UpdatedAt            time.Time          `json:"updatedAt"`
}

func newBookingView(s *saga.BookingSaga) bookingView {
	v := bookingView{
		SagaID:               s.ID,
		BookingRef:           s.BookingRef,
		State:                s.State,
		Terminal:             s.State.IsTerminal(),
		Version:              s.Version,
		RoomID:               s.RoomID,
		CheckIn:              s.CheckIn.Format(dateLayout),
		CheckOut:             s.CheckOut.Format(dateLayout),
		Amount:               s.Amount,
		Currency:             s.Currency,
		ReservationID:        s.ReservationID,
		PaymentID:            s.PaymentID,
		CompensationAttempts: s.CompensationAttempts,
		LastError:            s.LastError,
		CreatedAt:            s.CreatedAt,
		UpdatedAt:            s.UpdatedAt,
	}
	if !s.Deadline.IsZero() {
		deadline := s.Deadline
		v.Deadline = &deadline
	}
	for _, c := range s.Compensations {
		v.Compensations = append(v.Compensations, compensationView{
			Action:   c.Action,
			Target:   c.Target,
			IssuedAt: c.IssuedAt,
		})
	}
	return v
}
