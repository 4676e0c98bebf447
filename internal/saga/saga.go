package saga

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Compensation запись о выданном компенсирующем действии
type Compensation struct {
	Action   string    `json:"action"`
	Target   string    `json:"target"`
	Key      string    `json:"key"`
	IssuedAt time.Time `json:"issuedAt"`
}

// BookingSaga агрегат саги бронирования
type BookingSaga struct {
	ID      string `json:"sagaId"`
	State   State  `json:"state"`
	Version int64  `json:"version"`

	RoomID     string    `json:"roomId"`
	CheckIn    time.Time `json:"checkIn"`
	CheckOut   time.Time `json:"checkOut"`
	Amount     int64     `json:"amount"`
	Currency   string    `json:"currency"`
	BookingRef string    `json:"bookingRef"`

	ReservationID string `json:"reservationId,omitempty"`
	PaymentID     string `json:"paymentId,omitempty"`

	Compensations        []Compensation `json:"compensations,omitempty"`
	CompensationAttempts int            `json:"compensationAttempts"`

	Deadline  time.Time `json:"deadline"`
	LastError string    `json:"lastError,omitempty"`

	// Applied журнал ключей идемпотентности уже примененных событий
	Applied []string `json:"applied,omitempty"`
	// Outbox намерения публикации, закоммиченные вместе с состоянием
	Outbox []Intent `json:"outbox,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// CreateBookingRequest запрос на бронирование от HTTP слоя
type CreateBookingRequest struct {
	RoomID   string    `json:"roomId"`
	CheckIn  time.Time `json:"checkIn"`
	CheckOut time.Time `json:"checkOut"`
	Amount   int64     `json:"amount,omitempty"`
	Currency string    `json:"currency,omitempty"`
}

// Validate проверяет факты запроса
func (r CreateBookingRequest) Validate() error {
	var errs []error
	if strings.TrimSpace(r.RoomID) == "" {
		errs = append(errs, errors.New("roomId is required"))
	}
	if r.CheckIn.IsZero() || r.CheckOut.IsZero() {
		errs = append(errs, errors.New("checkIn and checkOut are required"))
	} else if !r.CheckOut.After(r.CheckIn) {
		errs = append(errs, errors.New("checkOut must be after checkIn"))
	}
	if r.Amount < 0 {
		errs = append(errs, errors.New("amount must not be negative"))
	}
	return errors.Join(errs...)
}

// Nights количество ночей проживания, минимум одна
func (r CreateBookingRequest) Nights() int64 {
	nights := int64(r.CheckOut.Sub(r.CheckIn).Hours() / 24)
	if nights < 1 {
		return 1
	}
	return nights
}

// NewBookingSaga создает несохраненный экземпляр в Initiated с версией 0
func NewBookingSaga(id string, req CreateBookingRequest, now time.Time) *BookingSaga {
	return &BookingSaga{
		ID:         id,
		State:      StateInitiated,
		Version:    0,
		RoomID:     req.RoomID,
		CheckIn:    req.CheckIn.UTC(),
		CheckOut:   req.CheckOut.UTC(),
		Amount:     req.Amount,
		Currency:   req.Currency,
		BookingRef: BookingRefFor(id),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// BookingRefFor строит человекочитаемую ссылку из идентификатора саги
func BookingRefFor(id string) string {
	compact := strings.ReplaceAll(id, "-", "")
	if len(compact) > 8 {
		compact = compact[:8]
	}
	return "BK-" + strings.ToUpper(compact)
}

// HasApplied проверяет, было ли событие с ключом уже применено
func (s *BookingSaga) HasApplied(key string) bool {
	for _, k := range s.Applied {
		if k == key {
			return true
		}
	}
	return false
}

// HasCompensation проверяет, выдавалась ли компенсация с ключом
func (s *BookingSaga) HasCompensation(key string) bool {
	for _, c := range s.Compensations {
		if c.Key == key {
			return true
		}
	}
	return false
}

// IsParked сага ожидает ответа и имеет дедлайн
func (s *BookingSaga) IsParked() bool {
	return !s.State.IsTerminal() && !s.Deadline.IsZero()
}

// Clone возвращает глубокую копию
func (s *BookingSaga) Clone() *BookingSaga {
	if s == nil {
		return nil
	}
	c := *s
	c.Compensations = append([]Compensation(nil), s.Compensations...)
	c.Applied = append([]string(nil), s.Applied...)
	c.Outbox = make([]Intent, len(s.Outbox))
	for i, in := range s.Outbox {
		in.Payload = append([]byte(nil), in.Payload...)
		c.Outbox[i] = in
	}
	if len(c.Outbox) == 0 {
		c.Outbox = nil
	}
	return &c
}

// CheckInvariants проверяет связь полей резерва и оплаты с состоянием
func (s *BookingSaga) CheckInvariants() error {
	if !s.State.IsValid() {
		return fmt.Errorf("unknown state %q", s.State)
	}
	if _, onHappyPath := happyPathRank[s.State]; onHappyPath {
		reserved := s.State.AtLeast(StateRoomReserved)
		if reserved != (s.ReservationID != "") {
			return fmt.Errorf("reservationId presence does not match state %s", s.State)
		}
		paid := s.State.AtLeast(StatePaymentConfirmed)
		if paid != (s.PaymentID != "") {
			return fmt.Errorf("paymentId presence does not match state %s", s.State)
		}
	}
	return nil
}
