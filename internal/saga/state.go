// Package saga содержит агрегат BookingSaga и чистую машину состояний,
// которая управляет бронированием: резерв номера, списание оплаты, подтверждение
// и компенсация при сбое любого шага.
package saga

// State состояние саги бронирования
type State string

const (
	StateInitiated         State = "Initiated"
	StateRoomReserving     State = "RoomReserving"
	StateRoomReserved      State = "RoomReserved"
	StatePaymentProcessing State = "PaymentProcessing"
	StatePaymentConfirmed  State = "PaymentConfirmed"
	StateCompleted         State = "Completed"
	StateCompensating      State = "Compensating"
	StateCancelled         State = "Cancelled"
	StateFailed            State = "Failed"
)

// AllStates возвращает все состояния в порядке объявления
func AllStates() []State {
	return []State{
		StateInitiated,
		StateRoomReserving,
		StateRoomReserved,
		StatePaymentProcessing,
		StatePaymentConfirmed,
		StateCompleted,
		StateCompensating,
		StateCancelled,
		StateFailed,
	}
}

// happyPathRank порядок состояний на успешном пути; компенсационные ветки не ранжируются
var happyPathRank = map[State]int{
	StateInitiated:         1,
	StateRoomReserving:     2,
	StateRoomReserved:      3,
	StatePaymentProcessing: 4,
	StatePaymentConfirmed:  5,
	StateCompleted:         6,
}

// IsTerminal проверяет, является ли состояние конечным
func (s State) IsTerminal() bool {
	switch s {
	case StateCompleted, StateCancelled, StateFailed:
		return true
	}
	return false
}

// IsValid проверяет, что состояние входит в перечисление
func (s State) IsValid() bool {
	for _, st := range AllStates() {
		if st == s {
			return true
		}
	}
	return false
}

// AtLeast сравнивает позиции на успешном пути. Для компенсационных состояний всегда false.
func (s State) AtLeast(other State) bool {
	a, okA := happyPathRank[s]
	b, okB := happyPathRank[other]
	return okA && okB && a >= b
}

// HasDeadline проверяет, ждет ли сага в этом состоянии ответа с дедлайном
func (s State) HasDeadline() bool {
	switch s {
	case StateRoomReserving, StateRoomReserved, StatePaymentProcessing, StateCompensating:
		return true
	}
	return false
}

func (s State) String() string {
	return string(s)
}
