// Package core предоставляет систему ошибок сервиса.
package core

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
)

// Коды ошибок инфраструктуры
const (
	ErrNotFound             = "NOT_FOUND"
	ErrAlreadyExists        = "ALREADY_EXISTS"
	ErrInvalidConfig        = "INVALID_CONFIG"
	ErrInitializationFailed = "INITIALIZATION_FAILED"
	ErrInvalidMessage       = "INVALID_MESSAGE"
)

// Коды таксономии ошибок саги
const (
	// ErrRejected бизнес-отказ downstream сервиса (номер занят, карта отклонена)
	ErrRejected = "REJECTED"
	// ErrTransient сетевая или временная ошибка шины, повторяется с backoff
	ErrTransient = "TRANSIENT"
	// ErrConflict несовпадение версии при сохранении
	ErrConflict = "CONFLICT"
	// ErrFatal требует вмешательства оператора
	ErrFatal = "FATAL"
)

// FrameworkError базовый тип ошибки сервиса
type FrameworkError struct {
	Code       string
	Message    string
	Cause      error
	StackTrace string
}

// Error реализует интерфейс error
func (e *FrameworkError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap возвращает причину ошибки
func (e *FrameworkError) Unwrap() error {
	return e.Cause
}

// Is проверяет, соответствует ли ошибка коду
func (e *FrameworkError) Is(target error) bool {
	if t, ok := target.(*FrameworkError); ok {
		return e.Code == t.Code
	}
	return false
}

// WithContext добавляет контекст к ошибке
func (e *FrameworkError) WithContext(context string) *FrameworkError {
	return &FrameworkError{
		Code:       e.Code,
		Message:    fmt.Sprintf("%s: %s", context, e.Message),
		Cause:      e.Cause,
		StackTrace: e.StackTrace,
	}
}

// NewError создает новую ошибку
func NewError(code, message string) *FrameworkError {
	return &FrameworkError{
		Code:       code,
		Message:    message,
		StackTrace: captureStackTrace(),
	}
}

// Wrap оборачивает существующую ошибку
func Wrap(err error, code, message string) *FrameworkError {
	if err == nil {
		return nil
	}
	return &FrameworkError{
		Code:       code,
		Message:    message,
		Cause:      err,
		StackTrace: captureStackTrace(),
	}
}

// Transient оборачивает ошибку как временную
func Transient(err error, message string) error {
	if err == nil {
		return nil
	}
	return Wrap(err, ErrTransient, message)
}

// Conflict оборачивает ошибку как конфликт версий
func Conflict(err error, message string) error {
	if err == nil {
		return nil
	}
	return Wrap(err, ErrConflict, message)
}

// CodeOf возвращает код первой FrameworkError в цепочке или пустую строку
func CodeOf(err error) string {
	var fe *FrameworkError
	if errors.As(err, &fe) {
		return fe.Code
	}
	return ""
}

// IsTransient проверяет, является ли ошибка временной
func IsTransient(err error) bool {
	return hasCode(err, ErrTransient)
}

// IsConflict проверяет, является ли ошибка конфликтом версий
func IsConflict(err error) bool {
	return hasCode(err, ErrConflict)
}

// IsRejected проверяет, является ли ошибка бизнес-отказом
func IsRejected(err error) bool {
	return hasCode(err, ErrRejected)
}

// IsFatal проверяет, является ли ошибка фатальной
func IsFatal(err error) bool {
	return hasCode(err, ErrFatal)
}

func hasCode(err error, code string) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, &FrameworkError{Code: code})
}

// captureStackTrace захватывает stack trace
func captureStackTrace() string {
	buf := make([]byte, 4096)
	n := runtime.Stack(buf, false)
	stack := string(buf[:n])

	// Убираем первые несколько строк (сама функция captureStackTrace)
	lines := strings.Split(stack, "\n")
	if len(lines) > 4 {
		lines = lines[4:]
	}
	return strings.Join(lines, "\n")
}
