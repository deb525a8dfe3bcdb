package chatsync

import (
	"errors"
	"fmt"
)

var (
	ErrNotConnected     = errors.New("not connected")
	ErrHandshakeTimeout = errors.New("handshake timeout")
	ErrAckTimeout       = errors.New("ack timeout")
	ErrUnexpectedEvent  = errors.New("unexpected handshake event")
)

// ValidationError неверный ввод. Состояние хранилища при этом не меняется.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// ConnectionError транспорт недоступен
type ConnectionError struct {
	Op  string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection %s: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// DeliveryError сообщение не принято сервером
type DeliveryError struct {
	CorrelationID string
	Reason        string // текст message_error от сервера
	Err           error
}

func (e *DeliveryError) Error() string {
	switch {
	case e.Reason != "":
		return fmt.Sprintf("delivery %s: %s", e.CorrelationID, e.Reason)
	case e.Err != nil:
		return fmt.Sprintf("delivery %s: %v", e.CorrelationID, e.Err)
	}
	return "delivery " + e.CorrelationID + " failed"
}

func (e *DeliveryError) Unwrap() error { return e.Err }
