package chatsync

import (
	"context"

	"github.com/rajivgeraev/automarket-api/internal/realtime"
)

// Link часть Connection, которой пользуются хранилище, индикатор набора и агрегатор
type Link interface {
	Send(ctx context.Context, ev Event) error
	Request(ctx context.Context, ev Event) (Event, error)
	On(t realtime.EventType, fn func(Event)) (unsubscribe func())
	OnStateChange(fn func(connected bool)) (unsubscribe func())
	IsConnected() bool
}

var _ Link = (*Connection)(nil)
