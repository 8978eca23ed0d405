package app

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

const alertSendTimeout = 10 * time.Second

var errAlertQueueFull = errors.New("alert queue full")

type alertSender interface {
	SendAlert(ctx context.Context, subject, body string) error
}

type alert struct {
	subject string
	body    string
}

// asyncAlerter queues alerts so the event loop never waits on delivery.
type asyncAlerter struct {
	sink    alertSender
	log     *zap.Logger
	queue   chan alert
	dropped atomic.Uint64
}

func newAsyncAlerter(sink alertSender, size int, log *zap.Logger) *asyncAlerter {
	if size <= 0 {
		size = 32
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &asyncAlerter{sink: sink, log: log, queue: make(chan alert, size)}
}

func (a *asyncAlerter) SendAlert(ctx context.Context, subject, body string) error {
	_ = ctx
	if a == nil || a.sink == nil {
		return nil
	}
	select {
	case a.queue <- alert{subject: subject, body: body}:
		return nil
	default:
		if a.dropped.Add(1) == 1 {
			a.log.Warn("alert queue full", zap.String("subject", subject))
		}
		return errAlertQueueFull
	}
}

// Run delivers queued alerts until ctx is done.
func (a *asyncAlerter) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-a.queue:
			sendCtx, cancel := context.WithTimeout(ctx, alertSendTimeout)
			if err := a.sink.SendAlert(sendCtx, msg.subject, msg.body); err != nil && ctx.Err() == nil {
				a.log.Warn("alert delivery failed", zap.String("subject", msg.subject), zap.Error(err))
			}
			cancel()
		}
	}
}
