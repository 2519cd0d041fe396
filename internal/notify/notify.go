// Package notify delivers one-time codes and reset links over SMS, email
// or the notification bus.
package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"fintrack-auth/internal/models"
	"fintrack-auth/internal/util"

	"go.uber.org/zap"
)

var (
	ErrDeliveryFailed = errors.New("notification delivery failed")
	ErrNoChannel      = errors.New("no channel for destination")
)

type Kind string

const (
	KindPhone Kind = "phone"
	KindEmail Kind = "email"
)

type Destination struct {
	Kind    Kind
	Address string
}

func Phone(number string) Destination { return Destination{Kind: KindPhone, Address: number} }
func Email(address string) Destination { return Destination{Kind: KindEmail, Address: address} }

// Masked is safe to log.
func (d Destination) Masked() string {
	if d.Kind == KindEmail {
		return util.MaskEmail(d.Address)
	}
	return util.MaskPhone(d.Address)
}

// Message is the structured payload; channels render their own text.
type Message struct {
	Flow      models.Flow
	Code      string
	ExpiresAt time.Time
	Link      string
}

type Channel interface {
	Send(ctx context.Context, to Destination, msg Message) error
}

// Router picks a channel by destination kind and bounds each send.
type Router struct {
	sms     Channel
	email   Channel
	timeout time.Duration
	logger  *zap.Logger
}

func NewRouter(sms, email Channel, timeout time.Duration, logger *zap.Logger) *Router {
	return &Router{sms: sms, email: email, timeout: timeout, logger: logger}
}

func (r *Router) Send(ctx context.Context, to Destination, msg Message) error {
	var ch Channel
	switch to.Kind {
	case KindPhone:
		ch = r.sms
	case KindEmail:
		ch = r.email
	}
	if ch == nil {
		return fmt.Errorf("%w: %s", ErrNoChannel, to.Kind)
	}

	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	start := time.Now()
	err := ch.Send(ctx, to, msg)
	if err == nil {
		err = ctx.Err()
	}
	if err != nil {
		r.logger.Warn("notification failed",
			zap.String("destination", to.Masked()),
			zap.String("flow", string(msg.Flow)),
			zap.Duration("elapsed", time.Since(start)),
			zap.Error(err))
		return fmt.Errorf("%w: %v", ErrDeliveryFailed, err)
	}

	r.logger.Debug("notification sent",
		zap.String("destination", to.Masked()),
		zap.String("flow", string(msg.Flow)),
		zap.Duration("elapsed", time.Since(start)))
	return nil
}

// await runs a blocking client call that does not take a context and
// abandons it once ctx is done.
func await(ctx context.Context, call func() error) error {
	done := make(chan error, 1)
	go func() { done <- call() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
