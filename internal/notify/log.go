package notify

import (
	"context"

	"go.uber.org/zap"
)

// LogChannel writes the rendered message to the log instead of delivering
// it. Meant for local development only: the code appears in the log.
type LogChannel struct {
	logger *zap.Logger
}

func NewLogChannel(logger *zap.Logger) *LogChannel {
	return &LogChannel{logger: logger}
}

func (c *LogChannel) Send(ctx context.Context, to Destination, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, body := Render(msg)
	c.logger.Info("notification (log channel)",
		zap.String("kind", string(to.Kind)),
		zap.String("destination", to.Masked()),
		zap.String("flow", string(msg.Flow)),
		zap.String("body", body))
	return nil
}
