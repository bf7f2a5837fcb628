package transport

import (
	"context"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Console logs messages instead of sending them. Used in development.
type Console struct {
	log logrus.FieldLogger
}

// NewConsole returns a console transport writing to log.
func NewConsole(log logrus.FieldLogger) *Console {
	return &Console{log: log}
}

// Send implements Transport.
func (c *Console) Send(_ context.Context, msg Message) (Receipt, error) {
	id := "console-" + uuid.NewString()
	c.log.WithFields(logrus.Fields{
		"channel":     msg.Channel,
		"to":          msg.To,
		"subject":     msg.Subject,
		"provider_id": id,
	}).Info(msg.Body)
	return Receipt{ProviderID: id, Recipient: msg.To}, nil
}
