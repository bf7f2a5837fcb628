// Package transport delivers rendered follow-up messages over email, SMS,
// WhatsApp and voice calls.
package transport

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/sirupsen/logrus"
	"github.com/zulandar/relance/internal/config"
	"github.com/zulandar/relance/internal/models"
)

var (
	// ErrNoTransport is returned when no transport handles a channel.
	ErrNoTransport = errors.New("transport: no transport for channel")
	// ErrInvalidRecipient is returned when the recipient address or number
	// cannot be used on the channel. It is never retried.
	ErrInvalidRecipient = errors.New("transport: invalid recipient")
)

// Message is one outbound follow-up message.
type Message struct {
	Channel models.Channel
	To      string // email address or phone number
	Name    string // recipient display name
	Subject string
	Body    string
}

// Receipt is returned by a successful send.
type Receipt struct {
	ProviderID string
	Recipient  string // normalized recipient actually used
}

// Transport sends one message.
type Transport interface {
	Send(ctx context.Context, msg Message) (Receipt, error)
}

// Func adapts a function to the Transport interface.
type Func func(ctx context.Context, msg Message) (Receipt, error)

// Send calls f.
func (f Func) Send(ctx context.Context, msg Message) (Receipt, error) {
	return f(ctx, msg)
}

// Router dispatches messages to the transport registered for their channel.
type Router struct {
	routes map[models.Channel]Transport
}

// NewRouter returns an empty Router.
func NewRouter() *Router {
	return &Router{routes: make(map[models.Channel]Transport)}
}

// Handle registers t for channel ch, replacing any previous transport.
func (r *Router) Handle(ch models.Channel, t Transport) {
	r.routes[ch] = t
}

// Channels lists the channels with a registered transport, sorted.
func (r *Router) Channels() []models.Channel {
	out := make([]models.Channel, 0, len(r.routes))
	for ch := range r.routes {
		out = append(out, ch)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Send routes msg by its channel.
func (r *Router) Send(ctx context.Context, msg Message) (Receipt, error) {
	t, ok := r.routes[msg.Channel]
	if !ok {
		return Receipt{}, fmt.Errorf("%w %q", ErrNoTransport, msg.Channel)
	}
	return t.Send(ctx, msg)
}

// New builds a Router from configuration. Each channel gets the first
// configured provider: SendGrid then SMTP for email, Twilio for sms and
// voice_call, the Cloud API for whatsapp. Channels without a provider use
// the console transport when cfg.Console is set and are left unrouted
// otherwise. Every route is wrapped with rate limiting and retries.
func New(cfg config.TransportConfig, log logrus.FieldLogger) *Router {
	r := NewRouter()
	var console Transport
	if cfg.Console {
		console = NewConsole(log)
	}

	route := func(ch models.Channel, t Transport) {
		if t == nil {
			if console == nil {
				log.WithField("channel", ch).Warn("no transport configured")
				return
			}
			t = console
		}
		if cfg.Retries > 0 {
			t = WithRetry(t, cfg.Retries, defaultRetryBackoff)
		}
		if cfg.RatePerMinute > 0 {
			t = WithRateLimit(t, cfg.RatePerMinute)
		}
		r.Handle(ch, t)
	}

	var email Transport
	switch {
	case cfg.SendGrid.APIKey != "":
		email = NewSendGrid(cfg.SendGrid)
	case cfg.SMTP.Host != "":
		email = NewSMTP(cfg.SMTP)
	}
	route(models.ChannelEmail, email)

	var sms, voice Transport
	if cfg.Twilio.AccountSID != "" {
		tw := NewTwilio(cfg.Twilio, cfg.DefaultRegion)
		sms = tw.SMS()
		voice = tw.Voice()
	}
	route(models.ChannelSMS, sms)
	route(models.ChannelVoiceCall, voice)

	var wa Transport
	if cfg.WhatsApp.AccessToken != "" {
		wa = NewWhatsApp(cfg.WhatsApp, cfg.DefaultRegion)
	}
	route(models.ChannelWhatsApp, wa)

	return r
}
