package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/zulandar/relance/internal/config"
)

// Twilio sends SMS and places voice calls through the Twilio REST API.
type Twilio struct {
	cfg        config.TwilioConfig
	region     string
	httpClient *http.Client
}

// NewTwilio returns a Twilio client. region is used to interpret national
// phone numbers.
func NewTwilio(cfg config.TwilioConfig, region string) *Twilio {
	return &Twilio{
		cfg:        cfg,
		region:     region,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

type twilioResponse struct {
	SID     string `json:"sid"`
	Status  string `json:"status"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// SMS returns the SMS transport.
func (t *Twilio) SMS() Transport {
	return Func(func(ctx context.Context, msg Message) (Receipt, error) {
		to, err := NormalizePhone(msg.To, t.region)
		if err != nil {
			return Receipt{}, err
		}
		form := url.Values{}
		form.Set("To", to)
		form.Set("From", t.cfg.FromNumber)
		form.Set("Body", msg.Body)
		sid, err := t.post(ctx, "Messages.json", form)
		if err != nil {
			return Receipt{}, fmt.Errorf("twilio: sms to %s: %w", to, err)
		}
		return Receipt{ProviderID: sid, Recipient: to}, nil
	})
}

// Voice returns the voice call transport. The body is read out with a TwiML
// <Say> verb.
func (t *Twilio) Voice() Transport {
	return Func(func(ctx context.Context, msg Message) (Receipt, error) {
		to, err := NormalizePhone(msg.To, t.region)
		if err != nil {
			return Receipt{}, err
		}
		twiml, err := t.twiml(msg.Body)
		if err != nil {
			return Receipt{}, err
		}
		form := url.Values{}
		form.Set("To", to)
		form.Set("From", t.cfg.FromNumber)
		form.Set("Twiml", twiml)
		sid, err := t.post(ctx, "Calls.json", form)
		if err != nil {
			return Receipt{}, fmt.Errorf("twilio: call %s: %w", to, err)
		}
		return Receipt{ProviderID: sid, Recipient: to}, nil
	})
}

// twiml builds <Response><Say>body</Say></Response> with the configured
// voice and language.
func (t *Twilio) twiml(body string) (string, error) {
	var buf bytes.Buffer
	buf.WriteString("<Response><Say")
	if t.cfg.Voice != "" {
		fmt.Fprintf(&buf, ` voice="%s"`, xmlAttr(t.cfg.Voice))
	}
	if t.cfg.Language != "" {
		fmt.Fprintf(&buf, ` language="%s"`, xmlAttr(t.cfg.Language))
	}
	buf.WriteString(">")
	if err := xml.EscapeText(&buf, []byte(body)); err != nil {
		return "", fmt.Errorf("twilio: twiml: %w", err)
	}
	buf.WriteString("</Say></Response>")
	return buf.String(), nil
}

func xmlAttr(s string) string {
	var buf bytes.Buffer
	_ = xml.EscapeText(&buf, []byte(s))
	return buf.String()
}

func (t *Twilio) post(ctx context.Context, resource string, form url.Values) (string, error) {
	endpoint := fmt.Sprintf("%s/Accounts/%s/%s", strings.TrimRight(t.cfg.BaseURL, "/"), t.cfg.AccountSID, resource)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.SetBasicAuth(t.cfg.AccountSID, t.cfg.AuthToken)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}

	var tr twilioResponse
	_ = json.Unmarshal(body, &tr)
	if resp.StatusCode >= http.StatusBadRequest {
		if tr.Message != "" {
			return "", fmt.Errorf("status %d: code %d: %s", resp.StatusCode, tr.Code, tr.Message)
		}
		return "", fmt.Errorf("status %d: %s", resp.StatusCode, string(body))
	}
	if tr.SID == "" {
		return "", fmt.Errorf("no sid in response")
	}
	return tr.SID, nil
}
