package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/zulandar/relance/internal/config"
)

// WhatsApp sends text messages through the WhatsApp Cloud API.
type WhatsApp struct {
	cfg        config.WhatsAppConfig
	region     string
	httpClient *http.Client
}

// NewWhatsApp returns a WhatsApp Cloud API transport.
func NewWhatsApp(cfg config.WhatsAppConfig, region string) *WhatsApp {
	return &WhatsApp{
		cfg:        cfg,
		region:     region,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

type whatsAppText struct {
	MessagingProduct string `json:"messaging_product"`
	RecipientType    string `json:"recipient_type"`
	To               string `json:"to"`
	Type             string `json:"type"`
	Text             struct {
		PreviewURL bool   `json:"preview_url"`
		Body       string `json:"body"`
	} `json:"text"`
}

type whatsAppResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
	Error *struct {
		Message string `json:"message"`
		Code    int    `json:"code"`
	} `json:"error"`
}

// Send implements Transport. The Cloud API expects the number without the
// leading plus sign.
func (w *WhatsApp) Send(ctx context.Context, msg Message) (Receipt, error) {
	to, err := NormalizePhone(msg.To, w.region)
	if err != nil {
		return Receipt{}, err
	}

	payload := whatsAppText{
		MessagingProduct: "whatsapp",
		RecipientType:    "individual",
		To:               strings.TrimPrefix(to, "+"),
		Type:             "text",
	}
	payload.Text.Body = msg.Body

	data, err := json.Marshal(payload)
	if err != nil {
		return Receipt{}, fmt.Errorf("whatsapp: marshal message: %w", err)
	}

	endpoint := fmt.Sprintf("%s/%s/messages", strings.TrimRight(w.cfg.BaseURL, "/"), w.cfg.PhoneNumberID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(data))
	if err != nil {
		return Receipt{}, fmt.Errorf("whatsapp: create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+w.cfg.AccessToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return Receipt{}, fmt.Errorf("whatsapp: send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Receipt{}, fmt.Errorf("whatsapp: read response: %w", err)
	}

	var wr whatsAppResponse
	_ = json.Unmarshal(body, &wr)
	if resp.StatusCode != http.StatusOK {
		if wr.Error != nil {
			return Receipt{}, fmt.Errorf("whatsapp: status %d: code %d: %s", resp.StatusCode, wr.Error.Code, wr.Error.Message)
		}
		return Receipt{}, fmt.Errorf("whatsapp: status %d: %s", resp.StatusCode, string(body))
	}
	if len(wr.Messages) == 0 {
		return Receipt{}, fmt.Errorf("whatsapp: no message id in response")
	}
	return Receipt{ProviderID: wr.Messages[0].ID, Recipient: to}, nil
}
