package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zulandar/relance/internal/config"
	"github.com/zulandar/relance/internal/db"
	"github.com/zulandar/relance/internal/directory"
	"github.com/zulandar/relance/internal/dispatch"
	"github.com/zulandar/relance/internal/followup"
	"github.com/zulandar/relance/internal/metrics"
	"github.com/zulandar/relance/internal/models"
	"github.com/zulandar/relance/internal/settings"
	"github.com/zulandar/relance/internal/stopcond"
	"github.com/zulandar/relance/internal/transport"
	"gorm.io/gorm"
)

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type stubTransport struct {
	err  error
	sent int
}

func (s *stubTransport) Send(_ context.Context, msg transport.Message) (transport.Receipt, error) {
	s.sent++
	if s.err != nil {
		return transport.Receipt{}, s.err
	}
	return transport.Receipt{ProviderID: fmt.Sprintf("stub-%d", s.sent), Recipient: msg.To}, nil
}

type testServer struct {
	db     *gorm.DB
	router *gin.Engine
	sender *stubTransport
	now    time.Time
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gdb, err := db.OpenMemory("api_" + t.Name())
	require.NoError(t, err)
	require.NoError(t, gdb.Create(&models.Client{ID: "client-1", OrganizationID: "acme", Name: "Jane Doe", Email: "jane@example.com", Phone: "+33612345678"}).Error)
	require.NoError(t, gdb.Create(&models.Company{OrganizationID: "acme", Name: "Acme SARL", Locale: "fr-FR", Currency: "EUR"}).Error)

	ts := &testServer{db: gdb, sender: &stubTransport{}, now: t0}
	now := func() time.Time { return ts.now }

	store := settings.NewStore(gdb, nil)
	dir := directory.New(gdb)
	coord, err := dispatch.New(dispatch.Opts{
		DB:        gdb,
		Settings:  store,
		Lookups:   stopcond.Lookups{Conversations: dir, Invoices: dir, Quotes: dir},
		Directory: dir,
		Transport: ts.sender,
		Config:    config.DispatchConfig{WorkerID: "api-test"},
		Now:       now,
	})
	require.NoError(t, err)

	reg := prometheus.NewRegistry()
	ts.router, err = NewRouter(Opts{
		DB:          gdb,
		Settings:    store,
		Coordinator: coord,
		Metrics:     metrics.New(reg),
		Gatherer:    reg,
		Now:         now,
	})
	require.NoError(t, err)
	return ts
}

func (ts *testServer) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	ts.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), v), "body: %s", w.Body.String())
}

func settingsBody() map[string]interface{} {
	return map[string]interface{}{
		"initial_delay_days": 7,
		"escalation_steps": []map[string]interface{}{
			{"delay_days": 7, "channel": "email"},
			{"delay_days": 7, "channel": "sms"},
			{"delay_days": 7, "channel": "whatsapp"},
		},
		"stop_conditions": map[string]bool{"on_client_response": true},
		"templates": map[string]interface{}{
			"quote_unanswered": map[string]string{
				"subject": "Devis {source_label}",
				"body":    "Bonjour {client_name}",
				"channel": "email",
			},
		},
	}
}

func (ts *testServer) putSettings(t *testing.T) {
	t.Helper()
	w := ts.do(t, http.MethodPut, "/api/v1/orgs/acme/settings", settingsBody())
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
}

func (ts *testServer) createFollowUp(t *testing.T, auto bool) followup.View {
	t.Helper()
	w := ts.do(t, http.MethodPost, "/api/v1/followups", map[string]interface{}{
		"organization_id": "acme",
		"type":            "quote_unanswered",
		"client_id":       "client-1",
		"source_label":    "D-14",
		"source_ref":      "quote-14",
		"auto_enabled":    auto,
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var v followup.View
	decode(t, w, &v)
	return v
}

func TestNewRouter_Validation(t *testing.T) {
	_, err := NewRouter(Opts{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "db is required")
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("%w: x", followup.ErrNotFound), http.StatusNotFound},
		{fmt.Errorf("%w: acme", settings.ErrNotFound), http.StatusNotFound},
		{fmt.Errorf("%w: c", directory.ErrClientNotFound), http.StatusNotFound},
		{fmt.Errorf("%w: x", followup.ErrNotOpen), http.StatusConflict},
		{fmt.Errorf("%w: x", followup.ErrClaimed), http.StatusConflict},
		{fmt.Errorf("%w: x", dispatch.ErrStopped), http.StatusConflict},
		{fmt.Errorf("%w: x", settings.ErrInvalid), http.StatusUnprocessableEntity},
		{fmt.Errorf("%w: x", dispatch.ErrNoTemplate), http.StatusUnprocessableEntity},
		{fmt.Errorf("%w: x", errBadRequest), http.StatusBadRequest},
		{errors.New("disk full"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFor(tt.err), tt.err.Error())
	}
}

func TestHealthz(t *testing.T) {
	ts := newTestServer(t)
	w := ts.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"ok"`)
}

func TestSettings_GetPut(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(t, http.MethodGet, "/api/v1/orgs/acme/settings", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	ts.putSettings(t)

	w = ts.do(t, http.MethodGet, "/api/v1/orgs/acme/settings", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var got models.Settings
	decode(t, w, &got)
	assert.Equal(t, "acme", got.OrganizationID)
	assert.Len(t, got.EscalationSteps, 3)
	assert.True(t, got.StopConditions.OnClientResponse)

	body := settingsBody()
	body["max_follow_ups"] = 5
	w = ts.do(t, http.MethodPut, "/api/v1/orgs/acme/settings", body)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Contains(t, w.Body.String(), "max_follow_ups 5")

	body = settingsBody()
	body["organization_id"] = "other"
	w = ts.do(t, http.MethodPut, "/api/v1/orgs/acme/settings", body)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestFollowUps_Lifecycle(t *testing.T) {
	ts := newTestServer(t)
	ts.putSettings(t)

	v := ts.createFollowUp(t, true)
	assert.Equal(t, followup.StateIdle, v.State)
	assert.Equal(t, 3, v.MaxFollowUps)
	require.NotNil(t, v.NextDueAt)
	assert.True(t, v.NextDueAt.Equal(t0.AddDate(0, 0, 7)))

	w := ts.do(t, http.MethodGet, "/api/v1/followups/"+v.ID, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = ts.do(t, http.MethodPatch, "/api/v1/followups/"+v.ID, map[string]interface{}{"auto_enabled": false})
	require.Equal(t, http.StatusOK, w.Code)
	var patched followup.View
	decode(t, w, &patched)
	assert.Equal(t, followup.StateDormant, patched.State)
	assert.Nil(t, patched.NextDueAt)

	w = ts.do(t, http.MethodPost, "/api/v1/followups/"+v.ID+"/stop", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var stopped followup.View
	decode(t, w, &stopped)
	assert.Equal(t, models.StatusStopped, stopped.Status)
	assert.Equal(t, models.StopManual, stopped.StopReason)

	w = ts.do(t, http.MethodPost, "/api/v1/followups/"+v.ID+"/done", nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = ts.do(t, http.MethodPost, "/api/v1/followups/"+v.ID+"/reopen", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = ts.do(t, http.MethodPatch, "/api/v1/followups/"+v.ID, map[string]interface{}{"status": "done"})
	require.Equal(t, http.StatusOK, w.Code)
	var done followup.View
	decode(t, w, &done)
	assert.Equal(t, followup.StateDone, done.State)

	w = ts.do(t, http.MethodDelete, "/api/v1/followups/"+v.ID, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	w = ts.do(t, http.MethodGet, "/api/v1/followups/"+v.ID, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestFollowUps_CreateValidation(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(t, http.MethodPost, "/api/v1/followups", map[string]interface{}{"organization_id": "acme"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = ts.do(t, http.MethodPost, "/api/v1/followups", map[string]interface{}{
		"organization_id": "acme",
		"type":            "lead_cold",
		"client_id":       "client-1",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "lead_cold")
}

func TestFollowUps_List(t *testing.T) {
	ts := newTestServer(t)
	ts.putSettings(t)
	ts.createFollowUp(t, true)
	ts.createFollowUp(t, false)

	w := ts.do(t, http.MethodGet, "/api/v1/followups?org=acme", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var all struct {
		FollowUps []followup.View `json:"followups"`
		Count     int             `json:"count"`
	}
	decode(t, w, &all)
	assert.Equal(t, 2, all.Count)

	w = ts.do(t, http.MethodGet, "/api/v1/followups?org=acme&auto=false", nil)
	require.Equal(t, http.StatusOK, w.Code)
	decode(t, w, &all)
	require.Equal(t, 1, all.Count)
	assert.Equal(t, followup.StateDormant, all.FollowUps[0].State)

	for _, q := range []string{"status=archived", "type=nope", "auto=maybe", "limit=-1"} {
		w = ts.do(t, http.MethodGet, "/api/v1/followups?"+q, nil)
		assert.Equal(t, http.StatusBadRequest, w.Code, q)
	}
}

func TestFollowUps_SendAndHistory(t *testing.T) {
	ts := newTestServer(t)
	ts.putSettings(t)
	v := ts.createFollowUp(t, true)

	w := ts.do(t, http.MethodPost, "/api/v1/followups/"+v.ID+"/send", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var rec models.SendRecord
	decode(t, w, &rec)
	assert.Equal(t, models.OutcomeSent, rec.Outcome)
	assert.Equal(t, "jane@example.com", rec.Recipient)

	ts.sender.err = errors.New("smtp down")
	w = ts.do(t, http.MethodPost, "/api/v1/followups/"+v.ID+"/send", nil)
	require.Equal(t, http.StatusBadGateway, w.Code)
	var failed struct {
		Error  string            `json:"error"`
		Record models.SendRecord `json:"record"`
	}
	decode(t, w, &failed)
	assert.Equal(t, models.OutcomeFailed, failed.Record.Outcome)
	assert.Equal(t, "smtp down", failed.Record.Error)

	w = ts.do(t, http.MethodGet, "/api/v1/followups/"+v.ID+"/history", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var hist struct {
		History []models.SendRecord `json:"history"`
	}
	decode(t, w, &hist)
	assert.Len(t, hist.History, 2)

	w = ts.do(t, http.MethodPost, "/api/v1/followups/missing/send", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = ts.do(t, http.MethodGet, "/api/v1/orgs/acme/volume", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var vol struct {
		Days []followup.DayCount `json:"days"`
	}
	decode(t, w, &vol)
	require.Len(t, vol.Days, 7)
	assert.Equal(t, 1, vol.Days[6].Sent)
	assert.Equal(t, 1, vol.Days[6].Failed)
}

func TestPreview(t *testing.T) {
	ts := newTestServer(t)
	ts.putSettings(t)
	v := ts.createFollowUp(t, true)

	w := ts.do(t, http.MethodGet, "/api/v1/followups/"+v.ID+"/preview", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var p dispatch.Preview
	decode(t, w, &p)
	assert.Equal(t, "Devis D-14", p.Subject)
	assert.Equal(t, "Bonjour Jane Doe", p.Body)
	assert.Equal(t, 0, ts.sender.sent)

	w = ts.do(t, http.MethodPost, "/api/v1/preview", map[string]interface{}{
		"organization_id": "acme",
		"type":            "invoice_unpaid",
		"client_id":       "client-1",
	})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

	w = ts.do(t, http.MethodPost, "/api/v1/preview", map[string]interface{}{
		"organization_id": "acme",
		"type":            "quote_unanswered",
		"client_id":       "nobody",
	})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t)
	ts.do(t, http.MethodGet, "/healthz", nil)

	w := ts.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, strings.Contains(w.Body.String(), "relance_http_requests_total"), "metrics output missing request counter")
}
