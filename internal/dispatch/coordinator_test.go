package dispatch

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/zulandar/relance/internal/alerts"
	"github.com/zulandar/relance/internal/config"
	"github.com/zulandar/relance/internal/db"
	"github.com/zulandar/relance/internal/directory"
	"github.com/zulandar/relance/internal/followup"
	"github.com/zulandar/relance/internal/models"
	"github.com/zulandar/relance/internal/settings"
	"github.com/zulandar/relance/internal/stopcond"
	"github.com/zulandar/relance/internal/transport"
	"gorm.io/gorm"
)

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func day(n int) time.Time { return t0.AddDate(0, 0, n) }

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = t
}

type fakeTransport struct {
	mu   sync.Mutex
	msgs []transport.Message
	err  error

	// Set by holdFirst: the first Send signals entered, then waits for
	// release to be closed.
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (f *fakeTransport) holdFirst() {
	f.entered = make(chan struct{})
	f.release = make(chan struct{})
}

func (f *fakeTransport) Send(_ context.Context, msg transport.Message) (transport.Receipt, error) {
	if f.release != nil {
		first := false
		f.once.Do(func() {
			first = true
			close(f.entered)
		})
		if first {
			<-f.release
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, msg)
	if f.err != nil {
		return transport.Receipt{}, f.err
	}
	return transport.Receipt{ProviderID: "msg-" + strconv.Itoa(len(f.msgs)), Recipient: msg.To}, nil
}

func (f *fakeTransport) sent() []transport.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]transport.Message(nil), f.msgs...)
}

type fakeAlerts struct {
	mu  sync.Mutex
	got []alerts.Alert
}

func (f *fakeAlerts) Notify(_ context.Context, a alerts.Alert) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.got = append(f.got, a)
	return nil
}

type harness struct {
	db     *gorm.DB
	store  *settings.Store
	dir    *directory.Directory
	clock  *clock
	sender *fakeTransport
	alerts *fakeAlerts
	coord  *Coordinator
}

func testSettings() *models.Settings {
	return &models.Settings{
		OrganizationID:   "acme",
		InitialDelayDays: 7,
		EscalationSteps: []models.EscalationStep{
			{DelayDays: 7, Channel: models.ChannelEmail},
			{DelayDays: 7, Channel: models.ChannelSMS},
			{DelayDays: 7, Channel: models.ChannelWhatsApp},
		},
		StopConditions: models.StopConditions{OnClientResponse: true, OnInvoicePaid: true, OnQuoteRefused: true},
		Templates: map[models.FollowUpType]models.Template{
			models.TypeQuoteUnanswered: {
				Subject: "Votre devis {source_label}",
				Body:    "Bonjour {client_name}, relance {followup_number} ({remaining_followups} restantes).",
				Channel: models.ChannelEmail,
			},
			models.TypeInvoiceUnpaid: {
				Subject: "Facture {source_label}",
				Body:    "Bonjour {client_name}, la facture de {amount} reste due.",
				Channel: models.ChannelSMS,
			},
		},
	}
}

func newHarness(t *testing.T, s *models.Settings) *harness {
	t.Helper()
	name := "dispatch_" + strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	gdb, err := db.OpenMemory(name)
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	seed := []interface{}{
		&models.Client{ID: "client-1", OrganizationID: "acme", Name: "Jane Doe", Email: "jane@example.com", Phone: "+33612345678"},
		&models.Company{OrganizationID: "acme", Name: "Acme SARL", Locale: "fr-FR", Currency: "EUR"},
		&models.Invoice{ID: "inv-1", Number: "F-2026-001", Amount: 1234.5, Currency: "EUR"},
		&models.Quote{ID: "quote-14", Number: "D-14", Amount: 800},
	}
	for _, row := range seed {
		if err := gdb.Create(row).Error; err != nil {
			t.Fatalf("seed: %v", err)
		}
	}

	h := &harness{
		db:     gdb,
		store:  settings.NewStore(gdb, nil),
		dir:    directory.New(gdb),
		clock:  &clock{t: t0},
		sender: &fakeTransport{},
		alerts: &fakeAlerts{},
	}
	if s != nil {
		if err := h.store.Update(context.Background(), s, nil, nil); err != nil {
			t.Fatalf("seed settings: %v", err)
		}
	}
	h.coord = h.newCoordinator(t, "worker-1")
	return h
}

func (h *harness) newCoordinator(t *testing.T, worker string) *Coordinator {
	t.Helper()
	c, err := New(Opts{
		DB:        h.db,
		Settings:  h.store,
		Lookups:   stopcond.Lookups{Conversations: h.dir, Invoices: h.dir, Quotes: h.dir},
		Directory: h.dir,
		Transport: h.sender,
		Alerts:    h.alerts,
		Config: config.DispatchConfig{
			WorkerID:      worker,
			Lease:         time.Minute,
			LookupTimeout: time.Second,
			SendTimeout:   time.Second,
			Concurrency:   4,
		},
		Now: h.clock.Now,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func (h *harness) create(t *testing.T, opts followup.CreateOpts) *models.FollowUp {
	t.Helper()
	if opts.OrganizationID == "" {
		opts.OrganizationID = "acme"
	}
	if opts.ClientID == "" {
		opts.ClientID = "client-1"
	}
	s, err := h.store.Get(context.Background(), opts.OrganizationID)
	if err != nil {
		s = nil
	}
	fu, err := followup.Create(h.db, opts, s, h.clock.Now())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return fu
}

func (h *harness) quote(t *testing.T) *models.FollowUp {
	return h.create(t, followup.CreateOpts{
		Type:        models.TypeQuoteUnanswered,
		SourceLabel: "D-14",
		SourceRef:   "quote-14",
		AutoEnabled: true,
	})
}

func (h *harness) scanAt(t *testing.T, at time.Time) ScanReport {
	t.Helper()
	h.clock.Set(at)
	report, err := h.coord.Scan(context.Background())
	if err != nil {
		t.Fatalf("Scan at %v: %v", at, err)
	}
	return report
}

func (h *harness) get(t *testing.T, id string) *models.FollowUp {
	t.Helper()
	fu, err := followup.Get(h.db, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	return fu
}

func (h *harness) history(t *testing.T, id string) []models.SendRecord {
	t.Helper()
	recs, err := followup.History(h.db, id)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	return recs
}

func TestNew_Validation(t *testing.T) {
	if _, err := New(Opts{}); err == nil {
		t.Error("expected error for empty opts")
	}
	h := newHarness(t, nil)
	_, err := New(Opts{DB: h.db, Settings: h.store, Directory: h.dir, Transport: h.sender})
	if err == nil || !strings.Contains(err.Error(), "worker id") {
		t.Errorf("err = %v, want worker id error", err)
	}
}

func TestScan_EscalationLadder(t *testing.T) {
	h := newHarness(t, testSettings())
	fu := h.quote(t)

	steps := []struct {
		at       time.Time
		wantSent int
	}{
		{day(6), 0},
		{day(7), 1},
		{day(13), 0},
		{day(14), 1},
		{day(20), 0},
		{day(21), 1},
		{day(28), 0},
		{day(60), 0},
	}
	for _, st := range steps {
		report := h.scanAt(t, st.at)
		if report.Sent != st.wantSent {
			t.Errorf("scan at day %v: Sent = %d, want %d", st.at.Sub(t0).Hours()/24, report.Sent, st.wantSent)
		}
	}

	sent := h.sender.sent()
	wantChannels := []models.Channel{models.ChannelEmail, models.ChannelSMS, models.ChannelWhatsApp}
	if len(sent) != len(wantChannels) {
		t.Fatalf("sent %d messages, want %d", len(sent), len(wantChannels))
	}
	for i, ch := range wantChannels {
		if sent[i].Channel != ch {
			t.Errorf("message %d channel = %q, want %q", i, sent[i].Channel, ch)
		}
	}
	if sent[0].To != "jane@example.com" || sent[1].To != "+33612345678" {
		t.Errorf("recipients = %q, %q", sent[0].To, sent[1].To)
	}
	if sent[0].Subject != "Votre devis D-14" {
		t.Errorf("subject = %q", sent[0].Subject)
	}
	if sent[0].Body != "Bonjour Jane Doe, relance 1 (2 restantes)." {
		t.Errorf("first body = %q", sent[0].Body)
	}
	if sent[2].Body != "Bonjour Jane Doe, relance 3 (0 restantes)." {
		t.Errorf("last body = %q", sent[2].Body)
	}
	if sent[1].Subject != "" {
		t.Errorf("sms carries a subject: %q", sent[1].Subject)
	}

	got := h.get(t, fu.ID)
	if got.SentCount != 3 || got.NextRungIndex != 3 || got.NextDueAt != nil {
		t.Errorf("after ladder: SentCount=%d NextRungIndex=%d NextDueAt=%v", got.SentCount, got.NextRungIndex, got.NextDueAt)
	}
	if got.Status != models.StatusOpen {
		t.Errorf("Status = %q, exhausted follow-ups stay open", got.Status)
	}
	s, _ := h.store.Get(context.Background(), "acme")
	if v := followup.NewView(got, s, day(60)); v.State != followup.StateExhausted {
		t.Errorf("State = %q, want exhausted", v.State)
	}

	recs := h.history(t, fu.ID)
	if len(recs) != 3 {
		t.Fatalf("history = %d records, want 3", len(recs))
	}
	for i, r := range recs {
		if r.Kind != models.KindRung || r.RungIndex != i || r.Outcome != models.OutcomeSent {
			t.Errorf("record %d = %+v", i, r)
		}
	}
}

func TestScan_ClientResponseStopsAtEveryRung(t *testing.T) {
	for k := 0; k < 3; k++ {
		t.Run(string(rune('0'+k)), func(t *testing.T) {
			h := newHarness(t, testSettings())
			fu := h.quote(t)

			for i := 0; i < k; i++ {
				h.scanAt(t, day(7*(i+1)))
			}
			reply := models.InboundMessage{ClientID: "client-1", Channel: "email", ReceivedAt: day(7*(k+1) - 1)}
			if err := h.db.Create(&reply).Error; err != nil {
				t.Fatalf("create reply: %v", err)
			}

			report := h.scanAt(t, day(7*(k+1)))
			if report.Stopped != 1 || report.Sent != 0 {
				t.Errorf("report = %+v, want one stop", report)
			}
			got := h.get(t, fu.ID)
			if got.Status != models.StatusStopped || got.StopReason != models.StopClientResponse {
				t.Errorf("status = %q/%q", got.Status, got.StopReason)
			}
			if n := len(h.history(t, fu.ID)); n != k {
				t.Errorf("history = %d, want %d", n, k)
			}

			// Stopped is terminal for the engine.
			h.scanAt(t, day(60))
			if n := len(h.sender.sent()); n != k {
				t.Errorf("sent %d after stop, want %d", n, k)
			}
		})
	}
}

func TestScan_InvoicePaidScenario(t *testing.T) {
	s := testSettings()
	s.InitialDelayDays = 1
	h := newHarness(t, s)
	fu := h.create(t, followup.CreateOpts{
		Type:        models.TypeInvoiceUnpaid,
		SourceLabel: "F-2026-001",
		SourceRef:   "inv-1",
		AutoEnabled: true,
	})

	paidAt := t0.Add(2 * time.Hour)
	if err := h.db.Model(&models.Invoice{}).Where("id = ?", "inv-1").
		Updates(map[string]interface{}{"paid": true, "paid_at": paidAt}).Error; err != nil {
		t.Fatalf("mark paid: %v", err)
	}

	report := h.scanAt(t, t0.Add(24*time.Hour))
	if report.Stopped != 1 {
		t.Errorf("report = %+v, want one stop", report)
	}
	got := h.get(t, fu.ID)
	if got.Status != models.StatusStopped || got.StopReason != models.StopInvoicePaid {
		t.Errorf("status = %q/%q, want stopped/invoice_paid", got.Status, got.StopReason)
	}
	if got.SentCount != 0 || len(h.sender.sent()) != 0 {
		t.Errorf("SentCount = %d, sent = %d; want nothing sent", got.SentCount, len(h.sender.sent()))
	}
}

// scanInFlight starts a scan on h.coord that sends exactly one message and
// blocks inside the transport. The returned func lets it finish and waits.
func scanInFlight(t *testing.T, h *harness) func() {
	t.Helper()
	h.sender.holdFirst()
	done := make(chan struct{})
	go func() {
		defer close(done)
		report, err := h.coord.Scan(context.Background())
		if err != nil {
			t.Errorf("Scan: %v", err)
		}
		if report.Sent != 1 {
			t.Errorf("in-flight scan report = %+v, want 1 sent", report)
		}
	}()
	select {
	case <-h.sender.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("scan never reached the transport")
	}
	return func() {
		close(h.sender.release)
		<-done
	}
}

func TestScan_TwoCoordinatorsOneRecord(t *testing.T) {
	h := newHarness(t, testSettings())
	fu := h.quote(t)
	h.clock.Set(day(7))

	finish := scanInFlight(t, h)

	// While the first send is blocked, scans from this process and from
	// another worker must leave the follow-up alone.
	other := h.newCoordinator(t, "worker-2")
	var wg sync.WaitGroup
	for _, c := range []*Coordinator{h.coord, other, h.coord, other} {
		wg.Add(1)
		go func(c *Coordinator) {
			defer wg.Done()
			report, err := c.Scan(context.Background())
			if err != nil {
				t.Errorf("Scan: %v", err)
			}
			if report.Sent != 0 {
				t.Errorf("concurrent scan sent %d", report.Sent)
			}
		}(c)
	}
	wg.Wait()
	finish()

	if n := len(h.history(t, fu.ID)); n != 1 {
		t.Errorf("history = %d records, want exactly 1", n)
	}
	if n := len(h.sender.sent()); n != 1 {
		t.Errorf("transport called %d times, want 1", n)
	}
	if got := h.get(t, fu.ID); got.ClaimedBy != "" || got.ClaimedUntil != nil {
		t.Errorf("lease not released: %q %v", got.ClaimedBy, got.ClaimedUntil)
	}
}

func TestSendNow_WhileScanInFlight(t *testing.T) {
	h := newHarness(t, testSettings())
	fu := h.quote(t)
	h.clock.Set(day(7))

	finish := scanInFlight(t, h)

	rec, err := h.coord.SendNow(context.Background(), fu.ID)
	if !errors.Is(err, followup.ErrClaimed) {
		t.Errorf("SendNow during scan: err = %v, want ErrClaimed", err)
	}
	if rec != nil {
		t.Errorf("SendNow during scan returned record %+v", rec)
	}
	// The rejected attempt must not have cleared the scan's lease.
	if got := h.get(t, fu.ID); got.ClaimedBy == "" || got.ClaimedUntil == nil {
		t.Error("lease released by the rejected manual send")
	}
	finish()

	recs := h.history(t, fu.ID)
	if len(recs) != 1 || recs[0].RungIndex != 0 {
		t.Fatalf("history = %+v, want one rung 0 record", recs)
	}
	if got := h.get(t, fu.ID); got.NextRungIndex != 1 {
		t.Errorf("NextRungIndex = %d, want 1", got.NextRungIndex)
	}

	// Once the scan is done, a manual send goes through on the next rung.
	rec, err = h.coord.SendNow(context.Background(), fu.ID)
	if err != nil {
		t.Fatalf("SendNow after scan: %v", err)
	}
	if rec.RungIndex != 1 {
		t.Errorf("RungIndex = %d, want 1", rec.RungIndex)
	}
}

func TestScan_PreDueFiresOnceAndLeavesLadder(t *testing.T) {
	s := testSettings()
	s.PreDueTrigger = &models.PreDueTrigger{DaysBefore: 2, Channel: models.ChannelSMS}
	h := newHarness(t, s)
	due := day(10)
	fu := h.create(t, followup.CreateOpts{
		Type:        models.TypeInvoiceUnpaid,
		SourceLabel: "F-2026-001",
		SourceRef:   "inv-1",
		DueAt:       &due,
		AutoEnabled: true,
	})

	h.scanAt(t, day(7)) // rung 0
	h.scanAt(t, day(8)) // pre-due, 2 days before the due date
	h.scanAt(t, day(8).Add(time.Hour))
	h.scanAt(t, day(9))

	recs := h.history(t, fu.ID)
	if len(recs) != 2 {
		t.Fatalf("history = %d records, want 2", len(recs))
	}
	if recs[1].Kind != models.KindPreDueDays || recs[1].Channel != models.ChannelSMS {
		t.Errorf("pre-due record = %+v", recs[1])
	}
	got := h.get(t, fu.ID)
	if got.NextRungIndex != 1 {
		t.Errorf("NextRungIndex = %d, pre-due must not advance the ladder", got.NextRungIndex)
	}
	if len(got.Firings) != 1 {
		t.Errorf("firings = %d, want 1", len(got.Firings))
	}
	if !strings.Contains(h.sender.sent()[1].Body, "234,50") {
		t.Errorf("body = %q, want a formatted amount", h.sender.sent()[1].Body)
	}

	h.scanAt(t, day(14))
	if recs := h.history(t, fu.ID); len(recs) != 3 || recs[2].RungIndex != 1 {
		t.Errorf("rung 1 did not fire on schedule: %+v", recs)
	}
}

func TestScan_ManualStopIsSticky(t *testing.T) {
	h := newHarness(t, testSettings())
	fu := h.quote(t)

	if _, err := followup.Stop(h.db, fu.ID, "", day(3)); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	for _, d := range []int{7, 14, 21, 30} {
		h.scanAt(t, day(d))
	}
	if n := len(h.sender.sent()); n != 0 {
		t.Errorf("sent %d messages after a manual stop", n)
	}
	got := h.get(t, fu.ID)
	if got.Status != models.StatusStopped || got.StopReason != models.StopManual {
		t.Errorf("status = %q/%q", got.Status, got.StopReason)
	}
	if _, err := h.coord.SendNow(context.Background(), fu.ID); !errors.Is(err, followup.ErrNotOpen) {
		t.Errorf("SendNow err = %v, want ErrNotOpen", err)
	}
}

func TestScan_MissingTemplateFailsClosed(t *testing.T) {
	s := testSettings()
	delete(s.Templates, models.TypeQuoteUnanswered)
	h := newHarness(t, s)
	fu := h.quote(t)

	report := h.scanAt(t, day(7))
	if report.Skipped != 1 || report.Sent != 0 {
		t.Errorf("report = %+v, want one skip", report)
	}
	if n := len(h.sender.sent()); n != 0 {
		t.Errorf("sent %d messages without a template", n)
	}
	if _, err := h.coord.SendNow(context.Background(), fu.ID); !errors.Is(err, ErrNoTemplate) {
		t.Errorf("SendNow err = %v, want ErrNoTemplate", err)
	}

	// Adding the template resumes the ladder where it was.
	if err := h.coord.UpdateSettings(context.Background(), testSettings(), nil); err != nil {
		t.Fatalf("UpdateSettings: %v", err)
	}
	if report := h.scanAt(t, day(8)); report.Sent != 1 {
		t.Errorf("report after template added = %+v", report)
	}
}

func TestScan_TransportFailureAdvancesRung(t *testing.T) {
	h := newHarness(t, testSettings())
	h.sender.err = errors.New("smtp: 421 try later")
	fu := h.quote(t)

	report := h.scanAt(t, day(7))
	if report.Failed != 1 {
		t.Errorf("report = %+v, want one failure", report)
	}
	got := h.get(t, fu.ID)
	if got.SentCount != 0 || got.LastSentAt != nil {
		t.Errorf("SentCount = %d, LastSentAt = %v; failures do not count", got.SentCount, got.LastSentAt)
	}
	if got.NextRungIndex != 1 || got.Status != models.StatusOpen {
		t.Errorf("NextRungIndex = %d status = %q, want 1/open", got.NextRungIndex, got.Status)
	}
	recs := h.history(t, fu.ID)
	if len(recs) != 1 || recs[0].Outcome != models.OutcomeFailed || recs[0].Error != "smtp: 421 try later" {
		t.Errorf("history = %+v", recs)
	}
	if len(h.alerts.got) != 1 || h.alerts.got[0].Severity != "error" {
		t.Errorf("alerts = %+v, want one error alert", h.alerts.got)
	}

	h.sender.err = nil
	if report := h.scanAt(t, day(14)); report.Sent != 1 {
		t.Errorf("next rung after failure: %+v", report)
	}
}

type failingConversations struct{}

func (failingConversations) HasClientRespondedSince(context.Context, string, time.Time) (bool, error) {
	return false, errors.New("inbox unavailable")
}

func TestScan_LookupErrorSkipsWithoutStopping(t *testing.T) {
	h := newHarness(t, testSettings())
	h.coord.lookups.Conversations = failingConversations{}
	fu := h.quote(t)

	report := h.scanAt(t, day(7))
	if report.Errors != 1 || report.Sent != 0 || report.Stopped != 0 {
		t.Errorf("report = %+v, want one error", report)
	}
	got := h.get(t, fu.ID)
	if got.Status != models.StatusOpen || got.NextRungIndex != 0 {
		t.Errorf("follow-up changed on lookup failure: %q rung %d", got.Status, got.NextRungIndex)
	}
	if len(h.alerts.got) != 1 || h.alerts.got[0].Severity != "warning" {
		t.Errorf("alerts = %+v", h.alerts.got)
	}
}

func TestScan_DisabledFollowUpIsIgnored(t *testing.T) {
	h := newHarness(t, testSettings())
	fu := h.create(t, followup.CreateOpts{Type: models.TypeQuoteUnanswered, SourceRef: "quote-14"})

	if report := h.scanAt(t, day(30)); report.Candidates != 0 {
		t.Errorf("report = %+v, dormant follow-ups are not candidates", report)
	}
	if got := h.get(t, fu.ID); got.NextDueAt != nil {
		t.Errorf("NextDueAt = %v, want nil while dormant", got.NextDueAt)
	}
}

func TestSendNow(t *testing.T) {
	h := newHarness(t, testSettings())
	fu := h.create(t, followup.CreateOpts{Type: models.TypeQuoteUnanswered, SourceRef: "quote-14"})
	h.clock.Set(day(1))

	// Bypasses both the due time and the disabled auto flag.
	rec, err := h.coord.SendNow(context.Background(), fu.ID)
	if err != nil {
		t.Fatalf("SendNow: %v", err)
	}
	if rec.Kind != models.KindRung || rec.RungIndex != 0 || rec.Channel != models.ChannelEmail {
		t.Errorf("record = %+v", rec)
	}

	for i := 1; i < 3; i++ {
		if _, err := h.coord.SendNow(context.Background(), fu.ID); err != nil {
			t.Fatalf("SendNow %d: %v", i, err)
		}
	}
	// Ladder used up: a manual message on the template channel.
	rec, err = h.coord.SendNow(context.Background(), fu.ID)
	if err != nil {
		t.Fatalf("SendNow after ladder: %v", err)
	}
	if rec.Kind != models.KindManual || rec.Channel != models.ChannelEmail {
		t.Errorf("manual record = %+v", rec)
	}
	got := h.get(t, fu.ID)
	if got.SentCount != 4 || got.NextRungIndex != 3 {
		t.Errorf("SentCount = %d NextRungIndex = %d", got.SentCount, got.NextRungIndex)
	}
}

func TestSendNow_Errors(t *testing.T) {
	h := newHarness(t, testSettings())
	fu := h.quote(t)

	if _, err := h.coord.SendNow(context.Background(), "missing"); !errors.Is(err, followup.ErrNotFound) {
		t.Errorf("missing: err = %v, want ErrNotFound", err)
	}

	if err := followup.Claim(h.db, fu.ID, "someone-else", h.clock.Now(), time.Hour); err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if _, err := h.coord.SendNow(context.Background(), fu.ID); !errors.Is(err, followup.ErrClaimed) {
		t.Errorf("claimed: err = %v, want ErrClaimed", err)
	}
	if err := followup.Release(h.db, fu.ID, "someone-else"); err != nil {
		t.Fatalf("Release: %v", err)
	}

	if err := h.db.Model(&models.Quote{}).Where("id = ?", "quote-14").Update("refused", true).Error; err != nil {
		t.Fatalf("refuse quote: %v", err)
	}
	if _, err := h.coord.SendNow(context.Background(), fu.ID); !errors.Is(err, ErrStopped) {
		t.Errorf("refused: err = %v, want ErrStopped", err)
	}
	if got := h.get(t, fu.ID); got.StopReason != models.StopQuoteRefused {
		t.Errorf("StopReason = %q", got.StopReason)
	}
}

func TestSendNow_TransportFailureReturnsRecord(t *testing.T) {
	h := newHarness(t, testSettings())
	h.sender.err = errors.New("connection reset")
	fu := h.quote(t)

	rec, err := h.coord.SendNow(context.Background(), fu.ID)
	if err == nil {
		t.Fatal("expected error")
	}
	if rec == nil || rec.Outcome != models.OutcomeFailed {
		t.Fatalf("record = %+v, want failed record", rec)
	}
}

func TestUpdateSettings_ShrinkClampsLadder(t *testing.T) {
	h := newHarness(t, testSettings())
	fu := h.quote(t)
	for _, d := range []int{7, 14} {
		h.scanAt(t, day(d))
	}
	if got := h.get(t, fu.ID); got.NextRungIndex != 2 {
		t.Fatalf("NextRungIndex = %d, want 2", got.NextRungIndex)
	}

	shorter := testSettings()
	shorter.EscalationSteps = shorter.EscalationSteps[:1]
	if err := h.coord.UpdateSettings(context.Background(), shorter, nil); err != nil {
		t.Fatalf("UpdateSettings: %v", err)
	}
	got := h.get(t, fu.ID)
	if got.NextRungIndex != 1 || got.NextDueAt != nil {
		t.Errorf("NextRungIndex = %d NextDueAt = %v, want clamped and exhausted", got.NextRungIndex, got.NextDueAt)
	}
	if report := h.scanAt(t, day(60)); report.Sent != 0 {
		t.Errorf("sent after shrinking: %+v", report)
	}

	mismatch := 5
	if err := h.coord.UpdateSettings(context.Background(), testSettings(), &mismatch); err == nil {
		t.Error("expected max_follow_ups mismatch to be rejected")
	}
}

func TestPreview(t *testing.T) {
	h := newHarness(t, testSettings())
	fu := h.quote(t)

	p, err := h.coord.Preview(context.Background(), fu.ID)
	if err != nil {
		t.Fatalf("Preview: %v", err)
	}
	if p.Channel != models.ChannelEmail || p.Kind != models.KindRung || p.Recipient != "jane@example.com" {
		t.Errorf("preview = %+v", p)
	}
	if p.Body != "Bonjour Jane Doe, relance 1 (2 restantes)." {
		t.Errorf("body = %q", p.Body)
	}
	if n := len(h.sender.sent()); n != 0 {
		t.Errorf("preview sent %d messages", n)
	}

	p, err = h.coord.PreviewFor(context.Background(), PreviewRequest{
		OrganizationID: "acme",
		Type:           models.TypeInvoiceUnpaid,
		ClientID:       "client-1",
		SourceLabel:    "F-2026-001",
		SourceRef:      "inv-1",
	})
	if err != nil {
		t.Fatalf("PreviewFor: %v", err)
	}
	if !strings.Contains(p.Body, "234,50") || p.Subject != "Facture F-2026-001" {
		t.Errorf("preview = %+v", p)
	}

	if _, err := h.coord.PreviewFor(context.Background(), PreviewRequest{OrganizationID: "acme", Type: models.TypeMissingInfo, ClientID: "client-1"}); !errors.Is(err, ErrNoTemplate) {
		t.Errorf("err = %v, want ErrNoTemplate", err)
	}
	if _, err := h.coord.PreviewFor(context.Background(), PreviewRequest{OrganizationID: "acme", Type: models.TypeQuoteUnanswered, ClientID: "ghost"}); !errors.Is(err, directory.ErrClientNotFound) {
		t.Errorf("err = %v, want ErrClientNotFound", err)
	}
}

func TestPreview_CountersMatchView(t *testing.T) {
	h := newHarness(t, testSettings())
	fu := h.quote(t)

	h.sender.err = errors.New("mailbox unavailable")
	if report := h.scanAt(t, day(7)); report.Failed != 1 {
		t.Fatalf("report = %+v, want one failed send", report)
	}
	h.sender.err = nil

	got := h.get(t, fu.ID)
	s, err := h.store.Get(context.Background(), "acme")
	if err != nil {
		t.Fatalf("settings: %v", err)
	}
	v := followup.NewView(got, s, h.clock.Now())
	if v.NextFollowUpNumber != 2 || v.RemainingFollowUps != 2 {
		t.Fatalf("view next=%d remaining=%d, want 2/2", v.NextFollowUpNumber, v.RemainingFollowUps)
	}

	p, err := h.coord.Preview(context.Background(), fu.ID)
	if err != nil {
		t.Fatalf("Preview: %v", err)
	}
	// The message is rung 2 and leaves one rung after it.
	if p.Body != "Bonjour Jane Doe, relance 2 (1 restantes)." {
		t.Errorf("body = %q", p.Body)
	}
}

func TestScan_ClosedDuringSendIsNotRecorded(t *testing.T) {
	h := newHarness(t, testSettings())
	fu := h.quote(t)

	var calls int
	h.coord.transport = transport.Func(func(_ context.Context, msg transport.Message) (transport.Receipt, error) {
		calls++
		if _, err := followup.MarkDone(h.db, fu.ID, h.clock.Now()); err != nil {
			t.Errorf("MarkDone: %v", err)
		}
		return transport.Receipt{ProviderID: "msg-1", Recipient: msg.To}, nil
	})

	report := h.scanAt(t, day(7))
	if calls != 1 || report.Sent != 0 {
		t.Errorf("calls = %d, report = %+v; want one call and nothing counted as sent", calls, report)
	}
	if n := len(h.history(t, fu.ID)); n != 0 {
		t.Errorf("history = %d records, want none on a done follow-up", n)
	}
	got := h.get(t, fu.ID)
	if got.Status != models.StatusDone || got.SentCount != 0 {
		t.Errorf("status = %q SentCount = %d", got.Status, got.SentCount)
	}
}
