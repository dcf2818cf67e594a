package connection

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/zapdeck/panel/internal/evolution"
	"github.com/zapdeck/panel/internal/settings"
)

type fakeFetcher struct {
	mu        sync.Mutex
	endpoints []string
	payload   string
	err       error
	gate      chan struct{} // when set, FetchQR blocks until it is closed
}

func (f *fakeFetcher) FetchQR(ctx context.Context, endpoint string) (string, error) {
	f.mu.Lock()
	f.endpoints = append(f.endpoints, endpoint)
	gate := f.gate
	err := f.err
	payload := f.payload
	f.mu.Unlock()

	if gate != nil {
		<-gate
	}
	if err != nil {
		return "", err
	}
	return payload, nil
}

func (f *fakeFetcher) calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.endpoints...)
}

func (f *fakeFetcher) fail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

// flakyStore fails updates on demand to exercise transition rollback.
type flakyStore struct {
	settings.Store
	mu         sync.Mutex
	failUpdate bool
}

func (f *flakyStore) Update(ctx context.Context, userID string, patch settings.Patch) error {
	f.mu.Lock()
	failing := f.failUpdate
	f.mu.Unlock()
	if failing {
		return settings.NewError(settings.KindTransient, "simulated storage outage", nil)
	}
	return f.Store.Update(ctx, userID, patch)
}

func newTestSession(t *testing.T, store settings.Store, fetcher QRFetcher, delay time.Duration) *Session {
	t.Helper()
	s, err := NewSession(Config{
		UserID:          "user-1",
		Store:           store,
		Fetcher:         fetcher,
		TransitionDelay: delay,
	})
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

func awaitNote(t *testing.T, s *Session, title string) Notification {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case n := <-s.Notifications():
			if n.Title == title {
				return n
			}
		case <-deadline:
			t.Fatalf("timed out waiting for notification %q", title)
		}
	}
}

func mustSnapshot(t *testing.T, s *Session) View {
	t.Helper()
	view, err := s.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	return view
}

func TestLoadCreatesRecordOnFirstVisit(t *testing.T) {
	store := settings.NewMemoryStore()
	s := newTestSession(t, store, &fakeFetcher{}, 0)

	if err := s.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}

	record, err := store.Get(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if record == nil {
		t.Fatal("expected a record created on first load")
	}
	if record.ConnectionStatus != settings.StatusDisconnected {
		t.Fatalf("expected disconnected default, got %q", record.ConnectionStatus)
	}

	view := mustSnapshot(t, s)
	if view.State != StateDisconnected {
		t.Fatalf("expected disconnected state, got %q", view.State)
	}
}

func TestLoadWithPersistedURLRefreshesQR(t *testing.T) {
	store := settings.NewMemoryStore()
	if _, err := store.Create(context.Background(), "user-1"); err != nil {
		t.Fatalf("Create: %v", err)
	}
	url := "https://host/instances/abc123"
	if err := store.Update(context.Background(), "user-1", settings.Patch{InstanceURL: &url}); err != nil {
		t.Fatalf("Update: %v", err)
	}

	fetcher := &fakeFetcher{payload: "data:image/png;base64,QR"}
	s := newTestSession(t, store, fetcher, 0)

	if err := s.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}
	awaitNote(t, s, "QR code ready")

	calls := fetcher.calls()
	if len(calls) != 1 {
		t.Fatalf("expected one QR fetch, got %d", len(calls))
	}
	want := "https://host/instances/instance/abc123/qrcode"
	if calls[0] != want {
		t.Fatalf("fetched %q, want %q", calls[0], want)
	}

	view := mustSnapshot(t, s)
	if view.QRPayload != "data:image/png;base64,QR" {
		t.Fatalf("QR payload not surfaced: %q", view.QRPayload)
	}
}

func TestLoadConnectedStateSkipsQRRefresh(t *testing.T) {
	store := settings.NewMemoryStore()
	if _, err := store.Create(context.Background(), "user-1"); err != nil {
		t.Fatalf("Create: %v", err)
	}
	url := "https://host/instances/abc123"
	status := settings.StatusConnected
	err := store.Update(context.Background(), "user-1", settings.Patch{
		InstanceURL:      &url,
		ConnectionStatus: &status,
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}

	fetcher := &fakeFetcher{payload: "qr"}
	s := newTestSession(t, store, fetcher, 0)

	if err := s.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}

	view := mustSnapshot(t, s)
	if view.State != StateConnected {
		t.Fatalf("expected connected state, got %q", view.State)
	}
	if len(fetcher.calls()) != 0 {
		t.Fatal("connected instance must not trigger a QR refresh")
	}
}

func TestConnectTransitionPersistsStatus(t *testing.T) {
	store := settings.NewMemoryStore()
	s := newTestSession(t, store, &fakeFetcher{}, 0)

	if err := s.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	awaitNote(t, s, "Instance connected")

	view := mustSnapshot(t, s)
	if view.State != StateConnected {
		t.Fatalf("expected connected, got %q", view.State)
	}

	record, err := store.Get(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if record.ConnectionStatus != settings.StatusConnected {
		t.Fatalf("status not persisted, got %q", record.ConnectionStatus)
	}
}

func TestConnectRejectedWhenAlreadyConnected(t *testing.T) {
	store := settings.NewMemoryStore()
	s := newTestSession(t, store, &fakeFetcher{}, 0)

	if err := s.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	awaitNote(t, s, "Instance connected")

	if err := s.Connect(context.Background()); !errors.Is(err, ErrNotDisconnected) {
		t.Fatalf("expected ErrNotDisconnected, got %v", err)
	}
	note := awaitNote(t, s, "Already connected")
	if note.Severity != SeverityWarning {
		t.Fatalf("expected warning severity, got %q", note.Severity)
	}
}

func TestConnectBusyRejectsSecondAttempt(t *testing.T) {
	store := settings.NewMemoryStore()
	s := newTestSession(t, store, &fakeFetcher{}, 250*time.Millisecond)

	if err := s.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	view := mustSnapshot(t, s)
	if view.State != StateConnecting {
		t.Fatalf("expected connecting, got %q", view.State)
	}
	if !view.Busy {
		t.Fatal("expected busy snapshot mid-transition")
	}

	if err := s.Connect(context.Background()); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy, got %v", err)
	}
	note := awaitNote(t, s, "Operation in progress")
	if note.Severity != SeverityWarning {
		t.Fatalf("busy rejection should warn, got %q", note.Severity)
	}
}

func TestConnectPersistFailureRollsBack(t *testing.T) {
	store := &flakyStore{Store: settings.NewMemoryStore()}
	s := newTestSession(t, store, &fakeFetcher{}, 0)

	if err := s.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}

	store.mu.Lock()
	store.failUpdate = true
	store.mu.Unlock()

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	note := awaitNote(t, s, "Connection failed")
	if note.Severity != SeverityError {
		t.Fatalf("expected error severity, got %q", note.Severity)
	}

	view := mustSnapshot(t, s)
	if view.State != StateDisconnected {
		t.Fatalf("failed connect must roll back to disconnected, got %q", view.State)
	}
}

func TestSubmitURLPersistsAndFetchesQR(t *testing.T) {
	store := settings.NewMemoryStore()
	fetcher := &fakeFetcher{payload: "data:image/png;base64,FRESH"}
	s := newTestSession(t, store, fetcher, 0)

	if err := s.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := s.SubmitURL(context.Background(), "https://host/instances/abc123"); err != nil {
		t.Fatalf("SubmitURL: %v", err)
	}
	awaitNote(t, s, "QR code ready")

	record, err := store.Get(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if record.InstanceURL != "https://host/instances/abc123" {
		t.Fatalf("instance URL not persisted, got %q", record.InstanceURL)
	}

	view := mustSnapshot(t, s)
	if view.QRPayload != "data:image/png;base64,FRESH" {
		t.Fatalf("QR payload missing from snapshot: %q", view.QRPayload)
	}
}

func TestSubmitURLWhileConnectedIsRejected(t *testing.T) {
	store := settings.NewMemoryStore()
	s := newTestSession(t, store, &fakeFetcher{}, 0)

	if err := s.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	awaitNote(t, s, "Instance connected")

	err := s.SubmitURL(context.Background(), "https://host/instances/other")
	if !errors.Is(err, ErrNotDisconnected) {
		t.Fatalf("expected ErrNotDisconnected, got %v", err)
	}
	note := awaitNote(t, s, "Instance already connected")
	if note.Severity != SeverityWarning {
		t.Fatalf("expected warning, got %q", note.Severity)
	}

	record, err := store.Get(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if record.InstanceURL != "" {
		t.Fatalf("rejected submission must not persist, got %q", record.InstanceURL)
	}
}

func TestSubmitEmptyURL(t *testing.T) {
	store := settings.NewMemoryStore()
	s := newTestSession(t, store, &fakeFetcher{}, 0)

	if err := s.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := s.SubmitURL(context.Background(), "   "); !errors.Is(err, ErrEmptyURL) {
		t.Fatalf("expected ErrEmptyURL, got %v", err)
	}
	awaitNote(t, s, "Invalid link")
}

func TestQRFetchFailureClearsPayloadKeepsURL(t *testing.T) {
	store := settings.NewMemoryStore()
	fetcher := &fakeFetcher{payload: "qr-one"}
	s := newTestSession(t, store, fetcher, 0)

	if err := s.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := s.SubmitURL(context.Background(), "https://host/instances/abc123"); err != nil {
		t.Fatalf("SubmitURL: %v", err)
	}
	awaitNote(t, s, "QR code ready")

	fetcher.fail(evolution.NewError(evolution.KindHTTPStatus, "gateway returned 502", nil))
	if err := s.SubmitURL(context.Background(), "https://host/instances/def456"); err != nil {
		t.Fatalf("SubmitURL: %v", err)
	}
	awaitNote(t, s, "QR code unavailable")

	view := mustSnapshot(t, s)
	if view.QRPayload != "" {
		t.Fatalf("failed fetch must clear stale QR, got %q", view.QRPayload)
	}
	record, err := store.Get(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if record.InstanceURL != "https://host/instances/def456" {
		t.Fatalf("URL persistence must survive fetch failure, got %q", record.InstanceURL)
	}
}

func TestSubmitURLWithoutIdentifierClearsQR(t *testing.T) {
	store := settings.NewMemoryStore()
	fetcher := &fakeFetcher{payload: "qr-one"}
	s := newTestSession(t, store, fetcher, 0)

	if err := s.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := s.SubmitURL(context.Background(), "https://host/instances/abc123"); err != nil {
		t.Fatalf("SubmitURL: %v", err)
	}
	awaitNote(t, s, "QR code ready")

	// "/" survives trimming but yields no identifier segment.
	err := s.SubmitURL(context.Background(), "/")
	if evolution.KindOf(err) != evolution.KindInvalidURL {
		t.Fatalf("expected INVALID_URL, got %v", err)
	}
	awaitNote(t, s, "QR code unavailable")

	view := mustSnapshot(t, s)
	if view.QRPayload != "" {
		t.Fatalf("stale QR must be cleared on invalid URL, got %q", view.QRPayload)
	}
}

func TestFetchLandingAfterConnectIsDiscarded(t *testing.T) {
	store := settings.NewMemoryStore()
	gate := make(chan struct{})
	fetcher := &fakeFetcher{payload: "qr-late", gate: gate}
	s := newTestSession(t, store, fetcher, 0)

	if err := s.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := s.SubmitURL(context.Background(), "https://host/instances/abc123"); err != nil {
		t.Fatalf("SubmitURL: %v", err)
	}

	// Fetch and connect are separate busy classes, so connecting with a
	// fetch in flight is allowed.
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	awaitNote(t, s, "Instance connected")

	close(gate)

	// Busy clears once the stale completion has been processed.
	deadline := time.After(2 * time.Second)
	for {
		view := mustSnapshot(t, s)
		if !view.Busy {
			if view.State != StateConnected {
				t.Fatalf("expected connected, got %q", view.State)
			}
			if view.QRPayload != "" {
				t.Fatalf("QR result landing while connected must be discarded, got %q", view.QRPayload)
			}
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for fetch completion")
		case <-time.After(time.Millisecond):
		}
	}

	// And no QR notification is emitted for the discarded result.
	select {
	case n := <-s.Notifications():
		if n.Title == "QR code ready" {
			t.Fatal("discarded fetch must not notify")
		}
	default:
	}
}

func TestDisconnectKeepsQRAndURL(t *testing.T) {
	store := settings.NewMemoryStore()
	fetcher := &fakeFetcher{payload: "qr-kept"}
	s := newTestSession(t, store, fetcher, 0)

	if err := s.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := s.SubmitURL(context.Background(), "https://host/instances/abc123"); err != nil {
		t.Fatalf("SubmitURL: %v", err)
	}
	awaitNote(t, s, "QR code ready")

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	awaitNote(t, s, "Instance connected")

	if err := s.Disconnect(context.Background()); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	awaitNote(t, s, "Instance disconnected")

	view := mustSnapshot(t, s)
	if view.State != StateDisconnected {
		t.Fatalf("expected disconnected, got %q", view.State)
	}
	if view.QRPayload != "qr-kept" {
		t.Fatal("QR payload must survive disconnection")
	}
	if view.InstanceURL != "https://host/instances/abc123" {
		t.Fatal("instance URL must survive disconnection")
	}

	record, err := store.Get(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if record.ConnectionStatus != settings.StatusDisconnected {
		t.Fatalf("status not persisted, got %q", record.ConnectionStatus)
	}
}

func TestDisconnectWhenDisconnected(t *testing.T) {
	store := settings.NewMemoryStore()
	s := newTestSession(t, store, &fakeFetcher{}, 0)

	if err := s.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := s.Disconnect(context.Background()); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
	awaitNote(t, s, "Nothing to disconnect")
}

func TestDuplicateCreateRaceToleratedOnLoad(t *testing.T) {
	store := settings.NewMemoryStore()

	first := newTestSession(t, store, &fakeFetcher{}, 0)
	if err := first.Load(context.Background()); err != nil {
		t.Fatalf("first Load: %v", err)
	}

	// A second session for the same user finds the record already created.
	second, err := NewSession(Config{
		UserID:  "user-1",
		Store:   store,
		Fetcher: &fakeFetcher{},
	})
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	t.Cleanup(second.Close)
	if err := second.Load(context.Background()); err != nil {
		t.Fatalf("second Load: %v", err)
	}
}

func TestClosedSessionRejectsOperations(t *testing.T) {
	store := settings.NewMemoryStore()
	s := newTestSession(t, store, &fakeFetcher{}, 0)

	s.Close()
	s.Close() // idempotent

	if err := s.Connect(context.Background()); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("expected ErrSessionClosed, got %v", err)
	}
	if _, err := s.Snapshot(context.Background()); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("expected ErrSessionClosed, got %v", err)
	}
}

func TestCloseDiscardsInFlightCompletion(t *testing.T) {
	store := settings.NewMemoryStore()
	s := newTestSession(t, store, &fakeFetcher{}, time.Hour)

	if err := s.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	// Closing wakes the simulated delay; the completion event is discarded
	// instead of blocking the worker goroutine forever.
	s.Close()

	select {
	case n, ok := <-s.Notifications():
		if ok && n.Title == "Instance connected" {
			t.Fatal("completion after Close must not notify")
		}
	case <-time.After(100 * time.Millisecond):
	}
}
