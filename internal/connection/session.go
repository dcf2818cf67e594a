// Package connection implements the per-user instance connection lifecycle:
// a state machine that drives connect/disconnect transitions, persists the
// instance URL, and acquires pairing QR codes from the Evolution gateway.
//
// Each Session runs a single goroutine that owns all lifecycle state.
// Operations enter as events and are handled strictly in order; slow work
// (transition delays, QR fetches) runs off-loop and re-enters as a
// completion event, so a snapshot taken mid-transition always sees a
// coherent pending state.
package connection

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/zapdeck/panel/internal/evolution"
	"github.com/zapdeck/panel/internal/observability"
	"github.com/zapdeck/panel/internal/settings"
)

// State is the connection lifecycle state visible to the panel.
type State string

const (
	StateDisconnected  State = "disconnected"
	StateConnecting    State = "connecting"
	StateConnected     State = "connected"
	StateDisconnecting State = "disconnecting"
)

// Sentinel errors returned by session operations. Handlers map these to
// HTTP statuses; the matching user-facing notification is emitted by the
// session itself.
var (
	ErrSessionClosed   = errors.New("session is closed")
	ErrBusy            = errors.New("an operation of this kind is already in flight")
	ErrNotDisconnected = errors.New("operation requires a disconnected instance")
	ErrNotConnected    = errors.New("operation requires a connected instance")
	ErrEmptyURL        = errors.New("instance URL is required")
)

// QRFetcher acquires a pairing QR code from a derived gateway endpoint.
// *evolution.Client satisfies it; tests substitute fakes.
type QRFetcher interface {
	FetchQR(ctx context.Context, endpoint string) (string, error)
}

// View is an immutable snapshot of session state.
type View struct {
	State       State  `json:"state"`
	InstanceURL string `json:"instanceUrl"`
	QRPayload   string `json:"qrPayload"`
	Busy        bool   `json:"busy"`
}

// Config assembles a session's collaborators.
type Config struct {
	UserID  string
	Store   settings.Store
	Fetcher QRFetcher
	Logger  *observability.Logger
	Metrics *observability.Metrics

	// TransitionDelay simulates the gateway's connect/disconnect latency.
	// Zero means transitions complete as fast as persistence allows.
	TransitionDelay time.Duration
}

// Session owns the connection lifecycle for one panel user.
type Session struct {
	userID          string
	store           settings.Store
	fetcher         QRFetcher
	logger          *observability.Logger
	metrics         *observability.Metrics
	transitionDelay time.Duration

	events chan event
	notes  chan Notification
	done   chan struct{}
}

// Events handled by the run loop. Requests carry a buffered reply channel;
// completions are posted by off-loop goroutines.
type event interface{ isEvent() }

type loadRequest struct {
	ctx   context.Context
	reply chan error
}

type connectRequest struct {
	reply chan error
}

type disconnectRequest struct {
	reply chan error
}

type submitURLRequest struct {
	ctx   context.Context
	url   string
	reply chan error
}

type snapshotRequest struct {
	reply chan View
}

type connectDone struct{ err error }

type disconnectDone struct{ err error }

type fetchDone struct {
	payload string
	err     error
}

func (loadRequest) isEvent()       {}
func (connectRequest) isEvent()    {}
func (disconnectRequest) isEvent() {}
func (submitURLRequest) isEvent()  {}
func (snapshotRequest) isEvent()   {}
func (connectDone) isEvent()       {}
func (disconnectDone) isEvent()    {}
func (fetchDone) isEvent()         {}

// NewSession starts the session's run loop. Call Close when the user's
// panel session ends.
func NewSession(cfg Config) (*Session, error) {
	if strings.TrimSpace(cfg.UserID) == "" {
		return nil, errors.New("connection: user id is required")
	}
	if cfg.Store == nil {
		return nil, errors.New("connection: store is required")
	}
	if cfg.Fetcher == nil {
		return nil, errors.New("connection: fetcher is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = observability.NewLogger(observability.LogConfig{})
	}

	s := &Session{
		userID:          cfg.UserID,
		store:           cfg.Store,
		fetcher:         cfg.Fetcher,
		logger:          cfg.Logger,
		metrics:         cfg.Metrics,
		transitionDelay: cfg.TransitionDelay,
		events:          make(chan event),
		notes:           make(chan Notification, 32),
		done:            make(chan struct{}),
	}

	if s.metrics != nil {
		s.metrics.ActiveSessions.Inc()
	}
	go s.run()
	return s, nil
}

// Load hydrates the session from the settings store, creating the record on
// first visit. When a persisted instance URL exists on a disconnected
// instance, a QR refresh is kicked off in the background.
func (s *Session) Load(ctx context.Context) error {
	return s.request(ctx, func(reply chan error) event {
		return loadRequest{ctx: ctx, reply: reply}
	})
}

// Connect starts the disconnected -> connecting -> connected transition.
// It returns once the transition is accepted; the terminal outcome arrives
// on Notifications.
func (s *Session) Connect(ctx context.Context) error {
	return s.request(ctx, func(reply chan error) event {
		return connectRequest{reply: reply}
	})
}

// Disconnect starts the connected -> disconnecting -> disconnected
// transition.
func (s *Session) Disconnect(ctx context.Context) error {
	return s.request(ctx, func(reply chan error) event {
		return disconnectRequest{reply: reply}
	})
}

// SubmitURL persists a new instance URL and starts a QR code fetch. Only a
// disconnected instance accepts submissions.
func (s *Session) SubmitURL(ctx context.Context, instanceURL string) error {
	return s.request(ctx, func(reply chan error) event {
		return submitURLRequest{ctx: ctx, url: instanceURL, reply: reply}
	})
}

// Snapshot returns the current session state.
func (s *Session) Snapshot(ctx context.Context) (View, error) {
	reply := make(chan View, 1)
	select {
	case s.events <- snapshotRequest{reply: reply}:
		return <-reply, nil
	case <-s.done:
		return View{}, ErrSessionClosed
	case <-ctx.Done():
		return View{}, ctx.Err()
	}
}

// Notifications delivers one user-facing event per terminal transition
// outcome. The channel is buffered; if nobody drains it, the oldest
// overflowing notification is dropped with a log warning.
func (s *Session) Notifications() <-chan Notification {
	return s.notes
}

// Close stops the run loop. In-flight transition work is left to finish
// against the store, but its completion events are discarded.
func (s *Session) Close() {
	select {
	case <-s.done:
	default:
		close(s.done)
		if s.metrics != nil {
			s.metrics.ActiveSessions.Dec()
		}
	}
}

func (s *Session) request(ctx context.Context, build func(chan error) event) error {
	reply := make(chan error, 1)
	select {
	case s.events <- build(reply):
		return <-reply
	case <-s.done:
		return ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// sessionState is the loop-local state. Only the run goroutine touches it.
type sessionState struct {
	state       State
	instanceURL string
	qrPayload   string

	connectBusy bool // covers connect and disconnect, which share a class
	fetchBusy   bool
}

func (st *sessionState) busy() bool {
	return st.connectBusy || st.fetchBusy
}

func (s *Session) run() {
	st := &sessionState{state: StateDisconnected}

	for {
		select {
		case <-s.done:
			return
		case e := <-s.events:
			switch ev := e.(type) {
			case loadRequest:
				ev.reply <- s.handleLoad(ev.ctx, st)
			case connectRequest:
				ev.reply <- s.handleConnect(st)
			case disconnectRequest:
				ev.reply <- s.handleDisconnect(st)
			case submitURLRequest:
				ev.reply <- s.handleSubmitURL(ev.ctx, st, ev.url)
			case snapshotRequest:
				ev.reply <- View{
					State:       st.state,
					InstanceURL: st.instanceURL,
					QRPayload:   st.qrPayload,
					Busy:        st.busy(),
				}
			case connectDone:
				s.handleConnectDone(st, ev.err)
			case disconnectDone:
				s.handleDisconnectDone(st, ev.err)
			case fetchDone:
				s.handleFetchDone(st, ev.payload, ev.err)
			}
		}
	}
}

func (s *Session) handleLoad(ctx context.Context, st *sessionState) error {
	record, err := s.store.Get(ctx, s.userID)
	s.countStoreOp("get", err)
	if err != nil {
		return err
	}

	if record == nil {
		record, err = s.store.Create(ctx, s.userID)
		s.countStoreOp("create", err)
		if settings.IsDuplicate(err) {
			// Another session created the record between Get and Create.
			record, err = s.store.Get(ctx, s.userID)
			s.countStoreOp("get", err)
		}
		if err != nil {
			return err
		}
	}

	st.instanceURL = record.InstanceURL
	if record.ConnectionStatus == settings.StatusConnected {
		st.state = StateConnected
	} else {
		st.state = StateDisconnected
	}

	// A disconnected instance with a saved URL gets a fresh QR code so the
	// user can pair immediately.
	if st.state == StateDisconnected && st.instanceURL != "" && !st.fetchBusy {
		if endpoint, derr := evolution.DeriveQREndpoint(st.instanceURL); derr == nil {
			s.startFetch(st, endpoint)
		} else {
			s.countQRFetch(derr)
			s.logger.Warn(ctx, "persisted instance URL yields no QR endpoint",
				"user_id", s.userID, "error", derr)
		}
	}

	s.logger.Info(ctx, "session loaded",
		"user_id", s.userID,
		"state", string(st.state),
		"has_instance_url", st.instanceURL != "")
	return nil
}

func (s *Session) handleConnect(st *sessionState) error {
	if st.connectBusy {
		s.notify(noteBusy)
		s.countTransition("connect", "rejected")
		return ErrBusy
	}
	if st.state != StateDisconnected {
		s.notify(noteAlreadyConnected)
		s.countTransition("connect", "rejected")
		return ErrNotDisconnected
	}

	st.state = StateConnecting
	st.connectBusy = true

	go func() {
		s.sleep(s.transitionDelay)
		status := settings.StatusConnected
		err := s.store.Update(context.Background(), s.userID, settings.Patch{ConnectionStatus: &status})
		s.countStoreOp("update", err)
		s.post(connectDone{err: err})
	}()
	return nil
}

func (s *Session) handleConnectDone(st *sessionState, err error) {
	st.connectBusy = false
	if err != nil {
		st.state = StateDisconnected
		s.countTransition("connect", "error")
		s.notify(noteConnectFailed)
		s.logger.Error(context.Background(), "connect transition failed",
			"user_id", s.userID, "error", err)
		return
	}
	st.state = StateConnected
	s.countTransition("connect", "success")
	s.notify(noteConnected)
	s.logger.Info(context.Background(), "instance connected", "user_id", s.userID)
}

func (s *Session) handleDisconnect(st *sessionState) error {
	if st.connectBusy {
		s.notify(noteBusy)
		s.countTransition("disconnect", "rejected")
		return ErrBusy
	}
	if st.state != StateConnected {
		s.notify(noteNotConnected)
		s.countTransition("disconnect", "rejected")
		return ErrNotConnected
	}

	st.state = StateDisconnecting
	st.connectBusy = true

	go func() {
		s.sleep(s.transitionDelay)
		status := settings.StatusDisconnected
		err := s.store.Update(context.Background(), s.userID, settings.Patch{ConnectionStatus: &status})
		s.countStoreOp("update", err)
		s.post(disconnectDone{err: err})
	}()
	return nil
}

func (s *Session) handleDisconnectDone(st *sessionState, err error) {
	st.connectBusy = false
	if err != nil {
		st.state = StateConnected
		s.countTransition("disconnect", "error")
		s.notify(noteDisconnectFailed)
		s.logger.Error(context.Background(), "disconnect transition failed",
			"user_id", s.userID, "error", err)
		return
	}
	// The QR payload and instance URL survive disconnection so the user can
	// re-pair without re-entering the link.
	st.state = StateDisconnected
	s.countTransition("disconnect", "success")
	s.notify(noteDisconnected)
	s.logger.Info(context.Background(), "instance disconnected", "user_id", s.userID)
}

func (s *Session) handleSubmitURL(ctx context.Context, st *sessionState, rawURL string) error {
	if st.state != StateDisconnected {
		s.notify(noteURLWhileConnected)
		return ErrNotDisconnected
	}
	if st.fetchBusy {
		s.notify(noteBusy)
		return ErrBusy
	}

	trimmed := strings.TrimSpace(rawURL)
	if trimmed == "" {
		s.notify(noteInvalidLink)
		return ErrEmptyURL
	}

	endpoint, err := evolution.DeriveQREndpoint(trimmed)
	if err != nil {
		st.qrPayload = ""
		s.countQRFetch(err)
		s.notify(noteQRFailed)
		return err
	}

	if err := s.store.Update(ctx, s.userID, settings.Patch{InstanceURL: &trimmed}); err != nil {
		s.countStoreOp("update", err)
		s.notify(noteQRFailed)
		return err
	}
	s.countStoreOp("update", nil)
	st.instanceURL = trimmed

	s.startFetch(st, endpoint)
	return nil
}

// startFetch launches the off-loop QR fetch. The previous payload stays
// visible until the result lands.
func (s *Session) startFetch(st *sessionState, endpoint string) {
	st.fetchBusy = true
	go func() {
		payload, err := s.fetcher.FetchQR(context.Background(), endpoint)
		s.post(fetchDone{payload: payload, err: err})
	}()
}

func (s *Session) handleFetchDone(st *sessionState, payload string, err error) {
	st.fetchBusy = false
	if st.state != StateDisconnected {
		// The user connected while the fetch was in flight. A QR code is
		// only shown on a disconnected instance, so the result is dropped.
		s.logger.Debug(context.Background(), "discarding QR result in non-disconnected state",
			"user_id", s.userID, "state", string(st.state))
		return
	}
	if err != nil {
		st.qrPayload = ""
		s.countQRFetch(err)
		s.notify(noteQRFailed)
		s.logger.Warn(context.Background(), "QR fetch failed",
			"user_id", s.userID,
			"kind", string(evolution.KindOf(err)),
			"error", err)
		return
	}
	st.qrPayload = payload
	s.countQRFetch(nil)
	s.notify(noteQRReady)
	s.logger.Info(context.Background(), "QR code acquired", "user_id", s.userID)
}

// post delivers a completion event to the loop, discarding it when the
// session closed while the work was in flight.
func (s *Session) post(e event) {
	select {
	case s.events <- e:
	case <-s.done:
	}
}

func (s *Session) notify(n Notification) {
	select {
	case s.notes <- n:
	default:
		s.logger.Warn(context.Background(), "notification buffer full, dropping",
			"user_id", s.userID, "title", n.Title)
	}
}

// sleep waits for the simulated transition latency, waking early on Close.
func (s *Session) sleep(d time.Duration) {
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-s.done:
	}
}

func (s *Session) countTransition(operation, outcome string) {
	if s.metrics != nil {
		s.metrics.TransitionCounter.WithLabelValues(operation, outcome).Inc()
	}
}

func (s *Session) countQRFetch(err error) {
	if s.metrics == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = strings.ToLower(string(evolution.KindOf(err)))
	}
	s.metrics.QRFetchCounter.WithLabelValues(outcome).Inc()
}

func (s *Session) countStoreOp(operation string, err error) {
	if s.metrics == nil {
		return
	}
	status := "success"
	if err != nil && !settings.IsDuplicate(err) {
		status = "error"
	}
	s.metrics.StoreOpCounter.WithLabelValues(operation, status).Inc()
}

// Canned user-facing notifications.
var (
	noteConnected = Notification{
		Title:       "Instance connected",
		Description: "The connection was established successfully.",
		Severity:    SeverityInfo,
	}
	noteConnectFailed = Notification{
		Title:       "Connection failed",
		Description: "The instance could not be connected. Try again.",
		Severity:    SeverityError,
	}
	noteDisconnected = Notification{
		Title:       "Instance disconnected",
		Description: "The connection was closed.",
		Severity:    SeverityInfo,
	}
	noteDisconnectFailed = Notification{
		Title:       "Disconnect failed",
		Description: "The instance could not be disconnected. Try again.",
		Severity:    SeverityError,
	}
	noteQRReady = Notification{
		Title:       "QR code ready",
		Description: "Scan the code in WhatsApp to pair the instance.",
		Severity:    SeverityInfo,
	}
	noteQRFailed = Notification{
		Title:       "QR code unavailable",
		Description: "Check the instance link and try again.",
		Severity:    SeverityError,
	}
	noteInvalidLink = Notification{
		Title:       "Invalid link",
		Description: "Enter a valid instance link.",
		Severity:    SeverityError,
	}
	noteURLWhileConnected = Notification{
		Title:       "Instance already connected",
		Description: "Disconnect before generating a new QR code.",
		Severity:    SeverityWarning,
	}
	noteAlreadyConnected = Notification{
		Title:       "Already connected",
		Description: "The instance is connected. Disconnect it first.",
		Severity:    SeverityWarning,
	}
	noteNotConnected = Notification{
		Title:       "Nothing to disconnect",
		Description: "The instance is not connected.",
		Severity:    SeverityWarning,
	}
	noteBusy = Notification{
		Title:       "Operation in progress",
		Description: "Wait for the current operation to finish.",
		Severity:    SeverityWarning,
	}
)
