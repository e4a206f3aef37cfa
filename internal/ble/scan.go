package ble

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

const (
	DefaultScanTimeout       = 10 * time.Second
	DefaultScanRetryInterval = time.Second
)

// ScanOptions configures one scan session.
type ScanOptions struct {
	ServiceUUIDs  []string
	Addresses     []string
	Names         []string
	NameContains  bool // match names by substring instead of equality
	Timeout       time.Duration
	RetryCount    int
	RetryInterval time.Duration
}

func (o ScanOptions) withDefaults() ScanOptions {
	if o.Timeout <= 0 {
		o.Timeout = DefaultScanTimeout
	}
	if o.RetryCount < 0 {
		o.RetryCount = 0
	}
	if o.RetryInterval < 0 {
		o.RetryInterval = 0
	}
	return o
}

// matchName applies the name filters. Advertisements without a name always
// pass, as does everything when no names are configured.
func (o ScanOptions) matchName(name string) bool {
	if name == "" || len(o.Names) == 0 {
		return true
	}
	upper := strings.ToUpper(name)
	for _, want := range o.Names {
		want = strings.ToUpper(want)
		if upper == want || (o.NameContains && strings.Contains(upper, want)) {
			return true
		}
	}
	return false
}

// ScanEventType tags a ScanEvent.
type ScanEventType int

const (
	ScanStarted ScanEventType = iota
	ScanDeviceFound
	ScanDeviceFoundUnique
	ScanFailed
	ScanCompleted
)

func (t ScanEventType) String() string {
	switch t {
	case ScanStarted:
		return "started"
	case ScanDeviceFound:
		return "device found"
	case ScanDeviceFoundUnique:
		return "device found (unique)"
	case ScanFailed:
		return "failed"
	case ScanCompleted:
		return "completed"
	default:
		return "unknown"
	}
}

// ScanEvent is one entry of a scan session's event stream.
type ScanEvent struct {
	Type    ScanEventType
	Device  Device // ScanDeviceFound, ScanDeviceFoundUnique
	Attempt int    // 1-based attempt that produced Device
	Err     error  // ScanFailed, always a *ScanError
	Results []Device
	Unique  []Device
}

// Scanner owns the single scan session of a process.
type Scanner struct {
	adapter Adapter
	env     Environment
	logger  *slog.Logger
	now     func() time.Time

	mu      sync.Mutex
	session *scanSession
}

type scanSession struct {
	opts   ScanOptions
	filter ScanFilter
	events *stream[ScanEvent]
	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	attempt   int
	scanning  bool
	cancelled bool
	results   []Device
	unique    []Device
	seen      map[string]bool
}

// NewScanner creates a Scanner. A nil env means HostEnvironment and a nil
// logger means slog.Default().
func NewScanner(adapter Adapter, env Environment, logger *slog.Logger) *Scanner {
	if env == nil {
		env = HostEnvironment{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scanner{
		adapter: adapter,
		env:     env,
		logger:  logger,
		now:     time.Now,
	}
}

// Start begins a scan session and returns its event stream. The stream ends
// with either a single ScanFailed (nothing was started) or ScanCompleted,
// possibly preceded by ScanFailed when the last attempt hit a radio error.
func (s *Scanner) Start(opts ScanOptions) <-chan ScanEvent {
	events := newStream[ScanEvent]()
	fail := func(err *ScanError) <-chan ScanEvent {
		s.logger.Error("[BLE] scan not started", "reason", err.Reason.String())
		events.emit(ScanEvent{Type: ScanFailed, Err: err})
		events.close()
		return events.C()
	}

	if reason, ok := s.checkRadio(); !ok {
		return fail(&ScanError{Reason: reason, Code: -1})
	}

	opts = opts.withDefaults()

	s.mu.Lock()
	if s.session != nil {
		s.mu.Unlock()
		return fail(&ScanError{Reason: ScanAlreadyInProgress, Code: -1})
	}
	filter, err := buildScanFilter(opts)
	if err != nil {
		s.mu.Unlock()
		return fail(&ScanError{Reason: ScanTransportFailure, Code: -1, Err: err})
	}
	ctx, cancel := context.WithCancel(context.Background())
	sess := &scanSession{
		opts:   opts,
		filter: filter,
		events: events,
		ctx:    ctx,
		cancel: cancel,
		seen:   make(map[string]bool),
	}
	s.session = sess
	s.mu.Unlock()

	events.emit(ScanEvent{Type: ScanStarted})
	go s.run(sess)
	return events.C()
}

func buildScanFilter(opts ScanOptions) (ScanFilter, error) {
	filter := ScanFilter{Addresses: opts.Addresses}
	for _, raw := range opts.ServiceUUIDs {
		id, err := ParseUUID(raw)
		if err != nil {
			return ScanFilter{}, fmt.Errorf("service uuid %q: %w", raw, err)
		}
		filter.ServiceUUIDs = append(filter.ServiceUUIDs, id)
	}
	return filter, nil
}

// checkRadio evaluates the preconditions that do not depend on scanner
// state, in their fixed order.
func (s *Scanner) checkRadio() (ScanFailReason, bool) {
	switch {
	case !s.env.PermissionGranted():
		return ScanPermissionDenied, false
	case !s.adapter.Supported():
		return ScanUnsupportedHardware, false
	case !s.env.LocationServiceEnabled():
		return ScanLocationServiceDisabled, false
	case !s.adapter.Enabled():
		return ScanRadioDisabled, false
	}
	return 0, true
}

// Stop cancels the active session. The session still finishes with a
// ScanCompleted event carrying whatever was collected.
func (s *Scanner) Stop() {
	s.mu.Lock()
	sess := s.session
	s.mu.Unlock()
	if sess == nil {
		return
	}

	sess.mu.Lock()
	sess.cancelled = true
	sess.scanning = false
	sess.mu.Unlock()
	sess.cancel()
}

// IsScanning reports whether a session is active, including the waits
// between retry attempts.
func (s *Scanner) IsScanning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.session != nil
}

func (s *Scanner) run(sess *scanSession) {
	var lastErr error
	for {
		attempt, ok := sess.beginAttempt()
		if !ok {
			break
		}
		s.logger.Debug("[BLE] scan attempt", "attempt", attempt)

		lastErr = s.runAttempt(sess)
		sess.endAttempt()

		if sess.isCancelled() || attempt > sess.opts.RetryCount {
			break
		}
		if lastErr != nil {
			s.logger.Warn("[BLE] scan attempt failed, retrying", "attempt", attempt, "error", lastErr)
		}

		timer := time.NewTimer(sess.opts.RetryInterval)
		select {
		case <-timer.C:
		case <-sess.ctx.Done():
			timer.Stop()
		}
		if sess.isCancelled() {
			break
		}
	}
	s.finish(sess, lastErr)
}

// runAttempt scans for one timeout window. It returns the radio error, or
// nil when the window simply elapsed or the session was cancelled.
func (s *Scanner) runAttempt(sess *scanSession) error {
	ctx, cancel := context.WithTimeout(sess.ctx, sess.opts.Timeout)
	defer cancel()

	err := s.adapter.Scan(ctx, sess.filter, func(adv Advertisement) {
		s.onAdvertisement(sess, adv)
	})
	if err != nil {
		if ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil
		}
		return err
	}
	<-ctx.Done()
	return nil
}

func (s *Scanner) onAdvertisement(sess *scanSession, adv Advertisement) {
	if !sess.filter.Match(adv) || !sess.opts.matchName(adv.Name) {
		return
	}
	dev := DeviceFromAdvertisement(adv, s.now())

	sess.mu.Lock()
	defer sess.mu.Unlock()
	if !sess.scanning {
		return
	}
	sess.results = append(sess.results, dev)
	sess.events.emit(ScanEvent{Type: ScanDeviceFound, Device: dev, Attempt: sess.attempt})
	if sess.seen[dev.Address] {
		return
	}
	sess.seen[dev.Address] = true
	sess.unique = append(sess.unique, dev)
	sess.events.emit(ScanEvent{Type: ScanDeviceFoundUnique, Device: dev, Attempt: sess.attempt})
}

// finish is the single exit of a session, reached on normal completion,
// retry exhaustion and cancellation alike.
func (s *Scanner) finish(sess *scanSession, lastErr error) {
	sess.mu.Lock()
	results := append([]Device(nil), sess.results...)
	unique := append([]Device(nil), sess.unique...)
	attempts := sess.attempt
	cancelled := sess.cancelled
	sess.scanning = false
	sess.mu.Unlock()
	sess.cancel()

	s.mu.Lock()
	if s.session == sess {
		s.session = nil
	}
	s.mu.Unlock()

	if lastErr != nil && !cancelled {
		s.logger.Error("[BLE] scan failed", "attempts", attempts, "error", lastErr)
		sess.events.emit(ScanEvent{
			Type: ScanFailed,
			Err:  &ScanError{Reason: ScanTransportFailure, Code: transportCode(lastErr), Err: lastErr},
		})
	}
	sess.events.emit(ScanEvent{Type: ScanCompleted, Results: results, Unique: unique})
	sess.events.close()

	if len(results) == 0 {
		s.logger.Debug("[BLE] scan found no devices")
	}
	s.logger.Info("[BLE] scan finished", "attempts", attempts, "results", len(results), "unique", len(unique), "cancelled", cancelled)
}

func (sess *scanSession) beginAttempt() (int, bool) {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.cancelled {
		return sess.attempt, false
	}
	sess.attempt++
	sess.scanning = true
	return sess.attempt, true
}

func (sess *scanSession) endAttempt() {
	sess.mu.Lock()
	sess.scanning = false
	sess.mu.Unlock()
}

func (sess *scanSession) isCancelled() bool {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return sess.cancelled
}
