package aggregator

import (
	"cmp"
	"errors"
	"fmt"
	"math"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"liyu1981.xyz/vitals-alert-service/pkg/classifier"
	"liyu1981.xyz/vitals-alert-service/pkg/common"
	"liyu1981.xyz/vitals-alert-service/pkg/models"
)

// Notifier receives events while the patient lock is held, so events of one
// patient arrive in the order they were produced. Implementations must not
// block and must not call back into the aggregator.
type Notifier interface {
	NotifyAlert(evt models.AlertEvent)
	NotifyStatus(change models.PatientStatusChange)
}

// HistorySink stores retired alerts. Calls are made off the ingest path.
type HistorySink interface {
	Record(alert models.Alert) error
}

type Options struct {
	Notifier  Notifier
	Sink      HistorySink
	Clock     func() time.Time
	NewID     func() string
	// Monotonic measures how long updates have been withheld. It defaults to
	// time.Now, whose readings carry the monotonic clock.
	Monotonic func() time.Time
}

type Aggregator struct {
	classifier *classifier.Classifier
	policy     Policy
	notifier   Notifier
	sink       HistorySink
	now        func() time.Time
	mono       func() time.Time
	newID      func() string

	patients *patientStore

	mu     sync.RWMutex
	alerts map[string]*tracked
	active map[string][]*tracked
	seq    uint64

	sinkWg sync.WaitGroup
}

func New(c *classifier.Classifier, policy Policy, opts Options) *Aggregator {
	a := &Aggregator{
		classifier: c,
		policy:     policy.normalized(),
		notifier:   opts.Notifier,
		sink:       opts.Sink,
		now:        opts.Clock,
		mono:       opts.Monotonic,
		newID:      opts.NewID,
		patients:   newPatientStore(),
		alerts:     make(map[string]*tracked),
		active:     make(map[string][]*tracked),
	}
	if a.now == nil {
		a.now = time.Now
	}
	if a.mono == nil {
		a.mono = time.Now
	}
	if a.newID == nil {
		a.newID = uuid.NewString
	}
	return a
}

// SetNotifier replaces the notifier. It is meant for wiring, before the first
// Ingest, when the notifier itself needs the aggregator.
func (a *Aggregator) SetNotifier(n Notifier) {
	a.notifier = n
}

func (a *Aggregator) Policy() Policy {
	return a.policy
}

// ListCap is the default length of alert lists shown to clients.
func (a *Aggregator) ListCap() int {
	return a.policy.ListCap
}

func (a *Aggregator) Classifier() *classifier.Classifier {
	return a.classifier
}

func (a *Aggregator) logger() *zap.Logger {
	return common.GetLoggerWith(
		common.LoggerNameVitalsCore,
		zap.String(common.LoggerFieldCategory, common.LoggerCategoryAlert),
	)
}

// Ingest classifies a reading and updates the patient's alert state. It
// returns the event that was emitted, or nil when the reading changed nothing
// clients need to hear about. A *models.PartialReadingError means the reading
// was ingested without the vitals it names; any other error means the whole
// reading was rejected.
func (a *Aggregator) Ingest(reading models.VitalReading) (*models.AlertEvent, error) {
	if strings.TrimSpace(reading.PatientID) == "" {
		return nil, &models.ValidationError{Reason: "patient id is required"}
	}

	cls, ok, err := a.classifier.ClassifyReading(reading)
	if !ok {
		return nil, err
	}
	if rejected, verr := rejectedVitals(err); verr != nil {
		err = &models.PartialReadingError{PatientID: reading.PatientID, Rejected: rejected, Err: verr}
	} else {
		err = nil
	}

	st := a.patients.get(reading.PatientID)
	st.mu.Lock()
	defer st.mu.Unlock()

	now := a.now()
	if cls.Complete() || cls.Overall > models.TierNormal {
		a.trackStatus(st, reading.PatientID, cls.Overall, now)
	}

	var evt *models.AlertEvent
	if cls.Overall == models.TierNormal {
		evt = a.onNormal(st, cls, now)
	} else {
		evt = a.onAbnormal(st, reading, cls, now)
	}

	if evt != nil {
		a.logger().Info("Alert event",
			zap.String("type", string(evt.Type)),
			zap.String("alert_id", evt.Alert.ID),
			zap.String("patient_id", evt.Alert.PatientID),
			zap.String("level", evt.Alert.Level.String()))
		if a.notifier != nil {
			a.notifier.NotifyAlert(*evt)
		}
	}
	return evt, err
}

// rejectedVitals keeps the errors of vitals that were reported with an
// unusable value. NaN marks a vital the device did not report.
func rejectedVitals(err error) ([]models.Vital, error) {
	joined, ok := err.(interface{ Unwrap() []error })
	if !ok {
		return nil, err
	}

	var vitals []models.Vital
	var errs []error
	for _, e := range joined.Unwrap() {
		var ve *models.ValidationError
		if errors.As(e, &ve) {
			if math.IsNaN(ve.Value) {
				continue
			}
			vitals = append(vitals, ve.Vital)
		}
		errs = append(errs, e)
	}
	return vitals, errors.Join(errs...)
}

func (a *Aggregator) trackStatus(st *patientState, patientID string, tier models.Tier, now time.Time) {
	if tier == st.lastTier {
		return
	}
	change := models.PatientStatusChange{PatientID: patientID, From: st.lastTier, To: tier, At: now}
	st.lastTier = tier
	if a.notifier != nil {
		a.notifier.NotifyStatus(change)
	}
}

func (a *Aggregator) onNormal(st *patientState, cls classifier.Classification, now time.Time) *models.AlertEvent {
	// a reading with missing vitals is not evidence of recovery
	if !cls.Complete() {
		return nil
	}
	if st.open == nil {
		st.normalStreak = 0
		return nil
	}

	st.normalStreak++
	if st.normalStreak < a.policy.ClearAfter {
		return nil
	}
	return a.clear(st, now)
}

// clear ends the patient's episode. Warning alerts leave the active set;
// unacknowledged critical alerts stay listed until a clinician acknowledges
// them.
func (a *Aggregator) clear(st *patientState, now time.Time) *models.AlertEvent {
	t := st.open
	st.open = nil
	st.normalStreak = 0

	if t.alert.Acknowledged || !t.active {
		return nil
	}

	a.mu.Lock()
	retire := t.alert.Level < models.TierCritical
	if retire {
		a.retireLocked(t, now, models.CloseReasonCleared)
	}
	snapshot := t.alert
	a.mu.Unlock()

	if retire {
		a.record(snapshot)
	}
	return &models.AlertEvent{Type: models.EventCleared, Alert: snapshot}
}

// covers reports whether t still represents the patient's ongoing episode.
func (a *Aggregator) covers(t *tracked, now time.Time) bool {
	if t.active {
		return true
	}
	if t.alert.Acknowledged && t.alert.AcknowledgedAt != nil && a.policy.AckCoalesce > 0 {
		return now.Sub(*t.alert.AcknowledgedAt) < a.policy.AckCoalesce
	}
	return false
}

func (a *Aggregator) onAbnormal(st *patientState, reading models.VitalReading, cls classifier.Classification, now time.Time) *models.AlertEvent {
	st.normalStreak = 0

	open := st.open
	if open != nil && !a.covers(open, now) {
		open = nil
		st.open = nil
	}

	switch {
	case open == nil:
		return a.openAlert(st, reading, cls, now, models.EventNew)

	case cls.Overall > open.alert.Level:
		if open.active {
			a.mu.Lock()
			a.retireLocked(open, now, models.CloseReasonEscalated)
			closed := open.alert
			a.mu.Unlock()
			a.record(closed)
		}
		return a.openAlert(st, reading, cls, now, models.EventEscalated)

	default:
		a.mu.Lock()
		open.alert.VitalSnapshot = models.SnapshotOf(reading)
		open.alert.Message = describe(reading, cls)
		open.alert.UpdatedAt = now
		snapshot := open.alert
		a.mu.Unlock()

		if !open.active {
			return nil
		}
		if !a.shouldEmit(st, now) {
			return nil
		}
		a.markEmitted(st, now)
		return &models.AlertEvent{Type: models.EventUpdate, Alert: snapshot}
	}
}

// shouldEmit rate limits updates on the wall clock. A clock that moved
// backwards emits and restarts the window. ForceEmitAfter bounds, in
// intervals of the monotonic clock, how long a stalled wall clock can
// withhold updates.
func (a *Aggregator) shouldEmit(st *patientState, now time.Time) bool {
	elapsed := now.Sub(st.lastEmit)
	if elapsed >= a.policy.UpdateInterval || elapsed < 0 {
		return true
	}
	if a.policy.ForceEmitAfter <= 0 {
		return false
	}
	limit := time.Duration(a.policy.ForceEmitAfter) * a.policy.UpdateInterval
	return a.mono().Sub(st.lastEmitMono) >= limit
}

func (a *Aggregator) markEmitted(st *patientState, now time.Time) {
	st.lastEmit = now
	st.lastEmitMono = a.mono()
}

func (a *Aggregator) openAlert(st *patientState, reading models.VitalReading, cls classifier.Classification, now time.Time, typ models.EventType) *models.AlertEvent {
	a.mu.Lock()
	a.seq++
	t := &tracked{
		alert: models.Alert{
			ID:            a.newID(),
			PatientID:     reading.PatientID,
			Level:         cls.Overall,
			Title:         title(cls.Overall),
			Message:       describe(reading, cls),
			VitalSnapshot: models.SnapshotOf(reading),
			CreatedAt:     now,
			UpdatedAt:     now,
		},
		seq:    a.seq,
		active: true,
	}
	a.alerts[t.alert.ID] = t
	a.active[reading.PatientID] = append(a.active[reading.PatientID], t)
	snapshot := t.alert
	a.mu.Unlock()

	st.open = t
	a.markEmitted(st, now)
	return &models.AlertEvent{Type: typ, Alert: snapshot}
}

// retireLocked removes t from the active set. Caller holds a.mu.
func (a *Aggregator) retireLocked(t *tracked, now time.Time, reason models.CloseReason) {
	t.active = false
	if t.alert.ClosedAt == nil {
		closedAt := now
		t.alert.ClosedAt = &closedAt
		t.alert.CloseReason = reason
	}

	list := a.active[t.alert.PatientID]
	list = slices.DeleteFunc(list, func(x *tracked) bool { return x == t })
	if len(list) == 0 {
		delete(a.active, t.alert.PatientID)
	} else {
		a.active[t.alert.PatientID] = list
	}
}

// Acknowledge marks an alert as handled by userID and retires it from the
// active set. Acknowledging twice returns the first acknowledgment unchanged.
func (a *Aggregator) Acknowledge(alertID, userID string) (models.Alert, error) {
	a.mu.RLock()
	t, ok := a.alerts[alertID]
	var patientID string
	if ok {
		patientID = t.alert.PatientID
	}
	a.mu.RUnlock()
	if !ok {
		return models.Alert{}, &models.NotFoundError{AlertID: alertID}
	}

	st := a.patients.get(patientID)
	st.mu.Lock()
	defer st.mu.Unlock()

	a.mu.Lock()
	if t.alert.Acknowledged {
		snapshot := t.alert
		a.mu.Unlock()
		return snapshot, nil
	}

	now := a.now()
	t.alert.Acknowledged = true
	t.alert.AcknowledgedBy = userID
	t.alert.AcknowledgedAt = &now
	t.alert.UpdatedAt = now
	if t.active {
		a.retireLocked(t, now, models.CloseReasonAcknowledged)
	}
	snapshot := t.alert
	a.mu.Unlock()

	a.logger().Info("Alert acknowledged",
		zap.String("alert_id", alertID),
		zap.String("patient_id", patientID),
		zap.String("user_id", userID))

	a.record(snapshot)
	if a.notifier != nil {
		a.notifier.NotifyAlert(models.AlertEvent{Type: models.EventAcknowledged, Alert: snapshot})
	}
	return snapshot, nil
}

// Get returns any alert still addressable by id.
func (a *Aggregator) Get(alertID string) (models.Alert, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	t, ok := a.alerts[alertID]
	if !ok {
		return models.Alert{}, &models.NotFoundError{AlertID: alertID}
	}
	return t.alert, nil
}

// ListActive returns active alerts, most recent first. An empty patientID
// lists every patient; a limit of zero or less means no limit.
func (a *Aggregator) ListActive(patientID string, limit int) []models.Alert {
	a.mu.RLock()
	var picked []*tracked
	if patientID != "" {
		picked = slices.Clone(a.active[patientID])
	} else {
		for _, list := range a.active {
			picked = append(picked, list...)
		}
	}

	slices.SortFunc(picked, func(x, y *tracked) int {
		if c := y.alert.CreatedAt.Compare(x.alert.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(y.seq, x.seq)
	})
	if limit > 0 && len(picked) > limit {
		picked = picked[:limit]
	}

	out := common.Mapper(picked, func(t *tracked) models.Alert { return t.alert })
	a.mu.RUnlock()
	return out
}

// Prune expires unacknowledged alerts older than the retention window and
// forgets retired alerts older than ClosedTTL. It returns how many alerts
// were expired.
func (a *Aggregator) Prune(now time.Time) int {
	type candidate struct {
		t         *tracked
		patientID string
	}

	var expire []candidate
	a.mu.Lock()
	for id, t := range a.alerts {
		switch {
		case t.active && a.policy.Retention > 0 && now.Sub(t.alert.CreatedAt) >= a.policy.Retention:
			expire = append(expire, candidate{t: t, patientID: t.alert.PatientID})
		case !t.active && t.alert.ClosedAt != nil && now.Sub(*t.alert.ClosedAt) >= a.policy.ClosedTTL:
			delete(a.alerts, id)
		}
	}
	a.mu.Unlock()

	expired := 0
	for _, c := range expire {
		st := a.patients.get(c.patientID)
		st.mu.Lock()
		a.mu.Lock()
		if !c.t.active {
			a.mu.Unlock()
			st.mu.Unlock()
			continue
		}
		a.retireLocked(c.t, now, models.CloseReasonExpired)
		snapshot := c.t.alert
		a.mu.Unlock()
		if st.open == c.t {
			st.open = nil
			st.normalStreak = 0
		}
		st.mu.Unlock()

		expired++
		a.record(snapshot)
	}
	return expired
}

func (a *Aggregator) record(alert models.Alert) {
	if a.sink == nil {
		return
	}
	a.sinkWg.Add(1)
	go func() {
		defer a.sinkWg.Done()
		if err := a.sink.Record(alert); err != nil {
			a.logger().Error("Failed to record alert history",
				zap.String("alert_id", alert.ID),
				zap.String("patient_id", alert.PatientID),
				zap.Error(err))
		}
	}()
}

// Flush waits for pending history writes.
func (a *Aggregator) Flush() {
	a.sinkWg.Wait()
}

func title(t models.Tier) string {
	switch t {
	case models.TierCritical:
		return "Critical vital signs"
	case models.TierWarning:
		return "Abnormal vital signs"
	}
	return "Vital signs"
}

func describe(reading models.VitalReading, cls classifier.Classification) string {
	var parts []string
	for _, vital := range models.Vitals {
		tier := cls.Tier(vital)
		value := reading.Value(vital)
		if tier == models.TierNormal || math.IsNaN(value) {
			continue
		}
		parts = append(parts, fmt.Sprintf("%s %s (%s)", vital, strconv.FormatFloat(value, 'f', -1, 64), tier))
	}
	return strings.Join(parts, ", ")
}
