package aggregator

import (
	"sync"
	"time"

	"liyu1981.xyz/vitals-alert-service/pkg/models"
)

// tracked is an alert owned by the aggregator. Fields are written with both
// the patient lock and Aggregator.mu held.
type tracked struct {
	alert  models.Alert
	seq    uint64
	active bool
}

// patientState is the per-patient alert state. mu serializes every writer
// for the patient.
type patientState struct {
	mu sync.Mutex

	open         *tracked
	lastTier     models.Tier
	normalStreak int
	lastEmit     time.Time
	lastEmitMono time.Time
}

// patientStore manages per-patient state: patient_id -> state
type patientStore struct {
	states map[string]*patientState
	mu     sync.Mutex
}

func newPatientStore() *patientStore {
	return &patientStore{states: make(map[string]*patientState)}
}

func (s *patientStore) get(patientID string) *patientState {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, exists := s.states[patientID]
	if !exists {
		st = &patientState{}
		s.states[patientID] = st
	}
	return st
}
