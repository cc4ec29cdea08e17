package registry

import (
	"fmt"
	"slices"
	"strings"
	"sync"

	"go.uber.org/zap"
	"liyu1981.xyz/vitals-alert-service/pkg/common"
	"liyu1981.xyz/vitals-alert-service/pkg/models"
)

const allCriticalName = "all-critical"

// Target is either one patient or the all-critical wildcard.
type Target struct {
	PatientID   string `json:"patient_id,omitempty"`
	AllCritical bool   `json:"all_critical,omitempty"`
}

func PatientTarget(patientID string) Target {
	return Target{PatientID: patientID}
}

var AllCriticalTarget = Target{AllCritical: true}

func (t Target) Validate() error {
	switch {
	case t.AllCritical && t.PatientID != "":
		return fmt.Errorf("%w: both patient and wildcard set", ErrInvalidTarget)
	case !t.AllCritical && strings.TrimSpace(t.PatientID) == "":
		return fmt.Errorf("%w: empty patient id", ErrInvalidTarget)
	}
	return nil
}

func (t Target) String() string {
	if t.AllCritical {
		return allCriticalName
	}
	return "patient:" + t.PatientID
}

type client struct {
	role    models.Role
	targets map[Target]struct{}
}

// Registry maps connected clients to their interests. Dispatch reads far
// outnumber lifecycle writes, so reads share the lock.
type Registry struct {
	mu        sync.RWMutex
	clients   map[string]*client
	byPatient map[string]map[string]struct{}
	wildcard  map[string]struct{}
}

func New() *Registry {
	return &Registry{
		clients:   make(map[string]*client),
		byPatient: make(map[string]map[string]struct{}),
		wildcard:  make(map[string]struct{}),
	}
}

func (r *Registry) logger() *zap.Logger {
	return common.GetLoggerWith(
		common.LoggerNameRealtimeHub,
		zap.String(common.LoggerFieldCategory, common.LoggerCategorySubscription),
	)
}

// Register records a connected client. Registering again keeps the client's
// subscriptions and only updates its role.
func (r *Registry) Register(clientID string, role models.Role) error {
	if !role.Valid() {
		return fmt.Errorf("register client %q: unknown role %q", clientID, role)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if c, ok := r.clients[clientID]; ok {
		c.role = role
		return nil
	}
	r.clients[clientID] = &client{role: role, targets: make(map[Target]struct{})}
	return nil
}

func (r *Registry) Subscribe(clientID string, target Target) error {
	if err := target.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.clients[clientID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownClient, clientID)
	}
	if target.AllCritical && !mayHoldWildcard(c.role) {
		return fmt.Errorf("%w: %s", ErrWildcardNotAllowed, c.role)
	}

	c.targets[target] = struct{}{}
	if target.AllCritical {
		r.wildcard[clientID] = struct{}{}
	} else {
		subs, ok := r.byPatient[target.PatientID]
		if !ok {
			subs = make(map[string]struct{})
			r.byPatient[target.PatientID] = subs
		}
		subs[clientID] = struct{}{}
	}

	r.logger().Debug("Subscribed",
		zap.String("client_id", clientID),
		zap.String("target", target.String()))
	return nil
}

// Unsubscribe removes one interest. Removing an interest the client does not
// hold is not an error.
func (r *Registry) Unsubscribe(clientID string, target Target) error {
	if err := target.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.clients[clientID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownClient, clientID)
	}
	r.dropLocked(clientID, c, target)
	return nil
}

func (r *Registry) dropLocked(clientID string, c *client, target Target) {
	delete(c.targets, target)
	if target.AllCritical {
		delete(r.wildcard, clientID)
		return
	}
	if subs, ok := r.byPatient[target.PatientID]; ok {
		delete(subs, clientID)
		if len(subs) == 0 {
			delete(r.byPatient, target.PatientID)
		}
	}
}

// OnDisconnect forgets the client and every subscription it held.
func (r *Registry) OnDisconnect(clientID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.clients[clientID]
	if !ok {
		return
	}
	for target := range c.targets {
		r.dropLocked(clientID, c, target)
	}
	delete(r.clients, clientID)

	r.logger().Debug("Subscriptions dropped", zap.String("client_id", clientID))
}

// Subscriptions returns the client's targets, wildcard first then by patient.
func (r *Registry) Subscriptions(clientID string) []Target {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.clients[clientID]
	if !ok {
		return nil
	}
	targets := make([]Target, 0, len(c.targets))
	for target := range c.targets {
		targets = append(targets, target)
	}
	slices.SortFunc(targets, func(a, b Target) int {
		if a.AllCritical != b.AllCritical {
			if a.AllCritical {
				return -1
			}
			return 1
		}
		return strings.Compare(a.PatientID, b.PatientID)
	})
	return targets
}

// Resolve returns the sorted ids of clients that should receive alert.
func (r *Registry) Resolve(alert models.Alert) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	set := make(map[string]struct{})
	for clientID := range r.byPatient[alert.PatientID] {
		set[clientID] = struct{}{}
	}
	if alert.Level == models.TierCritical {
		for clientID := range r.wildcard {
			set[clientID] = struct{}{}
		}
		for clientID, c := range r.clients {
			if receivesAllCritical(c.role) {
				set[clientID] = struct{}{}
			}
		}
	}

	ids := make([]string, 0, len(set))
	for clientID := range set {
		ids = append(ids, clientID)
	}
	slices.Sort(ids)
	return ids
}

// Clients returns the sorted ids of every registered client.
func (r *Registry) Clients() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.clients))
	for clientID := range r.clients {
		ids = append(ids, clientID)
	}
	slices.Sort(ids)
	return ids
}

func receivesAllCritical(role models.Role) bool {
	switch role {
	case models.RoleDoctor:
		return true
	case models.RoleFamily, models.RoleAdmin:
		return false
	}
	panic(fmt.Sprintf("registry: unhandled role %q", role))
}

func mayHoldWildcard(role models.Role) bool {
	switch role {
	case models.RoleDoctor, models.RoleAdmin:
		return true
	case models.RoleFamily:
		return false
	}
	panic(fmt.Sprintf("registry: unhandled role %q", role))
}
