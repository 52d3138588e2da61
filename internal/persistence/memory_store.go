package persistence

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/petrijr/drip/pkg/api"
)

type versionKey struct {
	id      string
	version int
}

type pairKey struct {
	campaign string
	customer string
}

type stepKey struct {
	instance string
	step     string
}

type lockEntry struct {
	owner   string
	expires time.Time
}

// InMemoryStore implements every store interface in process memory. It is
// intended for tests and single-process development.
type InMemoryStore struct {
	mu sync.RWMutex

	definitions map[versionKey]api.WorkflowDefinition
	segments    map[versionKey]api.Segment
	campaigns   map[string]*api.Campaign

	instances map[string]*api.WorkflowInstance
	live      map[pairKey]string
	entered   map[pairKey]bool

	traits map[string]map[string]api.Trait
	events map[string][]api.Event

	ledger      map[string]api.DeliveryResult
	assignments map[stepKey]string
	locks       map[string]lockEntry
	history     map[string][]api.HistoryEvent

	now func() time.Time
}

var (
	_ CatalogStore    = (*InMemoryStore)(nil)
	_ InstanceStore   = (*InMemoryStore)(nil)
	_ TraitStore      = (*InMemoryStore)(nil)
	_ EventLog        = (*InMemoryStore)(nil)
	_ LedgerStore     = (*InMemoryStore)(nil)
	_ AssignmentStore = (*InMemoryStore)(nil)
	_ LockStore       = (*InMemoryStore)(nil)
	_ HistoryStore    = (*InMemoryStore)(nil)
)

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		definitions: make(map[versionKey]api.WorkflowDefinition),
		segments:    make(map[versionKey]api.Segment),
		campaigns:   make(map[string]*api.Campaign),
		instances:   make(map[string]*api.WorkflowInstance),
		live:        make(map[pairKey]string),
		entered:     make(map[pairKey]bool),
		traits:      make(map[string]map[string]api.Trait),
		events:      make(map[string][]api.Event),
		ledger:      make(map[string]api.DeliveryResult),
		assignments: make(map[stepKey]string),
		locks:       make(map[string]lockEntry),
		history:     make(map[string][]api.HistoryEvent),
		now:         time.Now,
	}
}

// SetNow overrides the wall clock used for lock expiry.
func (s *InMemoryStore) SetNow(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// Catalog.

func (s *InMemoryStore) SaveDefinition(_ context.Context, def api.WorkflowDefinition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := versionKey{def.ID, def.Version}
	if _, ok := s.definitions[k]; ok {
		return ErrVersionExists
	}
	s.definitions[k] = def
	return nil
}

func (s *InMemoryStore) GetDefinition(_ context.Context, id string, version int) (api.WorkflowDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	def, ok := s.definitions[versionKey{id, version}]
	if !ok {
		return api.WorkflowDefinition{}, ErrDefinitionNotFound
	}
	return def, nil
}

func (s *InMemoryStore) LatestDefinitionVersion(_ context.Context, id string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	latest := 0
	for k := range s.definitions {
		if k.id == id && k.version > latest {
			latest = k.version
		}
	}
	return latest, nil
}

func (s *InMemoryStore) SaveSegment(_ context.Context, seg api.Segment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := versionKey{seg.ID, seg.Version}
	if _, ok := s.segments[k]; ok {
		return ErrVersionExists
	}
	s.segments[k] = seg
	return nil
}

func (s *InMemoryStore) GetSegment(_ context.Context, id string, version int) (api.Segment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seg, ok := s.segments[versionKey{id, version}]
	if !ok {
		return api.Segment{}, ErrSegmentNotFound
	}
	return seg, nil
}

func (s *InMemoryStore) LatestSegmentVersion(_ context.Context, id string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	latest := 0
	for k := range s.segments {
		if k.id == id && k.version > latest {
			latest = k.version
		}
	}
	return latest, nil
}

func (s *InMemoryStore) SaveCampaign(_ context.Context, c *api.Campaign) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.campaigns[c.ID]; ok {
		return ErrVersionExists
	}
	cp := *c
	s.campaigns[c.ID] = &cp
	return nil
}

func (s *InMemoryStore) UpdateCampaign(_ context.Context, c *api.Campaign) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.campaigns[c.ID]; !ok {
		return ErrCampaignNotFound
	}
	cp := *c
	s.campaigns[c.ID] = &cp
	return nil
}

func (s *InMemoryStore) GetCampaign(_ context.Context, id string) (*api.Campaign, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.campaigns[id]
	if !ok {
		return nil, ErrCampaignNotFound
	}
	cp := *c
	return &cp, nil
}

func (s *InMemoryStore) ListCampaigns(_ context.Context) ([]*api.Campaign, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*api.Campaign, 0, len(s.campaigns))
	for _, c := range s.campaigns {
		cp := *c
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// Instances.

func isLive(st api.Status) bool { return st == api.StatusActive || st == api.StatusWaiting }

func (s *InMemoryStore) CreateInstance(_ context.Context, inst *api.WorkflowInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.instances[inst.ID]; ok {
		return ErrDuplicateInstance
	}
	k := pairKey{inst.CampaignID, inst.CustomerID}
	if isLive(inst.Status) {
		if _, ok := s.live[k]; ok {
			return ErrDuplicateInstance
		}
		s.live[k] = inst.ID
	}
	s.entered[k] = true
	s.instances[inst.ID] = inst.Clone()
	return nil
}

func (s *InMemoryStore) UpdateInstance(_ context.Context, inst *api.WorkflowInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.instances[inst.ID]; !ok {
		return ErrInstanceNotFound
	}
	k := pairKey{inst.CampaignID, inst.CustomerID}
	if !isLive(inst.Status) && s.live[k] == inst.ID {
		delete(s.live, k)
	}
	s.instances[inst.ID] = inst.Clone()
	return nil
}

func (s *InMemoryStore) GetInstance(_ context.Context, id string) (*api.WorkflowInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inst, ok := s.instances[id]
	if !ok {
		return nil, ErrInstanceNotFound
	}
	return inst.Clone(), nil
}

func (s *InMemoryStore) FindLive(_ context.Context, campaignID, customerID string) (*api.WorkflowInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.live[pairKey{campaignID, customerID}]
	if !ok {
		return nil, ErrInstanceNotFound
	}
	return s.instances[id].Clone(), nil
}

func (s *InMemoryStore) HasInstance(_ context.Context, campaignID, customerID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.entered[pairKey{campaignID, customerID}], nil
}

func matches(f api.InstanceFilter, inst *api.WorkflowInstance) bool {
	if f.CampaignID != "" && inst.CampaignID != f.CampaignID {
		return false
	}
	if f.CustomerID != "" && inst.CustomerID != f.CustomerID {
		return false
	}
	if f.Status != "" && inst.Status != f.Status {
		return false
	}
	if f.Live && !isLive(inst.Status) {
		return false
	}
	return true
}

func (s *InMemoryStore) ListInstances(_ context.Context, filter api.InstanceFilter) ([]*api.WorkflowInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*api.WorkflowInstance
	for _, inst := range s.instances {
		if matches(filter, inst) {
			out = append(out, inst.Clone())
		}
	}
	sortInstances(out)
	return out, nil
}

func sortInstances(out []*api.WorkflowInstance) {
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
}

func (s *InMemoryStore) Summarize(_ context.Context, campaignID string) (InstanceSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sum := InstanceSummary{ByStatus: make(map[api.Status]int)}
	for _, inst := range s.instances {
		if inst.CampaignID != campaignID {
			continue
		}
		sum.ByStatus[inst.Status]++
		sum.Deliveries += inst.Deliveries
	}
	return sum, nil
}

// Traits.

func (s *InMemoryStore) UpsertTraits(_ context.Context, customerID string, values map[string]api.Value, asOf time.Time) (UpsertResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	asOf = asOf.UTC()
	profile, ok := s.traits[customerID]
	if !ok {
		profile = make(map[string]api.Trait)
		s.traits[customerID] = profile
	}
	var res UpsertResult
	for _, name := range sortedNames(values) {
		if cur, ok := profile[name]; ok && cur.AsOf.After(asOf) {
			res.Stale = append(res.Stale, name)
			continue
		}
		profile[name] = api.Trait{Name: name, Value: values[name], AsOf: asOf}
		res.Applied = append(res.Applied, name)
	}
	return res, nil
}

func sortedNames(values map[string]api.Value) []string {
	names := make([]string, 0, len(values))
	for k := range values {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

func (s *InMemoryStore) GetTraits(_ context.Context, customerID string) (api.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := api.Snapshot{CustomerID: customerID, Traits: make(map[string]api.Trait)}
	for name, t := range s.traits[customerID] {
		snap.Traits[name] = t
		if t.AsOf.After(snap.AsOf) {
			snap.AsOf = t.AsOf
		}
	}
	return snap, nil
}

func (s *InMemoryStore) ListCustomers(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := make(map[string]bool, len(s.traits)+len(s.events))
	for id := range s.traits {
		seen[id] = true
	}
	for id := range s.events {
		seen[id] = true
	}
	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

// Events.

func (s *InMemoryStore) AppendEvent(_ context.Context, ev api.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.events[ev.CustomerID]
	if ev.ID != "" {
		for _, e := range list {
			if e.ID == ev.ID {
				return nil
			}
		}
	}
	s.events[ev.CustomerID] = append(list, ev)
	return nil
}

func (s *InMemoryStore) ListEvents(_ context.Context, customerID string) ([]api.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := append([]api.Event(nil), s.events[customerID]...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

// Ledger.

func (s *InMemoryStore) LookupDelivery(_ context.Context, token string) (api.DeliveryResult, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	res, ok := s.ledger[token]
	return res, ok, nil
}

func (s *InMemoryStore) RecordDelivery(_ context.Context, token string, res api.DeliveryResult) (api.DeliveryResult, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.ledger[token]; ok {
		return cur, false, nil
	}
	s.ledger[token] = res
	return res, true, nil
}

// Assignments.

func (s *InMemoryStore) GetAssignment(_ context.Context, instanceID, stepID string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	label, ok := s.assignments[stepKey{instanceID, stepID}]
	return label, ok, nil
}

func (s *InMemoryStore) SaveAssignment(_ context.Context, instanceID, stepID, label string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := stepKey{instanceID, stepID}
	if cur, ok := s.assignments[k]; ok {
		return cur, nil
	}
	s.assignments[k] = label
	return label, nil
}

// Locks.

func (s *InMemoryStore) TryAcquire(_ context.Context, key, owner string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	cur, ok := s.locks[key]
	if ok && cur.owner != owner && now.Before(cur.expires) {
		return false, nil
	}
	s.locks[key] = lockEntry{owner: owner, expires: now.Add(ttl)}
	return true, nil
}

func (s *InMemoryStore) Release(_ context.Context, key, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.locks[key]; ok && cur.owner == owner {
		delete(s.locks, key)
	}
	return nil
}

// History.

func (s *InMemoryStore) AppendHistory(_ context.Context, ev api.HistoryEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history[ev.InstanceID] = append(s.history[ev.InstanceID], ev)
	return nil
}

func (s *InMemoryStore) ListHistory(_ context.Context, instanceID string) ([]api.HistoryEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]api.HistoryEvent(nil), s.history[instanceID]...), nil
}
