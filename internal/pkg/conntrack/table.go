package conntrack

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/endorses/rtsphelper/internal/pkg/constants"
	"github.com/endorses/rtsphelper/internal/pkg/logger"
	"github.com/google/uuid"
)

var (
	// ErrTableFull is returned when no further expectation can be allocated
	ErrTableFull = errors.New("expectation table full")
	// ErrExpectationClash is returned when another master already expects the same flow
	ErrExpectationClash = errors.New("expectation clashes with another master")
	// ErrNoMaster is returned for expectations without a master connection
	ErrNoMaster = errors.New("expectation has no master connection")
	// ErrNotAllocated is returned when registering an expectation twice or after release
	ErrNotAllocated = errors.New("expectation was not allocated from this table")
)

// Policy bounds the expectations the table admits
type Policy struct {
	// MaxExpected is the number of pending expectations per master. Registering
	// one more evicts the oldest.
	MaxExpected int
	// Timeout is how long an expectation stays pending
	Timeout time.Duration
	// MaxTotal caps allocated plus pending expectations across all masters
	MaxTotal int
	// ConnTimeout expires idle connections
	ConnTimeout time.Duration
}

// DefaultPolicy returns the policy used when none is configured
func DefaultPolicy() Policy {
	return Policy{
		MaxExpected: constants.DefaultMaxOutstanding,
		Timeout:     constants.DefaultSetupTimeout,
		MaxTotal:    constants.DefaultMaxExpectations,
		ConnTimeout: constants.DefaultConnTimeout,
	}
}

// Stats is a snapshot of the table size
type Stats struct {
	Connections  int    `yaml:"connections"`
	Expectations int    `yaml:"expectations"`
	Realized     uint64 `yaml:"realized"`
	Evicted      uint64 `yaml:"evicted"`
	TimedOut     uint64 `yaml:"timed_out"`
}

// Table tracks connections and their expectations. Expectations and related
// flows are indexed by master so that a helper can cancel a whole session in
// time proportional to its size.
type Table struct {
	mu     sync.RWMutex
	policy Policy
	now    func() time.Time

	conns        map[Tuple]*Conn
	expectations map[uuid.UUID]*Expectation
	byKey        map[expectKey]uuid.UUID
	byMaster     map[*Conn]map[uuid.UUID]struct{}
	related      map[*Conn]map[*Conn]struct{}
	allocated    int

	realized uint64
	evicted  uint64
	timedOut uint64
}

// Option configures a Table
type Option func(*Table)

// WithClock replaces time.Now, for tests and offline replay
func WithClock(now func() time.Time) Option {
	return func(t *Table) {
		t.now = now
	}
}

// NewTable creates an empty table enforcing policy
func NewTable(policy Policy, opts ...Option) *Table {
	def := DefaultPolicy()
	if policy.MaxExpected <= 0 {
		policy.MaxExpected = def.MaxExpected
	}
	if policy.Timeout <= 0 {
		policy.Timeout = def.Timeout
	}
	if policy.MaxTotal <= 0 {
		policy.MaxTotal = def.MaxTotal
	}
	if policy.ConnTimeout <= 0 {
		policy.ConnTimeout = def.ConnTimeout
	}

	t := &Table{
		policy:       policy,
		now:          time.Now,
		conns:        make(map[Tuple]*Conn),
		expectations: make(map[uuid.UUID]*Expectation),
		byKey:        make(map[expectKey]uuid.UUID),
		byMaster:     make(map[*Conn]map[uuid.UUID]struct{}),
		related:      make(map[*Conn]map[*Conn]struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Policy returns the admission policy in force
func (t *Table) Policy() Policy {
	return t.policy
}

// Track classifies the first packet of tuple tup. Unknown tuples either
// realize a matching expectation, creating a related connection, or start a
// new one. created reports whether a connection was created by this call.
func (t *Table) Track(tup Tuple) (ct *Conn, info CtInfo, created bool) {
	now := t.now()

	t.mu.Lock()
	if c, ok := t.conns[tup]; ok {
		t.mu.Unlock()
		dir := DirOriginal
		if c.tuples[DirReply] == tup && c.tuples[DirOriginal] != tup {
			dir = DirReply
		}
		both := c.observe(dir)
		c.refresh(now, t.policy.ConnTimeout)
		return c, classifyPacket(c, dir, both), false
	}

	var exp *Expectation
	for _, e := range t.expectations {
		// Timed out but not yet swept
		if !e.Expires.After(now) {
			continue
		}
		if e.Matches(tup) && (exp == nil || e.Created.Before(exp.Created)) {
			exp = e
		}
	}

	var master *Conn
	if exp != nil {
		master = exp.Master
		t.removeExpectationLocked(exp)
		t.realized++
	}
	c := newConn(tup, master, now, t.policy.ConnTimeout)
	c.observe(DirOriginal)
	t.insertConnLocked(c)
	t.mu.Unlock()

	if exp != nil {
		logger.Debug("Expectation realized",
			"expectation", exp.String(),
			"flow", tup.String())
		if exp.OnRealized != nil {
			exp.OnRealized(c, exp)
		}
		return c, CtRelated, true
	}
	return c, CtNew, true
}

func classifyPacket(c *Conn, dir Direction, established bool) CtInfo {
	switch {
	case c.master != nil && dir == DirReply:
		return CtRelatedReply
	case c.master != nil:
		return CtRelated
	case !established:
		return CtNew
	case dir == DirReply:
		return CtEstablishedReply
	default:
		return CtEstablished
	}
}

func (t *Table) insertConnLocked(c *Conn) {
	t.conns[c.tuples[DirOriginal]] = c
	t.conns[c.tuples[DirReply]] = c
	if c.master != nil {
		set, ok := t.related[c.master]
		if !ok {
			set = make(map[*Conn]struct{})
			t.related[c.master] = set
		}
		set[c] = struct{}{}
	}
}

func (t *Table) removeConnLocked(c *Conn) {
	for _, tup := range c.tuples {
		if t.conns[tup] == c {
			delete(t.conns, tup)
		}
	}
	if c.master != nil {
		if set, ok := t.related[c.master]; ok {
			delete(set, c)
			if len(set) == 0 {
				delete(t.related, c.master)
			}
		}
	}
	for id := range t.byMaster[c] {
		if e, ok := t.expectations[id]; ok {
			t.removeExpectationLocked(e)
		}
	}
}

// Lookup returns the connection carrying tuple tup in either direction
func (t *Table) Lookup(tup Tuple) (*Conn, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	c, ok := t.conns[tup]
	return c, ok
}

// AllocExpectation reserves an expectation slot for master. The caller must
// either register it or release it.
func (t *Table) AllocExpectation(master *Conn) (*Expectation, error) {
	if master == nil {
		return nil, ErrNoMaster
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.expectations)+t.allocated >= t.policy.MaxTotal {
		return nil, fmt.Errorf("allocate expectation (%d pending, %d allocated): %w",
			len(t.expectations), t.allocated, ErrTableFull)
	}
	t.allocated++
	return &Expectation{
		ID:     uuid.New(),
		Master: master,
	}, nil
}

// RegisterExpectation makes exp pending. An identical expectation of the same
// master is replaced; one of another master is a clash. When the master is at
// its MaxExpected limit the oldest of its expectations is evicted.
func (t *Table) RegisterExpectation(exp *Expectation) error {
	if exp.Master == nil {
		return ErrNoMaster
	}

	now := t.now()

	t.mu.Lock()
	defer t.mu.Unlock()

	if exp.ID == uuid.Nil || exp.registered || exp.released {
		return ErrNotAllocated
	}

	key := exp.key()
	if id, ok := t.byKey[key]; ok {
		old := t.expectations[id]
		if old.Master != exp.Master {
			return fmt.Errorf("register %s: %w", exp, ErrExpectationClash)
		}
		t.removeExpectationLocked(old)
	}

	if ids := t.byMaster[exp.Master]; len(ids) >= t.policy.MaxExpected {
		if oldest := t.oldestLocked(ids); oldest != nil {
			logger.Debug("Evicting oldest expectation",
				"expectation", oldest.String(),
				"max_expected", t.policy.MaxExpected)
			t.removeExpectationLocked(oldest)
			t.evicted++
		}
	}

	exp.Created = now
	exp.Expires = now.Add(t.policy.Timeout)
	exp.registered = true
	t.allocated--

	t.expectations[exp.ID] = exp
	t.byKey[key] = exp.ID
	set, ok := t.byMaster[exp.Master]
	if !ok {
		set = make(map[uuid.UUID]struct{})
		t.byMaster[exp.Master] = set
	}
	set[exp.ID] = struct{}{}
	return nil
}

func (t *Table) oldestLocked(ids map[uuid.UUID]struct{}) *Expectation {
	var oldest *Expectation
	for id := range ids {
		e := t.expectations[id]
		if oldest == nil || e.Created.Before(oldest.Created) {
			oldest = e
		}
	}
	return oldest
}

// ReleaseExpectation gives back the allocation of an expectation that was
// never registered. Releasing a registered expectation is a no-op.
func (t *Table) ReleaseExpectation(exp *Expectation) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if exp.registered || exp.released {
		return
	}
	exp.released = true
	t.allocated--
}

// UnregisterExpectation cancels one pending expectation
func (t *Table) UnregisterExpectation(exp *Expectation) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if e, ok := t.expectations[exp.ID]; ok && e == exp {
		t.removeExpectationLocked(e)
	}
}

func (t *Table) removeExpectationLocked(e *Expectation) {
	delete(t.expectations, e.ID)
	if t.byKey[e.key()] == e.ID {
		delete(t.byKey, e.key())
	}
	if set, ok := t.byMaster[e.Master]; ok {
		delete(set, e.ID)
		if len(set) == 0 {
			delete(t.byMaster, e.Master)
		}
	}
}

// RemoveExpectations cancels every pending expectation of master and returns
// how many were removed
func (t *Table) RemoveExpectations(master *Conn) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := 0
	for id := range t.byMaster[master] {
		if e, ok := t.expectations[id]; ok {
			t.removeExpectationLocked(e)
			n++
		}
	}
	return n
}

// ExpireRelated schedules every realized flow of master for immediate expiry
// and returns how many were marked. The flows are removed by the next GC.
func (t *Table) ExpireRelated(master *Conn) int {
	now := t.now()

	t.mu.RLock()
	defer t.mu.RUnlock()

	for c := range t.related[master] {
		c.expireAt(now)
	}
	return len(t.related[master])
}

// Expectations returns the pending expectations of master, oldest first
func (t *Table) Expectations(master *Conn) []*Expectation {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]*Expectation, 0, len(t.byMaster[master]))
	for id := range t.byMaster[master] {
		out = append(out, t.expectations[id])
	}
	sortExpectations(out)
	return out
}

// AllExpectations returns every pending expectation, oldest first
func (t *Table) AllExpectations() []*Expectation {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]*Expectation, 0, len(t.expectations))
	for _, e := range t.expectations {
		out = append(out, e)
	}
	sortExpectations(out)
	return out
}

func sortExpectations(exps []*Expectation) {
	sort.Slice(exps, func(i, j int) bool {
		if exps[i].Created.Equal(exps[j].Created) {
			return exps[i].ID.String() < exps[j].ID.String()
		}
		return exps[i].Created.Before(exps[j].Created)
	})
}

// Related returns the realized flows of master
func (t *Table) Related(master *Conn) []*Conn {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]*Conn, 0, len(t.related[master]))
	for c := range t.related[master] {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].created.Before(out[j].created)
	})
	return out
}

// GC removes expectations and connections that expired at or before now and
// returns how many of each were removed
func (t *Table) GC(now time.Time) (expectations, conns int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, e := range t.expectations {
		if !e.Expires.After(now) {
			t.removeExpectationLocked(e)
			t.timedOut++
			expectations++
		}
	}

	seen := make(map[*Conn]struct{}, len(t.conns)/2)
	for _, c := range t.conns {
		if _, ok := seen[c]; ok {
			continue
		}
		seen[c] = struct{}{}
		if !c.Expires().After(now) {
			t.removeConnLocked(c)
			conns++
		}
	}
	return expectations, conns
}

// Janitor sweeps expired entries every interval until ctx is done
func (t *Table) Janitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = constants.DefaultJanitorInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			exps, conns := t.GC(t.now())
			if exps > 0 || conns > 0 {
				logger.Debug("Conntrack janitor sweep",
					"expectations_removed", exps,
					"connections_removed", conns)
			}
		case <-ctx.Done():
			return
		}
	}
}

// Stats returns a snapshot of the table
func (t *Table) Stats() Stats {
	t.mu.RLock()
	defer t.mu.RUnlock()

	conns := make(map[*Conn]struct{}, len(t.conns)/2)
	for _, c := range t.conns {
		conns[c] = struct{}{}
	}
	return Stats{
		Connections:  len(conns),
		Expectations: len(t.expectations),
		Realized:     t.realized,
		Evicted:      t.evicted,
		TimedOut:     t.timedOut,
	}
}
