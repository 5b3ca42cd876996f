// Package sessionpool implements the bounded, rotating identity pool
// described in spec.md §4.6: create-until-maxPoolSize, then weighted/random
// pick-and-retry-on-unusable, with persisted state and a sessionRetired
// event. Structurally it replaces the teacher's session.SessionManager
// (deleted: it held int-keyed sessions behind one sync.RWMutex and created
// them in parallel via a proxy.ProxyManager) with the serialized
// creation-or-pick contract spec.md §4.6 requires, and keeps the read-mostly
// session index that getSession's random pick scans in a map guarded by a
// sync.RWMutex.
package sessionpool

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"sync"

	"github.com/crawlee-go/crawlee/config"
	"github.com/crawlee-go/crawlee/events"
	"github.com/crawlee-go/crawlee/internal/xlog"
	"github.com/crawlee-go/crawlee/session"
	"github.com/crawlee-go/crawlee/storage"
)

// CreateSessionFunc constructs a new Session. The pool always supplies the
// retire callback itself; implementations only need to pick Options.
type CreateSessionFunc func() session.Options

// Pool is the bounded rotating set of Sessions spec.md §4.6 describes.
type Pool struct {
	collection string
	store      storage.Client
	cfg        config.SessionPoolConfig
	evt        *events.Manager
	log        *xlog.Logger
	createOpts CreateSessionFunc

	// getMu serializes getSession (spec.md §4.6's concurrency contract: "at
	// most one creation-or-pick happens at a time").
	getMu sync.Mutex

	mu       sync.RWMutex
	byID     map[string]*session.Session
	order    []string // insertion order, for deterministic random-pick indexing
	retired  int
	persistSub events.Subscription
}

// New constructs a Pool. createOpts may be nil to use zero-value
// session.Options (the spec.md §3 defaults) for every created Session.
func New(collection string, store storage.Client, cfg config.SessionPoolConfig, evt *events.Manager, log *xlog.Logger, createOpts CreateSessionFunc) *Pool {
	if createOpts == nil {
		createOpts = func() session.Options { return session.Options{} }
	}
	p := &Pool{
		collection: collection,
		store:      store,
		cfg:        cfg,
		evt:        evt,
		log:        log,
		createOpts: createOpts,
		byID:       make(map[string]*session.Session),
	}
	if evt != nil {
		p.persistSub = evt.On(events.PersistState, func(events.Event) {
			if err := p.PersistState(context.Background()); err != nil && p.log != nil {
				p.log.Errorf("sessionpool: persist on PERSIST_STATE event: %v", err)
			}
		})
	}
	return p
}

func (p *Pool) maxPoolSize() int {
	if p.cfg.MaxPoolSize > 0 {
		return p.cfg.MaxPoolSize
	}
	return 1000
}

func (p *Pool) sessionOptions() session.Options {
	opts := p.createOpts()
	if opts.MaxErrorScore == 0 {
		opts.MaxErrorScore = p.cfg.MaxErrorScore
	}
	if opts.ErrorScoreDecrement == 0 {
		opts.ErrorScoreDecrement = p.cfg.ErrorScoreDecrement
	}
	if opts.MaxUsageCount == 0 {
		opts.MaxUsageCount = p.cfg.MaxUsageCount
	}
	if opts.MaxAge == 0 {
		opts.MaxAge = p.cfg.MaxAge
	}
	return opts
}

// persistStateKey returns the configured KVS key, defaulting per spec.md
// §4.6 to "SESSION_POOL_STATE".
func (p *Pool) persistStateKey() string {
	if p.cfg.PersistStateKey != "" {
		return p.cfg.PersistStateKey
	}
	return "SESSION_POOL_STATE"
}

// onRetire is supplied to every Session the pool creates; it fires
// sessionRetired and removes the session from the live index so it is never
// returned again.
func (p *Pool) onRetire(s *session.Session) {
	p.mu.Lock()
	if _, ok := p.byID[s.ID()]; ok {
		delete(p.byID, s.ID())
		p.order = removeID(p.order, s.ID())
		p.retired++
	}
	p.mu.Unlock()

	if p.evt != nil {
		p.evt.Publish(sessionRetiredTopic, RetiredData{SessionID: s.ID()})
	}
	if p.log != nil {
		p.log.Debugf("sessionpool: retired session %s", s.ID())
	}
}

func removeID(order []string, id string) []string {
	for i, v := range order {
		if v == id {
			return append(order[:i], order[i+1:]...)
		}
	}
	return order
}

// GetSession implements spec.md §4.6's getSession(id?). id may be empty to
// let the pool choose.
func (p *Pool) GetSession(id string) (*session.Session, error) {
	p.getMu.Lock()
	defer p.getMu.Unlock()

	if id != "" {
		p.mu.RLock()
		s, ok := p.byID[id]
		p.mu.RUnlock()
		if ok && s.IsUsable() {
			return s, nil
		}
	}

	p.mu.RLock()
	n := len(p.order)
	p.mu.RUnlock()

	if n < p.maxPoolSize() {
		return p.create(), nil
	}

	// Pool is at capacity: pick via usageCount-inverse weighted random
	// selection (spec.md §8 property 6), retrying on an unusable pick
	// (bounded by pool size per spec.md §4.6).
	for attempt := 0; attempt < p.maxPoolSize(); attempt++ {
		p.mu.RLock()
		if len(p.order) == 0 {
			p.mu.RUnlock()
			return p.create(), nil
		}
		sessions := make([]*session.Session, len(p.order))
		for i, id := range p.order {
			sessions[i] = p.byID[id]
		}
		p.mu.RUnlock()

		s := weightedPick(sessions, p.selectionBias())
		if s.IsUsable() {
			return s, nil
		}
		s.Retire() // idempotent; removes via onRetire if not already retired
	}
	return nil, fmt.Errorf("sessionpool: no usable session found after %d attempts", p.maxPoolSize())
}

// selectionBias resolves Configuration.SessionSelectionBias, defaulting to
// 1.0 (spec.md §4.6's Open Question resolution, see DESIGN.md).
func (p *Pool) selectionBias() float64 {
	if p.cfg.SessionSelectionBias > 0 {
		return p.cfg.SessionSelectionBias
	}
	return 1.0
}

// weightedPick implements usageCount-inverse weighting: weight(s) = 1 /
// (1 + bias*usageCount(s)), so less-used sessions are proportionally more
// likely to be picked while every session retains a nonzero chance.
func weightedPick(sessions []*session.Session, bias float64) *session.Session {
	if len(sessions) == 1 {
		return sessions[0]
	}
	weights := make([]float64, len(sessions))
	var total float64
	for i, s := range sessions {
		w := 1.0 / (1.0 + bias*float64(s.UsageCount()))
		weights[i] = w
		total += w
	}
	r := rand.Float64() * total
	for i, w := range weights {
		r -= w
		if r <= 0 {
			return sessions[i]
		}
	}
	return sessions[len(sessions)-1]
}

func (p *Pool) create() *session.Session {
	s := session.New(p.sessionOptions(), p.onRetire)
	p.mu.Lock()
	p.byID[s.ID()] = s
	p.order = append(p.order, s.ID())
	p.mu.Unlock()
	return s
}

// UsableSessionsCount implements spec.md §4.6's observable counter.
func (p *Pool) UsableSessionsCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	n := 0
	for _, id := range p.order {
		if p.byID[id].IsUsable() {
			n++
		}
	}
	return n
}

// RetiredSessionsCount implements spec.md §4.6's observable counter.
func (p *Pool) RetiredSessionsCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.retired
}

// Size returns the current number of live (non-retired) sessions.
func (p *Pool) Size() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.order)
}

// persistedState is the JSON record spec.md §4.6/§6 describes: "an array of
// serialized Session states".
type persistedState struct {
	Sessions []session.State `json:"sessions"`
}

// PersistState writes every live session's serialized state to the
// configured key-value store key.
func (p *Pool) PersistState(ctx context.Context) error {
	p.mu.RLock()
	states := make([]session.State, 0, len(p.order))
	for _, id := range p.order {
		states = append(states, p.byID[id].Serialize())
	}
	p.mu.RUnlock()

	data, err := json.Marshal(persistedState{Sessions: states})
	if err != nil {
		return fmt.Errorf("sessionpool: marshal state: %w", err)
	}
	if p.store == nil {
		return nil
	}
	if err := p.store.PutState(ctx, p.collection, p.persistStateKey(), data); err != nil {
		return fmt.Errorf("sessionpool: put state: %w", err)
	}
	return nil
}

// Restore loads previously persisted session states (if any) back into the
// pool. Call before the pool starts serving getSession, typically right
// after New.
func (p *Pool) Restore(ctx context.Context) error {
	if p.store == nil {
		return nil
	}
	data, err := p.store.GetState(ctx, p.collection, p.persistStateKey())
	if err != nil {
		if err == storage.ErrNotFound {
			return nil
		}
		return fmt.Errorf("sessionpool: get state: %w", err)
	}

	var st persistedState
	if err := json.Unmarshal(data, &st); err != nil {
		return fmt.Errorf("sessionpool: unmarshal state: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for _, ss := range st.Sessions {
		s := session.Restore(ss, p.sessionOptions(), p.onRetire)
		if !s.IsUsable() {
			continue
		}
		p.byID[s.ID()] = s
		p.order = append(p.order, s.ID())
	}
	return nil
}

// Teardown implements spec.md §4.6's teardown(): unsubscribes from
// PERSIST_STATE and persists once more.
func (p *Pool) Teardown(ctx context.Context) error {
	if p.persistSub != (events.Subscription{}) {
		p.persistSub.Unsubscribe()
	}
	return p.PersistState(ctx)
}

// sessionRetiredTopic is a pool-local event topic; it is not one of the
// process-wide topics in package events because it is scoped to this
// Pool's own sessions rather than the whole Configuration.
const sessionRetiredTopic events.Topic = "SESSION_RETIRED"

// RetiredData is the payload published on sessionRetiredTopic.
type RetiredData struct {
	SessionID string
}
