package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Adithya-Monish-Kumar-K/sanctions-screening/internal/sanctions"
	apperrors "github.com/Adithya-Monish-Kumar-K/sanctions-screening/pkg/errors"
)

type entityKey struct {
	source   sanctions.Source
	sourceID string
}

// Memory is a mutex-guarded Store. Batches stage their writes and publish
// them on Commit, so readers only ever see committed batches.
type Memory struct {
	mu       sync.RWMutex
	entities map[int64]*sanctions.Entity
	keys     map[entityKey]int64
	nextID   int64
	runs     map[string]*sanctions.IngestionRun
	runOrder []string
}

func NewMemory() *Memory {
	return &Memory{
		entities: make(map[int64]*sanctions.Entity),
		keys:     make(map[entityKey]int64),
		runs:     make(map[string]*sanctions.IngestionRun),
	}
}

func (m *Memory) Ping(context.Context) error { return nil }

func (m *Memory) Close() error { return nil }

func (m *Memory) Begin(ctx context.Context) (Batch, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &memBatch{view: newMemView(m, nil)}, nil
}

func (m *Memory) allocID() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	return m.nextID
}

// memView layers staged writes over a parent view, or over the committed
// maps when parent is nil.
type memView struct {
	m        *Memory
	parent   *memView
	entities map[int64]*sanctions.Entity
	keys     map[entityKey]int64
}

func newMemView(m *Memory, parent *memView) *memView {
	return &memView{
		m:        m,
		parent:   parent,
		entities: make(map[int64]*sanctions.Entity),
		keys:     make(map[entityKey]int64),
	}
}

func (v *memView) lookupKey(k entityKey) (int64, bool) {
	if id, ok := v.keys[k]; ok {
		return id, true
	}
	if v.parent != nil {
		return v.parent.lookupKey(k)
	}
	v.m.mu.RLock()
	defer v.m.mu.RUnlock()
	id, ok := v.m.keys[k]
	return id, ok
}

func (v *memView) lookupEntity(id int64) *sanctions.Entity {
	if e, ok := v.entities[id]; ok {
		return e
	}
	if v.parent != nil {
		return v.parent.lookupEntity(id)
	}
	v.m.mu.RLock()
	defer v.m.mu.RUnlock()
	return v.m.entities[id]
}

func (v *memView) FindEntity(ctx context.Context, source sanctions.Source, sourceID string) (*sanctions.Entity, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	id, ok := v.lookupKey(entityKey{source, sourceID})
	if !ok {
		return nil, nil
	}
	e := v.lookupEntity(id)
	if e == nil {
		return nil, nil
	}
	return cloneEntity(e), nil
}

func (v *memView) InsertEntity(ctx context.Context, e *sanctions.Entity) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	k := entityKey{e.Source, e.SourceID}
	if _, exists := v.lookupKey(k); exists {
		return 0, fmt.Errorf("entity %s/%s already exists", e.Source, e.SourceID)
	}
	stored := cloneEntity(e)
	stored.ID = v.m.allocID()
	stored.Children = sanctions.Children{}
	v.entities[stored.ID] = stored
	v.keys[k] = stored.ID
	return stored.ID, nil
}

func (v *memView) UpdateEntity(ctx context.Context, e *sanctions.Entity) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	existing := v.lookupEntity(e.ID)
	if existing == nil {
		return fmt.Errorf("%w: id %d", apperrors.ErrEntityNotFound, e.ID)
	}
	updated := cloneEntity(e)
	updated.Children = cloneChildren(existing.Children)
	updated.FirstSeenAt = existing.FirstSeenAt
	v.entities[e.ID] = updated
	return nil
}

func (v *memView) ReplaceChildren(ctx context.Context, entityID int64, c sanctions.Children) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	existing := v.lookupEntity(entityID)
	if existing == nil {
		return fmt.Errorf("%w: id %d", apperrors.ErrEntityNotFound, entityID)
	}
	updated := cloneEntity(existing)
	updated.Children = cloneChildren(c)
	v.entities[entityID] = updated
	return nil
}

func (v *memView) mergeInto(parent *memView) {
	for id, e := range v.entities {
		parent.entities[id] = e
	}
	for k, id := range v.keys {
		parent.keys[k] = id
	}
}

type memBatch struct {
	view *memView
	done bool
}

func (b *memBatch) Apply(ctx context.Context, fn func(w Writer) error) error {
	if b.done {
		return fmt.Errorf("%w: batch already finished", apperrors.ErrStoreUnavailable)
	}
	scratch := newMemView(b.view.m, b.view)
	if err := fn(scratch); err != nil {
		return err
	}
	scratch.mergeInto(b.view)
	return nil
}

func (b *memBatch) Commit() error {
	if b.done {
		return fmt.Errorf("%w: batch already finished", apperrors.ErrStoreUnavailable)
	}
	b.done = true
	m := b.view.m
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, e := range b.view.entities {
		m.entities[id] = e
	}
	for k, id := range b.view.keys {
		m.keys[k] = id
	}
	return nil
}

func (b *memBatch) Rollback() error {
	b.done = true
	return nil
}

func (m *Memory) Candidates(ctx context.Context, terms []string, f sanctions.Filter) ([]sanctions.Entity, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	lowered := make([]string, 0, len(terms))
	for _, t := range terms {
		if t = strings.ToLower(strings.TrimSpace(t)); t != "" {
			lowered = append(lowered, t)
		}
	}
	if len(lowered) == 0 {
		return nil, nil
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []sanctions.Entity
	for _, e := range m.entities {
		if !f.Accepts(e) || !mentionsAny(e, lowered) {
			continue
		}
		out = append(out, *cloneEntity(e))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func mentionsAny(e *sanctions.Entity, terms []string) bool {
	name := strings.ToLower(e.Name)
	for _, t := range terms {
		if strings.Contains(name, t) {
			return true
		}
	}
	for _, a := range e.Aliases {
		alias := strings.ToLower(a.Name)
		for _, t := range terms {
			if strings.Contains(alias, t) {
				return true
			}
		}
	}
	return false
}

func (m *Memory) GetEntity(ctx context.Context, id int64) (*sanctions.Entity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entities[id]
	if !ok {
		return nil, fmt.Errorf("%w: id %d", apperrors.ErrEntityNotFound, id)
	}
	return cloneEntity(e), nil
}

func (m *Memory) Stats(ctx context.Context) (*sanctions.Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st := &sanctions.Stats{
		BySource: make(map[sanctions.Source]int),
		ByKind:   make(map[sanctions.EntityKind]int),
		ByStatus: make(map[sanctions.EntityStatus]int),
	}
	for _, e := range m.entities {
		st.TotalEntities++
		st.TotalAliases += len(e.Aliases)
		st.TotalAddresses += len(e.Addresses)
		st.TotalDocuments += len(e.Documents)
		st.BySource[e.Source]++
		st.ByKind[e.Kind]++
		st.ByStatus[e.Status]++
	}
	for _, r := range m.runs {
		if st.LastRunAt == nil || r.StartedAt.After(*st.LastRunAt) {
			t := r.StartedAt
			st.LastRunAt = &t
		}
	}
	return st, nil
}

func (m *Memory) OpenRun(ctx context.Context, run *sanctions.IngestionRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.runs[run.ID]; exists {
		return fmt.Errorf("run %s already exists", run.ID)
	}
	stored := *run
	stored.Status = sanctions.RunInProgress
	m.runs[run.ID] = &stored
	m.runOrder = append(m.runOrder, run.ID)
	return nil
}

func (m *Memory) CloseRun(ctx context.Context, runID string, result sanctions.RunResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[runID]
	if !ok {
		return fmt.Errorf("%w: %s", apperrors.ErrRunNotFound, runID)
	}
	if run.Status != sanctions.RunInProgress {
		return fmt.Errorf("%w: %s is %s", apperrors.ErrRunClosed, runID, run.Status)
	}
	finished := result.FinishedAt
	run.Status = result.Status
	run.FinishedAt = &finished
	run.RecordsAdded = result.RecordsAdded
	run.RecordsUpdated = result.RecordsUpdated
	run.RecordsDeleted = result.RecordsDeleted
	run.FeedFingerprint = result.FeedFingerprint
	run.ErrorSummary = result.ErrorSummary
	return nil
}

func (m *Memory) GetRun(ctx context.Context, runID string) (*sanctions.IngestionRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	run, ok := m.runs[runID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", apperrors.ErrRunNotFound, runID)
	}
	cp := *run
	return &cp, nil
}

// latestRun returns the newest run for source accepted by keep.
func (m *Memory) latestRun(source sanctions.Source, keep func(*sanctions.IngestionRun) bool) *sanctions.IngestionRun {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var best *sanctions.IngestionRun
	for _, id := range m.runOrder {
		r := m.runs[id]
		if r.Source != source || !keep(r) {
			continue
		}
		if best == nil || !r.StartedAt.Before(best.StartedAt) {
			best = r
		}
	}
	if best == nil {
		return nil
	}
	cp := *best
	return &cp
}

func (m *Memory) LastSuccessful(ctx context.Context, source sanctions.Source) (*sanctions.IngestionRun, error) {
	return m.latestRun(source, func(r *sanctions.IngestionRun) bool {
		return r.Status == sanctions.RunSuccess
	}), nil
}

func (m *Memory) LastStarted(ctx context.Context, source sanctions.Source) (*sanctions.IngestionRun, error) {
	return m.latestRun(source, func(*sanctions.IngestionRun) bool { return true }), nil
}

func (m *Memory) OpenRuns(ctx context.Context, source sanctions.Source) ([]sanctions.IngestionRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []sanctions.IngestionRun
	for _, id := range m.runOrder {
		if r := m.runs[id]; r.Source == source && r.Status == sanctions.RunInProgress {
			out = append(out, *r)
		}
	}
	return out, nil
}

func (m *Memory) RecentRuns(ctx context.Context, limit int) ([]sanctions.IngestionRun, error) {
	return m.sortedRuns(func(*sanctions.IngestionRun) bool { return true }, limit), nil
}

func (m *Memory) RunsSince(ctx context.Context, since time.Time) ([]sanctions.IngestionRun, error) {
	return m.sortedRuns(func(r *sanctions.IngestionRun) bool { return !r.StartedAt.Before(since) }, 0), nil
}

// sortedRuns returns matching runs newest first; limit <= 0 means all.
func (m *Memory) sortedRuns(keep func(*sanctions.IngestionRun) bool, limit int) []sanctions.IngestionRun {
	m.mu.RLock()
	out := make([]sanctions.IngestionRun, 0, len(m.runOrder))
	for i := len(m.runOrder) - 1; i >= 0; i-- {
		r := m.runs[m.runOrder[i]]
		if keep(r) {
			out = append(out, *r)
		}
	}
	m.mu.RUnlock()
	sort.SliceStable(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func cloneEntity(e *sanctions.Entity) *sanctions.Entity {
	cp := *e
	cp.Children = cloneChildren(e.Children)
	return &cp
}

func cloneChildren(c sanctions.Children) sanctions.Children {
	return sanctions.Children{
		Aliases:       append([]sanctions.Alias(nil), c.Aliases...),
		Addresses:     append([]sanctions.Address(nil), c.Addresses...),
		Documents:     append([]sanctions.Document(nil), c.Documents...),
		Nationalities: append([]string(nil), c.Nationalities...),
		Births:        append([]sanctions.Birth(nil), c.Births...),
		Sanctions:     append([]sanctions.Sanction(nil), c.Sanctions...),
	}
}

var _ Store = (*Memory)(nil)
