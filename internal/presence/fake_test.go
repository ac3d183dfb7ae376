package presence

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/aura-live/backend/internal/models"
)

var errInjected = errors.New("injected failure")

type memStream struct {
	viewers int
	live    bool
}

// memDB is an in-memory Transactor. A transaction works on a copy of the state and, when
// fn succeeds, commits back only the streams it touched. The lock is not held while fn
// runs, so transactions on different streams overlap; two in flight for the same stream
// are recorded in overlaps.
type memDB struct {
	mu       sync.Mutex
	streams  map[string]*memStream
	rows     map[string]*models.StreamAnalytics
	maxSeen  map[string]int
	failStep string
	delay    time.Duration // held inside every transaction after fn returns

	inflight  map[string]int
	active    int
	maxActive int
	overlaps  []string
}

func newMemDB(streamIDs ...string) *memDB {
	db := &memDB{
		streams:  map[string]*memStream{},
		rows:     map[string]*models.StreamAnalytics{},
		maxSeen:  map[string]int{},
		inflight: map[string]int{},
	}
	for _, id := range streamIDs {
		db.streams[id] = &memStream{}
	}
	return db
}

type memState struct {
	db       *memDB
	streams  map[string]*memStream
	rows     map[string]*models.StreamAnalytics
	failStep string
	touched  map[string]bool
}

// snapshot copies the committed state; db.mu must be held.
func (db *memDB) snapshot() *memState {
	st := &memState{
		db:       db,
		streams:  map[string]*memStream{},
		rows:     map[string]*models.StreamAnalytics{},
		failStep: db.failStep,
		touched:  map[string]bool{},
	}
	for id, s := range db.streams {
		cp := *s
		st.streams[id] = &cp
	}
	for id, r := range db.rows {
		st.rows[id] = copyRow(r)
	}
	return st
}

// touch marks the stream as part of this transaction.
func (st *memState) touch(id string) {
	if st.touched[id] {
		return
	}
	st.touched[id] = true
	st.db.mu.Lock()
	if st.db.inflight[id] > 0 {
		st.db.overlaps = append(st.db.overlaps, id)
	}
	st.db.inflight[id]++
	st.db.mu.Unlock()
}

func copyRow(r *models.StreamAnalytics) *models.StreamAnalytics {
	cp := *r
	cp.GeographicData = map[string]int64{}
	cp.DeviceStats = map[string]int64{}
	for k, v := range r.GeographicData {
		cp.GeographicData[k] = v
	}
	for k, v := range r.DeviceStats {
		cp.DeviceStats[k] = v
	}
	return &cp
}

func (db *memDB) InTx(ctx context.Context, fn func(Stores) error) error {
	db.mu.Lock()
	st := db.snapshot()
	db.active++
	if db.active > db.maxActive {
		db.maxActive = db.active
	}
	delay := db.delay
	db.mu.Unlock()

	defer func() {
		db.mu.Lock()
		db.active--
		for id := range st.touched {
			db.inflight[id]--
		}
		db.mu.Unlock()
	}()

	err := fn(Stores{Streams: (*memStreams)(st), Analytics: (*memAnalytics)(st)})
	if delay > 0 {
		time.Sleep(delay)
	}
	if err != nil {
		return err
	}

	db.mu.Lock()
	defer db.mu.Unlock()
	if db.failStep == "commit" {
		return errInjected
	}
	for id := range st.touched {
		if s, ok := st.streams[id]; ok {
			db.streams[id] = s
			if s.viewers > db.maxSeen[id] {
				db.maxSeen[id] = s.viewers
			}
		}
		if r, ok := st.rows[id]; ok {
			db.rows[id] = r
		}
	}
	return nil
}

// concurrency reports the same-stream overlaps seen and the most transactions in flight at once.
func (db *memDB) concurrency() ([]string, int) {
	db.mu.Lock()
	defer db.mu.Unlock()
	return append([]string(nil), db.overlaps...), db.maxActive
}

func (db *memDB) setFail(step string) {
	db.mu.Lock()
	db.failStep = step
	db.mu.Unlock()
}

func (db *memDB) viewers(id string) int {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.streams[id].viewers
}

func (db *memDB) row(id string) *models.StreamAnalytics {
	db.mu.Lock()
	defer db.mu.Unlock()
	r, ok := db.rows[id]
	if !ok {
		return nil
	}
	return copyRow(r)
}

type memStreams memState

func (m *memStreams) get(id string) (*memStream, error) {
	(*memState)(m).touch(id)
	s, ok := m.streams[id]
	if !ok {
		return nil, errors.New("stream not found")
	}
	return s, nil
}

func (m *memStreams) IncrementViewers(_ context.Context, id string) (int, error) {
	(*memState)(m).touch(id)
	if m.failStep == "increment" {
		return 0, errInjected
	}
	s, err := m.get(id)
	if err != nil {
		return 0, err
	}
	s.viewers++
	return s.viewers, nil
}

func (m *memStreams) DecrementViewers(_ context.Context, id string) (int, error) {
	s, err := m.get(id)
	if err != nil {
		return 0, err
	}
	if s.viewers > 0 {
		s.viewers--
	}
	return s.viewers, nil
}

func (m *memStreams) SetLive(_ context.Context, id string, live bool) error {
	s, err := m.get(id)
	if err != nil {
		return err
	}
	s.live = live
	return nil
}

type memAnalytics memState

func (m *memAnalytics) GetForUpdate(_ context.Context, id string) (*models.StreamAnalytics, error) {
	(*memState)(m).touch(id)
	r, ok := m.rows[id]
	if !ok {
		return nil, nil
	}
	return copyRow(r), nil
}

func (m *memAnalytics) UpsertJoin(_ context.Context, id, country, device string) (*models.StreamAnalytics, error) {
	(*memState)(m).touch(id)
	if m.failStep == "upsert" {
		return nil, errInjected
	}
	r, ok := m.rows[id]
	if !ok {
		r = &models.StreamAnalytics{StreamID: id, GeographicData: map[string]int64{}, DeviceStats: map[string]int64{}}
		m.rows[id] = r
	}
	r.UniqueViewers++
	r.TotalViews++
	r.GeographicData[country]++
	r.DeviceStats[device]++
	return copyRow(r), nil
}

func (m *memAnalytics) SetAverage(_ context.Context, id string, avg float64, completed int64) error {
	(*memState)(m).touch(id)
	if m.failStep == "average" {
		return errInjected
	}
	m.rows[id].AverageViewTime = avg
	m.rows[id].CompletedSessions = completed
	return nil
}

func (m *memAnalytics) RaisePeak(_ context.Context, id string, viewers int) (bool, error) {
	(*memState)(m).touch(id)
	r, ok := m.rows[id]
	if !ok || r.PeakViewers >= viewers {
		return false, nil
	}
	r.PeakViewers = viewers
	return true, nil
}

type fakeClock struct {
	mu  sync.Mutex
	now int64 // seconds
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Unix(c.now, 0)
}

func (c *fakeClock) Set(sec int64) {
	c.mu.Lock()
	c.now = sec
	c.mu.Unlock()
}
