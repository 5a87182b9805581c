package chatexchange

import (
	"sort"
	"sync"
)

// presenceTracker keeps the set of user ids currently in the room and
// the separately refreshed pingable id list. The presence set is
// seeded once from the room page and then maintained purely from
// entered/left events; the pingable list covers roughly the last 14
// days of activity and is allowed to disagree with the presence set.
type presenceTracker struct {
	mu             sync.RWMutex
	present        map[int64]struct{}
	pingable       []int64
	pingableLoaded bool
}

func newPresenceTracker(seed []int64) *presenceTracker {
	p := &presenceTracker{present: make(map[int64]struct{}, len(seed))}
	for _, id := range seed {
		p.present[id] = struct{}{}
	}
	return p
}

func (p *presenceTracker) add(id int64) {
	p.mu.Lock()
	p.present[id] = struct{}{}
	p.mu.Unlock()
}

func (p *presenceTracker) remove(id int64) {
	p.mu.Lock()
	delete(p.present, id)
	p.mu.Unlock()
}

func (p *presenceTracker) contains(id int64) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.present[id]
	return ok
}

func (p *presenceTracker) currentIDs() []int64 {
	p.mu.RLock()
	ids := make([]int64, 0, len(p.present))
	for id := range p.present {
		ids = append(ids, id)
	}
	p.mu.RUnlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// setPingable replaces the pingable list wholly.
func (p *presenceTracker) setPingable(ids []int64) {
	p.mu.Lock()
	p.pingable = ids
	p.pingableLoaded = true
	p.mu.Unlock()
}

func (p *presenceTracker) pingableIDs() ([]int64, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]int64(nil), p.pingable...), p.pingableLoaded
}
