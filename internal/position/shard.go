package position

import (
	"sort"
	"sync"

	"github.com/galatea-associates/inventory-management-system-rdybxi-sub011/internal/domain"
)

// shard owns a subset of the position keyspace. All access goes through mu.
type shard struct {
	id            int
	mu            sync.Mutex
	positions     map[domain.PositionKey]*domain.Position
	offsets       map[string]map[int]int64 // topic -> partition -> next offset
	sinceSnapshot int
}

func newShard(id int) *shard {
	return &shard{
		id:        id,
		positions: make(map[domain.PositionKey]*domain.Position),
		offsets:   make(map[string]map[int]int64),
	}
}

func (sh *shard) noteOffsetLocked(topic string, partition int, offset int64) {
	parts, ok := sh.offsets[topic]
	if !ok {
		parts = make(map[int]int64)
		sh.offsets[topic] = parts
	}
	if offset+1 > parts[partition] {
		parts[partition] = offset + 1
	}
}

// capture copies the shard state for snapshotting.
func (sh *shard) capture() *ShardSnapshot {
	sh.mu.Lock()
	defer sh.mu.Unlock()

	shot := &ShardSnapshot{
		Shard:     sh.id,
		Positions: make([]domain.Position, 0, len(sh.positions)),
		Offsets:   make(map[string]map[int]int64, len(sh.offsets)),
	}
	for _, pos := range sh.positions {
		cp := *pos
		cp.Ladder = make(map[domain.BusinessDate]int64, len(pos.Ladder))
		for d, q := range pos.Ladder {
			cp.Ladder[d] = q
		}
		shot.Positions = append(shot.Positions, cp)
	}
	sort.Slice(shot.Positions, func(i, j int) bool {
		return shot.Positions[i].Key().String() < shot.Positions[j].Key().String()
	})
	for topic, parts := range sh.offsets {
		cp := make(map[int]int64, len(parts))
		for p, off := range parts {
			cp[p] = off
		}
		shot.Offsets[topic] = cp
	}
	return shot
}

// restore replaces the shard state from a loaded snapshot.
func (sh *shard) restore(shot *ShardSnapshot) {
	sh.mu.Lock()
	defer sh.mu.Unlock()

	sh.positions = make(map[domain.PositionKey]*domain.Position, len(shot.Positions))
	for i := range shot.Positions {
		pos := shot.Positions[i]
		sh.positions[pos.Key()] = &pos
	}
	sh.offsets = make(map[string]map[int]int64, len(shot.Offsets))
	for topic, parts := range shot.Offsets {
		cp := make(map[int]int64, len(parts))
		for p, off := range parts {
			cp[p] = off
		}
		sh.offsets[topic] = cp
	}
	sh.sinceSnapshot = 0
}
