// internal/call/memory_transport.go
package call

import (
	"context"
	"sync"
)

const memoryQueueSize = 256

// MemoryTransport is an in-process Transport for embedded peers and tests.
// Each member receives messages in publish order on its own goroutine.
type MemoryTransport struct {
	mu    sync.Mutex
	rooms map[string]map[*memoryMember]struct{}
}

func NewMemoryTransport() *MemoryTransport {
	return &MemoryTransport{rooms: make(map[string]map[*memoryMember]struct{})}
}

type memoryMember struct {
	transport *MemoryTransport
	roomID    string
	id        string
	handler   TransportHandler

	queue chan func()
	done  chan struct{}
	once  sync.Once
}

func (t *MemoryTransport) Join(_ context.Context, roomID, participantID string, handler TransportHandler) (Membership, error) {
	m := &memoryMember{
		transport: t,
		roomID:    roomID,
		id:        participantID,
		handler:   handler,
		queue:     make(chan func(), memoryQueueSize),
		done:      make(chan struct{}),
	}
	go m.run()

	t.mu.Lock()
	if t.rooms[roomID] == nil {
		t.rooms[roomID] = make(map[*memoryMember]struct{})
	}
	t.rooms[roomID][m] = struct{}{}
	members, presence := t.snapshotLocked(roomID)
	t.mu.Unlock()

	t.broadcastPresence(members, presence)
	return m, nil
}

// Participants returns the distinct participants currently in roomID.
func (t *MemoryTransport) Participants(roomID string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, presence := t.snapshotLocked(roomID)
	return presence
}

func (t *MemoryTransport) snapshotLocked(roomID string) ([]*memoryMember, []string) {
	members := make([]*memoryMember, 0, len(t.rooms[roomID]))
	ids := make([]string, 0, len(t.rooms[roomID]))
	for m := range t.rooms[roomID] {
		members = append(members, m)
		ids = append(ids, m.id)
	}
	return members, NormalizePresence(ids)
}

func (t *MemoryTransport) broadcastPresence(members []*memoryMember, presence []string) {
	for _, m := range members {
		if m.handler.OnPresence == nil {
			continue
		}
		snapshot := append([]string(nil), presence...)
		m.enqueue(func() { m.handler.OnPresence(snapshot) })
	}
}

func (m *memoryMember) run() {
	for {
		select {
		case f := <-m.queue:
			f()
		case <-m.done:
			return
		}
	}
}

func (m *memoryMember) enqueue(f func()) {
	select {
	case m.queue <- f:
	case <-m.done:
	}
}

func (m *memoryMember) Publish(_ context.Context, s Signal) error {
	select {
	case <-m.done:
		return ErrSessionEnded
	default:
	}

	m.transport.mu.Lock()
	members, _ := m.transport.snapshotLocked(m.roomID)
	m.transport.mu.Unlock()

	for _, member := range members {
		if member.handler.OnSignal == nil {
			continue
		}
		member := member
		member.enqueue(func() { member.handler.OnSignal(s) })
	}
	return nil
}

func (m *memoryMember) Leave() error {
	m.once.Do(func() {
		close(m.done)

		t := m.transport
		t.mu.Lock()
		delete(t.rooms[m.roomID], m)
		if len(t.rooms[m.roomID]) == 0 {
			delete(t.rooms, m.roomID)
		}
		members, presence := t.snapshotLocked(m.roomID)
		t.mu.Unlock()

		t.broadcastPresence(members, presence)
	})
	return nil
}
