package storage

import (
	"slices"
	"sync"

	"github.com/shrtyk/raft-showtimes/api"
	"github.com/shrtyk/raft-showtimes/internal/raftpb"
	"github.com/shrtyk/raft-showtimes/internal/wire"
)

// MemoryStorage is an api.Persister keeping everything in memory.
// It survives a peer restart inside one process, which is what cluster
// tests need to exercise crash recovery without touching the disk.
type MemoryStorage struct {
	mu       sync.Mutex
	state    raftpb.RaftPersistentState
	snapshot []byte
}

var _ api.Persister = (*MemoryStorage)(nil)

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{}
}

func (ms *MemoryStorage) AppendEntries(entries []*raftpb.LogEntry) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	for _, e := range entries {
		ms.state.Log = append(ms.state.Log, e.Clone())
	}
	return nil
}

func (ms *MemoryStorage) SetMetadata(term int64, votedFor int64) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.state.CurrentTerm = term
	ms.state.VotedFor = votedFor
	return nil
}

func (ms *MemoryStorage) SaveStateAndSnapshot(state, snapshot []byte) error {
	ps := raftpb.RaftPersistentState{}
	if err := wire.Unmarshal(state, &ps); err != nil {
		return err
	}

	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.state = ps
	if snapshot != nil {
		ms.snapshot = slices.Clone(snapshot)
	}
	return nil
}

func (ms *MemoryStorage) ReadRaftState() ([]byte, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if ms.state.CurrentTerm == 0 && len(ms.state.Log) == 0 && ms.state.LastIncludedIndex == 0 {
		return nil, nil
	}
	return wire.Marshal(&ms.state), nil
}

func (ms *MemoryStorage) ReadSnapshot() ([]byte, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return slices.Clone(ms.snapshot), nil
}

func (ms *MemoryStorage) RaftStateSize() (int, error) {
	b, err := ms.ReadRaftState()
	return len(b), err
}

func (ms *MemoryStorage) Close() error {
	return nil
}
