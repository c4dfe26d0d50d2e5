// Package raftpb contains the messages exchanged between raft peers and the
// layout of the persisted raft state. The schema lives in raft.proto.
package raftpb

import (
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/shrtyk/raft-showtimes/internal/wire"
)

type LogEntry struct {
	Term int64
	Cmd  []byte
}

func (m *LogEntry) AppendWire(b []byte) []byte {
	b = wire.AppendInt64(b, 1, m.Term)
	return wire.AppendBytes(b, 2, m.Cmd)
}

func (m *LogEntry) UnmarshalWire(b []byte) error {
	*m = LogEntry{}
	return wire.Walk(b, func(num protowire.Number, f wire.Field) error {
		switch num {
		case 1:
			m.Term = f.Int64()
		case 2:
			m.Cmd = f.Bytes()
		}
		return nil
	})
}

// Clone returns a deep copy of the entry.
func (m *LogEntry) Clone() *LogEntry {
	if m == nil {
		return nil
	}
	e := &LogEntry{Term: m.Term}
	if m.Cmd != nil {
		e.Cmd = append([]byte(nil), m.Cmd...)
	}
	return e
}

// Size returns the encoded size of the entry.
func (m *LogEntry) Size() int {
	return len(m.AppendWire(nil))
}

func appendEntries(b []byte, num protowire.Number, entries []*LogEntry) []byte {
	for _, e := range entries {
		b = wire.AppendMessage(b, num, e)
	}
	return b
}

func decodeEntry(f wire.Field) (*LogEntry, error) {
	e := &LogEntry{}
	if err := e.UnmarshalWire(f.Raw()); err != nil {
		return nil, err
	}
	return e, nil
}

type RaftPersistentState struct {
	CurrentTerm       int64
	VotedFor          int64
	Log               []*LogEntry
	LastIncludedIndex int64
	LastIncludedTerm  int64
}

func (m *RaftPersistentState) AppendWire(b []byte) []byte {
	b = wire.AppendInt64(b, 1, m.CurrentTerm)
	b = wire.AppendInt64(b, 2, m.VotedFor)
	b = appendEntries(b, 3, m.Log)
	b = wire.AppendInt64(b, 4, m.LastIncludedIndex)
	return wire.AppendInt64(b, 5, m.LastIncludedTerm)
}

func (m *RaftPersistentState) UnmarshalWire(b []byte) error {
	*m = RaftPersistentState{}
	return wire.Walk(b, func(num protowire.Number, f wire.Field) error {
		switch num {
		case 1:
			m.CurrentTerm = f.Int64()
		case 2:
			m.VotedFor = f.Int64()
		case 3:
			e, err := decodeEntry(f)
			if err != nil {
				return err
			}
			m.Log = append(m.Log, e)
		case 4:
			m.LastIncludedIndex = f.Int64()
		case 5:
			m.LastIncludedTerm = f.Int64()
		}
		return nil
	})
}

type RequestVoteRequest struct {
	Term         int64
	CandidateId  int64
	LastLogIndex int64
	LastLogTerm  int64
}

func (m *RequestVoteRequest) AppendWire(b []byte) []byte {
	b = wire.AppendInt64(b, 1, m.Term)
	b = wire.AppendInt64(b, 2, m.CandidateId)
	b = wire.AppendInt64(b, 3, m.LastLogIndex)
	return wire.AppendInt64(b, 4, m.LastLogTerm)
}

func (m *RequestVoteRequest) UnmarshalWire(b []byte) error {
	*m = RequestVoteRequest{}
	return wire.Walk(b, func(num protowire.Number, f wire.Field) error {
		switch num {
		case 1:
			m.Term = f.Int64()
		case 2:
			m.CandidateId = f.Int64()
		case 3:
			m.LastLogIndex = f.Int64()
		case 4:
			m.LastLogTerm = f.Int64()
		}
		return nil
	})
}

type RequestVoteResponse struct {
	Term        int64
	VoteGranted bool
	VoterId     int64
}

func (m *RequestVoteResponse) AppendWire(b []byte) []byte {
	b = wire.AppendInt64(b, 1, m.Term)
	b = wire.AppendBool(b, 2, m.VoteGranted)
	return wire.AppendInt64(b, 3, m.VoterId)
}

func (m *RequestVoteResponse) UnmarshalWire(b []byte) error {
	*m = RequestVoteResponse{}
	return wire.Walk(b, func(num protowire.Number, f wire.Field) error {
		switch num {
		case 1:
			m.Term = f.Int64()
		case 2:
			m.VoteGranted = f.Bool()
		case 3:
			m.VoterId = f.Int64()
		}
		return nil
	})
}

type AppendEntriesRequest struct {
	Term              int64
	LeaderId          int64
	PrevLogIndex      int64
	PrevLogTerm       int64
	LeaderCommitIndex int64
	Entries           []*LogEntry
}

func (m *AppendEntriesRequest) AppendWire(b []byte) []byte {
	b = wire.AppendInt64(b, 1, m.Term)
	b = wire.AppendInt64(b, 2, m.LeaderId)
	b = wire.AppendInt64(b, 3, m.PrevLogIndex)
	b = wire.AppendInt64(b, 4, m.PrevLogTerm)
	b = wire.AppendInt64(b, 5, m.LeaderCommitIndex)
	return appendEntries(b, 6, m.Entries)
}

func (m *AppendEntriesRequest) UnmarshalWire(b []byte) error {
	*m = AppendEntriesRequest{}
	return wire.Walk(b, func(num protowire.Number, f wire.Field) error {
		switch num {
		case 1:
			m.Term = f.Int64()
		case 2:
			m.LeaderId = f.Int64()
		case 3:
			m.PrevLogIndex = f.Int64()
		case 4:
			m.PrevLogTerm = f.Int64()
		case 5:
			m.LeaderCommitIndex = f.Int64()
		case 6:
			e, err := decodeEntry(f)
			if err != nil {
				return err
			}
			m.Entries = append(m.Entries, e)
		}
		return nil
	})
}

type AppendEntriesResponse struct {
	Term          int64
	Success       bool
	ConflictIndex int64
	ConflictTerm  int64
}

func (m *AppendEntriesResponse) AppendWire(b []byte) []byte {
	b = wire.AppendInt64(b, 1, m.Term)
	b = wire.AppendBool(b, 2, m.Success)
	b = wire.AppendInt64(b, 3, m.ConflictIndex)
	return wire.AppendInt64(b, 4, m.ConflictTerm)
}

func (m *AppendEntriesResponse) UnmarshalWire(b []byte) error {
	*m = AppendEntriesResponse{}
	return wire.Walk(b, func(num protowire.Number, f wire.Field) error {
		switch num {
		case 1:
			m.Term = f.Int64()
		case 2:
			m.Success = f.Bool()
		case 3:
			m.ConflictIndex = f.Int64()
		case 4:
			m.ConflictTerm = f.Int64()
		}
		return nil
	})
}

type InstallSnapshotRequest struct {
	Term              int64
	LeaderId          int64
	LastIncludedIndex int64
	LastIncludedTerm  int64
	Data              []byte
}

func (m *InstallSnapshotRequest) AppendWire(b []byte) []byte {
	b = wire.AppendInt64(b, 1, m.Term)
	b = wire.AppendInt64(b, 2, m.LeaderId)
	b = wire.AppendInt64(b, 3, m.LastIncludedIndex)
	b = wire.AppendInt64(b, 4, m.LastIncludedTerm)
	return wire.AppendBytes(b, 5, m.Data)
}

func (m *InstallSnapshotRequest) UnmarshalWire(b []byte) error {
	*m = InstallSnapshotRequest{}
	return wire.Walk(b, func(num protowire.Number, f wire.Field) error {
		switch num {
		case 1:
			m.Term = f.Int64()
		case 2:
			m.LeaderId = f.Int64()
		case 3:
			m.LastIncludedIndex = f.Int64()
		case 4:
			m.LastIncludedTerm = f.Int64()
		case 5:
			m.Data = f.Bytes()
		}
		return nil
	})
}

type InstallSnapshotResponse struct {
	Term int64
}

func (m *InstallSnapshotResponse) AppendWire(b []byte) []byte {
	return wire.AppendInt64(b, 1, m.Term)
}

func (m *InstallSnapshotResponse) UnmarshalWire(b []byte) error {
	*m = InstallSnapshotResponse{}
	return wire.Walk(b, func(num protowire.Number, f wire.Field) error {
		if num == 1 {
			m.Term = f.Int64()
		}
		return nil
	})
}
