package raft

import "github.com/shrtyk/raft-showtimes/api"

// applier delivers committed entries and installed snapshots to the apply channel in order.
func (rf *Raft) applier() {
	defer func() {
		close(rf.applyChan)
		rf.wg.Done()
	}()

	for {
		select {
		case <-rf.raftCtx.Done():
			return
		case <-rf.signalApplierChan:
		}

		for {
			rf.mu.RLock()
			if rf.lastAppliedIdx >= rf.commitIdx || rf.killed() {
				rf.mu.RUnlock()
				break
			}

			var msg api.ApplyMessage
			if rf.lastAppliedIdx < rf.lastIncludedIndex {
				rf.logger.Info("applying snapshot to state machine", "index", rf.lastIncludedIndex)
				msg = api.ApplyMessage{
					SnapshotValid: true,
					Snapshot:      rf.snapshot,
					SnapshotTerm:  rf.lastIncludedTerm,
					SnapshotIndex: rf.lastIncludedIndex,
				}
			} else {
				applyIdx := rf.lastAppliedIdx + 1
				sliceIdx := applyIdx - rf.lastIncludedIndex - 1
				msg = api.ApplyMessage{
					CommandValid: true,
					Command:      rf.log[sliceIdx].Cmd,
					CommandIndex: applyIdx,
				}
			}
			rf.mu.RUnlock()

			select {
			case <-rf.raftCtx.Done():
				return
			case rf.applyChan <- &msg:
			}

			rf.mu.Lock()
			if msg.SnapshotValid {
				rf.lastAppliedIdx = max(rf.lastAppliedIdx, msg.SnapshotIndex)
			} else {
				rf.lastAppliedIdx = max(rf.lastAppliedIdx, msg.CommandIndex)
			}
			rf.mu.Unlock()
		}
	}
}

func (rf *Raft) signalApplier() {
	select {
	case rf.signalApplierChan <- struct{}{}:
	default:
	}
}
