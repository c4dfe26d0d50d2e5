package statemachine

import (
	"fmt"
	"maps"
	"slices"
	"time"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/shrtyk/raft-showtimes/internal/wire"
)

type seatRecord struct {
	seat string
	user string
}

func (r *seatRecord) AppendWire(b []byte) []byte {
	b = wire.AppendString(b, 1, r.seat)
	return wire.AppendString(b, 2, r.user)
}

func (r *seatRecord) UnmarshalWire(b []byte) error {
	return wire.Walk(b, func(num protowire.Number, f wire.Field) error {
		switch num {
		case 1:
			r.seat = f.String()
		case 2:
			r.user = f.String()
		}
		return nil
	})
}

type showtimeRecord struct {
	id         string
	movieID    int64
	theaterID  int64
	startUnix  int64
	priceCents int64
	seats      []*seatRecord
}

func (r *showtimeRecord) AppendWire(b []byte) []byte {
	b = wire.AppendString(b, 1, r.id)
	b = wire.AppendInt64(b, 2, r.movieID)
	b = wire.AppendInt64(b, 3, r.theaterID)
	b = wire.AppendInt64(b, 4, r.startUnix)
	b = wire.AppendInt64(b, 5, r.priceCents)
	for _, s := range r.seats {
		b = wire.AppendMessage(b, 6, s)
	}
	return b
}

func (r *showtimeRecord) UnmarshalWire(b []byte) error {
	return wire.Walk(b, func(num protowire.Number, f wire.Field) error {
		switch num {
		case 1:
			r.id = f.String()
		case 2:
			r.movieID = f.Int64()
		case 3:
			r.theaterID = f.Int64()
		case 4:
			r.startUnix = f.Int64()
		case 5:
			r.priceCents = f.Int64()
		case 6:
			s := &seatRecord{}
			if err := wire.Unmarshal(f.Raw(), s); err != nil {
				return err
			}
			r.seats = append(r.seats, s)
		}
		return nil
	})
}

// stateSnapshot is the serialized form of the whole state. Showtimes and
// seats are sorted so equal states always encode to equal bytes.
type stateSnapshot struct {
	counter   int64
	showtimes []*showtimeRecord
}

func (s *stateSnapshot) AppendWire(b []byte) []byte {
	b = wire.AppendInt64(b, 1, s.counter)
	for _, r := range s.showtimes {
		b = wire.AppendMessage(b, 2, r)
	}
	return b
}

func (s *stateSnapshot) UnmarshalWire(b []byte) error {
	return wire.Walk(b, func(num protowire.Number, f wire.Field) error {
		switch num {
		case 1:
			s.counter = f.Int64()
		case 2:
			r := &showtimeRecord{}
			if err := wire.Unmarshal(f.Raw(), r); err != nil {
				return err
			}
			s.showtimes = append(s.showtimes, r)
		}
		return nil
	})
}

func (sm *StateMachine) Snapshot() ([]byte, error) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	snap := &stateSnapshot{counter: sm.counter}
	for _, id := range slices.Sorted(maps.Keys(sm.showtimes)) {
		s := sm.showtimes[id]
		r := &showtimeRecord{
			id:         s.ID,
			movieID:    s.MovieID,
			theaterID:  s.TheaterID,
			startUnix:  s.StartTime.Unix(),
			priceCents: s.PriceCents,
		}
		for _, seat := range slices.Sorted(maps.Keys(s.ReservedSeats)) {
			r.seats = append(r.seats, &seatRecord{seat: seat, user: s.ReservedSeats[seat].User})
		}
		snap.showtimes = append(snap.showtimes, r)
	}
	return wire.Marshal(snap), nil
}

// Restore replaces the whole state with the one encoded in data. An empty
// snapshot resets to the empty state.
func (sm *StateMachine) Restore(data []byte) error {
	snap := &stateSnapshot{}
	if err := wire.Unmarshal(data, snap); err != nil {
		return fmt.Errorf("failed to decode state snapshot: %w", err)
	}

	showtimes := make(map[string]*Showtime, len(snap.showtimes))
	for _, r := range snap.showtimes {
		s := &Showtime{
			ID:            r.id,
			MovieID:       r.movieID,
			TheaterID:     r.theaterID,
			StartTime:     time.Unix(r.startUnix, 0).UTC(),
			PriceCents:    r.priceCents,
			ReservedSeats: make(map[string]Reservation, len(r.seats)),
		}
		for _, seat := range r.seats {
			s.ReservedSeats[seat.seat] = Reservation{User: seat.user}
		}
		showtimes[r.id] = s
	}

	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.counter = snap.counter
	sm.showtimes = showtimes
	return nil
}
