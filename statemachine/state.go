// Package statemachine holds the replicated state of a node: a counter and
// a ledger of showtimes with their seat reservations.
//
// Mutations only happen through Apply (or the typed helpers that build and
// apply a Command) and are deterministic: replicas applying the same commands
// in the same order end up with identical state.
package statemachine

import (
	"io"
	"log/slog"
	"maps"
	"sync"
	"time"
)

type Reservation struct {
	User string
}

type Showtime struct {
	ID            string
	MovieID       int64
	TheaterID     int64
	StartTime     time.Time
	PriceCents    int64
	ReservedSeats map[string]Reservation
}

func (s Showtime) Price() float64 {
	return CentsToPrice(s.PriceCents)
}

func (s *Showtime) clone() Showtime {
	c := *s
	c.ReservedSeats = maps.Clone(s.ReservedSeats)
	if c.ReservedSeats == nil {
		c.ReservedSeats = map[string]Reservation{}
	}
	return c
}

func (s *Showtime) sameListing(c *Command) bool {
	return s.MovieID == c.MovieID &&
		s.TheaterID == c.TheaterID &&
		s.StartTime.Unix() == c.StartUnix &&
		s.PriceCents == c.PriceCents
}

type StateMachine struct {
	mu        sync.RWMutex
	counter   int64
	showtimes map[string]*Showtime
	logger    *slog.Logger
}

type Option func(*StateMachine)

// WithSeed preloads the fixed demo showtimes. Every replica of a cluster must
// agree on this setting.
func WithSeed() Option {
	return func(sm *StateMachine) {
		for _, c := range seedCommands() {
			sm.apply(&c)
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(sm *StateMachine) {
		sm.logger = l
	}
}

func New(opts ...Option) *StateMachine {
	sm := &StateMachine{
		showtimes: make(map[string]*Showtime),
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(sm)
	}
	return sm
}

// Apply executes c and reports its result. Unknown kinds leave the state
// untouched and return a zero Result.
func (sm *StateMachine) Apply(c Command) Result {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.apply(&c)
}

func (sm *StateMachine) apply(c *Command) Result {
	switch c.Kind {
	case KindIncrement:
		sm.counter++
		return Result{OK: true, Count: sm.counter}
	case KindAddShowtime:
		return sm.addShowtime(c)
	case KindReserveSeat:
		return Result{OK: sm.reserveSeat(c), ShowtimeID: c.ShowtimeID}
	case KindCancelReservation:
		return Result{OK: sm.cancelReservation(c), ShowtimeID: c.ShowtimeID}
	default:
		sm.logger.Warn("ignoring command of unknown kind", slog.Int("kind", int(c.Kind)))
		return Result{}
	}
}

func (sm *StateMachine) addShowtime(c *Command) Result {
	if c.ShowtimeID == "" {
		return Result{}
	}
	if s, ok := sm.showtimes[c.ShowtimeID]; ok {
		if s.sameListing(c) {
			return Result{OK: true, ShowtimeID: s.ID}
		}
		sm.logger.Warn(
			"showtime id reused with a different listing",
			slog.String("showtime_id", c.ShowtimeID),
		)
		return Result{ShowtimeID: c.ShowtimeID}
	}

	sm.showtimes[c.ShowtimeID] = &Showtime{
		ID:            c.ShowtimeID,
		MovieID:       c.MovieID,
		TheaterID:     c.TheaterID,
		StartTime:     time.Unix(c.StartUnix, 0).UTC(),
		PriceCents:    c.PriceCents,
		ReservedSeats: make(map[string]Reservation),
	}
	return Result{OK: true, ShowtimeID: c.ShowtimeID, Created: true}
}

func (sm *StateMachine) reserveSeat(c *Command) bool {
	s, ok := sm.showtimes[c.ShowtimeID]
	if !ok {
		return false
	}
	if cur, held := s.ReservedSeats[c.Seat]; held && cur.User != c.User && c.Policy != PolicyOverwrite {
		return false
	}
	s.ReservedSeats[c.Seat] = Reservation{User: c.User}
	return true
}

func (sm *StateMachine) cancelReservation(c *Command) bool {
	s, ok := sm.showtimes[c.ShowtimeID]
	if !ok {
		return false
	}
	if _, held := s.ReservedSeats[c.Seat]; !held {
		return false
	}
	delete(s.ReservedSeats, c.Seat)
	return true
}

func (sm *StateMachine) Increment() int64 {
	return sm.Apply(Increment()).Count
}

func (sm *StateMachine) AddShowtime(id string, movieID, theaterID int64, start time.Time, priceCents int64) (string, bool) {
	r := sm.Apply(AddShowtime(id, movieID, theaterID, start.Unix(), priceCents))
	return r.ShowtimeID, r.OK
}

func (sm *StateMachine) ReserveSeat(id, seat, user string, policy ConflictPolicy) bool {
	return sm.Apply(ReserveSeat(id, seat, user, policy)).OK
}

func (sm *StateMachine) CancelReservation(id, seat string) bool {
	return sm.Apply(CancelReservation(id, seat)).OK
}

func (sm *StateMachine) Count() int64 {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.counter
}

// GetShowtime returns a copy of the showtime; callers may modify it freely.
func (sm *StateMachine) GetShowtime(id string) (Showtime, bool) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	s, ok := sm.showtimes[id]
	if !ok {
		return Showtime{}, false
	}
	return s.clone(), true
}

func (sm *StateMachine) ListShowtimes() map[string]Showtime {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	out := make(map[string]Showtime, len(sm.showtimes))
	for id, s := range sm.showtimes {
		out[id] = s.clone()
	}
	return out
}
