// Package events publishes committed booking changes to interested
// consumers. Publishing is best effort: a lost event never affects the
// outcome of the request that produced it.
package events

import (
	"context"
	"time"

	"github.com/shrtyk/raft-showtimes/statemachine"
)

const (
	TypeShowtimeAdded        = "showtime.added"
	TypeSeatReserved         = "seat.reserved"
	TypeReservationCancelled = "reservation.cancelled"
)

type Event struct {
	Type       string    `json:"type"`
	ShowtimeID string    `json:"showtime_id"`
	MovieID    int64     `json:"movie_id,omitempty"`
	TheaterID  int64     `json:"theater_id,omitempty"`
	Seat       string    `json:"seat,omitempty"`
	User       string    `json:"user,omitempty"`
	Node       string    `json:"node"`
	At         time.Time `json:"at"`
}

type Publisher interface {
	Publish(ctx context.Context, ev Event) error
	Close() error
}

// FromCommand describes a successfully applied command as an event. Commands
// that failed, do not touch the ledger, or re-add an existing showtime yield
// false.
func FromCommand(node string, cmd statemachine.Command, res statemachine.Result, at time.Time) (Event, bool) {
	if !res.OK {
		return Event{}, false
	}

	ev := Event{
		ShowtimeID: cmd.ShowtimeID,
		Node:       node,
		At:         at.UTC(),
	}
	switch cmd.Kind {
	case statemachine.KindAddShowtime:
		if !res.Created {
			return Event{}, false
		}
		ev.Type = TypeShowtimeAdded
		ev.MovieID = cmd.MovieID
		ev.TheaterID = cmd.TheaterID
	case statemachine.KindReserveSeat:
		ev.Type = TypeSeatReserved
		ev.Seat = cmd.Seat
		ev.User = cmd.User
	case statemachine.KindCancelReservation:
		ev.Type = TypeReservationCancelled
		ev.Seat = cmd.Seat
	default:
		return Event{}, false
	}
	return ev, true
}

type nop struct{}

// Nop discards every event.
func Nop() Publisher { return nop{} }

func (nop) Publish(context.Context, Event) error { return nil }
func (nop) Close() error                         { return nil }
