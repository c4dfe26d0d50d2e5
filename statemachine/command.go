package statemachine

import (
	"fmt"
	"math"
	"strings"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/shrtyk/raft-showtimes/internal/wire"
)

// Kind selects the operation a Command performs.
type Kind int32

const (
	KindUnknown Kind = iota
	KindIncrement
	KindAddShowtime
	KindReserveSeat
	KindCancelReservation
)

func (k Kind) String() string {
	switch k {
	case KindIncrement:
		return "increment"
	case KindAddShowtime:
		return "add_showtime"
	case KindReserveSeat:
		return "reserve_seat"
	case KindCancelReservation:
		return "cancel_reservation"
	default:
		return "unknown"
	}
}

// ConflictPolicy decides what ReserveSeat does with a seat that is already
// held by someone else.
type ConflictPolicy int32

const (
	// PolicyReject refuses the reservation unless the seat is free or held
	// by the same user.
	PolicyReject ConflictPolicy = iota
	// PolicyOverwrite hands the seat to the new user.
	PolicyOverwrite
)

func (p ConflictPolicy) String() string {
	if p == PolicyOverwrite {
		return "overwrite"
	}
	return "reject"
}

func ParseConflictPolicy(s string) (ConflictPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "reject":
		return PolicyReject, nil
	case "overwrite":
		return PolicyOverwrite, nil
	default:
		return PolicyReject, fmt.Errorf("unknown conflict policy %q", s)
	}
}

// Command is a replicated operation. Everything it needs is inside it, so
// every replica applying it reaches the same state.
type Command struct {
	Kind       Kind
	ShowtimeID string
	MovieID    int64
	TheaterID  int64
	// Unix seconds, UTC.
	StartUnix  int64
	PriceCents int64
	Seat       string
	User       string
	Policy     ConflictPolicy
}

func Increment() Command {
	return Command{Kind: KindIncrement}
}

func AddShowtime(id string, movieID, theaterID int64, start int64, priceCents int64) Command {
	return Command{
		Kind:       KindAddShowtime,
		ShowtimeID: id,
		MovieID:    movieID,
		TheaterID:  theaterID,
		StartUnix:  start,
		PriceCents: priceCents,
	}
}

func ReserveSeat(id, seat, user string, policy ConflictPolicy) Command {
	return Command{
		Kind:       KindReserveSeat,
		ShowtimeID: id,
		Seat:       seat,
		User:       user,
		Policy:     policy,
	}
}

func CancelReservation(id, seat string) Command {
	return Command{
		Kind:       KindCancelReservation,
		ShowtimeID: id,
		Seat:       seat,
	}
}

func (c *Command) AppendWire(b []byte) []byte {
	b = wire.AppendInt32(b, 1, int32(c.Kind))
	b = wire.AppendString(b, 2, c.ShowtimeID)
	b = wire.AppendInt64(b, 3, c.MovieID)
	b = wire.AppendInt64(b, 4, c.TheaterID)
	b = wire.AppendInt64(b, 5, c.StartUnix)
	b = wire.AppendInt64(b, 6, c.PriceCents)
	b = wire.AppendString(b, 7, c.Seat)
	b = wire.AppendString(b, 8, c.User)
	return wire.AppendInt32(b, 9, int32(c.Policy))
}

func (c *Command) UnmarshalWire(b []byte) error {
	*c = Command{}
	return wire.Walk(b, func(num protowire.Number, f wire.Field) error {
		switch num {
		case 1:
			c.Kind = Kind(f.Int32())
		case 2:
			c.ShowtimeID = f.String()
		case 3:
			c.MovieID = f.Int64()
		case 4:
			c.TheaterID = f.Int64()
		case 5:
			c.StartUnix = f.Int64()
		case 6:
			c.PriceCents = f.Int64()
		case 7:
			c.Seat = f.String()
		case 8:
			c.User = f.String()
		case 9:
			c.Policy = ConflictPolicy(f.Int32())
		}
		return nil
	})
}

// Result is what applying a Command produced.
type Result struct {
	OK         bool
	Count      int64
	ShowtimeID string
	// Created is set when AddShowtime inserted a new showtime rather than
	// matching an identical one.
	Created bool
}

// PriceToCents converts a decimal price to integer cents, rounding half away from zero.
func PriceToCents(price float64) int64 {
	return int64(math.Round(price * 100))
}

// CentsToPrice is the inverse of PriceToCents.
func CentsToPrice(cents int64) float64 {
	return float64(cents) / 100
}
