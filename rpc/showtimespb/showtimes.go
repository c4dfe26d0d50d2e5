// Package showtimespb holds the messages and service descriptor of the
// showtimes.Showtimes gRPC service (see showtimes.proto).
package showtimespb

import (
	"slices"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/shrtyk/raft-showtimes/internal/wire"
)

type Reservation struct {
	User string
}

func (m *Reservation) AppendWire(b []byte) []byte {
	return wire.AppendString(b, 1, m.User)
}

func (m *Reservation) UnmarshalWire(b []byte) error {
	*m = Reservation{}
	return wire.Walk(b, func(num protowire.Number, f wire.Field) error {
		if num == 1 {
			m.User = f.String()
		}
		return nil
	})
}

type Showtime struct {
	ReservedSeats map[string]*Reservation
	MovieId       int64
	TheaterId     int64
	Time          string
	Price         float64
	Id            string
}

func (m *Showtime) AppendWire(b []byte) []byte {
	for _, seat := range sortedKeys(m.ReservedSeats) {
		r := m.ReservedSeats[seat]
		if r == nil {
			r = &Reservation{}
		}
		b = appendMapEntry(b, 1, seat, r)
	}
	b = wire.AppendInt64(b, 2, m.MovieId)
	b = wire.AppendInt64(b, 3, m.TheaterId)
	b = wire.AppendString(b, 4, m.Time)
	b = wire.AppendDouble(b, 5, m.Price)
	return wire.AppendString(b, 6, m.Id)
}

func (m *Showtime) UnmarshalWire(b []byte) error {
	*m = Showtime{}
	return wire.Walk(b, func(num protowire.Number, f wire.Field) error {
		switch num {
		case 1:
			r := &Reservation{}
			seat, err := decodeMapEntry(f, r)
			if err != nil {
				return err
			}
			if m.ReservedSeats == nil {
				m.ReservedSeats = make(map[string]*Reservation)
			}
			m.ReservedSeats[seat] = r
		case 2:
			m.MovieId = f.Int64()
		case 3:
			m.TheaterId = f.Int64()
		case 4:
			m.Time = f.String()
		case 5:
			m.Price = f.Double()
		case 6:
			m.Id = f.String()
		}
		return nil
	})
}

type GetShowtimeRequest struct {
	ShowtimeId string
}

func (m *GetShowtimeRequest) AppendWire(b []byte) []byte {
	return wire.AppendString(b, 1, m.ShowtimeId)
}

func (m *GetShowtimeRequest) UnmarshalWire(b []byte) error {
	*m = GetShowtimeRequest{}
	return wire.Walk(b, func(num protowire.Number, f wire.Field) error {
		if num == 1 {
			m.ShowtimeId = f.String()
		}
		return nil
	})
}

type GetShowtimeResponse struct {
	Found    bool
	Showtime *Showtime
}

func (m *GetShowtimeResponse) AppendWire(b []byte) []byte {
	b = wire.AppendBool(b, 1, m.Found)
	if m.Showtime != nil {
		b = wire.AppendMessage(b, 2, m.Showtime)
	}
	return b
}

func (m *GetShowtimeResponse) UnmarshalWire(b []byte) error {
	*m = GetShowtimeResponse{}
	return wire.Walk(b, func(num protowire.Number, f wire.Field) error {
		switch num {
		case 1:
			m.Found = f.Bool()
		case 2:
			m.Showtime = &Showtime{}
			return m.Showtime.UnmarshalWire(f.Raw())
		}
		return nil
	})
}

type GetShowtimesRequest struct{}

func (m *GetShowtimesRequest) AppendWire(b []byte) []byte { return b }

func (m *GetShowtimesRequest) UnmarshalWire(b []byte) error {
	return wire.Walk(b, func(protowire.Number, wire.Field) error { return nil })
}

type GetShowtimesResponse struct {
	Showtimes map[string]*Showtime
}

func (m *GetShowtimesResponse) AppendWire(b []byte) []byte {
	for _, id := range sortedKeys(m.Showtimes) {
		s := m.Showtimes[id]
		if s == nil {
			s = &Showtime{}
		}
		b = appendMapEntry(b, 1, id, s)
	}
	return b
}

func (m *GetShowtimesResponse) UnmarshalWire(b []byte) error {
	*m = GetShowtimesResponse{}
	return wire.Walk(b, func(num protowire.Number, f wire.Field) error {
		if num != 1 {
			return nil
		}
		s := &Showtime{}
		id, err := decodeMapEntry(f, s)
		if err != nil {
			return err
		}
		if m.Showtimes == nil {
			m.Showtimes = make(map[string]*Showtime)
		}
		m.Showtimes[id] = s
		return nil
	})
}

type AddShowtimeRequest struct {
	MovieId   int64
	TheaterId int64
	RequestId string
}

func (m *AddShowtimeRequest) AppendWire(b []byte) []byte {
	b = wire.AppendInt64(b, 1, m.MovieId)
	b = wire.AppendInt64(b, 2, m.TheaterId)
	return wire.AppendString(b, 3, m.RequestId)
}

func (m *AddShowtimeRequest) UnmarshalWire(b []byte) error {
	*m = AddShowtimeRequest{}
	return wire.Walk(b, func(num protowire.Number, f wire.Field) error {
		switch num {
		case 1:
			m.MovieId = f.Int64()
		case 2:
			m.TheaterId = f.Int64()
		case 3:
			m.RequestId = f.String()
		}
		return nil
	})
}

type AddShowtimeResponse struct {
	Success    bool
	ShowtimeId string
	Message    string
}

func (m *AddShowtimeResponse) AppendWire(b []byte) []byte {
	b = wire.AppendBool(b, 1, m.Success)
	b = wire.AppendString(b, 2, m.ShowtimeId)
	return wire.AppendString(b, 3, m.Message)
}

func (m *AddShowtimeResponse) UnmarshalWire(b []byte) error {
	*m = AddShowtimeResponse{}
	return wire.Walk(b, func(num protowire.Number, f wire.Field) error {
		switch num {
		case 1:
			m.Success = f.Bool()
		case 2:
			m.ShowtimeId = f.String()
		case 3:
			m.Message = f.String()
		}
		return nil
	})
}

type ReserveSeatRequest struct {
	ShowtimeId string
	Seat       string
	User       string
}

func (m *ReserveSeatRequest) AppendWire(b []byte) []byte {
	b = wire.AppendString(b, 1, m.ShowtimeId)
	b = wire.AppendString(b, 2, m.Seat)
	return wire.AppendString(b, 3, m.User)
}

func (m *ReserveSeatRequest) UnmarshalWire(b []byte) error {
	*m = ReserveSeatRequest{}
	return wire.Walk(b, func(num protowire.Number, f wire.Field) error {
		switch num {
		case 1:
			m.ShowtimeId = f.String()
		case 2:
			m.Seat = f.String()
		case 3:
			m.User = f.String()
		}
		return nil
	})
}

type ReserveSeatResponse struct {
	Success bool
	Message string
}

func (m *ReserveSeatResponse) AppendWire(b []byte) []byte {
	b = wire.AppendBool(b, 1, m.Success)
	return wire.AppendString(b, 2, m.Message)
}

func (m *ReserveSeatResponse) UnmarshalWire(b []byte) error {
	*m = ReserveSeatResponse{}
	return wire.Walk(b, func(num protowire.Number, f wire.Field) error {
		switch num {
		case 1:
			m.Success = f.Bool()
		case 2:
			m.Message = f.String()
		}
		return nil
	})
}

type CancelReservationRequest struct {
	ShowtimeId string
	Seat       string
}

func (m *CancelReservationRequest) AppendWire(b []byte) []byte {
	b = wire.AppendString(b, 1, m.ShowtimeId)
	return wire.AppendString(b, 2, m.Seat)
}

func (m *CancelReservationRequest) UnmarshalWire(b []byte) error {
	*m = CancelReservationRequest{}
	return wire.Walk(b, func(num protowire.Number, f wire.Field) error {
		switch num {
		case 1:
			m.ShowtimeId = f.String()
		case 2:
			m.Seat = f.String()
		}
		return nil
	})
}

type CancelReservationResponse struct {
	Success bool
	Message string
}

func (m *CancelReservationResponse) AppendWire(b []byte) []byte {
	b = wire.AppendBool(b, 1, m.Success)
	return wire.AppendString(b, 2, m.Message)
}

func (m *CancelReservationResponse) UnmarshalWire(b []byte) error {
	*m = CancelReservationResponse{}
	return wire.Walk(b, func(num protowire.Number, f wire.Field) error {
		switch num {
		case 1:
			m.Success = f.Bool()
		case 2:
			m.Message = f.String()
		}
		return nil
	})
}

// Map fields are encoded as repeated entries {key = 1, value = 2}.

func appendMapEntry(b []byte, num protowire.Number, key string, val wire.Message) []byte {
	entry := wire.AppendString(nil, 1, key)
	entry = wire.AppendMessage(entry, 2, val)
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, entry)
}

func decodeMapEntry(f wire.Field, val wire.Message) (key string, err error) {
	err = wire.Walk(f.Raw(), func(num protowire.Number, ef wire.Field) error {
		switch num {
		case 1:
			key = ef.String()
		case 2:
			return val.UnmarshalWire(ef.Raw())
		}
		return nil
	})
	return key, err
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
