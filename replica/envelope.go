package replica

import (
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/shrtyk/raft-showtimes/internal/wire"
	"github.com/shrtyk/raft-showtimes/statemachine"
)

// envelope is the log entry payload. The id lets the submitting node match
// the applied entry to the caller waiting for it.
type envelope struct {
	id  string
	cmd statemachine.Command
}

func (e *envelope) AppendWire(b []byte) []byte {
	b = wire.AppendString(b, 1, e.id)
	return wire.AppendMessage(b, 2, &e.cmd)
}

func (e *envelope) UnmarshalWire(b []byte) error {
	return wire.Walk(b, func(num protowire.Number, f wire.Field) error {
		switch num {
		case 1:
			e.id = f.String()
		case 2:
			return wire.Unmarshal(f.Raw(), &e.cmd)
		}
		return nil
	})
}
