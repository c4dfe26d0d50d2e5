package statemachine

import "time"

var (
	seedFirstShow  = time.Date(2024, time.July, 1, 19, 0, 0, 0, time.UTC)
	seedSecondShow = time.Date(2024, time.July, 1, 21, 0, 0, 0, time.UTC)
)

func seedCommands() []Command {
	return []Command{
		AddShowtime("1", 1, 1, seedFirstShow.Unix(), 1250),
		ReserveSeat("1", "A1", "Adam", PolicyReject),
		AddShowtime("2", 2, 2, seedSecondShow.Unix(), 1500),
		ReserveSeat("2", "B2", "Eve", PolicyReject),
	}
}
