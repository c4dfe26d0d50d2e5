// Command showtimes-cli talks to a showtimes cluster.
//
//	showtimes-cli [-endpoints a:1,b:2] ping [message]
//	showtimes-cli list
//	showtimes-cli get <id>
//	showtimes-cli add <movie_id> <theater_id>
//	showtimes-cli reserve <id> <seat> <user>
//	showtimes-cli cancel <id> <seat>
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"maps"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/shrtyk/raft-showtimes/client"
	"github.com/shrtyk/raft-showtimes/pkg/logger"
	"github.com/shrtyk/raft-showtimes/rpc/showtimespb"
)

var errUsage = errors.New("usage: showtimes-cli [-endpoints host:port,...] ping|list|get|add|reserve|cancel ...")

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("showtimes-cli", flag.ContinueOnError)
	endpoints := fs.String("endpoints", "localhost:50051,localhost:50052,localhost:50053", "comma separated node endpoints")
	timeout := fs.Duration("timeout", 10*time.Second, "overall deadline")
	verbose := fs.Bool("v", false, "log retries")
	if err := fs.Parse(args); err != nil {
		return err
	}
	rest := fs.Args()
	if len(rest) == 0 {
		return errUsage
	}

	env := logger.Prod
	if *verbose {
		env = logger.Dev
	}
	c, err := client.New(strings.Split(*endpoints, ","), client.DefaultConfig(), logger.NewLogger(env, false))
	if err != nil {
		return err
	}
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	return execute(ctx, c, rest, out)
}

func execute(ctx context.Context, c *client.Client, args []string, out io.Writer) error {
	cmd, args := args[0], args[1:]
	need := func(n int) error {
		if len(args) != n {
			return fmt.Errorf("%s expects %d arguments: %w", cmd, n, errUsage)
		}
		return nil
	}

	switch cmd {
	case "ping":
		msg := strings.Join(args, " ")
		resp, err := c.Ping(ctx, msg)
		if err != nil {
			return err
		}
		fmt.Fprintln(out, resp.Message)
	case "list":
		resp, err := c.GetShowtimes(ctx)
		if err != nil {
			return err
		}
		for _, id := range slices.Sorted(maps.Keys(resp.Showtimes)) {
			printShowtime(out, resp.Showtimes[id])
		}
	case "get":
		if err := need(1); err != nil {
			return err
		}
		resp, err := c.GetShowtime(ctx, args[0])
		if err != nil {
			return err
		}
		if !resp.Found {
			return fmt.Errorf("showtime %s not found", args[0])
		}
		printShowtime(out, resp.Showtime)
	case "add":
		if err := need(2); err != nil {
			return err
		}
		movie, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("movie_id: %w", err)
		}
		theater, err := strconv.ParseInt(args[1], 10, 64)
		if err != nil {
			return fmt.Errorf("theater_id: %w", err)
		}
		resp, err := c.AddShowtime(ctx, movie, theater)
		if err != nil {
			return err
		}
		fmt.Fprintln(out, resp.Message)
	case "reserve":
		if err := need(3); err != nil {
			return err
		}
		resp, err := c.ReserveSeat(ctx, args[0], args[1], args[2])
		if err != nil {
			return err
		}
		fmt.Fprintln(out, resp.Message)
	case "cancel":
		if err := need(2); err != nil {
			return err
		}
		resp, err := c.CancelReservation(ctx, args[0], args[1])
		if err != nil {
			return err
		}
		fmt.Fprintln(out, resp.Message)
	default:
		return fmt.Errorf("unknown command %q: %w", cmd, errUsage)
	}
	return nil
}

func printShowtime(out io.Writer, st *showtimespb.Showtime) {
	if st == nil {
		return
	}
	fmt.Fprintf(out, "%s\tmovie=%d theater=%d time=%s price=%.2f\n", st.Id, st.MovieId, st.TheaterId, st.Time, st.Price)
	for _, seat := range slices.Sorted(maps.Keys(st.ReservedSeats)) {
		if r := st.ReservedSeats[seat]; r != nil {
			fmt.Fprintf(out, "\t%s\t%s\n", seat, r.User)
		}
	}
}
