// Command seatwatch is a terminal booking client.  It shows a live seat map
// for one showtime and turns typed commands into seat clicks.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rs/zerolog/log"

	"github.com/iliyamo/cinema-seat-live/internal/booking"
	"github.com/iliyamo/cinema-seat-live/internal/config"
	"github.com/iliyamo/cinema-seat-live/internal/gateway"
	"github.com/iliyamo/cinema-seat-live/internal/livechannel"
	"github.com/iliyamo/cinema-seat-live/internal/logging"
	"github.com/iliyamo/cinema-seat-live/internal/sessionstore"
)

const help = `commands:
  toggle CODE    click a seat (alias: t)
  release CODE   release a seat you hold
  hold           hold every selected seat
  checkout       hold the selection and pay
  refresh        refetch reservations from the gateway
  map            print the seat map
  status CODE    show one seat
  quit`

func main() {
	config.LoadDotEnv()
	logging.Init("seatwatch")
	cfg := config.LoadClientConfig()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	anon := gateway.New(cfg.GatewayURL, "", cfg.GatewayTimeout, nil)
	sess, err := sessionstore.New(cfg.SessionFile).Load(ctx, anon)
	if err != nil {
		log.Fatal().Err(err).Msg("no session")
	}
	gw := anon.WithToken(sess.Token)

	out := os.Stdout
	var ctrl *booking.Controller
	ch := livechannel.New(livechannel.Config{
		BaseURL:              cfg.LiveURL,
		Token:                sess.Token,
		HeartbeatInterval:    cfg.HeartbeatInterval,
		ReconnectBase:        cfg.ReconnectBase,
		ReconnectCap:         cfg.ReconnectCap,
		MaxReconnectAttempts: cfg.ReconnectMax,
	}, livechannel.ListenerFunc(func(e livechannel.Event) {
		if sc, ok := e.(livechannel.StatusChanged); ok {
			fmt.Fprintf(out, "[live] %s\n", describeStatus(sc))
		}
		ctrl.OnEvent(e)
	}))
	ctrl = booking.New(booking.Config{
		SessionID:     sess.SessionID,
		ShowtimeID:    cfg.ShowtimeID,
		RoomID:        cfg.RoomID,
		BatchMode:     cfg.BatchMode,
		PollInterval:  cfg.PollInterval,
		ExpiryWarning: cfg.ExpiryWarning,
		OnNotice:      func(n booking.Notice) { fmt.Fprintln(out, describeNotice(n)) },
	}, gw, ch, confirmingPayment{gw: gw})

	if err := ctrl.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("could not load showtime")
	}
	defer ctrl.Stop()

	fmt.Fprintf(out, "session %s, showtime %d\n", sess.SessionID, cfg.ShowtimeID)
	printMap(out, ctrl.View())
	fmt.Fprintln(out, help)

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			if quit := run(ctx, out, ctrl, line); quit {
				return
			}
		}
	}
}

// run executes one command line and reports whether the user asked to quit.
func run(ctx context.Context, out io.Writer, ctrl *booking.Controller, line string) bool {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false
	}
	arg := func() (string, bool) {
		if len(fields) < 2 {
			fmt.Fprintf(out, "%s needs a seat code\n", fields[0])
			return "", false
		}
		return strings.ToUpper(fields[1]), true
	}

	switch strings.ToLower(fields[0]) {
	case "t", "toggle":
		if code, ok := arg(); ok {
			report(out, code, ctrl.Toggle(ctx, code))
			fmt.Fprintf(out, "%s: %s\n", code, ctrl.Status(code))
		}
	case "release":
		if code, ok := arg(); ok {
			report(out, code, ctrl.Release(ctx, code))
		}
	case "status":
		if code, ok := arg(); ok {
			fmt.Fprintf(out, "%s: %s\n", code, ctrl.Status(code))
		}
	case "hold":
		res, err := ctrl.HoldSelected(ctx)
		printBatch(out, res)
		report(out, "hold", err)
	case "checkout":
		res, err := ctrl.Checkout(ctx)
		printBatch(out, res)
		if err == nil {
			fmt.Fprintln(out, "payment started")
		}
		report(out, "checkout", err)
	case "refresh":
		report(out, "refresh", ctrl.Refresh(ctx))
		printMap(out, ctrl.View())
	case "map":
		printMap(out, ctrl.View())
	case "quit", "exit", "q":
		return true
	case "help", "?":
		fmt.Fprintln(out, help)
	default:
		fmt.Fprintf(out, "unknown command %q\n", fields[0])
	}
	return false
}

func report(out io.Writer, what string, err error) {
	if err == nil {
		return
	}
	var gwErr *gateway.Error
	switch {
	case errors.Is(err, gateway.ErrUnknownOutcome):
		fmt.Fprintf(out, "%s: outcome unknown, view refreshed from the server\n", what)
	case errors.As(err, &gwErr):
		fmt.Fprintf(out, "%s: server said %d %s\n", what, gwErr.Status, gwErr.Reason)
	default:
		fmt.Fprintf(out, "%s: %v\n", what, err)
	}
}

func printBatch(out io.Writer, res booking.BatchResult) {
	if len(res.Held) > 0 {
		fmt.Fprintf(out, "held: %s\n", strings.Join(res.Held, " "))
	}
	for code, err := range res.Rejected {
		fmt.Fprintf(out, "rejected %s: %v\n", code, err)
	}
}
