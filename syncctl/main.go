package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
	"golang.org/x/term"

	"github.com/docopt/docopt-go"

	"github.com/KumarDevelopmentUS/DS5-sub002/syncengine"
)

const SyncCtlVersion = "0.0.1"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

func main() {
	usage := `Sync engine control.

Inspects the durable action queue and tails realtime match channels.
If --jwt is omitted for watch, the access token is read from the
terminal without echo.

Usage:
    syncctl queue ls [--data_dir=<data_dir>]
    syncctl queue stats [--data_dir=<data_dir>]
    syncctl queue clear [--data_dir=<data_dir>]
    syncctl watch <match_id> --url=<url> [--jwt=<jwt>] [--team=<team>]

Options:
    -h --help              Show this screen.
    --version              Show version.
    --data_dir=<data_dir>  Engine data directory [default: .].
    --url=<url>            Realtime websocket url.
    --jwt=<jwt>            Your access token.
    --team=<team>          Team announced with presence.`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], SyncCtlVersion)
	if err != nil {
		panic(err)
	}

	if queue_, _ := opts.Bool("queue"); queue_ {
		if ls_, _ := opts.Bool("ls"); ls_ {
			queueLs(opts)
		} else if stats_, _ := opts.Bool("stats"); stats_ {
			queueStats(opts)
		} else if clear_, _ := opts.Bool("clear"); clear_ {
			queueClear(opts)
		}
	} else if watch_, _ := opts.Bool("watch"); watch_ {
		watch(opts)
	}
}

func openQueue(opts docopt.Opts) *syncengine.ActionQueue {
	dataDir, _ := opts.String("--data_dir")

	storage, err := syncengine.OpenSqliteStorage(dataDir)
	if err != nil {
		Err.Fatalf("Could not open storage (%s).", err)
	}

	// kinds are only validated on enqueue. an empty registry is fine for
	// inspection.
	queue, err := syncengine.NewActionQueue(storage, syncengine.NewMutationRegistry())
	if err != nil {
		Err.Fatalf("Could not load queue (%s).", err)
	}
	return queue
}

func queueLs(opts docopt.Opts) {
	queue := openQueue(opts)
	for _, action := range queue.List() {
		Out.Printf(
			"%s %s retries=%d/%d enqueued=%s %s",
			action.Id,
			action.Kind,
			action.RetryCount,
			action.MaxRetries,
			action.EnqueuedAt.Format("2006-01-02T15:04:05Z07:00"),
			string(action.Payload),
		)
	}
}

func queueStats(opts docopt.Opts) {
	queue := openQueue(opts)
	stats := queue.Stats()
	keys := maps.Keys(stats)
	slices.Sort(keys)
	for _, key := range keys {
		Out.Printf("%s %d", key, stats[key])
	}
}

func queueClear(opts docopt.Opts) {
	queue := openQueue(opts)
	size := queue.Size()
	if err := queue.Clear(); err != nil {
		Err.Fatalf("Could not clear queue (%s).", err)
	}
	Out.Printf("Cleared %d actions.", size)
}

func watch(opts docopt.Opts) {
	matchId, _ := opts.String("<match_id>")
	url, _ := opts.String("--url")
	team, _ := opts.String("--team")

	jwt, _ := opts.String("--jwt")
	if jwt == "" {
		fmt.Fprint(os.Stderr, "Access token: ")
		tokenBytes, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			Err.Fatalf("Could not read token (%s).", err)
		}
		jwt = string(tokenBytes)
	}

	identity, err := syncengine.ParseTokenIdentityUnverified(jwt)
	if err != nil {
		Err.Fatalf("Invalid access token (%s).", err)
	}

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	transport := syncengine.NewWebsocketChannelTransportWithDefaults(cancelCtx, url, jwt)
	defer transport.Close()

	subscriptions := syncengine.NewSubscriptionManagerWithDefaults(cancelCtx, transport)
	defer subscriptions.Close()

	entry := identity.PresenceEntry(team)
	unsubscribe, err := subscriptions.Subscribe(matchId, &syncengine.ChannelListeners{
		OnStatus: func(status syncengine.ChannelStatus, err error) {
			if err == nil {
				Out.Printf("[%s] %s", matchId, status)
			} else {
				Out.Printf("[%s] %s (%s)", matchId, status, err)
			}
		},
		OnChange: func(change syncengine.RowChange) {
			Out.Printf("[%s] %s %s %s", matchId, change.Op, change.Table, string(change.Record))
		},
		OnBroadcast: func(event string, payload json.RawMessage) {
			Out.Printf("[%s] broadcast %s %s", matchId, event, string(payload))
		},
		OnPresence: func(entries []syncengine.PresenceEntry) {
			names := []string{}
			for _, entry := range entries {
				names = append(names, entry.DisplayName)
			}
			Out.Printf("[%s] presence %v", matchId, names)
		},
	}, &entry)
	if err != nil {
		Err.Fatalf("Could not subscribe (%s).", err)
	}
	defer unsubscribe()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
}
