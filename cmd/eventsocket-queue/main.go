// Command eventsocket-queue drops one event into a server's queue directory.
//
//	eventsocket-queue -dir /var/spool/eventsocket -event deploy -payload '{"rev":"abc123"}'
//
// With -payload "-" the payload is read from stdin. The payload must be JSON;
// an empty payload is sent as null.
package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/luciancaetano/eventsocket/internal/bridge"
)

func main() {
	if err := run(os.Args[1:], os.Stdin, os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, "eventsocket-queue:", err)
		os.Exit(1)
	}
}

func run(args []string, stdin io.Reader, stdout io.Writer) error {
	fs := flag.NewFlagSet("eventsocket-queue", flag.ContinueOnError)
	dir := fs.String("dir", os.Getenv("EVENTSOCKET_QUEUE_DIR"), "queue directory")
	event := fs.String("event", "", "event name")
	payload := fs.String("payload", "", `JSON payload, or "-" to read stdin`)
	if err := fs.Parse(args); err != nil {
		return err
	}

	if *dir == "" {
		return errors.New("-dir or EVENTSOCKET_QUEUE_DIR is required")
	}
	if *event == "" {
		return errors.New("-event is required")
	}

	raw := []byte(*payload)
	if *payload == "-" {
		var err error
		if raw, err = io.ReadAll(stdin); err != nil {
			return fmt.Errorf("read payload: %w", err)
		}
	}

	var body any
	if len(raw) > 0 {
		if !json.Valid(raw) {
			return errors.New("payload is not valid JSON")
		}
		body = json.RawMessage(raw)
	}

	path, err := bridge.Write(*dir, *event, body)
	if err != nil {
		return err
	}
	fmt.Fprintln(stdout, path)
	return nil
}
