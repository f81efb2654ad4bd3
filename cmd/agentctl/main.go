// Command agentctl inspects the local state of a fleet agent: its message
// log, persisted flags and lifecycle state. It works directly on the data
// directory and does not need the agent to be running.
package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v3"

	"github.com/qudata/fleet-agent/internal/config"
	"github.com/qudata/fleet-agent/internal/domain"
	"github.com/qudata/fleet-agent/internal/message"
	"github.com/qudata/fleet-agent/internal/storage"
)

func main() {
	if err := newApp(os.Stdout).Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "agentctl: %v\n", err)
		os.Exit(1)
	}
}

func newApp(out io.Writer) *cli.App {
	return &cli.App{
		Name:    "agentctl",
		Usage:   "inspect fleet agent state",
		Version: config.Version,
		Writer:  out,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "data-dir",
				Usage:   "agent data directory",
				Value:   config.DefaultConfig().DataDir,
				EnvVars: []string{"FLEET_DATA_DIR"},
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "list-messages",
				Usage: "list logged messages, oldest first",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "name", Usage: "only messages with this name"},
					&cli.StringFlag{Name: "direction", Usage: "in or out"},
					&cli.StringFlag{Name: "handled", Usage: "true or false"},
					&cli.IntFlag{Name: "limit", Value: 50},
				},
				Action: listMessages,
			},
			{
				Name:      "message-details",
				Usage:     "print a logged message",
				ArgsUsage: "<id>",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "json", Usage: "print JSON instead of YAML"},
				},
				Action: messageDetails,
			},
			{
				Name:      "mark-as-unhandled",
				Usage:     "make the agent process an inbound message again on next start",
				ArgsUsage: "<id>",
				Action:    markUnhandled,
			},
			{
				Name:   "flags",
				Usage:  "print lifecycle state and persisted flags",
				Action: showFlags,
			},
		},
	}
}

func openMessages(c *cli.Context) (*storage.MessageStore, error) {
	cfg := config.DefaultConfig()
	cfg.DataDir = c.String("data-dir")
	if _, err := os.Stat(cfg.MessageDBPath()); err != nil {
		return nil, fmt.Errorf("message database: %w", err)
	}
	return storage.OpenMessageStore(cfg.MessageDBPath())
}

func messageID(c *cli.Context) (string, error) {
	if c.NArg() != 1 {
		return "", errors.New("exactly one message id is required")
	}
	return c.Args().First(), nil
}

func listMessages(c *cli.Context) error {
	f := storage.Filter{
		Name:  c.String("name"),
		Limit: c.Int("limit"),
	}
	switch d := message.Direction(c.String("direction")); d {
	case "", message.Inbound, message.Outbound:
		f.Direction = d
	default:
		return fmt.Errorf("direction must be %q or %q", message.Inbound, message.Outbound)
	}
	if v := c.String("handled"); v != "" {
		handled, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("handled must be a boolean: %w", err)
		}
		f.Handled = &handled
	}

	ms, err := openMessages(c)
	if err != nil {
		return err
	}
	defer ms.Close()

	records, err := ms.List(c.Context, f)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(c.App.Writer, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tQUEUE\tDIR\tHANDLED\tDELIVERED\tCREATED")
	for _, r := range records {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%t\t%t\t%s\n",
			r.ID, r.Name, r.Queue, r.Direction, r.Handled, r.Delivered,
			r.CreatedAt.Local().Format(time.DateTime))
	}
	return w.Flush()
}

type details struct {
	storage.Record `yaml:",inline"`
	Meta           map[string]string `json:"meta,omitempty" yaml:"meta,omitempty"`
	Body           message.Body      `json:"body,omitempty" yaml:"body,omitempty"`
}

func messageDetails(c *cli.Context) error {
	id, err := messageID(c)
	if err != nil {
		return err
	}
	ms, err := openMessages(c)
	if err != nil {
		return err
	}
	defer ms.Close()

	r, err := ms.Get(c.Context, id)
	if err != nil {
		return err
	}
	m, err := r.Message()
	if err != nil {
		return fmt.Errorf("decode %s: %w", id, err)
	}
	d := details{Record: *r, Meta: m.Meta, Body: m.Body}

	if c.Bool("json") {
		enc := json.NewEncoder(c.App.Writer)
		enc.SetIndent("", "  ")
		return enc.Encode(d)
	}
	enc := yaml.NewEncoder(c.App.Writer)
	enc.SetIndent(2)
	defer enc.Close()
	return enc.Encode(d)
}

func markUnhandled(c *cli.Context) error {
	id, err := messageID(c)
	if err != nil {
		return err
	}
	ms, err := openMessages(c)
	if err != nil {
		return err
	}
	defer ms.Close()

	if err := ms.MarkUnhandled(c.Context, id); err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "message %s marked as unhandled\n", id)
	return nil
}

func showFlags(c *cli.Context) error {
	store, err := storage.NewStore(c.String("data-dir"))
	if err != nil {
		return err
	}
	st, err := store.State()
	if err != nil {
		return err
	}
	flags := store.Flags()

	w := tabwriter.NewWriter(c.App.Writer, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "state\t%s\n", st)
	for _, f := range domain.Flags {
		fmt.Fprintf(w, "%s\t%t\n", f, flags[f])
	}
	return w.Flush()
}
