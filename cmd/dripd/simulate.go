package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/petrijr/drip"
	"github.com/petrijr/drip/internal/definition"
)

// simEvent is one scripted event. Offset is relative to the simulation
// start; negative offsets backfill history.
type simEvent struct {
	CustomerID string         `yaml:"customer_id"`
	Type       string         `yaml:"type"`
	Offset     time.Duration  `yaml:"offset"`
	Properties map[string]any `yaml:"properties"`
}

type simScript struct {
	Events []simEvent `yaml:"events"`
}

func loadScript(path string) (simScript, error) {
	var s simScript
	fh, err := os.Open(path)
	if err != nil {
		return s, err
	}
	defer fh.Close()
	dec := yaml.NewDecoder(fh)
	dec.KnownFields(true)
	if err := dec.Decode(&s); err != nil && err != io.EOF {
		return s, fmt.Errorf("decode %s: %w", path, err)
	}
	sort.SliceStable(s.Events, func(i, j int) bool { return s.Events[i].Offset < s.Events[j].Offset })
	return s, nil
}

func newSimulateCmd(a *app) *cobra.Command {
	var (
		events  string
		advance time.Duration
		step    time.Duration
	)
	cmd := &cobra.Command{
		Use:   "simulate <campaign-file>",
		Short: "Run campaigns against scripted events on a simulated clock",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := definition.LoadFile(args[0])
			if err != nil {
				return err
			}
			if err := f.Validate(); err != nil {
				return err
			}
			var script simScript
			if events != "" {
				if script, err = loadScript(events); err != nil {
					return err
				}
			}
			return simulate(cmd.Context(), cmd.OutOrStdout(), a, f.Campaigns, script, advance, step)
		},
	}
	cmd.Flags().StringVar(&events, "events", "", "YAML file of scripted events")
	cmd.Flags().DurationVar(&advance, "advance", 7*24*time.Hour, "simulated time to run after the last event")
	cmd.Flags().DurationVar(&step, "step", time.Hour, "clock resolution of the simulation")
	return cmd
}

func simulate(ctx context.Context, out io.Writer, a *app, specs []drip.CampaignSpec, script simScript, advance, step time.Duration) error {
	if step <= 0 {
		return fmt.Errorf("step must be positive")
	}
	runner, err := drip.NewLocalRunner(drip.WithLogger(a.log.Logger), drip.WithSalt(a.cfg.Engine.Salt))
	if err != nil {
		return err
	}
	start := runner.Clock.Now()

	camps := make([]*drip.Campaign, 0, len(specs))
	for _, spec := range specs {
		camp, err := runner.Engine.CreateCampaign(ctx, spec)
		if err != nil {
			return err
		}
		camps = append(camps, camp)
	}

	// run moves the clock to t in step increments.
	run := func(t time.Time) error {
		for runner.Clock.Now().Before(t) {
			d := min(step, t.Sub(runner.Clock.Now()))
			if _, err := runner.Advance(ctx, d); err != nil {
				return err
			}
		}
		return nil
	}

	for _, ev := range script.Events {
		at := start.Add(ev.Offset)
		if err := run(at); err != nil {
			return err
		}
		if _, err := runner.Ingest(ctx, drip.Event{
			CustomerID: ev.CustomerID,
			Type:       ev.Type,
			Properties: ev.Properties,
			Timestamp:  at,
		}); err != nil {
			return err
		}
		if _, err := runner.Drain(ctx); err != nil {
			return err
		}
	}
	if err := run(runner.Clock.Now().Add(advance)); err != nil {
		return err
	}

	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "CAMPAIGN\tACTIVE\tWAITING\tCOMPLETED\tEXITED\tFAILED\tDELIVERIES")
	for _, camp := range camps {
		st, err := runner.Engine.CampaignStats(ctx, camp.ID)
		if err != nil {
			return err
		}
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\t%d\t%d\n",
			camp.Name, st.Active, st.Waiting, st.Completed, st.Exited, st.Failed, st.Deliveries)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	fmt.Fprintf(out, "\nsimulated %s\n", runner.Clock.Now().Sub(start))
	tw = tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "CUSTOMER\tCHANNEL\tCONTENT\tVARIANT\tSTEP")
	for _, d := range runner.Deliveries("") {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", d.CustomerID, d.Channel, d.ContentRef, d.Variant, d.StepID)
	}
	return tw.Flush()
}
