package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/3xpluto/tickgate/internal/rate"
	"github.com/3xpluto/tickgate/internal/ratelimit"
)

type simulation struct {
	policy  rate.Policy
	start   ratelimit.StartMode
	created uint64
	ticks   []uint64
}

type simStep struct {
	Tick    uint64
	Allowed bool
	State   ratelimit.State
}

func newSimulateCmd() *cobra.Command {
	var (
		policy  string
		ticks   string
		start   string
		created int64
	)
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Replay a tick sequence against a policy and print each decision",
		Example: `  tickgate simulate --policy blocks=2 --ticks 0,1,2,2,5
  tickgate simulate --policy per_block=3 --ticks 4,4,4,4,5 --start closed`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			p, err := rate.Parse(policy)
			if err != nil {
				return err
			}
			seq, err := parseTicks(ticks)
			if err != nil {
				return err
			}
			sim := simulation{policy: p, start: ratelimit.StartMode(start), ticks: seq}
			if created >= 0 {
				sim.created = uint64(created)
			} else {
				sim.created = seq[0]
			}
			steps, err := sim.run(cmd.Context())
			if err != nil {
				return err
			}
			renderSimulation(cmd.OutOrStdout(), p, steps)
			return nil
		},
	}
	cmd.Flags().StringVar(&policy, "policy", "", "rate policy, per_block=N or blocks=B")
	cmd.Flags().StringVar(&ticks, "ticks", "", "comma separated ticks, one attempt each")
	cmd.Flags().StringVar(&start, "start", string(ratelimit.StartOpen), "start mode, open or closed")
	cmd.Flags().Int64Var(&created, "created", -1, "creation tick (defaults to the first tick)")
	_ = cmd.MarkFlagRequired("policy")
	_ = cmd.MarkFlagRequired("ticks")
	return cmd
}

func parseTicks(s string) ([]uint64, error) {
	var out []uint64
	for _, f := range strings.Split(s, ",") {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		t, err := strconv.ParseUint(f, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("tick %q: %w", f, err)
		}
		out = append(out, t)
	}
	if len(out) == 0 {
		return nil, errors.New("no ticks given")
	}
	return out, nil
}

func (s simulation) run(ctx context.Context) ([]simStep, error) {
	store := ratelimit.NewMemoryStore()
	defer store.Close()

	eng, err := ratelimit.NewEngine(ctx, ratelimit.EngineConfig{
		Key:    "simulate",
		Policy: s.policy,
		Store:  store,
		Start:  s.start,
	}, s.created)
	if err != nil {
		return nil, err
	}

	steps := make([]simStep, 0, len(s.ticks))
	for _, t := range s.ticks {
		adm, err := eng.TryAdmit(ctx, t)
		switch {
		case err == nil:
			steps = append(steps, simStep{Tick: t, Allowed: true, State: adm.Next})
		case errors.Is(err, ratelimit.ErrRateLimitExceeded):
			snap, serr := eng.Snapshot(ctx)
			if serr != nil {
				return nil, serr
			}
			steps = append(steps, simStep{Tick: t, State: snap.State})
		default:
			return nil, err
		}
	}
	return steps, nil
}

func renderSimulation(w io.Writer, p rate.Policy, steps []simStep) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleRounded)
	t.SetTitle(p.String())
	t.AppendHeader(table.Row{"#", "Tick", "Decision", "Last tick", "Count in tick"})

	admitted := 0
	for i, s := range steps {
		decision := "rejected"
		if s.Allowed {
			decision = "admitted"
			admitted++
		}
		t.AppendRow(table.Row{i + 1, s.Tick, decision, s.State.LastTick, s.State.CountInTick})
	}
	t.AppendFooter(table.Row{"", "", fmt.Sprintf("%d/%d admitted", admitted, len(steps)), "", ""})
	t.Render()
}
