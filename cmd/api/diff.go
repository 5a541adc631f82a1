package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"fieldshare/internal/schema"
	"fieldshare/internal/schemasrc"
	"fieldshare/internal/selection"
)

// diffOptions drives an offline selection session against local files.
type diffOptions struct {
	SchemaFile   string
	BaselineFile string
	DraftFile    string
	Institution  string
	Select       []string
	Deselect     []string
	Cascade      bool
	Output       string
}

func newDiffCmd() *cobra.Command {
	opts := diffOptions{}
	cmd := &cobra.Command{
		Use:   "diff",
		Short: "Print the change set of a selection against a baseline",
		Long: `Loads a schema tree and a baseline from local YAML or JSON files, replays
the given toggles for one institution and prints the resulting change set.
Cascade confirmations are accepted with --cascade and cancelled otherwise.`,
		Example: `  fieldshare diff --schema cvu.yaml --baseline shares.yaml --institution UNAM --select cvu_Identity`,
		RunE: func(cmd *cobra.Command, args []string) error {
			changes, err := runDiff(opts)
			if err != nil {
				return err
			}
			return writeChanges(cmd.OutOrStdout(), changes, opts.Output)
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&opts.SchemaFile, "schema", "", "schema tree file (.yaml, .yml or .json)")
	flags.StringVar(&opts.BaselineFile, "baseline", "", "baseline shares file")
	flags.StringVar(&opts.DraftFile, "draft", "", "saved draft state to start from")
	flags.StringVar(&opts.Institution, "institution", "", "institution the selection is for")
	flags.StringSliceVar(&opts.Select, "select", nil, "identifiers to select, in order")
	flags.StringSliceVar(&opts.Deselect, "deselect", nil, "identifiers to deselect, after selections")
	flags.BoolVar(&opts.Cascade, "cascade", true, "accept cascade confirmations")
	flags.StringVarP(&opts.Output, "output", "o", "json", "output format: json or yaml")
	_ = cmd.MarkFlagRequired("schema")
	_ = cmd.MarkFlagRequired("institution")
	return cmd
}

func runDiff(opts diffOptions) (selection.ChangeSet, error) {
	data, err := os.ReadFile(opts.SchemaFile)
	if err != nil {
		return selection.ChangeSet{}, fmt.Errorf("read schema: %w", err)
	}
	tree, err := schemasrc.DecodeTree(opts.SchemaFile, data)
	if err != nil {
		return selection.ChangeSet{}, err
	}
	index, err := schema.NewIndex(tree)
	if err != nil {
		return selection.ChangeSet{}, err
	}

	var baseline *selection.BaselineIndex
	if opts.BaselineFile != "" {
		raw, err := os.ReadFile(opts.BaselineFile)
		if err != nil {
			return selection.ChangeSet{}, fmt.Errorf("read baseline: %w", err)
		}
		if baseline, err = schemasrc.DecodeBaseline(opts.BaselineFile, raw); err != nil {
			return selection.ChangeSet{}, err
		}
	}

	engine := selection.NewEngine(index, baseline)
	state := selection.NewState(opts.Institution)
	if opts.DraftFile != "" {
		raw, err := os.ReadFile(opts.DraftFile)
		if err != nil {
			return selection.ChangeSet{}, fmt.Errorf("read draft: %w", err)
		}
		if err := json.Unmarshal(raw, &state); err != nil {
			return selection.ChangeSet{}, fmt.Errorf("decode draft: %w", err)
		}
		if state.Institution() != opts.Institution {
			return selection.ChangeSet{}, fmt.Errorf("draft belongs to %q, not %q", state.Institution(), opts.Institution)
		}
		state = resolvePending(engine, state, opts.Cascade)
	}

	apply := func(id string, checked bool) error {
		next, err := engine.Toggle(state, id, checked)
		if err != nil {
			return fmt.Errorf("toggle %s: %w", id, err)
		}
		state = resolvePending(engine, next, opts.Cascade)
		return nil
	}
	for _, id := range opts.Select {
		if err := apply(id, true); err != nil {
			return selection.ChangeSet{}, err
		}
	}
	for _, id := range opts.Deselect {
		if err := apply(id, false); err != nil {
			return selection.ChangeSet{}, err
		}
	}
	return engine.Changes(state), nil
}

func resolvePending(engine *selection.Engine, state selection.State, accept bool) selection.State {
	if state.Pending() == nil {
		return state
	}
	if accept {
		return engine.Accept(state)
	}
	return engine.Cancel(state)
}

func writeChanges(w io.Writer, changes selection.ChangeSet, format string) error {
	switch format {
	case "", "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(changes)
	case "yaml", "yml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(changes)
	default:
		return fmt.Errorf("unsupported output format %q", format)
	}
}
