package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/pitabwire/maintflow/internal/definition"
	"github.com/pitabwire/maintflow/model"
)

var validateCmd = &cobra.Command{
	Use:   "validate <file>...",
	Short: "Check workflow definitions for structural problems",
	Long: `Loads YAML seed files or JSON drafts and reports every structural
violation: missing initial or final states, dangling transitions, dead ends
and unreachable states.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		failed, err := runValidate(cmd.OutOrStdout(), args)
		if err != nil {
			return err
		}
		if failed > 0 {
			return fmt.Errorf("%d definition(s) failed validation", failed)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(validateCmd)
}

// runValidate validates every definition in paths and returns how many
// were rejected.
func runValidate(out io.Writer, paths []string) (int, error) {
	drafts, err := definition.NewDraftDecoder()
	if err != nil {
		return 0, err
	}
	loader := definition.NewLoader()

	failed := 0
	for _, path := range paths {
		defs, err := readDefinitions(path, loader, drafts)
		if err != nil {
			var env *model.ErrorEnvelope
			if !errors.As(err, &env) {
				return failed, err
			}
			failed++
			fmt.Fprintf(out, "%s: %s\n", path, env.Message)
			for _, d := range env.Details {
				fmt.Fprintf(out, "  %s: %s\n", d.Field, d.Message)
			}
			continue
		}

		for _, def := range defs {
			if err := definition.ValidateFields(def); err != nil {
				var env *model.ErrorEnvelope
				if !errors.As(err, &env) {
					return failed, err
				}
				failed++
				fmt.Fprintf(out, "%s: %s %s\n", path, def.ID, env.Message)
				for _, d := range env.Details {
					fmt.Fprintf(out, "  %s: %s\n", d.Field, d.Message)
				}
				continue
			}
			res := definition.Validate(def)
			if res.Valid() {
				fmt.Fprintf(out, "%s: %s ok\n", path, def.ID)
				continue
			}
			failed++
			fmt.Fprintf(out, "%s: %s has %d violation(s)\n", path, def.ID, len(res.Violations))
			for _, v := range res.Violations {
				fmt.Fprintf(out, "  %s %s: %s\n", v.Code, v.Path, v.Message)
			}
		}
	}
	return failed, nil
}

func readDefinitions(path string, loader *definition.Loader, drafts *definition.DraftDecoder) ([]*model.WorkflowDefinition, error) {
	if strings.EqualFold(filepath.Ext(path), ".json") {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", path, err)
		}
		def, err := drafts.Decode(raw)
		if err != nil {
			return nil, err
		}
		return []*model.WorkflowDefinition{def}, nil
	}

	f, err := loader.LoadFile(path)
	if err != nil {
		return nil, err
	}
	defs := make([]*model.WorkflowDefinition, len(f.Workflows))
	for i := range f.Workflows {
		defs[i] = &f.Workflows[i]
	}
	return defs, nil
}
