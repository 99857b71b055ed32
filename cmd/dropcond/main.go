package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/pressly/cli"
	"github.com/stefanvanburen/dropcond/internal/config"
	"github.com/stefanvanburen/dropcond/internal/docstore"
	"github.com/stefanvanburen/dropcond/internal/dropdown"
	"github.com/stefanvanburen/dropcond/internal/predicate"
	"github.com/stefanvanburen/dropcond/internal/rename"
	"github.com/stefanvanburen/dropcond/internal/sandbox"
)

func main() {
	if err := cli.ParseAndRun(context.Background(), newRoot(), os.Args[1:], nil); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRoot() *cli.Command {
	return &cli.Command{
		Name:      "dropcond",
		ShortHelp: "Keep Grist dropdown conditions in step with column renames",
		SubCommands: []*cli.Command{
			{
				Name:      "rename",
				Usage:     "dropcond rename [flags] DOC Table.Old=New...",
				ShortHelp: "Rename columns in a document and rewrite the dropdown conditions that use them",
				Flags: cli.FlagsFunc(func(f *flag.FlagSet) {
					f.String("config", "", "path to a YAML config file")
					f.Bool("dry-run", false, "print the rewritten conditions without saving")
				}),
				Exec: runRename,
			},
			{
				Name:      "parse",
				Usage:     "dropcond parse [flags] FORMULA",
				ShortHelp: "Print the structured form of a dropdown condition",
				Flags:     configFlags(),
				Exec:      runParse,
			},
			{
				Name:      "entities",
				Usage:     "dropcond entities [flags] FORMULA",
				ShortHelp: "Print the choice attributes a dropdown condition uses",
				Flags:     configFlags(),
				Exec:      runEntities,
			},
			{
				Name:      "serve",
				ShortHelp: "Start the sandbox server (communicates over stdin/stdout)",
				Flags:     configFlags(),
				Exec: func(ctx context.Context, s *cli.State) error {
					engine, logger, err := setup(s)
					if err != nil {
						return err
					}
					return sandbox.Serve(ctx, engine, logger)
				},
			},
		},
	}
}

func configFlags() *flag.FlagSet {
	return cli.FlagsFunc(func(f *flag.FlagSet) {
		f.String("config", "", "path to a YAML config file")
	})
}

// setup loads the configuration named by the -config flag. Logs go to
// stderr so stdout stays machine readable.
func setup(s *cli.State) (*dropdown.Engine, *slog.Logger, error) {
	cfg, err := config.Load(cli.GetFlag[string](s, "config"))
	if err != nil {
		return nil, nil, err
	}
	logger, err := cfg.Logger(s.Stderr)
	if err != nil {
		return nil, nil, err
	}
	engine, err := cfg.Engine(logger)
	if err != nil {
		return nil, nil, err
	}
	return engine, logger, nil
}

func formulaArg(s *cli.State) (string, error) {
	if len(s.Args) != 1 {
		return "", errors.New("expected exactly one formula argument")
	}
	return s.Args[0], nil
}

func runParse(ctx context.Context, s *cli.State) error {
	text, err := formulaArg(s)
	if err != nil {
		return err
	}
	cfg, err := config.Load(cli.GetFlag[string](s, "config"))
	if err != nil {
		return err
	}
	parser, err := cfg.Parser()
	if err != nil {
		return err
	}
	out, err := predicate.Parser{Formula: parser}.ParseJSON(text)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(s.Stdout, out)
	return err
}

func runEntities(ctx context.Context, s *cli.State) error {
	text, err := formulaArg(s)
	if err != nil {
		return err
	}
	engine, _, err := setup(s)
	if err != nil {
		return err
	}
	entities, err := engine.Entities(text)
	if err != nil {
		return err
	}
	return printJSON(s.Stdout, entities)
}

func runRename(ctx context.Context, s *cli.State) error {
	if len(s.Args) < 2 {
		return errors.New("expected a document and at least one rename")
	}
	renames, err := rename.ParseMap(s.Args[1:])
	if err != nil {
		return err
	}
	engine, logger, err := setup(s)
	if err != nil {
		return err
	}

	store, err := docstore.Open(ctx, s.Args[0])
	if err != nil {
		return err
	}
	defer store.Close()

	columns, err := store.Columns(ctx)
	if err != nil {
		return err
	}
	res, err := engine.Rename(columns, renames)
	if err != nil {
		// Refused columns keep their old condition; the rest still apply.
		logger.Error("some dropdown conditions were not rewritten", "error", err)
	}
	if err := printJSON(s.Stdout, res); err != nil {
		return err
	}
	if cli.GetFlag[bool](s, "dry-run") {
		return nil
	}
	if err := store.RenameColumns(ctx, renames, res.Updates); err != nil {
		return err
	}
	logger.Info("renamed columns", "renames", len(renames), "conditions", len(res.Updates))
	return nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
