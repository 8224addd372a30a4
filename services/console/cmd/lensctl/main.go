package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"lensboard/pkg/artifact"
	"lensboard/pkg/store"
	"lensboard/services/console"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		if errors.Is(err, console.ErrConflict) {
			fmt.Fprintf(os.Stderr, "conflict: %v\n", err)
			os.Exit(2)
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

type globalFlags struct {
	api     string
	domain  string
	kind    string
	timeout time.Duration
	verbose bool
}

func newRootCommand() *cobra.Command {
	g := &globalFlags{}
	cmd := &cobra.Command{
		Use:           "lensctl",
		Short:         "Browse and edit lens artifact collections",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	defaultAPI := os.Getenv("LENS_API")
	if defaultAPI == "" {
		defaultAPI = "http://localhost:8080"
	}
	cmd.PersistentFlags().StringVar(&g.api, "api", defaultAPI, "Base URL of the lens authority")
	cmd.PersistentFlags().StringVar(&g.domain, "domain", "", "Collection domain (e.g. logistics)")
	cmd.PersistentFlags().StringVar(&g.kind, "type", "", "Collection artifact type (e.g. vehicle)")
	cmd.PersistentFlags().DurationVar(&g.timeout, "timeout", 30*time.Second, "Overall command timeout")
	cmd.PersistentFlags().BoolVarP(&g.verbose, "verbose", "v", false, "Log store activity to stderr")

	cmd.AddCommand(newItemsCommand(g))
	cmd.AddCommand(newActionCommand(g))
	return cmd
}

// open builds a console for the selected collection and a context bounded by
// --timeout. The returned cancel func also closes the console.
func (g *globalFlags) open(cmd *cobra.Command) (*console.Console, context.Context, context.CancelFunc, error) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	level := zerolog.WarnLevel
	if g.verbose {
		level = zerolog.DebugLevel
	}
	c, err := console.New(console.Config{
		APIBaseURL: g.api,
		Domain:     g.domain,
		Type:       g.kind,
		Stdout:     cmd.OutOrStdout(),
		Logger:     zerolog.New(zerolog.ConsoleWriter{Out: cmd.ErrOrStderr()}).Level(level).With().Timestamp().Logger(),
	})
	if err != nil {
		return nil, nil, nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	return c, ctx, func() {
		cancel()
		c.Close()
	}, nil
}

func newItemsCommand(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "items",
		Short: "List and edit artifacts in a collection",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	cmd.AddCommand(newItemsListCommand(g))
	cmd.AddCommand(newItemsCreateCommand(g))
	cmd.AddCommand(newItemsUpdateCommand(g))
	cmd.AddCommand(newItemsRemoveCommand(g))
	return cmd
}

func newItemsListCommand(g *globalFlags) *cobra.Command {
	var (
		filter    store.Filter
		seedsFile string
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List artifacts, seeding an empty collection from --seed",
		RunE: func(cmd *cobra.Command, args []string) error {
			var seeds []artifact.Seed[console.Payload]
			if seedsFile != "" {
				f, err := os.Open(seedsFile)
				if err != nil {
					return err
				}
				seeds, err = console.ReadSeeds(f)
				f.Close()
				if err != nil {
					return err
				}
			}
			c, ctx, cancel, err := g.open(cmd)
			if err != nil {
				return err
			}
			defer cancel()
			return c.List(ctx, filter, seeds)
		},
	}
	cmd.Flags().StringVar(&filter.Text, "search", "", "Free text matched against titles and payload values")
	cmd.Flags().StringVar(&filter.Status, "status", "", "Only artifacts with this status")
	cmd.Flags().StringSliceVar(&filter.Tags, "tag", nil, "Only artifacts carrying every given tag")
	cmd.Flags().StringVar(&seedsFile, "seed", "", "YAML file with fallback artifacts for an empty collection")
	return cmd
}

func newItemsCreateCommand(g *globalFlags) *cobra.Command {
	var (
		title string
		data  string
		meta  metaFlags
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an artifact",
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := console.ParsePayload(data)
			if err != nil {
				return err
			}
			c, ctx, cancel, err := g.open(cmd)
			if err != nil {
				return err
			}
			defer cancel()
			return c.Create(ctx, title, payload, meta.build(cmd))
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "Artifact title")
	cmd.Flags().StringVar(&data, "data", "", "JSON object payload")
	meta.register(cmd)
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func newItemsUpdateCommand(g *globalFlags) *cobra.Command {
	var (
		title string
		data  string
		meta  metaFlags
	)
	cmd := &cobra.Command{
		Use:   "update ID",
		Short: "Merge fields into an artifact payload",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := console.ParsePayload(data)
			if err != nil {
				return err
			}
			patch := artifact.Patch{Data: payload, Meta: meta.build(cmd)}
			if cmd.Flags().Changed("title") {
				t := strings.TrimSpace(title)
				patch.Title = &t
			}
			c, ctx, cancel, err := g.open(cmd)
			if err != nil {
				return err
			}
			defer cancel()
			return c.Update(ctx, args[0], patch)
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "New title")
	cmd.Flags().StringVar(&data, "data", "", "JSON object whose keys replace payload fields")
	meta.register(cmd)
	return cmd
}

func newItemsRemoveCommand(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:     "rm ID",
		Aliases: []string{"remove"},
		Short:   "Remove an artifact",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, ctx, cancel, err := g.open(cmd)
			if err != nil {
				return err
			}
			defer cancel()
			return c.Remove(ctx, args[0])
		},
	}
}

func newActionCommand(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "action",
		Short: "Invoke server-side actions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "run ID ACTION",
		Short: "Run a named action on an artifact and print its result",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, ctx, cancel, err := g.open(cmd)
			if err != nil {
				return err
			}
			defer cancel()
			return c.RunAction(ctx, args[0], args[1])
		},
	})
	return cmd
}

type metaFlags struct {
	status string
	tags   []string
}

func (m *metaFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&m.status, "status", "", "Artifact status")
	cmd.Flags().StringSliceVar(&m.tags, "tag", nil, "Artifact tag (repeatable)")
}

// build returns nil unless a meta flag was given, so updates keep the
// existing meta by default.
func (m *metaFlags) build(cmd *cobra.Command) *artifact.Meta {
	if !cmd.Flags().Changed("status") && !cmd.Flags().Changed("tag") {
		return nil
	}
	return &artifact.Meta{Status: m.status, Tags: m.tags}
}
