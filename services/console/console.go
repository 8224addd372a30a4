// Package console is the operator front end for artifact collections. It
// works only through the client-side store and the action runner.
package console

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"lensboard/pkg/action"
	"lensboard/pkg/artifact"
	"lensboard/pkg/render"
	"lensboard/pkg/store"
	"lensboard/pkg/transport"
)

// Payload is the open JSON object the console edits.
type Payload = map[string]any

// ErrConflict is returned when the authority rejected an update because the
// artifact changed since it was loaded.
var ErrConflict = errors.New("artifact changed remotely")

// Config configures a Console.
type Config struct {
	APIBaseURL string
	Domain     string
	Type       string
	HTTPClient *http.Client
	Stdout     io.Writer
	Logger     zerolog.Logger
}

// Console operates on one collection.
type Console struct {
	key     artifact.Key
	coll    *store.Collection[Payload]
	release func()
	runner  *action.Runner
	engine  *render.Engine
	out     io.Writer
}

// New connects a Console to the authority at cfg.APIBaseURL.
func New(cfg Config) (*Console, error) {
	key, err := artifact.NewKey(cfg.Domain, cfg.Type)
	if err != nil {
		return nil, err
	}
	client, err := transport.NewHTTPClient(cfg.APIBaseURL, transport.WithHTTPClient(cfg.HTTPClient))
	if err != nil {
		return nil, err
	}
	coord, err := store.NewCoordinator(client, store.WithLogger(cfg.Logger))
	if err != nil {
		return nil, err
	}
	coll, err := store.Open[Payload](coord, key)
	if err != nil {
		return nil, err
	}
	runner, err := action.NewRunner(client, action.WithLogger(cfg.Logger))
	if err != nil {
		return nil, err
	}
	engine, err := render.New()
	if err != nil {
		return nil, err
	}
	out := cfg.Stdout
	if out == nil {
		out = os.Stdout
	}
	return &Console{key: key, coll: coll, release: coll.Hold(), runner: runner, engine: engine, out: out}, nil
}

// Close releases the console's hold on its collection.
func (c *Console) Close() {
	c.release()
}

// List loads the collection, seeding it when empty, and prints the items
// matching filter.
func (c *Console) List(ctx context.Context, filter store.Filter, seeds []artifact.Seed[Payload]) error {
	if err := c.coll.Load(ctx, seeds...); err != nil {
		return err
	}
	all := c.coll.Items()
	return c.print("items.tmpl", map[string]any{
		"Collection": c.key.String(),
		"Items":      store.Query(all, filter),
		"Total":      len(all),
	})
}

// Create adds an artifact.
func (c *Console) Create(ctx context.Context, title string, data Payload, meta *artifact.Meta) error {
	if data == nil {
		data = Payload{}
	}
	created, err := c.coll.Create(ctx, artifact.Draft[Payload]{Title: title, Data: data, Meta: meta})
	if err != nil {
		return err
	}
	return c.printArtifact("created", created)
}

// Update applies patch to id. A version conflict is reported with the
// authority's current copy and wrapped in ErrConflict.
func (c *Console) Update(ctx context.Context, id string, patch artifact.Patch) error {
	if patch.IsZero() {
		return errors.New("nothing to update")
	}
	if err := c.ensureLoaded(ctx); err != nil {
		return err
	}
	updated, err := c.coll.Update(ctx, id, patch)
	if errors.Is(err, artifact.ErrConflict) {
		if current, ok := c.coll.Get(id); ok {
			_ = c.printArtifact("current", current)
		}
		return fmt.Errorf("%w: %s was modified by someone else, review the current copy and retry", ErrConflict, id)
	}
	if err != nil {
		return err
	}
	return c.printArtifact("updated", updated)
}

// Remove deletes id.
func (c *Console) Remove(ctx context.Context, id string) error {
	if err := c.ensureLoaded(ctx); err != nil {
		return err
	}
	if _, ok := c.coll.Get(id); !ok {
		return fmt.Errorf("%s: %w", id, artifact.ErrNotFound)
	}
	if err := c.coll.Remove(ctx, id); err != nil {
		return err
	}
	_, err := fmt.Fprintf(c.out, "removed %s\n", id)
	return err
}

// RunAction invokes a named action on id and prints its result.
func (c *Console) RunAction(ctx context.Context, id, name string) error {
	res, err := c.runner.Run(c.key.Domain).Do(ctx, id, name)
	if err != nil {
		return err
	}
	return c.print("action.tmpl", map[string]any{
		"Action": name,
		"Domain": c.key.Domain,
		"ID":     id,
		"Result": res.Result,
	})
}

// ensureLoaded loads the collection unless an earlier command already did.
func (c *Console) ensureLoaded(ctx context.Context) error {
	if c.coll.State().Loaded {
		return nil
	}
	return c.coll.Load(ctx)
}

func (c *Console) printArtifact(verb string, a artifact.Artifact[Payload]) error {
	return c.print("artifact.tmpl", map[string]any{"Verb": verb, "Artifact": a})
}

func (c *Console) print(name string, data any) error {
	text, err := c.engine.Render(name, data)
	if err != nil {
		return err
	}
	_, err = io.WriteString(c.out, text)
	return err
}

// ReadSeeds parses a YAML list of seed artifacts.
func ReadSeeds(r io.Reader) ([]artifact.Seed[Payload], error) {
	var seeds []artifact.Seed[Payload]
	if err := yaml.NewDecoder(r).Decode(&seeds); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, fmt.Errorf("decode seeds: %w", err)
	}
	for i, s := range seeds {
		if strings.TrimSpace(s.Title) == "" {
			return nil, fmt.Errorf("seed %d: title is required", i)
		}
		if s.Data == nil {
			seeds[i].Data = Payload{}
		}
	}
	return seeds, nil
}

// ParsePayload decodes a JSON object given on the command line.
func ParsePayload(raw string) (Payload, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	data, err := artifact.ObjectData(json.RawMessage(raw))
	if err != nil {
		return nil, err
	}
	return data, nil
}
