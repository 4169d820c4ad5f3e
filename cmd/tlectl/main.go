// Command tlectl inspects three-line element-set files: it lists records
// with their decoded designators, prints current positions, and samples
// ground tracks as the globe server would compute them. It also reads
// back the load archive the server keeps.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	cli "github.com/jawher/mow.cli"

	"github.com/signalsfoundry/satellite-globe/core"
	"github.com/signalsfoundry/satellite-globe/internal/geojson"
	"github.com/signalsfoundry/satellite-globe/internal/logging"
	"github.com/signalsfoundry/satellite-globe/internal/source"
	"github.com/signalsfoundry/satellite-globe/internal/store"
	"github.com/signalsfoundry/satellite-globe/model"
)

func main() {
	app := newApp(os.Stdout)
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		cli.Exit(1)
	}
}

func newApp(out io.Writer) *cli.Cli {
	app := cli.App("tlectl", "Inspect three-line element sets")
	log := logging.NewWithWriter(os.Stderr, logging.ConfigFromEnv())
	cacheDir := app.StringOpt("cache-dir", "", "Download directory for http(s) sources")

	fetch := func(location string) ([]model.ElementSet, error) {
		data, err := source.NewResource(*cacheDir).Fetch(context.Background(), location)
		if err != nil {
			return nil, err
		}
		return core.ParseElementSets(string(data)), nil
	}

	app.Command("parse", "List records, designators and validation errors", func(cmd *cli.Cmd) {
		cmd.Spec = "FILE"
		file := cmd.StringArg("FILE", "", "Path or http(s) URL of the element-set text")
		cmd.Action = func() {
			sets, err := fetch(*file)
			if err != nil {
				fail(err)
			}
			if err := writeParse(out, sets); err != nil {
				fail(err)
			}
		}
	})

	app.Command("position", "Print every satellite's position as GeoJSON", func(cmd *cli.Cmd) {
		cmd.Spec = "FILE [--at]"
		file := cmd.StringArg("FILE", "", "Path or http(s) URL of the element-set text")
		at := cmd.StringOpt("at", "", "RFC 3339 instant (default now)")
		cmd.Action = func() {
			when, err := parseInstant(*at)
			if err != nil {
				fail(err)
			}
			sets, err := fetch(*file)
			if err != nil {
				fail(err)
			}
			features := positions(sets, when, log)
			if err := writeJSON(out, geojson.Satellites(features)); err != nil {
				fail(err)
			}
		}
	})

	app.Command("track", "Print one satellite's ground track as a GeoJSON line", func(cmd *cli.Cmd) {
		cmd.Spec = "FILE --name [--at] [--step] [--steps] [--workers]"
		file := cmd.StringArg("FILE", "", "Path or http(s) URL of the element-set text")
		name := cmd.StringOpt("name", "", "Common name of the satellite")
		at := cmd.StringOpt("at", "", "RFC 3339 start instant (default now)")
		step := cmd.StringOpt("step", core.DefaultTrackStep.String(), "Sample spacing")
		steps := cmd.IntOpt("steps", core.DefaultTrackSteps, "Number of samples")
		workers := cmd.IntOpt("workers", 4, "Parallel samplers")
		cmd.Action = func() {
			when, err := parseInstant(*at)
			if err != nil {
				fail(err)
			}
			spacing, err := time.ParseDuration(*step)
			if err != nil || spacing <= 0 {
				fail(fmt.Errorf("invalid --step %q", *step))
			}
			sets, err := fetch(*file)
			if err != nil {
				fail(err)
			}
			track, err := buildTrack(sets, *name, when, spacing, *steps, *workers)
			if err != nil {
				fail(err)
			}
			if err := writeJSON(out, geojson.Track(track)); err != nil {
				fail(err)
			}
		}
	})

	app.Command("archive", "Show the satellites stored for a load in a globe-server archive", func(cmd *cli.Cmd) {
		cmd.Spec = "DB [--load]"
		db := cmd.StringArg("DB", "", "Path of the sqlite archive written by globe-server")
		loadID := cmd.IntOpt("load", 0, "Load ID (default latest)")
		cmd.Action = func() {
			archive, err := store.Open(*db)
			if err != nil {
				fail(err)
			}
			defer archive.Close()
			if err := writeArchive(context.Background(), out, archive, int64(*loadID)); err != nil {
				fail(err)
			}
		}
	})

	return app
}

func writeParse(out io.Writer, sets []model.ElementSet) error {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "#\tNAME\tLAUNCH\tNUMBER\tPIECE\tSTATUS")
	valid := 0
	for i, es := range sets {
		status := "ok"
		var d model.Designator
		err := core.ValidateElementSet(es)
		if err == nil {
			d, err = core.DecodeDesignator(es.Line1)
		}
		if err != nil {
			var pe *core.ParseError
			if errors.As(err, &pe) {
				pe.Record = i
				pe.Name = es.Name
			}
			status = err.Error()
		} else {
			valid++
		}
		fmt.Fprintf(tw, "%d\t%s\t%d\t%d\t%s\t%s\n", i, es.Name, d.LaunchYear, d.LaunchNumber, d.Piece, status)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	_, err := fmt.Fprintf(out, "%d records, %d valid\n", len(sets), valid)
	return err
}

func writeArchive(ctx context.Context, out io.Writer, archive *store.SQLiteStore, loadID int64) error {
	if loadID == 0 {
		latest, err := archive.LatestLoad(ctx)
		if err != nil {
			return err
		}
		loadID = latest.ID
		fmt.Fprintf(out, "load %d from %s at %s, %d satellites, sha256 %s\n",
			latest.ID, latest.Source, latest.LoadedAt.UTC().Format(time.RFC3339), latest.FeatureCount, latest.ContentSHA256)
	}
	features, err := archive.Features(ctx, loadID)
	if err != nil {
		return err
	}
	if len(features) == 0 {
		return fmt.Errorf("load %d has no archived satellites", loadID)
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tDESIGNATOR\tLON\tLAT\tHEIGHT_M")
	for _, f := range features {
		d := f.Designator
		fmt.Fprintf(tw, "%d\t%s\t%d-%03d%s\t%.4f\t%.4f\t%.0f\n",
			f.ID, f.ElementSet.Name, d.LaunchYear, d.LaunchNumber, d.Piece,
			f.Position.LongitudeDeg, f.Position.LatitudeDeg, f.Position.HeightM)
	}
	return tw.Flush()
}

// positions mirrors a session load: malformed records and failed
// propagations are skipped and ordinals stay dense.
func positions(sets []model.ElementSet, at time.Time, log logging.Logger) []model.Feature {
	deriver := core.NewPositionDeriver(nil, nil)
	features := make([]model.Feature, 0, len(sets))
	for _, es := range sets {
		if err := core.ValidateElementSet(es); err != nil {
			log.Warn(context.Background(), "skipping element set", logging.Err(err))
			continue
		}
		d, err := core.DecodeDesignator(es.Line1)
		if err != nil {
			log.Warn(context.Background(), "skipping element set", logging.String("name", es.Name), logging.Err(err))
			continue
		}
		pos, ok := deriver.Derive(es, at)
		if !ok {
			continue
		}
		features = append(features, model.Feature{ID: len(features), ElementSet: es, Designator: d, Position: pos})
	}
	return features
}

func buildTrack(sets []model.ElementSet, name string, at time.Time, step time.Duration, steps, workers int) (model.Track, error) {
	for i, es := range sets {
		if es.Name != name {
			continue
		}
		b := core.NewTrackBuilder(core.NewPositionDeriver(nil, nil))
		b.Step = step
		b.Steps = steps
		if workers > 1 {
			b.Workers = workers
		}
		return b.Build(context.Background(), i, es, at), nil
	}
	return model.Track{}, fmt.Errorf("no element set named %q", name)
}

func parseInstant(raw string) (time.Time, error) {
	if raw == "" {
		return time.Now().UTC(), nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid --at %q: %w", raw, err)
	}
	return t.UTC(), nil
}

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func fail(err error) {
	fmt.Fprintln(os.Stderr, "tlectl:", err)
	cli.Exit(1)
}
