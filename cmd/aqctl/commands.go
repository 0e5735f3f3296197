package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/khrystyna-dutka/Masterwork/pkg/api"
	"github.com/khrystyna-dutka/Masterwork/pkg/client"
)

var errUsage = errors.New("usage")

type globals struct {
	server  string
	timeout time.Duration
	json    bool
}

type command struct {
	name  string
	usage string
	run   func(ctx context.Context, c *client.ForecasterClient, g globals, args []string, out io.Writer) error
}

var commands = []command{
	{"current", "-zone N", runCurrent},
	{"forecast", "[-zone N] [-hours H] [-save]", runForecast},
	{"train", "-zone N [-days D] [-epochs E]", runTrain},
	{"monitor", "[-zone N]", runMonitor},
	{"status", "", runStatus},
	{"scaler", "-zone N", runScaler},
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// run executes one command and returns the process exit code.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("aqctl", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var g globals
	fs.StringVar(&g.server, "server", getEnv("AQ_SERVER", "http://localhost:8081"), "Forecaster base URL")
	// Training runs synchronously on the server.
	fs.DurationVar(&g.timeout, "timeout", 10*time.Minute, "Request timeout")
	fs.BoolVar(&g.json, "json", false, "Print raw JSON")
	fs.Usage = func() { usage(fs) }
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return 2
	}

	name := fs.Arg(0)
	for _, cmd := range commands {
		if cmd.name != name {
			continue
		}
		c := client.NewForecasterClientWithTimeout(strings.TrimRight(g.server, "/"), g.timeout)
		err := cmd.run(ctx, c, g, fs.Args()[1:], stdout)
		switch {
		case errors.Is(err, errUsage), errors.Is(err, flag.ErrHelp):
			fmt.Fprintf(stderr, "usage: aqctl %s %s\n", cmd.name, cmd.usage)
			return 2
		case err != nil:
			fmt.Fprintf(stderr, "aqctl %s: %v\n", cmd.name, err)
			return 1
		}
		return 0
	}
	fmt.Fprintf(stderr, "aqctl: unknown command %q\n", name)
	fs.Usage()
	return 2
}

func usage(fs *flag.FlagSet) {
	w := fs.Output()
	fmt.Fprintln(w, "usage: aqctl [flags] <command> [command flags]")
	fmt.Fprintln(w, "\ncommands:")
	for _, c := range commands {
		fmt.Fprintf(w, "  %-9s %s\n", c.name, c.usage)
	}
	fmt.Fprintln(w, "\nflags:")
	fs.PrintDefaults()
}

// subFlags parses a command's flags. Errors are reported by the caller.
func subFlags(name string, args []string, define func(*flag.FlagSet)) error {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	define(fs)
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}
	if fs.NArg() > 0 {
		return fmt.Errorf("%w: unexpected arguments %v", errUsage, fs.Args())
	}
	return nil
}

func requireZone(zone int) error {
	if zone == 0 {
		return fmt.Errorf("%w: -zone is required", errUsage)
	}
	return nil
}

func printJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func runCurrent(ctx context.Context, c *client.ForecasterClient, g globals, args []string, out io.Writer) error {
	var zone int
	if err := subFlags("current", args, func(fs *flag.FlagSet) { fs.IntVar(&zone, "zone", 0, "zone 1-6") }); err != nil {
		return err
	}
	if err := requireZone(zone); err != nil {
		return err
	}
	res, err := c.Current(ctx, zone)
	if err != nil {
		return err
	}
	if g.json {
		return printJSON(out, res.Forecast)
	}
	if res.Stale {
		fmt.Fprintln(out, "warning: forecast is stale")
	}
	return writeForecast(out, res.Forecast)
}

func runForecast(ctx context.Context, c *client.ForecasterClient, g globals, args []string, out io.Writer) error {
	var zone, hours int
	var save bool
	err := subFlags("forecast", args, func(fs *flag.FlagSet) {
		fs.IntVar(&zone, "zone", 0, "zone 1-6, all zones when omitted")
		fs.IntVar(&hours, "hours", 24, "forecast horizon in hours")
		fs.BoolVar(&save, "save", false, "store the forecast")
	})
	if err != nil {
		return err
	}
	if zone == 0 {
		res, err := c.ForecastAll(ctx, hours, save)
		if err != nil {
			return err
		}
		if g.json {
			return printJSON(out, res)
		}
		for _, zf := range res.Zones {
			if err := writeForecast(out, zf); err != nil {
				return err
			}
		}
		if res.Failed > 0 {
			return fmt.Errorf("%d of %d zones failed", res.Failed, len(res.Zones))
		}
		return nil
	}
	zf, err := c.Forecast(ctx, zone, hours, save)
	if err != nil {
		return err
	}
	if g.json {
		return printJSON(out, zf)
	}
	return writeForecast(out, zf)
}

func writeForecast(out io.Writer, zf api.ZoneForecast) error {
	fmt.Fprintf(out, "zone %d %s\n", zf.Zone, zf.ZoneName)
	if zf.Error != "" {
		fmt.Fprintf(out, "  error: %s\n", zf.Error)
		return nil
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "  TIME\tAQI\tSTATUS\tDOMINANT\tPM2.5\tPM10\tCONFIDENCE")
	for _, p := range zf.Forecasts {
		fmt.Fprintf(tw, "  %s\t%d\t%s\t%s\t%.1f\t%.1f\t%.2f\n",
			p.Time.UTC().Format("2006-01-02 15:04"), p.AQI, p.Status, p.Dominant,
			p.Pollutants["pm25"], p.Pollutants["pm10"], p.Confidence)
	}
	return tw.Flush()
}

func runTrain(ctx context.Context, c *client.ForecasterClient, g globals, args []string, out io.Writer) error {
	var zone, days, epochs int
	err := subFlags("train", args, func(fs *flag.FlagSet) {
		fs.IntVar(&zone, "zone", 0, "zone 1-6")
		fs.IntVar(&days, "days", 0, "days of history, server default when 0")
		fs.IntVar(&epochs, "epochs", 0, "training epochs, server default when 0")
	})
	if err != nil {
		return err
	}
	if err := requireZone(zone); err != nil {
		return err
	}
	res, err := c.Train(ctx, zone, days, epochs)
	if err != nil {
		return err
	}
	if g.json {
		return printJSON(out, res)
	}
	r := res.Report
	fmt.Fprintf(out, "zone %d %s trained (%s)\n", res.Zone, res.ZoneName, r.Kind)
	fmt.Fprintf(out, "  samples      %d train / %d validation\n", r.TrainSamples, r.ValSamples)
	fmt.Fprintf(out, "  mean MAE     %.3f µg/m³\n", r.Evaluation.MeanMAE)
	fmt.Fprintf(out, "  persistence  %.3f µg/m³\n", r.BaselineMAE)
	fmt.Fprintf(out, "  improvement  %.1f%%\n", res.Improvement*100)
	return nil
}

func runMonitor(ctx context.Context, c *client.ForecasterClient, g globals, args []string, out io.Writer) error {
	var zone int
	if err := subFlags("monitor", args, func(fs *flag.FlagSet) { fs.IntVar(&zone, "zone", 0, "zone 1-6, all zones when omitted") }); err != nil {
		return err
	}
	res, err := c.Monitor(ctx, zone)
	if err != nil {
		return err
	}
	if g.json {
		return printJSON(out, res)
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ZONE\tFROM\tTO\tREASON\tMAE\tRETRAINED\tERROR")
	for _, d := range res.Decisions {
		mae := "-"
		if d.Accuracy != nil {
			mae = fmt.Sprintf("%.3f", d.Accuracy.MAE)
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%t\t%s\n", d.Zone, d.From, d.To, d.Reason, mae, d.Retrained, d.Error)
	}
	return tw.Flush()
}

func runStatus(ctx context.Context, c *client.ForecasterClient, g globals, args []string, out io.Writer) error {
	if err := subFlags("status", args, func(*flag.FlagSet) {}); err != nil {
		return err
	}
	res, err := c.Status(ctx)
	if err != nil {
		return err
	}
	if g.json {
		return printJSON(out, res)
	}
	sort.Slice(res.Zones, func(i, j int) bool { return res.Zones[i].Zone < res.Zones[j].Zone })
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ZONE\tNAME\tMODEL\tSTATE\tTRAINED\tMAE\tFINE-TUNES")
	for _, z := range res.Zones {
		kind, trained, mae := "-", "-", "-"
		if z.Exists {
			kind = string(z.Kind)
			trained = z.TrainedAt.UTC().Format(time.RFC3339)
			mae = fmt.Sprintf("%.3f", z.MeanMAE)
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\t%d\n", z.Zone, z.Name, kind, z.State, trained, mae, z.FineTunes)
	}
	return tw.Flush()
}

func runScaler(ctx context.Context, c *client.ForecasterClient, g globals, args []string, out io.Writer) error {
	var zone int
	if err := subFlags("scaler", args, func(fs *flag.FlagSet) { fs.IntVar(&zone, "zone", 0, "zone 1-6") }); err != nil {
		return err
	}
	if err := requireZone(zone); err != nil {
		return err
	}
	res, err := c.Scaler(ctx, zone)
	if err != nil {
		return err
	}
	if g.json {
		return printJSON(out, res)
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "COLUMN\tMIN\tMAX")
	for i, col := range res.Columns {
		fmt.Fprintf(tw, "%s\t%g\t%g\n", col, res.Min[i], res.Max[i])
	}
	return tw.Flush()
}
