package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/rotisserie/eris"

	"phone-scraper/internal/app"
	"phone-scraper/internal/config"
	"phone-scraper/internal/logger"
	"phone-scraper/internal/scraper"
)

const cliClient = "cli"

const usage = `usage: scraper <command> [flags] [args]

commands:
  add <url> [-priority N]          store one listing URL
  add-batch <file> [-priority N]   store URLs listed one per line
  process [-batch N] [-all] [-from-queue] [-headless=false]
                                   extract phones for pending records
  stats                            show record counts
  show [-limit N] [-skip N]        list stored records, newest first
  retry-failed                     return failed records to pending
  clear [-yes]                     delete every record
  discover <search-url> [max-pages]
                                   collect listing URLs from search pages and store them
  enqueue <url> [priority]         push a URL into the queue only
  queue-status                     show queue sizes
  queue-reset                      empty the queue
`

var errUsage = errors.New("invalid usage")

func main() {
	if err := run(os.Args[1:]); err != nil {
		if errors.Is(err, errUsage) {
			fmt.Fprint(os.Stderr, usage)
			os.Exit(2)
		}
		fmt.Fprintf(os.Stderr, "scraper: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	if len(args) == 0 {
		return errUsage
	}
	command, rest := args[0], args[1:]
	if command == "help" || command == "-h" || command == "--help" {
		fmt.Print(usage)
		return nil
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	// a single operator feeding files should not trip the HTTP submission limit
	cfg.SubmissionsPerMinute = 0

	log, err := logger.New(cfg.LogLevel, "console")
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.Setup(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.Close()

	c := &cli{app: a}
	switch command {
	case "add":
		return c.add(ctx, rest)
	case "add-batch":
		return c.addBatch(ctx, rest)
	case "process":
		return c.process(ctx, rest)
	case "stats":
		return c.stats(ctx)
	case "show":
		return c.show(ctx, rest)
	case "retry-failed":
		return c.retryFailed(ctx)
	case "clear":
		return c.clear(ctx, rest)
	case "discover":
		return c.discover(ctx, rest)
	case "enqueue":
		return c.enqueue(ctx, rest)
	case "queue-status":
		return printJSON(a.Ingestion.QueueStatus(ctx))
	case "queue-reset":
		if err := a.Ingestion.ResetQueue(ctx); err != nil {
			return err
		}
		fmt.Println("queue reset")
		return nil
	default:
		return errUsage
	}
}

type cli struct {
	app *app.App
}

// parse accepts flags before or after positional arguments
func parse(fs *flag.FlagSet, args []string) ([]string, error) {
	var positional []string
	for {
		if err := fs.Parse(args); err != nil {
			return nil, errUsage
		}
		args = fs.Args()
		if len(args) == 0 {
			return positional, nil
		}
		positional = append(positional, args[0])
		args = args[1:]
	}
}

func (c *cli) add(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("add", flag.ContinueOnError)
	priority := fs.Int("priority", 0, "queue priority")
	pos, err := parse(fs, args)
	if err != nil || len(pos) != 1 {
		return errUsage
	}

	record, created, err := c.app.Ingestion.Submit(ctx, cliClient, pos[0], *priority)
	if err != nil {
		return err
	}
	if created {
		fmt.Printf("added #%d %s\n", record.ID, record.URL)
	} else {
		fmt.Printf("already stored as #%d (%s)\n", record.ID, record.State())
	}
	return nil
}

func (c *cli) addBatch(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("add-batch", flag.ContinueOnError)
	priority := fs.Int("priority", 0, "queue priority")
	pos, err := parse(fs, args)
	if err != nil || len(pos) != 1 {
		return errUsage
	}

	urls, err := readURLs(pos[0])
	if err != nil {
		return err
	}
	return c.submitAll(ctx, urls, *priority)
}

func (c *cli) submitAll(ctx context.Context, urls []string, priority int) error {
	resp := c.app.Ingestion.SubmitBatch(ctx, cliClient, urls, priority)
	fmt.Println(resp.Message)
	for _, itemErr := range resp.Errors {
		fmt.Printf("  rejected %s: %s\n", itemErr.URL, itemErr.Error)
	}
	return nil
}

// readURLs returns the non-empty lines of path, skipping # comments
func readURLs(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, eris.Wrapf(err, "failed to open %s", path)
	}
	defer f.Close()

	var urls []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		urls = append(urls, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, eris.Wrapf(err, "failed to read %s", path)
	}
	return urls, nil
}

func (c *cli) process(ctx context.Context, args []string) error {
	cfg := c.app.Config
	fs := flag.NewFlagSet("process", flag.ContinueOnError)
	batch := fs.Int("batch", cfg.BatchSize, "items to process")
	all := fs.Bool("all", false, "process every pending record")
	fromQueue := fs.Bool("from-queue", false, "take work from the queue instead of storage")
	headless := fs.Bool("headless", cfg.Headless, "run the browser without a window")
	if pos, err := parse(fs, args); err != nil || len(pos) > 0 {
		return errUsage
	}

	var (
		processed int
		err       error
	)
	switch {
	case *fromQueue:
		processed, err = c.app.Processor.DrainQueue(ctx, *batch, *headless)
	case *all:
		processed, err = c.app.Processor.ProcessAll(ctx, *headless)
	default:
		processed, err = c.app.Processor.ProcessBatch(ctx, *batch, *headless)
	}
	if err != nil {
		return err
	}

	fmt.Printf("processed %d record(s)\n", processed)
	return c.stats(ctx)
}

func (c *cli) stats(ctx context.Context) error {
	stats, err := c.app.Ingestion.Statistics(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("total: %d\nwith phone: %d\npending: %d\nerrors: %d\n",
		stats.Total, stats.WithPhone, stats.Pending, stats.WithError)
	return nil
}

func (c *cli) show(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("show", flag.ContinueOnError)
	limit := fs.Int("limit", 20, "records to show")
	skip := fs.Int("skip", 0, "records to skip")
	if pos, err := parse(fs, args); err != nil || len(pos) > 0 {
		return errUsage
	}

	records, err := c.app.Ingestion.ListRecords(ctx, *skip, *limit)
	if err != nil {
		return err
	}
	for _, r := range records {
		detail := ""
		switch {
		case r.Phone != nil:
			detail = *r.Phone
		case r.Error != nil:
			detail = *r.Error
		}
		fmt.Printf("#%-6d %-9s %-16s %s\n", r.ID, r.State(), detail, r.URL)
	}
	return nil
}

func (c *cli) retryFailed(ctx context.Context) error {
	n, err := c.app.Ingestion.RetryFailed(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("reset %d failed record(s)\n", n)
	return nil
}

func (c *cli) clear(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("clear", flag.ContinueOnError)
	yes := fs.Bool("yes", false, "skip confirmation")
	if pos, err := parse(fs, args); err != nil || len(pos) > 0 {
		return errUsage
	}

	if !*yes {
		fmt.Print("delete every stored record? [y/N] ")
		answer, _ := bufio.NewReader(os.Stdin).ReadString('\n')
		if !strings.EqualFold(strings.TrimSpace(answer), "y") {
			fmt.Println("aborted")
			return nil
		}
	}

	n, err := c.app.Ingestion.ClearRecords(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("deleted %d record(s)\n", n)
	return nil
}

func (c *cli) discover(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("discover", flag.ContinueOnError)
	priority := fs.Int("priority", 0, "queue priority")
	pos, err := parse(fs, args)
	if err != nil || len(pos) < 1 || len(pos) > 2 {
		return errUsage
	}

	maxPages := 1
	if len(pos) == 2 {
		if maxPages, err = strconv.Atoi(pos[1]); err != nil || maxPages <= 0 {
			return eris.Errorf("max-pages must be a positive number, got %q", pos[1])
		}
	}

	d, err := scraper.NewDiscoverer(scraper.DiscoverOptions{
		BrowserPath: c.app.Config.BrowserPath,
		Stealth:     true,
	}, c.app.Logger)
	if err != nil {
		return err
	}
	defer d.Close()

	urls, err := d.Discover(ctx, pos[0], maxPages)
	if err != nil {
		return err
	}
	fmt.Printf("found %d listing(s)\n", len(urls))
	if len(urls) == 0 {
		return nil
	}
	return c.submitAll(ctx, urls, *priority)
}

func (c *cli) enqueue(ctx context.Context, args []string) error {
	if len(args) < 1 || len(args) > 2 {
		return errUsage
	}
	priority := 0
	if len(args) == 2 {
		p, err := strconv.Atoi(args[1])
		if err != nil {
			return eris.Errorf("priority must be a number, got %q", args[1])
		}
		priority = p
	}

	if err := c.app.Ingestion.EnqueueOnly(ctx, args[0], priority); err != nil {
		return err
	}
	fmt.Printf("queued %s with priority %d\n", args[0], priority)
	return nil
}

func printJSON(v interface{}) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
