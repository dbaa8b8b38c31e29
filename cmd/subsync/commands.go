package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/sirupsen/logrus"

	"subsync/config"
	"subsync/geo"
	"subsync/parser"
	"subsync/probe"
	"subsync/singbox"
	"subsync/store"
	"subsync/subscription"
)

type app struct {
	cfg   *config.Config
	store *store.SQLite
}

func run(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("subsync", flag.ContinueOnError)
	configPath := fs.String("c", "", "config file (default: user config dir)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	rest := fs.Args()
	if len(rest) == 0 {
		printUsage()
		return fmt.Errorf("missing command")
	}
	if rest[0] == "parse" {
		if len(rest) != 2 {
			return fmt.Errorf("usage: subsync parse <file>")
		}
		return runParse(rest[1], out)
	}

	a, err := openApp(*configPath)
	if err != nil {
		return err
	}
	defer a.store.Close()

	switch rest[0] {
	case "group":
		if len(rest) < 2 {
			return fmt.Errorf("usage: subsync group add|list")
		}
		switch rest[1] {
		case "add":
			return a.groupAdd(ctx, rest[2:], out)
		case "list":
			return a.groupList(ctx, out)
		default:
			return fmt.Errorf("unknown group command: %s", rest[1])
		}
	case "list":
		id, err := groupIDArg(rest, 1)
		if err != nil {
			return err
		}
		return a.list(ctx, id, out)
	case "import":
		id, err := groupIDArg(rest, 2)
		if err != nil {
			return err
		}
		return a.importFile(ctx, id, rest[2], out)
	case "update":
		id, err := groupIDArg(rest, 1)
		if err != nil {
			return err
		}
		return a.update(ctx, id, out)
	case "select":
		id, err := groupIDArg(rest, 1)
		if err != nil {
			return err
		}
		return a.selectBest(ctx, id, out)
	case "geotag":
		id, err := groupIDArg(rest, 1)
		if err != nil {
			return err
		}
		return a.geotag(ctx, id, out)
	case "serve":
		return a.serve(ctx)
	default:
		printUsage()
		return fmt.Errorf("unknown command: %s", rest[0])
	}
}

func openApp(configPath string) (*app, error) {
	if configPath == "" {
		path, err := config.DefaultPath()
		if err != nil {
			return nil, err
		}
		configPath = path
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if os.Getenv("LOG_LEVEL") == "" {
		logrus.SetLevel(cfg.Level())
	}
	db, err := store.OpenSQLite(cfg.Database)
	if err != nil {
		return nil, err
	}
	return &app{cfg: cfg, store: db}, nil
}

// groupIDArg parses args[1] as a group id and checks that want positional
// arguments follow the command.
func groupIDArg(args []string, want int) (int64, error) {
	if len(args) != want+1 {
		return 0, fmt.Errorf("usage: subsync %s <group>%s", args[0], strings.Repeat(" <arg>", want-1))
	}
	id, err := strconv.ParseInt(args[1], 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid group id: %s", args[1])
	}
	return id, nil
}

func runParse(path string, out io.Writer) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	text := string(raw)
	list, err := parser.ParseRaw(text, filepath.Base(path))
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "#\tKIND\tNAME\tSERVER")
	for i, d := range list {
		server := d.Server
		if d.Port > 0 {
			server = fmt.Sprintf("%s:%d", d.Server, d.Port)
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", i+1, d.Kind, d.DisplayName(), server)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	if doc := singbox.Sanitize(singbox.ConvertToConfig(text)); doc != "" {
		fmt.Fprintln(out)
		fmt.Fprintln(out, doc)
	}
	return nil
}

func (a *app) fetcher() (*subscription.HTTPFetcher, error) {
	return subscription.NewHTTPFetcher(subscription.FetchOptions{
		Timeout:       a.cfg.FetchTimeout(),
		SOCKS5:        a.cfg.FetchSOCKS5,
		AllowInsecure: a.cfg.AllowInsecure,
		TLS13Only:     a.cfg.TLS13Only,
		MirrorPrefix:  a.cfg.MirrorPrefix,
	})
}

func (a *app) updater() (*subscription.Updater, error) {
	fetcher, err := a.fetcher()
	if err != nil {
		return nil, err
	}
	return subscription.NewUpdater(a.store, fetcher, subscription.LogSink{}), nil
}

func (a *app) groupAdd(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("group add", flag.ContinueOnError)
	userAgent := fs.String("ua", a.cfg.UserAgent, "custom user agent")
	dedupe := fs.Bool("dedup", false, "drop endpoints with identical connection settings")
	forceResolve := fs.Bool("force-resolve", false, "replace hostnames with their first address")
	autoUpdate := fs.Bool("auto", false, "update from the scheduler")
	interval := fs.Int("interval", 360, "auto update interval in minutes")
	order := fs.String("order", string(store.OrderOrigin), "ordering: origin | by_name | by_delay")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() < 1 || fs.NArg() > 2 {
		return fmt.Errorf("usage: subsync group add [flags] <name> [link]")
	}
	group := &store.Group{
		Name:  fs.Arg(0),
		Order: store.GroupOrder(*order),
	}
	if link := fs.Arg(1); link != "" {
		group.Subscription = &store.Subscription{
			Link:           link,
			UserAgent:      *userAgent,
			Deduplicate:    *dedupe,
			ForceResolve:   *forceResolve,
			AutoUpdate:     *autoUpdate,
			UpdateInterval: *interval,
		}
	}
	id, err := a.store.CreateGroup(ctx, group)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "created group %d\n", id)
	return nil
}

func (a *app) groupList(ctx context.Context, out io.Writer) error {
	groups, err := a.store.ListGroups(ctx)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tTYPE\tENDPOINTS\tLINK")
	for _, g := range groups {
		count, err := a.store.CountByGroup(ctx, g.ID)
		if err != nil {
			return err
		}
		link := ""
		if g.Subscription != nil {
			link = g.Subscription.Link
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%s\n", g.ID, g.Name, g.Type, count, link)
	}
	return w.Flush()
}

func (a *app) list(ctx context.Context, groupID int64, out io.Writer) error {
	group, err := a.store.GetGroup(ctx, groupID)
	if err != nil {
		return err
	}
	entities, err := a.store.ListByGroup(ctx, groupID)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, " \tID\tORDER\tKIND\tNAME\tPING")
	for _, e := range entities {
		mark := ""
		if e.ID == group.PreferredID {
			mark = "*"
		}
		ping := "-"
		if e.Ping > 0 {
			ping = fmt.Sprintf("%dms", e.Ping)
		}
		fmt.Fprintf(w, "%s\t%d\t%d\t%s\t%s\t%s\n", mark, e.ID, e.Order, e.Descriptor.Kind, e.DisplayName(), ping)
	}
	return w.Flush()
}

func (a *app) importFile(ctx context.Context, groupID int64, path string, out io.Writer) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if _, err := a.store.GetGroup(ctx, groupID); err != nil {
		return err
	}
	updater, err := a.updater()
	if err != nil {
		return err
	}
	names, err := updater.ImportProfiles(ctx, string(raw), filepath.Base(path), groupID)
	if err != nil {
		return err
	}
	for _, name := range names {
		fmt.Fprintln(out, name)
	}
	return nil
}

func (a *app) update(ctx context.Context, groupID int64, out io.Writer) error {
	updater, err := a.updater()
	if err != nil {
		return err
	}
	summary, err := updater.Update(ctx, groupID, true)
	if err != nil {
		return err
	}
	return writeJSON(out, summary)
}

func (a *app) selectBest(ctx context.Context, groupID int64, out io.Writer) error {
	prober := probe.NewBoxProber(a.cfg.SingBoxPath, a.cfg.ProbeWorkDir)
	selection, err := probe.NewSelector(a.store, prober, nil).SelectBest(ctx, groupID)
	if err != nil {
		return err
	}
	if selection.BestID == 0 {
		fmt.Fprintln(out, "no endpoint answered")
		return nil
	}
	fmt.Fprintf(out, "selected %d %s (%dms)\n", selection.BestID, selection.BestName, selection.Scores[selection.BestID])
	return nil
}

func (a *app) geotag(ctx context.Context, groupID int64, out io.Writer) error {
	locator, err := geo.NewDefaultCascade(a.cfg.GeoTimeout(), a.cfg.MMDBPath)
	if err != nil {
		return err
	}
	defer locator.Close()
	prober := probe.NewBoxProber(a.cfg.SingBoxPath, a.cfg.ProbeWorkDir)
	report, err := probe.NewGeoTagger(a.store, prober, locator, nil).RunForGroup(ctx, groupID)
	if err != nil {
		return err
	}
	return writeJSON(out, report)
}

func (a *app) serve(ctx context.Context) error {
	updater, err := a.updater()
	if err != nil {
		return err
	}
	scheduler := subscription.NewScheduler(updater, a.cfg.SchedulerTick())
	logrus.Infof("[Subscription] scheduler started, tick %s", a.cfg.SchedulerTick())
	scheduler.Start(ctx)
	<-ctx.Done()
	scheduler.Stop()
	logrus.Infoln("[Subscription] scheduler stopped")
	return nil
}

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
