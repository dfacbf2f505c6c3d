package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/lachiem1/drexpay/internal/auth"
	"github.com/lachiem1/drexpay/internal/billing"
	"github.com/lachiem1/drexpay/internal/ledger"
	"github.com/lachiem1/drexpay/internal/server"
	"github.com/lachiem1/drexpay/internal/storage"
	"github.com/lachiem1/drexpay/internal/tracker"
	"github.com/lachiem1/drexpay/internal/trackerapi"
	"github.com/lachiem1/drexpay/internal/tui"
	"github.com/samber/lo"
)

// target is where a command reads and writes the ledger.
type target struct {
	backend tui.Backend
	app     *app
	client  *trackerapi.Client
}

func (t *target) Close() {
	t.backend.Close()
	if t.app != nil {
		t.app.Close()
	}
}

func openTarget(ctx context.Context, remote bool, baseURL string, interactive bool) (*target, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if remote {
		if baseURL == "" {
			baseURL = cfg.API.BaseURL
		}
		client := trackerapi.NewWithBaseURL(baseURL)
		if err := client.Ping(ctx); err != nil {
			return nil, fmt.Errorf("reach server %s: %w", baseURL, err)
		}
		return &target{backend: tui.NewRemoteBackend(client), client: client}, nil
	}

	a, err := openApp(ctx, cfg, interactive)
	if err != nil {
		return nil, err
	}
	backend, err := tui.NewLocalBackend(a.db, a.svc, a.store, cfg.Refresh.PollInterval, a.log)
	if err != nil {
		a.Close()
		return nil, err
	}
	return &target{backend: backend, app: a}, nil
}

func (t *target) unlock(ctx context.Context) error {
	pin, err := promptSecret("Manager PIN: ")
	if err != nil {
		return err
	}
	return t.backend.Unlock(ctx, pin)
}

func (t *target) resolvePeriod(ctx context.Context, key string) (billing.Period, error) {
	periods, def, err := t.backend.Periods(ctx)
	if err != nil {
		return billing.Period{}, err
	}
	if strings.TrimSpace(key) == "" {
		return def, nil
	}
	p, ok := billing.FindPeriod(periods, strings.TrimSpace(key))
	if !ok {
		return billing.Period{}, fmt.Errorf("period %q is not a selectable billing month", key)
	}
	return p, nil
}

func runTUI(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("tui", flag.ContinueOnError)
	remote := fs.Bool("remote", false, "use a drexpay server instead of the local database")
	baseURL := fs.String("url", "", "server base URL (defaults to api.base_url)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	t, err := openTarget(ctx, *remote, *baseURL, true)
	if err != nil {
		return err
	}
	defer t.Close()

	opts := tui.Options{Backend: t.backend, Source: "local"}
	if t.app != nil {
		opts.Prefs = storage.NewAppConfigRepo(t.app.db)
		opts.PollInterval = t.app.cfg.Refresh.PollInterval
	} else {
		opts.Source = "remote " + lo.Ternary(*baseURL != "", *baseURL, "server")
	}

	p := tea.NewProgram(tui.New(opts), tea.WithAltScreen(), tea.WithContext(ctx))
	_, err = p.Run()
	if errors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil {
		return nil
	}
	return err
}

func runAuthSetPIN() error {
	pin, err := promptSecret("New manager PIN: ")
	if err != nil {
		return err
	}
	again, err := promptSecret("Repeat PIN: ")
	if err != nil {
		return err
	}
	if pin != again {
		return errors.New("PINs do not match")
	}
	if err := auth.SetManagerPIN(pin); err != nil {
		return err
	}
	fmt.Println("Manager PIN saved to your system credential store.")
	return nil
}

func runServe(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	addr := fs.String("addr", "", "listen address (defaults to server.addr)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if *addr != "" {
		cfg.Server.Addr = *addr
	}

	a, err := openApp(ctx, cfg, false)
	if err != nil {
		return err
	}
	defer a.Close()

	secret, err := auth.LoadTokenSecret()
	if err != nil {
		return fmt.Errorf("load token secret: %w", err)
	}
	issuer, err := auth.NewIssuer(secret, cfg.Server.TokenTTL)
	if err != nil {
		return err
	}

	srv, err := server.New(server.Options{
		Addr:    cfg.Server.Addr,
		Tracker: a.svc,
		Issuer:  issuer,
		Logger:  a.log,
	})
	if err != nil {
		return err
	}
	return srv.Run(ctx)
}

func runLedger(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("ledger", flag.ContinueOnError)
	period := fs.String("period", "", "billing month as YYYY-MM-01 (defaults to the current one)")
	service := fs.String("service", "", "only this service id")
	member := fs.String("member", "", "only this member id")
	review := fs.Bool("review", false, "only rows awaiting review")
	asJSON := fs.Bool("json", false, "print rows as JSON")
	remote := fs.Bool("remote", false, "use a drexpay server")
	baseURL := fs.String("url", "", "server base URL")
	if err := fs.Parse(args); err != nil {
		return err
	}

	t, err := openTarget(ctx, *remote, *baseURL, false)
	if err != nil {
		return err
	}
	defer t.Close()

	p, err := t.resolvePeriod(ctx, *period)
	if err != nil {
		return err
	}
	rows, gaps, err := t.backend.Ledger(ctx, p)
	if err != nil {
		return err
	}
	rows = lo.Filter(rows, func(r ledger.Row, _ int) bool {
		return (*service == "" || r.ServiceID == *service) &&
			(*member == "" || r.MemberID == *member) &&
			(!*review || r.Status == ledger.Pending)
	})

	if *asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]any{"period": p.Key(), "rows": rows, "gaps": gaps})
	}

	fmt.Println(p.Label)
	fmt.Println(renderLedgerTable(rows))
	for _, gap := range gaps {
		fmt.Fprintln(os.Stderr, "warning:", gap)
	}
	return nil
}

func renderLedgerTable(rows []ledger.Row) string {
	t := table.New().
		Border(lipgloss.NormalBorder()).
		Headers("MEMBER", "ID", "SERVICE", "CYCLE", "DUE", "PAID", "DIFF", "STATUS", "METHOD")
	for _, r := range rows {
		status := r.Status.String()
		if r.Status == ledger.Unpaid && r.IsOverdue {
			status = "overdue"
		}
		method := string(r.Method)
		if method == "" {
			method = "-"
		}
		t.Row(r.MemberName, r.MemberID, r.ServiceName, r.CycleLabel,
			r.RequiredAmount.StringFixed(2), r.PaidAmount.StringFixed(2), r.Discrepancy().StringFixed(2), status, method)
	}
	return t.Render()
}

func runMutation(ctx context.Context, action string, args []string) error {
	fs := flag.NewFlagSet(action, flag.ContinueOnError)
	period := fs.String("period", "", "billing month as YYYY-MM-01 (defaults to the current one)")
	member := fs.String("member", "", "member id")
	service := fs.String("service", "", "service id")
	methodRaw := fs.String("method", "", "GCash, Cash or Bank")
	remote := fs.Bool("remote", false, "use a drexpay server")
	baseURL := fs.String("url", "", "server base URL")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *member == "" || *service == "" {
		return fmt.Errorf("usage: drexpay %s --member M --service S", action)
	}
	method, err := ledger.ParseMethod(*methodRaw)
	if err != nil {
		return err
	}
	if action == "report" && method == ledger.MethodNone {
		method = ledger.DefaultMethod
	}

	t, err := openTarget(ctx, *remote, *baseURL, false)
	if err != nil {
		return err
	}
	defer t.Close()

	p, err := t.resolvePeriod(ctx, *period)
	if err != nil {
		return err
	}
	if action != "report" {
		if err := t.unlock(ctx); err != nil {
			return err
		}
	}

	cell := ledger.Row{MemberID: *member, ServiceID: *service}
	var row ledger.Row
	switch action {
	case "report":
		row, err = t.backend.Report(ctx, p, cell, method)
	case "confirm":
		row, err = t.backend.Confirm(ctx, p, cell)
	case "toggle":
		row, err = t.backend.Toggle(ctx, p, cell, method)
	}
	if err != nil {
		return withHint(err)
	}
	fmt.Printf("%s %s for %s: %s\n", *member, *service, p.Label, row.Status)
	return nil
}

func runMemberAdd(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("member add", flag.ContinueOnError)
	name := fs.String("name", "", "display name")
	services := fs.String("services", "", "comma separated service ids")
	remote := fs.Bool("remote", false, "use a drexpay server")
	baseURL := fs.String("url", "", "server base URL")
	if err := fs.Parse(args); err != nil {
		return err
	}
	ids := lo.Compact(lo.Map(strings.Split(*services, ","), func(s string, _ int) string {
		return strings.TrimSpace(s)
	}))

	t, err := openTarget(ctx, *remote, *baseURL, false)
	if err != nil {
		return err
	}
	defer t.Close()
	if err := t.unlock(ctx); err != nil {
		return err
	}

	var m ledger.Member
	if t.client != nil {
		m, err = t.client.AddMember(ctx, *name, ids)
	} else {
		m, err = t.app.svc.AddMember(ctx, ledger.RoleManager, *name, ids)
	}
	if err != nil {
		return withHint(err)
	}
	fmt.Printf("added %s (%s) id=%s\n", m.Name, m.AvatarInitials, m.ID)
	return nil
}

func runMemberRemove(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("member rm", flag.ContinueOnError)
	id := fs.String("id", "", "member id")
	remote := fs.Bool("remote", false, "use a drexpay server")
	baseURL := fs.String("url", "", "server base URL")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *id == "" {
		return errors.New("usage: drexpay member rm --id ID")
	}

	t, err := openTarget(ctx, *remote, *baseURL, false)
	if err != nil {
		return err
	}
	defer t.Close()
	if err := t.unlock(ctx); err != nil {
		return err
	}

	if t.client != nil {
		err = t.client.RemoveMember(ctx, *id)
	} else {
		err = t.app.svc.RemoveMember(ctx, ledger.RoleManager, *id)
	}
	if err != nil {
		return withHint(err)
	}
	fmt.Printf("removed member %s\n", *id)
	return nil
}

func runDBWipe() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	dbCfg, err := storage.Wipe(cfg.DBPath)
	if err != nil {
		return err
	}
	fmt.Printf("local database wiped: %s\n", dbCfg.Path)
	return nil
}

func withHint(err error) error {
	hint := tracker.Hint(err)
	var apiErr *trackerapi.APIError
	if errors.As(err, &apiErr) && apiErr.Hint != "" {
		hint = apiErr.Hint
	}
	if hint == "" {
		return err
	}
	return fmt.Errorf("%w\nhint: %s", err, hint)
}
