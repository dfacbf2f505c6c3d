// Package tui is the interactive ledger screen.
package tui

import (
	"context"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/cockroachdb/errors"
	"github.com/lachiem1/drexpay/internal/billing"
	"github.com/lachiem1/drexpay/internal/ledger"
	"github.com/lachiem1/drexpay/internal/storage"
	"github.com/lachiem1/drexpay/internal/syncer"
	"github.com/lachiem1/drexpay/internal/tracker"
	"github.com/lachiem1/drexpay/internal/trackerapi"
	"github.com/samber/lo"
)

const (
	defaultPollInterval = 30 * time.Second
	requestTimeout      = 10 * time.Second
	statusTTL           = 4 * time.Second
)

// PrefsStore persists the last selected filters and period.
type PrefsStore interface {
	LoadUIPrefs(ctx context.Context) (storage.UIPrefs, error)
	SaveUIPrefs(ctx context.Context, prefs storage.UIPrefs) error
}

type Options struct {
	Backend Backend
	// Prefs may be nil, in which case selections are not remembered.
	Prefs        PrefsStore
	PollInterval time.Duration
	// Source names where the ledger comes from, shown in the header.
	Source string
}

type prefsLoadedMsg struct {
	prefs storage.UIPrefs
	err   error
}

type periodsLoadedMsg struct {
	periods []billing.Period
	def     billing.Period
	err     error
}

type ledgerLoadedMsg struct {
	period string
	rows   []ledger.Row
	gaps   []string
	at     time.Time
	err    error
}

type engineEventMsg struct {
	evt syncer.Event
	ok  bool
}

type pollTickMsg struct {
	session int
}

type mutationDoneMsg struct {
	action string
	row    ledger.Row
	err    error
}

type unlockDoneMsg struct {
	err error
}

type watchStartedMsg struct {
	err error
}

type clearStatusMsg struct {
	id int
}

type prefsSavedMsg struct {
	err error
}

type model struct {
	backend      Backend
	prefs        PrefsStore
	pollInterval time.Duration
	source       string

	width  int
	height int

	savedPrefs storage.UIPrefs

	periods   []billing.Period
	periodIdx int
	rows      []ledger.Row
	gaps      []string
	fetchedAt *time.Time
	loading   bool

	serviceFilter string
	memberFilter  string
	reviewOnly    bool
	cursor        int
	offset        int
	methodIdx     int

	pinDialog bool
	pin       textinput.Model

	showHelp    bool
	statusText  string
	statusIsErr bool
	statusID    int
	errText     string
	pollSession int
	listening   bool
	quitting    bool
}

func New(opts Options) tea.Model {
	pin := textinput.New()
	pin.Prompt = "PIN: "
	pin.Placeholder = "manager PIN"
	pin.EchoMode = textinput.EchoPassword
	pin.EchoCharacter = '•'
	pin.Width = 24

	poll := opts.PollInterval
	if poll <= 0 {
		poll = defaultPollInterval
	}
	return model{
		backend:      opts.Backend,
		prefs:        opts.Prefs,
		pollInterval: poll,
		source:       opts.Source,
		pin:          pin,
		loading:      true,
	}
}

func (m model) Init() tea.Cmd {
	return m.loadPrefsCmd()
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.ensureScrollWindow()
		return m, nil

	case prefsLoadedMsg:
		if msg.err == nil {
			m.savedPrefs = msg.prefs
			m.serviceFilter = msg.prefs.ServiceID
			m.memberFilter = msg.prefs.MemberID
		}
		return m, m.loadPeriodsCmd()

	case periodsLoadedMsg:
		if msg.err != nil {
			m.loading = false
			m.errText = errorText(msg.err)
			return m, nil
		}
		m.periods = msg.periods
		m.periodIdx = periodIndex(msg.periods, msg.def.Key())
		if idx := periodIndex(msg.periods, m.savedPrefs.Period); idx >= 0 {
			m.periodIdx = idx
		}
		if m.periodIdx < 0 {
			m.periodIdx = max(0, len(m.periods)-1)
		}
		return m.enterPeriod()

	case watchStartedMsg:
		if msg.err != nil {
			return m.withStatus("background refresh unavailable: "+errorText(msg.err), true)
		}
		return m, nil

	case ledgerLoadedMsg:
		if msg.period != m.currentPeriod().Key() {
			return m, nil
		}
		m.loading = false
		if msg.err != nil {
			// Keep the last good rows on screen.
			m.errText = errorText(msg.err)
			return m, nil
		}
		m.errText = ""
		m.setRows(msg.rows, msg.gaps, msg.at)
		return m, nil

	case engineEventMsg:
		if !msg.ok {
			m.listening = false
			return m, nil
		}
		next := m.waitForEventCmd()
		if syncer.CollectionFor(m.currentPeriod().Value) != msg.evt.Collection {
			return m, next
		}
		switch msg.evt.Type {
		case syncer.EventRefreshStarted:
			m.loading = true
		case syncer.EventRefreshOK:
			m.loading = false
			m.errText = ""
			res := msg.evt.Snapshot.Ledger(ledger.Filter{})
			m.setRows(res.Rows, gapMessages(res.Gaps), msg.evt.At)
		case syncer.EventRefreshFailed:
			m.loading = false
			m.errText = errorText(msg.evt.Err)
		}
		return m, next

	case pollTickMsg:
		if msg.session != m.pollSession {
			return m, nil
		}
		return m, tea.Batch(m.loadLedgerCmd(), m.pollTickCmd())

	case mutationDoneMsg:
		if msg.err != nil {
			return m.withStatus(msg.action+" failed: "+errorText(msg.err), true)
		}
		m.replaceRow(msg.row)
		next, cmd := m.withStatus(msg.action+": "+msg.row.MemberName+" "+msg.row.ServiceName+" is "+msg.row.Status.String(), false)
		if m.backend.Events() == nil {
			return next, tea.Batch(cmd, next.(model).loadLedgerCmd())
		}
		return next, cmd

	case unlockDoneMsg:
		m.pin.SetValue("")
		if msg.err != nil {
			m.pin.Focus()
			return m.withStatus("unlock failed: "+errorText(msg.err), true)
		}
		m.pinDialog = false
		m.pin.Blur()
		return m.withStatus("manager mode unlocked", false)

	case clearStatusMsg:
		if msg.id == m.statusID {
			m.statusText = ""
			m.statusIsErr = false
		}
		return m, nil

	case prefsSavedMsg:
		if msg.err != nil {
			return m.withStatus("could not save view preferences: "+errorText(msg.err), true)
		}
		return m, nil

	case tea.KeyMsg:
		if m.pinDialog {
			return m.updatePINDialog(msg)
		}
		return m.updateKeys(msg)
	}
	return m, nil
}

func (m model) updatePINDialog(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c":
		m.quitting = true
		return m, tea.Quit
	case "esc":
		m.pinDialog = false
		m.pin.SetValue("")
		m.pin.Blur()
		return m, nil
	case "enter":
		return m, m.unlockCmd(m.pin.Value())
	}
	var cmd tea.Cmd
	m.pin, cmd = m.pin.Update(msg)
	return m, cmd
}

func (m model) updateKeys(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if m.showHelp {
		switch msg.String() {
		case "esc", "?", "q":
			m.showHelp = false
		case "ctrl+c":
			m.quitting = true
			return m, tea.Quit
		}
		return m, nil
	}

	switch msg.String() {
	case "q", "ctrl+c":
		m.quitting = true
		return m, tea.Quit
	case "?":
		m.showHelp = true
		return m, nil
	case "left", "h":
		if m.periodIdx > 0 {
			m.periodIdx--
			return m.enterPeriod()
		}
		return m, nil
	case "right", "l":
		if m.periodIdx < len(m.periods)-1 {
			m.periodIdx++
			return m.enterPeriod()
		}
		return m, nil
	case "up", "k":
		if m.cursor > 0 {
			m.cursor--
			m.ensureScrollWindow()
		}
		return m, nil
	case "down", "j":
		if m.cursor < len(m.visibleRows())-1 {
			m.cursor++
			m.ensureScrollWindow()
		}
		return m, nil
	case "tab":
		m.serviceFilter = cycleOption(m.serviceOptions(), m.serviceFilter, 1)
		m.resetCursor()
		return m, m.savePrefsCmd()
	case "shift+tab":
		m.serviceFilter = cycleOption(m.serviceOptions(), m.serviceFilter, -1)
		m.resetCursor()
		return m, m.savePrefsCmd()
	case "f":
		m.memberFilter = cycleOption(m.memberOptions(), m.memberFilter, 1)
		m.resetCursor()
		return m, m.savePrefsCmd()
	case "F":
		m.memberFilter = cycleOption(m.memberOptions(), m.memberFilter, -1)
		m.resetCursor()
		return m, m.savePrefsCmd()
	case "v":
		m.reviewOnly = !m.reviewOnly
		m.resetCursor()
		return m, nil
	case "p":
		m.methodIdx = (m.methodIdx + 1) % len(ledger.Methods())
		return m, nil
	case "R":
		m.loading = true
		if m.backend.Events() != nil {
			if err := m.backend.Refresh(); err != nil {
				return m.withStatus("refresh failed: "+errorText(err), true)
			}
			return m, nil
		}
		return m, m.loadLedgerCmd()
	case "m":
		if m.backend.IsManager() {
			m.backend.Lock()
			return m.withStatus("manager mode locked", false)
		}
		m.pinDialog = true
		m.pin.SetValue("")
		return m, m.pin.Focus()
	case "r":
		return m.mutateSelected("report", func(ctx context.Context, p billing.Period, row ledger.Row) (ledger.Row, error) {
			return m.backend.Report(ctx, p, row, m.method())
		})
	case "c":
		if !m.backend.IsManager() {
			return m.withStatus("confirm needs manager mode (press m)", true)
		}
		return m.mutateSelected("confirm", func(ctx context.Context, p billing.Period, row ledger.Row) (ledger.Row, error) {
			return m.backend.Confirm(ctx, p, row)
		})
	case "t":
		if !m.backend.IsManager() {
			return m.withStatus("toggle needs manager mode (press m)", true)
		}
		return m.mutateSelected("toggle", func(ctx context.Context, p billing.Period, row ledger.Row) (ledger.Row, error) {
			return m.backend.Toggle(ctx, p, row, m.method())
		})
	}
	return m, nil
}

func (m model) enterPeriod() (tea.Model, tea.Cmd) {
	m.loading = true
	m.rows = nil
	m.gaps = nil
	m.fetchedAt = nil
	m.resetCursor()
	m.pollSession++

	cmds := []tea.Cmd{m.loadLedgerCmd(), m.watchCmd(), m.savePrefsCmd()}
	if m.backend.Events() == nil {
		cmds = append(cmds, m.pollTickCmd())
	} else if !m.listening {
		m.listening = true
		cmds = append(cmds, m.waitForEventCmd())
	}
	return m, tea.Batch(cmds...)
}

func (m model) mutateSelected(action string, fn func(context.Context, billing.Period, ledger.Row) (ledger.Row, error)) (tea.Model, tea.Cmd) {
	rows := m.visibleRows()
	if len(rows) == 0 || m.cursor >= len(rows) {
		return m.withStatus("no row selected", true)
	}
	row := rows[m.cursor]
	period := m.currentPeriod()
	return m, func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		updated, err := fn(ctx, period, row)
		if err == nil {
			// Mutations return the stored fields; keep the display fields.
			row.Status = updated.Status
			row.PaymentID = updated.PaymentID
			row.PaidAt = updated.PaidAt
			row.Method = updated.Method
			row.PaidAmount = updated.PaidAmount
		}
		return mutationDoneMsg{action: action, row: row, err: err}
	}
}

func (m model) withStatus(text string, isErr bool) (tea.Model, tea.Cmd) {
	m.statusText = text
	m.statusIsErr = isErr
	m.statusID++
	id := m.statusID
	return m, tea.Tick(statusTTL, func(time.Time) tea.Msg {
		return clearStatusMsg{id: id}
	})
}

func (m *model) setRows(rows []ledger.Row, gaps []string, at time.Time) {
	m.rows = rows
	m.gaps = gaps
	t := at
	m.fetchedAt = &t
	if visible := len(m.visibleRows()); m.cursor >= visible {
		m.cursor = max(0, visible-1)
	}
	m.ensureScrollWindow()
}

func (m *model) replaceRow(row ledger.Row) {
	for i := range m.rows {
		if m.rows[i].Key() == row.Key() {
			m.rows[i] = row
			return
		}
	}
}

func (m *model) resetCursor() {
	m.cursor = 0
	m.offset = 0
}

func (m model) currentPeriod() billing.Period {
	if m.periodIdx < 0 || m.periodIdx >= len(m.periods) {
		return billing.Period{}
	}
	return m.periods[m.periodIdx]
}

func periodIndex(periods []billing.Period, key string) int {
	_, idx, ok := lo.FindIndexOf(periods, func(p billing.Period) bool { return p.Key() == key })
	if !ok {
		return -1
	}
	return idx
}

func (m model) method() ledger.Method {
	methods := ledger.Methods()
	return methods[m.methodIdx%len(methods)]
}

// visibleRows applies the service, member and review filters.
func (m model) visibleRows() []ledger.Row {
	return lo.Filter(m.rows, func(r ledger.Row, _ int) bool {
		if m.serviceFilter != "" && r.ServiceID != m.serviceFilter {
			return false
		}
		if m.memberFilter != "" && r.MemberID != m.memberFilter {
			return false
		}
		if m.reviewOnly && r.Status != ledger.Pending {
			return false
		}
		return true
	})
}

type filterOption struct {
	id    string
	label string
}

func (m model) serviceOptions() []filterOption {
	opts := lo.UniqBy(lo.Map(m.rows, func(r ledger.Row, _ int) filterOption {
		return filterOption{id: r.ServiceID, label: r.ServiceName}
	}), func(o filterOption) string { return o.id })
	return append([]filterOption{{id: "", label: "all services"}}, opts...)
}

func (m model) memberOptions() []filterOption {
	opts := lo.UniqBy(lo.Map(m.rows, func(r ledger.Row, _ int) filterOption {
		return filterOption{id: r.MemberID, label: r.MemberName}
	}), func(o filterOption) string { return o.id })
	return append([]filterOption{{id: "", label: "all members"}}, opts...)
}

func cycleOption(opts []filterOption, current string, delta int) string {
	if len(opts) == 0 {
		return ""
	}
	idx := lo.IndexOf(lo.Map(opts, func(o filterOption, _ int) string { return o.id }), current)
	if idx < 0 {
		idx = 0
	}
	idx = (idx + delta + len(opts)) % len(opts)
	return opts[idx].id
}

func optionLabel(opts []filterOption, id string) string {
	if o, ok := lo.Find(opts, func(o filterOption) bool { return o.id == id }); ok {
		return o.label
	}
	return id
}

func (m model) tableVisibleRows() int {
	if m.height <= 0 {
		return 12
	}
	return max(3, m.height-22)
}

func (m *model) ensureScrollWindow() {
	visible := m.tableVisibleRows()
	if m.cursor < m.offset {
		m.offset = m.cursor
	}
	if m.cursor >= m.offset+visible {
		m.offset = m.cursor - visible + 1
	}
	if m.offset < 0 {
		m.offset = 0
	}
}

func (m model) loadPrefsCmd() tea.Cmd {
	if m.prefs == nil {
		return func() tea.Msg { return prefsLoadedMsg{} }
	}
	prefs := m.prefs
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		p, err := prefs.LoadUIPrefs(ctx)
		return prefsLoadedMsg{prefs: p, err: err}
	}
}

func (m model) savePrefsCmd() tea.Cmd {
	if m.prefs == nil {
		return nil
	}
	prefs := m.prefs
	value := storage.UIPrefs{
		ServiceID: m.serviceFilter,
		MemberID:  m.memberFilter,
		Period:    m.currentPeriod().Key(),
	}
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		return prefsSavedMsg{err: prefs.SaveUIPrefs(ctx, value)}
	}
}

func (m model) loadPeriodsCmd() tea.Cmd {
	backend := m.backend
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		periods, def, err := backend.Periods(ctx)
		return periodsLoadedMsg{periods: periods, def: def, err: err}
	}
}

func (m model) loadLedgerCmd() tea.Cmd {
	backend := m.backend
	period := m.currentPeriod()
	if period.Value.IsZero() {
		return nil
	}
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		rows, gaps, err := backend.Ledger(ctx, period)
		return ledgerLoadedMsg{period: period.Key(), rows: rows, gaps: gaps, at: time.Now(), err: err}
	}
}

func (m model) watchCmd() tea.Cmd {
	backend := m.backend
	period := m.currentPeriod()
	if period.Value.IsZero() {
		return nil
	}
	return func() tea.Msg {
		return watchStartedMsg{err: backend.Watch(context.Background(), period)}
	}
}

func (m model) waitForEventCmd() tea.Cmd {
	events := m.backend.Events()
	return func() tea.Msg {
		evt, ok := <-events
		return engineEventMsg{evt: evt, ok: ok}
	}
}

func (m model) pollTickCmd() tea.Cmd {
	session := m.pollSession
	return tea.Tick(m.pollInterval, func(time.Time) tea.Msg {
		return pollTickMsg{session: session}
	})
}

func (m model) unlockCmd(pin string) tea.Cmd {
	backend := m.backend
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		return unlockDoneMsg{err: backend.Unlock(ctx, pin)}
	}
}

// errorText prefers the hint attached to tracker and API errors.
func errorText(err error) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	var apiErr *trackerapi.APIError
	if errors.As(err, &apiErr) && apiErr.Hint != "" {
		return msg + " (" + apiErr.Hint + ")"
	}
	if hint := tracker.Hint(err); hint != "" {
		return msg + " (" + hint + ")"
	}
	return strings.TrimSpace(msg)
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
