package main

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"

	"github.com/exchange/saga/internal/definition"
	"github.com/exchange/saga/internal/engine"
	"github.com/exchange/saga/internal/repository"
	"github.com/exchange/saga/internal/scheduler"
	"github.com/exchange/saga/pkg/channel"
	"github.com/exchange/saga/pkg/logger"
	"github.com/exchange/saga/pkg/snowflake"
)

const (
	stalledSagaQuery = `
SELECT correlation_id, definition, state, current_phase, updated_at_ms
FROM exchange_saga.saga_instances
WHERE state IN ('RUNNING', 'COMPENSATING') AND stuck = FALSE AND updated_at_ms < $1
ORDER BY updated_at_ms ASC
LIMIT $2;
`
	stuckSagaQuery = `
SELECT correlation_id, definition, failed_step, reason, updated_at_ms
FROM exchange_saga.saga_instances
WHERE stuck = TRUE
ORDER BY updated_at_ms ASC
LIMIT $1;
`
	stateCountQuery = `
SELECT state, COUNT(*)
FROM exchange_saga.saga_instances
GROUP BY state;
`
)

type sweeperConfig struct {
	DBURL           string
	RedisAddr       string
	RedisPassword   string
	RedisDB         int
	DefinitionDir   string
	WorkerID        int64
	StallAfter      time.Duration
	Limit           int
	Fix             bool
	Verbose         bool
	Alert           bool
	WebhookURL      string
	SlackWebhookURL string
	DingTalkWebhook string
	ReportPath      string
	Cron            string
	StoreHistory    bool
}

// stalledSaga 超过阈值没有任何写入的非终态实例
type stalledSaga struct {
	CorrelationID  string `json:"correlationId"`
	Definition     string `json:"definition"`
	State          string `json:"state"`
	CurrentPhase   int    `json:"currentPhase"`
	UpdatedAtMs    int64  `json:"updatedAtMs"`
	StalledForMs   int64  `json:"stalledForMs"`
	CommandsResent int    `json:"commandsResent,omitempty"`
	Error          string `json:"error,omitempty"`
}

// stuckSaga 补偿反复失败、等待人工介入的实例
type stuckSaga struct {
	CorrelationID string `json:"correlationId"`
	Definition    string `json:"definition"`
	FailedStep    string `json:"failedStep,omitempty"`
	Reason        string `json:"reason,omitempty"`
	UpdatedAtMs   int64  `json:"updatedAtMs"`
}

// redispatcher 补发停摆实例的在途命令，返回补发条数
type redispatcher interface {
	Redispatch(ctx context.Context, correlationID string) (int, error)
}

var (
	runCLIFunc = runCLI
	exitFunc   = os.Exit
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	code := runCLIFunc(ctx, os.Args[1:], os.Stdout, os.Stderr, func(dsn string) (*sql.DB, error) {
		return sql.Open("postgres", dsn)
	})
	exitFunc(code)
}

func parseFlags(args []string) (sweeperConfig, error) {
	fs := flag.NewFlagSet("saga-sweeper", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var cfg sweeperConfig
	fs.StringVar(&cfg.DBURL, "db-url", "", "PostgreSQL connection string")
	fs.StringVar(&cfg.RedisAddr, "redis-addr", "localhost:6379", "redis address, used by --fix to republish commands")
	fs.StringVar(&cfg.RedisPassword, "redis-password", "", "redis password")
	fs.IntVar(&cfg.RedisDB, "redis-db", 0, "redis database index")
	fs.StringVar(&cfg.DefinitionDir, "definitions", "definitions", "saga definition directory, used by --fix")
	fs.Int64Var(&cfg.WorkerID, "worker-id", 30, "snowflake worker id for audit records written by --fix")
	fs.DurationVar(&cfg.StallAfter, "stall-after", 5*time.Minute, "treat sagas without writes for this long as stalled")
	fs.IntVar(&cfg.Limit, "limit", 100, "max instances per scan")
	fs.BoolVar(&cfg.Fix, "fix", false, "redispatch in-flight commands of stalled sagas")
	fs.BoolVar(&cfg.Verbose, "verbose", false, "show detailed progress")
	fs.BoolVar(&cfg.Alert, "alert", true, "return non-zero exit code on findings")
	fs.StringVar(&cfg.WebhookURL, "webhook-url", "", "webhook url for sweep alerts")
	fs.StringVar(&cfg.SlackWebhookURL, "slack-webhook-url", "", "slack webhook url for sweep alerts")
	fs.StringVar(&cfg.DingTalkWebhook, "dingtalk-webhook-url", "", "dingtalk webhook url for sweep alerts")
	fs.StringVar(&cfg.ReportPath, "report", "", "write detailed report to file")
	fs.StringVar(&cfg.Cron, "cron", "", "cron expression for scheduled sweep runs")
	fs.BoolVar(&cfg.StoreHistory, "history", false, "store sweep history in database")

	if err := fs.Parse(args); err != nil {
		return cfg, err
	}
	if strings.TrimSpace(cfg.DBURL) == "" {
		return cfg, errors.New("missing required --db-url")
	}
	return cfg, nil
}

func runCLI(ctx context.Context, args []string, out, errOut io.Writer, opener func(string) (*sql.DB, error)) int {
	cfg, err := parseFlags(args)
	if err != nil {
		fmt.Fprintln(errOut, err.Error())
		return 2
	}

	if strings.TrimSpace(cfg.Cron) != "" {
		return runScheduled(ctx, cfg, out, errOut, opener)
	}

	return runOnce(ctx, cfg, out, errOut, opener)
}

func runOnce(ctx context.Context, cfg sweeperConfig, out, errOut io.Writer, opener func(string) (*sql.DB, error)) int {
	db, err := opener(cfg.DBURL)
	if err != nil {
		fmt.Fprintf(errOut, "failed to connect to database: %v\n", err)
		return 2
	}
	defer db.Close()

	dbPingCtx, dbPingCancel := context.WithTimeout(ctx, 5*time.Second)
	defer dbPingCancel()
	if err := db.PingContext(dbPingCtx); err != nil {
		fmt.Fprintf(errOut, "failed to ping database: %v\n", err)
		return 2
	}

	var rd redispatcher
	if cfg.Fix {
		eng, cleanup, err := buildRedispatcher(ctx, db, cfg)
		if err != nil {
			fmt.Fprintf(errOut, "failed to build redispatcher: %v\n", err)
			return 2
		}
		defer cleanup()
		rd = eng
	}

	code, err := runWithDB(ctx, db, rd, cfg, out, errOut)
	if err != nil {
		fmt.Fprintln(errOut, err.Error())
		if code == 0 {
			code = 2
		}
	}
	return code
}

func runScheduled(ctx context.Context, cfg sweeperConfig, out, errOut io.Writer, opener func(string) (*sql.DB, error)) int {
	if cfg.Verbose {
		fmt.Fprintln(out, "Starting scheduled sweep...")
	}

	scheduledCfg := cfg
	scheduledCfg.Alert = false

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	schedule, err := parser.Parse(cfg.Cron)
	if err != nil {
		fmt.Fprintf(errOut, "invalid cron expression: %v\n", err)
		return 2
	}

	if code := runOnce(ctx, scheduledCfg, out, errOut, opener); code == 2 {
		return code
	}

	c := cron.New(cron.WithParser(parser))
	c.Schedule(schedule, cron.FuncJob(func() {
		if ctx.Err() != nil {
			return
		}
		if cfg.Verbose {
			fmt.Fprintln(out, "Running scheduled sweep...")
		}
		if code := runOnce(ctx, scheduledCfg, out, errOut, opener); code != 0 {
			fmt.Fprintf(errOut, "scheduled sweep exited with code %d\n", code)
		}
	}))

	c.Start()
	<-ctx.Done()
	c.Stop()
	return 0
}

// buildRedispatcher 组装补发用的引擎。调度器只用来重新登记超时，
// 不启动轮询，到期触发由常驻进程完成。
func buildRedispatcher(ctx context.Context, db *sql.DB, cfg sweeperConfig) (*engine.Engine, func(), error) {
	registry := definition.NewRegistry()
	loaded, err := registry.LoadDir(cfg.DefinitionDir)
	if err != nil {
		return nil, nil, fmt.Errorf("load definitions: %w", err)
	}
	if loaded == 0 {
		return nil, nil, fmt.Errorf("no saga definitions found in %s", cfg.DefinitionDir)
	}

	idGen, err := snowflake.New(cfg.WorkerID)
	if err != nil {
		return nil, nil, fmt.Errorf("create id generator: %w", err)
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:        cfg.RedisAddr,
		Password:    cfg.RedisPassword,
		DB:          cfg.RedisDB,
		DialTimeout: 5 * time.Second,
	})
	pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
	defer pingCancel()
	if err := redisClient.Ping(pingCtx).Err(); err != nil {
		redisClient.Close()
		return nil, nil, fmt.Errorf("ping redis: %w", err)
	}

	logOut := io.Discard
	if cfg.Verbose {
		logOut = os.Stderr
	}
	log := logger.New("saga-sweeper", logOut)

	timers, err := scheduler.New(scheduler.Config{
		Client: redisClient,
		Logger: log,
		Handler: func(context.Context, scheduler.Timer) error {
			return nil
		},
	})
	if err != nil {
		redisClient.Close()
		return nil, nil, fmt.Errorf("create scheduler: %w", err)
	}

	eng, err := engine.New(engine.Options{
		Registry: registry,
		Store:    repository.NewInstanceRepository(db),
		Bus:      channel.NewBus(redisClient, 0),
		IDGen:    idGen,
		Logger:   log,
		Timers:   timers,
	})
	if err != nil {
		redisClient.Close()
		return nil, nil, fmt.Errorf("create engine: %w", err)
	}

	return eng, func() { redisClient.Close() }, nil
}

func runWithDB(ctx context.Context, db *sql.DB, rd redispatcher, cfg sweeperConfig, out, errOut io.Writer) (int, error) {
	if cfg.Verbose {
		fmt.Fprintln(out, "Starting sweep checks...")
	}

	counts, err := fetchStateCounts(ctx, db)
	if err != nil {
		return 2, fmt.Errorf("failed to count sagas by state: %w", err)
	}

	cutoffMs := time.Now().Add(-cfg.StallAfter).UnixMilli()
	if cfg.Verbose {
		fmt.Fprintln(out, "Checking stalled sagas...")
	}
	stalled, err := fetchStalledSagas(ctx, db, cutoffMs, cfg.Limit)
	if err != nil {
		return 2, fmt.Errorf("failed to query stalled sagas: %w", err)
	}

	if cfg.Verbose {
		fmt.Fprintln(out, "Checking stuck sagas...")
	}
	stuck, err := fetchStuckSagas(ctx, db, cfg.Limit)
	if err != nil {
		return 2, fmt.Errorf("failed to query stuck sagas: %w", err)
	}

	resent := []stalledSaga{}
	unresolved := stalled
	skipped := 0
	if rd != nil && len(stalled) > 0 {
		resent, unresolved, skipped = redispatchStalled(ctx, rd, stalled)
	}

	report := buildReport(counts, cutoffMs, stalled, stuck, resent, unresolved, skipped)
	if cfg.ReportPath != "" {
		if err := writeReport(cfg.ReportPath, report); err != nil {
			return 2, fmt.Errorf("failed to write report: %w", err)
		}
	}
	if cfg.StoreHistory {
		if err := storeHistory(ctx, db, report); err != nil {
			return 2, fmt.Errorf("failed to store history: %w", err)
		}
	}

	if len(resent) > 0 {
		fmt.Fprintf(out, "Redispatched %d stalled sagas (%d commands)\n", len(resent), report.CommandsResent)
	}

	if len(unresolved) == 0 && len(stuck) == 0 {
		active := counts[repository.StateRunning] + counts[repository.StateCompensating]
		fmt.Fprintf(out, "✓ Sweep passed: %d active sagas, none stalled or stuck\n", active)
		return 0, nil
	}

	for _, s := range unresolved {
		if s.Error != "" {
			fmt.Fprintf(errOut, "✗ Stalled saga: correlation_id=%s definition=%s state=%s redispatch_error=%q\n",
				s.CorrelationID, s.Definition, s.State, s.Error)
			continue
		}
		fmt.Fprintf(errOut, "✗ Stalled saga: correlation_id=%s definition=%s state=%s stalled_for=%s\n",
			s.CorrelationID, s.Definition, s.State, formatStall(s.StalledForMs))
	}
	for _, s := range stuck {
		fmt.Fprintf(errOut, "✗ Stuck saga: correlation_id=%s definition=%s step=%s reason=%s\n",
			s.CorrelationID, s.Definition, s.FailedStep, s.Reason)
	}

	if cfg.WebhookURL != "" {
		if err := sendWebhook(ctx, cfg.WebhookURL, unresolved, stuck); err != nil {
			fmt.Fprintf(errOut, "webhook alert failed: %v\n", err)
		}
	}
	if cfg.SlackWebhookURL != "" {
		if err := sendSlackWebhook(ctx, cfg.SlackWebhookURL, unresolved, stuck); err != nil {
			fmt.Fprintf(errOut, "slack webhook alert failed: %v\n", err)
		}
	}
	if cfg.DingTalkWebhook != "" {
		if err := sendDingTalkWebhook(ctx, cfg.DingTalkWebhook, unresolved, stuck); err != nil {
			fmt.Fprintf(errOut, "dingtalk webhook alert failed: %v\n", err)
		}
	}

	if cfg.Alert {
		return 1, nil
	}
	return 0, nil
}

func fetchStateCounts(ctx context.Context, db *sql.DB) (map[string]int64, error) {
	rows, err := db.QueryContext(ctx, stateCountQuery)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var state string
		var n int64
		if err := rows.Scan(&state, &n); err != nil {
			return nil, err
		}
		counts[state] = n
	}
	return counts, rows.Err()
}

func fetchStalledSagas(ctx context.Context, db *sql.DB, cutoffMs int64, limit int) ([]stalledSaga, error) {
	rows, err := db.QueryContext(ctx, stalledSagaQuery, cutoffMs, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	nowMs := time.Now().UnixMilli()
	var results []stalledSaga
	for rows.Next() {
		var s stalledSaga
		if err := rows.Scan(&s.CorrelationID, &s.Definition, &s.State, &s.CurrentPhase, &s.UpdatedAtMs); err != nil {
			return nil, err
		}
		s.StalledForMs = nowMs - s.UpdatedAtMs
		results = append(results, s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return results, nil
}

func fetchStuckSagas(ctx context.Context, db *sql.DB, limit int) ([]stuckSaga, error) {
	rows, err := db.QueryContext(ctx, stuckSagaQuery, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []stuckSaga
	for rows.Next() {
		var s stuckSaga
		if err := rows.Scan(&s.CorrelationID, &s.Definition, &s.FailedStep, &s.Reason, &s.UpdatedAtMs); err != nil {
			return nil, err
		}
		results = append(results, s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return results, nil
}

// redispatchStalled 逐个补发。补发 0 条说明实例在扫描后自行推进，按已恢复处理；
// 单个实例补发失败不中断其余实例。
func redispatchStalled(ctx context.Context, rd redispatcher, stalled []stalledSaga) (resent, unresolved []stalledSaga, skipped int) {
	for _, s := range stalled {
		n, err := rd.Redispatch(ctx, s.CorrelationID)
		if err != nil {
			s.Error = err.Error()
			unresolved = append(unresolved, s)
			continue
		}
		if n == 0 {
			skipped++
			continue
		}
		s.CommandsResent = n
		resent = append(resent, s)
	}
	return resent, unresolved, skipped
}

func sendWebhook(ctx context.Context, url string, stalled []stalledSaga, stuck []stuckSaga) error {
	payload := map[string]interface{}{
		"message": "saga sweep findings detected",
		"stalled": stalled,
		"stuck":   stuck,
	}
	return postJSON(ctx, url, payload)
}

func sendSlackWebhook(ctx context.Context, url string, stalled []stalledSaga, stuck []stuckSaga) error {
	payload := map[string]string{
		"text": buildAlertMessage("Saga sweep findings detected", stalled, stuck),
	}
	return postJSON(ctx, url, payload)
}

func sendDingTalkWebhook(ctx context.Context, url string, stalled []stalledSaga, stuck []stuckSaga) error {
	payload := map[string]interface{}{
		"msgtype": "text",
		"text": map[string]string{
			"content": buildAlertMessage("Saga sweep findings detected", stalled, stuck),
		},
	}
	return postJSON(ctx, url, payload)
}

func postJSON(ctx context.Context, url string, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	httpClient := &http.Client{Timeout: 10 * time.Second}
	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook status %s", resp.Status)
	}
	return nil
}

func buildAlertMessage(title string, stalled []stalledSaga, stuck []stuckSaga) string {
	var b strings.Builder
	fmt.Fprintln(&b, title)
	for _, s := range stalled {
		fmt.Fprintf(&b, "stalled correlation_id=%s definition=%s state=%s\n", s.CorrelationID, s.Definition, s.State)
	}
	for _, s := range stuck {
		fmt.Fprintf(&b, "stuck correlation_id=%s definition=%s step=%s reason=%s\n", s.CorrelationID, s.Definition, s.FailedStep, s.Reason)
	}
	return strings.TrimSpace(b.String())
}

func formatStall(ms int64) string {
	d := time.Duration(ms) * time.Millisecond
	if d < 0 {
		d = 0
	}
	return d.Truncate(time.Second).String()
}

type sweepReport struct {
	RunAt           string           `json:"runAt"`
	StallCutoffMs   int64            `json:"stallCutoffMs"`
	CountsByState   map[string]int64 `json:"countsByState"`
	StalledCount    int              `json:"stalledCount"`
	StuckCount      int              `json:"stuckCount"`
	Redispatched    int              `json:"redispatched"`
	CommandsResent  int              `json:"commandsResent"`
	Skipped         int              `json:"skipped"`
	UnresolvedCount int              `json:"unresolvedCount"`
	Stalled         []stalledSaga    `json:"stalled"`
	Stuck           []stuckSaga      `json:"stuck"`
}

func buildReport(counts map[string]int64, cutoffMs int64, stalled []stalledSaga, stuck []stuckSaga, resent, unresolved []stalledSaga, skipped int) sweepReport {
	commands := 0
	for _, s := range resent {
		commands += s.CommandsResent
	}
	// 补发过的实例带上补发结果，自行恢复的不再列出
	annotated := append(append([]stalledSaga{}, resent...), unresolved...)
	return sweepReport{
		RunAt:           time.Now().UTC().Format(time.RFC3339),
		StallCutoffMs:   cutoffMs,
		CountsByState:   counts,
		StalledCount:    len(stalled),
		StuckCount:      len(stuck),
		Redispatched:    len(resent),
		CommandsResent:  commands,
		Skipped:         skipped,
		UnresolvedCount: len(unresolved) + len(stuck),
		Stalled:         annotated,
		Stuck:           stuck,
	}
}

func writeReport(path string, report sweepReport) error {
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

func storeHistory(ctx context.Context, db *sql.DB, report sweepReport) error {
	_, err := db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS exchange_saga.sweep_history (
    id BIGSERIAL PRIMARY KEY,
    run_at TIMESTAMPTZ NOT NULL,
    status TEXT NOT NULL,
    report JSONB NOT NULL
);`)
	if err != nil {
		return err
	}
	status := "ok"
	if report.UnresolvedCount > 0 {
		status = "degraded"
	}
	payload, err := json.Marshal(report)
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, `
INSERT INTO exchange_saga.sweep_history (run_at, status, report)
VALUES ($1, $2, $3);`, report.RunAt, status, payload)
	return err
}
