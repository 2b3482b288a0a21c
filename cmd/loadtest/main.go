// Команда loadtest гоняет сценарии заказа через REST API сервиса и печатает
// сводку латентностей по шагам.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/vladislavdragonenkov/rescuebag/internal/keyring"
)

const signingSecretEnv = "RESCUEBAG_SIGNING_SECRET"

type loadMode string

const (
	// modeReserve только резервирует пакет.
	modeReserve loadMode = "reserve"
	// modePay резервирует и оплачивает через подписанный webhook.
	modePay loadMode = "pay"
	// modePickup проводит заказ до выдачи по QR-токену.
	modePickup loadMode = "pickup"
)

type config struct {
	baseURL       string
	total         int
	totalSet      bool
	duration      time.Duration
	concurrency   int
	timeout       time.Duration
	mode          loadMode
	cancelRate    int
	signingSecret string
	businessID    string
	userTag       string
	packStock     int
	priceMinor    int64
	currency      string
	outputPath    string
}

func parseConfig(args []string, getenv func(string) string) (config, error) {
	var (
		cfg  config
		mode string
	)

	fs := flag.NewFlagSet("loadtest", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.StringVar(&cfg.baseURL, "url", "http://localhost:8080", "base URL of the HTTP API")
	fs.IntVar(&cfg.total, "total", 400, "scenarios to run; with -duration acts as an upper bound when set")
	fs.DurationVar(&cfg.duration, "duration", 0, "optional time-based run duration (e.g. 5m)")
	fs.IntVar(&cfg.concurrency, "concurrency", 20, "number of concurrent workers")
	fs.DurationVar(&cfg.timeout, "timeout", 5*time.Second, "per-request timeout")
	fs.StringVar(&mode, "mode", string(modeReserve), "scenario: reserve | pay | pickup")
	fs.IntVar(&cfg.cancelRate, "cancel-rate", 0, "percent of reserve/pay scenarios canceled by the user (0..100)")
	fs.StringVar(&cfg.signingSecret, "signing-secret", "", "service signing secret for webhooks (fallback: "+signingSecretEnv+")")
	fs.StringVar(&cfg.businessID, "business", "lt-business", "business id that owns the load test pack")
	fs.StringVar(&cfg.userTag, "user-tag", "lt-user", "user id prefix")
	fs.IntVar(&cfg.packStock, "pack-stock", 1_000_000, "initial stock of the load test pack")
	fs.Int64Var(&cfg.priceMinor, "price-minor", 400, "discounted unit price in minor units")
	fs.StringVar(&cfg.currency, "currency", "EUR", "pack currency")
	fs.StringVar(&cfg.outputPath, "output", "", "optional JSON report path")
	if err := fs.Parse(args); err != nil {
		return config{}, err
	}
	fs.Visit(func(f *flag.Flag) {
		if f.Name == "total" {
			cfg.totalSet = true
		}
	})

	cfg.baseURL = strings.TrimRight(strings.TrimSpace(cfg.baseURL), "/")
	cfg.mode = loadMode(strings.ToLower(strings.TrimSpace(mode)))
	if cfg.signingSecret == "" {
		cfg.signingSecret = getenv(signingSecretEnv)
	}
	return cfg, cfg.validate()
}

func (cfg config) validate() error {
	switch cfg.mode {
	case modeReserve, modePay, modePickup:
	default:
		return fmt.Errorf("unsupported mode: %s", cfg.mode)
	}
	switch {
	case cfg.baseURL == "":
		return errors.New("url is required")
	case cfg.duration < 0:
		return errors.New("duration must be >= 0")
	case cfg.duration == 0 && cfg.total <= 0:
		return errors.New("total must be > 0 when duration is not set")
	case cfg.totalSet && cfg.total <= 0:
		return errors.New("total must be > 0 when set")
	case cfg.concurrency <= 0:
		return errors.New("concurrency must be > 0")
	case cfg.timeout <= 0:
		return errors.New("timeout must be > 0")
	case cfg.cancelRate < 0 || cfg.cancelRate > 100:
		return errors.New("cancel-rate must be between 0 and 100")
	case cfg.packStock <= 0:
		return errors.New("pack-stock must be > 0")
	case cfg.priceMinor <= 0:
		return errors.New("price-minor must be > 0")
	case len(strings.TrimSpace(cfg.currency)) != 3:
		return errors.New("currency must be a 3-letter code")
	case strings.TrimSpace(cfg.businessID) == "" || strings.TrimSpace(cfg.userTag) == "":
		return errors.New("business and user-tag are required")
	case cfg.mode != modeReserve && cfg.signingSecret == "":
		return fmt.Errorf("mode %s confirms payments by webhook and needs -signing-secret or %s", cfg.mode, signingSecretEnv)
	}
	return nil
}

func (cfg config) target() string {
	switch {
	case cfg.duration <= 0:
		return fmt.Sprintf("count:%d", cfg.total)
	case cfg.totalSet:
		return fmt.Sprintf("duration:%s,max-total:%d", cfg.duration, cfg.total)
	default:
		return fmt.Sprintf("duration:%s", cfg.duration)
	}
}

func main() {
	cfg, err := parseConfig(os.Args[1:], os.Getenv)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	result, err := run(ctx, cfg, &http.Client{Transport: &http.Transport{MaxIdleConnsPerHost: cfg.concurrency}})
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "load test failed: %v\n", err)
		os.Exit(1)
	}

	printReport(os.Stdout, result, cfg.target())
	if cfg.outputPath != "" {
		if err := writeJSONReport(cfg.outputPath, result); err != nil {
			_, _ = fmt.Fprintf(os.Stderr, "failed to write report: %v\n", err)
			os.Exit(1)
		}
	}
	if result.FailedScenarios > 0 {
		os.Exit(1)
	}
}

// run создаёт пакет под прогон и раздаёт сценарии воркерам.
func run(ctx context.Context, cfg config, httpClient *http.Client) (report, error) {
	var webhookKey []byte
	if cfg.signingSecret != "" {
		keys, err := keyring.New(cfg.signingSecret)
		if err != nil {
			return report{}, fmt.Errorf("derive webhook key: %w", err)
		}
		webhookKey = keys.Webhook
	}

	col := newCollector()
	client := &apiClient{
		baseURL:    cfg.baseURL,
		http:       httpClient,
		timeout:    cfg.timeout,
		webhookKey: webhookKey,
		col:        col,
	}

	startedAt := time.Now()
	runID := fmt.Sprintf("%d-%d", startedAt.UnixNano(), os.Getpid())
	packID, err := client.createPack(ctx, cfg, runID)
	if err != nil {
		return report{}, err
	}

	jobs := make(chan int, cfg.concurrency*2)
	var wg sync.WaitGroup
	for w := 0; w < cfg.concurrency; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for index := range jobs {
				_ = runScenario(ctx, client, cfg, packID, runID, index)
			}
		}()
	}

	dispatch(ctx, jobs, cfg)
	wg.Wait()

	return col.buildReport(cfg.mode, startedAt, time.Since(startedAt)), nil
}

func dispatch(ctx context.Context, jobs chan<- int, cfg config) {
	defer close(jobs)

	var deadline <-chan time.Time
	if cfg.duration > 0 {
		timer := time.NewTimer(cfg.duration)
		defer timer.Stop()
		deadline = timer.C
	}
	bounded := cfg.duration <= 0 || cfg.totalSet

	for i := 0; !bounded || i < cfg.total; i++ {
		select {
		case <-ctx.Done():
			return
		case <-deadline:
			return
		case jobs <- i:
		}
	}
}
