package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

const scenarioStep = "scenario"

type latencySummary struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
	Avg float64 `json:"avg"`
	P50 float64 `json:"p50"`
	P95 float64 `json:"p95"`
	P99 float64 `json:"p99"`
}

type stepReport struct {
	Calls     int64            `json:"calls"`
	Success   int64            `json:"success"`
	Failed    int64            `json:"failed"`
	ErrorRate float64          `json:"error_rate"`
	Statuses  map[string]int64 `json:"statuses"`
	LatencyMs latencySummary   `json:"latency_ms"`
}

type report struct {
	StartedAt         time.Time             `json:"started_at"`
	Mode              string                `json:"mode"`
	DurationSeconds   float64               `json:"duration_seconds"`
	TotalScenarios    int64                 `json:"total_scenarios"`
	SuccessScenarios  int64                 `json:"success_scenarios"`
	FailedScenarios   int64                 `json:"failed_scenarios"`
	ErrorRate         float64               `json:"error_rate"`
	RPS               float64               `json:"rps"`
	ScenarioLatencyMs latencySummary        `json:"scenario_latency_ms"`
	Steps             map[string]stepReport `json:"steps"`
}

type stepStats struct {
	success   int64
	failed    int64
	statuses  map[string]int64
	latencies []float64
}

// collector копит латентности и статусы по шагам сценария.
type collector struct {
	mu    sync.Mutex
	steps map[string]*stepStats
}

func newCollector() *collector {
	return &collector{steps: make(map[string]*stepStats)}
}

func (c *collector) record(step string, latency time.Duration, label string, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats := c.steps[step]
	if stats == nil {
		stats = &stepStats{statuses: make(map[string]int64)}
		c.steps[step] = stats
	}
	if ok {
		stats.success++
	} else {
		stats.failed++
	}
	stats.statuses[label]++
	stats.latencies = append(stats.latencies, float64(latency.Microseconds())/1000.0)
}

func (s *stepStats) report() stepReport {
	statuses := make(map[string]int64, len(s.statuses))
	for label, count := range s.statuses {
		statuses[label] = count
	}
	calls := s.success + s.failed
	return stepReport{
		Calls:     calls,
		Success:   s.success,
		Failed:    s.failed,
		ErrorRate: ratio(s.failed, calls),
		Statuses:  statuses,
		LatencyMs: summarize(s.latencies),
	}
}

func (c *collector) buildReport(mode loadMode, startedAt time.Time, elapsed time.Duration) report {
	c.mu.Lock()
	defer c.mu.Unlock()

	result := report{
		StartedAt:       startedAt.UTC(),
		Mode:            string(mode),
		DurationSeconds: elapsed.Seconds(),
		Steps:           make(map[string]stepReport, len(c.steps)),
	}
	for name, stats := range c.steps {
		if name == scenarioStep {
			scenario := stats.report()
			result.TotalScenarios = scenario.Calls
			result.SuccessScenarios = scenario.Success
			result.FailedScenarios = scenario.Failed
			result.ErrorRate = scenario.ErrorRate
			result.ScenarioLatencyMs = scenario.LatencyMs
			continue
		}
		result.Steps[name] = stats.report()
	}
	if elapsed > 0 {
		result.RPS = float64(result.TotalScenarios) / elapsed.Seconds()
	}
	return result
}

func summarize(values []float64) latencySummary {
	if len(values) == 0 {
		return latencySummary{}
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)

	var sum float64
	for _, v := range sorted {
		sum += v
	}
	return latencySummary{
		Min: sorted[0],
		Max: sorted[len(sorted)-1],
		Avg: sum / float64(len(sorted)),
		P50: quantile(sorted, 0.50),
		P95: quantile(sorted, 0.95),
		P99: quantile(sorted, 0.99),
	}
}

// quantile: линейная интерполяция между соседними рангами отсортированной выборки.
func quantile(sorted []float64, q float64) float64 {
	switch len(sorted) {
	case 0:
		return 0
	case 1:
		return sorted[0]
	}
	pos := q * float64(len(sorted)-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	return sorted[lo] + (sorted[hi]-sorted[lo])*(pos-float64(lo))
}

func ratio(part, total int64) float64 {
	if total <= 0 {
		return 0
	}
	return float64(part) / float64(total)
}

func printReport(w io.Writer, result report, target string) {
	_, _ = fmt.Fprintf(w, "rescuebag load test: mode=%s run=%s\n", result.Mode, target)
	_, _ = fmt.Fprintf(w, "scenarios total=%d success=%d failed=%d error_rate=%.4f rps=%.2f duration=%.2fs\n",
		result.TotalScenarios, result.SuccessScenarios, result.FailedScenarios,
		result.ErrorRate, result.RPS, result.DurationSeconds)
	lat := result.ScenarioLatencyMs
	_, _ = fmt.Fprintf(w, "scenario latency ms: min=%.2f avg=%.2f p50=%.2f p95=%.2f p99=%.2f max=%.2f\n",
		lat.Min, lat.Avg, lat.P50, lat.P95, lat.P99, lat.Max)

	names := make([]string, 0, len(result.Steps))
	for name := range result.Steps {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		step := result.Steps[name]
		_, _ = fmt.Fprintf(w, "  %-16s calls=%d failed=%d p95=%.2fms statuses=%v\n",
			name, step.Calls, step.Failed, step.LatencyMs.P95, step.Statuses)
	}
}

func writeJSONReport(path string, result report) error {
	clean := filepath.Clean(path)
	if clean == "." || clean == string(filepath.Separator) {
		return errors.New("output path must point to a file")
	}
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return fmt.Errorf("output path must be inside current directory: %s", path)
	}

	// #nosec G304 -- путь задаётся явно флагом -output.
	file, err := os.Create(clean)
	if err != nil {
		return err
	}
	defer file.Close()

	enc := json.NewEncoder(file)
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}
