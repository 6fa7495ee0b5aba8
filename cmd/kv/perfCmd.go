package kv

import (
	"encoding/csv"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/dSMR/cmd/util"
	gometrics "github.com/rcrowley/go-metrics"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	perfTestCmd = &cobra.Command{
		Use:     "perf",
		Short:   "Performance testing tool for dSMR clusters",
		RunE:    runPerf,
		PreRunE: processPerfConfig,
	}
	perfKeyPrefix        = "__test"
	perfLargeValueSizeKB = 100
	perfNumThreads       = 10
	perfKeySpread        = 100
	perfOps              = 1000
	perfSkip             = make([]string, 0)
)

var perfPercentiles = []float64{0.5, 0.9, 0.99}

func init() {
	key := "skip"
	perfTestCmd.Flags().String(key, "", util.WrapString("Benchmarks to skip (comma separated - e.g. set,get)"))
	key = "threads"
	perfTestCmd.Flags().Int(key, 10, util.WrapString("Number of concurrent clients"))
	key = "ops"
	perfTestCmd.Flags().Int(key, 1000, util.WrapString("Number of operations per benchmark"))
	key = "large-value-size"
	perfTestCmd.Flags().Int(key, 100, util.WrapString("How large the value for the set-large test should be (in KB)"))
	key = "keys"
	perfTestCmd.Flags().Int(key, 100, util.WrapString("How many different keys to use for the tests"))
	key = "csv"
	perfTestCmd.Flags().String(key, "", util.WrapString("Optional path to save benchmark results as CSV"))
}

func processPerfConfig(cmd *cobra.Command, _ []string) error {
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	perfLargeValueSizeKB = viper.GetInt("large-value-size")
	perfKeySpread = max(1, viper.GetInt("keys"))
	perfNumThreads = max(1, viper.GetInt("threads"))
	perfOps = max(1, viper.GetInt("ops"))
	perfSkip = strings.Split(viper.GetString("skip"), ",")
	return nil
}

// benchmark is one workload; op is called with the operation number and
// reports whether the operation failed.
type benchmark struct {
	name    string
	prepare func(keys []string) error
	op      func(keys []string, i int) error
}

// benchResult summarizes one finished benchmark.
type benchResult struct {
	name    string
	timer   gometrics.Timer
	elapsed time.Duration
	errors  int64
}

func (r benchResult) opsPerSec() float64 {
	if r.elapsed <= 0 {
		return 0
	}
	return float64(r.timer.Count()) / r.elapsed.Seconds()
}

func benchmarks() []benchmark {
	value := []byte("test")
	largeValue := make([]byte, perfLargeValueSizeKB*1024)
	fill := func(keys []string) error {
		for _, k := range keys {
			if err := rpcStore.Set(k, value); err != nil {
				return err
			}
		}
		return nil
	}

	return []benchmark{
		{name: "set", op: func(keys []string, i int) error {
			return rpcStore.Set(keys[i%len(keys)], value)
		}},
		{name: "set-large", op: func(keys []string, i int) error {
			return rpcStore.Set(keys[i%len(keys)], largeValue)
		}},
		{name: "setE", op: func(keys []string, i int) error {
			return rpcStore.SetE(keys[i%len(keys)], value, 100, 1000)
		}},
		{name: "get", prepare: fill, op: func(keys []string, i int) error {
			_, _, err := rpcStore.Get(keys[i%len(keys)])
			return err
		}},
		{name: "has", prepare: fill, op: func(keys []string, i int) error {
			_, err := rpcStore.Has(keys[i%len(keys)])
			return err
		}},
		{name: "has-not", op: func(keys []string, i int) error {
			_, err := rpcStore.Has(keys[i%len(keys)])
			return err
		}},
		{name: "delete", prepare: fill, op: func(keys []string, i int) error {
			return rpcStore.Delete(keys[i%len(keys)])
		}},
		{name: "mixed", prepare: fill, op: func(keys []string, i int) error {
			k := keys[i%len(keys)]
			switch i % 10 {
			case 0:
				return rpcStore.Delete(k)
			case 1, 2, 3:
				return rpcStore.Set(k, value)
			default:
				_, _, err := rpcStore.Get(k)
				return err
			}
		}},
	}
}

func runPerf(_ *cobra.Command, _ []string) error {
	fmt.Println("Performance testing tool for dSMR clusters")
	fmt.Println()
	fmt.Println("Configuration:")
	fmt.Println(util.GetClientConfig().String())
	fmt.Printf("Threads: %d, Operations: %d, Keys: %d\n\n", perfNumThreads, perfOps, perfKeySpread)

	registry := gometrics.NewRegistry()
	var results []benchResult

	for _, b := range benchmarks() {
		if shouldSkip(b.name) {
			fmt.Printf("%-12sskipped\n", b.name)
			continue
		}
		res, err := runBenchmark(registry, b)
		if err != nil {
			return fmt.Errorf("%s: %w", b.name, err)
		}
		printResult(res)
		results = append(results, res)
	}

	if csvPath := viper.GetString("csv"); csvPath != "" {
		if err := writeResultsToCSV(csvPath, results); err != nil {
			return err
		}
		fmt.Printf("\nresults written to %s\n", csvPath)
	}
	return nil
}

func runBenchmark(registry gometrics.Registry, b benchmark) (benchResult, error) {
	keys := make([]string, perfKeySpread)
	for i := range keys {
		keys[i] = fmt.Sprintf("%s-%s-%d", perfKeyPrefix, b.name, i)
	}
	defer func() {
		for _, k := range keys {
			_ = rpcStore.Delete(k)
		}
	}()

	if b.prepare != nil {
		if err := b.prepare(keys); err != nil {
			return benchResult{}, fmt.Errorf("prepare: %w", err)
		}
	}

	timer := gometrics.NewTimer()
	if err := registry.Register(b.name, timer); err != nil {
		return benchResult{}, err
	}

	var (
		next   atomic.Int64
		failed atomic.Int64
		wg     sync.WaitGroup
	)
	start := time.Now()
	for range perfNumThreads {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				i := int(next.Add(1) - 1)
				if i >= perfOps {
					return
				}
				t0 := time.Now()
				if err := b.op(keys, i); err != nil {
					if failed.Add(1) == 1 {
						fmt.Printf("(%s) first error: %v\n", b.name, err)
					}
					continue
				}
				timer.UpdateSince(t0)
			}
		}()
	}
	wg.Wait()

	return benchResult{
		name:    b.name,
		timer:   timer,
		elapsed: time.Since(start),
		errors:  failed.Load(),
	}, nil
}

func shouldSkip(test string) bool {
	for _, s := range perfSkip {
		if strings.TrimSpace(s) == test {
			return true
		}
	}
	return false
}

// printResult prints the result of a benchmark in a formatted way
func printResult(r benchResult) {
	p := r.timer.Percentiles(perfPercentiles)
	fmt.Printf("%-12s%8.0f ops/sec  mean %-10s p50 %-10s p90 %-10s p99 %-10s errors %d\n",
		r.name,
		r.opsPerSec(),
		time.Duration(r.timer.Mean()).Round(time.Microsecond),
		time.Duration(p[0]).Round(time.Microsecond),
		time.Duration(p[1]).Round(time.Microsecond),
		time.Duration(p[2]).Round(time.Microsecond),
		r.errors,
	)
}

// writeResultsToCSV writes benchmark results to a CSV file
func writeResultsToCSV(csvPath string, results []benchResult) error {
	file, err := os.Create(csvPath)
	if err != nil {
		return fmt.Errorf("failed to create CSV file: %v", err)
	}
	defer file.Close()

	config := util.GetClientConfig()
	writer := csv.NewWriter(file)

	header := []string{
		"Test", "Ops", "Errors", "OpsPerSec", "MeanNs", "P50Ns", "P90Ns", "P99Ns", "MaxNs",
		"Endpoints", "TimeoutSec", "RetryCount", "ConnectionsPerEndpoint",
		"Serializer", "Transport", "Threads", "LargeValueSizeKB", "Keys",
	}
	if err := writer.Write(header); err != nil {
		return fmt.Errorf("failed to write CSV header: %v", err)
	}

	for _, r := range results {
		p := r.timer.Percentiles(perfPercentiles)
		row := []string{
			r.name,
			strconv.FormatInt(r.timer.Count(), 10),
			strconv.FormatInt(r.errors, 10),
			fmt.Sprintf("%.0f", r.opsPerSec()),
			fmt.Sprintf("%.0f", r.timer.Mean()),
			fmt.Sprintf("%.0f", p[0]),
			fmt.Sprintf("%.0f", p[1]),
			fmt.Sprintf("%.0f", p[2]),
			strconv.FormatInt(r.timer.Max(), 10),
			strings.Join(config.Transport.Endpoints, ";"),
			strconv.Itoa(config.TimeoutSecond),
			strconv.Itoa(config.Transport.RetryCount),
			strconv.Itoa(config.Transport.ConnectionsPerEndpoint),
			viper.GetString("serializer"),
			viper.GetString("transport"),
			strconv.Itoa(perfNumThreads),
			strconv.Itoa(perfLargeValueSizeKB),
			strconv.Itoa(perfKeySpread),
		}
		if err := writer.Write(row); err != nil {
			return fmt.Errorf("failed to write row for test %s: %v", r.name, err)
		}
	}

	writer.Flush()
	return writer.Error()
}
