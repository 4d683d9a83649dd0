package logger

import (
	"context"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	gnet "github.com/shirou/gopsutil/v3/net"

	"github.com/aws/aws-sdk-go-v2/aws"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

type flowStat struct {
	messages int64
	bytes    int64
}

var (
	errorsFetch  int64
	errorsSink   int64
	warnsFetch   int64
	warnsSink    int64
	fetchesTotal int64
	sourceFails  int64
	cacheUpserts int64
	sinkWrites   int64
	flows        sync.Map // map[string]*flowStat
)

func recordWarn(component string) {
	if strings.Contains(component, "fetch") || strings.Contains(component, "resolver") {
		atomic.AddInt64(&warnsFetch, 1)
	} else if strings.Contains(component, "sink") || strings.Contains(component, "sheet") || strings.Contains(component, "archive") {
		atomic.AddInt64(&warnsSink, 1)
	}
}

func recordError(component string) {
	if strings.Contains(component, "fetch") || strings.Contains(component, "resolver") {
		atomic.AddInt64(&errorsFetch, 1)
	} else if strings.Contains(component, "sink") || strings.Contains(component, "sheet") || strings.Contains(component, "archive") {
		atomic.AddInt64(&errorsSink, 1)
	}
}

// IncrementFetch records a completed HTTP fetch of the given body size.
func IncrementFetch(size int) {
	atomic.AddInt64(&fetchesTotal, 1)
	recordFlow("http_fetch", size)
}

// IncrementSourceFailure records one failed source attempt.
func IncrementSourceFailure() {
	atomic.AddInt64(&sourceFails, 1)
}

// IncrementCacheUpsert records one observation written to the local cache.
func IncrementCacheUpsert() {
	atomic.AddInt64(&cacheUpserts, 1)
	recordFlow("cache_upsert", 0)
}

// IncrementSinkWrite records rows written to a durable sink.
func IncrementSinkWrite(destination string, rows int) {
	atomic.AddInt64(&sinkWrites, 1)
	recordFlow(destination, rows)
}

func recordFlow(name string, size int) {
	v, _ := flows.LoadOrStore(name, &flowStat{})
	fs := v.(*flowStat)
	atomic.AddInt64(&fs.messages, 1)
	atomic.AddInt64(&fs.bytes, int64(size))
}

func startReport(ctx context.Context, log *Log, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		for {
			select {
			case <-ctx.Done():
				ticker.Stop()
				return
			case <-ticker.C:
				logReport(ctx, log)
			}
		}
	}()
}

// StartReport begins periodic logging of system and pipeline statistics.
// It exposes the internal startReport function for use by other packages.
func StartReport(ctx context.Context, log *Log, interval time.Duration) {
	startReport(ctx, log, interval)
}

func logReport(ctx context.Context, log *Log) {
	cpuPercent, _ := cpu.Percent(0, false)
	memStats, _ := mem.VirtualMemory()
	diskStats, _ := disk.Usage("/")
	netStats, _ := gnet.IOCounters(false)
	flowData := map[string]map[string]int64{}
	flows.Range(func(k, v any) bool {
		name := k.(string)
		fs := v.(*flowStat)
		flowData[name] = map[string]int64{
			"messages": atomic.LoadInt64(&fs.messages),
			"bytes":    atomic.LoadInt64(&fs.bytes),
		}
		return true
	})

	cpuPct := 0.0
	if len(cpuPercent) > 0 {
		cpuPct = cpuPercent[0]
	}

	bytesSent := uint64(0)
	bytesRecv := uint64(0)
	if len(netStats) > 0 {
		bytesSent = netStats[0].BytesSent
		bytesRecv = netStats[0].BytesRecv
	}

	fields := Fields{
		"errors_fetch":    atomic.LoadInt64(&errorsFetch),
		"errors_sink":     atomic.LoadInt64(&errorsSink),
		"warns_fetch":     atomic.LoadInt64(&warnsFetch),
		"warns_sink":      atomic.LoadInt64(&warnsSink),
		"fetches":         atomic.LoadInt64(&fetchesTotal),
		"source_failures": atomic.LoadInt64(&sourceFails),
		"cache_upserts":   atomic.LoadInt64(&cacheUpserts),
		"sink_writes":     atomic.LoadInt64(&sinkWrites),
		"goroutines":      runtime.NumGoroutine(),
		"cpu_percent":     cpuPct,
		"memory_mb":       int64(memStats.Used) / 1024 / 1024,
		"disk_mb":         int64(diskStats.Used) / 1024 / 1024,
		"flows":           flowData,
		"net_bytes_sent":  int64(bytesSent),
		"net_bytes_recv":  int64(bytesRecv),
	}

	log.WithComponent("report").WithFields(fields).Info("runtime report")

	var data []cwtypes.MetricDatum
	data = append(data,
		cwtypes.MetricDatum{MetricName: aws.String("CPUPercent"), Unit: cwtypes.StandardUnitPercent, Value: aws.Float64(cpuPct)},
		cwtypes.MetricDatum{MetricName: aws.String("MemoryMB"), Unit: cwtypes.StandardUnitMegabytes, Value: aws.Float64(float64(memStats.Used) / 1024 / 1024)},
		cwtypes.MetricDatum{MetricName: aws.String("DiskMB"), Unit: cwtypes.StandardUnitMegabytes, Value: aws.Float64(float64(diskStats.Used) / 1024 / 1024)},
		cwtypes.MetricDatum{MetricName: aws.String("ErrorsFetch"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&errorsFetch)))},
		cwtypes.MetricDatum{MetricName: aws.String("ErrorsSink"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&errorsSink)))},
		cwtypes.MetricDatum{MetricName: aws.String("WarnsFetch"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&warnsFetch)))},
		cwtypes.MetricDatum{MetricName: aws.String("WarnsSink"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&warnsSink)))},
		cwtypes.MetricDatum{MetricName: aws.String("Fetches"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&fetchesTotal)))},
		cwtypes.MetricDatum{MetricName: aws.String("SourceFailures"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&sourceFails)))},
		cwtypes.MetricDatum{MetricName: aws.String("CacheUpserts"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&cacheUpserts)))},
		cwtypes.MetricDatum{MetricName: aws.String("SinkWrites"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&sinkWrites)))},
		cwtypes.MetricDatum{MetricName: aws.String("NetBytesSent"), Unit: cwtypes.StandardUnitBytes, Value: aws.Float64(float64(bytesSent))},
		cwtypes.MetricDatum{MetricName: aws.String("NetBytesRecv"), Unit: cwtypes.StandardUnitBytes, Value: aws.Float64(float64(bytesRecv))},
	)

	for name, stats := range flowData {
		data = append(data,
			cwtypes.MetricDatum{
				MetricName: aws.String("FlowMessages"),
				Unit:       cwtypes.StandardUnitCount,
				Dimensions: []cwtypes.Dimension{{Name: aws.String("Flow"), Value: aws.String(name)}},
				Value:      aws.Float64(float64(stats["messages"])),
			},
			cwtypes.MetricDatum{
				MetricName: aws.String("FlowBytes"),
				Unit:       cwtypes.StandardUnitBytes,
				Dimensions: []cwtypes.Dimension{{Name: aws.String("Flow"), Value: aws.String(name)}},
				Value:      aws.Float64(float64(stats["bytes"])),
			},
		)
	}

	publishMetrics(ctx, data)
}
