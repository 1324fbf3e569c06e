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

type channelStat struct {
	messages int64
	bytes    int64
}

var (
	errorsReader     int64
	errorsAggregator int64
	warnsReader      int64
	warnsAggregator  int64
	snapshotReads    int64
	snapshotsApplied int64
	snapshotsDropped int64
	ringRebuilds     int64
	channels         sync.Map // map[string]*channelStat
)

func recordWarn(component string) {
	if strings.Contains(component, "reader") {
		atomic.AddInt64(&warnsReader, 1)
	} else if strings.Contains(component, "aggregator") {
		atomic.AddInt64(&warnsAggregator, 1)
	}
}

func recordError(component string) {
	if strings.Contains(component, "reader") {
		atomic.AddInt64(&errorsReader, 1)
	} else if strings.Contains(component, "aggregator") {
		atomic.AddInt64(&errorsAggregator, 1)
	}
}

// IncrementSnapshotRead counts one depth snapshot received from an exchange
// feed; size is its approximate wire size in bytes.
func IncrementSnapshotRead(size int) {
	atomic.AddInt64(&snapshotReads, 1)
	recordChannel("depth_feed", size)
}

// IncrementSnapshotApplied counts one snapshot folded into the history and
// ring.
func IncrementSnapshotApplied() {
	atomic.AddInt64(&snapshotsApplied, 1)
}

// IncrementSnapshotDropped counts one snapshot rejected at admission.
func IncrementSnapshotDropped() {
	atomic.AddInt64(&snapshotsDropped, 1)
}

// IncrementRingRebuild counts one full reseed of the aggregation ring.
func IncrementRingRebuild() {
	atomic.AddInt64(&ringRebuilds, 1)
}

func RecordChannelMessage(name string, size int) {
	recordChannel(name, size)
}

func recordChannel(name string, size int) {
	v, _ := channels.LoadOrStore(name, &channelStat{})
	cs := v.(*channelStat)
	atomic.AddInt64(&cs.messages, 1)
	atomic.AddInt64(&cs.bytes, int64(size))
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

// StartReport begins periodic logging of system and channel statistics.
func StartReport(ctx context.Context, log *Log, interval time.Duration) {
	startReport(ctx, log, interval)
}

func logReport(ctx context.Context, log *Log) {
	cpuPercent, _ := cpu.Percent(0, false)
	memStats, _ := mem.VirtualMemory()
	diskStats, _ := disk.Usage("/")
	netStats, _ := gnet.IOCounters(false)
	channelData := map[string]map[string]int64{}
	channels.Range(func(k, v any) bool {
		name := k.(string)
		cs := v.(*channelStat)
		channelData[name] = map[string]int64{
			"messages": atomic.LoadInt64(&cs.messages),
			"bytes":    atomic.LoadInt64(&cs.bytes),
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
		"errors_reader":     atomic.LoadInt64(&errorsReader),
		"errors_aggregator": atomic.LoadInt64(&errorsAggregator),
		"warns_reader":      atomic.LoadInt64(&warnsReader),
		"warns_aggregator":  atomic.LoadInt64(&warnsAggregator),
		"snapshot_reads":    atomic.LoadInt64(&snapshotReads),
		"snapshots_applied": atomic.LoadInt64(&snapshotsApplied),
		"snapshots_dropped": atomic.LoadInt64(&snapshotsDropped),
		"ring_rebuilds":     atomic.LoadInt64(&ringRebuilds),
		"goroutines":        runtime.NumGoroutine(),
		"cpu_percent":       cpuPct,
		"memory_mb":         int64(memStats.Used) / 1024 / 1024,
		"disk_mb":           int64(diskStats.Used) / 1024 / 1024,
		"channels":          channelData,
		"net_bytes_sent":    int64(bytesSent),
		"net_bytes_recv":    int64(bytesRecv),
	}

	log.WithComponent("report").WithFields(fields).Info("runtime report")

	var data []cwtypes.MetricDatum
	data = append(data,
		cwtypes.MetricDatum{MetricName: aws.String("CPUPercent"), Unit: cwtypes.StandardUnitPercent, Value: aws.Float64(cpuPct)},
		cwtypes.MetricDatum{MetricName: aws.String("MemoryMB"), Unit: cwtypes.StandardUnitMegabytes, Value: aws.Float64(float64(memStats.Used) / 1024 / 1024)},
		cwtypes.MetricDatum{MetricName: aws.String("DiskMB"), Unit: cwtypes.StandardUnitMegabytes, Value: aws.Float64(float64(diskStats.Used) / 1024 / 1024)},
		cwtypes.MetricDatum{MetricName: aws.String("ErrorsReader"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&errorsReader)))},
		cwtypes.MetricDatum{MetricName: aws.String("ErrorsAggregator"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&errorsAggregator)))},
		cwtypes.MetricDatum{MetricName: aws.String("WarnsReader"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&warnsReader)))},
		cwtypes.MetricDatum{MetricName: aws.String("WarnsAggregator"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&warnsAggregator)))},
		cwtypes.MetricDatum{MetricName: aws.String("SnapshotReads"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&snapshotReads)))},
		cwtypes.MetricDatum{MetricName: aws.String("SnapshotsApplied"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&snapshotsApplied)))},
		cwtypes.MetricDatum{MetricName: aws.String("SnapshotsDropped"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&snapshotsDropped)))},
		cwtypes.MetricDatum{MetricName: aws.String("RingRebuilds"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&ringRebuilds)))},
		cwtypes.MetricDatum{MetricName: aws.String("NetBytesSent"), Unit: cwtypes.StandardUnitBytes, Value: aws.Float64(float64(bytesSent))},
		cwtypes.MetricDatum{MetricName: aws.String("NetBytesRecv"), Unit: cwtypes.StandardUnitBytes, Value: aws.Float64(float64(bytesRecv))},
	)

	for name, stats := range channelData {
		data = append(data,
			cwtypes.MetricDatum{
				MetricName: aws.String("ChannelMessages"),
				Unit:       cwtypes.StandardUnitCount,
				Dimensions: []cwtypes.Dimension{{Name: aws.String("Channel"), Value: aws.String(name)}},
				Value:      aws.Float64(float64(stats["messages"])),
			},
			cwtypes.MetricDatum{
				MetricName: aws.String("ChannelBytes"),
				Unit:       cwtypes.StandardUnitBytes,
				Dimensions: []cwtypes.Dimension{{Name: aws.String("Channel"), Value: aws.String(name)}},
				Value:      aws.Float64(float64(stats["bytes"])),
			},
		)
	}

	publishMetrics(ctx, data)
}
