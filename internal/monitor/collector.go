package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"code.cloudfoundry.org/clock"
	"github.com/nats-io/nats.go"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"

	"github.com/t77yq/rolegroup/internal/control"
	"github.com/t77yq/rolegroup/internal/launcher"
	"github.com/t77yq/rolegroup/internal/model"
)

// ProcessLister reports the role processes running on this host
type ProcessLister interface {
	Processes() []launcher.RunningProcess
}

// Collector samples host and role process usage at a fixed interval and
// publishes the samples to JetStream and Prometheus
type Collector struct {
	logger    *zap.Logger
	group     string
	interval  time.Duration
	clock     clock.Clock
	processes ProcessLister
	js        nats.JetStreamContext
	metrics   *Metrics

	mu   sync.RWMutex
	last *model.HostStats

	stop     chan struct{}
	stopOnce sync.Once
}

// CollectorConfig configures a Collector. Js and Metrics may be nil.
type CollectorConfig struct {
	Group    string
	Interval time.Duration
	Clock    clock.Clock
	JS       nats.JetStreamContext
	Metrics  *Metrics
}

// NewCollector creates a collector for the processes of one group
func NewCollector(cfg CollectorConfig, processes ProcessLister, logger *zap.Logger) *Collector {
	clk := cfg.Clock
	if clk == nil {
		clk = clock.NewClock()
	}
	return &Collector{
		logger:    logger.Named("collector"),
		group:     cfg.Group,
		interval:  cfg.Interval,
		clock:     clk,
		processes: processes,
		js:        cfg.JS,
		metrics:   cfg.Metrics,
		stop:      make(chan struct{}),
	}
}

// Start runs the collection loop until ctx is done or Stop is called
func (c *Collector) Start(ctx context.Context) {
	c.logger.Info("Starting resource collector", zap.Duration("interval", c.interval))
	go c.collectLoop(ctx)
}

// Stop ends the collection loop
func (c *Collector) Stop() {
	c.stopOnce.Do(func() { close(c.stop) })
}

// Last returns the most recent sample, nil before the first one
func (c *Collector) Last() *model.HostStats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.last
}

func (c *Collector) collectLoop(ctx context.Context) {
	ticker := c.clock.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stop:
			return
		case <-ticker.C():
			stats, err := c.Collect()
			if err != nil {
				c.logger.Error("Failed to collect resource usage", zap.Error(err))
				continue
			}
			if err := c.publish(stats); err != nil {
				c.logger.Error("Failed to publish resource usage", zap.Error(err))
			}
		}
	}
}

// Collect takes one sample
func (c *Collector) Collect() (*model.HostStats, error) {
	cpuPercent, err := cpu.Percent(0, false)
	if err != nil {
		return nil, fmt.Errorf("failed to get CPU usage: %w", err)
	}
	memInfo, err := mem.VirtualMemory()
	if err != nil {
		return nil, fmt.Errorf("failed to get memory usage: %w", err)
	}

	now := c.clock.Now()
	stats := &model.HostStats{
		Group:       c.group,
		MemoryUsage: memInfo.UsedPercent,
		CollectedAt: now,
	}
	if len(cpuPercent) > 0 {
		stats.CPUUsage = cpuPercent[0]
	}

	for _, running := range c.processes.Processes() {
		ps, err := sampleProcess(running)
		if err != nil {
			// the process may have exited since it was listed
			c.logger.Debug("Skipping process",
				zap.String("role", running.Role),
				zap.Int32("pid", running.PID),
				zap.Error(err))
			continue
		}
		ps.CollectedAt = now
		stats.Processes = append(stats.Processes, ps)
	}

	if c.metrics != nil {
		c.metrics.ObserveHost(c.group, stats.CPUUsage, stats.MemoryUsage)
		for _, ps := range stats.Processes {
			c.metrics.ObserveProcess(c.group, ps.Role, ps.CPUUsage, ps.MemoryRSS)
		}
	}

	c.mu.Lock()
	c.last = stats
	c.mu.Unlock()

	c.logger.Debug("Resource usage collected",
		zap.Float64("cpu_usage", stats.CPUUsage),
		zap.Float64("memory_usage", stats.MemoryUsage),
		zap.Int("process_count", len(stats.Processes)))
	return stats, nil
}

func sampleProcess(running launcher.RunningProcess) (model.ProcessStats, error) {
	p, err := process.NewProcess(running.PID)
	if err != nil {
		return model.ProcessStats{}, err
	}
	cpuPercent, err := p.CPUPercent()
	if err != nil {
		return model.ProcessStats{}, err
	}
	memInfo, err := p.MemoryInfo()
	if err != nil {
		return model.ProcessStats{}, err
	}
	return model.ProcessStats{
		Role:      running.Role,
		ProcessID: string(running.ID),
		PID:       running.PID,
		CPUUsage:  cpuPercent,
		MemoryRSS: memInfo.RSS,
	}, nil
}

func (c *Collector) publish(stats *model.HostStats) error {
	if c.js == nil {
		return nil
	}
	data, err := json.Marshal(stats)
	if err != nil {
		return fmt.Errorf("failed to marshal stats: %w", err)
	}
	if _, err := c.js.Publish(control.StatsSubject(c.group), data); err != nil {
		return fmt.Errorf("failed to publish stats: %w", err)
	}
	return nil
}
