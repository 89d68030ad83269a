// Package controller wires the scheduler, the telemetry aggregator, the
// classifiers and the exporters together and owns their lifetime.
package controller

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/takehaya/tgctl/pkg/classify"
	"github.com/takehaya/tgctl/pkg/config"
	"github.com/takehaya/tgctl/pkg/export"
	"github.com/takehaya/tgctl/pkg/frame"
	"github.com/takehaya/tgctl/pkg/logger"
	"github.com/takehaya/tgctl/pkg/multicast"
	"github.com/takehaya/tgctl/pkg/plugin"
	"github.com/takehaya/tgctl/pkg/switchif"
	"github.com/takehaya/tgctl/pkg/telemetry"
	"github.com/takehaya/tgctl/pkg/tg"
)

type CancelFunc func(ctx context.Context) error

// DumpTables are the tables returned by Tables.
var DumpTables = []string{
	switchif.TableStreamForward,
	switchif.TableMonitorForward,
	switchif.TableFrameType,
	switchif.TableHeaderReplace,
	switchif.TableFrameSize,
}

type Controller struct {
	Logger     *zap.Logger
	Device     switchif.Device
	TrafficGen *tg.TrafficGen
	Aggregator *telemetry.Aggregator
	FrameSize  *classify.FrameSize
	FrameType  *classify.FrameType
	Plugins    *plugin.Manager

	cfg           *config.Config
	cleanupFnList []CancelFunc
	loggerCleanup CancelFunc
	exporters     []export.Exporter
	out           io.Writer

	timerMu sync.Mutex
	timer   *time.Timer

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type options struct {
	logger *zap.Logger
	device switchif.Device
	source switchif.DigestSource
}

type Option func(*options)

// WithLogger replaces the logger built from the configuration.
func WithLogger(l *zap.Logger) Option { return func(o *options) { o.logger = l } }

// WithDevice replaces the in-memory switch.
func WithDevice(d switchif.Device) Option { return func(o *options) { o.device = d } }

// WithDigestSource replaces the configured digest source.
func WithDigestSource(s switchif.DigestSource) Option { return func(o *options) { o.source = s } }

func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Controller, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	c := &Controller{cfg: cfg, out: os.Stdout}
	if o.logger == nil {
		lg, cleanup, err := logger.NewLogger(cfg.Logger)
		if err != nil {
			return nil, fmt.Errorf("failed init logger: %w", err)
		}
		c.loggerCleanup = cleanup
		o.logger = lg
	}
	c.Logger = o.logger

	if err := c.build(ctx, o); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

func (c *Controller) build(ctx context.Context, o options) error {
	if o.device == nil {
		ms := switchif.NewMemorySwitch()
		c.cleanupFnList = append(c.cleanupFnList, ms.Close)
		o.device = ms
		c.Logger.Warn("no switch driver configured, using the in-memory switch")
	}
	c.Device = o.device

	src, err := c.digestSource(o)
	if err != nil {
		return err
	}

	builder, err := c.frameBuilder(ctx)
	if err != nil {
		return err
	}

	ports := c.cfg.Switch.PortMapping()
	mc := multicast.NewManager(c.Logger.Named("multicast"), c.Device)
	c.TrafficGen, err = tg.New(c.Logger.Named("trafficgen"), c.Device, mc, builder, ports, c.cfg.TrafficGen.Config)
	if err != nil {
		return fmt.Errorf("failed init traffic generator: %w", err)
	}

	c.FrameSize = classify.NewFrameSize(c.Logger.Named("framesize"), c.Device, ports)
	c.FrameType = classify.NewFrameType(c.Logger.Named("frametype"), c.Device, ports)
	c.Aggregator = telemetry.New(c.Logger.Named("telemetry"), c.Device, src, ports, c.TrafficGen.Indices(),
		telemetry.WithReceiveTimeout(c.cfg.Digest.ReceiveTimeout),
		telemetry.WithFrameSize(c.FrameSize),
		telemetry.WithFrameType(c.FrameType),
	)

	c.registerHooks()

	return c.buildExporters(ctx)
}

func (c *Controller) digestSource(o options) (switchif.DigestSource, error) {
	if o.source != nil {
		return o.source, nil
	}
	if c.cfg.Digest.Source == config.DigestSourceNATS {
		ns, err := switchif.NewNATSDigestSource(c.Logger.Named("digest"), c.cfg.Digest.NATSURL, c.cfg.Digest.Subject)
		if err != nil {
			return nil, fmt.Errorf("failed init digest source: %w", err)
		}
		c.cleanupFnList = append(c.cleanupFnList, ns.Close)
		return ns, nil
	}
	src, ok := c.Device.(switchif.DigestSource)
	if !ok {
		return nil, fmt.Errorf("device %T does not deliver digests, configure digest.source", c.Device)
	}
	return src, nil
}

func (c *Controller) frameBuilder(ctx context.Context) (*frame.Builder, error) {
	name := c.cfg.Plugin.Payload
	if name == "" {
		return frame.NewBuilder(), nil
	}

	pm, err := plugin.NewManager(ctx, c.Logger.Named("plugin"), c.cfg.Plugin.Dir)
	if err != nil {
		return nil, fmt.Errorf("failed init plugin manager: %w", err)
	}
	c.cleanupFnList = append(c.cleanupFnList, pm.Close)
	c.Plugins = pm

	if err := pm.LoadPlugin(ctx, name); err != nil {
		return nil, fmt.Errorf("failed load plugin: %w", err)
	}
	if err := pm.InitPlugin(ctx, name, []byte(c.cfg.Plugin.Config)); err != nil {
		return nil, fmt.Errorf("failed init plugin: %w", err)
	}
	c.Logger.Info("payload plugin loaded", zap.String("plugin", name))
	return frame.NewBuilder(frame.WithPayloadSource(plugin.NewPayloadSource(pm, name))), nil
}

func (c *Controller) buildExporters(ctx context.Context) error {
	ec := c.cfg.Export
	if ec.ClickHouse.Enabled {
		w, err := export.NewClickHouseWriter(ctx, c.Logger.Named("clickhouse"), export.ClickHouseOptions{
			Addr:     ec.ClickHouse.Addr,
			Database: ec.ClickHouse.Database,
			Username: ec.ClickHouse.Username,
			Password: ec.ClickHouse.Password,
			Table:    ec.ClickHouse.Table,
		})
		if err != nil {
			return fmt.Errorf("failed init clickhouse exporter: %w", err)
		}
		c.exporters = append(c.exporters, w)
	}
	if ec.NATS.Enabled {
		p, err := export.NewNATSPublisher(c.Logger.Named("nats"), ec.NATS.URL, ec.NATS.Subject)
		if err != nil {
			return fmt.Errorf("failed init nats exporter: %w", err)
		}
		c.exporters = append(c.exporters, p)
	}
	for _, e := range c.exporters {
		c.cleanupFnList = append(c.cleanupFnList, e.Close)
	}
	return nil
}

// Start programs the static data plane state and starts the background
// workers. They run until Close.
func (c *Controller) Start(ctx context.Context) error {
	if err := c.TrafficGen.Init(ctx); err != nil {
		return fmt.Errorf("failed init traffic generator: %w", err)
	}
	if err := c.Aggregator.Init(ctx); err != nil {
		return fmt.Errorf("failed init telemetry: %w", err)
	}

	wctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.Aggregator.Run(wctx)
	}()

	if len(c.exporters) > 0 {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			export.Loop(wctx, c.Logger, c.cfg.Export.Interval, c.Statistics, c.exporters...)
		}()
	}

	if c.cfg.Stats.Enabled {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.ShowStats(wctx, c.cfg.Stats.Interval)
		}()
	}
	c.Logger.Info("controller started", zap.Int("ports", len(c.cfg.Switch.Ports)), zap.Int("exporters", len(c.exporters)))
	return nil
}

// Close stops the workers and releases everything New acquired, in reverse
// order. The logger is synced last.
func (c *Controller) Close() {
	c.cancelMeasurement()
	if c.Aggregator != nil {
		c.Aggregator.Stop()
	}
	if c.cancel != nil {
		c.cancel()
	}

	// Run は受信タイムアウト経過後にフラグを見て抜ける
	c.wg.Wait()

	ctx := context.Background()
	for i := len(c.cleanupFnList) - 1; i >= 0; i-- {
		if err := c.cleanupFnList[i](ctx); err != nil {
			c.Logger.Error("failed to cleanup", zap.Error(err))
		}
	}
	c.Logger.Info("controller cleanup completed")

	if c.loggerCleanup != nil {
		_ = c.loggerCleanup(ctx)
	}
}

func (c *Controller) StartTraffic(ctx context.Context, req tg.Request) (*tg.Configuration, error) {
	return c.TrafficGen.Configure(ctx, req)
}

func (c *Controller) StopTraffic(ctx context.Context) error {
	return c.TrafficGen.Stop(ctx)
}

func (c *Controller) Reset(ctx context.Context) error {
	return c.TrafficGen.Reset(ctx)
}

func (c *Controller) Configuration() *tg.Configuration {
	return c.TrafficGen.Configuration()
}

func (c *Controller) Statistics(ctx context.Context) telemetry.Statistics {
	return c.Aggregator.Statistics(ctx)
}

// Tables dumps the entries of DumpTables.
func (c *Controller) Tables(ctx context.Context) (map[string][]switchif.Entry, error) {
	out := make(map[string][]switchif.Entry, len(DumpTables))
	for _, t := range DumpTables {
		es, err := c.Device.Entries(ctx, t)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", t, err)
		}
		out[t] = es
	}
	return out, nil
}
