package controller

import (
	"context"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

func (c *Controller) registerHooks() {
	c.TrafficGen.OnStart(c.onStart)
	c.TrafficGen.OnStop(c.onStop)
	c.TrafficGen.OnReset(c.onReset)
}

func (c *Controller) onStart(ctx context.Context) error {
	c.scheduleMeasurement(c.cfg.TrafficGen.MeasurementDelay)

	var err error
	err = multierr.Append(err, c.FrameType.Install(ctx))
	err = multierr.Append(err, c.FrameSize.Install(ctx))
	return err
}

func (c *Controller) onStop(_ context.Context) error {
	c.cancelMeasurement()
	c.Aggregator.StopIATMeasure()
	c.Aggregator.StopRTTMeasure()
	return nil
}

func (c *Controller) onReset(ctx context.Context) error {
	var err error
	err = multierr.Append(err, c.Aggregator.Reset(ctx))
	err = multierr.Append(err, c.FrameSize.Remove(ctx))
	err = multierr.Append(err, c.FrameType.Remove(ctx))
	return err
}

// scheduleMeasurement enables IAT/RTT collection after d. 直前の実行の
// パケットが残っているため即時には開始しない
func (c *Controller) scheduleMeasurement(d time.Duration) {
	c.timerMu.Lock()
	defer c.timerMu.Unlock()

	if c.timer != nil {
		c.timer.Stop()
	}
	var t *time.Timer
	t = time.AfterFunc(d, func() {
		c.timerMu.Lock()
		defer c.timerMu.Unlock()
		// Stop で取り消された後に発火した場合
		if c.timer != t {
			return
		}
		c.timer = nil
		c.Aggregator.StartIATMeasure()
		c.Aggregator.StartRTTMeasure()
		c.Logger.Info("iat/rtt measurement started")
	})
	c.timer = t
	c.Logger.Debug("iat/rtt measurement scheduled", zap.Duration("delay", d))
}

func (c *Controller) cancelMeasurement() {
	c.timerMu.Lock()
	defer c.timerMu.Unlock()
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}
