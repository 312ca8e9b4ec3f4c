package ingest

import (
	"context"
	"errors"
	"time"

	"github.com/waterbothq/usage-worker/internal/clock"
	"github.com/waterbothq/usage-worker/internal/db"
	"github.com/waterbothq/usage-worker/internal/event"
	"github.com/waterbothq/usage-worker/internal/health"
	"github.com/waterbothq/usage-worker/internal/logging"
	"github.com/waterbothq/usage-worker/internal/registry"
	"github.com/waterbothq/usage-worker/internal/repository"
	"github.com/waterbothq/usage-worker/internal/usage"
	"go.uber.org/zap"
)

// Message is one opaque inbound telemetry message: transport attributes
// plus a base64-encoded JSON body.
type Message struct {
	Attributes map[string]string
	Body       []byte
}

// SiteDirectory resolves a device to its owning site and calibration.
type SiteDirectory interface {
	LookupDevice(ctx context.Context, deviceID string) (*db.DeviceSiteInfo, error)
}

// Store is the durable-store surface the coordinator writes to. Inserts
// are idempotent on insert_id.
type Store interface {
	InsertDeviceHealth(ctx context.Context, rec db.DeviceHealthRecord) error
	InsertUsageIntervals(ctx context.Context, intervals []db.UsageInterval) error
}

// Coordinator orchestrates lookup, decode, reconstruction and the two
// durable inserts for each inbound message.
type Coordinator struct {
	sites              SiteDirectory
	store              Store
	clock              clock.Clock
	clockSkewTolerance time.Duration
	logger             *zap.Logger
}

// NewCoordinator creates a new ingestion coordinator
func NewCoordinator(sites SiteDirectory, store Store, clk clock.Clock, clockSkewToleranceMinutes int, logger *zap.Logger) *Coordinator {
	return &Coordinator{
		sites:              sites,
		store:              store,
		clock:              clk,
		clockSkewTolerance: time.Duration(clockSkewToleranceMinutes) * time.Minute,
		logger:             logger,
	}
}

// ProcessMessage ingests one telemetry message.
//
// Failure policy: an unrecognized device aborts the message quietly
// (provisioning races are expected), an undecodable body is returned as a
// typed error so the transport can dead-letter it, and the two store writes
// are isolated from each other — either may fail without preventing the
// other, and neither failure propagates. Store retry is the transport's
// job via redelivery plus idempotent insert ids.
func (c *Coordinator) ProcessMessage(ctx context.Context, msg Message) error {
	deviceID := msg.Attributes["device_id"]
	if deviceID == "" {
		c.logger.Error("message missing device_id attribute, dropping")
		return nil
	}
	msgLogger := logging.WithDeviceID(c.logger, deviceID)

	info, err := c.sites.LookupDevice(ctx, deviceID)
	if err != nil {
		if errors.Is(err, registry.ErrUnknownDevice) {
			msgLogger.Warn("unrecognized device, dropping message")
			return nil
		}
		msgLogger.Error("device site lookup failed", zap.Error(err))
		return nil
	}

	ev, err := c.decodeBody(msg.Body, msgLogger)
	if err != nil {
		return err
	}

	receivedAt := c.clock.Now()
	c.checkClockSkew(ev, receivedAt, msgLogger)

	healthRec := health.Extract(*info, *ev, receivedAt)
	if err := c.store.InsertDeviceHealth(ctx, healthRec); err != nil {
		c.logInsertFailure(msgLogger, "device health insert failed", err)
	} else {
		msgLogger.Info("inserted device health record",
			zap.String("insert_id", healthRec.InsertID),
			zap.Int64("sequence", healthRec.Sequence),
		)
	}

	intervals := usage.Reconstruct(*info, *ev)
	if len(intervals) == 0 {
		msgLogger.Info("no usage data to insert")
		return nil
	}

	if err := c.store.InsertUsageIntervals(ctx, intervals); err != nil {
		c.logInsertFailure(msgLogger, "usage interval insert failed", err)
	} else {
		msgLogger.Info("inserted usage intervals",
			zap.Int("count", len(intervals)),
			zap.String("site_id", info.SiteID),
		)
	}

	return nil
}

// decodeBody turns the message body into an event. An absent body is a
// heartbeat/empty event, not an error.
func (c *Coordinator) decodeBody(body []byte, logger *zap.Logger) (*event.WaterbotEvent, error) {
	if len(body) == 0 {
		logger.Info("empty message body, treating as empty event")
		return &event.WaterbotEvent{FirmwareVersion: "unknown"}, nil
	}

	ev, err := event.Decode(body)
	if err != nil {
		logger.Error("failed to decode event payload", zap.Error(err))
		return nil, err
	}
	return ev, nil
}

// checkClockSkew warns when the device clock disagrees with the server
// clock beyond tolerance. Never rejects: the reading still records against
// the device's own timeline.
func (c *Coordinator) checkClockSkew(ev *event.WaterbotEvent, receivedAt time.Time, logger *zap.Logger) {
	if ev.TimeOfReading == 0 || c.clockSkewTolerance <= 0 {
		return
	}
	skew := receivedAt.Sub(time.Unix(ev.TimeOfReading, 0))
	if skew < 0 {
		skew = -skew
	}
	if skew > c.clockSkewTolerance {
		logger.Warn("device clock skew outside tolerance",
			zap.Duration("skew", skew),
			zap.Int64("time_of_reading", ev.TimeOfReading),
		)
	}
}

// logInsertFailure surfaces store failures, with row-level detail when the
// store reports a partial batch failure.
func (c *Coordinator) logInsertFailure(logger *zap.Logger, msg string, err error) {
	var partial *repository.PartialInsertError
	if errors.As(err, &partial) {
		logger.Error(msg,
			zap.Error(err),
			zap.String("table", partial.Table),
			zap.Int("attempted", partial.Attempted),
			zap.Int("failed", len(partial.RowErrors)),
		)
		for _, re := range partial.RowErrors {
			logger.Error("insert row error",
				zap.Int("row", re.Index),
				zap.String("insert_id", re.InsertID),
				zap.Error(re.Err),
			)
		}
		return
	}
	logger.Error(msg, zap.Error(err))
}
