package receipt

import (
	"context"
	"errors"
	"os"
	"time"

	"qms/edge-service/internal/metrics"

	"go.uber.org/zap"
)

// Printer reports whether the receipt reached a printer. Failures are
// logged, never returned.
type Printer interface {
	Print(ctx context.Context, r Receipt) bool
}

type DevicePrinter struct {
	device   string
	location *time.Location
	logger   *zap.Logger
	metrics  *metrics.Metrics
}

func NewDevicePrinter(device string, loc *time.Location, logger *zap.Logger, m *metrics.Metrics) *DevicePrinter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DevicePrinter{device: device, location: loc, logger: logger, metrics: m}
}

func (p *DevicePrinter) Print(ctx context.Context, r Receipt) bool {
	printed := p.write(Render(r, p.location))
	p.metrics.Receipt(printed)
	return printed
}

func (p *DevicePrinter) write(payload []byte) bool {
	if p.device == "" {
		return false
	}
	if _, err := os.Stat(p.device); err != nil {
		p.logger.Debug("printer not found", zap.String("device", p.device))
		return false
	}
	f, err := os.OpenFile(p.device, os.O_WRONLY, 0)
	if err != nil {
		if errors.Is(err, os.ErrPermission) {
			p.logger.Warn("no permission to write to printer", zap.String("device", p.device))
		} else {
			p.logger.Warn("open printer failed", zap.String("device", p.device), zap.Error(err))
		}
		return false
	}
	defer f.Close()
	if _, err := f.Write(payload); err != nil {
		p.logger.Warn("write to printer failed", zap.String("device", p.device), zap.Error(err))
		return false
	}
	p.logger.Info("receipt sent to printer", zap.String("device", p.device))
	return true
}

// LogPrinter stands in when no printer is attached. It never prints.
type LogPrinter struct {
	logger *zap.Logger
}

func NewLogPrinter(logger *zap.Logger) LogPrinter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return LogPrinter{logger: logger}
}

func (p LogPrinter) Print(ctx context.Context, r Receipt) bool {
	p.logger.Info("receipt",
		zap.String("ticket_code", r.TicketCode),
		zap.String("service", r.ServiceName),
		zap.String("priority", r.Priority))
	return false
}
