package meter

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/NotCoffee418/dlt645_meter/pkg/types"
)

// NewLogSink logs every event at level; the reverse power alert always at warn.
func NewLogSink(logger *zap.Logger, level zapcore.Level) Sink {
	return SinkFunc(func(events []types.MeterEvent) {
		for _, ev := range events {
			fields := []zap.Field{
				zap.String("quantity", string(ev.Quantity)),
				zap.String("di", ev.DataIdentifier),
			}
			if ev.Text != "" {
				fields = append(fields, zap.String("text", ev.Text), zap.Bool("valid", ev.Valid))
			} else {
				fields = append(fields, zap.Float64("value", ev.Value), zap.String("unit", ev.Unit))
			}

			switch ev.Quantity {
			case types.QuantityReversePowerAlert:
				logger.Warn("reverse power alert", fields...)
			default:
				logger.Log(level, "meter value", fields...)
			}
		}
	})
}
