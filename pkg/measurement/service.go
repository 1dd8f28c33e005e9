package measurement

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/NotCoffee418/dlt645_meter/pkg/bcd"
	"github.com/NotCoffee418/dlt645_meter/pkg/dlt645"
	"github.com/NotCoffee418/dlt645_meter/pkg/esmutils"
	"github.com/NotCoffee418/dlt645_meter/pkg/metrics"
	"github.com/NotCoffee418/dlt645_meter/pkg/types"
)

var (
	ErrShortPayload      = errors.New("payload too short")
	ErrUnknownIdentifier = errors.New("unknown data identifier")
)

// register describes how a numeric register is decoded.
type register struct {
	quantity types.Quantity
	size     int
	decimals int
	signed   bool
	store    func(c *Cache, v float64)
}

// Current A is decoded signed: the sign bit marks reverse current on
// bidirectional meters.
var numericRegisters = map[dlt645.DataIdentifier]register{
	dlt645.DIActiveEnergyTotal: {
		quantity: types.QuantityActiveEnergy, size: 4, decimals: 2,
		store: (*Cache).SetActiveEnergy,
	},
	dlt645.DIReverseEnergyTotal: {
		quantity: types.QuantityReverseEnergy, size: 4, decimals: 2,
		store: (*Cache).SetReverseEnergy,
	},
	dlt645.DIVoltageA: {
		quantity: types.QuantityVoltageA, size: 2, decimals: 1,
		store: (*Cache).SetVoltageA,
	},
	dlt645.DICurrentA: {
		quantity: types.QuantityCurrentA, size: 3, decimals: 3, signed: true,
		store: (*Cache).SetCurrentA,
	},
	dlt645.DIPowerFactorTotal: {
		quantity: types.QuantityPowerFactor, size: 2, decimals: 3, signed: true,
		store: (*Cache).SetPowerFactor,
	},
	dlt645.DIFrequency: {
		quantity: types.QuantityFrequency, size: 2, decimals: 2,
		store: (*Cache).SetFrequency,
	},
}

// Decoder dispatches register payloads to the cache.
type Decoder struct {
	cache   *Cache
	logger  *zap.Logger
	metrics *metrics.MeterMetrics
}

func NewDecoder(cache *Cache, logger *zap.Logger, m *metrics.MeterMetrics) *Decoder {
	return &Decoder{cache: cache, logger: logger, metrics: m}
}

// Decode stores the value carried by payload, the data following the 4-byte
// identifier. On error the cached value is left as it was.
func (d *Decoder) Decode(di dlt645.DataIdentifier, payload []byte) error {
	switch di {
	case dlt645.DIActivePowerTotal:
		return d.decodePower(payload)
	case dlt645.DIDate:
		return d.decodeDate(payload)
	case dlt645.DITime:
		return d.decodeTime(payload)
	case dlt645.DIDeviceAddress:
		// the address is taken from the frame header, not from the data
		return nil
	}

	reg, ok := numericRegisters[di]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownIdentifier, di)
	}
	if len(payload) < reg.size {
		return fmt.Errorf("%s: %w: got %d bytes, need %d", di, ErrShortPayload, len(payload), reg.size)
	}

	var (
		v   float64
		err error
	)
	// the whole payload is decoded, so the sign comes from the last byte
	// received even when the meter sends more than the register width
	if reg.signed {
		v, err = bcd.DecodeSigned(payload, reg.decimals)
	} else {
		v, err = bcd.Decode(payload, reg.decimals)
	}
	if err != nil {
		return fmt.Errorf("%s: %w", di, err)
	}

	reg.store(d.cache, v)
	d.metrics.ValueDecoded(string(reg.quantity))
	d.logger.Debug("register decoded", zap.Stringer("di", di), zap.Float64("value", v))
	return nil
}

func (d *Decoder) decodePower(payload []byte) error {
	if len(payload) < 3 {
		return fmt.Errorf("%s: %w: got %d bytes, need 3", dlt645.DIActivePowerTotal, ErrShortPayload, len(payload))
	}
	kw, err := bcd.DecodeSigned(payload, 4)
	if err != nil {
		return fmt.Errorf("%s: %w", dlt645.DIActivePowerTotal, err)
	}
	w := esmutils.KwToW(kw)

	d.metrics.ValueDecoded(string(types.QuantityActivePower))
	if d.cache.SetActivePower(w) {
		d.metrics.ReversePowerAlert()
		d.logger.Warn("reverse power flow detected", zap.Float64("watts", w))
	}
	d.logger.Debug("active power decoded", zap.Float64("watts", w))
	return nil
}

// decodeDate accepts the 4-byte WW DD MM YY register and the 6-byte
// extended form. An out-of-range 4-byte date is still stored, marked invalid.
func (d *Decoder) decodeDate(payload []byte) error {
	switch {
	case len(payload) == 4:
		week := bcd.ToInt(payload[0])
		day := bcd.ToInt(payload[1])
		month := bcd.ToInt(payload[2])
		year := bcd.ToInt(payload[3])

		if week > 6 || day < 1 || day > 31 || month < 1 || month > 12 {
			text := fmt.Sprintf("INVALID_WDMY: W%02d-D%02d-M%02d-Y%02d", week, day, month, year)
			d.logger.Warn("meter date out of range", zap.String("date", text))
			d.cache.SetDate(Date{Text: text})
			return nil
		}

		fullYear := 1900 + year
		if year < 50 {
			fullYear = 2000 + year
		}
		date := Date{
			Year:    fullYear,
			Month:   month,
			Day:     day,
			Weekday: time.Weekday(week),
			Valid:   true,
			Text:    fmt.Sprintf("%04d-%02d-%02d", fullYear, month, day),
		}
		d.cache.SetDate(date)
		d.metrics.ValueDecoded(string(types.QuantityDate))
		d.logger.Debug("meter date decoded", zap.String("date", date.Text), zap.Stringer("weekday", date.Weekday))
		return nil

	case len(payload) >= 6:
		text := fmt.Sprintf("%02X%02X%02X%02X%02X%02X",
			payload[1], payload[0], payload[2], payload[3], payload[4], payload[5])
		d.cache.SetDate(Date{Valid: true, Text: text})
		d.metrics.ValueDecoded(string(types.QuantityDate))
		return nil
	}
	return fmt.Errorf("%s: %w: unexpected length %d", dlt645.DIDate, ErrShortPayload, len(payload))
}

func (d *Decoder) decodeTime(payload []byte) error {
	if len(payload) < 3 {
		return fmt.Errorf("%s: %w: got %d bytes, need 3", dlt645.DITime, ErrShortPayload, len(payload))
	}
	clock := Clock{
		Hour:   bcd.ToInt(payload[0]),
		Minute: bcd.ToInt(payload[1]),
		Second: bcd.ToInt(payload[2]),
	}
	d.cache.SetTime(clock)
	d.metrics.ValueDecoded(string(types.QuantityTime))
	d.logger.Debug("meter time decoded", zap.Stringer("time", clock))
	return nil
}
