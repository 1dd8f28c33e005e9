package interpreter

import (
	"encoding/json"

	"github.com/NotCoffee418/dlt645_meter/pkg/types"
)

// EventToJsonBytes encodes ev as one websocket text message.
func EventToJsonBytes(ev types.MeterEvent) []byte {
	data, err := json.Marshal(ev)
	if err != nil {
		return nil
	}
	return data
}

// EventFromJsonBytes decodes a websocket message, nil if it is not an event.
func EventFromJsonBytes(data []byte) *types.MeterEvent {
	var ev types.MeterEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil
	}
	if ev.Quantity == "" {
		return nil
	}
	return &ev
}
