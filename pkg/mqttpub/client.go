// Package mqttpub mirrors meter events to an MQTT broker and accepts relay and
// clock commands from it.
//
// Topics below base_topic:
//
//	bridge/state                        online | offline (retained, LWT)
//	sensor/<quantity>/state             value or text of each event
//	binary_sensor/reverse_power/state   ON while power flows back into the grid
//	switch/relay/state                  ON when the relay is closed
//	switch/relay/command                ON closes, OFF trips
//	button/<id>/command                 time_sync, set_clock
package mqttpub

import (
	"fmt"
	"regexp"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/NotCoffee418/dlt645_meter/pkg/config"
)

const (
	PayloadOnline  = "online"
	PayloadOffline = "offline"
	PayloadOn      = "ON"
	PayloadOff     = "OFF"

	RelaySwitchID      = "relay"
	ReversePowerID     = "reverse_power"
	TimeSyncButtonID   = "time_sync"
	SetClockButtonID   = "set_clock"
	defaultClientIDFmt = "dlt645_meter_%s"
)

func OptsFromConfig(cfg config.MQTTConfig) *mqtt.ClientOptions {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s:%d", cfg.Host, cfg.Port))
	clientID := cfg.ClientID
	if clientID == "" {
		clientID = fmt.Sprintf(defaultClientIDFmt, cfg.BaseTopic)
	}
	opts.SetClientID(clientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetWill(Topics{Base: cfg.BaseTopic}.BridgeState(), PayloadOffline, 0, true)
	return opts
}

// Topics builds topic names under Base.
type Topics struct {
	Base string
}

func (t Topics) BridgeState() string {
	return fmt.Sprintf("%s/bridge/state", t.Base)
}

func (t Topics) SensorState(id string) string {
	return fmt.Sprintf("%s/sensor/%s/state", t.Base, id)
}

func (t Topics) BinarySensorState(id string) string {
	return fmt.Sprintf("%s/binary_sensor/%s/state", t.Base, id)
}

func (t Topics) SwitchState(id string) string {
	return fmt.Sprintf("%s/switch/%s/state", t.Base, id)
}

func (t Topics) SwitchCommand(id string) string {
	return fmt.Sprintf("%s/switch/%s/command", t.Base, id)
}

func (t Topics) ButtonCommand(id string) string {
	return fmt.Sprintf("%s/button/%s/command", t.Base, id)
}

// commandFilters are the subscriptions made on every (re)connect.
func (t Topics) commandFilters() map[string]byte {
	return map[string]byte{
		fmt.Sprintf("%s/switch/+/command", t.Base): 1,
		fmt.Sprintf("%s/button/+/command", t.Base): 1,
	}
}

func commandExtractor(base string) *regexp.Regexp {
	return regexp.MustCompile(fmt.Sprintf("^%s/(switch|button)/([a-zA-Z0-9_]+)/command$", regexp.QuoteMeta(base)))
}
