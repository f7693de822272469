//go:build !no_mqtt

package mqtt

import (
	"fmt"
	"strings"
)

// discoveryMsg is a Home Assistant MQTT discovery payload.
type discoveryMsg struct {
	Topic   string // e.g. "homeassistant/binary_sensor/triones_aabbccddeeff/connectivity/config"
	Payload []byte // JSON, empty means delete
}

// haDevice is the "device" block in HA discovery.
type haDevice struct {
	Identifiers  []string `json:"identifiers"`
	Manufacturer string   `json:"manufacturer,omitempty"`
	Model        string   `json:"model,omitempty"`
	Name         string   `json:"name"`
}

// haDiscovery is a generic HA discovery payload.
type haDiscovery struct {
	Name                string   `json:"name"`
	UniqueID            string   `json:"unique_id"`
	StateTopic          string   `json:"state_topic"`
	CommandTopic        string   `json:"command_topic,omitempty"`
	AvailabilityTopic   string   `json:"availability_topic"`
	ValueTemplate       string   `json:"value_template,omitempty"`
	DeviceClass         string   `json:"device_class,omitempty"`
	EntityCategory      string   `json:"entity_category,omitempty"`
	PayloadOn           string   `json:"payload_on,omitempty"`
	PayloadOff          string   `json:"payload_off,omitempty"`
	SupportedColorModes []string `json:"supported_color_modes,omitempty"`
	Schema              string   `json:"schema,omitempty"`
	Device              haDevice `json:"device"`
}

// deviceTopicName returns the topic segment for a light: its address as
// lowercase hex without separators.
func deviceTopicName(addr string) string {
	return strings.ToLower(strings.NewReplacer(":", "", "-", "").Replace(addr))
}

// deviceIdentifier returns the unique identifier for HA device registry.
func deviceIdentifier(addr string) string {
	return "triones_" + deviceTopicName(addr)
}

func groupCommandTopic(prefix string) string { return prefix + "/group/set" }
func groupStateTopic(prefix string) string   { return prefix + "/group/state" }

// buildDeviceDiscovery describes one light as a connectivity binary sensor.
// The lights are write-only, so per-device on/off and color are not exposed.
func buildDeviceDiscovery(addr, prefix string) []discoveryMsg {
	nodeID := deviceIdentifier(addr)
	payload := haDiscovery{
		Name:              "Triones " + addr + " Connection",
		UniqueID:          nodeID + "_connectivity",
		StateTopic:        prefix + "/" + deviceTopicName(addr) + "/state",
		AvailabilityTopic: prefix + "/bridge/state",
		ValueTemplate:     "{{ 'ON' if value_json.connected else 'OFF' }}",
		DeviceClass:       "connectivity",
		EntityCategory:    "diagnostic",
		PayloadOn:         "ON",
		PayloadOff:        "OFF",
		Device: haDevice{
			Identifiers:  []string{nodeID},
			Manufacturer: "Triones",
			Model:        "BLE RGB controller",
			Name:         "Triones " + addr,
		},
	}
	return []discoveryMsg{{
		Topic:   fmt.Sprintf("homeassistant/binary_sensor/%s/connectivity/config", nodeID),
		Payload: mustJSON(payload),
	}}
}

// buildGroupDiscovery describes the single light that fans out to every
// registered device.
func buildGroupDiscovery(prefix string) discoveryMsg {
	nodeID := "triones_group_" + strings.ReplaceAll(prefix, "/", "_")
	payload := haDiscovery{
		Name:                "All Triones Lights",
		UniqueID:            nodeID + "_light",
		StateTopic:          groupStateTopic(prefix),
		CommandTopic:        groupCommandTopic(prefix),
		AvailabilityTopic:   prefix + "/bridge/state",
		SupportedColorModes: []string{"rgb"},
		Schema:              "json",
		Device: haDevice{
			Identifiers:  []string{nodeID},
			Manufacturer: "Triones",
			Model:        "Light group",
			Name:         "Triones Lights",
		},
	}
	return discoveryMsg{
		Topic:   fmt.Sprintf("homeassistant/light/%s/light/config", nodeID),
		Payload: mustJSON(payload),
	}
}

// buildRemoveDiscovery generates empty retained messages to remove a device from HA.
func buildRemoveDiscovery(addr string) []discoveryMsg {
	return []discoveryMsg{{
		Topic:   fmt.Sprintf("homeassistant/binary_sensor/%s/connectivity/config", deviceIdentifier(addr)),
		Payload: nil, // empty retained = delete
	}}
}
