package web

import (
	"time"

	"triones-go-home/internal/coordinator"
)

// WebSocket frame types.
const (
	wsTypeSnapshot = "snapshot"
	wsTypeDevice   = "device"
	wsTypeLog      = "log"
	wsTypeBulk     = "bulk"
	wsTypeFailure  = "device_failed"
	wsTypeStore    = "store"
)

// wsSnapshot replaces the client's whole device list. Sent on connect and
// after every structural change; positions may have shifted, so any
// selection the client holds is stale when SelectionCleared is set.
type wsSnapshot struct {
	Type             string                    `json:"type"`
	Devices          []coordinator.DeviceState `json:"devices"`
	SelectionCleared bool                      `json:"selection_cleared"`
}

// wsDevice updates a single row in place.
type wsDevice struct {
	Type   string                  `json:"type"`
	Device coordinator.DeviceState `json:"device"`
}

type wsLog struct {
	Type    string    `json:"type"`
	Message string    `json:"message"`
	Time    time.Time `json:"time"`
}

type wsBulk struct {
	Type    string `json:"type"`
	Phase   string `json:"phase"` // "started" or "finished"
	Op      string `json:"op"`
	OpID    string `json:"op_id"`
	Devices int    `json:"devices"`
	Failed  int    `json:"failed"`
}

type wsFailure struct {
	Type    string `json:"type"`
	Op      string `json:"op"`
	OpID    string `json:"op_id"`
	Address string `json:"address"`
	Error   string `json:"error"`
}

// wsStore reports persistence health: load_failed, save_failed or
// save_recovered.
type wsStore struct {
	Type   string `json:"type"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// wsMessageFor maps a coordinator event onto the frame clients render.
// devices_reset carries no rows, so a fresh snapshot is taken. Unknown
// events are not forwarded.
func wsMessageFor(ev coordinator.Event, snapshot func() []coordinator.DeviceState) (interface{}, bool) {
	data, _ := ev.Data.(map[string]interface{})

	switch ev.Type {
	case coordinator.EventDevicesReset:
		cleared, _ := data["selection_cleared"].(bool)
		return wsSnapshot{Type: wsTypeSnapshot, Devices: snapshot(), SelectionCleared: cleared}, true

	case coordinator.EventDeviceChanged:
		connected, _ := data["connected"].(bool)
		return wsDevice{Type: wsTypeDevice, Device: coordinator.DeviceState{
			Index:     intField(data, "index"),
			Address:   stringField(data, "address"),
			Connected: connected,
		}}, true

	case coordinator.EventLog:
		at, _ := data["time"].(time.Time)
		return wsLog{Type: wsTypeLog, Message: stringField(data, "message"), Time: at}, true

	case coordinator.EventBulkStarted, coordinator.EventBulkFinished:
		phase := "started"
		if ev.Type == coordinator.EventBulkFinished {
			phase = "finished"
		}
		return wsBulk{
			Type:    wsTypeBulk,
			Phase:   phase,
			Op:      stringField(data, "op"),
			OpID:    stringField(data, "op_id"),
			Devices: intField(data, "devices"),
			Failed:  intField(data, "failed"),
		}, true

	case coordinator.EventDeviceFailed:
		return wsFailure{
			Type:    wsTypeFailure,
			Op:      stringField(data, "op"),
			OpID:    stringField(data, "op_id"),
			Address: stringField(data, "address"),
			Error:   stringField(data, "error"),
		}, true

	case coordinator.EventLoadFailed, coordinator.EventSaveFailed, coordinator.EventSaveRecovered:
		return wsStore{Type: wsTypeStore, Status: ev.Type, Error: stringField(data, "error")}, true
	}
	return nil, false
}

func stringField(data map[string]interface{}, key string) string {
	s, _ := data[key].(string)
	return s
}

func intField(data map[string]interface{}, key string) int {
	switch n := data[key].(type) {
	case int:
		return n
	case float64:
		return int(n)
	}
	return 0
}
