//go:build !no_mqtt

package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"triones-go-home/internal/coordinator"
)

// Config holds MQTT bridge configuration.
type Config struct {
	Broker      string
	Username    string
	Password    string
	TopicPrefix string
	ClientID    string
}

// client is the part of the paho client the bridge uses.
type client interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) pahomqtt.Token
	Subscribe(topic string, qos byte, callback pahomqtt.MessageHandler) pahomqtt.Token
	Disconnect(quiesce uint)
}

// Bridge mirrors the light registry to MQTT with Home Assistant discovery
// and turns request topics into coordinator operations.
type Bridge struct {
	client client
	coord  *coordinator.Coordinator
	prefix string
	logger *slog.Logger
	unsub  func()
	ctx    context.Context
	cancel context.CancelFunc

	// Requests run one at a time on the worker, off the paho callback
	// goroutine and off the event emitter.
	requests chan func()
	wg       sync.WaitGroup

	mu    sync.Mutex
	known map[string]string // slug -> address with published discovery
}

// NewBridge creates and connects an MQTT bridge.
func NewBridge(coord *coordinator.Coordinator, cfg Config, logger *slog.Logger) (*Bridge, error) {
	b := newBridge(coord, cfg, logger)

	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "triones-go-home"
	}
	opts := pahomqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5*time.Second).
		SetWill(cfg.TopicPrefix+"/bridge/state", "offline", 1, true).
		SetOnConnectHandler(func(_ pahomqtt.Client) {
			b.logger.Info("MQTT connected")
			b.onConnect()
		}).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			b.logger.Warn("MQTT connection lost", "err", err)
		})

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	c := pahomqtt.NewClient(opts)
	// The on-connect handler may fire before Connect returns.
	b.client = c
	token := c.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		b.shutdownWorker()
		return nil, fmt.Errorf("mqtt connect timeout")
	}
	if err := token.Error(); err != nil {
		b.shutdownWorker()
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}
	return b, nil
}

func newBridge(coord *coordinator.Coordinator, cfg Config, logger *slog.Logger) *Bridge {
	ctx, cancel := context.WithCancel(context.Background())
	b := &Bridge{
		coord:    coord,
		prefix:   cfg.TopicPrefix,
		logger:   logger.With("component", "mqtt"),
		ctx:      ctx,
		cancel:   cancel,
		requests: make(chan func(), 32),
		known:    make(map[string]string),
	}
	b.wg.Add(1)
	go b.worker()
	return b
}

// Start subscribes to coordinator events and begins MQTT publishing.
func (b *Bridge) Start() {
	b.unsub = b.coord.Events().OnAll(b.handleEvent)
	b.logger.Info("MQTT bridge started", "prefix", b.prefix)
}

// Stop publishes offline state, unsubscribes, and disconnects.
func (b *Bridge) Stop() {
	if b.unsub != nil {
		b.unsub()
	}
	b.shutdownWorker()
	b.publishBridgeState("offline")
	b.client.Disconnect(1000)
	b.logger.Info("MQTT bridge stopped")
}

func (b *Bridge) shutdownWorker() {
	b.cancel()
	b.wg.Wait()
}

func (b *Bridge) worker() {
	defer b.wg.Done()
	for {
		select {
		case <-b.ctx.Done():
			return
		case fn := <-b.requests:
			fn()
		}
	}
}

func (b *Bridge) enqueue(name string, fn func()) {
	select {
	case b.requests <- fn:
	case <-b.ctx.Done():
	default:
		b.logger.Warn("MQTT request queue full, dropping request", "request", name)
	}
}

func (b *Bridge) onConnect() {
	b.publishBridgeState("online")
	b.publishGroupDiscovery()
	b.syncDevices(true)
	b.subscribeRequests()
}

func (b *Bridge) handleEvent(event coordinator.Event) {
	data, _ := event.Data.(map[string]interface{})
	switch event.Type {
	case coordinator.EventDeviceChanged:
		addr, _ := data["address"].(string)
		connected, _ := data["connected"].(bool)
		if addr != "" {
			b.publishState(addr, connected)
		}
	case coordinator.EventDevicesReset:
		b.syncDevices(false)
	case coordinator.EventLog:
		if msg, _ := data["message"].(string); msg != "" {
			b.publish(b.prefix+"/bridge/log", []byte(msg), false)
		}
	}
}

// syncDevices publishes discovery for new devices, state for all, and
// clears retained topics of devices no longer registered. With force every
// device's discovery is republished.
func (b *Bridge) syncDevices(force bool) {
	snap := b.coord.Registry().Snapshot()

	b.mu.Lock()
	current := make(map[string]string, len(snap))
	var added []string
	for _, d := range snap {
		slug := deviceTopicName(d.Address)
		current[slug] = d.Address
		if _, ok := b.known[slug]; !ok || force {
			added = append(added, d.Address)
		}
	}
	var removed []string
	for slug, addr := range b.known {
		if _, ok := current[slug]; !ok {
			removed = append(removed, addr)
		}
	}
	b.known = current
	b.mu.Unlock()

	for _, addr := range added {
		for _, msg := range buildDeviceDiscovery(addr, b.prefix) {
			b.publish(msg.Topic, msg.Payload, true)
		}
	}
	for _, d := range snap {
		b.publishState(d.Address, d.Connected)
	}
	for _, addr := range removed {
		for _, msg := range buildRemoveDiscovery(addr) {
			b.publish(msg.Topic, msg.Payload, true)
		}
		b.publish(b.stateTopic(addr), nil, true)
		b.logger.Info("cleared removed device", "address", addr)
	}
}

func (b *Bridge) publishState(addr string, connected bool) {
	b.publish(b.stateTopic(addr), mustJSON(deviceState{Address: addr, Connected: connected}), true)
}

func (b *Bridge) stateTopic(addr string) string {
	return b.prefix + "/" + deviceTopicName(addr) + "/state"
}

func (b *Bridge) publishBridgeState(state string) {
	b.publish(b.prefix+"/bridge/state", []byte(state), true)
}

func (b *Bridge) publishGroupDiscovery() {
	msg := buildGroupDiscovery(b.prefix)
	b.publish(msg.Topic, msg.Payload, true)
}

func (b *Bridge) subscribeRequests() {
	b.client.Subscribe(b.prefix+"/bridge/request/+", 1, func(_ pahomqtt.Client, msg pahomqtt.Message) {
		name := msg.Topic()[strings.LastIndex(msg.Topic(), "/")+1:]
		payload := append([]byte(nil), msg.Payload()...)
		b.enqueue(name, func() { b.handleRequest(name, payload) })
	})
	b.client.Subscribe(groupCommandTopic(b.prefix), 1, func(_ pahomqtt.Client, msg pahomqtt.Message) {
		payload := append([]byte(nil), msg.Payload()...)
		b.enqueue("group", func() { b.handleGroupCommand(payload) })
	})
}

func (b *Bridge) handleRequest(name string, payload []byte) {
	text := strings.TrimSpace(string(payload))
	switch name {
	case "connect":
		b.respond(name, b.coord.ConnectAll(b.ctx))
	case "disconnect":
		b.respond(name, b.coord.DisconnectAll(b.ctx))
	case "power":
		on, err := parsePower(text)
		if err != nil {
			b.respondError(name, err)
			return
		}
		b.respond(name, b.coord.PowerAll(b.ctx, on))
	case "color":
		var c rgbColor
		if err := json.Unmarshal(payload, &c); err != nil {
			b.respondError(name, fmt.Errorf("invalid color JSON: %w", err))
			return
		}
		r, g, bl, err := c.channels()
		if err != nil {
			b.respondError(name, err)
			return
		}
		b.respond(name, b.coord.SetColorAll(b.ctx, r, g, bl))
	case "add":
		added, err := b.coord.Add(text)
		if err != nil {
			b.respondError(name, err)
			return
		}
		b.respond(name, map[string]interface{}{"ok": true, "index": added.Index, "address": added.Address})
	case "remove":
		idx, err := strconv.Atoi(text)
		if err != nil {
			b.respondError(name, fmt.Errorf("index %q is not an integer", text))
			return
		}
		b.respond(name, map[string]interface{}{"removed": b.coord.RemoveAt(b.ctx, idx)})
	default:
		b.logger.Warn("unknown MQTT request", "request", name)
	}
}

// handleGroupCommand applies a Home Assistant JSON-schema light command to
// every light.
func (b *Bridge) handleGroupCommand(payload []byte) {
	var cmd groupCommand
	if err := json.Unmarshal(payload, &cmd); err != nil {
		b.logger.Warn("invalid group command JSON", "err", err)
		return
	}

	state := groupState{ColorMode: "rgb"}
	if cmd.State != "" {
		on, err := parsePower(cmd.State)
		if err != nil {
			b.logger.Warn("invalid group state", "state", cmd.State)
			return
		}
		if rep := b.coord.PowerAll(b.ctx, on); anyOK(rep) {
			state.State = strings.ToUpper(cmd.State)
		}
	}
	if cmd.Color != nil {
		r, g, bl, err := cmd.Color.channels()
		if err != nil {
			b.logger.Warn("invalid group color", "err", err)
			return
		}
		if rep := b.coord.SetColorAll(b.ctx, r, g, bl); anyOK(rep) {
			state.Color = cmd.Color
			if state.State == "" {
				state.State = "ON"
			}
		}
	}
	if state.State != "" {
		b.publish(groupStateTopic(b.prefix), mustJSON(state), true)
	}
}

func (b *Bridge) respond(name string, v interface{}) {
	b.publish(b.prefix+"/bridge/response/"+name, mustJSON(v), false)
}

func (b *Bridge) respondError(name string, err error) {
	b.logger.Warn("MQTT request failed", "request", name, "err", err)
	b.respond(name, map[string]interface{}{"ok": false, "error": err.Error()})
}

func (b *Bridge) publish(topic string, payload []byte, retained bool) {
	token := b.client.Publish(topic, 1, retained, payload)
	go func() {
		if !token.WaitTimeout(5 * time.Second) {
			b.logger.Warn("MQTT publish timeout", "topic", topic)
		} else if err := token.Error(); err != nil {
			b.logger.Warn("MQTT publish error", "topic", topic, "err", err)
		}
	}()
}

type deviceState struct {
	Address   string `json:"address"`
	Connected bool   `json:"connected"`
}

type rgbColor struct {
	R *int `json:"r"`
	G *int `json:"g"`
	B *int `json:"b"`
}

func (c rgbColor) channels() (r, g, b uint8, err error) {
	if c.R == nil || c.G == nil || c.B == nil {
		return 0, 0, 0, errors.New("color needs r, g and b")
	}
	var out [3]uint8
	for i, v := range []int{*c.R, *c.G, *c.B} {
		if v < 0 || v > 255 {
			return 0, 0, 0, fmt.Errorf("channel value %d out of range 0-255", v)
		}
		out[i] = uint8(v)
	}
	return out[0], out[1], out[2], nil
}

type groupCommand struct {
	State string    `json:"state"`
	Color *rgbColor `json:"color"`
}

type groupState struct {
	State     string    `json:"state"`
	ColorMode string    `json:"color_mode"`
	Color     *rgbColor `json:"color,omitempty"`
}

func parsePower(s string) (bool, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "ON", "TRUE", "1":
		return true, nil
	case "OFF", "FALSE", "0":
		return false, nil
	}
	return false, fmt.Errorf("power payload %q: want ON or OFF", s)
}

func anyOK(r *coordinator.Report) bool {
	for _, o := range r.Outcomes {
		if o.OK {
			return true
		}
	}
	return false
}

func mustJSON(v interface{}) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return data
}
