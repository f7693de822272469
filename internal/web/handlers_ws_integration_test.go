package web

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"nhooyr.io/websocket"

	"triones-go-home/internal/coordinator"
)

type wsFrame struct {
	Type             string                    `json:"type"`
	Devices          []coordinator.DeviceState `json:"devices"`
	SelectionCleared bool                      `json:"selection_cleared"`
	Device           coordinator.DeviceState   `json:"device"`
	Phase            string                    `json:"phase"`
	Op               string                    `json:"op"`
	Failed           int                       `json:"failed"`
}

func dialWS(t *testing.T, env *testEnv) (*websocket.Conn, func() wsFrame) {
	t.Helper()
	ts := httptest.NewServer(env.srv)
	t.Cleanup(ts.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)

	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })

	read := func() wsFrame {
		t.Helper()
		_, msg, err := conn.Read(ctx)
		if err != nil {
			t.Fatal(err)
		}
		var f wsFrame
		if err := json.Unmarshal(msg, &f); err != nil {
			t.Fatal(err)
		}
		return f
	}
	return conn, read
}

func TestWSSnapshotThenDeltas(t *testing.T) {
	env := setupTestServer(t, "", "AA:BB:CC:DD:EE:02")
	env.seed(t, "AA:BB:CC:DD:EE:01", "AA:BB:CC:DD:EE:02")
	_, read := dialWS(t, env)

	first := read()
	if first.Type != wsTypeSnapshot || len(first.Devices) != 2 || first.Devices[0].Address != "AA:BB:CC:DD:EE:01" {
		t.Fatalf("first frame = %+v, want snapshot of 2 devices", first)
	}

	env.coord.ConnectAll(context.Background())

	var (
		started, sawLog bool
		changed         []coordinator.DeviceState
		failures        int
		finished        wsFrame
	)
	for finished.Type == "" {
		f := read()
		switch f.Type {
		case wsTypeBulk:
			if f.Phase == "started" {
				started = true
			} else {
				finished = f
			}
		case wsTypeDevice:
			changed = append(changed, f.Device)
		case wsTypeFailure:
			failures++
		case wsTypeLog:
			sawLog = true
		}
	}
	if !started || !sawLog {
		t.Errorf("started = %v, log = %v", started, sawLog)
	}
	if finished.Op != coordinator.OpConnect || finished.Failed != 1 {
		t.Errorf("finished = %+v, want connect with 1 failure", finished)
	}
	want := coordinator.DeviceState{Index: 0, Address: "AA:BB:CC:DD:EE:01", Connected: true}
	if len(changed) != 1 || changed[0] != want {
		t.Errorf("device frames = %+v, want only %+v", changed, want)
	}
	if failures != 1 {
		t.Errorf("device_failed frames = %d, want 1", failures)
	}
}

func TestWSRemoveSendsClearedSnapshot(t *testing.T) {
	env := setupTestServer(t, "")
	env.seed(t, "AA:BB:CC:DD:EE:01", "AA:BB:CC:DD:EE:02")
	_, read := dialWS(t, env)
	read()

	env.coord.RemoveAt(context.Background(), 0)

	for {
		f := read()
		if f.Type != wsTypeSnapshot {
			continue
		}
		if !f.SelectionCleared {
			t.Error("selection_cleared = false after remove")
		}
		if len(f.Devices) != 1 || f.Devices[0] != (coordinator.DeviceState{Index: 0, Address: "AA:BB:CC:DD:EE:02"}) {
			t.Errorf("devices = %+v", f.Devices)
		}
		return
	}
}

func TestWSServerStopClosesStream(t *testing.T) {
	env := setupTestServer(t, "")
	conn, read := dialWS(t, env)
	read()

	// Stop waits for the close handshake, which needs this side reading.
	go env.srv.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, _, err := conn.Read(ctx)
	if err == nil {
		t.Fatal("read succeeded after server stop")
	}
	if ctx.Err() != nil {
		t.Errorf("stream not closed before timeout: %v", err)
	}
}
