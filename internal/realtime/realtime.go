// Package realtime streams run progress to WebSocket subscribers using a
// polling-diff model over the run store.
package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/zeebo/blake3"

	"github.com/fyreflow/fyreflow/internal/runtime"
)

const (
	DefaultPollInterval      = 200 * time.Millisecond
	DefaultHeartbeatInterval = 30 * time.Second

	// Subprotocol is the application protocol subscribers request.
	Subprotocol = "fyreflow.realtime.v1"

	// AuthSubprotocolPrefix carries the bearer token during the upgrade;
	// it must never be echoed back.
	AuthSubprotocolPrefix = "fyreflow-auth."
)

// Snapshotter is the read surface the poller needs.
type Snapshotter interface {
	GetRun(id string) (*runtime.Run, bool)
}

// StepFingerprint condenses the visible state of one step attempt. Any
// change produces a new digest.
func StepFingerprint(sr runtime.StepRun) string {
	finished := ""
	if sr.FinishedAt != nil {
		finished = sr.FinishedAt.Format(time.RFC3339Nano)
	}
	h := blake3.New()
	fmt.Fprintf(h, "%s|%d|%d|%s", sr.Status, sr.Attempts, len(sr.Output), finished)
	return fmt.Sprintf("%x", h.Sum(nil)[:12])
}

// Message shapes; all frames are JSON text.
type helloMsg struct {
	Type string `json:"type"`
}

type subscribedMsg struct {
	Type  string `json:"type"`
	RunID string `json:"runId"`
}

type pairingSubscribedMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
}

type runStatusMsg struct {
	Type   string `json:"type"`
	RunID  string `json:"runId"`
	Status string `json:"status"`
}

type runLogMsg struct {
	Type    string `json:"type"`
	RunID   string `json:"runId"`
	Index   int    `json:"index"`
	Message string `json:"message"`
}

type runStepMsg struct {
	Type        string `json:"type"`
	RunID       string `json:"runId"`
	StepID      string `json:"stepId"`
	Status      string `json:"status"`
	Attempts    int    `json:"attempts"`
	Outcome     string `json:"outcome"`
	Fingerprint string `json:"fingerprint"`
}

type pingMsg struct {
	Type string `json:"type"`
}

type clientMsg struct {
	Type      string `json:"type"`
	RunID     string `json:"runId"`
	SessionID string `json:"sessionId"`
	Cursor    *int   `json:"cursor"`
}

// Runtime fans out run changes to subscribers.
type Runtime struct {
	Store             Snapshotter
	PollInterval      time.Duration
	HeartbeatInterval time.Duration
	Logf              func(string)

	wg   sync.WaitGroup
	stop chan struct{}
	once sync.Once
}

func NewRuntime(store Snapshotter) *Runtime {
	return &Runtime{
		Store:             store,
		PollInterval:      DefaultPollInterval,
		HeartbeatInterval: DefaultHeartbeatInterval,
		stop:              make(chan struct{}),
	}
}

func (rt *Runtime) pollInterval() time.Duration {
	if rt.PollInterval > 0 {
		return rt.PollInterval
	}
	return DefaultPollInterval
}

func (rt *Runtime) heartbeatInterval() time.Duration {
	if rt.HeartbeatInterval > 0 {
		return rt.HeartbeatInterval
	}
	return DefaultHeartbeatInterval
}

// Close stops every poller and waits for them to drain.
func (rt *Runtime) Close() {
	rt.once.Do(func() { close(rt.stop) })
	rt.wg.Wait()
}

// ServeConn drives one authenticated WebSocket session: a hello frame, then
// subscription handling until the peer closes.
func (rt *Runtime) ServeConn(ctx context.Context, conn *websocket.Conn) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer conn.Close()

	var writeMu sync.Mutex
	send := func(v any) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		return conn.WriteJSON(v)
	}

	if err := send(helloMsg{Type: "hello"}); err != nil {
		return
	}

	// Heartbeats are independent of run activity.
	rt.wg.Add(1)
	go func() {
		defer rt.wg.Done()
		ticker := time.NewTicker(rt.heartbeatInterval())
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-rt.stop:
				return
			case <-ticker.C:
				if send(pingMsg{Type: "ping"}) != nil {
					cancel()
					return
				}
			}
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var msg clientMsg
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		switch msg.Type {
		case "subscribe_run":
			if msg.RunID == "" {
				continue
			}
			cursor := 0
			if msg.Cursor != nil && *msg.Cursor > 0 {
				cursor = *msg.Cursor
			}
			if send(subscribedMsg{Type: "subscribed", RunID: msg.RunID}) != nil {
				return
			}
			rt.wg.Add(1)
			go func(runID string, cursor int) {
				defer rt.wg.Done()
				rt.pollRun(ctx, runID, cursor, func(v any) {
					if send(v) != nil {
						cancel()
					}
				})
			}(msg.RunID, cursor)
		case "subscribe_pairing":
			if msg.SessionID == "" {
				continue
			}
			if send(pairingSubscribedMsg{Type: "pairing_subscribed", SessionID: msg.SessionID}) != nil {
				return
			}
		}
	}
}

// pollRun diffs one run against its last observed state on every tick and
// emits run_status, run_log, and run_step frames. After the run turns
// terminal, one final poll cycle runs before the loop exits.
func (rt *Runtime) pollRun(ctx context.Context, runID string, cursor int, emit func(any)) {
	lastStatus := runtime.RunStatus("")
	logIndex := cursor
	fingerprints := map[string]string{}
	graceTicks := 0

	ticker := time.NewTicker(rt.pollInterval())
	defer ticker.Stop()
	for {
		run, ok := rt.Store.GetRun(runID)
		if ok {
			if run.Status != lastStatus {
				lastStatus = run.Status
				emit(runStatusMsg{Type: "run_status", RunID: runID, Status: string(run.Status)})
			}
			for ; logIndex < len(run.Logs); logIndex++ {
				emit(runLogMsg{Type: "run_log", RunID: runID, Index: logIndex, Message: run.Logs[logIndex]})
			}
			for _, sr := range run.Steps {
				fp := StepFingerprint(sr)
				key := fmt.Sprintf("%s#%d", sr.StepID, sr.Attempts)
				if fingerprints[key] == fp {
					continue
				}
				fingerprints[key] = fp
				emit(runStepMsg{
					Type:        "run_step",
					RunID:       runID,
					StepID:      sr.StepID,
					Status:      string(sr.Status),
					Attempts:    sr.Attempts,
					Outcome:     string(sr.WorkflowOutcome),
					Fingerprint: fp,
				})
			}
			if run.Status.Terminal() {
				// One extra interval so trailing logs flush.
				graceTicks++
				if graceTicks > 1 {
					return
				}
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-rt.stop:
			return
		case <-ticker.C:
		}
	}
}
