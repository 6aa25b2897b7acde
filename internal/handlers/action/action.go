// Package action implements the action handler half of C8: it reacts to
// PIO events by looking up configured actions at
// devices.<id>.<channel>.<event-type>, evaluating shared and per-action
// `when` expressions, and dispatching to a small registry of built-in
// action modules (setpio, shell). Grounded in the source's
// event/actionhandler.py (ActionEventHandler/ActionFactory),
// event/action/setpio.py and event/action/shell.py, with Jinja2
// conditionals replaced by github.com/expr-lang/expr per spec.
package action

import (
	"strings"
	"sync"
	"time"

	"github.com/expr-lang/expr"

	"github.com/jangala-dev/owmaster/internal/handlers"
	"github.com/jangala-dev/owmaster/internal/inventory"
	"github.com/jangala-dev/owmaster/internal/owconfig"
	"github.com/jangala-dev/owmaster/internal/owerr"
	"github.com/jangala-dev/owmaster/internal/owlog"
	"github.com/jangala-dev/owmaster/internal/owtypes"
)

// Outputter is implemented by every device engine that supports driving
// an output channel; setpio targets must resolve to one.
type Outputter interface {
	SetOutput(ch inventory.Channel, on bool) error
}

// Spec is one parsed action entry under an event type's `actions:` list.
type Spec struct {
	Module       string
	Method       string
	Target       string
	Command      string
	IncludeReset bool
	When         string
}

// eventConfig is the parsed configuration for one device/channel/event
// type: the shared conditional plus the resolved action instances.
type eventConfig struct {
	when    string
	actions []Action
	specs   []Spec
}

// timing tracks the per-event-type and per-action "since last" counters
// the spec's `when` context exposes.
type timing struct {
	lastOccurred  *time.Time
	lastRan       *time.Time
	actionLastRan map[int]time.Time
}

// Handler is the threaded event handler reacting to PIO events with
// configured actions. It implements dispatch.ConfigurableHandler.
type Handler struct {
	log      owlog.Logger
	inv      *inventory.Inventory
	registry *Registry
	worker   *handlers.Threaded

	mu      sync.Mutex
	cfg     *owconfig.Config
	parsed  map[string]*eventConfig
	timings map[string]*timing

	// post, if set, runs an action on the master's scheduler thread
	// instead of the handler's own worker goroutine — the bus client is
	// exclusively owned by that thread (§5), so any action that ends up
	// calling SetOutput must hand execution back to it rather than call
	// the device directly from here.
	post func(func())
}

// New builds an action handler over inv. queueSize bounds the worker's
// event queue (0 = unbounded).
func New(log owlog.Logger, inv *inventory.Inventory, queueSize int) *Handler {
	h := &Handler{
		log:      owlog.Component(log, "action"),
		inv:      inv,
		registry: NewRegistry(),
		parsed:   map[string]*eventConfig{},
		timings:  map[string]*timing{},
	}
	h.worker = handlers.NewThreaded(h.log, queueSize, h.handleBlocking)
	h.worker.Start()
	return h
}

// Registry exposes the handler's action registry so callers can install
// additional third-party action modules before the first event arrives.
func (h *Handler) Registry() *Registry { return h.registry }

// SetPoster installs the function used to hand action execution back to
// the main scheduler thread, preserving bus-client serialization. Without
// one, actions run directly on the handler's own worker goroutine, which
// is only safe in tests against fakes that tolerate concurrent calls.
func (h *Handler) SetPoster(post func(func())) { h.post = post }

func (h *Handler) HandleEvent(ev owtypes.Event) { h.worker.HandleEvent(ev) }
func (h *Handler) Shutdown()                    { h.worker.Shutdown() }

// RefreshConfig drops all cached parsed action configurations; they are
// lazily re-parsed from the new document on next use, per device/channel/
// event-type key, so a bad action doesn't block reconfiguration of the
// rest.
func (h *Handler) RefreshConfig(root *owconfig.Config) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.cfg = root
	h.parsed = map[string]*eventConfig{}
}

func eventTypeKey(pio owtypes.PIOValue) string {
	return strings.ToLower(string(pio))
}

func configKey(deviceID, channel, eventType string) string {
	return deviceID + "\x00" + channel + "\x00" + eventType
}

// handleBlocking runs on the worker goroutine. Only PIO events carry
// configured actions today.
func (h *Handler) handleBlocking(ev owtypes.Event) {
	if ev.Kind != owtypes.KindPIO {
		return
	}

	eventType := eventTypeKey(ev.PIO)
	key := configKey(ev.DeviceID, ev.Channel, eventType)

	h.mu.Lock()
	cfg := h.cfg
	ec, cached := h.parsed[key]
	h.mu.Unlock()
	if cfg == nil {
		return
	}

	if !cached {
		ec = h.resolveEventConfig(cfg, ev.DeviceID, ev.Channel, eventType)
		h.mu.Lock()
		h.parsed[key] = ec
		h.mu.Unlock()
	}
	if ec == nil || len(ec.actions) == 0 {
		return
	}

	h.mu.Lock()
	tm, ok := h.timings[key]
	if !ok {
		tm = &timing{actionLastRan: map[int]time.Time{}}
		h.timings[key] = tm
	}
	h.mu.Unlock()

	now := time.Now()
	ctx := h.buildContext(ev, tm, now)

	h.mu.Lock()
	tm.lastOccurred = &now
	h.mu.Unlock()

	if !evalWhen(ec.when, ctx) {
		h.log.Debug().Str("device", ev.DeviceID).Str("channel", ev.Channel).Str("event_type", eventType).Msg("shared when rejected action execution")
		return
	}

	h.mu.Lock()
	tm.lastRan = &now
	h.mu.Unlock()

	for i, a := range ec.actions {
		spec := ec.specs[i]
		if ev.IsReset && !spec.IncludeReset {
			continue
		}

		actionCtx := ctx
		h.mu.Lock()
		if last, ok := tm.actionLastRan[i]; ok {
			actionCtx = withSinceLastActionRun(ctx, now.Sub(last).Seconds())
		}
		h.mu.Unlock()

		if !evalWhen(spec.When, actionCtx) {
			continue
		}

		h.mu.Lock()
		tm.actionLastRan[i] = now
		h.mu.Unlock()

		h.runAction(a, ev)
	}
}

// runAction executes a, posting it onto the main scheduler thread when a
// poster is configured.
func (h *Handler) runAction(a Action, ev owtypes.Event) {
	run := func() {
		if err := a.Run(ev); err != nil {
			h.log.Error().Err(err).Str("device", ev.DeviceID).Str("channel", ev.Channel).Msg("failed to execute action")
		}
	}
	if h.post != nil {
		h.post(run)
		return
	}
	run()
}

func (h *Handler) resolveEventConfig(cfg *owconfig.Config, deviceID, channel, eventType string) *eventConfig {
	raw := cfg.Get(nil, "devices", deviceID, channel, eventType)
	if raw == nil {
		return nil
	}

	var whenExpr string
	var rawActions []any

	switch v := raw.(type) {
	case []any:
		rawActions = v
	case map[string]any:
		if w, ok := v["when"].(string); ok {
			whenExpr = w
		}
		if list, ok := v["actions"].([]any); ok {
			rawActions = list
		} else {
			h.log.Error().Str("device", deviceID).Str("channel", channel).Str("event_type", eventType).Msg("expected actions list under event type config")
			return nil
		}
	default:
		h.log.Error().Str("device", deviceID).Str("channel", channel).Str("event_type", eventType).Msg("unrecognized action configuration shape")
		return nil
	}

	ec := &eventConfig{when: whenExpr}
	for _, entry := range rawActions {
		m, ok := entry.(map[string]any)
		if !ok {
			continue
		}
		spec, err := parseSpec(m)
		if err != nil {
			h.log.Error().Err(err).Str("device", deviceID).Str("channel", channel).Str("event_type", eventType).Msg("failed to parse action configuration")
			continue
		}
		act, err := h.registry.Build(h.inv, spec)
		if err != nil {
			h.log.Error().Err(err).Str("device", deviceID).Str("channel", channel).Str("event_type", eventType).Msg("failed to init action")
			continue
		}
		ec.actions = append(ec.actions, act)
		ec.specs = append(ec.specs, spec)
	}
	return ec
}

// parseSpec normalizes one action entry, either the single-key form
// (`setpio.on: 12.1212121212.A`) or the long form (`action:`/`target:`).
func parseSpec(m map[string]any) (Spec, error) {
	if actionRef, ok := m["action"]; ok {
		ref, _ := actionRef.(string)
		if ref == "" {
			return Spec{}, owerr.Config("parse_action", "action key must be a string")
		}
		module, method := splitActionRef(ref)
		spec := Spec{
			Module:       module,
			Method:       method,
			IncludeReset: boolField(m, "include_reset"),
			When:         stringField(m, "when"),
			Target:       stringField(m, "target"),
			Command:      stringField(m, "command"),
		}
		return spec, nil
	}

	// Single-key form: exactly one key that isn't a recognized modifier.
	for k, v := range m {
		if k == "when" || k == "include_reset" {
			continue
		}
		module, method := splitActionRef(k)
		spec := Spec{
			Module:       module,
			Method:       method,
			IncludeReset: boolField(m, "include_reset"),
			When:         stringField(m, "when"),
		}
		single, _ := v.(string)
		spec.Target = single
		spec.Command = single
		return spec, nil
	}
	return Spec{}, owerr.Config("parse_action", "action config must be either single-key dict, or have 'action' key")
}

func splitActionRef(ref string) (module, method string) {
	parts := strings.SplitN(ref, ".", 2)
	if len(parts) == 2 {
		return parts[0], parts[1]
	}
	return parts[0], ""
}

func stringField(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

func boolField(m map[string]any, key string) bool {
	b, _ := m[key].(bool)
	return b
}

// evalWhen evaluates a when expression against ctx; an empty expression
// is always true, matching parse_conditional's identity default.
func evalWhen(when string, ctx map[string]any) bool {
	if when == "" {
		return true
	}
	out, err := expr.Eval(when, ctx)
	if err != nil {
		return false
	}
	truthy, _ := out.(bool)
	return truthy
}

func (h *Handler) buildContext(ev owtypes.Event, tm *timing, now time.Time) map[string]any {
	devices := map[string]any{}
	for _, dev := range h.inv.List() {
		devices[dev.ID()] = deviceView(dev)
		if dev.Alias() != "" {
			devices[dev.Alias()] = deviceView(dev)
		}
	}

	ctx := map[string]any{
		"devices":               devices,
		"event":                 eventView(ev),
		"since_last_event":      nil,
		"since_last_run":        nil,
		"since_last_action_run": nil,
		"ifnone": func(v, def any) any {
			if v == nil {
				return def
			}
			return v
		},
	}

	h.mu.Lock()
	if tm.lastOccurred != nil {
		ctx["since_last_event"] = now.Sub(*tm.lastOccurred).Seconds()
	}
	if tm.lastRan != nil {
		ctx["since_last_run"] = now.Sub(*tm.lastRan).Seconds()
	}
	h.mu.Unlock()

	return ctx
}

func withSinceLastActionRun(ctx map[string]any, seconds float64) map[string]any {
	out := make(map[string]any, len(ctx))
	for k, v := range ctx {
		out[k] = v
	}
	out["since_last_action_run"] = seconds
	return out
}

func deviceView(dev inventory.Device) map[string]any {
	return map[string]any{
		"id":    dev.ID(),
		"alias": dev.Alias(),
	}
}

func eventView(ev owtypes.Event) map[string]any {
	return map[string]any{
		"device_id": ev.DeviceID,
		"alias":     ev.Alias,
		"channel":   ev.Channel,
		"value":     string(ev.PIO),
		"is_reset":  ev.IsReset,
		"timestamp": ev.Timestamp,
	}
}
