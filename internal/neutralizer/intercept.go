package neutralizer

import (
	"encoding/json"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/ysmood/gson"

	"github.com/Rorqualx/defundx-go/internal/metrics"
)

// LifecycleBinding is the page binding the interception wrapper reports to.
const LifecycleBinding = "__defundxLifecycle"

// interceptTemplate is evaluated on every new document before page scripts.
// It only wraps register on the protected host. The wrapper forwards the
// call unchanged and resolves or rejects exactly as the original would.
const interceptTemplate = `(() => {
	const host = __HOST__;
	const binding = __BINDING__;
	const name = location.hostname;
	if (name !== host && !name.endsWith('.' + host)) {
		return;
	}
	if (!('serviceWorker' in navigator)) {
		return;
	}
	const container = navigator.serviceWorker;
	if (container.__defundxWrapped) {
		return;
	}
	const report = (event) => {
		const fn = window[binding];
		if (typeof fn === 'function') {
			try {
				fn(event);
			} catch (e) {}
		}
	};
	const watch = (reg, worker) => {
		if (!worker) {
			return;
		}
		const emit = () => report({ kind: 'state', scope: reg.scope, scriptURL: worker.scriptURL, state: worker.state });
		emit();
		worker.addEventListener('statechange', emit);
	};
	const original = container.register;
	const register = function register(...args) {
		report({ kind: 'register', scriptURL: String(args[0]) });
		return original.apply(this, args).then((reg) => {
			try {
				watch(reg, reg.installing);
				reg.addEventListener('updatefound', () => watch(reg, reg.installing));
			} catch (e) {}
			return reg;
		});
	};
	Object.defineProperty(container, 'register', { value: register, configurable: true, writable: true });
	Object.defineProperty(container, '__defundxWrapped', { value: true });
	container.addEventListener('controllerchange', () => {
		const controller = container.controller;
		report({ kind: 'controller', scriptURL: controller ? controller.scriptURL : '' });
	});
})();`

// InterceptScript returns the new-document script that wraps the
// registration entry point on host and reports to binding.
func InterceptScript(host, binding string) string {
	return strings.NewReplacer(
		"__HOST__", jsString(host),
		"__BINDING__", jsString(binding),
	).Replace(interceptTemplate)
}

func jsString(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

// Event kinds reported by the interception wrapper.
const (
	EventRegister   = "register"
	EventState      = "state"
	EventController = "controller"
)

// Event is one report from the interception wrapper.
type Event struct {
	Kind      string
	Scope     string
	ScriptURL string
	State     State
}

// DecodeEvent converts a binding payload into an Event.
func DecodeEvent(payload gson.JSON) Event {
	return Event{
		Kind:      payload.Get("kind").Str(),
		Scope:     payload.Get("scope").Str(),
		ScriptURL: payload.Get("scriptURL").Str(),
		State:     State(payload.Get("state").Str()),
	}
}

// Monitor records registrations and lifecycle transitions observed after
// neutralization. It never influences them. Safe for concurrent use.
type Monitor struct {
	mu         sync.Mutex
	states     map[string]State // scope -> last observed state
	registered int
	controller string
}

// NewMonitor creates an empty Monitor.
func NewMonitor() *Monitor {
	return &Monitor{states: make(map[string]State)}
}

// Binding adapts Handle to the page binding callback signature.
func (m *Monitor) Binding(payload gson.JSON) (interface{}, error) {
	m.Handle(DecodeEvent(payload))
	return nil, nil
}

// Handle records an event and logs the transition it represents.
func (m *Monitor) Handle(e Event) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch e.Kind {
	case EventRegister:
		m.registered++
		log.Info().Str("script", e.ScriptURL).Msg("Controller register called")

	case EventState:
		if !e.State.Valid() {
			log.Debug().Str("state", string(e.State)).Msg("Ignoring unknown controller state")
			return
		}
		prev := m.states[e.Scope]
		if prev == e.State {
			return
		}
		m.states[e.Scope] = e.State
		metrics.RecordLifecycle(string(e.State))
		log.Info().
			Str("scope", e.Scope).
			Str("from", string(prev)).
			Str("to", string(e.State)).
			Msg("Controller state changed")

	case EventController:
		m.controller = e.ScriptURL
		log.Info().Str("controller", e.ScriptURL).Msg("Page controller changed")

	default:
		log.Debug().Str("kind", e.Kind).Msg("Ignoring unknown lifecycle event")
	}
}

// State returns the last observed state for scope, or "" when none was seen.
func (m *Monitor) State(scope string) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.states[scope]
}

// Registered returns how many register calls were observed.
func (m *Monitor) Registered() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.registered
}

// Controller returns the script URL of the current page controller.
func (m *Monitor) Controller() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.controller
}
