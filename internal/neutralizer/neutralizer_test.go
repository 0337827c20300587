package neutralizer

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/ysmood/gson"

	"github.com/Rorqualx/defundx-go/internal/types"
)

type fakeRegistry struct {
	regs         []Registration
	listErr      error
	failScopes   map[string]error
	unregistered []string
}

func (f *fakeRegistry) Registrations(ctx context.Context) ([]Registration, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.regs, nil
}

func (f *fakeRegistry) Unregister(ctx context.Context, reg Registration) error {
	if err := f.failScopes[reg.Scope]; err != nil {
		return err
	}
	f.unregistered = append(f.unregistered, reg.Scope)
	return nil
}

func TestTeardownOnlyMatchingScope(t *testing.T) {
	reg := &fakeRegistry{regs: []Registration{
		{Scope: "https://x.com/", State: StateActivated},
		{Scope: "https://example.org/", State: StateActivated},
	}}

	res, err := Teardown(context.Background(), reg, "https://x.com/")
	if err != nil {
		t.Fatalf("Teardown() error = %v", err)
	}

	if len(reg.unregistered) != 1 || reg.unregistered[0] != "https://x.com/" {
		t.Errorf("unregistered = %v, want only https://x.com/", reg.unregistered)
	}
	if res.Found != 2 || res.Matched != 1 || res.Removed != 1 {
		t.Errorf("Result = %+v, want Found=2 Matched=1 Removed=1", res)
	}
}

func TestTeardownNestedScope(t *testing.T) {
	reg := &fakeRegistry{regs: []Registration{
		{Scope: "https://x.com/i/"},
		{Scope: "https://x.company.com/"},
	}}

	res, _ := Teardown(context.Background(), reg, "https://x.com/")
	if res.Removed != 1 || reg.unregistered[0] != "https://x.com/i/" {
		t.Errorf("Expected only the nested x.com scope removed, got %v", reg.unregistered)
	}
}

func TestTeardownContinuesAfterUnregisterFailure(t *testing.T) {
	boom := errors.New("boom")
	reg := &fakeRegistry{
		regs: []Registration{
			{Scope: "https://x.com/a/"},
			{Scope: "https://x.com/b/"},
		},
		failScopes: map[string]error{"https://x.com/a/": boom},
	}

	res, err := Teardown(context.Background(), reg, "https://x.com/")
	if !errors.Is(err, boom) {
		t.Errorf("Expected joined error wrapping boom, got %v", err)
	}
	var nerr *types.NeutralizeError
	if !errors.As(err, &nerr) || nerr.Scope != "https://x.com/a/" {
		t.Errorf("Expected NeutralizeError for scope a, got %v", err)
	}
	if res.Removed != 1 || reg.unregistered[0] != "https://x.com/b/" {
		t.Errorf("Expected second registration still removed, got %+v %v", res, reg.unregistered)
	}
}

func TestTeardownEnumerationFailure(t *testing.T) {
	reg := &fakeRegistry{listErr: errors.New("denied")}

	_, err := Teardown(context.Background(), reg, "https://x.com/")
	var nerr *types.NeutralizeError
	if !errors.As(err, &nerr) || nerr.Operation != "enumerate" {
		t.Errorf("Expected enumerate NeutralizeError, got %v", err)
	}
}

func TestTeardownCapabilityUnavailable(t *testing.T) {
	reg := &fakeRegistry{listErr: types.ErrCapabilityUnavailable}

	res, err := Teardown(context.Background(), reg, "https://x.com/")
	if !errors.Is(err, types.ErrCapabilityUnavailable) {
		t.Errorf("Expected ErrCapabilityUnavailable, got %v", err)
	}
	if res.Found != 0 {
		t.Errorf("Expected empty result, got %+v", res)
	}
}

func TestScopeMatches(t *testing.T) {
	tests := []struct {
		scope, origin string
		want          bool
	}{
		{"https://x.com/", "https://x.com/", true},
		{"https://x.com/sw/", "https://x.com/", true},
		{"https://x.com.evil.net/", "https://x.com/", false},
		{"http://x.com/", "https://x.com/", false},
		{"https://x.com/", "", false},
	}
	for _, tt := range tests {
		if got := ScopeMatches(tt.scope, tt.origin); got != tt.want {
			t.Errorf("ScopeMatches(%q, %q) = %v, want %v", tt.scope, tt.origin, got, tt.want)
		}
	}
}

func TestDecodeRegistrations(t *testing.T) {
	v := gson.New([]interface{}{
		map[string]interface{}{"scope": "https://x.com/", "scriptURL": "https://x.com/sw.js", "state": "activated"},
	})
	regs, err := decodeRegistrations(v)
	if err != nil {
		t.Fatalf("decodeRegistrations() error = %v", err)
	}
	if len(regs) != 1 || regs[0].Scope != "https://x.com/" || regs[0].State != StateActivated {
		t.Errorf("decodeRegistrations() = %+v", regs)
	}

	if _, err := decodeRegistrations(gson.New(nil)); !errors.Is(err, types.ErrCapabilityUnavailable) {
		t.Errorf("Expected ErrCapabilityUnavailable for null result, got %v", err)
	}
}

func TestInterceptScript(t *testing.T) {
	script := InterceptScript("x.com", LifecycleBinding)

	for _, want := range []string{
		`const host = "x.com";`,
		`const binding = "__defundxLifecycle";`,
		"original.apply(this, args)",
		"statechange",
		"updatefound",
		"controllerchange",
		"return reg;",
	} {
		if !strings.Contains(script, want) {
			t.Errorf("InterceptScript() missing %q", want)
		}
	}
	if strings.Contains(script, "__HOST__") || strings.Contains(script, "__BINDING__") {
		t.Error("InterceptScript() left placeholders unreplaced")
	}

	quoted := InterceptScript(`ev"il`, "b")
	if !strings.Contains(quoted, `const host = "ev\"il";`) {
		t.Error("Host must be emitted as an escaped JS string")
	}
}

func TestMonitorTransitions(t *testing.T) {
	m := NewMonitor()
	scope := "https://x.com/"

	m.Handle(Event{Kind: EventRegister, ScriptURL: "https://x.com/sw.js"})
	for _, s := range []State{StateInstalling, StateInstalled, StateInstalled, StateActivating, StateActivated} {
		m.Handle(Event{Kind: EventState, Scope: scope, State: s})
	}
	m.Handle(Event{Kind: EventState, Scope: scope, State: "bogus"})
	m.Handle(Event{Kind: EventController, ScriptURL: "https://x.com/sw.js"})

	if m.Registered() != 1 {
		t.Errorf("Registered() = %d, want 1", m.Registered())
	}
	if got := m.State(scope); got != StateActivated {
		t.Errorf("State() = %q, want activated", got)
	}
	if got := m.Controller(); got != "https://x.com/sw.js" {
		t.Errorf("Controller() = %q", got)
	}
}

func TestMonitorBinding(t *testing.T) {
	m := NewMonitor()
	payload := gson.New(map[string]interface{}{
		"kind":      "state",
		"scope":     "https://x.com/",
		"scriptURL": "https://x.com/sw.js",
		"state":     "installing",
	})

	if _, err := m.Binding(payload); err != nil {
		t.Fatalf("Binding() error = %v", err)
	}
	if got := m.State("https://x.com/"); got != StateInstalling {
		t.Errorf("State() = %q, want installing", got)
	}
}
