package neutralizer

import (
	"context"
	"fmt"

	"github.com/go-rod/rod"
	"github.com/ysmood/gson"

	"github.com/Rorqualx/defundx-go/internal/types"
)

// listRegistrationsJS resolves to null when the page has no controller support.
const listRegistrationsJS = `async () => {
	if (!('serviceWorker' in navigator)) {
		return null;
	}
	const regs = await navigator.serviceWorker.getRegistrations();
	return regs.map((reg) => {
		const worker = reg.active || reg.waiting || reg.installing;
		return {
			scope: reg.scope,
			scriptURL: worker ? worker.scriptURL : '',
			state: worker ? worker.state : '',
		};
	});
}`

const unregisterJS = `async (scope) => {
	if (!('serviceWorker' in navigator)) {
		return null;
	}
	const regs = await navigator.serviceWorker.getRegistrations();
	const reg = regs.find((r) => r.scope === scope);
	if (!reg) {
		return false;
	}
	return await reg.unregister();
}`

// PageRegistry enumerates registrations through a page's own
// navigator.serviceWorker, so only registrations visible to that page's
// origin are seen.
type PageRegistry struct {
	page *rod.Page
}

// NewPageRegistry creates a Registry backed by page.
func NewPageRegistry(page *rod.Page) *PageRegistry {
	return &PageRegistry{page: page}
}

// Registrations implements Registry.
func (r *PageRegistry) Registrations(ctx context.Context) ([]Registration, error) {
	obj, err := r.page.Context(ctx).Evaluate(rod.Eval(listRegistrationsJS).ByPromise())
	if err != nil {
		return nil, err
	}
	return decodeRegistrations(obj.Value)
}

// Unregister implements Registry.
func (r *PageRegistry) Unregister(ctx context.Context, reg Registration) error {
	obj, err := r.page.Context(ctx).Evaluate(rod.Eval(unregisterJS, reg.Scope).ByPromise())
	if err != nil {
		return err
	}
	if obj.Value.Nil() {
		return types.ErrCapabilityUnavailable
	}
	if !obj.Value.Bool() {
		return fmt.Errorf("registration %s not found or refused to unregister", reg.Scope)
	}
	return nil
}

// decodeRegistrations converts the listRegistrationsJS result.
func decodeRegistrations(v gson.JSON) ([]Registration, error) {
	if v.Nil() {
		return nil, types.ErrCapabilityUnavailable
	}
	items := v.Arr()
	regs := make([]Registration, 0, len(items))
	for _, item := range items {
		regs = append(regs, Registration{
			Scope:     item.Get("scope").Str(),
			ScriptURL: item.Get("scriptURL").Str(),
			State:     State(item.Get("state").Str()),
		})
	}
	return regs, nil
}
