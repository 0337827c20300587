// Package overlay renders the in-page counter panel and the embedded
// auxiliary frame on protected pages.
package overlay

import (
	"context"
	"fmt"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
)

// Frame geometry, in CSS pixels.
const (
	FrameWidth  = 400
	FrameHeight = 300
)

// Element ids inside the host page.
const (
	PanelID = "defundx-panel"
	TextID  = "defundx-panel-text"
	FrameID = "defundx-frame"
)

// mountJS adds the panel and frame once per document. The panel sits above
// the frame in the bottom-right corner.
const mountJS = `(panelID, textID, frameID, viewerURL, width, height) => {
	if (document.getElementById(panelID)) {
		return false;
	}
	const root = document.body || document.documentElement;

	const panel = document.createElement('div');
	panel.id = panelID;
	Object.assign(panel.style, {
		position: 'fixed',
		right: '0px',
		bottom: height + 'px',
		width: width + 'px',
		zIndex: '2147483647',
		padding: '6px 10px',
		boxSizing: 'border-box',
		background: 'rgba(0, 0, 0, 0.85)',
		color: '#fff',
		font: '13px/1.4 sans-serif',
	});
	const title = document.createElement('strong');
	title.textContent = 'DefundX ';
	panel.appendChild(title);
	const text = document.createElement('span');
	text.id = textID;
	text.style.color = '#ff6b6b';
	panel.appendChild(text);
	const close = document.createElement('button');
	close.textContent = 'Close';
	close.style.marginLeft = '8px';
	close.addEventListener('click', () => panel.remove());
	panel.appendChild(close);
	root.appendChild(panel);

	const frame = document.createElement('iframe');
	frame.id = frameID;
	frame.src = viewerURL;
	frame.setAttribute('sandbox', 'allow-scripts');
	Object.assign(frame.style, {
		position: 'fixed',
		right: '0px',
		bottom: '0px',
		width: width + 'px',
		height: height + 'px',
		border: 'none',
		zIndex: '2147483647',
	});
	root.appendChild(frame);
	return true;
}`

// renderJS sets the panel text. Evaluates to false when the panel is gone.
const renderJS = `(textID, value) => {
	const el = document.getElementById(textID);
	if (!el) {
		return false;
	}
	el.textContent = value;
	return true;
}`

// Evaluator runs JavaScript in a page. *rod.Page satisfies it.
type Evaluator interface {
	Evaluate(opts *rod.EvalOptions) (*proto.RuntimeRemoteObject, error)
}

// Overlay owns the panel of one page.
type Overlay struct {
	page      Evaluator
	bind      func(ctx context.Context) Evaluator
	viewerURL string
}

// New creates an Overlay for page. viewerURL is loaded into the frame.
// A *rod.Page is bound to the context of each call.
func New(page Evaluator, viewerURL string) *Overlay {
	o := &Overlay{page: page, viewerURL: viewerURL}
	if p, ok := page.(*rod.Page); ok {
		o.bind = func(ctx context.Context) Evaluator { return p.Context(ctx) }
	}
	return o
}

func (o *Overlay) evaluator(ctx context.Context) Evaluator {
	if o.bind != nil {
		return o.bind(ctx)
	}
	return o.page
}

// Mount inserts the panel and frame. Returns false when they already exist.
func (o *Overlay) Mount(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	obj, err := o.evaluator(ctx).Evaluate(rod.Eval(mountJS, PanelID, TextID, FrameID, o.viewerURL, FrameWidth, FrameHeight))
	if err != nil {
		return false, fmt.Errorf("mount overlay: %w", err)
	}
	return obj.Value.Bool(), nil
}

// Render implements ledger.Renderer. A page stuck in a dialog fails the
// render once ctx is done.
func (o *Overlay) Render(ctx context.Context, count int, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	obj, err := o.evaluator(ctx).Evaluate(rod.Eval(renderJS, TextID, text))
	if err != nil {
		return fmt.Errorf("render overlay: %w", err)
	}
	if !obj.Value.Bool() {
		return fmt.Errorf("overlay panel not mounted")
	}
	return nil
}
