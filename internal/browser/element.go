package browser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-rod/rod"

	"ghostclick/internal/executor"
	"ghostclick/internal/locator"
)

const overlayID = "__ghostclick_highlight"

const resolveJS = `
(strategy, value, classes) => {
	try {
		switch (strategy) {
		case 'xpath':
			return document.evaluate(value, document, null, XPathResult.FIRST_ORDERED_NODE_TYPE, null).singleNodeValue;
		case 'id':
			return document.getElementById(value);
		case 'className':
			return document.querySelector(classes.map((c) => '.' + CSS.escape(c)).join(''));
		default:
			return null;
		}
	} catch (e) {
		return null;
	}
}
`

// document resolves locators in a live tab.
type document struct {
	page *rod.Page
}

func newDocument(page *rod.Page) *document {
	return &document{page: page}
}

func (d *document) Resolve(ctx context.Context, target locator.Locator) (executor.Element, error) {
	page := d.page.Context(ctx).Sleeper(rod.NotFoundSleeper)
	for _, s := range target.Strategies() {
		el, err := page.ElementByJS(rod.Eval(resolveJS, string(s), target.Value(s), target.Classes()))
		if err != nil {
			var nf *rod.ElementNotFoundError
			if errors.As(err, &nf) {
				continue
			}
			var notElem *rod.ExpectElementError
			if errors.As(err, &notElem) {
				continue
			}
			return nil, fmt.Errorf("resolve by %s: %w", s, err)
		}
		return &element{el: el}, nil
	}
	return nil, executor.ErrElementNotFound
}

// element is a resolved node in a live tab.
type element struct {
	el *rod.Element
}

func (e *element) eval(ctx context.Context, js string, args ...interface{}) (json.RawMessage, error) {
	res, err := e.el.Context(ctx).Eval(js, args...)
	if err != nil {
		return nil, err
	}
	if res == nil || res.Value.Nil() {
		return nil, nil
	}
	return res.Value.MarshalJSON()
}

func (e *element) Info(ctx context.Context) (executor.ElementInfo, error) {
	raw, err := e.eval(ctx, `function () {
		const el = this;
		const isHTML = el instanceof HTMLElement;
		const tag = el.tagName || el.nodeName;
		const textTypes = ['', 'text', 'search', 'email', 'url', 'tel', 'password', 'number'];
		const textEntry = el instanceof HTMLTextAreaElement ||
			(el instanceof HTMLInputElement && textTypes.includes((el.getAttribute('type') || '').toLowerCase())) ||
			(isHTML && el.isContentEditable);
		const focusable = isHTML && (el.tabIndex >= 0 || el.isContentEditable);
		const inForm = !!(el.closest && el.closest('form'));
		return { tag, isHTML, textEntry, focusable, inForm };
	}`)
	if err != nil {
		return executor.ElementInfo{}, fmt.Errorf("inspect element: %w", err)
	}
	var info struct {
		Tag       string `json:"tag"`
		IsHTML    bool   `json:"isHTML"`
		TextEntry bool   `json:"textEntry"`
		Focusable bool   `json:"focusable"`
		InForm    bool   `json:"inForm"`
	}
	if err := json.Unmarshal(raw, &info); err != nil {
		return executor.ElementInfo{}, fmt.Errorf("decode element info: %w", err)
	}
	return executor.ElementInfo(info), nil
}

func (e *element) VisibleRatio(ctx context.Context) (float64, error) {
	res, err := e.el.Context(ctx).Eval(`function () {
		const r = this.getBoundingClientRect();
		const area = r.width * r.height;
		if (area <= 0) return 0;
		const w = Math.max(0, Math.min(r.right, window.innerWidth) - Math.max(r.left, 0));
		const h = Math.max(0, Math.min(r.bottom, window.innerHeight) - Math.max(r.top, 0));
		return (w * h) / area;
	}`)
	if err != nil {
		return 0, fmt.Errorf("measure element: %w", err)
	}
	return res.Value.Num(), nil
}

func (e *element) ScrollIntoView(ctx context.Context) error {
	_, err := e.el.Context(ctx).Eval(`function () {
		this.scrollIntoView({ behavior: 'smooth', block: 'center', inline: 'center' });
	}`)
	return err
}

func (e *element) Highlight(ctx context.Context) error {
	_, err := e.el.Context(ctx).Eval(`function (id) {
		const r = this.getBoundingClientRect();
		let o = document.getElementById(id);
		if (!o) {
			o = document.createElement('div');
			o.id = id;
			document.body.appendChild(o);
		}
		Object.assign(o.style, {
			position: 'absolute',
			pointerEvents: 'none',
			border: '4px solid red',
			boxSizing: 'border-box',
			zIndex: '2147483647',
			top: (r.top + window.scrollY) + 'px',
			left: (r.left + window.scrollX) + 'px',
			width: r.width + 'px',
			height: r.height + 'px',
		});
	}`, overlayID)
	return err
}

func (e *element) Unhighlight(ctx context.Context) error {
	_, err := e.el.Context(ctx).Eval(`function (id) {
		const o = document.getElementById(id);
		if (o) o.remove();
	}`, overlayID)
	return err
}

func (e *element) Click(ctx context.Context) error {
	_, err := e.el.Context(ctx).Eval(`function () { this.click(); }`)
	return err
}

func (e *element) Focus(ctx context.Context) error {
	return e.el.Context(ctx).Focus()
}

func (e *element) SetValue(ctx context.Context, value string) error {
	_, err := e.el.Context(ctx).Eval(`function (v) {
		if (this.isContentEditable && !('value' in this)) {
			this.textContent = v;
		} else {
			const proto = Object.getPrototypeOf(this);
			const desc = Object.getOwnPropertyDescriptor(proto, 'value');
			if (desc && desc.set) desc.set.call(this, v); else this.value = v;
		}
		this.dispatchEvent(new Event('input', { bubbles: true }));
		this.dispatchEvent(new Event('change', { bubbles: true }));
	}`, value)
	return err
}

func (e *element) DispatchKey(ctx context.Context, key executor.KeyEvent) error {
	_, err := e.el.Context(ctx).Eval(`function (k) {
		const init = {
			key: k.Key, code: k.Code, bubbles: true, cancelable: true,
			ctrlKey: k.CtrlKey, shiftKey: k.ShiftKey, altKey: k.AltKey, metaKey: k.MetaKey,
		};
		for (const type of ['keydown', 'keypress', 'keyup']) {
			this.dispatchEvent(new KeyboardEvent(type, init));
		}
	}`, key)
	return err
}

func (e *element) SubmitForm(ctx context.Context) error {
	res, err := e.el.Context(ctx).Eval(`function () {
		const form = this.closest && this.closest('form');
		if (!form) return false;
		if (form.requestSubmit) form.requestSubmit(); else form.submit();
		return true;
	}`)
	if err != nil {
		return err
	}
	if !res.Value.Bool() {
		return errors.New("element is not inside a form")
	}
	return nil
}
