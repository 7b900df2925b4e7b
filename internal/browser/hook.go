package browser

import (
	"encoding/json"
	"fmt"

	"ghostclick/internal/recorder"
)

// captureBinding is the page function the capture hook reports through.
const captureBinding = "__ghostclickEmit"

// captureHook is installed into every document of a tab. It reports click,
// input, change and special keydown events with the structural segments the
// locator package turns into an XPath.
const captureHook = `
() => {
	const w = window;
	if (w.__ghostclickHooked) return true;
	w.__ghostclickHooked = true;

	const special = new Set(['Enter', 'Backspace', 'Delete', 'Escape', 'Tab',
		'ArrowUp', 'ArrowDown', 'ArrowLeft', 'ArrowRight']);

	const segments = (node) => {
		const out = [];
		for (let cur = node; cur && cur.parentNode; cur = cur.parentNode) {
			const seg = { type: cur.nodeType, name: cur.nodeName, index: 0, count: 0 };
			if (cur.namespaceURI) seg.ns = cur.namespaceURI;
			for (const sib of cur.parentNode.childNodes) {
				if (sib.nodeName !== cur.nodeName) continue;
				seg.count++;
				if (sib === cur) seg.index = seg.count;
			}
			out.push(seg);
		}
		return out;
	};

	const describe = (type, target, extra) => {
		const el = target && target.nodeType === Node.ELEMENT_NODE ? target : (target && target.parentElement);
		return Object.assign({
			type,
			tag: el ? el.tagName : '',
			id: el && el.id ? String(el.id) : '',
			classes: el && el.classList ? Array.from(el.classList) : [],
			path: segments(target),
			timestamp: Math.floor(performance.timeOrigin + performance.now()),
		}, extra || {});
	};

	const emit = (ev) => {
		try {
			if (typeof w.` + captureBinding + ` === 'function') w.` + captureBinding + `(ev);
		} catch (e) {}
	};

	document.addEventListener('click', (e) => {
		try {
			const t = e.target;
			if (!t) return;
			const text = (t.innerText || t.textContent || '').slice(0, 200);
			emit(describe('click', t, { text }));
		} catch (err) {}
	}, true);

	const onValue = (kind) => (e) => {
		try {
			const t = e.target;
			if (!t || !('value' in t)) return;
			emit(describe(kind, t, { value: String(t.value) }));
		} catch (err) {}
	};
	document.addEventListener('input', onValue('input'), true);
	document.addEventListener('change', onValue('change'), true);

	document.addEventListener('keydown', (e) => {
		try {
			if (!special.has(e.key)) return;
			emit(describe('keydown', e.target, {
				key: e.key,
				code: e.code,
				ctrlKey: e.ctrlKey,
				shiftKey: e.shiftKey,
				altKey: e.altKey,
				metaKey: e.metaKey,
			}));
		} catch (err) {}
	}, true);
	return true;
}
`

// decodeRawEvent decodes one event reported by the capture hook.
func decodeRawEvent(raw []byte) (recorder.RawEvent, error) {
	var ev recorder.RawEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return ev, fmt.Errorf("decode captured event: %w", err)
	}
	if ev.Type == "" {
		return ev, fmt.Errorf("decode captured event: missing type")
	}
	return ev, nil
}
