// internal/browser/probe.go
package browser

import (
	"fmt"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// refAttribute tags probed elements so later calls can address them with a plain CSS selector.
const refAttribute = "data-pp-ref"

type probeMode string

const (
	modeState probeMode = "state"
	modeCount probeMode = "count"
	modeHTML  probeMode = "html"
)

type probeQuery struct {
	Mode  probeMode    `json:"mode"`
	Kind  SelectorKind `json:"kind"`
	Value string       `json:"value"`
	Tag   string       `json:"tag"`
	Attr  string       `json:"attr"`
}

type probeResult struct {
	ElementState
	Count int    `json:"count"`
	HTML  string `json:"html"`
	Error string `json:"error"`
}

// probeScript resolves a selector inside the page. Text, label and placeholder
// matching is whitespace and case insensitive; an exact text match beats a substring match.
const probeScript = `(function(q){
  const norm = (s) => (s || '').replace(/\s+/g, ' ').trim().toLowerCase();
  const want = norm(q.value);
  const visible = (el) => {
    const r = el.getBoundingClientRect();
    const s = window.getComputedStyle(el);
    return r.width > 0 && r.height > 0 && s.visibility !== 'hidden' && s.display !== 'none' && s.opacity !== '0';
  };
  const byText = (els) => {
    const exact = els.filter((e) => norm(e.innerText || e.textContent) === want);
    if (exact.length) return exact;
    return els.filter((e) => norm(e.innerText || e.textContent).includes(want))
      .sort((a, b) => (a.textContent || '').length - (b.textContent || '').length);
  };
  const control = (label) => {
    if (label.htmlFor) return document.getElementById(label.htmlFor);
    return label.querySelector('input,textarea,select,[contenteditable="true"],[role="combobox"]');
  };
  const candidates = () => {
    switch (q.kind) {
    case 'css':
      return Array.from(document.querySelectorAll(q.value));
    case 'xpath': {
      const out = [];
      const r = document.evaluate(q.value, document, null, XPathResult.ORDERED_NODE_SNAPSHOT_TYPE, null);
      for (let i = 0; i < r.snapshotLength; i++) {
        const n = r.snapshotItem(i);
        if (n.nodeType === 1) out.push(n);
      }
      return out;
    }
    case 'text':
      return byText(Array.from(document.querySelectorAll(q.tag || 'button,a,[role="button"],[role="option"],label,h1,h2,h3,h4,legend,span,p,li,div')));
    case 'label': {
      const out = byText(Array.from(document.querySelectorAll('label'))).map(control).filter(Boolean);
      document.querySelectorAll('[aria-label]').forEach((e) => {
        if (norm(e.getAttribute('aria-label')) === want) out.push(e);
      });
      return out;
    }
    case 'placeholder':
      return Array.from(document.querySelectorAll('[placeholder]'))
        .filter((e) => norm(e.getAttribute('placeholder')).includes(want));
    }
    return [];
  };
  let els;
  try { els = candidates(); } catch (e) { return { found: false, count: 0, error: String(e) }; }
  if (q.mode === 'count') return { found: els.length > 0, count: els.length };
  const el = els.find(visible) || els[0];
  if (!el) return { found: false, count: 0 };
  if (q.mode === 'html') return { found: true, count: els.length, html: el.outerHTML };
  let ref = el.getAttribute(q.attr);
  if (!ref) {
    window.__ppRefSeq = (window.__ppRefSeq || 0) + 1;
    ref = String(window.__ppRefSeq);
    el.setAttribute(q.attr, ref);
  }
  const tag = el.tagName.toLowerCase();
  const type = (el.getAttribute('type') || '').toLowerCase();
  const enabled = !el.disabled && el.getAttribute('aria-disabled') !== 'true';
  const textual = (tag === 'input' && !['hidden', 'checkbox', 'radio', 'submit', 'button', 'file'].includes(type)) || tag === 'textarea';
  const editable = enabled && !el.readOnly && (textual || el.isContentEditable);
  return {
    found: true,
    count: els.length,
    visible: visible(el),
    enabled: enabled,
    editable: editable,
    checked: !!el.checked || el.getAttribute('aria-checked') === 'true' || el.getAttribute('aria-selected') === 'true',
    text: (el.innerText || el.textContent || '').trim().slice(0, 500),
    value: 'value' in el ? String(el.value) : (el.isContentEditable ? el.innerText : ''),
    ref: '[' + q.attr + '="' + ref + '"]',
  };
})(%s)`

func buildProbe(mode probeMode, sel Selector) (string, error) {
	arg, err := json.Marshal(probeQuery{Mode: mode, Kind: sel.Kind, Value: sel.Value, Tag: sel.Tag, Attr: refAttribute})
	if err != nil {
		return "", fmt.Errorf("failed to encode probe for %s: %w", sel, err)
	}
	return fmt.Sprintf(probeScript, arg), nil
}

const valueScript = `(function(ref){
  const el = document.querySelector(ref);
  if (!el) return { found: false };
  return { found: true, value: 'value' in el ? String(el.value) : (el.innerText || '') };
})(%s)`

const readStorageScript = `(function(){
  const out = {};
  try {
    for (let i = 0; i < localStorage.length; i++) {
      const k = localStorage.key(i);
      out[k] = localStorage.getItem(k);
    }
  } catch (e) {}
  return out;
})()`

const writeStorageScript = `(function(items){
  let n = 0;
  for (const k in items) { localStorage.setItem(k, items[k]); n++; }
  return n;
})(%s)`

const pageTextScript = `document.body ? document.body.innerText : ''`
