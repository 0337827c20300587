package blocker

// ObserverJS starts a MutationObserver over the whole document that removes
// inserted <script> elements whose src contains one of terms (lowercase).
// Each removal is reported through the named binding when it exists.
// Evaluates to true when a new observer was started.
const ObserverJS = `(terms, binding) => {
	if (window.__defundxScriptObserver) {
		return false;
	}
	const matches = (src) => {
		const lower = (src || '').toLowerCase();
		return lower !== '' && terms.some((term) => lower.includes(term));
	};
	const report = (src) => {
		const fn = window[binding];
		if (typeof fn === 'function') {
			try {
				fn(src);
			} catch (e) {}
		}
	};
	const inspect = (node) => {
		if (node.nodeType !== Node.ELEMENT_NODE) {
			return;
		}
		const scripts = node.tagName === 'SCRIPT' ? [node] : node.querySelectorAll('script[src]');
		for (const script of scripts) {
			if (matches(script.src)) {
				const src = script.src;
				script.remove();
				report(src);
			}
		}
	};
	const observer = new MutationObserver((mutations) => {
		for (const mutation of mutations) {
			mutation.addedNodes.forEach(inspect);
		}
	});
	observer.observe(document.documentElement, { childList: true, subtree: true });
	window.__defundxScriptObserver = observer;
	return true;
}`

// AttributesJS removes every listed attribute from all elements present in
// the document right now. It evaluates to the number of attributes removed.
const AttributesJS = `(attrs) => {
	let removed = 0;
	for (const attr of attrs) {
		for (const el of document.querySelectorAll('[' + CSS.escape(attr) + ']')) {
			el.removeAttribute(attr);
			removed++;
		}
	}
	return removed;
}`
