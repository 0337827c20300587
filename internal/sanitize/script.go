package sanitize

// LinkHookJS installs a capture-phase click listener that rewrites the
// activated link's href before navigation. It mirrors Sanitizer.Changed and
// takes the parameter names as its only argument. Installing it twice on the
// same document is a no-op. Evaluates to true when the hook was installed.
const LinkHookJS = `(params) => {
	if (window.__defundxLinkHook) {
		return false;
	}
	window.__defundxLinkHook = true;

	const drop = new Set(params);
	const clean = (raw) => {
		let parsed;
		try {
			parsed = new URL(raw);
		} catch (e) {
			return raw;
		}
		if (!parsed.host) {
			return raw;
		}
		const hashAt = raw.indexOf('#');
		const head = hashAt < 0 ? raw : raw.slice(0, hashAt);
		const fragment = hashAt < 0 ? '' : raw.slice(hashAt);
		const q = head.indexOf('?');
		if (q < 0) {
			return raw;
		}
		const kept = [];
		let removed = false;
		for (const part of head.slice(q + 1).split('&')) {
			const eq = part.indexOf('=');
			const key = eq < 0 ? part : part.slice(0, eq);
			let name = key;
			try {
				name = decodeURIComponent(key.replace(/\+/g, ' '));
			} catch (e) {}
			if (key !== '' && drop.has(name)) {
				removed = true;
				continue;
			}
			kept.push(part);
		}
		if (!removed) {
			return raw;
		}
		return head.slice(0, q) + (kept.length ? '?' + kept.join('&') : '') + fragment;
	};

	document.addEventListener('click', (e) => {
		const target = e.target;
		const link = target && target.closest ? target.closest('a') : null;
		if (link && link.href) {
			const cleaned = clean(link.href);
			if (cleaned !== link.href) {
				link.href = cleaned;
			}
		}
	}, true);
	return true;
}`

// ReplaceAddressJS swaps the current history entry's URL without navigating.
const ReplaceAddressJS = `(cleaned) => {
	history.replaceState(history.state, '', cleaned);
	return location.href;
}`
