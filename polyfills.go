package jstime

import "fmt"

// The polyfill layer is the script-visible standard library, built on the
// __bindings global. Units are evaluated once at bootstrap, in a fixed
// order: a later unit may use globals installed by an earlier one, never the
// reverse. Every unit is pure JS that looks bindings up at call time, so the
// whole layer serializes cleanly into a snapshot.
var polyfillUnits = []struct {
	name   string
	source string
}{
	{"console.js", consoleJS},
	{"crypto.js", cryptoJS},
	{"timers.js", timersJS},
	{"fetch.js", fetchJS},
	{"performance.js", performanceJS},
	{"encoders.js", encodersJS},
	{"queue_microtask.js", queueMicrotaskJS},
}

// evaluatePolyfills runs each polyfill unit exactly once. Polyfills are
// trusted, host-authored source; a failure here means the host cannot start.
func (i *Instance) evaluatePolyfills() error {
	for _, unit := range polyfillUnits {
		if _, err := i.ctx.RunScript(unit.source, unit.name); err != nil {
			return fmt.Errorf("evaluating polyfill %s: %w", unit.name, err)
		}
	}
	return nil
}

const consoleJS = `
(function() {
	function write(args, isError) {
		__bindings.print(Array.prototype.slice.call(args).join(' '), isError);
	}
	globalThis.console = {
		log: function() { write(arguments, false); },
		info: function() { write(arguments, false); },
		debug: function() { write(arguments, false); },
		warn: function() { write(arguments, true); },
		error: function() { write(arguments, true); },
	};
})();
`

const cryptoJS = `
(function() {
	globalThis.crypto = {
		getRandomValues: function(typedArray) {
			if (!typedArray || typeof typedArray.length !== 'number') {
				throw new TypeError('getRandomValues requires a TypedArray');
			}
			for (var i = 0; i < typedArray.length; i++) {
				typedArray[i] = Math.floor(__bindings.randomFloat() * 256);
			}
			return typedArray;
		},
	};
	Math.random = function() { return __bindings.randomFloat(); };
})();
`

const timersJS = `
(function() {
	globalThis.setTimeout = function(fn, delay) {
		if (arguments.length < 2) {
			return __bindings.setTimeout(fn);
		}
		return __bindings.setTimeout(fn, delay);
	};
	globalThis.setInterval = function(fn, interval) {
		return __bindings.setInterval(fn, interval || 0);
	};
	globalThis.clearTimeout = globalThis.clearInterval = function(id) {
		if (typeof id === 'number') {
			__bindings.clearTimer(id);
		}
	};
})();
`

const fetchJS = `
(function() {
	globalThis.fetch = function(resource, init) {
		if (arguments.length < 2) {
			return __bindings.fetch(resource);
		}
		return __bindings.fetch(resource, init);
	};
})();
`

const performanceJS = `
globalThis.performance = {
	now: function() { return __bindings.now(); },
};
`

// encodersJS is a UTF-8-only TextEncoder/TextDecoder pair.
const encodersJS = `
(function() {
	function TextEncoder() {}
	TextEncoder.prototype.encoding = 'utf-8';
	TextEncoder.prototype.encode = function(input) {
		var s = input === undefined ? '' : String(input);
		var bytes = [];
		for (var i = 0; i < s.length; i++) {
			var c = s.codePointAt(i);
			if (c > 0xFFFF) i++;
			if (c < 0x80) {
				bytes.push(c);
			} else if (c < 0x800) {
				bytes.push(0xC0 | (c >> 6), 0x80 | (c & 63));
			} else if (c < 0x10000) {
				bytes.push(0xE0 | (c >> 12), 0x80 | ((c >> 6) & 63), 0x80 | (c & 63));
			} else {
				bytes.push(0xF0 | (c >> 18), 0x80 | ((c >> 12) & 63), 0x80 | ((c >> 6) & 63), 0x80 | (c & 63));
			}
		}
		return new Uint8Array(bytes);
	};

	function TextDecoder(label) {
		if (label !== undefined) {
			var l = String(label).toLowerCase();
			if (l !== 'utf-8' && l !== 'utf8') {
				throw new RangeError('unsupported encoding: ' + label);
			}
		}
	}
	TextDecoder.prototype.encoding = 'utf-8';
	TextDecoder.prototype.decode = function(input) {
		if (input === undefined) return '';
		var bytes = input instanceof Uint8Array ? input : new Uint8Array(input.buffer || input);
		var out = '';
		for (var i = 0; i < bytes.length; ) {
			var b = bytes[i++], cp, extra;
			if (b < 0x80) { cp = b; extra = 0; }
			else if ((b & 0xE0) === 0xC0) { cp = b & 31; extra = 1; }
			else if ((b & 0xF0) === 0xE0) { cp = b & 15; extra = 2; }
			else { cp = b & 7; extra = 3; }
			while (extra-- > 0 && i < bytes.length) {
				cp = (cp << 6) | (bytes[i++] & 63);
			}
			out += String.fromCodePoint(cp);
		}
		return out;
	};

	globalThis.TextEncoder = TextEncoder;
	globalThis.TextDecoder = TextDecoder;
})();
`

const queueMicrotaskJS = `
globalThis.queueMicrotask = function(fn) {
	return __bindings.queueMicrotask(fn);
};
`
