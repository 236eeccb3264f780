package engine

import (
	"fmt"

	"github.com/dop251/goja"
)

// Bootstrap builds the one-time module graph bound into a fresh isolate
// before it ever runs user code, implementing isolate.Bootstrap. It sets up
// console.log capture and thin JS-side wrappers around the "host" global
// the Execution Engine re-binds before every invocation — mirroring
// system/tee/script_engine.go's one-time builtinFunctions load, minus the
// fake crypto/fetch shims that file uses for its simulation mode: here
// "host" is the real Sandbox Host API, not a placeholder.
type Bootstrap struct {
	// Logs, if non-nil, receives every console.log call across every
	// isolate using this Bootstrap; primarily a testing hook.
	Logs func(entry string)
}

// Bind implements isolate.Bootstrap.
func (b *Bootstrap) Bind(vm *goja.Runtime) error {
	console := vm.NewObject()
	if err := console.Set("log", func(call goja.FunctionCall) goja.Value {
		if b.Logs == nil {
			return goja.Undefined()
		}
		line := ""
		for i, arg := range call.Arguments {
			if i > 0 {
				line += " "
			}
			line += arg.String()
		}
		b.Logs(line)
		return goja.Undefined()
	}); err != nil {
		return fmt.Errorf("engine: bind console: %w", err)
	}
	if err := vm.Set("console", console); err != nil {
		return fmt.Errorf("engine: bind console global: %w", err)
	}

	if _, err := vm.RunString(sandboxPrelude); err != nil {
		return fmt.Errorf("engine: load sandbox prelude: %w", err)
	}
	return nil
}

// sandboxPrelude gives function code the ergonomic surface §4.4 describes
// (sandbox.fetch, sandbox.kv.*, sandbox.crypto.*) over the raw "host" global
// the engine rebinds before each invocation. It is pure JS glue, no logic
// of its own.
const sandboxPrelude = `
var sandbox = {
	fetch: function(req) { return host.Fetch(req); },
	kv: {
		get: function(key) { return host.KV.Get(key); },
		set: function(key, value) { return host.KV.Set(key, value); },
		delete: function(key) { return host.KV.Delete(key); }
	},
	crypto: {
		hash: function(algorithm, data) { return host.Crypto.Hash(algorithm, data); },
		hmac: function(algorithm, key, data) { return host.Crypto.HMAC(algorithm, key, data); },
		randomUUID: function() { return host.Crypto.RandomUUID(); },
		randomBytes: function(n) { return host.Crypto.RandomBytes(n); },
		randomInt: function(min, max) { return host.Crypto.RandomInt(min, max); }
	},
	setTimeout: function(fn, delayMs) { return host.Timers.SetTimeout(fn, delayMs * 1e6, 30e9); },
	clearTimeout: function(id) { return host.Timers.ClearTimeout(id); },
	setInterval: function(fn, delayMs) { return host.Timers.SetInterval(fn, delayMs * 1e6, 30e9); },
	clearInterval: function(id) { return host.Timers.ClearInterval(id); },
	env: function(key) { return host.Env[key]; }
};
`
