package autoconfig

import (
	"sync"

	lua "github.com/yuin/gopher-lua"

	"github.com/batteryhawk/battery-hawk/internal/ble"
	"github.com/batteryhawk/battery-hawk/internal/model"
)

// LuaHook loads an operator-supplied Lua script exposing an optional
// classify(mac, name) function, letting classification be extended
// without a rebuild of the binary.
type LuaHook struct {
	mu sync.Mutex
	L  *lua.LState
}

// NewLuaHook loads scriptPath and returns a hook ready to classify, or
// an error if the script fails to parse/run at load time.
func NewLuaHook(scriptPath string) (*LuaHook, error) {
	L := lua.NewState()
	L.OpenLibs()
	if err := L.DoFile(scriptPath); err != nil {
		L.Close()
		return nil, err
	}
	return &LuaHook{L: L}, nil
}

// Close releases the underlying Lua state.
func (h *LuaHook) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.L.Close()
	return nil
}

// Classify calls the script's classify(mac, name) function, if defined,
// expecting it to return (family string, confidence number) or nil to
// decline an opinion.
func (h *LuaHook) Classify(result ble.ScanResult) (model.Family, float64, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	fn := h.L.GetGlobal("classify")
	if fn.Type() != lua.LTFunction {
		return "", 0, false
	}

	h.L.Push(fn)
	h.L.Push(lua.LString(result.MAC))
	h.L.Push(lua.LString(result.LocalName))

	if err := h.L.PCall(2, 2, nil); err != nil {
		return "", 0, false
	}

	confVal := h.L.Get(-1)
	famVal := h.L.Get(-2)
	h.L.Pop(2)

	if famVal.Type() != lua.LTString {
		return "", 0, false
	}
	confidence := 0.0
	if n, ok := confVal.(lua.LNumber); ok {
		confidence = float64(n)
	}
	return model.Family(famVal.String()), confidence, true
}
