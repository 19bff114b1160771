package autoconfig

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/batteryhawk/battery-hawk/internal/ble"
	"github.com/batteryhawk/battery-hawk/internal/model"
)

func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "classify.lua")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return path
}

func TestLuaHookClassifyReturnsScriptResult(t *testing.T) {
	path := writeScript(t, `
function classify(mac, name)
  if string.find(name, "Custom") then
    return "custom-family", 0.99
  end
  return nil
end
`)
	hook, err := NewLuaHook(path)
	if err != nil {
		t.Fatalf("NewLuaHook: %v", err)
	}
	defer hook.Close()

	fam, confidence, ok := hook.Classify(ble.ScanResult{MAC: "AA:BB:CC:DD:EE:FF", LocalName: "Custom Meter"})
	if !ok || fam != model.Family("custom-family") || confidence != 0.99 {
		t.Errorf("Classify = %v, %v, %v, want custom-family/0.99/true", fam, confidence, ok)
	}
}

func TestLuaHookClassifyDeclinesWithoutFunction(t *testing.T) {
	path := writeScript(t, `-- no classify function defined`)
	hook, err := NewLuaHook(path)
	if err != nil {
		t.Fatalf("NewLuaHook: %v", err)
	}
	defer hook.Close()

	_, _, ok := hook.Classify(ble.ScanResult{LocalName: "Anything"})
	if ok {
		t.Error("expected no opinion when classify is undefined")
	}
}

func TestClassifierPrefersConfidentHookOverRules(t *testing.T) {
	path := writeScript(t, `
function classify(mac, name)
  return "hook-family", 0.99
end
`)
	hook, err := NewLuaHook(path)
	if err != nil {
		t.Fatalf("NewLuaHook: %v", err)
	}
	defer hook.Close()

	c := NewClassifier(0.8)
	c.Hook = hook

	got := c.Classify(ble.ScanResult{LocalName: "BM2 Sensor"})
	if got.Family != model.Family("hook-family") {
		t.Errorf("Family = %v, want the hook's confident answer to win", got.Family)
	}
}
