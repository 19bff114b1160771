// Package autoconfig classifies devices observed during a scan into a
// known Family and synthesizes a friendly name for them (§4.5). An
// optional Lua hook lets an operator extend classification without a
// rebuild.
package autoconfig

import (
	"strings"

	"github.com/batteryhawk/battery-hawk/internal/ble"
	"github.com/batteryhawk/battery-hawk/internal/model"
)

// Rule is one family's classification signature. A scan result matches
// by name substring, then by manufacturer-data company ID, then by
// advertised service UUID; the most specific match (name, then
// manufacturer data, then service UUID) wins when more than one rule
// matches the same result.
type Rule struct {
	Family         model.Family
	NameContains   string
	ManufacturerID uint16
	ServiceUUID    string
	Confidence     float64
}

// DefaultRules are the built-in signatures for the two supported families.
var DefaultRules = []Rule{
	{Family: model.FamilyBM6, NameContains: "BM6", Confidence: 0.95},
	{Family: model.FamilyBM2, NameContains: "BM2", Confidence: 0.95},
	{Family: model.FamilyBM6, ServiceUUID: "0000fff0-0000-1000-8000-00805f9b34fb", Confidence: 0.5},
}

// Classifier matches scan results against a rule set plus an optional
// Lua hook, honoring a minimum confidence threshold below which a
// result is left unclassified rather than guessed at.
type Classifier struct {
	Rules               []Rule
	ConfidenceThreshold float64
	Hook                *LuaHook
}

// NewClassifier creates a Classifier using DefaultRules.
func NewClassifier(confidenceThreshold float64) *Classifier {
	if confidenceThreshold <= 0 {
		confidenceThreshold = 0.8
	}
	return &Classifier{Rules: DefaultRules, ConfidenceThreshold: confidenceThreshold}
}

// Classification is the outcome of classifying one scan result.
type Classification struct {
	Family     model.Family
	Confidence float64
	Matched    bool
}

// Classify scores result against every rule, preferring a name match
// over a manufacturer-data match over a service-UUID match, and returns
// the winner if its confidence clears the threshold. If a Lua hook is
// installed it runs first and, if it returns a confident answer, its
// result wins over the built-in rules.
func (c *Classifier) Classify(result ble.ScanResult) Classification {
	if c.Hook != nil {
		if fam, confidence, ok := c.Hook.Classify(result); ok && confidence >= c.ConfidenceThreshold {
			return Classification{Family: fam, Confidence: confidence, Matched: true}
		}
	}

	best := Classification{Family: model.FamilyUnknown}
	bestSpecificity := -1

	for _, rule := range c.Rules {
		specificity, matched := matchRule(rule, result)
		if !matched {
			continue
		}
		if specificity > bestSpecificity || (specificity == bestSpecificity && rule.Confidence > best.Confidence) {
			best = Classification{Family: rule.Family, Confidence: rule.Confidence, Matched: true}
			bestSpecificity = specificity
		}
	}

	if !best.Matched || best.Confidence < c.ConfidenceThreshold {
		return Classification{Family: model.FamilyUnknown, Matched: false}
	}
	return best
}

// matchRule reports whether rule matches result, and a specificity rank
// (2 = name, 1 = manufacturer data, 0 = service UUID) used to break ties
// when multiple rules match.
func matchRule(rule Rule, result ble.ScanResult) (specificity int, matched bool) {
	if rule.NameContains != "" {
		if strings.Contains(strings.ToUpper(result.LocalName), strings.ToUpper(rule.NameContains)) {
			return 2, true
		}
		return 0, false
	}
	if rule.ManufacturerID != 0 {
		if _, ok := result.ManufacturerData[rule.ManufacturerID]; ok {
			return 1, true
		}
		return 0, false
	}
	if rule.ServiceUUID != "" {
		for _, u := range result.ServiceUUIDs {
			if strings.EqualFold(u, rule.ServiceUUID) {
				return 0, true
			}
		}
		return 0, false
	}
	return 0, false
}
