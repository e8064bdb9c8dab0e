package service

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/nexus-edge/meter-gateway/internal/domain"
)

// ResolvedTarget is a control target mapped onto a coil.
type ResolvedTarget struct {
	// Name is the normalized target as requested
	Name string
	// Key is the realtime value key patched after a successful write
	Key           string
	Address       uint16
	WriteInverted bool
	// Source tells where the mapping came from: override, template, builtin or literal
	Source string
}

// Target sources.
const (
	SourceOverride = "override"
	SourceTemplate = "template"
	SourceBuiltin  = "builtin"
	SourceLiteral  = "literal"
)

// TargetTable maps symbolic control targets onto coil addresses.
type TargetTable struct {
	builtin map[string]uint16
}

// DefaultTargetTable returns the built-in table: digital outputs do1..do8 on
// coils 0-7 and alarm relays alarm_relay1..4 (alias relay1..4) on coils 16-19.
func DefaultTargetTable() *TargetTable {
	t := &TargetTable{builtin: make(map[string]uint16, 16)}
	for i := 1; i <= 8; i++ {
		t.builtin[fmt.Sprintf("do%d", i)] = uint16(i - 1)
	}
	for i := 1; i <= 4; i++ {
		addr := uint16(15 + i)
		t.builtin[fmt.Sprintf("alarm_relay%d", i)] = addr
		t.builtin[fmt.Sprintf("relay%d", i)] = addr
	}
	return t
}

// Names lists the built-in target names.
func (t *TargetTable) Names() []string {
	names := make([]string, 0, len(t.builtin))
	for n := range t.builtin {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Resolve maps target for ep. Lookup order: per-device overrides, template
// descriptors, the built-in table, then a literal address ("16", "0x10",
// "coil:16"). Template registers that are not coils cannot be controlled.
func (t *TargetTable) Resolve(ep *domain.DeviceEndpoint, target string) (ResolvedTarget, error) {
	name := strings.ToLower(strings.TrimSpace(target))
	if name == "" {
		return ResolvedTarget{}, fmt.Errorf("%w: empty target", domain.ErrUnknownControlTarget)
	}

	for key, o := range ep.Targets {
		if strings.EqualFold(key, name) {
			return ResolvedTarget{
				Name:          name,
				Key:           key,
				Address:       o.Address,
				WriteInverted: o.WriteInverted,
				Source:        SourceOverride,
			}, nil
		}
	}

	for _, r := range ep.Registers {
		if !strings.EqualFold(r.Key, name) {
			continue
		}
		if !r.Function.IsControl() {
			return ResolvedTarget{}, fmt.Errorf("%w: %q uses function %d", domain.ErrTargetNotControllable, r.Key, r.Function)
		}
		return ResolvedTarget{
			Name:          name,
			Key:           r.Key,
			Address:       r.Address,
			WriteInverted: r.WriteInverted,
			Source:        SourceTemplate,
		}, nil
	}

	if addr, ok := t.builtin[name]; ok {
		return ResolvedTarget{
			Name:          name,
			Key:           name,
			Address:       addr,
			WriteInverted: t.templateInversion(ep, addr),
			Source:        SourceBuiltin,
		}, nil
	}

	if addr, ok := parseLiteralAddress(name); ok {
		return ResolvedTarget{
			Name:          name,
			Key:           fmt.Sprintf("coil_%d", addr),
			Address:       addr,
			WriteInverted: t.templateInversion(ep, addr),
			Source:        SourceLiteral,
		}, nil
	}

	return ResolvedTarget{}, fmt.Errorf("%w: %q", domain.ErrUnknownControlTarget, target)
}

// templateInversion picks up write_inverted from a coil descriptor at addr.
func (t *TargetTable) templateInversion(ep *domain.DeviceEndpoint, addr uint16) bool {
	for _, r := range ep.Registers {
		if r.Function.IsControl() && r.Address == addr {
			return r.WriteInverted
		}
	}
	return false
}

// parseLiteralAddress reads "16", "coil:16" or "0x10". Leading zeros stay
// decimal.
func parseLiteralAddress(s string) (uint16, bool) {
	s = strings.TrimPrefix(s, "coil:")
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	base := 10
	if h, ok := strings.CutPrefix(strings.ToLower(s), "0x"); ok {
		s, base = h, 16
	}
	v, err := strconv.ParseUint(s, base, 16)
	if err != nil {
		return 0, false
	}
	return uint16(v), true
}
