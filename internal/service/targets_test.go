package service

import (
	"errors"
	"testing"

	"github.com/nexus-edge/meter-gateway/internal/domain"
)

func TestTargetTable_Resolve(t *testing.T) {
	ep := testEndpoint()
	ep.Targets = map[string]domain.TargetOverride{
		"Do1": {Address: 100, WriteInverted: true},
	}
	ep.Registers = append(ep.Registers, domain.RegisterDescriptor{
		Key: "fan", Address: 18, Function: domain.FuncReadCoils, WriteInverted: true,
	})
	table := DefaultTargetTable()

	tests := []struct {
		target   string
		addr     uint16
		inverted bool
		source   string
		key      string
	}{
		{"do1", 100, true, SourceOverride, "Do1"},
		{"DO2", 1, false, SourceBuiltin, "do2"},
		{"do8", 7, false, SourceBuiltin, "do8"},
		{"alarm_relay1", 16, false, SourceBuiltin, "alarm_relay1"},
		{"relay3", 18, true, SourceBuiltin, "relay3"},
		{"breaker", 40, true, SourceTemplate, "breaker"},
		{"fan", 18, true, SourceTemplate, "fan"},
		{"16", 16, false, SourceLiteral, "coil_16"},
		{"0x28", 40, true, SourceLiteral, "coil_40"},
		{"coil:5", 5, false, SourceLiteral, "coil_5"},
		{"010", 10, false, SourceLiteral, "coil_10"},
		{"coil:0X1A", 26, false, SourceLiteral, "coil_26"},
	}

	for _, tt := range tests {
		t.Run(tt.target, func(t *testing.T) {
			got, err := table.Resolve(ep, tt.target)
			if err != nil {
				t.Fatalf("Resolve() error = %v", err)
			}
			if got.Address != tt.addr || got.WriteInverted != tt.inverted || got.Source != tt.source || got.Key != tt.key {
				t.Errorf("Resolve(%q) = %+v", tt.target, got)
			}
		})
	}
}

func TestTargetTable_ResolveErrors(t *testing.T) {
	ep := testEndpoint()
	table := DefaultTargetTable()

	tests := []struct {
		target string
		want   error
	}{
		{"", domain.ErrUnknownControlTarget},
		{"do9", domain.ErrUnknownControlTarget},
		{"70000", domain.ErrUnknownControlTarget},
		{"coil:", domain.ErrUnknownControlTarget},
		{"0b101", domain.ErrUnknownControlTarget},
		{"0o17", domain.ErrUnknownControlTarget},
		{"0x", domain.ErrUnknownControlTarget},
		{"voltage", domain.ErrTargetNotControllable},
	}
	for _, tt := range tests {
		_, err := table.Resolve(ep, tt.target)
		if !errors.Is(err, tt.want) {
			t.Errorf("Resolve(%q) error = %v, want %v", tt.target, err, tt.want)
		}
		if domain.ClassifyError(err) != domain.KindConfiguration {
			t.Errorf("Resolve(%q) error kind = %s, want configuration", tt.target, domain.ClassifyError(err))
		}
	}
}

func TestTargetTable_Names(t *testing.T) {
	names := DefaultTargetTable().Names()
	if len(names) != 16 {
		t.Errorf("len(Names()) = %d, want 16", len(names))
	}
}
