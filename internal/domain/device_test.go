package domain_test

import (
	"encoding/json"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/nexus-edge/meter-gateway/internal/domain"
)

func TestDeviceEndpoint_Validate(t *testing.T) {
	tests := []struct {
		name     string
		endpoint domain.DeviceEndpoint
		wantErr  error
	}{
		{
			name: "valid endpoint",
			endpoint: domain.DeviceEndpoint{
				ID:      "meter-001",
				Host:    "10.0.0.5",
				Port:    502,
				UnitID:  1,
				Variant: domain.VariantModbusTCP,
				Registers: []domain.RegisterDescriptor{
					{Key: "voltage_l1", Address: 0, Function: domain.FuncReadHoldingRegisters},
				},
			},
		},
		{
			name:     "missing device ID",
			endpoint: domain.DeviceEndpoint{Host: "10.0.0.5", Variant: domain.VariantModbusTCP},
			wantErr:  domain.ErrDeviceIDRequired,
		},
		{
			name:     "missing host",
			endpoint: domain.DeviceEndpoint{ID: "meter-001", Variant: domain.VariantModbusTCP},
			wantErr:  domain.ErrMissingHost,
		},
		{
			name:     "unknown variant",
			endpoint: domain.DeviceEndpoint{ID: "meter-001", Host: "10.0.0.5", Variant: "serial"},
			wantErr:  domain.ErrInvalidVariant,
		},
		{
			name: "poll interval too short",
			endpoint: domain.DeviceEndpoint{
				ID: "meter-001", Host: "10.0.0.5", Variant: domain.VariantRTUOverTCP,
				PollInterval: 500 * time.Millisecond,
			},
			wantErr: domain.ErrPollIntervalTooShort,
		},
		{
			name: "bad function code",
			endpoint: domain.DeviceEndpoint{
				ID: "meter-001", Host: "10.0.0.5", Variant: domain.VariantModbusTCP,
				Registers: []domain.RegisterDescriptor{{Key: "x", Function: 16}},
			},
			wantErr: domain.ErrInvalidFunctionCode,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.endpoint.Validate()
			if tt.wantErr == nil {
				if err != nil {
					t.Fatalf("Validate() unexpected error: %v", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Validate() error = %v, want %v", err, tt.wantErr)
			}
			if !errors.Is(err, domain.ErrConfiguration) {
				t.Errorf("Validate() error %v is not a configuration error", err)
			}
		})
	}
}

func TestParseProtocolVariant(t *testing.T) {
	tests := []struct {
		in      string
		want    domain.ProtocolVariant
		wantErr bool
	}{
		{"modbus_tcp", domain.VariantModbusTCP, false},
		{"", domain.VariantModbusTCP, false},
		{"tcp", domain.VariantRTUOverTCP, false},
		{"RTU-over-TCP", domain.VariantRTUOverTCP, false},
		{"serial", "", true},
	}
	for _, tt := range tests {
		got, err := domain.ParseProtocolVariant(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseProtocolVariant(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseProtocolVariant(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestDeviceEndpoint_Address(t *testing.T) {
	ep := domain.DeviceEndpoint{Host: "10.0.0.5"}
	if got := ep.Address(); got != "10.0.0.5:502" {
		t.Errorf("Address() = %q, want default port", got)
	}
	ep.Port = 4196
	if got := ep.Address(); got != "10.0.0.5:4196" {
		t.Errorf("Address() = %q", got)
	}
}

func TestFunctionCode(t *testing.T) {
	if alt, ok := domain.FuncReadHoldingRegisters.AlternateRead(); !ok || alt != domain.FuncReadInputRegisters {
		t.Errorf("AlternateRead(3) = %d, %v", alt, ok)
	}
	if alt, ok := domain.FuncReadInputRegisters.AlternateRead(); !ok || alt != domain.FuncReadHoldingRegisters {
		t.Errorf("AlternateRead(4) = %d, %v", alt, ok)
	}
	if _, ok := domain.FuncReadCoils.AlternateRead(); ok {
		t.Error("coils have no alternate read function")
	}
	for _, fc := range []domain.FunctionCode{domain.FuncReadHoldingRegisters, domain.FuncReadInputRegisters, domain.FuncWriteSingleRegister} {
		if fc.IsControl() {
			t.Errorf("function %d must not be controllable", fc)
		}
	}
	if !domain.FuncReadCoils.IsControl() || !domain.FuncWriteSingleCoil.IsControl() {
		t.Error("coil functions must be controllable")
	}
}

func TestScale_UnmarshalJSON(t *testing.T) {
	var descs []domain.RegisterDescriptor
	raw := `[
		{"key":"a","address":0,"function":3,"scale":10},
		{"key":"b","address":1,"function":3,"scale":"100"},
		{"key":"c","address":2,"function":3,"scale":"abc"},
		{"key":"d","address":3,"function":3}
	]`
	if err := json.Unmarshal([]byte(raw), &descs); err != nil {
		t.Fatalf("Unmarshal() error: %v", err)
	}
	if got := descs[0].EffectiveScale(); got != 10 {
		t.Errorf("numeric scale = %v", got)
	}
	if got := descs[1].EffectiveScale(); got != 100 {
		t.Errorf("string scale = %v", got)
	}
	if !math.IsNaN(descs[2].EffectiveScale()) || descs[2].Scale.Valid() {
		t.Errorf("non-numeric scale should be invalid, got %v", descs[2].Scale)
	}
	if got := descs[3].EffectiveScale(); got != 1 {
		t.Errorf("missing scale = %v, want 1", got)
	}
}

func TestRegisterDescriptor_WordCount(t *testing.T) {
	tests := []struct {
		desc domain.RegisterDescriptor
		want uint16
	}{
		{domain.RegisterDescriptor{DataType: domain.DataTypeInt32}, 2},
		{domain.RegisterDescriptor{DataType: domain.DataTypeUInt32}, 2},
		{domain.RegisterDescriptor{DataType: domain.DataTypeInt16}, 1},
		{domain.RegisterDescriptor{}, 1},
		{domain.RegisterDescriptor{DataType: domain.DataTypeInt32, Words: 1}, 1},
	}
	for _, tt := range tests {
		if got := tt.desc.WordCount(); got != tt.want {
			t.Errorf("WordCount(%+v) = %d, want %d", tt.desc, got, tt.want)
		}
	}
}

func TestParseControlAction(t *testing.T) {
	tests := []struct {
		in   string
		want domain.ControlAction
	}{
		{"ON", domain.ActionOn},
		{"on", domain.ActionOn},
		{"1", domain.ActionOn},
		{"OFF", domain.ActionOff},
		{"0", domain.ActionOff},
		{"toggle", domain.ActionToggle},
	}
	for _, tt := range tests {
		got, err := domain.ParseControlAction(tt.in)
		if err != nil || got != tt.want {
			t.Errorf("ParseControlAction(%q) = %q, %v", tt.in, got, err)
		}
	}
	if _, err := domain.ParseControlAction("blink"); !errors.Is(err, domain.ErrInvalidAction) {
		t.Errorf("expected ErrInvalidAction, got %v", err)
	}
}

func TestControlAction_CoilValue(t *testing.T) {
	tests := []struct {
		action   domain.ControlAction
		inverted bool
		want     uint16
	}{
		{domain.ActionOn, false, 0xFF00},
		{domain.ActionOn, true, 0x0000},
		{domain.ActionOff, false, 0x0000},
		{domain.ActionOff, true, 0xFF00},
	}
	for _, tt := range tests {
		got, ok := tt.action.CoilValue(tt.inverted)
		if !ok || got != tt.want {
			t.Errorf("CoilValue(%s, inverted=%v) = %#04x, want %#04x", tt.action, tt.inverted, got, tt.want)
		}
	}
	if _, ok := domain.ActionToggle.CoilValue(false); ok {
		t.Error("TOGGLE must not have a fixed coil value")
	}
	if got := domain.ToggleValue(true); got != 0x0000 {
		t.Errorf("ToggleValue(on) = %#04x", got)
	}
}

func TestDeviceState_IsOnline(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		name     string
		lastSeen time.Time
		want     domain.DeviceStatus
	}{
		{"just polled", now, domain.DeviceStatusOnline},
		{"at window edge", now.Add(-300 * time.Second), domain.DeviceStatusOnline},
		{"stale", now.Add(-301 * time.Second), domain.DeviceStatusOffline},
		{"never seen", time.Time{}, domain.DeviceStatusUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := domain.DeviceState{
				Values:   map[string]*float64{"v": domain.Float(230)},
				LastSeen: tt.lastSeen,
			}
			if got := st.Status(now, domain.DefaultFreshnessWindow); got != tt.want {
				t.Errorf("Status() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestClassifyError(t *testing.T) {
	tests := []struct {
		err  error
		want domain.ErrorKind
	}{
		{nil, domain.KindNone},
		{domain.ErrUnknownControlTarget, domain.KindConfiguration},
		{domain.ErrCRCMismatch, domain.KindProtocol},
		{domain.ModbusExceptionToError(0x02), domain.KindProtocol},
		{domain.ErrInsufficientWords, domain.KindDecode},
		{domain.ErrCircuitBreakerOpen, domain.KindConnectivity},
		{errors.New("boom"), domain.KindUnknown},
	}
	for _, tt := range tests {
		if got := domain.ClassifyError(tt.err); got != tt.want {
			t.Errorf("ClassifyError(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}

func TestNewAuditEntry(t *testing.T) {
	req := domain.ControlRequest{DeviceID: "m1", ControlTarget: "do1", Action: "ON", Operator: "alice"}
	ok := domain.NewAuditEntry("a1", req, domain.ControlResult{Status: domain.ControlSuccess, Tier: domain.TierHardware})
	if ok.ErrorMessage != nil {
		t.Errorf("success entry should have nil error message")
	}
	failed := domain.NewAuditEntry("a2", req, domain.ControlResult{Status: domain.ControlFailed, ErrorMessage: "unreachable"})
	if failed.ErrorMessage == nil || *failed.ErrorMessage != "unreachable" {
		t.Errorf("failed entry error message = %v", failed.ErrorMessage)
	}
	if ok.Warning != nil || failed.Warning != nil {
		t.Errorf("unexpected warnings: %v, %v", ok.Warning, failed.Warning)
	}

	verified := domain.NewAuditEntry("a3", req, domain.ControlResult{Status: domain.ControlSuccess, Verified: true})
	if !verified.Verified || verified.Warning != nil {
		t.Errorf("verified entry = %+v", verified)
	}
	mismatch := domain.NewAuditEntry("a4", req, domain.ControlResult{
		Status:  domain.ControlSuccess,
		Warning: "verification mismatch: coil 0 reads OFF, expected ON",
	})
	if mismatch.Verified || mismatch.Warning == nil || *mismatch.Warning != "verification mismatch: coil 0 reads OFF, expected ON" {
		t.Errorf("mismatch entry verified=%v warning=%v", mismatch.Verified, mismatch.Warning)
	}
}
