package esphome

import (
	"math"
	"testing"

	"github.com/seawatts/cove/internal/model"
)

func lightEntity() model.Entity {
	return model.Entity{
		ID:   "ent-1",
		Kind: model.KindLight,
		Key:  "100",
		Caps: model.CapabilityDescriptor{
			Capabilities: []model.Capability{model.CapOnOff, model.CapBrightness, model.CapColorTemperature},
		},
	}
}

func TestBuildSwitchOnOff(t *testing.T) {
	ent := model.Entity{Kind: model.KindSwitch, Key: "200"}
	msgType, payload, err := buildCommand(200, ent, model.Command{Capability: model.CapOnOff, Value: true})
	if err != nil {
		t.Fatal(err)
	}
	if msgType != typeSwitchCommand {
		t.Errorf("wrong frame type: %d", msgType)
	}
	fs, err := decodeFields(payload)
	if err != nil {
		t.Fatal(err)
	}
	if fs.key(1) != 200 {
		t.Errorf("key: %d", fs.key(1))
	}
	if !fs.boolean(2) {
		t.Error("state flag not set")
	}
}

func TestBuildLightBrightness(t *testing.T) {
	msgType, payload, err := buildCommand(100, lightEntity(), model.Command{Capability: model.CapBrightness, Value: 0.6})
	if err != nil {
		t.Fatal(err)
	}
	if msgType != typeLightCommand {
		t.Errorf("wrong frame type: %d", msgType)
	}
	fs, _ := decodeFields(payload)
	if !fs.boolean(4) {
		t.Error("has_brightness not set")
	}
	if got := fs.float(5); math.Abs(got-0.6) > 1e-6 {
		t.Errorf("brightness: %g", got)
	}
	// Brightness implies on.
	if !fs.boolean(2) || !fs.boolean(3) {
		t.Error("light not switched on alongside brightness")
	}
}

func TestBuildColorTemperatureConvertsToMireds(t *testing.T) {
	_, payload, err := buildCommand(100, lightEntity(), model.Command{Capability: model.CapColorTemperature, Value: 4000.0})
	if err != nil {
		t.Fatal(err)
	}
	fs, _ := decodeFields(payload)
	if !fs.boolean(12) {
		t.Error("has_color_temperature not set")
	}
	if got := fs.float(13); math.Abs(got-250) > 0.01 {
		t.Errorf("expected 250 mireds for 4000K, got %g", got)
	}
}

func TestBuildNumberSetRespectsRange(t *testing.T) {
	ent := model.Entity{
		Kind: model.KindNumber,
		Key:  "300",
		Caps: model.CapabilityDescriptor{
			Capabilities: []model.Capability{model.CapNumberSet},
			Min:          model.Float64Ptr(0),
			Max:          model.Float64Ptr(100),
		},
	}

	if _, _, err := buildCommand(300, ent, model.Command{Capability: model.CapNumberSet, Value: 50.0}); err != nil {
		t.Fatal(err)
	}

	_, _, err := buildCommand(300, ent, model.Command{Capability: model.CapNumberSet, Value: 150.0})
	if err == nil {
		t.Fatal("expected range error")
	}
	if model.CategoryOf(err) != model.CategoryBadRequest {
		t.Errorf("wrong category: %s", model.CategoryOf(err))
	}
}

func TestBuildRejectsBadValueType(t *testing.T) {
	_, _, err := buildCommand(100, lightEntity(), model.Command{Capability: model.CapOnOff, Value: "yes"})
	if err == nil {
		t.Fatal("expected type error")
	}
	if model.CategoryOf(err) != model.CategoryBadRequest {
		t.Errorf("wrong category: %s", model.CategoryOf(err))
	}
}

func TestBuildButtonPress(t *testing.T) {
	ent := model.Entity{Kind: model.KindButton, Key: "400"}
	msgType, payload, err := buildCommand(400, ent, model.Command{Capability: model.CapButtonPress})
	if err != nil {
		t.Fatal(err)
	}
	if msgType != typeButtonCommand {
		t.Errorf("wrong frame type: %d", msgType)
	}
	fs, _ := decodeFields(payload)
	if fs.key(1) != 400 {
		t.Errorf("key: %d", fs.key(1))
	}
}
