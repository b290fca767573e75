package esphome

import (
	"github.com/seawatts/cove/internal/model"
)

// buildCommand translates a neutral command into the typed frame for the
// entity's kind. Values arrive JSON-decoded, so numbers are float64.
func buildCommand(key uint32, entity model.Entity, cmd model.Command) (uint64, []byte, error) {
	switch cmd.Capability {
	case model.CapOnOff:
		on, ok := toBool(cmd.Value)
		if !ok {
			return 0, nil, model.E(model.CategoryBadRequest, "on_off wants a boolean, got %T", cmd.Value)
		}
		switch entity.Kind {
		case model.KindSwitch:
			b := appendFixed32(nil, 1, key)
			b = appendBool(b, 2, on)
			return typeSwitchCommand, b, nil
		case model.KindLight:
			b := appendFixed32(nil, 1, key)
			b = appendBool(b, 2, true) // has_state
			b = appendBool(b, 3, on)
			return typeLightCommand, b, nil
		case model.KindFan:
			b := appendFixed32(nil, 1, key)
			b = appendBool(b, 2, true)
			b = appendBool(b, 3, on)
			return typeFanCommand, b, nil
		}
		return 0, nil, model.E(model.CategoryBadRequest, "on_off not applicable to %s", entity.Kind)

	case model.CapBrightness:
		v, ok := toFloat(cmd.Value)
		if !ok || v < 0 || v > 1 {
			return 0, nil, model.E(model.CategoryBadRequest, "brightness wants 0..1, got %v", cmd.Value)
		}
		b := appendFixed32(nil, 1, key)
		b = appendBool(b, 2, true) // has_state
		b = appendBool(b, 3, true)
		b = appendBool(b, 4, true) // has_brightness
		b = appendFloat(b, 5, float32(v))
		return typeLightCommand, b, nil

	case model.CapColorRGB:
		rgb, ok := toRGB(cmd.Value)
		if !ok {
			return 0, nil, model.E(model.CategoryBadRequest, "color_rgb wants [r,g,b] in 0..1")
		}
		b := appendFixed32(nil, 1, key)
		b = appendBool(b, 6, true) // has_rgb
		b = appendFloat(b, 7, float32(rgb[0]))
		b = appendFloat(b, 8, float32(rgb[1]))
		b = appendFloat(b, 9, float32(rgb[2]))
		return typeLightCommand, b, nil

	case model.CapColorTemperature:
		kelvin, ok := toFloat(cmd.Value)
		if !ok || kelvin <= 0 {
			return 0, nil, model.E(model.CategoryBadRequest, "color_temperature wants kelvin > 0, got %v", cmd.Value)
		}
		// Nodes speak mireds.
		mireds := 1e6 / kelvin
		b := appendFixed32(nil, 1, key)
		b = appendBool(b, 12, true) // has_color_temperature
		b = appendFloat(b, 13, float32(mireds))
		return typeLightCommand, b, nil

	case model.CapNumberSet:
		v, ok := toFloat(cmd.Value)
		if !ok {
			return 0, nil, model.E(model.CategoryBadRequest, "number_set wants a number, got %T", cmd.Value)
		}
		if err := checkRange(entity.Caps, v); err != nil {
			return 0, nil, err
		}
		b := appendFixed32(nil, 1, key)
		b = appendFloat(b, 2, float32(v))
		return typeNumberCommand, b, nil

	case model.CapButtonPress:
		b := appendFixed32(nil, 1, key)
		return typeButtonCommand, b, nil

	case model.CapCoverPosition:
		v, ok := toFloat(cmd.Value)
		if !ok || v < 0 || v > 1 {
			return 0, nil, model.E(model.CategoryBadRequest, "cover_position wants 0..1, got %v", cmd.Value)
		}
		b := appendFixed32(nil, 1, key)
		b = appendBool(b, 4, true) // has_position
		b = appendFloat(b, 5, float32(v))
		return typeCoverCommand, b, nil

	case model.CapIdentify:
		return 0, nil, model.E(model.CategoryBadRequest, "identify not supported on esphome nodes")
	}

	return 0, nil, model.E(model.CategoryBadRequest, "unknown_capability")
}

func checkRange(caps model.CapabilityDescriptor, v float64) error {
	if caps.Min != nil && v < *caps.Min {
		return model.E(model.CategoryBadRequest, "value %g below minimum %g", v, *caps.Min)
	}
	if caps.Max != nil && v > *caps.Max {
		return model.E(model.CategoryBadRequest, "value %g above maximum %g", v, *caps.Max)
	}
	return nil
}

func toBool(v any) (bool, bool) {
	b, ok := v.(bool)
	return b, ok
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

func toRGB(v any) ([3]float64, bool) {
	var out [3]float64
	arr, ok := v.([]any)
	if !ok || len(arr) != 3 {
		return out, false
	}
	for i, e := range arr {
		f, ok := toFloat(e)
		if !ok || f < 0 || f > 1 {
			return out, false
		}
		out[i] = f
	}
	return out, true
}
