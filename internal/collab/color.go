package collab

import (
	"fmt"

	"github.com/cespare/xxhash/v2"
)

const (
	cursorSaturation = 70
	cursorLightness  = 50
)

// Color is an HSL color.
type Color struct {
	Hue        int
	Saturation int
	Lightness  int
}

// String formats the color as a CSS hsl() value.
func (c Color) String() string {
	return fmt.Sprintf("hsl(%d, %d%%, %d%%)", c.Hue, c.Saturation, c.Lightness)
}

// CursorColor derives a stable color for userID.
func CursorColor(userID string) Color {
	return Color{
		Hue:        int(xxhash.Sum64String(userID) % 360),
		Saturation: cursorSaturation,
		Lightness:  cursorLightness,
	}
}
