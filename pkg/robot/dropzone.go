package robot

import (
	"fmt"
	"math"
	"sort"
)

// DropZone is a disk on the workspace floor where objects of one color are
// placed.
type DropZone struct {
	X      float64 `mapstructure:"x" json:"x"`
	Y      float64 `mapstructure:"y" json:"y"`
	Radius float64 `mapstructure:"radius" json:"radius"`
}

// DropZones is the per-color drop zone table. Detections inside any zone
// (plus Margin) are not pick targets.
type DropZones struct {
	Zones  map[string]DropZone `mapstructure:"zones" json:"zones"`
	Margin float64             `mapstructure:"margin" json:"margin"`
}

// Validate checks that every zone has a positive radius.
func (d DropZones) Validate() error {
	for _, color := range d.Colors() {
		if z := d.Zones[color]; !(z.Radius > 0) {
			return fmt.Errorf("drop zone %s: radius %g must be > 0", color, z.Radius)
		}
	}
	if d.Margin < 0 {
		return fmt.Errorf("drop zone margin %g must be >= 0", d.Margin)
	}
	return nil
}

// Excluded reports whether (x, y) lies within radius+margin of any zone
// center. The boundary counts as inside.
func (d DropZones) Excluded(x, y float64) bool {
	_, ok := d.ZoneAt(x, y)
	return ok
}

// ZoneAt returns the color of the first zone (in color order) that
// excludes (x, y).
func (d DropZones) ZoneAt(x, y float64) (string, bool) {
	for _, color := range d.Colors() {
		z := d.Zones[color]
		if math.Hypot(x-z.X, y-z.Y) <= z.Radius+d.Margin {
			return color, true
		}
	}
	return "", false
}

// Location returns the place target for color.
func (d DropZones) Location(color string) (DropZone, bool) {
	z, ok := d.Zones[color]
	return z, ok
}

// Colors returns the zone colors sorted by name.
func (d DropZones) Colors() []string {
	colors := make([]string, 0, len(d.Zones))
	for c := range d.Zones {
		colors = append(colors, c)
	}
	sort.Strings(colors)
	return colors
}

// DefaultDropZones returns the bins along the front edge of the table.
func DefaultDropZones() DropZones {
	return DropZones{
		Zones: map[string]DropZone{
			"red":   {X: 0.5, Y: 0, Radius: 1},
			"green": {X: 4, Y: 0, Radius: 1},
			"blue":  {X: 6, Y: 0, Radius: 1},
		},
		Margin: 0.5,
	}
}
