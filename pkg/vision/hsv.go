package vision

import (
	"image"
	"image/color"
	"sort"
)

// ColorSpec is an HSV threshold for one named color, in OpenCV scale
// (H 0-180, S and V 0-255). Red wraps around hue 0, so a second range may
// be given in Lower2/Upper2.
type ColorSpec struct {
	Lower   [3]int  `mapstructure:"lower" json:"lower"`
	Upper   [3]int  `mapstructure:"upper" json:"upper"`
	Lower2  [3]int  `mapstructure:"lower2" json:"lower2,omitempty"`
	Upper2  [3]int  `mapstructure:"upper2" json:"upper2,omitempty"`
	MinArea float64 `mapstructure:"min_area" json:"min_area"`
}

func (c ColorSpec) hasSecondRange() bool {
	return c.Upper2 != [3]int{}
}

func (c ColorSpec) match(h, s, v int) bool {
	if inRange(h, s, v, c.Lower, c.Upper) {
		return true
	}
	return c.hasSecondRange() && inRange(h, s, v, c.Lower2, c.Upper2)
}

func inRange(h, s, v int, lo, hi [3]int) bool {
	return h >= lo[0] && h <= hi[0] &&
		s >= lo[1] && s <= hi[1] &&
		v >= lo[2] && v <= hi[2]
}

// DefaultReferenceColor is the marker painted on the gripper.
const DefaultReferenceColor = "magenta"

// DefaultColors returns thresholds for the stock blocks and the gripper
// marker.
func DefaultColors() map[string]ColorSpec {
	return map[string]ColorSpec{
		"red": {
			Lower: [3]int{0, 100, 100}, Upper: [3]int{10, 255, 255},
			Lower2: [3]int{170, 100, 100}, Upper2: [3]int{180, 255, 255},
			MinArea: 100,
		},
		"green":   {Lower: [3]int{40, 100, 100}, Upper: [3]int{80, 255, 255}, MinArea: 100},
		"blue":    {Lower: [3]int{100, 100, 100}, Upper: [3]int{130, 255, 255}, MinArea: 100},
		"yellow":  {Lower: [3]int{20, 100, 100}, Upper: [3]int{40, 255, 255}, MinArea: 100},
		"magenta": {Lower: [3]int{140, 100, 100}, Upper: [3]int{165, 255, 255}, MinArea: 20},
	}
}

// HSVDetector thresholds frames in HSV space and reports 4-connected
// blobs, largest first.
type HSVDetector struct {
	Colors map[string]ColorSpec
}

// NewHSVDetector returns a detector for the given color table.
func NewHSVDetector(colors map[string]ColorSpec) *HSVDetector {
	return &HSVDetector{Colors: colors}
}

// Detect implements Detector. Unknown colors and empty frames yield no
// detections.
func (d *HSVDetector) Detect(frame *Frame, name string) []Detection {
	cs, ok := d.Colors[name]
	if !ok || frame == nil || frame.Image == nil {
		return nil
	}
	img := frame.Image
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if w == 0 || h == 0 {
		return nil
	}

	mask := make([]bool, w*h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			r, g, bl := rgbAt(img, b.Min.X+x, b.Min.Y+y)
			hh, ss, vv := toHSV(r, g, bl)
			mask[y*w+x] = cs.match(hh, ss, vv)
		}
	}

	var dets []Detection
	seen := make([]bool, w*h)
	stack := make([]int, 0, 64)
	for i, on := range mask {
		if !on || seen[i] {
			continue
		}
		// flood fill one component
		var n, sumX, sumY int
		minX, minY, maxX, maxY := w, h, -1, -1
		seen[i] = true
		stack = append(stack[:0], i)
		for len(stack) > 0 {
			p := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			px, py := p%w, p/w
			n++
			sumX += px
			sumY += py
			minX, maxX = min(minX, px), max(maxX, px)
			minY, maxY = min(minY, py), max(maxY, py)
			for _, q := range [4]int{p - 1, p + 1, p - w, p + w} {
				if q < 0 || q >= len(mask) || seen[q] || !mask[q] {
					continue
				}
				// no wrap across rows
				if (q == p-1 || q == p+1) && q/w != py {
					continue
				}
				seen[q] = true
				stack = append(stack, q)
			}
		}
		if float64(n) < cs.MinArea {
			continue
		}
		dets = append(dets, Detection{
			Center: Point{
				X: float64(b.Min.X) + float64(sumX)/float64(n),
				Y: float64(b.Min.Y) + float64(sumY)/float64(n),
			},
			Area:  float64(n),
			BBox:  BBox{X: b.Min.X + minX, Y: b.Min.Y + minY, W: maxX - minX + 1, H: maxY - minY + 1},
			Color: name,
		})
	}
	sort.SliceStable(dets, func(i, j int) bool { return dets[i].Area > dets[j].Area })
	return dets
}

func rgbAt(img image.Image, x, y int) (r, g, b uint8) {
	switch im := img.(type) {
	case *image.RGBA:
		i := im.PixOffset(x, y)
		return im.Pix[i], im.Pix[i+1], im.Pix[i+2]
	case *image.NRGBA:
		i := im.PixOffset(x, y)
		return im.Pix[i], im.Pix[i+1], im.Pix[i+2]
	}
	c := color.RGBAModel.Convert(img.At(x, y)).(color.RGBA)
	return c.R, c.G, c.B
}

// toHSV converts 8-bit RGB to OpenCV-scaled HSV.
func toHSV(r, g, b uint8) (h, s, v int) {
	ri, gi, bi := int(r), int(g), int(b)
	hi := max(ri, gi, bi)
	lo := min(ri, gi, bi)
	v = hi
	if hi == 0 {
		return 0, 0, 0
	}
	diff := hi - lo
	s = diff * 255 / hi
	if diff == 0 {
		return 0, s, v
	}
	var deg float64
	switch hi {
	case ri:
		deg = 60 * float64(gi-bi) / float64(diff)
	case gi:
		deg = 120 + 60*float64(bi-ri)/float64(diff)
	default:
		deg = 240 + 60*float64(ri-gi)/float64(diff)
	}
	if deg < 0 {
		deg += 360
	}
	return int(deg / 2), s, v
}
