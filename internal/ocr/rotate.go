package ocr

import "image"

// Rotate returns img turned clockwise by angle degrees. Angles are
// normalized to {0, 90, 180, 270}; anything else returns img unchanged.
func Rotate(img image.Image, angle int) image.Image {
	angle = ((angle % 360) + 360) % 360
	if angle == 0 {
		return img
	}

	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()

	var out *image.RGBA
	switch angle {
	case 90:
		out = image.NewRGBA(image.Rect(0, 0, h, w))
	case 180:
		out = image.NewRGBA(image.Rect(0, 0, w, h))
	case 270:
		out = image.NewRGBA(image.Rect(0, 0, h, w))
	default:
		return img
	}

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			c := img.At(bounds.Min.X+x, bounds.Min.Y+y)
			switch angle {
			case 90:
				out.Set(h-1-y, x, c)
			case 180:
				out.Set(w-1-x, h-1-y, c)
			case 270:
				out.Set(y, w-1-x, c)
			}
		}
	}
	return out
}
