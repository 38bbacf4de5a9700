package projection

import "math"

// LngLatToWorld maps degrees to Web Mercator world pixels at zoom 0.
// The y axis grows northward.
func LngLatToWorld(lon, lat float64) (float64, float64) {
	lambda := lon * math.Pi / 180
	phi := lat * math.Pi / 180
	x := TileSize * (lambda + math.Pi) / (2 * math.Pi)
	y := TileSize * (math.Pi + math.Log(math.Tan(math.Pi/4+phi/2))) / (2 * math.Pi)
	return x, y
}

// WorldToLngLat is the inverse of LngLatToWorld. Longitudes are not wrapped.
func WorldToLngLat(x, y float64) (float64, float64) {
	lambda := x/TileSize*2*math.Pi - math.Pi
	phi := 2 * (math.Atan(math.Exp(y/TileSize*2*math.Pi-math.Pi)) - math.Pi/4)
	return lambda * 180 / math.Pi, phi * 180 / math.Pi
}

// Camera is a perspective camera over the Mercator plane. The camera sits
// altitude viewport-heights above the map center, tilted by pitch and
// rotated by bearing.
type Camera struct {
	centerX, centerY float64
	scale            float64
	pitch, bearing   float64
	altitude         float64
	width, height    float64
}

// NewCamera builds a camera for v.
func NewCamera(v Viewport, altitude float64) Camera {
	cx, cy := LngLatToWorld(v.Longitude, v.Latitude)
	return Camera{
		centerX:  cx,
		centerY:  cy,
		scale:    math.Pow(2, v.Zoom),
		pitch:    v.Pitch * math.Pi / 180,
		bearing:  v.Bearing * math.Pi / 180,
		altitude: altitude,
		width:    v.Width,
		height:   v.Height,
	}
}

// Size returns the camera viewport in pixels.
func (c Camera) Size() (float64, float64) {
	return c.width, c.height
}

// Unproject casts a ray through pixel (px, py), origin top-left, onto the
// map plane and returns the hit as (lon, lat). Pixels above the horizon
// and degenerate cameras yield NaN.
func (c Camera) Unproject(px, py float64) (float64, float64) {
	nx := 2*px/c.width - 1
	ny := 1 - 2*py/c.height
	aspect := c.width / c.height
	tanHalfFovy := 0.5 / c.altitude

	dx := nx * aspect * tanHalfFovy
	dy := ny * tanHalfFovy

	sinP, cosP := math.Sincos(c.pitch)
	denom := cosP - dy*sinP
	if !(denom > 0) {
		return math.NaN(), math.NaN()
	}
	t := c.altitude * cosP / denom

	qx := t * dx
	qy := -c.altitude*sinP + t*(dy*cosP+sinP)

	sinB, cosB := math.Sincos(c.bearing)
	k := c.height / c.scale
	ox := (qx*cosB + qy*sinB) * k
	oy := (-qx*sinB + qy*cosB) * k

	return WorldToLngLat(c.centerX+ox, c.centerY+oy)
}
