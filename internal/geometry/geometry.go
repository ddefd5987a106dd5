// Package geometry 提供圓形實體之間的碰撞判定。
//
// 兩個判定都以距離平方比較，不開根號：
//   - Collides：兩圓相交或相切（半徑和）
//   - CenterWithinLarger：較小者的圓心已進入較大者的身體（取較大的單一半徑）
//
// 兩者刻意不同，吃點用前者，病毒與玩家吞噬用後者。
package geometry

import "math"

// Circle 圓心與半徑
type Circle struct {
	X, Y   float64
	Radius float64
}

// Body 任何能提供外接圓的實體（Player、Dot、Virus）
type Body interface {
	Circle() Circle
}

// Circle 讓 Circle 本身也滿足 Body
func (c Circle) Circle() Circle {
	return c
}

func distSq(a, b Circle) float64 {
	dx := a.X - b.X
	dy := a.Y - b.Y
	return dx*dx + dy*dy
}

// Collides 圓心距離平方 <= (ra+rb)²
func Collides(a, b Body) bool {
	ca, cb := a.Circle(), b.Circle()
	sum := ca.Radius + cb.Radius
	return distSq(ca, cb) <= sum*sum
}

// CenterWithinLarger 圓心距離平方 < max(ra, rb)²
func CenterWithinLarger(a, b Body) bool {
	ca, cb := a.Circle(), b.Circle()
	r := math.Max(ca.Radius, cb.Radius)
	return distSq(ca, cb) < r*r
}

// Clamp 將 v 限制在 [lo, hi]，NaN 視為 lo
func Clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		return lo
	}
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// TowardZero 將 v 向 0 移動 step，越過 0 時停在 0
func TowardZero(v, step float64) float64 {
	switch {
	case v > step:
		return v - step
	case v < -step:
		return v + step
	default:
		return 0
	}
}
