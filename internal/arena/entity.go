package arena

import (
	"math"
	"math/rand/v2"
	"time"

	"github.com/koopa0/system-design/14-blob-arena/internal/geometry"
)

// Sender 玩家的送出能力（由傳輸層擁有）
//
// Send 必須是非阻塞的：緩衝滿或連線已關閉時直接返回 false。
// Room 只持有這個能力，不負責連線的生命週期。
type Sender interface {
	Send(data []byte) bool
}

// Player 玩家
//
// SessionID 是每條連線唯一的關聯鍵，輸入、離開、分裂點歸屬都以它為準；
// Username 只是顯示名稱，同一房間內可以重複。
type Player struct {
	SessionID string
	Username  string
	X, Y      float64
	Radius    float64
	VX, VY    float64
	Sender    Sender
}

// Circle 實現 geometry.Body
func (p *Player) Circle() geometry.Circle {
	return geometry.Circle{X: p.X, Y: p.Y, Radius: p.Radius}
}

// Eat 吃掉一個點：面積相加後開根號並四捨五入
func (p *Player) Eat(d Dot) {
	p.Radius = math.Round(math.Sqrt(p.Radius*p.Radius + d.Radius*d.Radius))
}

// Breakup 病毒引爆後分裂
//
// 半徑縮小 percentage，被移除的「質量」radius*percentage 以帶歸屬的點噴出。
// 持續產生點直到累積半徑 >= 目標值，最後一顆可能超出（貪婪切分，不精確）。
func (p *Player) Breakup(percentage float64, rng *rand.Rand, now time.Time) []Dot {
	toDistribute := p.Radius * percentage
	p.Radius *= 1 - percentage

	var dots []Dot
	distributed := 0.0
	for distributed < toDistribute {
		radius := uniform(rng, MinDotRadius, MaxDotRadius)
		angle := rng.Float64() * 2 * math.Pi
		dots = append(dots, Dot{
			X:         p.X,
			Y:         p.Y,
			VX:        DotEjectSpeed * math.Cos(angle),
			VY:        DotEjectSpeed * math.Sin(angle),
			Radius:    radius,
			Emitter:   p.SessionID,
			EmittedAt: now,
		})
		distributed += radius
	}
	return dots
}

// BreakupFraction 依病毒大小線性內插分裂比例，限制在 [0.25, 0.5]
func BreakupFraction(virusRadius float64) float64 {
	t := (virusRadius - MinVirusRadius) / (MaxVirusRadius - MinVirusRadius)
	return geometry.Clamp(t, MinBreakupFraction, MaxBreakupFraction)
}

// Dot 可被吃掉的小點
//
// Emitter 非空表示由某玩家分裂噴出，在 DotExpiry 內該玩家不能吃回它。
type Dot struct {
	X, Y      float64
	VX, VY    float64
	Radius    float64
	Emitter   string
	EmittedAt time.Time
}

// Circle 實現 geometry.Body
func (d *Dot) Circle() geometry.Circle {
	return geometry.Circle{X: d.X, Y: d.Y, Radius: d.Radius}
}

// immuneTo 點是否仍對 sessionID 免疫（噴出者在過期前不能吃回）
func (d *Dot) immuneTo(sessionID string, now time.Time) bool {
	return d.Emitter != "" && d.Emitter == sessionID && now.Sub(d.EmittedAt) <= DotExpiry
}

// step 移動、夾回邊界、摩擦減速，過期則清除歸屬（點本身保留）
func (d *Dot) step(now time.Time) {
	d.X = geometry.Clamp(d.X+d.VX, 0, Width)
	d.Y = geometry.Clamp(d.Y+d.VY, 0, Height)
	d.VX = geometry.TowardZero(d.VX, DotFriction)
	d.VY = geometry.TowardZero(d.VY, DotFriction)

	if d.Emitter != "" && now.Sub(d.EmittedAt) > DotExpiry {
		d.Emitter = ""
		d.EmittedAt = time.Time{}
	}
}

// Virus 靜止的障礙物，只會被引爆移除
type Virus struct {
	X, Y   float64
	Radius float64
}

// Circle 實現 geometry.Body
func (v *Virus) Circle() geometry.Circle {
	return geometry.Circle{X: v.X, Y: v.Y, Radius: v.Radius}
}

func uniform(rng *rand.Rand, lo, hi float64) float64 {
	return lo + rng.Float64()*(hi-lo)
}
