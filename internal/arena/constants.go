package arena

import "time"

// 競技場與遊戲調校常數（固定值，不開放執行期調整）
const (
	Width  = 1000.0
	Height = 1000.0

	TickPeriod = 33 * time.Millisecond // ~30Hz

	MaxSpeed            = 5.0
	InitialPlayerRadius = 10.0

	MinDotRadius  = 3.0
	MaxDotRadius  = 8.0
	DotFriction   = 0.1 // 每 tick 速度分量向 0 靠近的量
	DotEjectSpeed = 5.0
	DotExpiry     = 10 * time.Second
	MaxDots       = 100

	MinVirusRadius = 30.0
	MaxVirusRadius = 60.0
	MaxViruses     = 10

	MinBreakupFraction = 0.25
	MaxBreakupFraction = 0.5
)
