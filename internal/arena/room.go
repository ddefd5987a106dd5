package arena

import (
	crand "crypto/rand"
	"log/slog"
	"math"
	"math/rand/v2"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/koopa0/system-design/14-blob-arena/internal/codec"
	"github.com/koopa0/system-design/14-blob-arena/internal/geometry"
	apperrors "github.com/koopa0/system-design/14-blob-arena/pkg/errors"
	"github.com/koopa0/system-design/14-blob-arena/pkg/logger"
)

// Room 一個獨立的競技場
//
// Room 擁有其中所有實體；實體不存在於 Room 之外，被吃掉或離開時直接從集合移除。
// 所有欄位由 Mu 保護：tick 在整個 Advance 期間持有寫鎖，
// 連線層在加入、改速度、離開時短暫持有寫鎖，房間列表查詢只取讀鎖。
type Room struct {
	ID       int
	EntryFee int

	Players []*Player
	Dots    []Dot
	Viruses []Virus

	Mu sync.RWMutex

	rng    *rand.Rand
	now    func() time.Time
	codec  codec.Codec
	logger *slog.Logger
	empty  bool
}

// Option 房間選項
type Option func(*Room)

// WithRand 指定亂數來源（測試用固定種子）
func WithRand(rng *rand.Rand) Option {
	return func(r *Room) { r.rng = rng }
}

// WithClock 指定時鐘（測試點過期用）
func WithClock(now func() time.Time) Option {
	return func(r *Room) { r.now = now }
}

// WithCodec 指定快照編碼
func WithCodec(c codec.Codec) Option {
	return func(r *Room) { r.codec = c }
}

// WithLogger 指定日誌記錄器
func WithLogger(l *slog.Logger) Option {
	return func(r *Room) { r.logger = l }
}

// WithoutPopulation 建立空房間，測試需要精確控制實體時使用
func WithoutPopulation() Option {
	return func(r *Room) { r.empty = true }
}

// NewRoom 創建房間，點與病毒在建立時補滿
func NewRoom(id, entryFee int, opts ...Option) *Room {
	r := &Room{
		ID:       id,
		EntryFee: entryFee,
		Players:  make([]*Player, 0),
		Dots:     make([]Dot, 0, MaxDots),
		Viruses:  make([]Virus, 0, MaxViruses),
		now:      time.Now,
		codec:    codec.JSON{},
		logger:   logger.Discard(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.rng == nil {
		r.rng = newRand()
	}
	if !r.empty {
		r.replenish(&TickReport{})
	}
	return r
}

func newRand() *rand.Rand {
	var seed [32]byte
	_, _ = crand.Read(seed[:])
	return rand.New(rand.NewChaCha8(seed))
}

// Join 加入玩家：隨機位置、初始半徑、速度為零
func (r *Room) Join(sessionID, username string, sender Sender) (PlayerView, error) {
	if strings.TrimSpace(username) == "" || sessionID == "" {
		return PlayerView{}, apperrors.ErrInvalidUsername
	}

	r.Mu.Lock()
	defer r.Mu.Unlock()

	if r.indexOf(sessionID) >= 0 {
		return PlayerView{}, apperrors.ErrSessionExists.WithDetails(sessionID)
	}

	p := &Player{
		SessionID: sessionID,
		Username:  username,
		X:         uniform(r.rng, 0, Width),
		Y:         uniform(r.rng, 0, Height),
		Radius:    InitialPlayerRadius,
		Sender:    sender,
	}
	r.Players = append(r.Players, p)

	r.logger.Info("玩家加入房間",
		"room_id", r.ID,
		"session_id", sessionID,
		"username", username,
		"players", len(r.Players))

	return p.view(), nil
}

// SetVelocity 設定玩家速度，每個分量限制在 [-MaxSpeed, MaxSpeed]
//
// 玩家已不在房間時為 no-op，返回 false。
func (r *Room) SetVelocity(sessionID string, vx, vy float64) bool {
	vx = clampSpeed(vx)
	vy = clampSpeed(vy)

	r.Mu.Lock()
	defer r.Mu.Unlock()

	i := r.indexOf(sessionID)
	if i < 0 {
		return false
	}
	r.Players[i].VX = vx
	r.Players[i].VY = vy
	return true
}

func clampSpeed(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return geometry.Clamp(v, -MaxSpeed, MaxSpeed)
}

// Leave 移除玩家
func (r *Room) Leave(sessionID string) bool {
	r.Mu.Lock()
	defer r.Mu.Unlock()

	i := r.indexOf(sessionID)
	if i < 0 {
		return false
	}
	p := r.Players[i]
	r.Players = slices.Delete(r.Players, i, i+1)

	r.logger.Info("玩家離開房間",
		"room_id", r.ID,
		"session_id", sessionID,
		"username", p.Username,
		"players", len(r.Players))
	return true
}

// PlayerCount 玩家數量
func (r *Room) PlayerCount() int {
	r.Mu.RLock()
	defer r.Mu.RUnlock()
	return len(r.Players)
}

// Summary 房間概況
func (r *Room) Summary() Summary {
	r.Mu.RLock()
	defer r.Mu.RUnlock()
	return Summary{
		ID:       r.ID,
		EntryFee: r.EntryFee,
		Players:  len(r.Players),
		Dots:     len(r.Dots),
		Viruses:  len(r.Viruses),
	}
}

// Standings 依半徑由大到小排列的玩家
func (r *Room) Standings() []PlayerView {
	r.Mu.RLock()
	views := make([]PlayerView, 0, len(r.Players))
	for _, p := range r.Players {
		views = append(views, p.view())
	}
	r.Mu.RUnlock()

	slices.SortStableFunc(views, func(a, b PlayerView) int {
		switch {
		case a.Radius > b.Radius:
			return -1
		case a.Radius < b.Radius:
			return 1
		default:
			return 0
		}
	})
	return views
}

func (r *Room) indexOf(sessionID string) int {
	return slices.IndexFunc(r.Players, func(p *Player) bool {
		return p.SessionID == sessionID
	})
}

// Advance 推進一個 tick
//
// 全程持有寫鎖，六個階段依序完成：
//
//  1. 移動玩家
//  2. 吃點
//  3. 病毒引爆
//  4. 玩家互吞
//  5. 快照廣播
//  6. 補充點與病毒
func (r *Room) Advance() TickReport {
	r.Mu.Lock()
	defer r.Mu.Unlock()

	now := r.now()
	report := TickReport{RoomID: r.ID}

	r.movePlayers()
	r.resolveDots(now, &report)
	r.resolveViruses(now, &report)
	r.resolveAbsorptions(&report)
	r.broadcast(&report)
	r.replenish(&report)

	return report
}

func (r *Room) movePlayers() {
	for _, p := range r.Players {
		p.X = geometry.Clamp(p.X+p.VX, 0, Width)
		p.Y = geometry.Clamp(p.Y+p.VY, 0, Height)
	}
}

// resolveDots 每顆點最多被一位玩家吃掉（依玩家順序，先碰到者得）
func (r *Room) resolveDots(now time.Time, report *TickReport) {
	kept := r.Dots[:0]
	for _, d := range r.Dots {
		if eater := r.eaterOf(&d, now); eater != nil {
			eater.Eat(d)
			report.DotsEaten++
			continue
		}
		d.step(now)
		kept = append(kept, d)
	}
	clear(r.Dots[len(kept):])
	r.Dots = kept
}

func (r *Room) eaterOf(d *Dot, now time.Time) *Player {
	for _, p := range r.Players {
		if d.immuneTo(p.SessionID, now) {
			continue
		}
		if geometry.Collides(p, d) {
			return p
		}
	}
	return nil
}

// resolveViruses 半徑嚴格大於病毒且圓心關係成立的第一位玩家引爆它
func (r *Room) resolveViruses(now time.Time, report *TickReport) {
	kept := r.Viruses[:0]
	for _, v := range r.Viruses {
		p := r.popperOf(&v)
		if p == nil {
			kept = append(kept, v)
			continue
		}

		fraction := BreakupFraction(v.Radius)
		before := p.Radius
		emitted := p.Breakup(fraction, r.rng, now)
		r.Dots = append(r.Dots, emitted...)

		report.Pops = append(report.Pops, VirusPop{
			Player:       p.ref(),
			VirusRadius:  v.Radius,
			Fraction:     fraction,
			RadiusBefore: before,
			RadiusAfter:  p.Radius,
			DotsEmitted:  len(emitted),
		})
	}
	clear(r.Viruses[len(kept):])
	r.Viruses = kept
}

func (r *Room) popperOf(v *Virus) *Player {
	for _, p := range r.Players {
		if p.Radius > v.Radius && geometry.CenterWithinLarger(p, v) {
			return p
		}
	}
	return nil
}

// resolveAbsorptions 所有有序配對都以本階段開始時的狀態判定，結束時才統一移除
func (r *Room) resolveAbsorptions(report *TickReport) {
	var marked []int
	predator := make(map[int]int)

	for i, a := range r.Players {
		for j, b := range r.Players {
			if i == j {
				continue
			}
			if geometry.CenterWithinLarger(a, b) && a.Radius > b.Radius {
				marked = append(marked, j)
				if _, ok := predator[j]; !ok {
					predator[j] = i
				}
			}
		}
	}
	if len(marked) == 0 {
		return
	}

	slices.Sort(marked)
	marked = slices.Compact(marked)

	for _, j := range marked {
		report.Absorptions = append(report.Absorptions, Absorption{
			Predator: r.Players[predator[j]].ref(),
			Victim:   r.Players[j].ref(),
		})
	}
	for k := len(marked) - 1; k >= 0; k-- {
		j := marked[k]
		r.Players = slices.Delete(r.Players, j, j+1)
	}
}

// broadcast 快照只編碼一次，非阻塞送給每位玩家；送不出去不算錯誤
func (r *Room) broadcast(report *TickReport) {
	if len(r.Players) == 0 {
		return
	}

	data, err := r.codec.Marshal(r.snapshot())
	if err != nil {
		r.logger.Error("序列化快照失敗", "room_id", r.ID, "error", err)
		return
	}

	for _, p := range r.Players {
		if p.Sender == nil {
			continue
		}
		if p.Sender.Send(data) {
			report.Delivered++
		} else {
			report.Dropped++
		}
	}
}

// replenish 補滿點與病毒；數量已超過上限時補 0 個
func (r *Room) replenish(report *TickReport) {
	for range saturatingSub(MaxDots, len(r.Dots)) {
		r.Dots = append(r.Dots, r.randomDot())
		report.DotsSpawned++
	}
	for range saturatingSub(MaxViruses, len(r.Viruses)) {
		r.Viruses = append(r.Viruses, r.randomVirus())
		report.VirusesSpawned++
	}
}

func saturatingSub(limit, n int) int {
	if n >= limit {
		return 0
	}
	return limit - n
}

func (r *Room) randomDot() Dot {
	return Dot{
		X:      uniform(r.rng, 0, Width),
		Y:      uniform(r.rng, 0, Height),
		Radius: uniform(r.rng, MinDotRadius, MaxDotRadius),
	}
}

func (r *Room) randomVirus() Virus {
	return Virus{
		X:      uniform(r.rng, 0, Width),
		Y:      uniform(r.rng, 0, Height),
		Radius: uniform(r.rng, MinVirusRadius, MaxVirusRadius),
	}
}
