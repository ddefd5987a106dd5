package arena

// 對外可見的房間狀態；速度與 Sender 屬於內部狀態，不序列化

// PlayerView 快照中的玩家
type PlayerView struct {
	ID       string  `json:"id" msgpack:"id"`
	Username string  `json:"username" msgpack:"username"`
	X        float64 `json:"x" msgpack:"x"`
	Y        float64 `json:"y" msgpack:"y"`
	Radius   float64 `json:"radius" msgpack:"radius"`
}

// DotView 快照中的點
//
// Emitter 是噴出此點的玩家 session id（不是使用者名稱，名稱可能重複）；
// 客戶端要顯示名稱時以它對應同一份快照 players[].id。免疫期過後清空。
type DotView struct {
	X       float64 `json:"x" msgpack:"x"`
	Y       float64 `json:"y" msgpack:"y"`
	Radius  float64 `json:"radius" msgpack:"radius"`
	Emitter string  `json:"emitter,omitempty" msgpack:"emitter,omitempty"`
}

// VirusView 快照中的病毒
type VirusView struct {
	X      float64 `json:"x" msgpack:"x"`
	Y      float64 `json:"y" msgpack:"y"`
	Radius float64 `json:"radius" msgpack:"radius"`
}

// SnapshotType 快照訊息的 type 欄位
const SnapshotType = "snapshot"

// Snapshot 每個 tick 廣播的完整房間狀態（不做差量壓縮）
type Snapshot struct {
	Type     string       `json:"type" msgpack:"type"`
	ID       int          `json:"id" msgpack:"id"`
	EntryFee int          `json:"entry_fee" msgpack:"entry_fee"`
	Players  []PlayerView `json:"players" msgpack:"players"`
	Dots     []DotView    `json:"dots" msgpack:"dots"`
	Virus    []VirusView  `json:"virus" msgpack:"virus"`
}

// Summary 房間列表用的概況
type Summary struct {
	ID       int `json:"id"`
	EntryFee int `json:"entry_fee"`
	Players  int `json:"players"`
	Dots     int `json:"dots"`
	Viruses  int `json:"viruses"`
}

// Snapshot 取得目前狀態（讀鎖）
func (r *Room) Snapshot() Snapshot {
	r.Mu.RLock()
	defer r.Mu.RUnlock()
	return r.snapshot()
}

// snapshot 呼叫者必須持有鎖
func (r *Room) snapshot() Snapshot {
	s := Snapshot{
		Type:     SnapshotType,
		ID:       r.ID,
		EntryFee: r.EntryFee,
		Players:  make([]PlayerView, 0, len(r.Players)),
		Dots:     make([]DotView, 0, len(r.Dots)),
		Virus:    make([]VirusView, 0, len(r.Viruses)),
	}
	for _, p := range r.Players {
		s.Players = append(s.Players, p.view())
	}
	for _, d := range r.Dots {
		s.Dots = append(s.Dots, DotView{X: d.X, Y: d.Y, Radius: d.Radius, Emitter: d.Emitter})
	}
	for _, v := range r.Viruses {
		s.Virus = append(s.Virus, VirusView{X: v.X, Y: v.Y, Radius: v.Radius})
	}
	return s
}

func (p *Player) view() PlayerView {
	return PlayerView{
		ID:       p.SessionID,
		Username: p.Username,
		X:        p.X,
		Y:        p.Y,
		Radius:   p.Radius,
	}
}

// PlayerRef 事件中引用的玩家
type PlayerRef struct {
	SessionID string  `json:"session_id"`
	Username  string  `json:"username"`
	Radius    float64 `json:"radius"`
}

func (p *Player) ref() PlayerRef {
	return PlayerRef{SessionID: p.SessionID, Username: p.Username, Radius: p.Radius}
}

// VirusPop 一次病毒引爆
type VirusPop struct {
	Player       PlayerRef `json:"player"`
	VirusRadius  float64   `json:"virus_radius"`
	Fraction     float64   `json:"fraction"`
	RadiusBefore float64   `json:"radius_before"`
	RadiusAfter  float64   `json:"radius_after"`
	DotsEmitted  int       `json:"dots_emitted"`
}

// Absorption 一次玩家吞噬
type Absorption struct {
	Predator PlayerRef `json:"predator"`
	Victim   PlayerRef `json:"victim"`
}

// TickReport 一個 tick 內發生的事，交給鎖外的觀察者處理
type TickReport struct {
	RoomID         int
	DotsEaten      int
	Pops           []VirusPop
	Absorptions    []Absorption
	Delivered      int
	Dropped        int
	DotsSpawned    int
	VirusesSpawned int
}
