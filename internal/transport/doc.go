// Package transport 是玩家與房間之間的 WebSocket 連接層。
//
// 每條連接兩個 goroutine：
//   - readPump：解碼速度輸入並交給房間，讀取失敗時讓玩家離開
//   - writePump：送出 tick 快照與 Ping，收到關閉要求時送出關閉幀
//
// 訊息格式：
//
//	伺服器 → 客戶端  welcome（一次），之後每個 tick 一個 snapshot
//	客戶端 → 伺服器  {"vx": 1.5, "vy": -2}
//
// 文字幀用 JSON、二進位幀用 MessagePack；伺服器送出的格式由設定決定。
// 被吞噬的玩家收到原因為 "eliminated" 的關閉幀。
package transport
