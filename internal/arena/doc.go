// Package arena 是多人吞噬遊戲的權威模擬核心。
//
// 系統設計問題：
//
//	多位玩家共享同一個房間狀態，如何在固定頻率下推進世界並廣播一致的快照？
//
// 核心結構：
//   - Player、Dot、Virus：房間內的三種實體，都實現 geometry.Body
//   - Room：擁有全部實體，Advance 是每個 tick 的狀態推進
//   - Driver：每個房間一個 goroutine，33ms 推進一次
//
// 每個 tick 的階段順序固定：
//
//	移動 → 吃點 → 病毒 → 玩家互吞 → 快照廣播 → 補充族群
//
// 併發模型：
//   - Room.Mu 是讀寫鎖，Advance 全程持有寫鎖，外部觀察者看不到半個 tick
//   - 加入、改速度、離開短暫持有寫鎖
//   - 房間列表只取讀鎖
//   - 廣播使用非阻塞送出，慢的接收端只會拿到過期的畫面，不會拖住 tick
package arena
