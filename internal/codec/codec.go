// Package codec 決定快照與輸入訊息在線上的編碼格式。
package codec

import (
	"encoding/json"
	"strings"

	apperrors "github.com/koopa0/system-design/14-blob-arena/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"
)

// Codec 序列化格式
type Codec interface {
	Name() string
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
	// Binary 為 true 時以 WebSocket binary frame 傳送
	Binary() bool
}

// JSON 預設格式，瀏覽器端直接 JSON.parse
type JSON struct{}

func (JSON) Name() string                       { return "json" }
func (JSON) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (JSON) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (JSON) Binary() bool                       { return false }

// MsgPack 二進位格式
type MsgPack struct{}

func (MsgPack) Name() string                       { return "msgpack" }
func (MsgPack) Marshal(v any) ([]byte, error)      { return msgpack.Marshal(v) }
func (MsgPack) Unmarshal(data []byte, v any) error { return msgpack.Unmarshal(data, v) }
func (MsgPack) Binary() bool                       { return true }

// ByName 依配置名稱取得 Codec
func ByName(name string) (Codec, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "json":
		return JSON{}, nil
	case "msgpack", "messagepack":
		return MsgPack{}, nil
	default:
		return nil, apperrors.ErrUnknownCodec.WithDetails(name)
	}
}

// ForFrame 依收到的 frame 類型選擇解碼器：text 一律 JSON，binary 一律 MessagePack
func ForFrame(binary bool) Codec {
	if binary {
		return MsgPack{}
	}
	return JSON{}
}
