package limiter

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"strings"
	"time"

	apperrors "github.com/koopa0/system-design/14-blob-arena/pkg/errors"
	"github.com/koopa0/system-design/14-blob-arena/pkg/logger"
)

// RateLimiterFunc 限流函數，Keyed 與 DistributedTokenBucket 的 Allow 都符合
type RateLimiterFunc func(ctx context.Context, key string) (bool, error)

// Config 中介軟體設定
type Config struct {
	// KeyFunc 從請求提取限流 key，預設 ClientIP
	KeyFunc func(r *http.Request) string

	Limiter RateLimiterFunc

	// OnRateLimited 預設返回 429
	OnRateLimited http.HandlerFunc

	// Timeout 單次限流檢查的上限，避免 Redis 拖慢升級
	Timeout time.Duration

	Logger *slog.Logger
}

// Middleware 建立限流中介軟體
//
// 限流器出錯時放行（可用性優先）。
func Middleware(cfg Config) func(http.Handler) http.Handler {
	if cfg.KeyFunc == nil {
		cfg.KeyFunc = ClientIP
	}
	if cfg.OnRateLimited == nil {
		cfg.OnRateLimited = rateLimited
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 100 * time.Millisecond
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.Discard()
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := cfg.KeyFunc(r)

			ctx, cancel := context.WithTimeout(r.Context(), cfg.Timeout)
			allowed, err := cfg.Limiter(ctx, key)
			cancel()

			if err != nil {
				cfg.Logger.Warn("限流檢查失敗，放行請求", "key", key, "error", err)
				next.ServeHTTP(w, r)
				return
			}
			if !allowed {
				cfg.Logger.Debug("請求被限流", "key", key, "path", r.URL.Path)
				cfg.OnRateLimited(w, r)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ClientIP 取 RemoteAddr 的主機部分
//
// X-Forwarded-For 可由客戶端任意填寫，直接連入時不採用；
// 部署在反向代理之後請改用 TrustedProxies.KeyFunc。
func ClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// TrustedProxies 可信任的反向代理位址
type TrustedProxies []netip.Prefix

// ParseTrustedProxies 解析 IP 或 CIDR 清單
func ParseTrustedProxies(entries []string) (TrustedProxies, error) {
	proxies := make(TrustedProxies, 0, len(entries))
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if strings.Contains(entry, "/") {
			prefix, err := netip.ParsePrefix(entry)
			if err != nil {
				return nil, fmt.Errorf("trusted proxy %q: %w", entry, err)
			}
			proxies = append(proxies, prefix.Masked())
			continue
		}
		addr, err := netip.ParseAddr(entry)
		if err != nil {
			return nil, fmt.Errorf("trusted proxy %q: %w", entry, err)
		}
		addr = addr.Unmap()
		proxies = append(proxies, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return proxies, nil
}

func (t TrustedProxies) contains(ip string) bool {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, prefix := range t {
		if prefix.Contains(addr) {
			return true
		}
	}
	return false
}

// KeyFunc 只有直接連入者是可信任代理時才讀 X-Forwarded-For
//
// 由右往左跳過可信任代理，第一個不可信任的位址就是代理實際看到的客戶端；
// 更左邊的值由客戶端自己填寫，不可信。
func (t TrustedProxies) KeyFunc() func(r *http.Request) string {
	return func(r *http.Request) string {
		remote := ClientIP(r)
		if !t.contains(remote) {
			return remote
		}

		hops := strings.Split(strings.Join(r.Header.Values("X-Forwarded-For"), ","), ",")
		for i := len(hops) - 1; i >= 0; i-- {
			hop := strings.TrimSpace(hops[i])
			if hop == "" || t.contains(hop) {
				continue
			}
			return hop
		}
		return remote
	}
}

func rateLimited(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Retry-After", "1")
	_ = apperrors.WriteJSON(w, apperrors.ErrRateLimited)
}
