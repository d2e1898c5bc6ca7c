package cache

import (
	"context"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"

	"gestionpro/backend/internal/barcode"
)

const scanKeyPrefix = "gestionpro:scan:"

// admitScript stores "code|millis" for the session. It returns 0 when the
// code repeats the stored one inside the window, leaving the entry as is.
var admitScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
local now = tonumber(ARGV[2])
if cur then
  local sep = string.find(cur, '|', 1, true)
  if sep then
    local last = string.sub(cur, 1, sep - 1)
    local at = tonumber(string.sub(cur, sep + 1))
    if last == ARGV[1] and now - at < tonumber(ARGV[3]) then
      return 0
    end
  end
end
redis.call('SET', KEYS[1], ARGV[1] .. '|' .. ARGV[2], 'PX', ARGV[4])
return 1
`)

// RedisScanWindow is a barcode.Window shared by every process serving the
// same session, such as two browser windows on one station.
type RedisScanWindow struct {
	client  *redis.Client
	session string
	span    time.Duration
}

func NewRedisScanWindow(client *redis.Client, session string, span time.Duration) *RedisScanWindow {
	if span <= 0 {
		span = barcode.DefaultDedupWindow
	}
	return &RedisScanWindow{client: client, session: session, span: span}
}

func (w *RedisScanWindow) Admit(ctx context.Context, code string, now time.Time) (barcode.Outcome, error) {
	spanMs := w.span.Milliseconds()
	if spanMs < 1 {
		spanMs = 1
	}
	admitted, err := admitScript.Run(ctx, w.client,
		[]string{scanKeyPrefix + w.session},
		code, now.UnixMilli(), spanMs, 2*spanMs,
	).Int()
	if err != nil {
		return barcode.Admit, fmt.Errorf("scan window %s: %w", w.session, err)
	}
	if admitted == 0 {
		return barcode.DuplicateSuppressed, nil
	}
	return barcode.Admit, nil
}
