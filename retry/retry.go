// Package retry は回数上限付きの指数バックオフ（ジッター付き）再試行
package retry

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"
)

// PermanentError は再試行しないエラー
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent は err を Do が再試行しないエラーで包む
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// Policy は再試行の回数と待ち時間
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration // 0 なら上限なし
}

// Do は fn が成功するまで最大 MaxAttempts 回呼ぶ。*PermanentError か ctx の終了で打ち切る。
// 待ち時間は失敗ごとに倍になり、±25% のジッターを加える。
// 返すのは最後のエラーで、PermanentError は外して返す
func Do(ctx context.Context, p Policy, fn func(attempt int) error) error {
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var err error
	delay := p.BaseDelay

	for attempt := 1; attempt <= attempts; attempt++ {
		err = fn(attempt)
		if err == nil {
			return nil
		}

		var pe *PermanentError
		if errors.As(err, &pe) {
			return pe.Err
		}

		if attempt == attempts {
			break
		}

		sleep := delay
		if jitter := delay / 4; jitter > 0 {
			sleep = delay - jitter + time.Duration(rand.Int64N(int64(2*jitter+1)))
		}

		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		delay *= 2
		if p.MaxDelay > 0 && delay > p.MaxDelay {
			delay = p.MaxDelay
		}
	}

	return err
}
