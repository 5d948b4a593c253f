package ratelimit

// BitrateLimiter caps a media flow to a bits-per-second ceiling, allowing one
// second worth of burst. The zero ceiling means unlimited.
type BitrateLimiter struct {
	bucket *TokenBucket
}

func NewBitrateLimiter(clock Clock, bitsPerSecond int64) *BitrateLimiter {
	bytesPerSecond := bitsPerSecond / 8
	return &BitrateLimiter{bucket: NewTokenBucket(clock, bytesPerSecond, bytesPerSecond)}
}

// AllowBytes reports whether a payload of n bytes fits under the ceiling and
// consumes budget for it when it does.
func (l *BitrateLimiter) AllowBytes(n int) bool {
	if l == nil || l.bucket.Rate() == 0 {
		return true
	}
	return l.bucket.Allow(int64(n))
}

func (l *BitrateLimiter) SetBitsPerSecond(bitsPerSecond int64) {
	bytesPerSecond := bitsPerSecond / 8
	l.bucket.SetRate(bytesPerSecond, bytesPerSecond)
}

// BitsPerSecond returns the configured ceiling.
func (l *BitrateLimiter) BitsPerSecond() int64 {
	if l == nil {
		return 0
	}
	return l.bucket.Rate() * 8
}
