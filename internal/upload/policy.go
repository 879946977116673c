package upload

import "time"

const (
	DefaultDelay   = 60 * time.Second
	DefaultCeiling = 5
)

// Policy is the retry policy: a fixed delay before every attempt and a
// ceiling on failed attempts. There is no backoff.
type Policy struct {
	Delay   time.Duration
	Ceiling int
}

func DefaultPolicy() Policy {
	return Policy{Delay: DefaultDelay, Ceiling: DefaultCeiling}
}

func (p Policy) normalized() Policy {
	if p.Delay < 0 {
		p.Delay = 0
	}
	if p.Ceiling <= 0 {
		p.Ceiling = DefaultCeiling
	}
	return p
}
