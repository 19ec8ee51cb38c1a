package logging

import (
	"time"

	"golang.org/x/time/rate"
)

// Sampler thins out high-rate log lines. It logs the first `first` calls,
// then every `every`th call, and at least once per interval when interval is
// non-zero. It never influences the caller's control flow.
type Sampler struct {
	s *rate.Sometimes
}

func NewSampler(first, every int, interval time.Duration) *Sampler {
	return &Sampler{s: &rate.Sometimes{First: first, Every: every, Interval: interval}}
}

func (s *Sampler) Debugw(msg string, kv ...interface{}) {
	if s == nil {
		return
	}
	s.s.Do(func() { Debugw(msg, kv...) })
}

func (s *Sampler) Infow(msg string, kv ...interface{}) {
	if s == nil {
		return
	}
	s.s.Do(func() { Infow(msg, kv...) })
}
