// Package ratelimit implements scoped token buckets. Buckets are created on
// first use and live for the life of the process; each has its own lock, so
// unrelated scopes never contend.
package ratelimit

import (
	"math"
	"sort"
	"sync"
	"time"
)

// Bucket is a token bucket with lazy refill.
type Bucket struct {
	mu       sync.Mutex
	capacity float64
	period   float64 // nanoseconds to refill capacity tokens
	tokens   float64
	last     time.Time
}

func newBucket(rule Rule, now time.Time) *Bucket {
	return &Bucket{
		capacity: float64(rule.Capacity),
		period:   float64(rule.Period),
		tokens:   float64(rule.Capacity),
		last:     now,
	}
}

// refill credits tokens for the time since the last observation. The caller
// holds b.mu.
func (b *Bucket) refill(now time.Time) {
	elapsed := now.Sub(b.last)
	if elapsed <= 0 {
		return
	}
	b.tokens = math.Min(b.capacity, b.tokens+float64(elapsed)*b.capacity/b.period)
	b.last = now
}

// untilTokens returns how long until the bucket holds n tokens. The caller
// holds b.mu.
func (b *Bucket) untilTokens(n float64) time.Duration {
	missing := n - b.tokens
	if missing <= 0 {
		return 0
	}
	return time.Duration(math.Ceil(missing * b.period / b.capacity))
}

func (b *Bucket) giveBack() {
	b.mu.Lock()
	b.tokens = math.Min(b.capacity, b.tokens+1)
	b.mu.Unlock()
}

// Decision is the outcome of a Take.
type Decision struct {
	Allowed bool
	// Limit is the smallest capacity among the charged buckets.
	Limit int
	// Remaining is the fewest whole tokens left in any charged bucket.
	Remaining int
	// RetryAfter is set on denial: the wait until every bucket has a token.
	RetryAfter time.Duration
	// ResetAfter is the wait until the emptiest bucket is full again.
	ResetAfter time.Duration

	taken    []*Bucket
	refunded *sync.Once
}

// Refund returns the tokens an allowed Take charged. It is safe to call
// more than once; only the first call has an effect.
func (d Decision) Refund() {
	if !d.Allowed || d.refunded == nil {
		return
	}
	d.refunded.Do(func() {
		for _, b := range d.taken {
			b.giveBack()
		}
	})
}

// Limiter owns all buckets.
type Limiter struct {
	buckets *bucketTable
	now     func() time.Time
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// New creates a limiter with no buckets.
func New(opts ...Option) *Limiter {
	l := &Limiter{
		buckets: newBucketTable(),
		now:     time.Now,
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Len returns the number of buckets created so far.
func (l *Limiter) Len() int {
	return l.buckets.len()
}

type keyedBucket struct {
	key    Key
	bucket *Bucket
}

// Take charges one token against every bucket named by keys, or none of
// them. Buckets are locked in key order, so concurrent multi-key takes
// cannot deadlock, and a denial leaves every bucket's balance untouched.
// Take with no keys always allows.
func (l *Limiter) Take(keys ...Key) Decision {
	if len(keys) == 0 {
		return Decision{Allowed: true}
	}
	now := l.now()

	held := make([]keyedBucket, 0, len(keys))
	for _, k := range keys {
		if containsBucketKey(held, k) {
			continue
		}
		rule := k.Rule
		b := l.buckets.getOrCreate(k, func() *Bucket { return newBucket(rule, now) })
		held = append(held, keyedBucket{key: k, bucket: b})
	}
	if len(held) > 1 {
		sort.Slice(held, func(i, j int) bool { return keyLess(held[i].key, held[j].key) })
	}

	for _, kb := range held {
		kb.bucket.mu.Lock()
	}
	defer func() {
		for i := len(held) - 1; i >= 0; i-- {
			held[i].bucket.mu.Unlock()
		}
	}()

	allowed := true
	for _, kb := range held {
		kb.bucket.refill(now)
		if kb.bucket.tokens < 1 {
			allowed = false
		}
	}

	d := Decision{Allowed: allowed, Limit: math.MaxInt, Remaining: math.MaxInt}
	if allowed {
		d.taken = make([]*Bucket, 0, len(held))
		d.refunded = new(sync.Once)
	}
	for _, kb := range held {
		b := kb.bucket
		if allowed {
			b.tokens--
			d.taken = append(d.taken, b)
		} else if wait := b.untilTokens(1); wait > d.RetryAfter {
			d.RetryAfter = wait
		}
		if c := int(b.capacity); c < d.Limit {
			d.Limit = c
		}
		if r := int(math.Floor(b.tokens)); r < d.Remaining {
			d.Remaining = r
		}
		if reset := b.untilTokens(b.capacity); reset > d.ResetAfter {
			d.ResetAfter = reset
		}
	}
	if d.Remaining < 0 {
		d.Remaining = 0
	}
	return d
}

func containsBucketKey(held []keyedBucket, key Key) bool {
	for _, kb := range held {
		if kb.key == key {
			return true
		}
	}
	return false
}

// Tokens reports the current balance of the bucket for k without charging
// it. It returns false if the bucket has not been created yet.
func (l *Limiter) Tokens(k Key) (float64, bool) {
	b, ok := l.buckets.get(k)
	if !ok {
		return 0, false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refill(l.now())
	return b.tokens, true
}

func keyLess(a, b Key) bool {
	switch {
	case a.Name != b.Name:
		return a.Name < b.Name
	case a.Scope != b.Scope:
		return a.Scope < b.Scope
	case a.Provider != b.Provider:
		return a.Provider < b.Provider
	case a.Consumer != b.Consumer:
		return a.Consumer < b.Consumer
	case a.Rule.Capacity != b.Rule.Capacity:
		return a.Rule.Capacity < b.Rule.Capacity
	}
	return a.Rule.Period < b.Rule.Period
}

// BucketState is a point-in-time view of one bucket.
type BucketState struct {
	Filter   string        `json:"filter"`
	Scope    string        `json:"scope"`
	Provider string        `json:"provider,omitempty"`
	Consumer string        `json:"consumer,omitempty"`
	Capacity int           `json:"capacity"`
	Period   time.Duration `json:"period"`
	Tokens   float64       `json:"tokens"`
}

// Buckets lists every bucket with its refilled balance, ordered by key.
func (l *Limiter) Buckets() []BucketState {
	type row struct {
		k  Key
		st BucketState
	}
	now := l.now()
	var rows []row
	l.buckets.each(func(k Key, b *Bucket) {
		b.mu.Lock()
		b.refill(now)
		tokens := b.tokens
		b.mu.Unlock()
		rows = append(rows, row{k, BucketState{
			Filter:   k.Name,
			Scope:    k.Scope.String(),
			Provider: k.Provider,
			Consumer: k.Consumer,
			Capacity: k.Rule.Capacity,
			Period:   k.Rule.Period,
			Tokens:   tokens,
		}})
	})
	sort.Slice(rows, func(i, j int) bool { return keyLess(rows[i].k, rows[j].k) })
	out := make([]BucketState, len(rows))
	for i, r := range rows {
		out[i] = r.st
	}
	return out
}
