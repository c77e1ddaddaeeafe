package usage

import (
	"sort"
	"time"

	"github.com/felipepmaragno/model-gateway/internal/domain"
)

type accumulator struct {
	tt   domain.TimeType
	open map[domain.BucketKey]*domain.UsageBucket
}

func newAccumulator(tt domain.TimeType) *accumulator {
	return &accumulator{tt: tt, open: make(map[domain.BucketKey]*domain.UsageBucket)}
}

// seed opens the zero rows every period carries: the system total and the
// all-model series of each app scope and each user.
func (a *accumulator) seed(start time.Time, appScopes, userScopes []string) {
	a.get(domain.BucketKey{TimeType: a.tt, BucketStart: start})
	for _, app := range appScopes {
		a.get(domain.BucketKey{AppScope: app, TimeType: a.tt, BucketStart: start})
	}
	for _, user := range userScopes {
		a.get(domain.BucketKey{UserScope: user, TimeType: a.tt, BucketStart: start})
	}
}

func (a *accumulator) add(key domain.BucketKey, c domain.RawModelCall) {
	a.get(key).Add(c)
}

func (a *accumulator) get(key domain.BucketKey) *domain.UsageBucket {
	key.BucketStart = key.BucketStart.UTC()
	b, ok := a.open[key]
	if !ok {
		b = &domain.UsageBucket{BucketKey: key}
		a.open[key] = b
	}
	return b
}

// closedBy removes and returns, in key order, every bucket that ends at or
// before t.
func (a *accumulator) closedBy(t time.Time) []domain.UsageBucket {
	var out []domain.UsageBucket
	for key, b := range a.open {
		if !a.tt.Next(key.BucketStart).After(t) {
			out = append(out, *b)
			delete(a.open, key)
		}
	}
	sort.Slice(out, func(i, j int) bool { return keyLess(out[i].BucketKey, out[j].BucketKey) })
	return out
}

func keyLess(a, b domain.BucketKey) bool {
	if !a.BucketStart.Equal(b.BucketStart) {
		return a.BucketStart.Before(b.BucketStart)
	}
	if a.UserScope != b.UserScope {
		return a.UserScope < b.UserScope
	}
	if a.AppScope != b.AppScope {
		return a.AppScope < b.AppScope
	}
	return a.ModelID < b.ModelID
}
