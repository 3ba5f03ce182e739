package registry

import (
	"errors"
	"math/rand"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GoCodeAlone/compkit/filter"
)

// recordingListener collects the events it receives.
type recordingListener struct {
	mu     sync.Mutex
	events []ServiceEvent
}

func (l *recordingListener) ServiceChanged(ev ServiceEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *recordingListener) snapshot() []ServiceEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]ServiceEvent, len(l.events))
	copy(out, l.events)
	return out
}

// funcListener runs an arbitrary callback, for re-entrancy tests.
type funcListener struct {
	fn func(ServiceEvent)
}

func (l *funcListener) ServiceChanged(ev ServiceEvent) { l.fn(ev) }

func TestRegistry_RegisterAssignsIdentity(t *testing.T) {
	r := New(nil)

	reg1, err := r.Register(1, []string{"db"}, &struct{}{}, nil)
	require.NoError(t, err)
	reg2, err := r.Register(1, []string{"db"}, &struct{}{}, nil)
	require.NoError(t, err)

	assert.Greater(t, reg2.ID(), reg1.ID(), "identities must increase monotonically")

	props := reg1.Properties()
	assert.Equal(t, []string{"db"}, props[PropObjectClass])
	assert.Equal(t, reg1.ID(), props[PropServiceID])
}

func TestRegistry_RegisterValidation(t *testing.T) {
	r := New(nil)

	_, err := r.Register(1, nil, &struct{}{}, nil)
	assert.ErrorIs(t, err, ErrNoSpecification)

	_, err = r.Register(1, []string{"db"}, nil, nil)
	assert.ErrorIs(t, err, ErrNilService)
}

func TestRegistry_RankingOrder(t *testing.T) {
	r := New(nil)

	low, err := r.Register(1, []string{"db"}, &struct{}{}, Properties{PropServiceRanking: 1})
	require.NoError(t, err)
	high, err := r.Register(1, []string{"db"}, &struct{}{}, Properties{PropServiceRanking: 9})
	require.NoError(t, err)
	mid, err := r.Register(1, []string{"db"}, &struct{}{}, Properties{PropServiceRanking: 5})
	require.NoError(t, err)

	refs := r.Find("db", nil)
	require.Len(t, refs, 3)
	assert.Same(t, high.Reference(), refs[0])
	assert.Same(t, mid.Reference(), refs[1])
	assert.Same(t, low.Reference(), refs[2])
}

func TestRegistry_RankingTieBreaksByIdentity(t *testing.T) {
	r := New(nil)

	first, err := r.Register(1, []string{"db"}, &struct{}{}, Properties{PropServiceRanking: 5})
	require.NoError(t, err)
	second, err := r.Register(1, []string{"db"}, &struct{}{}, Properties{PropServiceRanking: 5})
	require.NoError(t, err)

	refs := r.Find("db", nil)
	require.Len(t, refs, 2)
	assert.Same(t, first.Reference(), refs[0], "ties go to the oldest registration")
	assert.Same(t, second.Reference(), refs[1])
}

func TestRegistry_RankingInvariantUnderShuffledRegistration(t *testing.T) {
	rnd := rand.New(rand.NewSource(7))
	for trial := 0; trial < 20; trial++ {
		r := New(nil)
		rankings := rnd.Perm(10)
		for _, rank := range rankings {
			_, err := r.Register(1, []string{"svc"}, &struct{}{}, Properties{PropServiceRanking: rank})
			require.NoError(t, err)
		}

		refs := r.Find("svc", nil)
		require.Len(t, refs, 10)
		for i := 1; i < len(refs); i++ {
			prev, cur := refs[i-1], refs[i]
			ok := prev.Ranking() > cur.Ranking() ||
				(prev.Ranking() == cur.Ranking() && prev.ID() < cur.ID())
			assert.True(t, ok, "order violated at %d: (%d,%d) before (%d,%d)",
				i, prev.Ranking(), prev.ID(), cur.Ranking(), cur.ID())
		}
	}
}

func TestRegistry_FindWithFilter(t *testing.T) {
	r := New(nil)

	_, err := r.Register(1, []string{"db"}, &struct{}{}, Properties{"vendor": "acme"})
	require.NoError(t, err)
	globex, err := r.Register(1, []string{"db"}, &struct{}{}, Properties{"vendor": "globex"})
	require.NoError(t, err)

	refs := r.Find("db", filter.MustParse("(vendor=globex)"))
	require.Len(t, refs, 1)
	assert.Same(t, globex.Reference(), refs[0])

	assert.Empty(t, r.Find("db", filter.MustParse("(vendor=initech)")))
	assert.Empty(t, r.Find("cache", nil), "unknown specification matches nothing")
	assert.Len(t, r.Find("", nil), 2, "empty specification searches everything")
}

func TestRegistry_FindExprMalformedFilterFails(t *testing.T) {
	r := New(nil)
	_, err := r.Register(1, []string{"db"}, &struct{}{}, nil)
	require.NoError(t, err)

	_, err = r.FindExpr("db", "(vendor=")
	require.Error(t, err)
	var syntaxErr *filter.SyntaxError
	assert.True(t, errors.As(err, &syntaxErr))

	refs, err := r.FindExpr("db", "")
	require.NoError(t, err)
	assert.Len(t, refs, 1)
}

func TestRegistry_FindBest(t *testing.T) {
	r := New(nil)
	assert.Nil(t, r.FindBest("db", nil))

	_, err := r.Register(1, []string{"db"}, &struct{}{}, Properties{PropServiceRanking: 1})
	require.NoError(t, err)
	best, err := r.Register(1, []string{"db"}, &struct{}{}, Properties{PropServiceRanking: 2})
	require.NoError(t, err)

	assert.Same(t, best.Reference(), r.FindBest("db", nil))
}

func TestRegistry_ReferenceInvalidation(t *testing.T) {
	r := New(nil)
	svc := &struct{ name string }{"primary"}

	reg, err := r.Register(1, []string{"db"}, svc, nil)
	require.NoError(t, err)
	ref := reg.Reference()

	got, err := ref.Service()
	require.NoError(t, err)
	assert.Same(t, svc, got)
	assert.True(t, ref.Live())

	require.NoError(t, reg.Unregister())

	_, err = ref.Service()
	assert.ErrorIs(t, err, ErrUnknownService)
	assert.False(t, ref.Live())

	// a new service with identical properties gets a new identity and a
	// new reference; the old one never comes back to life
	reg2, err := r.Register(1, []string{"db"}, svc, nil)
	require.NoError(t, err)
	assert.NotSame(t, ref, reg2.Reference())
	assert.Greater(t, reg2.ID(), reg.ID())
	_, err = ref.Service()
	assert.ErrorIs(t, err, ErrUnknownService)
}

func TestRegistry_DoubleUnregisterIsError(t *testing.T) {
	r := New(nil)
	reg, err := r.Register(1, []string{"db"}, &struct{}{}, nil)
	require.NoError(t, err)

	require.NoError(t, reg.Unregister())
	assert.ErrorIs(t, reg.Unregister(), ErrUnknownService)
}

func TestRegistry_EventOrderPerService(t *testing.T) {
	r := New(nil)
	l := &recordingListener{}
	require.NoError(t, r.AddListener(nil, l))

	reg, err := r.Register(1, []string{"db"}, &struct{}{}, Properties{"vendor": "acme"})
	require.NoError(t, err)
	require.NoError(t, reg.SetProperties(Properties{"vendor": "globex"}))
	require.NoError(t, reg.SetProperties(Properties{"vendor": "initech"}))
	require.NoError(t, reg.Unregister())

	events := l.snapshot()
	require.Len(t, events, 4)
	assert.Equal(t, Registered, events[0].Type)
	assert.Equal(t, Modified, events[1].Type)
	assert.Equal(t, Modified, events[2].Type)
	assert.Equal(t, Unregistering, events[3].Type)
	for _, ev := range events {
		assert.Same(t, reg.Reference(), ev.Ref)
	}
}

func TestRegistry_ModifiedCarriesOldProperties(t *testing.T) {
	r := New(nil)
	l := &recordingListener{}
	require.NoError(t, r.AddListener(nil, l))

	reg, err := r.Register(1, []string{"db"}, &struct{}{}, Properties{"vendor": "acme"})
	require.NoError(t, err)
	require.NoError(t, reg.SetProperties(Properties{"vendor": "globex"}))

	events := l.snapshot()
	require.Len(t, events, 2)
	require.Equal(t, Modified, events[1].Type)
	assert.Equal(t, "acme", events[1].OldProperties["vendor"])
	assert.Equal(t, "globex", events[1].Ref.Property("vendor"))
}

func TestRegistry_ModifiedEndmatch(t *testing.T) {
	r := New(nil)
	l := &recordingListener{}
	require.NoError(t, r.AddListener(filter.MustParse("(vendor=acme)"), l))

	reg, err := r.Register(1, []string{"db"}, &struct{}{}, Properties{"vendor": "acme"})
	require.NoError(t, err)

	// stops matching: ENDMATCH so the listener can release its reference
	require.NoError(t, reg.SetProperties(Properties{"vendor": "globex"}))
	// never matched and still does not match: nothing delivered
	require.NoError(t, reg.SetProperties(Properties{"vendor": "initech"}))
	// matches again: plain MODIFIED
	require.NoError(t, reg.SetProperties(Properties{"vendor": "acme"}))

	events := l.snapshot()
	require.Len(t, events, 3)
	assert.Equal(t, Registered, events[0].Type)
	assert.Equal(t, ModifiedEndmatch, events[1].Type)
	assert.Equal(t, "acme", events[1].OldProperties["vendor"])
	assert.Equal(t, Modified, events[2].Type)
}

func TestRegistry_ListenerFilterAppliesToRegistration(t *testing.T) {
	r := New(nil)
	l := &recordingListener{}
	require.NoError(t, r.AddListener(filter.MustParse("(objectClass=db)"), l))

	_, err := r.Register(1, []string{"cache"}, &struct{}{}, nil)
	require.NoError(t, err)
	reg, err := r.Register(1, []string{"db"}, &struct{}{}, nil)
	require.NoError(t, err)

	events := l.snapshot()
	require.Len(t, events, 1)
	assert.Same(t, reg.Reference(), events[0].Ref)
}

func TestRegistry_ListenerAddedDuringDeliveryMissesCurrentEvent(t *testing.T) {
	r := New(nil)
	late := &recordingListener{}
	trigger := &funcListener{}
	trigger.fn = func(ev ServiceEvent) {
		require.NoError(t, r.AddListener(nil, late))
	}
	require.NoError(t, r.AddListener(nil, trigger))

	_, err := r.Register(1, []string{"db"}, &struct{}{}, nil)
	require.NoError(t, err)
	assert.Empty(t, late.snapshot(), "no retroactive delivery")

	_, err = r.Register(1, []string{"db"}, &struct{}{}, nil)
	require.NoError(t, err)
	assert.NotEmpty(t, late.snapshot(), "subsequent events are delivered")
}

func TestRegistry_ListenerRemovedDuringDeliveryNotInvokedAgain(t *testing.T) {
	r := New(nil)
	victim := &recordingListener{}
	remover := &funcListener{}
	remover.fn = func(ev ServiceEvent) {
		_ = r.RemoveListener(victim)
	}
	// the remover runs first: it was added first and delivery follows
	// registration order within one event
	require.NoError(t, r.AddListener(nil, remover))
	require.NoError(t, r.AddListener(nil, victim))

	_, err := r.Register(1, []string{"db"}, &struct{}{}, nil)
	require.NoError(t, err)
	_, err = r.Register(1, []string{"db"}, &struct{}{}, nil)
	require.NoError(t, err)

	assert.Empty(t, victim.snapshot())
}

func TestRegistry_RemoveListenerUnknown(t *testing.T) {
	r := New(nil)
	assert.ErrorIs(t, r.RemoveListener(&recordingListener{}), ErrListenerUnknown)
}

func TestRegistry_ReentrantUnregisterFromListener(t *testing.T) {
	r := New(nil)

	regA, err := r.Register(1, []string{"db"}, &struct{}{}, Properties{"role": "primary"})
	require.NoError(t, err)
	regB, err := r.Register(1, []string{"db"}, &struct{}{}, Properties{"role": "replica"})
	require.NoError(t, err)

	// when the primary goes away, the listener tears down the replica too
	cascade := &funcListener{}
	cascade.fn = func(ev ServiceEvent) {
		if ev.Type == Unregistering && ev.Ref.Property("role") == "primary" {
			require.NoError(t, regB.Unregister())
		}
	}
	require.NoError(t, r.AddListener(nil, cascade))

	require.NoError(t, regA.Unregister())
	assert.Empty(t, r.Find("db", nil))
	assert.False(t, regB.Reference().Live())
}

func TestRegistry_PanickingListenerDoesNotStopDelivery(t *testing.T) {
	r := New(nil)
	bad := &funcListener{fn: func(ServiceEvent) { panic("listener bug") }}
	good := &recordingListener{}
	require.NoError(t, r.AddListener(nil, bad))
	require.NoError(t, r.AddListener(nil, good))

	_, err := r.Register(1, []string{"db"}, &struct{}{}, nil)
	require.NoError(t, err)

	assert.Len(t, good.snapshot(), 1)
}

func TestRegistry_UnregisteringDeliveredBeforeRemoval(t *testing.T) {
	r := New(nil)
	svc := &struct{}{}
	reg, err := r.Register(1, []string{"db"}, svc, nil)
	require.NoError(t, err)

	var seen any
	watch := &funcListener{}
	watch.fn = func(ev ServiceEvent) {
		if ev.Type == Unregistering {
			got, svcErr := ev.Ref.Service()
			require.NoError(t, svcErr, "reference must still work during teardown")
			seen = got
		}
	}
	require.NoError(t, r.AddListener(nil, watch))

	require.NoError(t, reg.Unregister())
	assert.Same(t, svc, seen)
}

func TestRegistry_DepartingServiceExcludedDuringTeardown(t *testing.T) {
	r := New(nil)
	reg, err := r.Register(1, []string{"db"}, &struct{}{}, nil)
	require.NoError(t, err)

	var found []*Reference
	var second error
	l := &funcListener{}
	l.fn = func(ev ServiceEvent) {
		if ev.Type != Unregistering {
			return
		}
		// while UNREGISTERING is being delivered the service must no
		// longer satisfy new lookups, and a re-entrant second
		// Unregister is already an error
		found = r.Find("db", nil)
		second = reg.Unregister()
	}
	require.NoError(t, r.AddListener(nil, l))

	require.NoError(t, reg.Unregister())
	assert.Empty(t, found)
	assert.ErrorIs(t, second, ErrUnknownService)
}

func TestRegistry_HideBundle(t *testing.T) {
	r := New(nil)

	regA, err := r.Register(1, []string{"db"}, &struct{}{}, nil)
	require.NoError(t, err)
	regB, err := r.Register(2, []string{"db"}, &struct{}{}, nil)
	require.NoError(t, err)

	r.HideBundle(1)

	refs := r.Find("db", nil)
	require.Len(t, refs, 1)
	assert.Same(t, regB.Reference(), refs[0])

	// hidden services still work for in-flight holders
	_, err = regA.Reference().Service()
	assert.NoError(t, err)

	// late registrations from a hidden bundle are hidden too
	_, err = r.Register(1, []string{"db"}, &struct{}{}, nil)
	require.NoError(t, err)
	assert.Len(t, r.Find("db", nil), 1)
}

func TestRegistry_UnregisterBundle(t *testing.T) {
	r := New(nil)
	l := &recordingListener{}
	require.NoError(t, r.AddListener(nil, l))

	_, err := r.Register(1, []string{"db"}, &struct{}{}, nil)
	require.NoError(t, err)
	_, err = r.Register(1, []string{"cache"}, &struct{}{}, nil)
	require.NoError(t, err)
	survivor, err := r.Register(2, []string{"db"}, &struct{}{}, nil)
	require.NoError(t, err)

	r.UnregisterBundle(1)

	refs := r.Find("", nil)
	require.Len(t, refs, 1)
	assert.Same(t, survivor.Reference(), refs[0])

	var unregistering int
	for _, ev := range l.snapshot() {
		if ev.Type == Unregistering {
			unregistering++
		}
	}
	assert.Equal(t, 2, unregistering)
}

func TestRegistry_ConcurrentRegistrationAndLookup(t *testing.T) {
	r := New(nil)
	var wg sync.WaitGroup

	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				reg, err := r.Register(int64(g), []string{"svc"}, &struct{}{}, Properties{PropServiceRanking: i % 7})
				if err != nil {
					t.Error(err)
					return
				}
				if i%3 == 0 {
					if err := reg.Unregister(); err != nil {
						t.Error(err)
						return
					}
				}
			}
		}(g)
	}
	for g := 0; g < 2; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				refs := r.Find("svc", nil)
				for j := 1; j < len(refs); j++ {
					prev, cur := refs[j-1], refs[j]
					if prev.Ranking() < cur.Ranking() {
						t.Error("ranking order violated under concurrency")
						return
					}
				}
			}
		}()
	}
	wg.Wait()
}
