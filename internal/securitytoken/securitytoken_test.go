package securitytoken_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zalbiraw/nosqlauth/internal/securitytoken"
)

func tokenExpiringIn(d time.Duration) *securitytoken.Token {
	return &securitytoken.Token{Claims: map[string]any{"exp": float64(time.Now().Add(d).Unix())}}
}

func TestGetProfile_CachesUntilExpiry(t *testing.T) {
	var calls int32
	base := securitytoken.NewBase(5*time.Second, func(ctx context.Context) (string, *securitytoken.Token, error) {
		atomic.AddInt32(&calls, 1)
		return "profile-1", tokenExpiringIn(time.Hour), nil
	})

	p1, err := base.GetProfile(context.Background(), false)
	require.NoError(t, err)
	require.Equal(t, "profile-1", p1)

	p2, err := base.GetProfile(context.Background(), false)
	require.NoError(t, err)
	require.Equal(t, "profile-1", p2)
	require.EqualValues(t, 1, atomic.LoadInt32(&calls))
}

func TestGetProfile_ForceRefresh(t *testing.T) {
	var calls int32
	base := securitytoken.NewBase(5*time.Second, func(ctx context.Context) (string, *securitytoken.Token, error) {
		atomic.AddInt32(&calls, 1)
		return "profile", tokenExpiringIn(time.Hour), nil
	})

	_, err := base.GetProfile(context.Background(), false)
	require.NoError(t, err)
	_, err = base.GetProfile(context.Background(), true)
	require.NoError(t, err)
	require.EqualValues(t, 2, atomic.LoadInt32(&calls))
}

func TestGetProfile_RefreshesPastExpiry(t *testing.T) {
	var calls int32
	base := securitytoken.NewBase(time.Minute, func(ctx context.Context) (string, *securitytoken.Token, error) {
		atomic.AddInt32(&calls, 1)
		return "profile", tokenExpiringIn(10 * time.Second), nil
	})

	_, err := base.GetProfile(context.Background(), false)
	require.NoError(t, err)
	_, err = base.GetProfile(context.Background(), false)
	require.NoError(t, err)
	require.EqualValues(t, 2, atomic.LoadInt32(&calls))
}

func TestGetProfile_CoalescesConcurrentRefreshes(t *testing.T) {
	var calls int32
	release := make(chan struct{})
	base := securitytoken.NewBase(5*time.Second, func(ctx context.Context) (string, *securitytoken.Token, error) {
		atomic.AddInt32(&calls, 1)
		<-release
		return "profile", tokenExpiringIn(time.Hour), nil
	})

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := base.GetProfile(context.Background(), false)
			require.NoError(t, err)
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	require.EqualValues(t, 1, atomic.LoadInt32(&calls))
}

func TestGetProfile_BackgroundRefreshFires(t *testing.T) {
	var calls int32
	base := securitytoken.NewBase(0, func(ctx context.Context) (string, *securitytoken.Token, error) {
		if atomic.AddInt32(&calls, 1) == 1 {
			return "profile", tokenExpiringIn(2 * time.Second), nil
		}
		return "profile", tokenExpiringIn(time.Hour), nil
	}, securitytoken.WithRefreshAhead(time.Second))
	defer base.Close()

	_, err := base.GetProfile(context.Background(), false)
	require.NoError(t, err)
	require.EqualValues(t, 1, atomic.LoadInt32(&calls))

	// exp has whole-second precision, so the first token is valid for
	// between 1s and 2s and the timer fires within 1s (validity minus the
	// 1s window). The refreshed token lasts an hour, so no second refresh
	// follows inside the sleep.
	time.Sleep(1200 * time.Millisecond)
	require.EqualValues(t, 2, atomic.LoadInt32(&calls))
}

func TestClose_CancelsTimerAndIsIdempotent(t *testing.T) {
	var calls int32
	base := securitytoken.NewBase(0, func(ctx context.Context) (string, *securitytoken.Token, error) {
		atomic.AddInt32(&calls, 1)
		return "profile", tokenExpiringIn(3 * time.Second), nil
	}, securitytoken.WithRefreshAhead(time.Second))
	_, err := base.GetProfile(context.Background(), false)
	require.NoError(t, err)
	require.NoError(t, base.Close())
	require.NoError(t, base.Close())

	// Without Close the timer would fire 1s to 2s in (2s to 3s of
	// whole-second validity minus the 1s window).
	time.Sleep(2200 * time.Millisecond)
	require.EqualValues(t, 1, atomic.LoadInt32(&calls))
}

func TestGetProfile_FailurePropagatesAndAllowsRetry(t *testing.T) {
	var calls int32
	base := securitytoken.NewBase(5*time.Second, func(ctx context.Context) (string, *securitytoken.Token, error) {
		if atomic.AddInt32(&calls, 1) == 1 {
			return "", nil, errors.New("network blip")
		}
		return "profile", tokenExpiringIn(time.Hour), nil
	})

	_, err := base.GetProfile(context.Background(), false)
	require.Error(t, err)

	p, err := base.GetProfile(context.Background(), false)
	require.NoError(t, err)
	require.Equal(t, "profile", p)
}
