//go:build integration

package ratelimit_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"

	"kyc-gateway/internal/otp/ratelimit"
	id "kyc-gateway/pkg/domain"
	"kyc-gateway/pkg/testutil/containers"
)

type RedisLimiterSuite struct {
	suite.Suite
	redis *containers.RedisContainer
}

func TestRedisLimiterSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(RedisLimiterSuite))
}

func (s *RedisLimiterSuite) SetupSuite() {
	s.redis = containers.GetManager().GetRedis(s.T())
}

func (s *RedisLimiterSuite) SetupTest() {
	s.Require().NoError(s.redis.FlushAll(context.Background()))
}

func (s *RedisLimiterSuite) TestAllowUpToLimit() {
	ctx := context.Background()
	limiter := ratelimit.NewRedis(s.redis.Client, 3, time.Minute)
	user := id.UserID(uuid.New())

	for i := 0; i < 3; i++ {
		ok, err := limiter.Allow(ctx, user)
		s.Require().NoError(err)
		s.True(ok, "issuance %d should be admitted", i+1)
	}

	ok, err := limiter.Allow(ctx, user)
	s.Require().NoError(err)
	s.False(ok)
}

func (s *RedisLimiterSuite) TestRejectionConsumesNoQuota() {
	ctx := context.Background()
	limiter := ratelimit.NewRedis(s.redis.Client, 2, 500*time.Millisecond)
	user := id.UserID(uuid.New())

	for i := 0; i < 2; i++ {
		ok, err := limiter.Allow(ctx, user)
		s.Require().NoError(err)
		s.True(ok)
	}

	// Repeated rejections must not push the window forward.
	for i := 0; i < 5; i++ {
		ok, err := limiter.Allow(ctx, user)
		s.Require().NoError(err)
		s.False(ok)
	}

	time.Sleep(600 * time.Millisecond)

	ok, err := limiter.Allow(ctx, user)
	s.Require().NoError(err)
	s.True(ok, "quota should recover once the window slides past the admitted issuances")
}

func (s *RedisLimiterSuite) TestConcurrentIssuersHoldTheLimit() {
	ctx := context.Background()
	limiter := ratelimit.NewRedis(s.redis.Client, 5, time.Minute)
	user := id.UserID(uuid.New())

	var wg sync.WaitGroup
	var admitted atomic.Int64
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := limiter.Allow(ctx, user)
			s.NoError(err)
			if ok {
				admitted.Add(1)
			}
		}()
	}
	wg.Wait()

	s.EqualValues(5, admitted.Load())
}

func (s *RedisLimiterSuite) TestUsersAreIsolated() {
	ctx := context.Background()
	limiter := ratelimit.NewRedis(s.redis.Client, 1, time.Minute)
	first := id.UserID(uuid.New())
	second := id.UserID(uuid.New())

	ok, err := limiter.Allow(ctx, first)
	s.Require().NoError(err)
	s.True(ok)

	ok, err = limiter.Allow(ctx, first)
	s.Require().NoError(err)
	s.False(ok)

	ok, err = limiter.Allow(ctx, second)
	s.Require().NoError(err)
	s.True(ok)
}
