//go:build integration

package lock

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	platformredis "domainwatch/internal/platform/redis"
	"domainwatch/pkg/platform/sentinel"
	"domainwatch/pkg/testutil/containers"
)

type LeaseSuite struct {
	suite.Suite
	redis  *containers.RedisContainer
	client *platformredis.Client
}

func TestLeaseSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(LeaseSuite))
}

func (s *LeaseSuite) SetupSuite() {
	s.redis = containers.NewRedisContainer(s.T())
	s.client = &platformredis.Client{Client: s.redis.Client}
}

func (s *LeaseSuite) SetupTest() {
	s.Require().NoError(s.redis.FlushAll(context.Background()))
}

func (s *LeaseSuite) TestAcquireIsExclusive() {
	ctx := context.Background()
	logger := slog.New(slog.DiscardHandler)
	first := NewLease(s.client, "instance-1", 10*time.Second, logger)
	second := NewLease(s.client, "instance-2", 10*time.Second, logger)

	s.Require().NoError(first.Acquire(ctx))
	s.Require().ErrorIs(second.Acquire(ctx), sentinel.ErrLockHeld)

	// Re-acquiring our own lease renews it.
	s.Require().NoError(first.Acquire(ctx))
}

func (s *LeaseSuite) TestReleaseFreesLease() {
	ctx := context.Background()
	logger := slog.New(slog.DiscardHandler)
	first := NewLease(s.client, "instance-1", 10*time.Second, logger)
	second := NewLease(s.client, "instance-2", 10*time.Second, logger)

	s.Require().NoError(first.Acquire(ctx))
	s.Require().NoError(first.Release(ctx))
	s.Require().NoError(second.Acquire(ctx))
}

func (s *LeaseSuite) TestRenewLostLease() {
	ctx := context.Background()
	logger := slog.New(slog.DiscardHandler)
	lease := NewLease(s.client, "instance-1", 10*time.Second, logger)

	s.Require().NoError(lease.Acquire(ctx))
	s.Require().NoError(s.redis.FlushAll(ctx))

	err := lease.Renew(ctx)
	s.Require().Error(err)
}
