package bunrepo

import (
	"github.com/goliatone/go-jobqueue/pkg/domain"
	repository "github.com/goliatone/go-repository-bun"
	"github.com/uptrace/bun"
)

func withKey(key string) repository.SelectCriteria {
	return func(q *bun.SelectQuery) *bun.SelectQuery {
		return q.Where("key = ?", key)
	}
}

func orderByKey() repository.SelectCriteria {
	return func(q *bun.SelectQuery) *bun.SelectQuery {
		return q.Order("key ASC")
	}
}

func eligible(q *bun.SelectQuery) *bun.SelectQuery {
	return q.Where("running = ?", false).Where("owner = ?", domain.UnclaimedOwner)
}

func runningFor(workerID int) func(q *bun.SelectQuery) *bun.SelectQuery {
	return func(q *bun.SelectQuery) *bun.SelectQuery {
		return q.Where("running = ?", true).Where("owner = ?", workerID)
	}
}
