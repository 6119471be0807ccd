package service

import (
	"context"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
)

// pubRecord is one captured publish
type pubRecord struct {
	channel string
	payload string
}

// fakeRedis records publishes and fails on demand
type fakeRedis struct {
	mu       sync.Mutex
	records  []pubRecord
	failWith error
}

func (f *fakeRedis) Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	cmd := redis.NewIntCmd(ctx)
	if f.failWith != nil {
		cmd.SetErr(f.failWith)
		return cmd
	}
	payload := ""
	if b, ok := message.([]byte); ok {
		payload = string(b)
	}
	f.records = append(f.records, pubRecord{channel: channel, payload: payload})
	cmd.SetVal(1)
	return cmd
}

func (f *fakeRedis) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.records)
}

func (f *fakeRedis) onChannel(suffix string) []pubRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []pubRecord
	for _, r := range f.records {
		if strings.HasSuffix(r.channel, suffix) {
			out = append(out, r)
		}
	}
	return out
}

func (f *fakeRedis) setFailure(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failWith = err
}
