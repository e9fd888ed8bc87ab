package objectstore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"kyc-gateway/pkg/platform/sentinel"
	"kyc-gateway/pkg/requestcontext"
)

// InMemory fakes the bucket for unit tests. Tests call Put to simulate a
// client completing an upload against its grant.
type InMemory struct {
	mu      sync.RWMutex
	objects map[string]memObject
	ttl     time.Duration
}

type memObject struct {
	info ObjectInfo
	body []byte
}

func NewInMemory(ttl time.Duration) *InMemory {
	return &InMemory{
		objects: make(map[string]memObject),
		ttl:     ttl,
	}
}

func (s *InMemory) PresignPut(ctx context.Context, key, contentType string, size int64) (*Grant, error) {
	return &Grant{
		URL:       fmt.Sprintf("https://storage.local/%s", key),
		Key:       key,
		ExpiresAt: requestcontext.Now(ctx).Add(s.ttl),
	}, nil
}

func (s *InMemory) Stat(_ context.Context, key string) (*ObjectInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	obj, ok := s.objects[key]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	info := obj.info
	return &info, nil
}

func (s *InMemory) ReadPrefix(_ context.Context, key string, n int64) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	obj, ok := s.objects[key]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	if int64(len(obj.body)) < n {
		n = int64(len(obj.body))
	}
	head := make([]byte, n)
	copy(head, obj.body[:n])
	return head, nil
}

// Put records an object as uploaded.
func (s *InMemory) Put(key, contentType string, body []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key] = memObject{
		info: ObjectInfo{Size: int64(len(body)), ContentType: contentType},
		body: append([]byte(nil), body...),
	}
}
