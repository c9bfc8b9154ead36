package batch

import (
	"errors"
	"sync"

	"github.com/google/uuid"
)

var ErrPreviewNotFound = errors.New("preview not found")

type preview struct {
	data        []byte
	contentType string
}

// PreviewStore hands out handles that let a client display an upload before
// it is converted. Each handle must be released exactly once.
type PreviewStore struct {
	mu       sync.Mutex
	previews map[string]preview
}

func NewPreviewStore() *PreviewStore {
	return &PreviewStore{previews: make(map[string]preview)}
}

func (s *PreviewStore) Create(data []byte, contentType string) string {
	handle := uuid.NewString()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.previews[handle] = preview{data: data, contentType: contentType}
	return handle
}

func (s *PreviewStore) Open(handle string) ([]byte, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.previews[handle]
	if !ok {
		return nil, "", ErrPreviewNotFound
	}
	return p.data, p.contentType, nil
}

// Release frees handle. Releasing a handle that is not live returns
// ErrPreviewNotFound.
func (s *PreviewStore) Release(handle string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.previews[handle]; !ok {
		return ErrPreviewNotFound
	}
	delete(s.previews, handle)
	return nil
}

// Len reports the number of live handles.
func (s *PreviewStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.previews)
}
