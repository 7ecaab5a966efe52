package preview

import (
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/example/plantid/internal/uploader"
)

var openHandlesGauge = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "plantid_preview_handles_open",
	Help: "Preview handles created and not yet revoked",
})

// ErrRevoked is returned when opening a handle that is unknown or already released.
var ErrRevoked = errors.New("preview handle revoked")

// Stats counts handle lifecycle events.
type Stats struct {
	Created int
	Revoked int
}

// Open returns the number of handles still live.
func (s Stats) Open() int { return s.Created - s.Revoked }

// Store holds images behind transient handles so they can be displayed without
// re-reading them from their source.
type Store struct {
	mu      sync.Mutex
	images  map[string]uploader.Image
	created int
	revoked int
}

func NewStore() *Store {
	return &Store{images: make(map[string]uploader.Image)}
}

// Create registers img and returns a fresh handle for it.
func (s *Store) Create(img uploader.Image) string {
	handle := uuid.NewString()

	s.mu.Lock()
	s.images[handle] = img
	s.created++
	s.mu.Unlock()

	openHandlesGauge.Inc()
	return handle
}

// Open returns the image behind handle.
func (s *Store) Open(handle string) (uploader.Image, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	img, ok := s.images[handle]
	if !ok {
		return uploader.Image{}, ErrRevoked
	}
	return img, nil
}

// Revoke releases handle. Unknown or already revoked handles are ignored.
func (s *Store) Revoke(handle string) {
	s.mu.Lock()
	_, ok := s.images[handle]
	if ok {
		delete(s.images, handle)
		s.revoked++
	}
	s.mu.Unlock()

	if ok {
		openHandlesGauge.Dec()
	}
}

func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{Created: s.created, Revoked: s.revoked}
}
