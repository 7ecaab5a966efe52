package controller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/example/plantid/internal/identify"
	"github.com/example/plantid/internal/plant"
	"github.com/example/plantid/internal/uploader"
)

const msgUnexpected = "An unexpected error occurred."

// Identifier resolves an image into a plant identification.
type Identifier interface {
	Identify(ctx context.Context, img uploader.Image) (*plant.Result, error)
}

// Previews hands out revocable display handles for images.
type Previews interface {
	Create(img uploader.Image) string
	Revoke(handle string)
}

type selection struct {
	image  uploader.Image
	handle string
}

// Controller owns the current selection, its preview handle and the request state.
// Each request is tagged with the generation that spawned it; a resolution whose
// generation is no longer current is dropped.
type Controller struct {
	identifier Identifier
	previews   Previews
	logger     *zap.Logger
	timeout    time.Duration

	mu         sync.Mutex
	generation uint64
	current    *selection
	state      State
	cancel     context.CancelFunc
	closed     bool
}

type Option func(*Controller)

// WithRequestTimeout bounds each identification. Zero waits indefinitely.
func WithRequestTimeout(d time.Duration) Option {
	return func(c *Controller) {
		c.timeout = d
	}
}

func New(identifier Identifier, previews Previews, logger *zap.Logger, opts ...Option) *Controller {
	c := &Controller{
		identifier: identifier,
		previews:   previews,
		logger:     logger.Named("controller"),
		state:      Idle{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Select makes img the current selection and starts identifying it. The returned
// channel is closed once that request has settled, whether its result was applied
// or discarded.
func (c *Controller) Select(img uploader.Image) <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return settled()
	}
	c.releaseLocked()
	c.current = &selection{image: img, handle: c.previews.Create(img)}
	c.logger.Info("image selected",
		zap.String("image", img.Name),
		zap.String("content_type", img.ContentType),
		zap.Int("bytes", len(img.Data)),
	)
	return c.startLocked()
}

// Retry identifies the current selection again, keeping its preview handle.
func (c *Controller) Retry() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed || c.current == nil {
		return settled()
	}
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	return c.startLocked()
}

// Clear drops the selection and any result, releasing the preview handle.
func (c *Controller) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clearLocked()
}

// Close releases everything and ignores further selections.
func (c *Controller) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clearLocked()
	c.closed = true
}

// Snapshot returns the current view.
func (c *Controller) Snapshot() View {
	c.mu.Lock()
	defer c.mu.Unlock()

	v := View{State: c.state}
	if c.current != nil {
		v.ImageName = c.current.image.Name
		v.PreviewHandle = c.current.handle
	}
	return v
}

func (c *Controller) clearLocked() {
	c.releaseLocked()
	c.generation++
	c.state = Idle{}
}

// releaseLocked cancels the in-flight request and revokes the selection's handle.
func (c *Controller) releaseLocked() {
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	if c.current != nil {
		c.previews.Revoke(c.current.handle)
		c.current = nil
	}
}

func (c *Controller) startLocked() <-chan struct{} {
	c.generation++
	gen := c.generation

	var (
		ctx    context.Context
		cancel context.CancelFunc
	)
	if c.timeout > 0 {
		ctx, cancel = context.WithTimeout(context.Background(), c.timeout)
	} else {
		ctx, cancel = context.WithCancel(context.Background())
	}
	c.cancel = cancel
	c.state = Loading{}

	done := make(chan struct{})
	go c.run(ctx, cancel, gen, c.current.image, done)
	return done
}

func (c *Controller) run(ctx context.Context, cancel context.CancelFunc, gen uint64, img uploader.Image, done chan<- struct{}) {
	defer close(done)
	defer cancel()

	result, err := c.identify(ctx, img)

	c.mu.Lock()
	defer c.mu.Unlock()

	if gen != c.generation {
		c.logger.Debug("discarding stale identification",
			zap.Uint64("generation", gen),
			zap.Uint64("current_generation", c.generation),
			zap.String("image", img.Name),
		)
		return
	}
	c.cancel = nil

	if err != nil {
		failed := failedFrom(err)
		c.logger.Info("identification failed", zap.String("kind", failed.Kind.String()), zap.String("message", failed.Message))
		c.state = failed
		return
	}
	c.state = Success{Result: *result}
}

func (c *Controller) identify(ctx context.Context, img uploader.Image) (result *plant.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("identifier panicked", zap.Any("panic", r))
			result, err = nil, fmt.Errorf("identifier panic: %v", r)
		}
	}()

	result, err = c.identifier.Identify(ctx, img)
	if err == nil && result == nil {
		err = errors.New("empty identification result")
	}
	return result, err
}

func failedFrom(err error) Failed {
	var idErr *identify.Error
	if errors.As(err, &idErr) && idErr.Message != "" {
		return Failed{Kind: idErr.Kind, Message: idErr.Message}
	}
	return Failed{Kind: identify.KindUnknown, Message: msgUnexpected}
}

func settled() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
