package link

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// ResponderState is the lifecycle state of a Responder
type ResponderState string

const (
	ResponderIdle    ResponderState = "idle"
	ResponderServing ResponderState = "serving"
	ResponderStopped ResponderState = "stopped"
)

// ServeOptions configures one Serve call
type ServeOptions struct {
	ServiceID   uuid.UUID
	AttributeID uuid.UUID
	LocalName   string
	// OnRead supplies the full attribute value. It is called for every
	// read request; the Responder slices it by offset.
	OnRead func() []byte
	// OnWrite receives each written fragment as is
	OnWrite func(value []byte)
	// OnState, when set, observes state transitions
	OnState func(ResponderState)
}

// Responder advertises the bootstrap service and serves its attribute
type Responder struct {
	radio Peripheral

	mu    sync.Mutex
	state ResponderState
}

// NewResponder creates a Responder on top of radio
func NewResponder(radio Peripheral) *Responder {
	return &Responder{radio: radio, state: ResponderIdle}
}

// State returns the current state
func (r *Responder) State() ResponderState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *Responder) setState(s ResponderState, observe func(ResponderState)) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
	if observe != nil {
		observe(s)
	}
}

// ReadAt returns payload[offset:]. An offset equal to the length yields an
// empty slice; a negative offset or one past the end is invalid.
func ReadAt(payload []byte, offset int) ([]byte, error) {
	if offset < 0 || offset > len(payload) {
		return nil, fmt.Errorf("%w: %d for %d bytes", ErrInvalidOffset, offset, len(payload))
	}
	return append([]byte{}, payload[offset:]...), nil
}

// Serve advertises and serves until ctx is cancelled or either activity
// fails. Advertisement and server are released before Serve returns on
// every path. Cancellation of ctx is not an error.
func (r *Responder) Serve(ctx context.Context, opts ServeOptions) error {
	if opts.OnRead == nil || opts.OnWrite == nil {
		return fmt.Errorf("serve: OnRead and OnWrite are required")
	}
	if opts.ServiceID == uuid.Nil {
		opts.ServiceID = DefaultServiceID
	}
	if opts.AttributeID == uuid.Nil {
		opts.AttributeID = DefaultAttributeID
	}

	r.mu.Lock()
	if r.state == ResponderServing {
		r.mu.Unlock()
		return ErrBusy
	}
	r.state = ResponderServing
	r.mu.Unlock()
	if opts.OnState != nil {
		opts.OnState(ResponderServing)
	}
	defer r.setState(ResponderStopped, opts.OnState)

	log.Info().
		Str("service", opts.ServiceID.String()).
		Str("attribute", opts.AttributeID.String()).
		Msg("Responder serving")

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		adv, err := r.radio.Advertise(gctx, AdvertiseOptions{
			ServiceID: opts.ServiceID,
			LocalName: opts.LocalName,
			LowPower:  true,
		})
		if err != nil {
			return fmt.Errorf("%w: %w", ErrAdvertise, err)
		}
		defer func() {
			if err := adv.Stop(); err != nil {
				log.Warn().Err(err).Msg("Failed to stop advertisement")
			}
		}()

		select {
		case <-gctx.Done():
			return nil
		case err := <-adv.Faults():
			return fmt.Errorf("%w: %w", ErrAdvertise, err)
		}
	})

	g.Go(func() error {
		srv, err := r.radio.OpenServer(gctx, ServiceDefinition{
			ServiceID:   opts.ServiceID,
			AttributeID: opts.AttributeID,
			OnRead: func(offset int) ([]byte, error) {
				return ReadAt(opts.OnRead(), offset)
			},
			OnWrite: func(value []byte) error {
				log.Debug().Int("bytes", len(value)).Msg("Attribute written")
				opts.OnWrite(append([]byte{}, value...))
				return nil
			},
		})
		if err != nil {
			return fmt.Errorf("%w: %w", ErrServer, err)
		}
		defer func() {
			if err := srv.Close(); err != nil {
				log.Warn().Err(err).Msg("Failed to close attribute server")
			}
		}()

		select {
		case <-gctx.Done():
			return nil
		case err := <-srv.Faults():
			return fmt.Errorf("%w: %w", ErrServer, err)
		}
	})

	err := g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("Responder stopped on fault")
		return err
	}

	log.Info().Msg("Responder stopped")
	return nil
}
