// Package tasks defines the core data structures of a broadcast task: the
// immutable parameters captured at start, the persisted running status and
// the error taxonomy shared by the engine, the stores and the remote client.
package tasks

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// ID is the opaque handle of a task, used for monitoring and cancellation.
type ID string

// NewID allocates a fresh, unguessable task id.
func NewID() ID {
	return ID(uuid.New().String())
}

func (id ID) String() string {
	return string(id)
}

// Parameters is the snapshot a task is started with. It never changes once
// a worker has picked it up.
type Parameters struct {
	// Credentials are tried in order for every message. Blank entries are
	// dropped by Normalize.
	Credentials []string `json:"credentials" validate:"required,min=1,dive,required"`

	// Messages are delivered in order, cycling back to the first one after
	// the last credential of the last message.
	Messages []string `json:"messages" validate:"required,min=1,dive,required"`

	// Prefix is prepended to every message body, separated by a space.
	Prefix string `json:"prefix"`

	// Destination identifies where the remote service should deliver.
	Destination string `json:"destination" validate:"required"`

	// Pacing is the delay between two consecutive credentials. Values below
	// the engine floor, negative ones included, are raised to the floor.
	Pacing time.Duration `json:"pacing"`
}

var validate = validator.New()

// Normalize returns a trimmed copy of p: blank credentials and messages are
// removed, credentials and the destination are trimmed. The returned slices
// never alias the caller's.
func (p Parameters) Normalize() Parameters {
	out := Parameters{
		Prefix:      p.Prefix,
		Destination: strings.TrimSpace(p.Destination),
		Pacing:      p.Pacing,
	}
	for _, c := range p.Credentials {
		if c = strings.TrimSpace(c); c != "" {
			out.Credentials = append(out.Credentials, c)
		}
	}
	for _, m := range p.Messages {
		m = strings.TrimRight(m, "\r\n")
		if strings.TrimSpace(m) != "" {
			out.Messages = append(out.Messages, m)
		}
	}
	return out
}

// Validate checks that p is structurally usable. Failures wrap
// ErrInvalidParameters with the first offending field.
func (p Parameters) Validate() error {
	err := validate.Struct(p)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		return fmt.Errorf("%w: %s failed %q", ErrInvalidParameters, strings.ToLower(fe.Field()), fe.Tag())
	}
	return fmt.Errorf("%w: %v", ErrInvalidParameters, err)
}

// ClampPacing raises the pacing interval to floor when it is below it.
func (p Parameters) ClampPacing(floor time.Duration) time.Duration {
	if p.Pacing < floor {
		return floor
	}
	return p.Pacing
}

// Compose builds the text sent for one message body.
func (p Parameters) Compose(body string) string {
	return strings.TrimSpace(p.Prefix + " " + body)
}
