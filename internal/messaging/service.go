package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/BTreeMap/OutreachPipe/internal/models"
)

var (
	// ErrNoTransport means the agent's transport is not registered or not usable.
	ErrNoTransport = errors.New("no transport configured for agent")
	// ErrInvalidRecipient means the lead's phone number could not be normalized.
	ErrInvalidRecipient = errors.New("invalid recipient")
)

// Content is what an opening message is built from.
type Content struct {
	TemplateID string
	Variables  map[string]string
	// Body is the cached template body. Text transports render it; template transports ignore it.
	Body string
}

// Result describes an accepted send.
type Result struct {
	MessageID string
	Transport string
	// Rendered is the text actually sent, when the transport sends text.
	Rendered string
}

// Dispatcher delivers an opening message on behalf of an agent.
type Dispatcher interface {
	Send(ctx context.Context, agent *models.AgentConfig, to string, c Content) (Result, error)
}

// Router picks a Dispatcher by the agent's transport name.
type Router struct {
	mu          sync.RWMutex
	dispatchers map[string]Dispatcher
}

var _ Dispatcher = (*Router)(nil)

func NewRouter() *Router {
	return &Router{dispatchers: make(map[string]Dispatcher)}
}

// Register installs d for the transport name, replacing any previous one.
func (r *Router) Register(transport string, d Dispatcher) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dispatchers[transport] = d
	slog.Debug("Router.Register", "transport", transport)
}

func (r *Router) Send(ctx context.Context, agent *models.AgentConfig, to string, c Content) (Result, error) {
	name := agent.TransportName()
	r.mu.RLock()
	d, ok := r.dispatchers[name]
	r.mu.RUnlock()
	if !ok {
		return Result{}, fmt.Errorf("%w: %s", ErrNoTransport, name)
	}
	res, err := d.Send(ctx, agent, to, c)
	if err != nil {
		return Result{}, err
	}
	res.Transport = name
	return res, nil
}
