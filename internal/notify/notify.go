package notify

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/jogardn/coffee-orders/internal/breaker"
	"github.com/jogardn/coffee-orders/pkg/models"
	"github.com/sirupsen/logrus"
)

// Notifier announces that an order is ready on behalf of a barista.
type Notifier interface {
	Notify(ctx context.Context, order *models.Order, barista string) error
}

type NotifierFunc func(ctx context.Context, order *models.Order, barista string) error

func (f NotifierFunc) Notify(ctx context.Context, order *models.Order, barista string) error {
	return f(ctx, order, barista)
}

// WriterNotifier prints the ready line to a stream. Writes are serialized so
// concurrent announcements never interleave.
type WriterNotifier struct {
	mu sync.Mutex
	w  io.Writer
}

func NewWriterNotifier(w io.Writer) *WriterNotifier {
	return &WriterNotifier{w: w}
}

func (n *WriterNotifier) Notify(_ context.Context, order *models.Order, barista string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return order.Notify(n.w, barista)
}

type Fanout struct {
	notifiers map[string]Notifier
	order     []string
	logger    *logrus.Logger
}

func NewFanout(logger *logrus.Logger) *Fanout {
	return &Fanout{
		notifiers: make(map[string]Notifier),
		logger:    logger,
	}
}

// Add registers a notifier under a name used in logs. Adding a name twice
// replaces the earlier notifier.
func (f *Fanout) Add(name string, n Notifier) {
	if _, ok := f.notifiers[name]; !ok {
		f.order = append(f.order, name)
	}
	f.notifiers[name] = n
}

// Notify calls every notifier in registration order. A failing notifier does
// not stop the others.
func (f *Fanout) Notify(ctx context.Context, order *models.Order, barista string) error {
	var errs []error
	for _, name := range f.order {
		if err := f.notifiers[name].Notify(ctx, order, barista); err != nil {
			f.logger.WithError(err).WithFields(logrus.Fields{
				"notifier": name,
				"order_id": order.ID,
			}).Error("Failed to announce order")
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

// Guarded runs n behind a circuit breaker.
func Guarded(n Notifier, b *breaker.Breaker) Notifier {
	return NotifierFunc(func(ctx context.Context, order *models.Order, barista string) error {
		return b.Execute(ctx, func(ctx context.Context) error {
			return n.Notify(ctx, order, barista)
		})
	})
}
