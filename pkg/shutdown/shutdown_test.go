package shutdown

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type closer struct{ closed bool }

func (c *closer) Close() error {
	c.closed = true
	return nil
}

func TestShutdownOrder(t *testing.T) {
	m := New(time.Second, nil)

	var order []string
	for _, name := range []string{"store", "service", "http"} {
		m.Register(name, func(context.Context) error {
			order = append(order, name)
			return nil
		})
	}
	assert.NoError(t, m.Shutdown())
	assert.Equal(t, []string{"http", "service", "store"}, order)
}

func TestShutdownContinuesAfterError(t *testing.T) {
	m := New(time.Second, nil)
	c := &closer{}
	m.Register("store", CloseResource(c))
	m.Register("broken", func(context.Context) error { return errors.New("boom") })

	err := m.Shutdown()
	assert.ErrorContains(t, err, "broken: boom")
	assert.True(t, c.closed)
}

func TestShutdownTimeout(t *testing.T) {
	m := New(10*time.Millisecond, nil)
	m.Register("slow", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	assert.ErrorIs(t, m.Shutdown(), context.DeadlineExceeded)
}
