package session

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/foofork/riptide/internal/id/uuid"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

type seqIDGen struct{ n int }

func (g *seqIDGen) NewID() (string, error) {
	g.n++
	return fmt.Sprintf("session-%d", g.n), nil
}

func TestCreateAndGet(t *testing.T) {
	t.Parallel()

	clk := &fakeClock{now: time.Unix(1700000000, 0).UTC()}
	m := NewManager(&seqIDGen{}, clk, nil)

	s, err := m.Create("news-crawl", 3)
	require.NoError(t, err)
	assert.Equal(t, "session-1", s.ID)
	assert.Equal(t, 3, s.SeedCount)
	assert.Equal(t, clk.now, s.CreatedAt)

	view, err := m.Get(s.ID)
	require.NoError(t, err)
	assert.Equal(t, "news-crawl", view.Label)

	_, err = m.Get("missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAddSeeds(t *testing.T) {
	t.Parallel()

	m := NewManager(&seqIDGen{}, &fakeClock{now: time.Now()}, nil)
	s, err := m.Create("", 1)
	require.NoError(t, err)

	require.NoError(t, m.AddSeeds(s.ID, 4))
	view, err := m.Get(s.ID)
	require.NoError(t, err)
	assert.Equal(t, 5, view.SeedCount)

	assert.ErrorIs(t, m.AddSeeds("missing", 1), ErrNotFound)
}

func TestListNewestFirst(t *testing.T) {
	t.Parallel()

	clk := &fakeClock{now: time.Unix(1700000000, 0).UTC()}
	m := NewManager(&seqIDGen{}, clk, nil)

	first, err := m.Create("first", 0)
	require.NoError(t, err)
	clk.now = clk.now.Add(time.Minute)
	second, err := m.Create("second", 0)
	require.NoError(t, err)

	list := m.List()
	require.Len(t, list, 2)
	assert.Equal(t, second.ID, list[0].ID)
	assert.Equal(t, first.ID, list[1].ID)
}

func TestCreateWithUUIDGenerator(t *testing.T) {
	t.Parallel()

	m := NewManager(uuid.NewUUIDGenerator(), &fakeClock{now: time.Now()}, nil)
	a, err := m.Create("", 0)
	require.NoError(t, err)
	b, err := m.Create("", 0)
	require.NoError(t, err)
	assert.NotEqual(t, a.ID, b.ID)
}
