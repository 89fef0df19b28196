package layer

import (
	"context"
	"errors"
	"testing"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/maptile"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func static() Source {
	return &StaticSource{Data: []byte("x"), ContentType: "image/png"}
}

func TestNewSimple_DefaultsToWorld(t *testing.T) {
	l := NewSimple("a", static(), ZoomRange{0, 18}, orb.Bound{}, true)
	assert.Equal(t, World, l.Bounds())
	assert.Equal(t, KindSimple, l.Kind())
}

func TestNewSimple_NilSourcePanics(t *testing.T) {
	assert.Panics(t, func() {
		NewSimple("a", nil, ZoomRange{0, 18}, World, true)
	})
}

func TestNewComposite_MergesRangeAndBounds(t *testing.T) {
	a := NewSimple("a", static(), ZoomRange{3, 10}, orb.Bound{Min: orb.Point{0, 0}, Max: orb.Point{10, 10}}, true)
	b := NewSimple("b", static(), ZoomRange{1, 14}, orb.Bound{Min: orb.Point{-5, 2}, Max: orb.Point{4, 20}}, true)

	c := NewComposite("a,b", []Layer{a, b})
	assert.Equal(t, KindComposite, c.Kind())
	assert.Equal(t, ZoomRange{1, 14}, c.Range())
	assert.Equal(t, orb.Bound{Min: orb.Point{-5, 0}, Max: orb.Point{10, 20}}, c.Bounds())
	assert.True(t, c.Viewable())
	assert.Equal(t, []Layer{a, b}, c.Layers())
}

func TestExcluded(t *testing.T) {
	europe := orb.Bound{Min: orb.Point{-10, 35}, Max: orb.Point{30, 70}}
	l := NewSimple("eu", static(), ZoomRange{2, 12}, europe, true)

	inside := maptile.At(orb.Point{10, 50}, 6)
	outside := maptile.At(orb.Point{-100, 40}, 6)

	assert.False(t, Excluded(l, inside))
	assert.True(t, Excluded(l, outside))
	assert.True(t, Excluded(l, maptile.At(orb.Point{10, 50}, 1)), "below min zoom")
	assert.True(t, Excluded(l, maptile.At(orb.Point{10, 50}, 13)), "above max zoom")
}

func TestIsTimeout(t *testing.T) {
	assert.True(t, IsTimeout(ErrTimeout))
	assert.True(t, IsTimeout(context.DeadlineExceeded))
	assert.True(t, IsTimeout(errors.Join(errors.New("wrapped"), ErrTimeout)))
	assert.False(t, IsTimeout(errors.New("boom")))
	assert.False(t, IsTimeout(context.Canceled))
}

func TestRegistry_Resolve(t *testing.T) {
	r := NewRegistry()
	a := NewSimple("a", static(), ZoomRange{0, 18}, World, true)
	b := NewSimple("b", static(), ZoomRange{0, 10}, World, true)
	hidden := NewSimple("hidden", static(), ZoomRange{0, 18}, World, false)
	r.Add(a)
	r.Add(b)
	r.Add(hidden)

	l, err := r.Resolve("a")
	require.NoError(t, err)
	assert.Same(t, a, l)

	l, err = r.Resolve("b,a")
	require.NoError(t, err)
	require.Equal(t, KindComposite, l.Kind())
	assert.Equal(t, []Layer{b, a}, l.(*Composite).Layers())

	_, err = r.Resolve("a,missing")
	assert.ErrorIs(t, err, ErrUnknown)

	_, err = r.Resolve("")
	assert.ErrorIs(t, err, ErrUnknown)

	_, err = r.Resolve("a,hidden")
	assert.ErrorIs(t, err, ErrNotViewable)

	names := []string{}
	for _, l := range r.List() {
		names = append(names, l.Name())
	}
	assert.Equal(t, []string{"a", "b", "hidden"}, names)
}
