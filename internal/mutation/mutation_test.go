package mutation

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidate(t *testing.T) {
	require.NoError(t, NewInsert("a", []byte("1"), 1).Validate())
	require.NoError(t, NewUpdate("a", []byte("1"), []byte("2"), 2).Validate())
	require.NoError(t, NewDelete("a", []byte("2"), 3).Validate())
	require.NoError(t, NewDelete("a", nil, 3).AsExpired().Validate())

	bad := []Mutation{
		{Key: "a", Kind: Insert, OldValue: []byte("x")},
		{Key: "a", Kind: Delete, NewValue: []byte("x")},
		{Key: "a", Kind: Kind(9)},
		{Key: "a", Kind: Delete, Expired: true},
	}
	for _, m := range bad {
		err := m.Validate()
		if !errors.Is(err, ErrInvalid) {
			t.Fatalf("expected ErrInvalid for %+v, got %v", m, err)
		}
	}
}

func TestEntryView(t *testing.T) {
	ins := NewInsert("k", []byte("new"), 1)
	assert.Equal(t, Entry{Key: "k", Value: []byte("new")}, ins.Entry())
	_, had := ins.Before()
	assert.False(t, had)

	upd := NewUpdate("k", []byte("old"), []byte("new"), 2)
	assert.Equal(t, []byte("new"), upd.Entry().Value)
	before, had := upd.Before()
	assert.True(t, had)
	assert.Equal(t, []byte("old"), before.Value)

	del := NewDelete("k", []byte("old"), 3)
	assert.Equal(t, []byte("old"), del.Entry().Value)
	_, has := del.After()
	assert.False(t, has)
}

func TestLiteStripsValues(t *testing.T) {
	m := NewUpdate("k", []byte("old"), []byte("new"), 7).AsSynthetic()
	lite := m.Lite()

	assert.Nil(t, lite.OldValue)
	assert.Nil(t, lite.NewValue)
	assert.Equal(t, "k", lite.Key)
	assert.Equal(t, Update, lite.Kind)
	assert.Equal(t, uint64(7), lite.Version)
	assert.True(t, lite.Synthetic)
	// el original no cambia
	assert.Equal(t, []byte("new"), m.NewValue)
}

func TestTransformKeepsIdentity(t *testing.T) {
	m := NewUpdate("k", []byte("old"), []byte("secret"), 4)
	out := m.Transform(func(in Mutation) Mutation {
		in.Key = "other"
		in.Kind = Delete
		in.Version = 99
		in.NewValue = []byte("***")
		return in
	})

	assert.Equal(t, "k", out.Key)
	assert.Equal(t, Update, out.Kind)
	assert.Equal(t, uint64(4), out.Version)
	assert.Equal(t, []byte("***"), out.NewValue)

	assert.Equal(t, m, m.Transform(nil))
}

func TestCleared(t *testing.T) {
	c := Cleared(10)
	assert.True(t, c.IsClear())
	assert.True(t, c.Synthetic)
	assert.Equal(t, "clear@10", c.String())
	assert.False(t, NewUpdate("k", nil, []byte("v"), 1).IsClear())

	// la key vacía es válida: un Update sin valores sobre ella no es un vaciado
	empty := NewUpdate("", nil, nil, 11)
	assert.False(t, empty.IsClear())
	assert.Equal(t, `update ""@11`, empty.String())
	assert.False(t, empty.AsSynthetic().IsClear())

	// el marcador sobrevive a shape y transform
	assert.True(t, c.Lite().IsClear())
	assert.True(t, c.Transform(func(m Mutation) Mutation { return Mutation{} }).IsClear())
}
