package gallery

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/camden-git/lastnurses/remote"
	"github.com/camden-git/lastnurses/repository"
)

func TestHiddenImages(t *testing.T) {
	store := repository.NewMemoryKVStore()
	h := NewHiddenImages(store, nil)

	for _, id := range []string{"img10", "img2", "img1", "img2"} {
		require.NoError(t, h.Hide(id))
	}
	require.Error(t, h.Hide(""))

	ids, err := h.List()
	require.NoError(t, err)
	assert.Equal(t, []string{"img1", "img2", "img10"}, ids)

	raw, _, _ := store.Get(HiddenKey)
	assert.JSONEq(t, `["img10","img2","img1"]`, raw)

	hidden, err := h.IsHidden("img2")
	require.NoError(t, err)
	assert.True(t, hidden)

	require.NoError(t, h.UnhideAll())
	_, ok, _ := store.Get(HiddenKey)
	assert.False(t, ok)
	hidden, err = h.IsHidden("img2")
	require.NoError(t, err)
	assert.False(t, hidden)
}

func TestHiddenImagesCorruptValue(t *testing.T) {
	store := repository.NewMemoryKVStore()
	require.NoError(t, store.Set(HiddenKey, "{not json"))
	h := NewHiddenImages(store, nil)

	ids, err := h.List()
	require.NoError(t, err)
	assert.Empty(t, ids)
	require.NoError(t, h.Hide("a"))
	ids, err = h.List()
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, ids)
}

type fakeHistory struct {
	items []remote.HistoryItem
	err   error
	token string
}

func (f *fakeHistory) History(_ context.Context, token string) ([]remote.HistoryItem, error) {
	f.token = token
	return f.items, f.err
}

type fixedToken string

func (f fixedToken) Token() string { return string(f) }

func TestServiceItemsFiltersHidden(t *testing.T) {
	h := NewHiddenImages(repository.NewMemoryKVStore(), nil)
	require.NoError(t, h.Hide("2"))
	history := &fakeHistory{items: []remote.HistoryItem{
		{ID: "1", Original: "o1", Processed: "p1", CreatedAt: "2024-01-01"},
		{ID: "2", Original: "o2", Processed: "p2"},
		{JobID: "job-3", Processed: "p3"},
	}}

	svc := NewService(history, fixedToken("tok"), h, nil)
	items, err := svc.Items(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok", history.token)
	require.Len(t, items, 2)
	assert.Equal(t, Item{ID: "1", Original: "o1", Processed: "p1", Date: "2024-01-01"}, items[0])
	assert.Equal(t, "job-3", items[1].ID)
}

func TestServiceItemsRequiresToken(t *testing.T) {
	svc := NewService(&fakeHistory{}, fixedToken(""), NewHiddenImages(repository.NewMemoryKVStore(), nil), nil)
	_, err := svc.Items(context.Background())
	require.ErrorIs(t, err, ErrAuthenticationRequired)

	svc = NewService(&fakeHistory{err: errors.New("boom")}, fixedToken("tok"), NewHiddenImages(repository.NewMemoryKVStore(), nil), nil)
	_, err = svc.Items(context.Background())
	require.Error(t, err)
}
