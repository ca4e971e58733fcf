package sync

import (
	"net/http"
	"testing"

	"github.com/matheus3301/wsync/internal/graph"
	"github.com/matheus3301/wsync/internal/transport"
	"github.com/matheus3301/wsync/internal/transport/transporttest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type userFetcher struct {
	deleted []string
}

func (f *userFetcher) RequestForFetching(obj *graph.Object) *transport.Request {
	return transport.NewRequest(http.MethodGet, "/users/"+obj.RemoteID, nil)
}

func (f *userFetcher) Update(tx *graph.Tx, obj *graph.Object, resp *transport.Response) error {
	var body struct {
		Name string `json:"name"`
	}
	if err := resp.Decode(&body); err != nil {
		return err
	}
	return tx.Modify(obj.ID, func(o *graph.Object) { o.User().Name = body.Name })
}

func (f *userFetcher) Delete(tx *graph.Tx, obj *graph.Object, _ *transport.Response) error {
	f.deleted = append(f.deleted, obj.RemoteID)
	return tx.Delete(obj.ID)
}

func newTestStore() *graph.Store {
	return graph.NewStore(nil, nil, zap.NewNop())
}

func seedUsers(t *testing.T, s *graph.Store, remoteIDs ...string) []graph.ID {
	t.Helper()
	var ids []graph.ID
	require.NoError(t, s.Write(func(tx *graph.Tx) error {
		for _, r := range remoteIDs {
			id, _ := tx.FetchOrCreate(graph.EntityUser, r)
			ids = append(ids, id)
		}
		return nil
	}))
	return ids
}

func newUserDownstream(s *graph.Store, f *userFetcher) *DownstreamSync {
	d := NewDownstreamSync("users", NeedsFetch(graph.EntityUser), nil, f, s, zap.NewNop())
	s.Register(d)
	return d
}

func TestDownstreamServesEveryObjectBeforeRepeating(t *testing.T) {
	s := newTestStore()
	seedUsers(t, s, "u1", "u2", "u3")
	d := newUserDownstream(s, &userFetcher{})

	var first []*transport.Request
	for range 3 {
		req := d.NextRequest()
		require.NotNil(t, req)
		first = append(first, req)
	}
	assert.Nil(t, d.NextRequest(), "every object is in flight")
	assert.ElementsMatch(t, []string{"/users/u1", "/users/u2", "/users/u3"},
		[]string{first[0].Path, first[1].Path, first[2].Path})

	// Transient failures keep objects eligible in the same rotation.
	for _, req := range first {
		transporttest.Respond(req, http.StatusServiceUnavailable, nil)
	}
	for i := range 3 {
		req := d.NextRequest()
		require.NotNil(t, req)
		assert.Equal(t, first[i].Path, req.Path)
	}
}

func TestDownstreamRotationWithoutInFlight(t *testing.T) {
	s := newTestStore()
	seedUsers(t, s, "u1", "u2", "u3")
	d := newUserDownstream(s, &userFetcher{})

	seen := map[string]int{}
	for range 3 {
		req := d.NextRequest()
		require.NotNil(t, req)
		seen[req.Path]++
		transporttest.Respond(req, http.StatusTooManyRequests, nil)
	}
	assert.Len(t, seen, 3)
	for path, n := range seen {
		assert.Equal(t, 1, n, path)
	}
}

func TestDownstreamSuccessClearsFlag(t *testing.T) {
	s := newTestStore()
	ids := seedUsers(t, s, "u1")
	d := newUserDownstream(s, &userFetcher{})

	req := d.NextRequest()
	require.NotNil(t, req)
	transporttest.Respond(req, http.StatusOK, map[string]string{"name": "Ada"})

	obj, ok := s.Get(ids[0])
	require.True(t, ok)
	assert.False(t, obj.NeedsUpdate)
	assert.Equal(t, "Ada", obj.User().Name)
	assert.False(t, d.HasOutstandingItems())
	assert.Nil(t, d.NextRequest())
}

func TestDownstreamNotFoundDeletesObject(t *testing.T) {
	s := newTestStore()
	ids := seedUsers(t, s, "u1")
	f := &userFetcher{}
	d := newUserDownstream(s, f)

	transporttest.Respond(d.NextRequest(), http.StatusNotFound, nil)

	_, ok := s.Get(ids[0])
	assert.False(t, ok)
	assert.Equal(t, []string{"u1"}, f.deleted)
	assert.Nil(t, d.NextRequest())
}

func TestDownstreamPermanentErrorMarksFailed(t *testing.T) {
	s := newTestStore()
	ids := seedUsers(t, s, "u1")
	d := newUserDownstream(s, &userFetcher{})

	transporttest.Respond(d.NextRequest(), http.StatusBadRequest, map[string]string{"label": "bad-request"})

	obj, ok := s.Get(ids[0])
	require.True(t, ok)
	assert.True(t, obj.Failed)
	assert.False(t, obj.NeedsUpdate)
	assert.Nil(t, d.NextRequest())
}

func TestDownstreamMalformedPayloadMarksFailed(t *testing.T) {
	s := newTestStore()
	ids := seedUsers(t, s, "u1")
	d := newUserDownstream(s, &userFetcher{})

	req := d.NextRequest()
	req.Complete(&transport.Response{StatusCode: http.StatusOK, Body: []byte("{")})

	obj, _ := s.Get(ids[0])
	assert.True(t, obj.Failed)
}

func TestDownstreamDeleteCancelsInFlightFetch(t *testing.T) {
	s := newTestStore()
	ids := seedUsers(t, s, "u1")
	d := newUserDownstream(s, &userFetcher{})

	req := d.NextRequest()
	require.NotNil(t, req)
	require.NoError(t, s.Write(func(tx *graph.Tx) error { return tx.Delete(ids[0]) }))
	assert.True(t, req.Cancelled())

	// A late success for the deleted object is ignored.
	assert.NotPanics(t, func() {
		transporttest.Respond(req, http.StatusOK, map[string]string{"name": "late"})
	})
	assert.False(t, d.HasOutstandingItems())
}

func TestDownstreamFilterRestrictsWorkingSet(t *testing.T) {
	s := newTestStore()
	seedUsers(t, s, "u1", "u2")
	d := NewDownstreamSync("users", NeedsFetch(graph.EntityUser), func(o *graph.Object) bool {
		return o.RemoteID == "u2"
	}, &userFetcher{}, s, zap.NewNop())
	s.Register(d)

	req := d.NextRequest()
	require.NotNil(t, req)
	assert.Equal(t, "/users/u2", req.Path)
	assert.Nil(t, d.NextRequest())
}
