package reactionrolehttp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/vivibot/vivibot/internal/reactionrole"
	"github.com/vivibot/vivibot/internal/storage"
)

type countingNotifier struct {
	mu    sync.Mutex
	count int64
}

func (n *countingNotifier) Publish(context.Context) (int64, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.count++
	return n.count, nil
}

type apiFixture struct {
	router   http.Handler
	store    *storage.Memory
	notifier *countingNotifier
}

func newFixture(t *testing.T) apiFixture {
	t.Helper()
	store := storage.NewMemory()
	notifier := &countingNotifier{}
	reg := reactionrole.NewRegistry(reactionrole.Deps{Store: store})
	router := chi.NewRouter()
	NewHandler(nil, reg, notifier).MountRoutes(router)
	return apiFixture{router: router, store: store, notifier: notifier}
}

func (f apiFixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rr := httptest.NewRecorder()
	f.router.ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&out))
	return out
}

func TestAdminLifecycle(t *testing.T) {
	f := newFixture(t)
	const base = "/api/v1/reaction-roles"

	rr := f.do(t, http.MethodPost, base+"/", `{"message_id":1234,"name":"RR1234","reaction":"🙂"}`)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	created := decode[reactionrole.RuleSnapshot](t, rr)
	require.True(t, created.Active)
	rulePath := fmt.Sprintf("%s/%d", base, created.ID)

	rr = f.do(t, http.MethodPatch, rulePath, `{"message_id":1345,"name":"RR1345","reaction":"🙃","active":false}`)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	updated := decode[reactionrole.RuleSnapshot](t, rr)
	require.Equal(t, int64(1345), updated.MessageID)
	require.False(t, updated.Active)

	rr = f.do(t, http.MethodPost, rulePath+"/changes", `{"role_id":2345,"add":true}`)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	change := decode[reactionrole.ChangeSnapshot](t, rr)
	rr = f.do(t, http.MethodPost, rulePath+"/changes", `{"role_id":2345,"add":true}`)
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, change.ID, decode[reactionrole.ChangeSnapshot](t, rr).ID)
	require.Equal(t, 1, f.store.Count(storage.TableChange))

	changePath := fmt.Sprintf("%s/changes/%d", rulePath, change.ID)
	rr = f.do(t, http.MethodPatch, changePath, `{"add":false,"origin_message":"Test"}`)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	patched := decode[reactionrole.ChangeSnapshot](t, rr)
	require.False(t, patched.Add)
	require.Equal(t, "Test", *patched.OriginMessage)

	rr = f.do(t, http.MethodDelete, changePath, "")
	require.Equal(t, http.StatusNoContent, rr.Code)
	rr = f.do(t, http.MethodDelete, changePath, "")
	require.Equal(t, http.StatusNoContent, rr.Code)

	rr = f.do(t, http.MethodPost, rulePath+"/requirements", `{"role_id":6789}`)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	requirement := decode[reactionrole.RequirementSnapshot](t, rr)
	rr = f.do(t, http.MethodPost, rulePath+"/requirements", `{"role_id":6789}`)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	require.Equal(t, requirement.ID, decode[reactionrole.RequirementSnapshot](t, rr).ID)
	rr = f.do(t, http.MethodPatch, fmt.Sprintf("%s/requirements/%d", rulePath, requirement.ID), `{"role_id":6790}`)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	require.Equal(t, int64(6790), decode[reactionrole.RequirementSnapshot](t, rr).RoleID)

	rr = f.do(t, http.MethodGet, base+"/", "")
	require.Equal(t, http.StatusOK, rr.Code)
	list := decode[[]reactionrole.RuleSnapshot](t, rr)
	require.Len(t, list, 1)
	require.Len(t, list[0].Requirements, 1)
	require.Empty(t, list[0].Changes)

	rr = f.do(t, http.MethodDelete, rulePath, "")
	require.Equal(t, http.StatusNoContent, rr.Code)
	rr = f.do(t, http.MethodGet, rulePath, "")
	require.Equal(t, http.StatusNotFound, rr.Code)
	require.Equal(t, 0, f.store.Count(storage.TableRequirement))
	require.Equal(t, int64(11), f.notifier.count)
}

func TestAdminErrors(t *testing.T) {
	f := newFixture(t)
	const base = "/api/v1/reaction-roles"

	rr := f.do(t, http.MethodPost, base+"/", `{"message_id":0,"name":"x","reaction":"🙂"}`)
	require.Equal(t, http.StatusBadRequest, rr.Code)
	rr = f.do(t, http.MethodPost, base+"/", `{"message_id":1,"unknown":true}`)
	require.Equal(t, http.StatusBadRequest, rr.Code)
	rr = f.do(t, http.MethodGet, base+"/abc", "")
	require.Equal(t, http.StatusBadRequest, rr.Code)
	rr = f.do(t, http.MethodGet, base+"/42", "")
	require.Equal(t, http.StatusNotFound, rr.Code)

	rr = f.do(t, http.MethodPost, base+"/", `{"message_id":1,"name":"r","reaction":"🙂"}`)
	require.Equal(t, http.StatusCreated, rr.Code)
	rulePath := fmt.Sprintf("%s/%d", base, decode[reactionrole.RuleSnapshot](t, rr).ID)

	rr = f.do(t, http.MethodPatch, rulePath+"/changes/99", `{"add":false}`)
	require.Equal(t, http.StatusNotFound, rr.Code)

	require.Equal(t, http.StatusCreated, f.do(t, http.MethodPost, rulePath+"/changes", `{"role_id":1}`).Code)
	rr = f.do(t, http.MethodPost, rulePath+"/changes", `{"role_id":2}`)
	require.Equal(t, http.StatusCreated, rr.Code)
	second := decode[reactionrole.ChangeSnapshot](t, rr)
	rr = f.do(t, http.MethodPatch, fmt.Sprintf("%s/changes/%d", rulePath, second.ID), `{"role_id":1}`)
	require.Equal(t, http.StatusConflict, rr.Code)

	f.store.SetHook(func(_ context.Context, op storage.Op, _ string) error {
		if op == storage.OpUpdate {
			return errors.New("database down")
		}
		return nil
	})
	rr = f.do(t, http.MethodPatch, rulePath, `{"name":"renamed"}`)
	require.Equal(t, http.StatusServiceUnavailable, rr.Code)
	require.Equal(t, "application/problem+json", rr.Header().Get("Content-Type"))
	require.Equal(t, int64(3), f.notifier.count)
}

func TestAdminWritesAreRateLimited(t *testing.T) {
	f := newFixture(t)
	var last int
	for i := 0; i <= writeRateLimit; i++ {
		last = f.do(t, http.MethodPost, "/api/v1/reaction-roles/", `{}`).Code
	}
	require.Equal(t, http.StatusTooManyRequests, last)
	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/api/v1/reaction-roles/", "").Code)
}

func TestClassify(t *testing.T) {
	cases := map[error]int{
		reactionrole.ErrUseAfterDelete: http.StatusGone,
		reactionrole.ErrChildNotFound:  http.StatusNotFound,
		context.DeadlineExceeded:       http.StatusServiceUnavailable,
	}
	for err, status := range cases {
		rr := httptest.NewRecorder()
		NewHandler(nil, nil, nil).respondError(rr, httptest.NewRequest(http.MethodGet, "/", nil), err)
		require.Equal(t, status, rr.Code, err.Error())
	}
}
