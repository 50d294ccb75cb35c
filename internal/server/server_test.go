package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/labstack/gommon/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dyluth/skillbox/internal/apierr"
	"github.com/dyluth/skillbox/internal/lifecycle"
	"github.com/dyluth/skillbox/internal/logging"
	"github.com/dyluth/skillbox/internal/provision"
	"github.com/dyluth/skillbox/pkg/skill"
)

type stubInstaller struct {
	got     provision.InstallRequest
	payload []byte
	result  *provision.InstallResult
	err     error
}

func (s *stubInstaller) Install(_ context.Context, req provision.InstallRequest) (*provision.InstallResult, error) {
	s.got = req
	if req.Archive != nil {
		s.payload, _ = io.ReadAll(req.Archive)
	}
	return s.result, s.err
}

type stubSkills struct {
	statuses []lifecycle.Status
	err      error

	lastName  string
	lastForce bool
	lastOp    string
}

func (s *stubSkills) List(context.Context) ([]lifecycle.Status, error) {
	s.lastOp = "list"
	return s.statuses, s.err
}

func (s *stubSkills) Get(_ context.Context, name string) (lifecycle.Status, error) {
	s.lastOp, s.lastName = "get", name
	if s.err != nil {
		return lifecycle.Status{}, s.err
	}
	for _, st := range s.statuses {
		if st.Name == name {
			return st, nil
		}
	}
	return lifecycle.Status{}, apierr.New(apierr.CodeNotFound, "skill %s is not installed", name)
}

func (s *stubSkills) Start(_ context.Context, name string) (*lifecycle.Result, error) {
	s.lastOp, s.lastName = "start", name
	if s.err != nil {
		return nil, s.err
	}
	return &lifecycle.Result{State: "started", Detail: "skill started", Container: "c1"}, nil
}

func (s *stubSkills) Stop(_ context.Context, name string, force bool) (*lifecycle.Result, error) {
	s.lastOp, s.lastName, s.lastForce = "stop", name, force
	if s.err != nil {
		return nil, s.err
	}
	return &lifecycle.Result{State: "stopped", Detail: "skill stopped", Container: "c1"}, nil
}

func (s *stubSkills) Delete(_ context.Context, name string, force bool) (*lifecycle.Result, error) {
	s.lastOp, s.lastName, s.lastForce = "delete", name, force
	if s.err != nil {
		return nil, s.err
	}
	return &lifecycle.Result{State: "deleted", Detail: "skill deleted"}, nil
}

type stubAuth struct {
	form url.Values
	err  error
}

func (s *stubAuth) Login(_ context.Context, username, password string) error {
	s.form = url.Values{"username": {username}, "password": {password}}
	return s.err
}

func (s *stubAuth) CheckACL(_ context.Context, username, topic, acc string) error {
	s.form = url.Values{"username": {username}, "topic": {topic}, "acc": {acc}}
	return s.err
}

func (s *stubAuth) Superuser(_ context.Context, username string) error {
	s.form = url.Values{"username": {username}}
	return apierr.New(apierr.CodeForbidden, "no superusers")
}

type harness struct {
	e         *echo.Echo
	installer *stubInstaller
	skills    *stubSkills
	auth      *stubAuth
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		installer: &stubInstaller{},
		skills:    &stubSkills{},
		auth:      &stubAuth{},
	}
	h.e = New(Options{
		Installer:  h.installer,
		Skills:     h.skills,
		Authorizer: h.auth,
		Logger:     logging.Discard(),
	})
	return h
}

func (h *harness) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.e.ServeHTTP(rec, req)
	return rec
}

func formRequest(path string, form url.Values) *http.Request {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationForm)
	return req
}

func uploadRequest(t *testing.T, path, field string, content []byte) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if field != "" {
		fw, err := mw.CreateFormFile(field, "skill.tar.gz")
		require.NoError(t, err)
		_, err = fw.Write(content)
		require.NoError(t, err)
	} else {
		require.NoError(t, mw.WriteField("other", "value"))
	}
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, path, &buf)
	req.Header.Set(echo.HeaderContentType, mw.FormDataContentType())
	return req
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ErrorBody {
	t.Helper()
	var body ErrorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestListSkills(t *testing.T) {
	h := newHarness(t)
	h.skills.statuses = []lifecycle.Status{{
		Name:        "weather",
		StartOnBoot: true,
		TopicAccess: map[string]skill.Access{"weather/report": skill.AccessWrite},
		Container:   "c1",
		State:       "running",
	}}

	rec := h.do(httptest.NewRequest(http.MethodGet, "/api/skills", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var got []map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Len(t, got, 1)
	assert.Equal(t, "weather", got[0]["skill_name"])
	assert.Equal(t, "running", got[0]["container_state"])
	assert.NotContains(t, got[0], "hashed_password")
}

func TestGetSkill_NotFound(t *testing.T) {
	h := newHarness(t)

	rec := h.do(httptest.NewRequest(http.MethodGet, "/api/skills/ghost", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not_found", decodeError(t, rec).ErrorCode)
	assert.Equal(t, "ghost", h.skills.lastName)
}

func TestInstallSkill(t *testing.T) {
	h := newHarness(t)
	h.installer.result = &provision.InstallResult{State: "installed", Detail: "skill installed", Skill: "weather", ContainerID: "c1"}

	req := uploadRequest(t, "/api/skills?force=true&start_on_boot=1", "file", []byte("archive-bytes"))
	rec := h.do(req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, h.installer.got.Force)
	assert.True(t, h.installer.got.StartOnBoot)
	assert.Equal(t, []byte("archive-bytes"), h.installer.payload)

	var got provision.InstallResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "weather", got.Skill)
	assert.Equal(t, "c1", got.ContainerID)
}

func TestInstallSkill_FileRequired(t *testing.T) {
	h := newHarness(t)

	rec := h.do(uploadRequest(t, "/api/skills", "", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "file_required", decodeError(t, rec).ErrorCode)
}

func TestInstallSkill_InvalidBoolean(t *testing.T) {
	h := newHarness(t)

	rec := h.do(uploadRequest(t, "/api/skills?force=maybe", "file", []byte("x")))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "bad_request", decodeError(t, rec).ErrorCode)
}

func TestInstallSkill_ErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"invalid manifest", apierr.WithDetail(apierr.CodeInvalidManifest, []apierr.FieldError{{Field: "slug", Message: "bad"}}), http.StatusUnprocessableEntity, "invalid_manifest"},
		{"conflict", apierr.New(apierr.CodeSkillAlreadyInstalled, "already installed"), http.StatusUnprocessableEntity, "skill_already_installed"},
		{"training", apierr.Wrap(apierr.CodeTrainingUnavailable, errors.New("refused"), ""), http.StatusFailedDependency, "training_unavailable"},
		{"uncoded", errors.New("boom"), http.StatusInternalServerError, "internal"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.installer.err = tt.err

			rec := h.do(uploadRequest(t, "/api/skills", "file", []byte("x")))
			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, tt.code, decodeError(t, rec).ErrorCode)
		})
	}
}

func TestInstallSkill_FieldErrorsInDetail(t *testing.T) {
	h := newHarness(t)
	h.installer.err = apierr.WithDetail(apierr.CodeInvalidManifest, []apierr.FieldError{{Field: "slug", Message: "does not match pattern"}})

	rec := h.do(uploadRequest(t, "/api/skills", "file", []byte("x")))

	var body struct {
		ErrorCode string              `json:"error_code"`
		Detail    []apierr.FieldError `json:"detail"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Detail, 1)
	assert.Equal(t, "slug", body.Detail[0].Field)
}

func TestSkillActions(t *testing.T) {
	tests := []struct {
		name   string
		method string
		path   string
		op     string
		force  bool
		state  string
	}{
		{"start", http.MethodPost, "/api/skills/weather/start", "start", false, "started"},
		{"stop", http.MethodPost, "/api/skills/weather/stop", "stop", false, "stopped"},
		{"force stop", http.MethodPost, "/api/skills/weather/stop?force=true", "stop", true, "stopped"},
		{"delete", http.MethodDelete, "/api/skills/weather", "delete", false, "deleted"},
		{"force delete", http.MethodDelete, "/api/skills/weather?force=true", "delete", true, "deleted"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)

			rec := h.do(httptest.NewRequest(tt.method, tt.path, nil))
			require.Equal(t, http.StatusOK, rec.Code)
			assert.Equal(t, tt.op, h.skills.lastOp)
			assert.Equal(t, "weather", h.skills.lastName)
			assert.Equal(t, tt.force, h.skills.lastForce)

			var got lifecycle.Result
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
			assert.Equal(t, tt.state, got.State)
		})
	}
}

func TestSkillActions_InconsistentState(t *testing.T) {
	h := newHarness(t)
	h.skills.err = apierr.New(apierr.CodeInconsistentState, "no container for weather")

	rec := h.do(httptest.NewRequest(http.MethodPost, "/api/skills/weather/start", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	body := decodeError(t, rec)
	assert.Equal(t, "inconsistent_state", body.ErrorCode)
	assert.Equal(t, "no container for weather", body.Detail)
}

func TestLogin(t *testing.T) {
	h := newHarness(t)

	rec := h.do(formRequest("/api/login", url.Values{"username": {"weather"}, "password": {"s3cret"}}))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "weather", h.auth.form.Get("username"))
	assert.Equal(t, "s3cret", h.auth.form.Get("password"))
}

func TestLogin_Rejected(t *testing.T) {
	h := newHarness(t)
	h.auth.err = apierr.New(apierr.CodeUnauthorized, "invalid credential")

	rec := h.do(formRequest("/api/login", url.Values{"username": {"weather"}, "password": {"nope"}}))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "unauthorized", decodeError(t, rec).ErrorCode)
}

func TestACL(t *testing.T) {
	h := newHarness(t)

	rec := h.do(formRequest("/api/acl", url.Values{"username": {"weather"}, "topic": {"weather/report"}, "acc": {"2"}}))
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "weather/report", h.auth.form.Get("topic"))
	assert.Equal(t, "2", h.auth.form.Get("acc"))
}

func TestACL_Forbidden(t *testing.T) {
	h := newHarness(t)
	h.auth.err = apierr.New(apierr.CodeForbidden, "access denied")

	rec := h.do(formRequest("/api/acl", url.Values{"username": {"weather"}, "topic": {"other"}, "acc": {"1"}}))
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "forbidden", decodeError(t, rec).ErrorCode)
}

func TestSuperuser_AlwaysForbidden(t *testing.T) {
	h := newHarness(t)

	rec := h.do(formRequest("/api/superuser", url.Values{"username": {"weather"}}))
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "weather", h.auth.form.Get("username"))
}

func TestRootRedirectsAndHealth(t *testing.T) {
	h := newHarness(t)

	rec := h.do(httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusTemporaryRedirect, rec.Code)
	assert.Equal(t, "/api/skills", rec.Header().Get(echo.HeaderLocation))

	rec = h.do(httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestUnknownRoute(t *testing.T) {
	h := newHarness(t)

	rec := h.do(httptest.NewRequest(http.MethodGet, "/api/nothing", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not_found", decodeError(t, rec).ErrorCode)
}

func TestSetLevel(t *testing.T) {
	tests := map[string]log.Lvl{
		"debug":   log.DEBUG,
		"INFO":    log.INFO,
		"":        log.WARN,
		"error":   log.ERROR,
		"off":     log.OFF,
		"verbose": log.WARN,
	}
	for in, want := range tests {
		e := echo.New()
		SetLevel(e, in)
		assert.Equal(t, want, e.Logger.Level(), "level %q", in)
	}
}

func TestRun_ShutsDownOnCancel(t *testing.T) {
	e := New(Options{Logger: logging.Discard()})
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- Run(ctx, e, "127.0.0.1:0", logging.Discard()) }()

	cancel()
	assert.NoError(t, <-done)
}
