package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image/color"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"sync"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/camden-git/lastnurses/gallery"
	"github.com/camden-git/lastnurses/identity"
	"github.com/camden-git/lastnurses/media"
	"github.com/camden-git/lastnurses/models"
	"github.com/camden-git/lastnurses/quota"
	"github.com/camden-git/lastnurses/realtime"
	"github.com/camden-git/lastnurses/remote"
	"github.com/camden-git/lastnurses/repository"
	"github.com/camden-git/lastnurses/session"
	"github.com/camden-git/lastnurses/workers"
)

type recordedEvent struct {
	Type string
	Data interface{}
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (p *recordingPublisher) Publish(eventType string, data interface{}) {
	p.mu.Lock()
	p.events = append(p.events, recordedEvent{eventType, data})
	p.mu.Unlock()
}

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.Type)
	}
	return out
}

type fakeJobs struct {
	submitErr error
	submitted []string
	resets    int
	current   workers.JobSnapshot
}

func (f *fakeJobs) Submit(_ context.Context, uploadID, dataURL string) (string, error) {
	if f.submitErr != nil {
		return "", f.submitErr
	}
	f.submitted = append(f.submitted, uploadID)
	return "job-1", nil
}

func (f *fakeJobs) Current() workers.JobSnapshot { return f.current }
func (f *fakeJobs) Reset()                       { f.resets++ }

type fakeLogin struct {
	err error
}

func (f *fakeLogin) ExchangeCode(_ context.Context, provider, code, _ string) (*remote.LoginResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &remote.LoginResult{Token: "tok-" + code, Username: "nurse", Credits: 5}, nil
}

func (f *fakeLogin) AuthorizeURL(provider, anonymousID string) string {
	return "https://auth.example/" + provider + "?anon=" + anonymousID
}

type emptyJobLog struct{}

func (emptyJobLog) List(string, string, uint64) ([]models.JobRecord, error) { return nil, nil }

type fakeHistory struct{}

func (fakeHistory) History(_ context.Context, _ string) ([]remote.HistoryItem, error) {
	return []remote.HistoryItem{{ID: "1", Processed: "p1"}, {ID: "2", Processed: "p2"}}, nil
}

type testEnv struct {
	server    *httptest.Server
	events    *recordingPublisher
	jobs      *fakeJobs
	ledger    *quota.Ledger
	session   *session.Session
	processor *media.Processor
	login     *fakeLogin
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store, err := media.NewLocalStorage(t.TempDir(), map[media.AssetType]string{
		media.AssetTypeUpload:    "uploads",
		media.AssetTypeThumbnail: "thumbnails",
		media.AssetTypeResult:    "results",
	}, nil)
	require.NoError(t, err)

	kv := repository.NewMemoryKVStore()
	bus := identity.NewBus(nil)
	ledger := quota.NewLedger(kv, nil)
	ledger.Subscribe(bus)
	sess := session.New(kv, bus, nil)

	corrector := media.NewOrientationCorrector(media.DefaultJPEGQuality, 0, nil)
	normalizer := media.NewFormatNormalizer(media.NewHEICSupport(media.LoadGoheif), media.DefaultJPEGQuality, nil, nil)
	pipeline := media.NewIngestPipeline(corrector, normalizer, media.DefaultMaxUploadBytes, nil)
	processor := media.NewProcessor(store, nil, 32, nil, nil)

	env := &testEnv{
		events:    &recordingPublisher{},
		jobs:      &fakeJobs{current: workers.JobSnapshot{State: workers.StateIdle}},
		ledger:    ledger,
		session:   sess,
		processor: processor,
		login:     &fakeLogin{},
	}

	api := &API{
		Uploads:        &UploadHandler{Pipeline: pipeline, Uploads: processor, Jobs: env.jobs, Events: env.events},
		UploadFiles:    AssetServer(store, media.AssetTypeUpload, "/api/uploads/", nil),
		ThumbnailFiles: AssetServer(store, media.AssetTypeThumbnail, "/api/thumbnails/", nil),
		Jobs:           &JobHandler{Jobs: env.jobs, Uploads: processor, JobLog: emptyJobLog{}},
		Quota:          &QuotaHandler{Ledger: ledger},
		Session:        &SessionHandler{Session: sess, Login: env.login},
		Gallery:        &GalleryHandler{Gallery: gallery.NewService(fakeHistory{}, sess, gallery.NewHiddenImages(kv, nil), nil), Hidden: gallery.NewHiddenImages(kv, nil)},
	}
	r := chi.NewRouter()
	r.Route("/api", api.Mount)
	env.server = httptest.NewServer(r)
	t.Cleanup(env.server.Close)
	return env
}

func (e *testEnv) do(t *testing.T, method, path string, body interface{}) *http.Response {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, e.server.URL+path, reader)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (e *testEnv) upload(t *testing.T, name, contentType string, data []byte) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename="%s"`, name))
	h.Set("Content-Type", contentType)
	part, err := mw.CreatePart(h)
	require.NoError(t, err)
	_, err = part.Write(data)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	resp, err := http.Post(e.server.URL+"/api/uploads", mw.FormDataContentType(), &buf)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, dst interface{}) {
	t.Helper()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(dst))
}

func jpegBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, imaging.Encode(&buf, imaging.New(w, h, color.NRGBA{R: 10, G: 120, B: 200, A: 255}), imaging.JPEG))
	return buf.Bytes()
}

func TestUploadFlow(t *testing.T) {
	env := newTestEnv(t)

	resp := env.upload(t, "ward.jpg", media.MimeJPEG, jpegBytes(t, 64, 48))
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var uploaded struct {
		UploadID      string `json:"upload_id"`
		ThumbnailPath string `json:"thumbnail_path"`
		DataURL       string `json:"data_url"`
		Width         int    `json:"width"`
	}
	decodeBody(t, resp, &uploaded)
	assert.True(t, strings.HasSuffix(uploaded.UploadID, ".jpg"))
	assert.True(t, strings.HasPrefix(uploaded.DataURL, "data:image/jpeg;base64,"))
	assert.Equal(t, 64, uploaded.Width)
	assert.Equal(t, []string{realtime.EventPreview, realtime.EventUploadReady}, env.events.types())

	file := env.do(t, http.MethodGet, "/api/uploads/"+uploaded.UploadID, nil)
	assert.Equal(t, http.StatusOK, file.StatusCode)
	assert.Equal(t, "image/jpeg", file.Header.Get("Content-Type"))

	thumb := env.do(t, http.MethodGet, "/api/"+uploaded.ThumbnailPath, nil)
	assert.Equal(t, http.StatusOK, thumb.StatusCode)

	missing := env.do(t, http.MethodGet, "/api/uploads/nope.jpg", nil)
	assert.Equal(t, http.StatusNotFound, missing.StatusCode)

	del := env.do(t, http.MethodDelete, "/api/uploads/"+uploaded.UploadID, nil)
	assert.Equal(t, http.StatusNoContent, del.StatusCode)
	assert.Equal(t, 1, env.jobs.resets)

	gone := env.do(t, http.MethodGet, "/api/uploads/"+uploaded.UploadID, nil)
	assert.Equal(t, http.StatusNotFound, gone.StatusCode)
}

func TestUploadRejectsInvalidInput(t *testing.T) {
	env := newTestEnv(t)

	resp := env.upload(t, "notes.pdf", "application/pdf", []byte("%PDF"))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	var body APIErrorResponse
	decodeBody(t, resp, &body)
	require.Len(t, body.Errors, 1)
	assert.Equal(t, "invalid_input", body.Errors[0].Code)
	assert.Empty(t, env.events.types(), "no preview for rejected input")

	resp = env.upload(t, "huge.png", "image/png", make([]byte, 11*1024*1024))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	body = APIErrorResponse{}
	decodeBody(t, resp, &body)
	require.Len(t, body.Errors, 1)
	assert.Equal(t, "invalid_input", body.Errors[0].Code)
	assert.Contains(t, body.Errors[0].Detail, "image size must be less than 10MB")
	assert.Empty(t, env.events.types())
}

func TestJobSubmission(t *testing.T) {
	env := newTestEnv(t)
	stored, err := env.processor.SaveUpload(context.Background(), &media.NormalizedImage{
		Width: 8, Height: 8, DataURL: media.EncodeDataURL(media.MimeJPEG, jpegBytes(t, 8, 8)),
	})
	require.NoError(t, err)

	resp := env.do(t, http.MethodPost, "/api/jobs", map[string]string{"upload_id": stored.ID})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var body map[string]string
	decodeBody(t, resp, &body)
	assert.Equal(t, "job-1", body["job_id"])
	assert.Equal(t, []string{stored.ID}, env.jobs.submitted)

	resp = env.do(t, http.MethodPost, "/api/jobs", map[string]string{"upload_id": "missing.jpg"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = env.do(t, http.MethodPost, "/api/jobs", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	env.jobs.submitErr = fmt.Errorf("%w: %w", workers.ErrSubmission, workers.ErrQuotaExhausted)
	resp = env.do(t, http.MethodPost, "/api/jobs", map[string]string{"upload_id": stored.ID})
	assert.Equal(t, http.StatusPaymentRequired, resp.StatusCode)

	env.jobs.submitErr = fmt.Errorf("%w: timeout", workers.ErrSubmission)
	resp = env.do(t, http.MethodPost, "/api/jobs", map[string]string{"upload_id": stored.ID})
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	var apiErr APIErrorResponse
	decodeBody(t, resp, &apiErr)
	assert.Equal(t, workers.MsgSubmissionFailed, apiErr.Errors[0].Detail)

	resp = env.do(t, http.MethodGet, "/api/jobs/current", nil)
	var snap workers.JobSnapshot
	decodeBody(t, resp, &snap)
	assert.Equal(t, workers.StateIdle, snap.State)

	resp = env.do(t, http.MethodPost, "/api/jobs/reset", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = env.do(t, http.MethodGet, "/api/jobs?limit=abc", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp = env.do(t, http.MethodGet, "/api/jobs", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestQuotaBonuses(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodGet, "/api/quota", nil)
	var state quota.State
	decodeBody(t, resp, &state)
	assert.Equal(t, quota.State{Identity: identity.Anonymous, Remaining: 1, Total: 1}, state)

	resp = env.do(t, http.MethodPost, "/api/quota/follow-bonus", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decodeBody(t, resp, &state)
	assert.Equal(t, quota.FollowBonusCredits, state.Remaining)
	assert.True(t, state.UsedFollowBonus)

	resp = env.do(t, http.MethodPost, "/api/quota/follow-bonus", nil)
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	var apiErr APIErrorResponse
	decodeBody(t, resp, &apiErr)
	assert.Equal(t, "donation", apiErr.Offer)
	assert.Equal(t, "follow_bonus_used", apiErr.Errors[0].Code)

	resp = env.do(t, http.MethodPost, "/api/quota/donation-bonus", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decodeBody(t, resp, &state)
	assert.Equal(t, quota.FollowBonusCredits+quota.DonationBonusCredits, state.Remaining)
	assert.Equal(t, quota.FollowBonusCredits+quota.DonationBonusCredits, state.Total)
}

func TestSessionLoginFlow(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodGet, "/api/session/facebook/authorize", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var auth map[string]string
	decodeBody(t, resp, &auth)
	anon, err := env.session.AnonymousID()
	require.NoError(t, err)
	assert.Equal(t, "https://auth.example/facebook?anon="+anon, auth["url"])

	resp = env.do(t, http.MethodGet, "/api/session/myspace/authorize", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	env.login.err = errors.New("denied")
	resp = env.do(t, http.MethodPost, "/api/session/facebook/callback", map[string]string{"code": "abc"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = env.do(t, http.MethodGet, "/api/gallery", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	env.login.err = nil
	resp = env.do(t, http.MethodPost, "/api/session/facebook/callback", map[string]string{"code": "abc"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var change identity.Change
	decodeBody(t, resp, &change)
	assert.Equal(t, identity.Authenticated, change.Kind)
	assert.Equal(t, 5, change.Credits)

	state, err := env.ledger.State()
	require.NoError(t, err)
	assert.Equal(t, identity.Authenticated, state.Identity)
	assert.Equal(t, 5, state.Remaining)

	resp = env.do(t, http.MethodGet, "/api/session", nil)
	var status session.Status
	decodeBody(t, resp, &status)
	assert.Equal(t, "nurse", status.Username)
	assert.Equal(t, []string{"facebook"}, status.Connected)

	resp = env.do(t, http.MethodPost, "/api/gallery/hidden/2", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp = env.do(t, http.MethodGet, "/api/gallery", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var items []gallery.Item
	decodeBody(t, resp, &items)
	require.Len(t, items, 1)
	assert.Equal(t, "1", items[0].ID)

	resp = env.do(t, http.MethodDelete, "/api/gallery/hidden", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = env.do(t, http.MethodPost, "/api/session/logout", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	state, err = env.ledger.State()
	require.NoError(t, err)
	assert.Equal(t, identity.Anonymous, state.Identity)
	assert.Equal(t, 1, state.Remaining)
}
