package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/agentworkforce/relaydocs/internal/relaydocs"
	"github.com/golang-jwt/jwt/v5"
)

type testEnv struct {
	server  *Server
	store   *relaydocs.MemoryStore
	content *relaydocs.MemoryContentStore
	tracker *relaydocs.EditTracker
	keys    *relaydocs.SignedKeys
	links   *relaydocs.ShareLinks
	metrics *recordingMetrics
	root    relaydocs.NativeFolder
}

type envOptions struct {
	cfg       ServerConfig
	content   relaydocs.ContentStore
	converter relaydocs.Converter
	gate      TenantGate
}

func newTestEnv(t *testing.T, opts envOptions) *testEnv {
	t.Helper()
	memContent := relaydocs.NewMemoryContentStore()
	content := opts.content
	if content == nil {
		content = memContent
	}
	store := relaydocs.NewMemoryStore(content)
	users := relaydocs.NewMemoryDirectory()
	users.AddUser("alice", "Alice Doe", false)
	users.AddUser("bob", "Bob Roe", false)

	security := relaydocs.NewShareSecurity(store, store, store, users)
	marker := relaydocs.NewFileMarker(store, store, store, users)
	shareLinks := relaydocs.NewShareLinks("link-secret", store, store)
	tracker := relaydocs.NewEditTracker(relaydocs.TrackerDeps{
		Files:    store,
		Tags:     store,
		Security: security,
		Users:    users,
		Links:    shareLinks,
		Marker:   marker,
	})
	ledger := relaydocs.NewLedger(relaydocs.LedgerDeps{
		Files:      store,
		Tracker:    tracker,
		Marker:     marker,
		Security:   security,
		Users:      users,
		ShareLinks: shareLinks,
		Guard:      relaydocs.NewUpdateGuard(relaydocs.NewMemoryLeaseStore(), time.Minute, nil, nil),
	})
	catalog := relaydocs.NewCatalog(relaydocs.CatalogDeps{
		Files:     store,
		Folders:   store,
		Shares:    store,
		Providers: store,
		Security:  security,
		Users:     users,
		Marker:    marker,
	})
	keys := relaydocs.NewSignedKeys("stream-secret")
	links := &relaydocs.Links{PublicURL: "http://docs.test", Keys: keys, Content: content}
	metrics := &recordingMetrics{}

	server := NewServer(Deps{
		Store:      store,
		Catalog:    catalog,
		Ledger:     ledger,
		Tracker:    tracker,
		Track:      relaydocs.NewTrackProcessor(store, tracker, ledger, nil, nil),
		Security:   security,
		Marker:     marker,
		Converter:  opts.converter,
		Links:      links,
		Keys:       keys,
		ShareLinks: shareLinks,
		Gate:       opts.gate,
		Metrics:    metrics,
	}, opts.cfg)

	root, err := store.SaveFolder(context.Background(), relaydocs.NativeFolder{
		EntryMeta:  relaydocs.EntryMeta{Title: "My documents", CreatedBy: "alice"},
		FolderType: relaydocs.FolderUser,
	})
	if err != nil {
		t.Fatalf("save root: %v", err)
	}
	return &testEnv{
		server:  server,
		store:   store,
		content: memContent,
		tracker: tracker,
		keys:    keys,
		links:   shareLinks,
		metrics: metrics,
		root:    root,
	}
}

func (e *testEnv) file(t *testing.T, parent relaydocs.NativeFolder, title, body string) relaydocs.File {
	t.Helper()
	file, err := e.store.SaveFile(context.Background(), relaydocs.File{
		EntryMeta: relaydocs.EntryMeta{Title: title, ParentID: parent.ID, CreatedBy: "alice"},
	}, strings.NewReader(body))
	if err != nil {
		t.Fatalf("save file: %v", err)
	}
	return file
}

func (e *testEnv) share(t *testing.T, file relaydocs.File, subject string, level relaydocs.ShareLevel) {
	t.Helper()
	err := e.store.SetShare(context.Background(), relaydocs.ShareRecord{
		EntryID:   file.ID,
		EntryKind: relaydocs.KindFile,
		Subject:   subject,
		Share:     level,
	})
	if err != nil {
		t.Fatalf("set share: %v", err)
	}
}

type recordingMetrics struct {
	mu        sync.Mutex
	responses map[string]int
	bytes     map[string]int64
	aborts    map[string]int
}

func (m *recordingMetrics) ObserveResponse(action string, status int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.responses == nil {
		m.responses = map[string]int{}
	}
	m.responses[fmt.Sprintf("%s:%d", action, status)]++
}

func (m *recordingMetrics) AddBytes(action string, n int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.bytes == nil {
		m.bytes = map[string]int64{}
	}
	m.bytes[action] += n
}

func (m *recordingMetrics) ClientAborted(action string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.aborts == nil {
		m.aborts = map[string]int{}
	}
	m.aborts[action]++
}

type fakeConverter struct{}

func (fakeConverter) EnableConvert(file relaydocs.File, toExt string) bool {
	return relaydocs.Convertible(file.Extension(), toExt)
}

func (fakeConverter) Exec(_ context.Context, file relaydocs.File, toExt string) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader("converted:" + file.ID + toExt)), nil
}

func (fakeConverter) GetConvertedURI(context.Context, string, string, string, string) (string, error) {
	return "", relaydocs.ErrNotImplemented
}

type presigningContent struct {
	*relaydocs.MemoryContentStore
}

func (presigningContent) PresignGet(_ context.Context, key, downloadName string, _ time.Duration) (string, error) {
	return "https://cdn.test/" + key + "?name=" + url.QueryEscape(downloadName), nil
}

type staticGate bool

func (g staticGate) Paid(context.Context) bool { return bool(g) }

func mustToken(t *testing.T, userID string) string {
	t.Helper()
	token, err := IssueIdentityToken("dev-secret", relaydocs.Identity{UserID: userID}, time.Hour)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return token
}

func authHeaders(t *testing.T, userID string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + mustToken(t, userID)}
}

func handlerPath(action string, params url.Values) string {
	params.Set("action", action)
	return "/files/handler?" + params.Encode()
}

func patterned(n int) string {
	var b strings.Builder
	for i := 0; i < n; i++ {
		b.WriteByte(byte('a' + i%26))
	}
	return b.String()
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	resp := doRequest(t, env.server, request{method: http.MethodGet, path: "/health"})
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
}

func TestAuthRequired(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	req := httptest.NewRequest(http.MethodGet, "/v1/folders/"+env.root.ID+"/entries", nil)
	rec := httptest.NewRecorder()

	env.server.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestIdentityTokenValidation(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	sign := func(claims jwt.MapClaims) string {
		token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("dev-secret"))
		if err != nil {
			t.Fatalf("sign: %v", err)
		}
		return token
	}
	cases := map[string]string{
		"expired":       sign(jwt.MapClaims{"sub": "alice", "aud": "relaydocs", "exp": time.Now().Add(-time.Minute).Unix()}),
		"wrong aud":     sign(jwt.MapClaims{"sub": "alice", "aud": "other", "exp": time.Now().Add(time.Hour).Unix()}),
		"no exp":        sign(jwt.MapClaims{"sub": "alice", "aud": "relaydocs"}),
		"no subject":    sign(jwt.MapClaims{"aud": "relaydocs", "exp": time.Now().Add(time.Hour).Unix()}),
		"other secret":  mustOtherSecretToken(t),
		"not a jwt":     "abc.def",
		"empty bearer ": "",
	}
	for name, token := range cases {
		t.Run(name, func(t *testing.T) {
			resp := doRequest(t, env.server, request{
				method:  http.MethodGet,
				path:    "/v1/folders/" + env.root.ID + "/entries",
				headers: map[string]string{"Authorization": "Bearer " + token},
			})
			if resp.Code != http.StatusUnauthorized {
				t.Fatalf("expected 401, got %d (%s)", resp.Code, resp.Body.String())
			}
		})
	}
}

func mustOtherSecretToken(t *testing.T) string {
	t.Helper()
	token, err := IssueIdentityToken("other-secret", relaydocs.Identity{UserID: "alice"}, time.Hour)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return token
}

func TestRangeRequestResumesLargeFile(t *testing.T) {
	env := newTestEnv(t, envOptions{cfg: ServerConfig{InlineThreshold: 1024}})
	source := patterned(10000)
	doc := env.file(t, env.root, "big.docx", source)

	resp := doRequest(t, env.server, request{
		method: http.MethodGet,
		path:   handlerPath("download", url.Values{"fileid": {doc.ID}}),
		headers: map[string]string{
			"Authorization": "Bearer " + mustToken(t, "alice"),
			"Range":         "bytes=4000-",
		},
	})
	if resp.Code != http.StatusPartialContent {
		t.Fatalf("expected 206, got %d (%s)", resp.Code, resp.Body.String())
	}
	if got := resp.Header().Get("Content-Range"); got != "bytes 4000-9999/10000" {
		t.Fatalf("unexpected content range %q", got)
	}
	if got := resp.Header().Get("Content-Length"); got != "6000" {
		t.Fatalf("unexpected content length %q", got)
	}
	if got := resp.Header().Get("Accept-Ranges"); got != "bytes" {
		t.Fatalf("expected byte ranges to be advertised, got %q", got)
	}
	if resp.Body.Len() != 6000 || resp.Body.String() != source[4000:] {
		t.Fatalf("body is not the tail of the source (len %d)", resp.Body.Len())
	}

	full := doRequest(t, env.server, request{
		method:  http.MethodGet,
		path:    handlerPath("download", url.Values{"fileid": {doc.ID}}),
		headers: authHeaders(t, "alice"),
	})
	if full.Code != http.StatusOK || full.Body.String() != source {
		t.Fatalf("expected full content, got %d len %d", full.Code, full.Body.Len())
	}

	beyond := doRequest(t, env.server, request{
		method: http.MethodGet,
		path:   handlerPath("download", url.Values{"fileid": {doc.ID}}),
		headers: map[string]string{
			"Authorization": "Bearer " + mustToken(t, "alice"),
			"Range":         "bytes=10000-",
		},
	})
	if beyond.Code != http.StatusRequestedRangeNotSatisfiable {
		t.Fatalf("expected 416, got %d", beyond.Code)
	}
	if got := beyond.Header().Get("Content-Range"); got != "bytes */10000" {
		t.Fatalf("unexpected unsatisfied range header %q", got)
	}
	if env.metrics.bytes["download"] != 16000 {
		t.Fatalf("expected 16000 bytes observed, got %d", env.metrics.bytes["download"])
	}
}

func TestSmallFilesIgnoreRange(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	doc := env.file(t, env.root, "small.docx", "hello world")

	resp := doRequest(t, env.server, request{
		method: http.MethodGet,
		path:   handlerPath("download", url.Values{"fileid": {doc.ID}}),
		headers: map[string]string{
			"Authorization": "Bearer " + mustToken(t, "alice"),
			"Range":         "bytes=6-",
		},
	})
	if resp.Code != http.StatusOK || resp.Body.String() != "hello world" {
		t.Fatalf("expected full inline body, got %d %q", resp.Code, resp.Body.String())
	}
	if got := resp.Header().Get("Content-Length"); got != "11" {
		t.Fatalf("expected content length up front, got %q", got)
	}
}

func TestConditionalCaching(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	doc := env.file(t, env.root, "cached.docx", "v1")
	path := handlerPath("download", url.Values{"fileid": {doc.ID}})

	first := doRequest(t, env.server, request{method: http.MethodGet, path: path, headers: authHeaders(t, "alice")})
	if first.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", first.Code)
	}
	etag := first.Header().Get("ETag")
	if !strings.HasPrefix(etag, `W/"`+doc.ID+":1:") {
		t.Fatalf("unexpected etag %q", etag)
	}

	second := doRequest(t, env.server, request{
		method: http.MethodGet,
		path:   path,
		headers: map[string]string{
			"Authorization": "Bearer " + mustToken(t, "alice"),
			"If-None-Match": etag,
		},
	})
	if second.Code != http.StatusNotModified || second.Body.Len() != 0 {
		t.Fatalf("expected empty 304, got %d (%s)", second.Code, second.Body.String())
	}

	saved := doRawRequest(t, env.server, rawRequest{
		method:  http.MethodPut,
		path:    "/v1/files/" + doc.ID + "/content",
		headers: authHeaders(t, "alice"),
		body:    []byte("v2"),
	})
	if saved.Code != http.StatusOK {
		t.Fatalf("save: %d (%s)", saved.Code, saved.Body.String())
	}

	third := doRequest(t, env.server, request{
		method: http.MethodGet,
		path:   path,
		headers: map[string]string{
			"Authorization": "Bearer " + mustToken(t, "alice"),
			"If-None-Match": etag,
		},
	})
	if third.Code != http.StatusOK || third.Body.String() != "v2" {
		t.Fatalf("expected fresh 200 after a new version, got %d %q", third.Code, third.Body.String())
	}
	if third.Header().Get("ETag") == etag {
		t.Fatalf("etag must change with the version")
	}
}

func TestDownloadHeaders(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	doc := env.file(t, env.root, "q1,q2.docx", "x")

	resp := doRequest(t, env.server, request{
		method:  http.MethodGet,
		path:    handlerPath("download", url.Values{"fileid": {doc.ID}}),
		headers: authHeaders(t, "alice"),
	})
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	if got := resp.Header().Get("Content-Disposition"); got != "attachment; filename=q1_q2.docx" {
		t.Fatalf("unexpected disposition %q", got)
	}
	if got := resp.Header().Get("Content-Type"); got != relaydocs.MimeType("a.docx") {
		t.Fatalf("unexpected content type %q", got)
	}
	if got := resp.Header().Get("Cache-Control"); got != "public" {
		t.Fatalf("unexpected cache control %q", got)
	}

	view := doRequest(t, env.server, request{
		method:  http.MethodGet,
		path:    handlerPath("view", url.Values{"fileid": {doc.ID}}),
		headers: authHeaders(t, "alice"),
	})
	if !strings.HasPrefix(view.Header().Get("Content-Disposition"), "inline") {
		t.Fatalf("view must be inline, got %q", view.Header().Get("Content-Disposition"))
	}
}

func TestDownloadRefusals(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	doc := env.file(t, env.root, "private.docx", "secret")

	tests := []struct {
		name    string
		path    string
		headers map[string]string
		want    int
	}{
		{"anonymous", handlerPath("download", url.Values{"fileid": {doc.ID}}), nil, http.StatusForbidden},
		{"stranger", handlerPath("download", url.Values{"fileid": {doc.ID}}), authHeaders(t, "bob"), http.StatusForbidden},
		{"bad bearer", handlerPath("download", url.Values{"fileid": {doc.ID}}), map[string]string{"Authorization": "Bearer nope"}, http.StatusForbidden},
		{"missing file", handlerPath("download", url.Values{"fileid": {"missing"}}), authHeaders(t, "alice"), http.StatusNotFound},
		{"no file id", handlerPath("download", url.Values{}), authHeaders(t, "alice"), http.StatusBadRequest},
		{"bad version", handlerPath("download", url.Values{"fileid": {doc.ID}, "version": {"x"}}), authHeaders(t, "alice"), http.StatusBadRequest},
		{"unknown action", handlerPath("explode", url.Values{"fileid": {doc.ID}}), authHeaders(t, "alice"), http.StatusBadRequest},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			resp := doRequest(t, env.server, request{method: http.MethodGet, path: tc.path, headers: tc.headers})
			if resp.Code != tc.want {
				t.Fatalf("expected %d, got %d (%s)", tc.want, resp.Code, resp.Body.String())
			}
		})
	}
	if env.metrics.responses["unknown:400"] != 1 {
		t.Fatalf("unknown actions must be grouped, got %v", env.metrics.responses)
	}
}

func TestDownloadThroughShareToken(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	doc := env.file(t, env.root, "shared.docx", "linked")
	env.share(t, doc, relaydocs.ShareLinkSubject, relaydocs.ShareRead)
	token, err := env.links.Create(doc.ID, time.Hour)
	if err != nil {
		t.Fatalf("create link: %v", err)
	}

	resp := doRequest(t, env.server, request{
		method: http.MethodGet,
		path:   handlerPath("download", url.Values{"fileid": {doc.ID}, "doc": {token}}),
	})
	if resp.Code != http.StatusOK || resp.Body.String() != "linked" {
		t.Fatalf("expected linked content, got %d %q", resp.Code, resp.Body.String())
	}

	other := env.file(t, env.root, "other.docx", "nope")
	resp = doRequest(t, env.server, request{
		method: http.MethodGet,
		path:   handlerPath("download", url.Values{"fileid": {other.ID}, "doc": {token}}),
	})
	if resp.Code != http.StatusForbidden {
		t.Fatalf("a token must not open other files, got %d", resp.Code)
	}
}

func TestUnusableFileIsNotServed(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	broken, err := env.store.SaveFile(context.Background(), relaydocs.File{
		EntryMeta: relaydocs.EntryMeta{Title: "broken.docx", ParentID: env.root.ID, CreatedBy: "alice"},
		Error:     "provider unavailable",
	}, strings.NewReader("x"))
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	resp := doRequest(t, env.server, request{
		method:  http.MethodGet,
		path:    handlerPath("download", url.Values{"fileid": {broken.ID}}),
		headers: authHeaders(t, "alice"),
	})
	if resp.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for an unusable file, got %d", resp.Code)
	}
}

func TestPresignedRedirectAndConversion(t *testing.T) {
	env := newTestEnv(t, envOptions{
		content:   presigningContent{relaydocs.NewMemoryContentStore()},
		converter: fakeConverter{},
	})
	doc := env.file(t, env.root, "plan.docx", "native")

	resp := doRequest(t, env.server, request{
		method:  http.MethodGet,
		path:    handlerPath("download", url.Values{"fileid": {doc.ID}}),
		headers: authHeaders(t, "alice"),
	})
	if resp.Code != http.StatusFound {
		t.Fatalf("expected redirect, got %d", resp.Code)
	}
	if got := resp.Header().Get("Location"); !strings.HasPrefix(got, "https://cdn.test/files/"+doc.ID+"/v1") {
		t.Fatalf("unexpected location %q", got)
	}

	env.share(t, doc, relaydocs.ShareLinkSubject, relaydocs.ShareRead)
	token, err := env.links.Create(doc.ID, time.Hour)
	if err != nil {
		t.Fatalf("create link: %v", err)
	}
	linked := doRequest(t, env.server, request{
		method: http.MethodGet,
		path:   handlerPath("download", url.Values{"fileid": {doc.ID}, "doc": {token}}),
	})
	if linked.Code != http.StatusOK || linked.Body.String() != "native" {
		t.Fatalf("share-link reads must be proxied, got %d %q", linked.Code, linked.Body.String())
	}

	converted := doRequest(t, env.server, request{
		method:  http.MethodGet,
		path:    handlerPath("download", url.Values{"fileid": {doc.ID}, "outputtype": {"pdf"}}),
		headers: authHeaders(t, "alice"),
	})
	if converted.Code != http.StatusOK {
		t.Fatalf("conversion must be proxied, got %d (%s)", converted.Code, converted.Body.String())
	}
	if converted.Body.String() != "converted:"+doc.ID+".pdf" {
		t.Fatalf("unexpected converted body %q", converted.Body.String())
	}
	if got := converted.Header().Get("Content-Disposition"); got != "attachment; filename=plan.pdf" {
		t.Fatalf("unexpected disposition %q", got)
	}
	if converted.Header().Get("ETag") == fileETag(doc) {
		t.Fatalf("converted output needs its own etag")
	}

	unsupported := doRequest(t, env.server, request{
		method:  http.MethodGet,
		path:    handlerPath("download", url.Values{"fileid": {doc.ID}, "outputtype": {"mp3"}}),
		headers: authHeaders(t, "alice"),
	})
	if unsupported.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unsupported conversion, got %d", unsupported.Code)
	}
}

func TestPaymentGate(t *testing.T) {
	env := newTestEnv(t, envOptions{gate: staticGate(false)})
	doc := env.file(t, env.root, "a.docx", "x")
	resp := doRequest(t, env.server, request{
		method:  http.MethodGet,
		path:    handlerPath("download", url.Values{"fileid": {doc.ID}}),
		headers: authHeaders(t, "alice"),
	})
	if resp.Code != http.StatusPaymentRequired {
		t.Fatalf("expected 402, got %d", resp.Code)
	}
}

func TestStreamActionSignature(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	doc := env.file(t, env.root, "a.docx", "streamed")
	key := env.keys.Generate(relaydocs.StreamKeyValue(doc.ID, 1))

	ok := doRequest(t, env.server, request{
		method: http.MethodGet,
		path:   handlerPath("stream", url.Values{"fileid": {doc.ID}, "version": {"1"}, "stream_auth": {key}}),
	})
	if ok.Code != http.StatusOK || ok.Body.String() != "streamed" {
		t.Fatalf("expected streamed content, got %d %q", ok.Code, ok.Body.String())
	}

	for name, params := range map[string]url.Values{
		"tampered":      {"fileid": {doc.ID}, "version": {"1"}, "stream_auth": {key + "0"}},
		"other version": {"fileid": {doc.ID}, "version": {"2"}, "stream_auth": {key}},
		"no version":    {"fileid": {doc.ID}, "stream_auth": {key}},
		"no key":        {"fileid": {doc.ID}, "version": {"1"}},
	} {
		resp := doRequest(t, env.server, request{method: http.MethodGet, path: handlerPath("stream", params)})
		if resp.Code != http.StatusForbidden {
			t.Fatalf("%s: expected 403, got %d", name, resp.Code)
		}
	}
}

func TestRedirectLeadsToSignedStream(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	doc := env.file(t, env.root, "a.docx", "payload")

	resp := doRequest(t, env.server, request{
		method:  http.MethodGet,
		path:    handlerPath("redirect", url.Values{"fileid": {doc.ID}}),
		headers: authHeaders(t, "alice"),
	})
	if resp.Code != http.StatusFound {
		t.Fatalf("expected 302, got %d", resp.Code)
	}
	location, err := url.Parse(resp.Header().Get("Location"))
	if err != nil || location.Query().Get("action") != "stream" {
		t.Fatalf("unexpected location %q", resp.Header().Get("Location"))
	}
	follow := doRequest(t, env.server, request{method: http.MethodGet, path: location.RequestURI()})
	if follow.Code != http.StatusOK || follow.Body.String() != "payload" {
		t.Fatalf("signed link must serve the file, got %d %q", follow.Code, follow.Body.String())
	}
}

func TestDiffTempAndBulkActions(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	ctx := context.Background()
	doc := env.file(t, env.root, "a.docx", "x")
	if err := env.store.SaveDifference(ctx, doc, strings.NewReader("changes")); err != nil {
		t.Fatalf("save diff: %v", err)
	}
	diff := doRequest(t, env.server, request{
		method: http.MethodGet,
		path: handlerPath("diff", url.Values{
			"fileid":      {doc.ID},
			"version":     {"1"},
			"stream_auth": {env.keys.Generate(relaydocs.StreamKeyValue(doc.ID, 1))},
		}),
	})
	if diff.Code != http.StatusOK || diff.Body.String() != "changes" {
		t.Fatalf("expected diff archive, got %d %q", diff.Code, diff.Body.String())
	}

	links := &relaydocs.Links{Keys: env.keys, Content: env.content}
	tempURL, err := links.TempURL(ctx, []byte("temporary"), ".docx")
	if err != nil {
		t.Fatalf("temp url: %v", err)
	}
	parsed, _ := url.Parse(tempURL)
	temp := doRequest(t, env.server, request{method: http.MethodGet, path: parsed.RequestURI()})
	if temp.Code != http.StatusOK || temp.Body.String() != "temporary" {
		t.Fatalf("expected temp stream, got %d %q", temp.Code, temp.Body.String())
	}
	params := parsed.Query()
	params.Set("auth", "1.bad")
	if resp := doRequest(t, env.server, request{method: http.MethodGet, path: "/files/handler?" + params.Encode()}); resp.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for a bad temp key, got %d", resp.Code)
	}

	if _, err := env.content.Put(ctx, relaydocs.BulkKey("alice", "documents.zip"), strings.NewReader("zip")); err != nil {
		t.Fatalf("put bulk: %v", err)
	}
	bulk := doRequest(t, env.server, request{method: http.MethodGet, path: handlerPath("bulk", url.Values{}), headers: authHeaders(t, "alice")})
	if bulk.Code != http.StatusOK || bulk.Body.String() != "zip" {
		t.Fatalf("expected bulk archive, got %d %q", bulk.Code, bulk.Body.String())
	}
	if resp := doRequest(t, env.server, request{method: http.MethodGet, path: handlerPath("bulk", url.Values{}), headers: authHeaders(t, "bob")}); resp.Code != http.StatusNotFound {
		t.Fatalf("bob has no archive, got %d", resp.Code)
	}
	if resp := doRequest(t, env.server, request{method: http.MethodGet, path: handlerPath("bulk", url.Values{})}); resp.Code != http.StatusForbidden {
		t.Fatalf("anonymous bulk must be refused, got %d", resp.Code)
	}
}

func TestCreateAction(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	ctx := context.Background()
	if _, err := env.content.Put(ctx, relaydocs.TemplateKey(".docx"), strings.NewReader("TEMPLATE")); err != nil {
		t.Fatalf("put template: %v", err)
	}

	resp := doRequest(t, env.server, request{
		method:  http.MethodGet,
		path:    handlerPath("create", url.Values{"folderid": {env.root.ID}, "title": {"Plan"}}),
		headers: authHeaders(t, "alice"),
	})
	if resp.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d (%s)", resp.Code, resp.Body.String())
	}
	var created relaydocs.File
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if created.Title != "Plan.docx" || created.Version != 1 {
		t.Fatalf("unexpected file %+v", created)
	}
	stored, err := env.store.GetFile(ctx, created.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	rc, err := env.store.GetFileStream(ctx, stored, 0)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	data, _ := io.ReadAll(rc)
	_ = rc.Close()
	if string(data) != "TEMPLATE" {
		t.Fatalf("expected template content, got %q", data)
	}

	source := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("remote body"))
	}))
	defer source.Close()
	fromURL := doRequest(t, env.server, request{
		method:  http.MethodPost,
		path:    handlerPath("create", url.Values{"folderid": {env.root.ID}, "title": {"notes.txt"}, "createUrl": {source.URL}}),
		headers: authHeaders(t, "alice"),
	})
	if fromURL.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d (%s)", fromURL.Code, fromURL.Body.String())
	}

	denied := doRequest(t, env.server, request{
		method:  http.MethodGet,
		path:    handlerPath("create", url.Values{"folderid": {env.root.ID}, "title": {"x"}}),
		headers: authHeaders(t, "bob"),
	})
	if denied.Code != http.StatusForbidden {
		t.Fatalf("bob cannot create in alice's folder, got %d", denied.Code)
	}
}

func TestTrackCallbackWithoutSecret(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	doc := env.file(t, env.root, "a.docx", "v1")
	path := handlerPath("track", url.Values{"fileid": {doc.ID}})

	resp := doRawRequest(t, env.server, rawRequest{
		method: http.MethodPost,
		path:   path,
		body:   []byte(`{"key":"k1","status":1,"users":["alice"]}`),
	})
	assertTrackReply(t, resp, "0")
	if !env.tracker.IsEditing(doc.ID) {
		t.Fatalf("status 1 must register the editors")
	}

	bad := doRawRequest(t, env.server, rawRequest{
		method: http.MethodPost,
		path:   path,
		body:   []byte(`{"key":"k1","status":5}`),
	})
	if bad.Code != http.StatusOK {
		t.Fatalf("track always answers 200, got %d", bad.Code)
	}
	if reply := decodeTrackReply(t, bad); reply == "0" || !strings.Contains(reply, "invalid callback payload") {
		t.Fatalf("expected schema failure, got %q", reply)
	}

	notJSON := doRawRequest(t, env.server, rawRequest{method: http.MethodPost, path: path, body: []byte("nope")})
	if reply := decodeTrackReply(t, notJSON); reply == "0" {
		t.Fatalf("expected failure for a non-json body")
	}
}

func TestTrackCallbackSavesSignedPayload(t *testing.T) {
	env := newTestEnv(t, envOptions{cfg: ServerConfig{SignatureSecret: "editor-secret"}})
	doc := env.file(t, env.root, "a.docx", "v1")
	source := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("saved by editor"))
	}))
	defer source.Close()
	path := handlerPath("track", url.Values{"fileid": {doc.ID}})
	event := map[string]any{
		"key":     "k1",
		"status":  2,
		"url":     source.URL + "/out.docx",
		"users":   []string{"alice"},
		"actions": []map[string]any{{"type": 0, "userid": "alice"}},
	}

	unsigned := doRequest(t, env.server, request{method: http.MethodPost, path: path, body: event})
	if reply := decodeTrackReply(t, unsigned); reply == "0" {
		t.Fatalf("unsigned callbacks must be refused once a secret is set")
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"payload": event}).SignedString([]byte("editor-secret"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	signed := doRequest(t, env.server, request{
		method:  http.MethodPost,
		path:    path,
		headers: map[string]string{"Authorization": "Bearer " + token},
		body:    map[string]any{},
	})
	assertTrackReply(t, signed, "0")

	latest, err := env.store.GetFile(context.Background(), doc.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if latest.Version != 2 || latest.ModifiedBy != "alice" {
		t.Fatalf("expected v2 by alice, got %+v", latest)
	}

	flat := map[string]any{"key": "k1", "status": 4}
	bodyToken, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims(flat)).SignedString([]byte("editor-secret"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	inBody := doRequest(t, env.server, request{method: http.MethodPost, path: path, body: map[string]any{"token": bodyToken}})
	assertTrackReply(t, inBody, "0")

	keyed := doRequest(t, env.server, request{
		method: http.MethodPost,
		path:   handlerPath("track", url.Values{"fileid": {doc.ID}, "stream_auth": {env.keys.Generate(doc.ID)}}),
		body:   map[string]any{"key": "k1", "status": 0},
	})
	assertTrackReply(t, keyed, "0")
}

func decodeTrackReply(t *testing.T, resp *httptest.ResponseRecorder) string {
	t.Helper()
	var reply trackReply
	if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
		t.Fatalf("decode track reply: %v", err)
	}
	return reply.Error
}

func assertTrackReply(t *testing.T, resp *httptest.ResponseRecorder, want string) {
	t.Helper()
	if resp.Code != http.StatusOK {
		t.Fatalf("track must answer 200, got %d", resp.Code)
	}
	if got := decodeTrackReply(t, resp); got != want {
		t.Fatalf("expected track reply %q, got %q", want, got)
	}
}

func TestListEntriesPagination(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	for _, title := range []string{"c.docx", "a.docx", "b.docx"} {
		env.file(t, env.root, title, title)
	}
	list := func(offset int) (titles []string, total int) {
		resp := doRequest(t, env.server, request{
			method:  http.MethodGet,
			path:    fmt.Sprintf("/v1/folders/%s/entries?orderBy=az&asc=true&offset=%d&limit=2", env.root.ID, offset),
			headers: authHeaders(t, "alice"),
		})
		if resp.Code != http.StatusOK {
			t.Fatalf("list: %d (%s)", resp.Code, resp.Body.String())
		}
		var listing struct {
			Entries []struct {
				Title string `json:"title"`
			} `json:"entries"`
			Total int `json:"total"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&listing); err != nil {
			t.Fatalf("decode: %v", err)
		}
		for _, e := range listing.Entries {
			titles = append(titles, e.Title)
		}
		return titles, listing.Total
	}

	titles, total := list(0)
	if strings.Join(titles, ",") != "a.docx,b.docx" || total != 3 {
		t.Fatalf("first page: %v total %d", titles, total)
	}
	titles, total = list(2)
	if strings.Join(titles, ",") != "c.docx" || total != 3 {
		t.Fatalf("second page: %v total %d", titles, total)
	}

	for _, query := range []string{"filter=everything", "orderBy=colour", "offset=-1", "asc=maybe"} {
		resp := doRequest(t, env.server, request{
			method:  http.MethodGet,
			path:    "/v1/folders/" + env.root.ID + "/entries?" + query,
			headers: authHeaders(t, "alice"),
		})
		if resp.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d", query, resp.Code)
		}
	}
}

func TestBreadCrumbsEndpoint(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	sub, err := env.store.SaveFolder(context.Background(), relaydocs.NativeFolder{
		EntryMeta: relaydocs.EntryMeta{Title: "Sub", ParentID: env.root.ID, CreatedBy: "alice"},
	})
	if err != nil {
		t.Fatalf("save folder: %v", err)
	}
	resp := doRequest(t, env.server, request{
		method:  http.MethodGet,
		path:    "/v1/folders/" + sub.ID + "/breadcrumbs",
		headers: authHeaders(t, "alice"),
	})
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", resp.Code, resp.Body.String())
	}
	var body struct {
		Breadcrumbs []struct {
			ID string `json:"id"`
		} `json:"breadcrumbs"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Breadcrumbs) < 2 || body.Breadcrumbs[len(body.Breadcrumbs)-1].ID != sub.ID {
		t.Fatalf("unexpected breadcrumbs %+v", body.Breadcrumbs)
	}
}

func TestVersionEndpoints(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	doc := env.file(t, env.root, "plan.docx", "v1")
	decodeFile := func(resp *httptest.ResponseRecorder) relaydocs.File {
		t.Helper()
		if resp.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d (%s)", resp.Code, resp.Body.String())
		}
		var f relaydocs.File
		if err := json.NewDecoder(resp.Body).Decode(&f); err != nil {
			t.Fatalf("decode: %v", err)
		}
		return f
	}

	saved := decodeFile(doRawRequest(t, env.server, rawRequest{
		method:  http.MethodPut,
		path:    "/v1/files/" + doc.ID + "/content?comment=draft",
		headers: authHeaders(t, "alice"),
		body:    []byte("v2"),
	}))
	if saved.Version != 2 || saved.Comment != "draft" {
		t.Fatalf("unexpected save %+v", saved)
	}

	restored := decodeFile(doRequest(t, env.server, request{
		method:  http.MethodPost,
		path:    "/v1/files/" + doc.ID + "/versions/1/restore",
		headers: authHeaders(t, "alice"),
	}))
	if restored.Version != 3 {
		t.Fatalf("restore must append a version, got %d", restored.Version)
	}

	completed := decodeFile(doRequest(t, env.server, request{
		method:  http.MethodPost,
		path:    "/v1/files/" + doc.ID + "/versions/3/complete",
		headers: authHeaders(t, "alice"),
	}))
	if completed.VersionGroup != 2 {
		t.Fatalf("complete must advance the group, got %d", completed.VersionGroup)
	}
	continued := decodeFile(doRequest(t, env.server, request{
		method:  http.MethodPost,
		path:    "/v1/files/" + doc.ID + "/versions/3/complete?continue=true",
		headers: authHeaders(t, "alice"),
	}))
	if continued.VersionGroup != 1 {
		t.Fatalf("continue must merge the group back, got %d", continued.VersionGroup)
	}

	bad := doRequest(t, env.server, request{
		method:  http.MethodPost,
		path:    "/v1/files/" + doc.ID + "/versions/zero/restore",
		headers: authHeaders(t, "alice"),
	})
	if bad.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for a bad version, got %d", bad.Code)
	}
}

func TestSaveContentFromDownloadURI(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	doc := env.file(t, env.root, "plan.docx", "v1")
	source := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("fetched"))
	}))
	defer source.Close()

	resp := doRequest(t, env.server, request{
		method: http.MethodPut,
		path:   "/v1/files/" + doc.ID + "/content",
		headers: map[string]string{
			"Authorization": "Bearer " + mustToken(t, "alice"),
			"Content-Type":  "application/json",
		},
		body: map[string]any{"downloadUri": source.URL + "/plan.docx"},
	})
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", resp.Code, resp.Body.String())
	}
	latest, _ := env.store.GetFile(context.Background(), doc.ID)
	if latest.Version != 2 || latest.ContentLength != int64(len("fetched")) {
		t.Fatalf("unexpected latest %+v", latest)
	}
}

func TestErrorMapping(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	ctx := context.Background()
	doc := env.file(t, env.root, "locked.docx", "v1")
	env.share(t, doc, "bob", relaydocs.ShareReadWrite)
	trash, err := env.store.SaveFolder(ctx, relaydocs.NativeFolder{
		EntryMeta:  relaydocs.EntryMeta{Title: "Trash", CreatedBy: "alice"},
		FolderType: relaydocs.FolderTrash,
	})
	if err != nil {
		t.Fatalf("save trash: %v", err)
	}
	trashed := env.file(t, trash, "old.docx", "x")

	lock := doRequest(t, env.server, request{method: http.MethodPost, path: "/v1/files/" + doc.ID + "/lock", headers: authHeaders(t, "alice")})
	if lock.Code != http.StatusOK {
		t.Fatalf("lock: %d (%s)", lock.Code, lock.Body.String())
	}

	tests := []struct {
		name     string
		req      rawRequest
		wantCode int
		wantErr  string
	}{
		{"locked by another", rawRequest{method: http.MethodPut, path: "/v1/files/" + doc.ID + "/content", headers: authHeaders(t, "bob"), body: []byte("x")}, http.StatusConflict, "conflict"},
		{"trash", rawRequest{method: http.MethodPut, path: "/v1/files/" + trashed.ID + "/content", headers: authHeaders(t, "bob"), body: []byte("x")}, http.StatusBadRequest, "invalid_state"},
		{"missing", rawRequest{method: http.MethodPut, path: "/v1/files/missing/content", headers: authHeaders(t, "alice"), body: []byte("x")}, http.StatusNotFound, "not_found"},
		{"unlock by another", rawRequest{method: http.MethodDelete, path: "/v1/files/" + doc.ID + "/lock", headers: authHeaders(t, "bob")}, http.StatusConflict, "conflict"},
		{"unknown route", rawRequest{method: http.MethodGet, path: "/v1/files/" + doc.ID + "/nothing", headers: authHeaders(t, "alice")}, http.StatusNotFound, "not_found"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			tc.req.headers["X-Correlation-Id"] = "corr_" + strings.ReplaceAll(tc.name, " ", "_")
			resp := doRawRequest(t, env.server, tc.req)
			if resp.Code != tc.wantCode {
				t.Fatalf("expected %d, got %d (%s)", tc.wantCode, resp.Code, resp.Body.String())
			}
			var body map[string]any
			if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if body["code"] != tc.wantErr {
				t.Fatalf("expected code %q, got %v", tc.wantErr, body["code"])
			}
			if body["correlationId"] != tc.req.headers["X-Correlation-Id"] {
				t.Fatalf("correlation id not echoed: %v", body["correlationId"])
			}
		})
	}
}

func TestRenameEndpoint(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	doc := env.file(t, env.root, "draft.docx", "x")

	resp := doRequest(t, env.server, request{
		method:  http.MethodPost,
		path:    "/v1/files/" + doc.ID + "/rename",
		headers: authHeaders(t, "alice"),
		body:    map[string]any{"title": "final"},
	})
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", resp.Code, resp.Body.String())
	}
	var body struct {
		File    relaydocs.File `json:"file"`
		Renamed bool           `json:"renamed"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !body.Renamed || body.File.Title != "final.docx" {
		t.Fatalf("unexpected rename result %+v", body)
	}

	empty := doRequest(t, env.server, request{
		method:  http.MethodPost,
		path:    "/v1/files/" + doc.ID + "/rename",
		headers: authHeaders(t, "alice"),
		body:    map[string]any{"title": "  "},
	})
	if empty.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", empty.Code)
	}
}

func TestEditingEndpoints(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	doc := env.file(t, env.root, "a.docx", "x")

	start := doRequest(t, env.server, request{
		method:  http.MethodPost,
		path:    "/v1/files/" + doc.ID + "/editing",
		headers: authHeaders(t, "alice"),
		body:    map[string]any{"sessionId": "tab-1"},
	})
	if start.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", start.Code, start.Body.String())
	}
	var event editorsEvent
	if err := json.NewDecoder(start.Body).Decode(&event); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if strings.Join(event.Editors, ",") != "alice" {
		t.Fatalf("unexpected editors %v", event.Editors)
	}

	denied := doRequest(t, env.server, request{method: http.MethodPost, path: "/v1/files/" + doc.ID + "/editing", headers: authHeaders(t, "bob")})
	if denied.Code != http.StatusForbidden {
		t.Fatalf("bob cannot edit, got %d", denied.Code)
	}

	env.share(t, doc, "bob", relaydocs.ShareRead)
	foreign := doRequest(t, env.server, request{method: http.MethodDelete, path: "/v1/files/" + doc.ID + "/editing?sessionId=tab-1", headers: authHeaders(t, "bob")})
	if foreign.Code != http.StatusForbidden {
		t.Fatalf("bob cannot end alice's session, got %d", foreign.Code)
	}
	still := doRequest(t, env.server, request{method: http.MethodGet, path: "/v1/files/" + doc.ID + "/editors", headers: authHeaders(t, "alice")})
	if !strings.Contains(still.Body.String(), `"alice"`) {
		t.Fatalf("alice's session must survive, got %s", still.Body.String())
	}

	stop := doRequest(t, env.server, request{method: http.MethodDelete, path: "/v1/files/" + doc.ID + "/editing", headers: authHeaders(t, "alice")})
	if stop.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", stop.Code)
	}
	editors := doRequest(t, env.server, request{method: http.MethodGet, path: "/v1/files/" + doc.ID + "/editors", headers: authHeaders(t, "alice")})
	if editors.Code != http.StatusOK || !strings.Contains(editors.Body.String(), `"editors":[]`) {
		t.Fatalf("expected no editors, got %d %s", editors.Code, editors.Body.String())
	}
}

func TestFolderMaintenanceEndpoints(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	env.file(t, env.root, "a.docx", "x")

	reassign := doRequest(t, env.server, request{
		method:  http.MethodPost,
		path:    "/v1/folders/" + env.root.ID + "/reassign",
		headers: authHeaders(t, "alice"),
		body:    map[string]any{"fromUser": "alice"},
	})
	if reassign.Code != http.StatusBadRequest {
		t.Fatalf("reassign needs both users, got %d", reassign.Code)
	}
	move := doRequest(t, env.server, request{
		method:  http.MethodPost,
		path:    "/v1/folders/" + env.root.ID + "/move-shared",
		headers: authHeaders(t, "alice"),
		body:    map[string]any{},
	})
	if move.Code != http.StatusBadRequest {
		t.Fatalf("move-shared needs a target, got %d", move.Code)
	}

	refused := []request{
		{method: http.MethodDelete, path: "/v1/folders/" + env.root.ID + "/items"},
		{method: http.MethodPost, path: "/v1/folders/" + env.root.ID + "/move-shared", body: map[string]any{"toFolderId": env.root.ID}},
		{method: http.MethodPost, path: "/v1/folders/" + env.root.ID + "/reassign", body: map[string]any{"fromUser": "alice", "toUser": "bob"}},
	}
	for _, req := range refused {
		req.headers = authHeaders(t, "bob")
		resp := doRequest(t, env.server, req)
		if resp.Code != http.StatusForbidden {
			t.Fatalf("%s %s by a stranger: expected 403, got %d (%s)", req.method, req.path, resp.Code, resp.Body.String())
		}
	}
	if files, _ := env.store.GetFiles(context.Background(), env.root.ID); len(files) != 1 {
		t.Fatalf("refused requests must not touch the folder, got %d files", len(files))
	}

	del := doRequest(t, env.server, request{method: http.MethodDelete, path: "/v1/folders/" + env.root.ID + "/items", headers: authHeaders(t, "alice")})
	if del.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d (%s)", del.Code, del.Body.String())
	}
	files, _ := env.store.GetFiles(context.Background(), env.root.ID)
	if len(files) != 0 {
		t.Fatalf("expected folder to be emptied, got %d files", len(files))
	}
}

func TestRateLimitingByIdentity(t *testing.T) {
	env := newTestEnv(t, envOptions{cfg: ServerConfig{RateLimitMax: 2, RateLimitWindow: time.Minute}})
	token := mustToken(t, "alice")

	for i := 0; i < 2; i++ {
		resp := doRequest(t, env.server, request{
			method: http.MethodGet,
			path:   "/v1/folders/" + env.root.ID + "/entries",
			headers: map[string]string{
				"Authorization":    "Bearer " + token,
				"X-Correlation-Id": fmt.Sprintf("corr_rate_%d", i),
			},
		})
		if resp.Code != http.StatusOK {
			t.Fatalf("expected request %d to be allowed, got %d (%s)", i, resp.Code, resp.Body.String())
		}
	}

	denied := doRequest(t, env.server, request{
		method: http.MethodGet,
		path:   "/v1/folders/" + env.root.ID + "/entries",
		headers: map[string]string{
			"Authorization":    "Bearer " + token,
			"X-Correlation-Id": "corr_rate_denied",
		},
	})
	if denied.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 after rate limit exceeded, got %d (%s)", denied.Code, denied.Body.String())
	}
	if denied.Header().Get("Retry-After") != "60" {
		t.Fatalf("expected Retry-After 60, got %q", denied.Header().Get("Retry-After"))
	}
}

type request struct {
	method  string
	path    string
	headers map[string]string
	body    map[string]any
}

type rawRequest struct {
	method  string
	path    string
	headers map[string]string
	body    []byte
}

func doRequest(t *testing.T, server http.Handler, r request) *httptest.ResponseRecorder {
	t.Helper()
	var bodyBytes []byte
	if r.body != nil {
		data, err := json.Marshal(r.body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		bodyBytes = data
	}
	req := httptest.NewRequest(r.method, r.path, bytes.NewReader(bodyBytes))
	for k, v := range r.headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)
	return rec
}

func doRawRequest(t *testing.T, server http.Handler, r rawRequest) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(r.method, r.path, bytes.NewReader(r.body))
	for k, v := range r.headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)
	return rec
}
