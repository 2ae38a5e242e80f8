package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/notice/internal/audio"
	"github.com/MarcoPoloResearchLab/notice/internal/auth"
	"github.com/MarcoPoloResearchLab/notice/internal/bookshelves"
	"github.com/MarcoPoloResearchLab/notice/internal/database"
	"github.com/MarcoPoloResearchLab/notice/internal/generation"
	"github.com/MarcoPoloResearchLab/notice/internal/notes"
	"github.com/MarcoPoloResearchLab/notice/internal/notesession"
	"github.com/MarcoPoloResearchLab/notice/internal/outline"
	"github.com/MarcoPoloResearchLab/notice/internal/transcription"
	"github.com/MarcoPoloResearchLab/notice/internal/transcripts"
	"github.com/MarcoPoloResearchLab/notice/internal/users"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"gorm.io/gorm"
)

const (
	testSigningSecret = "router-test-secret"
	testCookieName    = "app_session"
)

type emptyGenerator struct{}

func (emptyGenerator) Generate(context.Context, []string, string) (outline.LineSource, error) {
	return generation.NewStaticLines(nil), nil
}

type unavailableTranscriber struct{}

func (unavailableTranscriber) Open(context.Context) (transcription.Stream, error) {
	return nil, errors.New("speech service unavailable")
}

type routerFixture struct {
	t           *testing.T
	db          *gorm.DB
	server      *httptest.Server
	issuer      *auth.SessionIssuer
	transcripts *transcripts.Service
	recordings  *audio.Store
}

func newRouterFixture(t *testing.T) *routerFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dir := t.TempDir()
	db, err := database.Open(database.Config{Driver: database.DriverSQLite, Path: filepath.Join(dir, "notice.db")}, nil)
	if err != nil {
		t.Fatalf("open database: %v", err)
	}

	validator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(testSigningSecret),
		CookieName:    testCookieName,
	})
	if err != nil {
		t.Fatalf("session validator: %v", err)
	}
	issuer, err := auth.NewSessionIssuer(auth.SessionIssuerConfig{SigningSecret: []byte(testSigningSecret)})
	if err != nil {
		t.Fatalf("session issuer: %v", err)
	}
	userService, err := users.NewService(users.ServiceConfig{Database: db})
	if err != nil {
		t.Fatalf("users service: %v", err)
	}
	resolver, err := users.NewSessionResolver(validator, userService)
	if err != nil {
		t.Fatalf("session resolver: %v", err)
	}

	ids := notes.NewUUIDProvider()
	bookshelfService, err := bookshelves.NewService(bookshelves.ServiceConfig{Database: db, IDProvider: ids})
	if err != nil {
		t.Fatalf("bookshelves service: %v", err)
	}
	noteService, err := notes.NewService(notes.ServiceConfig{Database: db, IDProvider: ids})
	if err != nil {
		t.Fatalf("notes service: %v", err)
	}
	transcriptService, err := transcripts.NewService(transcripts.ServiceConfig{Database: db, IDProvider: ids})
	if err != nil {
		t.Fatalf("transcripts service: %v", err)
	}
	recordings, err := audio.NewStore(audio.StoreConfig{Directory: filepath.Join(dir, "audio"), IDProvider: ids})
	if err != nil {
		t.Fatalf("recording store: %v", err)
	}

	noteSessions, err := notesession.NewHandler(notesession.HandlerConfig{
		Sessions:    resolver,
		Notes:       noteService,
		Transcripts: transcriptService,
		Generator:   emptyGenerator{},
	})
	if err != nil {
		t.Fatalf("note session handler: %v", err)
	}
	transcriptionHandler, err := transcription.NewHandler(transcription.HandlerConfig{
		Sessions:    resolver,
		Notes:       noteService,
		Segments:    transcriptService,
		Transcriber: unavailableTranscriber{},
		Recordings:  recordings,
	})
	if err != nil {
		t.Fatalf("transcription handler: %v", err)
	}

	handler, err := NewHTTPHandler(Dependencies{
		Sessions:          resolver,
		SessionCookieName: testCookieName,
		Bookshelves:       bookshelfService,
		Notes:             noteService,
		Transcripts:       transcriptService,
		Recordings:        recordings,
		NoteSessions:      noteSessions,
		Transcription:     transcriptionHandler,
	})
	if err != nil {
		t.Fatalf("http handler: %v", err)
	}

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	return &routerFixture{
		t:           t,
		db:          db,
		server:      server,
		issuer:      issuer,
		transcripts: transcriptService,
		recordings:  recordings,
	}
}

func (f *routerFixture) token(subject string) string {
	f.t.Helper()
	token, _, err := f.issuer.Issue(auth.SessionIdentity{UserID: subject})
	if err != nil {
		f.t.Fatalf("issue token: %v", err)
	}
	return token
}

func (f *routerFixture) do(method, path, token string, body interface{}) (int, map[string]interface{}) {
	f.t.Helper()
	var reader io.Reader = http.NoBody
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			f.t.Fatalf("encode body: %v", err)
		}
		reader = bytes.NewReader(encoded)
	}
	request, err := http.NewRequest(method, f.server.URL+path, reader)
	if err != nil {
		f.t.Fatalf("build request: %v", err)
	}
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		request.Header.Set(auth.SessionHeaderName, token)
	}
	response, err := f.server.Client().Do(request)
	if err != nil {
		f.t.Fatalf("%s %s: %v", method, path, err)
	}
	defer response.Body.Close()

	raw, err := io.ReadAll(response.Body)
	if err != nil {
		f.t.Fatalf("read body: %v", err)
	}
	decoded := map[string]interface{}{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &decoded); err != nil {
			f.t.Fatalf("decode %s %s body %q: %v", method, path, raw, err)
		}
	}
	return response.StatusCode, decoded
}

func (f *routerFixture) create(path, token, title string) string {
	f.t.Helper()
	status, body := f.do(http.MethodPost, path, token, map[string]string{"title": title})
	if status != http.StatusCreated {
		f.t.Fatalf("create %s: status %d body %v", path, status, body)
	}
	return dataObject(f.t, body)["id"].(string)
}

func dataObject(t *testing.T, body map[string]interface{}) map[string]interface{} {
	t.Helper()
	data, ok := body["data"].(map[string]interface{})
	if !ok {
		t.Fatalf("expected data object, got %v", body)
	}
	return data
}

func dataList(t *testing.T, body map[string]interface{}) []interface{} {
	t.Helper()
	data, ok := body["data"].([]interface{})
	if !ok {
		t.Fatalf("expected data list, got %v", body)
	}
	return data
}

func titles(t *testing.T, body map[string]interface{}) []string {
	t.Helper()
	var result []string
	for _, item := range dataList(t, body) {
		result = append(result, item.(map[string]interface{})["title"].(string))
	}
	return result
}

func TestHealthAndAuthentication(t *testing.T) {
	fixture := newRouterFixture(t)

	status, body := fixture.do(http.MethodGet, "/", "", nil)
	if status != http.StatusOK || body["message"] != healthMessage {
		t.Fatalf("unexpected health response: %d %v", status, body)
	}

	status, body = fixture.do(http.MethodGet, "/bookshelves", "", nil)
	if status != http.StatusUnauthorized || body["error"] != "unauthorized" {
		t.Fatalf("expected 401 without token, got %d %v", status, body)
	}

	status, _ = fixture.do(http.MethodGet, "/bookshelves", "not-a-jwt", nil)
	if status != http.StatusUnauthorized {
		t.Fatalf("expected 401 for malformed token, got %d", status)
	}
}

func TestBookshelfLifecycle(t *testing.T) {
	fixture := newRouterFixture(t)
	token := fixture.token("alice")

	shelfID := fixture.create("/bookshelves", token, "Physics")
	fixture.create("/bookshelves/"+shelfID+"/notes", token, "Lecture 1")

	status, body := fixture.do(http.MethodGet, "/bookshelves", token, nil)
	if status != http.StatusOK {
		t.Fatalf("list bookshelves: %d %v", status, body)
	}
	shelves := dataList(t, body)
	if len(shelves) != 1 {
		t.Fatalf("expected one bookshelf, got %v", shelves)
	}
	if count := shelves[0].(map[string]interface{})["count"]; count != float64(1) {
		t.Fatalf("expected note count 1, got %v", count)
	}
	if body["next_cursor"] != nil {
		t.Fatalf("expected no next cursor, got %v", body["next_cursor"])
	}

	status, body = fixture.do(http.MethodPatch, "/bookshelves/"+shelfID, token, map[string]string{"title": "  Chemistry "})
	if status != http.StatusOK || dataObject(t, body)["title"] != "Chemistry" {
		t.Fatalf("rename bookshelf: %d %v", status, body)
	}

	status, body = fixture.do(http.MethodPatch, "/bookshelves/"+shelfID, token, map[string]string{"title": "   "})
	if status != http.StatusBadRequest || body["error"] != "invalid_title" {
		t.Fatalf("expected invalid_title, got %d %v", status, body)
	}

	status, _ = fixture.do(http.MethodDelete, "/bookshelves/"+shelfID, token, nil)
	if status != http.StatusNoContent {
		t.Fatalf("delete bookshelf: %d", status)
	}
	status, body = fixture.do(http.MethodGet, "/bookshelves/"+shelfID, token, nil)
	if status != http.StatusNotFound || body["error"] != "not_found" {
		t.Fatalf("expected 404 after delete, got %d %v", status, body)
	}
}

func TestNotesPagination(t *testing.T) {
	fixture := newRouterFixture(t)
	token := fixture.token("alice")
	shelfID := fixture.create("/bookshelves", token, "History")
	for _, title := range []string{"C", "A", "B"} {
		fixture.create("/bookshelves/"+shelfID+"/notes", token, title)
	}

	base := "/bookshelves/" + shelfID + "/notes?sort=title&order=asc&limit=2"
	status, body := fixture.do(http.MethodGet, base, token, nil)
	if status != http.StatusOK {
		t.Fatalf("first page: %d %v", status, body)
	}
	if got := strings.Join(titles(t, body), ","); got != "A,B" {
		t.Fatalf("unexpected first page %q", got)
	}
	cursor, ok := body["next_cursor"].(string)
	if !ok || cursor == "" {
		t.Fatalf("expected next cursor, got %v", body["next_cursor"])
	}

	status, body = fixture.do(http.MethodGet, base+"&cursor="+url.QueryEscape(cursor), token, nil)
	if status != http.StatusOK {
		t.Fatalf("second page: %d %v", status, body)
	}
	if got := strings.Join(titles(t, body), ","); got != "C" {
		t.Fatalf("unexpected second page %q", got)
	}
	if body["next_cursor"] != nil {
		t.Fatalf("expected last page, got cursor %v", body["next_cursor"])
	}
}

func TestPaginationErrors(t *testing.T) {
	fixture := newRouterFixture(t)
	token := fixture.token("alice")

	testCases := []struct {
		name  string
		query string
		want  string
	}{
		{name: "garbage cursor", query: "?cursor=not-a-cursor", want: "invalid_cursor"},
		{name: "non numeric limit", query: "?limit=ten", want: "invalid_pagination"},
		{name: "unknown sort", query: "?sort=color", want: "invalid_pagination"},
		{name: "unknown order", query: "?order=sideways", want: "invalid_pagination"},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			status, body := fixture.do(http.MethodGet, "/bookshelves"+testCase.query, token, nil)
			if status != http.StatusBadRequest || body["error"] != testCase.want {
				t.Fatalf("expected 400 %s, got %d %v", testCase.want, status, body)
			}
		})
	}
}

func TestForeignResourcesAreNotFound(t *testing.T) {
	fixture := newRouterFixture(t)
	alice := fixture.token("alice")
	bob := fixture.token("bob")

	shelfID := fixture.create("/bookshelves", alice, "Private")
	noteID := fixture.create("/bookshelves/"+shelfID+"/notes", alice, "Secret")

	paths := []struct {
		method string
		path   string
	}{
		{http.MethodGet, "/bookshelves/" + shelfID},
		{http.MethodDelete, "/bookshelves/" + shelfID},
		{http.MethodGet, "/bookshelves/" + shelfID + "/notes"},
		{http.MethodGet, "/bookshelves/" + shelfID + "/notes/" + noteID},
		{http.MethodDelete, "/bookshelves/" + shelfID + "/notes/" + noteID},
		{http.MethodGet, "/bookshelves/" + shelfID + "/notes/" + noteID + "/transcripts"},
	}
	for _, target := range paths {
		status, body := fixture.do(target.method, target.path, bob, nil)
		if status != http.StatusNotFound {
			t.Fatalf("%s %s: expected 404, got %d %v", target.method, target.path, status, body)
		}
	}

	status, _ := fixture.do(http.MethodGet, "/bookshelves/"+shelfID+"/notes/"+noteID, alice, nil)
	if status != http.StatusOK {
		t.Fatalf("owner lost access after foreign attempts: %d", status)
	}
}

func TestGetNoteIncludesContent(t *testing.T) {
	fixture := newRouterFixture(t)
	token := fixture.token("alice")
	shelfID := fixture.create("/bookshelves", token, "Biology")
	noteID := fixture.create("/bookshelves/"+shelfID+"/notes", token, "Cells")

	status, body := fixture.do(http.MethodGet, "/bookshelves/"+shelfID+"/notes/"+noteID, token, nil)
	if status != http.StatusOK {
		t.Fatalf("get note: %d %v", status, body)
	}
	note := dataObject(t, body)
	if note["title"] != "Cells" || note["bookshelf_id"] != shelfID {
		t.Fatalf("unexpected note %v", note)
	}
	content, ok := note["content"].(map[string]interface{})
	if !ok || content["type"] != string(outline.KindRoot) {
		t.Fatalf("expected root content, got %v", note["content"])
	}
}

func TestListTranscripts(t *testing.T) {
	fixture := newRouterFixture(t)
	token := fixture.token("alice")
	shelfID := fixture.create("/bookshelves", token, "Math")
	noteID := fixture.create("/bookshelves/"+shelfID+"/notes", token, "Limits")

	if _, err := fixture.transcripts.Append(context.Background(), noteID, 1500*time.Millisecond, "epsilon delta"); err != nil {
		t.Fatalf("append segment: %v", err)
	}

	status, body := fixture.do(http.MethodGet, "/bookshelves/"+shelfID+"/notes/"+noteID+"/transcripts", token, nil)
	if status != http.StatusOK {
		t.Fatalf("list transcripts: %d %v", status, body)
	}
	segments := dataList(t, body)
	if len(segments) != 1 {
		t.Fatalf("expected one segment, got %v", segments)
	}
	segment := segments[0].(map[string]interface{})
	if segment["text"] != "epsilon delta" || segment["timestamp_ms"] != float64(1500) {
		t.Fatalf("unexpected segment %v", segment)
	}
}

func TestServiceFailureExposesCode(t *testing.T) {
	fixture := newRouterFixture(t)
	token := fixture.token("alice")
	shelfID := fixture.create("/bookshelves", token, "Art")
	noteID := fixture.create("/bookshelves/"+shelfID+"/notes", token, "Colour")

	if err := fixture.db.Migrator().DropTable(&transcripts.Segment{}); err != nil {
		t.Fatalf("drop transcripts: %v", err)
	}

	status, body := fixture.do(http.MethodGet, "/bookshelves/"+shelfID+"/notes/"+noteID+"/transcripts", token, nil)
	if status != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d %v", status, body)
	}
	if body["error"] != "internal_error" || body["code"] != "transcripts.list.query_failed" {
		t.Fatalf("unexpected error body %v", body)
	}
}

func TestAudioServing(t *testing.T) {
	fixture := newRouterFixture(t)

	recording, err := fixture.recordings.Begin()
	if err != nil {
		t.Fatalf("begin recording: %v", err)
	}
	if _, err := recording.Write([]byte("mp3-bytes")); err != nil {
		t.Fatalf("write recording: %v", err)
	}
	if err := recording.Finalize(context.Background()); err != nil {
		t.Fatalf("finalize recording: %v", err)
	}

	response, err := fixture.server.Client().Get(fixture.server.URL + "/audio/" + recording.Filename())
	if err != nil {
		t.Fatalf("get audio: %v", err)
	}
	defer response.Body.Close()
	payload, _ := io.ReadAll(response.Body)
	if response.StatusCode != http.StatusOK || string(payload) != "mp3-bytes" {
		t.Fatalf("unexpected audio response: %d %q", response.StatusCode, payload)
	}
	if contentType := response.Header.Get("Content-Type"); contentType != "audio/mpeg" {
		t.Fatalf("unexpected content type %q", contentType)
	}

	status, body := fixture.do(http.MethodGet, "/audio/missing.mp3", "", nil)
	if status != http.StatusNotFound || body["error"] != "not_found" {
		t.Fatalf("expected 404 for missing recording, got %d %v", status, body)
	}
}

func (f *routerFixture) dial(path string) *websocket.Conn {
	f.t.Helper()
	endpoint := "ws" + strings.TrimPrefix(f.server.URL, "http") + path
	conn, _, err := websocket.DefaultDialer.Dial(endpoint, nil)
	if err != nil {
		f.t.Fatalf("dial %s: %v", path, err)
	}
	f.t.Cleanup(func() { conn.Close() })
	if err := conn.SetReadDeadline(time.Now().Add(5 * time.Second)); err != nil {
		f.t.Fatalf("set deadline: %v", err)
	}
	return conn
}

func sendInit(t *testing.T, conn *websocket.Conn, token string) {
	t.Helper()
	if err := conn.WriteJSON(map[string]interface{}{"type": "init", "payload": token}); err != nil {
		t.Fatalf("send init: %v", err)
	}
}

func TestNoteSessionRouteSendsSnapshot(t *testing.T) {
	fixture := newRouterFixture(t)
	token := fixture.token("alice")
	shelfID := fixture.create("/bookshelves", token, "Live")
	noteID := fixture.create("/bookshelves/"+shelfID+"/notes", token, "Session")

	conn := fixture.dial("/bookshelves/" + shelfID + "/notes/" + noteID + "/ws")
	sendInit(t, conn, token)

	var message struct {
		Type    string       `json:"type"`
		Payload outline.Node `json:"payload"`
	}
	if err := conn.ReadJSON(&message); err != nil {
		t.Fatalf("read snapshot: %v", err)
	}
	if message.Type != notesession.TypeNote || message.Payload.Kind != outline.KindRoot {
		t.Fatalf("unexpected snapshot %+v", message)
	}
}

func TestTranscriptionRouteClosesWhenTranscriberFails(t *testing.T) {
	fixture := newRouterFixture(t)
	token := fixture.token("alice")
	shelfID := fixture.create("/bookshelves", token, "Live")
	noteID := fixture.create("/bookshelves/"+shelfID+"/notes", token, "Dictation")

	conn := fixture.dial("/bookshelves/" + shelfID + "/notes/" + noteID + "/transcription")
	sendInit(t, conn, token)

	_, _, err := conn.ReadMessage()
	var closeErr *websocket.CloseError
	if !errors.As(err, &closeErr) {
		t.Fatalf("expected close error, got %v", err)
	}
	if closeErr.Code != websocket.CloseInternalServerErr {
		t.Fatalf("expected close code %d, got %d", websocket.CloseInternalServerErr, closeErr.Code)
	}
}
