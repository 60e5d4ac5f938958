package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jonboulle/clockwork"
	"golang.org/x/crypto/bcrypt"

	"github.com/pavelanni/examhall/internal/exam"
	"github.com/pavelanni/examhall/internal/i18n"
	"github.com/pavelanni/examhall/internal/model"
	"github.com/pavelanni/examhall/internal/scoring"
	"github.com/pavelanni/examhall/internal/store"
	"github.com/pavelanni/examhall/internal/sweeper"
)

const apiKey = "s3cret-instructor-key"

var day = time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)

func at(h, m int) time.Time {
	return day.Add(time.Duration(h)*time.Hour + time.Duration(m)*time.Minute)
}

type testServer struct {
	router http.Handler
	st     *store.Store
	clock  *clockwork.FakeClock
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	if err := i18n.Init("en"); err != nil {
		t.Fatalf("i18n.Init: %v", err)
	}
	st, err := store.New(store.DriverSQLite, ":memory:")
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	roster := model.Roster{
		Courses:    []model.Course{{ID: 1, Code: "MATH101", Name: "Algebra", Active: true}},
		Classrooms: []model.Classroom{{ID: 101, Name: "A101", Capacity: 30, Active: true}},
		Teachers:   []model.Person{{ID: 10, DisplayName: "Dr. Smith", Active: true}},
		Students:   []model.Person{{ID: 500, Active: true}, {ID: 501, Active: true}},
	}
	if err := st.ImportRoster(context.Background(), roster); err != nil {
		t.Fatalf("ImportRoster: %v", err)
	}

	clock := clockwork.NewFakeClockAt(at(8, 0))
	agg := scoring.New(st, nil, clock)
	svc := exam.New(st, exam.WithClock(clock), exam.WithScorer(agg))

	hash, err := bcrypt.GenerateFromPassword([]byte(apiKey), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt: %v", err)
	}
	r := chi.NewRouter()
	r.Use(i18n.Middleware("en"))
	New(svc, agg, string(hash)).Routes(r)
	return &testServer{router: r, st: st, clock: clock}
}

func (s *testServer) advanceTo(t time.Time) {
	s.clock.Advance(t.Sub(s.clock.Now()))
}

type request struct {
	method string
	path   string
	body   any
	key    string
	lang   string
}

func (s *testServer) do(t *testing.T, req request) *httptest.ResponseRecorder {
	t.Helper()
	var body bytes.Buffer
	switch b := req.body.(type) {
	case nil:
	case string:
		body.WriteString(b)
	default:
		if err := json.NewEncoder(&body).Encode(b); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	r := httptest.NewRequest(req.method, req.path, &body)
	if req.key != "" {
		r.Header.Set("Authorization", "Bearer "+req.key)
	}
	if req.lang != "" {
		r.Header.Set("Accept-Language", req.lang)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, r)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %T from %q: %v", v, w.Body.String(), err)
	}
	return v
}

func examBody(start, end time.Time) map[string]any {
	return map[string]any{
		"title":                    "Algebra midterm",
		"course_id":                1,
		"proctor_id":               10,
		"type":                     "midterm",
		"start_time":               start,
		"end_time":                 end,
		"duration_minutes":         120,
		"classroom_id":             101,
		"total_score":              100,
		"passing_score":            60,
		"late_entry_limit_minutes": 15,
	}
}

func (s *testServer) publishedExam(t *testing.T, start, end time.Time) model.Exam {
	t.Helper()
	w := s.do(t, request{method: http.MethodPost, path: "/api/exams", body: examBody(start, end), key: apiKey})
	if w.Code != http.StatusCreated {
		t.Fatalf("create exam: %d %s", w.Code, w.Body)
	}
	e := decode[model.Exam](t, w)
	w = s.do(t, request{method: http.MethodPost, path: "/api/exams/" + itoa(e.ID) + "/publish", key: apiKey})
	if w.Code != http.StatusOK {
		t.Fatalf("publish exam: %d %s", w.Code, w.Body)
	}
	return decode[model.Exam](t, w)
}

func itoa(id int64) string {
	return strconv.FormatInt(id, 10)
}

func TestHealthz(t *testing.T) {
	s := newTestServer(t)
	w := s.do(t, request{method: http.MethodGet, path: "/healthz"})
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "ok") {
		t.Errorf("healthz = %d %s", w.Code, w.Body)
	}
}

func TestInstructorRoutesRequireKey(t *testing.T) {
	s := newTestServer(t)
	tests := []struct {
		name string
		key  string
		want int
	}{
		{"missing key", "", http.StatusUnauthorized},
		{"wrong key", "guess", http.StatusUnauthorized},
		{"valid key", apiKey, http.StatusCreated},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := s.do(t, request{method: http.MethodPost, path: "/api/exams", body: examBody(at(9, 0), at(11, 0)), key: tt.key})
			if w.Code != tt.want {
				t.Fatalf("status = %d, want %d (%s)", w.Code, tt.want, w.Body)
			}
			if tt.want == http.StatusUnauthorized {
				if body := decode[errorBody](t, w); body.Code != "unauthorized" {
					t.Errorf("code = %q, want unauthorized", body.Code)
				}
			}
		})
	}

	// Student routes stay open.
	w := s.do(t, request{method: http.MethodGet, path: "/api/exams"})
	if w.Code != http.StatusOK {
		t.Errorf("list exams without key = %d, want 200", w.Code)
	}
}

func TestAttemptFlow(t *testing.T) {
	s := newTestServer(t)
	e := s.publishedExam(t, at(9, 0), at(11, 0))
	path := "/api/exams/" + itoa(e.ID)

	s.advanceTo(at(9, 5))
	w := s.do(t, request{method: http.MethodGet, path: path})
	if got := decode[model.Exam](t, w); got.Status != model.ExamOngoing {
		t.Errorf("derived status = %s, want ONGOING", got.Status)
	}

	w = s.do(t, request{method: http.MethodPost, path: path + "/attempts", body: studentRequest{StudentID: 500}})
	if w.Code != http.StatusCreated {
		t.Fatalf("start attempt: %d %s", w.Code, w.Body)
	}
	a := decode[model.Attempt](t, w)
	if a.Status != model.AttemptInProgress {
		t.Fatalf("attempt status = %s, want IN_PROGRESS", a.Status)
	}

	w = s.do(t, request{method: http.MethodPost, path: path + "/attempts", body: studentRequest{StudentID: 500}})
	if w.Code != http.StatusConflict || decode[errorBody](t, w).Code != "duplicate_attempt" {
		t.Errorf("second start = %d %s, want 409 duplicate_attempt", w.Code, w.Body)
	}

	attemptPath := "/api/attempts/" + itoa(a.ID)
	w = s.do(t, request{method: http.MethodPut, path: attemptPath + "/answers", body: `{"answers": {"q1": "x = 2"}}`})
	if w.Code != http.StatusOK {
		t.Fatalf("save answers: %d %s", w.Code, w.Body)
	}

	s.advanceTo(at(9, 45))
	w = s.do(t, request{method: http.MethodPost, path: attemptPath + "/submit", body: `{"answers": {"score": 80}}`})
	if w.Code != http.StatusOK {
		t.Fatalf("submit: %d %s", w.Code, w.Body)
	}
	res := decode[submitResponse](t, w)
	if res.Notice != nil || res.Attempt.Status != model.AttemptGraded {
		t.Errorf("submit result = %+v, want GRADED without notice", res)
	}
	if res.Attempt.Score == nil || *res.Attempt.Score != 80 {
		t.Errorf("score = %v, want 80", res.Attempt.Score)
	}

	w = s.do(t, request{method: http.MethodGet, path: path + "/statistics", key: apiKey})
	stats := decode[model.ExamStatistics](t, w)
	if stats.Graded != 1 || stats.Mean != 80 || stats.Passed != 1 {
		t.Errorf("statistics = %+v", stats)
	}

	w = s.do(t, request{method: http.MethodGet, path: path + "/rank/500", key: apiKey})
	if rank := decode[map[string]int64](t, w); rank["rank"] != 1 {
		t.Errorf("rank = %v, want 1", rank)
	}

	w = s.do(t, request{method: http.MethodGet, path: path + "/export", key: apiKey})
	export := decode[model.ExamExport](t, w)
	if len(export.Results) != 1 || export.Results[0].StudentID != 500 {
		t.Errorf("export results = %+v", export.Results)
	}

	w = s.do(t, request{method: http.MethodGet, path: path + "/attempts", key: apiKey})
	if attempts := decode[[]model.Attempt](t, w); len(attempts) != 1 {
		t.Errorf("listed %d attempts, want 1", len(attempts))
	}
}

func TestErrorMapping(t *testing.T) {
	s := newTestServer(t)
	e := s.publishedExam(t, at(9, 0), at(11, 0))
	path := "/api/exams/" + itoa(e.ID)

	invalid := examBody(at(11, 0), at(9, 0))
	tests := []struct {
		name     string
		req      request
		advance  time.Time
		wantCode int
		wantBody string
	}{
		{"validation", request{method: http.MethodPost, path: "/api/exams", body: invalid, key: apiKey},
			time.Time{}, http.StatusBadRequest, "validation"},
		{"malformed body", request{method: http.MethodPost, path: "/api/exams", body: `{"title": `, key: apiKey},
			time.Time{}, http.StatusBadRequest, "bad_request"},
		{"unknown field", request{method: http.MethodPost, path: path + "/extend", body: `{"minutes": 5}`, key: apiKey},
			time.Time{}, http.StatusBadRequest, "bad_request"},
		{"bad id", request{method: http.MethodGet, path: "/api/exams/abc"},
			time.Time{}, http.StatusBadRequest, "bad_request"},
		{"unknown exam", request{method: http.MethodGet, path: "/api/exams/999"},
			time.Time{}, http.StatusNotFound, "not_found"},
		{"unknown status filter", request{method: http.MethodGet, path: "/api/exams?status=LIVE"},
			time.Time{}, http.StatusBadRequest, "bad_request"},
		{"extend before start", request{method: http.MethodPost, path: path + "/extend", body: map[string]int{"extra_minutes": 10}, key: apiKey},
			time.Time{}, http.StatusConflict, "invalid_transition"},
		{"unknown student", request{method: http.MethodPost, path: path + "/attempts", body: studentRequest{StudentID: 42}},
			at(9, 5), http.StatusNotFound, "not_found"},
		{"missing student", request{method: http.MethodPost, path: path + "/attempts", body: `{}`},
			at(9, 5), http.StatusBadRequest, "validation"},
		{"late entry", request{method: http.MethodPost, path: path + "/attempts", body: studentRequest{StudentID: 501}},
			at(9, 20), http.StatusForbidden, "late_entry_rejected"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !tt.advance.IsZero() {
				s.advanceTo(tt.advance)
			}
			w := s.do(t, tt.req)
			if w.Code != tt.wantCode {
				t.Fatalf("status = %d, want %d (%s)", w.Code, tt.wantCode, w.Body)
			}
			body := decode[errorBody](t, w)
			if body.Code != tt.wantBody || body.Message == "" {
				t.Errorf("body = %+v, want code %q with a message", body, tt.wantBody)
			}
		})
	}
}

func TestPublishConflict(t *testing.T) {
	s := newTestServer(t)
	first := s.publishedExam(t, at(9, 0), at(11, 0))

	w := s.do(t, request{method: http.MethodPost, path: "/api/exams", body: examBody(at(10, 0), at(12, 0)), key: apiKey})
	second := decode[model.Exam](t, w)
	w = s.do(t, request{method: http.MethodPost, path: "/api/exams/" + itoa(second.ID) + "/publish", key: apiKey})
	if w.Code != http.StatusConflict {
		t.Fatalf("publish = %d, want 409 (%s)", w.Code, w.Body)
	}
	body := decode[errorBody](t, w)
	if body.Code != "scheduling_conflict" || !strings.Contains(body.Message, "exam "+itoa(first.ID)) {
		t.Errorf("body = %+v", body)
	}

	w = s.do(t, request{method: http.MethodGet, path: "/api/exams/" + itoa(second.ID)})
	if got := decode[model.Exam](t, w); got.Status != model.ExamDraft {
		t.Errorf("status after failed publish = %s, want DRAFT", got.Status)
	}
}

func TestConflictsEndpoint(t *testing.T) {
	s := newTestServer(t)
	e := s.publishedExam(t, at(9, 0), at(11, 0))

	tests := []struct {
		name     string
		query    string
		wantCode int
		conflict bool
	}{
		{"overlap", "start=2026-06-01T10:00:00Z&end=2026-06-01T12:00:00Z", http.StatusOK, true},
		{"adjacent", "start=2026-06-01T11:00:00Z&end=2026-06-01T12:00:00Z", http.StatusOK, false},
		{"excluded", "start=2026-06-01T10:00:00Z&end=2026-06-01T12:00:00Z&exclude_exam_id=" + itoa(e.ID), http.StatusOK, false},
		{"reversed", "start=2026-06-01T12:00:00Z&end=2026-06-01T10:00:00Z", http.StatusBadRequest, false},
		{"missing end", "start=2026-06-01T12:00:00Z", http.StatusBadRequest, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := s.do(t, request{method: http.MethodGet, path: "/api/classrooms/101/conflicts?" + tt.query, key: apiKey})
			if w.Code != tt.wantCode {
				t.Fatalf("status = %d, want %d (%s)", w.Code, tt.wantCode, w.Body)
			}
			if tt.wantCode != http.StatusOK {
				return
			}
			res := decode[conflictResponse](t, w)
			if res.Conflict != tt.conflict {
				t.Errorf("conflict = %v, want %v", res.Conflict, tt.conflict)
			}
			if res.Conflict && res.ConflictingExamID != e.ID {
				t.Errorf("conflicting exam = %d, want %d", res.ConflictingExamID, e.ID)
			}
		})
	}
}

func TestStaleSubmission(t *testing.T) {
	s := newTestServer(t)
	e := s.publishedExam(t, at(9, 0), at(11, 0))

	s.advanceTo(at(9, 10))
	w := s.do(t, request{method: http.MethodPost, path: "/api/exams/" + itoa(e.ID) + "/attempts", body: studentRequest{StudentID: 500}})
	a := decode[model.Attempt](t, w)

	// The sweep closes the attempt and grades it.
	s.advanceTo(at(11, 5))
	sw := sweeper.New(s.st, scoring.New(s.st, nil, s.clock), sweeper.Options{Clock: s.clock})
	if _, err := sw.Sweep(context.Background()); err != nil {
		t.Fatalf("Sweep: %v", err)
	}

	w = s.do(t, request{method: http.MethodPost, path: "/api/attempts/" + itoa(a.ID) + "/submit", body: `{"answers": {"score": 90}}`})
	if w.Code != http.StatusAccepted {
		t.Fatalf("late submit = %d, want 202 (%s)", w.Code, w.Body)
	}
	res := decode[submitResponse](t, w)
	if res.Notice == nil || res.Notice.Code != "stale_submission" {
		t.Errorf("notice = %+v, want stale_submission", res.Notice)
	}
	if res.Attempt.Status != model.AttemptGraded || res.Attempt.EndReason != model.EndReasonTimedOut {
		t.Errorf("attempt = %s/%s, want graded/timed_out", res.Attempt.Status, res.Attempt.EndReason)
	}
	if res.Attempt.LateAnswers != `{"score": 90}` || res.Attempt.Score == nil || *res.Attempt.Score != 0 {
		t.Errorf("attempt late=%q score=%v, want the late payload kept and score 0", res.Attempt.LateAnswers, res.Attempt.Score)
	}
}

func TestLocalizedErrors(t *testing.T) {
	s := newTestServer(t)
	tests := []struct {
		lang string
		want string
	}{
		{"", "exam 999 was not found."},
		{"ru", "Объект exam 999 не найден."},
	}
	for _, tt := range tests {
		w := s.do(t, request{method: http.MethodGet, path: "/api/exams/999", lang: tt.lang})
		if body := decode[errorBody](t, w); body.Message != tt.want {
			t.Errorf("lang %q: message = %q, want %q", tt.lang, body.Message, tt.want)
		}
	}
}

func TestCheatWarnings(t *testing.T) {
	s := newTestServer(t)
	e := s.publishedExam(t, at(9, 0), at(11, 0))
	s.advanceTo(at(9, 5))
	w := s.do(t, request{method: http.MethodPost, path: "/api/exams/" + itoa(e.ID) + "/attempts", body: studentRequest{StudentID: 500}})
	a := decode[model.Attempt](t, w)

	path := "/api/attempts/" + itoa(a.ID) + "/warnings"
	w = s.do(t, request{method: http.MethodPost, path: path, body: map[string]string{"kind": "tab_switch", "description": "left for 5s"}})
	if w.Code != http.StatusOK {
		t.Fatalf("warning: %d %s", w.Code, w.Body)
	}
	got := decode[model.Attempt](t, w)
	if got.SwitchCount != 1 || !strings.Contains(got.Remarks, "tab_switch: left for 5s") {
		t.Errorf("attempt after warning = %d %q", got.SwitchCount, got.Remarks)
	}

	w = s.do(t, request{method: http.MethodPost, path: path, body: map[string]string{"kind": ""}})
	if w.Code != http.StatusBadRequest {
		t.Errorf("empty kind = %d, want 400", w.Code)
	}
}

func TestBatchPublishAndStartingSoon(t *testing.T) {
	s := newTestServer(t)
	create := func(start, end time.Time) model.Exam {
		t.Helper()
		w := s.do(t, request{method: http.MethodPost, path: "/api/exams", body: examBody(start, end), key: apiKey})
		if w.Code != http.StatusCreated {
			t.Fatalf("create exam: %d %s", w.Code, w.Body)
		}
		return decode[model.Exam](t, w)
	}
	first := create(at(9, 0), at(11, 0))
	overlapping := create(at(10, 0), at(12, 0))

	body := map[string][]int64{"exam_ids": {first.ID, overlapping.ID}}
	w := s.do(t, request{method: http.MethodPost, path: "/api/exams/publish", body: body})
	if w.Code != http.StatusUnauthorized {
		t.Errorf("batch publish without key = %d, want 401", w.Code)
	}
	w = s.do(t, request{method: http.MethodPost, path: "/api/exams/publish", body: body, key: apiKey})
	if w.Code != http.StatusOK {
		t.Fatalf("batch publish = %d %s", w.Code, w.Body)
	}
	results := decode[[]publishResult](t, w)
	if len(results) != 2 {
		t.Fatalf("got %d results, want 2", len(results))
	}
	if results[0].Exam == nil || results[0].Exam.Status != model.ExamPublished || results[0].Error != nil {
		t.Errorf("first result = %+v, want published", results[0])
	}
	if results[1].Error == nil || results[1].Error.Code != "scheduling_conflict" {
		t.Errorf("second result = %+v, want scheduling_conflict", results[1])
	}

	w = s.do(t, request{method: http.MethodPost, path: "/api/exams/publish", body: `{"exam_ids": []}`, key: apiKey})
	if w.Code != http.StatusBadRequest {
		t.Errorf("empty batch = %d, want 400", w.Code)
	}

	tests := []struct {
		query    string
		wantCode int
		wantLen  int
	}{
		{"", http.StatusOK, 1},
		{"?hours=1", http.StatusOK, 1},
		{"?hours=0", http.StatusBadRequest, 0},
		{"?hours=soon", http.StatusBadRequest, 0},
	}
	for _, tt := range tests {
		w := s.do(t, request{method: http.MethodGet, path: "/api/exams/starting-soon" + tt.query})
		if w.Code != tt.wantCode {
			t.Errorf("starting-soon%s = %d, want %d", tt.query, w.Code, tt.wantCode)
			continue
		}
		if tt.wantCode == http.StatusOK {
			if exams := decode[[]model.Exam](t, w); len(exams) != tt.wantLen {
				t.Errorf("starting-soon%s returned %d exams, want %d", tt.query, len(exams), tt.wantLen)
			}
		}
	}
}

func TestCheatRecordsEndpoint(t *testing.T) {
	s := newTestServer(t)
	e := s.publishedExam(t, at(9, 0), at(11, 0))
	s.advanceTo(at(9, 5))
	w := s.do(t, request{method: http.MethodPost, path: "/api/exams/" + itoa(e.ID) + "/attempts", body: studentRequest{StudentID: 500}})
	a := decode[model.Attempt](t, w)
	s.do(t, request{method: http.MethodPost, path: "/api/attempts/" + itoa(a.ID) + "/warnings", body: map[string]string{"kind": "tab_switch"}})

	path := "/api/exams/" + itoa(e.ID) + "/cheat-records"
	if w := s.do(t, request{method: http.MethodGet, path: path}); w.Code != http.StatusUnauthorized {
		t.Errorf("cheat records without key = %d, want 401", w.Code)
	}
	w = s.do(t, request{method: http.MethodGet, path: path, key: apiKey})
	if w.Code != http.StatusOK {
		t.Fatalf("cheat records = %d %s", w.Code, w.Body)
	}
	records := decode[[]model.CheatRecord](t, w)
	if len(records) != 1 || records[0].StudentID != 500 || len(records[0].Warnings) != 1 {
		t.Errorf("unexpected records %+v", records)
	}
}
