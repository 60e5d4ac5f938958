package store

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/pavelanni/examhall/internal/model"
)

var t0 = time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(DriverSQLite, ":memory:")
	if err != nil {
		t.Fatalf("newTestStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// newPostgresStore connects to the database named by EXAMHALL_TEST_POSTGRES
// and skips the test when it is unset.
func newPostgresStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("EXAMHALL_TEST_POSTGRES")
	if dsn == "" {
		t.Skip("EXAMHALL_TEST_POSTGRES not set")
	}
	s, err := New(DriverPostgres, dsn)
	if err != nil {
		t.Fatalf("newPostgresStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func insertTestExam(t *testing.T, s *Store, classroomID int64, status model.ExamStatus, start time.Time) int64 {
	t.Helper()
	id, err := s.CreateExam(context.Background(), model.Exam{
		Title:           "Algebra",
		CourseID:        1,
		ProctorID:       10,
		Type:            model.ExamTypeMidterm,
		Format:          model.FormatOffline,
		StartTime:       start,
		EndTime:         start.Add(2 * time.Hour),
		DurationMinutes: 120,
		ClassroomID:     classroomID,
		TotalScore:      100,
		PassingScore:    60,
		Status:          status,
	})
	if err != nil {
		t.Fatalf("insertTestExam: %v", err)
	}
	return id
}

func insertTestAttempt(t *testing.T, s *Store, examID, studentID int64, status model.AttemptStatus) int64 {
	t.Helper()
	a := model.Attempt{ExamID: examID, StudentID: studentID, Status: status}
	if status != model.AttemptNotStarted {
		start := t0.Add(5 * time.Minute)
		a.StartTime = &start
	}
	id, err := s.InsertAttempt(context.Background(), a)
	if err != nil {
		t.Fatalf("insertTestAttempt: %v", err)
	}
	return id
}

func TestExamCRUD(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	late := 15
	id, err := s.CreateExam(ctx, model.Exam{
		Title: "Physics", CourseID: 2, ProctorID: 11, Format: model.FormatOnline,
		StartTime: t0, EndTime: t0.Add(time.Hour), DurationMinutes: 45,
		TotalScore: 50, PassingScore: 30, Status: model.ExamDraft,
		LateEntryLimitMinutes: &late,
	})
	if err != nil {
		t.Fatalf("CreateExam: %v", err)
	}

	e, err := s.GetExam(ctx, id)
	if err != nil {
		t.Fatalf("GetExam: %v", err)
	}
	if e.Title != "Physics" || e.Format != model.FormatOnline || e.Status != model.ExamDraft {
		t.Errorf("unexpected exam %+v", e)
	}
	if !e.StartTime.Equal(t0) || !e.EndTime.Equal(t0.Add(time.Hour)) {
		t.Errorf("times not preserved: %v %v", e.StartTime, e.EndTime)
	}
	if e.LateEntryLimitMinutes == nil || *e.LateEntryLimitMinutes != 15 {
		t.Errorf("expected late entry limit 15, got %v", e.LateEntryLimitMinutes)
	}
	if e.EarlySubmissionLimitMinutes != nil {
		t.Errorf("expected nil early submission limit, got %v", *e.EarlySubmissionLimitMinutes)
	}

	_, err = s.GetExam(ctx, 9999)
	if !errors.Is(err, model.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestUpdateExamConditional(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	id := insertTestExam(t, s, 101, model.ExamDraft, t0)

	e, _ := s.GetExam(ctx, id)
	e.Status = model.ExamPublished
	now := t0.Add(-24 * time.Hour)
	e.PublishedAt = &now

	ok, err := s.UpdateExam(ctx, e, model.ExamDraft)
	if err != nil || !ok {
		t.Fatalf("UpdateExam: ok=%v err=%v", ok, err)
	}

	// The stored status is no longer draft, so a second update expecting draft is a no-op.
	e.Title = "changed"
	ok, err = s.UpdateExam(ctx, e, model.ExamDraft)
	if err != nil {
		t.Fatalf("UpdateExam: %v", err)
	}
	if ok {
		t.Error("expected stale update to be rejected")
	}

	got, _ := s.GetExam(ctx, id)
	if got.Title != "Algebra" || got.Status != model.ExamPublished || got.PublishedAt == nil {
		t.Errorf("unexpected exam after updates: %+v", got)
	}

	ok, err = s.SetExamStatus(ctx, id, model.ExamOngoing, model.ExamPublished)
	if err != nil || !ok {
		t.Fatalf("SetExamStatus: ok=%v err=%v", ok, err)
	}
	ok, _ = s.SetExamStatus(ctx, id, model.ExamOngoing, model.ExamPublished)
	if ok {
		t.Error("expected second SetExamStatus to be a no-op")
	}
}

func TestListExams(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	insertTestExam(t, s, 101, model.ExamPublished, t0.Add(2*time.Hour))
	insertTestExam(t, s, 101, model.ExamDraft, t0)
	insertTestExam(t, s, 202, model.ExamOngoing, t0)
	insertTestExam(t, s, 101, model.ExamCancelled, t0)

	all, err := s.ListExams(ctx, model.ExamFilter{})
	if err != nil {
		t.Fatalf("ListExams: %v", err)
	}
	if len(all) != 4 {
		t.Fatalf("expected 4 exams, got %d", len(all))
	}
	if all[len(all)-1].StartTime.Before(all[0].StartTime) {
		t.Error("expected exams ordered by start time")
	}

	active, err := s.ListClassroomExams(ctx, 101, model.ExamPublished, model.ExamOngoing)
	if err != nil {
		t.Fatalf("ListClassroomExams: %v", err)
	}
	if len(active) != 1 || active[0].Status != model.ExamPublished {
		t.Errorf("expected one published exam in classroom 101, got %+v", active)
	}

	n, err := s.ExamCount(ctx, model.ExamDraft, model.ExamCancelled)
	if err != nil || n != 2 {
		t.Errorf("ExamCount = %d, %v; want 2", n, err)
	}
}

func TestAttemptUniqueness(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	examID := insertTestExam(t, s, 101, model.ExamPublished, t0)

	first := insertTestAttempt(t, s, examID, 500, model.AttemptInProgress)

	_, err := s.InsertAttempt(ctx, model.Attempt{ExamID: examID, StudentID: 500, Status: model.AttemptNotStarted})
	var dup *model.DuplicateAttemptError
	if !errors.As(err, &dup) {
		t.Fatalf("expected DuplicateAttemptError, got %v", err)
	}

	// A cancelled attempt frees the slot.
	ok, err := s.TransitionAttempt(ctx, first, []model.AttemptStatus{model.AttemptInProgress},
		model.AttemptUpdate{Status: model.AttemptCancelled, EndReason: model.EndReasonCancelled})
	if err != nil || !ok {
		t.Fatalf("cancel: ok=%v err=%v", ok, err)
	}
	insertTestAttempt(t, s, examID, 500, model.AttemptNotStarted)

	a, found, err := s.FindActiveAttempt(ctx, examID, 500)
	if err != nil || !found {
		t.Fatalf("FindActiveAttempt: found=%v err=%v", found, err)
	}
	if a.Status != model.AttemptNotStarted {
		t.Errorf("expected the new attempt, got %s", a.Status)
	}
}

func TestTransitionAttempt(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	examID := insertTestExam(t, s, 101, model.ExamOngoing, t0)
	id := insertTestAttempt(t, s, examID, 500, model.AttemptInProgress)

	submit := t0.Add(time.Hour)
	answers := `{"score":72}`
	ok, err := s.TransitionAttempt(ctx, id, []model.AttemptStatus{model.AttemptInProgress}, model.AttemptUpdate{
		Status: model.AttemptSubmitted, SubmitTime: &submit, Answers: &answers,
		EndReason: model.EndReasonSubmitted, Late: true,
	})
	if err != nil || !ok {
		t.Fatalf("submit: ok=%v err=%v", ok, err)
	}

	// The sweeper racing the submit loses.
	timeout := t0.Add(2 * time.Hour)
	ok, err = s.TransitionAttempt(ctx, id, []model.AttemptStatus{model.AttemptInProgress}, model.AttemptUpdate{
		Status: model.AttemptTimedOut, SubmitTime: &timeout, EndReason: model.EndReasonTimedOut,
	})
	if err != nil {
		t.Fatalf("timeout: %v", err)
	}
	if ok {
		t.Fatal("expected timeout of a submitted attempt to be a no-op")
	}

	a, err := s.GetAttempt(ctx, id)
	if err != nil {
		t.Fatalf("GetAttempt: %v", err)
	}
	if a.Status != model.AttemptSubmitted || a.EndReason != model.EndReasonSubmitted {
		t.Errorf("unexpected attempt %+v", a)
	}
	if a.SubmitTime == nil || !a.SubmitTime.Equal(submit) {
		t.Errorf("expected submit time %v, got %v", submit, a.SubmitTime)
	}
	if a.StartTime == nil {
		t.Error("start time was cleared by a nil update field")
	}
	if !a.Late || a.Answers != answers {
		t.Errorf("expected late answers to be kept, got late=%v answers=%q", a.Late, a.Answers)
	}

	score := 72.0
	graded := t0.Add(3 * time.Hour)
	ok, err = s.TransitionAttempt(ctx, id, []model.AttemptStatus{model.AttemptSubmitted, model.AttemptTimedOut},
		model.AttemptUpdate{Status: model.AttemptGraded, Score: &score, GradedAt: &graded})
	if err != nil || !ok {
		t.Fatalf("grade: ok=%v err=%v", ok, err)
	}
	a, _ = s.GetAttempt(ctx, id)
	if a.Score == nil || *a.Score != 72 || a.EndReason != model.EndReasonSubmitted || !a.Late {
		t.Errorf("unexpected graded attempt %+v", a)
	}

	_, err = s.GetAttempt(ctx, 9999)
	if !errors.Is(err, model.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestCancelAttempts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	examID := insertTestExam(t, s, 101, model.ExamPublished, t0)
	insertTestAttempt(t, s, examID, 1, model.AttemptNotStarted)
	insertTestAttempt(t, s, examID, 2, model.AttemptInProgress)
	submitted := insertTestAttempt(t, s, examID, 3, model.AttemptSubmitted)

	n, err := s.CancelAttempts(ctx, examID, model.AttemptNotStarted, model.AttemptInProgress)
	if err != nil {
		t.Fatalf("CancelAttempts: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 cancelled attempts, got %d", n)
	}
	a, _ := s.GetAttempt(ctx, submitted)
	if a.Status != model.AttemptSubmitted {
		t.Errorf("submitted attempt was touched: %s", a.Status)
	}

	cancelled, err := s.ListAttemptsByStatus(ctx, model.AttemptCancelled)
	if err != nil {
		t.Fatalf("ListAttemptsByStatus: %v", err)
	}
	for _, c := range cancelled {
		if c.EndReason != model.EndReasonCancelled {
			t.Errorf("attempt %d: expected end reason cancelled, got %q", c.ID, c.EndReason)
		}
	}
}

func TestSaveAnswersAndWarnings(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	examID := insertTestExam(t, s, 101, model.ExamOngoing, t0)
	id := insertTestAttempt(t, s, examID, 1, model.AttemptInProgress)

	ok, err := s.SaveAnswers(ctx, id, "draft 1", model.AttemptInProgress)
	if err != nil || !ok {
		t.Fatalf("SaveAnswers: ok=%v err=%v", ok, err)
	}

	count, ok, err := s.AddCheatWarning(ctx, id, "tab switch")
	if err != nil || !ok || count != 1 {
		t.Fatalf("AddCheatWarning: count=%d ok=%v err=%v", count, ok, err)
	}
	count, _, _ = s.AddCheatWarning(ctx, id, "window blur")
	if count != 2 {
		t.Errorf("expected count 2, got %d", count)
	}

	a, _ := s.GetAttempt(ctx, id)
	if a.Answers != "draft 1" || a.Remarks != "tab switch; window blur" {
		t.Errorf("unexpected attempt %+v", a)
	}

	seated, err := s.CountSeatedAttempts(ctx, examID)
	if err != nil || seated != 1 {
		t.Errorf("CountSeatedAttempts = %d, %v; want 1", seated, err)
	}

	s.TransitionAttempt(ctx, id, []model.AttemptStatus{model.AttemptInProgress},
		model.AttemptUpdate{Status: model.AttemptTimedOut})
	if _, ok, _ := s.AddCheatWarning(ctx, id, "late"); ok {
		t.Error("expected warning on a closed attempt to be ignored")
	}
	if ok, _ := s.SaveAnswers(ctx, id, "draft 2", model.AttemptInProgress); ok {
		t.Error("expected autosave on a closed attempt to be ignored")
	}

	if ok, _ := s.RecordLateAnswers(ctx, id, "late 1", model.AttemptGraded); ok {
		t.Error("expected late answers to respect the status filter")
	}
	ok, err = s.RecordLateAnswers(ctx, id, "late 1", model.AttemptTimedOut, model.AttemptGraded)
	if err != nil || !ok {
		t.Fatalf("RecordLateAnswers: ok=%v err=%v", ok, err)
	}
	a, _ = s.GetAttempt(ctx, id)
	if a.Answers != "draft 1" || a.LateAnswers != "late 1" || a.Status != model.AttemptTimedOut {
		t.Errorf("late answers must not touch the graded payload: %+v", a)
	}
}

func TestDirectory(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	err := s.ImportRoster(ctx, model.Roster{
		Courses:    []model.Course{{ID: 1, Code: "MATH101", Name: "Algebra", Active: true}},
		Classrooms: []model.Classroom{{ID: 101, Name: "A-101", Capacity: 30, Active: true}, {ID: 102, Name: "closed", Active: false}},
		Teachers:   []model.Person{{ID: 10, DisplayName: "Dr. Smith", Active: true}},
		Students:   []model.Person{{ID: 500, DisplayName: "Alice", Active: true}, {ID: 501, DisplayName: "Bob", Active: false}},
	})
	if err != nil {
		t.Fatalf("ImportRoster: %v", err)
	}

	tests := []struct {
		name string
		fn   func() (bool, error)
		want bool
	}{
		{"course", func() (bool, error) { return s.CourseExists(ctx, 1) }, true},
		{"unknown course", func() (bool, error) { return s.CourseExists(ctx, 2) }, false},
		{"classroom", func() (bool, error) { return s.ClassroomExists(ctx, 101) }, true},
		{"inactive classroom", func() (bool, error) { return s.ClassroomExists(ctx, 102) }, false},
		{"teacher", func() (bool, error) { return s.IsValidTeacher(ctx, 10) }, true},
		{"student is not a teacher", func() (bool, error) { return s.IsValidTeacher(ctx, 500) }, false},
		{"student", func() (bool, error) { return s.IsValidStudent(ctx, 500) }, true},
		{"inactive student", func() (bool, error) { return s.IsValidStudent(ctx, 501) }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.fn()
			if err != nil {
				t.Fatalf("lookup: %v", err)
			}
			if got != tt.want {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}

	capacity, err := s.ClassroomCapacity(ctx, 101)
	if err != nil || capacity != 30 {
		t.Errorf("ClassroomCapacity = %d, %v; want 30", capacity, err)
	}
	if _, err := s.ClassroomCapacity(ctx, 999); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	if err := s.TogglePersonActive(ctx, 501); err != nil {
		t.Fatalf("TogglePersonActive: %v", err)
	}
	students, err := s.ListPeople(ctx, model.RoleStudent)
	if err != nil || len(students) != 2 || !students[1].Active {
		t.Errorf("unexpected students %+v (%v)", students, err)
	}
}

func TestImportedFileHash(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	h, err := s.GetImportedFileHash(ctx, "roster.json")
	if err != nil || h != "" {
		t.Fatalf("expected no hash, got %q, %v", h, err)
	}
	if err := s.SetImportedFileHash(ctx, "roster.json", "abc"); err != nil {
		t.Fatalf("SetImportedFileHash: %v", err)
	}
	if err := s.SetImportedFileHash(ctx, "roster.json", "def"); err != nil {
		t.Fatalf("SetImportedFileHash: %v", err)
	}
	h, _ = s.GetImportedFileHash(ctx, "roster.json")
	if h != "def" {
		t.Errorf("expected def, got %q", h)
	}
}

func TestExportAttempts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	s.UpsertPerson(ctx, model.Person{ID: 500, Role: model.RoleStudent, DisplayName: "Alice", Active: true})
	examID := insertTestExam(t, s, 101, model.ExamFinished, t0)
	insertTestAttempt(t, s, examID, 500, model.AttemptSubmitted)
	insertTestAttempt(t, s, examID, 501, model.AttemptTimedOut)

	results, err := s.ExportAttempts(ctx, examID)
	if err != nil {
		t.Fatalf("ExportAttempts: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if results[0].DisplayName != "Alice" || results[1].DisplayName != "" {
		t.Errorf("unexpected display names %q %q", results[0].DisplayName, results[1].DisplayName)
	}
	if results[1].Status != model.AttemptTimedOut {
		t.Errorf("expected timed_out, got %s", results[1].Status)
	}
}

func TestWithinTxRollback(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := s.WithinClassroom(ctx, 101, func(tx *Store) error {
		insertTestExam(t, tx, 101, model.ExamDraft, t0)
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	n, _ := s.ExamCount(ctx)
	if n != 0 {
		t.Errorf("expected rollback, found %d exams", n)
	}

	err = s.WithinTx(ctx, func(tx *Store) error {
		insertTestExam(t, tx, 101, model.ExamDraft, t0)
		return nil
	})
	if err != nil {
		t.Fatalf("WithinTx: %v", err)
	}
	n, _ = s.ExamCount(ctx)
	if n != 1 {
		t.Errorf("expected 1 exam after commit, got %d", n)
	}
}

func TestPostgresAttemptUniqueness(t *testing.T) {
	s := newPostgresStore(t)
	ctx := context.Background()
	examID := insertTestExam(t, s, 9101, model.ExamPublished, t0)
	insertTestAttempt(t, s, examID, 9500, model.AttemptNotStarted)

	_, err := s.InsertAttempt(ctx, model.Attempt{ExamID: examID, StudentID: 9500, Status: model.AttemptNotStarted})
	if !errors.Is(err, model.ErrDuplicateAttempt) {
		t.Fatalf("expected ErrDuplicateAttempt, got %v", err)
	}

	err = s.WithinClassroom(ctx, 9101, func(tx *Store) error {
		_, err := tx.ListClassroomExams(ctx, 9101, model.ExamPublished)
		return err
	})
	if err != nil {
		t.Fatalf("WithinClassroom: %v", err)
	}
}

func TestWithinClassroomsCommits(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	err := s.WithinClassrooms(ctx, []int64{102, 0, 101, 102}, func(tx *Store) error {
		insertTestExam(t, tx, 101, model.ExamDraft, t0)
		insertTestExam(t, tx, 102, model.ExamDraft, t0)
		return nil
	})
	if err != nil {
		t.Fatalf("WithinClassrooms: %v", err)
	}
	n, _ := s.ExamCount(ctx)
	if n != 2 {
		t.Errorf("expected 2 exams after commit, got %d", n)
	}
}

func TestPostgresWithinClassroomsSerializes(t *testing.T) {
	s := newPostgresStore(t)
	ctx := context.Background()

	entered := make(chan struct{})
	release := make(chan struct{})
	holderDone := make(chan error, 1)
	go func() {
		holderDone <- s.WithinClassrooms(ctx, []int64{9202, 9201}, func(tx *Store) error {
			close(entered)
			<-release
			return nil
		})
	}()
	<-entered

	ran := make(chan struct{})
	waiterDone := make(chan error, 1)
	go func() {
		waiterDone <- s.WithinClassroom(ctx, 9202, func(tx *Store) error {
			close(ran)
			return nil
		})
	}()

	select {
	case <-ran:
		t.Fatal("second transaction entered a locked classroom")
	case <-time.After(200 * time.Millisecond):
	}
	close(release)
	if err := <-holderDone; err != nil {
		t.Fatalf("holder: %v", err)
	}
	if err := <-waiterDone; err != nil {
		t.Fatalf("waiter: %v", err)
	}
	<-ran
}
