package store

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/pavelanni/examhall/internal/model"
)

// UpsertCourse inserts or replaces a course catalog entry.
func (s *Store) UpsertCourse(ctx context.Context, c model.Course) error {
	_, err := s.q.ExecContext(ctx, s.rebind(
		`INSERT INTO courses (id, code, name, active) VALUES (?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET code = excluded.code, name = excluded.name, active = excluded.active`),
		c.ID, c.Code, c.Name, c.Active)
	if err != nil {
		slog.Error("failed to upsert course", "id", c.ID, "error", err)
	}
	return err
}

// UpsertClassroom inserts or replaces a classroom registry entry.
func (s *Store) UpsertClassroom(ctx context.Context, c model.Classroom) error {
	_, err := s.q.ExecContext(ctx, s.rebind(
		`INSERT INTO classrooms (id, name, capacity, active) VALUES (?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET name = excluded.name, capacity = excluded.capacity, active = excluded.active`),
		c.ID, c.Name, c.Capacity, c.Active)
	if err != nil {
		slog.Error("failed to upsert classroom", "id", c.ID, "error", err)
	}
	return err
}

// UpsertPerson inserts or replaces an identity directory entry.
func (s *Store) UpsertPerson(ctx context.Context, p model.Person) error {
	_, err := s.q.ExecContext(ctx, s.rebind(
		`INSERT INTO people (id, role, display_name, active) VALUES (?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET role = excluded.role, display_name = excluded.display_name, active = excluded.active`),
		p.ID, p.Role, p.DisplayName, p.Active)
	if err != nil {
		slog.Error("failed to upsert person", "id", p.ID, "role", p.Role, "error", err)
	}
	return err
}

// ImportRoster upserts every entry of r in one transaction.
func (s *Store) ImportRoster(ctx context.Context, r model.Roster) error {
	return s.WithinTx(ctx, func(tx *Store) error {
		for _, c := range r.Courses {
			if err := tx.UpsertCourse(ctx, c); err != nil {
				return fmt.Errorf("course %d: %w", c.ID, err)
			}
		}
		for _, c := range r.Classrooms {
			if err := tx.UpsertClassroom(ctx, c); err != nil {
				return fmt.Errorf("classroom %d: %w", c.ID, err)
			}
		}
		for _, p := range r.Teachers {
			p.Role = model.RoleTeacher
			if err := tx.UpsertPerson(ctx, p); err != nil {
				return fmt.Errorf("teacher %d: %w", p.ID, err)
			}
		}
		for _, p := range r.Students {
			p.Role = model.RoleStudent
			if err := tx.UpsertPerson(ctx, p); err != nil {
				return fmt.Errorf("student %d: %w", p.ID, err)
			}
		}
		slog.Info("imported roster",
			"courses", len(r.Courses), "classrooms", len(r.Classrooms),
			"teachers", len(r.Teachers), "students", len(r.Students))
		return nil
	})
}

func (s *Store) exists(ctx context.Context, query string, args ...any) (bool, error) {
	var n int
	if err := s.q.GetContext(ctx, &n, s.rebind(query), args...); err != nil {
		return false, err
	}
	return n > 0, nil
}

// CourseExists reports whether an active course with this ID exists.
func (s *Store) CourseExists(ctx context.Context, id int64) (bool, error) {
	return s.exists(ctx, `SELECT COUNT(*) FROM courses WHERE id = ? AND active = ?`, id, true)
}

// ClassroomExists reports whether an active classroom with this ID exists.
func (s *Store) ClassroomExists(ctx context.Context, id int64) (bool, error) {
	return s.exists(ctx, `SELECT COUNT(*) FROM classrooms WHERE id = ? AND active = ?`, id, true)
}

// ClassroomCapacity returns the seat count of a classroom. A capacity of zero
// means the classroom is unbounded.
func (s *Store) ClassroomCapacity(ctx context.Context, id int64) (int, error) {
	var c model.Classroom
	err := s.q.GetContext(ctx, &c, s.rebind(`SELECT id, name, capacity, active FROM classrooms WHERE id = ?`), id)
	if isNoRows(err) {
		return 0, &model.NotFoundError{Entity: "classroom", ID: id}
	}
	if err != nil {
		return 0, err
	}
	return c.Capacity, nil
}

// IsValidTeacher reports whether id is an active teacher.
func (s *Store) IsValidTeacher(ctx context.Context, id int64) (bool, error) {
	return s.exists(ctx, `SELECT COUNT(*) FROM people WHERE id = ? AND role = ? AND active = ?`, id, model.RoleTeacher, true)
}

// IsValidStudent reports whether id is an active student.
func (s *Store) IsValidStudent(ctx context.Context, id int64) (bool, error) {
	return s.exists(ctx, `SELECT COUNT(*) FROM people WHERE id = ? AND role = ? AND active = ?`, id, model.RoleStudent, true)
}

// ListPeople returns directory entries with the given role ordered by ID.
func (s *Store) ListPeople(ctx context.Context, role model.PersonRole) ([]model.Person, error) {
	var out []model.Person
	err := s.q.SelectContext(ctx, &out, s.rebind(
		`SELECT id, role, display_name, active FROM people WHERE role = ? ORDER BY id`), role)
	return out, err
}

// TogglePersonActive flips the active flag on a directory entry.
func (s *Store) TogglePersonActive(ctx context.Context, id int64) error {
	_, err := s.q.ExecContext(ctx, s.rebind(`UPDATE people SET active = NOT active WHERE id = ?`), id)
	return err
}
