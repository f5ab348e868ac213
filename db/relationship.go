package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
	"tangled.sh/tangled.sh/followsync/models"
)

var (
	ErrRelationshipExists   = errors.New("relationship already exists")
	ErrRelationshipNotFound = errors.New("relationship not found")
	ErrNoUpdates            = errors.New("no fields to update")
)

const relationshipColumns = `did, handle, type, num_of_attempts, follows_me, is_blacklisted, created_at, last_followed_at`

// AddRelationship inserts r. If a record with the same did already exists it
// is left untouched and ErrRelationshipExists is returned.
func (d *DB) AddRelationship(ctx context.Context, r models.Relationship) error {
	if !r.Type.Valid() {
		return fmt.Errorf("%w: %d", models.ErrInvalidFollowType, int(r.Type))
	}

	createdAt := r.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	var followsMe sql.NullBool
	if r.FollowsMe != nil {
		followsMe = sql.NullBool{Bool: *r.FollowsMe, Valid: true}
	}

	var lastFollowedAt sql.NullString
	if r.LastFollowedAt != nil {
		lastFollowedAt = sql.NullString{String: formatTime(*r.LastFollowedAt), Valid: true}
	}

	_, err := d.ExecContext(ctx, `
		insert into relationships (`+relationshipColumns+`)
		values (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.Did,
		r.Handle,
		r.Type,
		r.NumOfAttempts,
		followsMe,
		r.IsBlacklisted,
		formatTime(createdAt),
		lastFollowedAt,
	)
	if isConstraintConflict(err) {
		return ErrRelationshipExists
	}
	return err
}

// GetRelationship returns nil, nil when no record exists for did.
func (d *DB) GetRelationship(ctx context.Context, did string) (*models.Relationship, error) {
	row := d.QueryRowContext(ctx, `select `+relationshipColumns+` from relationships where did = ?`, did)

	r, err := scanRelationship(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return r, nil
}

func (d *DB) GetRelationships(ctx context.Context, filters ...Filter) ([]models.Relationship, error) {
	where, args := whereClause(filters)

	rows, err := d.QueryContext(ctx, `select `+relationshipColumns+` from relationships`+where+` order by created_at asc, did asc`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rs []models.Relationship
	for rows.Next() {
		r, err := scanRelationship(rows)
		if err != nil {
			return nil, err
		}
		rs = append(rs, *r)
	}

	if err = rows.Err(); err != nil {
		return nil, err
	}

	return rs, nil
}

func (d *DB) CountRelationships(ctx context.Context, filters ...Filter) (int, error) {
	where, args := whereClause(filters)

	var count int
	err := d.QueryRowContext(ctx, `select count(1) from relationships`+where, args...).Scan(&count)
	return count, err
}

// Update is a single column assignment. Only the Set* constructors
// produce them, so did, handle and created_at can never be rewritten.
type Update struct {
	key string
	arg any
}

func SetType(t models.FollowType) Update   { return Update{key: "type", arg: t} }
func SetNumOfAttempts(n int) Update        { return Update{key: "num_of_attempts", arg: n} }
func SetFollowsMe(b bool) Update           { return Update{key: "follows_me", arg: b} }
func SetBlacklisted(b bool) Update         { return Update{key: "is_blacklisted", arg: b} }
func SetLastFollowedAt(t time.Time) Update { return Update{key: "last_followed_at", arg: formatTime(t)} }

func (d *DB) UpdateRelationship(ctx context.Context, did string, updates ...Update) error {
	if len(updates) == 0 {
		return ErrNoUpdates
	}

	sets := make([]string, 0, len(updates))
	args := make([]any, 0, len(updates)+1)
	for _, u := range updates {
		sets = append(sets, u.key+" = ?")
		args = append(args, u.arg)
	}
	args = append(args, did)

	res, err := d.ExecContext(ctx, `update relationships set `+strings.Join(sets, ", ")+` where did = ?`, args...)
	if err != nil {
		return err
	}

	num, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if num == 0 {
		return ErrRelationshipNotFound
	}

	return nil
}

func (d *DB) DeleteRelationship(ctx context.Context, did string) error {
	res, err := d.ExecContext(ctx, `delete from relationships where did = ?`, did)
	if err != nil {
		return err
	}

	num, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if num == 0 {
		return ErrRelationshipNotFound
	}

	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRelationship(s scanner) (*models.Relationship, error) {
	var r models.Relationship
	var followsMe sql.NullBool
	var createdAt string
	var lastFollowedAt sql.NullString

	err := s.Scan(
		&r.Did,
		&r.Handle,
		&r.Type,
		&r.NumOfAttempts,
		&followsMe,
		&r.IsBlacklisted,
		&createdAt,
		&lastFollowedAt,
	)
	if err != nil {
		return nil, err
	}

	if followsMe.Valid {
		r.FollowsMe = models.Bool(followsMe.Bool)
	}

	if t, err := time.Parse(time.RFC3339, createdAt); err == nil {
		r.CreatedAt = t
	}

	if lastFollowedAt.Valid {
		if t, err := time.Parse(time.RFC3339, lastFollowedAt.String); err == nil {
			r.LastFollowedAt = &t
		}
	}

	return &r, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func isConstraintConflict(err error) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	return sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey ||
		sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
}
