package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/signalsfoundry/satellite-globe/model"
)

// ErrNoLoads is returned by LatestLoad on an empty archive.
var ErrNoLoads = errors.New("no loads recorded")

const schema = `
create table if not exists loads (
	id integer primary key,
	source text not null,
	content_sha256 text not null,
	loaded_at datetime not null,
	feature_count integer not null
);
create table if not exists element_sets (
	id integer primary key,
	load_id integer not null,
	ordinal integer not null,
	name text,
	line1 text not null,
	line2 text not null,
	launch_year integer,
	launch_number integer,
	launch_piece text,
	longitude_deg float,
	latitude_deg float,
	height_m float,
	observed_at datetime,
	foreign key (load_id) references loads(id),
	unique (load_id, ordinal)
);
`

// Load describes one archived load.
type Load struct {
	ID            int64
	Source        string
	ContentSHA256 string
	LoadedAt      time.Time
	FeatureCount  int
}

// SQLiteStore archives every successful load of the primary layer.
type SQLiteStore struct {
	db *sql.DB
}

// Open opens (or creates) the archive at path and ensures the schema.
func Open(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", "file:"+path+"?_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open sqlite %q: %w", path, err)
	}
	// One writer; sqlite serialises anyway and this avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close releases the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// SaveLoad writes a load row and one row per feature in a single
// transaction and returns the new load ID.
func (s *SQLiteStore) SaveLoad(ctx context.Context, source string, content []byte, loadedAt time.Time, features []model.Feature) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`insert into loads(source, content_sha256, loaded_at, feature_count) values(?, ?, ?, ?)`,
		source, fmt.Sprintf("%x", sha256.Sum256(content)), loadedAt.UTC(), len(features),
	)
	if err != nil {
		return 0, fmt.Errorf("insert load: %w", err)
	}
	loadID, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("load id: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `insert into element_sets(
		load_id,
		ordinal,
		name,
		line1,
		line2,
		launch_year,
		launch_number,
		launch_piece,
		longitude_deg,
		latitude_deg,
		height_m,
		observed_at
	) values(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return 0, fmt.Errorf("prepare element set insert: %w", err)
	}
	defer stmt.Close()

	for _, f := range features {
		if _, err := stmt.ExecContext(ctx,
			loadID,
			f.ID,
			f.ElementSet.Name,
			f.ElementSet.Line1,
			f.ElementSet.Line2,
			f.Designator.LaunchYear,
			f.Designator.LaunchNumber,
			f.Designator.Piece,
			f.Position.LongitudeDeg,
			f.Position.LatitudeDeg,
			f.Position.HeightM,
			f.Position.ObservedAt.UTC(),
		); err != nil {
			return 0, fmt.Errorf("insert element set %d: %w", f.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return loadID, nil
}

// LatestLoad returns the most recent load.
func (s *SQLiteStore) LatestLoad(ctx context.Context) (Load, error) {
	var l Load
	err := s.db.QueryRowContext(ctx,
		`select id, source, content_sha256, loaded_at, feature_count from loads order by id desc limit 1`,
	).Scan(&l.ID, &l.Source, &l.ContentSHA256, &l.LoadedAt, &l.FeatureCount)
	if errors.Is(err, sql.ErrNoRows) {
		return Load{}, ErrNoLoads
	}
	if err != nil {
		return Load{}, fmt.Errorf("query latest load: %w", err)
	}
	return l, nil
}

// Features returns the archived features of a load in ordinal order.
func (s *SQLiteStore) Features(ctx context.Context, loadID int64) ([]model.Feature, error) {
	rows, err := s.db.QueryContext(ctx, `select
		ordinal, name, line1, line2, launch_year, launch_number, launch_piece,
		longitude_deg, latitude_deg, height_m, observed_at
	from element_sets where load_id = ? order by ordinal`, loadID)
	if err != nil {
		return nil, fmt.Errorf("query element sets: %w", err)
	}
	defer rows.Close()

	var out []model.Feature
	for rows.Next() {
		var f model.Feature
		if err := rows.Scan(
			&f.ID,
			&f.ElementSet.Name,
			&f.ElementSet.Line1,
			&f.ElementSet.Line2,
			&f.Designator.LaunchYear,
			&f.Designator.LaunchNumber,
			&f.Designator.Piece,
			&f.Position.LongitudeDeg,
			&f.Position.LatitudeDeg,
			&f.Position.HeightM,
			&f.Position.ObservedAt,
		); err != nil {
			return nil, fmt.Errorf("scan element set: %w", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}
