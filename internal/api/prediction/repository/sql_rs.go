package predictionRepository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
	"yolodetect/internal/api/prediction"
	"yolodetect/internal/entity"
	contextPkg "yolodetect/pkg/context"

	"github.com/jmoiron/sqlx"
	jsoniter "github.com/json-iterator/go"
	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

type SQLExecutor interface {
	sqlx.ExtContext
	SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	QueryRowxContext(ctx context.Context, query string, args ...interface{}) *sqlx.Row
	Rebind(query string) string
}

type sqlRepository struct {
	db  *sqlx.DB
	q   SQLExecutor
	log *logrus.Logger
	now func() time.Time
}

type predictionSessionDB struct {
	UID            string         `db:"uid"`
	Timestamp      time.Time      `db:"timestamp"`
	OriginalImage  sql.NullString `db:"original_image"`
	PredictedImage sql.NullString `db:"predicted_image"`
}

type detectionObjectDB struct {
	ID            int64   `db:"id"`
	PredictionUID string  `db:"prediction_uid"`
	Label         string  `db:"label"`
	Score         float64 `db:"score"`
	Box           string  `db:"box"`
}

type predictionRefDB struct {
	UID       string    `db:"uid"`
	Timestamp time.Time `db:"timestamp"`
}

// OpenSQLite opens the embedded store. A single connection serializes
// writers; WAL and busy_timeout keep concurrent readers from failing.
func OpenSQLite(path string) (*sqlx.DB, error) {
	if path == "" {
		path = "predictions.db"
	}
	db, err := sqlx.Connect("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	return db, nil
}

func OpenPostgres(dsn string) (*sqlx.DB, error) {
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres database: %w", err)
	}
	return db, nil
}

// NewSQL migrates db and returns the relational record store.
func NewSQL(db *sqlx.DB, log *logrus.Logger, now func() time.Time) (Repository, error) {
	schema := sqliteSchema
	if db.DriverName() == "postgres" {
		schema = postgresSchema
	}

	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			return nil, fmt.Errorf("failed to migrate database: %w", err)
		}
	}

	return &sqlRepository{
		db:  db,
		q:   db,
		log: log,
		now: now,
	}, nil
}

func (r *sqlRepository) SavePredictionSession(ctx context.Context, uid, originalImage, predictedImage string) error {
	requestID := contextPkg.GetRequestID(ctx)

	argsKV := map[string]interface{}{
		"uid":             uid,
		"timestamp":       r.now(),
		"original_image":  originalImage,
		"predicted_image": predictedImage,
	}

	query, args, err := sqlx.Named(queryUpsertPredictionSession, argsKV)
	if err != nil {
		r.log.WithFields(logrus.Fields{
			"request_id": requestID,
			"error":      err.Error(),
		}).Error("SavePredictionSession named query preparation err")
		return prediction.NewStorageError("save prediction session", err)
	}
	query = r.q.Rebind(query)

	if _, err := r.q.ExecContext(ctx, query, args...); err != nil {
		r.log.WithFields(logrus.Fields{
			"request_id": requestID,
			"uid":        uid,
			"error":      err.Error(),
		}).Error("SavePredictionSession execution err")
		return prediction.NewStorageError("save prediction session", err)
	}

	return nil
}

func (r *sqlRepository) SaveDetection(ctx context.Context, uid, label string, score float64, box entity.Box) error {
	requestID := contextPkg.GetRequestID(ctx)

	if !box.Valid() {
		return prediction.NewStorageError("save detection", prediction.ErrInvalidBox)
	}

	boxJSON, err := json.Marshal(box)
	if err != nil {
		return prediction.NewStorageError("save detection", err)
	}

	argsKV := map[string]interface{}{
		"prediction_uid": uid,
		"label":          label,
		"score":          score,
		"box":            string(boxJSON),
	}

	query, args, err := sqlx.Named(queryCreateDetection, argsKV)
	if err != nil {
		r.log.WithFields(logrus.Fields{
			"request_id": requestID,
			"error":      err.Error(),
		}).Error("SaveDetection named query preparation err")
		return prediction.NewStorageError("save detection", err)
	}
	query = r.q.Rebind(query)

	if _, err := r.q.ExecContext(ctx, query, args...); err != nil {
		r.log.WithFields(logrus.Fields{
			"request_id": requestID,
			"uid":        uid,
			"label":      label,
			"error":      err.Error(),
		}).Error("SaveDetection execution err")
		if isForeignKeyViolation(err) {
			err = fmt.Errorf("%w: %v", prediction.ErrPredictionNotFound, err)
		}
		return prediction.NewStorageError("save detection", err)
	}

	return nil
}

func (r *sqlRepository) GetPrediction(ctx context.Context, uid string) (entity.PredictionSession, error) {
	requestID := contextPkg.GetRequestID(ctx)
	argsKV := map[string]interface{}{"uid": uid}

	query, args, err := sqlx.Named(queryGetPredictionSession, argsKV)
	if err != nil {
		return entity.PredictionSession{}, prediction.NewStorageError("get prediction", err)
	}
	query = r.q.Rebind(query)

	var sessionDB predictionSessionDB
	if err := r.q.QueryRowxContext(ctx, query, args...).StructScan(&sessionDB); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			r.log.WithFields(logrus.Fields{
				"request_id": requestID,
				"uid":        uid,
			}).Debug("GetPrediction no session found")
			return entity.PredictionSession{}, prediction.ErrPredictionNotFound
		}
		r.log.WithFields(logrus.Fields{
			"request_id": requestID,
			"error":      err.Error(),
		}).Error("GetPrediction session query err")
		return entity.PredictionSession{}, prediction.NewStorageError("get prediction", err)
	}

	query, args, err = sqlx.Named(queryGetDetectionsByUID, argsKV)
	if err != nil {
		return entity.PredictionSession{}, prediction.NewStorageError("get prediction", err)
	}
	query = r.q.Rebind(query)

	var detectionsDB []detectionObjectDB
	if err := r.q.SelectContext(ctx, &detectionsDB, query, args...); err != nil {
		r.log.WithFields(logrus.Fields{
			"request_id": requestID,
			"error":      err.Error(),
		}).Error("GetPrediction detections query err")
		return entity.PredictionSession{}, prediction.NewStorageError("get prediction", err)
	}

	session := entity.PredictionSession{
		UID:            sessionDB.UID,
		Timestamp:      sessionDB.Timestamp.UTC(),
		OriginalImage:  sessionDB.OriginalImage.String,
		PredictedImage: sessionDB.PredictedImage.String,
		Detections:     make([]entity.DetectionObject, 0, len(detectionsDB)),
	}

	for _, d := range detectionsDB {
		var box entity.Box
		if err := json.Unmarshal([]byte(d.Box), &box); err != nil {
			r.log.WithFields(logrus.Fields{
				"request_id": requestID,
				"id":         d.ID,
				"error":      err.Error(),
			}).Error("GetPrediction malformed box")
			return entity.PredictionSession{}, prediction.NewStorageError("get prediction", err)
		}
		session.Detections = append(session.Detections, entity.DetectionObject{
			ID:            fmt.Sprintf("%d", d.ID),
			PredictionUID: d.PredictionUID,
			Label:         d.Label,
			Score:         d.Score,
			Box:           box,
		})
	}

	return session, nil
}

func (r *sqlRepository) GetPredictionsByLabel(ctx context.Context, label string) ([]entity.PredictionRef, error) {
	return r.selectRefs(ctx, "get predictions by label", queryGetPredictionsByLabel, map[string]interface{}{
		"label": label,
	})
}

func (r *sqlRepository) GetPredictionsByScore(ctx context.Context, minScore float64) ([]entity.PredictionRef, error) {
	return r.selectRefs(ctx, "get predictions by score", queryGetPredictionsByScore, map[string]interface{}{
		"min_score": minScore,
	})
}

func (r *sqlRepository) selectRefs(ctx context.Context, op, namedQuery string, argsKV map[string]interface{}) ([]entity.PredictionRef, error) {
	requestID := contextPkg.GetRequestID(ctx)

	query, args, err := sqlx.Named(namedQuery, argsKV)
	if err != nil {
		return nil, prediction.NewStorageError(op, err)
	}
	query = r.q.Rebind(query)

	var rows []predictionRefDB
	if err := r.q.SelectContext(ctx, &rows, query, args...); err != nil {
		r.log.WithFields(logrus.Fields{
			"request_id": requestID,
			"operation":  op,
			"error":      err.Error(),
		}).Error("Filter query execution err")
		return nil, prediction.NewStorageError(op, err)
	}

	refs := make([]entity.PredictionRef, 0, len(rows))
	for _, row := range rows {
		refs = append(refs, entity.PredictionRef{UID: row.UID, Timestamp: row.Timestamp.UTC()})
	}
	// sqlite compares the stored text form, re-sort on the parsed value.
	sortNewestFirst(refs)

	return refs, nil
}

func (r *sqlRepository) GetPredictionImagePath(ctx context.Context, uid string) (string, error) {
	requestID := contextPkg.GetRequestID(ctx)

	query, args, err := sqlx.Named(queryGetPredictedImage, map[string]interface{}{"uid": uid})
	if err != nil {
		return "", prediction.NewStorageError("get prediction image path", err)
	}
	query = r.q.Rebind(query)

	var path sql.NullString
	if err := r.q.QueryRowxContext(ctx, query, args...).Scan(&path); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", prediction.ErrPredictionNotFound
		}
		r.log.WithFields(logrus.Fields{
			"request_id": requestID,
			"error":      err.Error(),
		}).Error("GetPredictionImagePath execution err")
		return "", prediction.NewStorageError("get prediction image path", err)
	}

	return path.String, nil
}

func (r *sqlRepository) Close() error {
	return r.db.Close()
}

func isForeignKeyViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintForeignKey
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23503"
	}
	return false
}
