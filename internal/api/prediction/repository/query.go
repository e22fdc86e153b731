package predictionRepository

var sqliteSchema = []string{
	`PRAGMA foreign_keys = ON`,
	`CREATE TABLE IF NOT EXISTS prediction_sessions (
		uid TEXT PRIMARY KEY,
		timestamp DATETIME NOT NULL,
		original_image TEXT,
		predicted_image TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS detection_objects (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		prediction_uid TEXT NOT NULL,
		label TEXT NOT NULL,
		score REAL NOT NULL,
		box TEXT NOT NULL,
		FOREIGN KEY (prediction_uid) REFERENCES prediction_sessions (uid)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_prediction_uid ON detection_objects (prediction_uid)`,
	`CREATE INDEX IF NOT EXISTS idx_label ON detection_objects (label)`,
	`CREATE INDEX IF NOT EXISTS idx_score ON detection_objects (score)`,
}

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS prediction_sessions (
		uid TEXT PRIMARY KEY,
		timestamp TIMESTAMPTZ NOT NULL,
		original_image TEXT,
		predicted_image TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS detection_objects (
		id BIGSERIAL PRIMARY KEY,
		prediction_uid TEXT NOT NULL REFERENCES prediction_sessions (uid),
		label TEXT NOT NULL,
		score DOUBLE PRECISION NOT NULL,
		box TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_prediction_uid ON detection_objects (prediction_uid)`,
	`CREATE INDEX IF NOT EXISTS idx_label ON detection_objects (label)`,
	`CREATE INDEX IF NOT EXISTS idx_score ON detection_objects (score)`,
}

const (
	queryUpsertPredictionSession = `
		INSERT INTO prediction_sessions (
			uid, timestamp, original_image, predicted_image
		) VALUES (
			:uid, :timestamp, :original_image, :predicted_image
		)
		ON CONFLICT (uid) DO UPDATE SET
			original_image = excluded.original_image,
			predicted_image = excluded.predicted_image
	`

	queryCreateDetection = `
		INSERT INTO detection_objects (
			prediction_uid, label, score, box
		) VALUES (
			:prediction_uid, :label, :score, :box
		)
	`

	queryGetPredictionSession = `
		SELECT uid, timestamp, original_image, predicted_image
		FROM prediction_sessions
		WHERE uid = :uid
	`

	queryGetDetectionsByUID = `
		SELECT id, prediction_uid, label, score, box
		FROM detection_objects
		WHERE prediction_uid = :uid
		ORDER BY id
	`

	queryGetPredictionsByLabel = `
		SELECT ps.uid, ps.timestamp
		FROM prediction_sessions ps
		WHERE EXISTS (
			SELECT 1 FROM detection_objects d
			WHERE d.prediction_uid = ps.uid AND d.label = :label
		)
		ORDER BY ps.timestamp DESC
	`

	queryGetPredictionsByScore = `
		SELECT ps.uid, ps.timestamp
		FROM prediction_sessions ps
		WHERE EXISTS (
			SELECT 1 FROM detection_objects d
			WHERE d.prediction_uid = ps.uid AND d.score >= :min_score
		)
		ORDER BY ps.timestamp DESC
	`

	queryGetPredictedImage = `
		SELECT predicted_image
		FROM prediction_sessions
		WHERE uid = :uid
	`
)
