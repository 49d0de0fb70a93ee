package db

// Schema defines the SQLite database schema for flash history and the
// persisted device preferences. preferences holds at most one row.
const Schema = `
CREATE TABLE IF NOT EXISTS flashes (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id TEXT NOT NULL UNIQUE,
    image_name TEXT NOT NULL,
    image_url TEXT NOT NULL,
    chrome_version TEXT,
    device_kind TEXT NOT NULL,
    target TEXT NOT NULL,
    status TEXT NOT NULL CHECK(status IN ('pending', 'downloading', 'verifying', 'writing', 'complete', 'failed')),
    bytes_written INTEGER NOT NULL DEFAULT 0,
    total_bytes INTEGER NOT NULL DEFAULT 0,
    error_kind TEXT,
    error_message TEXT,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_flashes_status ON flashes(status);
CREATE INDEX IF NOT EXISTS idx_flashes_created_at ON flashes(created_at);

CREATE TABLE IF NOT EXISTS preferences (
    id INTEGER PRIMARY KEY CHECK (id = 1),
    device_kind TEXT NOT NULL,
    target TEXT NOT NULL,
    consent INTEGER NOT NULL DEFAULT 0,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);
`

// Flash status constants
const (
	StatusPending     = "pending"
	StatusDownloading = "downloading"
	StatusVerifying   = "verifying"
	StatusWriting     = "writing"
	StatusComplete    = "complete"
	StatusFailed      = "failed"
)

// Flash is one recorded flash run.
type Flash struct {
	ID            int64
	RunID         string
	ImageName     string
	ImageURL      string
	ChromeVersion string
	DeviceKind    string
	Target        string
	Status        string
	BytesWritten  int64
	TotalBytes    int64
	ErrorKind     string
	ErrorMessage  string
	CreatedAt     string
	UpdatedAt     string
}

// Preferences is the device choice remembered between sessions.
type Preferences struct {
	DeviceKind string
	Target     string
	Consent    bool
	UpdatedAt  string
}
