package fsm

// FlashRequest is the FSM input
type FlashRequest struct {
	RunID      string
	ImageName  string
	ImageURL   string
	DeviceKind string
	Target     string
}

// FlashResponse is the FSM output (accumulated across transitions)
type FlashResponse struct {
	RunID   string
	FlashID int64

	// From Download/Verify/Write
	BytesWritten int64
	TotalBytes   int64

	// From Complete/Failed
	Status       string
	ErrorKind    string
	ErrorMessage string
}

// State names
const (
	StateDownload = "download"
	StateVerify   = "verify"
	StateWrite    = "write"
	StateComplete = "complete"
	StateFailed   = "failed"
)
