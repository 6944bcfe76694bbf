package agent

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// defaultUploadMB is the upload probe size in mebibytes.
const defaultUploadMB = 8

// SpeedTester measures throughput against the relay's speedtest endpoints.
// The download pulls the relay's fixed-size payload and the upload pushes
// a zero-filled body of uploadMB mebibytes.
type SpeedTester struct {
	baseURL  string
	client   *http.Client
	uploadMB int
	now      func() time.Time
}

// NewSpeedTester returns a tester for the control API rooted at baseURL,
// for example "http://relay.example:8000".
func NewSpeedTester(baseURL string) *SpeedTester {
	return &SpeedTester{
		baseURL:  baseURL,
		client:   &http.Client{Timeout: 2 * time.Minute},
		uploadMB: defaultUploadMB,
		now:      time.Now,
	}
}

// Download measures download throughput in megabits per second.
func (st *SpeedTester) Download(ctx context.Context) (float64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, st.baseURL+"/api/speedtest/download", nil)
	if err != nil {
		return 0, fmt.Errorf("failed to build download request: %w", err)
	}

	start := st.now()
	resp, err := st.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("download probe failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("download probe returned status %d", resp.StatusCode)
	}

	received, err := io.Copy(io.Discard, resp.Body)
	if err != nil {
		return 0, fmt.Errorf("download probe interrupted: %w", err)
	}
	return mbps(received, st.now().Sub(start)), nil
}

// Upload measures upload throughput in megabits per second.
func (st *SpeedTester) Upload(ctx context.Context) (float64, error) {
	payload := make([]byte, st.uploadMB<<20)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, st.baseURL+"/api/speedtest/upload", bytes.NewReader(payload))
	if err != nil {
		return 0, fmt.Errorf("failed to build upload request: %w", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	start := st.now()
	resp, err := st.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("upload probe failed: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("upload probe returned status %d", resp.StatusCode)
	}
	return mbps(int64(len(payload)), st.now().Sub(start)), nil
}

// mbps converts a byte count over a duration into megabits per second.
func mbps(count int64, elapsed time.Duration) float64 {
	seconds := elapsed.Seconds()
	if seconds <= 0 {
		seconds = 1e-6
	}
	return float64(count) * 8 / seconds / 1e6
}
