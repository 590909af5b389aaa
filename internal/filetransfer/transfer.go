// Package filetransfer implements the File Transfer component (spec
// §4.12): chunked HTTP upload with progress callbacks, byte-range
// resumable download, a JSON sidecar per task, and pause/cancel/resume
// semantics. Grounded on the teacher's multipart upload call in
// client/app.go (UploadFile/uploadFilePath) and the blob metadata shape in
// server/internal/blob/store.go, mirrored here as client-side resume state.
package filetransfer

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"sync"
)

// chunkSize is the read granularity for progress reporting on both the
// upload and download paths.
const chunkSize = 32 * 1024

// ProgressFunc reports completed/total bytes as a transfer advances.
type ProgressFunc func(completedBytes, totalBytes int64)

// UploadResult carries the server's response to a completed upload.
type UploadResult struct {
	URL  string
	Size int64
}

// countingReader wraps an io.Reader, invoking onRead with the cumulative
// byte count after each underlying Read, so progress is reported per chunk
// as the source is read.
type countingReader struct {
	r      io.Reader
	total  int64
	onRead func(total int64)
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	if n > 0 {
		c.total += int64(n)
		if c.onRead != nil {
			c.onRead(c.total)
		}
	}
	return n, err
}

// Manager coordinates in-flight transfers, their cancel handles, and their
// sidecar-persisted resume state.
type Manager struct {
	client  *http.Client
	sidecar Sidecar

	mu     sync.Mutex
	cancel map[string]context.CancelFunc
}

// New creates a Manager using client for HTTP I/O (http.DefaultClient if
// nil) and sidecar for resume-state persistence.
func New(client *http.Client, sidecar Sidecar) *Manager {
	if client == nil {
		client = http.DefaultClient
	}
	return &Manager{client: client, sidecar: sidecar, cancel: make(map[string]context.CancelFunc)}
}

func (m *Manager) track(taskID string, cancel context.CancelFunc) {
	m.mu.Lock()
	m.cancel[taskID] = cancel
	m.mu.Unlock()
}

func (m *Manager) untrack(taskID string) {
	m.mu.Lock()
	delete(m.cancel, taskID)
	m.mu.Unlock()
}

// Upload sends localPath to endpoint as a multipart POST, invoking progress
// as bytes are read off disk in chunkSize pieces. The whole multipart body
// is assembled in memory before the request is sent. The upload is out-of-band from the
// realtime channel (spec §4.12); callers invoke it before sending a
// file-backed message so the content JSON can embed the resulting URL.
func (m *Manager) Upload(ctx context.Context, taskID, endpoint, localPath string, progress ProgressFunc) (UploadResult, error) {
	ctx, cancel := context.WithCancel(ctx)
	m.track(taskID, cancel)
	defer func() { cancel(); m.untrack(taskID) }()

	f, err := os.Open(localPath)
	if err != nil {
		return UploadResult{}, fmt.Errorf("filetransfer: open upload source: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return UploadResult{}, fmt.Errorf("filetransfer: stat upload source: %w", err)
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	fw, err := w.CreateFormFile("file", filepath.Base(localPath))
	if err != nil {
		return UploadResult{}, fmt.Errorf("filetransfer: build multipart form: %w", err)
	}
	counted := &countingReader{r: f, onRead: func(total int64) {
		if progress != nil {
			progress(total, info.Size())
		}
	}}
	if _, err := io.CopyBuffer(fw, counted, make([]byte, chunkSize)); err != nil {
		return UploadResult{}, fmt.Errorf("filetransfer: read upload source: %w", err)
	}
	if err := w.Close(); err != nil {
		return UploadResult{}, fmt.Errorf("filetransfer: finalize multipart form: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, &buf)
	if err != nil {
		return UploadResult{}, fmt.Errorf("filetransfer: build request: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := m.client.Do(req)
	if err != nil {
		return UploadResult{}, fmt.Errorf("filetransfer: upload request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return UploadResult{}, fmt.Errorf("filetransfer: upload failed (%d): %s", resp.StatusCode, string(body))
	}

	url := resp.Header.Get("Location")
	if url == "" {
		url = endpoint
	}
	return UploadResult{URL: url, Size: info.Size()}, nil
}

// StartDownload begins a fresh resumable download: stages a sidecar entry
// at zero progress, then delegates to the shared fetch loop.
func (m *Manager) StartDownload(ctx context.Context, taskID, url, localPath string, progress ProgressFunc) error {
	state := TaskState{TaskID: taskID, URL: url, LocalPath: localPath}
	if err := m.sidecar.Save(state); err != nil {
		return fmt.Errorf("filetransfer: stage download sidecar: %w", err)
	}
	return m.fetch(ctx, state, progress, false)
}

// Resume continues a previously paused download from its sidecar-recorded
// completed_bytes, issuing a Range request and appending to the partial
// file.
func (m *Manager) Resume(ctx context.Context, taskID string, progress ProgressFunc) error {
	state, err := m.sidecar.Load(taskID)
	if err != nil {
		return fmt.Errorf("filetransfer: load sidecar for resume: %w", err)
	}
	if state.TotalBytes > 0 && state.CompletedBytes >= state.TotalBytes {
		if progress != nil {
			progress(state.TotalBytes, state.TotalBytes)
		}
		return nil
	}
	return m.fetch(ctx, state, progress, true)
}

func (m *Manager) fetch(ctx context.Context, state TaskState, progress ProgressFunc, resume bool) error {
	ctx, cancel := context.WithCancel(ctx)
	m.track(state.TaskID, cancel)
	defer func() { cancel(); m.untrack(state.TaskID) }()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, state.URL, nil)
	if err != nil {
		return fmt.Errorf("filetransfer: build download request: %w", err)
	}
	flags := os.O_CREATE | os.O_WRONLY
	if resume && state.CompletedBytes > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", state.CompletedBytes))
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
		state.CompletedBytes = 0
	}

	resp, err := m.client.Do(req)
	if err != nil {
		return fmt.Errorf("filetransfer: download request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		return fmt.Errorf("filetransfer: download failed (%d)", resp.StatusCode)
	}

	total := state.TotalBytes
	if total == 0 {
		total = resp.ContentLength + state.CompletedBytes
	}
	state.TotalBytes = total
	state.ETag = resp.Header.Get("ETag")
	state.LastModified = resp.Header.Get("Last-Modified")

	out, err := os.OpenFile(state.LocalPath, flags, 0o644)
	if err != nil {
		return fmt.Errorf("filetransfer: open destination: %w", err)
	}
	defer out.Close()

	buf := make([]byte, chunkSize)
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if _, err := out.Write(buf[:n]); err != nil {
				return fmt.Errorf("filetransfer: write chunk: %w", err)
			}
			state.CompletedBytes += int64(n)
			if err := m.sidecar.Save(state); err != nil {
				return fmt.Errorf("filetransfer: persist progress: %w", err)
			}
			if progress != nil {
				progress(state.CompletedBytes, state.TotalBytes)
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return fmt.Errorf("filetransfer: read chunk: %w", readErr)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
	return nil
}

// Pause stops the task's in-flight I/O (via context cancellation) and
// retains its sidecar so Resume can continue later.
func (m *Manager) Pause(taskID string) {
	m.mu.Lock()
	cancel, ok := m.cancel[taskID]
	m.mu.Unlock()
	if ok {
		cancel()
	}
}

// Cancel stops the task's in-flight I/O, removes its sidecar, and deletes
// the partial file on disk.
func (m *Manager) Cancel(ctx context.Context, taskID string) error {
	m.mu.Lock()
	cancel, ok := m.cancel[taskID]
	m.mu.Unlock()
	if ok {
		cancel()
	}

	state, err := m.sidecar.Load(taskID)
	if err == nil {
		_ = os.Remove(state.LocalPath)
	}
	if err := m.sidecar.Delete(taskID); err != nil {
		return fmt.Errorf("filetransfer: cancel: %w", err)
	}
	return nil
}
