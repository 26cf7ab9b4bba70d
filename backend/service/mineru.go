package service

import (
	"archive/zip"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/AnTengye/dealdesk/backend/config"
	"github.com/AnTengye/dealdesk/backend/pkg/logger"
)

// Task states reported by MinerU
const (
	MineruStatePending    = "pending"
	MineruStateRunning    = "running"
	MineruStateConverting = "converting"
	MineruStateDone       = "done"
	MineruStateFailed     = "failed"
)

var ErrNoExtractedText = errors.New("no extracted text in result")

type MineruService struct {
	config     *config.MineruConfig
	httpClient *http.Client

	mu      sync.Mutex
	waiters map[string]chan CallbackContent
}

// MineruTaskRequest represents the request to create an extraction task
type MineruTaskRequest struct {
	URL          string `json:"url"`
	ModelVersion string `json:"model_version"`
	Callback     string `json:"callback,omitempty"`
	Seed         string `json:"seed,omitempty"`
	DataID       string `json:"data_id,omitempty"`
}

// MineruTaskResponse represents the response from task creation
type MineruTaskResponse struct {
	Code    int    `json:"code"`
	Message string `json:"msg"`
	Data    struct {
		TaskID string `json:"task_id"`
	} `json:"data"`
}

// MineruTaskStatusResponse represents the task status query response
type MineruTaskStatusResponse struct {
	Code    int    `json:"code"`
	Message string `json:"msg"`
	TraceID string `json:"trace_id"`
	Data    struct {
		TaskID          string `json:"task_id"`
		DataID          string `json:"data_id"`
		State           string `json:"state"`
		FullZipURL      string `json:"full_zip_url,omitempty"`
		ErrorMsg        string `json:"err_msg,omitempty"`
		ExtractProgress struct {
			ExtractedPages int `json:"extracted_pages"`
			TotalPages     int `json:"total_pages"`
		} `json:"extract_progress,omitempty"`
	} `json:"data"`
}

// MineruCallbackPayload is the body MinerU posts to the callback URL
type MineruCallbackPayload struct {
	Checksum string `json:"checksum"`
	Content  string `json:"content"`
}

// CallbackContent is the JSON document carried in MineruCallbackPayload.Content
type CallbackContent struct {
	TaskID     string         `json:"task_id"`
	DataID     string         `json:"data_id"`
	State      string         `json:"state"`
	FullZipURL string         `json:"full_zip_url"`
	FullPages  []CallbackPage `json:"full_pages"`
	ErrorMsg   string         `json:"err_msg"`
}

type CallbackPage struct {
	PageNo  int    `json:"page_no"`
	MDURL   string `json:"md_url"`
	JSONURL string `json:"json_url"`
}

func NewMineruService(cfg *config.MineruConfig) *MineruService {
	return &MineruService{
		config: cfg,
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
		waiters: make(map[string]chan CallbackContent),
	}
}

func (s *MineruService) do(req *http.Request, out any) error {
	req.Header.Set("Authorization", "Bearer "+s.config.APIToken)
	req.Header.Set("Accept", "*/*")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	logger.Debug(req.Context(), "mineru response", "url", req.URL.Path, "status", resp.StatusCode, "bytes", len(body))

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to parse response: %w, body: %s", err, truncate(body, 200))
	}
	return nil
}

// CreateTask submits fileURL for extraction. dataID comes back in callbacks and status queries.
func (s *MineruService) CreateTask(ctx context.Context, fileURL, dataID string) (*MineruTaskResponse, error) {
	reqBody := MineruTaskRequest{
		URL:          fileURL,
		ModelVersion: s.config.ModelVersion,
		DataID:       dataID,
	}
	if s.config.CallbackURL != "" {
		reqBody.Callback = s.config.CallbackURL
		reqBody.Seed = s.config.Seed
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.config.APIURL+"/extract/task", bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	var result MineruTaskResponse
	if err := s.do(req, &result); err != nil {
		return nil, err
	}
	if result.Code != 0 {
		return nil, fmt.Errorf("MinerU API error: %s", result.Message)
	}
	return &result, nil
}

func (s *MineruService) GetTaskStatus(ctx context.Context, taskID string) (*MineruTaskStatusResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s/extract/task/%s", s.config.APIURL, taskID), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	var result MineruTaskStatusResponse
	if err := s.do(req, &result); err != nil {
		return nil, err
	}
	if result.Code != 0 {
		return nil, fmt.Errorf("MinerU API error: %s", result.Message)
	}
	return &result, nil
}

// Checksum computes SHA256(uid + seed + content) as hex
func (s *MineruService) Checksum(content string) string {
	hash := sha256.Sum256([]byte(s.config.UID + s.config.Seed + content))
	return hex.EncodeToString(hash[:])
}

// VerifyCallback checks the checksum MinerU attached to a callback
func (s *MineruService) VerifyCallback(checksum, content string) bool {
	return checksum != "" && checksum == s.Checksum(content)
}

// Deliver hands a callback to the extraction waiting on its data id.
// It reports false when nobody is waiting.
func (s *MineruService) Deliver(content CallbackContent) bool {
	s.mu.Lock()
	ch, ok := s.waiters[content.DataID]
	s.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case ch <- content:
		return true
	default:
		return false
	}
}

func (s *MineruService) register(dataID string) chan CallbackContent {
	ch := make(chan CallbackContent, 1)
	s.mu.Lock()
	s.waiters[dataID] = ch
	s.mu.Unlock()
	return ch
}

func (s *MineruService) unregister(dataID string, ch chan CallbackContent) {
	s.mu.Lock()
	if s.waiters[dataID] == ch {
		delete(s.waiters, dataID)
	}
	s.mu.Unlock()
}

// ExtractText runs a full extraction of fileURL and returns the document text.
// It finishes on whichever comes first: the callback, a poll seeing a final
// state, or ctx ending.
func (s *MineruService) ExtractText(ctx context.Context, fileURL, dataID string) (string, error) {
	ch := s.register(dataID)
	defer s.unregister(dataID, ch)

	task, err := s.CreateTask(ctx, fileURL, dataID)
	if err != nil {
		return "", err
	}
	taskID := task.Data.TaskID
	logger.Info(ctx, "mineru task created", "task_id", taskID, "data_id", dataID)

	interval := s.config.PollInterval()
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return "", fmt.Errorf("mineru task %s: %w", taskID, ctx.Err())

		case cb := <-ch:
			if cb.State == MineruStateFailed {
				return "", fmt.Errorf("mineru task %s failed: %s", taskID, cb.ErrorMsg)
			}
			return s.callbackText(ctx, cb)

		case <-ticker.C:
			status, err := s.GetTaskStatus(ctx, taskID)
			if err != nil {
				logger.Warn(ctx, "mineru status poll failed", "task_id", taskID, "error", err)
				continue
			}
			switch status.Data.State {
			case MineruStateDone:
				return s.FetchZipAndExtractText(ctx, status.Data.FullZipURL)
			case MineruStateFailed:
				return "", fmt.Errorf("mineru task %s failed: %s", taskID, status.Data.ErrorMsg)
			}
		}
	}
}

func (s *MineruService) callbackText(ctx context.Context, cb CallbackContent) (string, error) {
	if cb.FullZipURL != "" {
		return s.FetchZipAndExtractText(ctx, cb.FullZipURL)
	}

	pages := append([]CallbackPage(nil), cb.FullPages...)
	sort.Slice(pages, func(i, j int) bool { return pages[i].PageNo < pages[j].PageNo })

	var parts []string
	for _, p := range pages {
		if p.MDURL == "" {
			continue
		}
		body, err := s.download(ctx, p.MDURL)
		if err != nil {
			return "", fmt.Errorf("page %d: %w", p.PageNo, err)
		}
		if text := strings.TrimSpace(string(body)); text != "" {
			parts = append(parts, text)
		}
	}
	if len(parts) == 0 {
		return "", ErrNoExtractedText
	}
	return strings.Join(parts, "\n\n"), nil
}

func (s *MineruService) download(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to download %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to download %s: status %d", url, resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

// contentBlock is one entry of content_list.json
type contentBlock struct {
	Type      string `json:"type"`
	Text      string `json:"text"`
	TableBody string `json:"table_body"`
}

// FetchZipAndExtractText downloads the result archive and returns its text.
// full.md is preferred, content_list.json text blocks are the fallback.
func (s *MineruService) FetchZipAndExtractText(ctx context.Context, zipURL string) (string, error) {
	if zipURL == "" {
		return "", errors.New("empty result URL")
	}
	zipData, err := s.download(ctx, zipURL)
	if err != nil {
		return "", err
	}
	logger.Debug(ctx, "mineru archive downloaded", "bytes", len(zipData))

	zr, err := zip.NewReader(bytes.NewReader(zipData), int64(len(zipData)))
	if err != nil {
		return "", fmt.Errorf("failed to open ZIP: %w", err)
	}

	var contentList *zip.File
	for _, f := range zr.File {
		switch {
		case strings.HasSuffix(f.Name, "full.md"):
			data, err := readZipFile(f)
			if err != nil {
				return "", err
			}
			if text := strings.TrimSpace(string(data)); text != "" {
				return text, nil
			}
		case strings.HasSuffix(f.Name, "content_list.json"):
			contentList = f
		}
	}
	if contentList == nil {
		return "", ErrNoExtractedText
	}

	data, err := readZipFile(contentList)
	if err != nil {
		return "", err
	}
	var blocks []contentBlock
	if err := json.Unmarshal(data, &blocks); err != nil {
		return "", fmt.Errorf("failed to parse %s: %w", contentList.Name, err)
	}

	lines := make([]string, 0, len(blocks))
	for _, b := range blocks {
		text := b.Text
		if text == "" {
			text = b.TableBody
		}
		if text = strings.TrimSpace(text); text != "" {
			lines = append(lines, text)
		}
	}
	if len(lines) == 0 {
		return "", ErrNoExtractedText
	}
	return strings.Join(lines, "\n"), nil
}

func readZipFile(f *zip.File) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", f.Name, err)
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
