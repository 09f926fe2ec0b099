// Package transfer talks to the rclone remote control API that performs the
// actual copy, sync, move and bisync transfers.
package transfer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/t77yq/transfer-scheduler/internal/model"
)

// ErrTransferEngine wraps every failure reported by the transfer engine
var ErrTransferEngine = errors.New("transfer engine error")

const defaultTimeout = 30 * time.Second

var endpoints = map[model.TaskType]string{
	model.TaskTypeCopy:   "/sync/copy",
	model.TaskTypeSync:   "/sync/sync",
	model.TaskTypeMove:   "/sync/move",
	model.TaskTypeBisync: "/sync/bisync",
}

// Request is a fully typed transfer request
type Request struct {
	Type               model.TaskType
	RemoteName         string
	Source             string
	Dest               string
	CreateEmptySrcDirs bool
	DeleteEmptySrcDirs bool
	Options            map[string]interface{}
	Filter             map[string]interface{}
	Backend            map[string]interface{}
	Bisync             *BisyncOptions
}

// BisyncOptions are the bisync specific flags
type BisyncOptions struct {
	DryRun                bool   `json:"dryRun,omitempty"`
	Resync                bool   `json:"resync,omitempty"`
	CheckAccess           bool   `json:"checkAccess,omitempty"`
	CheckFilename         string `json:"checkFilename,omitempty"`
	MaxDelete             int    `json:"maxDelete,omitempty"`
	Force                 bool   `json:"force,omitempty"`
	CheckSync             string `json:"checkSync,omitempty"`
	CreateEmptySrcDirs    bool   `json:"createEmptySrcDirs,omitempty"`
	RemoveEmptyDirs       bool   `json:"removeEmptyDirs,omitempty"`
	FiltersFile           string `json:"filtersFile,omitempty"`
	IgnoreListingChecksum bool   `json:"ignoreListingChecksum,omitempty"`
	Resilient             bool   `json:"resilient,omitempty"`
	Workdir               string `json:"workdir,omitempty"`
	Backupdir1            string `json:"backupdir1,omitempty"`
	Backupdir2            string `json:"backupdir2,omitempty"`
	NoCleanup             bool   `json:"noCleanup,omitempty"`
}

// JobStatus is the rclone job/status reply
type JobStatus struct {
	ID        uint64  `json:"id"`
	Group     string  `json:"group"`
	Finished  bool    `json:"finished"`
	Success   bool    `json:"success"`
	Error     string  `json:"error"`
	Duration  float64 `json:"duration"`
	StartTime string  `json:"startTime"`
	EndTime   string  `json:"endTime"`
}

type jobResponse struct {
	JobID uint64 `json:"jobid"`
}

type errorResponse struct {
	Error  string `json:"error"`
	Status int    `json:"status"`
	Path   string `json:"path"`
}

// Config holds the rclone rc connection settings
type Config struct {
	URL     string
	User    string
	Pass    string
	Timeout time.Duration
}

// Client is an rclone rc client
type Client struct {
	r      *resty.Client
	logger *zap.Logger
}

// NewClient creates a client for the rc server at cfg.URL
func NewClient(cfg Config, logger *zap.Logger) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	r := resty.New().
		SetBaseURL(cfg.URL).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json")
	if cfg.User != "" {
		r.SetBasicAuth(cfg.User, cfg.Pass)
	}

	return &Client{
		r:      r,
		logger: logger.Named("transfer"),
	}
}

// Start launches an asynchronous transfer and returns its rclone job id
func (c *Client) Start(ctx context.Context, req *Request) (uint64, error) {
	endpoint, ok := endpoints[req.Type]
	if !ok {
		return 0, fmt.Errorf("%w: unsupported transfer type %q", ErrTransferEngine, req.Type)
	}

	var job jobResponse
	if err := c.post(ctx, endpoint, requestBody(req), &job); err != nil {
		return 0, err
	}

	c.logger.Info("Started transfer job",
		zap.String("type", string(req.Type)),
		zap.String("remote", req.RemoteName),
		zap.String("source", req.Source),
		zap.String("dest", req.Dest),
		zap.Uint64("job_id", job.JobID))
	return job.JobID, nil
}

// JobStatus returns the state of a transfer job
func (c *Client) JobStatus(ctx context.Context, jobID uint64) (*JobStatus, error) {
	var status JobStatus
	if err := c.post(ctx, "/job/status", map[string]interface{}{"jobid": jobID}, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// StopJob asks rclone to abort a running transfer job
func (c *Client) StopJob(ctx context.Context, jobID uint64) error {
	return c.post(ctx, "/job/stop", map[string]interface{}{"jobid": jobID}, nil)
}

func (c *Client) post(ctx context.Context, endpoint string, body interface{}, result interface{}) error {
	var apiErr errorResponse
	req := c.r.R().
		SetContext(ctx).
		SetBody(body).
		SetError(&apiErr)
	if result != nil {
		req.SetResult(result)
	}

	resp, err := req.Post(endpoint)
	if err != nil {
		return fmt.Errorf("%w: request %s failed: %v", ErrTransferEngine, endpoint, err)
	}
	if resp.IsError() {
		msg := apiErr.Error
		if msg == "" {
			msg = resp.String()
		}
		return fmt.Errorf("%w: %s returned HTTP %d: %s", ErrTransferEngine, endpoint, resp.StatusCode(), msg)
	}
	return nil
}

func requestBody(req *Request) map[string]interface{} {
	body := map[string]interface{}{
		"_async": true,
	}

	if req.Type == model.TaskTypeBisync {
		body["path1"] = req.Source
		body["path2"] = req.Dest
		if req.Bisync != nil {
			for k, v := range bisyncFlags(req.Bisync) {
				body[k] = v
			}
		}
	} else {
		body["srcFs"] = req.Source
		body["dstFs"] = req.Dest
		if req.CreateEmptySrcDirs {
			body["createEmptySrcDirs"] = true
		}
		if req.Type == model.TaskTypeMove && req.DeleteEmptySrcDirs {
			body["deleteEmptySrcDirs"] = true
		}
	}

	config := make(map[string]interface{}, len(req.Options)+len(req.Backend))
	for k, v := range req.Backend {
		config[k] = v
	}
	for k, v := range req.Options {
		config[k] = v
	}
	if len(config) > 0 {
		body["_config"] = config
	}
	if len(req.Filter) > 0 {
		body["_filter"] = req.Filter
	}
	return body
}

func bisyncFlags(o *BisyncOptions) map[string]interface{} {
	flags := map[string]interface{}{}
	data, err := json.Marshal(o)
	if err != nil {
		return flags
	}
	_ = json.Unmarshal(data, &flags)
	return flags
}
