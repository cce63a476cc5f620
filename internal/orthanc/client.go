package orthanc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"orthanc-orchestrator/internal/faults"
	"orthanc-orchestrator/internal/models"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

// ErrNotFound the resource does not exist on the server.
var ErrNotFound = errors.New("orthanc: resource not found")

// Client talks to the Orthanc REST API. Reads retry on network errors and
// 5xx; writes are sent once so callers own their retry policy.
type Client struct {
	reads  *resty.Client
	writes *resty.Client
	logger *zap.Logger
}

// Options for NewClient.
type Options struct {
	BaseURL  string
	Username string
	Password string
	Timeout  time.Duration
	// HTTPClient replaces the transport, e.g. in tests
	HTTPClient *http.Client
}

// NewClient builds a client for opts.BaseURL.
func NewClient(opts Options, logger *zap.Logger) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}
	build := func(retries int) *resty.Client {
		var c *resty.Client
		if opts.HTTPClient != nil {
			c = resty.NewWithClient(opts.HTTPClient)
		} else {
			c = resty.New()
		}
		c.SetBaseURL(opts.BaseURL).
			SetTimeout(opts.Timeout).
			SetHeader("Accept", "application/json").
			SetRetryCount(retries).
			SetRetryWaitTime(200 * time.Millisecond).
			SetRetryMaxWaitTime(2 * time.Second)
		if retries > 0 {
			c.AddRetryCondition(func(r *resty.Response, err error) bool {
				return err != nil || (r != nil && r.StatusCode() >= http.StatusInternalServerError)
			})
		}
		if opts.Username != "" {
			c.SetBasicAuth(opts.Username, opts.Password)
		}
		return c
	}

	return &Client{
		reads:  build(2),
		writes: build(0),
		logger: logger,
	}
}

// GetStudy GET /studies/{id}
func (c *Client) GetStudy(ctx context.Context, studyID string) (*Study, error) {
	if studyID == "" {
		return nil, faults.Validation("get study", "study id cannot be empty")
	}
	var study Study
	if err := c.getJSON(ctx, "/studies/"+url.PathEscape(studyID), &study); err != nil {
		return nil, err
	}
	return &study, nil
}

// GetStudySeries GET /studies/{id}/series
func (c *Client) GetStudySeries(ctx context.Context, studyID string) ([]Series, error) {
	var series []Series
	if err := c.getJSON(ctx, "/studies/"+url.PathEscape(studyID)+"/series", &series); err != nil {
		return nil, err
	}
	return series, nil
}

// GetInstance GET /instances/{id}
func (c *Client) GetInstance(ctx context.Context, instanceID string) (*Instance, error) {
	if instanceID == "" {
		return nil, faults.Validation("get instance", "instance id cannot be empty")
	}
	var inst Instance
	if err := c.getJSON(ctx, "/instances/"+url.PathEscape(instanceID), &inst); err != nil {
		return nil, err
	}
	return &inst, nil
}

// GetInstanceMetadata maps GET /instances/{id} to InstanceMetadata.
func (c *Client) GetInstanceMetadata(ctx context.Context, instanceID string) (models.InstanceMetadata, error) {
	inst, err := c.GetInstance(ctx, instanceID)
	if err != nil {
		return models.InstanceMetadata{}, err
	}
	tags := make(map[string]string, len(inst.MainDicomTags)+len(inst.PatientMainDicomTags))
	for k, v := range inst.PatientMainDicomTags {
		tags[k] = v
	}
	for k, v := range inst.MainDicomTags {
		tags[k] = v
	}
	return models.InstanceMetadataFromTags(inst.ID, tags), nil
}

// GetInstanceStudy GET /instances/{id}/study
func (c *Client) GetInstanceStudy(ctx context.Context, instanceID string) (*Study, error) {
	var study Study
	if err := c.getJSON(ctx, "/instances/"+url.PathEscape(instanceID)+"/study", &study); err != nil {
		return nil, err
	}
	return &study, nil
}

// GetInstanceAttachedMetadata GET /instances/{id}/metadata/{name}, e.g. RemoteAET.
func (c *Client) GetInstanceAttachedMetadata(ctx context.Context, instanceID, name string) (string, error) {
	path := "/instances/" + url.PathEscape(instanceID) + "/metadata/" + url.PathEscape(name)
	resp, err := c.reads.R().SetContext(ctx).SetHeader("Accept", "text/plain").Get(path)
	if err := c.check(ctx, "GET "+path, resp, err, faults.Unavailable); err != nil {
		return "", err
	}
	return string(resp.Body()), nil
}

// GetSystem returns the raw /system document.
func (c *Client) GetSystem(ctx context.Context) (json.RawMessage, error) {
	var raw json.RawMessage
	if err := c.getJSON(ctx, "/system", &raw); err != nil {
		return nil, err
	}
	return raw, nil
}

// GetStatistics GET /statistics
func (c *Client) GetStatistics(ctx context.Context) (*Statistics, error) {
	var stats Statistics
	if err := c.getJSON(ctx, "/statistics", &stats); err != nil {
		return nil, err
	}
	return &stats, nil
}

// RegisterModality declares target on the server (PUT /modalities/{name})
// so that it can be used by StoreToModality.
func (c *Client) RegisterModality(ctx context.Context, target models.RouteTarget) error {
	host, portStr, err := net.SplitHostPort(target.Address)
	if err != nil {
		return faults.Validation("register modality", "target %s address %q: %v", target.Name, target.Address, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return faults.Validation("register modality", "target %s port %q: %v", target.Name, portStr, err)
	}

	path := "/modalities/" + url.PathEscape(target.Name)
	resp, err := c.writes.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(map[string]any{"AET": target.AETitle, "Host": host, "Port": port}).
		Put(path)
	return c.check(ctx, "PUT "+path, resp, err, faults.Unavailable)
}

// StoreToModality performs a synchronous C-STORE of resourceID to the named
// modality. Network errors and 5xx are TransientTransportFailure.
func (c *Client) StoreToModality(ctx context.Context, modality, resourceID string) error {
	path := "/modalities/" + url.PathEscape(modality) + "/store"
	resp, err := c.writes.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(storeRequest{Resources: []string{resourceID}, Synchronous: true}).
		Post(path)
	return c.check(ctx, "POST "+path, resp, err, faults.Transient)
}

// Ping probes /system.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.GetSystem(ctx)
	return err
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	resp, err := c.reads.R().SetContext(ctx).Get(path)
	if err := c.check(ctx, "GET "+path, resp, err, faults.Unavailable); err != nil {
		return err
	}
	if err := json.Unmarshal(resp.Body(), out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", path, err)
	}
	c.logger.Debug("Orthanc request succeeded", zap.String("path", path), zap.Int("status", resp.StatusCode()))
	return nil
}

// check classifies transport errors and non-2xx statuses; classify wraps
// network errors and 5xx responses.
func (c *Client) check(ctx context.Context, op string, resp *resty.Response, err error, classify func(string, error) error) error {
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%s: %w", op, ctx.Err())
		}
		c.logger.Warn("Orthanc request failed", zap.String("op", op), zap.Error(err))
		return classify(op, err)
	}

	status := resp.StatusCode()
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusNotFound:
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	case status >= 500:
		c.logger.Warn("Orthanc returned server error",
			zap.String("op", op),
			zap.Int("status", status),
			zap.String("body", truncate(resp.String(), 512)),
		)
		return classify(op, fmt.Errorf("status %d: %s", status, truncate(resp.String(), 256)))
	default:
		return fmt.Errorf("%s: unexpected status %d: %s", op, status, truncate(resp.String(), 256))
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
