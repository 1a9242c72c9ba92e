// Package orthanc is a thin HTTP client for the Orthanc imaging server's
// REST API. It covers only the calls the service makes; every transport
// failure maps to a bad-gateway class error.
package orthanc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"previewdicom.org/internal/apperr"
	"previewdicom.org/internal/obs"
)

const defaultTimeout = 30 * time.Second

// Instance is the metadata Orthanc reports for one stored DICOM file.
type Instance struct {
	ID            string            `json:"ID"`
	MainDicomTags map[string]string `json:"MainDicomTags"`
}

// UploadResult is Orthanc's response to a stored instance.
type UploadResult struct {
	ID            string `json:"ID"`
	ParentPatient string `json:"ParentPatient"`
	ParentStudy   string `json:"ParentStudy"`
	ParentSeries  string `json:"ParentSeries"`
	Status        string `json:"Status"`
}

// Client talks to one Orthanc server.
type Client struct {
	baseURL  string
	username string
	password string
	http     *http.Client
}

type Option func(*Client)

// WithHTTPClient overrides the underlying HTTP client, for tests.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.http.Timeout = d }
}

func NewClient(baseURL, username, password string, opts ...Option) *Client {
	c := &Client{
		baseURL:  baseURL,
		username: username,
		password: password,
		http:     &http.Client{Timeout: defaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ListInstances returns every instance stored under the Orthanc patient.
func (c *Client) ListInstances(ctx context.Context, orthancPatientID string) ([]Instance, error) {
	var instances []Instance
	err := c.getJSON(ctx, "list_instances",
		"/patients/"+url.PathEscape(orthancPatientID)+"/instances", &instances)
	if err != nil {
		return nil, err
	}
	return instances, nil
}

// InstanceMetadata returns one instance's descriptive tags.
func (c *Client) InstanceMetadata(ctx context.Context, instanceID string) (*Instance, error) {
	var inst Instance
	err := c.getJSON(ctx, "instance_metadata",
		"/instances/"+url.PathEscape(instanceID), &inst)
	if err != nil {
		return nil, err
	}
	return &inst, nil
}

// FetchInstance returns the raw DICOM bytes of one instance.
func (c *Client) FetchInstance(ctx context.Context, instanceID string) ([]byte, error) {
	req, err := c.newRequest(ctx, http.MethodGet,
		"/instances/"+url.PathEscape(instanceID)+"/file", nil)
	if err != nil {
		return nil, gatewayError("fetch_instance", err)
	}
	body, err := c.do("fetch_instance", req)
	if err != nil {
		return nil, err
	}
	return body, nil
}

// Upload stores raw DICOM bytes and returns the identifiers Orthanc assigned.
func (c *Client) Upload(ctx context.Context, dicomBytes []byte) (*UploadResult, error) {
	req, err := c.newRequest(ctx, http.MethodPost, "/instances", bytes.NewReader(dicomBytes))
	if err != nil {
		return nil, gatewayError("upload", err)
	}
	req.Header.Set("Content-Type", "application/dicom")
	body, err := c.do("upload", req)
	if err != nil {
		return nil, err
	}
	var result UploadResult
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, gatewayError("upload", fmt.Errorf("decoding response: %w", err))
	}
	return &result, nil
}

// DeletePatient removes the Orthanc patient and every image under it.
func (c *Client) DeletePatient(ctx context.Context, orthancPatientID string) error {
	req, err := c.newRequest(ctx, http.MethodDelete,
		"/patients/"+url.PathEscape(orthancPatientID), nil)
	if err != nil {
		return gatewayError("delete_patient", err)
	}
	_, err = c.do("delete_patient", req)
	return err
}

func (c *Client) getJSON(ctx context.Context, op, path string, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return gatewayError(op, err)
	}
	body, err := c.do(op, req)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return gatewayError(op, fmt.Errorf("decoding response: %w", err))
	}
	return nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	if c.username != "" {
		req.SetBasicAuth(c.username, c.password)
	}
	return req, nil
}

func (c *Client) do(op string, req *http.Request) ([]byte, error) {
	resp, err := c.http.Do(req)
	obs.ObserveGatewayRequest(op, err)
	if err != nil {
		return nil, gatewayError(op, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, gatewayError(op, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, gatewayError(op, fmt.Errorf("status %d: %s", resp.StatusCode, truncate(body, 200)))
	}
	return body, nil
}

func gatewayError(op string, err error) *apperr.Error {
	return apperr.Service("ORTHANC_UNAVAILABLE", "imaging server request failed: "+op, err)
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
