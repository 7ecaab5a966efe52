package identify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/plantid/internal/logging"
	"github.com/example/plantid/internal/plant"
	"github.com/example/plantid/internal/uploader"
)

// FormField is the multipart field the backend reads the image from.
const FormField = "file"

const maxResponseBytes = 4 << 20

// Client submits images to the recognition backend.
type Client struct {
	endpoint   string
	httpClient *http.Client
	logger     *zap.Logger
}

type Option func(*Client)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// NewClient constructs a client posting to endpoint.
func NewClient(endpoint string, logger *zap.Logger, opts ...Option) *Client {
	c := &Client{
		endpoint:   endpoint,
		httpClient: &http.Client{},
		logger:     logger.Named("identify_client"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Identify posts img to the backend once and parses the result. Every failure is
// returned as an *Error.
func (c *Client) Identify(ctx context.Context, img uploader.Image) (*plant.Result, error) {
	requestID := uuid.NewString()
	opLogger := logging.WithOperation(c.logger, "identify.identify", requestID)
	start := time.Now()

	result, err := c.identify(ctx, requestID, img)
	identifyDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		var idErr *Error
		if !errors.As(err, &idErr) {
			idErr = &Error{Kind: KindUnknown, Message: msgUnknownPrefix + err.Error(), Err: err}
		}
		identifyRequests.WithLabelValues(idErr.Kind.String()).Inc()
		opLogger.Warn("identification failed",
			zap.String("kind", idErr.Kind.String()),
			zap.Int("status", idErr.Status),
			zap.Error(idErr.Err),
		)
		return nil, idErr
	}

	identifyRequests.WithLabelValues("success").Inc()
	opLogger.Info("identification succeeded",
		zap.String("plant_name", result.PlantName),
		zap.Duration("elapsed", time.Since(start)),
	)
	return result, nil
}

func (c *Client) identify(ctx context.Context, requestID string, img uploader.Image) (*plant.Result, error) {
	body, contentType, err := encodeImage(img)
	if err != nil {
		return nil, c.unknown("identify.encode", requestID, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, body)
	if err != nil {
		return nil, c.unknown("identify.new_request", requestID, err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", requestID)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, c.transportError(requestID, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, c.unknown("identify.read_body", requestID, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &Error{
			Kind:    KindServerReported,
			Message: serverMessage(resp, payload),
			Status:  resp.StatusCode,
			Err:     logging.NewOperationError("identify.status", requestID, c.endpoint, fmt.Errorf("unexpected status %d", resp.StatusCode)),
		}
	}

	var result plant.Result
	if err := json.Unmarshal(payload, &result); err != nil {
		return nil, c.unknown("identify.decode", requestID, err)
	}
	return &result, nil
}

func (c *Client) transportError(requestID string, err error) *Error {
	wrapped := logging.NewOperationError("identify.send", requestID, c.endpoint, err)

	if errors.Is(err, context.Canceled) {
		return &Error{Kind: KindUnknown, Message: msgUnknownPrefix + "request cancelled", Err: wrapped}
	}
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return &Error{Kind: KindConnectionFailed, Message: msgTimedOut, Err: wrapped}
	}
	return &Error{Kind: KindConnectionFailed, Message: msgConnectionFailed, Err: wrapped}
}

func (c *Client) unknown(operation, requestID string, err error) *Error {
	return &Error{
		Kind:    KindUnknown,
		Message: msgUnknownPrefix + err.Error(),
		Err:     logging.NewOperationError(operation, requestID, c.endpoint, err),
	}
}

// serverMessage prefers the backend's {"error": "..."} text over the status line.
func serverMessage(resp *http.Response, payload []byte) string {
	var body struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(payload, &body); err == nil && body.Error != "" {
		return body.Error
	}
	if resp.Status != "" {
		return resp.Status
	}
	return fmt.Sprintf("%d %s", resp.StatusCode, http.StatusText(resp.StatusCode))
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

func encodeImage(img uploader.Image) (*bytes.Buffer, string, error) {
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	name := img.Name
	if name == "" {
		name = "upload"
	}
	contentType := img.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="%s"; filename="%s"`, FormField, quoteEscaper.Replace(name)))
	header.Set("Content-Type", contentType)

	part, err := writer.CreatePart(header)
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(img.Data); err != nil {
		return nil, "", err
	}
	if err := writer.Close(); err != nil {
		return nil, "", err
	}
	return body, writer.FormDataContentType(), nil
}
