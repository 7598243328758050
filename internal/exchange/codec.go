package exchange

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/golang/snappy"

	"github.com/roach88/vaultsync/internal/ir"
)

// EncodingSnappy is the content coding for snappy block-compressed bodies.
const EncodingSnappy = "snappy"

// maxBodySize bounds request and response bodies.
// A full batch of large payloads stays well below this.
const maxBodySize = 32 << 20

// ErrorBody is the JSON error envelope every sync endpoint returns.
type ErrorBody struct {
	Code    ir.ErrorCode `json:"code"`
	Message string       `json:"message"`
}

// AcceptsSnappy reports whether the request asked for snappy responses.
func AcceptsSnappy(r *http.Request) bool {
	for _, part := range strings.Split(r.Header.Get("Accept-Encoding"), ",") {
		coding, _, _ := strings.Cut(strings.TrimSpace(part), ";")
		if strings.EqualFold(coding, EncodingSnappy) {
			return true
		}
	}
	return false
}

// WriteBatch writes a batch response, compressed if the request allows it.
func WriteBatch(w http.ResponseWriter, r *http.Request, b ir.Batch) error {
	data, err := json.Marshal(b)
	if err != nil {
		return ir.NewSerializationError("encode batch", err)
	}
	w.Header().Set("Content-Type", "application/json")
	if AcceptsSnappy(r) {
		w.Header().Set("Content-Encoding", EncodingSnappy)
		data = snappy.Encode(nil, data)
	}
	w.WriteHeader(http.StatusOK)
	_, err = w.Write(data)
	return err
}

// ReadBody reads an HTTP body, decoding snappy when the encoding says so.
func ReadBody(body io.Reader, encoding string) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(body, maxBodySize+1))
	if err != nil {
		return nil, err
	}
	if len(data) > maxBodySize {
		return nil, fmt.Errorf("body exceeds %d bytes", maxBodySize)
	}
	if strings.EqualFold(strings.TrimSpace(encoding), EncodingSnappy) {
		decoded, err := snappy.Decode(nil, data)
		if err != nil {
			return nil, fmt.Errorf("snappy: %w", err)
		}
		return decoded, nil
	}
	return data, nil
}

// DecodePushRequest reads a PushRequest from an HTTP request.
// An empty body asks for everything.
func DecodePushRequest(r *http.Request) (ir.PushRequest, error) {
	var req ir.PushRequest
	data, err := ReadBody(r.Body, r.Header.Get("Content-Encoding"))
	if err != nil {
		return req, ir.NewSerializationError("read push request", err)
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return req, nil
	}
	if err := json.Unmarshal(data, &req); err != nil {
		return req, ir.NewSerializationError("decode push request", err)
	}
	return req, nil
}

// WriteError writes err as an ErrorBody with the status its code maps to.
// Errors outside the taxonomy become 500 with code INTERNAL.
func WriteError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	body := ErrorBody{Code: "INTERNAL", Message: err.Error()}
	var se *ir.SyncError
	if errors.As(err, &se) {
		status = se.HTTPStatus()
		body.Code = se.Code
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
