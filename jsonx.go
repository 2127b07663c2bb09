package main

import (
	"fmt"
	"io"
	"net/http"

	"github.com/bytedance/sonic"
)

var fastJSON = sonic.ConfigDefault

// fastJSONMarshal encodes v as JSON using the Sonic encoder. All web UI and
// camera health payloads go through this so encoding behavior stays uniform.
func fastJSONMarshal(v any) ([]byte, error) {
	return fastJSON.Marshal(v)
}

func fastJSONUnmarshal(data []byte, v any) error {
	return fastJSON.Unmarshal(data, v)
}

const maxRequestBody = 1 << 20

// decodeJSONBody reads and decodes a request body with a hard size cap.
func decodeJSONBody(r *http.Request, v any) error {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		return fmt.Errorf("read body: %w", err)
	}
	return fastJSONUnmarshal(data, v)
}
