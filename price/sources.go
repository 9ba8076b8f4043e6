package price

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

// restSource builds a Fetch that issues a GET to a template URL (with %s
// replaced by the pair) and decodes a {"price": <number>} body. This
// mirrors vm/modules/*'s one-file-per-module self-registration, applied to
// oracle endpoints instead of transaction types; the engine itself never
// hardcodes which oracle HTTP APIs exist, only this adapter shape.
func restSource(name, urlTemplate string) Fetch {
	client := &http.Client{}
	return func(ctx context.Context, pair string) (float64, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf(urlTemplate, pair), nil)
		if err != nil {
			return 0, err
		}
		resp, err := client.Do(req)
		if err != nil {
			return 0, err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return 0, fmt.Errorf("%s: status %d", name, resp.StatusCode)
		}
		var body struct {
			Price float64 `json:"price"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			return 0, fmt.Errorf("%s: decode: %w", name, err)
		}
		return body.Price, nil
	}
}

// RegisterRESTSource registers a named oracle source that fetches a
// {"price": <number>} JSON document from urlTemplate (a printf template
// taking the pair as its only argument) into r. Called from cmd/qflash at
// startup once operator-configured endpoints are known; kept out of
// init() because the endpoints are deployment-specific, unlike
// vm/modules' fixed set of transaction types.
func (r *Registry) RegisterRESTSource(name, urlTemplate string) {
	r.Register(name, restSource(name, urlTemplate))
}
