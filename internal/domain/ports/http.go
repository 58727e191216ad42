package ports

import "net/http"

// HTTPClient abstracts the HTTP transport so adapters can be tested without
// a network.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}
