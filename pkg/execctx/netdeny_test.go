package execctx

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRunDeniedBlocksAmbientRequests(t *testing.T) {
	original := http.DefaultTransport
	var sawDenyErr error
	RunDenied(func() {
		req, _ := http.NewRequest(http.MethodGet, "http://example.invalid", nil)
		_, sawDenyErr = http.DefaultTransport.RoundTrip(req)
	})

	assert.Error(t, sawDenyErr)
	assert.Same(t, original, http.DefaultTransport, "transport must be restored after RunDenied returns")
}

func TestRunDeniedNestsWithoutRestoringEarly(t *testing.T) {
	original := http.DefaultTransport
	RunDenied(func() {
		RunDenied(func() {
			assert.NotSame(t, original, http.DefaultTransport)
		})
		assert.NotSame(t, original, http.DefaultTransport, "outer call must still be denying after inner call exits")
	})
	assert.Same(t, original, http.DefaultTransport)
}
