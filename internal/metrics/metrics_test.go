package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/cloo-solutions/kubekb/internal/domain"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestStatusOf(t *testing.T) {
	assert.Equal(t, StatusSuccess, StatusOf(nil))
	assert.Equal(t, StatusValidationError, StatusOf(domain.ErrMissingURI))
	assert.Equal(t, StatusProviderError, StatusOf(domain.NewProviderError("down", nil)))
	assert.Equal(t, StatusError, StatusOf(errors.New("boom")))
}

func TestObserveOperation_IncrementsCounter(t *testing.T) {
	before := testutil.ToFloat64(OperationsTotal.WithLabelValues("search", StatusValidationError))

	ObserveOperation("search", time.Now(), domain.ErrMissingQuery)

	after := testutil.ToFloat64(OperationsTotal.WithLabelValues("search", StatusValidationError))
	assert.Equal(t, before+1, after)
}

func TestObserveEmbedding_IncrementsCounter(t *testing.T) {
	before := testutil.ToFloat64(EmbeddingRequestsTotal.WithLabelValues("test", StatusError))

	ObserveEmbedding("test", time.Now(), errors.New("timeout"))

	after := testutil.ToFloat64(EmbeddingRequestsTotal.WithLabelValues("test", StatusError))
	assert.Equal(t, before+1, after)
}
