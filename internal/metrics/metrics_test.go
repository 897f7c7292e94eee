package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rweiss/pintrain/internal/optimizer"
)

func TestObserveUpdatesGaugesAndIncrementsCounter(t *testing.T) {
	r := NewRecorder()
	r.Observe(optimizer.Stats{
		Iter: 0, Objective: 3.25, Loss: 1.5, GradNorm: 0.75,
		Stepsize: 0.1, LSIters: 2, TrainAcc: 0.6, ValAcc: 0.5,
	})
	r.Observe(optimizer.Stats{
		Iter: 1, Objective: 2.0, Loss: 1.0, GradNorm: 0.4,
		Stepsize: 0.05, LSIters: 1, TrainAcc: 0.7, ValAcc: 0.55,
	})

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, req)
	require.Equal(t, 200, rec.Code)

	body, err := io.ReadAll(rec.Result().Body)
	require.NoError(t, err)
	text := string(body)

	assert.Contains(t, text, "pintrain_gradient_norm 0.4")
	assert.Contains(t, text, "pintrain_objective 2")
	assert.Contains(t, text, "pintrain_train_accuracy 0.7")
	assert.Contains(t, text, "pintrain_validation_accuracy 0.55")
	assert.Contains(t, text, "pintrain_iterations_total 2")
	assert.True(t, strings.Contains(text, "pintrain_line_search_iterations 1"))
}

func TestNewRecorderUsesIsolatedRegistry(t *testing.T) {
	a := NewRecorder()
	b := NewRecorder()
	a.Observe(optimizer.Stats{GradNorm: 9})
	b.Observe(optimizer.Stats{GradNorm: 1})

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	b.Handler().ServeHTTP(rec, req)
	body, err := io.ReadAll(rec.Result().Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "pintrain_gradient_norm 1")
	assert.NotContains(t, string(body), "pintrain_gradient_norm 9")
}
