package providers

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{"deadline exceeded", context.DeadlineExceeded, Transient},
		{"canceled", context.Canceled, Permanent},
		{"rate limit message", errors.New("provider returned 429 too many requests"), RateLimited},
		{"server error message", errors.New("status 503: service unavailable"), Transient},
		{"client error message", errors.New("status 404: not found"), Permanent},
		{"connection refused", errors.New("dial tcp: connection refused"), Unavailable},
		{"already classified is preserved", Wrap(errors.New("boom"), RateLimited), RateLimited},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

type fakeTranslator struct {
	result *TranslateResult
	err    error
}

func (f *fakeTranslator) Translate(_ context.Context, _, _, _ string) (*TranslateResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

func TestTranslateWithFallback(t *testing.T) {
	t.Run("primary succeeds", func(t *testing.T) {
		primary := &fakeTranslator{result: &TranslateResult{Text: "Blend"}}
		res, fallback := TranslateWithFallback(context.Background(), primary, nil, "ブレンド", "ja", "en")
		assert.False(t, fallback)
		assert.Equal(t, "Blend", res.Text)
	})

	t.Run("falls back to secondary", func(t *testing.T) {
		primary := &fakeTranslator{err: errors.New("boom")}
		secondary := &fakeTranslator{result: &TranslateResult{Text: "Blend"}}
		res, fallback := TranslateWithFallback(context.Background(), primary, secondary, "ブレンド", "ja", "en")
		assert.False(t, fallback)
		assert.Equal(t, "Blend", res.Text)
	})

	t.Run("falls back to identity when both fail", func(t *testing.T) {
		primary := &fakeTranslator{err: errors.New("boom")}
		secondary := &fakeTranslator{err: errors.New("boom")}
		res, fallback := TranslateWithFallback(context.Background(), primary, secondary, "ブレンド", "ja", "en")
		assert.True(t, fallback)
		assert.Equal(t, "ブレンド", res.Text)
	})
}

func TestLimiter_EnforcesTimeout(t *testing.T) {
	l := NewLimiter(100, 1, 10*time.Millisecond)
	_, err := Call(context.Background(), l, func(ctx context.Context) (string, error) {
		select {
		case <-time.After(50 * time.Millisecond):
			return "done", nil
		case <-ctx.Done():
			return "", ctx.Err()
		}
	})
	assert.Error(t, err)
	assert.Equal(t, Transient, Classify(err))
}
