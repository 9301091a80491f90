package backoff

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestForAttempts(t *testing.T) {
	t.Parallel()

	errBoom := errors.New("boom")

	tests := []struct {
		name      string
		attempts  int
		failFirst int
		wantCalls int
		wantErr   bool
	}{
		{name: "single attempt", attempts: 1, failFirst: 5, wantCalls: 1, wantErr: true},
		{name: "succeeds on retry", attempts: 3, failFirst: 2, wantCalls: 3},
		{name: "exhausted", attempts: 3, failFirst: 5, wantCalls: 3, wantErr: true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			calls := 0
			notified := 0
			bo := NewProvider(ForAttempts(tc.attempts, time.Millisecond))(context.Background())
			err := bo.RetryNotify(func() error {
				calls++
				if calls <= tc.failFirst {
					return errBoom
				}
				return nil
			}, func(error, time.Duration) { notified++ })

			require.Equal(t, tc.wantCalls, calls)
			require.Equal(t, tc.wantCalls-1, notified)
			if tc.wantErr {
				require.ErrorIs(t, err, errBoom)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestPermanentStopsRetrying(t *testing.T) {
	t.Parallel()

	calls := 0
	bo := NewProvider(ForAttempts(5, time.Millisecond))(context.Background())
	err := bo.Retry(func() error {
		calls++
		return fmt.Errorf("bad credentials: %w", ErrPermanent)
	})
	require.ErrorIs(t, err, ErrPermanent)
	require.Equal(t, 1, calls)
}
