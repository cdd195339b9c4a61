package anthropic

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nordsight/rapport-cli/internal/resilience"
)

func TestTokenUsageAdd(t *testing.T) {
	u := TokenUsage{InputTokens: 100, OutputTokens: 50}
	u.Add(TokenUsage{InputTokens: 10, OutputTokens: 5})
	assert.Equal(t, int64(110), u.InputTokens)
	assert.Equal(t, int64(55), u.OutputTokens)
}

func TestClassifyDeadline(t *testing.T) {
	err := classify(context.DeadlineExceeded)
	assert.True(t, resilience.IsTransient(err))
}

func TestClassifyNetworkTimeout(t *testing.T) {
	var netErr net.Error = &timeoutError{}
	err := classify(netErr)
	assert.True(t, resilience.IsTransient(err))
}

func TestClassifyOther(t *testing.T) {
	err := classify(eris.New("invalid request body"))
	require.Error(t, err)
	assert.False(t, resilience.IsTransient(err))
}

type timeoutError struct{}

func (*timeoutError) Error() string   { return "i/o timeout" }
func (*timeoutError) Timeout() bool   { return true }
func (*timeoutError) Temporary() bool { return true }

func TestDefaultTimeout(t *testing.T) {
	assert.Equal(t, 5*time.Minute, DefaultTimeout)
}
