package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/taskflow/pkg/errs"
	"github.com/kadirpekel/taskflow/pkg/toolpool"
	"github.com/kadirpekel/taskflow/pkg/toolregistry"
)

func newTestDispatch(t *testing.T, system []toolregistry.SystemTool) *Dispatch {
	t.Helper()
	pool := toolpool.New(nil)
	reg := toolregistry.New(pool, system, nil)
	reg.Initialize(context.Background())
	return New(reg, pool, nil)
}

func TestInvokeUnknownTool(t *testing.T) {
	d := newTestDispatch(t, nil)
	result := d.Invoke(context.Background(), "does-not-exist", nil, 0)
	require.NotNil(t, result.Error)
	assert.Equal(t, errs.CodeToolUnavailable, result.Error.Code)
}

func TestInvokeCodeSystemTool(t *testing.T) {
	d := newTestDispatch(t, []toolregistry.SystemTool{CodeSystemTool()})
	result := d.Invoke(context.Background(), CodeToolName, map[string]any{
		"code": "result = 1 + 2",
	}, time.Second)
	require.Nil(t, result.Error)
	assert.True(t, result.Success)
	assert.Equal(t, float64(3), result.Output)
}

func TestInvokeCodeSystemToolMissingCode(t *testing.T) {
	d := newTestDispatch(t, []toolregistry.SystemTool{CodeSystemTool()})
	result := d.Invoke(context.Background(), CodeToolName, map[string]any{}, time.Second)
	require.NotNil(t, result.Error)
	assert.Equal(t, errs.CodeToolRejected, result.Error.Code)
}

func TestCallToolDeniesCodeToolReentry(t *testing.T) {
	d := newTestDispatch(t, []toolregistry.SystemTool{CodeSystemTool()})
	result := d.Invoke(context.Background(), CodeToolName, map[string]any{
		"code": `tools.call(name="system.execute_code", params={"code": "result = 1"})`,
	}, time.Second)
	require.NotNil(t, result.Error)
	assert.Equal(t, errs.CodeCodeSecurity, result.Error.Code)
}
